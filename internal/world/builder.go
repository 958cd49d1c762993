package world

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ppiankov/fleetwatch/internal/model"
)

// Thresholds mark a health observation as anomalous. Zero disables a check.
type Thresholds struct {
	ErrorRate float64 `yaml:"error_rate" json:"error_rate"`
	LatencyMS float64 `yaml:"latency_ms" json:"latency_ms"`
}

// DefaultWindow is the number of snapshots retained for trend detection.
const DefaultWindow = 5

// DefaultThresholds returns the anomaly thresholds used when none are set.
func DefaultThresholds() Thresholds {
	return Thresholds{ErrorRate: 0.05, LatencyMS: 1000}
}

// Builder turns raw observations into snapshots, carrying streaks forward
// from the previous snapshot.
type Builder struct {
	mu         sync.Mutex
	window     int
	thresholds Thresholds
	history    []*Snapshot
}

// NewBuilder returns a builder keeping the last window snapshots.
func NewBuilder(window int, th Thresholds) *Builder {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Builder{window: window, thresholds: th}
}

// Build fuses observations into a new snapshot and derives its signals.
func (b *Builder) Build(cycleID string, at time.Time, observations []model.Observation, missing []string) *Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	snap := &Snapshot{
		CycleID:  cycleID,
		BuiltAt:  at,
		Subjects: fuse(observations),
		Missing:  append([]string(nil), missing...),
	}
	var prev *Snapshot
	if n := len(b.history); n > 0 {
		prev = b.history[n-1]
	}
	snap.Signals = b.derive(snap, prev)

	b.history = append(b.history, snap)
	if len(b.history) > b.window {
		b.history = b.history[len(b.history)-b.window:]
	}
	snap.Signals.FailedActions = b.countFailedActions()
	return snap
}

// Previous returns the last snapshot built, or nil.
func (b *Builder) Previous() *Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.history) == 0 {
		return nil
	}
	return b.history[len(b.history)-1]
}

// Window returns the retained snapshots, oldest first.
func (b *Builder) Window() []*Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*Snapshot(nil), b.history...)
}

// fuse keeps the freshest observation per subject and source.
func fuse(observations []model.Observation) map[string]map[string]model.Observation {
	out := make(map[string]map[string]model.Observation)
	for _, o := range observations {
		if o.Subject == "" {
			continue
		}
		bySource, ok := out[o.Subject]
		if !ok {
			bySource = make(map[string]model.Observation)
			out[o.Subject] = bySource
		}
		key := o.Source
		// Feedback observations share a source; keep each kind.
		if o.Kind == model.KindActionResult || o.Kind == model.KindVerification {
			key = o.Source + ":" + string(o.Kind)
		}
		if cur, seen := bySource[key]; seen && cur.FetchedAt.After(o.FetchedAt) {
			continue
		}
		bySource[key] = o
	}
	return out
}

func (b *Builder) derive(snap, prev *Snapshot) Signals {
	sig := Signals{
		HealthStreak:  make(map[string]int),
		AnomalyStreak: make(map[string]int),
		Signatures:    make(map[string]SignatureStreak),
		failedNow:     make(map[string]bool),
	}
	if prev != nil {
		for k, v := range prev.Signals.HealthStreak {
			sig.HealthStreak[k] = v
		}
		for k, v := range prev.Signals.AnomalyStreak {
			sig.AnomalyStreak[k] = v
		}
		for k, v := range prev.Signals.Signatures {
			sig.Signatures[k] = v
		}
	}

	for _, subject := range snap.SubjectNames() {
		if h, ok := snap.Latest(subject, model.KindHealth); ok {
			if h.String(model.FieldHealth) == model.HealthUnhealthy {
				sig.HealthStreak[subject]++
			} else {
				sig.HealthStreak[subject] = 0
			}
			if b.anomalous(h) {
				sig.AnomalyStreak[subject]++
			} else {
				sig.AnomalyStreak[subject] = 0
			}
		}

		if signature, seen := failureSignature(snap, subject); seen {
			if signature == "" {
				delete(sig.Signatures, subject)
			} else if cur, ok := sig.Signatures[subject]; ok && cur.Signature == signature {
				sig.Signatures[subject] = SignatureStreak{Signature: signature, Count: cur.Count + 1}
			} else {
				sig.Signatures[subject] = SignatureStreak{Signature: signature, Count: 1}
			}
		}

		for _, o := range snap.Observations(subject) {
			if actionFailed(o) {
				sig.failedNow[o.String(FieldActionType)+"|"+subject] = true
			}
		}
	}

	sig.Correlations = correlate(snap)
	return sig
}

// FieldActionType names the action type on feedback observations.
const FieldActionType = "action_type"

// actionFailed reports whether o is feedback about a failed action: an
// execution error or a verification that confirmed no effect.
func actionFailed(o model.Observation) bool {
	switch o.Kind {
	case model.KindActionResult:
		return o.String(model.FieldOutcome) == model.StatusFailure
	case model.KindVerification:
		return o.String(model.FieldOutcome) == string(model.Failed)
	}
	return false
}

func (b *Builder) anomalous(h model.Observation) bool {
	if b.thresholds.ErrorRate > 0 && h.Float(model.FieldErrorRate) > b.thresholds.ErrorRate {
		return true
	}
	if b.thresholds.LatencyMS > 0 && h.Float(model.FieldLatencyMS) > b.thresholds.LatencyMS {
		return true
	}
	return false
}

func (b *Builder) countFailedActions() map[string]int {
	out := make(map[string]int)
	for _, s := range b.history {
		for k := range s.Signals.failedNow {
			out[k]++
		}
	}
	return out
}

// failureSignature inspects build and execution results for subject. seen
// is false when the subject reported no such result this cycle, in which
// case the previous streak carries. An empty signature means the subject
// reported success.
func failureSignature(snap *Snapshot, subject string) (string, bool) {
	seen := false
	var sigs []string
	for _, kind := range []model.ObservationKind{model.KindBuild, model.KindExecution} {
		o, ok := snap.Latest(subject, kind)
		if !ok {
			continue
		}
		seen = true
		if o.String(model.FieldStatus) != model.StatusFailure {
			continue
		}
		s := o.String(model.FieldSignature)
		if s == "" {
			s = fmt.Sprintf("%s:%s", o.Kind, model.StatusFailure)
		}
		sigs = append(sigs, s)
	}
	sort.Strings(sigs)
	return strings.Join(sigs, "+"), seen
}

func correlate(snap *Snapshot) []Correlation {
	var out []Correlation
	for _, subject := range snap.SubjectNames() {
		h, ok := snap.Latest(subject, model.KindHealth)
		if !ok {
			continue
		}
		repo := h.String(model.FieldRepo)
		if repo == "" {
			continue
		}
		ci, ok := snap.Latest(repo, model.KindBuild)
		if !ok || ci.String(model.FieldStatus) != model.StatusFailure {
			continue
		}
		out = append(out, Correlation{Deployment: subject, Repo: repo, Signature: ci.String(model.FieldSignature)})
	}
	return out
}
