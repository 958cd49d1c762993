package world

import (
	"sort"
	"time"

	"github.com/ppiankov/fleetwatch/internal/model"
)

// Snapshot is the fused world model for one cycle. It is read-only once
// built; the policy engine never mutates it.
type Snapshot struct {
	CycleID string
	BuiltAt time.Time
	// Subjects maps subject -> source -> latest observation.
	Subjects map[string]map[string]model.Observation
	Signals  Signals
	Missing  []string
}

// Signals are facts derived by comparing this snapshot with earlier ones.
type Signals struct {
	// HealthStreak counts consecutive cycles a subject reported unhealthy.
	HealthStreak map[string]int
	// AnomalyStreak counts consecutive cycles over the error-rate or
	// latency thresholds.
	AnomalyStreak map[string]int
	// Signatures holds the current failure signature per subject and how
	// many consecutive cycles it has repeated.
	Signatures map[string]SignatureStreak
	// FailedActions counts, per action key (type|target), the cycles in
	// the window that reported a failed execution of that action.
	FailedActions map[string]int
	// Correlations pairs deployments with failing CI runs for their repo.
	Correlations []Correlation

	failedNow map[string]bool
}

// SignatureStreak is a repeated failure signature.
type SignatureStreak struct {
	Signature string `json:"signature"`
	Count     int    `json:"count"`
}

// Repeated reports whether the signature was seen in 2+ consecutive cycles.
func (s SignatureStreak) Repeated() bool { return s.Count >= 2 }

// Correlation links a deployment to the CI failure of its source repo.
type Correlation struct {
	Deployment string `json:"deployment"`
	Repo       string `json:"repo"`
	Signature  string `json:"signature,omitempty"`
}

// SubjectNames returns every subject, sorted.
func (s *Snapshot) SubjectNames() []string {
	out := make([]string, 0, len(s.Subjects))
	for k := range s.Subjects {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Observations returns the subject's observations ordered by source.
func (s *Snapshot) Observations(subject string) []model.Observation {
	bySource := s.Subjects[subject]
	sources := make([]string, 0, len(bySource))
	for src := range bySource {
		sources = append(sources, src)
	}
	sort.Strings(sources)
	out := make([]model.Observation, 0, len(sources))
	for _, src := range sources {
		out = append(out, bySource[src])
	}
	return out
}

// Latest returns the subject's observation of the given kind, picking the
// freshest across sources (source name breaks ties).
func (s *Snapshot) Latest(subject string, kind model.ObservationKind) (model.Observation, bool) {
	var (
		best  model.Observation
		found bool
	)
	for _, o := range s.Observations(subject) {
		if o.Kind != kind {
			continue
		}
		if !found || o.FetchedAt.After(best.FetchedAt) {
			best, found = o, true
		}
	}
	return best, found
}

// ByKind returns every observation of kind, sorted by subject then source.
func (s *Snapshot) ByKind(kind model.ObservationKind) []model.Observation {
	var out []model.Observation
	for _, subject := range s.SubjectNames() {
		for _, o := range s.Observations(subject) {
			if o.Kind == kind {
				out = append(out, o)
			}
		}
	}
	return out
}

// Correlated returns the correlation for a deployment, if any.
func (s *Snapshot) Correlated(deployment string) (Correlation, bool) {
	for _, c := range s.Signals.Correlations {
		if c.Deployment == deployment {
			return c, true
		}
	}
	return Correlation{}, false
}

// Summary is a compact, serializable view used by the API and MCP tools.
type Summary struct {
	CycleID       string                     `json:"cycle_id"`
	BuiltAt       time.Time                  `json:"built_at"`
	Subjects      int                        `json:"subjects"`
	Missing       []string                   `json:"missing,omitempty"`
	HealthStreak  map[string]int             `json:"health_streak,omitempty"`
	AnomalyStreak map[string]int             `json:"anomaly_streak,omitempty"`
	Signatures    map[string]SignatureStreak `json:"signatures,omitempty"`
	Correlations  []Correlation              `json:"correlations,omitempty"`
}

// Summarize returns the compact view of s.
func (s *Snapshot) Summarize() Summary {
	return Summary{
		CycleID:       s.CycleID,
		BuiltAt:       s.BuiltAt,
		Subjects:      len(s.Subjects),
		Missing:       s.Missing,
		HealthStreak:  nonZero(s.Signals.HealthStreak),
		AnomalyStreak: nonZero(s.Signals.AnomalyStreak),
		Signatures:    s.Signals.Signatures,
		Correlations:  s.Signals.Correlations,
	}
}

func nonZero(m map[string]int) map[string]int {
	out := make(map[string]int)
	for k, v := range m {
		if v > 0 {
			out[k] = v
		}
	}
	return out
}
