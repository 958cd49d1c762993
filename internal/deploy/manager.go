package deploy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ppiankov/fleetwatch/internal/store"
)

const journalTimeout = 5 * time.Second

// Manager is the only writer of deployment records. All methods are safe
// for concurrent use; readers always get copies.
type Manager struct {
	mu      sync.RWMutex
	records map[string]*Record
	journal store.Store
	logger  *slog.Logger
	now     func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithJournal persists every applied transition to s.
func WithJournal(s store.Store) Option {
	return func(m *Manager) { m.journal = s }
}

// WithLogger sets the manager's logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithClock overrides the time source used to stamp transitions.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager returns an empty manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		records: make(map[string]*Record),
		logger:  slog.Default(),
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

type journalEntry struct {
	ID         string     `json:"id"`
	Transition Transition `json:"transition"`
}

// Track returns the record for id, creating it in PENDING if absent.
// The creation transition keeps State equal to the last history entry.
func (m *Manager) Track(id, reason string, at time.Time) (Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if r, ok := m.records[id]; ok {
		return r.clone(), false, nil
	}
	if at.IsZero() {
		at = m.now()
	}
	t := Transition{To: Pending, At: at, Reason: reason, TriggeredBy: ByObservation}
	if err := m.persist(id, t); err != nil {
		return Record{}, false, err
	}
	r := &Record{ID: id, State: Pending, CreatedAt: at, UpdatedAt: at, History: []Transition{t}}
	m.records[id] = r
	return r.clone(), true, nil
}

// Apply moves id to the given state along a single allow-listed edge.
// A rejected call leaves the record untouched.
func (m *Manager) Apply(id string, to State, reason string, by Trigger) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.records[id]
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrUnknownDeployment, id)
	}
	if err := m.applyLocked(r, to, reason, by); err != nil {
		return r.clone(), err
	}
	return r.clone(), nil
}

// Advance walks the shortest legal path from the current state to the
// target, applying each hop. Platforms often report a state several hops
// ahead of the last one seen; the inferred hops are recorded with an
// "inferred:" reason. Advancing to the current state is a no-op.
func (m *Manager) Advance(id string, to State, reason string, by Trigger) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.records[id]
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrUnknownDeployment, id)
	}
	path := shortestPath(r.State, to)
	if path == nil {
		return r.clone(), &InvalidTransitionError{ID: id, From: r.State, To: to}
	}
	for i, hop := range path {
		hopReason := reason
		if i < len(path)-1 {
			hopReason = "inferred: " + reason
		}
		if err := m.applyLocked(r, hop, hopReason, by); err != nil {
			return r.clone(), err
		}
	}
	return r.clone(), nil
}

// CanReach reports whether Advance(id, to) would succeed, without
// applying anything.
func (m *Manager) CanReach(id string, to State) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.records[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDeployment, id)
	}
	if shortestPath(r.State, to) == nil {
		return &InvalidTransitionError{ID: id, From: r.State, To: to}
	}
	return nil
}

func (m *Manager) applyLocked(r *Record, to State, reason string, by Trigger) error {
	if !Allowed(r.State, to) {
		return &InvalidTransitionError{ID: r.ID, From: r.State, To: to}
	}
	t := Transition{From: r.State, To: to, At: m.now(), Reason: reason, TriggeredBy: by}
	if err := m.persist(r.ID, t); err != nil {
		return err
	}
	r.History = append(r.History, t)
	r.State = to
	r.UpdatedAt = t.At
	m.logger.Debug("deployment transition",
		"id", r.ID, "from", t.From, "to", t.To, "triggered_by", t.TriggeredBy, "reason", t.Reason)
	return nil
}

func (m *Manager) persist(id string, t Transition) error {
	if m.journal == nil {
		return nil
	}
	body, err := json.Marshal(journalEntry{ID: id, Transition: t})
	if err != nil {
		return fmt.Errorf("deploy: marshal journal entry: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), journalTimeout)
	defer cancel()
	err = m.journal.Append(ctx, store.Record{
		Stream: store.StreamDeployment,
		Key:    id,
		At:     t.At,
		Body:   body,
	})
	if err != nil {
		return fmt.Errorf("deploy: journal %s: %w", id, err)
	}
	return nil
}

// shortestPath returns the hops from -> to (excluding from) using BFS over
// the allow-list. REMOVED is only ever the final hop. Returns an empty,
// non-nil slice when from == to and nil when unreachable.
func shortestPath(from, to State) []State {
	if from == to {
		return []State{}
	}
	if !to.Valid() {
		return nil
	}
	prev := map[State]State{from: ""}
	queue := []State{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range Next(cur) {
			if _, seen := prev[next]; seen {
				continue
			}
			if next == Removed && to != Removed {
				continue
			}
			prev[next] = cur
			if next == to {
				var path []State
				for s := to; s != from; s = prev[s] {
					path = append([]State{s}, path...)
				}
				return path
			}
			queue = append(queue, next)
		}
	}
	return nil
}

// Get returns a copy of the record for id.
func (m *Manager) Get(id string) (Record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[id]
	if !ok {
		return Record{}, false
	}
	return r.clone(), true
}

// History returns the transitions recorded for id.
func (m *Manager) History(id string) ([]Transition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDeployment, id)
	}
	return append([]Transition(nil), r.History...), nil
}

// ListByState returns copies of every record in state s, sorted by id.
func (m *Manager) ListByState(s State) []Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Record
	for _, r := range m.records {
		if r.State == s {
			out = append(out, r.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// List returns copies of every record, sorted by id.
func (m *Manager) List() []Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Record, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, r.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Restore rebuilds records from the journal. It is meant to run once at
// startup, before any Track. Entries that do not chain onto the record's
// current state are skipped and logged.
func (m *Manager) Restore(ctx context.Context) (int, error) {
	if m.journal == nil {
		return 0, nil
	}
	recs, err := m.journal.Query(ctx, store.Filter{Stream: store.StreamDeployment})
	if err != nil {
		return 0, fmt.Errorf("deploy: restore: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	applied := 0
	for _, rec := range recs {
		var e journalEntry
		if err := json.Unmarshal(rec.Body, &e); err != nil {
			m.logger.Warn("skipping unreadable journal entry", "seq", rec.Seq, "error", err)
			continue
		}
		t := e.Transition
		r, ok := m.records[e.ID]
		switch {
		case !ok && t.From == "" && t.To == Pending:
			m.records[e.ID] = &Record{
				ID: e.ID, State: Pending, CreatedAt: t.At, UpdatedAt: t.At,
				History: []Transition{t},
			}
		case ok && t.From == r.State && Allowed(t.From, t.To):
			r.History = append(r.History, t)
			r.State = t.To
			r.UpdatedAt = t.At
		default:
			m.logger.Warn("skipping out-of-order journal entry",
				"id", e.ID, "from", t.From, "to", t.To, "seq", rec.Seq)
			continue
		}
		applied++
	}
	return applied, nil
}
