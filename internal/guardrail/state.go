package guardrail

import (
	"sort"
	"sync"
	"time"
)

// State is the guard's mutable bookkeeping. It is shared between the cycle
// goroutine, deferred verification and the API, so every access goes
// through the mutex.
type State struct {
	mu               sync.Mutex
	runStarted       time.Time
	actionsThisRun   int
	rollbacksThisRun int
	lastAdmitted     map[string]time.Time
	// held is a dry-run escalation standing in for the kill switch.
	held string
}

// NewState returns empty bookkeeping.
func NewState() *State {
	return &State{lastAdmitted: make(map[string]time.Time)}
}

// StateView is a copy of State for reporting.
type StateView struct {
	RunStarted       time.Time            `json:"run_started"`
	ActionsThisRun   int                  `json:"actions_this_run"`
	RollbacksThisRun int                  `json:"rollbacks_this_run"`
	Cooldowns        map[string]time.Time `json:"cooldowns"`
	HeldEscalation   string               `json:"held_escalation,omitempty"`
}

// View returns a snapshot of the counters and cooldown stamps.
func (s *State) View() StateView {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := StateView{
		RunStarted:       s.runStarted,
		ActionsThisRun:   s.actionsThisRun,
		RollbacksThisRun: s.rollbacksThisRun,
		HeldEscalation:   s.held,
		Cooldowns:        make(map[string]time.Time, len(s.lastAdmitted)),
	}
	for k, t := range s.lastAdmitted {
		v.Cooldowns[k] = t
	}
	return v
}

// CooldownKeys returns the stamped keys, sorted.
func (s *State) CooldownKeys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.lastAdmitted))
	for k := range s.lastAdmitted {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (s *State) heldEscalation() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.held
}

// beginRunLocked resets the per-run counters. Cooldown stamps survive.
func (s *State) beginRunLocked(now time.Time) {
	s.runStarted = now
	s.actionsThisRun = 0
	s.rollbacksThisRun = 0
}

// rolloverLocked starts a new run when the window has elapsed.
func (s *State) rolloverLocked(window time.Duration, now time.Time) {
	if s.runStarted.IsZero() {
		s.beginRunLocked(now)
		return
	}
	if window > 0 && now.Sub(s.runStarted) >= window {
		s.beginRunLocked(now)
	}
}

// restore seeds cooldown stamps loaded from persistence, keeping the
// newest stamp per key.
func (s *State) restore(stamps map[string]time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, t := range stamps {
		if cur, ok := s.lastAdmitted[k]; !ok || t.After(cur) {
			s.lastAdmitted[k] = t
		}
	}
}
