// Package deploy tracks the lifecycle of deployable units and enforces the
// legal transitions between their states.
package deploy

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// State is a deployment lifecycle state.
type State string

const (
	Pending     State = "PENDING"
	Building    State = "BUILDING"
	Deploying   State = "DEPLOYING"
	Active      State = "ACTIVE"
	Failed      State = "FAILED"
	Crashed     State = "CRASHED"
	RollingBack State = "ROLLING_BACK"
	RolledBack  State = "ROLLED_BACK"
	Removed     State = "REMOVED"
)

// States lists every state in lifecycle order.
var States = []State{
	Pending, Building, Deploying, Active, Failed, Crashed, RollingBack, RolledBack, Removed,
}

// allowed is the explicit edge list. REMOVED is reachable from every
// state except itself and is handled in Allowed.
var allowed = map[State][]State{
	Pending:     {Building},
	Building:    {Deploying, Failed},
	Deploying:   {Active, Failed},
	Active:      {Crashed},
	Failed:      {RollingBack},
	Crashed:     {RollingBack},
	RollingBack: {RolledBack, Failed},
}

// Allowed reports whether from -> to is a legal edge.
func Allowed(from, to State) bool {
	if to == Removed {
		return from != Removed && from.Valid()
	}
	for _, s := range allowed[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Next returns the legal successors of s, REMOVED last.
func Next(s State) []State {
	out := append([]State(nil), allowed[s]...)
	if s != Removed && s.Valid() {
		out = append(out, Removed)
	}
	return out
}

// Valid reports whether s is a declared state.
func (s State) Valid() bool {
	for _, known := range States {
		if s == known {
			return true
		}
	}
	return false
}

// Terminal reports whether s accepts nothing but REMOVED. ACTIVE is a
// resting state, not a terminal one: it may still crash.
func (s State) Terminal() bool {
	return s == RolledBack || s == Removed
}

// ParseState accepts state names case-insensitively, with '-' or '_'.
func ParseState(raw string) (State, error) {
	s := State(strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(raw), "-", "_")))
	if !s.Valid() {
		return "", fmt.Errorf("deploy: unknown state %q", raw)
	}
	return s, nil
}

// Trigger records who caused a transition.
type Trigger string

const (
	ByObservation     Trigger = "observation"
	ByAutomatedAction Trigger = "automated_action"
	ByManual          Trigger = "manual"
)

// Transition is one immutable history entry. From is empty for the
// creation transition.
type Transition struct {
	From        State     `json:"from_state"`
	To          State     `json:"to_state"`
	At          time.Time `json:"timestamp"`
	Reason      string    `json:"reason"`
	TriggeredBy Trigger   `json:"triggered_by"`
}

// Record is one tracked deployable unit.
type Record struct {
	ID        string       `json:"id"`
	State     State        `json:"current_state"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
	History   []Transition `json:"history"`
}

func (r *Record) clone() Record {
	c := *r
	c.History = append([]Transition(nil), r.History...)
	return c
}

// Previous returns the state held before the current one, or "" for a
// record that has only its creation transition.
func (r Record) Previous() State {
	if len(r.History) == 0 {
		return ""
	}
	return r.History[len(r.History)-1].From
}

// Since returns the time the record entered its current state.
func (r Record) Since() time.Time {
	if len(r.History) == 0 {
		return r.UpdatedAt
	}
	return r.History[len(r.History)-1].At
}

var (
	// ErrInvalidTransition matches every *InvalidTransitionError via errors.Is.
	ErrInvalidTransition = errors.New("deploy: invalid transition")
	// ErrUnknownDeployment is returned for ids the manager never tracked.
	ErrUnknownDeployment = errors.New("deploy: unknown deployment")
)

// InvalidTransitionError describes a rejected state change.
type InvalidTransitionError struct {
	ID   string
	From State
	To   State
}

func (e *InvalidTransitionError) Error() string {
	if e.From.Terminal() {
		return fmt.Sprintf("deploy: invalid transition for %s: %s is terminal, cannot move to %s", e.ID, e.From, e.To)
	}
	return fmt.Sprintf("deploy: invalid transition for %s: %s -> %s", e.ID, e.From, e.To)
}

func (e *InvalidTransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}
