package audit

import (
	"fmt"
	"time"

	"github.com/ppiankov/fleetwatch/internal/model"
)

// Trail writes the per-stage records of the action lifecycle. It is shared
// by the cycle goroutine and deferred verification; Log serializes writes.
type Trail struct {
	log *Log
	now func() time.Time
}

// NewTrail wraps an open log.
func NewTrail(l *Log) *Trail {
	return &Trail{log: l, now: func() time.Time { return time.Now().UTC() }}
}

// WithClock overrides the timestamp source.
func (t *Trail) WithClock(now func() time.Time) *Trail {
	t.now = now
	return t
}

// Path returns the underlying log file path.
func (t *Trail) Path() string { return t.log.Path() }

func (t *Trail) stamp() string {
	return t.now().UTC().Format(TimestampFormat)
}

// Admission opens a new entry for a and records the guard's verdict. The
// returned entry id ties later stages to it.
func (t *Trail) Admission(cycleID string, a model.Action, adm Admission) (string, error) {
	id := model.NewEntryID()
	snapshot := a.Clone()
	err := t.log.Append(Record{
		Timestamp: t.stamp(),
		EntryID:   id,
		CycleID:   cycleID,
		Stage:     StageAdmission,
		Actor:     ActorAutomated,
		Action:    &snapshot,
		Admission: &adm,
	})
	if err != nil {
		return "", fmt.Errorf("audit: admission for %s: %w", a, err)
	}
	return id, nil
}

// Execution appends the execution record of an admitted entry.
func (t *Trail) Execution(entryID, cycleID string, ex Execution) error {
	err := t.log.Append(Record{
		Timestamp: t.stamp(),
		EntryID:   entryID,
		CycleID:   cycleID,
		Stage:     StageExecution,
		Actor:     ActorAutomated,
		Execution: &ex,
	})
	if err != nil {
		return fmt.Errorf("audit: execution for %s: %w", entryID, err)
	}
	return nil
}

// Verification appends the outcome classification of an executed entry.
func (t *Trail) Verification(entryID, cycleID string, v Verification) error {
	err := t.log.Append(Record{
		Timestamp:    t.stamp(),
		EntryID:      entryID,
		CycleID:      cycleID,
		Stage:        StageVerification,
		Actor:        ActorAutomated,
		Verification: &v,
	})
	if err != nil {
		return fmt.Errorf("audit: verification for %s: %w", entryID, err)
	}
	return nil
}

// Event records a loop-level fact such as a kill switch toggle.
func (t *Trail) Event(cycleID, actor, kind, detail string) error {
	if actor == "" {
		actor = ActorAutomated
	}
	err := t.log.Append(Record{
		Timestamp: t.stamp(),
		CycleID:   cycleID,
		Stage:     StageEvent,
		Actor:     actor,
		Event:     &Event{Kind: kind, Detail: detail},
	})
	if err != nil {
		return fmt.Errorf("audit: event %s: %w", kind, err)
	}
	return nil
}
