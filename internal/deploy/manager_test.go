package deploy

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ppiankov/fleetwatch/internal/store"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func fixedClock() func() time.Time {
	now := t0
	return func() time.Time {
		now = now.Add(time.Second)
		return now
	}
}

func newTestManager(t *testing.T, opts ...Option) *Manager {
	t.Helper()
	return NewManager(append([]Option{WithClock(fixedClock())}, opts...)...)
}

// walk drives a fresh record to s through legal edges.
func walk(t *testing.T, m *Manager, id string, s State) {
	t.Helper()
	if _, _, err := m.Track(id, "test", t0); err != nil {
		t.Fatalf("track: %v", err)
	}
	if s == Pending {
		return
	}
	if _, err := m.Advance(id, s, "setup", ByManual); err != nil {
		t.Fatalf("advance %s to %s: %v", id, s, err)
	}
}

func TestTrackCreatesPending(t *testing.T) {
	m := newTestManager(t)
	r, created, err := m.Track("svc-1", "first seen", t0)
	if err != nil {
		t.Fatal(err)
	}
	if !created {
		t.Fatal("expected record to be created")
	}
	if r.State != Pending {
		t.Fatalf("state = %s, want PENDING", r.State)
	}
	if len(r.History) != 1 || r.History[0].To != Pending || r.History[0].From != "" {
		t.Fatalf("unexpected creation history: %+v", r.History)
	}

	_, created, _ = m.Track("svc-1", "again", t0)
	if created {
		t.Fatal("second Track must not recreate the record")
	}
}

func TestApplyLegalPath(t *testing.T) {
	m := newTestManager(t)
	m.Track("svc-1", "new", t0)

	for _, s := range []State{Building, Deploying, Active, Crashed, RollingBack, RolledBack} {
		r, err := m.Apply("svc-1", s, "step", ByObservation)
		if err != nil {
			t.Fatalf("apply %s: %v", s, err)
		}
		if r.State != s {
			t.Fatalf("state = %s, want %s", r.State, s)
		}
		if last := r.History[len(r.History)-1]; last.To != r.State {
			t.Fatalf("state %s does not match last history entry %s", r.State, last.To)
		}
	}
}

func TestApplyRejectsEveryUnlistedPair(t *testing.T) {
	for _, from := range States {
		for _, to := range States {
			if Allowed(from, to) {
				continue
			}
			m := newTestManager(t)
			walk(t, m, "svc", from)

			before, _ := m.Get("svc")
			_, err := m.Apply("svc", to, "attempt", ByManual)
			if err == nil {
				t.Fatalf("%s -> %s: expected error", from, to)
			}
			if !errors.Is(err, ErrInvalidTransition) {
				t.Fatalf("%s -> %s: expected ErrInvalidTransition, got %v", from, to, err)
			}
			var ite *InvalidTransitionError
			if !errors.As(err, &ite) || ite.From != from || ite.To != to {
				t.Fatalf("%s -> %s: unexpected error detail %v", from, to, err)
			}
			after, _ := m.Get("svc")
			if after.State != before.State || len(after.History) != len(before.History) {
				t.Fatalf("%s -> %s: rejected transition mutated the record", from, to)
			}
		}
	}
}

func TestTerminalStatesOnlyAcceptRemoved(t *testing.T) {
	for _, term := range []State{RolledBack, Removed} {
		for _, to := range States {
			m := newTestManager(t)
			walk(t, m, "svc", term)
			_, err := m.Apply("svc", to, "attempt", ByManual)
			if to == Removed && term != Removed {
				if err != nil {
					t.Fatalf("%s -> REMOVED: %v", term, err)
				}
				continue
			}
			if !errors.Is(err, ErrInvalidTransition) {
				t.Fatalf("%s -> %s: expected invalid transition, got %v", term, to, err)
			}
		}
	}
}

func TestActiveOnlyCrashesOrIsRemoved(t *testing.T) {
	for _, to := range States {
		m := newTestManager(t)
		walk(t, m, "svc", Active)
		_, err := m.Apply("svc", to, "attempt", ByObservation)
		ok := to == Crashed || to == Removed
		if ok && err != nil {
			t.Fatalf("ACTIVE -> %s: %v", to, err)
		}
		if !ok && err == nil {
			t.Fatalf("ACTIVE -> %s should be rejected", to)
		}
	}
}

func TestApplyUnknownDeployment(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Apply("ghost", Building, "x", ByManual)
	if !errors.Is(err, ErrUnknownDeployment) {
		t.Fatalf("expected ErrUnknownDeployment, got %v", err)
	}
}

func TestAdvanceInfersIntermediateStates(t *testing.T) {
	m := newTestManager(t)
	walk(t, m, "svc-42", Active)

	r, err := m.Advance("svc-42", RolledBack, "platform reports rolled back", ByObservation)
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if r.State != RolledBack {
		t.Fatalf("state = %s, want ROLLED_BACK", r.State)
	}
	tail := r.History[len(r.History)-3:]
	want := []State{Crashed, RollingBack, RolledBack}
	for i, tr := range tail {
		if tr.To != want[i] {
			t.Fatalf("hop %d = %s, want %s", i, tr.To, want[i])
		}
	}
	if !strings.HasPrefix(tail[0].Reason, "inferred: ") || strings.HasPrefix(tail[2].Reason, "inferred") {
		t.Fatalf("unexpected reasons: %q, %q", tail[0].Reason, tail[2].Reason)
	}
}

func TestAdvanceNeverPassesThroughRemoved(t *testing.T) {
	m := newTestManager(t)
	walk(t, m, "svc", RolledBack)
	if _, err := m.Advance("svc", Active, "redeploy", ByObservation); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	if err := m.CanReach("svc", Removed); err != nil {
		t.Fatalf("REMOVED should be reachable: %v", err)
	}
}

func TestAdvanceToCurrentStateIsNoop(t *testing.T) {
	m := newTestManager(t)
	walk(t, m, "svc", Building)
	r, err := m.Advance("svc", Building, "same", ByObservation)
	if err != nil {
		t.Fatal(err)
	}
	if len(r.History) != 2 {
		t.Fatalf("history grew on no-op advance: %d", len(r.History))
	}
}

func TestListByStateSorted(t *testing.T) {
	m := newTestManager(t)
	walk(t, m, "b", Active)
	walk(t, m, "a", Active)
	walk(t, m, "c", Building)

	got := m.ListByState(Active)
	if len(got) != 2 || got[0].ID != "a" || got[1].ID != "b" {
		t.Fatalf("unexpected list: %+v", got)
	}
	if len(m.List()) != 3 {
		t.Fatalf("expected 3 records")
	}
}

func TestReturnedRecordsDoNotAlias(t *testing.T) {
	m := newTestManager(t)
	walk(t, m, "svc", Building)
	r, _ := m.Get("svc")
	r.History[0].Reason = "mutated"
	r2, _ := m.Get("svc")
	if r2.History[0].Reason == "mutated" {
		t.Fatal("Get returned aliased history")
	}
}

func TestJournalRestore(t *testing.T) {
	js := store.NewMemory()
	m := newTestManager(t, WithJournal(js))
	walk(t, m, "svc-1", Active)
	walk(t, m, "svc-2", Failed)

	restored := newTestManager(t, WithJournal(js))
	n, err := restored.Restore(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 4+3 {
		t.Fatalf("restored %d transitions, want 7", n)
	}
	r, ok := restored.Get("svc-1")
	if !ok || r.State != Active || len(r.History) != 4 {
		t.Fatalf("unexpected restored record: %+v", r)
	}
	r, _ = restored.Get("svc-2")
	if r.State != Failed || r.Previous() != Building {
		t.Fatalf("svc-2 = %s (prev %s), want FAILED from BUILDING", r.State, r.Previous())
	}
}

func TestJournalFailureLeavesRecordUnchanged(t *testing.T) {
	js := store.NewMemory()
	m := newTestManager(t, WithJournal(js))
	walk(t, m, "svc", Building)
	js.Close()

	if _, err := m.Apply("svc", Deploying, "x", ByObservation); err == nil {
		t.Fatal("expected journal error")
	}
	r, _ := m.Get("svc")
	if r.State != Building {
		t.Fatalf("state = %s, want BUILDING", r.State)
	}
}

func TestParseState(t *testing.T) {
	s, err := ParseState("rolling-back")
	if err != nil || s != RollingBack {
		t.Fatalf("ParseState = %s, %v", s, err)
	}
	if _, err := ParseState("exploded"); err == nil {
		t.Fatal("expected error for unknown state")
	}
}
