package guardrail

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ppiankov/fleetwatch/internal/model"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newGuard(t *testing.T, cfg Config) *Guard {
	t.Helper()
	g, err := NewGuard(cfg, nil, nil, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	g.BeginRun(t0)
	return g
}

func action(typ model.ActionType, target string, conf float64) model.Action {
	return model.Action{Type: typ, Target: target, Confidence: conf, Priority: 5}
}

func TestAdmitPassesAllChecks(t *testing.T) {
	g := newGuard(t, DefaultConfig())
	d := g.Admit(action(model.Restart, "svc-1", 0.9), t0)
	if !d.Admitted {
		t.Fatalf("expected admitted, got %+v", d)
	}
	if d.Check != "" {
		t.Errorf("admitted decision should carry no check, got %q", d.Check)
	}
	if v := g.State().View(); v.ActionsThisRun != 1 {
		t.Errorf("expected 1 action this run, got %d", v.ActionsThisRun)
	}
}

func TestAdmitRejectsLowConfidence(t *testing.T) {
	g := newGuard(t, DefaultConfig())
	d := g.Admit(action(model.Restart, "svc-1", 0.79), t0)
	if d.Admitted || d.Check != CheckConfidence {
		t.Fatalf("expected confidence rejection, got %+v", d)
	}
	// Threshold is inclusive.
	d = g.Admit(action(model.Restart, "svc-1", 0.8), t0)
	if !d.Admitted {
		t.Fatalf("confidence equal to minimum should pass, got %+v", d)
	}
}

func TestAdmitRunCap(t *testing.T) {
	g := newGuard(t, DefaultConfig())
	for i := 0; i < 5; i++ {
		d := g.Admit(action(model.Restart, "svc-"+string(rune('a'+i)), 0.9), t0)
		if !d.Admitted {
			t.Fatalf("action %d: expected admitted, got %+v", i+1, d)
		}
	}
	d := g.Admit(action(model.Restart, "svc-f", 0.9), t0)
	if d.Admitted || d.Check != CheckRunCap {
		t.Fatalf("sixth action: expected run_cap rejection, got %+v", d)
	}
	if !strings.Contains(d.Reason, "5/5") {
		t.Errorf("reason should name the cap, got %q", d.Reason)
	}
}

func TestRejectedActionsDoNotCount(t *testing.T) {
	g := newGuard(t, DefaultConfig())
	g.Admit(action(model.Restart, "svc-1", 0.1), t0)
	g.Admit(action(model.Restart, "svc-1", 0.9), t0)
	g.Admit(action(model.Restart, "svc-1", 0.9), t0) // cooldown
	if v := g.State().View(); v.ActionsThisRun != 1 {
		t.Errorf("expected 1 counted action, got %d", v.ActionsThisRun)
	}
}

func TestBeginRunResetsCounters(t *testing.T) {
	g := newGuard(t, DefaultConfig())
	for i := 0; i < 5; i++ {
		g.Admit(action(model.Alert, "svc-"+string(rune('a'+i)), 0.9), t0)
	}
	g.BeginRun(t0.Add(time.Minute))
	d := g.Admit(action(model.Alert, "svc-z", 0.9), t0.Add(time.Minute))
	if !d.Admitted {
		t.Fatalf("expected admitted after new run, got %+v", d)
	}
	// Cooldown stamps survive the run boundary.
	d = g.Admit(action(model.Alert, "svc-a", 0.9), t0.Add(2*time.Minute))
	if d.Check != CheckCooldown {
		t.Fatalf("expected cooldown to survive BeginRun, got %+v", d)
	}
}

func TestRunWindowRollsOver(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxActionsPerRun = 1
	cfg.RunWindow = time.Hour
	g := newGuard(t, cfg)

	if d := g.Admit(action(model.Alert, "a", 0.9), t0); !d.Admitted {
		t.Fatalf("expected admitted, got %+v", d)
	}
	if d := g.Admit(action(model.Alert, "b", 0.9), t0.Add(30*time.Minute)); d.Check != CheckRunCap {
		t.Fatalf("expected run_cap inside window, got %+v", d)
	}
	if d := g.Admit(action(model.Alert, "b", 0.9), t0.Add(time.Hour)); !d.Admitted {
		t.Fatalf("expected admitted after window, got %+v", d)
	}
}

func TestAdmitCooldown(t *testing.T) {
	g := newGuard(t, DefaultConfig())
	a := action(model.ClearCache, "cache-1", 0.9)

	if d := g.Admit(a, t0); !d.Admitted {
		t.Fatalf("first: expected admitted, got %+v", d)
	}
	d := g.Admit(a, t0.Add(5*time.Minute))
	if d.Admitted || d.Check != CheckCooldown {
		t.Fatalf("within cooldown: expected rejection, got %+v", d)
	}
	// Different target is independent.
	if d := g.Admit(action(model.ClearCache, "cache-2", 0.9), t0.Add(5*time.Minute)); !d.Admitted {
		t.Fatalf("other target: expected admitted, got %+v", d)
	}
	// Different type on the same target is independent.
	if d := g.Admit(action(model.Alert, "cache-1", 0.9), t0.Add(5*time.Minute)); !d.Admitted {
		t.Fatalf("other type: expected admitted, got %+v", d)
	}
	if d := g.Admit(a, t0.Add(10*time.Minute)); !d.Admitted {
		t.Fatalf("after cooldown: expected admitted, got %+v", d)
	}
}

func TestZeroCooldownDisablesCheck(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Cooldown = 0
	g := newGuard(t, cfg)
	a := action(model.Alert, "svc-1", 0.9)
	for i := 0; i < 3; i++ {
		if d := g.Admit(a, t0); !d.Admitted {
			t.Fatalf("attempt %d: expected admitted, got %+v", i+1, d)
		}
	}
}

func TestRollbackEscalationEngagesKillSwitch(t *testing.T) {
	g := newGuard(t, DefaultConfig())
	for i, target := range []string{"svc-1", "svc-2"} {
		d := g.Admit(action(model.Rollback, target, 0.9), t0)
		if !d.Admitted || d.Escalated {
			t.Fatalf("rollback %d: expected plain admission, got %+v", i+1, d)
		}
	}
	d := g.Admit(action(model.Rollback, "svc-3", 0.9), t0)
	if !d.Admitted {
		t.Fatalf("third rollback should itself be admitted, got %+v", d)
	}
	if !d.Escalated {
		t.Fatal("third rollback should escalate")
	}
	if !g.KillSwitch().Engaged() {
		t.Fatal("kill switch should be engaged after escalation")
	}

	d = g.Admit(action(model.Alert, "svc-4", 0.99), t0)
	if d.Admitted || d.Check != CheckKillSwitch {
		t.Fatalf("expected kill_switch rejection, got %+v", d)
	}
	if !strings.Contains(d.Reason, "rollback escalation") {
		t.Errorf("reason should carry the escalation cause, got %q", d.Reason)
	}
}

func TestKillSwitchShortCircuits(t *testing.T) {
	g := newGuard(t, DefaultConfig())
	if err := g.KillSwitch().Engage("maintenance"); err != nil {
		t.Fatal(err)
	}
	// Low confidence would also fail, but the kill switch is checked first.
	d := g.Admit(action(model.Restart, "svc-1", 0.1), t0)
	if d.Check != CheckKillSwitch {
		t.Fatalf("expected kill_switch first, got %+v", d)
	}

	if err := g.KillSwitch().Clear(); err != nil {
		t.Fatal(err)
	}
	if d := g.Admit(action(model.Restart, "svc-1", 0.9), t0); !d.Admitted {
		t.Fatalf("expected admitted after clear, got %+v", d)
	}
}

func TestKillSwitchEngagedByConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.KillSwitchEngaged = true
	g := newGuard(t, cfg)
	if d := g.Admit(action(model.Restart, "svc-1", 0.9), t0); d.Check != CheckKillSwitch {
		t.Fatalf("expected kill_switch rejection, got %+v", d)
	}
}

func TestCooldownPersistence(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "state")
	db, err := OpenBadger(dir, nil)
	if err != nil {
		t.Fatal(err)
	}
	g, err := NewGuard(DefaultConfig(), nil, nil, db, nil)
	if err != nil {
		t.Fatal(err)
	}
	if d := g.Admit(action(model.Restart, "svc-1", 0.9), t0); !d.Admitted {
		t.Fatalf("expected admitted, got %+v", d)
	}
	if err := db.Close(); err != nil {
		t.Fatal(err)
	}

	db2, err := OpenBadger(dir, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer db2.Close()
	g2, err := NewGuard(DefaultConfig(), nil, nil, db2, nil)
	if err != nil {
		t.Fatal(err)
	}
	n, err := g2.Restore(t0.Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 restored stamp, got %d", n)
	}
	d := g2.Admit(action(model.Restart, "svc-1", 0.9), t0.Add(time.Minute))
	if d.Check != CheckCooldown {
		t.Fatalf("expected cooldown to survive restart, got %+v", d)
	}
}

func TestNewGuardRejectsInvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinConfidence = 1.5
	cfg.MaxActionsPerRun = 0
	_, err := NewGuard(cfg, nil, nil, nil, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"min_confidence", "max_actions_per_run"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q should mention %s", err, want)
		}
	}
}

func TestConcurrentAdmitHonoursCap(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Cooldown = 0
	g := newGuard(t, cfg)

	results := make(chan bool, 50)
	for i := 0; i < 50; i++ {
		go func() {
			results <- g.Admit(action(model.Alert, "svc", 0.9), t0).Admitted
		}()
	}
	admitted := 0
	for i := 0; i < 50; i++ {
		if <-results {
			admitted++
		}
	}
	if admitted != cfg.MaxActionsPerRun {
		t.Errorf("expected exactly %d admissions, got %d", cfg.MaxActionsPerRun, admitted)
	}
}

func TestDryRunHoldsEscalationInMemory(t *testing.T) {
	dir := t.TempDir()
	db, err := OpenBadger(filepath.Join(dir, "state"), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	cfg := DefaultConfig()
	cfg.KillSwitchFile = filepath.Join(dir, "killswitch")
	g, err := NewGuard(cfg, nil, nil, db, nil)
	if err != nil {
		t.Fatal(err)
	}
	g.SetDryRun(true)
	g.BeginRun(t0)

	var d Decision
	for _, target := range []string{"svc-1", "svc-2", "svc-3"} {
		d = g.Admit(action(model.Rollback, target, 0.9), t0)
		if !d.Admitted {
			t.Fatalf("%s: expected admitted, got %+v", target, d)
		}
	}
	if !d.Escalated {
		t.Fatal("third rollback should still report the escalation")
	}
	if g.KillSwitch().Engaged() {
		t.Fatal("dry run must not engage the kill switch")
	}
	if _, err := os.Stat(cfg.KillSwitchFile); !os.IsNotExist(err) {
		t.Fatalf("dry run must not write the kill switch file, stat err = %v", err)
	}
	stamps, err := db.LoadCooldowns()
	if err != nil {
		t.Fatal(err)
	}
	if len(stamps) != 0 {
		t.Fatalf("dry run must not persist cooldowns, got %v", stamps)
	}

	d = g.Admit(action(model.Alert, "svc-4", 0.99), t0)
	if d.Admitted || d.Check != CheckKillSwitch || !strings.Contains(d.Reason, "dry run") {
		t.Fatalf("held escalation should reject like the kill switch, got %+v", d)
	}
	if v := g.State().View(); v.HeldEscalation == "" {
		t.Error("held escalation should be reported")
	}

	g.ResetRollbacks()
	if d := g.Admit(action(model.Alert, "svc-4", 0.99), t0); !d.Admitted {
		t.Fatalf("expected admitted after reset, got %+v", d)
	}
}

func TestClearingKillSwitchResetsRollbacks(t *testing.T) {
	g := newGuard(t, DefaultConfig())
	for _, target := range []string{"svc-1", "svc-2", "svc-3"} {
		g.Admit(action(model.Rollback, target, 0.9), t0)
	}
	if !g.KillSwitch().Engaged() {
		t.Fatal("expected escalation to engage the kill switch")
	}
	if err := g.KillSwitch().Clear(); err != nil {
		t.Fatal(err)
	}
	if v := g.State().View(); v.RollbacksThisRun != 0 {
		t.Fatalf("expected rollback count reset on clear, got %d", v.RollbacksThisRun)
	}

	d := g.Admit(action(model.Rollback, "svc-4", 0.9), t0)
	if !d.Admitted || d.Escalated {
		t.Fatalf("first rollback after clear should be a plain admission, got %+v", d)
	}
	if g.KillSwitch().Engaged() {
		t.Fatal("kill switch re-engaged by the first rollback after clear")
	}
}
