package guardrail

import (
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/ppiankov/fleetwatch/internal/model"
)

// Check names recorded on rejected decisions.
const (
	CheckKillSwitch = "kill_switch"
	CheckConfidence = "confidence"
	CheckRunCap     = "run_cap"
	CheckCooldown   = "cooldown"
)

// Decision is the result of one admission check.
type Decision struct {
	Admitted bool   `json:"admitted"`
	Check    string `json:"check,omitempty"`
	Reason   string `json:"reason"`
	// Escalated is set when this admission tripped the rollback
	// escalation and engaged the kill switch.
	Escalated bool `json:"escalated,omitempty"`
}

// Guard runs the admission pipeline. It is safe for concurrent use.
type Guard struct {
	cfg     Config
	state   *State
	kill    *KillSwitch
	persist CooldownStore
	logger  *slog.Logger
	dryRun  atomic.Bool
}

// NewGuard builds a guard. persist may be nil; state and kill are created
// when nil.
func NewGuard(cfg Config, state *State, kill *KillSwitch, persist CooldownStore, logger *slog.Logger) (*Guard, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	if state == nil {
		state = NewState()
	}
	if kill == nil {
		var err error
		kill, err = NewKillSwitch(cfg.KillSwitchFile, logger)
		if err != nil {
			return nil, err
		}
	}
	if cfg.KillSwitchEngaged && !kill.Engaged() {
		if err := kill.Engage("engaged by configuration"); err != nil {
			return nil, err
		}
	}
	g := &Guard{cfg: cfg, state: state, kill: kill, persist: persist, logger: logger}
	kill.OnChange(func(st KillSwitchStatus) {
		if !st.Engaged {
			g.ResetRollbacks()
		}
	})
	return g, nil
}

// SetDryRun keeps admission in memory: cooldown stamps are not persisted
// and a rollback escalation is held by the guard instead of engaging the
// kill switch. A held escalation rejects later admissions until
// ResetRollbacks.
func (g *Guard) SetDryRun(on bool) { g.dryRun.Store(on) }

// DryRun reports whether admission is kept in memory.
func (g *Guard) DryRun() bool { return g.dryRun.Load() }

// ResetRollbacks zeroes the rollback count of the current run and drops a
// held escalation. Clearing the kill switch calls it, so the next
// rollback does not re-engage the switch at once.
func (g *Guard) ResetRollbacks() {
	g.state.mu.Lock()
	defer g.state.mu.Unlock()
	g.state.rollbacksThisRun = 0
	g.state.held = ""
}

// Config returns the active limits.
func (g *Guard) Config() Config { return g.cfg }

// KillSwitch returns the switch the guard consults.
func (g *Guard) KillSwitch() *KillSwitch { return g.kill }

// State returns the shared bookkeeping.
func (g *Guard) State() *State { return g.state }

// Restore loads persisted cooldown stamps, dropping those already expired
// at now. Without a store it is a no-op.
func (g *Guard) Restore(now time.Time) (int, error) {
	if g.persist == nil {
		return 0, nil
	}
	if p, ok := g.persist.(interface {
		Prune(time.Time) (int, error)
	}); ok && g.cfg.Cooldown > 0 && !g.DryRun() {
		if n, err := p.Prune(now.Add(-g.cfg.Cooldown)); err != nil {
			g.logger.Warn("cooldown prune failed", "error", err)
		} else if n > 0 {
			g.logger.Debug("pruned expired cooldowns", "count", n)
		}
	}
	stamps, err := g.persist.LoadCooldowns()
	if err != nil {
		return 0, err
	}
	g.state.restore(stamps)
	return len(stamps), nil
}

// BeginRun resets the per-run counters.
func (g *Guard) BeginRun(now time.Time) {
	g.state.mu.Lock()
	defer g.state.mu.Unlock()
	g.state.beginRunLocked(now)
}

// Admit decides whether a may execute at now. Checks run in a fixed order
// and stop at the first rejection. An admitted action is counted and
// stamped before Admit returns.
func (g *Guard) Admit(a model.Action, now time.Time) Decision {
	if g.kill.Engaged() {
		st := g.kill.Status()
		return reject(CheckKillSwitch, fmt.Sprintf("kill switch engaged: %s", st.Reason))
	}
	if held := g.state.heldEscalation(); held != "" {
		return reject(CheckKillSwitch, fmt.Sprintf("kill switch engaged (dry run): %s", held))
	}
	if a.Confidence < g.cfg.MinConfidence {
		return reject(CheckConfidence, fmt.Sprintf("confidence %.2f below minimum %.2f", a.Confidence, g.cfg.MinConfidence))
	}

	g.state.mu.Lock()
	g.state.rolloverLocked(g.cfg.RunWindow, now)

	if g.state.actionsThisRun >= g.cfg.MaxActionsPerRun {
		n := g.state.actionsThisRun
		g.state.mu.Unlock()
		return reject(CheckRunCap, fmt.Sprintf("run cap reached: %d/%d actions", n, g.cfg.MaxActionsPerRun))
	}

	key := a.Key()
	if g.cfg.Cooldown > 0 {
		if last, ok := g.state.lastAdmitted[key]; ok && now.Sub(last) < g.cfg.Cooldown {
			remaining := g.cfg.Cooldown - now.Sub(last)
			g.state.mu.Unlock()
			return reject(CheckCooldown, fmt.Sprintf("%s admitted %s ago, cooldown %s remaining",
				key, now.Sub(last).Round(time.Second), remaining.Round(time.Second)))
		}
	}

	dry := g.DryRun()
	g.state.actionsThisRun++
	g.state.lastAdmitted[key] = now
	reason := ""
	if a.Type == model.Rollback {
		g.state.rollbacksThisRun++
		if n := g.state.rollbacksThisRun; n >= g.cfg.RollbackEscalation {
			reason = fmt.Sprintf("rollback escalation: %d rollbacks this run (limit %d)", n, g.cfg.RollbackEscalation)
			if dry {
				g.state.held = reason
			}
		}
	}
	g.state.mu.Unlock()

	if g.persist != nil && !dry {
		if err := g.persist.SaveCooldown(key, now); err != nil {
			g.logger.Warn("cooldown not persisted", "key", key, "error", err)
		}
	}

	d := Decision{Admitted: true, Reason: "all checks passed"}
	if reason != "" {
		if !dry {
			if err := g.kill.Engage(reason); err != nil {
				g.logger.Error("kill switch engage failed", "error", err)
			}
		}
		d.Escalated = true
		d.Reason = "all checks passed; " + reason
	}
	return d
}

func reject(check, reason string) Decision {
	return Decision{Check: check, Reason: reason}
}
