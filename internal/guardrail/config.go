// Package guardrail bounds the loop's authority: every proposed action
// passes the kill switch, confidence, per-run cap and cooldown checks
// before it may execute.
package guardrail

import (
	"fmt"
	"strings"
	"time"
)

// Config holds the admission limits. Zero values are replaced by defaults
// in DefaultConfig only; a zero cooldown in a loaded config disables it.
type Config struct {
	MinConfidence      float64       `yaml:"min_confidence" json:"min_confidence" validate:"gte=0,lte=1"`
	MaxActionsPerRun   int           `yaml:"max_actions_per_run" json:"max_actions_per_run" validate:"gte=1"`
	Cooldown           time.Duration `yaml:"cooldown" json:"cooldown" validate:"gte=0"`
	RollbackEscalation int           `yaml:"rollback_escalation" json:"rollback_escalation" validate:"gte=1"`
	// RunWindow rolls the per-run counters over after this long.
	// Zero keeps one run for the lifetime of the driver.
	RunWindow time.Duration `yaml:"run_window" json:"run_window" validate:"gte=0"`
	// KillSwitchFile mirrors the kill switch to disk; empty keeps it in memory.
	KillSwitchFile string `yaml:"kill_switch_file" json:"kill_switch_file"`
	// KillSwitchEngaged is the initial state at startup.
	KillSwitchEngaged bool `yaml:"kill_switch_engaged" json:"kill_switch_engaged"`
	// StateDir holds the badger database for cooldown stamps; empty keeps
	// cooldowns in memory only.
	StateDir string `yaml:"state_dir" json:"state_dir"`
}

// DefaultConfig returns the standard limits.
func DefaultConfig() Config {
	return Config{
		MinConfidence:      0.8,
		MaxActionsPerRun:   5,
		Cooldown:           10 * time.Minute,
		RollbackEscalation: 3,
	}
}

// Validate rejects limits that would make the guard meaningless.
func (c Config) Validate() error {
	var problems []string
	if c.MinConfidence < 0 || c.MinConfidence > 1 {
		problems = append(problems, fmt.Sprintf("min_confidence %.2f outside [0,1]", c.MinConfidence))
	}
	if c.MaxActionsPerRun < 1 {
		problems = append(problems, "max_actions_per_run must be at least 1")
	}
	if c.Cooldown < 0 {
		problems = append(problems, "cooldown must not be negative")
	}
	if c.RollbackEscalation < 1 {
		problems = append(problems, "rollback_escalation must be at least 1")
	}
	if c.RunWindow < 0 {
		problems = append(problems, "run_window must not be negative")
	}
	if len(problems) > 0 {
		return fmt.Errorf("guardrail: invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}
