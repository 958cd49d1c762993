// Package loop drives the observe, orient, decide and act cycle over the
// fleet, on an interval and on demand.
package loop

import (
	"fmt"
	"strings"
	"time"
)

// DefaultInterval is the time between scheduled cycles.
const DefaultInterval = 5 * time.Minute

// Config holds the driver settings.
type Config struct {
	Interval       time.Duration `yaml:"interval" json:"interval" validate:"gte=0"`
	ActTimeout     time.Duration `yaml:"act_timeout" json:"act_timeout" validate:"gte=0"`
	VerifyDelay    time.Duration `yaml:"verify_delay" json:"verify_delay" validate:"gte=0"`
	ObserveTimeout time.Duration `yaml:"observe_timeout" json:"observe_timeout" validate:"gte=0"`
	// DryRun runs the guard and the audit trail but never calls Act.
	DryRun bool `yaml:"dry_run" json:"dry_run"`
	// LockFile is the PID file taken by Run. Empty skips locking.
	LockFile string `yaml:"lock_file" json:"lock_file"`
}

// DefaultConfig returns the standard driver settings.
func DefaultConfig() Config {
	return Config{
		Interval:       DefaultInterval,
		ActTimeout:     30 * time.Second,
		VerifyDelay:    60 * time.Second,
		ObserveTimeout: 10 * time.Second,
	}
}

// Validate rejects settings the driver cannot run with.
func (c Config) Validate() error {
	var problems []string
	if c.Interval <= 0 {
		problems = append(problems, "interval must be positive")
	}
	if c.ActTimeout < 0 {
		problems = append(problems, "act_timeout must not be negative")
	}
	if c.VerifyDelay < 0 {
		problems = append(problems, "verify_delay must not be negative")
	}
	if c.ObserveTimeout < 0 {
		problems = append(problems, "observe_timeout must not be negative")
	}
	if len(problems) > 0 {
		return fmt.Errorf("loop: invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}
