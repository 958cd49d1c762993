// Package policy maps a world snapshot and the deployment registry onto an
// ordered list of proposed actions. Every rule is a named pure function;
// the engine resolves conflicts deterministically.
package policy

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Override replaces a rule's base confidence and/or priority.
type Override struct {
	Confidence *float64 `yaml:"confidence" json:"confidence,omitempty"`
	Priority   *int     `yaml:"priority" json:"priority,omitempty"`
}

// Config tunes the built-in rules.
type Config struct {
	CrashGrace          time.Duration       `yaml:"crash_grace" json:"crash_grace"`
	HealthFailureCycles int                 `yaml:"health_failure_cycles" json:"health_failure_cycles"`
	AnomalyCycles       int                 `yaml:"anomaly_cycles" json:"anomaly_cycles"`
	SignatureBoost      float64             `yaml:"signature_boost" json:"signature_boost"`
	AutomergeLabel      string              `yaml:"automerge_label" json:"automerge_label"`
	Disabled            []string            `yaml:"disabled" json:"disabled,omitempty"`
	Overrides           map[string]Override `yaml:"overrides" json:"overrides,omitempty"`
}

// DefaultConfig returns the built-in rule tuning.
func DefaultConfig() Config {
	return Config{
		CrashGrace:          5 * time.Minute,
		HealthFailureCycles: 3,
		AnomalyCycles:       2,
		SignatureBoost:      0.05,
		AutomergeLabel:      "automerge",
	}
}

// Validate checks the tuning values and that every rule named in Disabled
// or Overrides exists in known.
func (c Config) Validate(known []string) error {
	var problems []string
	if c.CrashGrace < 0 {
		problems = append(problems, "crash_grace must not be negative")
	}
	if c.HealthFailureCycles < 1 {
		problems = append(problems, "health_failure_cycles must be at least 1")
	}
	if c.AnomalyCycles < 1 {
		problems = append(problems, "anomaly_cycles must be at least 1")
	}
	if c.SignatureBoost < 0 || c.SignatureBoost > 1 {
		problems = append(problems, "signature_boost must be within [0,1]")
	}

	names := make(map[string]bool, len(known))
	for _, n := range known {
		names[n] = true
	}
	for _, n := range c.Disabled {
		if !names[n] {
			problems = append(problems, fmt.Sprintf("disabled: unknown rule %q", n))
		}
	}
	overrides := make([]string, 0, len(c.Overrides))
	for n := range c.Overrides {
		overrides = append(overrides, n)
	}
	sort.Strings(overrides)
	for _, n := range overrides {
		o := c.Overrides[n]
		if !names[n] {
			problems = append(problems, fmt.Sprintf("overrides: unknown rule %q", n))
			continue
		}
		if o.Confidence != nil && (*o.Confidence < 0 || *o.Confidence > 1) {
			problems = append(problems, fmt.Sprintf("overrides.%s: confidence %.2f outside [0,1]", n, *o.Confidence))
		}
		if o.Priority != nil && (*o.Priority < 1 || *o.Priority > 10) {
			problems = append(problems, fmt.Sprintf("overrides.%s: priority %d outside [1,10]", n, *o.Priority))
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("policy: invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}
