// Package alert delivers human-facing notifications to webhook endpoints.
package alert

import (
	"fmt"
	"strings"
	"time"
)

// Severity orders alert importance.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

func (s Severity) rank() int {
	switch s {
	case SeverityInfo:
		return 0
	case SeverityWarning:
		return 1
	case SeverityHigh:
		return 2
	case SeverityCritical:
		return 3
	default:
		return -1
	}
}

// ParseSeverity accepts the four severity names; empty means info.
func ParseSeverity(s string) (Severity, error) {
	if s == "" {
		return SeverityInfo, nil
	}
	sev := Severity(strings.ToLower(strings.TrimSpace(s)))
	if sev.rank() < 0 {
		return "", fmt.Errorf("alert: unknown severity %q", s)
	}
	return sev, nil
}

// Webhook formats.
const (
	FormatGeneric   = "generic"
	FormatSlack     = "slack"
	FormatPagerDuty = "pagerduty"
	FormatTelegram  = "telegram"
)

// Config defines one webhook destination.
type Config struct {
	URL    string `yaml:"url" json:"url" validate:"required,url"`
	Format string `yaml:"format" json:"format" validate:"omitempty,oneof=generic slack pagerduty telegram"`
	// MinSeverity drops messages below this level.
	MinSeverity Severity `yaml:"min_severity" json:"min_severity,omitempty"`
	// Kinds restricts delivery to these message kinds; empty means all.
	Kinds   []string          `yaml:"kinds" json:"kinds,omitempty"`
	Headers map[string]string `yaml:"headers" json:"headers,omitempty"`
	// ChatID is the Telegram chat for the telegram format.
	ChatID string `yaml:"chat_id" json:"chat_id,omitempty"`
}

// Message kinds.
const (
	KindAction     = "action"
	KindKillSwitch = "kill_switch"
	KindEscalation = "escalation"
)

// Message is one notification. AuditEntryID links it back to the audit
// trail entry that caused it.
type Message struct {
	Severity     Severity          `json:"severity"`
	Kind         string            `json:"kind,omitempty"`
	Summary      string            `json:"summary"`
	Subject      string            `json:"subject,omitempty"`
	AuditEntryID string            `json:"audit_entry_id,omitempty"`
	Detail       map[string]string `json:"detail,omitempty"`
	At           time.Time         `json:"at"`
}

func (c Config) matches(m Message) bool {
	if c.MinSeverity != "" && m.Severity.rank() < c.MinSeverity.rank() {
		return false
	}
	if len(c.Kinds) == 0 {
		return true
	}
	for _, k := range c.Kinds {
		if k == m.Kind {
			return true
		}
	}
	return false
}
