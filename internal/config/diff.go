package config

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Change is one scalar difference between two configs.
type Change struct {
	Field   string `json:"field"`
	Old     string `json:"old"`
	New     string `json:"new"`
	Comment string `json:"comment,omitempty"`
}

// DiffResult compares the authority two configs grant the loop.
type DiffResult struct {
	OldPath    string   `json:"old_path"`
	NewPath    string   `json:"new_path"`
	Changes    []Change `json:"changes"`
	HasChanges bool     `json:"has_changes"`
}

// Diff reports changes to limits, rule tuning, adapters and routes.
// Each limit change is marked stricter or looser.
func Diff(old, new *Config) *DiffResult {
	r := &DiffResult{}

	diffBool(r, "loop.dry_run", old.Loop.DryRun, new.Loop.DryRun, true)
	diffDuration(r, "loop.interval", old.Loop.Interval, new.Loop.Interval, true)
	diffDuration(r, "loop.verify_delay", old.Loop.VerifyDelay, new.Loop.VerifyDelay, true)

	og, ng := old.Guardrail, new.Guardrail
	diffFloat(r, "guardrail.min_confidence", og.MinConfidence, ng.MinConfidence, true)
	diffInt(r, "guardrail.max_actions_per_run", og.MaxActionsPerRun, ng.MaxActionsPerRun, false)
	diffDuration(r, "guardrail.cooldown", og.Cooldown, ng.Cooldown, true)
	diffInt(r, "guardrail.rollback_escalation", og.RollbackEscalation, ng.RollbackEscalation, false)
	diffDuration(r, "guardrail.run_window", og.RunWindow, ng.RunWindow, false)
	diffBool(r, "guardrail.kill_switch_engaged", og.KillSwitchEngaged, ng.KillSwitchEngaged, true)

	op, np := old.Policy, new.Policy
	diffDuration(r, "policy.crash_grace", op.CrashGrace, np.CrashGrace, true)
	diffInt(r, "policy.health_failure_cycles", op.HealthFailureCycles, np.HealthFailureCycles, true)
	diffInt(r, "policy.anomaly_cycles", op.AnomalyCycles, np.AnomalyCycles, true)
	diffFloat(r, "policy.signature_boost", op.SignatureBoost, np.SignatureBoost, false)
	if op.AutomergeLabel != np.AutomergeLabel {
		r.Changes = append(r.Changes, Change{Field: "policy.automerge_label", Old: op.AutomergeLabel, New: np.AutomergeLabel})
	}
	// A disabled rule is authority removed, so additions to the list are stricter.
	diffSet(r, "policy.disabled", op.Disabled, np.Disabled, "stricter", "looser")

	oldNames, _ := old.AdapterNames()
	newNames, _ := new.AdapterNames()
	diffSet(r, "adapters", oldNames, newNames, "added", "removed")

	for _, t := range unionKeys(old.Routes, new.Routes) {
		o, n := old.Routes[t], new.Routes[t]
		if o != n {
			r.Changes = append(r.Changes, Change{Field: "routes." + t, Old: o, New: n})
		}
	}

	r.HasChanges = len(r.Changes) > 0
	return r
}

func diffInt(r *DiffResult, field string, old, new int, higherIsStricter bool) {
	if old == new {
		return
	}
	r.Changes = append(r.Changes, Change{
		Field:   field,
		Old:     fmt.Sprintf("%d", old),
		New:     fmt.Sprintf("%d", new),
		Comment: direction(new > old, higherIsStricter),
	})
}

func diffFloat(r *DiffResult, field string, old, new float64, higherIsStricter bool) {
	if old == new {
		return
	}
	r.Changes = append(r.Changes, Change{
		Field:   field,
		Old:     fmt.Sprintf("%.2f", old),
		New:     fmt.Sprintf("%.2f", new),
		Comment: direction(new > old, higherIsStricter),
	})
}

func diffDuration(r *DiffResult, field string, old, new time.Duration, longerIsStricter bool) {
	if old == new {
		return
	}
	r.Changes = append(r.Changes, Change{
		Field:   field,
		Old:     old.String(),
		New:     new.String(),
		Comment: direction(new > old, longerIsStricter),
	})
}

func diffBool(r *DiffResult, field string, old, new bool, trueIsStricter bool) {
	if old == new {
		return
	}
	r.Changes = append(r.Changes, Change{
		Field:   field,
		Old:     fmt.Sprintf("%t", old),
		New:     fmt.Sprintf("%t", new),
		Comment: direction(new, trueIsStricter),
	})
}

func direction(increased, increaseIsStricter bool) string {
	if increased == increaseIsStricter {
		return "stricter"
	}
	return "looser"
}

func diffSet(r *DiffResult, field string, old, new []string, addedNote, removedNote string) {
	oldSet := make(map[string]bool, len(old))
	for _, k := range old {
		oldSet[k] = true
	}
	newSet := make(map[string]bool, len(new))
	for _, k := range new {
		newSet[k] = true
	}
	for _, k := range sorted(new) {
		if !oldSet[k] {
			r.Changes = append(r.Changes, Change{Field: field, New: k, Comment: addedNote})
		}
	}
	for _, k := range sorted(old) {
		if !newSet[k] {
			r.Changes = append(r.Changes, Change{Field: field, Old: k, Comment: removedNote})
		}
	}
}

func sorted(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}

func unionKeys(a, b map[string]string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	for k := range a {
		seen[k] = true
	}
	for k := range b {
		seen[k] = true
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// FormatText renders the diff for a terminal.
func FormatText(r *DiffResult) string {
	if !r.HasChanges {
		return fmt.Sprintf("Config diff: %s → %s\n\nNo changes detected.\n", r.OldPath, r.NewPath)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Config diff: %s → %s\n", r.OldPath, r.NewPath)

	section := ""
	for _, c := range r.Changes {
		head, name, nested := strings.Cut(c.Field, ".")
		if !nested {
			name = ""
		}
		if head != section {
			section = head
			fmt.Fprintf(&b, "\n  %s:\n", head)
		}
		switch {
		case name == "" && c.Old == "":
			fmt.Fprintf(&b, "    + %s", c.New)
		case name == "" && c.New == "":
			fmt.Fprintf(&b, "    - %s", c.Old)
		default:
			fmt.Fprintf(&b, "    %-24s %s → %s", name+":", orNone(c.Old), orNone(c.New))
		}
		if c.Comment != "" {
			fmt.Fprintf(&b, "  (%s)", c.Comment)
		}
		b.WriteString("\n")
	}
	return b.String()
}

// FormatJSON renders the diff as indented JSON.
func FormatJSON(r *DiffResult) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", fmt.Errorf("config: marshal diff: %w", err)
	}
	return string(data), nil
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}
