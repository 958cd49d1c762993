package audit

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const separator = "──────────────────────────────────────────────────────────────────"

// FormatTimeline renders a ReplayResult as a human-readable text timeline.
func FormatTimeline(result *ReplayResult) string {
	if len(result.Entries) == 0 && len(result.Events) == 0 {
		return "No audit entries found.\n"
	}

	var b strings.Builder

	first := result.Summary.FirstTimestamp
	last := result.Summary.LastTimestamp
	header := "Audit"
	if result.Filter.CycleID != "" {
		header = "Cycle: " + result.Filter.CycleID
	}
	if result.Filter.EntryID != "" {
		header = "Entry: " + result.Filter.EntryID
	}
	if first != "" {
		b.WriteString(fmt.Sprintf("%s | %s–%s UTC\n", header, formatDateRange(first), formatTimeOnly(last)))
	} else {
		b.WriteString(header + "\n")
	}
	b.WriteString(separator + "\n")

	for _, e := range result.Entries {
		b.WriteString(FormatEntryLine(e))
	}
	for _, ev := range result.Events {
		if ev.Event == nil {
			continue
		}
		b.WriteString(fmt.Sprintf("%-10s %-9s %-18s %s\n",
			formatTimeOnly(ev.Timestamp), "EVENT", ev.Event.Kind, truncate(ev.Event.Detail, 48)))
	}

	b.WriteString(separator + "\n")
	b.WriteString(formatSummary(result.Summary))

	return b.String()
}

// FormatEntryLine renders one entry as a single timeline row.
func FormatEntryLine(e Entry) string {
	decision := "-"
	if e.Admission != nil {
		decision = strings.ToUpper(e.Admission.Decision)
		if e.Admission.Decision == Rejected && e.Admission.Check != "" {
			decision += "(" + e.Admission.Check + ")"
		}
	}
	exec := "-"
	if e.Execution != nil {
		exec = e.Execution.Status
	}
	outcome := "-"
	if e.Verification != nil {
		outcome = string(e.Verification.Outcome)
	} else if e.Executed() {
		outcome = "pending"
	}
	action := fmt.Sprintf("%s(%s)", e.Action.Type, e.Action.Target)
	return fmt.Sprintf("%-10s %-24s %-30s %-10s %-10s %s\n",
		formatTimeOnly(e.CreatedAt), truncate(decision, 24), truncate(action, 30), exec, outcome, e.ID)
}

// FormatJSON renders a ReplayResult as indented JSON.
func FormatJSON(result *ReplayResult) (string, error) {
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal replay result: %w", err)
	}
	return string(data), nil
}

func formatDateRange(ts string) string {
	t, err := time.Parse(TimestampFormat, ts)
	if err != nil {
		return ts
	}
	return t.Format("2006-01-02 15:04:05")
}

func formatTimeOnly(ts string) string {
	t, err := time.Parse(TimestampFormat, ts)
	if err != nil {
		return ts
	}
	return t.Format("15:04:05")
}

func formatSummary(s ReplaySummary) string {
	parts := []string{}
	counts := []struct {
		n     int
		label string
	}{
		{s.Admitted, "admitted"},
		{s.Rejected, "rejected"},
		{s.Executed, "executed"},
		{s.ExecFailed, "exec-failed"},
		{s.Fixed, "fixed"},
		{s.Partial, "partial"},
		{s.Failed, "failed"},
		{s.Unverified, "unverified"},
		{s.Pending, "pending"},
	}
	for _, c := range counts {
		if c.n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", c.n, c.label))
		}
	}
	if len(parts) == 0 {
		parts = append(parts, "no actions")
	}
	return fmt.Sprintf("Summary: %d entries | %s\n", s.Total, strings.Join(parts, ", "))
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
