package alert

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

const source = "fleetwatch"

// FormatPayload builds the webhook body for the given format.
func FormatPayload(cfg Config, m Message) ([]byte, error) {
	switch cfg.Format {
	case FormatSlack:
		return formatSlack(m)
	case FormatPagerDuty:
		return formatPagerDuty(m)
	case FormatTelegram:
		return formatTelegram(cfg.ChatID, m)
	default:
		return json.Marshal(m)
	}
}

func formatSlack(m Message) ([]byte, error) {
	fields := []any{
		map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Severity:* %s", m.Severity)},
		map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Subject:* %s", orDash(m.Subject))},
		map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Audit entry:* %s", orDash(m.AuditEntryID))},
	}
	for _, k := range detailKeys(m.Detail) {
		fields = append(fields, map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*%s:* %s", k, m.Detail[k])})
	}
	payload := map[string]any{
		"text": m.Summary,
		"blocks": []any{
			map[string]any{
				"type": "header",
				"text": map[string]any{
					"type": "plain_text",
					"text": fmt.Sprintf("%s: %s", source, m.Summary),
				},
			},
			map[string]any{
				"type":   "section",
				"fields": fields,
			},
		},
	}
	return json.Marshal(payload)
}

func formatPagerDuty(m Message) ([]byte, error) {
	severity := "info"
	switch m.Severity {
	case SeverityCritical:
		severity = "critical"
	case SeverityHigh:
		severity = "error"
	case SeverityWarning:
		severity = "warning"
	}

	details := map[string]any{
		"subject":        m.Subject,
		"audit_entry_id": m.AuditEntryID,
		"kind":           m.Kind,
	}
	for k, v := range m.Detail {
		details[k] = v
	}
	payload := map[string]any{
		"event_action": "trigger",
		"payload": map[string]any{
			"summary":        m.Summary,
			"severity":       severity,
			"source":         source,
			"component":      m.Subject,
			"custom_details": details,
		},
	}
	if m.AuditEntryID != "" {
		payload["dedup_key"] = m.AuditEntryID
	}
	return json.Marshal(payload)
}

func formatTelegram(chatID string, m Message) ([]byte, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", strings.ToUpper(string(m.Severity)), m.Summary)
	if m.Subject != "" {
		fmt.Fprintf(&b, "\nsubject: %s", m.Subject)
	}
	for _, k := range detailKeys(m.Detail) {
		fmt.Fprintf(&b, "\n%s: %s", k, m.Detail[k])
	}
	if m.AuditEntryID != "" {
		fmt.Fprintf(&b, "\naudit: %s", m.AuditEntryID)
	}
	return json.Marshal(map[string]any{
		"chat_id":                  chatID,
		"text":                     b.String(),
		"disable_web_page_preview": true,
	})
}

func detailKeys(d map[string]string) []string {
	keys := make([]string, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
