// Package notify is the notification-channel adapter. It turns alert
// actions into alert messages and reports, per subject, whether the last
// one was delivered.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ppiankov/fleetwatch/internal/adapter"
	"github.com/ppiankov/fleetwatch/internal/alert"
	"github.com/ppiankov/fleetwatch/internal/model"
)

// ParamSeverity selects the alert severity; it matches the key rules set.
const ParamSeverity = "severity"

// FieldDelivered is the observation key verification checks.
const FieldDelivered = "delivered"

type delivery struct {
	delivered bool
	at        time.Time
	err       string
	entryID   string
}

// Adapter delivers through an alert.Notifier. A nil notifier logs the
// message and counts it as delivered.
type Adapter struct {
	name     string
	notifier alert.Notifier
	logger   *slog.Logger
	now      func() time.Time

	mu   sync.Mutex
	last map[string]delivery
}

// New wraps notifier.
func New(name string, notifier alert.Notifier, logger *slog.Logger) *Adapter {
	if name == "" {
		name = "notify"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		name:     name,
		notifier: notifier,
		logger:   logger.With("adapter", name),
		now:      func() time.Time { return time.Now().UTC() },
		last:     make(map[string]delivery),
	}
}

func (a *Adapter) Name() string { return a.name }

// Notify sends m directly, outside the action path. The driver uses it
// for kill switch and escalation alerts.
func (a *Adapter) Notify(ctx context.Context, m alert.Message) error {
	if m.At.IsZero() {
		m.At = a.now()
	}
	var err error
	if a.notifier == nil {
		a.logger.Warn("alert", "severity", m.Severity, "summary", m.Summary, "subject", m.Subject, "audit_entry", m.AuditEntryID)
	} else {
		err = a.notifier.Notify(ctx, m)
	}
	if m.Subject != "" {
		d := delivery{delivered: err == nil, at: m.At, entryID: m.AuditEntryID}
		if err != nil {
			d.err = err.Error()
		}
		a.mu.Lock()
		a.last[m.Subject] = d
		a.mu.Unlock()
	}
	if err != nil {
		return fmt.Errorf("notify: %w", err)
	}
	return nil
}

// Observe reports whether the last message about subject was delivered.
func (a *Adapter) Observe(ctx context.Context, subject string) (model.Observation, error) {
	if err := ctx.Err(); err != nil {
		return model.Observation{}, err
	}
	a.mu.Lock()
	d, ok := a.last[subject]
	a.mu.Unlock()

	payload := map[string]any{FieldDelivered: ok && d.delivered}
	if ok {
		payload["delivered_at"] = d.at.Format(time.RFC3339)
		if d.err != "" {
			payload["error"] = d.err
		}
		if d.entryID != "" {
			payload["audit_entry_id"] = d.entryID
		}
	}
	return model.Observation{
		Source:    a.name,
		Subject:   subject,
		Kind:      model.KindDelivery,
		Payload:   payload,
		FetchedAt: a.now(),
	}, nil
}

// Act delivers an alert action.
func (a *Adapter) Act(ctx context.Context, act model.Action) (model.ActionResult, error) {
	if act.Type != model.Alert {
		return model.ActionResult{}, fmt.Errorf("notify: unsupported action %s", act.Type)
	}
	sev := alert.SeverityWarning
	if s := act.Params[ParamSeverity]; s != "" {
		if parsed, err := alert.ParseSeverity(s); err == nil {
			sev = parsed
		}
	}
	detail := map[string]string{"rule": act.Rule, "confidence": fmt.Sprintf("%.2f", act.Confidence)}
	for k, v := range act.Params {
		if k != ParamSeverity && k != adapter.ParamAdapter {
			detail[k] = v
		}
	}
	m := alert.Message{
		Severity:     sev,
		Kind:         alert.KindAction,
		Summary:      act.Rationale,
		Subject:      act.Target,
		AuditEntryID: adapter.EntryID(ctx),
		Detail:       detail,
		At:           a.now(),
	}
	if err := a.Notify(ctx, m); err != nil {
		return model.ActionResult{}, err
	}
	return model.ResultOf(map[string]any{FieldDelivered: true, "severity": sev, "subject": act.Target}), nil
}
