package loop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ppiankov/fleetwatch/internal/alert"
	"github.com/ppiankov/fleetwatch/internal/audit"
	"github.com/ppiankov/fleetwatch/internal/deploy"
	"github.com/ppiankov/fleetwatch/internal/guardrail"
	"github.com/ppiankov/fleetwatch/internal/metrics"
	"github.com/ppiankov/fleetwatch/internal/model"
	"github.com/ppiankov/fleetwatch/internal/policy"
	"github.com/ppiankov/fleetwatch/internal/world"
)

func (l *Loop) runCycle(ctx context.Context, trigger string) CycleReport {
	l.cycleMu.Lock()
	defer l.cycleMu.Unlock()

	begin := time.Now()
	rep := CycleReport{
		CycleID:   model.NewCycleID(),
		Trigger:   trigger,
		StartedAt: l.now(),
		Result:    ResultOK,
		DryRun:    l.cfg.DryRun,
	}
	ctx, span := tracer.Start(ctx, "loop.Cycle", trace.WithAttributes(
		attribute.String("cycle.id", rep.CycleID),
		attribute.String("cycle.trigger", trigger),
	))
	defer span.End()
	log := l.logger.With("cycle", rep.CycleID)

	l.cycle(ctx, &rep, log)

	rep.Duration = time.Since(begin)
	metrics.ObserveCycle(rep.Result, rep.Duration)
	metrics.SetDeployments(l.deploymentCounts())
	span.SetAttributes(
		attribute.String("cycle.result", rep.Result),
		attribute.Int("cycle.actions", len(rep.Actions)),
		attribute.Int("cycle.admitted", rep.Admitted()),
	)
	if rep.Result == ResultFailed {
		span.SetStatus(codes.Error, strings.Join(rep.Errors, "; "))
		if err := l.trail.Event(rep.CycleID, audit.ActorAutomated, EventCycleFailed, strings.Join(rep.Errors, "; ")); err != nil {
			log.Error("cycle failure not audited", "error", err)
		}
	}

	l.mu.Lock()
	last := rep
	l.last = &last
	l.cycles++
	l.mu.Unlock()

	log.Info("cycle finished",
		"trigger", trigger,
		"result", rep.Result,
		"observations", rep.Observations,
		"missing", len(rep.Missing),
		"proposed", len(rep.Actions),
		"admitted", rep.Admitted(),
		"duration", rep.Duration.Round(time.Millisecond),
	)
	return rep
}

func (l *Loop) cycle(ctx context.Context, rep *CycleReport, log *slog.Logger) {
	var observed []model.Observation
	var missing []string
	if !l.stage(ctx, rep, "observe", func(ctx context.Context) error {
		obs := l.observer.Observe(ctx)
		fb := l.feedback.Drain()
		rep.Observations = len(obs.Observations)
		rep.Feedback = len(fb)
		rep.Missing = obs.Missing
		for _, name := range obs.Missing {
			metrics.MissingObservations.WithLabelValues(name).Inc()
			log.Warn("adapter missing from cycle", "adapter", name, "error", obs.Errors[name])
		}
		observed = append(obs.Observations, fb...)
		missing = obs.Missing
		return nil
	}) {
		rep.Result = ResultFailed
		return
	}
	if len(rep.Missing) > 0 {
		rep.Result = ResultDegraded
	}

	var snap *world.Snapshot
	if !l.stage(ctx, rep, "orient", func(ctx context.Context) error {
		rep.Transitions = l.fold(observed, rep.StartedAt, log)
		snap = l.builder.Build(rep.CycleID, rep.StartedAt, observed, missing)
		if snap == nil {
			return errNoSnapshot
		}
		summary := snap.Summarize()
		rep.World = &summary
		l.mu.Lock()
		l.snapshot = snap
		l.mu.Unlock()
		return nil
	}) {
		rep.Result = ResultFailed
		return
	}

	var actions []model.Action
	if !l.stage(ctx, rep, "decide", func(ctx context.Context) error {
		actions = l.policy.Decide(snap, l.deployments)
		return nil
	}) {
		rep.Result = ResultFailed
		return
	}

	var blocked bool
	for _, a := range actions {
		if a.ID == "" {
			a.ID = model.NewActionID()
		}
		var ar ActionReport
		if !l.stage(ctx, rep, "act", func(ctx context.Context) error {
			ar = l.act(ctx, rep.CycleID, a, rep.StartedAt, &blocked, log)
			return nil
		}) {
			ar = ActionReport{Action: a, Error: "act stage failed"}
			rep.Result = ResultDegraded
		}
		rep.Actions = append(rep.Actions, ar)
	}
}

// stage runs one step under its own span. A panic or error is recorded in
// the report and turned into false.
func (l *Loop) stage(ctx context.Context, rep *CycleReport, name string, fn func(context.Context) error) (ok bool) {
	ctx, span := tracer.Start(ctx, "loop."+name)
	defer span.End()
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("%s: panic: %v", name, r)
			l.logger.Error("cycle stage panicked", "cycle", rep.CycleID, "stage", name, "panic", r, "stack", string(debug.Stack()))
			rep.Errors = append(rep.Errors, err.Error())
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			ok = false
		}
	}()
	if err := fn(ctx); err != nil {
		err = fmt.Errorf("%s: %w", name, err)
		l.logger.Error("cycle stage failed", "cycle", rep.CycleID, "stage", name, "error", err)
		rep.Errors = append(rep.Errors, err.Error())
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return false
	}
	return true
}

// fold feeds platform-reported deployment states into the state machine.
// Unknown deployments are tracked first; unreachable states are logged and
// left for the policy to act on.
func (l *Loop) fold(observations []model.Observation, now time.Time, log *slog.Logger) []string {
	var moved []string
	for _, o := range observations {
		if o.Kind != model.KindHealth {
			continue
		}
		raw := o.String(model.FieldState)
		if raw == "" {
			continue
		}
		to, err := deploy.ParseState(raw)
		if err != nil {
			log.Warn("unknown deployment state reported", "deployment", o.Subject, "source", o.Source, "state", raw)
			continue
		}
		at := o.FetchedAt
		if at.IsZero() {
			at = now
		}
		rec, created, err := l.deployments.Track(o.Subject, "discovered by "+o.Source, at)
		if err != nil {
			log.Error("deployment not tracked", "deployment", o.Subject, "error", err)
			continue
		}
		if created {
			moved = append(moved, fmt.Sprintf("%s: tracked", o.Subject))
		}
		if rec.State == to {
			continue
		}
		after, err := l.deployments.Advance(o.Subject, to, fmt.Sprintf("%s reported %s", o.Source, to), deploy.ByObservation)
		if err != nil {
			if errors.Is(err, deploy.ErrInvalidTransition) {
				log.Warn("reported state not reachable", "deployment", o.Subject, "from", rec.State, "to", to, "source", o.Source)
			} else {
				log.Error("deployment transition failed", "deployment", o.Subject, "to", to, "error", err)
			}
			continue
		}
		moved = append(moved, fmt.Sprintf("%s: %s -> %s", o.Subject, rec.State, after.State))
	}
	return moved
}

// act takes one proposed action through the state machine check, the
// guard, the audit trail, the executor and verification scheduling.
func (l *Loop) act(ctx context.Context, cycleID string, a model.Action, now time.Time, blocked *bool, log *slog.Logger) ActionReport {
	ar := ActionReport{Action: a}
	metrics.Proposed.WithLabelValues(string(a.Type), a.Rule).Inc()

	if err := policy.Legal(a, l.deployments); err != nil {
		log.Error("policy proposed an illegal action", "action", a.String(), "rule", a.Rule, "error", err)
		ar.Decision = guardrail.Decision{Check: CheckStateMachine, Reason: err.Error()}
		ar.EntryID = l.admission(cycleID, a, ar.Decision, log)
		return ar
	}

	d := l.guard.Admit(a, now)
	ar.Decision = d
	entryID := l.admission(cycleID, a, d, log)
	if entryID == "" {
		ar.Error = "admission not audited"
		return ar
	}
	ar.EntryID = entryID

	if !d.Admitted {
		log.Info("action rejected", "entry", entryID, "action", a.String(), "check", d.Check, "reason", d.Reason)
		if d.Check == guardrail.CheckKillSwitch && !*blocked && l.guard.KillSwitch().Engaged() {
			*blocked = true
			l.notify(ctx, alert.Message{
				Severity:     alert.SeverityHigh,
				Kind:         alert.KindKillSwitch,
				Summary:      "kill switch engaged: automated actions blocked",
				Subject:      a.Target,
				AuditEntryID: entryID,
				Detail:       map[string]string{"cycle": cycleID, "action": string(a.Type), "reason": d.Reason},
			})
		}
		return ar
	}
	log.Info("action admitted", "entry", entryID, "action", a.String(), "rule", a.Rule)
	if d.Escalated {
		l.escalate(ctx, cycleID, entryID, a, d, log)
	}

	name := adapterName(l.registry, a)
	if l.cfg.DryRun {
		if err := l.trail.Execution(entryID, cycleID, audit.Execution{Status: audit.ExecSkipped, Adapter: name, Reason: CheckDryRun}); err != nil {
			log.Error("dry run not audited", "entry", entryID, "error", err)
		}
		metrics.Executions.WithLabelValues(string(a.Type), audit.ExecSkipped).Inc()
		return ar
	}

	if a.Type == model.Rollback {
		if _, err := l.deployments.Advance(a.Target, deploy.RollingBack, "rollback admitted as "+entryID, deploy.ByAutomatedAction); err != nil {
			log.Error("rollback not started: state transition failed", "entry", entryID, "deployment", a.Target, "error", err)
			if aerr := l.trail.Execution(entryID, cycleID, audit.Execution{
				Status: audit.ExecSkipped, Adapter: name, Reason: CheckStateMachine, Error: err.Error(),
			}); aerr != nil {
				log.Error("skipped execution not audited", "entry", entryID, "error", aerr)
			}
			metrics.Executions.WithLabelValues(string(a.Type), audit.ExecSkipped).Inc()
			ar.Error = err.Error()
			return ar
		}
	}

	res := l.executor.Execute(ctx, cycleID, entryID, a)
	ar.Executed = true
	ar.OK = res.OK
	status := audit.ExecSucceeded
	if res.Err != nil {
		status = audit.ExecFailed
		ar.Error = res.Err.Error()
	}
	metrics.Executions.WithLabelValues(string(a.Type), status).Inc()
	if res.Adapter != "" {
		metrics.ExecutionDuration.WithLabelValues(res.Adapter).Observe(res.Duration.Seconds())
	}

	if a.Type == model.Rollback && !res.OK {
		if _, err := l.deployments.Apply(a.Target, deploy.Failed, "rollback execution failed", deploy.ByAutomatedAction); err != nil {
			log.Error("failed rollback not recorded", "deployment", a.Target, "error", err)
		}
	}

	l.verifier.Schedule(cycleID, entryID, a, res.OK)
	return ar
}

// admission records the guard's verdict. An empty id means the record
// could not be written and the action must not run.
func (l *Loop) admission(cycleID string, a model.Action, d guardrail.Decision, log *slog.Logger) string {
	adm := audit.Admission{Decision: audit.Rejected, Check: d.Check, Reason: d.Reason, Escalated: d.Escalated}
	if d.Admitted {
		adm.Decision = audit.Admitted
	}
	metrics.Decisions.WithLabelValues(adm.Decision, d.Check).Inc()
	id, err := l.trail.Admission(cycleID, a, adm)
	if err != nil {
		log.Error("admission not audited; action dropped", "action", a.String(), "error", err)
		return ""
	}
	return id
}

func (l *Loop) escalate(ctx context.Context, cycleID, entryID string, a model.Action, d guardrail.Decision, log *slog.Logger) {
	reason := strings.TrimPrefix(d.Reason, "all checks passed; ")
	if l.cfg.DryRun {
		log.Warn("rollback escalation held in memory (dry run)", "entry", entryID, "reason", reason)
		if err := l.trail.Event(cycleID, audit.ActorAutomated, EventEscalationHeld, "dry run: "+reason); err != nil {
			log.Error("escalation not audited", "error", err)
		}
		return
	}
	log.Warn("rollback escalation engaged the kill switch", "entry", entryID, "reason", reason)
	if err := l.trail.Event(cycleID, audit.ActorAutomated, EventKillSwitchEngaged, reason); err != nil {
		log.Error("escalation not audited", "error", err)
	}
	l.notify(ctx, alert.Message{
		Severity:     alert.SeverityCritical,
		Kind:         alert.KindEscalation,
		Summary:      "rollback escalation: kill switch engaged, operator review required",
		Subject:      a.Target,
		AuditEntryID: entryID,
		Detail:       map[string]string{"cycle": cycleID, "reason": reason},
	})
}

func (l *Loop) deploymentCounts() map[string]int {
	counts := make(map[string]int)
	for _, r := range l.deployments.List() {
		counts[string(r.State)]++
	}
	return counts
}
