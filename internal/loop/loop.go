package loop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/ppiankov/fleetwatch/internal/adapter"
	"github.com/ppiankov/fleetwatch/internal/alert"
	"github.com/ppiankov/fleetwatch/internal/audit"
	"github.com/ppiankov/fleetwatch/internal/deploy"
	"github.com/ppiankov/fleetwatch/internal/executor"
	"github.com/ppiankov/fleetwatch/internal/guardrail"
	"github.com/ppiankov/fleetwatch/internal/metrics"
	"github.com/ppiankov/fleetwatch/internal/model"
	"github.com/ppiankov/fleetwatch/internal/policy"
	"github.com/ppiankov/fleetwatch/internal/verify"
	"github.com/ppiankov/fleetwatch/internal/world"
)

var tracer = otel.Tracer("fleetwatch.loop")

const alertTimeout = 10 * time.Second

// Decider proposes actions for a snapshot. *policy.Engine satisfies it.
type Decider interface {
	Decide(snap *world.Snapshot, deployments policy.Deployments) []model.Action
	Emits() []model.ActionType
}

// Deps are the collaborators one driver wires together.
type Deps struct {
	Registry    *adapter.Registry
	Deployments *deploy.Manager
	Policy      Decider
	Guard       *guardrail.Guard
	Trail       *audit.Trail
	// Builder defaults to world.DefaultWindow with default thresholds.
	Builder *world.Builder
	// Notifier receives kill switch and escalation alerts. May be nil.
	Notifier alert.Notifier
	Logger   *slog.Logger
	Clock    func() time.Time
}

// Loop is the control loop driver. Cycles never overlap.
type Loop struct {
	cfg         Config
	registry    *adapter.Registry
	deployments *deploy.Manager
	policy      Decider
	guard       *guardrail.Guard
	trail       *audit.Trail
	builder     *world.Builder
	notifier    alert.Notifier
	logger      *slog.Logger
	now         func() time.Time

	observer *world.Observer
	feedback *world.Feedback
	executor *executor.Executor
	verifier *verify.Verifier

	cycleMu sync.Mutex
	trigger chan string

	mu       sync.RWMutex
	last     *CycleReport
	snapshot *world.Snapshot
	cycles   int
	running  bool

	restoreOnce sync.Once
	restoreErr  error
}

// New validates cfg and the routing table and wires the stages. Any error
// here is fatal: the loop never starts half-configured.
func New(cfg Config, deps Deps) (*Loop, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var missing []string
	if deps.Registry == nil {
		missing = append(missing, "registry")
	}
	if deps.Deployments == nil {
		missing = append(missing, "deployments")
	}
	if deps.Policy == nil {
		missing = append(missing, "policy")
	}
	if deps.Guard == nil {
		missing = append(missing, "guard")
	}
	if deps.Trail == nil {
		missing = append(missing, "audit trail")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("loop: missing dependencies: %v", missing)
	}
	if err := deps.Registry.Validate(deps.Policy.Emits()...); err != nil {
		return nil, fmt.Errorf("loop: %w", err)
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Clock == nil {
		deps.Clock = func() time.Time { return time.Now().UTC() }
	}
	if deps.Builder == nil {
		deps.Builder = world.NewBuilder(world.DefaultWindow, world.DefaultThresholds())
	}

	if cfg.DryRun {
		deps.Guard.SetDryRun(true)
	}

	l := &Loop{
		cfg:         cfg,
		registry:    deps.Registry,
		deployments: deps.Deployments,
		policy:      deps.Policy,
		guard:       deps.Guard,
		trail:       deps.Trail,
		builder:     deps.Builder,
		notifier:    deps.Notifier,
		logger:      deps.Logger,
		now:         deps.Clock,
		feedback:    world.NewFeedback(),
		trigger:     make(chan string, 1),
	}
	l.observer = world.NewObserver(l.registry, cfg.ObserveTimeout, l.logger)
	l.executor = executor.New(l.registry, l.trail, l.feedback, cfg.ActTimeout, l.logger)
	l.verifier = verify.New(l.registry, l.trail, l.feedback, cfg.VerifyDelay, cfg.ObserveTimeout, l.logger).
		WithLocator(l.locate).
		OnResult(func(r verify.Result) {
			metrics.Verifications.WithLabelValues(string(r.Action.Type), string(r.Outcome)).Inc()
		})

	kill := l.guard.KillSwitch()
	kill.OnChange(func(st guardrail.KillSwitchStatus) { metrics.SetKillSwitch(st.Engaged) })
	metrics.SetKillSwitch(kill.Engaged())
	return l, nil
}

// Restore reloads deployment history and cooldown stamps. Only the first
// call does any work.
func (l *Loop) Restore(ctx context.Context) error {
	l.restoreOnce.Do(func() {
		n, err := l.deployments.Restore(ctx)
		if err != nil {
			l.restoreErr = fmt.Errorf("loop: restore deployments: %w", err)
			return
		}
		c, err := l.guard.Restore(l.now())
		if err != nil {
			l.restoreErr = fmt.Errorf("loop: restore cooldowns: %w", err)
			return
		}
		if n > 0 || c > 0 {
			l.logger.Info("state restored", "transitions", n, "cooldowns", c)
		}
	})
	return l.restoreErr
}

// Run takes the lock, starts a run and drives cycles on the interval and
// on Trigger until ctx is cancelled. Pending verifications are settled
// before it returns.
func (l *Loop) Run(ctx context.Context) error {
	if l.cfg.LockFile != "" {
		release, err := AcquireLock(l.cfg.LockFile)
		if err != nil {
			return err
		}
		defer release()
	}
	if err := l.Restore(ctx); err != nil {
		return err
	}
	l.guard.BeginRun(l.now())
	l.setRunning(true)
	defer l.setRunning(false)
	defer l.Shutdown()

	go func() {
		if err := l.guard.KillSwitch().Watch(ctx); err != nil {
			l.logger.Error("kill switch watcher stopped", "error", err)
		}
	}()

	ticker := time.NewTicker(l.cfg.Interval)
	defer ticker.Stop()

	l.logger.Info("control loop started", "interval", l.cfg.Interval, "dry_run", l.cfg.DryRun)
	l.runCycle(ctx, "startup")
	for {
		select {
		case <-ctx.Done():
			l.logger.Info("control loop stopping", "reason", ctx.Err())
			return nil
		case <-ticker.C:
			l.runCycle(ctx, "interval")
		case reason := <-l.trigger:
			l.runCycle(ctx, "trigger: "+reason)
		}
	}
}

// Once runs a single cycle as a run of its own, under the same lock as
// Run. With wait it also blocks until that cycle's verifications settle;
// otherwise they are recorded unverified at Shutdown.
func (l *Loop) Once(ctx context.Context, wait bool) (CycleReport, error) {
	if l.cfg.LockFile != "" {
		release, err := AcquireLock(l.cfg.LockFile)
		if err != nil {
			return CycleReport{}, err
		}
		defer release()
	}
	if err := l.Restore(ctx); err != nil {
		return CycleReport{}, err
	}
	l.guard.BeginRun(l.now())
	rep := l.runCycle(ctx, "once")
	if wait {
		l.Settle()
	}
	return rep, nil
}

// Trigger requests a cycle as soon as the current one finishes. Requests
// coalesce: it returns false when one is already queued.
func (l *Loop) Trigger(reason string) bool {
	if reason == "" {
		reason = "on demand"
	}
	select {
	case l.trigger <- reason:
		return true
	default:
		return false
	}
}

// RunCycle runs one cycle now, waiting for any cycle in progress.
func (l *Loop) RunCycle(ctx context.Context) CycleReport {
	return l.runCycle(ctx, "manual")
}

// Settle waits for every scheduled verification.
func (l *Loop) Settle() {
	l.verifier.Wait()
}

// Shutdown stops deferred verification; waiting checks are recorded as
// unverified.
func (l *Loop) Shutdown() {
	l.verifier.Stop()
	l.verifier.Wait()
}

// EngageKillSwitch halts automated actions and records who did it.
func (l *Loop) EngageKillSwitch(ctx context.Context, actor, reason string) error {
	kill := l.guard.KillSwitch()
	err := kill.Engage(reason)
	if err != nil && !kill.Engaged() {
		return err
	}
	if aerr := l.trail.Event("", actor, EventKillSwitchEngaged, reason); aerr != nil {
		l.logger.Error("kill switch event not audited", "error", aerr)
	}
	l.notify(ctx, alert.Message{
		Severity: alert.SeverityHigh,
		Kind:     alert.KindKillSwitch,
		Summary:  "kill switch engaged by " + actor,
		Detail:   map[string]string{"reason": reason},
	})
	return err
}

// ClearKillSwitch resumes automated actions. The rollback count of the
// current run starts over.
func (l *Loop) ClearKillSwitch(actor string) error {
	if err := l.guard.KillSwitch().Clear(); err != nil {
		return err
	}
	l.guard.ResetRollbacks()
	if err := l.trail.Event("", actor, EventKillSwitchCleared, "cleared by "+actor); err != nil {
		l.logger.Error("kill switch event not audited", "error", err)
	}
	return nil
}

// Transition moves a deployment by hand. The allow-list still applies.
func (l *Loop) Transition(id string, to deploy.State, actor, reason string) (deploy.Record, error) {
	if reason == "" {
		reason = "manual override"
	}
	rec, err := l.deployments.Apply(id, to, reason, deploy.ByManual)
	if err != nil {
		return deploy.Record{}, err
	}
	detail := fmt.Sprintf("%s -> %s by %s: %s", rec.Previous(), rec.State, actor, reason)
	if aerr := l.trail.Event("", actor, EventManualTransition, id+" "+detail); aerr != nil {
		l.logger.Error("manual transition not audited", "deployment", id, "error", aerr)
	}
	l.logger.Info("manual transition", "deployment", id, "to", to, "actor", actor)
	return rec, nil
}

// Audit event kinds written by the driver.
const (
	EventKillSwitchEngaged = "kill_switch_engaged"
	EventKillSwitchCleared = "kill_switch_cleared"
	EventCycleFailed       = "cycle_failed"
	EventManualTransition  = "manual_transition"
	EventEscalationHeld    = "escalation_held"
)

// Status reports the driver state.
func (l *Loop) Status() Status {
	l.mu.RLock()
	st := Status{
		Running:  l.running,
		DryRun:   l.cfg.DryRun,
		Interval: l.cfg.Interval,
		Cycles:   l.cycles,
	}
	if l.last != nil {
		last := *l.last
		st.LastCycle = &last
	}
	l.mu.RUnlock()

	st.KillSwitch = l.guard.KillSwitch().Status()
	st.Guard = l.guard.State().View()
	st.Pending = l.verifier.Pending()
	return st
}

// Snapshot returns the world model of the last cycle, or nil.
func (l *Loop) Snapshot() *world.Snapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.snapshot
}

// Deployments returns the deployment registry.
func (l *Loop) Deployments() *deploy.Manager { return l.deployments }

// Guard returns the admission guard.
func (l *Loop) Guard() *guardrail.Guard { return l.guard }

// Trail returns the audit trail.
func (l *Loop) Trail() *audit.Trail { return l.trail }

func (l *Loop) setRunning(v bool) {
	l.mu.Lock()
	l.running = v
	l.mu.Unlock()
}

// locate names the adapter that last reported the subject's health.
func (l *Loop) locate(subject string) (string, bool) {
	snap := l.Snapshot()
	if snap == nil {
		return "", false
	}
	h, ok := snap.Latest(subject, model.KindHealth)
	if !ok {
		return "", false
	}
	return h.Source, true
}

func (l *Loop) notify(ctx context.Context, m alert.Message) {
	if l.notifier == nil {
		l.logger.Warn("alert not sent: no notifier", "kind", m.Kind, "summary", m.Summary)
		return
	}
	if m.At.IsZero() {
		m.At = l.now()
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), alertTimeout)
	defer cancel()
	if err := l.notifier.Notify(ctx, m); err != nil {
		l.logger.Error("alert not delivered", "kind", m.Kind, "summary", m.Summary, "error", err)
	}
}

func adapterName(reg *adapter.Registry, a model.Action) string {
	ad, err := reg.Resolve(a)
	if err != nil {
		return ""
	}
	return ad.Name()
}

var errNoSnapshot = errors.New("no snapshot built")
