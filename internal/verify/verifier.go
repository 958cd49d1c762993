// Package verify checks, after a delay, whether executed actions had the
// intended effect, and records the outcome on the action's audit entry.
package verify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ppiankov/fleetwatch/internal/adapter"
	"github.com/ppiankov/fleetwatch/internal/audit"
	"github.com/ppiankov/fleetwatch/internal/model"
	"github.com/ppiankov/fleetwatch/internal/world"
)

const (
	DefaultDelay          = 60 * time.Second
	DefaultObserveTimeout = 10 * time.Second
)

// Source is the observation source of verification feedback.
const Source = "verifier"

// Recorder receives the verification record of an entry.
type Recorder interface {
	Verification(entryID, cycleID string, v audit.Verification) error
}

// Locator names the adapter that reports a subject's health, if known.
type Locator func(subject string) (string, bool)

// Result is one classification.
type Result struct {
	EntryID string
	CycleID string
	Action  model.Action
	audit.Verification
}

type task struct {
	cycleID string
	entryID string
	action  model.Action
	timer   *time.Timer
}

// Verifier runs deferred checks independently of cycles.
type Verifier struct {
	reg      *adapter.Registry
	trail    Recorder
	feedback *world.Feedback
	delay    time.Duration
	timeout  time.Duration
	logger   *slog.Logger
	locate   Locator
	onResult func(Result)

	mu      sync.Mutex
	pending map[string]*task
	stopped bool
	wg      sync.WaitGroup
}

// New builds a verifier. Zero durations use the defaults.
func New(reg *adapter.Registry, trail Recorder, feedback *world.Feedback, delay, timeout time.Duration, logger *slog.Logger) *Verifier {
	if delay <= 0 {
		delay = DefaultDelay
	}
	if timeout <= 0 {
		timeout = DefaultObserveTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{
		reg:      reg,
		trail:    trail,
		feedback: feedback,
		delay:    delay,
		timeout:  timeout,
		logger:   logger,
		pending:  make(map[string]*task),
	}
}

// WithLocator routes health checks to the adapter that reports the
// target's health, instead of the adapter that executed the action.
func (v *Verifier) WithLocator(fn Locator) *Verifier {
	v.locate = fn
	return v
}

// OnResult registers a hook called after every classification.
func (v *Verifier) OnResult(fn func(Result)) *Verifier {
	v.onResult = fn
	return v
}

// Schedule queues the check for an executed entry. An action whose
// execution failed is classified failed at once, without re-observing.
func (v *Verifier) Schedule(cycleID, entryID string, a model.Action, executedOK bool) {
	if !executedOK {
		v.wg.Add(1)
		defer v.wg.Done()
		v.record(Result{EntryID: entryID, CycleID: cycleID, Action: a, Verification: audit.Verification{
			Outcome: model.Failed,
			Unmet:   criteriaFor(a),
			Reason:  "execution failed",
		}}, false)
		return
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.stopped {
		v.wg.Add(1)
		go func() {
			defer v.wg.Done()
			v.record(Result{EntryID: entryID, CycleID: cycleID, Action: a, Verification: audit.Verification{
				Outcome: model.Unverified,
				Reason:  "verifier stopped",
			}}, true)
		}()
		return
	}
	t := &task{cycleID: cycleID, entryID: entryID, action: a.Clone()}
	v.pending[entryID] = t
	v.wg.Add(1)
	t.timer = time.AfterFunc(v.delay, func() {
		defer v.wg.Done()
		v.mu.Lock()
		_, still := v.pending[entryID]
		delete(v.pending, entryID)
		v.mu.Unlock()
		if !still {
			return
		}
		v.run(t)
	})
}

// Pending returns how many checks are waiting for their delay.
func (v *Verifier) Pending() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.pending)
}

// Stop cancels every waiting check and records it as unverified so no
// executed entry is left without a classification.
func (v *Verifier) Stop() {
	v.mu.Lock()
	v.stopped = true
	var cancelled []*task
	for id, t := range v.pending {
		if t.timer.Stop() {
			cancelled = append(cancelled, t)
			delete(v.pending, id)
		}
	}
	v.mu.Unlock()

	for _, t := range cancelled {
		v.record(Result{EntryID: t.entryID, CycleID: t.cycleID, Action: t.action, Verification: audit.Verification{
			Outcome: model.Unverified,
			Reason:  "shutdown before verification",
		}}, true)
		v.wg.Done()
	}
}

// Wait blocks until every scheduled check has settled.
func (v *Verifier) Wait() {
	v.wg.Wait()
}

func (v *Verifier) run(t *task) {
	cs := criteriaFor(t.action)
	res := Result{EntryID: t.entryID, CycleID: t.cycleID, Action: t.action}
	if len(cs) == 0 {
		res.Outcome = model.Unverified
		res.Reason = fmt.Sprintf("no criteria for %s", t.action.Type)
		v.record(res, true)
		return
	}

	ad, err := v.observer(t.action, cs)
	if err != nil {
		res.Outcome = model.Unverified
		res.Reason = err.Error()
		v.record(res, true)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), v.timeout)
	defer cancel()
	obs, err := observe(ctx, ad, t.action.Target)
	if err != nil {
		res.Outcome = model.Unverified
		res.Reason = fmt.Sprintf("observe %s via %s: %v", t.action.Target, ad.Name(), err)
		v.record(res, true)
		return
	}
	res.Outcome, res.Met, res.Unmet = Classify(obs, cs)
	res.Reason = fmt.Sprintf("%d/%d criteria met via %s", len(res.Met), len(cs), ad.Name())
	v.record(res, true)
}

func (v *Verifier) observer(a model.Action, cs []model.Criterion) (adapter.Adapter, error) {
	if v.locate != nil && healthCriteria(cs) {
		if name, ok := v.locate(a.Target); ok {
			if ad, ok := v.reg.Get(name); ok {
				return ad, nil
			}
		}
	}
	return v.reg.Resolve(a)
}

func observe(ctx context.Context, ad adapter.Adapter, subject string) (model.Observation, error) {
	type result struct {
		obs model.Observation
		err error
	}
	ch := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- result{err: fmt.Errorf("adapter %s panicked: %v", ad.Name(), r)}
			}
		}()
		obs, err := ad.Observe(ctx, subject)
		ch <- result{obs, err}
	}()
	select {
	case r := <-ch:
		return r.obs, r.err
	case <-ctx.Done():
		return model.Observation{}, ctx.Err()
	}
}

func (v *Verifier) record(res Result, feed bool) {
	if v.trail != nil {
		if err := v.trail.Verification(res.EntryID, res.CycleID, res.Verification); err != nil {
			v.logger.Error("verification record not written", "entry", res.EntryID, "error", err)
		}
	}
	v.logger.Info("action verified", "entry", res.EntryID, "action", res.Action.String(), "outcome", res.Outcome, "reason", res.Reason)

	if feed && v.feedback != nil {
		v.feedback.Push(model.Observation{
			Source:  Source,
			Subject: res.Action.Target,
			Kind:    model.KindVerification,
			Payload: map[string]any{
				model.FieldOutcome:    string(res.Outcome),
				world.FieldActionType: string(res.Action.Type),
				"entry_id":            res.EntryID,
			},
			FetchedAt: time.Now().UTC(),
		})
	}
	if v.onResult != nil {
		v.onResult(res)
	}
}
