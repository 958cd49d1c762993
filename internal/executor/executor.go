// Package executor performs admitted actions through their adapters, once.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ppiankov/fleetwatch/internal/adapter"
	"github.com/ppiankov/fleetwatch/internal/audit"
	"github.com/ppiankov/fleetwatch/internal/model"
	"github.com/ppiankov/fleetwatch/internal/redact"
	"github.com/ppiankov/fleetwatch/internal/world"
)

// DefaultActTimeout bounds a single Act call.
const DefaultActTimeout = 30 * time.Second

// Source is the observation source of execution feedback.
const Source = "executor"

// ErrAlreadyExecuted is returned when an entry is executed a second time.
var ErrAlreadyExecuted = errors.New("executor: entry already executed")

// Recorder receives the execution record of an entry.
type Recorder interface {
	Execution(entryID, cycleID string, ex audit.Execution) error
}

// Result is the outcome of one Execute call.
type Result struct {
	EntryID  string
	Adapter  string
	OK       bool
	Payload  json.RawMessage
	Err      error
	Duration time.Duration
	// AuditErr is set when the execution record could not be written.
	AuditErr error
}

// Executor is safe for concurrent use.
type Executor struct {
	reg      *adapter.Registry
	trail    Recorder
	feedback *world.Feedback
	timeout  time.Duration
	logger   *slog.Logger
	now      func() time.Time

	mu   sync.Mutex
	done map[string]bool
}

// New builds an executor. A zero timeout uses DefaultActTimeout; feedback
// may be nil.
func New(reg *adapter.Registry, trail Recorder, feedback *world.Feedback, timeout time.Duration, logger *slog.Logger) *Executor {
	if timeout <= 0 {
		timeout = DefaultActTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		reg:      reg,
		trail:    trail,
		feedback: feedback,
		timeout:  timeout,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
		done:     make(map[string]bool),
	}
}

// Execute performs a once for entryID. The adapter's raw result (or the
// error) becomes the entry's execution record. There are no retries here;
// a failure is fed back to the next cycle as an action-result observation.
func (e *Executor) Execute(ctx context.Context, cycleID, entryID string, a model.Action) Result {
	e.mu.Lock()
	if e.done[entryID] {
		e.mu.Unlock()
		return Result{EntryID: entryID, Err: fmt.Errorf("%w: %s", ErrAlreadyExecuted, entryID)}
	}
	e.done[entryID] = true
	e.mu.Unlock()

	res := Result{EntryID: entryID}
	ad, err := e.reg.Resolve(a)
	if err != nil {
		res.Err = err
		e.finish(cycleID, a, &res)
		return res
	}
	res.Adapter = ad.Name()

	actCtx, cancel := context.WithTimeout(adapter.WithEntryID(ctx, entryID), e.timeout)
	defer cancel()

	start := time.Now()
	out, err := act(actCtx, ad, a)
	res.Duration = time.Since(start)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("act timed out after %s: %w", e.timeout, err)
		}
		res.Err = err
	} else {
		res.OK = true
		res.Payload = out.Payload
	}
	e.finish(cycleID, a, &res)
	return res
}

// act runs Act in its own goroutine so an adapter ignoring ctx cannot
// hold the cycle past the timeout.
func act(ctx context.Context, ad adapter.Adapter, a model.Action) (model.ActionResult, error) {
	type result struct {
		out model.ActionResult
		err error
	}
	ch := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- result{err: fmt.Errorf("adapter %s panicked: %v", ad.Name(), r)}
			}
		}()
		out, err := ad.Act(ctx, a)
		ch <- result{out: out, err: err}
	}()
	select {
	case r := <-ch:
		return r.out, r.err
	case <-ctx.Done():
		return model.ActionResult{}, ctx.Err()
	}
}

func (e *Executor) finish(cycleID string, a model.Action, res *Result) {
	rec := audit.Execution{
		Status:     audit.ExecSucceeded,
		Adapter:    res.Adapter,
		Result:     res.Payload,
		DurationMS: res.Duration.Milliseconds(),
	}
	if res.Err != nil {
		rec.Status = audit.ExecFailed
		rec.Error = redact.String(res.Err.Error())
	}
	if e.trail != nil {
		if err := e.trail.Execution(res.EntryID, cycleID, rec); err != nil {
			res.AuditErr = err
			e.logger.Error("execution record not written", "entry", res.EntryID, "error", err)
		}
	}

	if res.Err == nil {
		e.logger.Info("action executed", "entry", res.EntryID, "action", a.String(), "adapter", res.Adapter, "duration", res.Duration)
		return
	}
	e.logger.Warn("action failed", "entry", res.EntryID, "action", a.String(), "adapter", res.Adapter, "error", res.Err)
	if e.feedback != nil {
		e.feedback.Push(model.Observation{
			Source:  Source,
			Subject: a.Target,
			Kind:    model.KindActionResult,
			Payload: map[string]any{
				model.FieldOutcome:    model.StatusFailure,
				world.FieldActionType: string(a.Type),
				model.FieldSignature:  signature(res.Err),
				"entry_id":            res.EntryID,
				"adapter":             res.Adapter,
			},
			FetchedAt: e.now(),
		})
	}
}

// signature keeps the first line of an error, capped, so repeated failures
// compare equal.
func signature(err error) string {
	s, _, _ := strings.Cut(redact.String(err.Error()), "\n")
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
