// Package world fuses adapter observations into a per-cycle snapshot and
// derives the trend and correlation signals the policy engine matches on.
package world

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ppiankov/fleetwatch/internal/adapter"
	"github.com/ppiankov/fleetwatch/internal/model"
)

// DefaultObserveTimeout bounds each adapter's share of the Observe phase.
const DefaultObserveTimeout = 10 * time.Second

// Observation is the result of one Observe phase.
type Observation struct {
	Observations []model.Observation
	// Missing lists adapters that timed out or failed entirely.
	Missing []string
	// Errors holds the failure for each missing adapter and each dropped
	// subject, keyed "adapter" or "adapter/subject".
	Errors map[string]string
}

// Observer fans out to every registered adapter concurrently.
type Observer struct {
	registry *adapter.Registry
	timeout  time.Duration
	logger   *slog.Logger
}

// NewObserver returns an observer with the given per-adapter timeout.
func NewObserver(reg *adapter.Registry, timeout time.Duration, logger *slog.Logger) *Observer {
	if timeout <= 0 {
		timeout = DefaultObserveTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Observer{registry: reg, timeout: timeout, logger: logger}
}

type adapterResult struct {
	observations []model.Observation
	missing      bool
	errs         map[string]string
}

// Observe runs one goroutine per adapter and waits for all of them. A slow
// or failing adapter never fails the phase; it is reported in Missing.
// Results are ordered by adapter registration order, then subject.
func (o *Observer) Observe(ctx context.Context) Observation {
	adapters := o.registry.Adapters()
	results := make([]adapterResult, len(adapters))

	var g errgroup.Group
	for i, a := range adapters {
		g.Go(func() error {
			results[i] = o.observeAdapter(ctx, a)
			return nil
		})
	}
	_ = g.Wait()

	out := Observation{Errors: make(map[string]string)}
	for i, r := range results {
		out.Observations = append(out.Observations, r.observations...)
		if r.missing {
			out.Missing = append(out.Missing, adapters[i].Name())
		}
		for k, v := range r.errs {
			out.Errors[k] = v
		}
	}
	return out
}

func (o *Observer) observeAdapter(parent context.Context, a adapter.Adapter) adapterResult {
	ctx, cancel := context.WithTimeout(parent, o.timeout)
	defer cancel()

	name := a.Name()
	res := adapterResult{errs: make(map[string]string)}

	subjects := o.registry.Subjects(name)
	if d, ok := a.(adapter.Discoverer); ok {
		found, err := call(ctx, func(ctx context.Context) ([]string, error) { return d.Discover(ctx) })
		if err != nil {
			o.logger.Warn("adapter discovery failed", "adapter", name, "error", err)
			res.missing = true
			res.errs[name] = fmt.Sprintf("discover: %v", err)
			return res
		}
		subjects = append(subjects, found...)
	}
	subjects = dedupe(subjects)

	failed := 0
	for _, subject := range subjects {
		obs, err := call(ctx, func(ctx context.Context) (model.Observation, error) { return a.Observe(ctx, subject) })
		if ctx.Err() != nil {
			// The adapter's budget is spent: drop everything it produced
			// this cycle rather than publish a partial view of one system.
			o.logger.Warn("adapter timed out", "adapter", name, "timeout", o.timeout)
			res.observations = nil
			res.missing = true
			res.errs[name] = fmt.Sprintf("timeout after %s", o.timeout)
			return res
		}
		if err != nil {
			failed++
			o.logger.Debug("observation dropped", "adapter", name, "subject", subject, "error", err)
			res.errs[name+"/"+subject] = err.Error()
			continue
		}
		if obs.Source == "" {
			obs.Source = name
		}
		if obs.Subject == "" {
			obs.Subject = subject
		}
		if obs.FetchedAt.IsZero() {
			obs.FetchedAt = time.Now().UTC()
		}
		res.observations = append(res.observations, obs)
	}
	if len(subjects) > 0 && failed == len(subjects) {
		res.missing = true
		res.errs[name] = "every subject failed"
	}
	return res
}

// call runs fn in its own goroutine so an adapter that ignores ctx cannot
// hold the cycle past its deadline.
func call[T any](ctx context.Context, fn func(context.Context) (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn(ctx)
		ch <- result{v, err}
	}()
	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Feedback is the inbox through which the executor and the verifier feed
// their results into the next cycle.
type Feedback struct {
	mu    sync.Mutex
	items []model.Observation
}

// NewFeedback returns an empty inbox.
func NewFeedback() *Feedback {
	return &Feedback{}
}

// Push queues an observation for the next cycle.
func (f *Feedback) Push(o model.Observation) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items = append(f.items, o)
}

// Drain returns and clears every queued observation.
func (f *Feedback) Drain() []model.Observation {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.items
	f.items = nil
	return out
}

// Len returns the number of queued observations.
func (f *Feedback) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.items)
}
