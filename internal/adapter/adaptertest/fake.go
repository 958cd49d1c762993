// Package adaptertest provides a scripted in-memory adapter for tests.
package adaptertest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ppiankov/fleetwatch/internal/model"
)

// ErrUnknownSubject is returned by Observe for subjects never scripted.
var ErrUnknownSubject = errors.New("adaptertest: unknown subject")

// Fake is a scripted adapter. Observations are set per subject; Act calls
// are recorded and may run a hook that rewrites observations, so delayed
// verification sees the effect.
type Fake struct {
	name string

	mu           sync.Mutex
	observations map[string]model.Observation
	observeErrs  map[string]error
	delay        time.Duration
	actErr       error
	actResult    model.ActionResult
	onAct        func(f *Fake, a model.Action)
	acts         []model.Action
	observeCalls int
	now          func() time.Time
}

// New returns an empty fake named name.
func New(name string) *Fake {
	return &Fake{
		name:         name,
		observations: make(map[string]model.Observation),
		observeErrs:  make(map[string]error),
		actResult:    model.ResultOf(map[string]string{"status": "ok"}),
		now:          func() time.Time { return time.Now().UTC() },
	}
}

func (f *Fake) Name() string { return f.name }

// Set scripts the observation returned for subject.
func (f *Fake) Set(subject string, kind model.ObservationKind, payload map[string]any) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.observations[subject] = model.Observation{
		Source:  f.name,
		Subject: subject,
		Kind:    kind,
		Payload: payload,
	}
	delete(f.observeErrs, subject)
	return f
}

// FailObserve makes Observe(subject) return err.
func (f *Fake) FailObserve(subject string, err error) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.observeErrs[subject] = err
	return f
}

// SetDelay makes every Observe block for d or until ctx is done.
func (f *Fake) SetDelay(d time.Duration) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delay = d
	return f
}

// FailAct makes every Act return err.
func (f *Fake) FailAct(err error) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actErr = err
	return f
}

// OnAct registers a hook run after each successful Act.
func (f *Fake) OnAct(hook func(f *Fake, a model.Action)) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onAct = hook
	return f
}

func (f *Fake) Observe(ctx context.Context, subject string) (model.Observation, error) {
	f.mu.Lock()
	delay := f.delay
	f.observeCalls++
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return model.Observation{}, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.observeErrs[subject]; err != nil {
		return model.Observation{}, err
	}
	obs, ok := f.observations[subject]
	if !ok {
		return model.Observation{}, fmt.Errorf("%w: %s", ErrUnknownSubject, subject)
	}
	payload := make(map[string]any, len(obs.Payload))
	for k, v := range obs.Payload {
		payload[k] = v
	}
	obs.Payload = payload
	obs.FetchedAt = f.now()
	return obs, nil
}

func (f *Fake) Act(ctx context.Context, a model.Action) (model.ActionResult, error) {
	if err := ctx.Err(); err != nil {
		return model.ActionResult{}, err
	}
	f.mu.Lock()
	f.acts = append(f.acts, a.Clone())
	err := f.actErr
	result := f.actResult
	hook := f.onAct
	f.mu.Unlock()

	if err != nil {
		return model.ActionResult{}, err
	}
	if hook != nil {
		hook(f, a)
	}
	return result, nil
}

// Discover returns every scripted subject, sorted.
func (f *Fake) Discover(context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.observations))
	for s := range f.observations {
		out = append(out, s)
	}
	sort.Strings(out)
	return out, nil
}

// Actions returns a copy of every action passed to Act.
func (f *Fake) Actions() []model.Action {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.Action(nil), f.acts...)
}

// ObserveCalls returns how many times Observe was called.
func (f *Fake) ObserveCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.observeCalls
}
