// Package adapter defines the uniform contract between the control loop and
// the external systems it observes and acts on, plus the routing table that
// maps action types onto adapters.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/ppiankov/fleetwatch/internal/model"
)

// ParamAdapter is the Action.Params key a rule may set to pin an action to
// the adapter that produced the triggering observation.
const ParamAdapter = "adapter"

// ErrNoRoute is returned when an action type has no adapter.
var ErrNoRoute = errors.New("adapter: no route")

type entryKey struct{}

// WithEntryID tags ctx with the audit entry an Act call belongs to, so
// adapters can reference it in what they send out.
func WithEntryID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, entryKey{}, id)
}

// EntryID returns the audit entry ID carried by ctx, if any.
func EntryID(ctx context.Context) string {
	id, _ := ctx.Value(entryKey{}).(string)
	return id
}

// Adapter is a thin client for one external system.
// Observe must not mutate anything and must honour ctx's deadline.
// Act performs the side effect; retries, if any, live inside the adapter.
type Adapter interface {
	Name() string
	Observe(ctx context.Context, subject string) (model.Observation, error)
	Act(ctx context.Context, a model.Action) (model.ActionResult, error)
}

// Discoverer is implemented by adapters that can enumerate their own
// subjects, e.g. every deployment matching a label selector.
type Discoverer interface {
	Discover(ctx context.Context) ([]string, error)
}

// Registry holds adapters by name and the action-type routing table.
type Registry struct {
	adapters map[string]Adapter
	order    []string
	subjects map[string][]string
	routes   map[model.ActionType]string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		adapters: make(map[string]Adapter),
		subjects: make(map[string][]string),
		routes:   make(map[model.ActionType]string),
	}
}

// Register adds an adapter with its statically configured subjects.
func (r *Registry) Register(a Adapter, subjects ...string) error {
	name := a.Name()
	if name == "" {
		return fmt.Errorf("adapter: empty adapter name")
	}
	if _, dup := r.adapters[name]; dup {
		return fmt.Errorf("adapter: duplicate adapter %q", name)
	}
	r.adapters[name] = a
	r.order = append(r.order, name)
	r.subjects[name] = append([]string(nil), subjects...)
	return nil
}

// Route sends every action of type t to the named adapter.
func (r *Registry) Route(t model.ActionType, name string) {
	r.routes[t] = name
}

// Validate checks that every route names a registered adapter and that
// each required action type has a route.
func (r *Registry) Validate(required ...model.ActionType) error {
	var problems []string
	types := make([]string, 0, len(r.routes))
	for t := range r.routes {
		types = append(types, string(t))
	}
	sort.Strings(types)
	for _, t := range types {
		at := model.ActionType(t)
		if !at.Valid() {
			problems = append(problems, fmt.Sprintf("route for unknown action type %q", t))
			continue
		}
		if _, ok := r.adapters[r.routes[at]]; !ok {
			problems = append(problems, fmt.Sprintf("%s routes to unknown adapter %q", t, r.routes[at]))
		}
	}
	for _, t := range required {
		if _, ok := r.routes[t]; !ok {
			problems = append(problems, fmt.Sprintf("%s has no route", t))
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("adapter: invalid routing table: %s", strings.Join(problems, "; "))
	}
	return nil
}

// Resolve returns the adapter that executes a. An explicit ParamAdapter
// wins over the routing table.
func (r *Registry) Resolve(a model.Action) (Adapter, error) {
	if name := a.Params[ParamAdapter]; name != "" {
		ad, ok := r.adapters[name]
		if !ok {
			return nil, fmt.Errorf("adapter: %s pinned to unknown adapter %q", a, name)
		}
		return ad, nil
	}
	name, ok := r.routes[a.Type]
	if !ok {
		return nil, fmt.Errorf("%w for %s", ErrNoRoute, a.Type)
	}
	ad, ok := r.adapters[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s routes to unknown adapter %q", ErrNoRoute, a.Type, name)
	}
	return ad, nil
}

// Get returns the adapter registered under name.
func (r *Registry) Get(name string) (Adapter, bool) {
	a, ok := r.adapters[name]
	return a, ok
}

// Adapters returns adapters in registration order.
func (r *Registry) Adapters() []Adapter {
	out := make([]Adapter, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.adapters[name])
	}
	return out
}

// Subjects returns the configured subjects for the named adapter.
func (r *Registry) Subjects(name string) []string {
	return append([]string(nil), r.subjects[name]...)
}

// Routes returns a copy of the routing table.
func (r *Registry) Routes() map[model.ActionType]string {
	out := make(map[model.ActionType]string, len(r.routes))
	for k, v := range r.routes {
		out[k] = v
	}
	return out
}
