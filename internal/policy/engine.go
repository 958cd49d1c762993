package policy

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/ppiankov/fleetwatch/internal/deploy"
	"github.com/ppiankov/fleetwatch/internal/model"
	"github.com/ppiankov/fleetwatch/internal/world"
)

// Engine evaluates the enabled rules against a snapshot. It holds no
// mutable state: Decide is a pure function of its inputs.
type Engine struct {
	rules  []Rule
	logger *slog.Logger
}

// New builds an engine from the built-in rules tuned by cfg.
func New(cfg Config, logger *slog.Logger) (*Engine, error) {
	return NewEngine(DefaultRules(cfg), cfg, logger)
}

// NewEngine applies cfg's disabled list and overrides to rules. Any
// configuration problem is returned here so the loop never starts with a
// malformed rule set.
func NewEngine(rules []Rule, cfg Config, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	names := make([]string, 0, len(rules))
	seen := make(map[string]bool, len(rules))
	for _, r := range rules {
		if r.Name == "" || r.Match == nil {
			return nil, fmt.Errorf("policy: rule %q is incomplete", r.Name)
		}
		if seen[r.Name] {
			return nil, fmt.Errorf("policy: duplicate rule %q", r.Name)
		}
		seen[r.Name] = true
		names = append(names, r.Name)
		if err := checkRule(r); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(names); err != nil {
		return nil, err
	}

	disabled := make(map[string]bool, len(cfg.Disabled))
	for _, n := range cfg.Disabled {
		disabled[n] = true
	}
	var enabled []Rule
	for _, r := range rules {
		if disabled[r.Name] {
			continue
		}
		if o, ok := cfg.Overrides[r.Name]; ok {
			if o.Confidence != nil {
				r.Confidence = *o.Confidence
			}
			if o.Priority != nil {
				r.Priority = *o.Priority
			}
		}
		enabled = append(enabled, r)
	}
	return &Engine{rules: enabled, logger: logger}, nil
}

func checkRule(r Rule) error {
	if r.Confidence < 0 || r.Confidence > 1 {
		return fmt.Errorf("policy: rule %q: confidence %.2f outside [0,1]", r.Name, r.Confidence)
	}
	if r.Priority < model.MinPriority || r.Priority > model.MaxPriority {
		return fmt.Errorf("policy: rule %q: priority %d outside [%d,%d]", r.Name, r.Priority, model.MinPriority, model.MaxPriority)
	}
	if len(r.Emits) == 0 {
		return fmt.Errorf("policy: rule %q emits no action types", r.Name)
	}
	for _, t := range r.Emits {
		if !t.Valid() {
			return fmt.Errorf("policy: rule %q: unknown action type %q", r.Name, t)
		}
	}
	return nil
}

// Rules returns the enabled rules in declaration order.
func (e *Engine) Rules() []Rule {
	return append([]Rule(nil), e.rules...)
}

// Emits returns every action type the enabled rules can produce.
func (e *Engine) Emits() []model.ActionType {
	seen := make(map[model.ActionType]bool)
	var out []model.ActionType
	for _, r := range e.rules {
		for _, t := range r.Emits {
			if !seen[t] {
				seen[t] = true
				out = append(out, t)
			}
		}
	}
	return out
}

type proposal struct {
	action model.Action
	order  int
}

// Decide returns the winning action per target, ordered by priority desc,
// confidence desc, rule declaration order, then target. Actions the state
// machine could never carry out are dropped. Action IDs are left empty.
func (e *Engine) Decide(snap *world.Snapshot, deployments Deployments) []model.Action {
	in := Input{Snapshot: snap, Deployments: deployments, Now: snap.BuiltAt}

	best := make(map[string]proposal)
	for i, r := range e.rules {
		for _, c := range r.Match(in) {
			a := model.Action{
				Type:       c.Type,
				Target:     c.Target,
				Priority:   r.Priority,
				Confidence: capConfidence(r.Confidence + c.Boost),
				Rationale:  c.Rationale,
				Rule:       r.Name,
				Params:     c.Params,
				Expect:     c.Expect,
			}
			if err := Legal(a, deployments); err != nil {
				e.logger.Debug("dropping illegal proposal", "rule", r.Name, "action", a.String(), "error", err)
				continue
			}
			p := proposal{action: a, order: i}
			if cur, ok := best[a.Target]; !ok || outranks(p, cur) {
				best[a.Target] = p
			}
		}
	}

	winners := make([]proposal, 0, len(best))
	for _, p := range best {
		winners = append(winners, p)
	}
	sort.Slice(winners, func(i, j int) bool {
		if outranks(winners[i], winners[j]) {
			return true
		}
		if outranks(winners[j], winners[i]) {
			return false
		}
		return winners[i].action.Target < winners[j].action.Target
	})

	out := make([]model.Action, len(winners))
	for i, p := range winners {
		out[i] = p.action
	}
	return out
}

// outranks orders by priority, then confidence, then earliest rule.
func outranks(a, b proposal) bool {
	if a.action.Priority != b.action.Priority {
		return a.action.Priority > b.action.Priority
	}
	if a.action.Confidence != b.action.Confidence {
		return a.action.Confidence > b.action.Confidence
	}
	return a.order < b.order
}

func capConfidence(c float64) float64 {
	if c > 1 {
		return 1
	}
	if c < 0 {
		return 0
	}
	return c
}

// Legal checks an action against the deployment state machine. Rollback
// needs a tracked deployment that can still reach ROLLING_BACK and is not
// already rolling back; deploy and
// restart may not target a REMOVED deployment. Other action types do not
// touch deployment state.
func Legal(a model.Action, deployments Deployments) error {
	switch a.Type {
	case model.Rollback:
		if r, ok := deployments.Get(a.Target); ok && r.State == deploy.RollingBack {
			return &deploy.InvalidTransitionError{ID: r.ID, From: r.State, To: deploy.RollingBack}
		}
		return deployments.CanReach(a.Target, deploy.RollingBack)
	case model.Deploy, model.Restart:
		r, ok := deployments.Get(a.Target)
		if ok && r.State == deploy.Removed {
			return &deploy.InvalidTransitionError{ID: r.ID, From: r.State, To: deploy.Pending}
		}
	}
	return nil
}

// IsIllegal reports whether err came from Legal rejecting an action.
func IsIllegal(err error) bool {
	return errors.Is(err, deploy.ErrInvalidTransition) || errors.Is(err, deploy.ErrUnknownDeployment)
}
