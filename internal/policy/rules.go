package policy

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ppiankov/fleetwatch/internal/adapter"
	"github.com/ppiankov/fleetwatch/internal/deploy"
	"github.com/ppiankov/fleetwatch/internal/model"
	"github.com/ppiankov/fleetwatch/internal/world"
)

// Rule names, in declaration order.
const (
	RuleCrashedRollback          = "crashed-rollback"
	RuleSustainedUnhealthy       = "sustained-unhealthy-rollback"
	RuleFailedDeployRollback     = "failed-deploy-rollback"
	RuleFailedBuildRetrigger     = "failed-build-retrigger"
	RuleFailedDeployCorrelated   = "failed-deploy-correlated-alert"
	RuleCIFailureRetrigger       = "ci-failure-retrigger"
	RuleCIFailureIssue           = "ci-failure-issue"
	RuleAnomalyClearCache        = "anomaly-clear-cache"
	RuleAnomalyEscalate          = "anomaly-escalate"
	RuleWorkflowFailureRetrigger = "workflow-failure-retrigger"
	RuleRepeatedActionFailure    = "repeated-action-failure-alert"
	RulePRMerge                  = "pr-merge"
)

// Action parameter keys set by the built-in rules.
const (
	ParamSeverity     = "severity"
	ParamRepo         = "repo"
	ParamRunID        = "run_id"
	ParamExecutionID  = "execution_id"
	ParamTitle        = "title"
	ParamSignature    = "signature"
	ParamFailedAction = "failed_action"

	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// DefaultRules returns the built-in rules in declaration order, the final
// tie-break when two actions for one target share priority and confidence.
func DefaultRules(cfg Config) []Rule {
	return []Rule{
		{
			Name:        RuleCrashedRollback,
			Description: "deployment CRASHED for longer than crash_grace",
			Emits:       []model.ActionType{model.Rollback},
			Confidence:  0.9,
			Priority:    9,
			Match:       crashedRollback(cfg),
		},
		{
			Name:        RuleSustainedUnhealthy,
			Description: "ACTIVE deployment unhealthy for health_failure_cycles consecutive cycles",
			Emits:       []model.ActionType{model.Rollback},
			Confidence:  0.85,
			Priority:    9,
			Match:       sustainedUnhealthy(cfg),
		},
		{
			Name:        RuleFailedDeployRollback,
			Description: "deployment FAILED while DEPLOYING with no CI failure to blame",
			Emits:       []model.ActionType{model.Rollback},
			Confidence:  0.85,
			Priority:    8,
			Match:       failedDeployRollback,
		},
		{
			Name:        RuleFailedBuildRetrigger,
			Description: "deployment FAILED straight out of BUILDING with no CI failure to blame",
			Emits:       []model.ActionType{model.Restart},
			Confidence:  0.8,
			Priority:    7,
			Match:       failedBuildRetrigger,
		},
		{
			Name:        RuleFailedDeployCorrelated,
			Description: "FAILED deployment whose repo has a failing CI run",
			Emits:       []model.ActionType{model.Alert},
			Confidence:  0.9,
			Priority:    7,
			Match:       failedDeployCorrelated,
		},
		{
			Name:        RuleCIFailureRetrigger,
			Description: "CI failure flagged flaky",
			Emits:       []model.ActionType{model.TriggerWorkflow},
			Confidence:  0.8,
			Priority:    6,
			Match:       ciFailureRetrigger(cfg),
		},
		{
			Name:        RuleCIFailureIssue,
			Description: "CI failure",
			Emits:       []model.ActionType{model.CreateIssue},
			Confidence:  0.8,
			Priority:    5,
			Match:       ciFailureIssue(cfg),
		},
		{
			Name:        RuleAnomalyClearCache,
			Description: "error rate or latency over threshold for anomaly_cycles cycles",
			Emits:       []model.ActionType{model.ClearCache},
			Confidence:  0.8,
			Priority:    6,
			Match:       anomalyStreak(cfg.AnomalyCycles, model.ClearCache, ""),
		},
		{
			Name:        RuleAnomalyEscalate,
			Description: "anomaly persisting for twice anomaly_cycles",
			Emits:       []model.ActionType{model.Alert},
			Confidence:  0.9,
			Priority:    8,
			Match:       anomalyStreak(2*cfg.AnomalyCycles, model.Alert, SeverityHigh),
		},
		{
			Name:        RuleWorkflowFailureRetrigger,
			Description: "workflow execution failed",
			Emits:       []model.ActionType{model.TriggerWorkflow},
			Confidence:  0.85,
			Priority:    5,
			Match:       workflowFailureRetrigger(cfg),
		},
		{
			Name:        RuleRepeatedActionFailure,
			Description: "the same action failed in two or more cycles of the window",
			Emits:       []model.ActionType{model.Alert},
			Confidence:  0.95,
			Priority:    8,
			Match:       repeatedActionFailure,
		},
		{
			Name:        RulePRMerge,
			Description: "pull request approved, green, mergeable and labelled for automerge",
			Emits:       []model.ActionType{model.Merge},
			Confidence:  0.9,
			Priority:    3,
			Match:       prMerge(cfg),
		},
	}
}

func crashedRollback(cfg Config) func(Input) []Candidate {
	return func(in Input) []Candidate {
		var out []Candidate
		for _, r := range in.Deployments.List() {
			if r.State != deploy.Crashed {
				continue
			}
			crashed := in.Now.Sub(r.Since())
			if crashed <= cfg.CrashGrace {
				continue
			}
			out = append(out, Candidate{
				Type:      model.Rollback,
				Target:    r.ID,
				Rationale: fmt.Sprintf("%s has been CRASHED for %s (grace %s)", r.ID, crashed.Round(time.Second), cfg.CrashGrace),
			})
		}
		return out
	}
}

func sustainedUnhealthy(cfg Config) func(Input) []Candidate {
	return func(in Input) []Candidate {
		var out []Candidate
		for _, r := range in.Deployments.List() {
			if r.State != deploy.Active {
				continue
			}
			streak := in.Snapshot.Signals.HealthStreak[r.ID]
			if streak < cfg.HealthFailureCycles {
				continue
			}
			out = append(out, Candidate{
				Type:      model.Rollback,
				Target:    r.ID,
				Rationale: fmt.Sprintf("%s unhealthy for %d consecutive cycles", r.ID, streak),
			})
		}
		return out
	}
}

func failedDeployRollback(in Input) []Candidate {
	var out []Candidate
	for _, r := range in.Deployments.List() {
		if r.State != deploy.Failed || r.Previous() != deploy.Deploying {
			continue
		}
		if _, ok := in.Snapshot.Correlated(r.ID); ok {
			continue
		}
		out = append(out, Candidate{
			Type:      model.Rollback,
			Target:    r.ID,
			Rationale: fmt.Sprintf("%s failed during rollout and its build is green", r.ID),
		})
	}
	return out
}

func failedBuildRetrigger(in Input) []Candidate {
	var out []Candidate
	for _, r := range in.Deployments.List() {
		if r.State != deploy.Failed || r.Previous() != deploy.Building {
			continue
		}
		if _, ok := in.Snapshot.Correlated(r.ID); ok {
			continue
		}
		out = append(out, Candidate{
			Type:      model.Restart,
			Target:    r.ID,
			Rationale: fmt.Sprintf("%s failed to build with no matching CI failure; re-triggering", r.ID),
		})
	}
	return out
}

func failedDeployCorrelated(in Input) []Candidate {
	var out []Candidate
	for _, r := range in.Deployments.List() {
		if r.State != deploy.Failed {
			continue
		}
		c, ok := in.Snapshot.Correlated(r.ID)
		if !ok {
			continue
		}
		out = append(out, Candidate{
			Type:      model.Alert,
			Target:    r.ID,
			Rationale: fmt.Sprintf("%s FAILED and CI for %s is failing (%s)", r.ID, c.Repo, orUnknown(c.Signature)),
			Params:    map[string]string{ParamSeverity: SeverityHigh, ParamRepo: c.Repo},
		})
	}
	return out
}

func ciFailureRetrigger(cfg Config) func(Input) []Candidate {
	return func(in Input) []Candidate {
		var out []Candidate
		for _, o := range in.Snapshot.ByKind(model.KindBuild) {
			if o.String(model.FieldStatus) != model.StatusFailure || !o.Bool(model.FieldFlaky) {
				continue
			}
			c := Candidate{
				Type:      model.TriggerWorkflow,
				Target:    o.Subject,
				Rationale: fmt.Sprintf("CI for %s failed on a test marked flaky; re-running", o.Subject),
				Params:    pin(o, map[string]string{ParamRunID: o.String(ParamRunID)}),
			}
			boost(&c, in.Snapshot, o.Subject, cfg.SignatureBoost)
			out = append(out, c)
		}
		return out
	}
}

func ciFailureIssue(cfg Config) func(Input) []Candidate {
	return func(in Input) []Candidate {
		var out []Candidate
		for _, o := range in.Snapshot.ByKind(model.KindBuild) {
			if o.String(model.FieldStatus) != model.StatusFailure {
				continue
			}
			sig := o.String(model.FieldSignature)
			c := Candidate{
				Type:      model.CreateIssue,
				Target:    o.Subject,
				Rationale: fmt.Sprintf("CI for %s is failing (%s)", o.Subject, orUnknown(sig)),
				Params: pin(o, map[string]string{
					ParamTitle:     fmt.Sprintf("CI failure: %s", orUnknown(sig)),
					ParamSignature: sig,
					ParamRunID:     o.String(ParamRunID),
				}),
			}
			boost(&c, in.Snapshot, o.Subject, cfg.SignatureBoost)
			out = append(out, c)
		}
		return out
	}
}

func anomalyStreak(threshold int, t model.ActionType, severity string) func(Input) []Candidate {
	return func(in Input) []Candidate {
		streaks := in.Snapshot.Signals.AnomalyStreak
		subjects := make([]string, 0, len(streaks))
		for s, n := range streaks {
			if n >= threshold {
				subjects = append(subjects, s)
			}
		}
		sort.Strings(subjects)

		var out []Candidate
		for _, s := range subjects {
			c := Candidate{
				Type:      t,
				Target:    s,
				Rationale: fmt.Sprintf("%s over error-rate/latency thresholds for %d cycles", s, streaks[s]),
			}
			if severity != "" {
				c.Params = map[string]string{ParamSeverity: severity}
			}
			out = append(out, c)
		}
		return out
	}
}

func workflowFailureRetrigger(cfg Config) func(Input) []Candidate {
	return func(in Input) []Candidate {
		var out []Candidate
		for _, o := range in.Snapshot.ByKind(model.KindExecution) {
			if o.String(model.FieldStatus) != model.StatusFailure {
				continue
			}
			c := Candidate{
				Type:      model.TriggerWorkflow,
				Target:    o.Subject,
				Rationale: fmt.Sprintf("workflow %s execution failed (%s)", o.Subject, orUnknown(o.String(model.FieldSignature))),
				Params:    pin(o, map[string]string{ParamExecutionID: o.String(ParamExecutionID)}),
			}
			boost(&c, in.Snapshot, o.Subject, cfg.SignatureBoost)
			out = append(out, c)
		}
		return out
	}
}

func repeatedActionFailure(in Input) []Candidate {
	failed := in.Snapshot.Signals.FailedActions
	keys := make([]string, 0, len(failed))
	for k, n := range failed {
		if n >= 2 {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	var out []Candidate
	for _, k := range keys {
		actionType, target, ok := strings.Cut(k, "|")
		if !ok || target == "" {
			continue
		}
		out = append(out, Candidate{
			Type:      model.Alert,
			Target:    target,
			Rationale: fmt.Sprintf("%s on %s failed in %d recent cycles; needs a human", actionType, target, failed[k]),
			Params:    map[string]string{ParamSeverity: SeverityHigh, ParamFailedAction: actionType},
		})
	}
	return out
}

func prMerge(cfg Config) func(Input) []Candidate {
	return func(in Input) []Candidate {
		var out []Candidate
		for _, o := range in.Snapshot.ByKind(model.KindPullRequest) {
			if o.Bool("merged") || o.String(model.FieldState) != "open" {
				continue
			}
			if !o.Bool("approved") || o.String("checks") != model.StatusSuccess || !o.Bool("mergeable") {
				continue
			}
			if cfg.AutomergeLabel != "" && !hasLabel(o.String("labels"), cfg.AutomergeLabel) {
				continue
			}
			out = append(out, Candidate{
				Type:      model.Merge,
				Target:    o.Subject,
				Rationale: fmt.Sprintf("%s approved, checks green, labelled %s", o.Subject, cfg.AutomergeLabel),
				Params:    pin(o, nil),
			})
		}
		return out
	}
}

// pin records the observation's source so the action goes back to the
// adapter that reported the failure.
func pin(o model.Observation, params map[string]string) map[string]string {
	out := map[string]string{adapter.ParamAdapter: o.Source}
	for k, v := range params {
		if v != "" {
			out[k] = v
		}
	}
	return out
}

func boost(c *Candidate, snap *world.Snapshot, subject string, amount float64) {
	if s, ok := snap.Signals.Signatures[subject]; ok && s.Repeated() {
		c.Boost = amount
		c.Rationale += fmt.Sprintf("; same failure in %d consecutive cycles", s.Count)
	}
}

func hasLabel(labels, want string) bool {
	for _, l := range strings.Split(labels, ",") {
		if strings.EqualFold(strings.TrimSpace(l), want) {
			return true
		}
	}
	return false
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown signature"
	}
	return s
}
