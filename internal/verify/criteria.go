package verify

import (
	"github.com/ppiankov/fleetwatch/internal/model"
)

// DefaultCriteria returns what a settled action of type t should leave
// behind on its target.
func DefaultCriteria(t model.ActionType) []model.Criterion {
	switch t {
	case model.Rollback:
		return []model.Criterion{{Key: model.FieldState, Value: "ROLLED_BACK"}, {Key: model.FieldHealth, Value: model.HealthHealthy}}
	case model.Deploy:
		return []model.Criterion{{Key: model.FieldState, Value: "ACTIVE"}, {Key: model.FieldHealth, Value: model.HealthHealthy}}
	case model.Restart, model.ClearCache:
		return []model.Criterion{{Key: model.FieldHealth, Value: model.HealthHealthy}}
	case model.CreateIssue:
		return []model.Criterion{{Key: "issue_open", Value: "true"}}
	case model.Merge:
		return []model.Criterion{{Key: "merged", Value: "true"}}
	case model.TriggerWorkflow:
		return []model.Criterion{{Key: model.FieldStatus, Value: model.StatusSuccess}}
	case model.Alert:
		return []model.Criterion{{Key: "delivered", Value: "true"}}
	default:
		return nil
	}
}

// criteriaFor prefers the action's own expectations.
func criteriaFor(a model.Action) []model.Criterion {
	if len(a.Expect) > 0 {
		return a.Expect
	}
	return DefaultCriteria(a.Type)
}

// healthCriteria reports whether the criteria describe the target's
// lifecycle or health, which the target's health source reports.
func healthCriteria(cs []model.Criterion) bool {
	for _, c := range cs {
		if c.Key != model.FieldState && c.Key != model.FieldHealth {
			return false
		}
	}
	return len(cs) > 0
}

// Classify compares obs against the criteria.
func Classify(obs model.Observation, cs []model.Criterion) (model.Outcome, []model.Criterion, []model.Criterion) {
	var met, unmet []model.Criterion
	for _, c := range cs {
		if obs.String(c.Key) == c.Value {
			met = append(met, c)
		} else {
			unmet = append(unmet, c)
		}
	}
	switch {
	case len(cs) == 0:
		return model.Unverified, nil, nil
	case len(unmet) == 0:
		return model.Fixed, met, nil
	case len(met) > 0:
		return model.Partial, met, unmet
	default:
		return model.Failed, nil, unmet
	}
}
