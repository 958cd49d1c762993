package model

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ActionType is the closed set of remediations the loop can take.
type ActionType string

const (
	Deploy          ActionType = "deploy"
	Rollback        ActionType = "rollback"
	Restart         ActionType = "restart"
	CreateIssue     ActionType = "create-issue"
	Merge           ActionType = "merge"
	Alert           ActionType = "alert"
	TriggerWorkflow ActionType = "trigger-workflow"
	ClearCache      ActionType = "clear-cache"
)

// ActionTypes lists every known action type in declaration order.
var ActionTypes = []ActionType{
	Deploy, Rollback, Restart, CreateIssue, Merge, Alert, TriggerWorkflow, ClearCache,
}

// Valid reports whether t is one of the declared action types.
func (t ActionType) Valid() bool {
	for _, known := range ActionTypes {
		if t == known {
			return true
		}
	}
	return false
}

// ParseActionType converts a configuration string into an ActionType.
// Unknown tags are rejected here, at load time, never at dispatch.
func ParseActionType(s string) (ActionType, error) {
	t := ActionType(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("unknown action type %q", s)
	}
	return t, nil
}

const (
	MinPriority = 1
	MaxPriority = 10
)

// Criterion is one expected payload value after an action settles.
type Criterion struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Action is a proposed or executed remediation.
type Action struct {
	ID         string            `json:"id"`
	Type       ActionType        `json:"action_type"`
	Target     string            `json:"target"`
	Priority   int               `json:"priority"`
	Confidence float64           `json:"confidence"`
	Rationale  string            `json:"rationale"`
	Rule       string            `json:"rule,omitempty"`
	Params     map[string]string `json:"params,omitempty"`
	Expect     []Criterion       `json:"expect,omitempty"`
}

// Key identifies the action for cooldown purposes.
func (a Action) Key() string {
	return string(a.Type) + "|" + a.Target
}

// String renders the action as type(target) for log lines.
func (a Action) String() string {
	return fmt.Sprintf("%s(%s, confidence=%.2f, priority=%d)", a.Type, a.Target, a.Confidence, a.Priority)
}

// Clone returns a deep copy so audit snapshots never alias caller maps.
func (a Action) Clone() Action {
	c := a
	if a.Params != nil {
		c.Params = make(map[string]string, len(a.Params))
		for k, v := range a.Params {
			c.Params[k] = v
		}
	}
	if a.Expect != nil {
		c.Expect = append([]Criterion(nil), a.Expect...)
	}
	return c
}

// ActionResult is the raw payload an adapter returns from Act.
// It is stored verbatim in the audit trail.
type ActionResult struct {
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ResultOf marshals v into an ActionResult. Marshal failures degrade to a
// string payload so the audit trail always gets something.
func ResultOf(v any) ActionResult {
	data, err := json.Marshal(v)
	if err != nil {
		data, _ = json.Marshal(fmt.Sprintf("%v", v))
	}
	return ActionResult{Payload: data}
}

// Outcome is the verification classification of an executed action.
type Outcome string

const (
	Fixed      Outcome = "fixed"
	Partial    Outcome = "partial"
	Failed     Outcome = "failed"
	Unverified Outcome = "unverified"
)

// ObservationKind names the shape of an observation payload.
type ObservationKind string

const (
	KindHealth       ObservationKind = "health"
	KindBuild        ObservationKind = "build-result"
	KindExecution    ObservationKind = "execution-result"
	KindPullRequest  ObservationKind = "pull-request"
	KindActionResult ObservationKind = "action-result"
	KindVerification ObservationKind = "verification"
	KindDelivery     ObservationKind = "delivery"
)

// Observation is a timestamped fact pulled from one adapter.
type Observation struct {
	Source    string          `json:"source"`
	Subject   string          `json:"subject"`
	Kind      ObservationKind `json:"kind"`
	Payload   map[string]any  `json:"payload"`
	FetchedAt time.Time       `json:"fetched_at"`
}

// String returns a payload field as a string. Missing keys return "".
func (o Observation) String(key string) string {
	switch v := o.Payload[key].(type) {
	case nil:
		return ""
	case string:
		return v
	case bool:
		if v {
			return "true"
		}
		return "false"
	case float64:
		return strings.TrimRight(strings.TrimRight(fmt.Sprintf("%f", v), "0"), ".")
	default:
		return fmt.Sprintf("%v", v)
	}
}

// Bool returns a payload field as a bool, accepting "true" strings.
func (o Observation) Bool(key string) bool {
	switch v := o.Payload[key].(type) {
	case bool:
		return v
	case string:
		return strings.EqualFold(v, "true")
	default:
		return false
	}
}

// Float returns a numeric payload field, 0 when absent or not numeric.
func (o Observation) Float(key string) float64 {
	switch v := o.Payload[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int32:
		return float64(v)
	case int64:
		return float64(v)
	case json.Number:
		f, _ := v.Float64()
		return f
	default:
		return 0
	}
}

// Keys returns the payload keys sorted, for deterministic rendering.
func (o Observation) Keys() []string {
	keys := make([]string, 0, len(o.Payload))
	for k := range o.Payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Payload keys shared between adapters and the core.
const (
	FieldState     = "state"
	FieldHealth    = "health"
	FieldRepo      = "repo"
	FieldErrorRate = "error_rate"
	FieldLatencyMS = "latency_ms"
	FieldSignature = "signature"
	FieldStatus    = "status"
	FieldFlaky     = "flaky"
	FieldOutcome   = "outcome"

	HealthHealthy   = "healthy"
	HealthUnhealthy = "unhealthy"

	StatusSuccess = "success"
	StatusFailure = "failure"
)
