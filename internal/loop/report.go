package loop

import (
	"time"

	"github.com/ppiankov/fleetwatch/internal/guardrail"
	"github.com/ppiankov/fleetwatch/internal/model"
	"github.com/ppiankov/fleetwatch/internal/world"
)

// Cycle results, also used as metric labels.
const (
	ResultOK       = "ok"
	ResultDegraded = "degraded"
	ResultFailed   = "failed"
)

// CheckStateMachine is the check recorded when an action would break the
// deployment state machine.
const CheckStateMachine = "state_machine"

// CheckDryRun is the reason recorded on executions skipped by dry-run.
const CheckDryRun = "dry_run"

// CycleReport summarizes one cycle for logs, the CLI and the API.
type CycleReport struct {
	CycleID      string         `json:"cycle_id"`
	Trigger      string         `json:"trigger"`
	StartedAt    time.Time      `json:"started_at"`
	Duration     time.Duration  `json:"duration"`
	Result       string         `json:"result"`
	DryRun       bool           `json:"dry_run,omitempty"`
	Observations int            `json:"observations"`
	Feedback     int            `json:"feedback,omitempty"`
	Missing      []string       `json:"missing,omitempty"`
	Transitions  []string       `json:"transitions,omitempty"`
	World        *world.Summary `json:"world,omitempty"`
	Actions      []ActionReport `json:"actions,omitempty"`
	Errors       []string       `json:"errors,omitempty"`
}

// ActionReport is what happened to one proposed action.
type ActionReport struct {
	Action   model.Action       `json:"action"`
	EntryID  string             `json:"entry_id,omitempty"`
	Decision guardrail.Decision `json:"decision"`
	Executed bool               `json:"executed"`
	OK       bool               `json:"ok,omitempty"`
	Error    string             `json:"error,omitempty"`
}

// Admitted counts the admitted actions in the report.
func (r CycleReport) Admitted() int {
	n := 0
	for _, a := range r.Actions {
		if a.Decision.Admitted {
			n++
		}
	}
	return n
}

// Status is the driver's externally visible state.
type Status struct {
	Running    bool                       `json:"running"`
	DryRun     bool                       `json:"dry_run"`
	Interval   time.Duration              `json:"interval"`
	Cycles     int                        `json:"cycles"`
	LastCycle  *CycleReport               `json:"last_cycle,omitempty"`
	KillSwitch guardrail.KillSwitchStatus `json:"kill_switch"`
	Guard      guardrail.StateView        `json:"guard"`
	Pending    int                        `json:"pending_verifications"`
}
