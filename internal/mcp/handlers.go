package mcp

import (
	"context"
	"fmt"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/ppiankov/fleetwatch/internal/audit"
	"github.com/ppiankov/fleetwatch/internal/deploy"
	"github.com/ppiankov/fleetwatch/internal/loop"
)

// --- Input/Output types ---

// StatusInput is empty.
type StatusInput struct{}

// StatusOutput summarises the driver.
type StatusOutput struct {
	Running              bool   `json:"running"`
	DryRun               bool   `json:"dry_run"`
	Interval             string `json:"interval"`
	Cycles               int    `json:"cycles"`
	KillSwitchEngaged    bool   `json:"kill_switch_engaged"`
	KillSwitchReason     string `json:"kill_switch_reason,omitempty"`
	ActionsThisRun       int    `json:"actions_this_run"`
	RollbacksThisRun     int    `json:"rollbacks_this_run"`
	PendingVerifications int    `json:"pending_verifications"`
	LastCycle            *Cycle `json:"last_cycle,omitempty"`
}

// Cycle is the compact form of a cycle report.
type Cycle struct {
	ID        string   `json:"id"`
	Trigger   string   `json:"trigger"`
	StartedAt string   `json:"started_at"`
	Result    string   `json:"result"`
	DryRun    bool     `json:"dry_run,omitempty"`
	Missing   []string `json:"missing,omitempty"`
	Proposed  int      `json:"proposed"`
	Admitted  int      `json:"admitted"`
	EntryIDs  []string `json:"entry_ids,omitempty"`
	Errors    []string `json:"errors,omitempty"`
}

// TriggerInput defines parameters for fleetwatch_trigger.
type TriggerInput struct {
	Reason string `json:"reason,omitempty" jsonschema:"why the cycle is requested; recorded in logs"`
	Wait   bool   `json:"wait,omitempty" jsonschema:"run the cycle now and return its report"`
}

// TriggerOutput reports the queued request or the finished cycle.
type TriggerOutput struct {
	Queued bool   `json:"queued"`
	Cycle  *Cycle `json:"cycle,omitempty"`
}

// KillSwitchInput defines parameters for fleetwatch_killswitch.
type KillSwitchInput struct {
	Action string `json:"action" jsonschema:"engage, clear or status"`
	Reason string `json:"reason,omitempty" jsonschema:"required when engaging"`
}

// KillSwitchOutput is the switch state after the call.
type KillSwitchOutput struct {
	Engaged bool   `json:"engaged"`
	Reason  string `json:"reason,omitempty"`
	Since   string `json:"since,omitempty"`
}

// DeploymentsInput defines parameters for fleetwatch_deployments.
type DeploymentsInput struct {
	State string `json:"state,omitempty" jsonschema:"lifecycle state filter, e.g. ACTIVE or CRASHED"`
}

// DeploymentsOutput lists tracked deployments.
type DeploymentsOutput struct {
	Deployments []DeploymentItem `json:"deployments"`
}

// DeploymentItem is one tracked deployment.
type DeploymentItem struct {
	ID    string `json:"id"`
	State string `json:"state"`
	Since string `json:"since"`
}

// HistoryInput defines parameters for fleetwatch_history.
type HistoryInput struct {
	ID string `json:"id" jsonschema:"deployment id"`
}

// HistoryOutput is one deployment's transition log.
type HistoryOutput struct {
	ID          string           `json:"id"`
	Transitions []TransitionItem `json:"transitions"`
}

// TransitionItem is one history entry.
type TransitionItem struct {
	From        string `json:"from,omitempty"`
	To          string `json:"to"`
	At          string `json:"at"`
	Reason      string `json:"reason"`
	TriggeredBy string `json:"triggered_by"`
}

// AuditEntryInput defines parameters for fleetwatch_audit_entry.
type AuditEntryInput struct {
	ID string `json:"id" jsonschema:"audit entry id"`
}

// AuditEntryOutput is the folded audit entry.
type AuditEntryOutput struct {
	ID          string  `json:"id"`
	CycleID     string  `json:"cycle_id"`
	Actor       string  `json:"actor"`
	CreatedAt   string  `json:"created_at"`
	ActionType  string  `json:"action_type"`
	Target      string  `json:"target"`
	Rule        string  `json:"rule,omitempty"`
	Confidence  float64 `json:"confidence"`
	Decision    string  `json:"decision,omitempty"`
	Check       string  `json:"check,omitempty"`
	Reason      string  `json:"reason,omitempty"`
	Execution   string  `json:"execution,omitempty"`
	ExecError   string  `json:"execution_error,omitempty"`
	Outcome     string  `json:"outcome,omitempty"`
	OutcomeNote string  `json:"outcome_reason,omitempty"`
}

// --- Handlers ---

func (s *Server) handleStatus(_ context.Context, _ *mcpsdk.CallToolRequest, _ StatusInput) (*mcpsdk.CallToolResult, StatusOutput, error) {
	st := s.loop.Status()
	out := StatusOutput{
		Running:              st.Running,
		DryRun:               st.DryRun,
		Interval:             st.Interval.String(),
		Cycles:               st.Cycles,
		KillSwitchEngaged:    st.KillSwitch.Engaged,
		KillSwitchReason:     st.KillSwitch.Reason,
		ActionsThisRun:       st.Guard.ActionsThisRun,
		RollbacksThisRun:     st.Guard.RollbacksThisRun,
		PendingVerifications: st.Pending,
	}
	if st.LastCycle != nil {
		out.LastCycle = cycleOf(*st.LastCycle)
	}
	return nil, out, nil
}

func (s *Server) handleTrigger(ctx context.Context, _ *mcpsdk.CallToolRequest, input TriggerInput) (*mcpsdk.CallToolResult, TriggerOutput, error) {
	if input.Wait {
		rep := s.loop.RunCycle(ctx)
		return nil, TriggerOutput{Queued: true, Cycle: cycleOf(rep)}, nil
	}
	reason := input.Reason
	if reason == "" {
		reason = "mcp"
	}
	return nil, TriggerOutput{Queued: s.loop.Trigger(reason)}, nil
}

func (s *Server) handleKillSwitch(ctx context.Context, _ *mcpsdk.CallToolRequest, input KillSwitchInput) (*mcpsdk.CallToolResult, KillSwitchOutput, error) {
	switch input.Action {
	case "engage":
		if input.Reason == "" {
			return nil, KillSwitchOutput{}, fmt.Errorf("reason is required to engage the kill switch")
		}
		if err := s.loop.EngageKillSwitch(ctx, audit.ActorOperator, input.Reason); err != nil {
			return nil, KillSwitchOutput{}, err
		}
		s.logger.Warn("kill switch engaged over mcp", "reason", input.Reason)
	case "clear":
		if err := s.loop.ClearKillSwitch(audit.ActorOperator); err != nil {
			return nil, KillSwitchOutput{}, err
		}
	case "status", "":
	default:
		return nil, KillSwitchOutput{}, fmt.Errorf("unknown action %q (want engage, clear or status)", input.Action)
	}

	st := s.loop.Guard().KillSwitch().Status()
	out := KillSwitchOutput{Engaged: st.Engaged, Reason: st.Reason}
	if !st.Since.IsZero() {
		out.Since = st.Since.Format(time.RFC3339)
	}
	return nil, out, nil
}

func (s *Server) handleDeployments(_ context.Context, _ *mcpsdk.CallToolRequest, input DeploymentsInput) (*mcpsdk.CallToolResult, DeploymentsOutput, error) {
	var recs []deploy.Record
	if input.State == "" {
		recs = s.loop.Deployments().List()
	} else {
		st, err := deploy.ParseState(input.State)
		if err != nil {
			return nil, DeploymentsOutput{}, err
		}
		recs = s.loop.Deployments().ListByState(st)
	}
	out := DeploymentsOutput{Deployments: make([]DeploymentItem, 0, len(recs))}
	for _, r := range recs {
		out.Deployments = append(out.Deployments, DeploymentItem{
			ID:    r.ID,
			State: string(r.State),
			Since: r.Since().Format(time.RFC3339),
		})
	}
	return nil, out, nil
}

func (s *Server) handleHistory(_ context.Context, _ *mcpsdk.CallToolRequest, input HistoryInput) (*mcpsdk.CallToolResult, HistoryOutput, error) {
	hist, err := s.loop.Deployments().History(input.ID)
	if err != nil {
		return nil, HistoryOutput{}, err
	}
	out := HistoryOutput{ID: input.ID, Transitions: make([]TransitionItem, 0, len(hist))}
	for _, tr := range hist {
		out.Transitions = append(out.Transitions, TransitionItem{
			From:        string(tr.From),
			To:          string(tr.To),
			At:          tr.At.Format(time.RFC3339),
			Reason:      tr.Reason,
			TriggeredBy: string(tr.TriggeredBy),
		})
	}
	return nil, out, nil
}

func (s *Server) handleAuditEntry(_ context.Context, _ *mcpsdk.CallToolRequest, input AuditEntryInput) (*mcpsdk.CallToolResult, AuditEntryOutput, error) {
	if input.ID == "" {
		return nil, AuditEntryOutput{}, fmt.Errorf("id is required")
	}
	res, err := audit.Replay(s.loop.Trail().Path(), audit.ReplayFilter{EntryID: input.ID})
	if err != nil {
		return nil, AuditEntryOutput{}, err
	}
	if len(res.Entries) == 0 {
		return nil, AuditEntryOutput{}, fmt.Errorf("audit entry %q not found", input.ID)
	}
	e := res.Entries[0]
	out := AuditEntryOutput{
		ID:         e.ID,
		CycleID:    e.CycleID,
		Actor:      e.Actor,
		CreatedAt:  e.CreatedAt,
		ActionType: string(e.Action.Type),
		Target:     e.Action.Target,
		Rule:       e.Action.Rule,
		Confidence: e.Action.Confidence,
	}
	if e.Admission != nil {
		out.Decision = e.Admission.Decision
		out.Check = e.Admission.Check
		out.Reason = e.Admission.Reason
	}
	if e.Execution != nil {
		out.Execution = e.Execution.Status
		out.ExecError = e.Execution.Error
	}
	if e.Verification != nil {
		out.Outcome = string(e.Verification.Outcome)
		out.OutcomeNote = e.Verification.Reason
	}
	return nil, out, nil
}

func cycleOf(rep loop.CycleReport) *Cycle {
	c := &Cycle{
		ID:        rep.CycleID,
		Trigger:   rep.Trigger,
		StartedAt: rep.StartedAt.Format(time.RFC3339),
		Result:    rep.Result,
		DryRun:    rep.DryRun,
		Missing:   rep.Missing,
		Proposed:  len(rep.Actions),
		Admitted:  rep.Admitted(),
		Errors:    rep.Errors,
	}
	for _, a := range rep.Actions {
		if a.EntryID != "" {
			c.EntryIDs = append(c.EntryIDs, a.EntryID)
		}
	}
	return c
}
