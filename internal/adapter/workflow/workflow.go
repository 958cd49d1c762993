// Package workflow observes and triggers workflow-automation executions
// through an n8n-style REST API. Subjects are configured workflow names.
package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/ppiankov/fleetwatch/internal/adapter/rest"
	"github.com/ppiankov/fleetwatch/internal/model"
)

// ParamExecutionID names the execution to retry on trigger-workflow.
const ParamExecutionID = "execution_id"

// Workflow is one watched workflow.
type Workflow struct {
	Name string `yaml:"name" json:"name" validate:"required"`
	ID   string `yaml:"id" json:"id" validate:"required"`
	// Webhook is the path (relative to the base URL) that starts a fresh
	// execution when there is nothing to retry.
	Webhook string `yaml:"webhook" json:"webhook"`
}

// Config selects the automation server and workflows.
type Config struct {
	Name      string     `yaml:"name" json:"name"`
	BaseURL   string     `yaml:"base_url" json:"base_url"`
	APIKey    string     `yaml:"-" json:"-"`
	APIKeyEnv string     `yaml:"api_key_env" json:"api_key_env"`
	Workflows []Workflow `yaml:"workflows" json:"workflows"`
	// ActionWebhooks maps an action type (e.g. clear-cache) to a webhook
	// path that performs it.
	ActionWebhooks map[string]string `yaml:"action_webhooks" json:"action_webhooks"`
}

// Adapter talks to one automation server.
type Adapter struct {
	name      string
	cfg       Config
	client    *rest.Client
	workflows map[string]Workflow
	logger    *slog.Logger
	now       func() time.Time
}

// New builds an adapter.
func New(cfg Config, logger *slog.Logger) (*Adapter, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Name == "" {
		cfg.Name = "workflow"
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("workflow: base_url is required")
	}
	wf := make(map[string]Workflow, len(cfg.Workflows))
	for _, w := range cfg.Workflows {
		if w.Name == "" || w.ID == "" {
			return nil, fmt.Errorf("workflow: workflow entries need name and id")
		}
		if _, dup := wf[w.Name]; dup {
			return nil, fmt.Errorf("workflow: duplicate workflow %q", w.Name)
		}
		wf[w.Name] = w
	}
	for t := range cfg.ActionWebhooks {
		if _, err := model.ParseActionType(t); err != nil {
			return nil, fmt.Errorf("workflow: action_webhooks: %w", err)
		}
	}
	header := http.Header{}
	if cfg.APIKey != "" {
		header.Set("X-N8N-API-KEY", cfg.APIKey)
	}
	return &Adapter{
		name:      cfg.Name,
		cfg:       cfg,
		client:    rest.New(cfg.BaseURL, header),
		workflows: wf,
		logger:    logger.With("adapter", cfg.Name),
		now:       func() time.Time { return time.Now().UTC() },
	}, nil
}

// Client exposes the REST client so callers can tune retries.
func (a *Adapter) Client() *rest.Client { return a.client }

func (a *Adapter) Name() string { return a.name }

// Discover returns the configured workflow names.
func (a *Adapter) Discover(context.Context) ([]string, error) {
	out := make([]string, 0, len(a.workflows))
	for name := range a.workflows {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

type execution struct {
	ID         string `json:"id"`
	Status     string `json:"status"`
	Finished   bool   `json:"finished"`
	WorkflowID string `json:"workflowId"`
	StoppedAt  string `json:"stoppedAt"`
	Data       *struct {
		ResultData struct {
			LastNodeExecuted string `json:"lastNodeExecuted"`
			Error            *struct {
				Message string `json:"message"`
			} `json:"error"`
		} `json:"resultData"`
	} `json:"data"`
}

// Observe reports the latest execution of a workflow.
func (a *Adapter) Observe(ctx context.Context, subject string) (model.Observation, error) {
	w, ok := a.workflows[subject]
	if !ok {
		return model.Observation{}, fmt.Errorf("workflow: unknown workflow %q", subject)
	}
	var page struct {
		Data []execution `json:"data"`
	}
	q := "/api/v1/executions?limit=1&includeData=true&workflowId=" + url.QueryEscape(w.ID)
	if err := a.client.Do(ctx, http.MethodGet, q, nil, &page); err != nil {
		return model.Observation{}, fmt.Errorf("workflow: list executions for %s: %w", subject, err)
	}

	payload := map[string]any{model.FieldStatus: "none", "workflow_id": w.ID}
	if len(page.Data) > 0 {
		e := page.Data[0]
		payload[model.FieldStatus] = executionStatus(e)
		payload[ParamExecutionID] = e.ID
		if e.StoppedAt != "" {
			payload["stopped_at"] = e.StoppedAt
		}
		if payload[model.FieldStatus] == model.StatusFailure {
			payload[model.FieldSignature] = signature(e)
		}
	}
	return model.Observation{
		Source:    a.name,
		Subject:   subject,
		Kind:      model.KindExecution,
		Payload:   payload,
		FetchedAt: a.now(),
	}, nil
}

func executionStatus(e execution) string {
	switch e.Status {
	case "success":
		return model.StatusSuccess
	case "error", "crashed", "failed":
		return model.StatusFailure
	case "canceled":
		return "cancelled"
	case "":
		if e.Finished {
			return model.StatusSuccess
		}
		return "pending"
	default:
		return "pending"
	}
}

// signature is "<node>: <first line of the error>", which stays stable
// across executions failing the same way.
func signature(e execution) string {
	if e.Data == nil {
		return ""
	}
	node := e.Data.ResultData.LastNodeExecuted
	msg := ""
	if e.Data.ResultData.Error != nil {
		msg, _, _ = strings.Cut(e.Data.ResultData.Error.Message, "\n")
	}
	switch {
	case node != "" && msg != "":
		return node + ": " + msg
	case node != "":
		return node
	default:
		return msg
	}
}

// Act retries a failed execution, starts a workflow through its webhook,
// or calls the webhook configured for the action type.
func (a *Adapter) Act(ctx context.Context, act model.Action) (model.ActionResult, error) {
	if act.Type == model.TriggerWorkflow {
		if id := act.Params[ParamExecutionID]; id != "" {
			return a.retry(ctx, act, id)
		}
		if w, ok := a.workflows[act.Target]; ok && w.Webhook != "" {
			return a.callWebhook(ctx, w.Webhook, act)
		}
		return model.ActionResult{}, fmt.Errorf("workflow: nothing to trigger for %s: no %s and no webhook", act.Target, ParamExecutionID)
	}
	if hook, ok := a.cfg.ActionWebhooks[string(act.Type)]; ok {
		return a.callWebhook(ctx, hook, act)
	}
	return model.ActionResult{}, fmt.Errorf("workflow: unsupported action %s", act.Type)
}

func (a *Adapter) retry(ctx context.Context, act model.Action, id string) (model.ActionResult, error) {
	var out map[string]any
	p := "/api/v1/executions/" + url.PathEscape(id) + "/retry"
	if err := a.client.Do(ctx, http.MethodPost, p, map[string]bool{"loadWorkflow": true}, &out); err != nil {
		return model.ActionResult{}, fmt.Errorf("workflow: retry execution %s: %w", id, err)
	}
	a.logger.Info("retried execution", "workflow", act.Target, "execution_id", id)
	return model.ResultOf(out), nil
}

func (a *Adapter) callWebhook(ctx context.Context, path string, act model.Action) (model.ActionResult, error) {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	in := map[string]any{
		"action_id":   act.ID,
		"action_type": act.Type,
		"target":      act.Target,
		"rationale":   act.Rationale,
		"params":      act.Params,
	}
	var out any
	if err := a.client.Do(ctx, http.MethodPost, path, in, &out); err != nil {
		return model.ActionResult{}, fmt.Errorf("workflow: webhook %s for %s: %w", path, act, err)
	}
	a.logger.Info("called webhook", "path", path, "action", act.Type, "target", act.Target)
	return model.ResultOf(map[string]any{"webhook": path, "response": out}), nil
}
