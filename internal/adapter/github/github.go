// Package github observes CI runs and pull requests on GitHub and acts on
// them: re-running failed jobs, opening issues and merging pull requests.
//
// Subjects are "owner/repo" (latest CI run on the watched branch) and
// "owner/repo#N" (a pull request).
package github

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ppiankov/fleetwatch/internal/adapter/rest"
	"github.com/ppiankov/fleetwatch/internal/model"
)

// DefaultBaseURL is the public GitHub API.
const DefaultBaseURL = "https://api.github.com"

// Action parameters understood by Act.
const (
	ParamRunID       = "run_id"
	ParamTitle       = "title"
	ParamSignature   = "signature"
	ParamMergeMethod = "merge_method"
)

// Config selects repositories and credentials.
type Config struct {
	Name    string `yaml:"name" json:"name"`
	BaseURL string `yaml:"base_url" json:"base_url"`
	// Token is resolved from TokenEnv by the config loader.
	Token    string   `yaml:"-" json:"-"`
	TokenEnv string   `yaml:"token_env" json:"token_env"`
	Repos    []string `yaml:"repos" json:"repos"`
	Branch   string   `yaml:"branch" json:"branch"`
	// FlakyJobs are job name globs whose failures are treated as flaky.
	FlakyJobs []string `yaml:"flaky_jobs" json:"flaky_jobs"`
	// IssueLabel tags issues opened by the loop.
	IssueLabel string `yaml:"issue_label" json:"issue_label"`
	// WatchPulls adds open pull requests to the discovered subjects.
	WatchPulls bool `yaml:"watch_pulls" json:"watch_pulls"`
}

// Adapter talks to one GitHub API endpoint.
type Adapter struct {
	name   string
	cfg    Config
	client *rest.Client
	logger *slog.Logger
	now    func() time.Time
}

// New builds an adapter. The base URL defaults to the public API.
func New(cfg Config, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Name == "" {
		cfg.Name = "github"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Branch == "" {
		cfg.Branch = "main"
	}
	if cfg.IssueLabel == "" {
		cfg.IssueLabel = "fleetwatch"
	}
	header := http.Header{}
	header.Set("X-GitHub-Api-Version", "2022-11-28")
	if cfg.Token != "" {
		header.Set("Authorization", "Bearer "+cfg.Token)
	}
	return &Adapter{
		name:   cfg.Name,
		cfg:    cfg,
		client: rest.New(cfg.BaseURL, header),
		logger: logger.With("adapter", cfg.Name),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Client exposes the REST client so callers can tune retries.
func (a *Adapter) Client() *rest.Client { return a.client }

func (a *Adapter) Name() string { return a.name }

type subject struct {
	owner, repo string
	pull        int
}

func (s subject) repoPath() string {
	return "/repos/" + url.PathEscape(s.owner) + "/" + url.PathEscape(s.repo)
}

func parseSubject(s string) (subject, error) {
	repoPart, pr, hasPR := strings.Cut(s, "#")
	owner, repo, ok := strings.Cut(repoPart, "/")
	if !ok || owner == "" || repo == "" || strings.Contains(repo, "/") {
		return subject{}, fmt.Errorf("github: subject %q is not owner/repo[#N]", s)
	}
	out := subject{owner: owner, repo: repo}
	if hasPR {
		n, err := strconv.Atoi(pr)
		if err != nil || n <= 0 {
			return subject{}, fmt.Errorf("github: subject %q has an invalid pull number", s)
		}
		out.pull = n
	}
	return out, nil
}

// Discover returns configured repos and, with WatchPulls, their open PRs.
func (a *Adapter) Discover(ctx context.Context) ([]string, error) {
	out := append([]string(nil), a.cfg.Repos...)
	if a.cfg.WatchPulls {
		for _, r := range a.cfg.Repos {
			s, err := parseSubject(r)
			if err != nil {
				return nil, err
			}
			var pulls []pullRequest
			if err := a.client.Do(ctx, http.MethodGet, s.repoPath()+"/pulls?state=open&per_page=50", nil, &pulls); err != nil {
				return nil, fmt.Errorf("github: list pulls for %s: %w", r, err)
			}
			for _, p := range pulls {
				out = append(out, fmt.Sprintf("%s#%d", r, p.Number))
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

type workflowRun struct {
	ID         int64  `json:"id"`
	Name       string `json:"name"`
	Status     string `json:"status"`
	Conclusion string `json:"conclusion"`
	HeadSHA    string `json:"head_sha"`
	RunAttempt int    `json:"run_attempt"`
	HTMLURL    string `json:"html_url"`
}

type job struct {
	Name       string `json:"name"`
	Conclusion string `json:"conclusion"`
	Steps      []struct {
		Name       string `json:"name"`
		Conclusion string `json:"conclusion"`
	} `json:"steps"`
}

type pullRequest struct {
	Number    int    `json:"number"`
	State     string `json:"state"`
	Merged    bool   `json:"merged"`
	Mergeable *bool  `json:"mergeable"`
	Title     string `json:"title"`
	Head      struct {
		SHA string `json:"sha"`
	} `json:"head"`
	Labels []struct {
		Name string `json:"name"`
	} `json:"labels"`
}

type review struct {
	State string `json:"state"`
	User  struct {
		Login string `json:"login"`
	} `json:"user"`
}

// Observe reports a repository's latest CI run or a pull request.
func (a *Adapter) Observe(ctx context.Context, subj string) (model.Observation, error) {
	s, err := parseSubject(subj)
	if err != nil {
		return model.Observation{}, err
	}
	var payload map[string]any
	kind := model.KindBuild
	if s.pull > 0 {
		kind = model.KindPullRequest
		payload, err = a.observePull(ctx, s)
	} else {
		payload, err = a.observeRepo(ctx, s)
	}
	if err != nil {
		return model.Observation{}, err
	}
	return model.Observation{
		Source:    a.name,
		Subject:   subj,
		Kind:      kind,
		Payload:   payload,
		FetchedAt: a.now(),
	}, nil
}

func (a *Adapter) observeRepo(ctx context.Context, s subject) (map[string]any, error) {
	var runs struct {
		WorkflowRuns []workflowRun `json:"workflow_runs"`
	}
	q := "/actions/runs?per_page=1&branch=" + url.QueryEscape(a.cfg.Branch)
	if err := a.client.Do(ctx, http.MethodGet, s.repoPath()+q, nil, &runs); err != nil {
		return nil, fmt.Errorf("github: list runs for %s/%s: %w", s.owner, s.repo, err)
	}
	payload := map[string]any{model.FieldStatus: "none"}
	if len(runs.WorkflowRuns) > 0 {
		run := runs.WorkflowRuns[0]
		payload = map[string]any{
			model.FieldStatus: runStatus(run),
			ParamRunID:        strconv.FormatInt(run.ID, 10),
			"workflow":        run.Name,
			"head_sha":        run.HeadSHA,
			"run_attempt":     float64(run.RunAttempt),
			"url":             run.HTMLURL,
		}
		if payload[model.FieldStatus] == model.StatusFailure {
			sig, flaky, err := a.failureSignature(ctx, s, run.ID)
			if err != nil {
				return nil, err
			}
			payload[model.FieldSignature] = sig
			payload[model.FieldFlaky] = flaky
		}
	}

	var issues []struct {
		Number int `json:"number"`
	}
	q = "/issues?state=open&per_page=1&labels=" + url.QueryEscape(a.cfg.IssueLabel)
	if err := a.client.Do(ctx, http.MethodGet, s.repoPath()+q, nil, &issues); err != nil {
		return nil, fmt.Errorf("github: list issues for %s/%s: %w", s.owner, s.repo, err)
	}
	payload["issue_open"] = len(issues) > 0
	return payload, nil
}

func runStatus(r workflowRun) string {
	if r.Status != "completed" {
		return "pending"
	}
	switch r.Conclusion {
	case "success", "skipped", "neutral":
		return model.StatusSuccess
	case "cancelled":
		return "cancelled"
	default:
		return model.StatusFailure
	}
}

// failureSignature names the first failed job and step, e.g.
// "test/Run unit tests". A job matching FlakyJobs marks the run flaky.
func (a *Adapter) failureSignature(ctx context.Context, s subject, runID int64) (string, bool, error) {
	var jobs struct {
		Jobs []job `json:"jobs"`
	}
	p := fmt.Sprintf("%s/actions/runs/%d/jobs?filter=latest", s.repoPath(), runID)
	if err := a.client.Do(ctx, http.MethodGet, p, nil, &jobs); err != nil {
		return "", false, fmt.Errorf("github: list jobs for run %d: %w", runID, err)
	}
	for _, j := range jobs.Jobs {
		if j.Conclusion != "failure" && j.Conclusion != "timed_out" {
			continue
		}
		sig := j.Name
		for _, st := range j.Steps {
			if st.Conclusion == "failure" {
				sig = j.Name + "/" + st.Name
				break
			}
		}
		return sig, a.flaky(j.Name), nil
	}
	return "", false, nil
}

func (a *Adapter) flaky(jobName string) bool {
	for _, pattern := range a.cfg.FlakyJobs {
		if ok, _ := path.Match(pattern, jobName); ok {
			return true
		}
	}
	return false
}

func (a *Adapter) observePull(ctx context.Context, s subject) (map[string]any, error) {
	var pr pullRequest
	if err := a.client.Do(ctx, http.MethodGet, fmt.Sprintf("%s/pulls/%d", s.repoPath(), s.pull), nil, &pr); err != nil {
		return nil, fmt.Errorf("github: get pull %s/%s#%d: %w", s.owner, s.repo, s.pull, err)
	}

	var reviews []review
	if err := a.client.Do(ctx, http.MethodGet, fmt.Sprintf("%s/pulls/%d/reviews?per_page=100", s.repoPath(), s.pull), nil, &reviews); err != nil {
		return nil, fmt.Errorf("github: list reviews for %s/%s#%d: %w", s.owner, s.repo, s.pull, err)
	}

	checks := "none"
	if pr.Head.SHA != "" {
		var status struct {
			State string `json:"state"`
		}
		if err := a.client.Do(ctx, http.MethodGet, s.repoPath()+"/commits/"+pr.Head.SHA+"/status", nil, &status); err != nil {
			return nil, fmt.Errorf("github: combined status for %s: %w", pr.Head.SHA, err)
		}
		checks = status.State
	}

	labels := make([]string, 0, len(pr.Labels))
	for _, l := range pr.Labels {
		labels = append(labels, l.Name)
	}
	return map[string]any{
		model.FieldState: pr.State,
		"merged":         pr.Merged,
		"mergeable":      pr.Mergeable != nil && *pr.Mergeable,
		"approved":       approved(reviews),
		"checks":         checks,
		"labels":         strings.Join(labels, ","),
		"title":          pr.Title,
		"head_sha":       pr.Head.SHA,
	}, nil
}

// approved reports whether the latest review of every reviewer leaves at
// least one approval and no outstanding change request.
func approved(reviews []review) bool {
	latest := make(map[string]string)
	for _, r := range reviews {
		switch r.State {
		case "APPROVED", "CHANGES_REQUESTED", "DISMISSED":
			latest[r.User.Login] = r.State
		}
	}
	ok := false
	for _, state := range latest {
		switch state {
		case "CHANGES_REQUESTED":
			return false
		case "APPROVED":
			ok = true
		}
	}
	return ok
}

// Act re-runs failed jobs, opens an issue or merges a pull request.
func (a *Adapter) Act(ctx context.Context, act model.Action) (model.ActionResult, error) {
	s, err := parseSubject(act.Target)
	if err != nil {
		return model.ActionResult{}, err
	}
	switch act.Type {
	case model.TriggerWorkflow:
		return a.rerun(ctx, s, act)
	case model.CreateIssue:
		return a.createIssue(ctx, s, act)
	case model.Merge:
		return a.merge(ctx, s, act)
	default:
		return model.ActionResult{}, fmt.Errorf("github: unsupported action %s", act.Type)
	}
}

func (a *Adapter) rerun(ctx context.Context, s subject, act model.Action) (model.ActionResult, error) {
	runID := act.Params[ParamRunID]
	if _, err := strconv.ParseInt(runID, 10, 64); err != nil {
		return model.ActionResult{}, fmt.Errorf("github: trigger-workflow on %s: invalid %s %q", act.Target, ParamRunID, runID)
	}
	p := s.repoPath() + "/actions/runs/" + runID + "/rerun-failed-jobs"
	if err := a.client.Do(ctx, http.MethodPost, p, nil, nil); err != nil {
		return model.ActionResult{}, fmt.Errorf("github: rerun %s: %w", runID, err)
	}
	a.logger.Info("re-ran failed jobs", "repo", act.Target, "run_id", runID)
	return model.ResultOf(map[string]string{"repo": act.Target, "run_id": runID, "status": "requested"}), nil
}

func (a *Adapter) createIssue(ctx context.Context, s subject, act model.Action) (model.ActionResult, error) {
	title := act.Params[ParamTitle]
	if title == "" {
		title = "Automated report: " + act.Target
	}
	body := act.Rationale
	if sig := act.Params[ParamSignature]; sig != "" {
		body += "\n\nFailure signature: `" + sig + "`"
	}
	if runID := act.Params[ParamRunID]; runID != "" {
		body += "\nRun: " + runID
	}
	in := map[string]any{"title": title, "body": body, "labels": []string{a.cfg.IssueLabel}}
	var out struct {
		Number  int    `json:"number"`
		HTMLURL string `json:"html_url"`
	}
	if err := a.client.Do(ctx, http.MethodPost, s.repoPath()+"/issues", in, &out); err != nil {
		return model.ActionResult{}, fmt.Errorf("github: create issue on %s/%s: %w", s.owner, s.repo, err)
	}
	a.logger.Info("opened issue", "repo", act.Target, "number", out.Number)
	return model.ResultOf(map[string]any{"number": out.Number, "url": out.HTMLURL}), nil
}

func (a *Adapter) merge(ctx context.Context, s subject, act model.Action) (model.ActionResult, error) {
	if s.pull == 0 {
		return model.ActionResult{}, fmt.Errorf("github: merge target %q is not a pull request", act.Target)
	}
	method := act.Params[ParamMergeMethod]
	if method == "" {
		method = "squash"
	}
	var out struct {
		SHA     string `json:"sha"`
		Merged  bool   `json:"merged"`
		Message string `json:"message"`
	}
	p := fmt.Sprintf("%s/pulls/%d/merge", s.repoPath(), s.pull)
	if err := a.client.Do(ctx, http.MethodPut, p, map[string]string{"merge_method": method}, &out); err != nil {
		return model.ActionResult{}, fmt.Errorf("github: merge %s: %w", act.Target, err)
	}
	a.logger.Info("merged pull request", "pull", act.Target, "sha", out.SHA)
	return model.ResultOf(out), nil
}
