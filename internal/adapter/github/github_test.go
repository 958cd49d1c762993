package github

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/cenkalti/backoff/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ppiankov/fleetwatch/internal/model"
)

func newTestAdapter(t *testing.T, mux *http.ServeMux) *Adapter {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	a := New(Config{BaseURL: srv.URL, Token: "tok", Repos: []string{"acme/api"}, FlakyJobs: []string{"e2e*"}}, nil)
	a.Client().BackOff = func() backoff.BackOff { return &backoff.ZeroBackOff{} }
	return a
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func TestObserveFailedRun(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /repos/acme/api/actions/runs", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Equal(t, "main", r.URL.Query().Get("branch"))
		writeJSON(w, map[string]any{"workflow_runs": []map[string]any{{
			"id": 991, "name": "ci", "status": "completed", "conclusion": "failure", "head_sha": "abc", "run_attempt": 1,
		}}})
	})
	mux.HandleFunc("GET /repos/acme/api/actions/runs/991/jobs", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"jobs": []map[string]any{
			{"name": "lint", "conclusion": "success"},
			{"name": "e2e-chrome", "conclusion": "failure", "steps": []map[string]any{
				{"name": "checkout", "conclusion": "success"},
				{"name": "run suite", "conclusion": "failure"},
			}},
		}})
	})
	mux.HandleFunc("GET /repos/acme/api/issues", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "fleetwatch", r.URL.Query().Get("labels"))
		writeJSON(w, []map[string]any{})
	})
	a := newTestAdapter(t, mux)

	obs, err := a.Observe(context.Background(), "acme/api")
	require.NoError(t, err)
	assert.Equal(t, model.KindBuild, obs.Kind)
	assert.Equal(t, model.StatusFailure, obs.String(model.FieldStatus))
	assert.Equal(t, "991", obs.String(ParamRunID))
	assert.Equal(t, "e2e-chrome/run suite", obs.String(model.FieldSignature))
	assert.True(t, obs.Bool(model.FieldFlaky))
	assert.False(t, obs.Bool("issue_open"))
}

func TestObserveGreenRunWithOpenIssue(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /repos/acme/api/actions/runs", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"workflow_runs": []map[string]any{{
			"id": 5, "status": "completed", "conclusion": "success",
		}}})
	})
	mux.HandleFunc("GET /repos/acme/api/issues", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, []map[string]any{{"number": 12}})
	})
	a := newTestAdapter(t, mux)

	obs, err := a.Observe(context.Background(), "acme/api")
	require.NoError(t, err)
	assert.Equal(t, model.StatusSuccess, obs.String(model.FieldStatus))
	assert.Empty(t, obs.String(model.FieldSignature))
	assert.True(t, obs.Bool("issue_open"))
}

func TestObservePullRequest(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /repos/acme/api/pulls/7", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"number": 7, "state": "open", "merged": false, "mergeable": true,
			"head":   map[string]any{"sha": "def"},
			"labels": []map[string]any{{"name": "automerge"}, {"name": "deps"}},
		})
	})
	mux.HandleFunc("GET /repos/acme/api/pulls/7/reviews", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, []map[string]any{
			{"state": "CHANGES_REQUESTED", "user": map[string]any{"login": "ana"}},
			{"state": "APPROVED", "user": map[string]any{"login": "ana"}},
			{"state": "COMMENTED", "user": map[string]any{"login": "bo"}},
		})
	})
	mux.HandleFunc("GET /repos/acme/api/commits/def/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"state": "success"})
	})
	a := newTestAdapter(t, mux)

	obs, err := a.Observe(context.Background(), "acme/api#7")
	require.NoError(t, err)
	assert.Equal(t, model.KindPullRequest, obs.Kind)
	assert.Equal(t, "open", obs.String(model.FieldState))
	assert.True(t, obs.Bool("approved"))
	assert.True(t, obs.Bool("mergeable"))
	assert.Equal(t, "success", obs.String("checks"))
	assert.Equal(t, "automerge,deps", obs.String("labels"))
}

func TestApproved(t *testing.T) {
	r := func(login, state string) review {
		var rv review
		rv.User.Login, rv.State = login, state
		return rv
	}
	assert.False(t, approved(nil))
	assert.True(t, approved([]review{r("a", "APPROVED")}))
	assert.False(t, approved([]review{r("a", "APPROVED"), r("b", "CHANGES_REQUESTED")}))
	assert.False(t, approved([]review{r("a", "APPROVED"), r("a", "DISMISSED")}))
}

func TestDiscoverWithPulls(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /repos/acme/api/pulls", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, []map[string]any{{"number": 3}, {"number": 11}})
	})
	a := newTestAdapter(t, mux)
	a.cfg.WatchPulls = true

	subjects, err := a.Discover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"acme/api", "acme/api#11", "acme/api#3"}, subjects)
}

func TestActRerun(t *testing.T) {
	var hit bool
	mux := http.NewServeMux()
	mux.HandleFunc("POST /repos/acme/api/actions/runs/991/rerun-failed-jobs", func(w http.ResponseWriter, r *http.Request) {
		hit = true
		w.WriteHeader(http.StatusCreated)
	})
	a := newTestAdapter(t, mux)

	_, err := a.Act(context.Background(), model.Action{
		Type: model.TriggerWorkflow, Target: "acme/api", Params: map[string]string{ParamRunID: "991"},
	})
	require.NoError(t, err)
	assert.True(t, hit)

	_, err = a.Act(context.Background(), model.Action{Type: model.TriggerWorkflow, Target: "acme/api"})
	assert.ErrorContains(t, err, "invalid run_id")
}

func TestActCreateIssue(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /repos/acme/api/issues", func(w http.ResponseWriter, r *http.Request) {
		var in struct {
			Title  string   `json:"title"`
			Body   string   `json:"body"`
			Labels []string `json:"labels"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		assert.Equal(t, "CI failure: test/unit", in.Title)
		assert.Contains(t, in.Body, "`test/unit`")
		assert.Equal(t, []string{"fleetwatch"}, in.Labels)
		w.WriteHeader(http.StatusCreated)
		writeJSON(w, map[string]any{"number": 42, "html_url": "https://github.com/acme/api/issues/42"})
	})
	a := newTestAdapter(t, mux)

	res, err := a.Act(context.Background(), model.Action{
		Type:      model.CreateIssue,
		Target:    "acme/api",
		Rationale: "CI for acme/api is failing",
		Params:    map[string]string{ParamTitle: "CI failure: test/unit", ParamSignature: "test/unit"},
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"number":42,"url":"https://github.com/acme/api/issues/42"}`, string(res.Payload))
}

func TestActMerge(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("PUT /repos/acme/api/pulls/7/merge", func(w http.ResponseWriter, r *http.Request) {
		var in map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		assert.Equal(t, "squash", in["merge_method"])
		writeJSON(w, map[string]any{"sha": "f00", "merged": true, "message": "Pull Request successfully merged"})
	})
	mux.HandleFunc("PUT /repos/acme/api/pulls/8/merge", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"Pull Request is not mergeable"}`, http.StatusMethodNotAllowed)
	})
	a := newTestAdapter(t, mux)

	_, err := a.Act(context.Background(), model.Action{Type: model.Merge, Target: "acme/api#7"})
	require.NoError(t, err)

	_, err = a.Act(context.Background(), model.Action{Type: model.Merge, Target: "acme/api#8"})
	assert.ErrorContains(t, err, "HTTP 405")

	_, err = a.Act(context.Background(), model.Action{Type: model.Merge, Target: "acme/api"})
	assert.ErrorContains(t, err, "not a pull request")
}

func TestParseSubject(t *testing.T) {
	s, err := parseSubject("acme/api#12")
	require.NoError(t, err)
	assert.Equal(t, subject{owner: "acme", repo: "api", pull: 12}, s)

	for _, bad := range []string{"acme", "acme/", "/api", "acme/api/x", "acme/api#", "acme/api#-1"} {
		_, err := parseSubject(bad)
		assert.Error(t, err, bad)
	}
}
