package verify

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ppiankov/fleetwatch/internal/adapter"
	"github.com/ppiankov/fleetwatch/internal/adapter/adaptertest"
	"github.com/ppiankov/fleetwatch/internal/audit"
	"github.com/ppiankov/fleetwatch/internal/model"
	"github.com/ppiankov/fleetwatch/internal/world"
)

type memTrail struct {
	mu   sync.Mutex
	recs map[string][]audit.Verification
}

func (m *memTrail) Verification(entryID, _ string, v audit.Verification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.recs == nil {
		m.recs = make(map[string][]audit.Verification)
	}
	m.recs[entryID] = append(m.recs[entryID], v)
	return nil
}

func (m *memTrail) get(id string) []audit.Verification {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]audit.Verification(nil), m.recs[id]...)
}

func setup(t *testing.T, delay time.Duration, adapters ...*adaptertest.Fake) (*Verifier, *memTrail, *world.Feedback) {
	t.Helper()
	reg := adapter.NewRegistry()
	for _, a := range adapters {
		require.NoError(t, reg.Register(a))
	}
	for _, at := range model.ActionTypes {
		reg.Route(at, adapters[0].Name())
	}
	trail := &memTrail{}
	fb := world.NewFeedback()
	return New(reg, trail, fb, delay, 500*time.Millisecond, nil), trail, fb
}

var rollback = model.Action{Type: model.Rollback, Target: "svc-42", Confidence: 0.9}

func TestClassify(t *testing.T) {
	cs := DefaultCriteria(model.Rollback)
	obs := func(p map[string]any) model.Observation { return model.Observation{Payload: p} }

	out, met, unmet := Classify(obs(map[string]any{"state": "ROLLED_BACK", "health": "healthy"}), cs)
	assert.Equal(t, model.Fixed, out)
	assert.Len(t, met, 2)
	assert.Empty(t, unmet)

	out, met, unmet = Classify(obs(map[string]any{"state": "ROLLED_BACK", "health": "unhealthy"}), cs)
	assert.Equal(t, model.Partial, out)
	assert.Len(t, met, 1)
	assert.Equal(t, []model.Criterion{{Key: "health", Value: "healthy"}}, unmet)

	out, _, _ = Classify(obs(map[string]any{"state": "CRASHED"}), cs)
	assert.Equal(t, model.Failed, out)

	out, _, _ = Classify(obs(nil), nil)
	assert.Equal(t, model.Unverified, out)

	out, _, _ = Classify(obs(map[string]any{"delivered": true}), DefaultCriteria(model.Alert))
	assert.Equal(t, model.Fixed, out)
}

func TestDefaultCriteriaCoverEveryType(t *testing.T) {
	for _, at := range model.ActionTypes {
		assert.NotEmpty(t, DefaultCriteria(at), at)
	}
}

func TestScheduleFixed(t *testing.T) {
	kube := adaptertest.New("kube").Set("svc-42", model.KindHealth, map[string]any{"state": "ROLLED_BACK", "health": "healthy"})
	v, trail, fb := setup(t, 20*time.Millisecond, kube)

	var got []Result
	var mu sync.Mutex
	v.OnResult(func(r Result) { mu.Lock(); got = append(got, r); mu.Unlock() })

	v.Schedule("c-1", "aud-1", rollback, true)
	assert.Equal(t, 1, v.Pending())
	v.Wait()

	recs := trail.get("aud-1")
	require.Len(t, recs, 1)
	assert.Equal(t, model.Fixed, recs[0].Outcome)
	assert.Zero(t, v.Pending())
	require.Len(t, got, 1)
	assert.Equal(t, "aud-1", got[0].EntryID)

	items := fb.Drain()
	require.Len(t, items, 1)
	assert.Equal(t, model.KindVerification, items[0].Kind)
	assert.Equal(t, "fixed", items[0].String(model.FieldOutcome))
	assert.Equal(t, "rollback", items[0].String(world.FieldActionType))
}

func TestScheduleUsesActionExpectations(t *testing.T) {
	kube := adaptertest.New("kube").Set("svc-42", model.KindHealth, map[string]any{"state": "ROLLED_BACK", "replicas": 3.0})
	v, trail, _ := setup(t, 10*time.Millisecond, kube)

	a := rollback
	a.Expect = []model.Criterion{{Key: "replicas", Value: "3"}}
	v.Schedule("c-1", "aud-2", a, true)
	v.Wait()
	assert.Equal(t, model.Fixed, trail.get("aud-2")[0].Outcome)
}

func TestScheduleObserveErrorIsUnverified(t *testing.T) {
	kube := adaptertest.New("kube").FailObserve("svc-42", errors.New("apiserver down"))
	v, trail, fb := setup(t, 10*time.Millisecond, kube)

	v.Schedule("c-1", "aud-3", rollback, true)
	v.Wait()
	recs := trail.get("aud-3")
	require.Len(t, recs, 1)
	assert.Equal(t, model.Unverified, recs[0].Outcome)
	assert.Contains(t, recs[0].Reason, "apiserver down")
	obs := fb.Drain()
	require.Len(t, obs, 1, "unverified outcomes feed the next cycle")
	assert.Equal(t, model.KindVerification, obs[0].Kind)
	assert.Equal(t, "svc-42", obs[0].Subject)
	assert.Equal(t, string(model.Unverified), obs[0].String(model.FieldOutcome))
}

func TestScheduleObserveTimeoutIsUnverified(t *testing.T) {
	kube := adaptertest.New("kube").
		Set("svc-42", model.KindHealth, map[string]any{"state": "ROLLED_BACK"}).
		SetDelay(5 * time.Second)
	v, trail, _ := setup(t, 10*time.Millisecond, kube)

	v.Schedule("c-1", "aud-4", rollback, true)
	v.Wait()
	assert.Equal(t, model.Unverified, trail.get("aud-4")[0].Outcome)
}

func TestScheduleFailedExecution(t *testing.T) {
	kube := adaptertest.New("kube")
	v, trail, fb := setup(t, time.Hour, kube)

	v.Schedule("c-1", "aud-5", rollback, false)
	recs := trail.get("aud-5")
	require.Len(t, recs, 1)
	assert.Equal(t, model.Failed, recs[0].Outcome)
	assert.Zero(t, v.Pending())
	assert.Zero(t, fb.Len(), "execution failures are fed back by the executor")
	assert.Zero(t, kube.ObserveCalls())
}

func TestStopRecordsUnverified(t *testing.T) {
	kube := adaptertest.New("kube").Set("svc-42", model.KindHealth, map[string]any{"state": "ROLLED_BACK"})
	v, trail, _ := setup(t, time.Hour, kube)

	v.Schedule("c-1", "aud-6", rollback, true)
	v.Schedule("c-1", "aud-7", model.Action{Type: model.Restart, Target: "svc-42"}, true)
	v.Stop()
	v.Wait()

	for _, id := range []string{"aud-6", "aud-7"} {
		recs := trail.get(id)
		require.Len(t, recs, 1, id)
		assert.Equal(t, model.Unverified, recs[0].Outcome)
		assert.Contains(t, recs[0].Reason, "shutdown")
	}
	assert.Zero(t, kube.ObserveCalls())

	// Scheduling after Stop still yields a classification.
	v.Schedule("c-2", "aud-8", rollback, true)
	v.Wait()
	assert.Equal(t, model.Unverified, trail.get("aud-8")[0].Outcome)
}

func TestLocatorRoutesHealthChecks(t *testing.T) {
	wf := adaptertest.New("workflow")
	kube := adaptertest.New("kube").Set("prod/api", model.KindHealth, map[string]any{"health": "healthy"})
	v, trail, _ := setup(t, 10*time.Millisecond, wf, kube)
	v.WithLocator(func(subject string) (string, bool) { return "kube", subject == "prod/api" })

	v.Schedule("c-1", "aud-9", model.Action{Type: model.ClearCache, Target: "prod/api"}, true)
	v.Wait()
	assert.Equal(t, model.Fixed, trail.get("aud-9")[0].Outcome)
	assert.Zero(t, wf.ObserveCalls())
}

func TestAlertVerifiedOnRoutedAdapter(t *testing.T) {
	notify := adaptertest.New("notify").Set("prod/api", model.KindDelivery, map[string]any{"delivered": true})
	kube := adaptertest.New("kube")
	v, trail, _ := setup(t, 10*time.Millisecond, notify, kube)
	v.WithLocator(func(string) (string, bool) { return "kube", true })

	v.Schedule("c-1", "aud-10", model.Action{Type: model.Alert, Target: "prod/api"}, true)
	v.Wait()
	assert.Equal(t, model.Fixed, trail.get("aud-10")[0].Outcome)
	assert.Zero(t, kube.ObserveCalls())
}
