package adapter_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ppiankov/fleetwatch/internal/adapter"
	"github.com/ppiankov/fleetwatch/internal/adapter/adaptertest"
	"github.com/ppiankov/fleetwatch/internal/model"
)

func TestRegistryResolve(t *testing.T) {
	r := adapter.NewRegistry()
	require.NoError(t, r.Register(adaptertest.New("kube"), "svc-1"))
	require.NoError(t, r.Register(adaptertest.New("workflow")))
	r.Route(model.Rollback, "kube")
	r.Route(model.TriggerWorkflow, "kube")

	a, err := r.Resolve(model.Action{Type: model.Rollback, Target: "svc-1"})
	require.NoError(t, err)
	assert.Equal(t, "kube", a.Name())

	pinned := model.Action{Type: model.TriggerWorkflow, Params: map[string]string{adapter.ParamAdapter: "workflow"}}
	a, err = r.Resolve(pinned)
	require.NoError(t, err)
	assert.Equal(t, "workflow", a.Name())

	_, err = r.Resolve(model.Action{Type: model.Merge})
	assert.True(t, errors.Is(err, adapter.ErrNoRoute))

	assert.Equal(t, []string{"svc-1"}, r.Subjects("kube"))
	assert.Len(t, r.Adapters(), 2)
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	r := adapter.NewRegistry()
	require.NoError(t, r.Register(adaptertest.New("kube")))
	assert.Error(t, r.Register(adaptertest.New("kube")))
}

func TestRegistryValidate(t *testing.T) {
	r := adapter.NewRegistry()
	require.NoError(t, r.Register(adaptertest.New("kube")))
	r.Route(model.Rollback, "kube")
	require.NoError(t, r.Validate(model.Rollback))

	err := r.Validate(model.Rollback, model.Alert)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "alert has no route")

	r.Route(model.Merge, "github")
	err = r.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown adapter "github"`)

	r.Route(model.ActionType("reboot-datacenter"), "kube")
	err = r.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown action type")
}
