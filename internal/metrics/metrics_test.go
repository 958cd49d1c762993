package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserveCycle(t *testing.T) {
	before := testutil.ToFloat64(Cycles.WithLabelValues("ok"))
	ObserveCycle("ok", 250*time.Millisecond)
	if got := testutil.ToFloat64(Cycles.WithLabelValues("ok")); got != before+1 {
		t.Errorf("cycles_total{ok} = %v, want %v", got, before+1)
	}
}

func TestSetKillSwitch(t *testing.T) {
	SetKillSwitch(true)
	if testutil.ToFloat64(KillSwitch) != 1 {
		t.Error("expected gauge 1")
	}
	SetKillSwitch(false)
	if testutil.ToFloat64(KillSwitch) != 0 {
		t.Error("expected gauge 0")
	}
}

func TestSetDeploymentsReplaces(t *testing.T) {
	SetDeployments(map[string]int{"ACTIVE": 3, "CRASHED": 1})
	SetDeployments(map[string]int{"ACTIVE": 4})
	if got := testutil.ToFloat64(Deployments.WithLabelValues("ACTIVE")); got != 4 {
		t.Errorf("ACTIVE = %v, want 4", got)
	}
	if n := testutil.CollectAndCount(Deployments); n != 1 {
		t.Errorf("expected 1 series after reset, got %d", n)
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	ObserveCycle("ok", time.Second)
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "fleetwatch_cycles_total") {
		t.Error("metrics output missing fleetwatch_cycles_total")
	}
}
