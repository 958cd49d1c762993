// Package metrics holds the Prometheus instruments of the control loop.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Cycles = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetwatch_cycles_total",
		Help: "Control loop cycles by result",
	}, []string{"result"})

	CycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fleetwatch_cycle_duration_seconds",
		Help:    "Duration of a full observe-to-act cycle",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
	})

	MissingObservations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetwatch_missing_observations_total",
		Help: "Adapters that produced no observations in a cycle",
	}, []string{"adapter"})

	Proposed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetwatch_actions_proposed_total",
		Help: "Actions proposed by the policy engine",
	}, []string{"action_type", "rule"})

	Decisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetwatch_guard_decisions_total",
		Help: "Guardrail decisions by outcome and check",
	}, []string{"decision", "check"})

	Executions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetwatch_executions_total",
		Help: "Action executions by type and status",
	}, []string{"action_type", "status"})

	ExecutionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fleetwatch_execution_duration_seconds",
		Help:    "Duration of adapter Act calls",
		Buckets: []float64{0.05, 0.1, 0.5, 1, 5, 10, 30},
	}, []string{"adapter"})

	Verifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetwatch_verifications_total",
		Help: "Verification outcomes by action type",
	}, []string{"action_type", "outcome"})

	KillSwitch = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fleetwatch_kill_switch_engaged",
		Help: "1 while the kill switch is engaged",
	})

	Deployments = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fleetwatch_deployments",
		Help: "Tracked deployments by lifecycle state",
	}, []string{"state"})
)

// ObserveCycle records one finished cycle.
func ObserveCycle(result string, d time.Duration) {
	Cycles.WithLabelValues(result).Inc()
	CycleDuration.Observe(d.Seconds())
}

// SetKillSwitch mirrors the switch state.
func SetKillSwitch(engaged bool) {
	if engaged {
		KillSwitch.Set(1)
		return
	}
	KillSwitch.Set(0)
}

// SetDeployments replaces the per-state deployment counts.
func SetDeployments(counts map[string]int) {
	Deployments.Reset()
	for state, n := range counts {
		Deployments.WithLabelValues(state).Set(float64(n))
	}
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
