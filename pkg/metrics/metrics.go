package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Fleet metrics
	TargetsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "drover_targets_total",
			Help: "Total number of targets by update status",
		},
		[]string{"status"},
	)

	RolloutsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "drover_rollouts_total",
			Help: "Total number of rollouts by status",
		},
		[]string{"status"},
	)

	// Action state machine metrics
	ActionsCreated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "drover_actions_created_total",
			Help: "Total number of update actions created",
		},
	)

	ActionsTerminated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drover_actions_terminated_total",
			Help: "Total number of actions reaching a terminal state",
		},
		[]string{"state"},
	)

	// Rollout evaluation metrics
	EvaluationCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "drover_evaluation_cycles_total",
			Help: "Total number of rollout evaluation cycles",
		},
	)

	EvaluationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "drover_evaluation_duration_seconds",
			Help:    "Rollout evaluation cycle duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	EvaluationConflicts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "drover_evaluation_conflicts_total",
			Help: "Total number of evaluation cycles losing the per-rollout version race",
		},
	)

	GroupsStarted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "drover_rollout_groups_started_total",
			Help: "Total number of rollout groups started",
		},
	)

	// Auto-assignment metrics
	SweepCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "drover_sweep_cycles_total",
			Help: "Total number of auto-assignment sweep cycles",
		},
	)

	SweepAssignments = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "drover_sweep_assignments_total",
			Help: "Total number of actions created by the auto-assignment sweeper",
		},
	)

	SweepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "drover_sweep_duration_seconds",
			Help:    "Auto-assignment sweep duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drover_api_requests_total",
			Help: "Total number of API requests by route and status",
		},
		[]string{"route", "status"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(TargetsTotal)
	prometheus.MustRegister(RolloutsTotal)
	prometheus.MustRegister(ActionsCreated)
	prometheus.MustRegister(ActionsTerminated)
	prometheus.MustRegister(EvaluationCyclesTotal)
	prometheus.MustRegister(EvaluationDuration)
	prometheus.MustRegister(EvaluationConflicts)
	prometheus.MustRegister(GroupsStarted)
	prometheus.MustRegister(SweepCyclesTotal)
	prometheus.MustRegister(SweepAssignments)
	prometheus.MustRegister(SweepDuration)
	prometheus.MustRegister(APIRequestsTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
