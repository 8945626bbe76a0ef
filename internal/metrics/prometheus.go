package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Session metrics
	SessionsStarted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "noesis_sessions_started_total",
			Help: "Total number of reasoning sessions started",
		},
	)

	SessionsFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "noesis_sessions_finished_total",
			Help: "Total number of reasoning sessions finished",
		},
		[]string{"state"}, // COMPLETED|FAILED
	)

	SessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "noesis_sessions_active",
			Help: "Number of currently executing reasoning sessions",
		},
	)

	SessionsRejected = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "noesis_sessions_rejected_total",
			Help: "Sessions rejected because the concurrency bound was reached",
		},
	)

	SessionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "noesis_session_duration_seconds",
			Help:    "End-to-end reasoning session duration in seconds",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
	)

	// State machine metrics
	NodeTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "noesis_node_transitions_total",
			Help: "Total node executions by node kind and outcome",
		},
		[]string{"node", "status"}, // status: success|error
	)

	Recoveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "noesis_recoveries_total",
			Help: "Recovery-planner outcomes",
		},
		[]string{"action"}, // rollback|context|give_up
	)

	// Completion client metrics
	CompletionCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "noesis_completion_calls_total",
			Help: "Total completion calls by model and status",
		},
		[]string{"model", "status"}, // status: success|error
	)

	CompletionLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "noesis_completion_latency_seconds",
			Help:    "Completion call latency in seconds",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
		},
		[]string{"model"},
	)

	CompletionTokens = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "noesis_completion_tokens_total",
			Help: "Total tokens consumed by completion calls",
		},
		[]string{"model"},
	)

	// Checkpoint store metrics
	CheckpointWrites = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "noesis_checkpoint_writes_total",
			Help: "Checkpoint write attempts by status",
		},
		[]string{"status"}, // success|error
	)

	CheckpointCount = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "noesis_checkpoints_stored",
			Help: "Number of checkpoints currently stored (updated by the cleanup sweep)",
		},
	)

	CheckpointBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "noesis_checkpoints_bytes",
			Help: "Total serialized size of stored checkpoints in bytes",
		},
	)

	CheckpointsSwept = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "noesis_checkpoints_swept_total",
			Help: "Expired checkpoints removed by cleanup sweeps",
		},
	)

	// Worker metrics
	WorkerExecutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "noesis_worker_executions_total",
			Help: "Total number of worker executions",
		},
		[]string{"worker", "status"}, // status: success|error
	)
)

func init() {
	prometheus.MustRegister(
		SessionsStarted,
		SessionsFinished,
		SessionsActive,
		SessionsRejected,
		SessionDuration,
		NodeTransitions,
		Recoveries,
		CompletionCalls,
		CompletionLatency,
		CompletionTokens,
		CheckpointWrites,
		CheckpointCount,
		CheckpointBytes,
		CheckpointsSwept,
		WorkerExecutions,
	)
}

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
