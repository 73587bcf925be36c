package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Task metrics
	TasksExecuted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowd_tasks_executed_total",
			Help: "Total number of task executions by outcome",
		},
		[]string{"outcome"},
	)

	ExecutorDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "flowd_executor_duration_seconds",
			Help:    "Executor run duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"executor"},
	)

	// Scheduler metrics
	RunsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "flowd_runs_active",
			Help: "Number of task-tree runs currently in flight",
		},
	)

	RunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowd_runs_total",
			Help: "Total number of finished runs by aggregate status",
		},
		[]string{"status"},
	)

	WorkersBusy = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "flowd_workers_busy",
			Help: "Worker pool slots currently executing a task",
		},
	)

	// Event bus metrics
	EventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowd_events_published_total",
			Help: "Total number of events published by type",
		},
		[]string{"type"},
	)

	SubscribersActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "flowd_subscribers_active",
			Help: "Number of active event subscribers across all topics",
		},
	)

	SubscribersDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "flowd_subscribers_dropped_total",
			Help: "Subscribers disconnected because their buffer overflowed",
		},
	)

	// RPC metrics
	RPCRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowd_rpc_requests_total",
			Help: "Total number of RPC requests by method and status",
		},
		[]string{"method", "status"},
	)

	RPCRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "flowd_rpc_request_duration_seconds",
			Help:    "RPC request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// Callback metrics
	CallbackAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowd_callback_attempts_total",
			Help: "Push callback HTTP attempts by outcome",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(TasksExecuted)
	prometheus.MustRegister(ExecutorDuration)
	prometheus.MustRegister(RunsActive)
	prometheus.MustRegister(RunsTotal)
	prometheus.MustRegister(WorkersBusy)
	prometheus.MustRegister(EventsPublished)
	prometheus.MustRegister(SubscribersActive)
	prometheus.MustRegister(SubscribersDropped)
	prometheus.MustRegister(RPCRequestsTotal)
	prometheus.MustRegister(RPCRequestDuration)
	prometheus.MustRegister(CallbackAttempts)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
