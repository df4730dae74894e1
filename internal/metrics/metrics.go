package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Run metrics
	RunsSubmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatcher_runs_submitted_total",
			Help: "Total number of task runs submitted",
		},
		[]string{"task_slug", "queue"},
	)

	RunsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatcher_runs_completed_total",
			Help: "Total number of task runs reaching a terminal status",
		},
		[]string{"task_slug", "status"},
	)

	RunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dispatcher_run_duration_seconds",
			Help:    "Run duration from dequeue to terminal status, in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 15),
		},
		[]string{"task_slug"},
	)

	RetriesScheduled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatcher_retries_scheduled_total",
			Help: "Total number of attempts that ended with a scheduled retry",
		},
		[]string{"task_slug"},
	)

	// Dispatch loop metrics
	DispatchLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dispatcher_dispatch_latency_seconds",
			Help:    "Time from dequeue to the execution descriptor being sent to a worker",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		},
		[]string{"queue"},
	)

	LockConflicts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatcher_lock_conflicts_total",
			Help: "Total number of times a run's execution lock was already held",
		},
		[]string{"queue"},
	)

	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dispatcher_queue_depth",
			Help: "Current number of pending messages per environment queue",
		},
		[]string{"environment_id", "queue"},
	)

	// Connection metrics
	ActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dispatcher_active_connections",
			Help: "Current number of connected worker websockets",
		},
	)

	ConnectionDuration = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatcher_connection_seconds_total",
			Help: "Total time worker connections have been open",
		},
		[]string{"environment_id"},
	)

	// HTTP metrics
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dispatcher_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatcher_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// Store metrics
	StoreOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dispatcher_store_operation_duration_seconds",
			Help:    "Store operation duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 12),
		},
		[]string{"operation"},
	)

	StoreErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatcher_store_errors_total",
			Help: "Total number of store operation errors",
		},
		[]string{"operation"},
	)

	// Transport metrics
	TransportMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatcher_transport_messages_total",
			Help: "Total number of websocket messages exchanged with workers",
		},
		[]string{"direction", "type"},
	)
)

func RecordRunSubmission(taskSlug, queue string) {
	RunsSubmitted.WithLabelValues(taskSlug, queue).Inc()
}

func RecordRunCompletion(taskSlug, status string, duration float64) {
	RunsCompleted.WithLabelValues(taskSlug, status).Inc()
	RunDuration.WithLabelValues(taskSlug).Observe(duration)
}

func RecordRetryScheduled(taskSlug string) {
	RetriesScheduled.WithLabelValues(taskSlug).Inc()
}

func RecordDispatchLatency(queue string, duration float64) {
	DispatchLatency.WithLabelValues(queue).Observe(duration)
}

func RecordLockConflict(queue string) {
	LockConflicts.WithLabelValues(queue).Inc()
}

func UpdateQueueDepth(environmentID, queue string, depth float64) {
	QueueDepth.WithLabelValues(environmentID, queue).Set(depth)
}

func SetActiveConnections(count float64) {
	ActiveConnections.Set(count)
}

func RecordConnectionDuration(environmentID string, seconds float64) {
	ConnectionDuration.WithLabelValues(environmentID).Add(seconds)
}

func RecordHTTPRequest(method, path, status string, duration float64) {
	HTTPRequestDuration.WithLabelValues(method, path, status).Observe(duration)
	HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
}

func RecordStoreOperation(operation string, duration float64) {
	StoreOperationDuration.WithLabelValues(operation).Observe(duration)
}

func RecordStoreError(operation string) {
	StoreErrors.WithLabelValues(operation).Inc()
}

func RecordTransportMessage(direction, msgType string) {
	TransportMessages.WithLabelValues(direction, msgType).Inc()
}
