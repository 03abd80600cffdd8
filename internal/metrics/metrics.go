package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Engine
	ValidationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shareguard_validations_total",
			Help: "Session validations by resulting action",
		},
		[]string{"action"},
	)

	ValidationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "shareguard_validation_duration_seconds",
			Help:    "End-to-end latency of session validation",
			Buckets: prometheus.DefBuckets,
		},
	)

	SharingScore = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "shareguard_sharing_score",
			Help:    "Distribution of composite sharing scores",
			Buckets: prometheus.LinearBuckets(0, 10, 11),
		},
	)

	FailOpenTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shareguard_fail_open_total",
			Help: "Validations allowed because the engine itself failed",
		},
		[]string{"cause"}, // "error", "timeout", "circuit_open"
	)

	// Enforcement side effects
	BlocksCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shareguard_blocks_created_total",
			Help: "Account blocks created",
		},
		[]string{"reason"},
	)

	DevicesDeactivated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "shareguard_devices_deactivated_total",
			Help: "Devices deactivated by tier limit or block",
		},
	)

	SessionsEvicted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shareguard_sessions_evicted_total",
			Help: "Sessions forced out",
		},
		[]string{"reason"},
	)

	// Reconciler
	ReconcilerRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shareguard_reconciler_runs_total",
			Help: "Reconciler job runs",
		},
		[]string{"job", "status"},
	)

	ReconcilerRecordFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shareguard_reconciler_record_failures_total",
			Help: "Records a reconciler job failed to process",
		},
		[]string{"job"},
	)

	ReconcilerDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "shareguard_reconciler_duration_seconds",
			Help:    "Reconciler job run duration",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"job"},
	)

	// Outbox relay
	OutboxPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shareguard_outbox_published_total",
			Help: "Outbox events relayed to Kafka",
		},
		[]string{"topic"},
	)

	OutboxPublishErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "shareguard_outbox_publish_errors_total",
			Help: "Outbox events that failed to publish",
		},
	)

	CircuitState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "shareguard_circuit_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	// HTTP
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "shareguard_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)

	RateLimited = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shareguard_rate_limited_total",
			Help: "Requests rejected by a rate limiter",
		},
		[]string{"limiter"}, // "ip", "user"
	)
)

// ObserveValidation records one completed validation.
func ObserveValidation(action string, score int, started time.Time) {
	ValidationsTotal.WithLabelValues(action).Inc()
	SharingScore.Observe(float64(score))
	ValidationDuration.Observe(time.Since(started).Seconds())
}

// ObserveJob records one reconciler run.
func ObserveJob(job string, err error, started time.Time) {
	status := "success"
	if err != nil {
		status = "error"
	}
	ReconcilerRuns.WithLabelValues(job, status).Inc()
	ReconcilerDuration.WithLabelValues(job).Observe(time.Since(started).Seconds())
}

// ObserveHTTP records one served request.
func ObserveHTTP(method, route string, status int, elapsed time.Duration) {
	HTTPRequestDuration.WithLabelValues(method, route, strconv.Itoa(status)).Observe(elapsed.Seconds())
}
