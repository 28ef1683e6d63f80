// Package metrics provides Prometheus metrics definitions.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace prefixes every collector exported by the service.
const Namespace = "digestgarden"

var (
	// HTTPRequestDuration tracks HTTP request latency.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method", "route", "status_code"},
	)

	// HTTPRequestsInFlight is the number of requests currently being served.
	HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "http",
			Name:      "requests_in_flight",
			Help:      "HTTP requests currently being served",
		},
	)

	// DBPoolConnections tracks database connection pool state.
	DBPoolConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "db",
			Name:      "pool_connections",
			Help:      "Number of database connections by state",
		},
		[]string{"state"},
	)

	// SchedulingFailures counts arm/disarm/rearm calls that failed after a
	// preference write succeeded.
	SchedulingFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "scheduling",
			Name:      "failures_total",
			Help:      "Scheduling side-channel failures by operation",
		},
		[]string{"operation"},
	)

	// ExternalCalls counts calls to upstream services (feeds, inference, SMTP).
	ExternalCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "external",
			Name:      "calls_total",
			Help:      "Upstream calls by service and outcome",
		},
		[]string{"service", "outcome"},
	)

	// ExternalCallDuration tracks upstream call latency.
	ExternalCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "external",
			Name:      "call_duration_seconds",
			Help:      "Time spent in upstream calls",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"service"},
	)
)

// RecordSchedulingFailure increments the scheduling failure counter.
func RecordSchedulingFailure(op string) {
	SchedulingFailures.WithLabelValues(op).Inc()
}

// RecordExternalCall records the outcome and latency of an upstream call.
func RecordExternalCall(service string, err error, duration time.Duration) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	ExternalCalls.WithLabelValues(service, outcome).Inc()
	ExternalCallDuration.WithLabelValues(service).Observe(duration.Seconds())
}
