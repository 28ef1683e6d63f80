package workflow

import (
	"time"

	"github.com/bissquit/digest-garden/internal/domain"
	"github.com/bissquit/digest-garden/internal/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	runsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "workflow",
			Name:      "runs_finished_total",
			Help:      "Workflow runs that reached a terminal status",
		},
		[]string{"status"},
	)

	runsArmed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "workflow",
			Name:      "runs_armed_total",
			Help:      "Runs armed, by origin (gateway or successor)",
		},
		[]string{"origin"},
	)

	deactivations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "workflow",
			Name:      "deactivations_total",
			Help:      "Deactivate signals by the state of the run they hit",
		},
		[]string{"target"},
	)

	stepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: metrics.Namespace,
			Subsystem: "workflow",
			Name:      "step_duration_seconds",
			Help:      "Duration of a single step attempt",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"step", "outcome"},
	)

	sweptRuns = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "workflow",
			Name:      "swept_runs_total",
			Help:      "Due runs dispatched by the recovery sweep instead of a timer",
		},
	)
)

func recordRunFinished(status domain.RunStatus) {
	runsFinished.WithLabelValues(string(status)).Inc()
}

func recordRunArmed(successor bool) {
	origin := "gateway"
	if successor {
		origin = "successor"
	}
	runsArmed.WithLabelValues(origin).Inc()
}

func recordDeactivation(target string) {
	deactivations.WithLabelValues(target).Inc()
}

func recordStepDuration(step domain.Step, outcome string, d time.Duration) {
	stepDuration.WithLabelValues(string(step), outcome).Observe(d.Seconds())
}

func recordSwept(count int) {
	sweptRuns.Add(float64(count))
}
