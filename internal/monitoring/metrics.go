// Package monitoring exposes Prometheus metrics for the screening pipeline.
package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the pipeline's Prometheus instruments.
type Metrics struct {
	RunsStarted       prometheus.Counter
	RunsCompleted     *prometheus.CounterVec
	ActiveRuns        prometheus.Gauge
	ManualReviewQueue prometheus.Gauge
	StageDuration     *prometheus.HistogramVec
	StageRetries      *prometheus.CounterVec
}

// NewMetrics registers the pipeline instruments with reg. Pass
// prometheus.DefaultRegisterer in production; tests use a fresh registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RunsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "screening_runs_started_total",
			Help: "Total number of screening runs accepted",
		}),
		RunsCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "screening_runs_completed_total",
			Help: "Total number of screening runs by final state",
		}, []string{"state"}),
		ActiveRuns: factory.NewGauge(prometheus.GaugeOpts{
			Name: "screening_runs_active",
			Help: "Number of runs currently in flight, including manual review",
		}),
		ManualReviewQueue: factory.NewGauge(prometheus.GaugeOpts{
			Name: "screening_manual_review_queue",
			Help: "Number of runs waiting for a human decision",
		}),
		StageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "screening_stage_duration_seconds",
			Help:    "Stage execution time including retries",
			Buckets: prometheus.DefBuckets,
		}, []string{"stage", "outcome"}),
		StageRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "screening_stage_retries_total",
			Help: "Retry attempts beyond the first, per stage",
		}, []string{"stage"}),
	}
}
