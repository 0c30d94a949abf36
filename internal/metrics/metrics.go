// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	TranscodeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "vellum",
		Name:      "transcode_duration_seconds",
		Help:      "Time taken to transcode and publish a video",
		Buckets:   prometheus.ExponentialBuckets(5, 2, 10),
	})
	ActiveJobs = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "vellum",
		Name:      "worker_active_jobs",
		Help:      "Number of jobs currently processing on this node",
	})
	JobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vellum",
		Name:      "jobs_total",
		Help:      "Transcode jobs by outcome",
	}, []string{"outcome"})
	SessionsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "vellum",
		Name:      "upload_sessions_created_total",
		Help:      "Upload sessions registered",
	})
	CallbackAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vellum",
		Name:      "callback_attempts_total",
		Help:      "Webhook delivery attempts by result",
	}, []string{"result"})
	SweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "vellum",
		Name:      "callback_sweep_duration_seconds",
		Help:      "Duration of one callback sweep",
		Buckets:   prometheus.DefBuckets,
	})
	StalledJobs = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "vellum",
		Name:      "stalled_jobs_total",
		Help:      "Processing records failed by the stuck-job reaper",
	})
)

// Outcome labels
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeDropped   = "dropped"
	OutcomeSkipped   = "skipped"

	ResultSuccess = "success"
	ResultFailure = "failure"
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
