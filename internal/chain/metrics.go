package chain

import "github.com/prometheus/client_golang/prometheus"

// Stage outcomes.
const (
	outcomeSucceeded = "succeeded"
	outcomeFailed    = "failed"
	outcomeKilled    = "killed"
	outcomeError     = "error"
)

// Image resolution sources.
const (
	sourceRegistry = "registry"
	sourceLocal    = "local"
	sourceMissing  = "missing"
)

var (
	stagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chainlink_stages_total",
			Help: "Total number of stages executed, by outcome.",
		},
		[]string{"outcome"},
	)

	stageDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "chainlink_stage_duration_seconds",
			Help:    "Wall-clock duration of stage containers from start request to exit.",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300, 900},
		},
	)

	prefetchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "chainlink_prefetch_seconds",
			Help:    "Time spent resolving all images of a pipeline.",
			Buckets: prometheus.DefBuckets,
		},
	)

	imageResolutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chainlink_image_resolutions_total",
			Help: "Image resolutions by source (registry, local, missing).",
		},
		[]string{"source"},
	)

	pipelinesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chainlink_pipelines_total",
			Help: "Total number of pipeline runs, by outcome.",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(stagesTotal, stageDuration, prefetchDuration, imageResolutions, pipelinesTotal)

	for _, o := range []string{outcomeSucceeded, outcomeFailed, outcomeKilled, outcomeError} {
		stagesTotal.WithLabelValues(o)
	}
	for _, o := range []string{outcomeSucceeded, outcomeFailed, outcomeError} {
		pipelinesTotal.WithLabelValues(o)
	}
	for _, s := range []string{sourceRegistry, sourceLocal, sourceMissing} {
		imageResolutions.WithLabelValues(s)
	}
}
