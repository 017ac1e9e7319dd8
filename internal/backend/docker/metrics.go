package docker

import "github.com/prometheus/client_golang/prometheus"

// Metric label values for engine operations.
const (
	opPull    = "pull"
	opCreate  = "create"
	opStart   = "start"
	opKill    = "kill"
	opRemove  = "remove"
	opInspect = "inspect"
	opLogs    = "logs"
)

var allOps = []string{opPull, opCreate, opStart, opKill, opRemove, opInspect, opLogs}

var (
	activeContainers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chainlink_docker_active_containers",
			Help: "Number of containers started by this process and not yet removed.",
		},
	)

	pullDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "chainlink_docker_pull_seconds",
			Help:    "Duration of image pulls, in seconds.",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
		},
	)

	apiErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chainlink_docker_api_errors_total",
			Help: "Total number of failed Docker API calls by operation.",
		},
		[]string{"op"},
	)
)

func init() {
	prometheus.MustRegister(activeContainers)
	prometheus.MustRegister(pullDuration)
	prometheus.MustRegister(apiErrorsTotal)

	for _, op := range allOps {
		apiErrorsTotal.WithLabelValues(op)
	}
}
