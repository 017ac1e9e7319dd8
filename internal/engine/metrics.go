package engine

import "github.com/prometheus/client_golang/prometheus"

var (
	runsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chainlink_runs_in_flight",
			Help: "Number of pipeline runs currently holding an execution slot.",
		},
	)

	runsFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chainlink_runs_finished_total",
			Help: "Total number of submitted runs by final status.",
		},
		[]string{"status"},
	)
)

func init() {
	prometheus.MustRegister(runsInFlight, runsFinished)
}
