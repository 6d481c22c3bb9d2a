package bridge

import (
	"github.com/prometheus/client_golang/prometheus"
)

const outcomeOK = "ok"

var (
	callsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lockbox_bridge_calls_total",
			Help: "Total number of bridge operations by outcome.",
		},
		[]string{"op", "outcome"},
	)

	callDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lockbox_bridge_call_duration_seconds",
			Help:    "Bridge operation duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	liveHandles = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "lockbox_live_handles",
			Help: "Number of live handles by engine kind.",
		},
		[]string{"kind"},
	)
)

func init() {
	prometheus.MustRegister(callsTotal)
	prometheus.MustRegister(callDuration)
	prometheus.MustRegister(liveHandles)
}
