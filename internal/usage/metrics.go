package usage

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	discardedEvents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gpupool_usage_events_discarded_total",
		Help: "Lifecycle events dropped as malformed or out of order.",
	})
	activeSecondsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gpupool_usage_active_seconds_total",
		Help: "Active GPU seconds accumulated across all instances.",
	})
)
