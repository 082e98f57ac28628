package qanet

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	forwardTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qanetxl_forward_total",
		Help: "Total number of model forward calls",
	}, []string{"mode"})

	forwardDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "qanetxl_forward_duration_seconds",
		Help:    "Time spent in one model forward call",
		Buckets: prometheus.DefBuckets,
	})
)
