package recurrence

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// StackDuration tracks time spent in one recurrent stack call
	StackDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "qanetxl_stack_forward_duration_seconds",
		Help:    "Time spent in one recurrent encoder stack forward call",
		Buckets: []float64{0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.5},
	}, []string{"stack"})

	memoryCachedSteps = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "qanetxl_memory_cached_steps",
		Help: "Cached time steps held by the most recent memory produced by a stack",
	}, []string{"stack"})
)
