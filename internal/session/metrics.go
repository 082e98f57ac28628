package session

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "qanetxl_sessions_active",
		Help: "Number of documents with live reader memory",
	})
	sessionsEvicted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "qanetxl_sessions_evicted_total",
		Help: "Total number of sessions evicted after the idle TTL",
	})
	snapshotBytes = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "qanetxl_snapshot_bytes",
		Help:    "Size of encoded memory snapshots",
		Buckets: prometheus.ExponentialBuckets(256, 4, 10),
	})
)
