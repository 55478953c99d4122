package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cartMutationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cart_mutations_total",
			Help: "Total number of cart mutations by operation and result (applied, noop, rejected)",
		},
		[]string{"operation", "result"},
	)

	cartSnapshotWritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cart_snapshot_writes_total",
			Help: "Total number of cart snapshot writes by status (success, error, superseded)",
		},
		[]string{"status"},
	)

	cartSnapshotWriteDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cart_snapshot_write_duration_seconds",
			Help:    "Duration of cart snapshot writes including retries",
			Buckets: prometheus.DefBuckets,
		},
	)

	cartSnapshotLoadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cart_snapshot_loads_total",
			Help: "Total number of cart snapshot loads by status (success, error)",
		},
		[]string{"status"},
	)

	cartLineItems = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cart_line_items",
			Help: "Number of distinct line items currently in the cart",
		},
	)
)
