// Package metrics exposes Prometheus metrics for linkdoc operations.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// OperationsTotal counts document operations (insert, find, populate, etc.).
	OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "linkdoc_operations_total",
			Help: "Total number of document operations",
		},
		[]string{"operation", "status"},
	)
	// PopulateLookupDuration is the latency of batched reference lookups,
	// one observation per target collection per populate call.
	PopulateLookupDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "linkdoc_populate_lookup_duration_seconds",
			Help:    "Latency of batched reference lookups",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"collection"},
	)
	// CacheHitsTotal counts resolution cache hits during population.
	CacheHitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "linkdoc_populate_cache_hits_total",
			Help: "Resolution cache hits during population",
		},
	)
	// CacheMissesTotal counts resolution cache misses during population.
	CacheMissesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "linkdoc_populate_cache_misses_total",
			Help: "Resolution cache misses during population",
		},
	)
)

// Record increments the operation counter with an ok/error status.
func Record(operation string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	OperationsTotal.WithLabelValues(operation, status).Inc()
}
