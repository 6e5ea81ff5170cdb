package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheHits tracks cache hits by layer (memory for write-behind
	// shadow hits, disk for record reads).
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fetchq_cache_hits_total",
			Help: "Total number of cache hits by layer",
		}, []string{"layer"})

	// CacheMisses tracks cache misses, including corrupt records that
	// degraded to a miss.
	CacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fetchq_cache_misses_total",
			Help: "Total number of cache misses",
		})

	// CacheSize is the current total size of cached records in bytes.
	CacheSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fetchq_cache_size_bytes",
			Help: "Current disk cache size in bytes",
		})

	// CachePruned counts evicted records by prune pass.
	CachePruned = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fetchq_cache_pruned_total",
			Help: "Total number of records evicted by prune pass",
		}, []string{"pass"})

	// CacheErrors counts failed cache operations.
	CacheErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fetchq_cache_errors_total",
			Help: "Total number of cache operation errors",
		}, []string{"operation"})
)
