// Package metrics provides the centralized Prometheus metrics registry
// for the request pipeline. All metrics are defined in their respective
// packages (cache, queue, transport, bandwidth) to maintain modularity
// and avoid circular dependencies.
//
// This package provides documentation and reference for all available
// metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry is the default Prometheus registry used by the pipeline.
// All metrics are automatically registered via promauto in their
// respective packages.
var Registry = prometheus.DefaultRegisterer

// Metrics Documentation
//
// Cache Metrics (pkg/cache):
//   - fetchq_cache_hits_total{layer} (Counter): Cache hits by layer (memory, disk)
//   - fetchq_cache_misses_total (Counter): Cache misses
//   - fetchq_cache_size_bytes (Gauge): Current disk cache size in bytes
//   - fetchq_cache_pruned_total{pass} (Counter): Evictions by prune pass
//   - fetchq_cache_errors_total{operation} (Counter): Cache operation errors
//
// Queue Metrics (pkg/queue):
//   - fetchq_queue_depth{queue} (Gauge): Staged requests by queue (cache, network)
//   - fetchq_requests_total{outcome} (Counter): Finished requests by outcome
//   - fetchq_request_duration_seconds (Histogram): Request lifetime from creation to finish
//
// Transport Metrics (pkg/transport):
//   - fetchq_transport_requests_total{status} (Counter): HTTP requests by status
//   - fetchq_transport_retries_total{kind} (Counter): Retry attempts by error kind
//
// Bandwidth Metrics (pkg/bandwidth):
//   - fetchq_low_bandwidth (Gauge): 1 when the hysteretic low-bandwidth flag is set
//
// Example Prometheus Queries:
//
//   # Cache Hit Rate
//   sum(rate(fetchq_cache_hits_total[5m])) /
//   (sum(rate(fetchq_cache_hits_total[5m])) + sum(rate(fetchq_cache_misses_total[5m])))
//
//   # P95 Request Latency
//   histogram_quantile(0.95, rate(fetchq_request_duration_seconds_bucket[5m]))
//
//   # Network Queue Backlog
//   fetchq_queue_depth{queue="network"}
