// Package metrics provides the centralized Prometheus metrics reference for
// the data retrieval library. All metrics are defined in their respective
// packages (client, cache, ratelimit, version) to maintain modularity and
// avoid circular dependencies.
//
// This package provides documentation and reference for all available
// metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry is the default Prometheus registry used by the library. All
// metrics are automatically registered via promauto in their respective
// packages.
var Registry = prometheus.DefaultRegisterer

// Metrics Documentation
//
// Rate Limit Metrics (pkg/ratelimit):
//   - oda_rate_limiter_acquires_total (Counter): Slots granted
//   - oda_rate_limiter_waits_total (Counter): Acquisitions that had to wait
//   - oda_rate_limiter_wait_seconds (Histogram): Time spent waiting for a slot
//
// Version Resolution Metrics (pkg/version):
//   - oda_version_attempts_total{outcome} (Counter): Fetch attempts by outcome
//     (success, not_found, no_data_yet, transient_error, fatal_error)
//   - oda_version_resolutions_total{result} (Counter): Resolutions by result
//     (success, fatal, exhausted)
//   - oda_version_ladder_depth (Histogram): Rungs tried per successful resolution
//
// Cache Metrics (pkg/cache):
//   - oda_cache_hits_total{tier} (Counter): Hits by tier (response, result, bulk)
//   - oda_cache_misses_total{tier} (Counter): Misses by tier
//   - oda_cache_errors_total{tier, operation} (Counter): Cache operation errors
//   - oda_cache_evictions_total{reason} (Counter): Bulk evictions (age, size, dangling)
//   - oda_bulk_lock_wait_seconds (Histogram): Time waiting for the bulk cache lock
//
// Request Metrics (pkg/client):
//   - oda_requests_total{status} (Counter): Requests by HTTP status, plus
//     "cached" and "network_error"
//   - oda_request_duration_seconds (Histogram): Network request duration
//
// Example Prometheus Queries:
//
//   # Cache Hit Rate per tier
//   sum by (tier) (rate(oda_cache_hits_total[5m])) /
//   (sum by (tier) (rate(oda_cache_hits_total[5m])) + sum by (tier) (rate(oda_cache_misses_total[5m])))
//
//   # Share of requests answered without the network
//   rate(oda_requests_total{status="cached"}[5m]) / rate(oda_requests_total[5m])
//
//   # P95 rate limiter wait
//   histogram_quantile(0.95, rate(oda_rate_limiter_wait_seconds_bucket[5m]))
//
//   # Version fallback frequency
//   rate(oda_version_resolutions_total{result="exhausted"}[5m])
