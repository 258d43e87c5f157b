package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheHits tracks cache hits by tier (response, result, bulk).
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oda_cache_hits_total",
			Help: "Total number of cache hits",
		},
		[]string{"tier"},
	)

	// CacheMisses tracks cache misses by tier.
	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oda_cache_misses_total",
			Help: "Total number of cache misses",
		},
		[]string{"tier"},
	)

	// CacheErrors tracks cache operation errors.
	CacheErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oda_cache_errors_total",
			Help: "Total number of cache operation errors",
		},
		[]string{"tier", "operation"}, // "get", "put", "clear", "evict"
	)

	// CacheEvictions tracks bulk-tier evictions by reason.
	CacheEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oda_cache_evictions_total",
			Help: "Total number of bulk cache evictions",
		},
		[]string{"reason"}, // "age", "size", "dangling"
	)

	// BulkLockWaitSeconds tracks time spent waiting for the bulk-cache lock.
	BulkLockWaitSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "oda_bulk_lock_wait_seconds",
			Help:    "Time spent acquiring the bulk cache lock",
			Buckets: []float64{0.01, 0.1, 1, 5, 30, 120, 600, 1200},
		},
	)
)

// Tier labels used in metrics.
const (
	tierResponse = "response"
	tierResult   = "result"
	tierBulk     = "bulk"
)
