// Package cache implements the three-tier on-disk cache shared by all data
// retrieval paths.
//
// Tiers:
//
//   - ResponseCache (tier 1): raw request/response pairs in a SQLite store,
//     time-boxed (default 7 days). Known failures (stable 404s) are cached
//     too, so repeated version-ladder attempts do not repeat network calls.
//   - ResultCache (tier 2): fully processed tabular artifacts as
//     zstd-compressed parquet files, keyed by a hash over the complete
//     parameter set including every processing flag.
//   - BulkManager (tier 3): manifest-indexed, lock-protected cache for large
//     downloaded files, with atomic publishes, streaming row-group reads,
//     and size/age eviction.
//
// The cache root embeds the library release identifier, so structural or
// encoding changes across releases never mix with a prior release's entries.
//
// # Basic Usage
//
//	manager, err := cache.NewManager(cache.DefaultConfig())
//	if err != nil {
//		return err
//	}
//	defer manager.Close()
//
//	// Tier 1: raw responses
//	key := cache.RequestKey{Method: "GET", URL: url}
//	resp, err := manager.Responses.Get(ctx, key)
//	if errors.Is(err, cache.ErrCacheMiss) {
//		// fetch from the network, then Put
//	}
//
//	// Tier 2: processed artifacts
//	rows, err := cache.GetOrCompute(ctx, manager.Results, resultKey, compute)
//
//	// Tier 3: bulk files
//	path, err := manager.Bulk.GetOrFetch(ctx, "crs_full", 90*24*time.Hour, fetch)
//
// # Crash safety
//
// All publishes go through a temp file in the destination directory followed
// by an atomic rename. Readers racing a writer observe either the old
// complete artifact or the new complete artifact, never a partial one. A
// crash mid-fetch leaves only an orphaned temp file.
//
// # Metrics
//
// The package exports Prometheus metrics:
//
//   - oda_cache_hits_total{tier} / oda_cache_misses_total{tier}
//   - oda_cache_errors_total{tier,operation}
//   - oda_cache_evictions_total{reason}
//   - oda_bulk_lock_wait_seconds
package cache
