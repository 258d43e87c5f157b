package cache

import "errors"

var (
	// ErrCacheMiss indicates the requested key was not found in cache.
	ErrCacheMiss = errors.New("cache miss")

	// ErrLockTimeout indicates bulk-cache contention exceeded the configured
	// lock timeout. It propagates to the caller without retry.
	ErrLockTimeout = errors.New("bulk cache lock timeout")

	// ErrInvalidEntry indicates a cache entry is invalid or corrupted.
	// Corrupt entries are purged and treated as misses wherever possible;
	// this error only surfaces when purging itself fails.
	ErrInvalidEntry = errors.New("invalid cache entry")
)
