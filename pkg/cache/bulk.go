package cache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

const (
	manifestName = "manifest.json"
	lockName     = ".cache.lock"

	// lockRetryDelay is the poll interval while waiting for the advisory
	// lock.
	lockRetryDelay = 250 * time.Millisecond
)

// FetchFunc downloads a bulk artifact into path. The file at path is
// temporary; the manager publishes it atomically on success.
type FetchFunc func(ctx context.Context, path string) error

// FetchSpec describes one cacheable bulk dataset.
type FetchSpec struct {
	// Key is the unique entry identifier (e.g. "crs_full").
	Key string

	// TTL is the entry's time-to-live. Zero means never stale by age.
	TTL time.Duration

	// SourceVersion optionally pins the dataset version; a cached entry
	// built from a different version is treated as stale.
	SourceVersion string

	// Fetch downloads the artifact.
	Fetch FetchFunc
}

// BulkManager is the tier-3 cache for large downloaded artifacts. A JSON
// manifest indexes entries; writers serialize on an advisory file lock
// scoped to the cache root, and artifacts publish via atomic rename so
// readers never observe a partial file.
type BulkManager struct {
	dir          string
	lockTimeout  time.Duration
	maxTotalSize int64
	maxAge       time.Duration

	// mu guards the in-process manifest view; the file lock guards
	// cross-process writers.
	mu    sync.Mutex
	group singleflight.Group

	// enforceOnce runs limit enforcement on first access per process, so
	// cold start never pays for a cache-wide scan.
	enforceOnce sync.Once

	logger zerolog.Logger
	now    func() time.Time
}

// NewBulkManager opens the tier-3 cache rooted at dir.
func NewBulkManager(dir string, cfg Config) (*BulkManager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create bulk cache dir: %w", err)
	}

	lockTimeout := cfg.LockTimeout
	if lockTimeout <= 0 {
		lockTimeout = DefaultLockTimeout
	}

	return &BulkManager{
		dir:          dir,
		lockTimeout:  lockTimeout,
		maxTotalSize: cfg.MaxTotalSize,
		maxAge:       cfg.MaxAge,
		logger:       log.With().Str("component", "bulk-cache").Logger(),
		now:          time.Now,
	}, nil
}

// Dir returns the cache root this manager owns.
func (b *BulkManager) Dir() string { return b.dir }

func (b *BulkManager) manifestPath() string { return filepath.Join(b.dir, manifestName) }
func (b *BulkManager) lockPath() string     { return filepath.Join(b.dir, lockName) }

// entryFilename derives the artifact filename for a key.
func entryFilename(key string) string {
	clean := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '-', r == '.':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		default:
			return '_'
		}
	}, key)
	return clean
}

// GetOrFetch returns the path of the published artifact for key, fetching
// it first if missing or stale.
func (b *BulkManager) GetOrFetch(ctx context.Context, key string, ttl time.Duration, fetch FetchFunc) (string, error) {
	return b.Ensure(ctx, FetchSpec{Key: key, TTL: ttl, Fetch: fetch})
}

// Ensure returns the path of the published artifact described by spec,
// fetching it first if missing or stale. Concurrent same-key callers within
// the process collapse to one fetch; concurrent writers across processes
// serialize on the root's advisory lock, and the manifest is re-checked
// after lock acquisition so the second writer reuses the first one's
// publish.
func (b *BulkManager) Ensure(ctx context.Context, spec FetchSpec) (string, error) {
	b.enforceOnce.Do(func() {
		if err := b.EnforceLimits(ctx, b.maxTotalSize, b.maxAge); err != nil {
			b.logger.Warn().Err(err).Msg("Opportunistic limit enforcement failed")
		}
	})

	// Fast path: readers of an already-published live entry take no lock.
	if path, ok := b.lookupLive(spec); ok {
		CacheHits.WithLabelValues(tierBulk).Inc()
		b.touch(spec.Key)
		return path, nil
	}

	path, err, _ := b.group.Do(spec.Key, func() (any, error) {
		return b.fetchLocked(ctx, spec)
	})
	if err != nil {
		return "", err
	}
	return path.(string), nil
}

// lookupLive checks the manifest for a live, present entry without taking
// the cross-process lock.
func (b *BulkManager) lookupLive(spec FetchSpec) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	m, err := loadManifest(b.manifestPath())
	if err != nil {
		b.logger.Warn().Err(err).Msg("Failed to load manifest, treating as miss")
		return "", false
	}

	entry, ok := m[spec.Key]
	if !ok {
		return "", false
	}
	if entry.IsStale(b.now()) {
		return "", false
	}
	if spec.SourceVersion != "" && entry.SourceVersion != spec.SourceVersion {
		return "", false
	}

	path := filepath.Join(b.dir, entry.Path)
	if _, err := os.Stat(path); err != nil {
		// Dangling manifest entry: purged under the lock on the slow path.
		return "", false
	}
	return path, true
}

// touch updates the entry's last-use time. Best effort: it only writes if
// the lock is free so the read fast path never blocks on a writer.
func (b *BulkManager) touch(key string) {
	fl := flock.New(b.lockPath())
	locked, err := fl.TryLock()
	if err != nil || !locked {
		return
	}
	defer fl.Unlock()

	b.mu.Lock()
	defer b.mu.Unlock()

	m, err := loadManifest(b.manifestPath())
	if err != nil {
		return
	}
	entry, ok := m[key]
	if !ok {
		return
	}
	entry.LastUsedAt = b.now()
	m[key] = entry
	if err := m.save(b.manifestPath()); err != nil {
		b.logger.Debug().Err(err).Str("key", key).Msg("Failed to record last use")
	}
}

// fetchLocked acquires the advisory lock, re-checks the manifest, and
// fetches + publishes if still needed.
func (b *BulkManager) fetchLocked(ctx context.Context, spec FetchSpec) (string, error) {
	CacheMisses.WithLabelValues(tierBulk).Inc()

	lockCtx, cancel := context.WithTimeout(ctx, b.lockTimeout)
	defer cancel()

	fl := flock.New(b.lockPath())
	lockStart := b.now()
	locked, err := fl.TryLockContext(lockCtx, lockRetryDelay)
	BulkLockWaitSeconds.Observe(b.now().Sub(lockStart).Seconds())
	if err != nil || !locked {
		if err == nil || errors.Is(err, context.DeadlineExceeded) {
			b.logger.Error().
				Str("key", spec.Key).
				Dur("timeout", b.lockTimeout).
				Msg("Bulk cache lock acquisition timed out")
			return "", fmt.Errorf("%w: waited %s for %s", ErrLockTimeout, b.lockTimeout, spec.Key)
		}
		return "", fmt.Errorf("acquire bulk cache lock: %w", err)
	}
	defer fl.Unlock()

	// Re-check under the cross-process lock: another process may have
	// published while we waited. b.mu is held only around manifest access,
	// never across the fetch, so same-process readers of other keys keep
	// their lock-free fast path while a download runs.
	if path, ok, err := b.recheckUnderLock(spec); err != nil {
		return "", err
	} else if ok {
		b.logger.Debug().Str("key", spec.Key).Msg("Entry published while waiting for lock")
		return path, nil
	}

	filename := entryFilename(spec.Key)
	finalPath := filepath.Join(b.dir, filename)
	tmpPath := fmt.Sprintf("%s.tmp-%d", finalPath, os.Getpid())

	b.logger.Info().Str("key", spec.Key).Msg("Fetching bulk artifact")

	if err := spec.Fetch(ctx, tmpPath); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("fetch bulk artifact %s: %w", spec.Key, err)
	}

	fi, err := os.Stat(tmpPath)
	if err != nil {
		return "", fmt.Errorf("stat fetched artifact %s: %w", spec.Key, err)
	}

	// Atomic publish: a crash before this point leaves only the temp file.
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("publish bulk artifact %s: %w", spec.Key, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	m, err := loadManifest(b.manifestPath())
	if err != nil {
		b.logger.Warn().Err(err).Msg("Corrupt manifest, starting fresh")
		m = manifest{}
	}

	now := b.now()
	m[spec.Key] = Entry{
		Path:          filename,
		CreatedAt:     now,
		LastUsedAt:    now,
		TTLSeconds:    int64(spec.TTL / time.Second),
		SizeBytes:     fi.Size(),
		SourceVersion: spec.SourceVersion,
	}
	if err := m.save(b.manifestPath()); err != nil {
		return "", err
	}

	b.logger.Info().
		Str("key", spec.Key).
		Int64("size_bytes", fi.Size()).
		Msg("Bulk artifact published")
	return finalPath, nil
}

// recheckUnderLock re-reads the manifest after lock acquisition. It returns
// the entry's path when a live, matching entry is already published; a
// stale, superseded, or dangling entry is dropped so the caller refetches.
// Caller must hold the cross-process lock but not b.mu.
func (b *BulkManager) recheckUnderLock(spec FetchSpec) (string, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	m, err := loadManifest(b.manifestPath())
	if err != nil {
		b.logger.Warn().Err(err).Msg("Corrupt manifest, starting fresh")
		return "", false, nil
	}

	entry, ok := m[spec.Key]
	if !ok {
		return "", false, nil
	}

	path := filepath.Join(b.dir, entry.Path)
	versionOK := spec.SourceVersion == "" || entry.SourceVersion == spec.SourceVersion
	if !entry.IsStale(b.now()) && versionOK {
		if _, err := os.Stat(path); err == nil {
			return path, true, nil
		}
	}

	// Stale, superseded, or dangling: drop it before refetching.
	if _, err := os.Stat(path); err != nil {
		CacheEvictions.WithLabelValues("dangling").Inc()
		b.logger.Warn().Str("key", spec.Key).Str("path", entry.Path).
			Msg("Manifest entry without file, purging")
	}
	os.Remove(path)
	delete(m, spec.Key)
	if err := m.save(b.manifestPath()); err != nil {
		return "", false, err
	}
	return "", false, nil
}

// Chunks returns a restartable iterator over the artifact's parquet row
// groups, fetching the artifact first if needed. Use it for files too large
// to materialize whole.
func (b *BulkManager) Chunks(ctx context.Context, key string, ttl time.Duration, fetch FetchFunc) (*ChunkIterator, error) {
	path, err := b.GetOrFetch(ctx, key, ttl, fetch)
	if err != nil {
		return nil, err
	}
	return OpenChunks(path)
}

// EnforceLimits first purges entries stale by their own TTL or older than
// maxAge, then evicts oldest-by-last-use entries until total size fits
// maxTotalSize. Zero disables the respective budget.
func (b *BulkManager) EnforceLimits(ctx context.Context, maxTotalSize int64, maxAge time.Duration) error {
	lockCtx, cancel := context.WithTimeout(ctx, b.lockTimeout)
	defer cancel()

	fl := flock.New(b.lockPath())
	locked, err := fl.TryLockContext(lockCtx, lockRetryDelay)
	if err != nil || !locked {
		if err == nil || errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: enforce limits", ErrLockTimeout)
		}
		return fmt.Errorf("acquire bulk cache lock: %w", err)
	}
	defer fl.Unlock()

	b.mu.Lock()
	defer b.mu.Unlock()

	m, err := loadManifest(b.manifestPath())
	if err != nil {
		b.logger.Warn().Err(err).Msg("Corrupt manifest, starting fresh")
		m = manifest{}
	}

	now := b.now()
	var totalSize int64
	removed := 0

	// Age pass: per-entry TTL, the global age budget, and dangling entries.
	for key, entry := range m {
		path := filepath.Join(b.dir, entry.Path)

		if _, err := os.Stat(path); err != nil {
			CacheEvictions.WithLabelValues("dangling").Inc()
			delete(m, key)
			removed++
			continue
		}

		tooOld := maxAge > 0 && entry.Age(now) > maxAge
		if entry.IsStale(now) || tooOld {
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				CacheErrors.WithLabelValues(tierBulk, "evict").Inc()
				continue
			}
			CacheEvictions.WithLabelValues("age").Inc()
			b.logger.Info().Str("key", key).Msg("Evicted stale bulk entry")
			delete(m, key)
			removed++
			continue
		}

		totalSize += entry.SizeBytes
	}

	// Size pass: evict oldest by last use until under budget.
	if maxTotalSize > 0 && totalSize > maxTotalSize {
		type aged struct {
			key   string
			entry Entry
		}
		candidates := make([]aged, 0, len(m))
		for key, entry := range m {
			candidates = append(candidates, aged{key, entry})
		}
		sort.Slice(candidates, func(i, j int) bool {
			return candidates[i].entry.LastUsedAt.Before(candidates[j].entry.LastUsedAt)
		})

		for _, c := range candidates {
			if totalSize <= maxTotalSize {
				break
			}
			path := filepath.Join(b.dir, c.entry.Path)
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				CacheErrors.WithLabelValues(tierBulk, "evict").Inc()
				continue
			}
			CacheEvictions.WithLabelValues("size").Inc()
			b.logger.Info().
				Str("key", c.key).
				Int64("size_bytes", c.entry.SizeBytes).
				Msg("Evicted bulk entry over size budget")
			delete(m, c.key)
			totalSize -= c.entry.SizeBytes
			removed++
		}
	}

	if removed > 0 {
		if err := m.save(b.manifestPath()); err != nil {
			return err
		}
	}
	return nil
}

// Record is the introspection view of one manifest entry.
type Record struct {
	Key           string
	Path          string
	CreatedAt     time.Time
	LastUsedAt    time.Time
	TTL           time.Duration
	SizeBytes     int64
	SourceVersion string
	Age           time.Duration
	Stale         bool
}

// ListRecords returns all manifest entries with derived metadata, sorted by
// key.
func (b *BulkManager) ListRecords() ([]Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	m, err := loadManifest(b.manifestPath())
	if err != nil {
		return nil, err
	}

	now := b.now()
	records := make([]Record, 0, len(m))
	for key, entry := range m {
		records = append(records, Record{
			Key:           key,
			Path:          entry.Path,
			CreatedAt:     entry.CreatedAt,
			LastUsedAt:    entry.LastUsedAt,
			TTL:           entry.TTL(),
			SizeBytes:     entry.SizeBytes,
			SourceVersion: entry.SourceVersion,
			Age:           entry.Age(now),
			Stale:         entry.IsStale(now),
		})
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Key < records[j].Key })
	return records, nil
}

// BulkStats summarizes the tier-3 store.
type BulkStats struct {
	EntryCount     int
	TotalSizeBytes int64
	StaleEntries   int
}

// Stats reports entry count, total size, and stale entries. Size is summed
// over live manifest entries.
func (b *BulkManager) Stats() (BulkStats, error) {
	records, err := b.ListRecords()
	if err != nil {
		return BulkStats{}, err
	}

	var stats BulkStats
	for _, r := range records {
		stats.EntryCount++
		stats.TotalSizeBytes += r.SizeBytes
		if r.Stale {
			stats.StaleEntries++
		}
	}
	return stats, nil
}

// Clear removes the entry for key, or every entry when key is empty.
func (b *BulkManager) Clear(ctx context.Context, key string) error {
	lockCtx, cancel := context.WithTimeout(ctx, b.lockTimeout)
	defer cancel()

	fl := flock.New(b.lockPath())
	locked, err := fl.TryLockContext(lockCtx, lockRetryDelay)
	if err != nil || !locked {
		if err == nil || errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: clear", ErrLockTimeout)
		}
		return fmt.Errorf("acquire bulk cache lock: %w", err)
	}
	defer fl.Unlock()

	b.mu.Lock()
	defer b.mu.Unlock()

	m, err := loadManifest(b.manifestPath())
	if err != nil {
		m = manifest{}
	}

	if key == "" {
		for k, entry := range m {
			os.Remove(filepath.Join(b.dir, entry.Path))
			delete(m, k)
		}
		b.logger.Info().Msg("Cleared all bulk cache entries")
		return m.save(b.manifestPath())
	}

	entry, ok := m[key]
	if !ok {
		b.logger.Warn().Str("key", key).Msg("Bulk cache key not found")
		return nil
	}
	os.Remove(filepath.Join(b.dir, entry.Path))
	delete(m, key)
	b.logger.Info().Str("key", key).Msg("Cleared bulk cache entry")
	return m.save(b.manifestPath())
}
