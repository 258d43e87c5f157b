package cache

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/parquet-go/parquet-go"
	pqzstd "github.com/parquet-go/parquet-go/compress/zstd"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// ResultCache is the tier-2 cache of fully processed tabular artifacts. Each
// artifact is one zstd-compressed parquet file named by the hash of its
// complete parameter set. The row type is supplied per call via
// GetOrCompute; this struct owns the shared tier state.
type ResultCache struct {
	dir     string
	enabled atomic.Bool
	group   singleflight.Group
	logger  zerolog.Logger
}

// NewResultCache opens the tier-2 cache rooted at dir.
func NewResultCache(dir string) (*ResultCache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create result cache dir: %w", err)
	}
	c := &ResultCache{
		dir:    dir,
		logger: log.With().Str("component", "result-cache").Logger(),
	}
	c.enabled.Store(true)
	return c, nil
}

// Enable turns the tier on.
func (c *ResultCache) Enable() { c.enabled.Store(true) }

// Disable turns the tier off: every lookup misses and nothing is persisted.
func (c *ResultCache) Disable() { c.enabled.Store(false) }

// Enabled reports whether the tier is on.
func (c *ResultCache) Enabled() bool { return c.enabled.Load() }

// Clear removes all cached artifacts.
func (c *ResultCache) Clear() error {
	files, err := filepath.Glob(filepath.Join(c.dir, "*.parquet"))
	if err != nil {
		return fmt.Errorf("result cache clear: %w", err)
	}
	for _, f := range files {
		if err := os.Remove(f); err != nil && !os.IsNotExist(err) {
			CacheErrors.WithLabelValues(tierResult, "clear").Inc()
			return fmt.Errorf("result cache clear %s: %w", f, err)
		}
	}
	c.logger.Info().Int("entries", len(files)).Msg("Result cache cleared")
	return nil
}

// ResultStats describes the tier-2 store.
type ResultStats struct {
	EntryCount     int
	TotalSizeBytes int64
}

// Stats reports entry count and total size over live artifacts.
func (c *ResultCache) Stats() (ResultStats, error) {
	files, err := filepath.Glob(filepath.Join(c.dir, "*.parquet"))
	if err != nil {
		return ResultStats{}, fmt.Errorf("result cache stats: %w", err)
	}

	var stats ResultStats
	for _, f := range files {
		fi, err := os.Stat(f)
		if err != nil {
			continue
		}
		stats.EntryCount++
		stats.TotalSizeBytes += fi.Size()
	}
	return stats, nil
}

func (c *ResultCache) artifactPath(hash string) string {
	return filepath.Join(c.dir, hash+".parquet")
}

// GetOrCompute returns the artifact for key, invoking compute only on a
// miss. Concurrent callers for the same key are collapsed to a single
// compute. Artifacts are persisted via a temp file and an atomic rename; a
// corrupt artifact is purged and recomputed, never returned.
func GetOrCompute[T any](ctx context.Context, c *ResultCache, key ResultKey, compute func(context.Context) ([]T, error)) ([]T, error) {
	if !c.enabled.Load() {
		return compute(ctx)
	}

	hash := key.Hash()
	v, err, _ := c.group.Do(hash, func() (any, error) {
		path := c.artifactPath(hash)

		if _, statErr := os.Stat(path); statErr == nil {
			rows, readErr := parquet.ReadFile[T](path)
			if readErr == nil {
				CacheHits.WithLabelValues(tierResult).Inc()
				c.logger.Debug().Str("key", hash).Int("rows", len(rows)).Msg("Result cache hit")
				return rows, nil
			}
			// Corrupt artifact: purge and fall through to recompute.
			c.logger.Warn().Err(readErr).Str("key", hash).Msg("Corrupt result artifact, purging")
			os.Remove(path)
		}

		CacheMisses.WithLabelValues(tierResult).Inc()

		rows, err := compute(ctx)
		if err != nil {
			return nil, err
		}

		if err := writeArtifact(path, rows); err != nil {
			// Persisting is best effort: the computed rows are still good.
			CacheErrors.WithLabelValues(tierResult, "put").Inc()
			c.logger.Warn().Err(err).Str("key", hash).Msg("Failed to persist result artifact")
		} else {
			c.logger.Debug().Str("key", hash).Int("rows", len(rows)).Msg("Result artifact cached")
		}
		return rows, nil
	})
	if err != nil {
		return nil, err
	}

	rows, ok := v.([]T)
	if !ok {
		return nil, fmt.Errorf("result cache: key %s computed as %T, requested []%T", hash, v, *new(T))
	}
	return rows, nil
}

// writeArtifact persists rows as zstd-compressed parquet with an atomic
// publish.
func writeArtifact[T any](path string, rows []T) error {
	tmp := fmt.Sprintf("%s.tmp-%d", path, os.Getpid())

	err := parquet.WriteFile(tmp, rows,
		parquet.Compression(&pqzstd.Codec{Level: pqzstd.SpeedDefault}),
	)
	if err != nil {
		os.Remove(tmp)
		return fmt.Errorf("write artifact: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("publish artifact: %w", err)
	}
	return nil
}
