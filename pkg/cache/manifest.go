package cache

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Entry describes one published bulk-cache artifact. Entries are owned
// exclusively by the manifest; no artifact file is referenced by more than
// one entry.
type Entry struct {
	// Path is the artifact filename, relative to the cache root.
	Path string `json:"path"`

	// CreatedAt is when the artifact was last published.
	CreatedAt time.Time `json:"created_at"`

	// LastUsedAt is when the artifact was last served. Drives
	// oldest-by-last-use eviction.
	LastUsedAt time.Time `json:"last_used_at"`

	// TTLSeconds is the entry's own time-to-live.
	TTLSeconds int64 `json:"ttl_seconds"`

	// SizeBytes is the published artifact size.
	SizeBytes int64 `json:"size_bytes"`

	// SourceVersion optionally records the dataset version the artifact was
	// built from; a mismatch invalidates the entry.
	SourceVersion string `json:"source_version,omitempty"`
}

// TTL returns the entry's time-to-live as a duration.
func (e Entry) TTL() time.Duration {
	return time.Duration(e.TTLSeconds) * time.Second
}

// Age returns how long ago the entry was published.
func (e Entry) Age(now time.Time) time.Duration {
	return now.Sub(e.CreatedAt)
}

// IsStale reports whether the entry has outlived its own TTL.
func (e Entry) IsStale(now time.Time) bool {
	return e.TTLSeconds > 0 && e.Age(now) > e.TTL()
}

// manifest is the persisted key-to-entry index for one cache root. It has a
// single writer at a time, serialized by the root's advisory lock.
type manifest map[string]Entry

// loadManifest reads the manifest file. A missing file yields an empty
// manifest; a corrupt one is discarded with a fresh start rather than
// failing the cache.
func loadManifest(path string) (manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return manifest{}, nil
		}
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return manifest{}, fmt.Errorf("%w: parse manifest: %v", ErrInvalidEntry, err)
	}
	return m, nil
}

// save writes the manifest atomically (temp file + rename) so a crash never
// leaves a truncated index.
func (m manifest) save(path string) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}

	tmp := fmt.Sprintf("%s.tmp-%d", path, os.Getpid())
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write manifest temp: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("publish manifest: %w", err)
	}
	return nil
}
