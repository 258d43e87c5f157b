package cache

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
)

// Release is the library release identifier. The cache root embeds it so a
// release with different on-disk encodings starts from an empty root instead
// of reading a prior release's entries.
const Release = "1.3.0"

// Default cache limits, matching the published guidance for the remote
// service's data volumes.
const (
	// DefaultResponseTTL bounds tier-1 entries.
	DefaultResponseTTL = 7 * 24 * time.Hour

	// DefaultLockTimeout bounds waits on the bulk-cache lock. Bulk fetches
	// can legitimately take many minutes, so the default is generous.
	DefaultLockTimeout = 1200 * time.Second

	// DefaultMaxTotalSize caps the bulk tier at 2500 MiB.
	DefaultMaxTotalSize = 2500 * 1024 * 1024

	// DefaultMaxAge caps any bulk entry's lifetime regardless of its own TTL.
	DefaultMaxAge = 7 * 24 * time.Hour
)

// Config holds cache configuration. Environment variables override the
// defaults; an explicit Dir overrides the environment.
type Config struct {
	// Dir is the cache root. Empty means ODA_READER_CACHE_DIR or, failing
	// that, the user cache directory plus the release identifier.
	Dir string `env:"ODA_READER_CACHE_DIR"`

	// ResponseTTL is the default tier-1 entry lifetime.
	ResponseTTL time.Duration `env:"ODA_READER_RESPONSE_TTL" envDefault:"168h"`

	// LockTimeout bounds bulk-cache lock acquisition.
	LockTimeout time.Duration `env:"ODA_READER_LOCK_TIMEOUT" envDefault:"20m"`

	// MaxTotalSize is the bulk-tier size budget in bytes.
	MaxTotalSize int64 `env:"ODA_READER_CACHE_MAX_SIZE" envDefault:"2621440000"`

	// MaxAge is the bulk-tier age budget.
	MaxAge time.Duration `env:"ODA_READER_CACHE_MAX_AGE" envDefault:"168h"`
}

// DefaultConfig returns the cache configuration with environment overrides
// applied. Parse failures fall back to pure defaults rather than erroring:
// a malformed environment must not make caching unavailable.
func DefaultConfig() Config {
	cfg := Config{
		ResponseTTL:  DefaultResponseTTL,
		LockTimeout:  DefaultLockTimeout,
		MaxTotalSize: DefaultMaxTotalSize,
		MaxAge:       DefaultMaxAge,
	}
	if err := env.Parse(&cfg); err != nil {
		return Config{
			ResponseTTL:  DefaultResponseTTL,
			LockTimeout:  DefaultLockTimeout,
			MaxTotalSize: DefaultMaxTotalSize,
			MaxAge:       DefaultMaxAge,
		}
	}
	return cfg
}

// Root resolves the cache root directory and creates it. Resolution
// priority: explicit Dir, ODA_READER_CACHE_DIR (already folded into Dir by
// env parsing), then the platform user cache directory versioned by Release.
func (c Config) Root() (string, error) {
	dir := c.Dir
	if dir == "" {
		base, err := os.UserCacheDir()
		if err != nil {
			return "", fmt.Errorf("resolve user cache dir: %w", err)
		}
		dir = filepath.Join(base, "oda-reader", Release)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create cache root: %w", err)
	}
	return dir, nil
}
