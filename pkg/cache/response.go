package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/ONEcampaign/oda-reader/pkg/version"
)

const responseSchema = `
CREATE TABLE IF NOT EXISTS responses (
	key        TEXT PRIMARY KEY,
	url        TEXT NOT NULL,
	method     TEXT NOT NULL,
	status     INTEGER NOT NULL,
	body       BLOB NOT NULL,
	headers    TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	expires_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_responses_expires ON responses (expires_at);
`

// ResponseCache is the tier-1 cache of raw request/response pairs, backed by
// a SQLite file inside the cache root. Both successes and stable failures
// (404s) are cached so repeated failing version-ladder attempts do not
// repeat the network call.
type ResponseCache struct {
	db         *sql.DB
	defaultTTL time.Duration
	enabled    atomic.Bool

	encoder *zstd.Encoder
	decoder *zstd.Decoder

	logger zerolog.Logger
}

// OpenResponseCache opens (or creates) the response store at path.
func OpenResponseCache(path string, defaultTTL time.Duration) (*ResponseCache, error) {
	if defaultTTL <= 0 {
		defaultTTL = DefaultResponseTTL
	}

	dsn := filepath.Clean(path) + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open response cache: %w", err)
	}
	if _, err := db.Exec(responseSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init response cache schema: %w", err)
	}

	// Response bodies are large CSV payloads; zstd keeps the store small.
	encoder, err := zstd.NewWriter(nil)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		encoder.Close()
		db.Close()
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}

	c := &ResponseCache{
		db:         db,
		defaultTTL: defaultTTL,
		encoder:    encoder,
		decoder:    decoder,
		logger:     log.With().Str("component", "response-cache").Logger(),
	}
	c.enabled.Store(true)
	return c, nil
}

// Close releases the store.
func (c *ResponseCache) Close() error {
	c.encoder.Close()
	c.decoder.Close()
	return c.db.Close()
}

// Enable turns the tier on.
func (c *ResponseCache) Enable() { c.enabled.Store(true) }

// Disable turns the tier off: Get always misses and Put is a no-op.
// Existing entries stay on disk and become readable again after Enable.
func (c *ResponseCache) Disable() { c.enabled.Store(false) }

// Enabled reports whether the tier is on.
func (c *ResponseCache) Enabled() bool { return c.enabled.Load() }

// Get retrieves a cached response. It returns ErrCacheMiss when the key is
// absent, expired, or the tier is disabled. Expired and corrupt rows are
// deleted on the way out.
func (c *ResponseCache) Get(ctx context.Context, key RequestKey) (*version.Response, error) {
	if !c.enabled.Load() {
		return nil, ErrCacheMiss
	}

	hash := key.Hash()

	var (
		url       string
		status    int
		body      []byte
		headers   string
		expiresAt int64
	)
	row := c.db.QueryRowContext(ctx,
		`SELECT url, status, body, headers, expires_at FROM responses WHERE key = ?`, hash)
	if err := row.Scan(&url, &status, &body, &headers, &expiresAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			CacheMisses.WithLabelValues(tierResponse).Inc()
			return nil, ErrCacheMiss
		}
		CacheErrors.WithLabelValues(tierResponse, "get").Inc()
		return nil, fmt.Errorf("response cache get: %w", err)
	}

	if time.Now().Unix() >= expiresAt {
		c.delete(ctx, hash)
		CacheMisses.WithLabelValues(tierResponse).Inc()
		return nil, ErrCacheMiss
	}

	decoded, err := c.decoder.DecodeAll(body, nil)
	if err != nil {
		// Corrupt row: purge and miss, never fatal.
		c.logger.Warn().Err(err).Str("url", url).Msg("Corrupt cached response, purging")
		c.delete(ctx, hash)
		CacheMisses.WithLabelValues(tierResponse).Inc()
		return nil, ErrCacheMiss
	}

	var hdr http.Header
	if err := json.Unmarshal([]byte(headers), &hdr); err != nil {
		c.logger.Warn().Err(err).Str("url", url).Msg("Corrupt cached headers, purging")
		c.delete(ctx, hash)
		CacheMisses.WithLabelValues(tierResponse).Inc()
		return nil, ErrCacheMiss
	}

	CacheHits.WithLabelValues(tierResponse).Inc()
	c.logger.Debug().Str("url", url).Int("status", status).Msg("Response cache hit")

	return &version.Response{
		StatusCode: status,
		Body:       decoded,
		Header:     hdr,
		URL:        url,
		FromCache:  true,
	}, nil
}

// cacheableStatus reports whether a response status is worth keeping.
// Stable not-found answers are cached deliberately: the version ladder
// re-asks for them often.
func cacheableStatus(status int) bool {
	return status == http.StatusOK || status == http.StatusNotFound
}

// Put stores a response under key with the given TTL (<= 0 means the
// default). Responses with non-cacheable statuses and disabled tiers are
// silently skipped.
func (c *ResponseCache) Put(ctx context.Context, key RequestKey, resp *version.Response, ttl time.Duration) error {
	if !c.enabled.Load() || resp == nil || !cacheableStatus(resp.StatusCode) {
		return nil
	}
	if ttl <= 0 {
		ttl = c.defaultTTL
	}

	headers, err := json.Marshal(resp.Header)
	if err != nil {
		CacheErrors.WithLabelValues(tierResponse, "put").Inc()
		return fmt.Errorf("marshal response headers: %w", err)
	}

	now := time.Now()
	body := c.encoder.EncodeAll(resp.Body, nil)

	_, err = c.db.ExecContext(ctx,
		`INSERT INTO responses (key, url, method, status, body, headers, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET
		   status = excluded.status, body = excluded.body, headers = excluded.headers,
		   created_at = excluded.created_at, expires_at = excluded.expires_at`,
		key.Hash(), key.URL, key.Method, resp.StatusCode, body, string(headers),
		now.Unix(), now.Add(ttl).Unix())
	if err != nil {
		CacheErrors.WithLabelValues(tierResponse, "put").Inc()
		return fmt.Errorf("response cache put: %w", err)
	}

	c.logger.Debug().
		Str("url", key.URL).
		Int("status", resp.StatusCode).
		Dur("ttl", ttl).
		Msg("Cached response")
	return nil
}

// Clear removes all cached responses.
func (c *ResponseCache) Clear(ctx context.Context) error {
	if _, err := c.db.ExecContext(ctx, `DELETE FROM responses`); err != nil {
		CacheErrors.WithLabelValues(tierResponse, "clear").Inc()
		return fmt.Errorf("response cache clear: %w", err)
	}
	c.logger.Info().Msg("Response cache cleared")
	return nil
}

// ResponseInfo describes the response store.
type ResponseInfo struct {
	ResponseCount int
	SizeBytes     int64
	Enabled       bool
}

// Info reports entry count and stored (compressed) size.
func (c *ResponseCache) Info(ctx context.Context) (ResponseInfo, error) {
	var info ResponseInfo
	info.Enabled = c.enabled.Load()

	row := c.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(LENGTH(body)), 0) FROM responses`)
	if err := row.Scan(&info.ResponseCount, &info.SizeBytes); err != nil {
		return ResponseInfo{}, fmt.Errorf("response cache info: %w", err)
	}
	return info, nil
}

func (c *ResponseCache) delete(ctx context.Context, hash string) {
	if _, err := c.db.ExecContext(ctx, `DELETE FROM responses WHERE key = ?`, hash); err != nil {
		CacheErrors.WithLabelValues(tierResponse, "delete").Inc()
		c.logger.Warn().Err(err).Msg("Failed to delete response cache row")
	}
}
