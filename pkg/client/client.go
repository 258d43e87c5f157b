// Package client provides the core data-retrieval client with rate
// limiting, response caching, and dataflow version resolution.
package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ONEcampaign/oda-reader/pkg/cache"
	"github.com/ONEcampaign/oda-reader/pkg/ratelimit"
	"github.com/ONEcampaign/oda-reader/pkg/version"
)

// Prometheus metrics for client operations.
var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "oda_requests_total",
		Help: "Total requests by status",
	}, []string{"status"})

	requestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "oda_request_duration_seconds",
		Help:    "Request duration in seconds, network requests only",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 120},
	})
)

// versionPattern matches the dataflow version segment of an SDMX data URL,
// e.g. the ",1.3/" in ".../DSD_DAC1@DF_DAC1,1.3/..all".
var versionPattern = regexp.MustCompile(`,(\d+\.\d+)/`)

// hostQuirkSentinel marks 500 bodies from the public host for dataflows that
// are only published on the dcd-public host.
var hostQuirkSentinel = []byte("not set to")

// DefaultBaseURL is the public SDMX REST endpoint.
const DefaultBaseURL = "https://sdmx.oecd.org/public/rest"

// Config holds the client configuration.
type Config struct {
	// BaseURL is the API root used by Get.
	BaseURL string

	// UserAgent identifies the application to the remote service (required).
	UserAgent string

	// Rate limiting: MaxCalls requests per Period across the process.
	MaxCalls int
	Period   time.Duration

	// Version resolution.
	MaxAttempts  int
	FloorVersion string

	// Timeout bounds a single HTTP request.
	Timeout time.Duration

	// Cache configures the tiered cache the client owns.
	Cache cache.Config
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig(userAgent string) Config {
	return Config{
		BaseURL:      DefaultBaseURL,
		UserAgent:    userAgent,
		MaxCalls:     ratelimit.DefaultMaxCalls,
		Period:       ratelimit.DefaultPeriod,
		MaxAttempts:  version.DefaultMaxAttempts,
		FloorVersion: version.DefaultFloorVersion,
		Timeout:      120 * time.Second,
		Cache:        cache.DefaultConfig(),
	}
}

// Client retrieves data from the remote API. Every network request passes
// through the shared rate limiter; responses are served from the tier-1
// cache when possible.
type Client struct {
	httpClient *http.Client
	limiter    *ratelimit.Limiter
	resolver   *version.Resolver
	caches     *cache.Manager
	config     Config
	logger     zerolog.Logger
}

// New creates a client from cfg.
func New(cfg Config) (*Client, error) {
	if cfg.UserAgent == "" {
		return nil, fmt.Errorf("user-agent is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.MaxCalls <= 0 {
		cfg.MaxCalls = ratelimit.DefaultMaxCalls
	}
	if cfg.Period <= 0 {
		cfg.Period = ratelimit.DefaultPeriod
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}

	caches, err := cache.NewManager(cfg.Cache)
	if err != nil {
		return nil, fmt.Errorf("init cache: %w", err)
	}

	resolver := version.NewResolver()
	if cfg.MaxAttempts > 0 {
		resolver.MaxAttempts = cfg.MaxAttempts
	}
	if cfg.FloorVersion != "" {
		resolver.FloorVersion = cfg.FloorVersion
	}

	return &Client{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    ratelimit.New(cfg.MaxCalls, cfg.Period),
		resolver:   resolver,
		caches:     caches,
		config:     cfg,
		logger:     log.With().Str("component", "client").Logger(),
	}, nil
}

// Fetch performs a rate-gated GET for url, reading through the tier-1
// response cache. Cached responses do not consume a rate-limit slot. The
// returned response is always fully read; no body stream is left open.
func (c *Client) Fetch(ctx context.Context, url string) (*version.Response, error) {
	key := cache.RequestKey{Method: http.MethodGet, URL: url}

	if resp, err := c.caches.Responses.Get(ctx, key); err == nil {
		requestsTotal.WithLabelValues("cached").Inc()
		return resp, nil
	}

	if err := c.limiter.Acquire(ctx); err != nil {
		return nil, fmt.Errorf("acquire rate slot: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	// Accept-Encoding is left to the transport: when it negotiates gzip
	// itself it also decompresses transparently, so Body below is always the
	// decoded payload. Setting the header manually would disable that.
	req.Header.Set("User-Agent", c.config.UserAgent)

	c.logger.Debug().Str("url", url).Msg("Executing request")
	start := time.Now()

	httpResp, err := c.httpClient.Do(req)
	requestDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		requestsTotal.WithLabelValues("network_error").Inc()
		c.logger.Error().Err(err).Str("url", url).Msg("HTTP request failed")
		return nil, fmt.Errorf("fetch %s: %w", url, err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		requestsTotal.WithLabelValues("network_error").Inc()
		return nil, fmt.Errorf("read response body: %w", err)
	}

	requestsTotal.WithLabelValues(fmt.Sprintf("%d", httpResp.StatusCode)).Inc()

	// Some dataflows are only served from the dcd-public host; the public
	// host answers for them with a 500 whose body says the dataflow is "not
	// set to" an available version. Retry once against the other host. The
	// rewritten URL no longer contains "/public/", so this cannot recurse.
	if httpResp.StatusCode == http.StatusInternalServerError &&
		bytes.Contains(body, hostQuirkSentinel) &&
		strings.Contains(url, "/public/") {
		alt := strings.Replace(url, "/public/", "/dcd-public/", 1)
		c.logger.Warn().Str("url", url).Str("fallback_url", alt).
			Msg("Dataflow not available on public host, retrying dcd-public")
		return c.Fetch(ctx, alt)
	}

	resp := &version.Response{
		StatusCode: httpResp.StatusCode,
		Body:       body,
		Header:     httpResp.Header,
		URL:        url,
	}

	if err := c.caches.Responses.Put(ctx, key, resp, 0); err != nil {
		c.logger.Warn().Err(err).Str("url", url).Msg("Failed to cache response")
	}
	return resp, nil
}

// Get performs a rate-gated GET for a path below the configured base URL.
func (c *Client) Get(ctx context.Context, path string) (*version.Response, error) {
	return c.Fetch(ctx, c.config.BaseURL+path)
}

// ResolveVersion fetches url, walking the dataflow version ladder when the
// version embedded in the URL has no data. It returns the working version
// and its response. The URL must carry an SDMX version segment (",X.Y/").
func (c *Client) ResolveVersion(ctx context.Context, dataflowID, url string) (string, *version.Response, error) {
	match := versionPattern.FindStringSubmatch(url)
	if match == nil {
		return "", nil, fmt.Errorf("%w: no version segment in %s", version.ErrBadVersion, url)
	}
	startVersion := match[1]

	return c.resolver.Resolve(ctx, dataflowID, startVersion, func(ctx context.Context, ver string) (*version.Response, error) {
		return c.Fetch(ctx, WithVersion(url, ver))
	})
}

// WithVersion replaces the SDMX version segment of url. URLs without a
// version segment are returned unchanged.
func WithVersion(url, ver string) string {
	return versionPattern.ReplaceAllString(url, ","+ver+"/")
}

// AcquireRateSlot blocks until a rate-limit slot is free. Use it to gate
// requests made outside Fetch, such as bulk downloads.
func (c *Client) AcquireRateSlot(ctx context.Context) error {
	return c.limiter.Acquire(ctx)
}

// Cache returns the tiered cache manager the client owns.
func (c *Client) Cache() *cache.Manager {
	return c.caches
}

// RateLimiter returns the shared rate limiter.
func (c *Client) RateLimiter() *ratelimit.Limiter {
	return c.limiter
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}

// Close releases the client's cache resources.
func (c *Client) Close() error {
	return c.caches.Close()
}
