package version

import (
	"context"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for version resolution.
var (
	versionAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "oda_version_attempts_total",
		Help: "Total version fetch attempts by outcome",
	}, []string{"outcome"})

	versionResolutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "oda_version_resolutions_total",
		Help: "Total resolution calls by result",
	}, []string{"result"})

	versionLadderDepth = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "oda_version_ladder_depth",
		Help:    "Number of ladder rungs tried per successful resolution",
		Buckets: []float64{1, 2, 3, 4, 5},
	})
)

// Resolution defaults. The ladder tries at most DefaultMaxAttempts versions;
// a transient failure retries the same version DefaultTransientRetries extra
// times with backoff before counting as a ladder rung.
const (
	DefaultMaxAttempts      = 5
	DefaultTransientRetries = 2
	DefaultFloorVersion     = "1.0"
	defaultInitialBackoff   = 1 * time.Second
	defaultMaxBackoff       = 10 * time.Second
)

// FetchFunc fetches one candidate version. It is supplied by the caller and
// is expected to be rate-gated and response-cached internally.
type FetchFunc func(ctx context.Context, version string) (*Response, error)

// Resolver walks a descending ladder of dataflow versions until one
// succeeds. Versions are dotted numeric (major.minor); each rung lowers the
// minor component by one and the ladder never goes below FloorVersion.
type Resolver struct {
	// MaxAttempts bounds the number of ladder rungs (default 5).
	MaxAttempts int

	// TransientRetries bounds same-version retries on transient failures
	// before the failure counts as a ladder rung (default 2).
	TransientRetries int

	// FloorVersion is the lowest version the ladder may try (default "1.0").
	FloorVersion string

	// Classify maps fetch results to outcomes (default Classify).
	Classify Classifier

	// InitialBackoff and MaxBackoff shape the transient-retry backoff.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	logger zerolog.Logger
}

// NewResolver returns a Resolver with default settings.
func NewResolver() *Resolver {
	return &Resolver{
		MaxAttempts:      DefaultMaxAttempts,
		TransientRetries: DefaultTransientRetries,
		FloorVersion:     DefaultFloorVersion,
		Classify:         Classify,
		InitialBackoff:   defaultInitialBackoff,
		MaxBackoff:       defaultMaxBackoff,
		logger:           log.With().Str("component", "version-resolver").Logger(),
	}
}

// Resolve tries startVersion and successively older versions until one
// succeeds. On success it returns the working version and its response. On
// fatal errors it fails immediately. Exhausting the ladder returns a
// *ResolutionError carrying the ordered attempt history.
func (r *Resolver) Resolve(ctx context.Context, dataflowID, startVersion string, fetch FetchFunc) (string, *Response, error) {
	maxAttempts := r.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	classify := r.Classify
	if classify == nil {
		classify = Classify
	}
	floor := r.FloorVersion
	if floor == "" {
		floor = DefaultFloorVersion
	}

	if _, _, err := parseVersion(startVersion); err != nil {
		return "", nil, err
	}

	attempts := make([]Attempt, 0, maxAttempts)
	current := startVersion

	for len(attempts) < maxAttempts {
		resp, outcome, err := r.fetchOnce(ctx, current, fetch, classify)
		attempts = append(attempts, Attempt{Version: current, Outcome: outcome, Err: err})
		versionAttemptsTotal.WithLabelValues(string(outcome)).Inc()

		switch outcome {
		case OutcomeSuccess:
			versionResolutionsTotal.WithLabelValues("success").Inc()
			versionLadderDepth.Observe(float64(len(attempts)))
			if len(attempts) > 1 {
				r.logger.Info().
					Str("dataflow_id", dataflowID).
					Str("version", current).
					Int("attempts", len(attempts)).
					Msg("Resolved dataflow version after fallback")
			}
			return current, resp, nil

		case OutcomeFatal:
			versionResolutionsTotal.WithLabelValues("fatal").Inc()
			r.logger.Error().
				Str("dataflow_id", dataflowID).
				Str("version", current).
				Msg("Fatal remote error, aborting resolution")
			status := 0
			if resp != nil {
				status = resp.StatusCode
			}
			return "", nil, &RemoteError{
				Version:    current,
				StatusCode: status,
				Outcome:    OutcomeFatal,
				Message:    fmt.Sprintf("fetch %s", dataflowID),
			}

		case OutcomeNotFound, OutcomeNoDataYet, OutcomeTransient:
			// NotFound and NoDataYet both fall back: an older version may
			// already carry the data. A transient failure that survived its
			// same-version retries has used up this rung.
			r.logger.Debug().
				Str("dataflow_id", dataflowID).
				Str("version", current).
				Str("outcome", string(outcome)).
				Msg("Version attempt failed, stepping down")
		}

		next, ok := decrementVersion(current, floor)
		if !ok {
			r.logger.Warn().
				Str("dataflow_id", dataflowID).
				Str("floor", floor).
				Msg("Version ladder reached floor")
			break
		}
		current = next

		if err := ctx.Err(); err != nil {
			return "", nil, err
		}
	}

	versionResolutionsTotal.WithLabelValues("exhausted").Inc()
	return "", nil, &ResolutionError{DataflowID: dataflowID, Attempts: attempts}
}

// fetchOnce performs the fetch for one ladder rung, retrying transient
// failures of the same version with jittered backoff.
func (r *Resolver) fetchOnce(ctx context.Context, ver string, fetch FetchFunc, classify Classifier) (*Response, Outcome, error) {
	retries := r.TransientRetries
	if retries < 0 {
		retries = 0
	}
	backoff := r.InitialBackoff
	if backoff <= 0 {
		backoff = defaultInitialBackoff
	}
	maxBackoff := r.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = defaultMaxBackoff
	}

	var (
		resp    *Response
		outcome Outcome
		lastErr error
	)

	for try := 0; ; try++ {
		var err error
		resp, err = fetch(ctx, ver)
		lastErr = err
		outcome = classify(resp, err)

		if outcome != OutcomeTransient || try >= retries {
			return resp, outcome, lastErr
		}

		// Jitter the backoff (+/-20%) to avoid synchronized retries.
		jitter := time.Duration(float64(backoff) * (0.8 + rand.Float64()*0.4))
		r.logger.Warn().
			Str("version", ver).
			Int("try", try+1).
			Dur("backoff", jitter).
			Msg("Transient error, retrying same version")

		select {
		case <-ctx.Done():
			return resp, OutcomeTransient, ctx.Err()
		case <-time.After(jitter):
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// parseVersion splits a dotted numeric major.minor version.
func parseVersion(v string) (major, minor int, err error) {
	parts := strings.Split(v, ".")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("%w: %q", ErrBadVersion, v)
	}
	major, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %q", ErrBadVersion, v)
	}
	minor, err = strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %q", ErrBadVersion, v)
	}
	return major, minor, nil
}

// decrementVersion lowers the minor component by one. It reports false when
// the result would drop below floor or the minor component is already zero.
func decrementVersion(v, floor string) (string, bool) {
	major, minor, err := parseVersion(v)
	if err != nil || minor == 0 {
		return "", false
	}

	next := fmt.Sprintf("%d.%d", major, minor-1)

	if fMajor, fMinor, err := parseVersion(floor); err == nil {
		if major < fMajor || (major == fMajor && minor-1 < fMinor) {
			return "", false
		}
	}

	return next, true
}
