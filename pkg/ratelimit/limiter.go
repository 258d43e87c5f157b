// Package ratelimit implements sliding-window admission control for outbound
// API calls. The remote service enforces an aggressive and inconsistently
// applied rate limit, so every call must pass through a shared limiter.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for rate limit admission.
var (
	rateLimiterAcquiresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "oda_rate_limiter_acquires_total",
		Help: "Total number of call slots granted by the rate limiter",
	})

	rateLimiterWaitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "oda_rate_limiter_waits_total",
		Help: "Total number of acquires that had to wait for a free slot",
	})

	rateLimiterWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "oda_rate_limiter_wait_seconds",
		Help:    "Time spent waiting for a call slot",
		Buckets: []float64{0.01, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
	})
)

// Default limits match the remote service's published guidance of at most
// 20 requests per minute per client.
const (
	DefaultMaxCalls = 20
	DefaultPeriod   = 60 * time.Second
)

// Limiter grants call slots so that no more than maxCalls calls start within
// any trailing period. Limits are re-read on every acquire, so runtime
// changes take effect on the next call.
type Limiter struct {
	mu       sync.Mutex
	maxCalls int
	period   time.Duration
	window   []time.Time

	// wake is closed and replaced by SetLimits so sleeping acquires re-check
	// immediately instead of waiting out a sleep computed from old limits.
	wake chan struct{}

	logger zerolog.Logger

	// now is replaceable for tests.
	now func() time.Time
}

// New creates a Limiter allowing maxCalls calls per period. Non-positive
// arguments fall back to the defaults.
func New(maxCalls int, period time.Duration) *Limiter {
	if maxCalls <= 0 {
		maxCalls = DefaultMaxCalls
	}
	if period <= 0 {
		period = DefaultPeriod
	}
	return &Limiter{
		maxCalls: maxCalls,
		period:   period,
		wake:     make(chan struct{}),
		logger:   log.With().Str("component", "ratelimit").Logger(),
		now:      time.Now,
	}
}

// SetLimits updates the limiter configuration. The new limits apply to the
// very next Acquire, including acquires already waiting: sleeping waiters
// are woken so they re-check against the new window instead of finishing a
// sleep computed from the old one.
func (l *Limiter) SetLimits(maxCalls int, period time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if maxCalls > 0 {
		l.maxCalls = maxCalls
	}
	if period > 0 {
		l.period = period
	}
	close(l.wake)
	l.wake = make(chan struct{})
}

// Limits returns the current configuration.
func (l *Limiter) Limits() (maxCalls int, period time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.maxCalls, l.period
}

// Acquire blocks until a call slot is available, then reserves it by
// recording the call timestamp. The wait is a timed sleep recomputed from the
// oldest timestamp's age, never a busy spin. The only failure mode is context
// expiry during the wait.
func (l *Limiter) Acquire(ctx context.Context) error {
	start := l.now()
	waited := false

	for {
		l.mu.Lock()
		now := l.now()
		l.prune(now)

		if len(l.window) < l.maxCalls {
			l.window = append(l.window, now)
			l.mu.Unlock()

			rateLimiterAcquiresTotal.Inc()
			if waited {
				wait := l.now().Sub(start)
				rateLimiterWaitSeconds.Observe(wait.Seconds())
				l.logger.Debug().
					Dur("wait", wait).
					Msg("Call slot acquired after wait")
			}
			return nil
		}

		// Window full: sleep until the oldest call exits the window, then
		// re-check. SetLimits interrupts the sleep, so the computed duration
		// is only a hint.
		sleep := l.period - now.Sub(l.window[0])
		wake := l.wake
		l.mu.Unlock()

		if !waited {
			waited = true
			rateLimiterWaitsTotal.Inc()
		}
		if sleep <= 0 {
			sleep = time.Millisecond
		}

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// prune drops timestamps older than the trailing period. Caller holds mu.
func (l *Limiter) prune(now time.Time) {
	cutoff := now.Add(-l.period)
	i := 0
	for i < len(l.window) && !l.window[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.window = append(l.window[:0], l.window[i:]...)
	}
}

// InFlight reports how many calls are currently recorded in the trailing
// window. Intended for introspection and tests.
func (l *Limiter) InFlight() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prune(l.now())
	return len(l.window)
}
