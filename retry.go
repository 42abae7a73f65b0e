package d2e

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// RetryConfig controls how failed engine requests are retried.
type RetryConfig struct {
	// Factor is the exponential base applied per retry.
	Factor float64
	// MinTimeout is the delay before the first retry.
	MinTimeout time.Duration
	// MaxTimeout caps every delay. Zero means uncapped.
	MaxTimeout time.Duration
	// Randomize multiplies each delay by a random factor in [1, 2).
	Randomize bool
	// Retries is the number of retries after the first attempt.
	Retries int
}

// DefaultRetryConfig returns 4 retries (5 attempts) starting at 1s,
// doubling, capped at 60s, with jitter.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		Factor:     2,
		MinTimeout: time.Second,
		MaxTimeout: time.Minute,
		Randomize:  true,
		Retries:    4,
	}
}

const (
	defaultRateLimitWait = time.Second
	minRateLimitWait     = 100 * time.Millisecond
	maxRateLimitWait     = time.Minute
)

// retryDecision is the outcome of classifying one failed attempt.
type retryDecision struct {
	retry bool
	// wait is a server-dictated delay. Zero means exponential backoff.
	wait time.Duration
	// counted is false for retries that do not consume the retry budget.
	counted bool
}

// classify decides whether a failed attempt is retried, and how.
func classify(err error) retryDecision {
	var (
		httpErr *ErrHTTP
		yielded *yieldedError
	)
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return retryDecision{}
	case errors.As(err, &yielded):
		// Activities already reached the caller; a retry would duplicate them.
		return retryDecision{}
	case isFatalProtocolError(err):
		return retryDecision{}
	case errors.As(err, &httpErr):
		switch {
		case httpErr.Status == http.StatusTooManyRequests:
			return retryDecision{retry: true, wait: rateLimitWait(httpErr.RetryAfter)}
		case httpErr.Status < 500:
			return retryDecision{}
		}
	}
	// 5xx, network failures and decode errors.
	return retryDecision{retry: true, counted: true}
}

// rateLimitWait clamps a Retry-After value into [100ms, 60s], defaulting to 1s.
func rateLimitWait(retryAfter time.Duration) time.Duration {
	if retryAfter <= 0 {
		return defaultRateLimitWait
	}
	return min(max(retryAfter, minRateLimitWait), maxRateLimitWait)
}

// ParseRetryAfter parses a Retry-After header given in seconds or as an
// HTTP date. It returns 0 when the header is empty or malformed.
func ParseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		if secs <= 0 || math.IsNaN(secs) || math.IsInf(secs, 0) {
			return 0
		}
		return time.Duration(secs * float64(time.Second))
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// yieldedError marks a failure that happened after the attempt had already
// handed activities to the caller.
type yieldedError struct {
	err error
}

func (e *yieldedError) Error() string { return e.err.Error() }
func (e *yieldedError) Unwrap() error { return e.err }

// retrier runs attempts under a RetryConfig and reports failures.
type retrier struct {
	cfg       RetryConfig
	telemetry Telemetry
	logger    *slog.Logger
}

// do calls fn until it succeeds, fails fatally, or the retry budget is
// spent. fn receives the 1-based attempt number.
func (r *retrier) do(ctx context.Context, handledAt string, fn func(ctx context.Context, attempt int) error) error {
	failures := 0
	for attempt := 1; ; attempt++ {
		err := fn(ctx, attempt)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		d := classify(err)
		if d.counted {
			failures++
		}
		retriesLeft := max(r.cfg.Retries-failures, 0)
		r.telemetry.TrackException(ctx, err, map[string]any{
			"handledAt":     handledAt,
			"attemptNumber": attempt,
			"retriesLeft":   retriesLeft,
		})

		if !d.retry || (d.counted && failures > r.cfg.Retries) {
			r.logger.Error("engine request failed",
				"handled_at", handledAt,
				"attempts", attempt,
				"error", err)
			r.telemetry.TrackException(ctx, err, map[string]any{
				"handledAt":  handledAt,
				"retryCount": attempt,
			})
			var y *yieldedError
			if errors.As(err, &y) {
				return y.err
			}
			return err
		}

		delay := d.wait
		if d.counted {
			delay = r.backoff(failures - 1)
		}
		r.logger.Warn("retrying engine request",
			"handled_at", handledAt,
			"status", statusOf(err),
			"attempt", attempt,
			"retries_left", retriesLeft,
			"delay", delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// backoff returns the delay before retry i (0-indexed):
// MinTimeout * Factor^i, optionally jittered, capped at MaxTimeout.
func (r *retrier) backoff(i int) time.Duration {
	factor := r.cfg.Factor
	if factor <= 0 {
		factor = 1
	}
	d := float64(r.cfg.MinTimeout) * math.Pow(factor, float64(i))
	if r.cfg.Randomize {
		d *= 1 + rand.Float64()
	}
	if r.cfg.MaxTimeout > 0 && d > float64(r.cfg.MaxTimeout) {
		return r.cfg.MaxTimeout
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// statusOf extracts the HTTP status code from an ErrHTTP, or 0.
func statusOf(err error) int {
	var e *ErrHTTP
	if errors.As(err, &e) {
		return e.Status
	}
	return 0
}
