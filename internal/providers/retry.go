package providers

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// HTTPError wraps a non-2xx provider HTTP response, carrying enough detail
// for RetryDo to decide whether the call is worth retrying.
type HTTPError struct {
	Status     int
	Body       string
	RetryAfter time.Duration // 0 if the response didn't send Retry-After
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// ParseRetryAfter parses a Retry-After header value (seconds, per RFC 7231;
// provider APIs don't send the HTTP-date form). Returns 0 on empty or
// unparseable input.
func ParseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	secs, err := strconv.Atoi(strings.TrimSpace(header))
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// RetryConfig controls RetryDo's backoff schedule.
type RetryConfig struct {
	MaxRetries int
	Backoff    []time.Duration // one entry per retry attempt; the last entry repeats if exhausted

	// Limiter pre-throttles every call (including the first attempt) before
	// fn runs, independent of the backoff-on-failure schedule above. Nil
	// disables pre-throttling.
	Limiter *rate.Limiter
}

type retryHookKey struct{}

// WithRetryHook attaches a per-request observer to ctx, called before each
// backoff wait with the attempt number and the total attempts budgeted —
// the agentic loop uses this to update a "retrying..." placeholder in the
// channel it's talking to.
func WithRetryHook(ctx context.Context, hook func(attempt, maxAttempts int, err error)) context.Context {
	return context.WithValue(ctx, retryHookKey{}, hook)
}

func retryHookFromContext(ctx context.Context) func(attempt, maxAttempts int, err error) {
	hook, _ := ctx.Value(retryHookKey{}).(func(attempt, maxAttempts int, err error))
	return hook
}

// DefaultRetryConfig is the schedule every provider falls back to:
// 5 retries at 2s/4s/8s/16s/30s, pre-throttled to 5 requests/sec with a
// burst of 5 to stay clear of per-minute provider quotas before a 429
// ever happens.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 5,
		Backoff: []time.Duration{
			2 * time.Second,
			4 * time.Second,
			8 * time.Second,
			16 * time.Second,
			30 * time.Second,
		},
		Limiter: rate.NewLimiter(rate.Limit(5), 5),
	}
}

// RetryDo runs fn, retrying on rate-limit/overload errors per cfg's
// schedule. Context cancellation and non-retryable errors return
// immediately. Generic over the call's success type so it wraps both a
// decoded *ChatResponse (Chat) and a raw io.ReadCloser (ChatStream's
// connection phase).
func RetryDo[T any](ctx context.Context, cfg RetryConfig, fn func() (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		if cfg.Limiter != nil {
			if err := cfg.Limiter.Wait(ctx); err != nil {
				return zero, err
			}
		}

		result, err := fn()
		if err == nil {
			return result, nil
		}
		lastErr = err

		if attempt == cfg.MaxRetries || !isRetryable(err) {
			return zero, err
		}

		wait := backoffFor(cfg, attempt, err)
		if hook := retryHookFromContext(ctx); hook != nil {
			hook(attempt+1, cfg.MaxRetries+1, err)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-timer.C:
		}
	}

	return zero, lastErr
}

// backoffFor picks the configured delay for this attempt, honoring a
// provider's Retry-After header when the error carries one.
func backoffFor(cfg RetryConfig, attempt int, err error) time.Duration {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) && httpErr.RetryAfter > 0 {
		return httpErr.RetryAfter
	}
	schedule := cfg.Backoff
	if len(schedule) == 0 {
		return 2 * time.Second
	}
	if attempt >= len(schedule) {
		return schedule[len(schedule)-1]
	}
	return schedule[attempt]
}

// isRetryable reports whether err represents a rate-limit/overload condition
// worth retrying: HTTP 429, or a message mentioning 429/rate limiting/
// overload (providers that don't set a clean status code for it). Any other
// transport or server failure — other 5xx, connection resets, EOF — is not
// retried here and propagates immediately.
func isRetryable(err error) bool {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		if httpErr.Status == 429 {
			return true
		}
		return containsAny(httpErr.Body, "429", "rate limit", "overloaded")
	}
	return containsAny(err.Error(), "429", "rate limit", "overloaded")
}

func containsAny(s string, subs ...string) bool {
	lower := strings.ToLower(s)
	for _, sub := range subs {
		if strings.Contains(lower, sub) {
			return true
		}
	}
	return false
}
