package providers

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"http 429", &HTTPError{Status: 429, Body: "too many requests"}, true},
		{"http body mentions rate limit", &HTTPError{Status: 400, Body: "you hit our rate limit"}, true},
		{"http body mentions overloaded", &HTTPError{Status: 503, Body: "model is overloaded"}, true},
		{"http 500 plain", &HTTPError{Status: 500, Body: "internal server error"}, false},
		{"http 502 bad gateway", &HTTPError{Status: 502, Body: "bad gateway"}, false},
		{"plain error mentioning 429", errors.New("request failed: 429"), true},
		{"plain error mentioning overloaded", errors.New("the service is overloaded right now"), true},
		{"connection reset", errors.New("read: connection reset by peer"), false},
		{"EOF", errors.New("unexpected EOF"), false},
		{"wrapped retryable http error", fmt.Errorf("calling provider: %w", &HTTPError{Status: 429, Body: ""}), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isRetryable(tt.err); got != tt.want {
				t.Errorf("isRetryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestRetryDo_StopsOnNonRetryableError(t *testing.T) {
	calls := 0
	_, err := RetryDo(context.Background(), RetryConfig{MaxRetries: 5}, func() (int, error) {
		calls++
		return 0, &HTTPError{Status: 500, Body: "internal error"}
	})
	if err == nil {
		t.Fatal("expected an error")
	}
	if calls != 1 {
		t.Fatalf("expected exactly 1 call for a non-retryable error, got %d", calls)
	}
}

func TestRetryDo_RetriesRateLimitUntilSuccess(t *testing.T) {
	calls := 0
	cfg := RetryConfig{
		MaxRetries: 3,
		Backoff:    []time.Duration{time.Millisecond, time.Millisecond, time.Millisecond},
	}
	got, err := RetryDo(context.Background(), cfg, func() (string, error) {
		calls++
		if calls < 3 {
			return "", &HTTPError{Status: 429, Body: "rate limited"}
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "ok" {
		t.Fatalf("got %q, want %q", got, "ok")
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}
