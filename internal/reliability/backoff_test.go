package reliability

import (
	"testing"
	"time"
)

func TestBackoffDoublesAndCaps(t *testing.T) {
	base := time.Second
	max := 30 * time.Second

	for _, tc := range []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{4, 16 * time.Second},
		{5, 30 * time.Second},
		{20, 30 * time.Second},
	} {
		if got := Backoff(tc.attempt, base, max); got != tc.want {
			t.Fatalf("Backoff(%d) = %v, want %v", tc.attempt, got, tc.want)
		}
	}
}

func TestBackoffDefaults(t *testing.T) {
	if got := Backoff(0, 0, 0); got != time.Second {
		t.Fatalf("Backoff with zero base = %v, want 1s", got)
	}
}

func TestRetryableHTTPStatus(t *testing.T) {
	for _, code := range []int{429, 500, 502, 503, 504} {
		if !RetryableHTTPStatus(code) {
			t.Fatalf("status %d should be retryable", code)
		}
	}
	for _, code := range []int{200, 400, 401, 404} {
		if RetryableHTTPStatus(code) {
			t.Fatalf("status %d should not be retryable", code)
		}
	}
}

func TestRetryableRealtimeMessageType(t *testing.T) {
	if !RetryableRealtimeMessageType("rate_limited") {
		t.Fatalf("rate_limited should be retryable")
	}
	if RetryableRealtimeMessageType("auth_failed") {
		t.Fatalf("auth_failed should not be retryable")
	}
}
