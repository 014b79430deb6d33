package engine

import (
	"testing"
	"time"
)

func TestFibonacci(t *testing.T) {
	cases := map[int]int{1: 1, 2: 1, 3: 2, 4: 3, 5: 5, 6: 8, 7: 13}
	for n, want := range cases {
		if got := fibonacci(n); got != want {
			t.Fatalf("fibonacci(%d) = %d, want %d", n, got, want)
		}
	}
}

func TestNextRetryDelayFixedDelay(t *testing.T) {
	got := nextRetryDelay(RetryFixedDelay, 10, 3)
	if got != 10*time.Second {
		t.Fatalf("nextRetryDelay(FIXED_DELAY) = %v, want 10s", got)
	}
}

func TestNextRetryDelayImmediate(t *testing.T) {
	if got := nextRetryDelay(RetryImmediate, 10, 1); got != 0 {
		t.Fatalf("nextRetryDelay(IMMEDIATE) = %v, want 0", got)
	}
}

func TestNextRetryDelayFibonacciBackoff(t *testing.T) {
	got := nextRetryDelay(RetryFibonacciBackoff, 2, 4)
	want := time.Duration(2*fibonacci(4)) * time.Second
	if got != want {
		t.Fatalf("nextRetryDelay(FIBONACCI_BACKOFF) = %v, want %v", got, want)
	}
}

func TestNextRetryDelayExponentialBackoffWithinBounds(t *testing.T) {
	got := nextRetryDelay(RetryExponentialBackoff, 1, 3)
	// base = 1 * 2^(3-1) = 4s, plus jitter in [0,1)
	if got < 4*time.Second || got >= 5*time.Second {
		t.Fatalf("nextRetryDelay(EXPONENTIAL_BACKOFF) = %v, want in [4s, 5s)", got)
	}
}

func TestShouldRetryRespectsMaxRetriesAndStrategy(t *testing.T) {
	base := &TaskExecution{Status: StatusFailed, RetryStrategy: RetryFixedDelay, MaxRetries: 3, RetryCount: 2}
	if !shouldRetry(base) {
		t.Fatalf("expected retry eligible: below max_retries")
	}

	exhausted := &TaskExecution{Status: StatusFailed, RetryStrategy: RetryFixedDelay, MaxRetries: 3, RetryCount: 3}
	if shouldRetry(exhausted) {
		t.Fatalf("expected retry not eligible once retry_count reaches max_retries")
	}

	noRetryStrategy := &TaskExecution{Status: StatusFailed, RetryStrategy: RetryNone, MaxRetries: 3, RetryCount: 0}
	if shouldRetry(noRetryStrategy) {
		t.Fatalf("expected RetryNone to never be eligible")
	}

	wrongStatus := &TaskExecution{Status: StatusCompleted, RetryStrategy: RetryFixedDelay, MaxRetries: 3, RetryCount: 0}
	if shouldRetry(wrongStatus) {
		t.Fatalf("expected only FAILED/TIMEOUT executions to be retry-eligible")
	}
}
