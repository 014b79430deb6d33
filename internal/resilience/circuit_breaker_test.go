package resilience

import (
	"testing"
	"time"
)

func TestCircuitBreakerAllowsWhileClosed(t *testing.T) {
	cb := NewCircuitBreaker(time.Second, 4, 5, 0.5, 50*time.Millisecond, 1)
	for i := 0; i < 3; i++ {
		if !cb.Allow() {
			t.Fatalf("expected closed breaker to allow call %d", i)
		}
		cb.RecordResult(true)
	}
}

func TestCircuitBreakerOpensOnFailureRate(t *testing.T) {
	cb := NewCircuitBreaker(time.Second, 4, 4, 0.5, time.Hour, 1)
	for i := 0; i < 4; i++ {
		cb.Allow()
		cb.RecordResult(false)
	}
	if cb.Allow() {
		t.Fatalf("expected breaker to open after sustained failures")
	}
}

func TestCircuitBreakerHalfOpensAfterCooldown(t *testing.T) {
	cb := NewCircuitBreaker(time.Second, 4, 2, 0.5, 20*time.Millisecond, 1)
	for i := 0; i < 2; i++ {
		cb.Allow()
		cb.RecordResult(false)
	}
	if cb.Allow() {
		t.Fatalf("expected breaker open immediately after tripping")
	}
	time.Sleep(30 * time.Millisecond)
	if !cb.Allow() {
		t.Fatalf("expected breaker to allow a half-open probe after cooldown")
	}
	// second probe beyond maxHalfOpenProbes=1 should be rejected until
	// the probe's outcome is recorded.
	if cb.Allow() {
		t.Fatalf("expected only one concurrent half-open probe")
	}
}

func TestCircuitBreakerClosesAfterSuccessfulProbe(t *testing.T) {
	cb := NewCircuitBreaker(time.Second, 4, 2, 0.5, 10*time.Millisecond, 1)
	for i := 0; i < 2; i++ {
		cb.Allow()
		cb.RecordResult(false)
	}
	time.Sleep(15 * time.Millisecond)
	if !cb.Allow() {
		t.Fatalf("expected half-open probe to be allowed")
	}
	cb.RecordResult(true)
	if !cb.Allow() {
		t.Fatalf("expected breaker to be closed and allowing after a successful probe")
	}
}
