package service

import (
	"testing"
	"time"
)

func TestBreakerOpensAtThreshold(t *testing.T) {
	cb := NewCircuitBreaker(3, 30*time.Second, newFakeClock())

	for i := 0; i < 2; i++ {
		cb.RecordFailure()
		if cb.State() != BreakerClosed {
			t.Fatalf("breaker opened after %d failures, threshold is 3", i+1)
		}
	}
	cb.RecordFailure()
	if cb.State() != BreakerOpen {
		t.Fatal("breaker should open at the failure threshold")
	}
	if cb.Allow() {
		t.Fatal("open breaker must reject")
	}
}

func TestBreakerSuccessResetsCount(t *testing.T) {
	cb := NewCircuitBreaker(3, 30*time.Second, newFakeClock())

	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordSuccess()
	cb.RecordFailure()
	cb.RecordFailure()
	if cb.State() != BreakerClosed {
		t.Fatal("interleaved success should reset the consecutive failure count")
	}
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	clock := newFakeClock()
	cb := NewCircuitBreaker(1, 30*time.Second, clock)

	cb.RecordFailure()
	if cb.State() != BreakerOpen {
		t.Fatal("breaker should be open")
	}

	clock.Advance(29 * time.Second)
	if cb.Allow() {
		t.Fatal("breaker must stay open during cooldown")
	}

	clock.Advance(2 * time.Second)
	if !cb.Allow() {
		t.Fatal("breaker should allow one probe after cooldown")
	}
	if cb.State() != BreakerHalfOpen {
		t.Fatalf("state = %s, want half-open", cb.State())
	}

	// probe failure re-opens immediately
	cb.RecordFailure()
	if cb.State() != BreakerOpen {
		t.Fatal("failed probe should re-open the breaker")
	}

	// after another cooldown, a successful probe closes it
	clock.Advance(31 * time.Second)
	if !cb.Allow() {
		t.Fatal("breaker should allow a probe after second cooldown")
	}
	cb.RecordSuccess()
	if cb.State() != BreakerClosed {
		t.Fatal("successful probe should close the breaker")
	}
}
