package service

import (
	"testing"
	"time"
)

func TestRateLimiterFixedWindow(t *testing.T) {
	clock := newFakeClock()
	rl := NewRateLimiter(time.Minute, 3, clock)

	for i := 0; i < 3; i++ {
		dec := rl.Allow("10.0.0.1")
		if !dec.Allowed {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}

	dec := rl.Allow("10.0.0.1")
	if dec.Allowed {
		t.Fatal("4th request in window should be rejected")
	}
	if dec.RetryAfter <= 0 || dec.RetryAfter > time.Minute {
		t.Errorf("retry-after out of range: %s", dec.RetryAfter)
	}

	// another source is unaffected
	if dec := rl.Allow("10.0.0.2"); !dec.Allowed {
		t.Fatal("different source should have its own window")
	}

	// window rollover resets the count
	clock.Advance(time.Minute + time.Second)
	if dec := rl.Allow("10.0.0.1"); !dec.Allowed {
		t.Fatal("request after window rollover should be allowed")
	}
}

func TestRateLimiterRemaining(t *testing.T) {
	rl := NewRateLimiter(time.Minute, 2, newFakeClock())

	if dec := rl.Allow("k"); dec.Remaining != 1 {
		t.Errorf("remaining = %d, want 1", dec.Remaining)
	}
	if dec := rl.Allow("k"); dec.Remaining != 0 {
		t.Errorf("remaining = %d, want 0", dec.Remaining)
	}
}

func TestRateLimiterCleanup(t *testing.T) {
	clock := newFakeClock()
	rl := NewRateLimiter(time.Minute, 5, clock)

	rl.Allow("a")
	rl.Allow("b")
	clock.Advance(3 * time.Minute)
	rl.Cleanup()

	rl.mu.Lock()
	n := len(rl.buckets)
	rl.mu.Unlock()
	if n != 0 {
		t.Errorf("stale buckets not cleaned: %d left", n)
	}
}
