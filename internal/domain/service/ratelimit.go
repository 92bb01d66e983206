package service

import (
	"sync"
	"time"
)

// RateLimiter is a fixed-window counter keyed by source identifier.
// Per-instance state; in a multi-instance deployment each instance enforces
// its own window unless this is swapped for a shared store.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*rateBucket

	window time.Duration
	max    int
	clock  Clock
}

type rateBucket struct {
	count       int
	windowStart time.Time
}

// RateDecision reports the outcome of one admission check.
type RateDecision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

func NewRateLimiter(window time.Duration, max int, clock Clock) *RateLimiter {
	if clock == nil {
		clock = SystemClock()
	}
	return &RateLimiter{
		buckets: make(map[string]*rateBucket),
		window:  window,
		max:     max,
		clock:   clock,
	}
}

// Allow atomically increments-or-resets the bucket for key. The count resets
// to 1 whenever a full window has elapsed since windowStart.
func (rl *RateLimiter) Allow(key string) RateDecision {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.clock.Now()
	b, ok := rl.buckets[key]
	if !ok || now.Sub(b.windowStart) >= rl.window {
		rl.buckets[key] = &rateBucket{count: 1, windowStart: now}
		return RateDecision{Allowed: true, Remaining: rl.max - 1}
	}

	if b.count >= rl.max {
		return RateDecision{
			Allowed:    false,
			Remaining:  0,
			RetryAfter: rl.window - now.Sub(b.windowStart),
		}
	}
	b.count++
	return RateDecision{Allowed: true, Remaining: rl.max - b.count}
}

// Cleanup drops buckets whose window has fully elapsed.
func (rl *RateLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.clock.Now()
	for key, b := range rl.buckets {
		if now.Sub(b.windowStart) >= rl.window {
			delete(rl.buckets, key)
		}
	}
}
