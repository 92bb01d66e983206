package service

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// IdempotencyStore suppresses duplicate processing: identical admitted
// payloads within the TTL window return the stored result verbatim.
// Per-instance state, same caveat as the rate limiter.
type IdempotencyStore struct {
	mu      sync.RWMutex
	entries map[string]idemEntry

	ttl   time.Duration
	clock Clock
}

type idemEntry struct {
	result    []byte
	expiresAt time.Time
}

func NewIdempotencyStore(ttl time.Duration, clock Clock) *IdempotencyStore {
	if clock == nil {
		clock = SystemClock()
	}
	return &IdempotencyStore{
		entries: make(map[string]idemEntry),
		ttl:     ttl,
		clock:   clock,
	}
}

// IdempotencyKey derives the deterministic key from a payload's identity
// fields. Two alerts with the same symbol, action, timestamp and price are
// the same logical signal.
func IdempotencyKey(symbol, action string, ts time.Time, price float64) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d|%.8f", symbol, action, ts.UnixMilli(), price)))
	return hex.EncodeToString(sum[:])
}

// Lookup returns the stored result for key if it has not expired.
func (s *IdempotencyStore) Lookup(key string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[key]
	if !ok || s.clock.Now().After(e.expiresAt) {
		return nil, false
	}
	return e.result, true
}

// Store records the terminal result for key under the TTL.
func (s *IdempotencyStore) Store(key string, result []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[key] = idemEntry{
		result:    result,
		expiresAt: s.clock.Now().Add(s.ttl),
	}
}

// Cleanup drops expired entries.
func (s *IdempotencyStore) Cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	for key, e := range s.entries {
		if now.After(e.expiresAt) {
			delete(s.entries, key)
		}
	}
}

// Len reports the live entry count (ops surface).
func (s *IdempotencyStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
