// Package ratelimit provides per-source-system token budgets for the
// registration and lookup paths. Requests over budget are rejected
// immediately, never queued or delayed.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Config defines one rate limit budget.
type Config struct {
	// RequestsPerWindow is the maximum number of requests allowed per window.
	// Must be > 0.
	RequestsPerWindow int
	// WindowDuration is the time window for the rate limit.
	// Must be > 0.
	WindowDuration time.Duration
}

// Validate checks that the Config has valid values.
func (c Config) Validate() error {
	if c.RequestsPerWindow <= 0 {
		return fmt.Errorf("RequestsPerWindow must be > 0 (got %d)", c.RequestsPerWindow)
	}
	if c.WindowDuration <= 0 {
		return fmt.Errorf("WindowDuration must be > 0 (got %s)", c.WindowDuration)
	}
	return nil
}

// defaultLookupLimit is the default lookup budget (100 requests per minute).
var defaultLookupLimit = Config{
	RequestsPerWindow: 100,
	WindowDuration:    time.Minute,
}

// defaultRegisterLimit is the default registration budget (50 requests per minute).
var defaultRegisterLimit = Config{
	RequestsPerWindow: 50,
	WindowDuration:    time.Minute,
}

// DefaultLookupLimit returns a copy of the default lookup budget.
func DefaultLookupLimit() Config {
	return defaultLookupLimit
}

// DefaultRegisterLimit returns a copy of the default registration budget.
func DefaultRegisterLimit() Config {
	return defaultRegisterLimit
}

// Store defines the interface for rate limit state storage.
// This allows for different backends (in-memory, Redis).
type Store interface {
	// Allow checks if a request under the given key should be admitted.
	// Returns whether it was admitted and, when it was not, the number of
	// seconds until the window resets. A backend error fails open: the
	// limiter must never turn an outage into a synthetic rejection.
	Allow(ctx context.Context, key string, config Config) (allowed bool, retryAfter int, err error)
}

// bucket tracks one key's consumption within the current window.
type bucket struct {
	count     int
	windowEnd time.Time
}

// InMemoryStore implements Store with a fixed-window counter per key.
// Thread-safe for concurrent access.
type InMemoryStore struct {
	mu      sync.Mutex
	buckets map[string]*bucket

	// now is overridable in tests.
	now func() time.Time
}

// NewInMemoryStore creates a new in-memory rate limit store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

// Allow implements Store.
func (s *InMemoryStore) Allow(ctx context.Context, key string, config Config) (bool, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()

	b, exists := s.buckets[key]
	if !exists || now.After(b.windowEnd) {
		s.buckets[key] = &bucket{
			count:     1,
			windowEnd: now.Add(config.WindowDuration),
		}
		return true, 0, nil
	}

	if b.count < config.RequestsPerWindow {
		b.count++
		return true, 0, nil
	}

	retryAfter := int(b.windowEnd.Sub(now).Seconds())
	if retryAfter <= 0 {
		retryAfter = 1
	}
	return false, retryAfter, nil
}

// Cleanup removes expired buckets to prevent memory growth. Call it
// periodically, on the order of a few window durations.
func (s *InMemoryStore) Cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for key, b := range s.buckets {
		if now.After(b.windowEnd) {
			delete(s.buckets, key)
		}
	}
}
