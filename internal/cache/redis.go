package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/grapnel-io/hashintel/internal/hash"
)

// DefaultTTL is how long lookup entries stay fresh (5 minutes).
const DefaultTTL = 5 * time.Minute

// RedisStore implements Store on Redis. Entries are JSON-encoded under
// hash_lookup:<type>:<value> so all API instances share one cache.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore creates a Redis-backed cache store. A non-positive ttl
// falls back to DefaultTTL.
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{client: client, ttl: ttl}
}

func cacheKey(value string, typ hash.HashType) string {
	return fmt.Sprintf("hash_lookup:%s:%s", typ, value)
}

// Get returns the cached entry for (value, typ). A missing key or a decode
// failure is a miss; only transport errors are returned.
func (s *RedisStore) Get(ctx context.Context, value string, typ hash.HashType) (*Entry, bool, error) {
	raw, err := s.client.Get(ctx, cacheKey(value, typ)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache get: %w", err)
	}

	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		// A corrupt entry is treated as a miss; it will be overwritten on
		// the next read-through.
		return nil, false, nil
	}
	return &entry, true, nil
}

// Put stores an entry with the configured TTL.
func (s *RedisStore) Put(ctx context.Context, value string, typ hash.HashType, entry *Entry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("cache encode: %w", err)
	}
	if err := s.client.Set(ctx, cacheKey(value, typ), raw, s.ttl).Err(); err != nil {
		return fmt.Errorf("cache put: %w", err)
	}
	return nil
}

// Invalidate drops the entry for (value, typ).
func (s *RedisStore) Invalidate(ctx context.Context, value string, typ hash.HashType) error {
	if err := s.client.Del(ctx, cacheKey(value, typ)).Err(); err != nil {
		return fmt.Errorf("cache invalidate: %w", err)
	}
	return nil
}
