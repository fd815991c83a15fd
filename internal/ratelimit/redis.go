package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store on Redis so the budget holds across API
// instances. It uses a fixed-window counter: INCR on the window key,
// EXPIRE set atomically with the first increment.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a Redis-backed rate limit store.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// allowScript atomically increments the counter and sets the window expiry
// on first use, returning the new count and remaining TTL in seconds.
var allowScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
	redis.call("EXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("TTL", KEYS[1])
return {count, ttl}
`)

// Allow implements Store. Redis errors fail open: an outage must not turn
// into synthetic rejections for the callers.
func (s *RedisStore) Allow(ctx context.Context, key string, config Config) (bool, int, error) {
	windowSecs := int(config.WindowDuration / time.Second)
	if windowSecs <= 0 {
		windowSecs = 1
	}

	res, err := allowScript.Run(ctx, s.client, []string{"rate_limit:" + key}, windowSecs).Slice()
	if err != nil {
		return true, 0, fmt.Errorf("rate limit store: %w", err)
	}
	if len(res) != 2 {
		return true, 0, fmt.Errorf("rate limit store: unexpected script reply %v", res)
	}

	count, _ := res[0].(int64)
	ttl, _ := res[1].(int64)

	if count <= int64(config.RequestsPerWindow) {
		return true, 0, nil
	}

	retryAfter := int(ttl)
	if retryAfter <= 0 {
		retryAfter = 1
	}
	return false, retryAfter, nil
}
