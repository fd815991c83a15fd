// Package health provides readiness checks for the engine's backing stores.
package health

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// RedisChecker reports whether the lookup cache's Redis backend is reachable.
type RedisChecker struct {
	client *redis.Client
}

// NewRedisChecker wraps a Redis client for readiness probes.
func NewRedisChecker(client *redis.Client) *RedisChecker {
	return &RedisChecker{client: client}
}

// HealthCheck issues a PING within the probe's deadline.
func (r *RedisChecker) HealthCheck(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
