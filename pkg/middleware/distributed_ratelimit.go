package middleware

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// DistributedRateLimiter implements per-webhook delivery rate limiting using
// Redis, so limits are shared when deliveries run on multiple instances. It
// satisfies the webhooks.DeliveryLimiter interface.
type DistributedRateLimiter struct {
	redis  *redis.Client
	limit  int
	window time.Duration
	prefix string
}

// NewDistributedRateLimiter creates a Redis-backed fixed-window limiter
func NewDistributedRateLimiter(redisClient *redis.Client, limit int, window time.Duration, prefix string) *DistributedRateLimiter {
	if prefix == "" {
		prefix = "vigil:delivery"
	}
	return &DistributedRateLimiter{
		redis:  redisClient,
		limit:  limit,
		window: window,
		prefix: prefix,
	}
}

// Allow reports whether a delivery to the given webhook may proceed. On
// Redis errors the limiter fails open so a cache outage cannot stop
// deliveries.
func (rl *DistributedRateLimiter) Allow(ctx context.Context, webhookID string) bool {
	key := fmt.Sprintf("%s:%s", rl.prefix, webhookID)

	pipe := rl.redis.Pipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, rl.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return true
	}

	return incr.Val() <= int64(rl.limit)
}

// Remaining returns the quota left in the current window
func (rl *DistributedRateLimiter) Remaining(ctx context.Context, webhookID string) (int, error) {
	key := fmt.Sprintf("%s:%s", rl.prefix, webhookID)

	count, err := rl.redis.Get(ctx, key).Int()
	if err == redis.Nil {
		return rl.limit, nil
	} else if err != nil {
		return 0, err
	}

	remaining := rl.limit - count
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}
