package webhooks

import (
	"context"
	"sync"
	"time"
)

// TokenBucketLimiter implements per-webhook token bucket rate limiting for
// outbound deliveries. It is the in-process default DeliveryLimiter; the
// Redis-backed limiter in pkg/middleware replaces it when deliveries are
// spread across instances.
type TokenBucketLimiter struct {
	buckets      map[string]*tokenBucket
	mu           sync.Mutex
	maxTokens    int
	refillPeriod time.Duration
}

type tokenBucket struct {
	tokens       int
	maxTokens    int
	refillPeriod time.Duration
	lastRefill   time.Time
	mu           sync.Mutex
}

// NewTokenBucketLimiter creates a limiter allowing maxRequests per period
// per webhook
func NewTokenBucketLimiter(maxRequests int, period time.Duration) *TokenBucketLimiter {
	return &TokenBucketLimiter{
		buckets:      make(map[string]*tokenBucket),
		maxTokens:    maxRequests,
		refillPeriod: period,
	}
}

// Allow reports whether a delivery to the given webhook may proceed
func (rl *TokenBucketLimiter) Allow(_ context.Context, webhookID string) bool {
	rl.mu.Lock()
	bucket, exists := rl.buckets[webhookID]
	if !exists {
		bucket = &tokenBucket{
			tokens:       rl.maxTokens,
			maxTokens:    rl.maxTokens,
			refillPeriod: rl.refillPeriod,
			lastRefill:   time.Now(),
		}
		rl.buckets[webhookID] = bucket
	}
	rl.mu.Unlock()

	return bucket.take()
}

// take attempts to take a token, refilling based on elapsed time
func (tb *tokenBucket) take() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(tb.lastRefill)
	if elapsed >= tb.refillPeriod {
		periods := int(elapsed / tb.refillPeriod)
		tb.tokens = min(tb.tokens+periods, tb.maxTokens)
		tb.lastRefill = tb.lastRefill.Add(time.Duration(periods) * tb.refillPeriod)
	}

	if tb.tokens > 0 {
		tb.tokens--
		return true
	}
	return false
}

// Reset clears the bucket for a webhook
func (rl *TokenBucketLimiter) Reset(webhookID string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.buckets, webhookID)
}
