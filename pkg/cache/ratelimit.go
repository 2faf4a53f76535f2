package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Decision is the result of a rate limit check.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// FixedWindowLimiter counts hits per key with INCR and expires the counter after the window.
type FixedWindowLimiter struct {
	client      *redis.Client
	maxRequests int
	window      time.Duration
}

// NewFixedWindowLimiter builds a limiter.
func NewFixedWindowLimiter(client *redis.Client, maxRequests int, window time.Duration) *FixedWindowLimiter {
	if maxRequests <= 0 {
		maxRequests = 30
	}
	if window <= 0 {
		window = time.Minute
	}
	return &FixedWindowLimiter{client: client, maxRequests: maxRequests, window: window}
}

// Limit reports the configured ceiling.
func (l *FixedWindowLimiter) Limit() int {
	return l.maxRequests
}

// Allow records a hit for key.
func (l *FixedWindowLimiter) Allow(ctx context.Context, key string) (Decision, error) {
	redisKey := fmt.Sprintf("rate_limit:%s", key)

	count, err := l.client.Incr(ctx, redisKey).Result()
	if err != nil {
		return Decision{Allowed: true}, fmt.Errorf("rate limit incr %s: %w", redisKey, err)
	}
	if count == 1 {
		l.client.Expire(ctx, redisKey, l.window)
	}

	if count > int64(l.maxRequests) {
		ttl, _ := l.client.TTL(ctx, redisKey).Result()
		if ttl <= 0 {
			ttl = l.window
		}
		return Decision{Allowed: false, RetryAfter: ttl}, nil
	}

	return Decision{Allowed: true, Remaining: l.maxRequests - int(count)}, nil
}
