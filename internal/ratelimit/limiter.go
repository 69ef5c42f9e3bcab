// Package ratelimit provides the per-user, per-operation rate limiter backed
// by a Redis counter with TTL.
package ratelimit

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

type Limiter struct {
	rdb *redis.Client
}

func NewLimiter(rdb *redis.Client) *Limiter {
	return &Limiter{rdb: rdb}
}

// IsRateLimited increments the operation counter and reports whether the
// user exceeded maxCount within the window. On counter-store failure it fails
// open: the operation is not blocked, and the error is logged.
func (l *Limiter) IsRateLimited(ctx context.Context, operation string, userID int64, maxCount int, window time.Duration) (bool, int, int) {
	key := fmt.Sprintf("rate_limit:%s:%d", operation, userID)

	current, err := l.rdb.Incr(ctx, key).Result()
	if err != nil {
		log.Printf("[RateLimit] Counter store error for %s: %v - failing open", key, err)
		return false, 0, maxCount
	}
	if current == 1 {
		if err := l.rdb.Expire(ctx, key, window).Err(); err != nil {
			log.Printf("[RateLimit] Failed to set TTL on %s: %v", key, err)
		}
	}

	limited := current > int64(maxCount)
	remaining := maxCount - int(current)
	if remaining < 0 {
		remaining = 0
	}
	if limited {
		ttl, _ := l.rdb.TTL(ctx, key).Result()
		log.Printf("[RateLimit] Exceeded: user=%d operation=%s count=%d/%d resets_in=%s",
			userID, operation, current, maxCount, ttl)
	}
	return limited, int(current), remaining
}

// ResetLimit clears a user's counter for an operation.
func (l *Limiter) ResetLimit(ctx context.Context, operation string, userID int64) error {
	key := fmt.Sprintf("rate_limit:%s:%d", operation, userID)
	if err := l.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("reset rate limit %s: %w", key, err)
	}
	return nil
}

// RemainingTime returns how long until the counter expires, whether or not
// the user is limited; zero when no counter with a TTL exists.
func (l *Limiter) RemainingTime(ctx context.Context, operation string, userID int64) time.Duration {
	key := fmt.Sprintf("rate_limit:%s:%d", operation, userID)
	ttl, err := l.rdb.TTL(ctx, key).Result()
	if err != nil || ttl < 0 {
		return 0
	}
	return ttl
}
