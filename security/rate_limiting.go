package security

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"ticket-admission/utils"
)

// RateLimiter enforces a fixed-window limit per (identity, action)
// pair, backed by Redis. When the Redis backend is down the breaker
// fails open: throttling is a protective measure, not a correctness
// requirement, so admission keeps working.
type RateLimiter struct {
	redis   *redis.Client
	breaker *utils.CircuitBreaker
	limit   int
	window  time.Duration
}

func NewRateLimiter(redisClient *redis.Client, limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		redis:   redisClient,
		breaker: utils.NewCircuitBreaker("rate-limiter"),
		limit:   limit,
		window:  window,
	}
}

type checkResult struct {
	allowed    bool
	retryAfter time.Duration
}

// CheckAndConsume counts this attempt against the caller's current
// window and reports whether it is allowed. retryAfter is only
// meaningful when allowed is false.
func (r *RateLimiter) CheckAndConsume(ctx context.Context, key, action string) (bool, time.Duration, error) {
	res, err := r.breaker.Execute(ctx, func() (interface{}, error) {
		return r.check(ctx, key, action)
	})
	if err != nil {
		if errors.Is(err, utils.ErrCircuitOpen) {
			slog.Warn("rate limiter backend unavailable, failing open", "action", action)
			return true, 0, nil
		}
		return false, 0, err
	}
	out := res.(*checkResult)
	return out.allowed, out.retryAfter, nil
}

func (r *RateLimiter) check(ctx context.Context, key, action string) (*checkResult, error) {
	windowStart := time.Now().Truncate(r.window)
	counterKey := fmt.Sprintf("ratelimit:%s:%s:%d", action, key, windowStart.Unix())

	count, err := r.redis.Incr(ctx, counterKey).Result()
	if err != nil {
		return nil, fmt.Errorf("rate limit incr: %w", err)
	}
	if count == 1 {
		// Keep the counter one extra window so late readers still see it.
		if err := r.redis.Expire(ctx, counterKey, 2*r.window).Err(); err != nil {
			return nil, fmt.Errorf("rate limit expire: %w", err)
		}
	}

	if count > int64(r.limit) {
		retryAfter := time.Until(windowStart.Add(r.window))
		if retryAfter < 0 {
			retryAfter = 0
		}
		return &checkResult{allowed: false, retryAfter: retryAfter}, nil
	}
	return &checkResult{allowed: true}, nil
}
