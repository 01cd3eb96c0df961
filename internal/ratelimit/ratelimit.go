// Package ratelimit provides the sliding-window limiter used to throttle
// per-user move submissions.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"

	"github.com/campusconnect/activities/internal/activityerr"
)

// Limiter rejects a call with activityerr.ErrRateLimited once the
// sliding-window count for key exceeds limit.
type Limiter interface {
	Check(ctx context.Context, key string, limit int, window time.Duration) error
}

// RedisLimiter implements a sorted-set sliding window: one member per
// event scored by its timestamp, trimmed to the window on every check.
type RedisLimiter struct {
	client *redis.Client
	clock  clockwork.Clock
}

func NewRedisLimiter(client *redis.Client, clock clockwork.Clock) *RedisLimiter {
	return &RedisLimiter{client: client, clock: clock}
}

func (l *RedisLimiter) Check(ctx context.Context, key string, limit int, window time.Duration) error {
	now := l.clock.Now()
	redisKey := "ratelimit:" + key
	floor := now.Add(-window).UnixMilli()

	var count *redis.IntCmd
	_, err := l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, redisKey, "-inf", fmt.Sprintf("%d", floor))
		pipe.ZAdd(ctx, redisKey, redis.Z{
			Score:  float64(now.UnixMilli()),
			Member: fmt.Sprintf("%d-%d", now.UnixNano(), limit),
		})
		count = pipe.ZCard(ctx, redisKey)
		pipe.Expire(ctx, redisKey, window)
		return nil
	})
	if err != nil {
		return fmt.Errorf("rate limit check failed: %w", err)
	}
	if int(count.Val()) > limit {
		return activityerr.ErrRateLimited
	}
	return nil
}

// Unlimited is a Limiter that always allows; used in tests.
type Unlimited struct{}

func (Unlimited) Check(context.Context, string, int, time.Duration) error { return nil }
