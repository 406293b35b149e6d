package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisLimiter meters requests in a sliding window backed by a Redis sorted
// set per key, so the count is shared across instances.
type RedisLimiter struct {
	client *redis.Client
	limit  int
	window time.Duration
}

var _ Limiter = (*RedisLimiter)(nil)

// NewRedisLimiter creates a limiter allowing limit requests per window.
func NewRedisLimiter(client *redis.Client, limit int, window time.Duration) *RedisLimiter {
	return &RedisLimiter{client: client, limit: limit, window: window}
}

// Allow trims the key's window, counts what is left and admits the request if
// the count is under the limit. The request is recorded either way so a
// rejected burst keeps the window full.
func (l *RedisLimiter) Allow(ctx context.Context, key string) (Decision, error) {
	now := time.Now()
	windowStart := now.Add(-l.window)
	redisKey := fmt.Sprintf("auth:rl:%s", key)

	pipe := l.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, redisKey, "0", fmt.Sprintf("%d", windowStart.UnixNano()))
	countCmd := pipe.ZCard(ctx, redisKey)
	pipe.ZAdd(ctx, redisKey, redis.Z{
		Score:  float64(now.UnixNano()),
		Member: fmt.Sprintf("%d-%s", now.UnixNano(), uuid.NewString()[:8]),
	})
	pipe.Expire(ctx, redisKey, l.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return Decision{}, err
	}

	count := int(countCmd.Val()) // requests already in the window, before this one
	remaining := l.limit - count - 1
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   count < l.limit,
		Limit:     l.limit,
		Remaining: remaining,
		Reset:     now.Add(l.window),
	}, nil
}
