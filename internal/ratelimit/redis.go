package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisWindowTTL outlives the one-second window.
const redisWindowTTL = 2 * time.Second

// RedisLimiter shares fixed-window counters between Prism instances through Redis.
type RedisLimiter struct {
	client *redis.Client
	prefix string
}

// NewRedisLimiter constructs a RedisLimiter. Keys are namespaced by prefix.
func NewRedisLimiter(client *redis.Client, prefix string) *RedisLimiter {
	return &RedisLimiter{client: client, prefix: strings.TrimSpace(prefix)}
}

// Allow increments the counter for key in the window containing now.
func (l *RedisLimiter) Allow(ctx context.Context, key string, limit int, now time.Time) (Result, error) {
	if l == nil || l.client == nil || limit <= 0 || key == "" {
		return Result{Allowed: true, Backend: BackendRedis}, nil
	}
	start := now.Unix()
	windowKey := l.windowKey(key, start)

	var incr *redis.IntCmd
	if _, errPipe := l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, windowKey)
		pipe.Expire(ctx, windowKey, redisWindowTTL)
		return nil
	}); errPipe != nil {
		return Result{}, fmt.Errorf("ratelimit: redis incr %s: %w", windowKey, errPipe)
	}

	count := incr.Val()
	res := Result{Limit: limit, Reset: time.Unix(start+1, 0), Backend: BackendRedis}
	if count > int64(limit) {
		return res, nil
	}
	res.Allowed = true
	res.Remaining = limit - int(count)
	return res, nil
}

func (l *RedisLimiter) windowKey(key string, start int64) string {
	parts := make([]string, 0, 3)
	if l.prefix != "" {
		parts = append(parts, l.prefix)
	}
	parts = append(parts, key, strconv.FormatInt(start, 10))
	return strings.Join(parts, ":")
}
