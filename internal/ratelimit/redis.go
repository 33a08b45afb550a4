package ratelimit

import (
	"context"
	"time"

	"go.uber.org/zap"

	"admin-auth/internal/client"
)

const rateLimitPrefix = "rate_limit:"

// Counter increment with expiry set only when the window opens, so the
// window is fixed from the first request in it.
const fixedWindowScript = `
	local count = redis.call('INCR', KEYS[1])
	if count == 1 then
		redis.call('PEXPIRE', KEYS[1], ARGV[1])
	end
	return count
`

// RedisLimiter is the shared-state variant of the fixed-window limiter,
// for deployments running more than one service instance. Errors deny the
// request: a limiter that cannot count fails closed.
type RedisLimiter struct {
	client *client.RedisClient
	log    *zap.Logger
}

func NewRedisLimiter(c *client.RedisClient, log *zap.Logger) *RedisLimiter {
	return &RedisLimiter{client: c, log: log}
}

// Allow implements Limiter atomically across instances.
func (l *RedisLimiter) Allow(key string, maxRequests int, window time.Duration) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	result, err := l.client.Eval(ctx, fixedWindowScript,
		[]string{rateLimitPrefix + key}, window.Milliseconds())
	if err != nil {
		l.log.Error("rate limit check failed, denying request",
			zap.String("key", key),
			zap.Error(err))
		return false
	}

	count, ok := result.(int64)
	if !ok {
		l.log.Error("unexpected rate limit script result", zap.String("key", key))
		return false
	}

	return count <= int64(maxRequests)
}
