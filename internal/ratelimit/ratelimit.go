// Package ratelimit throttles API callers per tenant. Single-instance
// deployments use MemoryLimiter; with Redis configured, RedisLimiter shares
// one fixed-window count across every replica.
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter decides whether a request identified by key may proceed.
// Implementations must be safe for concurrent use. Errors mean the limiter
// itself failed; callers fail open.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
	Close() error
}

// NoopLimiter permits every request. Used when rate limiting is disabled.
type NoopLimiter struct{}

// Allow always returns true.
func (NoopLimiter) Allow(context.Context, string) (bool, error) { return true, nil }

// Close is a no-op.
func (NoopLimiter) Close() error { return nil }

// windowScript increments the window counter and starts its expiry on the
// first hit, atomically.
var windowScript = redis.NewScript(`
local n = redis.call("incr", KEYS[1])
if n == 1 then
	redis.call("pexpire", KEYS[1], ARGV[1])
end
return n
`)

// RedisLimiter allows Limit requests per key in each fixed Window.
type RedisLimiter struct {
	client redis.UniversalClient
	prefix string
	limit  int64
	window time.Duration
	now    func() time.Time
}

var _ Limiter = (*RedisLimiter)(nil)

// NewRedisLimiter creates a limiter. The client is owned by the caller and is
// not closed by Close.
func NewRedisLimiter(client redis.UniversalClient, prefix string, limit int, window time.Duration) *RedisLimiter {
	return &RedisLimiter{
		client: client,
		prefix: prefix,
		limit:  int64(limit),
		window: window,
		now:    time.Now,
	}
}

// Allow implements Limiter.
func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	slot := l.now().UnixMilli() / l.window.Milliseconds()
	k := l.prefix + "ratelimit:" + key + ":" + strconv.FormatInt(slot, 10)
	n, err := windowScript.Run(ctx, l.client, []string{k}, l.window.Milliseconds()).Int64()
	if err != nil {
		return true, fmt.Errorf("ratelimit: redis: %w", err)
	}
	return n <= l.limit, nil
}

// Close implements Limiter.
func (l *RedisLimiter) Close() error { return nil }
