package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// windowScript counts a request and starts the window on the first one.
// It returns the count and the window's remaining lifetime in ms.
var windowScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
	ttl = tonumber(ARGV[1])
end
return {count, ttl}
`)

// RedisLimiter is a fixed-window limiter whose counters live in Redis, so
// all server instances share one window per identity.
type RedisLimiter struct {
	client redis.UniversalClient
	prefix string
	limit  int
	period time.Duration
}

// NewRedisLimiter creates a RedisLimiter.
func NewRedisLimiter(client redis.UniversalClient, limit int, period time.Duration) *RedisLimiter {
	return &RedisLimiter{
		client: client,
		prefix: "xphotos:ratelimit:",
		limit:  limit,
		period: period,
	}
}

// Allow records a request for key.
func (rl *RedisLimiter) Allow(ctx context.Context, key string) (Decision, error) {
	if rl.limit <= 0 {
		return Decision{Allowed: true}, nil
	}

	res, err := windowScript.Run(ctx, rl.client, []string{rl.prefix + key}, rl.period.Milliseconds()).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit window: %w", err)
	}
	if len(res) != 2 {
		return Decision{}, fmt.Errorf("rate limit window: unexpected reply %v", res)
	}

	return decide(int(res[0]), rl.limit, time.Duration(res[1])*time.Millisecond), nil
}

// Limit returns the requests allowed per window.
func (rl *RedisLimiter) Limit() int { return rl.limit }

// Window returns the window length.
func (rl *RedisLimiter) Window() time.Duration { return rl.period }
