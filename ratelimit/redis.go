package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisSlidingWindow is the distributed counterpart to SlidingWindow
// (spec §11 "optional distributed bucket/window store so rate limits are
// shared across engine nodes"). It stores each key's request timestamps in
// a Redis sorted set (score = unix-nano timestamp), atomically trimming and
// counting via a single Lua script so concurrent engine nodes never
// over-admit.
type RedisSlidingWindow struct {
	client *redis.Client
	max    int
	window time.Duration
	prefix string
}

// NewRedisSlidingWindow wires an existing go-redis client. prefix namespaces
// keys so the rate limiter doesn't collide with other consumers of the same
// Redis instance.
func NewRedisSlidingWindow(client *redis.Client, max int, window time.Duration, prefix string) *RedisSlidingWindow {
	if prefix == "" {
		prefix = "vqm:ratelimit:"
	}
	return &RedisSlidingWindow{client: client, max: max, window: window, prefix: prefix}
}

// acquireScript atomically: trims entries older than the window, counts
// what remains, and — if there's room for n more — adds n fresh entries at
// `now`. Returns {allowed(0/1), count_after, oldest_ms} as a 3-element array.
var acquireScript = redis.NewScript(`
local key = KEYS[1]
local now_ms = tonumber(ARGV[1])
local window_ms = tonumber(ARGV[2])
local max = tonumber(ARGV[3])
local n = tonumber(ARGV[4])
local cutoff = now_ms - window_ms

redis.call("ZREMRANGEBYSCORE", key, "-inf", cutoff)
local count = redis.call("ZCARD", key)

local oldest = 0
local oldest_entries = redis.call("ZRANGE", key, 0, 0, "WITHSCORES")
if #oldest_entries > 0 then
  oldest = tonumber(oldest_entries[2])
end

if count + n > max then
  return {0, count, oldest}
end

for i = 1, n do
  redis.call("ZADD", key, now_ms, now_ms .. "-" .. i .. "-" .. math.random(1000000))
end
redis.call("PEXPIRE", key, window_ms)
return {1, count + n, oldest}
`)

func (r *RedisSlidingWindow) Check(ctx context.Context, key string) (Result, error) {
	return r.Acquire(ctx, key, 1)
}

func (r *RedisSlidingWindow) Acquire(ctx context.Context, key string, n int) (Result, error) {
	now := time.Now()
	res, err := acquireScript.Run(ctx, r.client, []string{r.prefix + key},
		now.UnixMilli(), r.window.Milliseconds(), r.max, n,
	).Slice()
	if err != nil {
		return Result{}, fmt.Errorf("ratelimit: redis sliding window: %w", err)
	}
	allowed := toInt64(res[0]) == 1
	count := toInt64(res[1])
	oldestMs := toInt64(res[2])

	remaining := float64(r.max) - float64(count)
	if remaining < 0 {
		remaining = 0
	}
	if allowed {
		return Result{Allowed: true, Remaining: remaining}, nil
	}

	var retryAfter time.Duration
	if oldestMs > 0 {
		oldest := time.UnixMilli(oldestMs)
		retryAfter = r.window - now.Sub(oldest)
		if retryAfter < 0 {
			retryAfter = 0
		}
	}
	return Result{Allowed: false, Remaining: remaining, RetryAfter: retryAfter}, nil
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	default:
		return 0
	}
}
