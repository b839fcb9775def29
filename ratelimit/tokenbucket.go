package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// TokenBucket is the in-memory, lazily-created-per-key token bucket limiter
// (spec §4.4, §3 "RateLimitBucket... lifecycle: lazy-create on first check,
// evict after idle TTL"). Enforcement is delegated to golang.org/x/time/rate,
// whose internal refill math is the same
// tokens = min(capacity, tokens + elapsed*rate) formula the original
// rate_limiter.rs uses (SPEC_FULL.md §12).
type TokenBucket struct {
	rps     float64
	burst   int
	idleTTL time.Duration

	mu      sync.Mutex
	buckets map[string]*tbEntry
}

type tbEntry struct {
	lim        *rate.Limiter
	lastAccess time.Time
}

// NewTokenBucket creates a token bucket limiter refilling at rps tokens/sec
// up to burst capacity. idleTTL <= 0 defaults to 5 minutes (spec §3 default).
func NewTokenBucket(rps float64, burst int, idleTTL time.Duration) *TokenBucket {
	if idleTTL <= 0 {
		idleTTL = 5 * time.Minute
	}
	return &TokenBucket{rps: rps, burst: burst, idleTTL: idleTTL, buckets: make(map[string]*tbEntry)}
}

func (tb *TokenBucket) Check(ctx context.Context, key string) (Result, error) {
	return tb.Acquire(ctx, key, 1)
}

// Acquire succeeds iff tokens >= n; on failure retry_after = (n-tokens)/rate
// (spec §4.4 token bucket formula).
func (tb *TokenBucket) Acquire(_ context.Context, key string, n int) (Result, error) {
	now := time.Now()
	entry := tb.entry(key, now)

	res := entry.lim.ReserveN(now, n)
	if !res.OK() {
		// n exceeds burst capacity: can never be satisfied.
		return Result{Allowed: false, Remaining: entry.lim.TokensAt(now)}, nil
	}
	delay := res.DelayFrom(now)
	if delay <= 0 {
		return Result{Allowed: true, Remaining: entry.lim.TokensAt(now)}, nil
	}
	res.CancelAt(now)
	return Result{Allowed: false, Remaining: entry.lim.TokensAt(now), RetryAfter: delay}, nil
}

func (tb *TokenBucket) entry(key string, now time.Time) *tbEntry {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	e, ok := tb.buckets[key]
	if !ok {
		e = &tbEntry{lim: rate.NewLimiter(rate.Limit(tb.rps), tb.burst)}
		tb.buckets[key] = e
	}
	e.lastAccess = now
	return e
}

// Sweep evicts buckets untouched since before the idle TTL. Nothing in the
// engine calls it; idle buckets stay in memory until a caller runs Sweep.
func (tb *TokenBucket) Sweep(now time.Time) int {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	n := 0
	for k, e := range tb.buckets {
		if now.Sub(e.lastAccess) > tb.idleTTL {
			delete(tb.buckets, k)
			n++
		}
	}
	return n
}

// Len reports the number of live buckets, for metrics/tests.
func (tb *TokenBucket) Len() int {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return len(tb.buckets)
}
