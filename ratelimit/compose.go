package ratelimit

import "context"

// Compose gates a request through every limiter in order; the first denial
// wins and short-circuits the remaining checks (spec §4.4 "Rate limits
// compose... denial wins"). All limiters see the same key, so callers that
// need per-dimension keys (tenant/queue/endpoint) should wrap each Limiter
// to prefix its own key, e.g. via a small adapter closure.
type Composite []Limiter

func Compose(limiters ...Limiter) Composite { return Composite(limiters) }

func (c Composite) Check(ctx context.Context, key string) (Result, error) {
	return c.Acquire(ctx, key, 1)
}

func (c Composite) Acquire(ctx context.Context, key string, n int) (Result, error) {
	best := Result{Allowed: true}
	for _, l := range c {
		r, err := l.Acquire(ctx, key, n)
		if err != nil {
			return Result{}, err
		}
		if !r.Allowed {
			return r, nil
		}
		if best.Allowed && (r.Remaining < best.Remaining || best.Remaining == 0) {
			best = r
		}
	}
	return best, nil
}

// KeyedLimiter adapts a Limiter so every call is routed under a fixed key
// prefix, letting Compose gate on distinct dimensions (tenant, queue,
// endpoint) that each resolve to their own bucket/window inside a shared
// Limiter instance.
type KeyedLimiter struct {
	Limiter Limiter
	KeyFunc func(requestKey string) string
}

func (k KeyedLimiter) Check(ctx context.Context, key string) (Result, error) {
	return k.Limiter.Check(ctx, k.KeyFunc(key))
}

func (k KeyedLimiter) Acquire(ctx context.Context, key string, n int) (Result, error) {
	return k.Limiter.Acquire(ctx, k.KeyFunc(key), n)
}
