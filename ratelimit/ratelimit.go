// Package ratelimit implements the two rate-limiting primitives from spec
// §4.4: token bucket and sliding window, each keyed by an arbitrary string.
// Both are grounded directly on the original Rust
// enterprise/rate_limiter.rs this spec was distilled from (see
// SPEC_FULL.md §12): the token-bucket refill formula
// (tokens = min(capacity, tokens + elapsed*rate)), the two retry_after
// formulas, and the idle-eviction sweep are carried over verbatim in
// semantics.
//
// Composition (spec §4.4 "Rate limits compose... denial wins") is provided
// by Compose: a request may be gated by tenant-key, queue-key, and
// endpoint-key Limiters simultaneously.
package ratelimit

import (
	"context"
	"strconv"
	"strings"
	"time"
)

// Result is the common outcome shape for both algorithms (spec §4.4).
type Result struct {
	Allowed    bool
	Remaining  float64
	RetryAfter time.Duration
}

// Limiter is the common contract both algorithms satisfy.
type Limiter interface {
	// Check is equivalent to Acquire(ctx, key, 1).
	Check(ctx context.Context, key string) (Result, error)
	// Acquire attempts to consume n units under key.
	Acquire(ctx context.Context, key string, n int) (Result, error)
}

// Key builders (spec §12 "RateLimitKey builder helpers": tenant, queue,
// user, endpoint, ip, composite).
func KeyTenant(tenantID string) string     { return "tenant:" + tenantID }
func KeyQueue(queueID string) string       { return "queue:" + queueID }
func KeyUser(userID string) string         { return "user:" + userID }
func KeyEndpoint(endpoint string) string   { return "endpoint:" + endpoint }
func KeyIP(ip string) string               { return "ip:" + ip }
func KeyComposite(parts ...string) string  { return strings.Join(parts, "|") }

// ToHeaders renders a Result as the X-RateLimit-* / Retry-After headers the
// admin and producer HTTP surfaces attach to responses (spec §12
// "RateLimitResult.to_headers").
func (r Result) ToHeaders(limit int) map[string]string {
	h := map[string]string{
		"X-RateLimit-Limit":     strconv.Itoa(limit),
		"X-RateLimit-Remaining": strconv.Itoa(max(0, int(r.Remaining))),
	}
	if !r.Allowed && r.RetryAfter > 0 {
		h["Retry-After"] = strconv.Itoa(int(r.RetryAfter.Seconds()))
	}
	return h
}
