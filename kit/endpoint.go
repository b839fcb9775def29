package kit

import "context"

// Endpoint is the unit of invocation the middleware chain wraps. The
// dispatcher adapts a handler call (HTTP webhook POST or in-process
// function) into an Endpoint so middleware installed through the chain
// composes uniformly regardless of handler kind.
type Endpoint func(ctx context.Context, req any) (any, error)

// Middleware wraps an Endpoint with a cross-cutting concern.
type Middleware func(Endpoint) Endpoint

// Chain composes middlewares so the first one listed runs outermost (its
// "before" logic runs first, its "after" logic runs last).
func Chain(mws ...Middleware) Middleware {
	return func(next Endpoint) Endpoint {
		for i := len(mws) - 1; i >= 0; i-- {
			next = mws[i](next)
		}
		return next
	}
}
