// Package kit holds small cross-cutting helpers shared by the engine's HTTP
// and dispatch layers: request-scoped context keys and a generic middleware
// chain that the dispatcher wraps around each handler invocation
// (dispatcher.WithMiddleware). The dispatcher applies circuit breaking and
// per-handler timeouts itself, outside this chain.
package kit

import "context"

type contextKey string

const (
	RequestIDKey contextKey = "vqm_request_id"
	TraceIDKey   contextKey = "vqm_trace_id"
	WorkerIDKey  contextKey = "vqm_worker_id"
	QueueIDKey   contextKey = "vqm_queue_id"
)

func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, RequestIDKey, id)
}
func GetRequestID(ctx context.Context) string {
	v, _ := ctx.Value(RequestIDKey).(string)
	return v
}

func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, TraceIDKey, id)
}
func GetTraceID(ctx context.Context) string {
	v, _ := ctx.Value(TraceIDKey).(string)
	return v
}

func WithWorkerID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, WorkerIDKey, id)
}
func GetWorkerID(ctx context.Context) string {
	v, _ := ctx.Value(WorkerIDKey).(string)
	return v
}

func WithQueueID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, QueueIDKey, id)
}
func GetQueueID(ctx context.Context) string {
	v, _ := ctx.Value(QueueIDKey).(string)
	return v
}
