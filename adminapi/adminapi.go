// Package adminapi exposes the engine's Producer, Worker and Admin
// interfaces (spec §6) over plain HTTP, following cmd/chrc/main.go's
// chi-router-plus-JSON-helpers style: one *chi.Mux, small request structs
// decoded with encoding/json, and writeJSON/writeError response helpers.
//
// Queue CRUD, pause/resume/drain/stats, DLQ list/replay/purge, schedule
// CRUD and breaker inspection/reset all live here (SPEC_FULL §11 "adminapi —
// Queue CRUD, DLQ list/replay, schedule CRUD, breaker inspection").
package adminapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/hazyhaar/vqm/config"
	"github.com/hazyhaar/vqm/dlq"
	"github.com/hazyhaar/vqm/engine"
	"github.com/hazyhaar/vqm/processor"
	"github.com/hazyhaar/vqm/queue"
	"github.com/hazyhaar/vqm/ratelimit"
	"github.com/hazyhaar/vqm/retrypolicy"
	"github.com/hazyhaar/vqm/storage"
)

// API wires the engine's components to a chi.Mux (spec §6 external
// interfaces). Use Router to obtain the http.Handler to serve.
type API struct {
	eng     *engine.Engine
	log     *slog.Logger
	router  *chi.Mux
	limiter ratelimit.Limiter // optional, gates producer routes
}

// Option configures an API at construction time.
type Option func(*API)

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option { return func(a *API) { a.log = l } }

// WithEndpointLimiter installs a Limiter keyed by endpoint+remote-IP ahead
// of the producer routes, separate from QueueManager's own per-queue limit,
// and attaches X-RateLimit-*/Retry-After headers via ratelimit.Result.ToHeaders
// (SPEC_FULL §12 "RateLimitResult.to_headers").
func WithEndpointLimiter(l ratelimit.Limiter) Option {
	return func(a *API) { a.limiter = l }
}

// New builds an API and mounts every route on a fresh chi.Mux.
func New(eng *engine.Engine, cfg config.AdminConfig, opts ...Option) *API {
	a := &API{eng: eng, log: slog.Default()}
	for _, o := range opts {
		o(a)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Logger)
	if len(cfg.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   cfg.AllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE"},
			AllowedHeaders:   []string{"Content-Type"},
			AllowCredentials: false,
			MaxAge:           300,
		}))
	}
	a.router = r
	a.routes()
	return a
}

// Router returns the http.Handler to pass to an http.Server.
func (a *API) Router() http.Handler { return a.router }

func (a *API) routes() {
	r := a.router

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, 200, map[string]string{"status": "ok"})
	})
	r.Get("/stats", a.handleGetStats)

	r.Route("/queues", func(r chi.Router) {
		r.Post("/", a.handleCreateQueue)
		r.Get("/", a.handleListQueues)
		r.Route("/{queueID}", func(r chi.Router) {
			r.Get("/", a.handleGetQueue)
			r.Get("/stats", a.handleQueueStats)
			r.Post("/pause", a.handlePauseQueue)
			r.Post("/resume", a.handleResumeQueue)
			r.Post("/drain", a.handleDrainQueue)
			r.Post("/handlers", a.handleRegisterHandler)

			r.Group(func(r chi.Router) {
				r.Use(a.rateLimit)
				r.Post("/messages", a.handleEnqueue)
			})
		})
	})
	r.Group(func(r chi.Router) {
		r.Use(a.rateLimit)
		r.Post("/messages/batch", a.handleEnqueueBatch)
	})

	r.Route("/workers", func(r chi.Router) {
		r.Post("/", a.handleRegisterWorker)
		r.Route("/{workerID}", func(r chi.Router) {
			r.Post("/heartbeat", a.handleHeartbeat)
			r.Post("/claim", a.handleClaim)
			r.Post("/ack", a.handleAck)
			r.Post("/nack", a.handleNack)
			r.Delete("/", a.handleUnregisterWorker)
		})
	})

	r.Route("/dlq", func(r chi.Router) {
		r.Get("/", a.handleListDLQ)
		r.Post("/{entryID}/replay", a.handleReplayDLQ)
		r.Delete("/", a.handlePurgeDLQ)
	})

	r.Route("/schedules", func(r chi.Router) {
		r.Post("/", a.handleCreateSchedule)
		r.Get("/", a.handleListSchedules)
		r.Route("/{scheduleID}", func(r chi.Router) {
			r.Get("/", a.handleGetSchedule)
			r.Post("/enable", a.handleSetScheduleEnabled(true))
			r.Post("/disable", a.handleSetScheduleEnabled(false))
		})
	})

	r.Route("/handlers/{handlerID}/breaker", func(r chi.Router) {
		r.Get("/", a.handleBreakerSnapshot)
		r.Post("/reset", a.handleBreakerReset)
	})
}

// --- Queue CRUD / pause / resume / drain / stats ---

func (a *API) handleCreateQueue(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name     string             `json:"name"`
		TenantID string             `json:"tenant_id"`
		Config   storage.QueueConfig `json:"config"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, 400, err)
		return
	}
	q, err := a.eng.QueueManager().CreateQueue(r.Context(), req.Name, req.TenantID, req.Config)
	if err != nil {
		writeQueueError(w, err)
		return
	}
	writeJSON(w, 201, queueDTO(q))
}

func (a *API) handleListQueues(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant_id")
	queues, err := a.eng.QueueManager().List(r.Context(), tenantID)
	if err != nil {
		writeError(w, 500, err)
		return
	}
	out := make([]map[string]any, 0, len(queues))
	for _, q := range queues {
		out = append(out, queueDTO(q))
	}
	writeJSON(w, 200, out)
}

func (a *API) handleGetQueue(w http.ResponseWriter, r *http.Request) {
	q, err := a.eng.QueueManager().Get(r.Context(), chi.URLParam(r, "queueID"))
	if err != nil {
		writeQueueError(w, err)
		return
	}
	writeJSON(w, 200, queueDTO(q))
}

func (a *API) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := a.eng.QueueManager().Stats(r.Context(), chi.URLParam(r, "queueID"))
	if err != nil {
		writeQueueError(w, err)
		return
	}
	writeJSON(w, 200, map[string]any{
		"queue_id":       stats.QueueID,
		"counts":         stats.Counts,
		"throughput_1m":  stats.Throughput1m,
		"throughput_5m":  stats.Throughput5m,
		"throughput_15m": stats.Throughput15m,
	})
}

func (a *API) handlePauseQueue(w http.ResponseWriter, r *http.Request) {
	if err := a.eng.QueueManager().Pause(r.Context(), chi.URLParam(r, "queueID")); err != nil {
		writeQueueError(w, err)
		return
	}
	writeJSON(w, 200, map[string]string{"status": "paused"})
}

func (a *API) handleResumeQueue(w http.ResponseWriter, r *http.Request) {
	if err := a.eng.QueueManager().Resume(r.Context(), chi.URLParam(r, "queueID")); err != nil {
		writeQueueError(w, err)
		return
	}
	writeJSON(w, 200, map[string]string{"status": "active"})
}

func (a *API) handleDrainQueue(w http.ResponseWriter, r *http.Request) {
	if err := a.eng.QueueManager().Drain(r.Context(), chi.URLParam(r, "queueID")); err != nil {
		writeQueueError(w, err)
		return
	}
	writeJSON(w, 200, map[string]string{"status": "draining"})
}

// handleRegisterHandler registers the active Handler for a queue (spec §9
// "Dynamic handler registry"). A request that omits breaker_config falls
// back to EngineConfig's circuit_breaker_threshold/circuit_breaker_reset_s;
// when the engine's enable_circuit_breaker kill-switch is off, min_calls is
// set high enough that the breaker never trips in practice, since gobreaker
// exposes no per-call bypass (see DESIGN.md).
func (a *API) handleRegisterHandler(w http.ResponseWriter, r *http.Request) {
	queueID := chi.URLParam(r, "queueID")
	var req struct {
		ID          string               `json:"id"`
		Kind        storage.HandlerKind  `json:"kind"`
		Endpoint    string               `json:"endpoint"`
		TimeoutMs   uint32               `json:"timeout_ms"`
		BreakerConf *storage.BreakerConfig `json:"breaker_config"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, 400, err)
		return
	}
	if req.Kind == "" {
		writeError(w, 400, fmt.Errorf("kind is required"))
		return
	}
	cfg := a.eng.Config()
	breakerConf := storage.BreakerConfig{
		ThresholdRatio: cfg.CircuitBreakerThreshold,
		ResetTimeoutS:  uint32(cfg.CircuitBreakerResetS),
	}
	if !cfg.EnableCircuitBreaker {
		breakerConf.MinCalls = 1 << 30
	}
	if req.BreakerConf != nil {
		breakerConf = *req.BreakerConf
	}

	h := &storage.Handler{
		ID: req.ID, QueueID: queueID, Kind: req.Kind, Endpoint: req.Endpoint,
		TimeoutMs: req.TimeoutMs, BreakerConf: breakerConf,
	}
	if h.ID == "" {
		h.ID = queueID + "-handler"
	}
	if err := a.eng.Store().UpsertHandler(r.Context(), h); err != nil {
		writeError(w, 500, err)
		return
	}
	writeJSON(w, 201, map[string]string{"id": h.ID, "queue_id": queueID, "kind": string(h.Kind)})
}

// --- Producer interface ---

func (a *API) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	queueID := chi.URLParam(r, "queueID")
	var req struct {
		Payload        []byte            `json:"payload"`
		Priority       int32             `json:"priority"`
		DelayMs        int64             `json:"delay_ms"`
		Headers        map[string]string `json:"headers"`
		IdempotencyKey string            `json:"idempotency_key"`
		MaxAttempts    uint32            `json:"max_attempts"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, 400, err)
		return
	}
	id, err := a.eng.QueueManager().Enqueue(r.Context(), queueID, req.Payload, queue.EnqueueOptions{
		Priority: req.Priority, Delay: time.Duration(req.DelayMs) * time.Millisecond,
		Headers: req.Headers, IdempotencyKey: req.IdempotencyKey, MaxAttempts: req.MaxAttempts,
	})
	if err != nil {
		writeQueueError(w, err)
		return
	}
	writeJSON(w, 201, map[string]string{"message_id": id})
}

func (a *API) handleEnqueueBatch(w http.ResponseWriter, r *http.Request) {
	var req []struct {
		QueueID        string            `json:"queue_id"`
		Payload        []byte            `json:"payload"`
		Priority       int32             `json:"priority"`
		DelayMs        int64             `json:"delay_ms"`
		Headers        map[string]string `json:"headers"`
		IdempotencyKey string            `json:"idempotency_key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, 400, err)
		return
	}
	items := make([]queue.EnqueueBatchItem, 0, len(req))
	for _, item := range req {
		items = append(items, queue.EnqueueBatchItem{
			QueueID: item.QueueID, Payload: item.Payload,
			Opts: queue.EnqueueOptions{
				Priority: item.Priority, Delay: time.Duration(item.DelayMs) * time.Millisecond,
				Headers: item.Headers, IdempotencyKey: item.IdempotencyKey,
			},
		})
	}
	ids, err := a.eng.QueueManager().EnqueueBatch(r.Context(), items)
	if err != nil {
		writeJSON(w, 207, map[string]any{"message_ids": ids, "error": err.Error()})
		return
	}
	writeJSON(w, 201, map[string]any{"message_ids": ids})
}

// --- Worker interface ---

func (a *API) handleRegisterWorker(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID               string   `json:"id"`
		GroupID          string   `json:"group_id"`
		SubscribedQueues []string `json:"subscribed_queues"`
		Capacity         uint32   `json:"capacity"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, 400, err)
		return
	}
	worker, err := a.eng.WorkerPool().Register(r.Context(), req.ID, req.GroupID, req.SubscribedQueues, req.Capacity)
	if err != nil {
		writeError(w, 500, err)
		return
	}
	writeJSON(w, 201, workerDTO(worker))
}

func (a *API) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ActiveCount uint32 `json:"active_count"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, 400, err)
		return
	}
	if err := a.eng.WorkerPool().Heartbeat(r.Context(), chi.URLParam(r, "workerID"), req.ActiveCount); err != nil {
		writeError(w, 500, err)
		return
	}
	writeJSON(w, 200, map[string]string{"status": "ok"})
}

func (a *API) handleClaim(w http.ResponseWriter, r *http.Request) {
	var req struct {
		QueueIDs  []string         `json:"queue_ids"`
		QueueCaps map[string]int   `json:"queue_caps"`
		Max       int              `json:"max"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, 400, err)
		return
	}
	if req.Max <= 0 {
		req.Max = a.eng.Config().BatchSize
	}
	msgs, err := a.eng.Processor().Claim(r.Context(), chi.URLParam(r, "workerID"), req.QueueIDs, req.QueueCaps, req.Max)
	if err != nil {
		writeError(w, 500, err)
		return
	}
	out := make([]map[string]any, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, messageDTO(m))
	}
	writeJSON(w, 200, out)
}

func (a *API) handleAck(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MessageID string `json:"message_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, 400, err)
		return
	}
	workerID := chi.URLParam(r, "workerID")
	msg, err := a.loadClaimedMessage(r.Context(), req.MessageID)
	if err != nil {
		writeError(w, 404, err)
		return
	}
	if err := a.eng.Processor().Ack(r.Context(), msg, workerID); err != nil {
		writeProcessorError(w, err)
		return
	}
	writeJSON(w, 200, map[string]string{"status": "completed"})
}

func (a *API) handleNack(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MessageID string `json:"message_id"`
		Error     string `json:"error"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, 400, err)
		return
	}
	workerID := chi.URLParam(r, "workerID")
	msg, err := a.loadClaimedMessage(r.Context(), req.MessageID)
	if err != nil {
		writeError(w, 404, err)
		return
	}
	strategy := retrypolicy.Strategy{
		Kind: retrypolicy.KindExponential,
		BaseMs: int64(a.eng.Config().BaseRetryDelayMs), Multiplier: 2,
		MaxMs: int64(a.eng.Config().BaseRetryDelayMs) * 64, JitterFraction: 0.25,
		MaxAttempts: uint32(a.eng.Config().MaxRetryAttempts),
	}
	decision, err := a.eng.Processor().Nack(r.Context(), msg, workerID, strategy, req.Error)
	if err != nil {
		writeProcessorError(w, err)
		return
	}
	writeJSON(w, 200, map[string]any{"terminal": decision.Terminal, "delay_ms": decision.DelayMs})
}

func (a *API) handleUnregisterWorker(w http.ResponseWriter, r *http.Request) {
	force := r.URL.Query().Get("force") == "true"
	if err := a.eng.WorkerPool().Unregister(r.Context(), chi.URLParam(r, "workerID"), force); err != nil {
		writeError(w, 500, err)
		return
	}
	writeJSON(w, 200, map[string]string{"status": "unregistered"})
}

func (a *API) loadClaimedMessage(ctx context.Context, messageID string) (*storage.Message, error) {
	return a.eng.Store().GetMessage(ctx, messageID)
}

// --- DLQ list / replay / purge ---

func (a *API) handleListDLQ(w http.ResponseWriter, r *http.Request) {
	queueID := r.URL.Query().Get("queue_id")
	page := queryInt(r, "page", 0)
	size := queryInt(r, "size", 50)
	entries, err := a.eng.DLQ().List(r.Context(), queueID, page, size)
	if err != nil {
		writeError(w, 500, err)
		return
	}
	out := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		out = append(out, dlqEntryDTO(e))
	}
	writeJSON(w, 200, out)
}

func (a *API) handleReplayDLQ(w http.ResponseWriter, r *http.Request) {
	replayed, newMessageID, err := a.eng.DLQ().Replay(r.Context(), a.eng.EnqueueFunc(), chi.URLParam(r, "entryID"))
	if err != nil {
		if errors.Is(err, dlq.ErrEntryNotFound) {
			writeError(w, 404, err)
			return
		}
		writeError(w, 500, err)
		return
	}
	writeJSON(w, 200, map[string]any{"replayed": replayed, "message_id": newMessageID})
}

func (a *API) handlePurgeDLQ(w http.ResponseWriter, r *http.Request) {
	queueID := r.URL.Query().Get("queue_id")
	n, err := a.eng.DLQ().Purge(r.Context(), queueID)
	if err != nil {
		writeError(w, 500, err)
		return
	}
	writeJSON(w, 200, map[string]int64{"purged": n})
}

// --- Schedule CRUD ---

func (a *API) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Expr            string `json:"expr"`
		TargetQueueID   string `json:"target_queue_id"`
		PayloadTemplate []byte `json:"payload_template"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, 400, err)
		return
	}
	job, err := a.eng.Scheduler().Create(r.Context(), req.Expr, req.TargetQueueID, req.PayloadTemplate)
	if err != nil {
		writeError(w, 400, err)
		return
	}
	writeJSON(w, 201, scheduleDTO(job))
}

func (a *API) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	jobs, err := a.eng.Scheduler().List(r.Context())
	if err != nil {
		writeError(w, 500, err)
		return
	}
	out := make([]map[string]any, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, scheduleDTO(j))
	}
	writeJSON(w, 200, out)
}

func (a *API) handleGetSchedule(w http.ResponseWriter, r *http.Request) {
	job, err := a.eng.Scheduler().Get(r.Context(), chi.URLParam(r, "scheduleID"))
	if err != nil {
		writeError(w, 404, err)
		return
	}
	writeJSON(w, 200, scheduleDTO(job))
}

func (a *API) handleSetScheduleEnabled(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := a.eng.Scheduler().SetEnabled(r.Context(), chi.URLParam(r, "scheduleID"), enabled); err != nil {
			writeError(w, 500, err)
			return
		}
		writeJSON(w, 200, map[string]bool{"enabled": enabled})
	}
}

// --- Breaker inspection / reset ---

func (a *API) handleBreakerSnapshot(w http.ResponseWriter, r *http.Request) {
	handlerID := chi.URLParam(r, "handlerID")
	snap, ok := a.eng.Breakers().Snapshot(handlerID)
	if !ok {
		row, err := a.eng.Store().GetOrCreateBreakerState(r.Context(), handlerID)
		if err != nil {
			writeError(w, 500, err)
			return
		}
		writeJSON(w, 200, map[string]any{
			"handler_id": row.HandlerID, "state": row.State,
			"failure_count": row.FailureCount, "success_count_half_open": row.SuccessCountHalfOpen,
			"opened_at": row.OpenedAt,
		})
		return
	}
	writeJSON(w, 200, map[string]any{
		"handler_id": snap.HandlerID, "state": snap.State,
		"failure_count": snap.FailureCount, "success_count_half_open": snap.SuccessCountHalfOpen,
		"opened_at": snap.OpenedAt,
	})
}

func (a *API) handleBreakerReset(w http.ResponseWriter, r *http.Request) {
	a.eng.Breakers().Reset(chi.URLParam(r, "handlerID"))
	writeJSON(w, 200, map[string]string{"status": "reset"})
}

// --- Engine stats ---

func (a *API) handleGetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := a.eng.GetStats(r.Context())
	if err != nil {
		writeError(w, 500, err)
		return
	}
	writeJSON(w, 200, map[string]any{
		"timestamp":              stats.Timestamp,
		"total_queues":           stats.TotalQueues,
		"active_queues":          stats.ActiveQueues,
		"total_messages":         stats.TotalMessages,
		"pending_messages":       stats.PendingMessages,
		"processing_messages":    stats.ProcessingMessages,
		"total_workers":          stats.TotalWorkers,
		"active_workers":         stats.ActiveWorkers,
		"messages_per_second":    stats.MessagesPerSecond,
		"avg_processing_time_ms": stats.AvgProcessingTimeMs,
		"error_rate":             stats.ErrorRate,
		"uptime_secs":            stats.UptimeSecs,
		"queue_depths":           stats.QueueDepths,
	})
}

// --- Rate-limiting middleware (spec §12 producer HTTP headers) ---

func (a *API) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.limiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		key := ratelimit.KeyComposite(ratelimit.KeyEndpoint(r.URL.Path), ratelimit.KeyIP(clientIP(r)))
		res, err := a.limiter.Check(r.Context(), key)
		if err != nil {
			writeError(w, 500, err)
			return
		}
		for k, v := range res.ToHeaders(0) {
			w.Header().Set(k, v)
		}
		if !res.Allowed {
			writeError(w, 429, errors.New("rate limit exceeded"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	if ip := r.Header.Get("X-Forwarded-For"); ip != "" {
		return ip
	}
	return r.RemoteAddr
}

// --- DTOs / helpers ---

func queueDTO(q *storage.Queue) map[string]any {
	return map[string]any{
		"id": q.ID, "name": q.Name, "tenant_id": q.TenantID,
		"state": q.State, "config": q.Config,
		"created_at": q.CreatedAt, "updated_at": q.UpdatedAt,
	}
}

func workerDTO(w *storage.Worker) map[string]any {
	return map[string]any{
		"id": w.ID, "group_id": w.GroupID, "subscribed_queues": w.SubscribedQueues,
		"state": w.State, "last_heartbeat": w.LastHeartbeat,
		"active_message_count": w.ActiveMessageCount, "capacity": w.Capacity,
	}
}

// messageDTO follows spec §6's stable wire format exactly.
func messageDTO(m *storage.Message) map[string]any {
	return map[string]any{
		"id": m.ID, "queue_id": m.QueueID, "priority": m.Priority,
		"payload": m.Payload, "headers": m.Headers,
		"attempt": m.AttemptCount, "max_attempts": m.MaxAttempts,
		"enqueued_at": m.CreatedAt, "available_at": m.AvailableAt,
	}
}

func dlqEntryDTO(e *storage.DlqEntry) map[string]any {
	return map[string]any{
		"id": e.ID, "original_message_id": e.OriginalMessageID, "queue_id": e.QueueID,
		"payload": e.PayloadSnapshot, "headers": e.Headers,
		"failure_reason": e.FailureReason, "attempt_count": e.AttemptCount,
		"moved_at": e.MovedAt, "replayed_at": e.ReplayedAt,
	}
}

func scheduleDTO(j *storage.ScheduledJob) map[string]any {
	return map[string]any{
		"id": j.ID, "expr": j.CronOrInterval, "target_queue_id": j.TargetQueueID,
		"payload_template": j.PayloadTemplate, "enabled": j.Enabled,
		"last_run_at": j.LastRunAt, "next_run_at": j.NextRunAt,
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func writeQueueError(w http.ResponseWriter, err error) {
	var verr *queue.ValidationError
	switch {
	case errors.As(err, &verr):
		writeError(w, 400, err)
	case errors.Is(err, queue.ErrQueueNotFound):
		writeError(w, 404, err)
	case errors.Is(err, queue.ErrQueueArchived), errors.Is(err, queue.ErrRateLimited):
		writeError(w, 409, err)
	default:
		writeError(w, 500, err)
	}
}

func writeProcessorError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, processor.ErrMessageNotClaimed):
		writeError(w, 409, err)
	default:
		writeError(w, 500, err)
	}
}

func queryInt(r *http.Request, key string, def int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}
