// Package engine wires every component into the running VQM service:
// Storage, QueueManager, MessageProcessor, WorkerPool, EventDispatcher,
// DeadLetterQueue, JobScheduler and MetricsCollector, plus the processing
// loop that claims messages on the engine's own behalf and dispatches them
// to their handler (spec §9 "Engine orchestration", SPEC_FULL §12, grounded
// on original_source/engine/mod.rs's QueueEngine::new/start/stop and
// process_worker_messages).
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/vqm/breaker"
	"github.com/hazyhaar/vqm/config"
	"github.com/hazyhaar/vqm/dispatcher"
	"github.com/hazyhaar/vqm/dlq"
	"github.com/hazyhaar/vqm/events"
	"github.com/hazyhaar/vqm/idgen"
	"github.com/hazyhaar/vqm/metrics"
	"github.com/hazyhaar/vqm/observability"
	"github.com/hazyhaar/vqm/processor"
	"github.com/hazyhaar/vqm/queue"
	"github.com/hazyhaar/vqm/ratelimit"
	"github.com/hazyhaar/vqm/retrypolicy"
	"github.com/hazyhaar/vqm/scheduler"
	"github.com/hazyhaar/vqm/storage"
	"github.com/hazyhaar/vqm/workerpool"
)

// internalWorkerID is the identity the engine claims messages under when
// dispatching through its own processing loop, as opposed to messages
// claimed directly by an external worker process over the API.
const internalWorkerID = "engine-internal"

// Engine owns every component and the long-lived goroutines that drive them.
type Engine struct {
	cfg   *config.EngineConfig
	store *storage.Store
	bus   *events.Bus
	log   *slog.Logger

	queues     *queue.Manager
	processor  *processor.Processor
	workers    *workerpool.Pool
	breakers   *breaker.Manager
	dispatcher *dispatcher.Dispatcher
	deadletter *dlq.Queue
	schedule   *scheduler.Scheduler
	metricsCol *metrics.Collector

	metricsHistory *observability.MetricsManager
	retryStrategy  retrypolicy.Strategy

	startedAt time.Time
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// Option configures an Engine at construction time.
type Option func(*Engine)

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.log = l } }

// WithRateLimiter installs a producer-facing rate limiter (token bucket or
// sliding window) behind QueueManager.Enqueue.
func WithRateLimiter(l ratelimit.Limiter) Option {
	return func(e *Engine) { e.queues = queue.New(e.store, e.bus, idgen.Default, l) }
}

// WithMetricsHistory enables durable SQLite snapshot persistence alongside
// the Prometheus registry (observability.MetricsManager, spec §4.11).
func WithMetricsHistory(history *observability.MetricsManager) Option {
	return func(e *Engine) { e.metricsHistory = history }
}

// New wires every component against a shared Store and returns a ready,
// unstarted Engine. Call Start to begin processing.
func New(cfg *config.EngineConfig, store *storage.Store, opts ...Option) *Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	e := &Engine{
		cfg:   cfg,
		store: store,
		bus:   events.NewBus(events.DefaultBufferSize),
		log:   slog.Default(),
	}
	e.queues = queue.New(store, e.bus, idgen.Default, nil)
	e.processor = processor.New(store, e.bus, processor.WithLogger(e.log))
	e.workers = workerpool.New(store, e.bus, idgen.Default,
		workerpool.WithStaleAfter(cfg.StaleThreshold()), workerpool.WithLogger(e.log))

	e.breakers = breaker.NewManager(func(handlerID string, from, to breaker.State) {
		e.bus.Publish(events.Event{
			Kind: events.KindCircuitBreakerStateChange, At: time.Now(),
			HandlerID: handlerID, FromState: string(from), ToState: string(to),
		})
		// The callback runs while the breaker's own locks are held, and
		// Snapshot takes them again, so the row is persisted off this stack.
		go func() {
			if row, ok := e.breakers.Snapshot(handlerID); ok {
				_ = e.store.SaveBreakerState(context.Background(), &storage.BreakerRow{
					HandlerID: handlerID, State: storage.BreakerState(row.State),
					FailureCount: row.FailureCount, SuccessCountHalfOpen: row.SuccessCountHalfOpen,
					OpenedAt: row.OpenedAt,
				})
			}
		}()
	})
	e.dispatcher = dispatcher.New(store, e.breakers)

	e.deadletter = dlq.New(store, e.bus, idgen.Default)
	e.schedule = scheduler.New(store, e.bus, idgen.Default, e.enqueueOnto)

	for _, o := range opts {
		o(e)
	}
	e.metricsCol = metrics.New(e.bus, e.metricsHistory)

	e.retryStrategy = retrypolicy.Strategy{
		Kind: retrypolicy.KindExponential,
		BaseMs: int64(cfg.BaseRetryDelayMs), Multiplier: 2, MaxMs: int64(cfg.BaseRetryDelayMs) * 64,
		JitterFraction: 0.25, MaxAttempts: uint32(cfg.MaxRetryAttempts),
	}
	return e
}

// QueueManager returns the QueueManager component.
func (e *Engine) QueueManager() *queue.Manager { return e.queues }

// Processor returns the MessageProcessor component.
func (e *Engine) Processor() *processor.Processor { return e.processor }

// WorkerPool returns the WorkerPool component.
func (e *Engine) WorkerPool() *workerpool.Pool { return e.workers }

// Dispatcher returns the EventDispatcher component.
func (e *Engine) Dispatcher() *dispatcher.Dispatcher { return e.dispatcher }

// Scheduler returns the JobScheduler component.
func (e *Engine) Scheduler() *scheduler.Scheduler { return e.schedule }

// Metrics returns the MetricsCollector component.
func (e *Engine) Metrics() *metrics.Collector { return e.metricsCol }

// DLQ returns the DeadLetterQueue component.
func (e *Engine) DLQ() *dlq.Queue { return e.deadletter }

// Breakers returns the circuit breaker manager, for admin inspection/reset.
func (e *Engine) Breakers() *breaker.Manager { return e.breakers }

// Store returns the underlying Storage component, for callers (such as
// adminapi) that need direct access beyond the higher-level components.
func (e *Engine) Store() *storage.Store { return e.store }

// Config returns the engine's configuration, for callers that need to seed
// defaults (e.g. adminapi's handler registration applying the circuit
// breaker kill-switch) from the same values the engine itself was built
// with.
func (e *Engine) Config() *config.EngineConfig { return e.cfg }

// EnqueueFunc returns a dlq.EnqueueFunc bound to this engine's QueueManager,
// for replaying dead-lettered messages (spec §4.9 "Replay").
func (e *Engine) EnqueueFunc() dlq.EnqueueFunc { return e.enqueueOnto }

// SubscribeEvents registers a new event subscriber (spec §6 "Event
// subscription"). Callers must Unsubscribe when done.
func (e *Engine) SubscribeEvents() (uint64, <-chan events.Event) { return e.bus.Subscribe() }

// UnsubscribeEvents removes a subscriber registered via SubscribeEvents.
func (e *Engine) UnsubscribeEvents(id uint64) { e.bus.Unsubscribe(id) }

func (e *Engine) enqueueOnto(ctx context.Context, queueID string, payload []byte, headers map[string]string) (string, error) {
	return e.queues.Enqueue(ctx, queueID, payload, queue.EnqueueOptions{Headers: headers})
}

// Start launches the processing loop, the reap/retry-promotion loop, the
// stale-worker scan, the scheduler tick and the periodic cleanup task. It
// returns immediately; call Stop to shut down.
func (e *Engine) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.startedAt = time.Now()

	e.spawn(func() { e.runProcessingLoop(runCtx) })
	e.spawn(func() { e.processor.Run(runCtx, time.Second) })
	e.spawn(func() { e.workers.Run(runCtx, e.cfg.StaleThreshold()/3) })
	e.spawn(func() { e.schedule.Run(runCtx, time.Second) })
	e.spawn(func() { e.runCleanupLoop(runCtx) })

	e.log.Info("engine: started",
		"max_concurrent_processing", e.cfg.MaxConcurrentProcessing,
		"batch_size", e.cfg.BatchSize,
	)
}

// Stop signals every goroutine to exit and waits for them to finish. Messages
// already claimed are left Claimed; they either complete normally or are
// reaped once their visibility timeout elapses after restart, matching the
// Reap path's crash-safety guarantee (spec §4.6) rather than needing a
// separate in-flight drain protocol.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
	e.metricsCol.Close()
	e.log.Info("engine: stopped")
}

func (e *Engine) spawn(fn func()) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn()
	}()
}

// runProcessingLoop is the claim -> dispatch -> ack/nack/DLQ tick, the Go
// equivalent of the original engine's process_worker_messages sweep.
func (e *Engine) runProcessingLoop(ctx context.Context) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.processOnce(ctx); err != nil {
				e.log.Warn("engine: processing tick failed", "error", err)
			}
		}
	}
}

func (e *Engine) processOnce(ctx context.Context) error {
	queues, err := e.queues.List(ctx, "")
	if err != nil {
		return fmt.Errorf("engine: list queues: %w", err)
	}

	var queueIDs []string
	queueCaps := make(map[string]int, len(queues))
	dlqEnabled := make(map[string]bool, len(queues))
	for _, q := range queues {
		if q.State != storage.QueueActive {
			continue
		}
		queueIDs = append(queueIDs, q.ID)
		counts, err := e.store.QueueStatusCounts(ctx, q.ID)
		if err != nil {
			return fmt.Errorf("engine: queue counts: %w", err)
		}
		queueCaps[q.ID] = max(0, int(q.Config.MaxInFlight)-int(counts[storage.StatusClaimed]))
		dlqEnabled[q.ID] = e.cfg.EnableDLQ && q.Config.DLQEnabled
	}
	if len(queueIDs) == 0 {
		return nil
	}

	msgs, err := e.processor.Claim(ctx, internalWorkerID, queueIDs, queueCaps, e.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("engine: claim batch: %w", err)
	}

	sem := make(chan struct{}, e.cfg.MaxConcurrentProcessing)
	var wg sync.WaitGroup
	for _, m := range msgs {
		m := m
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			e.handleClaimed(ctx, m, dlqEnabled[m.QueueID])
		}()
	}
	wg.Wait()
	return nil
}

func (e *Engine) handleClaimed(ctx context.Context, m *storage.Message, dlqEnabled bool) {
	result, err := e.dispatcher.Dispatch(ctx, m)
	if err != nil {
		e.log.Warn("engine: dispatch error", "message_id", m.ID, "error", err)
		return
	}

	switch result.Outcome {
	case dispatcher.OutcomeSuccess:
		if err := e.processor.Ack(ctx, m, internalWorkerID); err != nil {
			e.log.Warn("engine: ack failed", "message_id", m.ID, "error", err)
		}

	case dispatcher.OutcomeClientError:
		// Terminal, but not a breaker failure (spec §4.8/§7): the handler is
		// healthy, the message itself is bad. Straight to DLQ when enabled,
		// otherwise a terminal failure.
		e.terminalOutcome(ctx, m, dlqEnabled, fmt.Sprintf("non-retryable: %v", result.Err))

	case dispatcher.OutcomeServerError:
		reason := "handler error"
		if result.Err != nil {
			reason = result.Err.Error()
		}
		decision, err := e.processor.Nack(ctx, m, internalWorkerID, e.retryStrategy, reason)
		if err != nil {
			e.log.Warn("engine: nack failed", "message_id", m.ID, "error", err)
			return
		}
		if decision.Terminal && dlqEnabled {
			e.moveToDLQ(ctx, m, reason)
		}

	case dispatcher.OutcomeBreakerOpen:
		// The breaker rejected the call before it reached the handler; treat
		// like a brief, bounded retry rather than a handler failure (spec §7).
		breakerRetry := retrypolicy.Strategy{
			Kind: retrypolicy.KindFixed, DelayMs: result.RetryAfter.Milliseconds(),
			MaxAttempts: e.retryStrategy.MaxAttempts,
		}
		decision, err := e.processor.Nack(ctx, m, internalWorkerID, breakerRetry, "circuit breaker open")
		if err != nil {
			e.log.Warn("engine: breaker-open nack failed", "message_id", m.ID, "error", err)
			return
		}
		if decision.Terminal && dlqEnabled {
			e.moveToDLQ(ctx, m, "circuit breaker open")
		}

	case dispatcher.OutcomeNoHandler:
		e.terminalOutcome(ctx, m, dlqEnabled, "no handler registered for queue")
	}
}

func (e *Engine) terminalOutcome(ctx context.Context, m *storage.Message, dlqEnabled bool, reason string) {
	if dlqEnabled {
		e.moveToDLQ(ctx, m, reason)
		return
	}
	if _, err := e.processor.Nack(ctx, m, internalWorkerID, retrypolicy.Strategy{MaxAttempts: 0}, reason); err != nil {
		e.log.Warn("engine: terminal nack failed", "message_id", m.ID, "error", err)
	}
}

func (e *Engine) moveToDLQ(ctx context.Context, m *storage.Message, reason string) {
	if _, err := e.deadletter.Move(ctx, m, reason); err != nil {
		e.log.Warn("engine: move to dlq failed", "message_id", m.ID, "error", err)
	}
}

// runCleanupLoop purges retained terminal messages on cleanup_interval_hours
// and snapshots a Stats reading into metrics history on metrics_interval_s
// (spec §4.11, SPEC_FULL §12 "Cleanup task").
func (e *Engine) runCleanupLoop(ctx context.Context) {
	purgeTicker := time.NewTicker(e.cfg.CleanupInterval())
	defer purgeTicker.Stop()
	metricsTicker := time.NewTicker(e.cfg.MetricsInterval())
	defer metricsTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-purgeTicker.C:
			n, err := e.store.PurgeExpired(ctx, uint32(e.cfg.MessageRetentionDays), time.Now())
			if err != nil {
				e.log.Warn("engine: purge expired failed", "error", err)
			} else if n > 0 {
				e.log.Info("engine: purged expired messages", "count", n)
			}
		case <-metricsTicker.C:
			snap, err := e.GetStats(ctx)
			if err != nil {
				e.log.Warn("engine: snapshot stats failed", "error", err)
				continue
			}
			e.metricsCol.SnapshotNow(ctx, snap)
		}
	}
}

// GetStats assembles a point-in-time Snapshot across every component (spec
// §6 get_stats, SPEC_FULL §12).
func (e *Engine) GetStats(ctx context.Context) (metrics.Snapshot, error) {
	queues, err := e.queues.List(ctx, "")
	if err != nil {
		return metrics.Snapshot{}, err
	}

	snap := metrics.Snapshot{
		Timestamp:         time.Now(),
		TotalQueues:       len(queues),
		MessagesPerSecond: e.processor.MessagesPerSecond(),
		UptimeSecs:        int64(time.Since(e.startedAt).Seconds()),
		QueueDepths:       make(map[string]int64, len(queues)),
	}

	var totalFailed, totalCompleted int64
	for _, q := range queues {
		if q.State == storage.QueueActive {
			snap.ActiveQueues++
		}
		counts, err := e.store.QueueStatusCounts(ctx, q.ID)
		if err != nil {
			return metrics.Snapshot{}, err
		}
		for status, n := range counts {
			snap.TotalMessages += n
			switch status {
			case storage.StatusPending, storage.StatusScheduledRetry:
				snap.PendingMessages += n
			case storage.StatusClaimed:
				snap.ProcessingMessages += n
			case storage.StatusFailed, storage.StatusDeadLetter:
				totalFailed += n
			case storage.StatusCompleted:
				totalCompleted += n
			}
		}
		snap.QueueDepths[q.ID] = counts[storage.StatusPending] + counts[storage.StatusScheduledRetry]
	}
	if denom := totalFailed + totalCompleted; denom > 0 {
		snap.ErrorRate = float64(totalFailed) / float64(denom)
	}

	available, err := e.workers.Available(ctx)
	if err != nil {
		return metrics.Snapshot{}, err
	}
	snap.ActiveWorkers = len(available)

	return snap, nil
}
