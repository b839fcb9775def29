// Package processor implements MessageProcessor (spec §4.6): claiming
// batches of messages for a worker, ack/nack, the visibility-timeout reap
// loop, and a rolling messages_per_second estimate.
package processor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/vqm/events"
	"github.com/hazyhaar/vqm/retrypolicy"
	"github.com/hazyhaar/vqm/storage"
)

// ErrMessageNotClaimed is returned by Ack/Nack when the message isn't
// Claimed by the calling worker (spec §8 "ack/nack on a message the caller
// doesn't hold is a no-op success", surfaced here so callers can tell the
// no-op case apart from a hard failure if they want to).
var ErrMessageNotClaimed = errors.New("processor: message not claimed by worker")

// Processor is the MessageProcessor component.
type Processor struct {
	store *storage.Store
	bus   *events.Bus
	log   *slog.Logger

	mu         sync.Mutex
	throughput *ewma
}

// Option configures a Processor.
type Option func(*Processor)

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option { return func(p *Processor) { p.log = l } }

// New creates a MessageProcessor.
func New(store *storage.Store, bus *events.Bus, opts ...Option) *Processor {
	p := &Processor{store: store, bus: bus, log: slog.Default(), throughput: newEWMA(10)}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Claim claims up to limit eligible messages across queueIDs for workerID.
// queueCaps gives each queue's remaining max_in_flight slots, used for
// weighted-round-robin fairness (spec §9).
func (p *Processor) Claim(ctx context.Context, workerID string, queueIDs []string, queueCaps map[string]int, limit int) ([]*storage.Message, error) {
	msgs, err := p.store.ClaimBatch(ctx, workerID, queueIDs, queueCaps, limit, time.Now())
	if err != nil {
		return nil, err
	}
	for _, m := range msgs {
		p.emit(events.Event{Kind: events.KindMessageProcessingStarted, At: time.Now(), QueueID: m.QueueID, MessageID: m.ID, WorkerID: workerID})
	}
	return msgs, nil
}

// Ack marks a message Completed and records throughput/latency.
func (p *Processor) Ack(ctx context.Context, msg *storage.Message, workerID string) error {
	now := time.Now()
	err := p.store.AckMessage(ctx, msg.ID, workerID)
	if errors.Is(err, storage.ErrNotFound) {
		return ErrMessageNotClaimed
	}
	if err != nil {
		return err
	}
	p.recordCompletion(now)
	p.emit(events.Event{
		Kind: events.KindMessageProcessed, At: now, QueueID: msg.QueueID, MessageID: msg.ID, WorkerID: workerID,
		EndToEndLatency:   now.Sub(msg.CreatedAt),
		ProcessingLatency: now.Sub(msg.UpdatedAt),
	})
	return nil
}

// Nack consults strategy via retrypolicy to decide between scheduling a
// retry and a terminal failure, then applies the decision (spec §4.2, §4.6).
// The caller supplies the strategy; the engine passes its single engine-wide
// strategy, built from EngineConfig, for every queue and handler.
func (p *Processor) Nack(ctx context.Context, msg *storage.Message, workerID string, strategy retrypolicy.Strategy, lastError string) (retrypolicy.Decision, error) {
	now := time.Now()
	decision := retrypolicy.Next(msg.AttemptCount+1, strategy)

	if decision.Terminal {
		if err := p.store.FailMessage(ctx, msg.ID, workerID, lastError); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return decision, ErrMessageNotClaimed
			}
			return decision, err
		}
		p.emit(events.Event{Kind: events.KindMessageFailed, At: now, QueueID: msg.QueueID, MessageID: msg.ID, WorkerID: workerID, WillRetry: false, Reason: lastError, ProcessingLatency: now.Sub(msg.UpdatedAt)})
		return decision, nil
	}

	err := p.store.ScheduleRetry(ctx, msg.ID, workerID, decision.DelayMs, lastError)
	if errors.Is(err, storage.ErrNotFound) {
		return decision, ErrMessageNotClaimed
	}
	if err != nil {
		return decision, err
	}
	p.emit(events.Event{Kind: events.KindMessageFailed, At: now, QueueID: msg.QueueID, MessageID: msg.ID, WorkerID: workerID, WillRetry: true, Reason: lastError, ProcessingLatency: now.Sub(msg.UpdatedAt)})
	return decision, nil
}

// PromoteDueRetries flips ScheduledRetry messages whose delay has elapsed
// back to Pending, making them claimable again.
func (p *Processor) PromoteDueRetries(ctx context.Context) (int64, error) {
	return p.store.PromoteDueRetries(ctx, time.Now())
}

// Reap releases expired claims back to Pending without incrementing
// attempt_count (spec §4.6 crash-safety distinction).
func (p *Processor) Reap(ctx context.Context) ([]string, error) {
	ids, err := p.store.ReapExpiredClaims(ctx, time.Now())
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// Run starts the reap + retry-promotion loop, ticking every interval until
// ctx is cancelled.
func (p *Processor) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ids, err := p.Reap(ctx); err != nil {
				p.log.Warn("processor: reap failed", "error", err)
			} else if len(ids) > 0 {
				p.log.Info("processor: reaped expired claims", "count", len(ids))
			}
			if n, err := p.PromoteDueRetries(ctx); err != nil {
				p.log.Warn("processor: promote due retries failed", "error", err)
			} else if n > 0 {
				p.log.Info("processor: promoted retries to pending", "count", n)
			}
		}
	}
}

// MessagesPerSecond reports the rolling estimate of completed messages per
// second (spec §4.11 "processing throughput").
func (p *Processor) MessagesPerSecond() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.throughput.rate()
}

func (p *Processor) recordCompletion(at time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.throughput.tick(at)
}

func (p *Processor) emit(e events.Event) {
	if p.bus != nil {
		p.bus.Publish(e)
	}
}
