// Package workerpool implements WorkerPool (spec §4.7): worker registration,
// heartbeats, a background stale scan, and capacity-aware availability
// queries consumed by the message processor's claim loop.
package workerpool

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hazyhaar/vqm/events"
	"github.com/hazyhaar/vqm/idgen"
	"github.com/hazyhaar/vqm/storage"
)

// ErrWorkerNotFound is returned when an operation targets an unknown worker.
var ErrWorkerNotFound = errors.New("workerpool: worker not found")

// ErrWorkerBusy is returned by Unregister when a worker still owns claimed
// messages and force was not requested (spec §4.7 unregister).
var ErrWorkerBusy = errors.New("workerpool: worker has in-flight claims")

// Pool is the WorkerPool component.
type Pool struct {
	store *storage.Store
	bus   *events.Bus
	idgen idgen.Generator
	log   *slog.Logger

	staleAfter time.Duration
}

// Option configures a Pool.
type Option func(*Pool)

// WithStaleAfter sets the heartbeat staleness threshold. Default 90s (3x a
// typical 30s heartbeat interval).
func WithStaleAfter(d time.Duration) Option { return func(p *Pool) { p.staleAfter = d } }

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option { return func(p *Pool) { p.log = l } }

// New creates a WorkerPool.
func New(store *storage.Store, bus *events.Bus, gen idgen.Generator, opts ...Option) *Pool {
	if gen == nil {
		gen = idgen.Default
	}
	p := &Pool{store: store, bus: bus, idgen: gen, log: slog.Default(), staleAfter: 90 * time.Second}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Register enrolls a worker, optionally with a caller-supplied id (re-register
// on reconnect). An empty id generates a fresh one.
func (p *Pool) Register(ctx context.Context, id, groupID string, subscribedQueues []string, capacity uint32) (*storage.Worker, error) {
	if id == "" {
		id = p.idgen()
	}
	w := &storage.Worker{
		ID:               id,
		GroupID:          groupID,
		SubscribedQueues: subscribedQueues,
		Capacity:         capacity,
	}
	if err := p.store.RegisterWorker(ctx, w); err != nil {
		return nil, err
	}
	p.emit(events.Event{Kind: events.KindWorkerRegistered, At: time.Now(), WorkerID: w.ID})
	return w, nil
}

// Heartbeat records liveness and the worker's self-reported active count.
func (p *Pool) Heartbeat(ctx context.Context, workerID string, activeCount uint32) error {
	err := p.store.Heartbeat(ctx, workerID, activeCount)
	if errors.Is(err, storage.ErrNotFound) {
		return ErrWorkerNotFound
	}
	if err != nil {
		return err
	}
	p.emit(events.Event{Kind: events.KindWorkerHeartbeat, At: time.Now(), WorkerID: workerID})
	return nil
}

// Get loads a worker by id.
func (p *Pool) Get(ctx context.Context, workerID string) (*storage.Worker, error) {
	w, err := p.store.GetWorker(ctx, workerID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrWorkerNotFound
	}
	return w, err
}

// Available returns Active/Idle workers with spare capacity, ordered by
// remaining capacity descending (spec §4.7).
func (p *Pool) Available(ctx context.Context) ([]*storage.Worker, error) {
	return p.store.AvailableWorkers(ctx)
}

// Unregister removes a worker. If the worker still owns claimed messages,
// Unregister returns ErrWorkerBusy unless force is true, in which case the
// caller is responsible for ensuring those messages get reaped back to
// Pending by the processor's visibility-timeout sweep.
func (p *Pool) Unregister(ctx context.Context, workerID string, force bool) error {
	if !force {
		busy, err := p.store.WorkerHasClaims(ctx, workerID)
		if err != nil {
			return err
		}
		if busy {
			return ErrWorkerBusy
		}
	}
	err := p.store.DeleteWorker(ctx, workerID)
	if errors.Is(err, storage.ErrNotFound) {
		return ErrWorkerNotFound
	}
	if err != nil {
		return err
	}
	p.emit(events.Event{Kind: events.KindWorkerDisconnected, At: time.Now(), WorkerID: workerID})
	return nil
}

// ScanStale marks workers whose last heartbeat predates staleAfter as Stale
// and emits WorkerDisconnected for each. Pool.Run calls it on a ticker; the
// engine starts Run in its own goroutine.
func (p *Pool) ScanStale(ctx context.Context) (int, error) {
	threshold := time.Now().Add(-p.staleAfter)
	stale, err := p.store.StaleWorkers(ctx, threshold)
	if err != nil {
		return 0, err
	}
	for _, w := range stale {
		if err := p.store.MarkWorkerState(ctx, w.ID, storage.WorkerStale); err != nil {
			p.log.Warn("workerpool: mark stale failed", "worker_id", w.ID, "error", err)
			continue
		}
		p.emit(events.Event{Kind: events.KindWorkerDisconnected, At: time.Now(), WorkerID: w.ID})
	}
	return len(stale), nil
}

// Run starts the stale-scan loop, ticking every interval until ctx is
// cancelled.
func (p *Pool) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := p.ScanStale(ctx); err != nil {
				p.log.Warn("workerpool: stale scan failed", "error", err)
			} else if n > 0 {
				p.log.Info("workerpool: marked workers stale", "count", n)
			}
		}
	}
}

func (p *Pool) emit(e events.Event) {
	if p.bus != nil {
		p.bus.Publish(e)
	}
}
