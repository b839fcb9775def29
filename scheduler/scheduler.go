// Package scheduler implements JobScheduler (spec §4.10): a tick loop that
// finds due ScheduledJob rows, claims each one via storage's row-level
// compare-and-swap (so multiple engine nodes sharing one database never
// double-fire the same job), and enqueues its payload template onto the
// target queue.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/hazyhaar/vqm/events"
	"github.com/hazyhaar/vqm/idgen"
	"github.com/hazyhaar/vqm/storage"
)

// ErrScheduleNotFound is returned when an operation targets an unknown job.
var ErrScheduleNotFound = errors.New("scheduler: schedule not found")

// EnqueueFunc puts a scheduled job's payload onto its target queue, matching
// queue.Manager.Enqueue's relevant parameters without importing that package.
type EnqueueFunc func(ctx context.Context, queueID string, payload []byte, headers map[string]string) (messageID string, err error)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Scheduler is the JobScheduler component.
type Scheduler struct {
	store   *storage.Store
	bus     *events.Bus
	idgen   idgen.Generator
	enqueue EnqueueFunc
	log     *slog.Logger

	mu     sync.Mutex
	parsed map[string]cron.Schedule
}

// New creates a JobScheduler. enqueue is how a due job's payload is
// delivered onto its target queue — typically queue.Manager.Enqueue adapted
// to this signature.
func New(store *storage.Store, bus *events.Bus, gen idgen.Generator, enqueue EnqueueFunc) *Scheduler {
	if gen == nil {
		gen = idgen.Default
	}
	return &Scheduler{
		store: store, bus: bus, idgen: gen, enqueue: enqueue,
		log: slog.Default(), parsed: make(map[string]cron.Schedule),
	}
}

// Create registers a new schedule. expr accepts standard 5-field cron syntax
// or robfig/cron descriptors (@every 30s, @hourly, @daily, ...).
func (s *Scheduler) Create(ctx context.Context, expr, targetQueueID string, payloadTemplate []byte) (*storage.ScheduledJob, error) {
	sched, err := s.parse(expr)
	if err != nil {
		return nil, fmt.Errorf("scheduler: invalid schedule %q: %w", expr, err)
	}
	now := time.Now()
	j := &storage.ScheduledJob{
		ID:              s.idgen(),
		CronOrInterval:  expr,
		TargetQueueID:   targetQueueID,
		PayloadTemplate: payloadTemplate,
		Enabled:         true,
		NextRunAt:       sched.Next(now),
	}
	if err := s.store.CreateSchedule(ctx, j); err != nil {
		return nil, err
	}
	return j, nil
}

// Get loads a schedule by id.
func (s *Scheduler) Get(ctx context.Context, id string) (*storage.ScheduledJob, error) {
	j, err := s.store.GetSchedule(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrScheduleNotFound
	}
	return j, err
}

// List returns every schedule.
func (s *Scheduler) List(ctx context.Context) ([]*storage.ScheduledJob, error) {
	return s.store.ListSchedules(ctx)
}

// SetEnabled toggles a schedule on or off.
func (s *Scheduler) SetEnabled(ctx context.Context, id string, enabled bool) error {
	err := s.store.SetScheduleEnabled(ctx, id, enabled)
	if errors.Is(err, storage.ErrNotFound) {
		return ErrScheduleNotFound
	}
	return err
}

// Tick claims and fires every due schedule once. Missed ticks (a job whose
// next_run_at fell far enough in the past that several intervals have since
// elapsed, e.g. after the engine was down) are collapsed into a single firing:
// the next occurrence is always computed from "now", not from the missed
// next_run_at, so a job never catches up by firing once per missed interval.
func (s *Scheduler) Tick(ctx context.Context) (fired int, err error) {
	now := time.Now()
	due, err := s.store.DueSchedules(ctx, now)
	if err != nil {
		return 0, err
	}

	for _, job := range due {
		sched, err := s.parse(job.CronOrInterval)
		if err != nil {
			s.log.Warn("scheduler: skipping job with unparseable schedule", "job_id", job.ID, "error", err)
			continue
		}
		nextRun := sched.Next(now)

		advanced, err := s.store.AdvanceSchedule(ctx, job.ID, job.NextRunAt, now, nextRun)
		if err != nil {
			return fired, err
		}
		if !advanced {
			// Another node already claimed this tick.
			continue
		}

		if s.enqueue != nil {
			if _, err := s.enqueue(ctx, job.TargetQueueID, job.PayloadTemplate, nil); err != nil {
				s.log.Warn("scheduler: enqueue failed for due job", "job_id", job.ID, "error", err)
				continue
			}
		}
		s.emit(events.Event{Kind: events.KindScheduledJobExecuted, At: now, ScheduleID: job.ID, QueueID: job.TargetQueueID})
		fired++
	}
	return fired, nil
}

// Run starts the tick loop, checking every interval until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := s.Tick(ctx); err != nil {
				s.log.Warn("scheduler: tick failed", "error", err)
			} else if n > 0 {
				s.log.Info("scheduler: fired due jobs", "count", n)
			}
		}
	}
}

func (s *Scheduler) parse(expr string) (cron.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sched, ok := s.parsed[expr]; ok {
		return sched, nil
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, err
	}
	s.parsed[expr] = sched
	return sched, nil
}

func (s *Scheduler) emit(e events.Event) {
	if s.bus != nil {
		s.bus.Publish(e)
	}
}
