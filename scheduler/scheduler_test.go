package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/hazyhaar/vqm/events"
	"github.com/hazyhaar/vqm/storage"
)

func TestScheduler_CreateParsesExpression(t *testing.T) {
	store := storage.OpenMemory(t)
	s := New(store, events.NewBus(16), nil, nil)
	j, err := s.Create(context.Background(), "@every 1h", "q1", []byte("payload"))
	if err != nil {
		t.Fatal(err)
	}
	if j.NextRunAt.Before(time.Now()) {
		t.Fatal("want next_run_at in the future")
	}
}

func TestScheduler_CreateRejectsInvalidExpression(t *testing.T) {
	store := storage.OpenMemory(t)
	s := New(store, events.NewBus(16), nil, nil)
	_, err := s.Create(context.Background(), "not a cron expression", "q1", nil)
	if err == nil {
		t.Fatal("want error for invalid schedule expression")
	}
}

func TestScheduler_TickFiresDueJobExactlyOnce(t *testing.T) {
	store := storage.OpenMemory(t)
	var enqueued []string
	enqueue := func(ctx context.Context, queueID string, payload []byte, headers map[string]string) (string, error) {
		enqueued = append(enqueued, queueID)
		return "msg-1", nil
	}
	s := New(store, events.NewBus(16), nil, enqueue)

	j, err := s.Create(context.Background(), "@every 1s", "q1", []byte("x"))
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(1100 * time.Millisecond)

	n, err := s.Tick(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("want 1 fired, got %d", n)
	}
	if len(enqueued) != 1 || enqueued[0] != "q1" {
		t.Fatalf("want one enqueue onto q1, got %v", enqueued)
	}

	got, err := s.Get(context.Background(), j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.LastRunAt == nil {
		t.Fatal("want last_run_at set after firing")
	}
}

func TestScheduler_TickSkipsDisabled(t *testing.T) {
	store := storage.OpenMemory(t)
	enqueued := 0
	enqueue := func(ctx context.Context, queueID string, payload []byte, headers map[string]string) (string, error) {
		enqueued++
		return "msg-1", nil
	}
	s := New(store, events.NewBus(16), nil, enqueue)

	j, err := s.Create(context.Background(), "@every 1s", "q1", nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.SetEnabled(context.Background(), j.ID, false); err != nil {
		t.Fatal(err)
	}
	time.Sleep(1100 * time.Millisecond)

	n, err := s.Tick(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("want 0 fired for disabled schedule, got %d", n)
	}
	if enqueued != 0 {
		t.Fatalf("want no enqueue for disabled schedule, got %d", enqueued)
	}
}

func TestScheduler_MissedTicksCollapseIntoOneFiring(t *testing.T) {
	store := storage.OpenMemory(t)
	enqueued := 0
	enqueue := func(ctx context.Context, queueID string, payload []byte, headers map[string]string) (string, error) {
		enqueued++
		return "msg-1", nil
	}
	s := New(store, events.NewBus(16), nil, enqueue)

	j, err := s.Create(context.Background(), "@every 1ms", "q1", nil)
	if err != nil {
		t.Fatal(err)
	}
	// Simulate the engine having been down for a while: next_run_at is far
	// in the past, so many 1ms intervals have technically elapsed.
	if _, err := store.AdvanceSchedule(context.Background(), j.ID, j.NextRunAt, time.Time{}, time.Now().Add(-time.Hour)); err != nil {
		t.Fatal(err)
	}

	n, err := s.Tick(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("want exactly 1 firing regardless of how many intervals were missed, got %d", n)
	}
	if enqueued != 1 {
		t.Fatalf("want exactly 1 enqueue, got %d", enqueued)
	}
}
