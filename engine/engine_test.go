package engine

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hazyhaar/vqm/config"
	"github.com/hazyhaar/vqm/events"
	"github.com/hazyhaar/vqm/queue"
	"github.com/hazyhaar/vqm/storage"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	store := storage.OpenMemory(t)
	cfg := config.Default()
	cfg.MaxConcurrentProcessing = 4
	cfg.BatchSize = 10
	return New(cfg, store)
}

func TestEngine_ProcessesMessageThroughInProcessHandlerToCompletion(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	q, err := e.QueueManager().CreateQueue(ctx, "orders", "tenant-a", storage.QueueConfig{MaxInFlight: 10, VisibilityTimeoutS: 30})
	if err != nil {
		t.Fatal(err)
	}

	var handled int32
	handlerID := "h1"
	if err := e.store.UpsertHandler(ctx, &storage.Handler{
		ID: handlerID, QueueID: q.ID, Kind: storage.HandlerInProcess, TimeoutMs: 1000,
	}); err != nil {
		t.Fatal(err)
	}
	e.Dispatcher().RegisterInProcessHandler(handlerID, func(ctx context.Context, payload []byte, headers map[string]string) error {
		atomic.AddInt32(&handled, 1)
		return nil
	})

	if _, err := e.QueueManager().Enqueue(ctx, q.ID, []byte("order-1"), queue.EnqueueOptions{}); err != nil {
		t.Fatal(err)
	}

	e.Start(ctx)
	defer e.Stop()

	deadline := time.After(2 * time.Second)
	for atomic.LoadInt32(&handled) == 0 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for message to be handled")
		case <-time.After(10 * time.Millisecond):
		}
	}

	stats, err := e.GetStats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.TotalQueues != 1 {
		t.Fatalf("want 1 queue in stats, got %d", stats.TotalQueues)
	}
}

func TestEngine_NoHandlerGoesStraightToDLQWhenEnabled(t *testing.T) {
	e := newTestEngine(t)
	e.Config().EnableDLQ = true
	ctx := context.Background()

	q, err := e.QueueManager().CreateQueue(ctx, "orphaned", "tenant-a",
		storage.QueueConfig{MaxInFlight: 10, VisibilityTimeoutS: 30, DLQEnabled: true})
	if err != nil {
		t.Fatal(err)
	}
	msgID, err := e.QueueManager().Enqueue(ctx, q.ID, []byte("no handler for me"), queue.EnqueueOptions{})
	if err != nil {
		t.Fatal(err)
	}

	e.Start(ctx)
	defer e.Stop()

	deadline := time.After(2 * time.Second)
	for {
		entries, err := e.DLQ().List(ctx, q.ID, 0, 10)
		if err != nil {
			t.Fatal(err)
		}
		if len(entries) == 1 && entries[0].OriginalMessageID == msgID {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for message to land in the DLQ")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestEngine_SubscribeEventsReceivesQueueCreated(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	id, ch := e.SubscribeEvents()
	defer e.UnsubscribeEvents(id)

	if _, err := e.QueueManager().CreateQueue(ctx, "subscribed", "t", storage.QueueConfig{}); err != nil {
		t.Fatal(err)
	}

	select {
	case evt := <-ch:
		if evt.Kind != events.KindQueueCreated {
			t.Fatalf("want %v, got %v", events.KindQueueCreated, evt.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for queue_created event")
	}
}

func TestEngine_GetStatsReflectsPendingAndUptime(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	q, err := e.QueueManager().CreateQueue(ctx, "stats-q", "t", storage.QueueConfig{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.QueueManager().Enqueue(ctx, q.ID, []byte("x"), queue.EnqueueOptions{}); err != nil {
		t.Fatal(err)
	}

	e.startedAt = time.Now().Add(-5 * time.Second)
	stats, err := e.GetStats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.PendingMessages != 1 {
		t.Fatalf("want 1 pending message, got %d", stats.PendingMessages)
	}
	if stats.UptimeSecs < 5 {
		t.Fatalf("want uptime >= 5s, got %d", stats.UptimeSecs)
	}
}
