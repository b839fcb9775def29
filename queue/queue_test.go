package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hazyhaar/vqm/events"
	"github.com/hazyhaar/vqm/ratelimit"
	"github.com/hazyhaar/vqm/storage"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	store := storage.OpenMemory(t)
	return New(store, events.NewBus(16), nil, nil)
}

func TestManager_CreateQueueRejectsEmptyName(t *testing.T) {
	m := newTestManager(t)
	_, err := m.CreateQueue(context.Background(), "", "acme", storage.QueueConfig{})
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("want ValidationError, got %v", err)
	}
}

func TestManager_CreateQueueDuplicateName(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	if _, err := m.CreateQueue(ctx, "orders", "acme", storage.QueueConfig{}); err != nil {
		t.Fatal(err)
	}
	_, err := m.CreateQueue(ctx, "orders", "acme", storage.QueueConfig{})
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("want ValidationError for duplicate name, got %v", err)
	}
}

func TestManager_PauseResumeRoundTrip(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	q, err := m.CreateQueue(ctx, "orders", "acme", storage.QueueConfig{})
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Pause(ctx, q.ID); err != nil {
		t.Fatal(err)
	}
	got, err := m.Get(ctx, q.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != storage.QueuePaused {
		t.Fatalf("want paused, got %s", got.State)
	}
	if err := m.Resume(ctx, q.ID); err != nil {
		t.Fatal(err)
	}
	got, err = m.Get(ctx, q.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != storage.QueueActive {
		t.Fatalf("want active, got %s", got.State)
	}
}

func TestManager_PauseUnknownQueue(t *testing.T) {
	m := newTestManager(t)
	err := m.Pause(context.Background(), "does-not-exist")
	if !errors.Is(err, ErrQueueNotFound) {
		t.Fatalf("want ErrQueueNotFound, got %v", err)
	}
}

func TestManager_EnqueueArchivedQueueRejected(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	q, err := m.CreateQueue(ctx, "orders", "acme", storage.QueueConfig{})
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Archive(ctx, q.ID); err != nil {
		t.Fatal(err)
	}
	_, err = m.Enqueue(ctx, q.ID, []byte("payload"), EnqueueOptions{})
	if !errors.Is(err, ErrQueueArchived) {
		t.Fatalf("want ErrQueueArchived, got %v", err)
	}
}

func TestManager_EnqueueDrainingQueueRejected(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	q, err := m.CreateQueue(ctx, "orders", "acme", storage.QueueConfig{})
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Drain(ctx, q.ID); err != nil {
		t.Fatal(err)
	}
	_, err = m.Enqueue(ctx, q.ID, []byte("payload"), EnqueueOptions{})
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("want ValidationError for draining queue, got %v", err)
	}
}

func TestManager_EnqueueDedupesOnIdempotencyKey(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	q, err := m.CreateQueue(ctx, "orders", "acme", storage.QueueConfig{})
	if err != nil {
		t.Fatal(err)
	}

	id1, err := m.Enqueue(ctx, q.ID, []byte("p1"), EnqueueOptions{IdempotencyKey: "order-42"})
	if err != nil {
		t.Fatal(err)
	}
	id2, err := m.Enqueue(ctx, q.ID, []byte("p2"), EnqueueOptions{IdempotencyKey: "order-42"})
	if err != nil {
		t.Fatal(err)
	}
	if id1 != id2 {
		t.Fatalf("want deduped id, got %s != %s", id1, id2)
	}
}

func TestManager_EnqueueRateLimited(t *testing.T) {
	t.Helper()
	store := storage.OpenMemory(t)
	limiter := ratelimit.NewTokenBucket(0, 0, time.Minute)
	m := New(store, nil, nil, limiter)
	ctx := context.Background()
	q, err := m.CreateQueue(ctx, "orders", "acme", storage.QueueConfig{})
	if err != nil {
		t.Fatal(err)
	}
	_, err = m.Enqueue(ctx, q.ID, []byte("payload"), EnqueueOptions{})
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("want ErrRateLimited, got %v", err)
	}
}

func TestManager_StatsCountsByStatus(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	q, err := m.CreateQueue(ctx, "orders", "acme", storage.QueueConfig{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Enqueue(ctx, q.ID, []byte("p1"), EnqueueOptions{}); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Enqueue(ctx, q.ID, []byte("p2"), EnqueueOptions{}); err != nil {
		t.Fatal(err)
	}

	stats, err := m.Stats(ctx, q.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Counts[storage.StatusPending] != 2 {
		t.Fatalf("want 2 pending, got %d", stats.Counts[storage.StatusPending])
	}
}

func TestManager_EnqueueBatchStopsAtFirstError(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	q, err := m.CreateQueue(ctx, "orders", "acme", storage.QueueConfig{})
	if err != nil {
		t.Fatal(err)
	}

	items := []EnqueueBatchItem{
		{QueueID: q.ID, Payload: []byte("p1")},
		{QueueID: "missing-queue", Payload: []byte("p2")},
		{QueueID: q.ID, Payload: []byte("p3")},
	}
	ids, err := m.EnqueueBatch(ctx, items)
	if !errors.Is(err, ErrQueueNotFound) {
		t.Fatalf("want ErrQueueNotFound, got %v", err)
	}
	if len(ids) != 1 {
		t.Fatalf("want 1 id written before the failure, got %d", len(ids))
	}
}
