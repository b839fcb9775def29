package dlq

import (
	"context"
	"errors"
	"testing"

	"github.com/hazyhaar/vqm/events"
	"github.com/hazyhaar/vqm/storage"
)

func newTestFixture(t *testing.T) (*Queue, *storage.Store, *storage.Queue) {
	t.Helper()
	store := storage.OpenMemory(t)
	q := &storage.Queue{ID: "q1", Name: "q1", TenantID: "t", State: storage.QueueActive}
	if err := store.CreateQueue(context.Background(), q); err != nil {
		t.Fatal(err)
	}
	return New(store, events.NewBus(16), nil), store, q
}

func TestQueue_MoveThenListThenGet(t *testing.T) {
	dq, store, q := newTestFixture(t)
	ctx := context.Background()
	msg := &storage.Message{ID: "m1", QueueID: q.ID, Payload: []byte("boom"), Headers: map[string]string{"k": "v"}, AttemptCount: 5}
	if _, err := store.Enqueue(ctx, msg, 0); err != nil {
		t.Fatal(err)
	}

	entry, err := dq.Move(ctx, msg, "handler returned 500 five times")
	if err != nil {
		t.Fatal(err)
	}

	got, err := dq.Get(ctx, entry.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.OriginalMessageID != msg.ID || string(got.PayloadSnapshot) != "boom" {
		t.Fatalf("unexpected entry: %+v", got)
	}

	list, err := dq.List(ctx, q.ID, 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 {
		t.Fatalf("want 1 entry, got %d", len(list))
	}

	orig, err := store.GetMessage(ctx, msg.ID)
	if err != nil {
		t.Fatal(err)
	}
	if orig.Status != storage.StatusDeadLetter {
		t.Fatalf("want dead_letter, got %s", orig.Status)
	}
}

func TestQueue_ReplayIsIdempotent(t *testing.T) {
	dq, store, q := newTestFixture(t)
	ctx := context.Background()
	msg := &storage.Message{ID: "m1", QueueID: q.ID, Payload: []byte("boom"), AttemptCount: 5}
	if _, err := store.Enqueue(ctx, msg, 0); err != nil {
		t.Fatal(err)
	}
	entry, err := dq.Move(ctx, msg, "terminal")
	if err != nil {
		t.Fatal(err)
	}

	enqueueCalls := 0
	enqueue := func(ctx context.Context, queueID string, payload []byte, headers map[string]string) (string, error) {
		enqueueCalls++
		m := &storage.Message{ID: "replayed-1", QueueID: queueID, Payload: payload, Headers: headers, MaxAttempts: 3}
		res, err := store.Enqueue(ctx, m, 0)
		return res.MessageID, err
	}

	replayed, newID, err := dq.Replay(ctx, enqueue, entry.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !replayed || newID == "" {
		t.Fatalf("want first replay to succeed, got replayed=%v newID=%q", replayed, newID)
	}

	replayed2, newID2, err := dq.Replay(ctx, enqueue, entry.ID)
	if err != nil {
		t.Fatal(err)
	}
	if replayed2 || newID2 != "" {
		t.Fatalf("want second replay to be a no-op, got replayed=%v newID=%q", replayed2, newID2)
	}
	if enqueueCalls != 1 {
		t.Fatalf("want enqueue called exactly once, got %d", enqueueCalls)
	}
}

func TestQueue_GetUnknownEntry(t *testing.T) {
	dq, _, _ := newTestFixture(t)
	_, err := dq.Get(context.Background(), "nope")
	if !errors.Is(err, ErrEntryNotFound) {
		t.Fatalf("want ErrEntryNotFound, got %v", err)
	}
}

func TestQueue_Purge(t *testing.T) {
	dq, store, q := newTestFixture(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		msg := &storage.Message{ID: "m" + string(rune('a'+i)), QueueID: q.ID, Payload: []byte("x")}
		if _, err := store.Enqueue(ctx, msg, 0); err != nil {
			t.Fatal(err)
		}
		if _, err := dq.Move(ctx, msg, "terminal"); err != nil {
			t.Fatal(err)
		}
	}
	n, err := dq.Purge(ctx, q.ID)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Fatalf("want 3 purged, got %d", n)
	}
}
