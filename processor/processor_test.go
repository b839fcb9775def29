package processor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hazyhaar/vqm/events"
	"github.com/hazyhaar/vqm/retrypolicy"
	"github.com/hazyhaar/vqm/storage"
)

func newTestFixture(t *testing.T) (*Processor, *storage.Store, *storage.Queue) {
	t.Helper()
	store := storage.OpenMemory(t)
	q := &storage.Queue{ID: "q1", Name: "q1", TenantID: "t", State: storage.QueueActive}
	if err := store.CreateQueue(context.Background(), q); err != nil {
		t.Fatal(err)
	}
	return New(store, events.NewBus(16)), store, q
}

func TestProcessor_ClaimAndAck(t *testing.T) {
	p, store, q := newTestFixture(t)
	ctx := context.Background()

	msg := &storage.Message{ID: "m1", QueueID: q.ID, Payload: []byte("x"), MaxAttempts: 3}
	if _, err := store.Enqueue(ctx, msg, time.Hour); err != nil {
		t.Fatal(err)
	}

	claimed, err := p.Claim(ctx, "w1", []string{q.ID}, map[string]int{q.ID: 10}, 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(claimed) != 1 {
		t.Fatalf("want 1 claimed, got %d", len(claimed))
	}

	if err := p.Ack(ctx, claimed[0], "w1"); err != nil {
		t.Fatal(err)
	}

	got, err := store.GetMessage(ctx, msg.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != storage.StatusCompleted {
		t.Fatalf("want completed, got %s", got.Status)
	}
}

func TestProcessor_AckWrongWorkerIsNoClaim(t *testing.T) {
	p, store, q := newTestFixture(t)
	ctx := context.Background()
	msg := &storage.Message{ID: "m1", QueueID: q.ID, Payload: []byte("x"), MaxAttempts: 3}
	if _, err := store.Enqueue(ctx, msg, time.Hour); err != nil {
		t.Fatal(err)
	}
	claimed, err := p.Claim(ctx, "w1", []string{q.ID}, map[string]int{q.ID: 10}, 5)
	if err != nil {
		t.Fatal(err)
	}

	err = p.Ack(ctx, claimed[0], "someone-else")
	if !errors.Is(err, ErrMessageNotClaimed) {
		t.Fatalf("want ErrMessageNotClaimed, got %v", err)
	}
}

func TestProcessor_NackSchedulesRetryUntilTerminal(t *testing.T) {
	p, store, q := newTestFixture(t)
	ctx := context.Background()
	msg := &storage.Message{ID: "m1", QueueID: q.ID, Payload: []byte("x"), MaxAttempts: 3}
	if _, err := store.Enqueue(ctx, msg, time.Hour); err != nil {
		t.Fatal(err)
	}

	strategy := retrypolicy.Strategy{Kind: retrypolicy.KindFixed, DelayMs: 1, MaxAttempts: 2}

	claimed, err := p.Claim(ctx, "w1", []string{q.ID}, map[string]int{q.ID: 10}, 5)
	if err != nil {
		t.Fatal(err)
	}
	decision, err := p.Nack(ctx, claimed[0], "w1", strategy, "boom")
	if err != nil {
		t.Fatal(err)
	}
	if decision.Terminal {
		t.Fatal("first nack at attempt 1 of max 2 should not be terminal")
	}
	got, err := store.GetMessage(ctx, msg.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != storage.StatusScheduledRetry {
		t.Fatalf("want scheduled_retry, got %s", got.Status)
	}

	time.Sleep(5 * time.Millisecond)
	if _, err := p.PromoteDueRetries(ctx); err != nil {
		t.Fatal(err)
	}

	claimed2, err := p.Claim(ctx, "w1", []string{q.ID}, map[string]int{q.ID: 10}, 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(claimed2) != 1 {
		t.Fatalf("want message re-claimable after retry promotion, got %d", len(claimed2))
	}

	decision2, err := p.Nack(ctx, claimed2[0], "w1", strategy, "boom again")
	if err != nil {
		t.Fatal(err)
	}
	if !decision2.Terminal {
		t.Fatal("second nack at attempt 2 of max 2 should be terminal")
	}
	got, err = store.GetMessage(ctx, msg.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != storage.StatusFailed {
		t.Fatalf("want failed, got %s", got.Status)
	}
}

func TestProcessor_ReapReleasesExpiredClaimsWithoutBumpingAttempts(t *testing.T) {
	p, store, q := newTestFixture(t)
	ctx := context.Background()
	msg := &storage.Message{ID: "m1", QueueID: q.ID, Payload: []byte("x"), MaxAttempts: 3}
	if _, err := store.Enqueue(ctx, msg, time.Hour); err != nil {
		t.Fatal(err)
	}
	if err := store.UpdateQueueConfig(ctx, q.ID, storage.QueueConfig{VisibilityTimeoutS: 1}); err != nil {
		t.Fatal(err)
	}

	claimed, err := p.Claim(ctx, "w1", []string{q.ID}, map[string]int{q.ID: 10}, 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(claimed) != 1 {
		t.Fatalf("want 1 claimed, got %d", len(claimed))
	}
	time.Sleep(1100 * time.Millisecond)

	ids, err := p.Reap(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 {
		t.Fatalf("want 1 reaped, got %d", len(ids))
	}

	got, err := store.GetMessage(ctx, msg.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != storage.StatusPending {
		t.Fatalf("want pending after reap, got %s", got.Status)
	}
	if got.AttemptCount != 0 {
		t.Fatalf("want attempt_count unchanged by reap, got %d", got.AttemptCount)
	}
}

func TestProcessor_MessagesPerSecondReflectsCompletions(t *testing.T) {
	p, store, q := newTestFixture(t)
	ctx := context.Background()
	msg := &storage.Message{ID: "m1", QueueID: q.ID, Payload: []byte("x"), MaxAttempts: 3}
	if _, err := store.Enqueue(ctx, msg, time.Hour); err != nil {
		t.Fatal(err)
	}
	claimed, err := p.Claim(ctx, "w1", []string{q.ID}, map[string]int{q.ID: 10}, 5)
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Ack(ctx, claimed[0], "w1"); err != nil {
		t.Fatal(err)
	}
	if rate := p.MessagesPerSecond(); rate != 0 {
		t.Fatalf("want 0 after a single sample (no interval yet), got %v", rate)
	}
}
