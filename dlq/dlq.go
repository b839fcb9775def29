// Package dlq implements DeadLetterQueue (spec §4.9): moving a terminally
// failed message into cold storage, listing and paging entries, idempotent
// replay back onto the originating queue, and bulk purge.
package dlq

import (
	"context"
	"errors"
	"time"

	"github.com/hazyhaar/vqm/events"
	"github.com/hazyhaar/vqm/idgen"
	"github.com/hazyhaar/vqm/storage"
)

// ErrEntryNotFound is returned when an operation targets an unknown DLQ entry.
var ErrEntryNotFound = errors.New("dlq: entry not found")

// EnqueueFunc re-enqueues a payload onto queueID, matching the shape of
// queue.Manager.Enqueue's relevant parameters without importing the queue
// package (which itself needs no knowledge of the DLQ).
type EnqueueFunc func(ctx context.Context, queueID string, payload []byte, headers map[string]string) (messageID string, err error)

// Queue is the DeadLetterQueue component.
type Queue struct {
	store *storage.Store
	bus   *events.Bus
	idgen idgen.Generator
}

// New creates a DeadLetterQueue.
func New(store *storage.Store, bus *events.Bus, gen idgen.Generator) *Queue {
	if gen == nil {
		gen = idgen.Default
	}
	return &Queue{store: store, bus: bus, idgen: gen}
}

// Move snapshots a terminally failed message into the DLQ and flips its
// status to DeadLetter (spec §4.9 move_message). Called by the engine after
// MessageProcessor.Nack reports a terminal decision, and directly for client
// errors and messages with no handler; in every case only when both
// EngineConfig.EnableDLQ and the queue's dlq_enabled are set.
func (q *Queue) Move(ctx context.Context, msg *storage.Message, failureReason string) (*storage.DlqEntry, error) {
	entry := &storage.DlqEntry{
		ID:                q.idgen(),
		OriginalMessageID: msg.ID,
		QueueID:           msg.QueueID,
		PayloadSnapshot:   msg.Payload,
		Headers:           msg.Headers,
		FailureReason:     failureReason,
		AttemptCount:      msg.AttemptCount,
	}
	if err := q.store.MoveToDlq(ctx, entry); err != nil {
		return nil, err
	}
	q.emit(events.Event{Kind: events.KindMessageMovedToDlq, At: time.Now(), QueueID: msg.QueueID, MessageID: msg.ID, Reason: failureReason})
	return entry, nil
}

// List pages through a queue's DLQ entries, newest first.
func (q *Queue) List(ctx context.Context, queueID string, page, size int) ([]*storage.DlqEntry, error) {
	return q.store.ListDlq(ctx, queueID, page, size)
}

// Get loads a single entry.
func (q *Queue) Get(ctx context.Context, id string) (*storage.DlqEntry, error) {
	e, err := q.store.GetDlqEntry(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrEntryNotFound
	}
	return e, err
}

// Replay re-enqueues a DLQ entry's payload onto its original queue and marks
// the entry replayed. Idempotent by dlq_entry_id (spec §4.9): a second
// Replay call on an already-replayed entry returns false, an empty message id
// and a nil error, without enqueuing a duplicate message.
func (q *Queue) Replay(ctx context.Context, enqueue EnqueueFunc, id string) (replayed bool, newMessageID string, err error) {
	entry, err := q.Get(ctx, id)
	if err != nil {
		return false, "", err
	}
	marked, err := q.store.MarkReplayed(ctx, id, time.Now())
	if err != nil {
		return false, "", err
	}
	if !marked {
		return false, "", nil
	}

	newID, err := enqueue(ctx, entry.QueueID, entry.PayloadSnapshot, entry.Headers)
	if err != nil {
		return false, "", err
	}
	return true, newID, nil
}

// Purge deletes every DLQ entry for a queue.
func (q *Queue) Purge(ctx context.Context, queueID string) (int64, error) {
	return q.store.PurgeDlq(ctx, queueID)
}

func (q *Queue) emit(e events.Event) {
	if q.bus != nil {
		q.bus.Publish(e)
	}
}
