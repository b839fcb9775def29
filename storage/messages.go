package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hazyhaar/vqm/dbopen"
)

// EnqueueResult reports whether Enqueue created a new row or matched an
// existing idempotency key (spec §3 "idempotency_key unique per queue
// within a configurable dedup window", I5).
type EnqueueResult struct {
	MessageID string
	Deduped   bool
}

// Enqueue inserts a new Pending message. If msg.IdempotencyKey is set and a
// non-expired row with the same (queue_id, idempotency_key) exists, the
// existing row's id is returned instead and Deduped is true — no new row is
// written.
func (s *Store) Enqueue(ctx context.Context, msg *Message, dedupWindow time.Duration) (EnqueueResult, error) {
	headersJSON, err := marshalHeaders(msg.Headers)
	if err != nil {
		return EnqueueResult{}, fmt.Errorf("storage: marshal headers: %w", err)
	}
	now := time.Now()
	msg.CreatedAt, msg.UpdatedAt = now, now
	if msg.Status == "" {
		msg.Status = StatusPending
	}

	var result EnqueueResult
	err = dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		if msg.IdempotencyKey != nil && *msg.IdempotencyKey != "" {
			cutoff := now.Add(-dedupWindow).UnixMilli()
			var existingID string
			row := tx.QueryRowContext(ctx, `
				SELECT id FROM messages
				WHERE queue_id = ? AND idempotency_key = ? AND created_at >= ?
				ORDER BY created_at DESC LIMIT 1`,
				msg.QueueID, *msg.IdempotencyKey, cutoff)
			switch err := row.Scan(&existingID); {
			case err == nil:
				result = EnqueueResult{MessageID: existingID, Deduped: true}
				return nil
			case errors.Is(err, sql.ErrNoRows):
				// fall through to insert
			default:
				return fmt.Errorf("storage: idempotency lookup: %w", err)
			}
		}

		_, err := tx.ExecContext(ctx, `
			INSERT INTO messages (
				id, queue_id, payload, headers, priority, status,
				attempt_count, max_attempts, available_at, visible_until,
				claimed_by, created_at, updated_at, idempotency_key, last_error
			) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
			msg.ID, msg.QueueID, msg.Payload, headersJSON, msg.Priority, string(msg.Status),
			msg.AttemptCount, msg.MaxAttempts, msg.AvailableAt.UnixMilli(), nullTimePtr(msg.VisibleUntil),
			nullStringPtr(msg.ClaimedBy), now.UnixMilli(), now.UnixMilli(), nullStringPtr(msg.IdempotencyKey),
			nullStringPtr(msg.LastError),
		)
		if err != nil {
			if isUniqueViolation(err) {
				return ErrDuplicateIdemKey
			}
			return fmt.Errorf("storage: insert message: %w", err)
		}
		result = EnqueueResult{MessageID: msg.ID, Deduped: false}
		return nil
	})
	if err != nil {
		return EnqueueResult{}, err
	}
	return result, nil
}

// GetMessage loads a message by id.
func (s *Store) GetMessage(ctx context.Context, id string) (*Message, error) {
	row := s.db.QueryRowContext(ctx, messageSelectSQL+" WHERE id = ?", id)
	return scanMessage(row)
}

const messageSelectSQL = `
SELECT id, queue_id, payload, headers, priority, status, attempt_count, max_attempts,
       available_at, visible_until, claimed_by, created_at, updated_at, idempotency_key, last_error
FROM messages`

func scanMessage(row *sql.Row) (*Message, error) {
	var m Message
	var status string
	var headersJSON []byte
	var availableAt int64
	var visibleUntil, createdAt, updatedAt sql.NullInt64
	var claimedBy, idemKey, lastErr sql.NullString

	err := row.Scan(&m.ID, &m.QueueID, &m.Payload, &headersJSON, &m.Priority, &status,
		&m.AttemptCount, &m.MaxAttempts, &availableAt, &visibleUntil, &claimedBy,
		&createdAt, &updatedAt, &idemKey, &lastErr)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: scan message: %w", err)
	}

	m.Status = MessageStatus(status)
	m.Headers, err = unmarshalHeaders(headersJSON)
	if err != nil {
		return nil, fmt.Errorf("storage: unmarshal headers: %w", err)
	}
	m.AvailableAt = time.UnixMilli(availableAt)
	if visibleUntil.Valid {
		t := time.UnixMilli(visibleUntil.Int64)
		m.VisibleUntil = &t
	}
	if claimedBy.Valid {
		v := claimedBy.String
		m.ClaimedBy = &v
	}
	if createdAt.Valid {
		m.CreatedAt = time.UnixMilli(createdAt.Int64)
	}
	if updatedAt.Valid {
		m.UpdatedAt = time.UnixMilli(updatedAt.Int64)
	}
	if idemKey.Valid {
		v := idemKey.String
		m.IdempotencyKey = &v
	}
	if lastErr.Valid {
		v := lastErr.String
		m.LastError = &v
	}
	return &m, nil
}

// AckMessage transitions a Claimed message owned by workerID to Completed.
// Returns ErrNotFound if the message isn't Claimed by workerID, which
// includes a second ack after a successful one; processor.Ack reports that
// case as ErrMessageNotClaimed, not as success.
func (s *Store) AckMessage(ctx context.Context, messageID, workerID string) error {
	res, err := dbopen.Exec(ctx, s.db, `
		UPDATE messages SET status = ?, claimed_by = NULL, visible_until = NULL, updated_at = ?
		WHERE id = ? AND claimed_by = ? AND status = ?`,
		string(StatusCompleted), time.Now().UnixMilli(), messageID, workerID, string(StatusClaimed),
	)
	if err != nil {
		return fmt.Errorf("storage: ack message: %w", err)
	}
	return requireRowAffected(res)
}

// ScheduleRetry moves a Claimed message back to ScheduledRetry, releasing
// the claim and bumping attempt_count. Used by both nack-via-policy and
// explicit dispatcher Retry{delay_ms}.
func (s *Store) ScheduleRetry(ctx context.Context, messageID, workerID string, delayMs int64, lastError string) error {
	now := time.Now()
	res, err := dbopen.Exec(ctx, s.db, `
		UPDATE messages
		SET status = ?, claimed_by = NULL, visible_until = NULL,
		    available_at = ?, attempt_count = attempt_count + 1,
		    last_error = ?, updated_at = ?
		WHERE id = ? AND claimed_by = ? AND status = ?`,
		string(StatusScheduledRetry), now.Add(time.Duration(delayMs)*time.Millisecond).UnixMilli(),
		lastError, now.UnixMilli(), messageID, workerID, string(StatusClaimed),
	)
	if err != nil {
		return fmt.Errorf("storage: schedule retry: %w", err)
	}
	return requireRowAffected(res)
}

// FailMessage transitions a Claimed message to the terminal Failed state.
// processor.Nack calls it on every terminal decision; when DLQ is enabled the
// engine then moves the message on to DeadLetter.
func (s *Store) FailMessage(ctx context.Context, messageID, workerID, lastError string) error {
	res, err := dbopen.Exec(ctx, s.db, `
		UPDATE messages SET status = ?, claimed_by = NULL, visible_until = NULL, last_error = ?, updated_at = ?
		WHERE id = ? AND claimed_by = ? AND status = ?`,
		string(StatusFailed), lastError, time.Now().UnixMilli(), messageID, workerID, string(StatusClaimed),
	)
	if err != nil {
		return fmt.Errorf("storage: fail message: %w", err)
	}
	return requireRowAffected(res)
}

// PromoteDueRetries flips a ScheduledRetry message back to Pending once its
// available_at has passed. Called by the reap/retry sweep.
func (s *Store) PromoteDueRetries(ctx context.Context, now time.Time) (int64, error) {
	res, err := dbopen.Exec(ctx, s.db, `
		UPDATE messages SET status = ?, updated_at = ?
		WHERE status = ? AND available_at <= ?`,
		string(StatusPending), now.UnixMilli(), string(StatusScheduledRetry), now.UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("storage: promote due retries: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("storage: rows affected: %w", err)
	}
	return n, nil
}

// setMessageStatusTx force-sets a message's status without ownership checks.
// Used by MoveToDlq, which already holds the message row under its own
// transaction.
func (s *Store) setMessageStatusTx(ctx context.Context, tx *sql.Tx, messageID string, status MessageStatus) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE messages SET status = ?, claimed_by = NULL, visible_until = NULL, updated_at = ?
		WHERE id = ?`,
		string(status), time.Now().UnixMilli(), messageID,
	)
	if err != nil {
		return fmt.Errorf("storage: set message status: %w", err)
	}
	return nil
}

func nullTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func nullStringPtr(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}
