package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hazyhaar/vqm/dbopen"
)

// MoveToDlq snapshots a message into dlq_entries and flips the original row
// to DeadLetter, in a single transaction (spec §4.9 move_message).
func (s *Store) MoveToDlq(ctx context.Context, entry *DlqEntry) error {
	headersJSON, err := marshalHeaders(entry.Headers)
	if err != nil {
		return fmt.Errorf("storage: marshal dlq headers: %w", err)
	}
	entry.MovedAt = time.Now()

	return dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO dlq_entries (id, original_message_id, queue_id, payload_snapshot, headers, failure_reason, attempt_count, moved_at, replayed_at)
			VALUES (?,?,?,?,?,?,?,?,NULL)`,
			entry.ID, entry.OriginalMessageID, entry.QueueID, entry.PayloadSnapshot, headersJSON,
			entry.FailureReason, entry.AttemptCount, entry.MovedAt.UnixMilli(),
		)
		if err != nil {
			return fmt.Errorf("storage: insert dlq entry: %w", err)
		}
		return s.setMessageStatusTx(ctx, tx, entry.OriginalMessageID, StatusDeadLetter)
	})
}

// GetDlqEntry loads a single DLQ row.
func (s *Store) GetDlqEntry(ctx context.Context, id string) (*DlqEntry, error) {
	row := s.db.QueryRowContext(ctx, dlqSelectSQL+" WHERE id = ?", id)
	return scanDlqEntry(row)
}

const dlqSelectSQL = `
SELECT id, original_message_id, queue_id, payload_snapshot, headers, failure_reason, attempt_count, moved_at, replayed_at
FROM dlq_entries`

func scanDlqEntry(row *sql.Row) (*DlqEntry, error) {
	var e DlqEntry
	var headersJSON []byte
	var movedAt int64
	var replayedAt sql.NullInt64
	err := row.Scan(&e.ID, &e.OriginalMessageID, &e.QueueID, &e.PayloadSnapshot, &headersJSON,
		&e.FailureReason, &e.AttemptCount, &movedAt, &replayedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: scan dlq entry: %w", err)
	}
	e.Headers, err = unmarshalHeaders(headersJSON)
	if err != nil {
		return nil, err
	}
	e.MovedAt = time.UnixMilli(movedAt)
	if replayedAt.Valid {
		t := time.UnixMilli(replayedAt.Int64)
		e.ReplayedAt = &t
	}
	return &e, nil
}

// ListDlq pages through a queue's DLQ entries, newest first.
func (s *Store) ListDlq(ctx context.Context, queueID string, page, size int) ([]*DlqEntry, error) {
	if size <= 0 {
		size = 50
	}
	if page < 0 {
		page = 0
	}
	rows, err := s.db.QueryContext(ctx, dlqSelectSQL+`
		WHERE queue_id = ? ORDER BY moved_at DESC LIMIT ? OFFSET ?`,
		queueID, size, page*size,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list dlq: %w", err)
	}
	defer rows.Close()

	var out []*DlqEntry
	for rows.Next() {
		var e DlqEntry
		var headersJSON []byte
		var movedAt int64
		var replayedAt sql.NullInt64
		if err := rows.Scan(&e.ID, &e.OriginalMessageID, &e.QueueID, &e.PayloadSnapshot, &headersJSON,
			&e.FailureReason, &e.AttemptCount, &movedAt, &replayedAt); err != nil {
			return nil, fmt.Errorf("storage: scan dlq entry: %w", err)
		}
		e.Headers, err = unmarshalHeaders(headersJSON)
		if err != nil {
			return nil, err
		}
		e.MovedAt = time.UnixMilli(movedAt)
		if replayedAt.Valid {
			t := time.UnixMilli(replayedAt.Int64)
			e.ReplayedAt = &t
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// MarkReplayed stamps a DLQ entry as replayed. Returns ErrDuplicateName...
// no — returns (false, nil) if the entry was already replayed, so callers
// can make replay idempotent by dlq_entry_id (spec §4.9).
func (s *Store) MarkReplayed(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := dbopen.Exec(ctx, s.db, `
		UPDATE dlq_entries SET replayed_at = ? WHERE id = ? AND replayed_at IS NULL`,
		at.UnixMilli(), id,
	)
	if err != nil {
		return false, fmt.Errorf("storage: mark replayed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("storage: rows affected: %w", err)
	}
	return n > 0, nil
}

// PurgeDlq deletes every DLQ entry for a queue (admin purge operation).
func (s *Store) PurgeDlq(ctx context.Context, queueID string) (int64, error) {
	res, err := dbopen.Exec(ctx, s.db, `DELETE FROM dlq_entries WHERE queue_id = ?`, queueID)
	if err != nil {
		return 0, fmt.Errorf("storage: purge dlq: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("storage: rows affected: %w", err)
	}
	return n, nil
}
