package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hazyhaar/vqm/dbopen"
)

// UpsertHandler installs the active Handler for a queue. Spec §3: "one
// handler per queue is active at a time" — any prior handler row for the
// queue is replaced.
func (s *Store) UpsertHandler(ctx context.Context, h *Handler) error {
	h.BreakerConf.defaults()
	confJSON, err := json.Marshal(h.BreakerConf)
	if err != nil {
		return fmt.Errorf("storage: marshal breaker config: %w", err)
	}
	h.CreatedAt = time.Now()

	return dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM handlers WHERE queue_id = ? AND id != ?`, h.QueueID, h.ID); err != nil {
			return fmt.Errorf("storage: clear prior handler: %w", err)
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO handlers (id, queue_id, endpoint, kind, timeout_ms, breaker_conf, created_at)
			VALUES (?,?,?,?,?,?,?)
			ON CONFLICT(id) DO UPDATE SET endpoint=excluded.endpoint, kind=excluded.kind,
				timeout_ms=excluded.timeout_ms, breaker_conf=excluded.breaker_conf`,
			h.ID, h.QueueID, h.Endpoint, string(h.Kind), h.TimeoutMs, confJSON, h.CreatedAt.UnixMilli(),
		)
		if err != nil {
			return fmt.Errorf("storage: upsert handler: %w", err)
		}
		return nil
	})
}

// ActiveHandler returns the installed Handler for a queue, or ErrNotFound if
// none has been registered (dispatcher treats this as "no handler").
func (s *Store) ActiveHandler(ctx context.Context, queueID string) (*Handler, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, queue_id, endpoint, kind, timeout_ms, breaker_conf, created_at
		FROM handlers WHERE queue_id = ? ORDER BY created_at DESC LIMIT 1`, queueID)

	var h Handler
	var kind string
	var confJSON []byte
	var createdAt int64
	err := row.Scan(&h.ID, &h.QueueID, &h.Endpoint, &kind, &h.TimeoutMs, &confJSON, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: scan handler: %w", err)
	}
	h.Kind = HandlerKind(kind)
	if err := json.Unmarshal(confJSON, &h.BreakerConf); err != nil {
		return nil, fmt.Errorf("storage: unmarshal breaker config: %w", err)
	}
	h.CreatedAt = time.UnixMilli(createdAt)
	return &h, nil
}

// GetOrCreateBreakerState returns the CircuitBreakerState row for a handler,
// lazily creating a Closed one if it doesn't exist yet (spec §3 lifecycle
// summary: "created lazily on first dispatch").
func (s *Store) GetOrCreateBreakerState(ctx context.Context, handlerID string) (*BreakerRow, error) {
	row, err := s.getBreakerState(ctx, handlerID)
	if err == nil {
		return row, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	_, err = dbopen.Exec(ctx, s.db, `
		INSERT INTO breaker_states (handler_id, state, failure_count, success_count_half_open, opened_at)
		VALUES (?, ?, 0, 0, NULL)
		ON CONFLICT(handler_id) DO NOTHING`,
		handlerID, string(BreakerClosed),
	)
	if err != nil {
		return nil, fmt.Errorf("storage: create breaker state: %w", err)
	}
	return s.getBreakerState(ctx, handlerID)
}

func (s *Store) getBreakerState(ctx context.Context, handlerID string) (*BreakerRow, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT handler_id, state, failure_count, success_count_half_open, opened_at
		FROM breaker_states WHERE handler_id = ?`, handlerID)

	var b BreakerRow
	var state string
	var openedAt sql.NullInt64
	err := row.Scan(&b.HandlerID, &state, &b.FailureCount, &b.SuccessCountHalfOpen, &openedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: scan breaker state: %w", err)
	}
	b.State = BreakerState(state)
	if openedAt.Valid {
		t := time.UnixMilli(openedAt.Int64)
		b.OpenedAt = &t
	}
	return &b, nil
}

// SaveBreakerState persists a breaker's state transition.
func (s *Store) SaveBreakerState(ctx context.Context, b *BreakerRow) error {
	_, err := dbopen.Exec(ctx, s.db, `
		INSERT INTO breaker_states (handler_id, state, failure_count, success_count_half_open, opened_at)
		VALUES (?,?,?,?,?)
		ON CONFLICT(handler_id) DO UPDATE SET
			state=excluded.state, failure_count=excluded.failure_count,
			success_count_half_open=excluded.success_count_half_open, opened_at=excluded.opened_at`,
		b.HandlerID, string(b.State), b.FailureCount, b.SuccessCountHalfOpen, nullTimePtr(b.OpenedAt),
	)
	if err != nil {
		return fmt.Errorf("storage: save breaker state: %w", err)
	}
	return nil
}
