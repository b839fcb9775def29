package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hazyhaar/vqm/dbopen"
)

// RegisterWorker inserts or replaces a worker row in the Active state.
func (s *Store) RegisterWorker(ctx context.Context, w *Worker) error {
	subsJSON, err := marshalStrings(w.SubscribedQueues)
	if err != nil {
		return fmt.Errorf("storage: marshal subscribed queues: %w", err)
	}
	w.State = WorkerActive
	w.CreatedAt = time.Now()
	w.LastHeartbeat = w.CreatedAt

	_, err = dbopen.Exec(ctx, s.db, `
		INSERT INTO workers (id, group_id, subscribed_queues, state, last_heartbeat, active_message_count, capacity, created_at)
		VALUES (?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			group_id = excluded.group_id,
			subscribed_queues = excluded.subscribed_queues,
			state = excluded.state,
			last_heartbeat = excluded.last_heartbeat,
			capacity = excluded.capacity`,
		w.ID, w.GroupID, subsJSON, string(w.State), w.LastHeartbeat.UnixMilli(), w.ActiveMessageCount, w.Capacity, w.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("storage: register worker: %w", err)
	}
	return nil
}

// Heartbeat records liveness and the worker's self-reported active count,
// and clears Stale back to Active.
func (s *Store) Heartbeat(ctx context.Context, workerID string, activeCount uint32) error {
	res, err := dbopen.Exec(ctx, s.db, `
		UPDATE workers SET last_heartbeat = ?, active_message_count = ?, state = ?
		WHERE id = ?`,
		time.Now().UnixMilli(), activeCount, string(WorkerActive), workerID,
	)
	if err != nil {
		return fmt.Errorf("storage: heartbeat: %w", err)
	}
	return requireRowAffected(res)
}

// GetWorker loads a worker by id.
func (s *Store) GetWorker(ctx context.Context, id string) (*Worker, error) {
	row := s.db.QueryRowContext(ctx, workerSelectSQL+" WHERE id = ?", id)
	return scanWorker(row)
}

const workerSelectSQL = `
SELECT id, group_id, subscribed_queues, state, last_heartbeat, active_message_count, capacity, created_at
FROM workers`

func scanWorker(row *sql.Row) (*Worker, error) {
	var w Worker
	var state string
	var subsJSON []byte
	var lastHeartbeat, createdAt int64
	err := row.Scan(&w.ID, &w.GroupID, &subsJSON, &state, &lastHeartbeat, &w.ActiveMessageCount, &w.Capacity, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: scan worker: %w", err)
	}
	w.State = WorkerState(state)
	w.SubscribedQueues, err = unmarshalStrings(subsJSON)
	if err != nil {
		return nil, fmt.Errorf("storage: unmarshal subscribed queues: %w", err)
	}
	w.LastHeartbeat = time.UnixMilli(lastHeartbeat)
	w.CreatedAt = time.UnixMilli(createdAt)
	return &w, nil
}

// AvailableWorkers returns Active or Idle workers with spare capacity,
// ordered by remaining capacity descending (spec §4.7). It does not filter by
// subscribed queue.
func (s *Store) AvailableWorkers(ctx context.Context) ([]*Worker, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, group_id, subscribed_queues, state, last_heartbeat, active_message_count, capacity, created_at
		FROM workers
		WHERE state IN (?, ?) AND active_message_count < capacity
		ORDER BY (capacity - active_message_count) DESC`,
		string(WorkerActive), string(WorkerIdle),
	)
	if err != nil {
		return nil, fmt.Errorf("storage: available workers: %w", err)
	}
	defer rows.Close()

	var out []*Worker
	for rows.Next() {
		var w Worker
		var state string
		var subsJSON []byte
		var lastHeartbeat, createdAt int64
		if err := rows.Scan(&w.ID, &w.GroupID, &subsJSON, &state, &lastHeartbeat, &w.ActiveMessageCount, &w.Capacity, &createdAt); err != nil {
			return nil, fmt.Errorf("storage: scan available worker: %w", err)
		}
		w.State = WorkerState(state)
		w.SubscribedQueues, err = unmarshalStrings(subsJSON)
		if err != nil {
			return nil, fmt.Errorf("storage: unmarshal subscribed queues: %w", err)
		}
		w.LastHeartbeat = time.UnixMilli(lastHeartbeat)
		w.CreatedAt = time.UnixMilli(createdAt)
		out = append(out, &w)
	}
	return out, rows.Err()
}

// StaleWorkers returns workers whose last_heartbeat predates the threshold
// and are not already marked Stale or Disconnected.
func (s *Store) StaleWorkers(ctx context.Context, threshold time.Time) ([]*Worker, error) {
	rows, err := s.db.QueryContext(ctx, workerSelectSQL+`
		WHERE last_heartbeat < ? AND state NOT IN (?, ?)`,
		threshold.UnixMilli(), string(WorkerStale), string(WorkerDisconnected),
	)
	if err != nil {
		return nil, fmt.Errorf("storage: stale workers: %w", err)
	}
	defer rows.Close()

	var out []*Worker
	for rows.Next() {
		var w Worker
		var state string
		var subsJSON []byte
		var lastHeartbeat, createdAt int64
		if err := rows.Scan(&w.ID, &w.GroupID, &subsJSON, &state, &lastHeartbeat, &w.ActiveMessageCount, &w.Capacity, &createdAt); err != nil {
			return nil, fmt.Errorf("storage: scan stale worker: %w", err)
		}
		w.State = WorkerState(state)
		w.SubscribedQueues, err = unmarshalStrings(subsJSON)
		if err != nil {
			return nil, err
		}
		w.LastHeartbeat = time.UnixMilli(lastHeartbeat)
		w.CreatedAt = time.UnixMilli(createdAt)
		out = append(out, &w)
	}
	return out, rows.Err()
}

// MarkWorkerState sets a worker's lifecycle state directly (stale scan,
// manual disconnect).
func (s *Store) MarkWorkerState(ctx context.Context, workerID string, state WorkerState) error {
	res, err := dbopen.Exec(ctx, s.db, `UPDATE workers SET state = ? WHERE id = ?`, string(state), workerID)
	if err != nil {
		return fmt.Errorf("storage: mark worker state: %w", err)
	}
	return requireRowAffected(res)
}

// WorkerHasClaims reports whether a worker still owns any Claimed messages.
func (s *Store) WorkerHasClaims(ctx context.Context, workerID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM messages WHERE claimed_by = ? AND status = ?`,
		workerID, string(StatusClaimed),
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("storage: worker has claims: %w", err)
	}
	return n > 0, nil
}

// DeleteWorker removes a worker row. Callers must ensure (or force past) the
// WorkerHasClaims check first, per spec §4.7 unregister.
func (s *Store) DeleteWorker(ctx context.Context, workerID string) error {
	res, err := dbopen.Exec(ctx, s.db, `DELETE FROM workers WHERE id = ?`, workerID)
	if err != nil {
		return fmt.Errorf("storage: delete worker: %w", err)
	}
	return requireRowAffected(res)
}
