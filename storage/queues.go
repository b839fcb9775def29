package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hazyhaar/vqm/dbopen"
)

// CreateQueue persists a new queue row. Returns ErrDuplicateName if a queue
// with the same name already exists for the tenant.
func (s *Store) CreateQueue(ctx context.Context, q *Queue) error {
	q.Config.defaults()
	cfgJSON, err := json.Marshal(q.Config)
	if err != nil {
		return fmt.Errorf("storage: marshal queue config: %w", err)
	}
	now := time.Now()
	q.CreatedAt, q.UpdatedAt = now, now
	if q.State == "" {
		q.State = QueueActive
	}

	_, err = dbopen.Exec(ctx, s.db, `
		INSERT INTO queues (id, name, tenant_id, state, config, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?)`,
		q.ID, q.Name, q.TenantID, string(q.State), cfgJSON, now.UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateName
		}
		return fmt.Errorf("storage: create queue: %w", err)
	}
	return nil
}

// GetQueue loads a queue by id.
func (s *Store) GetQueue(ctx context.Context, id string) (*Queue, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, tenant_id, state, config, created_at, updated_at
		FROM queues WHERE id = ?`, id)
	return scanQueue(row)
}

// GetQueueByName loads a queue by tenant-scoped name.
func (s *Store) GetQueueByName(ctx context.Context, tenantID, name string) (*Queue, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, tenant_id, state, config, created_at, updated_at
		FROM queues WHERE tenant_id = ? AND name = ?`, tenantID, name)
	return scanQueue(row)
}

func scanQueue(row *sql.Row) (*Queue, error) {
	var q Queue
	var state string
	var cfgJSON []byte
	var createdAt, updatedAt int64
	err := row.Scan(&q.ID, &q.Name, &q.TenantID, &state, &cfgJSON, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: scan queue: %w", err)
	}
	q.State = QueueState(state)
	if err := json.Unmarshal(cfgJSON, &q.Config); err != nil {
		return nil, fmt.Errorf("storage: unmarshal queue config: %w", err)
	}
	q.CreatedAt = time.UnixMilli(createdAt)
	q.UpdatedAt = time.UnixMilli(updatedAt)
	return &q, nil
}

// ListQueues returns every queue for a tenant ("" selects all tenants).
func (s *Store) ListQueues(ctx context.Context, tenantID string) ([]*Queue, error) {
	var rows *sql.Rows
	var err error
	if tenantID == "" {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, name, tenant_id, state, config, created_at, updated_at FROM queues ORDER BY name`)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, name, tenant_id, state, config, created_at, updated_at
			FROM queues WHERE tenant_id = ? ORDER BY name`, tenantID)
	}
	if err != nil {
		return nil, fmt.Errorf("storage: list queues: %w", err)
	}
	defer rows.Close()

	var out []*Queue
	for rows.Next() {
		var q Queue
		var state string
		var cfgJSON []byte
		var createdAt, updatedAt int64
		if err := rows.Scan(&q.ID, &q.Name, &q.TenantID, &state, &cfgJSON, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan queue: %w", err)
		}
		q.State = QueueState(state)
		if err := json.Unmarshal(cfgJSON, &q.Config); err != nil {
			return nil, fmt.Errorf("storage: unmarshal queue config: %w", err)
		}
		q.CreatedAt = time.UnixMilli(createdAt)
		q.UpdatedAt = time.UnixMilli(updatedAt)
		out = append(out, &q)
	}
	return out, rows.Err()
}

// SetQueueState updates only the lifecycle state (pause/resume/drain/archive).
func (s *Store) SetQueueState(ctx context.Context, id string, state QueueState) error {
	res, err := dbopen.Exec(ctx, s.db, `
		UPDATE queues SET state = ?, updated_at = ? WHERE id = ?`,
		string(state), time.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("storage: set queue state: %w", err)
	}
	return requireRowAffected(res)
}

// UpdateQueueConfig overwrites a queue's config blob.
func (s *Store) UpdateQueueConfig(ctx context.Context, id string, cfg QueueConfig) error {
	cfg.defaults()
	cfgJSON, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("storage: marshal queue config: %w", err)
	}
	res, err := dbopen.Exec(ctx, s.db, `
		UPDATE queues SET config = ?, updated_at = ? WHERE id = ?`,
		cfgJSON, time.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("storage: update queue config: %w", err)
	}
	return requireRowAffected(res)
}

// QueueStatusCounts returns the number of messages per status for a queue.
func (s *Store) QueueStatusCounts(ctx context.Context, queueID string) (map[MessageStatus]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM messages WHERE queue_id = ? GROUP BY status`, queueID)
	if err != nil {
		return nil, fmt.Errorf("storage: queue status counts: %w", err)
	}
	defer rows.Close()

	out := map[MessageStatus]int64{}
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("storage: scan status count: %w", err)
		}
		out[MessageStatus(status)] = n
	}
	return out, rows.Err()
}

// QueueThroughput counts messages completed within the given lookback window.
func (s *Store) QueueThroughput(ctx context.Context, queueID string, since time.Time) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM messages
		WHERE queue_id = ? AND status = ? AND updated_at >= ?`,
		queueID, string(StatusCompleted), since.UnixMilli(),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("storage: queue throughput: %w", err)
	}
	return n, nil
}

func requireRowAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("storage: rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "constraint failed: UNIQUE")
}
