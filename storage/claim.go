package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hazyhaar/vqm/dbopen"
)

// ClaimBatch atomically selects up to limit eligible Pending messages across
// queueIDs, flips them to Claimed, and sets visible_until = now +
// visibility_timeout_s. Selection order within a queue is
// "priority DESC, available_at ASC, id ASC" (spec §4.1); SQLite's single
// writer serializes claimers so no row is ever handed to two workers.
//
// Fairness across queues is weighted round-robin by each queue's remaining
// max_in_flight capacity (spec §9 "Open question: fairness across queues"):
// the caller passes queueCaps, the number of additional in-flight slots each
// queue has left, and ClaimBatch allots each queue a share of limit
// proportional to its remaining capacity before falling back to draining
// whatever is left in priority order.
func (s *Store) ClaimBatch(ctx context.Context, workerID string, queueIDs []string, queueCaps map[string]int, limit int, now time.Time) ([]*Message, error) {
	if limit <= 0 || len(queueIDs) == 0 {
		return []*Message{}, nil
	}

	shares := weightedShares(queueIDs, queueCaps, limit)

	var claimed []*Message
	err := dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		for _, queueID := range queueIDs {
			share := shares[queueID]
			if share <= 0 {
				continue
			}
			remaining := limit - len(claimed)
			if remaining <= 0 {
				break
			}
			if share > remaining {
				share = remaining
			}
			msgs, err := claimFromQueueTx(ctx, tx, workerID, queueID, share, now)
			if err != nil {
				return err
			}
			claimed = append(claimed, msgs...)
		}

		// Second pass: if some queues had no eligible rows, let the
		// remaining budget spill over to whichever queue still has work,
		// still respecting priority/FIFO order within each queue.
		remaining := limit - len(claimed)
		for _, queueID := range queueIDs {
			if remaining <= 0 {
				break
			}
			msgs, err := claimFromQueueTx(ctx, tx, workerID, queueID, remaining, now)
			if err != nil {
				return err
			}
			claimed = append(claimed, msgs...)
			remaining = limit - len(claimed)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if claimed == nil {
		claimed = []*Message{}
	}
	return claimed, nil
}

func claimFromQueueTx(ctx context.Context, tx *sql.Tx, workerID, queueID string, n int, now time.Time) ([]*Message, error) {
	if n <= 0 {
		return nil, nil
	}
	q, err := queueConfigTx(ctx, tx, queueID)
	if err != nil {
		return nil, err
	}
	visibleUntil := now.Add(time.Duration(q.VisibilityTimeoutS) * time.Second).UnixMilli()

	ids, err := queryEligibleIDsTx(ctx, tx, queueID, now, n)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	out := make([]*Message, 0, len(ids))
	for _, id := range ids {
		_, err := tx.ExecContext(ctx, `
			UPDATE messages SET status = ?, claimed_by = ?, visible_until = ?, updated_at = ?
			WHERE id = ? AND status = ?`,
			string(StatusClaimed), workerID, visibleUntil, now.UnixMilli(), id, string(StatusPending),
		)
		if err != nil {
			return nil, fmt.Errorf("storage: claim message %s: %w", id, err)
		}
		row := tx.QueryRowContext(ctx, messageSelectSQL+" WHERE id = ?", id)
		m, err := scanMessageRow(row)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func queryEligibleIDsTx(ctx context.Context, tx *sql.Tx, queueID string, now time.Time, n int) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT id FROM messages
		WHERE queue_id = ? AND status = ? AND available_at <= ?
		ORDER BY priority DESC, available_at ASC, id ASC
		LIMIT ?`,
		queueID, string(StatusPending), now.UnixMilli(), n,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: select eligible messages: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("storage: scan eligible id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func queueConfigTx(ctx context.Context, tx *sql.Tx, queueID string) (*QueueConfig, error) {
	var cfgJSON []byte
	if err := tx.QueryRowContext(ctx, `SELECT config FROM queues WHERE id = ?`, queueID).Scan(&cfgJSON); err != nil {
		return nil, fmt.Errorf("storage: load queue config for claim: %w", err)
	}
	var cfg QueueConfig
	if len(cfgJSON) > 0 {
		if err := json.Unmarshal(cfgJSON, &cfg); err != nil {
			return nil, fmt.Errorf("storage: unmarshal queue config: %w", err)
		}
	}
	cfg.defaults()
	return &cfg, nil
}

// weightedShares allots limit slots across queueIDs proportional to each
// queue's remaining max_in_flight capacity (queueCaps). Queues missing from
// queueCaps or with non-positive capacity get zero share in the first pass.
func weightedShares(queueIDs []string, queueCaps map[string]int, limit int) map[string]int {
	shares := make(map[string]int, len(queueIDs))
	total := 0
	for _, id := range queueIDs {
		if c := queueCaps[id]; c > 0 {
			total += c
		}
	}
	if total == 0 {
		// No capacity information: split evenly.
		even := limit / len(queueIDs)
		if even == 0 {
			even = 1
		}
		for _, id := range queueIDs {
			shares[id] = even
		}
		return shares
	}
	for _, id := range queueIDs {
		c := queueCaps[id]
		if c <= 0 {
			continue
		}
		shares[id] = (limit * c) / total
	}
	return shares
}

// ReapExpiredClaims returns every Claimed message whose visible_until has
// passed back to Pending, without incrementing attempt_count (spec §4.1,
// §4.6: "crash safety" — a bare visibility timeout is not a confirmed
// processing attempt). Records last_error = "visibility timeout". Returns
// the reaped message ids.
func (s *Store) ReapExpiredClaims(ctx context.Context, now time.Time) ([]string, error) {
	var ids []string
	err := dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT id FROM messages WHERE status = ? AND visible_until < ?`,
			string(StatusClaimed), now.UnixMilli(),
		)
		if err != nil {
			return fmt.Errorf("storage: select expired claims: %w", err)
		}
		var collected []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("storage: scan expired claim: %w", err)
			}
			collected = append(collected, id)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()

		for _, id := range collected {
			_, err := tx.ExecContext(ctx, `
				UPDATE messages
				SET status = ?, claimed_by = NULL, visible_until = NULL,
				    last_error = ?, updated_at = ?
				WHERE id = ? AND status = ?`,
				string(StatusPending), "visibility timeout", now.UnixMilli(), id, string(StatusClaimed),
			)
			if err != nil {
				return fmt.Errorf("storage: reap claim %s: %w", id, err)
			}
		}
		ids = collected
		return nil
	})
	if err != nil {
		return nil, err
	}
	if ids == nil {
		ids = []string{}
	}
	return ids, nil
}

func scanMessageRow(row *sql.Row) (*Message, error) {
	return scanMessage(row)
}
