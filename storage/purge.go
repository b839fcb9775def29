package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/hazyhaar/vqm/dbopen"
)

// PurgeExpired deletes messages in terminal states (Completed, Failed,
// DeadLetter) whose updated_at predates retentionDays — the cleanup task's
// sweep (spec §3 "Lifecycle summary", §12 cleanup task). DLQ entries are
// retained independently and are never touched here (spec §4.9).
func (s *Store) PurgeExpired(ctx context.Context, retentionDays uint32, now time.Time) (int64, error) {
	if retentionDays == 0 {
		return 0, nil
	}
	cutoff := now.Add(-time.Duration(retentionDays) * 24 * time.Hour).UnixMilli()
	res, err := dbopen.Exec(ctx, s.db, `
		DELETE FROM messages
		WHERE status IN (?, ?, ?) AND updated_at < ?`,
		string(StatusCompleted), string(StatusFailed), string(StatusDeadLetter), cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("storage: purge expired: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("storage: rows affected: %w", err)
	}
	return n, nil
}
