package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hazyhaar/vqm/dbopen"
)

// CreateSchedule persists a new ScheduledJob.
func (s *Store) CreateSchedule(ctx context.Context, j *ScheduledJob) error {
	j.CreatedAt = time.Now()
	_, err := dbopen.Exec(ctx, s.db, `
		INSERT INTO scheduled_jobs (id, cron_or_interval, target_queue_id, payload_template, enabled, last_run_at, next_run_at, created_at)
		VALUES (?,?,?,?,?,?,?,?)`,
		j.ID, j.CronOrInterval, j.TargetQueueID, j.PayloadTemplate, j.Enabled, nullTimePtr(j.LastRunAt), j.NextRunAt.UnixMilli(), j.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("storage: create schedule: %w", err)
	}
	return nil
}

// DueSchedules returns every enabled schedule whose next_run_at has passed.
// It is a plain read and takes no lock; the scheduler tick then claims each
// due job through AdvanceSchedule's compare-and-swap on next_run_at, so
// concurrent engine nodes never double-fire.
func (s *Store) DueSchedules(ctx context.Context, now time.Time) ([]*ScheduledJob, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, cron_or_interval, target_queue_id, payload_template, enabled, last_run_at, next_run_at, created_at
		FROM scheduled_jobs WHERE enabled = 1 AND next_run_at <= ?
		ORDER BY next_run_at ASC`, now.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("storage: due schedules: %w", err)
	}
	defer rows.Close()

	var out []*ScheduledJob
	for rows.Next() {
		j, err := scanScheduledJobRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func scanScheduledJobRows(rows *sql.Rows) (*ScheduledJob, error) {
	var j ScheduledJob
	var enabled bool
	var lastRunAt sql.NullInt64
	var nextRunAt, createdAt int64
	err := rows.Scan(&j.ID, &j.CronOrInterval, &j.TargetQueueID, &j.PayloadTemplate, &enabled, &lastRunAt, &nextRunAt, &createdAt)
	if err != nil {
		return nil, fmt.Errorf("storage: scan scheduled job: %w", err)
	}
	j.Enabled = enabled
	if lastRunAt.Valid {
		t := time.UnixMilli(lastRunAt.Int64)
		j.LastRunAt = &t
	}
	j.NextRunAt = time.UnixMilli(nextRunAt)
	j.CreatedAt = time.UnixMilli(createdAt)
	return &j, nil
}

// AdvanceSchedule does a compare-and-swap update of a schedule's
// last_run_at/next_run_at, conditioned on the previously observed
// next_run_at: this is the row-level "claim" that prevents double-firing
// across engine nodes sharing the same database. Returns false if another
// node already advanced the row first.
func (s *Store) AdvanceSchedule(ctx context.Context, id string, observedNextRunAt, newLastRunAt, newNextRunAt time.Time) (bool, error) {
	res, err := dbopen.Exec(ctx, s.db, `
		UPDATE scheduled_jobs SET last_run_at = ?, next_run_at = ?
		WHERE id = ? AND next_run_at = ?`,
		newLastRunAt.UnixMilli(), newNextRunAt.UnixMilli(), id, observedNextRunAt.UnixMilli(),
	)
	if err != nil {
		return false, fmt.Errorf("storage: advance schedule: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("storage: rows affected: %w", err)
	}
	return n > 0, nil
}

// GetSchedule loads a single schedule row by id.
func (s *Store) GetSchedule(ctx context.Context, id string) (*ScheduledJob, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, cron_or_interval, target_queue_id, payload_template, enabled, last_run_at, next_run_at, created_at
		FROM scheduled_jobs WHERE id = ?`, id)
	var j ScheduledJob
	var enabled bool
	var lastRunAt sql.NullInt64
	var nextRunAt, createdAt int64
	err := row.Scan(&j.ID, &j.CronOrInterval, &j.TargetQueueID, &j.PayloadTemplate, &enabled, &lastRunAt, &nextRunAt, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: scan schedule: %w", err)
	}
	j.Enabled = enabled
	if lastRunAt.Valid {
		t := time.UnixMilli(lastRunAt.Int64)
		j.LastRunAt = &t
	}
	j.NextRunAt = time.UnixMilli(nextRunAt)
	j.CreatedAt = time.UnixMilli(createdAt)
	return &j, nil
}

// ListSchedules returns every schedule row.
func (s *Store) ListSchedules(ctx context.Context) ([]*ScheduledJob, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, cron_or_interval, target_queue_id, payload_template, enabled, last_run_at, next_run_at, created_at
		FROM scheduled_jobs ORDER BY next_run_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("storage: list schedules: %w", err)
	}
	defer rows.Close()
	var out []*ScheduledJob
	for rows.Next() {
		j, err := scanScheduledJobRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// SetScheduleEnabled toggles a schedule on or off.
func (s *Store) SetScheduleEnabled(ctx context.Context, id string, enabled bool) error {
	res, err := dbopen.Exec(ctx, s.db, `UPDATE scheduled_jobs SET enabled = ? WHERE id = ?`, enabled, id)
	if err != nil {
		return fmt.Errorf("storage: set schedule enabled: %w", err)
	}
	return requireRowAffected(res)
}
