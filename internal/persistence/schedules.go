package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// AddSchedule stores a recurring run definition.
func (s *Store) AddSchedule(ctx context.Context, sched *Schedule) error {
	return retryOnBusy(ctx, 3, func() error {
		var next any
		if sched.NextRunAt != nil {
			next = sched.NextRunAt.UTC()
		}
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO schedules (id, name, cron_expr, spec, enabled, next_run_at)
			VALUES (?, ?, ?, ?, ?, ?);
		`, sched.ID, sched.Name, sched.CronExpr, sched.Spec, sched.Enabled, next)
		if err != nil {
			return fmt.Errorf("add schedule %s: %w", sched.ID, err)
		}
		return nil
	})
}

func scanSchedule(scan func(...any) error) (*Schedule, error) {
	var sched Schedule
	var lastRun, nextRun sql.NullTime
	if err := scan(&sched.ID, &sched.Name, &sched.CronExpr, &sched.Spec, &sched.Enabled, &lastRun, &nextRun); err != nil {
		return nil, err
	}
	if lastRun.Valid {
		t := lastRun.Time
		sched.LastRunAt = &t
	}
	if nextRun.Valid {
		t := nextRun.Time
		sched.NextRunAt = &t
	}
	return &sched, nil
}

const scheduleColumns = `id, name, cron_expr, spec, enabled, last_run_at, next_run_at`

func (s *Store) GetSchedule(ctx context.Context, id string) (*Schedule, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE id = ?;`, id)
	sched, err := scanSchedule(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("schedule %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get schedule %s: %w", id, err)
	}
	return sched, nil
}

func (s *Store) ListSchedules(ctx context.Context) ([]Schedule, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+scheduleColumns+` FROM schedules ORDER BY name, id;`)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	defer rows.Close()

	var out []Schedule
	for rows.Next() {
		sched, err := scanSchedule(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		out = append(out, *sched)
	}
	return out, rows.Err()
}

// DueSchedules returns enabled schedules whose next fire time has passed.
func (s *Store) DueSchedules(ctx context.Context, now time.Time) ([]Schedule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+scheduleColumns+` FROM schedules
		WHERE enabled = 1 AND next_run_at IS NOT NULL AND next_run_at <= ?
		ORDER BY next_run_at;
	`, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("due schedules: %w", err)
	}
	defer rows.Close()

	var out []Schedule
	for rows.Next() {
		sched, err := scanSchedule(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		out = append(out, *sched)
	}
	return out, rows.Err()
}

// UpdateScheduleRun records a fire and the next computed fire time.
func (s *Store) UpdateScheduleRun(ctx context.Context, id string, lastRun, nextRun time.Time) error {
	return retryOnBusy(ctx, 3, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE schedules SET last_run_at = ?, next_run_at = ? WHERE id = ?;
		`, lastRun.UTC(), nextRun.UTC(), id)
		if err != nil {
			return fmt.Errorf("update schedule run %s: %w", id, err)
		}
		return nil
	})
}

func (s *Store) RemoveSchedule(ctx context.Context, id string) error {
	return retryOnBusy(ctx, 3, func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?;`, id)
		if err != nil {
			return fmt.Errorf("remove schedule %s: %w", id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("schedule %s: %w", id, ErrNotFound)
		}
		return nil
	})
}
