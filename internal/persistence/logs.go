package persistence

import (
	"context"
	"fmt"
)

// AddRunLog appends a progress line to a run's log.
func (s *Store) AddRunLog(ctx context.Context, runID, level, message string) error {
	if level == "" {
		level = "info"
	}
	return retryOnBusy(ctx, 3, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO run_logs (run_id, level, message) VALUES (?, ?, ?);
		`, runID, level, message)
		if err != nil {
			return fmt.Errorf("add run log %s: %w", runID, err)
		}
		return nil
	})
}

// ListRunLogs returns a run's log lines in insertion order, optionally
// starting after a known id for incremental reads.
func (s *Store) ListRunLogs(ctx context.Context, runID string, afterID int64, limit int) ([]RunLog, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, level, message, created_at
		FROM run_logs WHERE run_id = ? AND id > ? ORDER BY id LIMIT ?;
	`, runID, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("list run logs %s: %w", runID, err)
	}
	defer rows.Close()

	var out []RunLog
	for rows.Next() {
		var l RunLog
		if err := rows.Scan(&l.ID, &l.RunID, &l.Level, &l.Message, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan run log: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}
