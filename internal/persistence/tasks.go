package persistence

import (
	"context"
	"fmt"
)

// ReplaceRunTasks swaps a run's todo list in one transaction. The agent
// streams the full list on every update, so replace is simpler and safer
// than diffing.
func (s *Store) ReplaceRunTasks(ctx context.Context, runID string, tasks []AgentTask) error {
	return retryOnBusy(ctx, 3, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tasks tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `DELETE FROM agent_tasks WHERE run_id = ?;`, runID); err != nil {
			return fmt.Errorf("clear tasks for run %s: %w", runID, err)
		}
		for i, task := range tasks {
			status := task.Status
			if status == "" {
				status = TaskStatusPending
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO agent_tasks (id, run_id, name, status, position)
				VALUES (?, ?, ?, ?, ?);
			`, task.ID, runID, task.Name, status, i); err != nil {
				return fmt.Errorf("insert task for run %s: %w", runID, err)
			}
		}
		return tx.Commit()
	})
}

// ListRunTasks returns a run's tasks in position order.
func (s *Store) ListRunTasks(ctx context.Context, runID string) ([]AgentTask, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, name, status, position
		FROM agent_tasks WHERE run_id = ? ORDER BY position, id;
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("list tasks for run %s: %w", runID, err)
	}
	defer rows.Close()

	var out []AgentTask
	for rows.Next() {
		var task AgentTask
		if err := rows.Scan(&task.ID, &task.RunID, &task.Name, &task.Status, &task.Position); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, task)
	}
	return out, rows.Err()
}
