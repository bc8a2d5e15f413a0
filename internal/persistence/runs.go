package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrInvalidTransition is returned when a run status change violates the
// lifecycle state machine. Terminal states never transition.
var ErrInvalidTransition = errors.New("invalid run status transition")

// CreateAgentRun inserts a run in QUEUED state.
func (s *Store) CreateAgentRun(ctx context.Context, run *AgentRun) error {
	if run.Status == "" {
		run.Status = RunStatusQueued
	}
	return retryOnBusy(ctx, 3, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO agent_runs (id, prompt, params, status, workspace_path, branch_name)
			VALUES (?, ?, ?, ?, ?, ?);
		`, run.ID, run.Prompt, run.Params, run.Status, run.WorkspacePath, run.BranchName)
		if err != nil {
			return fmt.Errorf("create run %s: %w", run.ID, err)
		}
		return nil
	})
}

func scanRun(scan func(...any) error) (*AgentRun, error) {
	var run AgentRun
	var errMsg, summary, workspace, branch sql.NullString
	var startedAt, finishedAt sql.NullTime
	if err := scan(
		&run.ID, &run.Prompt, &run.Params, &run.Status,
		&errMsg, &summary, &workspace, &branch,
		&run.CreatedAt, &startedAt, &finishedAt, &run.LastActivity,
	); err != nil {
		return nil, err
	}
	run.Error = errMsg.String
	run.Summary = summary.String
	run.WorkspacePath = workspace.String
	run.BranchName = branch.String
	if startedAt.Valid {
		t := startedAt.Time
		run.StartedAt = &t
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		run.FinishedAt = &t
	}
	return &run, nil
}

const runColumns = `id, prompt, params, status, error, summary, workspace_path, branch_name, created_at, started_at, finished_at, last_activity`

func (s *Store) GetAgentRun(ctx context.Context, id string) (*AgentRun, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM agent_runs WHERE id = ?;`, id)
	run, err := scanRun(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get run %s: %w", id, err)
	}
	return run, nil
}

func (s *Store) queryRuns(ctx context.Context, query string, args ...any) ([]AgentRun, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AgentRun
	for rows.Next() {
		run, err := scanRun(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, *run)
	}
	return out, rows.Err()
}

// QueuedRuns returns QUEUED runs in creation order, oldest first.
func (s *Store) QueuedRuns(ctx context.Context) ([]AgentRun, error) {
	runs, err := s.queryRuns(ctx, `
		SELECT `+runColumns+` FROM agent_runs
		WHERE status = ? ORDER BY created_at, id;
	`, RunStatusQueued)
	if err != nil {
		return nil, fmt.Errorf("queued runs: %w", err)
	}
	return runs, nil
}

// ListAgentRuns returns runs newest first, optionally filtered by status.
func (s *Store) ListAgentRuns(ctx context.Context, status RunStatus, limit int) ([]AgentRun, error) {
	if limit <= 0 {
		limit = 100
	}
	var (
		runs []AgentRun
		err  error
	)
	if status == "" {
		runs, err = s.queryRuns(ctx, `
			SELECT `+runColumns+` FROM agent_runs ORDER BY created_at DESC, id DESC LIMIT ?;
		`, limit)
	} else {
		runs, err = s.queryRuns(ctx, `
			SELECT `+runColumns+` FROM agent_runs WHERE status = ? ORDER BY created_at DESC, id DESC LIMIT ?;
		`, status, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return runs, nil
}

// CountRunsByStatus counts runs currently in the given status.
func (s *Store) CountRunsByStatus(ctx context.Context, status RunStatus) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM agent_runs WHERE status = ?;
	`, status).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count %s runs: %w", status, err)
	}
	return n, nil
}

// CountActiveRuns counts runs holding a concurrency slot (RUNNING or PAUSED).
func (s *Store) CountActiveRuns(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM agent_runs WHERE status IN (?, ?);
	`, RunStatusRunning, RunStatusPaused).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active runs: %w", err)
	}
	return n, nil
}

// TransitionRun moves a run between statuses under the lifecycle guard.
// The UPDATE re-checks the current status so concurrent transitions cannot
// both win.
func (s *Store) TransitionRun(ctx context.Context, id string, from, to RunStatus) error {
	if !canTransitionRun(from, to) {
		return fmt.Errorf("run %s: %s -> %s: %w", id, from, to, ErrInvalidTransition)
	}
	return retryOnBusy(ctx, 3, func() error {
		return s.transitionRunTx(ctx, id, from, to)
	})
}

func (s *Store) transitionRunTx(ctx context.Context, id string, from, to RunStatus) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transition tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current RunStatus
	if err := tx.QueryRowContext(ctx, `SELECT status FROM agent_runs WHERE id = ?;`, id).Scan(&current); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("run %s: %w", id, ErrNotFound)
		}
		return fmt.Errorf("read run status: %w", err)
	}
	if current != from {
		return fmt.Errorf("run %s: status is %s, not %s: %w", id, current, from, ErrInvalidTransition)
	}

	set := `status = ?, last_activity = CURRENT_TIMESTAMP`
	switch to {
	case RunStatusRunning:
		if from == RunStatusQueued {
			set += `, started_at = CURRENT_TIMESTAMP`
		}
	case RunStatusCompleted, RunStatusFailed:
		set += `, finished_at = CURRENT_TIMESTAMP`
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE agent_runs SET `+set+` WHERE id = ? AND status = ?;`,
		to, id, from)
	if err != nil {
		return fmt.Errorf("update run status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("transition rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("run %s: lost transition race %s -> %s: %w", id, from, to, ErrInvalidTransition)
	}
	return tx.Commit()
}

// FinishRun marks a run terminal with its outcome fields.
func (s *Store) FinishRun(ctx context.Context, id string, status RunStatus, summary, errMsg string) error {
	if !status.IsTerminal() {
		return fmt.Errorf("run %s: finish with non-terminal status %s: %w", id, status, ErrInvalidTransition)
	}
	return retryOnBusy(ctx, 3, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE agent_runs
			SET status = ?, summary = ?, error = ?, finished_at = CURRENT_TIMESTAMP, last_activity = CURRENT_TIMESTAMP
			WHERE id = ? AND status IN (?, ?, ?);
		`, status, summary, errMsg, id, RunStatusQueued, RunStatusRunning, RunStatusPaused)
		if err != nil {
			return fmt.Errorf("finish run %s: %w", id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("run %s: already terminal: %w", id, ErrInvalidTransition)
		}
		return nil
	})
}

// SetRunWorkspace records the provisioned workspace and branch for a run.
func (s *Store) SetRunWorkspace(ctx context.Context, id, workspacePath, branchName string) error {
	return retryOnBusy(ctx, 3, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE agent_runs SET workspace_path = ?, branch_name = ?, last_activity = CURRENT_TIMESTAMP
			WHERE id = ?;
		`, workspacePath, branchName, id)
		if err != nil {
			return fmt.Errorf("set run workspace %s: %w", id, err)
		}
		return nil
	})
}

// TouchRun bumps a run's activity timestamp.
func (s *Store) TouchRun(ctx context.Context, id string) error {
	return retryOnBusy(ctx, 3, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE agent_runs SET last_activity = CURRENT_TIMESTAMP WHERE id = ?;
		`, id)
		if err != nil {
			return fmt.Errorf("touch run %s: %w", id, err)
		}
		return nil
	})
}

// RecoverInterruptedRuns fails any run left RUNNING or PAUSED by a previous
// process, so restart never resumes half-finished work silently.
func (s *Store) RecoverInterruptedRuns(ctx context.Context) (int, error) {
	var recovered int64
	err := retryOnBusy(ctx, 3, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE agent_runs
			SET status = ?, error = 'interrupted by server restart', finished_at = CURRENT_TIMESTAMP, last_activity = CURRENT_TIMESTAMP
			WHERE status IN (?, ?);
		`, RunStatusFailed, RunStatusRunning, RunStatusPaused)
		if err != nil {
			return fmt.Errorf("recover interrupted runs: %w", err)
		}
		recovered, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, err
	}
	return int(recovered), nil
}

// StaleActiveRuns returns RUNNING or PAUSED runs without activity since the
// cutoff.
func (s *Store) StaleActiveRuns(ctx context.Context, cutoff time.Time) ([]AgentRun, error) {
	runs, err := s.queryRuns(ctx, `
		SELECT `+runColumns+` FROM agent_runs
		WHERE status IN (?, ?) AND last_activity < ? ORDER BY last_activity;
	`, RunStatusRunning, RunStatusPaused, cutoff.UTC())
	if err != nil {
		return nil, fmt.Errorf("stale active runs: %w", err)
	}
	return runs, nil
}
