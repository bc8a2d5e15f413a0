package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// UpsertSession records a session, updating its external resume id and
// activity timestamp when it already exists.
func (s *Store) UpsertSession(ctx context.Context, id, externalSessionID string) error {
	return retryOnBusy(ctx, 3, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO sessions (id, external_session_id, last_activity, created_at)
			VALUES (?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
			ON CONFLICT(id) DO UPDATE SET
				external_session_id = CASE WHEN excluded.external_session_id != '' THEN excluded.external_session_id ELSE sessions.external_session_id END,
				last_activity = CURRENT_TIMESTAMP;
		`, id, externalSessionID)
		if err != nil {
			return fmt.Errorf("upsert session %s: %w", id, err)
		}
		return nil
	})
}

func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, COALESCE(external_session_id, ''), last_activity, created_at
		FROM sessions WHERE id = ?;
	`, id)
	var sess Session
	if err := row.Scan(&sess.ID, &sess.ExternalSessionID, &sess.LastActivity, &sess.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	return &sess, nil
}

func (s *Store) ListSessions(ctx context.Context) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, COALESCE(external_session_id, ''), last_activity, created_at
		FROM sessions ORDER BY last_activity DESC;
	`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var sess Session
		if err := rows.Scan(&sess.ID, &sess.ExternalSessionID, &sess.LastActivity, &sess.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// TouchSession bumps a session's activity timestamp.
func (s *Store) TouchSession(ctx context.Context, id string) error {
	return retryOnBusy(ctx, 3, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE sessions SET last_activity = CURRENT_TIMESTAMP WHERE id = ?;
		`, id)
		if err != nil {
			return fmt.Errorf("touch session %s: %w", id, err)
		}
		return nil
	})
}

// StaleSessions returns sessions with no activity since the cutoff.
func (s *Store) StaleSessions(ctx context.Context, cutoff time.Time) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, COALESCE(external_session_id, ''), last_activity, created_at
		FROM sessions WHERE last_activity < ? ORDER BY last_activity;
	`, cutoff.UTC())
	if err != nil {
		return nil, fmt.Errorf("stale sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var sess Session
		if err := rows.Scan(&sess.ID, &sess.ExternalSessionID, &sess.LastActivity, &sess.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (s *Store) DeleteSession(ctx context.Context, id string) error {
	return retryOnBusy(ctx, 3, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?;`, id)
		if err != nil {
			return fmt.Errorf("delete session %s: %w", id, err)
		}
		return nil
	})
}
