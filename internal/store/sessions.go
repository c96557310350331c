package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/bini59/scriptsync/internal/schema"
)

// CreateSession registers a new sync session for a connection viewing a
// script. A reconnecting client reuses its connection id; any prior
// active session for the same (connection_id, script_id) pair is
// deactivated first so at most one is live per pair.
func (s *Store) CreateSession(ctx context.Context, scriptID, userID, connectionID string) (*schema.SyncSession, error) {
	if scriptID == "" {
		return nil, validationError("script_id is required")
	}
	if connectionID == "" {
		return nil, validationError("connection_id is required")
	}

	var exists int
	err := s.conn.QueryRowContext(ctx,
		"SELECT 1 FROM scripts WHERE id = ?", scriptID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("script %s: %w", scriptID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to check script: %w", err)
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		UPDATE sync_sessions SET is_active = 0
		WHERE connection_id = ? AND script_id = ? AND is_active = 1
	`, connectionID, scriptID); err != nil {
		return nil, fmt.Errorf("failed to supersede prior session: %w", err)
	}

	now := time.Now().UTC()
	sess := &schema.SyncSession{
		ID:           uuid.NewString(),
		ScriptID:     scriptID,
		UserID:       userID,
		ConnectionID: connectionID,
		Position:     0,
		Playing:      false,
		PlaybackRate: 1.0,
		JoinedAt:     now,
		LastActivity: now,
		Active:       true,
	}
	if err := sess.Validate(); err != nil {
		return nil, validationError("%v", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sync_sessions (
			id, script_id, user_id, connection_id, current_sentence_id,
			current_position, is_playing, playback_rate,
			joined_at, last_activity, is_active
		) VALUES (?, ?, ?, ?, NULL, ?, ?, ?, ?, ?, 1)
	`,
		sess.ID, sess.ScriptID, nullIfEmpty(sess.UserID), sess.ConnectionID,
		sess.Position, boolToInt(sess.Playing), sess.PlaybackRate,
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit session: %w", err)
	}

	return sess, nil
}

// PositionUpdate is the per-tick playback state reported by a client.
type PositionUpdate struct {
	Position          float64
	Playing           bool
	PlaybackRate      float64
	CurrentSentenceID string // empty when between mapped sentences
}

// UpdatePosition records a session's latest playback state and bumps
// last_activity. Returns ErrNotFound if the session is missing or no
// longer active.
func (s *Store) UpdatePosition(ctx context.Context, sessionID string, upd PositionUpdate) error {
	if upd.Position < 0 {
		return validationError("current_position must be non-negative (got %g)", upd.Position)
	}
	if upd.PlaybackRate <= 0 {
		return validationError("playback_rate must be positive (got %g)", upd.PlaybackRate)
	}

	res, err := s.conn.ExecContext(ctx, `
		UPDATE sync_sessions
		SET current_position = ?, is_playing = ?, playback_rate = ?,
		    current_sentence_id = ?, last_activity = ?
		WHERE id = ? AND is_active = 1
	`,
		upd.Position, boolToInt(upd.Playing), upd.PlaybackRate,
		nullIfEmpty(upd.CurrentSentenceID),
		time.Now().UTC().Format(time.RFC3339Nano), sessionID,
	)
	if err != nil {
		return fmt.Errorf("failed to update position: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update result: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("active session %s: %w", sessionID, ErrNotFound)
	}
	return nil
}

// DeactivateSession marks a session inactive. Deactivating a session
// that is already inactive or unknown is a no-op.
func (s *Store) DeactivateSession(ctx context.Context, sessionID string) error {
	_, err := s.conn.ExecContext(ctx, `
		UPDATE sync_sessions SET is_active = 0, last_activity = ?
		WHERE id = ? AND is_active = 1
	`, time.Now().UTC().Format(time.RFC3339Nano), sessionID)
	if err != nil {
		return fmt.Errorf("failed to deactivate session: %w", err)
	}
	return nil
}

// ActiveSessions returns the live sessions for a script, oldest joiner
// first.
func (s *Store) ActiveSessions(ctx context.Context, scriptID string) ([]*schema.SyncSession, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT id, script_id, user_id, connection_id, current_sentence_id,
		       current_position, is_playing, playback_rate,
		       joined_at, last_activity, is_active
		FROM sync_sessions
		WHERE script_id = ? AND is_active = 1
		ORDER BY joined_at ASC, id ASC
	`, scriptID)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*schema.SyncSession
	for rows.Next() {
		var sess schema.SyncSession
		var userID, sentenceID sql.NullString
		var playing, active int
		var joinedAt, lastActivity string

		err := rows.Scan(
			&sess.ID, &sess.ScriptID, &userID, &sess.ConnectionID, &sentenceID,
			&sess.Position, &playing, &sess.PlaybackRate,
			&joinedAt, &lastActivity, &active,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}

		sess.UserID = userID.String
		sess.CurrentSentenceID = sentenceID.String
		sess.Playing = playing == 1
		sess.Active = active == 1
		sess.JoinedAt = parseTime(joinedAt)
		sess.LastActivity = parseTime(lastActivity)
		sessions = append(sessions, &sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sessions: %w", err)
	}

	return sessions, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
