package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/bini59/scriptsync/internal/schema"
)

// Edit history pagination bounds. Requests outside [1, maxEditHistoryLimit]
// are clamped rather than rejected.
const (
	defaultEditHistoryLimit = 50
	maxEditHistoryLimit     = 100
)

// appendEditTx writes one audit row inside the caller's transaction. The
// edit log is append-only; nothing in the store updates or deletes rows
// from mapping_edits.
func (s *Store) appendEditTx(ctx context.Context, tx *sql.Tx, edit *schema.MappingEdit) error {
	if err := edit.Validate(); err != nil {
		return validationError("%v", err)
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO mapping_edits (
			id, sentence_id, user_id, old_start_time, old_end_time,
			new_start_time, new_end_time, edit_reason, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		edit.ID, edit.SentenceID, nullIfEmpty(edit.UserID),
		floatToNull(edit.OldStart), floatToNull(edit.OldEnd),
		edit.NewStart, edit.NewEnd, nullIfEmpty(edit.Reason),
		edit.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to append edit record: %w", err)
	}
	return nil
}

// GetEditHistory returns the newest-first edit records for a sentence.
// limit <= 0 uses the default page size; values above the maximum are
// clamped to it.
func (s *Store) GetEditHistory(ctx context.Context, sentenceID string, limit int) ([]*schema.MappingEdit, error) {
	if limit <= 0 {
		limit = defaultEditHistoryLimit
	}
	if limit > maxEditHistoryLimit {
		limit = maxEditHistoryLimit
	}

	rows, err := s.conn.QueryContext(ctx, `
		SELECT id, sentence_id, user_id, old_start_time, old_end_time,
		       new_start_time, new_end_time, edit_reason, created_at
		FROM mapping_edits
		WHERE sentence_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, sentenceID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query edit history: %w", err)
	}
	defer rows.Close()

	var edits []*schema.MappingEdit
	for rows.Next() {
		var e schema.MappingEdit
		var userID, reason sql.NullString
		var oldStart, oldEnd sql.NullFloat64
		var createdAt string

		err := rows.Scan(
			&e.ID, &e.SentenceID, &userID, &oldStart, &oldEnd,
			&e.NewStart, &e.NewEnd, &reason, &createdAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan edit record: %w", err)
		}

		e.UserID = userID.String
		e.OldStart = nullToFloat(oldStart)
		e.OldEnd = nullToFloat(oldEnd)
		e.Reason = reason.String
		e.CreatedAt = parseTime(createdAt)
		edits = append(edits, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating edit records: %w", err)
	}

	return edits, nil
}
