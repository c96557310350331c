package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/bini59/scriptsync/internal/schema"
)

// UpsertScript inserts or updates a script and all of its sentences.
// Sentences present in the database but absent from the script document
// are left untouched; the catalog is append-mostly.
func (s *Store) UpsertScript(ctx context.Context, script *schema.Script) error {
	if err := script.Validate(); err != nil {
		return fmt.Errorf("invalid script: %w", err)
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO scripts (id, title, duration) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			duration = excluded.duration
	`, script.ID, script.Title, script.Duration)
	if err != nil {
		return fmt.Errorf("failed to upsert script %s: %w", script.ID, err)
	}

	for i := range script.Sentences {
		sent := &script.Sentences[i]
		_, err = tx.ExecContext(ctx, `
			INSERT INTO sentences (id, script_id, order_index, text, nominal_start, nominal_end)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				script_id = excluded.script_id,
				order_index = excluded.order_index,
				text = excluded.text,
				nominal_start = excluded.nominal_start,
				nominal_end = excluded.nominal_end
		`, sent.ID, sent.ScriptID, sent.OrderIndex, sent.Text, sent.NominalStart, sent.NominalEnd)
		if err != nil {
			return fmt.Errorf("failed to upsert sentence %s: %w", sent.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit script upsert: %w", err)
	}

	return nil
}

// GetScript retrieves a script without its sentences.
// Returns ErrNotFound if the script does not exist.
func (s *Store) GetScript(ctx context.Context, scriptID string) (*schema.Script, error) {
	var script schema.Script
	err := s.conn.QueryRowContext(ctx,
		`SELECT id, title, duration FROM scripts WHERE id = ?`, scriptID,
	).Scan(&script.ID, &script.Title, &script.Duration)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("script %s: %w", scriptID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get script %s: %w", scriptID, err)
	}
	return &script, nil
}

// GetSentence retrieves a single sentence.
// Returns ErrNotFound if the sentence does not exist.
func (s *Store) GetSentence(ctx context.Context, sentenceID string) (*schema.Sentence, error) {
	var sent schema.Sentence
	err := s.conn.QueryRowContext(ctx, `
		SELECT id, script_id, order_index, text, nominal_start, nominal_end
		FROM sentences WHERE id = ?
	`, sentenceID).Scan(
		&sent.ID, &sent.ScriptID, &sent.OrderIndex,
		&sent.Text, &sent.NominalStart, &sent.NominalEnd,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("sentence %s: %w", sentenceID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sentence %s: %w", sentenceID, err)
	}
	return &sent, nil
}

// ListSentences returns a script's sentences ordered by order_index.
func (s *Store) ListSentences(ctx context.Context, scriptID string) ([]*schema.Sentence, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT id, script_id, order_index, text, nominal_start, nominal_end
		FROM sentences
		WHERE script_id = ?
		ORDER BY order_index ASC
	`, scriptID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sentences for script %s: %w", scriptID, err)
	}
	defer rows.Close()

	var sentences []*schema.Sentence
	for rows.Next() {
		var sent schema.Sentence
		if err := rows.Scan(
			&sent.ID, &sent.ScriptID, &sent.OrderIndex,
			&sent.Text, &sent.NominalStart, &sent.NominalEnd,
		); err != nil {
			return nil, fmt.Errorf("failed to scan sentence: %w", err)
		}
		sentences = append(sentences, &sent)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sentences: %w", err)
	}

	return sentences, nil
}

// scriptDurationForSentence resolves the owning script's duration for a
// sentence, for time-range validation in CreateMapping.
func (s *Store) scriptDurationForSentence(ctx context.Context, q queryer, sentenceID string) (float64, error) {
	var duration float64
	err := q.QueryRowContext(ctx, `
		SELECT sc.duration
		FROM sentences s
		JOIN scripts sc ON sc.id = s.script_id
		WHERE s.id = ?
	`, sentenceID).Scan(&duration)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("sentence %s: %w", sentenceID, ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to resolve script duration for sentence %s: %w", sentenceID, err)
	}
	return duration, nil
}

// queryer abstracts *sql.DB and *sql.Tx for read helpers that run either
// inside or outside a transaction.
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}
