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

// seedVersion is the implicit version of the unmapped state. The first
// stored mapping for a sentence carries seedVersion+1.
const seedVersion = 1

// defaultAutoConfidence is assigned to auto/ai_generated mappings whose
// caller did not supply a score. Zero is never defaulted to: a stored
// zero means manually rejected.
const defaultAutoConfidence = 0.5

// CreateMappingParams carries the inputs for CreateMapping.
type CreateMappingParams struct {
	SentenceID string
	StartTime  float64
	EndTime    float64
	// Confidence is ignored for manual mappings, which are pinned to
	// 1.0. Left zero on other kinds it defaults to defaultAutoConfidence.
	Confidence float64
	Kind       schema.MappingKind
	Actor      string // user id; empty for system-generated
	Reason     string // free-text audit reason
}

// CreateMapping creates a new active mapping for a sentence.
//
// In a single transaction it deactivates the previously active mapping
// (if any), inserts the new row with version = previous version + 1, and
// appends one mapping_edits row capturing before/after times. Concurrent
// calls for the same sentence are serialized by the partial unique index
// on (sentence_id) WHERE is_active = 1; the loser receives ErrConflict.
//
// Validation rejects end <= start, start < 0, end beyond the owning
// script's duration, and unknown kinds. end exactly equal to the script
// duration is accepted.
func (s *Store) CreateMapping(ctx context.Context, p CreateMappingParams) (*schema.SentenceMapping, error) {
	if p.SentenceID == "" {
		return nil, validationError("sentence_id is required")
	}
	if p.StartTime < 0 {
		return nil, validationError("start_time must be non-negative (got %g)", p.StartTime)
	}
	if p.EndTime <= p.StartTime {
		return nil, validationError("end_time must be greater than start_time (got [%g, %g])", p.StartTime, p.EndTime)
	}
	if _, err := schema.ParseMappingKind(string(p.Kind)); err != nil {
		return nil, validationError("%v", err)
	}
	if len(p.Reason) > schema.MaxEditReasonLen {
		return nil, validationError("edit_reason must be %d characters or less", schema.MaxEditReasonLen)
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		if isConflictErr(err) {
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	duration, err := s.scriptDurationForSentence(ctx, tx, p.SentenceID)
	if err != nil {
		return nil, err
	}
	if p.EndTime > duration {
		return nil, validationError("end_time %g exceeds script duration %g", p.EndTime, duration)
	}

	// Read the currently active mapping for the audit row's before-times.
	var oldStart, oldEnd sql.NullFloat64
	var prevID sql.NullString
	err = tx.QueryRowContext(ctx, `
		SELECT id, start_time, end_time
		FROM sentence_mappings
		WHERE sentence_id = ? AND is_active = 1
	`, p.SentenceID).Scan(&prevID, &oldStart, &oldEnd)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to read active mapping: %w", err)
	}

	var maxVersion int
	err = tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(version), ?)
		FROM sentence_mappings
		WHERE sentence_id = ?
	`, seedVersion, p.SentenceID).Scan(&maxVersion)
	if err != nil {
		return nil, fmt.Errorf("failed to read max version: %w", err)
	}

	if prevID.Valid {
		if _, err := tx.ExecContext(ctx, `
			UPDATE sentence_mappings SET is_active = 0
			WHERE id = ? AND is_active = 1
		`, prevID.String); err != nil {
			if isConflictErr(err) {
				return nil, ErrConflict
			}
			return nil, fmt.Errorf("failed to deactivate mapping %s: %w", prevID.String, err)
		}
	}

	confidence := p.Confidence
	if p.Kind == schema.MappingManual {
		confidence = 1.0
	} else if confidence == 0 {
		confidence = defaultAutoConfidence
	}
	if confidence < 0 || confidence > 1 {
		return nil, validationError("confidence_score must be within [0, 1] (got %g)", confidence)
	}

	mapping := &schema.SentenceMapping{
		ID:         uuid.NewString(),
		SentenceID: p.SentenceID,
		Version:    maxVersion + 1,
		StartTime:  p.StartTime,
		EndTime:    p.EndTime,
		Confidence: confidence,
		Kind:       p.Kind,
		CreatedBy:  p.Actor,
		CreatedAt:  time.Now().UTC(),
		Active:     true,
	}
	if err := mapping.Validate(); err != nil {
		return nil, validationError("%v", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sentence_mappings (
			id, sentence_id, version, start_time, end_time,
			confidence_score, mapping_type, created_by, created_at, is_active
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 1)
	`,
		mapping.ID, mapping.SentenceID, mapping.Version,
		mapping.StartTime, mapping.EndTime, mapping.Confidence,
		string(mapping.Kind), nullIfEmpty(mapping.CreatedBy),
		mapping.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		if isConflictErr(err) {
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("failed to insert mapping: %w", err)
	}

	edit := &schema.MappingEdit{
		ID:         uuid.NewString(),
		SentenceID: p.SentenceID,
		UserID:     p.Actor,
		OldStart:   nullToFloat(oldStart),
		OldEnd:     nullToFloat(oldEnd),
		NewStart:   p.StartTime,
		NewEnd:     p.EndTime,
		Reason:     p.Reason,
		CreatedAt:  mapping.CreatedAt,
	}
	if err := s.appendEditTx(ctx, tx, edit); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		if isConflictErr(err) {
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("failed to commit mapping: %w", err)
	}

	return mapping, nil
}

// GetActiveMapping returns the single active mapping for a sentence.
// Returns ErrNotFound if the sentence has no active mapping.
func (s *Store) GetActiveMapping(ctx context.Context, sentenceID string) (*schema.SentenceMapping, error) {
	row := s.conn.QueryRowContext(ctx, `
		SELECT id, sentence_id, version, start_time, end_time,
		       confidence_score, mapping_type, created_by, created_at, is_active
		FROM sentence_mappings
		WHERE sentence_id = ? AND is_active = 1
	`, sentenceID)

	mapping, err := scanMapping(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("active mapping for sentence %s: %w", sentenceID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active mapping: %w", err)
	}
	return mapping, nil
}

// GetMappingAtPosition returns the sentence whose active mapping covers
// position (half-open [start, end)). If no active mapping covers it, the
// lookup falls back to the sentences' nominal ranges. Returns ErrNotFound
// if neither covers the position.
func (s *Store) GetMappingAtPosition(ctx context.Context, scriptID string, position float64) (*schema.Sentence, error) {
	var sent schema.Sentence
	err := s.conn.QueryRowContext(ctx, `
		SELECT s.id, s.script_id, s.order_index, s.text, s.nominal_start, s.nominal_end
		FROM sentences s
		JOIN sentence_mappings m ON m.sentence_id = s.id AND m.is_active = 1
		WHERE s.script_id = ? AND m.start_time <= ? AND ? < m.end_time
		ORDER BY s.order_index ASC
		LIMIT 1
	`, scriptID, position, position).Scan(
		&sent.ID, &sent.ScriptID, &sent.OrderIndex,
		&sent.Text, &sent.NominalStart, &sent.NominalEnd,
	)
	if err == nil {
		return &sent, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to query mapping at position: %w", err)
	}

	// Fallback: nominal ranges for sentences without an active mapping.
	err = s.conn.QueryRowContext(ctx, `
		SELECT s.id, s.script_id, s.order_index, s.text, s.nominal_start, s.nominal_end
		FROM sentences s
		WHERE s.script_id = ?
		  AND s.nominal_start <= ? AND ? < s.nominal_end
		  AND NOT EXISTS (
			SELECT 1 FROM sentence_mappings m
			WHERE m.sentence_id = s.id AND m.is_active = 1
		  )
		ORDER BY s.order_index ASC
		LIMIT 1
	`, scriptID, position, position).Scan(
		&sent.ID, &sent.ScriptID, &sent.OrderIndex,
		&sent.Text, &sent.NominalStart, &sent.NominalEnd,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("no sentence at position %g in script %s: %w", position, scriptID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query nominal fallback: %w", err)
	}

	return &sent, nil
}

// ListMappings returns all mappings for a script's sentences, ordered by
// sentence order then descending version. By default only active rows
// are returned; includeInactive adds superseded history.
func (s *Store) ListMappings(ctx context.Context, scriptID string, includeInactive bool) ([]*schema.SentenceMapping, error) {
	query := `
		SELECT m.id, m.sentence_id, m.version, m.start_time, m.end_time,
		       m.confidence_score, m.mapping_type, m.created_by, m.created_at, m.is_active
		FROM sentence_mappings m
		JOIN sentences s ON s.id = m.sentence_id
		WHERE s.script_id = ?
	`
	if !includeInactive {
		query += " AND m.is_active = 1"
	}
	query += " ORDER BY s.order_index ASC, m.version DESC"

	rows, err := s.conn.QueryContext(ctx, query, scriptID)
	if err != nil {
		return nil, fmt.Errorf("failed to list mappings: %w", err)
	}
	defer rows.Close()

	var mappings []*schema.SentenceMapping
	for rows.Next() {
		mapping, err := scanMapping(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan mapping: %w", err)
		}
		mappings = append(mappings, mapping)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating mappings: %w", err)
	}

	return mappings, nil
}

// scanner abstracts *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanMapping(row scanner) (*schema.SentenceMapping, error) {
	var m schema.SentenceMapping
	var createdBy sql.NullString
	var createdAt string
	var active int

	err := row.Scan(
		&m.ID, &m.SentenceID, &m.Version, &m.StartTime, &m.EndTime,
		&m.Confidence, (*string)(&m.Kind), &createdBy, &createdAt, &active,
	)
	if err != nil {
		return nil, err
	}

	m.CreatedBy = createdBy.String
	m.CreatedAt = parseTime(createdAt)
	m.Active = active == 1
	return &m, nil
}

func nullIfEmpty(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
