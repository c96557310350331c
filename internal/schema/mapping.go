package schema

import (
	"fmt"
	"time"
)

// MappingKind records how a mapping was produced.
type MappingKind string

const (
	// MappingManual is a user edit through the gateway or REST surface.
	MappingManual MappingKind = "manual"

	// MappingAuto is a mapping produced by non-AI automation (bulk import,
	// migration from nominal ranges).
	MappingAuto MappingKind = "auto"

	// MappingAIGenerated is a candidate produced by the alignment engine.
	MappingAIGenerated MappingKind = "ai_generated"
)

// ParseMappingKind validates a wire/database string as a MappingKind.
func ParseMappingKind(s string) (MappingKind, error) {
	switch MappingKind(s) {
	case MappingManual, MappingAuto, MappingAIGenerated:
		return MappingKind(s), nil
	}
	return "", fmt.Errorf("unknown mapping kind %q", s)
}

// SentenceMapping binds one sentence to an audio time range.
//
// Versions are monotonically increasing per sentence. Version 1 is the
// unmapped seed, so the first stored mapping for a sentence carries
// version 2. At most one mapping per sentence has Active set; superseded
// mappings are kept with Active false and are never deleted.
type SentenceMapping struct {
	ID         string      `json:"id"`
	SentenceID string      `json:"sentence_id"`
	Version    int         `json:"version"`
	StartTime  float64     `json:"start_time"`
	EndTime    float64     `json:"end_time"`
	Confidence float64     `json:"confidence_score"`
	Kind       MappingKind `json:"mapping_type"`
	CreatedBy  string      `json:"created_by,omitempty"` // empty for system-generated
	CreatedAt  time.Time   `json:"created_at"`
	Active     bool        `json:"is_active"`
}

// Validate checks field values. Script-duration bounds are checked by the
// store, which knows the owning script.
func (m *SentenceMapping) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("mapping id is required")
	}
	if m.SentenceID == "" {
		return fmt.Errorf("sentence_id is required")
	}
	if m.Version < 2 {
		return fmt.Errorf("version must be at least 2 (got %d)", m.Version)
	}
	if m.StartTime < 0 {
		return fmt.Errorf("start_time must be non-negative (got %g)", m.StartTime)
	}
	if m.EndTime <= m.StartTime {
		return fmt.Errorf("end_time must be greater than start_time (got [%g, %g])", m.StartTime, m.EndTime)
	}
	if m.Confidence < 0 || m.Confidence > 1 {
		return fmt.Errorf("confidence_score must be within [0, 1] (got %g)", m.Confidence)
	}
	if _, err := ParseMappingKind(string(m.Kind)); err != nil {
		return err
	}
	if m.CreatedAt.IsZero() {
		return fmt.Errorf("created_at is required")
	}
	return nil
}

// Contains reports whether position falls inside the mapping's
// half-open [start, end) interval.
func (m *SentenceMapping) Contains(position float64) bool {
	return position >= m.StartTime && position < m.EndTime
}
