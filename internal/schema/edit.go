package schema

import (
	"fmt"
	"time"
)

// MaxEditReasonLen bounds the free-text reason attached to an edit.
const MaxEditReasonLen = 500

// MappingEdit is one append-only audit record of a mapping change.
//
// Exactly one edit row is written per successful mapping change, inside
// the same transaction. Rows are never updated or deleted; a correction
// takes the form of a new mapping plus a new edit row.
type MappingEdit struct {
	ID         string    `json:"id"`
	SentenceID string    `json:"sentence_id"`
	UserID     string    `json:"user_id,omitempty"` // empty for system-generated
	OldStart   *float64  `json:"old_start_time"`    // nil if no prior mapping existed
	OldEnd     *float64  `json:"old_end_time"`
	NewStart   float64   `json:"new_start_time"`
	NewEnd     float64   `json:"new_end_time"`
	Reason     string    `json:"edit_reason,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Validate checks field values.
func (e *MappingEdit) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("edit id is required")
	}
	if e.SentenceID == "" {
		return fmt.Errorf("sentence_id is required")
	}
	if e.NewStart < 0 {
		return fmt.Errorf("new_start_time must be non-negative (got %g)", e.NewStart)
	}
	if e.NewEnd <= e.NewStart {
		return fmt.Errorf("new_end_time must be greater than new_start_time (got [%g, %g])", e.NewStart, e.NewEnd)
	}
	if (e.OldStart == nil) != (e.OldEnd == nil) {
		return fmt.Errorf("old start/end must both be set or both be nil")
	}
	if len(e.Reason) > MaxEditReasonLen {
		return fmt.Errorf("edit_reason must be %d characters or less (got %d)", MaxEditReasonLen, len(e.Reason))
	}
	if e.CreatedAt.IsZero() {
		return fmt.Errorf("created_at is required")
	}
	return nil
}
