package schema

import (
	"fmt"
	"time"
)

// SyncSession is the ephemeral per-connection playback state for one
// participant in a room. Sessions are marked inactive, never deleted,
// when the connection closes or is superseded by a reconnect carrying
// the same connection id.
type SyncSession struct {
	ID                string    `json:"id"`
	ScriptID          string    `json:"script_id"`
	UserID            string    `json:"user_id,omitempty"` // empty for anonymous sessions
	ConnectionID      string    `json:"connection_id"`
	CurrentSentenceID string    `json:"current_sentence_id,omitempty"`
	Position          float64   `json:"current_position"`
	Playing           bool      `json:"is_playing"`
	PlaybackRate      float64   `json:"playback_rate"`
	JoinedAt          time.Time `json:"joined_at"`
	LastActivity      time.Time `json:"last_activity"`
	Active            bool      `json:"is_active"`
}

// RoomID derives the room identifier for a script. All sessions viewing
// the same script share one room.
func RoomID(scriptID string) string {
	return "script:" + scriptID
}

// Validate checks field values.
func (s *SyncSession) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("session id is required")
	}
	if s.ScriptID == "" {
		return fmt.Errorf("script_id is required")
	}
	if s.ConnectionID == "" {
		return fmt.Errorf("connection_id is required")
	}
	if s.Position < 0 {
		return fmt.Errorf("current_position must be non-negative (got %g)", s.Position)
	}
	if s.PlaybackRate <= 0 {
		return fmt.Errorf("playback_rate must be positive (got %g)", s.PlaybackRate)
	}
	if s.JoinedAt.IsZero() {
		return fmt.Errorf("joined_at is required")
	}
	if s.LastActivity.IsZero() {
		return fmt.Errorf("last_activity is required")
	}
	return nil
}
