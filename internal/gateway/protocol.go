package gateway

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/coder/websocket"
)

// MessageType defines the type of a gateway protocol message.
type MessageType string

const (
	// MsgConnectionAck is sent to a session once it has joined a room.
	MsgConnectionAck MessageType = "connection_ack"

	// MsgPositionUpdate is a client's playback state report.
	MsgPositionUpdate MessageType = "position_update"

	// MsgPositionSync relays a member's playback state to the room.
	MsgPositionSync MessageType = "position_sync"

	// MsgMappingEdit is a client's request to retime a sentence.
	MsgMappingEdit MessageType = "mapping_edit"

	// MsgMappingUpdate announces a successfully applied mapping change.
	MsgMappingUpdate MessageType = "mapping_update"

	// MsgUserJoined and MsgUserLeft are room membership events.
	MsgUserJoined MessageType = "user_joined"
	MsgUserLeft   MessageType = "user_left"

	// MsgPing and MsgPong are protocol-level heartbeat messages.
	MsgPing MessageType = "ping"
	MsgPong MessageType = "pong"

	// MsgError reports a failed operation to the sender only.
	MsgError MessageType = "error"
)

// Application close codes, in the websocket private-use range.
const (
	// CloseAuthFailure is sent when credential validation fails.
	CloseAuthFailure websocket.StatusCode = 4401

	// CloseMalformed is sent when a frame cannot be parsed.
	CloseMalformed websocket.StatusCode = 4400

	// CloseHeartbeatTimeout is sent after too many missed pongs.
	CloseHeartbeatTimeout websocket.StatusCode = 4408
)

// Error codes carried in MsgError messages.
const (
	ErrCodeValidation = "validation_error"
	ErrCodeConflict   = "conflict"
	ErrCodeNotFound   = "not_found"
	ErrCodeUnknown    = "unknown_message_type"
	ErrCodeInternal   = "internal_error"
)

// Envelope is the flat wire form shared by every protocol message.
// Fields irrelevant to a given type are omitted.
type Envelope struct {
	Type MessageType `json:"type"`

	// Identity
	ConnectionID string `json:"connection_id,omitempty"`
	SessionID    string `json:"session_id,omitempty"`
	RoomID       string `json:"room_id,omitempty"`
	UserID       string `json:"user_id,omitempty"`

	// Playback state (position_update / position_sync)
	Position     *float64 `json:"position,omitempty"`
	IsPlaying    *bool    `json:"is_playing,omitempty"`
	PlaybackRate *float64 `json:"playback_rate,omitempty"`
	SentenceID   string   `json:"sentence_id,omitempty"`

	// Mapping fields (mapping_edit / mapping_update)
	StartTime  *float64 `json:"start_time,omitempty"`
	EndTime    *float64 `json:"end_time,omitempty"`
	Confidence *float64 `json:"confidence_score,omitempty"`
	EditType   string   `json:"edit_type,omitempty"`
	EditReason string   `json:"edit_reason,omitempty"`
	Version    int      `json:"version,omitempty"`

	// Heartbeat
	Timestamp int64 `json:"timestamp,omitempty"`

	// Error reporting (error messages only)
	Code      string `json:"code,omitempty"`
	Message   string `json:"message,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

// parseEnvelope decodes one inbound frame. A frame without a type is
// malformed.
func parseEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("invalid message: %w", err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("message has no type")
	}
	return &env, nil
}

// mustMarshal encodes an envelope. The envelope contains only
// marshalable fields, so failure is a programming error.
func mustMarshal(env *Envelope) []byte {
	data, err := json.Marshal(env)
	if err != nil {
		panic(fmt.Sprintf("gateway: marshal envelope: %v", err))
	}
	return data
}

// errorEnvelope builds a MsgError for the sender.
func errorEnvelope(code, message string, retryable bool) *Envelope {
	return &Envelope{
		Type:      MsgError,
		Code:      code,
		Message:   message,
		Retryable: retryable,
		Timestamp: time.Now().Unix(),
	}
}

// pingEnvelope builds a heartbeat ping.
func pingEnvelope() *Envelope {
	return &Envelope{Type: MsgPing, Timestamp: time.Now().Unix()}
}

// pongEnvelope answers a ping, echoing its timestamp.
func pongEnvelope(ts int64) *Envelope {
	return &Envelope{Type: MsgPong, Timestamp: ts}
}
