package gateway

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/bini59/scriptsync/internal/room"
	"github.com/bini59/scriptsync/internal/schema"
	"github.com/bini59/scriptsync/internal/store"
)

// ConnState is a connection's position in the session lifecycle.
type ConnState int32

const (
	StateConnecting ConnState = iota
	StateAuthenticated
	StateJoined
	StateActive
	StateClosing
	StateClosed
)

// String returns a human-readable state name.
func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateJoined:
		return "joined"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// conn is one live websocket session. The read loop runs on the HTTP
// handler goroutine; a writer goroutine owns all socket writes; a
// heartbeat goroutine drives protocol-level ping/pong.
type conn struct {
	ws     *websocket.Conn
	server *Server
	logger *log.Logger

	connectionID string
	sessionID    string
	userID       string
	scriptID     string

	room   *room.Room
	member *room.Member

	// send carries frames originated by this connection (acks, pongs,
	// errors, pings) to the writer goroutine.
	send chan []byte
	// pongCh signals the heartbeat loop that a pong arrived.
	pongCh chan struct{}
	// done is closed exactly once during teardown.
	done chan struct{}

	mu    sync.Mutex
	state ConnState

	teardownOnce sync.Once
}

func (c *conn) setState(s ConnState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// State returns the current lifecycle state.
func (c *conn) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// sendDirect queues a frame for this connection only. Drops the frame
// if the connection is tearing down.
func (c *conn) sendDirect(frame []byte) {
	select {
	case c.send <- frame:
	case <-c.done:
	}
}

// writeLoop is the only goroutine that writes to the socket. It drains
// both the room's broadcast queue and the connection's own queue. The
// room closing the member channel (leave or eviction) ends the loop.
func (c *conn) writeLoop() {
	defer c.teardown(websocket.StatusNormalClosure, "")

	for {
		select {
		case <-c.done:
			return

		case frame, ok := <-c.member.Out:
			if !ok {
				return
			}
			if !c.write(frame) {
				return
			}

		case frame := <-c.send:
			if !c.write(frame) {
				return
			}
		}
	}
}

func (c *conn) write(frame []byte) bool {
	ctx, cancel := context.WithTimeout(context.Background(), c.server.config.WriteTimeout)
	err := c.ws.Write(ctx, websocket.MessageText, frame)
	cancel()
	if err != nil {
		c.logger.Printf("Write to %s failed: %v", c.connectionID, err)
		return false
	}
	return true
}

// heartbeatLoop pings on a fixed interval once the session is active.
// MaxMissedPongs consecutive silent intervals tear the connection down
// with a heartbeat close code.
func (c *conn) heartbeatLoop() {
	ticker := time.NewTicker(c.server.config.PingInterval)
	defer ticker.Stop()

	missed := 0
	for {
		select {
		case <-c.done:
			return

		case <-ticker.C:
			// A pong that straggled in after its window answers nothing;
			// drain it so it cannot satisfy this ping.
			select {
			case <-c.pongCh:
			default:
			}
			c.sendDirect(mustMarshal(pingEnvelope()))

			select {
			case <-c.pongCh:
				missed = 0
			case <-time.After(c.server.config.PongTimeout):
				missed++
				if missed >= c.server.config.MaxMissedPongs {
					c.logger.Printf("Connection %s missed %d pongs, closing", c.connectionID, missed)
					c.teardown(CloseHeartbeatTimeout, "heartbeat timeout")
					return
				}
			case <-c.done:
				return
			}
		}
	}
}

// readLoop dispatches inbound frames until the socket closes or a
// malformed frame forces a protocol close.
func (c *conn) readLoop(ctx context.Context) {
	defer c.teardown(websocket.StatusNormalClosure, "")

	for {
		_, data, err := c.ws.Read(ctx)
		if err != nil {
			return
		}

		env, err := parseEnvelope(data)
		if err != nil {
			c.logger.Printf("Malformed frame from %s: %v", c.connectionID, err)
			c.teardown(CloseMalformed, "malformed message")
			return
		}

		c.dispatch(ctx, env)
	}
}

// dispatch handles one inbound message. Every inbound kind is covered;
// an unrecognized type is an error to the sender, not a broadcast.
func (c *conn) dispatch(ctx context.Context, env *Envelope) {
	switch env.Type {
	case MsgPing:
		c.sendDirect(mustMarshal(pongEnvelope(env.Timestamp)))

	case MsgPong:
		select {
		case c.pongCh <- struct{}{}:
		default:
		}

	case MsgPositionUpdate:
		c.handlePositionUpdate(ctx, env)

	case MsgMappingEdit:
		c.handleMappingEdit(ctx, env)

	default:
		c.sendDirect(mustMarshal(errorEnvelope(
			ErrCodeUnknown,
			"unsupported message type: "+string(env.Type),
			false,
		)))
	}
}

func (c *conn) handlePositionUpdate(ctx context.Context, env *Envelope) {
	if env.Position == nil {
		c.sendDirect(mustMarshal(errorEnvelope(ErrCodeValidation, "position is required", false)))
		return
	}

	playing := false
	if env.IsPlaying != nil {
		playing = *env.IsPlaying
	}
	rate := 1.0
	if env.PlaybackRate != nil {
		rate = *env.PlaybackRate
	}

	err := c.server.store.UpdatePosition(ctx, c.sessionID, store.PositionUpdate{
		Position:          *env.Position,
		Playing:           playing,
		PlaybackRate:      rate,
		CurrentSentenceID: env.SentenceID,
	})
	if err != nil {
		c.sendDirect(mustMarshal(c.storeError(err)))
		return
	}

	c.room.Broadcast(mustMarshal(&Envelope{
		Type:         MsgPositionSync,
		ConnectionID: c.connectionID,
		UserID:       c.userID,
		Position:     env.Position,
		IsPlaying:    &playing,
		PlaybackRate: &rate,
		SentenceID:   env.SentenceID,
		Timestamp:    time.Now().Unix(),
	}), c.connectionID)
}

func (c *conn) handleMappingEdit(ctx context.Context, env *Envelope) {
	if env.SentenceID == "" || env.StartTime == nil || env.EndTime == nil {
		c.sendDirect(mustMarshal(errorEnvelope(
			ErrCodeValidation, "sentence_id, start_time and end_time are required", false)))
		return
	}

	kind := schema.MappingManual
	if env.EditType != "" {
		parsed, err := schema.ParseMappingKind(env.EditType)
		if err != nil {
			c.sendDirect(mustMarshal(errorEnvelope(ErrCodeValidation, err.Error(), false)))
			return
		}
		kind = parsed
	}

	confidence := 0.0
	if env.Confidence != nil {
		confidence = *env.Confidence
	}
	mapping, err := c.server.store.CreateMapping(ctx, store.CreateMappingParams{
		SentenceID: env.SentenceID,
		StartTime:  *env.StartTime,
		EndTime:    *env.EndTime,
		Confidence: confidence,
		Kind:       kind,
		Actor:      c.userID,
		Reason:     env.EditReason,
	})
	if err != nil {
		// Failed edits go to the sender alone; the room never sees them.
		c.sendDirect(mustMarshal(c.storeError(err)))
		return
	}

	c.room.Broadcast(mustMarshal(&Envelope{
		Type:       MsgMappingUpdate,
		SentenceID: mapping.SentenceID,
		StartTime:  &mapping.StartTime,
		EndTime:    &mapping.EndTime,
		Confidence: &mapping.Confidence,
		Version:    mapping.Version,
		UserID:     c.userID,
		Timestamp:  time.Now().Unix(),
	}), "")
}

// storeError translates a store failure into a sender-only error
// message.
func (c *conn) storeError(err error) *Envelope {
	switch {
	case errors.Is(err, store.ErrValidation):
		return errorEnvelope(ErrCodeValidation, err.Error(), false)
	case errors.Is(err, store.ErrConflict):
		return errorEnvelope(ErrCodeConflict, "mapping was changed concurrently, re-fetch and retry", true)
	case errors.Is(err, store.ErrNotFound):
		return errorEnvelope(ErrCodeNotFound, err.Error(), false)
	default:
		c.logger.Printf("Internal error on %s: %v", c.connectionID, err)
		return errorEnvelope(ErrCodeInternal, "internal error", false)
	}
}

// teardown runs the CLOSING → CLOSED transition exactly once: leave the
// room (broadcasting user_left), deactivate the session row, close the
// socket.
func (c *conn) teardown(code websocket.StatusCode, reason string) {
	c.teardownOnce.Do(func() {
		c.setState(StateClosing)
		close(c.done)

		if c.room != nil {
			c.room.Leave(c.connectionID)
		}

		if c.sessionID != "" {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := c.server.store.DeactivateSession(ctx, c.sessionID); err != nil {
				c.logger.Printf("Failed to deactivate session %s: %v", c.sessionID, err)
			}
			cancel()
		}

		_ = c.ws.Close(code, reason)
		c.setState(StateClosed)
		c.logger.Printf("Connection %s closed (%d %s)", c.connectionID, code, reason)
	})
}
