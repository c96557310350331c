// Package room provides per-script broadcast rooms with total message
// ordering.
//
// Each room is a single coordinator goroutine that owns the member set.
// Join, leave, and broadcast are commands on the room's channel, so
// every member observes broadcasts in the same order the room accepted
// them. Members receive pre-marshaled frames on a buffered FIFO channel
// drained by their connection's writer; a member that cannot keep up is
// evicted rather than allowed to stall the room.
package room

import (
	"encoding/json"
	"log"
	"sync"
	"time"
)

// Membership event types emitted by the room itself.
const (
	EventUserJoined = "user_joined"
	EventUserLeft   = "user_left"
)

// membershipEvent is the wire form of user_joined / user_left.
type membershipEvent struct {
	Type         string    `json:"type"`
	RoomID       string    `json:"room_id"`
	UserID       string    `json:"user_id,omitempty"`
	ConnectionID string    `json:"connection_id"`
	Timestamp    time.Time `json:"timestamp"`
}

// Member is one connection's presence in a room. Out carries marshaled
// frames in broadcast order; the channel is closed when the member
// leaves or is evicted, after which no more frames arrive.
type Member struct {
	// ConnectionID identifies the member; unique within the room.
	ConnectionID string
	// UserID is the authenticated user, empty for anonymous viewers.
	UserID string
	// Out is the member's outbound frame queue.
	Out chan []byte
}

// outboundBuffer is the per-member frame queue depth. A member this far
// behind is considered dead and evicted.
const outboundBuffer = 64

// command is one operation on the room's coordinator goroutine.
type command struct {
	join      *Member
	leave     string // connection ID
	broadcast *broadcastCmd
	done      chan struct{} // closed once applied, when non-nil
}

type broadcastCmd struct {
	payload []byte
	exclude string // connection ID that must not receive the frame
}

// Room is a broadcast domain for one script. All mutation happens on
// the coordinator goroutine.
type Room struct {
	id     string
	logger *log.Logger

	commands chan command
	closed   chan struct{}

	// onEmpty is called (once) after the last member leaves.
	onEmpty func(roomID string)

	mu      sync.Mutex
	members map[string]*Member // guarded copy for size queries only
}

func newRoom(id string, logger *log.Logger, onEmpty func(string)) *Room {
	r := &Room{
		id:       id,
		logger:   logger,
		commands: make(chan command, 256),
		closed:   make(chan struct{}),
		onEmpty:  onEmpty,
		members:  make(map[string]*Member),
	}
	go r.loop()
	return r
}

// ID returns the room identifier.
func (r *Room) ID() string { return r.id }

// Size returns the current member count.
func (r *Room) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members)
}

// Join registers a member and broadcasts user_joined to everyone else.
// Blocks until the coordinator has applied the join, so a caller's
// subsequent Broadcast is ordered after its own membership. Returns
// false if the room closed before the join was applied — a room can be
// reaped between a hub Get and the Join landing — in which case the
// caller must fetch a fresh room and retry.
func (r *Room) Join(m *Member) bool {
	done := make(chan struct{})
	select {
	case r.commands <- command{join: m, done: done}:
		select {
		case <-done:
			return true
		case <-r.closed:
			// The coordinator may have applied the join right before
			// the room closed.
			select {
			case <-done:
				return true
			default:
				return false
			}
		}
	case <-r.closed:
		return false
	}
}

// Leave removes a member, closes its Out channel, and broadcasts
// user_left to the remaining members. Unknown connection IDs are ignored.
func (r *Room) Leave(connectionID string) {
	done := make(chan struct{})
	select {
	case r.commands <- command{leave: connectionID, done: done}:
		select {
		case <-done:
		case <-r.closed:
		}
	case <-r.closed:
	}
}

// Broadcast fans a marshaled frame out to every member except the
// excluded session. Frames are delivered to each member in the order
// Broadcast calls are accepted.
func (r *Room) Broadcast(payload []byte, excludeConnectionID string) {
	select {
	case r.commands <- command{broadcast: &broadcastCmd{payload: payload, exclude: excludeConnectionID}}:
	case <-r.closed:
	}
}

// close shuts the coordinator down, evicting all members. Called by the
// hub only.
func (r *Room) close() {
	select {
	case <-r.closed:
	default:
		close(r.closed)
	}
}

func (r *Room) isClosed() bool {
	select {
	case <-r.closed:
		return true
	default:
		return false
	}
}

func (r *Room) loop() {
	members := make(map[string]*Member)

	defer func() {
		for _, m := range members {
			close(m.Out)
		}
		r.setMembers(nil)
	}()

	for {
		select {
		case <-r.closed:
			return

		case cmd := <-r.commands:
			switch {
			case cmd.join != nil:
				m := cmd.join
				if prev, ok := members[m.ConnectionID]; ok {
					close(prev.Out)
				}
				members[m.ConnectionID] = m
				r.setMembersFrom(members)
				r.fanOut(members, r.membershipFrame(EventUserJoined, m), m.ConnectionID)

			case cmd.leave != "":
				if m, ok := members[cmd.leave]; ok {
					delete(members, cmd.leave)
					close(m.Out)
					r.setMembersFrom(members)
					r.fanOut(members, r.membershipFrame(EventUserLeft, m), "")
					if len(members) == 0 && r.onEmpty != nil {
						r.onEmpty(r.id)
					}
				}

			case cmd.broadcast != nil:
				r.fanOut(members, cmd.broadcast.payload, cmd.broadcast.exclude)
			}

			if cmd.done != nil {
				close(cmd.done)
			}
		}
	}
}

// fanOut queues a frame on every member except the excluded session.
// A member whose buffer is full is evicted on the spot; its departure
// is announced to the survivors.
func (r *Room) fanOut(members map[string]*Member, payload []byte, exclude string) {
	if payload == nil {
		return
	}
	var evicted []*Member
	for id, m := range members {
		if id == exclude {
			continue
		}
		select {
		case m.Out <- payload:
		default:
			evicted = append(evicted, m)
		}
	}

	for _, m := range evicted {
		r.logger.Printf("Evicting slow member %s from room %s", m.ConnectionID, r.id)
		delete(members, m.ConnectionID)
		close(m.Out)
	}
	if len(evicted) > 0 {
		r.setMembersFrom(members)
		for _, m := range evicted {
			r.fanOut(members, r.membershipFrame(EventUserLeft, m), "")
		}
		if len(members) == 0 && r.onEmpty != nil {
			r.onEmpty(r.id)
		}
	}
}

func (r *Room) membershipFrame(event string, m *Member) []byte {
	payload, err := json.Marshal(membershipEvent{
		Type:         event,
		RoomID:       r.id,
		UserID:       m.UserID,
		ConnectionID: m.ConnectionID,
		Timestamp:    time.Now().UTC(),
	})
	if err != nil {
		r.logger.Printf("Failed to marshal %s event: %v", event, err)
		return nil
	}
	return payload
}

func (r *Room) setMembersFrom(members map[string]*Member) {
	snapshot := make(map[string]*Member, len(members))
	for id, m := range members {
		snapshot[id] = m
	}
	r.setMembers(snapshot)
}

func (r *Room) setMembers(members map[string]*Member) {
	r.mu.Lock()
	if members == nil {
		members = make(map[string]*Member)
	}
	r.members = members
	r.mu.Unlock()
}
