package room

import (
	"log"
	"os"
	"sync"
)

// Hub owns the live rooms, keyed by room ID. Rooms are created on first
// join and torn down when their last member leaves.
type Hub struct {
	logger *log.Logger

	mu    sync.Mutex
	rooms map[string]*Room
}

// NewHub creates an empty hub.
func NewHub(logger *log.Logger) *Hub {
	if logger == nil {
		logger = log.New(os.Stderr, "[room] ", log.LstdFlags)
	}
	return &Hub{
		logger: logger,
		rooms:  make(map[string]*Room),
	}
}

// Get returns the room with the given ID, creating it if needed.
func (h *Hub) Get(roomID string) *Room {
	h.mu.Lock()
	defer h.mu.Unlock()

	if r, ok := h.rooms[roomID]; ok && !r.isClosed() {
		return r
	}

	r := newRoom(roomID, h.logger, h.reap)
	h.rooms[roomID] = r
	h.logger.Printf("Created room %s", roomID)
	return r
}

// Lookup returns an existing room or nil.
func (h *Hub) Lookup(roomID string) *Room {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.rooms[roomID]
}

// ConnectionCount returns the total members across all rooms.
func (h *Hub) ConnectionCount() int {
	h.mu.Lock()
	rooms := make([]*Room, 0, len(h.rooms))
	for _, r := range h.rooms {
		rooms = append(rooms, r)
	}
	h.mu.Unlock()

	total := 0
	for _, r := range rooms {
		total += r.Size()
	}
	return total
}

// RoomCount returns the number of live rooms.
func (h *Hub) RoomCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms)
}

// Close shuts down every room, evicting all members.
func (h *Hub) Close() {
	h.mu.Lock()
	rooms := h.rooms
	h.rooms = make(map[string]*Room)
	h.mu.Unlock()

	for _, r := range rooms {
		r.close()
	}
}

// reap removes a room once its coordinator reports it empty. The room
// may have gained a member between the report and the lock; it is kept
// in that case.
func (h *Hub) reap(roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	r, ok := h.rooms[roomID]
	if !ok || r.Size() > 0 {
		return
	}
	delete(h.rooms, roomID)
	r.close()
	h.logger.Printf("Removed empty room %s", roomID)
}
