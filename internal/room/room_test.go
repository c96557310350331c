package room

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"testing"
	"time"
)

func testLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func newMember(connectionID, userID string) *Member {
	return &Member{
		ConnectionID: connectionID,
		UserID:       userID,
		Out:          make(chan []byte, outboundBuffer),
	}
}

// recv reads the next frame from a member with a timeout.
func recv(t *testing.T, m *Member) []byte {
	t.Helper()
	select {
	case frame, ok := <-m.Out:
		if !ok {
			t.Fatalf("member %s: out channel closed", m.ConnectionID)
		}
		return frame
	case <-time.After(2 * time.Second):
		t.Fatalf("member %s: no frame within deadline", m.ConnectionID)
		return nil
	}
}

func frameType(t *testing.T, frame []byte) string {
	t.Helper()
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(frame, &env); err != nil {
		t.Fatalf("unmarshal frame: %v", err)
	}
	return env.Type
}

func TestJoinBroadcastsToOthersOnly(t *testing.T) {
	hub := NewHub(testLogger())
	defer hub.Close()
	r := hub.Get("script:s1")

	a := newMember("conn-a", "user-a")
	b := newMember("conn-b", "user-b")

	r.Join(a)
	r.Join(b)

	// a hears about b; b hears nothing about its own join.
	frame := recv(t, a)
	if typ := frameType(t, frame); typ != EventUserJoined {
		t.Errorf("frame type = %s, want user_joined", typ)
	}
	var ev membershipEvent
	if err := json.Unmarshal(frame, &ev); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if ev.ConnectionID != "conn-b" || ev.UserID != "user-b" {
		t.Errorf("event = %+v, want conn-b/user-b", ev)
	}

	select {
	case frame := <-b.Out:
		t.Errorf("joiner received its own join event: %s", frame)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBroadcastExcludesSender(t *testing.T) {
	hub := NewHub(testLogger())
	defer hub.Close()
	r := hub.Get("script:s1")

	a := newMember("conn-a", "")
	b := newMember("conn-b", "")
	r.Join(a)
	r.Join(b)
	recv(t, a) // drain b's join

	payload := []byte(`{"type":"position_sync","position":12.5}`)
	r.Broadcast(payload, "conn-a")

	if got := string(recv(t, b)); got != string(payload) {
		t.Errorf("b received %s, want %s", got, payload)
	}

	select {
	case frame := <-a.Out:
		t.Errorf("sender received its own broadcast: %s", frame)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBroadcastOrderPreserved(t *testing.T) {
	hub := NewHub(testLogger())
	defer hub.Close()
	r := hub.Get("script:s1")

	a := newMember("conn-a", "")
	b := newMember("conn-b", "")
	r.Join(a)
	r.Join(b)
	recv(t, a) // drain b's join

	const n = 20
	for i := 0; i < n; i++ {
		r.Broadcast([]byte(fmt.Sprintf(`{"type":"position_sync","seq":%d}`, i)), "")
	}

	// Both members observe the same total order.
	for _, m := range []*Member{a, b} {
		for i := 0; i < n; i++ {
			var msg struct {
				Seq int `json:"seq"`
			}
			if err := json.Unmarshal(recv(t, m), &msg); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if msg.Seq != i {
				t.Fatalf("member %s: frame %d has seq %d", m.ConnectionID, i, msg.Seq)
			}
		}
	}
}

func TestLeaveBroadcastsUserLeft(t *testing.T) {
	hub := NewHub(testLogger())
	defer hub.Close()
	r := hub.Get("script:s1")

	a := newMember("conn-a", "user-a")
	b := newMember("conn-b", "user-b")
	r.Join(a)
	r.Join(b)
	recv(t, a) // drain b's join

	r.Leave("conn-b")

	frame := recv(t, a)
	if typ := frameType(t, frame); typ != EventUserLeft {
		t.Errorf("frame type = %s, want user_left", typ)
	}

	// The departed member's channel is closed.
	select {
	case _, ok := <-b.Out:
		if ok {
			t.Error("expected closed channel for departed member")
		}
	case <-time.After(time.Second):
		t.Error("departed member's channel not closed")
	}
}

func TestSlowMemberEvicted(t *testing.T) {
	hub := NewHub(testLogger())
	defer hub.Close()
	r := hub.Get("script:s1")

	fast := newMember("conn-fast", "")
	slow := &Member{ConnectionID: "conn-slow", Out: make(chan []byte)} // unbuffered, never read
	r.Join(fast)
	r.Join(slow)
	if typ := frameType(t, recv(t, fast)); typ != EventUserJoined {
		t.Fatalf("expected user_joined for slow member")
	}

	// First broadcast overflows the slow member and evicts it; the fast
	// member then sees the payload followed by slow's user_left.
	payload := []byte(`{"type":"position_sync"}`)
	r.Broadcast(payload, "")

	if got := string(recv(t, fast)); got != string(payload) {
		t.Fatalf("fast received %s, want payload", got)
	}
	if typ := frameType(t, recv(t, fast)); typ != EventUserLeft {
		t.Errorf("frame type = %s, want user_left after eviction", typ)
	}

	if r.Size() != 1 {
		t.Errorf("room size = %d, want 1 after eviction", r.Size())
	}
}

func TestHubReapsEmptyRooms(t *testing.T) {
	hub := NewHub(testLogger())
	defer hub.Close()

	r := hub.Get("script:s1")
	m := newMember("conn-a", "")
	r.Join(m)

	if hub.RoomCount() != 1 {
		t.Fatalf("room count = %d, want 1", hub.RoomCount())
	}

	r.Leave("conn-a")

	deadline := time.After(2 * time.Second)
	for hub.RoomCount() != 0 {
		select {
		case <-deadline:
			t.Fatalf("room count = %d, want 0 after last leave", hub.RoomCount())
		case <-time.After(10 * time.Millisecond):
		}
	}

	// A fresh Get after reaping mints a working room.
	r2 := hub.Get("script:s1")
	m2 := newMember("conn-b", "")
	r2.Join(m2)
	if r2.Size() != 1 {
		t.Errorf("new room size = %d, want 1", r2.Size())
	}
}

func TestJoinReportsReapedRoom(t *testing.T) {
	// Get can hand out a room whose last member leaves before a new
	// join lands; the join must fail loudly so the caller retries on a
	// fresh room instead of running as a silent non-member.
	hub := NewHub(testLogger())
	defer hub.Close()

	stale := hub.Get("script:s1")
	a := newMember("conn-a", "")
	if !stale.Join(a) {
		t.Fatal("first join on a live room reported failure")
	}
	stale.Leave("conn-a")

	deadline := time.After(2 * time.Second)
	for !stale.isClosed() {
		select {
		case <-deadline:
			t.Fatal("room not reaped after last leave")
		case <-time.After(5 * time.Millisecond):
		}
	}

	b := newMember("conn-b", "")
	if stale.Join(b) {
		t.Fatal("join on a reaped room reported success")
	}

	for {
		r := hub.Get("script:s1")
		if r.Join(b) {
			break
		}
	}
	if got := hub.Lookup("script:s1").Size(); got != 1 {
		t.Errorf("room size after retry = %d, want 1", got)
	}
}

func TestHubConnectionCount(t *testing.T) {
	hub := NewHub(testLogger())
	defer hub.Close()

	r1 := hub.Get("script:s1")
	r2 := hub.Get("script:s2")
	r1.Join(newMember("conn-a", ""))
	r1.Join(newMember("conn-b", ""))
	r2.Join(newMember("conn-c", ""))

	if got := hub.ConnectionCount(); got != 3 {
		t.Errorf("connection count = %d, want 3", got)
	}
	if got := hub.RoomCount(); got != 2 {
		t.Errorf("room count = %d, want 2", got)
	}
}
