package ws

import (
	"errors"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/manpreetbhatti/codepair/internal/room"
)

func sequentialIDs() func() (string, error) {
	var mu sync.Mutex
	n := 0
	return func() (string, error) {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("u%d", n), nil
	}
}

// drain collects whatever is queued for p without blocking.
func drain(p *room.Participant) []string {
	var out []string
	for {
		select {
		case msg := <-p.Outbound():
			out = append(out, string(msg))
		default:
			return out
		}
	}
}

func mustJoin(t *testing.T, hub *Hub, roomID string) *room.Participant {
	t.Helper()
	p, _, err := hub.Join(roomID)
	if err != nil {
		t.Fatalf("Join(%s) failed: %v", roomID, err)
	}
	return p
}

func TestHubCreation(t *testing.T) {
	hub := NewHub()
	if hub == nil {
		t.Fatal("Hub should not be nil")
	}
	if hub.rooms == nil {
		t.Error("Hub rooms map should be initialized")
	}
	if hub.queueSize != defaultQueueSize {
		t.Errorf("Expected default queue size %d, got %d", defaultQueueSize, hub.queueSize)
	}
	if hub.RoomCount() != 0 || hub.ClientCount() != 0 {
		t.Error("New hub should be empty")
	}
}

func TestHubRandomIDs(t *testing.T) {
	hub := NewHub()
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		p := mustJoin(t, hub, "room")
		if len(p.ID) != 8 {
			t.Errorf("Expected 8 character id, got %q", p.ID)
		}
		if _, err := strconv.ParseUint(p.ID, 16, 32); err != nil {
			t.Errorf("Expected hex id, got %q", p.ID)
		}
		if seen[p.ID] {
			t.Errorf("Duplicate id %s", p.ID)
		}
		seen[p.ID] = true
	}
}

func TestHubJoinOrderAndColors(t *testing.T) {
	hub := NewHub(WithIDGenerator(sequentialIDs()))

	p1 := mustJoin(t, hub, "R")
	p2 := mustJoin(t, hub, "R")
	p3, roster, err := hub.Join("R")
	if err != nil {
		t.Fatalf("Join failed: %v", err)
	}

	want := []room.Member{
		{ID: p1.ID, Color: room.Palette[0]},
		{ID: p2.ID, Color: room.Palette[1]},
		{ID: p3.ID, Color: room.Palette[2]},
	}

	got := hub.Roster("R")
	if len(got) != len(want) {
		t.Fatalf("Expected roster of %d, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Roster[%d]: expected %+v, got %+v", i, want[i], got[i])
		}
		if roster[i] != want[i] {
			t.Errorf("Join roster[%d]: expected %+v, got %+v", i, want[i], roster[i])
		}
	}

	if hub.ActiveCount("R") != 3 {
		t.Errorf("Expected active count 3, got %d", hub.ActiveCount("R"))
	}
	if len(roster) != hub.ActiveCount("R") {
		t.Error("Join roster length should equal active count")
	}
}

func TestHubColorCounterKeepsCounting(t *testing.T) {
	hub := NewHub(WithIDGenerator(sequentialIDs()))

	p1 := mustJoin(t, hub, "R")
	mustJoin(t, hub, "R")
	hub.Leave("R", p1.ID)

	p3 := mustJoin(t, hub, "R")
	if p3.Color != room.Palette[2] {
		t.Errorf("Counter should not be reused after a leave, expected %s got %s", room.Palette[2], p3.Color)
	}
}

func TestHubJoinEmptyRoomID(t *testing.T) {
	hub := NewHub()
	if _, _, err := hub.Join(""); !errors.Is(err, ErrEmptyRoomID) {
		t.Errorf("Expected ErrEmptyRoomID, got %v", err)
	}
	if hub.RoomCount() != 0 {
		t.Error("Failed join must not create a room entry")
	}
}

func TestHubRegeneratesCollidingIDs(t *testing.T) {
	ids := []string{"aaaaaaaa", "aaaaaaaa", "bbbbbbbb"}
	var mu sync.Mutex
	gen := func() (string, error) {
		mu.Lock()
		defer mu.Unlock()
		id := ids[0]
		if len(ids) > 1 {
			ids = ids[1:]
		}
		return id, nil
	}
	hub := NewHub(WithIDGenerator(gen))

	p1 := mustJoin(t, hub, "R")
	p2 := mustJoin(t, hub, "R")
	if p1.ID == p2.ID {
		t.Fatalf("Colliding ids were not regenerated: %s", p1.ID)
	}
	if p2.ID != "bbbbbbbb" {
		t.Errorf("Expected regenerated id bbbbbbbb, got %s", p2.ID)
	}
}

func TestHubIdentityExhausted(t *testing.T) {
	hub := NewHub(WithIDGenerator(func() (string, error) { return "samesame", nil }))

	mustJoin(t, hub, "R")
	if _, _, err := hub.Join("R"); !errors.Is(err, ErrIdentityExhausted) {
		t.Errorf("Expected ErrIdentityExhausted, got %v", err)
	}
	if hub.ActiveCount("R") != 1 {
		t.Errorf("Expected active count 1, got %d", hub.ActiveCount("R"))
	}
}

func TestHubLeaveIsIdempotent(t *testing.T) {
	hub := NewHub()
	p1 := mustJoin(t, hub, "R")
	mustJoin(t, hub, "R")

	if !hub.Leave("R", p1.ID) {
		t.Error("First leave should report removal")
	}
	if hub.Leave("R", p1.ID) {
		t.Error("Second leave should be a no-op")
	}
	if hub.Leave("missing", "nobody") {
		t.Error("Leave on an unknown room should be a no-op")
	}
	if hub.ActiveCount("R") != 1 {
		t.Errorf("Expected active count 1, got %d", hub.ActiveCount("R"))
	}
	if !p1.Closed() {
		t.Error("Departed participant should be closed")
	}
}

func TestHubLastLeaveRemovesRoom(t *testing.T) {
	hub := NewHub()
	p := mustJoin(t, hub, "R")

	if hub.RoomCount() != 1 {
		t.Fatalf("Expected 1 room, got %d", hub.RoomCount())
	}

	hub.Leave("R", p.ID)

	if hub.RoomCount() != 0 {
		t.Errorf("Empty room should be removed, got %d rooms", hub.RoomCount())
	}
	if hub.ActiveCount("R") != 0 {
		t.Errorf("Expected active count 0, got %d", hub.ActiveCount("R"))
	}
	if roster := hub.Roster("R"); roster == nil || len(roster) != 0 {
		t.Errorf("Expected empty non-nil roster, got %v", roster)
	}

	built := false
	n := hub.BroadcastRoster("R", "", func(roster []room.Member) ([]byte, error) {
		built = true
		return []byte("x"), nil
	})
	if n != 0 || built {
		t.Error("Broadcast to a removed room should reach nobody")
	}

	if _, ok := hub.ActiveRooms()["R"]; ok {
		t.Error("Removed room should not be listed as active")
	}
}

func TestHubBroadcastExcludesSender(t *testing.T) {
	hub := NewHub()
	p1 := mustJoin(t, hub, "R")
	p2 := mustJoin(t, hub, "R")
	p3 := mustJoin(t, hub, "R")

	if n := hub.Broadcast("R", []byte("edit"), p2.ID); n != 2 {
		t.Errorf("Expected 2 deliveries, got %d", n)
	}

	if got := drain(p1); len(got) != 1 || got[0] != "edit" {
		t.Errorf("p1 expected [edit], got %v", got)
	}
	if got := drain(p3); len(got) != 1 || got[0] != "edit" {
		t.Errorf("p3 expected [edit], got %v", got)
	}
	if got := drain(p2); len(got) != 0 {
		t.Errorf("Sender should receive nothing, got %v", got)
	}

	if n := hub.Broadcast("R", []byte("all"), ""); n != 3 {
		t.Errorf("Empty exclude should reach everyone, got %d", n)
	}
}

func TestHubBroadcastIsolatesRooms(t *testing.T) {
	hub := NewHub()
	a := mustJoin(t, hub, "room-a")
	b := mustJoin(t, hub, "room-b")

	hub.Broadcast("room-a", []byte("hello a"), "")

	if got := drain(a); len(got) != 1 {
		t.Errorf("room-a participant expected 1 message, got %v", got)
	}
	if got := drain(b); len(got) != 0 {
		t.Errorf("room-b participant should receive nothing, got %v", got)
	}
}

func TestHubEvictsOnFailedDelivery(t *testing.T) {
	hub := NewHub(WithQueueSize(1))
	sender := mustJoin(t, hub, "R")
	stalled := mustJoin(t, hub, "R")
	healthy := mustJoin(t, hub, "R")

	hub.Broadcast("R", []byte("one"), sender.ID)
	drain(healthy)

	n := hub.Broadcast("R", []byte("two"), sender.ID)
	if n != 1 {
		t.Errorf("Expected delivery only to the healthy participant, got %d", n)
	}

	if hub.Participant("R", stalled.ID) != nil {
		t.Error("Stalled participant should have been evicted")
	}
	if !stalled.Closed() {
		t.Error("Evicted participant should be closed")
	}
	if hub.ActiveCount("R") != 2 {
		t.Errorf("Expected 2 remaining, got %d", hub.ActiveCount("R"))
	}
	if got := drain(healthy); len(got) != 1 || got[0] != "two" {
		t.Errorf("Healthy participant should still get the broadcast, got %v", got)
	}
}

func TestHubEvictingLastRecipientKeepsSender(t *testing.T) {
	hub := NewHub(WithQueueSize(1))
	sender := mustJoin(t, hub, "R")
	stalled := mustJoin(t, hub, "R")

	hub.Broadcast("R", []byte("one"), sender.ID)
	hub.Broadcast("R", []byte("two"), sender.ID)

	if hub.Participant("R", stalled.ID) != nil {
		t.Error("Stalled participant should have been evicted")
	}
	if hub.ActiveCount("R") != 1 {
		t.Errorf("Sender should remain, got active count %d", hub.ActiveCount("R"))
	}
}

func TestHubBroadcastRosterUsesSameSnapshot(t *testing.T) {
	hub := NewHub(WithIDGenerator(sequentialIDs()))
	p1 := mustJoin(t, hub, "R")
	p2 := mustJoin(t, hub, "R")

	var seen []room.Member
	n := hub.BroadcastRoster("R", p2.ID, func(roster []room.Member) ([]byte, error) {
		seen = roster
		return []byte(fmt.Sprintf("joined:%d", len(roster))), nil
	})
	if n != 1 {
		t.Errorf("Expected 1 delivery, got %d", n)
	}
	if len(seen) != 2 || seen[0].ID != p1.ID || seen[1].ID != p2.ID {
		t.Errorf("Builder should see the full roster, got %+v", seen)
	}
	if got := drain(p1); len(got) != 1 || got[0] != "joined:2" {
		t.Errorf("p1 expected [joined:2], got %v", got)
	}

	built := false
	hub.Leave("R", p1.ID)
	hub.BroadcastRoster("R", p2.ID, func([]room.Member) ([]byte, error) {
		built = true
		return nil, nil
	})
	if built {
		t.Error("Builder should not run without recipients")
	}
}

func TestHubPerSenderOrdering(t *testing.T) {
	hub := NewHub(WithQueueSize(512))
	sender := mustJoin(t, hub, "R")
	receiver := mustJoin(t, hub, "R")

	for i := 0; i < 200; i++ {
		hub.Broadcast("R", []byte(strconv.Itoa(i)), sender.ID)
	}

	got := drain(receiver)
	if len(got) != 200 {
		t.Fatalf("Expected 200 messages, got %d", len(got))
	}
	for i, msg := range got {
		if msg != strconv.Itoa(i) {
			t.Fatalf("Message %d out of order: %s", i, msg)
		}
	}
}

func TestHubPresence(t *testing.T) {
	hub := NewHub()
	p := mustJoin(t, hub, "R")
	p.SetCursor([]byte(`12`), []byte(`3`))

	presence := hub.Presence("R")
	if len(presence) != 1 {
		t.Fatalf("Expected 1 presence entry, got %d", len(presence))
	}
	if presence[0].ID != p.ID || presence[0].Cursor == nil || string(presence[0].Cursor.Line) != "3" {
		t.Errorf("Unexpected presence: %+v", presence[0])
	}

	if got := hub.Presence("missing"); got == nil || len(got) != 0 {
		t.Errorf("Unknown room should give empty presence, got %v", got)
	}
}

func TestHubCounts(t *testing.T) {
	hub := NewHub()
	mustJoin(t, hub, "room-1")
	mustJoin(t, hub, "room-1")
	mustJoin(t, hub, "room-2")

	if hub.RoomCount() != 2 {
		t.Errorf("Expected 2 rooms, got %d", hub.RoomCount())
	}
	if hub.ClientCount() != 3 {
		t.Errorf("Expected 3 clients, got %d", hub.ClientCount())
	}

	active := hub.ActiveRooms()
	if active["room-1"] != 2 || active["room-2"] != 1 || len(active) != 2 {
		t.Errorf("Unexpected active rooms: %v", active)
	}
}

func TestHubCloseAll(t *testing.T) {
	hub := NewHub()
	a := mustJoin(t, hub, "r1")
	b := mustJoin(t, hub, "r2")

	if n := hub.CloseAll(); n != 2 {
		t.Errorf("Expected 2 participants signalled, got %d", n)
	}
	for _, p := range []*room.Participant{a, b} {
		select {
		case <-p.Done():
		default:
			t.Errorf("Participant %s should be closed", p.ID)
		}
	}
	if hub.ClientCount() != 2 {
		t.Error("CloseAll should leave removal to the sessions")
	}
}

func TestHubConcurrentJoinLeave(t *testing.T) {
	hub := NewHub()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			roomID := fmt.Sprintf("room-%d", i%3)
			for j := 0; j < 20; j++ {
				p, _, err := hub.Join(roomID)
				if err != nil {
					t.Errorf("Join failed: %v", err)
					return
				}
				hub.Broadcast(roomID, []byte("x"), p.ID)
				drain(p)
				hub.Leave(roomID, p.ID)
			}
		}(i)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("Concurrent join/leave did not finish")
	}

	if hub.RoomCount() != 0 {
		t.Errorf("All rooms should be gone, got %d", hub.RoomCount())
	}
	if hub.ClientCount() != 0 {
		t.Errorf("All clients should be gone, got %d", hub.ClientCount())
	}
	for _, id := range []string{"room-0", "room-1", "room-2"} {
		if hub.ActiveCount(id) != 0 {
			t.Errorf("%s: expected active count 0, got %d", id, hub.ActiveCount(id))
		}
	}
}
