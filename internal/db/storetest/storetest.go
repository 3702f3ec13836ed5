// Package storetest holds the behaviour every db.RoomStore must share.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/manpreetbhatti/codepair/internal/db"
)

// Factory returns an empty store and its cleanup.
type Factory func(t *testing.T) (db.RoomStore, func())

func RunRoomStore(t *testing.T, newStore Factory) {
	t.Run("RoomLifecycle", func(t *testing.T) { testRoomLifecycle(t, newStore) })
	t.Run("MissingRoom", func(t *testing.T) { testMissingRoom(t, newStore) })
	t.Run("ActiveUsersFloor", func(t *testing.T) { testActiveUsersFloor(t, newStore) })
	t.Run("ConcurrentCounters", func(t *testing.T) { testConcurrentCounters(t, newStore) })
	t.Run("ListRooms", func(t *testing.T) { testListRooms(t, newStore) })
	t.Run("ResetAndStats", func(t *testing.T) { testResetAndStats(t, newStore) })
}

func testRoomLifecycle(t *testing.T, newStore Factory) {
	store, cleanup := newStore(t)
	defer cleanup()
	ctx := context.Background()

	room, err := store.CreateRoom(ctx, "room-1")
	if err != nil {
		t.Fatalf("Failed to create room: %v", err)
	}
	if room.ID != "room-1" || room.Code != "" || room.ActiveUsers != 0 {
		t.Errorf("Unexpected new room: %+v", room)
	}
	if room.CreatedAt.IsZero() {
		t.Error("CreatedAt should be set")
	}

	exists, err := store.RoomExists(ctx, "room-1")
	if err != nil || !exists {
		t.Fatalf("Room should exist (err %v)", err)
	}

	if err := store.ReplaceCode(ctx, "room-1", "x = 1\n"); err != nil {
		t.Fatalf("Failed to replace code: %v", err)
	}
	code, err := store.GetCode(ctx, "room-1")
	if err != nil {
		t.Fatalf("Failed to get code: %v", err)
	}
	if code != "x = 1\n" {
		t.Errorf("Expected code 'x = 1\\n', got %q", code)
	}

	if err := store.ReplaceCode(ctx, "room-1", ""); err != nil {
		t.Fatalf("Failed to clear code: %v", err)
	}
	if code, _ := store.GetCode(ctx, "room-1"); code != "" {
		t.Errorf("Expected empty code, got %q", code)
	}

	if err := store.DeleteRoom(ctx, "room-1"); err != nil {
		t.Fatalf("Failed to delete room: %v", err)
	}
	if exists, _ := store.RoomExists(ctx, "room-1"); exists {
		t.Error("Deleted room should not exist")
	}
	if err := store.DeleteRoom(ctx, "room-1"); err != nil {
		t.Errorf("Deleting twice should not fail: %v", err)
	}
}

func testMissingRoom(t *testing.T, newStore Factory) {
	store, cleanup := newStore(t)
	defer cleanup()
	ctx := context.Background()

	exists, err := store.RoomExists(ctx, "nope")
	if err != nil {
		t.Fatalf("RoomExists failed: %v", err)
	}
	if exists {
		t.Error("Unknown room should not exist")
	}

	if _, err := store.GetRoom(ctx, "nope"); !errors.Is(err, db.ErrRoomNotFound) {
		t.Errorf("GetRoom: expected ErrRoomNotFound, got %v", err)
	}
	if _, err := store.GetCode(ctx, "nope"); !errors.Is(err, db.ErrRoomNotFound) {
		t.Errorf("GetCode: expected ErrRoomNotFound, got %v", err)
	}
	if err := store.ReplaceCode(ctx, "nope", "x"); !errors.Is(err, db.ErrRoomNotFound) {
		t.Errorf("ReplaceCode: expected ErrRoomNotFound, got %v", err)
	}
	if err := store.IncrementActiveUsers(ctx, "nope"); !errors.Is(err, db.ErrRoomNotFound) {
		t.Errorf("IncrementActiveUsers: expected ErrRoomNotFound, got %v", err)
	}
	if err := store.DecrementActiveUsers(ctx, "nope"); !errors.Is(err, db.ErrRoomNotFound) {
		t.Errorf("DecrementActiveUsers: expected ErrRoomNotFound, got %v", err)
	}
	if exists, _ := store.RoomExists(ctx, "nope"); exists {
		t.Error("Mutations must not create the room")
	}
}

func testActiveUsersFloor(t *testing.T, newStore Factory) {
	store, cleanup := newStore(t)
	defer cleanup()
	ctx := context.Background()

	if _, err := store.CreateRoom(ctx, "room-1"); err != nil {
		t.Fatalf("Failed to create room: %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := store.IncrementActiveUsers(ctx, "room-1"); err != nil {
			t.Fatalf("Increment failed: %v", err)
		}
	}
	for i := 0; i < 5; i++ {
		if err := store.DecrementActiveUsers(ctx, "room-1"); err != nil {
			t.Fatalf("Decrement failed: %v", err)
		}
	}

	room, err := store.GetRoom(ctx, "room-1")
	if err != nil {
		t.Fatalf("GetRoom failed: %v", err)
	}
	if room.ActiveUsers != 0 {
		t.Errorf("Active users must not go below 0, got %d", room.ActiveUsers)
	}
}

func testConcurrentCounters(t *testing.T, newStore Factory) {
	store, cleanup := newStore(t)
	defer cleanup()
	ctx := context.Background()

	if _, err := store.CreateRoom(ctx, "room-1"); err != nil {
		t.Fatalf("Failed to create room: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := store.IncrementActiveUsers(ctx, "room-1"); err != nil {
				t.Errorf("Increment failed: %v", err)
			}
		}()
	}
	wg.Wait()

	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := store.DecrementActiveUsers(ctx, "room-1"); err != nil {
				t.Errorf("Decrement failed: %v", err)
			}
		}()
	}
	wg.Wait()

	room, err := store.GetRoom(ctx, "room-1")
	if err != nil {
		t.Fatalf("GetRoom failed: %v", err)
	}
	if room.ActiveUsers != 15 {
		t.Errorf("Expected 15 active users, got %d", room.ActiveUsers)
	}
}

func testListRooms(t *testing.T, newStore Factory) {
	store, cleanup := newStore(t)
	defer cleanup()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := store.CreateRoom(ctx, fmt.Sprintf("room-%c", 'a'+i)); err != nil {
			t.Fatalf("Failed to create room: %v", err)
		}
	}

	rooms, err := store.ListRooms(ctx, 10, 0)
	if err != nil {
		t.Fatalf("Failed to list rooms: %v", err)
	}
	if len(rooms) != 5 {
		t.Errorf("Expected 5 rooms, got %d", len(rooms))
	}

	rooms, err = store.ListRooms(ctx, 2, 0)
	if err != nil {
		t.Fatalf("Failed to list rooms: %v", err)
	}
	if len(rooms) != 2 {
		t.Errorf("Expected 2 rooms with limit, got %d", len(rooms))
	}

	rooms, err = store.ListRooms(ctx, 2, 4)
	if err != nil {
		t.Fatalf("Failed to list rooms: %v", err)
	}
	if len(rooms) != 1 {
		t.Errorf("Expected 1 room past offset 4, got %d", len(rooms))
	}

	seen := make(map[string]bool)
	for _, off := range []int{0, 2, 4} {
		page, err := store.ListRooms(ctx, 2, off)
		if err != nil {
			t.Fatalf("Failed to list rooms: %v", err)
		}
		for _, r := range page {
			if seen[r.ID] {
				t.Errorf("Room %s listed twice across pages", r.ID)
			}
			seen[r.ID] = true
		}
	}
	if len(seen) != 5 {
		t.Errorf("Expected pages to cover 5 rooms, got %d", len(seen))
	}
}

func testResetAndStats(t *testing.T, newStore Factory) {
	store, cleanup := newStore(t)
	defer cleanup()
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		if _, err := store.CreateRoom(ctx, id); err != nil {
			t.Fatalf("Failed to create room: %v", err)
		}
		if err := store.IncrementActiveUsers(ctx, id); err != nil {
			t.Fatalf("Increment failed: %v", err)
		}
	}

	if err := store.ResetActiveUsers(ctx); err != nil {
		t.Fatalf("ResetActiveUsers failed: %v", err)
	}
	for _, id := range []string{"a", "b", "c"} {
		room, err := store.GetRoom(ctx, id)
		if err != nil {
			t.Fatalf("GetRoom failed: %v", err)
		}
		if room.ActiveUsers != 0 {
			t.Errorf("Room %s: expected 0 active users after reset, got %d", id, room.ActiveUsers)
		}
	}

	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.RoomCount != 3 {
		t.Errorf("Expected 3 rooms, got %d", stats.RoomCount)
	}
}
