package autosave

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/manpreetbhatti/codepair/internal/db"
)

type staticRooms map[string]int

func (r staticRooms) ActiveRooms() map[string]int { return r }

func setupTestDB(t *testing.T) (*db.Database, func()) {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "codepair-autosave-*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}

	database, err := db.New(filepath.Join(tmpDir, "test.db"))
	if err != nil {
		os.RemoveAll(tmpDir)
		t.Fatalf("Failed to create database: %v", err)
	}

	return database, func() {
		database.Close()
		os.RemoveAll(tmpDir)
	}
}

func newTestService(database *db.Database, rooms RoomSource, config Config) *Service {
	s := New(database, database, rooms, config, zerolog.Nop())
	s.now = func() time.Time { return time.Date(2026, time.March, 4, 15, 4, 0, 0, time.UTC) }
	return s
}

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()
	if config.Interval != 5*time.Minute {
		t.Errorf("Expected 5m interval, got %v", config.Interval)
	}
	if config.Keep != 20 {
		t.Errorf("Expected keep 20, got %d", config.Keep)
	}
}

func TestSaveNowSkipsEmptyAndUnchanged(t *testing.T) {
	database, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	if _, err := database.CreateRoom(ctx, "room-1"); err != nil {
		t.Fatalf("Failed to create room: %v", err)
	}
	s := newTestService(database, staticRooms{}, DefaultConfig())

	v, err := s.SaveNow(ctx, "room-1")
	if err != nil || v != nil {
		t.Fatalf("Empty code should not be saved (v=%v, err=%v)", v, err)
	}

	database.ReplaceCode(ctx, "room-1", "print(1)")
	v, err = s.SaveNow(ctx, "room-1")
	if err != nil {
		t.Fatalf("SaveNow failed: %v", err)
	}
	if v == nil {
		t.Fatal("Expected a version")
	}
	if !v.IsAuto || v.CreatedBy != createdBy {
		t.Errorf("Expected auto version by %s, got %+v", createdBy, v)
	}
	if !strings.HasPrefix(v.Name, "Auto-save Mar 4, 3:04 PM") {
		t.Errorf("Unexpected version name %q", v.Name)
	}

	v, err = s.SaveNow(ctx, "room-1")
	if err != nil || v != nil {
		t.Errorf("Unchanged code should not be saved again (v=%v, err=%v)", v, err)
	}

	if v, err := s.SaveNow(ctx, "missing"); err != nil || v != nil {
		t.Errorf("Missing room should be skipped (v=%v, err=%v)", v, err)
	}
}

func TestSaveActiveRoomsPrunes(t *testing.T) {
	database, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	for _, id := range []string{"live", "idle"} {
		if _, err := database.CreateRoom(ctx, id); err != nil {
			t.Fatalf("Failed to create room: %v", err)
		}
		database.ReplaceCode(ctx, id, "start")
	}

	s := newTestService(database, staticRooms{"live": 2}, Config{Interval: time.Minute, Keep: 2})

	for i := 0; i < 4; i++ {
		database.ReplaceCode(ctx, "live", strings.Repeat("x", i+1))
		s.saveActiveRooms()
	}

	count, err := database.CountVersions(ctx, "live")
	if err != nil {
		t.Fatalf("CountVersions failed: %v", err)
	}
	if count != 2 {
		t.Errorf("Expected auto-saves pruned to 2, got %d", count)
	}

	if count, _ := database.CountVersions(ctx, "idle"); count != 0 {
		t.Errorf("Rooms without participants should not be saved, got %d", count)
	}

	latest, _ := database.LatestVersion(ctx, "live")
	if latest == nil || latest.Content != "xxxx" {
		t.Errorf("Latest auto-save should hold the newest code, got %+v", latest)
	}
}

func TestStartStop(t *testing.T) {
	database, cleanup := setupTestDB(t)
	defer cleanup()

	s := newTestService(database, staticRooms{}, Config{Interval: 10 * time.Millisecond, Keep: 1})
	s.Start()
	time.Sleep(30 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		s.Stop()
		s.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
}
