package db_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/manpreetbhatti/codepair/internal/db"
	"github.com/manpreetbhatti/codepair/internal/db/storetest"
)

func setupTestDB(t *testing.T) (*db.Database, func()) {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "codepair-test-*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}

	dbPath := filepath.Join(tmpDir, "test.db")
	database, err := db.New(dbPath)
	if err != nil {
		os.RemoveAll(tmpDir)
		t.Fatalf("Failed to create database: %v", err)
	}

	cleanup := func() {
		database.Close()
		os.RemoveAll(tmpDir)
	}

	return database, cleanup
}

func TestSQLiteRoomStore(t *testing.T) {
	storetest.RunRoomStore(t, func(t *testing.T) (db.RoomStore, func()) {
		return setupTestDB(t)
	})
}

func TestDatabaseReopen(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "codepair-test-*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	dbPath := filepath.Join(tmpDir, "nested", "rooms.db")
	ctx := context.Background()

	first, err := db.New(dbPath)
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	if _, err := first.CreateRoom(ctx, "persisted"); err != nil {
		t.Fatalf("Failed to create room: %v", err)
	}
	if err := first.ReplaceCode(ctx, "persisted", "kept"); err != nil {
		t.Fatalf("Failed to replace code: %v", err)
	}
	first.Close()

	second, err := db.New(dbPath)
	if err != nil {
		t.Fatalf("Failed to reopen database: %v", err)
	}
	defer second.Close()

	code, err := second.GetCode(ctx, "persisted")
	if err != nil {
		t.Fatalf("Failed to get code: %v", err)
	}
	if code != "kept" {
		t.Errorf("Expected code 'kept', got %q", code)
	}
}

func TestVersionOperations(t *testing.T) {
	database, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	if _, err := database.CreateRoom(ctx, "room-1"); err != nil {
		t.Fatalf("Failed to create room: %v", err)
	}

	v, err := database.CreateVersion(ctx, db.Version{
		RoomID:    "room-1",
		Name:      "First draft",
		Content:   "print('hi')",
		CreatedBy: "a1b2c3d4",
	})
	if err != nil {
		t.Fatalf("Failed to create version: %v", err)
	}
	if v.ID == 0 {
		t.Error("Version should have an id")
	}
	if v.ContentHash != db.HashContent("print('hi')") {
		t.Errorf("Content hash should be filled in, got %q", v.ContentHash)
	}
	if v.IsAuto {
		t.Error("Manual version should not be marked auto")
	}

	got, err := database.GetVersion(ctx, v.ID)
	if err != nil {
		t.Fatalf("Failed to get version: %v", err)
	}
	if got == nil || got.Name != "First draft" || got.Content != "print('hi')" {
		t.Errorf("Unexpected version: %+v", got)
	}

	missing, err := database.GetVersion(ctx, 9999)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if missing != nil {
		t.Error("Unknown version should return nil")
	}

	second, err := database.CreateVersion(ctx, db.Version{RoomID: "room-1", Name: "Second", Content: "x"})
	if err != nil {
		t.Fatalf("Failed to create version: %v", err)
	}

	latest, err := database.LatestVersion(ctx, "room-1")
	if err != nil {
		t.Fatalf("Failed to get latest version: %v", err)
	}
	if latest == nil || latest.ID != second.ID {
		t.Errorf("Expected latest version %d, got %+v", second.ID, latest)
	}

	versions, err := database.ListVersions(ctx, "room-1", 10, 0)
	if err != nil {
		t.Fatalf("Failed to list versions: %v", err)
	}
	if len(versions) != 2 || versions[0].ID != second.ID {
		t.Errorf("Expected newest first, got %+v", versions)
	}

	count, err := database.CountVersions(ctx, "room-1")
	if err != nil {
		t.Fatalf("Failed to count versions: %v", err)
	}
	if count != 2 {
		t.Errorf("Expected 2 versions, got %d", count)
	}

	if err := database.DeleteVersion(ctx, v.ID); err != nil {
		t.Fatalf("Failed to delete version: %v", err)
	}
	if count, _ := database.CountVersions(ctx, "room-1"); count != 1 {
		t.Errorf("Expected 1 version after delete, got %d", count)
	}

	none, err := database.LatestVersion(ctx, "other-room")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if none != nil {
		t.Error("Room without versions should have no latest version")
	}
}

func TestPruneAutoVersions(t *testing.T) {
	database, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	if _, err := database.CreateRoom(ctx, "room-1"); err != nil {
		t.Fatalf("Failed to create room: %v", err)
	}

	manual, err := database.CreateVersion(ctx, db.Version{RoomID: "room-1", Name: "Keep me", Content: "m"})
	if err != nil {
		t.Fatalf("Failed to create version: %v", err)
	}

	var autoIDs []int
	for i := 0; i < 5; i++ {
		v, err := database.CreateVersion(ctx, db.Version{
			RoomID:  "room-1",
			Name:    fmt.Sprintf("Auto-save %d", i),
			Content: fmt.Sprintf("v%d", i),
			IsAuto:  true,
		})
		if err != nil {
			t.Fatalf("Failed to create auto version: %v", err)
		}
		autoIDs = append(autoIDs, v.ID)
	}

	if err := database.PruneAutoVersions(ctx, "room-1", 2); err != nil {
		t.Fatalf("Failed to prune: %v", err)
	}

	versions, err := database.ListVersions(ctx, "room-1", 100, 0)
	if err != nil {
		t.Fatalf("Failed to list versions: %v", err)
	}
	if len(versions) != 3 {
		t.Fatalf("Expected 2 auto versions plus the manual one, got %d", len(versions))
	}

	kept := make(map[int]bool)
	for _, v := range versions {
		kept[v.ID] = true
	}
	if !kept[manual.ID] {
		t.Error("Manual versions must never be pruned")
	}
	if !kept[autoIDs[3]] || !kept[autoIDs[4]] {
		t.Error("The newest auto versions should be kept")
	}
}

func TestDeleteRoomCascadesVersions(t *testing.T) {
	database, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	if _, err := database.CreateRoom(ctx, "room-1"); err != nil {
		t.Fatalf("Failed to create room: %v", err)
	}
	if _, err := database.CreateVersion(ctx, db.Version{RoomID: "room-1", Name: "v", Content: "c"}); err != nil {
		t.Fatalf("Failed to create version: %v", err)
	}

	if err := database.DeleteRoom(ctx, "room-1"); err != nil {
		t.Fatalf("Failed to delete room: %v", err)
	}

	count, err := database.CountVersions(ctx, "room-1")
	if err != nil {
		t.Fatalf("Failed to count versions: %v", err)
	}
	if count != 0 {
		t.Errorf("Versions should be removed with their room, got %d", count)
	}

	stats, err := database.Stats(ctx)
	if err != nil {
		t.Fatalf("Failed to get stats: %v", err)
	}
	if stats.RoomCount != 0 || stats.VersionCount != 0 {
		t.Errorf("Expected empty stats, got %+v", stats)
	}
}

func TestHashContent(t *testing.T) {
	a := db.HashContent("hello")
	if len(a) != 16 {
		t.Errorf("Expected 16 hex characters, got %q", a)
	}
	if a != db.HashContent("hello") {
		t.Error("Hash should be deterministic")
	}
	if a == db.HashContent("hello!") {
		t.Error("Different content should hash differently")
	}
}
