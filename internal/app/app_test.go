package app

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/manpreetbhatti/codepair/internal/config"
	"github.com/manpreetbhatti/codepair/internal/db"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Store.SQLitePath = filepath.Join(t.TempDir(), "codepair.db")
	cfg.Autosave.Interval = time.Hour
	return cfg
}

func TestNewServesHealth(t *testing.T) {
	a, err := New(context.Background(), testConfig(t), zerolog.Nop())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer a.Close()

	if a.autosave == nil {
		t.Error("Expected autosave on a SQLite store")
	}

	w := httptest.NewRecorder()
	a.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}
}

func TestNewResetsActiveUsers(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	store, err := db.New(cfg.Store.SQLitePath)
	if err != nil {
		t.Fatalf("db.New failed: %v", err)
	}
	if _, err := store.CreateRoom(ctx, "stale"); err != nil {
		t.Fatalf("CreateRoom failed: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := store.IncrementActiveUsers(ctx, "stale"); err != nil {
			t.Fatalf("IncrementActiveUsers failed: %v", err)
		}
	}
	store.Close()

	a, err := New(ctx, cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer a.Close()

	got, err := a.store.GetRoom(ctx, "stale")
	if err != nil {
		t.Fatalf("GetRoom failed: %v", err)
	}
	if got.ActiveUsers != 0 {
		t.Errorf("Expected counters reset at startup, got %d", got.ActiveUsers)
	}
}

func TestNewWithRedisDisablesAutosave(t *testing.T) {
	mr := miniredis.RunT(t)

	cfg := testConfig(t)
	cfg.Store.Driver = config.DriverRedis
	cfg.Store.RedisAddr = mr.Addr()

	a, err := New(context.Background(), cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer a.Close()

	if a.autosave != nil {
		t.Error("Redis keeps no versions, autosave should be off")
	}
}

func TestOpenStoreUnknownDriver(t *testing.T) {
	if _, err := OpenStore(context.Background(), config.StoreConfig{Driver: "mongo"}); err == nil {
		t.Error("Expected an error for an unknown driver")
	}
}

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to reserve a port: %v", err)
	}
	defer l.Close()
	return l.Addr().String()
}

// startApp runs a on a background goroutine and waits for /health.
func startApp(t *testing.T, a *App, addr string) (context.CancelFunc, <-chan error) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, err := http.Get("http://" + addr + "/health")
		if err == nil {
			resp.Body.Close()
			break
		}
		if time.Now().After(deadline) {
			cancel()
			t.Fatalf("Server never came up: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}
	return cancel, done
}

func waitRun(t *testing.T, done <-chan error) {
	t.Helper()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	cfg := testConfig(t)
	cfg.Addr = freeAddr(t)

	a, err := New(context.Background(), cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	cancel, done := startApp(t, a, cfg.Addr)
	cancel()
	waitRun(t, done)
}

func TestRunDrainsSessionsBeforeClosingStore(t *testing.T) {
	cfg := testConfig(t)
	cfg.Addr = freeAddr(t)

	a, err := New(context.Background(), cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	cancel, done := startApp(t, a, cfg.Addr)
	defer cancel()

	resp, err := http.Post("http://"+cfg.Addr+"/api/rooms", "application/json", nil)
	if err != nil {
		t.Fatalf("Create room failed: %v", err)
	}
	var created struct {
		RoomID string `json:"room_id"`
	}
	err = json.NewDecoder(resp.Body).Decode(&created)
	resp.Body.Close()
	if err != nil || created.RoomID == "" {
		t.Fatalf("Unexpected create response: %v %+v", err, created)
	}

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+cfg.Addr+"/ws/"+created.RoomID, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := conn.ReadMessage(); err != nil {
		t.Fatalf("Expected sync message: %v", err)
	}

	got, err := a.store.GetRoom(context.Background(), created.RoomID)
	if err != nil {
		t.Fatalf("GetRoom failed: %v", err)
	}
	if got.ActiveUsers != 1 {
		t.Fatalf("Expected 1 active user before shutdown, got %d", got.ActiveUsers)
	}

	cancel()
	waitRun(t, done)

	if n := a.sessions.Active(); n != 0 {
		t.Errorf("Expected no sessions after Run, got %d", n)
	}

	store, err := db.New(cfg.Store.SQLitePath)
	if err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}
	defer store.Close()
	got, err = store.GetRoom(context.Background(), created.RoomID)
	if err != nil {
		t.Fatalf("GetRoom failed: %v", err)
	}
	if got.ActiveUsers != 0 {
		t.Errorf("Departing session should decrement before the store closes, got %d", got.ActiveUsers)
	}
}
