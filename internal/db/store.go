package db

import (
	"context"
	"encoding/hex"
	"errors"
	"time"

	"github.com/zeebo/blake3"
)

var ErrRoomNotFound = errors.New("room not found")

type Room struct {
	ID          string    `json:"room_id"`
	Code        string    `json:"code"`
	ActiveUsers int       `json:"active_users"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type Version struct {
	ID          int       `json:"id"`
	RoomID      string    `json:"room_id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Content     string    `json:"content"`
	ContentHash string    `json:"content_hash"`
	CreatedBy   string    `json:"created_by"`
	CreatedAt   time.Time `json:"created_at"`
	IsAuto      bool      `json:"is_auto"`
}

type Stats struct {
	RoomCount    int `json:"room_count"`
	VersionCount int `json:"version_count"`
}

// RoomStore is the durable side of a room: its code buffer and the
// persisted active-user counter. Implementations must be safe for
// concurrent use. Operations on a missing room return ErrRoomNotFound.
type RoomStore interface {
	RoomExists(ctx context.Context, id string) (bool, error)
	GetCode(ctx context.Context, id string) (string, error)
	ReplaceCode(ctx context.Context, id, code string) error
	IncrementActiveUsers(ctx context.Context, id string) error
	// DecrementActiveUsers never takes the counter below zero.
	DecrementActiveUsers(ctx context.Context, id string) error

	CreateRoom(ctx context.Context, id string) (*Room, error)
	GetRoom(ctx context.Context, id string) (*Room, error)
	ListRooms(ctx context.Context, limit, offset int) ([]Room, error)
	// DeleteRoom is idempotent.
	DeleteRoom(ctx context.Context, id string) error
	// ResetActiveUsers zeroes every counter. Called at startup, when no
	// connection can be live.
	ResetActiveUsers(ctx context.Context) error
	Stats(ctx context.Context) (Stats, error)

	Close() error
}

// VersionStore keeps named snapshots of a room's code.
type VersionStore interface {
	CreateVersion(ctx context.Context, v Version) (*Version, error)
	GetVersion(ctx context.Context, id int) (*Version, error)
	ListVersions(ctx context.Context, roomID string, limit, offset int) ([]Version, error)
	CountVersions(ctx context.Context, roomID string) (int, error)
	LatestVersion(ctx context.Context, roomID string) (*Version, error)
	DeleteVersion(ctx context.Context, id int) error
	// PruneAutoVersions keeps only the newest keep auto-saved versions.
	PruneAutoVersions(ctx context.Context, roomID string, keep int) error
}

// HashContent is the short content fingerprint stored with versions.
func HashContent(content string) string {
	sum := blake3.Sum256([]byte(content))
	return hex.EncodeToString(sum[:8])
}
