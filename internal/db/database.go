package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Database is the SQLite RoomStore and VersionStore.
type Database struct {
	db *sql.DB
}

var (
	_ RoomStore    = (*Database)(nil)
	_ VersionStore = (*Database)(nil)
)

func New(dbPath string) (*Database, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	dsn := "file:" + dbPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// One connection keeps writers from tripping over each other and keeps
	// :memory: databases from splitting per connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}

	return &Database{db: db}, nil
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS rooms (
		id TEXT PRIMARY KEY,
		code TEXT NOT NULL DEFAULT '',
		active_users INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS room_versions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		room_id TEXT NOT NULL,
		name TEXT NOT NULL,
		description TEXT DEFAULT '',
		content TEXT NOT NULL,
		content_hash TEXT NOT NULL,
		created_by TEXT DEFAULT '',
		is_auto BOOLEAN DEFAULT FALSE,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (room_id) REFERENCES rooms(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_room_versions_room ON room_versions(room_id);
	CREATE INDEX IF NOT EXISTS idx_room_versions_recent ON room_versions(room_id, created_at DESC);
	`

	_, err := db.Exec(schema)
	return err
}

func (d *Database) Close() error {
	return d.db.Close()
}

// Room operations

func (d *Database) RoomExists(ctx context.Context, id string) (bool, error) {
	var one int
	err := d.db.QueryRowContext(ctx, "SELECT 1 FROM rooms WHERE id = ?", id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (d *Database) GetCode(ctx context.Context, id string) (string, error) {
	var code string
	err := d.db.QueryRowContext(ctx, "SELECT code FROM rooms WHERE id = ?", id).Scan(&code)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrRoomNotFound
	}
	return code, err
}

func (d *Database) ReplaceCode(ctx context.Context, id, code string) error {
	return d.execRoom(ctx,
		"UPDATE rooms SET code = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?",
		code, id,
	)
}

func (d *Database) IncrementActiveUsers(ctx context.Context, id string) error {
	return d.execRoom(ctx,
		"UPDATE rooms SET active_users = active_users + 1 WHERE id = ?",
		id,
	)
}

func (d *Database) DecrementActiveUsers(ctx context.Context, id string) error {
	return d.execRoom(ctx,
		"UPDATE rooms SET active_users = MAX(active_users - 1, 0) WHERE id = ?",
		id,
	)
}

// execRoom runs a single-row update and maps "no row" to ErrRoomNotFound.
func (d *Database) execRoom(ctx context.Context, query string, args ...any) error {
	res, err := d.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrRoomNotFound
	}
	return nil
}

func (d *Database) CreateRoom(ctx context.Context, id string) (*Room, error) {
	if _, err := d.db.ExecContext(ctx, "INSERT INTO rooms (id) VALUES (?)", id); err != nil {
		return nil, err
	}
	return d.GetRoom(ctx, id)
}

func (d *Database) GetRoom(ctx context.Context, id string) (*Room, error) {
	row := d.db.QueryRowContext(ctx,
		"SELECT id, code, active_users, created_at, updated_at FROM rooms WHERE id = ?",
		id,
	)

	var room Room
	err := row.Scan(&room.ID, &room.Code, &room.ActiveUsers, &room.CreatedAt, &room.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRoomNotFound
	}
	if err != nil {
		return nil, err
	}
	return &room, nil
}

func (d *Database) ListRooms(ctx context.Context, limit, offset int) ([]Room, error) {
	rows, err := d.db.QueryContext(ctx,
		"SELECT id, code, active_users, created_at, updated_at FROM rooms ORDER BY updated_at DESC, id LIMIT ? OFFSET ?",
		limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	rooms := make([]Room, 0)
	for rows.Next() {
		var room Room
		if err := rows.Scan(&room.ID, &room.Code, &room.ActiveUsers, &room.CreatedAt, &room.UpdatedAt); err != nil {
			return nil, err
		}
		rooms = append(rooms, room)
	}
	return rooms, rows.Err()
}

func (d *Database) DeleteRoom(ctx context.Context, id string) error {
	_, err := d.db.ExecContext(ctx, "DELETE FROM rooms WHERE id = ?", id)
	return err
}

func (d *Database) ResetActiveUsers(ctx context.Context) error {
	_, err := d.db.ExecContext(ctx, "UPDATE rooms SET active_users = 0 WHERE active_users <> 0")
	return err
}

func (d *Database) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	if err := d.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM rooms").Scan(&stats.RoomCount); err != nil {
		return stats, err
	}
	if err := d.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM room_versions").Scan(&stats.VersionCount); err != nil {
		return stats, err
	}
	return stats, nil
}

// Version operations

const versionColumns = "id, room_id, name, description, content, content_hash, created_by, is_auto, created_at"

func scanVersion(scan func(dest ...any) error) (*Version, error) {
	var v Version
	err := scan(&v.ID, &v.RoomID, &v.Name, &v.Description, &v.Content, &v.ContentHash, &v.CreatedBy, &v.IsAuto, &v.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func (d *Database) CreateVersion(ctx context.Context, v Version) (*Version, error) {
	if v.ContentHash == "" {
		v.ContentHash = HashContent(v.Content)
	}

	result, err := d.db.ExecContext(ctx, `
		INSERT INTO room_versions (room_id, name, description, content, content_hash, created_by, is_auto)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, v.RoomID, v.Name, v.Description, v.Content, v.ContentHash, v.CreatedBy, v.IsAuto)
	if err != nil {
		return nil, err
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, err
	}

	return d.GetVersion(ctx, int(id))
}

// GetVersion returns nil, nil when the version does not exist.
func (d *Database) GetVersion(ctx context.Context, id int) (*Version, error) {
	row := d.db.QueryRowContext(ctx, "SELECT "+versionColumns+" FROM room_versions WHERE id = ?", id)
	v, err := scanVersion(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return v, err
}

// ListVersions returns a room's versions, newest first.
func (d *Database) ListVersions(ctx context.Context, roomID string, limit, offset int) ([]Version, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT `+versionColumns+`
		FROM room_versions
		WHERE room_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ? OFFSET ?
	`, roomID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	versions := make([]Version, 0)
	for rows.Next() {
		v, err := scanVersion(rows.Scan)
		if err != nil {
			return nil, err
		}
		versions = append(versions, *v)
	}
	return versions, rows.Err()
}

func (d *Database) CountVersions(ctx context.Context, roomID string) (int, error) {
	var count int
	err := d.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM room_versions WHERE room_id = ?", roomID).Scan(&count)
	return count, err
}

// LatestVersion returns nil, nil for a room without versions.
func (d *Database) LatestVersion(ctx context.Context, roomID string) (*Version, error) {
	row := d.db.QueryRowContext(ctx, `
		SELECT `+versionColumns+`
		FROM room_versions
		WHERE room_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`, roomID)
	v, err := scanVersion(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return v, err
}

func (d *Database) DeleteVersion(ctx context.Context, id int) error {
	_, err := d.db.ExecContext(ctx, "DELETE FROM room_versions WHERE id = ?", id)
	return err
}

func (d *Database) PruneAutoVersions(ctx context.Context, roomID string, keep int) error {
	_, err := d.db.ExecContext(ctx, `
		DELETE FROM room_versions
		WHERE room_id = ? AND is_auto = TRUE AND id NOT IN (
			SELECT id FROM room_versions
			WHERE room_id = ? AND is_auto = TRUE
			ORDER BY created_at DESC, id DESC
			LIMIT ?
		)
	`, roomID, roomID, keep)
	return err
}
