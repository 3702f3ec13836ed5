// Package postgres is the PostgreSQL RoomStore.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/manpreetbhatti/codepair/internal/db"
)

type Config struct {
	DSN             string
	MaxConns        int32
	MaxConnIdleTime time.Duration
	ApplicationName string
}

type Store struct {
	pool *pgxpool.Pool
}

var _ db.RoomStore = (*Store)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS rooms (
	room_id      VARCHAR(36) PRIMARY KEY,
	code         TEXT        NOT NULL DEFAULT '',
	active_users INTEGER     NOT NULL DEFAULT 0,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// New connects, pings and makes sure the rooms table exists.
func New(ctx context.Context, cfg Config) (*Store, error) {
	pc, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		pc.MaxConns = cfg.MaxConns
	}
	if cfg.MaxConnIdleTime > 0 {
		pc.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.ApplicationName != "" {
		if pc.ConnConfig.RuntimeParams == nil {
			pc.ConnConfig.RuntimeParams = map[string]string{}
		}
		pc.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}

	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create rooms table: %w", err)
	}

	return &Store{pool: pool}, nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) RoomExists(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM rooms WHERE room_id = $1)`, id).Scan(&exists)
	return exists, err
}

func (s *Store) GetCode(ctx context.Context, id string) (string, error) {
	var code string
	err := s.pool.QueryRow(ctx, `SELECT code FROM rooms WHERE room_id = $1`, id).Scan(&code)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", db.ErrRoomNotFound
	}
	return code, err
}

func (s *Store) ReplaceCode(ctx context.Context, id, code string) error {
	return s.execRoom(ctx, `UPDATE rooms SET code = $2, updated_at = now() WHERE room_id = $1`, id, code)
}

func (s *Store) IncrementActiveUsers(ctx context.Context, id string) error {
	return s.execRoom(ctx, `UPDATE rooms SET active_users = active_users + 1 WHERE room_id = $1`, id)
}

func (s *Store) DecrementActiveUsers(ctx context.Context, id string) error {
	return s.execRoom(ctx, `UPDATE rooms SET active_users = GREATEST(active_users - 1, 0) WHERE room_id = $1`, id)
}

func (s *Store) execRoom(ctx context.Context, query string, args ...any) error {
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return db.ErrRoomNotFound
	}
	return nil
}

func (s *Store) CreateRoom(ctx context.Context, id string) (*db.Room, error) {
	room := db.Room{ID: id}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO rooms (room_id)
		VALUES ($1)
		RETURNING code, active_users, created_at, updated_at`, id).
		Scan(&room.Code, &room.ActiveUsers, &room.CreatedAt, &room.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &room, nil
}

func (s *Store) GetRoom(ctx context.Context, id string) (*db.Room, error) {
	var room db.Room
	err := s.pool.QueryRow(ctx, `
		SELECT room_id, code, active_users, created_at, updated_at
		FROM rooms WHERE room_id = $1`, id).
		Scan(&room.ID, &room.Code, &room.ActiveUsers, &room.CreatedAt, &room.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, db.ErrRoomNotFound
	}
	if err != nil {
		return nil, err
	}
	return &room, nil
}

func (s *Store) ListRooms(ctx context.Context, limit, offset int) ([]db.Room, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT room_id, code, active_users, created_at, updated_at
		FROM rooms
		ORDER BY updated_at DESC, room_id
		LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	rooms := make([]db.Room, 0)
	for rows.Next() {
		var room db.Room
		if err := rows.Scan(&room.ID, &room.Code, &room.ActiveUsers, &room.CreatedAt, &room.UpdatedAt); err != nil {
			return nil, err
		}
		rooms = append(rooms, room)
	}
	return rooms, rows.Err()
}

func (s *Store) DeleteRoom(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM rooms WHERE room_id = $1`, id)
	return err
}

func (s *Store) ResetActiveUsers(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `UPDATE rooms SET active_users = 0 WHERE active_users <> 0`)
	return err
}

func (s *Store) Stats(ctx context.Context) (db.Stats, error) {
	var stats db.Stats
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM rooms`).Scan(&stats.RoomCount)
	return stats, err
}
