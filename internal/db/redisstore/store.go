// Package redisstore is a RoomStore kept in Redis hashes, with a sorted set
// indexing rooms by last update. It targets a single Redis node: scripts
// touch both a room hash and the index, which would span slots in a cluster.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/manpreetbhatti/codepair/internal/db"
)

const defaultPrefix = "codepair"

var errRoomExists = errors.New("room already exists")

type Config struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

type Store struct {
	rdb    *redis.Client
	prefix string
}

var _ db.RoomStore = (*Store)(nil)

// Every mutation checks existence inside the script so a deleted room is
// never recreated as a side effect.
var (
	createScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then return 0 end
redis.call('HSET', KEYS[1], 'code', '', 'active_users', '0', 'created_at', ARGV[1], 'updated_at', ARGV[1])
redis.call('ZADD', KEYS[2], ARGV[1], ARGV[2])
return 1`)

	replaceScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return 0 end
redis.call('HSET', KEYS[1], 'code', ARGV[1], 'updated_at', ARGV[2])
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[3])
return 1`)

	incrScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return 0 end
redis.call('HINCRBY', KEYS[1], 'active_users', 1)
return 1`)

	decrScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return 0 end
local n = tonumber(redis.call('HGET', KEYS[1], 'active_users') or '0')
if n > 0 then redis.call('HINCRBY', KEYS[1], 'active_users', -1) end
return 1`)

	resetScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return 0 end
redis.call('HSET', KEYS[1], 'active_users', '0')
return 1`)
)

// New connects to the server in cfg and pings it.
func New(ctx context.Context, cfg Config) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("ping redis %s: %w", cfg.Addr, err)
	}

	return NewWithClient(rdb, cfg.KeyPrefix), nil
}

func NewWithClient(rdb *redis.Client, prefix string) *Store {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Store{rdb: rdb, prefix: prefix}
}

func (s *Store) Close() error {
	return s.rdb.Close()
}

func (s *Store) roomKey(id string) string {
	return s.prefix + ":room:" + id
}

func (s *Store) indexKey() string {
	return s.prefix + ":rooms"
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// runRoom runs a script that returns 0 when the room is missing.
func (s *Store) runRoom(ctx context.Context, script *redis.Script, id string, keys []string, args ...any) error {
	ok, err := script.Run(ctx, s.rdb, keys, args...).Int()
	if err != nil {
		return fmt.Errorf("room %s: %w", id, err)
	}
	if ok == 0 {
		return db.ErrRoomNotFound
	}
	return nil
}

func (s *Store) RoomExists(ctx context.Context, id string) (bool, error) {
	n, err := s.rdb.Exists(ctx, s.roomKey(id)).Result()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *Store) GetCode(ctx context.Context, id string) (string, error) {
	code, err := s.rdb.HGet(ctx, s.roomKey(id), "code").Result()
	if errors.Is(err, redis.Nil) {
		return "", db.ErrRoomNotFound
	}
	return code, err
}

func (s *Store) ReplaceCode(ctx context.Context, id, code string) error {
	return s.runRoom(ctx, replaceScript, id,
		[]string{s.roomKey(id), s.indexKey()},
		code, nowMillis(), id,
	)
}

func (s *Store) IncrementActiveUsers(ctx context.Context, id string) error {
	return s.runRoom(ctx, incrScript, id, []string{s.roomKey(id)})
}

func (s *Store) DecrementActiveUsers(ctx context.Context, id string) error {
	return s.runRoom(ctx, decrScript, id, []string{s.roomKey(id)})
}

func (s *Store) CreateRoom(ctx context.Context, id string) (*db.Room, error) {
	created, err := createScript.Run(ctx, s.rdb, []string{s.roomKey(id), s.indexKey()}, nowMillis(), id).Int()
	if err != nil {
		return nil, err
	}
	if created == 0 {
		return nil, fmt.Errorf("room %s: %w", id, errRoomExists)
	}
	return s.GetRoom(ctx, id)
}

func (s *Store) GetRoom(ctx context.Context, id string) (*db.Room, error) {
	fields, err := s.rdb.HGetAll(ctx, s.roomKey(id)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, db.ErrRoomNotFound
	}
	return parseRoom(id, fields)
}

func parseRoom(id string, fields map[string]string) (*db.Room, error) {
	room := &db.Room{ID: id, Code: fields["code"]}

	var err error
	if room.ActiveUsers, err = atoiField(fields, "active_users"); err != nil {
		return nil, err
	}
	created, err := atoiField(fields, "created_at")
	if err != nil {
		return nil, err
	}
	updated, err := atoiField(fields, "updated_at")
	if err != nil {
		return nil, err
	}
	room.CreatedAt = time.UnixMilli(int64(created)).UTC()
	room.UpdatedAt = time.UnixMilli(int64(updated)).UTC()
	return room, nil
}

func atoiField(fields map[string]string, name string) (int, error) {
	v, ok := fields[name]
	if !ok || v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("field %s: %w", name, err)
	}
	return n, nil
}

// ListRooms returns rooms most recently updated first.
func (s *Store) ListRooms(ctx context.Context, limit, offset int) ([]db.Room, error) {
	rooms := make([]db.Room, 0)
	if limit <= 0 {
		return rooms, nil
	}

	ids, err := s.rdb.ZRevRange(ctx, s.indexKey(), int64(offset), int64(offset+limit-1)).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return rooms, nil
	}

	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = s.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, s.roomKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		room, err := parseRoom(ids[i], fields)
		if err != nil {
			return nil, err
		}
		rooms = append(rooms, *room)
	}
	return rooms, nil
}

func (s *Store) DeleteRoom(ctx context.Context, id string) error {
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.roomKey(id))
		pipe.ZRem(ctx, s.indexKey(), id)
		return nil
	})
	return err
}

// ResetActiveUsers zeroes every indexed room, one script call per room
// in a single pipeline. Index entries without a hash are skipped.
func (s *Store) ResetActiveUsers(ctx context.Context) error {
	ids, err := s.rdb.ZRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}

	// EvalSha inside a pipeline cannot fall back to EVAL, so load first.
	if err := resetScript.Load(ctx, s.rdb).Err(); err != nil {
		return fmt.Errorf("load reset script: %w", err)
	}
	_, err = s.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, id := range ids {
			resetScript.EvalSha(ctx, pipe, []string{s.roomKey(id)})
		}
		return nil
	})
	return err
}

func (s *Store) Stats(ctx context.Context) (db.Stats, error) {
	n, err := s.rdb.ZCard(ctx, s.indexKey()).Result()
	if err != nil {
		return db.Stats{}, err
	}
	return db.Stats{RoomCount: int(n)}, nil
}
