// Package autosave periodically snapshots the code of rooms that have live
// participants.
package autosave

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/manpreetbhatti/codepair/internal/db"
)

const createdBy = "autosave"

type Config struct {
	Interval time.Duration
	// Keep is how many auto-saved versions survive per room.
	Keep int
}

func DefaultConfig() Config {
	return Config{
		Interval: 5 * time.Minute,
		Keep:     20,
	}
}

// RoomSource reports the rooms worth saving.
type RoomSource interface {
	ActiveRooms() map[string]int
}

type Service struct {
	store    db.RoomStore
	versions db.VersionStore
	rooms    RoomSource
	config   Config
	log      zerolog.Logger
	now      func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func New(store db.RoomStore, versions db.VersionStore, rooms RoomSource, config Config, log zerolog.Logger) *Service {
	if config.Interval <= 0 {
		config.Interval = DefaultConfig().Interval
	}
	if config.Keep <= 0 {
		config.Keep = DefaultConfig().Keep
	}
	return &Service{
		store:    store,
		versions: versions,
		rooms:    rooms,
		config:   config,
		log:      log.With().Str("component", "autosave").Logger(),
		now:      time.Now,
		stop:     make(chan struct{}),
	}
}

func (s *Service) Start() {
	s.wg.Add(1)
	go s.run()
	s.log.Info().
		Dur("interval", s.config.Interval).
		Int("keep", s.config.Keep).
		Msg("autosave started")
}

func (s *Service) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	s.wg.Wait()
	s.log.Info().Msg("autosave stopped")
}

func (s *Service) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.saveActiveRooms()
		}
	}
}

func (s *Service) saveActiveRooms() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Interval)
	defer cancel()

	saved := 0
	for roomID := range s.rooms.ActiveRooms() {
		v, err := s.SaveNow(ctx, roomID)
		if err != nil {
			s.log.Error().Err(err).Str("room_id", roomID).Msg("autosave failed")
			continue
		}
		if v != nil {
			saved++
		}
	}

	if saved > 0 {
		s.log.Info().Int("rooms", saved).Msg("auto-saved rooms")
	}
}

// SaveNow snapshots one room. It returns nil, nil when there is nothing new
// to save: the code is empty or unchanged since the latest version.
func (s *Service) SaveNow(ctx context.Context, roomID string) (*db.Version, error) {
	code, err := s.store.GetCode(ctx, roomID)
	if errors.Is(err, db.ErrRoomNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if code == "" {
		return nil, nil
	}

	hash := db.HashContent(code)
	latest, err := s.versions.LatestVersion(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if latest != nil && latest.ContentHash == hash {
		return nil, nil
	}

	v, err := s.versions.CreateVersion(ctx, db.Version{
		RoomID:      roomID,
		Name:        "Auto-save " + s.now().Format("Jan 2, 3:04 PM"),
		Content:     code,
		ContentHash: hash,
		CreatedBy:   createdBy,
		IsAuto:      true,
	})
	if err != nil {
		return nil, err
	}

	if err := s.versions.PruneAutoVersions(ctx, roomID, s.config.Keep); err != nil {
		s.log.Warn().Err(err).Str("room_id", roomID).Msg("failed to prune auto-saves")
	}

	s.log.Debug().Str("room_id", roomID).Int("version_id", v.ID).Msg("auto-saved room")
	return v, nil
}
