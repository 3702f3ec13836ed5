package ws

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/manpreetbhatti/codepair/internal/db"
	"github.com/manpreetbhatti/codepair/internal/metrics"
	"github.com/manpreetbhatti/codepair/internal/protocol"
	"github.com/manpreetbhatti/codepair/internal/ratelimit"
	"github.com/manpreetbhatti/codepair/internal/room"
)

const storeTimeout = 5 * time.Second

type SessionConfig struct {
	MessagesPerSecond float64
	MessageBurst      int
	AllowedOrigins    []string
}

// Handler upgrades /ws/{room_id} requests and runs one Session per
// connection.
type Handler struct {
	hub      *Hub
	store    db.RoomStore
	cfg      SessionConfig
	upgrader websocket.Upgrader
	log      zerolog.Logger

	active atomic.Int64
}

func NewHandler(hub *Hub, store db.RoomStore, cfg SessionConfig, log zerolog.Logger) *Handler {
	if cfg.MessagesPerSecond <= 0 {
		cfg.MessagesPerSecond = defaultMessagesPerSecond
	}
	if cfg.MessageBurst <= 0 {
		cfg.MessageBurst = defaultMessageBurst
	}
	return &Handler{
		hub:      hub,
		store:    store,
		cfg:      cfg,
		upgrader: newUpgrader(cfg.AllowedOrigins),
		log:      log.With().Str("component", "ws").Logger(),
	}
}

// ServeWS blocks for the lifetime of the connection.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "room_id")
	if roomID == "" {
		http.Error(w, "room id required", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Str("room_id", roomID).Msg("upgrade failed")
		return
	}

	h.active.Add(1)
	defer h.active.Add(-1)

	s := &Session{
		hub:     h.hub,
		store:   h.store,
		conn:    conn,
		roomID:  roomID,
		limiter: ratelimit.NewLimiter(h.cfg.MessagesPerSecond, h.cfg.MessageBurst),
		log:     h.log.With().Str("room_id", roomID).Logger(),
	}
	s.run(r.Context())
}

// Active reports how many upgraded connections are still being served.
func (h *Handler) Active() int {
	return int(h.active.Load())
}

// Drain waits until every session has finished departing, or ctx ends.
// Upgraded connections are not tracked by http.Server.Shutdown.
func (h *Handler) Drain(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for h.active.Load() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// Session is the control loop of one connection:
// CONNECTING -> ACTIVE -> CLOSED, or CONNECTING -> rejected.
type Session struct {
	hub     *Hub
	store   db.RoomStore
	conn    *websocket.Conn
	roomID  string
	limiter *ratelimit.Limiter
	log     zerolog.Logger

	ctx         context.Context
	participant *room.Participant
	departOnce  sync.Once
}

func (s *Session) run(ctx context.Context) {
	defer s.conn.Close()
	s.ctx = ctx

	exists, err := s.roomExists()
	if err != nil {
		s.log.Error().Err(err).Msg("room lookup failed")
		s.reject("Failed to load room")
		s.hub.metrics.SessionEnded(metrics.OutcomeRejected)
		return
	}
	if !exists {
		s.log.Info().Msg("rejected connection to unknown room")
		s.reject("Room not found")
		s.hub.metrics.SessionEnded(metrics.OutcomeRejected)
		return
	}

	p, roster, err := s.hub.Join(s.roomID)
	if err != nil {
		s.log.Error().Err(err).Msg("join failed")
		s.reject("Failed to join room")
		s.hub.metrics.SessionEnded(metrics.OutcomeRejected)
		return
	}
	s.participant = p
	s.log = s.log.With().Str("user_id", p.ID).Logger()
	defer s.depart()

	if err := s.withStore(func(ctx context.Context) error {
		return s.store.IncrementActiveUsers(ctx, s.roomID)
	}); err != nil {
		s.log.Error().Err(err).Msg("failed to increment active users")
	}

	var code string
	if err := s.withStore(func(ctx context.Context) (err error) {
		code, err = s.store.GetCode(ctx, s.roomID)
		return err
	}); err != nil {
		// Peers never got a user_joined for p; the deferred depart still
		// sends them a user_left for it.
		s.log.Error().Err(err).Msg("failed to load code")
		s.reject("Failed to load room")
		return
	}

	// sync goes out before the write pump starts, so anything broadcast to
	// this participant since Join is delivered after it.
	snapshot, err := protocol.Encode(protocol.NewSync(code, p.Member(), roster))
	if err != nil {
		s.log.Error().Err(err).Msg("failed to encode sync")
		return
	}
	if err := s.writeFrame(snapshot); err != nil {
		s.log.Debug().Err(err).Msg("failed to send sync")
		return
	}

	s.hub.BroadcastRoster(s.roomID, p.ID, func(roster []room.Member) ([]byte, error) {
		return protocol.Encode(protocol.NewUserJoined(p.Member(), roster))
	})

	s.log.Info().Int("active", len(roster)).Msg("session active")

	go s.writePump()
	s.readPump()
}

func (s *Session) roomExists() (bool, error) {
	var exists bool
	err := s.withStore(func(ctx context.Context) (err error) {
		exists, err = s.store.RoomExists(ctx, s.roomID)
		return err
	})
	return exists, err
}

func (s *Session) withStore(fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(s.ctx, storeTimeout)
	defer cancel()
	return fn(ctx)
}

func (s *Session) dispatch(msg protocol.ClientMessage) {
	p := s.participant

	switch m := msg.(type) {
	case protocol.Update:
		// Persistence failures do not hold back the broadcast.
		if err := s.withStore(func(ctx context.Context) error {
			return s.store.ReplaceCode(ctx, s.roomID, m.Code)
		}); err != nil {
			s.log.Error().Err(err).Msg("failed to persist code")
		}
		s.broadcast(protocol.NewCodeUpdate(m.Code, p.Member()))

	case protocol.CursorPosition:
		p.SetCursor(m.Position, m.Line)
		s.broadcast(protocol.NewCursorUpdate(p.Member(), m.Position, m.Line))

	case protocol.Unknown:
		s.log.Warn().Str("action", m.Name).Msg("ignoring unknown action")
		s.hub.metrics.MessageReceived("unknown")
		return
	}
	s.hub.metrics.MessageReceived(msg.Action())
}

func (s *Session) broadcast(v any) {
	data, err := protocol.Encode(v)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to encode message")
		return
	}
	s.hub.Broadcast(s.roomID, data, s.participant.ID)
}

// depart runs once per joined session, whether it ended by disconnect or
// by eviction after a failed delivery.
func (s *Session) depart() {
	s.departOnce.Do(func() {
		p := s.participant
		s.hub.Leave(s.roomID, p.ID)

		ctx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), storeTimeout)
		defer cancel()
		if err := s.store.DecrementActiveUsers(ctx, s.roomID); err != nil {
			s.log.Error().Err(err).Msg("failed to decrement active users")
		}

		s.hub.BroadcastRoster(s.roomID, "", func(roster []room.Member) ([]byte, error) {
			return protocol.Encode(protocol.NewUserLeft(p.ID, roster))
		})

		s.hub.metrics.SessionEnded(metrics.OutcomeClosed)
		s.log.Info().Int("remaining", s.hub.ActiveCount(s.roomID)).Msg("session closed")
	})
}
