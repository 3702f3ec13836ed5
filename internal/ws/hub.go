package ws

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/manpreetbhatti/codepair/internal/metrics"
	"github.com/manpreetbhatti/codepair/internal/room"
)

const (
	defaultQueueSize = 256
	idAttempts       = 16
)

var (
	ErrEmptyRoomID       = errors.New("room id must not be empty")
	ErrIdentityExhausted = room.ErrIdentityExhausted
)

// Hub is the in-memory registry of live participants, keyed by room id.
// The hub lock only guards the map; everything inside a room is serialized
// by that room's own lock, so rooms never contend with each other.
type Hub struct {
	rooms map[string]*room.Room
	mu    sync.RWMutex

	queueSize int
	newID     func() (string, error)
	log       zerolog.Logger
	metrics   *metrics.Metrics
}

type Option func(*Hub)

// WithQueueSize sets the per-participant outbound buffer.
func WithQueueSize(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.queueSize = n
		}
	}
}

func WithIDGenerator(gen func() (string, error)) Option {
	return func(h *Hub) {
		if gen != nil {
			h.newID = gen
		}
	}
}

func WithLogger(log zerolog.Logger) Option {
	return func(h *Hub) {
		h.log = log
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Hub) {
		h.metrics = m
	}
}

func NewHub(opts ...Option) *Hub {
	h := &Hub{
		rooms:     make(map[string]*room.Room),
		queueSize: defaultQueueSize,
		newID:     randomID,
		log:       zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// randomID returns 8 lowercase hex characters.
func randomID() (string, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(b[:]), nil
}

// Join admits a new participant into roomID, creating the entry on first
// use. The returned roster includes the new participant and reflects the
// room at the instant of admission.
func (h *Hub) Join(roomID string) (*room.Participant, []room.Member, error) {
	if roomID == "" {
		return nil, nil, ErrEmptyRoomID
	}

	for {
		r := h.entry(roomID)
		p, roster, err := r.Admit(h.newID, idAttempts, h.queueSize)
		if errors.Is(err, room.ErrClosed) {
			// Lost a race with the last participant leaving; the entry is
			// being unlinked, so take a fresh one.
			h.unlink(r)
			continue
		}
		if err != nil {
			return nil, nil, err
		}

		h.log.Debug().
			Str("room_id", roomID).
			Str("user_id", p.ID).
			Str("color", p.Color).
			Int("active", len(roster)).
			Msg("participant joined")
		return p, roster, nil
	}
}

func (h *Hub) entry(roomID string) *room.Room {
	h.mu.RLock()
	r, ok := h.rooms[roomID]
	h.mu.RUnlock()
	if ok {
		return r
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if r, ok := h.rooms[roomID]; ok {
		return r
	}
	r = room.NewRoom(roomID)
	h.rooms[roomID] = r
	return r
}

func (h *Hub) lookup(roomID string) *room.Room {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.rooms[roomID]
}

// unlink drops r from the map if it is still the current entry for its id.
func (h *Hub) unlink(r *room.Room) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[r.ID] == r {
		delete(h.rooms, r.ID)
	}
}

// Leave removes a participant and closes its queue. It reports whether the
// participant was present; unknown rooms and ids are a no-op.
func (h *Hub) Leave(roomID, participantID string) bool {
	r := h.lookup(roomID)
	if r == nil {
		return false
	}

	p, empty := r.Remove(participantID)
	if p == nil {
		return false
	}
	p.Close()

	if empty {
		h.unlink(r)
		h.log.Debug().Str("room_id", roomID).Msg("room emptied")
	}
	h.log.Debug().
		Str("room_id", roomID).
		Str("user_id", participantID).
		Msg("participant left")
	return true
}

// Broadcast queues msg for every participant of roomID except exclude and
// returns how many queues accepted it. Recipients whose delivery fails are
// evicted.
func (h *Hub) Broadcast(roomID string, msg []byte, exclude string) int {
	r := h.lookup(roomID)
	if r == nil {
		return 0
	}
	return h.deliver(roomID, r.Recipients(exclude), msg)
}

// BroadcastRoster is Broadcast for messages that embed the roster. build
// receives the roster from the same snapshot the recipients came from. It is
// not called when there is nobody to deliver to.
func (h *Hub) BroadcastRoster(roomID, exclude string, build func([]room.Member) ([]byte, error)) int {
	r := h.lookup(roomID)
	if r == nil {
		return 0
	}

	roster, recipients := r.Snapshot(exclude)
	if len(recipients) == 0 {
		return 0
	}

	msg, err := build(roster)
	if err != nil {
		h.log.Error().Err(err).Str("room_id", roomID).Msg("failed to build broadcast")
		return 0
	}
	return h.deliver(roomID, recipients, msg)
}

func (h *Hub) deliver(roomID string, recipients []*room.Participant, msg []byte) int {
	delivered := 0
	var failed []string
	for _, p := range recipients {
		if p.Deliver(msg) == room.Delivered {
			delivered++
			continue
		}
		failed = append(failed, p.ID)
	}

	h.metrics.Delivered(delivered)

	for _, id := range failed {
		if h.Leave(roomID, id) {
			h.metrics.Evicted()
			h.log.Warn().
				Str("room_id", roomID).
				Str("user_id", id).
				Msg("evicted participant after failed delivery")
		}
	}
	return delivered
}

func (h *Hub) ActiveCount(roomID string) int {
	r := h.lookup(roomID)
	if r == nil {
		return 0
	}
	return r.Len()
}

// Roster returns the participants of roomID in join order.
func (h *Hub) Roster(roomID string) []room.Member {
	r := h.lookup(roomID)
	if r == nil {
		return []room.Member{}
	}
	return r.Roster()
}

func (h *Hub) Presence(roomID string) []room.Presence {
	r := h.lookup(roomID)
	if r == nil {
		return []room.Presence{}
	}
	return r.Presence()
}

// Participant returns the live participant with the given id, or nil.
func (h *Hub) Participant(roomID, participantID string) *room.Participant {
	r := h.lookup(roomID)
	if r == nil {
		return nil
	}
	return r.Lookup(participantID)
}

func (h *Hub) RoomCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}

func (h *Hub) ClientCount() int {
	count := 0
	for _, r := range h.snapshot() {
		count += r.Len()
	}
	return count
}

// ActiveRooms maps each room with live participants to its participant count.
func (h *Hub) ActiveRooms() map[string]int {
	rooms := h.snapshot()
	result := make(map[string]int, len(rooms))
	for _, r := range rooms {
		if n := r.Len(); n > 0 {
			result[r.ID] = n
		}
	}
	return result
}

// CloseAll signals every live participant to disconnect. Sessions then leave
// through their normal path. Returns how many participants were signalled.
func (h *Hub) CloseAll() int {
	closed := 0
	for _, r := range h.snapshot() {
		for _, p := range r.Recipients("") {
			p.Close()
			closed++
		}
	}
	return closed
}

func (h *Hub) snapshot() []*room.Room {
	h.mu.RLock()
	defer h.mu.RUnlock()

	rooms := make([]*room.Room, 0, len(h.rooms))
	for _, r := range h.rooms {
		rooms = append(rooms, r)
	}
	return rooms
}
