package room

import (
	"encoding/json"
	"sync"
	"time"
)

// DeliveryResult reports whether a message reached a participant's queue.
type DeliveryResult int

const (
	Delivered DeliveryResult = iota
	DeliveryFailed
)

// Member is one roster entry as it appears on the wire.
type Member struct {
	ID    string `json:"user_id"`
	Color string `json:"color"`
}

// Cursor is the last cursor a participant reported. Both fields are passed
// through from the client untouched.
type Cursor struct {
	Position json.RawMessage `json:"position"`
	Line     json.RawMessage `json:"line"`
}

// Presence is a roster entry enriched with join time and cursor.
type Presence struct {
	Member
	JoinedAt time.Time `json:"joined_at"`
	Cursor   *Cursor   `json:"cursor,omitempty"`
}

// Participant is one live connection inside a room. Messages for it are
// queued on a single buffered channel, which is what gives every recipient a
// single consistent delivery order.
type Participant struct {
	ID       string
	Color    string
	JoinedAt time.Time

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	mu     sync.Mutex
	cursor *Cursor
}

func NewParticipant(id, color string, queueSize int) *Participant {
	if queueSize <= 0 {
		queueSize = 1
	}
	return &Participant{
		ID:       id,
		Color:    color,
		JoinedAt: time.Now().UTC(),
		send:     make(chan []byte, queueSize),
		done:     make(chan struct{}),
	}
}

// Deliver enqueues msg without blocking. A full queue or a closed
// participant is a failed delivery.
func (p *Participant) Deliver(msg []byte) DeliveryResult {
	select {
	case <-p.done:
		return DeliveryFailed
	default:
	}

	select {
	case p.send <- msg:
		return Delivered
	default:
		return DeliveryFailed
	}
}

// Outbound is drained by the connection's write loop.
func (p *Participant) Outbound() <-chan []byte {
	return p.send
}

// Done is closed once the participant has been removed from its room.
func (p *Participant) Done() <-chan struct{} {
	return p.done
}

// Close marks the participant as gone. The send channel is never closed so
// that concurrent broadcasters cannot panic on it.
func (p *Participant) Close() {
	p.closeOnce.Do(func() {
		close(p.done)
	})
}

func (p *Participant) Closed() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (p *Participant) SetCursor(position, line json.RawMessage) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cursor = &Cursor{Position: position, Line: line}
}

// Cursor returns a copy of the last reported cursor, or nil.
func (p *Participant) Cursor() *Cursor {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cursor == nil {
		return nil
	}
	c := *p.cursor
	return &c
}

func (p *Participant) Member() Member {
	return Member{ID: p.ID, Color: p.Color}
}

func (p *Participant) Presence() Presence {
	return Presence{
		Member:   p.Member(),
		JoinedAt: p.JoinedAt,
		Cursor:   p.Cursor(),
	}
}
