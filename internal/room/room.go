package room

import (
	"errors"
	"sync"
)

var (
	// ErrClosed is returned by Admit once the room has emptied. The caller
	// must discard the entry and start over with a fresh one.
	ErrClosed = errors.New("room closed")

	// ErrIdentityExhausted means no free participant id was found within the
	// allowed attempts. With a sane id space this indicates a defect.
	ErrIdentityExhausted = errors.New("participant id space exhausted")
)

// Room is one registry entry: the live participants of a room in join
// order plus the counter colors are derived from.
type Room struct {
	ID string

	mu      sync.Mutex
	members []*Participant
	index   map[string]*Participant
	counter uint
	closed  bool
}

func NewRoom(id string) *Room {
	return &Room{
		ID:      id,
		members: make([]*Participant, 0, 4),
		index:   make(map[string]*Participant),
	}
}

// Admit registers a new participant. Ids come from newID and are retried on
// collision up to attempts times. The returned roster is taken under the same
// lock as the registration and therefore includes the new participant.
func (r *Room) Admit(newID func() (string, error), attempts, queueSize int) (*Participant, []Member, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, nil, ErrClosed
	}

	var id string
	for i := 0; i < attempts; i++ {
		candidate, err := newID()
		if err != nil {
			return nil, nil, err
		}
		if _, taken := r.index[candidate]; !taken {
			id = candidate
			break
		}
	}
	if id == "" {
		return nil, nil, ErrIdentityExhausted
	}

	p := NewParticipant(id, NextColor(r.counter), queueSize)
	r.counter++
	r.members = append(r.members, p)
	r.index[id] = p

	return p, r.rosterLocked(), nil
}

// Remove unlinks a participant. The second result is true when the room
// became empty, at which point it is closed for good.
func (r *Room) Remove(id string) (*Participant, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.index[id]
	if !ok {
		return nil, false
	}
	delete(r.index, id)
	for i, m := range r.members {
		if m == p {
			r.members = append(r.members[:i], r.members[i+1:]...)
			break
		}
	}

	if len(r.members) == 0 {
		r.closed = true
	}
	return p, r.closed
}

func (r *Room) Lookup(id string) *Participant {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.index[id]
}

func (r *Room) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members)
}

func (r *Room) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// Roster returns the members in join order.
func (r *Room) Roster() []Member {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rosterLocked()
}

func (r *Room) Presence() []Presence {
	r.mu.Lock()
	members := make([]*Participant, len(r.members))
	copy(members, r.members)
	r.mu.Unlock()

	out := make([]Presence, 0, len(members))
	for _, p := range members {
		out = append(out, p.Presence())
	}
	return out
}

// Recipients returns every participant except exclude. An empty exclude
// selects everyone.
func (r *Room) Recipients(exclude string) []*Participant {
	_, recipients := r.Snapshot(exclude)
	return recipients
}

// Snapshot returns the roster and the recipient list from one consistent
// view of the room.
func (r *Room) Snapshot(exclude string) ([]Member, []*Participant) {
	r.mu.Lock()
	defer r.mu.Unlock()

	recipients := make([]*Participant, 0, len(r.members))
	for _, p := range r.members {
		if exclude != "" && p.ID == exclude {
			continue
		}
		recipients = append(recipients, p)
	}
	return r.rosterLocked(), recipients
}

func (r *Room) rosterLocked() []Member {
	roster := make([]Member, 0, len(r.members))
	for _, p := range r.members {
		roster = append(roster, p.Member())
	}
	return roster
}
