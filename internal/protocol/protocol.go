package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/manpreetbhatti/codepair/internal/room"
)

// Server -> client message types
const (
	TypeSync         = "sync"
	TypeUserJoined   = "user_joined"
	TypeCodeUpdate   = "code_update"
	TypeCursorUpdate = "cursor_update"
	TypeUserLeft     = "user_left"
	TypeError        = "error"
)

// Client -> server actions
const (
	ActionUpdate         = "update"
	ActionCursorPosition = "cursor_position"
)

var ErrMalformed = errors.New("malformed message")

// ClientMessage is the closed set of inbound messages. Decode never returns
// anything other than Update, CursorPosition or Unknown.
type ClientMessage interface {
	Action() string
}

type Update struct {
	Code string
}

func (Update) Action() string { return ActionUpdate }

type CursorPosition struct {
	Position json.RawMessage
	Line     json.RawMessage
}

func (CursorPosition) Action() string { return ActionCursorPosition }

// Unknown carries an action the server does not handle.
type Unknown struct {
	Name string
}

func (u Unknown) Action() string { return u.Name }

type inbound struct {
	Action   *string         `json:"action"`
	Code     *string         `json:"code"`
	Position json.RawMessage `json:"position"`
	Line     json.RawMessage `json:"line"`
}

// Decode parses one client frame. Undecodable payloads and frames without an
// action fail with ErrMalformed.
func Decode(data []byte) (ClientMessage, error) {
	var in inbound
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if in.Action == nil {
		return nil, fmt.Errorf("%w: missing action", ErrMalformed)
	}

	switch *in.Action {
	case ActionUpdate:
		var code string
		if in.Code != nil {
			code = *in.Code
		}
		return Update{Code: code}, nil
	case ActionCursorPosition:
		return CursorPosition{Position: in.Position, Line: in.Line}, nil
	default:
		return Unknown{Name: *in.Action}, nil
	}
}

type Sync struct {
	Type        string        `json:"type"`
	Code        string        `json:"code"`
	ActiveUsers int           `json:"active_users"`
	UserID      string        `json:"user_id"`
	Color       string        `json:"color"`
	Users       []room.Member `json:"users"`
}

type UserJoined struct {
	Type        string        `json:"type"`
	ActiveUsers int           `json:"active_users"`
	UserID      string        `json:"user_id"`
	Color       string        `json:"color"`
	Users       []room.Member `json:"users"`
}

type CodeUpdate struct {
	Type   string `json:"type"`
	Code   string `json:"code"`
	UserID string `json:"user_id"`
	Color  string `json:"color"`
}

type CursorUpdate struct {
	Type     string          `json:"type"`
	UserID   string          `json:"user_id"`
	Color    string          `json:"color"`
	Position json.RawMessage `json:"position"`
	Line     json.RawMessage `json:"line"`
}

type UserLeft struct {
	Type        string        `json:"type"`
	ActiveUsers int           `json:"active_users"`
	UserID      string        `json:"user_id"`
	Users       []room.Member `json:"users"`
}

type Error struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// NewSync builds the snapshot a participant receives right after joining.
// active_users is the roster length so both always agree.
func NewSync(code string, self room.Member, roster []room.Member) Sync {
	return Sync{
		Type:        TypeSync,
		Code:        code,
		ActiveUsers: len(roster),
		UserID:      self.ID,
		Color:       self.Color,
		Users:       nonNil(roster),
	}
}

func NewUserJoined(joined room.Member, roster []room.Member) UserJoined {
	return UserJoined{
		Type:        TypeUserJoined,
		ActiveUsers: len(roster),
		UserID:      joined.ID,
		Color:       joined.Color,
		Users:       nonNil(roster),
	}
}

func NewCodeUpdate(code string, from room.Member) CodeUpdate {
	return CodeUpdate{
		Type:   TypeCodeUpdate,
		Code:   code,
		UserID: from.ID,
		Color:  from.Color,
	}
}

func NewCursorUpdate(from room.Member, position, line json.RawMessage) CursorUpdate {
	return CursorUpdate{
		Type:     TypeCursorUpdate,
		UserID:   from.ID,
		Color:    from.Color,
		Position: orNull(position),
		Line:     orNull(line),
	}
}

func NewUserLeft(userID string, roster []room.Member) UserLeft {
	return UserLeft{
		Type:        TypeUserLeft,
		ActiveUsers: len(roster),
		UserID:      userID,
		Users:       nonNil(roster),
	}
}

func NewError(message string) Error {
	return Error{Type: TypeError, Message: message}
}

func Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

func nonNil(roster []room.Member) []room.Member {
	if roster == nil {
		return []room.Member{}
	}
	return roster
}

func orNull(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("null")
	}
	return raw
}
