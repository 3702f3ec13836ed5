package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/manpreetbhatti/codepair/internal/autocomplete"
	"github.com/manpreetbhatti/codepair/internal/db"
	"github.com/manpreetbhatti/codepair/internal/room"
	"github.com/manpreetbhatti/codepair/internal/ws"
)

const defaultServiceName = "codepair"

type Config struct {
	ServiceName string
	// AutoVersionsKeep bounds auto-saved versions created through the API.
	AutoVersionsKeep int
}

type API struct {
	hub      *ws.Hub
	store    db.RoomStore
	versions db.VersionStore
	suggest  *autocomplete.Service
	cfg      Config
	log      zerolog.Logger

	newRoomID func() string
	now       func() time.Time
}

// New wires the handlers. Version routes are served only when store also
// implements db.VersionStore.
func New(hub *ws.Hub, store db.RoomStore, suggest *autocomplete.Service, cfg Config, log zerolog.Logger) *API {
	if cfg.ServiceName == "" {
		cfg.ServiceName = defaultServiceName
	}
	if cfg.AutoVersionsKeep <= 0 {
		cfg.AutoVersionsKeep = 20
	}

	a := &API{
		hub:       hub,
		store:     store,
		suggest:   suggest,
		cfg:       cfg,
		log:       log.With().Str("component", "api").Logger(),
		newRoomID: uuid.NewString,
		now:       time.Now,
	}
	if vs, ok := store.(db.VersionStore); ok {
		a.versions = vs
	}
	return a
}

func (a *API) jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		a.log.Error().Err(err).Msg("failed to encode response")
	}
}

func (a *API) errorResponse(w http.ResponseWriter, status int, message string) {
	a.jsonResponse(w, status, map[string]string{"error": message})
}

// storeError maps a store failure to 404 or 500 and logs the latter.
func (a *API) storeError(w http.ResponseWriter, err error, message string) {
	if errors.Is(err, db.ErrRoomNotFound) {
		a.errorResponse(w, http.StatusNotFound, "Room not found")
		return
	}
	a.log.Error().Err(err).Msg(message)
	a.errorResponse(w, http.StatusInternalServerError, message)
}

func pagination(r *http.Request, defaultLimit, maxLimit int) (int, int) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > maxLimit {
		limit = defaultLimit
	}

	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func (a *API) HealthHandler(w http.ResponseWriter, r *http.Request) {
	a.jsonResponse(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": a.cfg.ServiceName,
	})
}

func (a *API) StatsHandler(w http.ResponseWriter, r *http.Request) {
	stats := map[string]any{
		"active_rooms":   a.hub.RoomCount(),
		"active_clients": a.hub.ClientCount(),
		"timestamp":      a.now().UTC().Format(time.RFC3339),
	}

	storeStats, err := a.store.Stats(r.Context())
	if err != nil {
		a.log.Warn().Err(err).Msg("failed to read store stats")
	} else {
		stats["total_rooms"] = storeStats.RoomCount
		if a.versions != nil {
			stats["total_versions"] = storeStats.VersionCount
		}
	}

	a.jsonResponse(w, http.StatusOK, stats)
}

// Room handlers

type RoomResponse struct {
	RoomID      string    `json:"room_id"`
	Code        string    `json:"code"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	ActiveUsers int       `json:"active_users"`
}

func roomResponse(r *db.Room) RoomResponse {
	return RoomResponse{
		RoomID:      r.ID,
		Code:        r.Code,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
		ActiveUsers: r.ActiveUsers,
	}
}

func (a *API) CreateRoomHandler(w http.ResponseWriter, r *http.Request) {
	created, err := a.store.CreateRoom(r.Context(), a.newRoomID())
	if err != nil {
		a.storeError(w, err, "Failed to create room")
		return
	}

	a.log.Info().Str("room_id", created.ID).Msg("room created")
	a.jsonResponse(w, http.StatusCreated, roomResponse(created))
}

func (a *API) ListRoomsHandler(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r, 20, 100)

	rooms, err := a.store.ListRooms(r.Context(), limit, offset)
	if err != nil {
		a.storeError(w, err, "Failed to list rooms")
		return
	}

	response := make([]RoomResponse, len(rooms))
	for i := range rooms {
		response[i] = roomResponse(&rooms[i])
	}

	a.jsonResponse(w, http.StatusOK, map[string]any{
		"rooms":  response,
		"limit":  limit,
		"offset": offset,
	})
}

func (a *API) GetRoomHandler(w http.ResponseWriter, r *http.Request) {
	found, err := a.store.GetRoom(r.Context(), chi.URLParam(r, "room_id"))
	if err != nil {
		a.storeError(w, err, "Failed to get room")
		return
	}
	a.jsonResponse(w, http.StatusOK, roomResponse(found))
}

// DeleteRoomHandler answers 204 whether or not the room existed. Live
// participants keep their sessions; the room is simply gone for new joins.
func (a *API) DeleteRoomHandler(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "room_id")
	if err := a.store.DeleteRoom(r.Context(), roomID); err != nil {
		a.storeError(w, err, "Failed to delete room")
		return
	}
	a.log.Info().Str("room_id", roomID).Msg("room deleted")
	w.WriteHeader(http.StatusNoContent)
}

type ParticipantsResponse struct {
	RoomID       string          `json:"room_id"`
	ActiveUsers  int             `json:"active_users"`
	Participants []room.Presence `json:"participants"`
}

func (a *API) ParticipantsHandler(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "room_id")

	exists, err := a.store.RoomExists(r.Context(), roomID)
	if err != nil {
		a.storeError(w, err, "Failed to get room")
		return
	}
	if !exists {
		a.errorResponse(w, http.StatusNotFound, "Room not found")
		return
	}

	presence := a.hub.Presence(roomID)
	a.jsonResponse(w, http.StatusOK, ParticipantsResponse{
		RoomID:       roomID,
		ActiveUsers:  len(presence),
		Participants: presence,
	})
}

// Autocomplete

type AutocompleteRequest struct {
	Prefix   string `json:"prefix"`
	Language string `json:"language"`
}

type AutocompleteResponse struct {
	Suggestions []string `json:"suggestions"`
}

func (a *API) AutocompleteHandler(w http.ResponseWriter, r *http.Request) {
	var req AutocompleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.errorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Language == "" {
		req.Language = autocomplete.DefaultLanguage
	}

	a.jsonResponse(w, http.StatusOK, AutocompleteResponse{
		Suggestions: a.suggest.Suggest(req.Prefix, req.Language),
	})
}

// detached keeps request values but outlives a client that hangs up
// mid-write.
func detached(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(r.Context()), 10*time.Second)
}
