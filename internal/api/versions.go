package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/manpreetbhatti/codepair/internal/db"
	"github.com/manpreetbhatti/codepair/internal/protocol"
	"github.com/manpreetbhatti/codepair/internal/room"
)

// ServerUserID attributes code updates that originate from the API rather
// than from a participant.
const ServerUserID = "server"

const versionTimeLayout = "Jan 2, 3:04 PM"

type CreateVersionRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	// Content defaults to the room's current code when empty.
	Content   string `json:"content"`
	CreatedBy string `json:"created_by"`
	IsAuto    bool   `json:"is_auto"`
}

type VersionResponse struct {
	ID          int       `json:"id"`
	RoomID      string    `json:"room_id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Content     string    `json:"content,omitempty"`
	ContentHash string    `json:"content_hash"`
	CreatedBy   string    `json:"created_by"`
	CreatedAt   time.Time `json:"created_at"`
	IsAuto      bool      `json:"is_auto"`
}

func versionResponse(v *db.Version, withContent bool) VersionResponse {
	resp := VersionResponse{
		ID:          v.ID,
		RoomID:      v.RoomID,
		Name:        v.Name,
		Description: v.Description,
		ContentHash: v.ContentHash,
		CreatedBy:   v.CreatedBy,
		CreatedAt:   v.CreatedAt,
		IsAuto:      v.IsAuto,
	}
	if withContent {
		resp.Content = v.Content
	}
	return resp
}

func versionID(w http.ResponseWriter, r *http.Request, a *API) (int, bool) {
	id, err := strconv.Atoi(chi.URLParam(r, "version_id"))
	if err != nil || id <= 0 {
		a.errorResponse(w, http.StatusBadRequest, "Invalid version ID")
		return 0, false
	}
	return id, true
}

// loadVersion writes the error response itself and returns nil when the
// version cannot be served.
func (a *API) loadVersion(w http.ResponseWriter, r *http.Request, id int, notFound string) *db.Version {
	v, err := a.versions.GetVersion(r.Context(), id)
	if err != nil {
		a.log.Error().Err(err).Int("version_id", id).Msg("failed to get version")
		a.errorResponse(w, http.StatusInternalServerError, "Failed to get version")
		return nil
	}
	if v == nil {
		a.errorResponse(w, http.StatusNotFound, notFound)
		return nil
	}
	return v
}

func (a *API) ListVersionsHandler(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "room_id")
	limit, offset := pagination(r, 50, 100)

	versions, err := a.versions.ListVersions(r.Context(), roomID, limit, offset)
	if err != nil {
		a.storeError(w, err, "Failed to list versions")
		return
	}

	response := make([]VersionResponse, len(versions))
	for i := range versions {
		response[i] = versionResponse(&versions[i], false)
	}

	total, err := a.versions.CountVersions(r.Context(), roomID)
	if err != nil {
		a.log.Warn().Err(err).Str("room_id", roomID).Msg("failed to count versions")
	}

	a.jsonResponse(w, http.StatusOK, map[string]any{
		"versions": response,
		"total":    total,
		"limit":    limit,
		"offset":   offset,
	})
}

func (a *API) CreateVersionHandler(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "room_id")
	ctx := r.Context()

	var req CreateVersionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.errorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	current, err := a.store.GetCode(ctx, roomID)
	if err != nil {
		a.storeError(w, err, "Failed to get room")
		return
	}
	if req.Content == "" {
		req.Content = current
	}

	if req.Name == "" {
		if req.IsAuto {
			req.Name = "Auto-save " + a.now().Format(versionTimeLayout)
		} else {
			req.Name = "Version " + a.now().Format(versionTimeLayout)
		}
	}

	contentHash := db.HashContent(req.Content)

	if req.IsAuto {
		latest, err := a.versions.LatestVersion(ctx, roomID)
		if err == nil && latest != nil && latest.ContentHash == contentHash {
			a.jsonResponse(w, http.StatusOK, versionResponse(latest, false))
			return
		}
	}

	version, err := a.versions.CreateVersion(ctx, db.Version{
		RoomID:      roomID,
		Name:        req.Name,
		Description: req.Description,
		Content:     req.Content,
		ContentHash: contentHash,
		CreatedBy:   req.CreatedBy,
		IsAuto:      req.IsAuto,
	})
	if err != nil {
		a.storeError(w, err, "Failed to create version")
		return
	}

	if req.IsAuto {
		if err := a.versions.PruneAutoVersions(ctx, roomID, a.cfg.AutoVersionsKeep); err != nil {
			a.log.Warn().Err(err).Str("room_id", roomID).Msg("failed to prune auto versions")
		}
	}

	a.jsonResponse(w, http.StatusCreated, versionResponse(version, false))
}

func (a *API) GetVersionHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := versionID(w, r, a)
	if !ok {
		return
	}
	if v := a.loadVersion(w, r, id, "Version not found"); v != nil {
		a.jsonResponse(w, http.StatusOK, versionResponse(v, true))
	}
}

func (a *API) DeleteVersionHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := versionID(w, r, a)
	if !ok {
		return
	}

	if err := a.versions.DeleteVersion(r.Context(), id); err != nil {
		a.log.Error().Err(err).Int("version_id", id).Msg("failed to delete version")
		a.errorResponse(w, http.StatusInternalServerError, "Failed to delete version")
		return
	}

	a.jsonResponse(w, http.StatusOK, map[string]string{"message": "Version deleted"})
}

// RestoreVersionHandler makes a version the room's current code, records the
// restore as a new version and pushes the code to everyone in the room.
func (a *API) RestoreVersionHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := versionID(w, r, a)
	if !ok {
		return
	}

	version := a.loadVersion(w, r, id, "Version not found")
	if version == nil {
		return
	}

	ctx, cancel := detached(r)
	defer cancel()

	if err := a.store.ReplaceCode(ctx, version.RoomID, version.Content); err != nil {
		a.storeError(w, err, "Failed to restore version")
		return
	}

	restored, err := a.versions.CreateVersion(ctx, db.Version{
		RoomID:      version.RoomID,
		Name:        "Restored from: " + version.Name,
		Description: fmt.Sprintf("Restored to version %d (%s)", version.ID, version.Name),
		Content:     version.Content,
		ContentHash: version.ContentHash,
	})
	if err != nil {
		a.storeError(w, err, "Failed to create restore version")
		return
	}

	notified := 0
	msg, err := protocol.Encode(protocol.NewCodeUpdate(version.Content, room.Member{ID: ServerUserID}))
	if err != nil {
		a.log.Error().Err(err).Msg("failed to encode restore broadcast")
	} else {
		notified = a.hub.Broadcast(version.RoomID, msg, "")
	}

	a.log.Info().
		Str("room_id", version.RoomID).
		Int("version_id", version.ID).
		Int("notified", notified).
		Msg("version restored")

	a.jsonResponse(w, http.StatusOK, map[string]any{
		"message":       "Version restored",
		"restored_from": version.ID,
		"new_version":   restored.ID,
		"room_id":       version.RoomID,
		"content":       version.Content,
		"notified":      notified,
	})
}
