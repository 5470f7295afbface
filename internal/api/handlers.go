package api

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"

	"realtime-collab/internal/models"
	"realtime-collab/internal/services/collaboration"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

const (
	defaultChangeLimit = 500
	maxChangeLimit     = 5000
)

// Handler handles HTTP requests
// Learning: Uses INTERFACES defined in this package (consumer-driven)
type Handler struct {
	presence  Presence
	sessions  Sessions
	changes   ChangeLog
	snapshots SnapshotStore
	recorder  RecorderStats
	logger    *zap.Logger
}

func NewHandler(
	presence Presence,
	sessions Sessions,
	changes ChangeLog,
	snapshots SnapshotStore,
	recorder RecorderStats,
	logger *zap.Logger,
) *Handler {
	return &Handler{
		presence:  presence,
		sessions:  sessions,
		changes:   changes,
		snapshots: snapshots,
		recorder:  recorder,
		logger:    logger,
	}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"status":      "ok",
		"connections": h.presence.Count(),
		"sessions":    h.sessions.SessionCount(),
	}
	if h.recorder != nil {
		body["recorder_queue"] = h.recorder.QueueLength()
	}
	writeJSON(w, http.StatusOK, body)
}

func (h *Handler) Presence(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"online_users": h.presence.OnlineUsers(),
		"connections":  h.presence.Count(),
	})
}

// Session handlers

func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["id"]

	state, err := h.sessions.State(r.Context(), sessionID)
	if errors.Is(err, collaboration.ErrSessionNotFound) {
		writeError(w, http.StatusNotFound, "session not found: "+sessionID)
		return
	}
	if err != nil {
		h.internalError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, state)
}

func (h *Handler) ListChanges(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["id"]

	after, err := parseUint(r, "after", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "after must be a non-negative integer")
		return
	}
	limit, err := parseUint(r, "limit", defaultChangeLimit)
	if err != nil || limit == 0 {
		writeError(w, http.StatusBadRequest, "limit must be a positive integer")
		return
	}
	if limit > maxChangeLimit {
		limit = maxChangeLimit
	}

	changes, err := h.changes.ListChanges(r.Context(), sessionID, after, int(limit))
	if err != nil {
		h.internalError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": sessionID,
		"changes":    changes,
		"after":      after,
		"limit":      limit,
	})
}

func (h *Handler) PruneChanges(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["id"]

	keep, err := parseUint(r, "keep", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "keep must be a non-negative integer")
		return
	}

	// keep counts beyond int range keep everything
	if keep > math.MaxInt {
		keep = math.MaxInt
	}

	deleted, err := h.changes.DeleteOldChanges(r.Context(), sessionID, int(keep))
	if err != nil {
		h.internalError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"deleted": deleted})
}

func (h *Handler) PutContent(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["id"]

	var update models.SnapshotUpdate
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	snapshot, err := h.snapshots.SaveContent(r.Context(), sessionID, update.Content)
	if err != nil {
		h.internalError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, snapshot)
}

// Notification handlers

func (h *Handler) NotifyUser(w http.ResponseWriter, r *http.Request) {
	payload, ok := decodePayload(w, r)
	if !ok {
		return
	}

	delivered := h.presence.SendToUser(mux.Vars(r)["id"], models.NewEnvelope(models.MessageTypeNotification, payload))
	writeJSON(w, http.StatusAccepted, map[string]any{"delivered": delivered})
}

func (h *Handler) NotifyProject(w http.ResponseWriter, r *http.Request) {
	payload, ok := decodePayload(w, r)
	if !ok {
		return
	}

	delivered, err := h.presence.SendToProject(r.Context(), mux.Vars(r)["id"], models.NewEnvelope(models.MessageTypeNotification, payload))
	if err != nil {
		h.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"delivered": delivered})
}

// decodePayload reads a JSON object used as notification fields.
// The type key is reserved for the envelope.
func decodePayload(w http.ResponseWriter, r *http.Request) (map[string]any, bool) {
	var payload map[string]any
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || payload == nil {
		writeError(w, http.StatusBadRequest, "body must be a JSON object")
		return nil, false
	}
	delete(payload, "type")
	return payload, true
}

func (h *Handler) internalError(w http.ResponseWriter, r *http.Request, err error) {
	h.logger.Error("request failed",
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.Error(err),
	)
	writeError(w, http.StatusInternalServerError, "internal error")
}

func parseUint(r *http.Request, key string, def uint64) (uint64, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	return strconv.ParseUint(raw, 10, 64)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
