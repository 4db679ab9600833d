package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/ashureev/ideacapture/internal/domain"
	"github.com/ashureev/ideacapture/internal/identity"
	"github.com/ashureev/ideacapture/internal/realtime"
	"github.com/go-chi/chi/v5"
)

// History returns the persisted history of a session, oldest first.
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	if !identity.ValidID(sessionID) {
		Error(w, http.StatusBadRequest, "invalid session id")
		return
	}

	rows, err := h.repo.ListMessages(r.Context(), sessionID)
	if err != nil {
		slog.Error("Failed to load history", "error", err, "session_id", sessionID)
		Error(w, http.StatusInternalServerError, "failed to load history")
		return
	}

	out := make([]domain.HistoryMessage, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.History())
	}
	JSON(w, http.StatusOK, out)
}

// PublishEvents accepts one frame or an array of frames from a speech agent
// and publishes them to the session's subscribers.
func (h *Handler) PublishEvents(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	if !identity.ValidID(sessionID) {
		Error(w, http.StatusBadRequest, "invalid session id")
		return
	}

	var raw json.RawMessage
	if err := decodeJSON(w, r, &raw); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	frames, err := realtime.DecodeFrames(raw)
	if err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}

	ids := make([]string, 0, len(frames))
	for _, f := range frames {
		f.SessionID = sessionID
		if f.Participant == "" {
			f.Participant = identity.ParticipantFromContext(r.Context())
		}
		published, err := h.hub.Publish(r.Context(), f)
		if err != nil {
			slog.Warn("Rejected event", "error", err, "session_id", sessionID, "entry_id", f.ID)
			Error(w, http.StatusBadRequest, err.Error())
			return
		}
		ids = append(ids, published.ID)
	}

	JSON(w, http.StatusAccepted, map[string]any{"published": len(ids), "ids": ids})
}
