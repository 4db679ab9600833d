// Package api provides HTTP handlers for the idea-capture backend.
//
//nolint:revive // "api" package name is intentionally concise for this layer.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/ashureev/ideacapture/internal/blob"
	"github.com/ashureev/ideacapture/internal/relay"
	"github.com/ashureev/ideacapture/internal/store"
	"github.com/go-chi/chi/v5"
)

// Handler provides common handler utilities.
type Handler struct {
	repo      store.Repository
	blobs     *blob.Store
	hub       *relay.Hub
	publicURL string
	maxUpload int64
	logger    *slog.Logger
}

// NewHandler creates a new Handler with common dependencies. publicURL is the
// externally reachable root used to build upload and file URLs.
func NewHandler(repo store.Repository, blobs *blob.Store, hub *relay.Hub, publicURL string, maxUpload int64) *Handler {
	return &Handler{
		repo:      repo,
		blobs:     blobs,
		hub:       hub,
		publicURL: publicURL,
		maxUpload: maxUpload,
		logger:    slog.Default(),
	}
}

// RegisterRoutes registers the history, staging and event routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/session/{id}", h.History)
	r.Post("/session/{id}/events", h.PublishEvents)

	r.Post("/upload-location", h.UploadLocation)
	r.Put("/uploads/{ref}", h.PutUpload)
	r.Post("/confirm-upload", h.ConfirmUpload)
	r.Post("/upload-file", h.UploadFile)
	r.Get("/files/{ref}", h.GetFile)
}

func (h *Handler) uploadURL(ref string) string {
	return h.publicURL + "/uploads/" + url.PathEscape(ref)
}

func (h *Handler) fileURL(ref string) string {
	return h.publicURL + "/files/" + url.PathEscape(ref)
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("failed to encode response", "error", err)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10))
	return dec.Decode(v)
}
