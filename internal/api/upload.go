package api

import (
	"errors"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/ashureev/ideacapture/internal/blob"
	"github.com/ashureev/ideacapture/internal/domain"
	"github.com/ashureev/ideacapture/internal/identity"
	"github.com/ashureev/ideacapture/internal/store"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// multipartOverhead is allowed on top of the file size for form fields.
const multipartOverhead = 1 << 20

type uploadLocationRequest struct {
	FileName    string `json:"file_name"`
	ContentType string `json:"content_type"`
	SessionID   string `json:"session_id"`
}

type uploadLocationResponse struct {
	UploadURL  string `json:"upload_url"`
	DurableRef string `json:"durable_ref"`
}

type confirmUploadRequest struct {
	DurableRef       string `json:"durable_ref"`
	SessionID        string `json:"session_id"`
	OriginalFileName string `json:"original_file_name"`
}

type uploadResponse struct {
	Message    string                `json:"message"`
	FileURL    string                `json:"file_url"`
	NewMessage domain.HistoryMessage `json:"new_message"`
}

func cleanFileName(name string) string {
	name = filepath.Base(strings.ReplaceAll(strings.TrimSpace(name), "\\", "/"))
	if name == "." || name == "/" {
		return ""
	}
	return name
}

// UploadLocation hands out a write location for one file.
func (h *Handler) UploadLocation(w http.ResponseWriter, r *http.Request) {
	var req uploadLocationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	name := cleanFileName(req.FileName)
	if name == "" {
		Error(w, http.StatusBadRequest, "file_name is required")
		return
	}
	if !identity.ValidID(req.SessionID) {
		Error(w, http.StatusBadRequest, "invalid session_id")
		return
	}
	contentType := req.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	up := &store.PendingUpload{
		Ref:         blob.NewRef(name),
		SessionID:   req.SessionID,
		FileName:    name,
		ContentType: contentType,
		CreatedAt:   time.Now(),
	}
	if err := h.repo.CreatePendingUpload(r.Context(), up); err != nil {
		slog.Error("Failed to create pending upload", "error", err, "session_id", req.SessionID)
		Error(w, http.StatusInternalServerError, "failed to create upload location")
		return
	}

	slog.Info("Upload location issued", "session_id", req.SessionID, "durable_ref", up.Ref)
	JSON(w, http.StatusOK, uploadLocationResponse{
		UploadURL:  h.uploadURL(up.Ref),
		DurableRef: up.Ref,
	})
}

// PutUpload receives the raw bytes for an issued location.
func (h *Handler) PutUpload(w http.ResponseWriter, r *http.Request) {
	ref := chi.URLParam(r, "ref")
	up, err := h.repo.GetPendingUpload(r.Context(), ref)
	if err != nil {
		slog.Error("Failed to look up pending upload", "error", err, "durable_ref", ref)
		Error(w, http.StatusInternalServerError, "failed to look up upload")
		return
	}
	if up == nil {
		Error(w, http.StatusNotFound, "unknown upload location")
		return
	}

	n, err := h.blobs.Put(ref, http.MaxBytesReader(w, r.Body, h.maxUpload+1))
	if err != nil {
		h.writeBlobError(w, err, ref)
		return
	}
	if err := h.repo.MarkUploaded(r.Context(), ref, n); err != nil {
		slog.Error("Failed to mark upload received", "error", err, "durable_ref", ref)
		Error(w, http.StatusInternalServerError, "failed to record upload")
		return
	}

	slog.Info("Upload received", "session_id", up.SessionID, "durable_ref", ref, "size", n)
	JSON(w, http.StatusOK, map[string]any{"durable_ref": ref, "size": n})
}

// ConfirmUpload attaches a received upload to its session's history.
func (h *Handler) ConfirmUpload(w http.ResponseWriter, r *http.Request) {
	var req confirmUploadRequest
	if err := decodeJSON(w, r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.DurableRef == "" || !identity.ValidID(req.SessionID) {
		Error(w, http.StatusBadRequest, "durable_ref and session_id are required")
		return
	}

	up, err := h.repo.GetPendingUpload(r.Context(), req.DurableRef)
	if err != nil {
		slog.Error("Failed to look up pending upload", "error", err, "durable_ref", req.DurableRef)
		Error(w, http.StatusInternalServerError, "failed to look up upload")
		return
	}
	if up == nil {
		Error(w, http.StatusNotFound, store.ErrUploadNotFound.Error())
		return
	}

	name := cleanFileName(req.OriginalFileName)
	if name == "" {
		name = up.FileName
	}
	msg := h.attachmentMessage(req.SessionID, name, req.DurableRef)
	if err := h.repo.ConfirmUpload(r.Context(), req.DurableRef, msg); err != nil {
		switch {
		case errors.Is(err, store.ErrUploadNotFound):
			Error(w, http.StatusNotFound, err.Error())
		case errors.Is(err, store.ErrUploadIncomplete), errors.Is(err, store.ErrSessionMismatch):
			Error(w, http.StatusConflict, err.Error())
		default:
			slog.Error("Failed to confirm upload", "error", err, "durable_ref", req.DurableRef)
			Error(w, http.StatusInternalServerError, "failed to confirm upload")
		}
		return
	}

	slog.Info("Upload confirmed", "session_id", req.SessionID, "durable_ref", req.DurableRef)
	JSON(w, http.StatusOK, uploadResponse{
		Message:    "File uploaded successfully",
		FileURL:    msg.FileURL,
		NewMessage: msg.History(),
	})
}

// UploadFile stores a multipart file and attaches it in one request.
func (h *Handler) UploadFile(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload+multipartOverhead)
	file, header, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			Error(w, http.StatusRequestEntityTooLarge, "file too large")
			return
		}
		Error(w, http.StatusBadRequest, "file is required")
		return
	}
	defer func() {
		if closeErr := file.Close(); closeErr != nil {
			slog.Debug("failed to close multipart file", "error", closeErr)
		}
	}()

	sessionID := r.FormValue("session_id")
	if !identity.ValidID(sessionID) {
		Error(w, http.StatusBadRequest, "invalid session_id")
		return
	}
	name := cleanFileName(header.Filename)
	if name == "" {
		Error(w, http.StatusBadRequest, "file name is required")
		return
	}

	ref := blob.NewRef(name)
	if _, err := h.blobs.Put(ref, file); err != nil {
		h.writeBlobError(w, err, ref)
		return
	}

	msg := h.attachmentMessage(sessionID, name, ref)
	if err := h.repo.AddMessage(r.Context(), msg); err != nil {
		slog.Error("Failed to record uploaded file", "error", err, "durable_ref", ref)
		if delErr := h.blobs.Delete(ref); delErr != nil {
			slog.Warn("Failed to remove orphaned upload", "error", delErr, "durable_ref", ref)
		}
		Error(w, http.StatusInternalServerError, "failed to record upload")
		return
	}

	slog.Info("File uploaded", "session_id", sessionID, "durable_ref", ref)
	JSON(w, http.StatusOK, uploadResponse{
		Message:    "File uploaded successfully",
		FileURL:    msg.FileURL,
		NewMessage: msg.History(),
	})
}

// GetFile serves stored bytes.
func (h *Handler) GetFile(w http.ResponseWriter, r *http.Request) {
	ref := chi.URLParam(r, "ref")
	f, err := h.blobs.Open(ref)
	if errors.Is(err, blob.ErrNotFound) || errors.Is(err, blob.ErrInvalidRef) {
		Error(w, http.StatusNotFound, "file not found")
		return
	}
	if err != nil {
		slog.Error("Failed to open file", "error", err, "durable_ref", ref)
		Error(w, http.StatusInternalServerError, "failed to open file")
		return
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil {
			slog.Debug("failed to close file", "error", closeErr)
		}
	}()

	info, err := f.Stat()
	if err != nil {
		Error(w, http.StatusInternalServerError, "failed to stat file")
		return
	}
	http.ServeContent(w, r, ref, info.ModTime(), f)
}

func (h *Handler) attachmentMessage(sessionID, name, ref string) *store.Message {
	return &store.Message{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Role:      string(domain.SpeakerUser),
		Text:      domain.FilePrefix + name,
		FileURL:   h.fileURL(ref),
		CreatedAt: time.Now(),
	}
}

func (h *Handler) writeBlobError(w http.ResponseWriter, err error, ref string) {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.Is(err, blob.ErrTooLarge), errors.As(err, &tooLarge):
		Error(w, http.StatusRequestEntityTooLarge, "file too large")
	case errors.Is(err, blob.ErrInvalidRef):
		Error(w, http.StatusNotFound, "unknown upload location")
	default:
		slog.Error("Failed to store upload", "error", err, "durable_ref", ref)
		Error(w, http.StatusInternalServerError, "failed to store upload")
	}
}
