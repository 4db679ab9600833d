// Package attachment manages the two-phase stage → confirm lifecycle of image
// attachments for the active session.
package attachment

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/ashureev/ideacapture/internal/domain"
	"github.com/google/uuid"
)

// ErrSessionChanged is returned for a stage or confirm result that arrived
// after the stager was reset.
var ErrSessionChanged = errors.New("session changed while staging")

// File is an image selected for upload.
type File struct {
	Name        string
	ContentType string
	Data        []byte
	// LocalPath, when set, is used as the preview instead of inlining Data.
	LocalPath string
}

// UploadLocation is a write location issued by the staging service.
type UploadLocation struct {
	UploadURL  string `json:"upload_url"`
	DurableRef string `json:"durable_ref"`
}

// StagingService is the two-phase file-staging contract.
type StagingService interface {
	// RequestUploadLocation issues a write location for a pending upload.
	RequestUploadLocation(ctx context.Context, fileName, contentType, sessionID string) (UploadLocation, error)
	// Upload writes the raw file bytes to a location issued above.
	Upload(ctx context.Context, uploadURL, contentType string, data []byte) error
	// ConfirmUpload durably attaches a staged upload to the session.
	ConfirmUpload(ctx context.Context, durableRef, sessionID, originalName string) (domain.HistoryMessage, error)
}

// Transcript is the part of the transcript synchronizer the stager needs.
type Transcript interface {
	SessionID() string
	Attachments() []domain.AttachmentItem
	Append(entries ...domain.TranscriptEntry)
}

// Stager holds the staged attachments of one session.
type Stager struct {
	svc        StagingService
	transcript Transcript
	logger     *slog.Logger

	mu        sync.Mutex
	sessionID string
	// generation is bumped by Reset; results of calls started under an
	// older generation are dropped.
	generation uint64
	staged     []domain.AttachmentItem
	// reserved counts stage calls that passed the quota check but have not
	// finished their network round trips yet.
	reserved int
}

// NewStager creates a stager that confirms attachments into transcript.
func NewStager(svc StagingService, transcript Transcript, logger *slog.Logger) *Stager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Stager{
		svc:        svc,
		transcript: transcript,
		logger:     logger,
		sessionID:  transcript.SessionID(),
	}
}

// Reset abandons every staged item and scopes the stager to sessionID.
func (s *Stager) Reset(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n := len(s.staged); n > 0 {
		s.logger.Info("Abandoning staged attachments", "session_id", s.sessionID, "count", n)
	}
	s.sessionID = sessionID
	s.generation++
	s.staged = nil
	s.reserved = 0
}

// Staged returns the currently staged items.
func (s *Stager) Staged() []domain.AttachmentItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.staged)
}

// Remaining returns how many more attachments the session accepts.
func (s *Stager) Remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return domain.MaxAttachments - s.used()
}

func (s *Stager) used() int {
	return len(s.staged) + s.reserved + len(s.transcript.Attachments())
}

// Stage uploads f to pending storage and holds it as a staged item.
//
// The file type and the quota are checked before any network call. Either
// both the location request and the raw upload succeed and the item becomes
// visible, or a StagingError is returned and nothing is added.
func (s *Stager) Stage(ctx context.Context, f File) (domain.AttachmentItem, error) {
	if !isImage(f) {
		return domain.AttachmentItem{}, &domain.StagingError{FileName: f.Name, Err: domain.ErrNotImage}
	}

	s.mu.Lock()
	if s.used() >= domain.MaxAttachments {
		s.mu.Unlock()
		return domain.AttachmentItem{}, domain.ErrQuotaExceeded
	}
	sessionID, gen := s.sessionID, s.generation
	s.reserved++
	s.mu.Unlock()

	item, err := s.upload(ctx, sessionID, f)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.generation != gen {
		// Reset already cleared the reservation.
		return domain.AttachmentItem{}, &domain.StagingError{FileName: f.Name, Err: ErrSessionChanged}
	}
	s.reserved--
	if err != nil {
		s.logger.Warn("Failed to stage attachment", "session_id", sessionID, "file", f.Name, "error", err)
		return domain.AttachmentItem{}, &domain.StagingError{FileName: f.Name, Err: err}
	}
	s.staged = append(s.staged, item)
	s.logger.Info("Attachment staged", "session_id", sessionID, "durable_ref", item.DurableRef)
	return item, nil
}

func (s *Stager) upload(ctx context.Context, sessionID string, f File) (domain.AttachmentItem, error) {
	contentType := f.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	loc, err := s.svc.RequestUploadLocation(ctx, f.Name, contentType, sessionID)
	if err != nil {
		return domain.AttachmentItem{}, fmt.Errorf("request upload location: %w", err)
	}
	if err := s.svc.Upload(ctx, loc.UploadURL, contentType, f.Data); err != nil {
		return domain.AttachmentItem{}, fmt.Errorf("upload: %w", err)
	}
	return domain.AttachmentItem{
		ID:          uuid.NewString(),
		State:       domain.AttachmentStaged,
		DisplayName: f.Name,
		DurableRef:  loc.DurableRef,
		ContentType: contentType,
		PreviewURI:  previewURI(f, contentType),
	}, nil
}

// isImage requires an image extension on the name. The stored file URL keeps
// that extension, which is what makes the confirmed file count as an attachment.
func isImage(f File) bool {
	return domain.IsImageURL(f.Name)
}

func previewURI(f File, contentType string) string {
	if f.LocalPath != "" {
		return "file://" + f.LocalPath
	}
	return "data:" + contentType + ";base64," + base64.StdEncoding.EncodeToString(f.Data)
}

// Confirm durably attaches every staged item, concurrently.
//
// On full success one transcript entry per item is appended and the staged
// set is cleared. If any confirmation fails a ConfirmationError is returned;
// the staged set is cleared as well and nothing is appended, since the
// items that did land are only knowable from a history reload.
func (s *Stager) Confirm(ctx context.Context) ([]domain.TranscriptEntry, error) {
	s.mu.Lock()
	items := slices.Clone(s.staged)
	sessionID, gen := s.sessionID, s.generation
	s.mu.Unlock()

	if len(items) == 0 {
		return nil, nil
	}

	entries := make([]domain.TranscriptEntry, len(items))
	errs := make([]error, len(items))

	var wg sync.WaitGroup
	for i, item := range items {
		i, item := i, item
		wg.Add(1)
		go func() {
			defer wg.Done()
			msg, err := s.svc.ConfirmUpload(ctx, item.DurableRef, sessionID, item.DisplayName)
			if err != nil {
				errs[i] = fmt.Errorf("confirm %q: %w", item.DisplayName, err)
				return
			}
			if msg.Role == "" {
				msg.Role = string(domain.SpeakerUser)
			}
			entries[i] = msg.Entry(uuid.NewString())
		}()
	}
	wg.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.generation != gen {
		s.logger.Debug("Dropping confirm result for abandoned session", "session_id", sessionID)
		return nil, ErrSessionChanged
	}
	s.staged = slices.DeleteFunc(s.staged, func(it domain.AttachmentItem) bool {
		return slices.ContainsFunc(items, func(c domain.AttachmentItem) bool { return c.ID == it.ID })
	})

	var failures []error
	for _, err := range errs {
		if err != nil {
			failures = append(failures, err)
		}
	}
	if len(failures) > 0 {
		s.logger.Warn("Attachment confirmation failed",
			"session_id", sessionID,
			"attempted", len(items),
			"failed", len(failures),
		)
		return nil, &domain.ConfirmationError{Attempted: len(items), Failures: failures}
	}

	s.transcript.Append(entries...)
	s.logger.Info("Attachments confirmed", "session_id", sessionID, "count", len(entries))
	return entries, nil
}
