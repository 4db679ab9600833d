// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/ashureev/ideacapture/internal/domain"
)

var (
	// ErrUploadNotFound is returned when no pending upload has the given ref.
	ErrUploadNotFound = errors.New("pending upload not found")
	// ErrUploadIncomplete is returned when confirming before the bytes arrived.
	ErrUploadIncomplete = errors.New("upload has not been received")
	// ErrSessionMismatch is returned when an upload is confirmed for a
	// session other than the one it was requested for.
	ErrSessionMismatch = errors.New("upload belongs to another session")
)

// Message is one persisted history row.
type Message struct {
	ID        string
	SessionID string
	Role      string
	Text      string
	FileURL   string
	CreatedAt time.Time
}

// History returns the wire form of the row.
func (m Message) History() domain.HistoryMessage {
	return domain.HistoryMessage{
		Role:        m.Role,
		TextContent: m.Text,
		FileURL:     m.FileURL,
		Timestamp:   m.CreatedAt,
	}
}

// PendingUpload is an upload location handed out but not yet confirmed.
type PendingUpload struct {
	Ref         string
	SessionID   string
	FileName    string
	ContentType string
	Size        int64
	Uploaded    bool
	CreatedAt   time.Time
}

// Repository defines the interface for persisting session history and
// upload bookkeeping.
type Repository interface {
	// AddMessage appends a row to a session's history. A row whose ID is
	// already stored is replaced.
	AddMessage(ctx context.Context, msg *Message) error

	// ListMessages returns a session's history ordered by creation time.
	ListMessages(ctx context.Context, sessionID string) ([]Message, error)

	// CreatePendingUpload records a new upload location.
	CreatePendingUpload(ctx context.Context, up *PendingUpload) error

	// GetPendingUpload returns the pending upload for ref, or nil if none.
	GetPendingUpload(ctx context.Context, ref string) (*PendingUpload, error)

	// MarkUploaded records that the bytes for ref were received.
	MarkUploaded(ctx context.Context, ref string, size int64) error

	// ConfirmUpload turns a received upload into a history row in one
	// transaction and forgets the pending record.
	ConfirmUpload(ctx context.Context, ref string, msg *Message) error

	// DeleteStaleUploads removes pending uploads older than ttl and returns
	// their refs.
	DeleteStaleUploads(ctx context.Context, ttl time.Duration) ([]string, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
