// Package session runs the transcript synchronizer and the attachment stager
// for one active session at a time.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/ideacapture/internal/attachment"
	"github.com/ashureev/ideacapture/internal/domain"
	"github.com/ashureev/ideacapture/internal/realtime"
	"github.com/ashureev/ideacapture/internal/transcript"
)

// Notice is a user-facing notification.
type Notice struct {
	Level slog.Level
	Text  string
	At    time.Time
}

// Notifier receives notices.
type Notifier interface {
	Notify(n Notice)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Notice)

// Notify calls f.
func (f NotifierFunc) Notify(n Notice) { f(n) }

// Controller owns the transcript and the staged attachments of the active
// session. Operations never leave it unusable: failures are reported as a
// notice and returned to the caller.
type Controller struct {
	transcript *transcript.Synchronizer
	stager     *attachment.Stager
	notifier   Notifier
	logger     *slog.Logger

	// mu serializes merges, switches and completions so no two of them
	// interleave.
	mu sync.Mutex
}

// Option configures a Controller.
type Option func(*Controller)

// WithNotifier sets the notification sink.
func WithNotifier(n Notifier) Option {
	return func(c *Controller) { c.notifier = n }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// NewController wires a synchronizer and a stager over the given services.
func NewController(history transcript.HistoryService, staging attachment.StagingService, opts ...Option) *Controller {
	c := &Controller{logger: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}
	if c.notifier == nil {
		logger := c.logger
		c.notifier = NotifierFunc(func(n Notice) {
			logger.Log(context.Background(), n.Level, n.Text)
		})
	}
	c.transcript = transcript.NewSynchronizer(history, c.logger)
	c.stager = attachment.NewStager(staging, c.transcript, c.logger)
	return c
}

// Transcript returns the synchronizer of the active session.
func (c *Controller) Transcript() *transcript.Synchronizer { return c.transcript }

// Stager returns the attachment stager of the active session.
func (c *Controller) Stager() *attachment.Stager { return c.stager }

// SessionID returns the active session id.
func (c *Controller) SessionID() string { return c.transcript.SessionID() }

// Open makes sessionID the active session and loads its history.
// All state of the previous session is discarded first; a late history
// result of an older Open is ignored.
func (c *Controller) Open(ctx context.Context, sessionID string) error {
	c.mu.Lock()
	c.stager.Reset(sessionID)
	c.transcript.Reset(sessionID)
	c.mu.Unlock()

	c.logger.Info("Session opened", "session_id", sessionID)
	return c.reload(ctx, sessionID)
}

func (c *Controller) reload(ctx context.Context, sessionID string) error {
	_, err := c.transcript.LoadHistory(ctx, sessionID)
	if errors.Is(err, transcript.ErrStaleSession) {
		return nil
	}
	if err != nil {
		c.fail(err)
		return err
	}
	return nil
}

// Apply merges a transport batch. Batches for other sessions are dropped.
func (c *Controller) Apply(b realtime.Batch) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if b.SessionID != c.transcript.SessionID() {
		c.logger.Debug("Dropping batch for inactive session", "session_id", b.SessionID, "count", len(b.Events))
		return
	}
	c.transcript.MergeEvents(b.Events)
}

// Run applies batches in delivery order until ctx ends or batches closes.
func (c *Controller) Run(ctx context.Context, batches <-chan realtime.Batch) {
	for {
		select {
		case <-ctx.Done():
			return
		case b, ok := <-batches:
			if !ok {
				return
			}
			c.Apply(b)
		}
	}
}

// Stage stages an image for the active session.
func (c *Controller) Stage(ctx context.Context, f attachment.File) (domain.AttachmentItem, error) {
	item, err := c.stager.Stage(ctx, f)
	if errors.Is(err, attachment.ErrSessionChanged) {
		c.logger.Debug("Ignoring stage result for abandoned session", "file", f.Name)
		return domain.AttachmentItem{}, err
	}
	if err != nil {
		c.fail(err)
		return domain.AttachmentItem{}, err
	}
	return item, nil
}

// Confirm confirms every staged image. When some confirmations fail the
// transcript is rebuilt from history, since the client cannot tell which of
// them landed.
func (c *Controller) Confirm(ctx context.Context) ([]domain.TranscriptEntry, error) {
	sessionID := c.SessionID()
	entries, err := c.stager.Confirm(ctx)
	if err == nil {
		if len(entries) > 0 {
			c.notify(slog.LevelInfo, attachedText(len(entries)))
		}
		return entries, nil
	}
	if errors.Is(err, attachment.ErrSessionChanged) {
		c.logger.Debug("Ignoring confirm result for abandoned session", "session_id", sessionID)
		return nil, err
	}

	c.fail(err)
	var ce *domain.ConfirmationError
	if errors.As(err, &ce) && c.SessionID() == sessionID {
		c.logger.Info("Reloading history after partial confirmation", "session_id", sessionID)
		if reloadErr := c.reload(ctx, sessionID); reloadErr != nil {
			return nil, errors.Join(err, reloadErr)
		}
	}
	return nil, err
}

func attachedText(n int) string {
	if n == 1 {
		return "1 image attached"
	}
	return fmt.Sprintf("%d images attached", n)
}

func (c *Controller) fail(err error) {
	c.notify(slog.LevelError, Describe(err))
}

func (c *Controller) notify(level slog.Level, text string) {
	c.notifier.Notify(Notice{Level: level, Text: text, At: time.Now()})
}
