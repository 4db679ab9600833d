package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/ashureev/ideacapture/internal/domain"
	"github.com/ashureev/ideacapture/internal/realtime"
)

// Describe turns an operation failure into one user-facing sentence.
func Describe(err error) string {
	var (
		te *domain.TransportError
		se *domain.StagingError
		ce *domain.ConfirmationError
	)
	switch {
	case err == nil:
		return ""
	case errors.Is(err, domain.ErrQuotaExceeded):
		return fmt.Sprintf("You can attach at most %d images to a session.", domain.MaxAttachments)
	case errors.Is(err, domain.ErrNotImage):
		return "Only images (jpg, png, gif, webp) can be attached."
	case errors.As(err, &ce):
		return fmt.Sprintf("%d of %d images could not be attached. The conversation was reloaded.",
			len(ce.Failures), ce.Attempted)
	case errors.As(err, &se):
		return fmt.Sprintf("Could not upload %s. Please try again.", se.FileName)
	case errors.As(err, &te):
		if te.StatusCode != 0 {
			return fmt.Sprintf("Could not reach the server (%s: %d %s).",
				te.Op, te.StatusCode, http.StatusText(te.StatusCode))
		}
		return fmt.Sprintf("Could not reach the server (%s).", te.Op)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "The request timed out."
	default:
		return "Something went wrong: " + err.Error()
	}
}

// Join opens sessionID and streams its realtime events into the transcript
// until ctx ends. The returned channel is closed when streaming stops.
func (c *Controller) Join(ctx context.Context, t realtime.Transport, sessionID string) (<-chan struct{}, error) {
	if err := c.Open(ctx, sessionID); err != nil {
		c.logger.Warn("Continuing without history", "session_id", sessionID, "error", err)
	}
	batches, err := t.Subscribe(ctx, sessionID)
	if err != nil {
		c.fail(&domain.TransportError{Op: "subscribe", Err: err})
		return nil, err
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Run(ctx, batches)
	}()
	return done, nil
}
