package domain

import (
	"errors"
	"fmt"
)

// ErrQuotaExceeded is returned when staging would exceed MaxAttachments.
var ErrQuotaExceeded = errors.New("attachment quota exceeded")

// ErrNotImage is returned when a file other than an image is staged.
var ErrNotImage = errors.New("only images can be attached")

// TransportError reports a failed history or network fetch.
type TransportError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Err != nil:
		return fmt.Sprintf("%s: status %d: %v", e.Op, e.StatusCode, e.Err)
	case e.StatusCode != 0:
		return fmt.Sprintf("%s: status %d", e.Op, e.StatusCode)
	default:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
}

func (e *TransportError) Unwrap() error { return e.Err }

// StagingError reports a failed upload-location request or raw upload.
type StagingError struct {
	FileName string
	Err      error
}

func (e *StagingError) Error() string {
	return fmt.Sprintf("stage %q: %v", e.FileName, e.Err)
}

func (e *StagingError) Unwrap() error { return e.Err }

// ConfirmationError aggregates the failures of one confirm batch.
// Confirmations not listed in Failures may have landed server-side.
type ConfirmationError struct {
	Attempted int
	Failures  []error
}

func (e *ConfirmationError) Error() string {
	return fmt.Sprintf("%d of %d attachment confirmations failed: %v",
		len(e.Failures), e.Attempted, errors.Join(e.Failures...))
}

func (e *ConfirmationError) Unwrap() []error { return e.Failures }
