package attachment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/ashureev/ideacapture/internal/domain"
	"github.com/google/uuid"
)

const fusedScheme = "pending://"

var errUnknownUpload = errors.New("unknown pending upload")

// FusedUploader is the single-call upload variant: the file is stored and
// attached to the session in one request.
type FusedUploader interface {
	UploadFile(ctx context.Context, sessionID, fileName, contentType string, data []byte) (domain.HistoryMessage, error)
}

type pendingFile struct {
	name        string
	contentType string
	data        []byte
}

// Fused adapts a FusedUploader to the two-phase StagingService contract.
// Staging keeps the bytes locally; confirmation performs the fused call.
type Fused struct {
	uploader FusedUploader

	mu      sync.Mutex
	pending map[string]*pendingFile
}

// NewFused wraps uploader.
func NewFused(uploader FusedUploader) *Fused {
	return &Fused{
		uploader: uploader,
		pending:  make(map[string]*pendingFile),
	}
}

// RequestUploadLocation allocates a local pending slot.
func (f *Fused) RequestUploadLocation(_ context.Context, fileName, contentType, _ string) (UploadLocation, error) {
	ref := uuid.NewString()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending[ref] = &pendingFile{name: fileName, contentType: contentType}
	return UploadLocation{UploadURL: fusedScheme + ref, DurableRef: ref}, nil
}

// Upload keeps data in the pending slot.
func (f *Fused) Upload(_ context.Context, uploadURL, contentType string, data []byte) error {
	ref, ok := strings.CutPrefix(uploadURL, fusedScheme)
	if !ok {
		return fmt.Errorf("%w: %s", errUnknownUpload, uploadURL)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.pending[ref]
	if !ok {
		return fmt.Errorf("%w: %s", errUnknownUpload, ref)
	}
	p.data = append([]byte(nil), data...)
	if contentType != "" {
		p.contentType = contentType
	}
	return nil
}

// ConfirmUpload sends the pending file in one fused request. The slot is
// released whether or not the request succeeds.
func (f *Fused) ConfirmUpload(ctx context.Context, durableRef, sessionID, originalName string) (domain.HistoryMessage, error) {
	f.mu.Lock()
	p, ok := f.pending[durableRef]
	delete(f.pending, durableRef)
	f.mu.Unlock()
	if !ok {
		return domain.HistoryMessage{}, fmt.Errorf("%w: %s", errUnknownUpload, durableRef)
	}

	name := originalName
	if name == "" {
		name = p.name
	}
	return f.uploader.UploadFile(ctx, sessionID, name, p.contentType, p.data)
}
