// Package transcript merges persisted history, streaming transcription and
// chat events into one ordered, deduplicated session transcript.
package transcript

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/ashureev/ideacapture/internal/domain"
)

// ErrStaleSession is returned when a history result arrives for a session
// that is no longer active, or after a newer load has started.
var ErrStaleSession = errors.New("stale session result")

// HistoryService returns the durable ordered record of a session.
type HistoryService interface {
	History(ctx context.Context, sessionID string) ([]domain.HistoryMessage, error)
}

// Event is one delivery from the realtime transport: a partial or final
// transcription segment, or a chat message. Re-delivery under the same ID
// replaces the previous value.
type Event struct {
	ID         string
	Speaker    domain.Speaker
	Content    domain.Content
	OccurredAt time.Time
}

// Synchronizer owns the transcript of the active session.
type Synchronizer struct {
	history HistoryService
	logger  *slog.Logger

	mu         sync.RWMutex
	sessionID  string
	generation uint64
	entries    []domain.TranscriptEntry
}

// NewSynchronizer creates a synchronizer backed by a history service.
func NewSynchronizer(history HistoryService, logger *slog.Logger) *Synchronizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Synchronizer{
		history: history,
		logger:  logger,
	}
}

// SessionID returns the active session id.
func (s *Synchronizer) SessionID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessionID
}

// Reset discards all state and makes sessionID the active session.
// Any history load still in flight becomes stale.
func (s *Synchronizer) Reset(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reset(sessionID)
}

func (s *Synchronizer) reset(sessionID string) uint64 {
	s.sessionID = sessionID
	s.generation++
	s.entries = nil
	return s.generation
}

// LoadHistory rebuilds the transcript of sessionID from the history service.
//
// The previous state is discarded before the request is issued. The result is
// applied only if no other Reset or LoadHistory happened in the meantime;
// otherwise ErrStaleSession is returned and nothing changes. Live events merged
// while the request was in flight are kept and win over history on id
// collision. On failure the transcript stays empty.
func (s *Synchronizer) LoadHistory(ctx context.Context, sessionID string) ([]domain.TranscriptEntry, error) {
	s.mu.Lock()
	gen := s.reset(sessionID)
	s.mu.Unlock()

	rows, err := s.history.History(ctx, sessionID)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.generation != gen || s.sessionID != sessionID {
		s.logger.Debug("Dropping stale history result", "session_id", sessionID)
		return nil, ErrStaleSession
	}
	if err != nil {
		s.entries = nil
		var te *domain.TransportError
		if errors.As(err, &te) {
			return nil, err
		}
		return nil, &domain.TransportError{Op: "load history", Err: err}
	}

	loaded := make([]domain.TranscriptEntry, 0, len(rows))
	for i, row := range rows {
		loaded = append(loaded, row.Entry(domain.HistoryEntryID(i, row.Timestamp)))
	}
	live := s.entries
	s.entries = merge(loaded, live)

	s.logger.Info("Transcript loaded",
		"session_id", sessionID,
		"history", len(loaded),
		"live", len(live),
		"attachments", len(s.attachments()),
	)
	return slices.Clone(s.entries), nil
}

// MergeEvents folds a batch of transport events into the transcript.
// Events without an id are dropped. An event without a speaker keeps the
// speaker of the entry it replaces, or defaults to the agent.
func (s *Synchronizer) MergeEvents(events []Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	incoming := make([]domain.TranscriptEntry, 0, len(events))
	for _, ev := range events {
		if ev.ID == "" {
			s.logger.Debug("Dropping transcript event without id", "session_id", s.sessionID)
			continue
		}
		incoming = append(incoming, domain.TranscriptEntry{
			ID:         ev.ID,
			Speaker:    ev.Speaker,
			Content:    ev.Content,
			OccurredAt: ev.OccurredAt,
		})
	}
	if len(incoming) == 0 {
		return
	}
	s.entries = merge(s.entries, incoming)
}

// Append adds entries produced locally, e.g. confirmed attachments.
func (s *Synchronizer) Append(entries ...domain.TranscriptEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = merge(s.entries, entries)
}

// Entries returns the full ordered transcript.
func (s *Synchronizer) Entries() []domain.TranscriptEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.entries)
}

// Messages returns the plain message view. Image attachments are excluded;
// they surface only through Attachments.
func (s *Synchronizer) Messages() []domain.TranscriptEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.TranscriptEntry, 0, len(s.entries))
	for _, e := range s.entries {
		if e.Content.IsImage() {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Attachments returns the confirmed-attachment projection: one item per
// distinct image file reference, in transcript order.
func (s *Synchronizer) Attachments() []domain.AttachmentItem {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.attachments()
}

func (s *Synchronizer) attachments() []domain.AttachmentItem {
	var out []domain.AttachmentItem
	seen := make(map[string]struct{})
	for _, e := range s.entries {
		if !e.Content.IsImage() {
			continue
		}
		if _, ok := seen[e.Content.FileURL]; ok {
			continue
		}
		seen[e.Content.FileURL] = struct{}{}
		out = append(out, domain.ConfirmedAttachment(e))
	}
	return out
}

// merge builds the id-keyed union of current and incoming, letting incoming
// overwrite, then stable-sorts by OccurredAt. An overwritten entry keeps the
// delivery slot of its first observation.
func merge(current, incoming []domain.TranscriptEntry) []domain.TranscriptEntry {
	out := make([]domain.TranscriptEntry, 0, len(current)+len(incoming))
	slot := make(map[string]int, len(current)+len(incoming))

	put := func(e domain.TranscriptEntry) {
		if i, ok := slot[e.ID]; ok {
			if e.Speaker == "" {
				e.Speaker = out[i].Speaker
			}
			out[i] = e
			return
		}
		if e.Speaker == "" {
			e.Speaker = domain.SpeakerAgent
		}
		slot[e.ID] = len(out)
		out = append(out, e)
	}
	for _, e := range current {
		put(e)
	}
	for _, e := range incoming {
		put(e)
	}

	slices.SortStableFunc(out, func(a, b domain.TranscriptEntry) int {
		return a.OccurredAt.Compare(b.OccurredAt)
	})
	return out
}
