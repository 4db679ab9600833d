// Package relay fans realtime frames out to the participants of a session
// and records the ones that belong in history.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/ideacapture/internal/domain"
	"github.com/ashureev/ideacapture/internal/realtime"
	"github.com/ashureev/ideacapture/internal/store"
	"github.com/google/uuid"
)

// subscriberBuffer is how many frames a slow subscriber may lag behind
// before frames are dropped for it.
const subscriberBuffer = 64

var (
	errNoSession     = errors.New("frame has no session id")
	errUnknownType   = errors.New("unknown frame type")
	errEmptyChatText = errors.New("chat text is empty")
)

// MessageWriter persists history rows.
type MessageWriter interface {
	AddMessage(ctx context.Context, msg *store.Message) error
}

// Subscription receives the frames of one session.
type Subscription struct {
	SessionID   string
	Participant string

	frames chan realtime.Frame
	once   sync.Once
	hub    *Hub
}

// Frames returns the delivery channel. It is closed when the subscription
// ends.
func (s *Subscription) Frames() <-chan realtime.Frame { return s.frames }

// Close ends the subscription.
func (s *Subscription) Close() { s.hub.unsubscribe(s) }

// Hub tracks subscribers per session.
type Hub struct {
	repo   MessageWriter
	logger *slog.Logger

	mu     sync.RWMutex
	active map[string]map[*Subscription]struct{}
}

// NewHub creates a hub. repo may be nil to disable persistence.
func NewHub(repo MessageWriter, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		repo:   repo,
		logger: logger,
		active: make(map[string]map[*Subscription]struct{}),
	}
}

// Subscribe registers a subscriber for sessionID.
func (h *Hub) Subscribe(sessionID, participant string) *Subscription {
	sub := &Subscription{
		SessionID:   sessionID,
		Participant: participant,
		frames:      make(chan realtime.Frame, subscriberBuffer),
		hub:         h,
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.active[sessionID]; !ok {
		h.active[sessionID] = make(map[*Subscription]struct{})
	}
	h.active[sessionID][sub] = struct{}{}
	h.logger.Info("Relay subscriber registered", "session_id", sessionID, "participant", participant)
	return sub
}

func (h *Hub) unsubscribe(sub *Subscription) {
	sub.once.Do(func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if subs, ok := h.active[sub.SessionID]; ok {
			delete(subs, sub)
			if len(subs) == 0 {
				delete(h.active, sub.SessionID)
			}
		}
		close(sub.frames)
		h.logger.Info("Relay subscriber unregistered", "session_id", sub.SessionID, "participant", sub.Participant)
	})
}

// Count returns the number of subscribers of sessionID.
func (h *Hub) Count(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.active[sessionID])
}

// CloseSession ends every subscription of sessionID.
func (h *Hub) CloseSession(sessionID string) {
	h.mu.RLock()
	subs := make([]*Subscription, 0, len(h.active[sessionID]))
	for sub := range h.active[sessionID] {
		subs = append(subs, sub)
	}
	h.mu.RUnlock()

	for _, sub := range subs {
		sub.Close()
	}
}

// Publish normalizes f, persists it when durable, and delivers it to every
// subscriber of its session. The normalized frame is returned.
func (h *Hub) Publish(ctx context.Context, f realtime.Frame) (realtime.Frame, error) {
	f, err := normalize(f)
	if err != nil {
		return realtime.Frame{}, err
	}

	if f.Durable() && h.repo != nil {
		if err := h.repo.AddMessage(ctx, messageFor(f)); err != nil {
			return realtime.Frame{}, fmt.Errorf("persist frame: %w", err)
		}
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.active[f.SessionID] {
		select {
		case sub.frames <- f:
		default:
			h.logger.Warn("Relay subscriber lagging, dropping frame",
				"session_id", f.SessionID, "participant", sub.Participant, "entry_id", f.ID)
		}
	}
	return f, nil
}

func normalize(f realtime.Frame) (realtime.Frame, error) {
	if f.SessionID == "" {
		return f, errNoSession
	}
	switch f.Type {
	case realtime.FrameChat:
		if strings.TrimSpace(f.Text) == "" {
			return f, errEmptyChatText
		}
	case realtime.FrameSegment:
	default:
		return f, fmt.Errorf("%w: %q", errUnknownType, f.Type)
	}
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	if f.Timestamp == 0 {
		f.Timestamp = time.Now().UnixMilli()
	}
	return f, nil
}

// messageFor maps a durable frame to a history row. Chat is the user's
// unless marked as agent chat; segments are the agent's unless marked as
// user speech.
func messageFor(f realtime.Frame) *store.Message {
	role := "model"
	switch {
	case f.Type == realtime.FrameChat && f.Speaker != string(domain.SpeakerAgent):
		role = "user"
	case f.Type == realtime.FrameSegment && f.Speaker == string(domain.SpeakerUser):
		role = "user"
	}
	return &store.Message{
		ID:        f.ID,
		SessionID: f.SessionID,
		Role:      role,
		Text:      f.Text,
		CreatedAt: f.Time(),
	}
}
