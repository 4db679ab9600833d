// Package realtime delivers streaming transcription segments and chat events
// for an active session.
package realtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ashureev/ideacapture/internal/domain"
	"github.com/ashureev/ideacapture/internal/transcript"
)

// Frame types.
const (
	FrameSegment = "segment"
	FrameChat    = "chat"
)

var errUnknownFrame = errors.New("unknown frame type")

// Frame is the wire form of one realtime delivery.
//
// Segments are tagged with a speaker; a partial segment is re-sent under the
// same ID until Final. Chat frames carry the sending participant instead.
type Frame struct {
	Type        string `json:"type"`
	ID          string `json:"id"`
	SessionID   string `json:"session_id,omitempty"`
	Speaker     string `json:"speaker,omitempty"`
	Participant string `json:"participant,omitempty"`
	Text        string `json:"text"`
	Final       bool   `json:"final,omitempty"`
	Timestamp   int64  `json:"timestamp"`
}

// Time returns the frame timestamp.
func (f Frame) Time() time.Time {
	return time.UnixMilli(f.Timestamp)
}

// Durable reports whether the frame belongs in persisted history.
func (f Frame) Durable() bool {
	return f.Type == FrameChat || (f.Type == FrameSegment && f.Final)
}

// ResolveSpeaker maps the frame to a transcript speaker. Chat frames from self are the
// user; every other participant is the agent.
func (f Frame) ResolveSpeaker(self string) domain.Speaker {
	switch f.Type {
	case FrameChat:
		if f.Participant != "" && f.Participant == self {
			return domain.SpeakerUser
		}
		return domain.SpeakerAgent
	default:
		if f.Speaker == string(domain.SpeakerUser) {
			return domain.SpeakerUser
		}
		return domain.SpeakerAgent
	}
}

// Event converts the frame into a transcript event.
func (f Frame) Event(self string) (transcript.Event, error) {
	if f.Type != FrameSegment && f.Type != FrameChat {
		return transcript.Event{}, fmt.Errorf("%w: %q", errUnknownFrame, f.Type)
	}
	return transcript.Event{
		ID:         f.ID,
		Speaker:    f.ResolveSpeaker(self),
		Content:    domain.TextContent(f.Text),
		OccurredAt: f.Time(),
	}, nil
}

// Batch is one delivery of events for a session.
type Batch struct {
	SessionID string
	Events    []transcript.Event
}

// Transport is a realtime channel for one participant.
type Transport interface {
	// Subscribe streams batches for sessionID until ctx ends or the
	// connection drops; the channel is closed afterwards.
	Subscribe(ctx context.Context, sessionID string) (<-chan Batch, error)
	// SendChat publishes a chat message from this participant.
	SendChat(ctx context.Context, sessionID, text string) error
	// Close releases the transport.
	Close() error
}

// DecodeFrames accepts a single frame object or an array of frames.
func DecodeFrames(data []byte) ([]Frame, error) {
	if trimmed := bytes.TrimLeft(data, " \t\r\n"); len(trimmed) > 0 && trimmed[0] == '[' {
		var frames []Frame
		if err := json.Unmarshal(trimmed, &frames); err != nil {
			return nil, fmt.Errorf("decode frames: %w", err)
		}
		return frames, nil
	}
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	return []Frame{f}, nil
}

// toBatch converts frames to events, dropping the ones that do not convert.
func toBatch(sessionID, self string, frames []Frame) Batch {
	b := Batch{SessionID: sessionID, Events: make([]transcript.Event, 0, len(frames))}
	for _, f := range frames {
		ev, err := f.Event(self)
		if err != nil {
			continue
		}
		b.Events = append(b.Events, ev)
	}
	return b
}
