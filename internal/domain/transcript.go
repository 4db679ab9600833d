// Package domain contains core domain types for the idea-capture client.
package domain

import (
	"fmt"
	"path"
	"regexp"
	"strings"
	"time"
)

// Speaker identifies who produced a transcript entry.
type Speaker string

const (
	// SpeakerUser is the local participant.
	SpeakerUser Speaker = "user"
	// SpeakerAgent is the voice assistant (or any remote participant).
	SpeakerAgent Speaker = "agent"
)

// FilePrefix marks the text of a message that records an attached file.
const FilePrefix = "📎 "

var imageURLPattern = regexp.MustCompile(`(?i)\.(jpg|jpeg|png|gif|webp)(\?.*)?$`)

// IsImageURL reports whether a file URL points at an image the client can
// render as a thumbnail.
func IsImageURL(fileURL string) bool {
	return fileURL != "" && imageURLPattern.MatchString(fileURL)
}

// SpeakerFromRole maps a persisted history role to a speaker.
// Only "user" is the local participant; the backend stores the assistant as
// "model" and older rows use "assistant" or "agent".
func SpeakerFromRole(role string) Speaker {
	if strings.EqualFold(strings.TrimSpace(role), string(SpeakerUser)) {
		return SpeakerUser
	}
	return SpeakerAgent
}

// Content is either free text or a reference to an attached file.
// A non-empty FileURL makes it a file reference; Text is then its label.
type Content struct {
	Text    string `json:"text" yaml:"text"`
	FileURL string `json:"file_url,omitempty" yaml:"file_url,omitempty"`
}

// TextContent builds a free-text content value.
func TextContent(text string) Content {
	return Content{Text: text}
}

// FileContent builds a file-reference content value.
func FileContent(label, fileURL string) Content {
	return Content{Text: label, FileURL: fileURL}
}

// IsFile reports whether the content references a file.
func (c Content) IsFile() bool {
	return c.FileURL != ""
}

// IsImage reports whether the content references an image file.
func (c Content) IsImage() bool {
	return IsImageURL(c.FileURL)
}

// TranscriptEntry is one message in a session transcript.
type TranscriptEntry struct {
	ID         string    `json:"id" yaml:"id"`
	Speaker    Speaker   `json:"speaker" yaml:"speaker"`
	Content    Content   `json:"content" yaml:"content"`
	OccurredAt time.Time `json:"occurred_at" yaml:"occurred_at"`
}

// HistoryMessage is a row of the durable session history as served by the
// history service.
type HistoryMessage struct {
	Role        string    `json:"role"`
	TextContent string    `json:"text_content"`
	FileURL     string    `json:"file_url,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// HistoryEntryID derives the stable identifier of a history row from its
// position and timestamp.
func HistoryEntryID(index int, ts time.Time) string {
	return fmt.Sprintf("history-%d-%d", index, ts.UnixMilli())
}

// Entry converts a history row into a transcript entry with the given id.
func (m HistoryMessage) Entry(id string) TranscriptEntry {
	content := TextContent(m.TextContent)
	if m.FileURL != "" {
		content = FileContent(m.TextContent, m.FileURL)
	}
	return TranscriptEntry{
		ID:         id,
		Speaker:    SpeakerFromRole(m.Role),
		Content:    content,
		OccurredAt: m.Timestamp,
	}
}

// DisplayName derives a human-readable file name from a file message.
// The recorded label wins; otherwise the last path segment of the URL is used.
func DisplayName(label, fileURL string) string {
	if name := strings.TrimSpace(strings.TrimPrefix(label, FilePrefix)); name != "" {
		return name
	}
	u := fileURL
	if i := strings.IndexByte(u, '?'); i >= 0 {
		u = u[:i]
	}
	return path.Base(u)
}
