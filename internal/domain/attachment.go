package domain

// MaxAttachments is the per-session limit on staged plus confirmed images.
const MaxAttachments = 2

// AttachmentState is the lifecycle state of an attachment.
type AttachmentState string

const (
	// AttachmentStaged is uploaded to pending storage but not yet in history.
	AttachmentStaged AttachmentState = "staged"
	// AttachmentConfirmed is durably recorded in session history.
	AttachmentConfirmed AttachmentState = "confirmed"
)

// AttachmentItem is an image attached to a session.
//
// Staged items carry a local preview and the pending durable reference.
// Confirmed items carry only the durable reference, which is also their id.
type AttachmentItem struct {
	ID          string          `json:"id"`
	State       AttachmentState `json:"state"`
	DisplayName string          `json:"display_name"`
	DurableRef  string          `json:"durable_ref"`
	ContentType string          `json:"content_type,omitempty"`
	PreviewURI  string          `json:"preview_uri,omitempty"`
}

// ConfirmedAttachment builds the read-only projection of a confirmed image
// transcript entry.
func ConfirmedAttachment(e TranscriptEntry) AttachmentItem {
	return AttachmentItem{
		ID:          e.Content.FileURL,
		State:       AttachmentConfirmed,
		DisplayName: DisplayName(e.Content.Text, e.Content.FileURL),
		DurableRef:  e.Content.FileURL,
	}
}
