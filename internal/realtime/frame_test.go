package realtime

import (
	"testing"
	"time"

	"github.com/ashureev/ideacapture/internal/domain"
)

func TestDecodeFrames(t *testing.T) {
	single, err := DecodeFrames([]byte(`{"type":"segment","id":"a","speaker":"agent","text":"hi","timestamp":5}`))
	if err != nil {
		t.Fatalf("DecodeFrames failed: %v", err)
	}
	if len(single) != 1 || single[0].ID != "a" || single[0].Timestamp != 5 {
		t.Errorf("unexpected single frame: %+v", single)
	}

	many, err := DecodeFrames([]byte("  \n[{\"type\":\"chat\",\"id\":\"b\"},{\"type\":\"segment\",\"id\":\"c\"}]"))
	if err != nil {
		t.Fatalf("DecodeFrames failed: %v", err)
	}
	if len(many) != 2 || many[1].ID != "c" {
		t.Errorf("unexpected frames: %+v", many)
	}

	if _, err := DecodeFrames([]byte(`not json`)); err == nil {
		t.Error("expected error for malformed payload")
	}
}

func TestResolveSpeaker(t *testing.T) {
	tests := []struct {
		name  string
		frame Frame
		want  domain.Speaker
	}{
		{"own chat", Frame{Type: FrameChat, Participant: "me"}, domain.SpeakerUser},
		{"peer chat", Frame{Type: FrameChat, Participant: "agent-1"}, domain.SpeakerAgent},
		{"anonymous chat", Frame{Type: FrameChat}, domain.SpeakerAgent},
		{"user segment", Frame{Type: FrameSegment, Speaker: "user"}, domain.SpeakerUser},
		{"agent segment", Frame{Type: FrameSegment, Speaker: "agent"}, domain.SpeakerAgent},
		{"untagged segment", Frame{Type: FrameSegment}, domain.SpeakerAgent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.frame.ResolveSpeaker("me"); got != tt.want {
				t.Errorf("ResolveSpeaker = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestToBatchDropsUnknownFrames(t *testing.T) {
	b := toBatch("s1", "me", []Frame{
		{Type: FrameSegment, ID: "a", Text: "hello", Timestamp: 1000},
		{Type: "typing", ID: "b"},
	})
	if b.SessionID != "s1" || len(b.Events) != 1 {
		t.Fatalf("unexpected batch: %+v", b)
	}
	ev := b.Events[0]
	if ev.ID != "a" || ev.Content.Text != "hello" || !ev.OccurredAt.Equal(time.UnixMilli(1000)) {
		t.Errorf("unexpected event: %+v", ev)
	}
}

func TestDurable(t *testing.T) {
	if (Frame{Type: FrameSegment}).Durable() {
		t.Error("partial segment must not be durable")
	}
	if !(Frame{Type: FrameSegment, Final: true}).Durable() {
		t.Error("final segment must be durable")
	}
	if !(Frame{Type: FrameChat}).Durable() {
		t.Error("chat must be durable")
	}
}

func TestFrameStructConversion(t *testing.T) {
	in := Frame{
		Type:        FrameSegment,
		ID:          "seg-1",
		SessionID:   "s1",
		Speaker:     "agent",
		Participant: "agent-1",
		Text:        "hello",
		Final:       true,
		Timestamp:   1_700_000_000_123,
	}
	s, err := FrameToStruct(in)
	if err != nil {
		t.Fatalf("FrameToStruct failed: %v", err)
	}
	if out := FrameFromStruct(s); out != in {
		t.Errorf("conversion changed frame: %+v != %+v", out, in)
	}
}
