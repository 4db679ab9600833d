package transcript

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/ideacapture/internal/domain"
)

type fakeHistory struct {
	mu    sync.Mutex
	rows  map[string][]domain.HistoryMessage
	err   error
	calls int
	// gate, when set, blocks History until it is closed.
	gate chan struct{}
}

func (f *fakeHistory) History(ctx context.Context, sessionID string) ([]domain.HistoryMessage, error) {
	f.mu.Lock()
	f.calls++
	gate := f.gate
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.rows[sessionID], nil
}

func ms(v int64) time.Time { return time.UnixMilli(v) }

func assertSortedUnique(t *testing.T, entries []domain.TranscriptEntry) {
	t.Helper()
	seen := make(map[string]bool)
	for i, e := range entries {
		if seen[e.ID] {
			t.Fatalf("duplicate id %q in transcript", e.ID)
		}
		seen[e.ID] = true
		if i > 0 && e.OccurredAt.Before(entries[i-1].OccurredAt) {
			t.Fatalf("entry %d (%s) is before entry %d", i, e.ID, i-1)
		}
	}
}

func TestLoadHistoryThenLiveEventScenario(t *testing.T) {
	hist := &fakeHistory{rows: map[string][]domain.HistoryMessage{
		"s1": {{Role: "user", TextContent: "idea A", Timestamp: ms(100)}},
	}}
	s := NewSynchronizer(hist, nil)

	if _, err := s.LoadHistory(context.Background(), "s1"); err != nil {
		t.Fatalf("LoadHistory failed: %v", err)
	}

	s.MergeEvents([]Event{{ID: "x", Speaker: domain.SpeakerAgent, Content: domain.TextContent("ack"), OccurredAt: ms(150)}})
	got := s.Entries()
	if len(got) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(got))
	}
	if got[0].Content.Text != "idea A" || got[1].Content.Text != "ack" {
		t.Fatalf("unexpected order: %+v", got)
	}

	s.MergeEvents([]Event{{ID: "x", Speaker: domain.SpeakerAgent, Content: domain.TextContent("ack!"), OccurredAt: ms(150)}})
	got = s.Entries()
	if len(got) != 2 {
		t.Fatalf("expected 2 entries after re-delivery, got %d", len(got))
	}
	if got[1].Content.Text != "ack!" {
		t.Errorf("expected refined content %q, got %q", "ack!", got[1].Content.Text)
	}
}

func TestLiveEventReplacesHistoryEntry(t *testing.T) {
	ts := ms(500)
	hist := &fakeHistory{rows: map[string][]domain.HistoryMessage{
		"s1": {
			{Role: "model", TextContent: "hello", Timestamp: ms(400)},
			{Role: "user", TextContent: "draft", Timestamp: ts},
		},
	}}
	s := NewSynchronizer(hist, nil)
	if _, err := s.LoadHistory(context.Background(), "s1"); err != nil {
		t.Fatalf("LoadHistory failed: %v", err)
	}

	id := domain.HistoryEntryID(1, ts)
	s.MergeEvents([]Event{{ID: id, Content: domain.TextContent("final"), OccurredAt: ts}})

	got := s.Entries()
	if len(got) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(got))
	}
	if got[1].Content.Text != "final" {
		t.Errorf("expected replaced content, got %q", got[1].Content.Text)
	}
	if got[1].Speaker != domain.SpeakerUser {
		t.Errorf("expected speaker to be kept as user, got %q", got[1].Speaker)
	}
	if got[0].Speaker != domain.SpeakerAgent {
		t.Errorf("expected model role to map to agent, got %q", got[0].Speaker)
	}
}

func TestMergeEventsSortedUniqueAndIdempotent(t *testing.T) {
	s := NewSynchronizer(&fakeHistory{}, nil)
	s.Reset("s1")

	r := rand.New(rand.NewSource(7))
	var batches [][]Event
	for b := 0; b < 20; b++ {
		var batch []Event
		for i := 0; i < 5; i++ {
			batch = append(batch, Event{
				ID:         fmt.Sprintf("e%d", r.Intn(30)),
				Speaker:    domain.SpeakerUser,
				Content:    domain.TextContent(fmt.Sprintf("b%d-%d", b, i)),
				OccurredAt: ms(int64(r.Intn(50))),
			})
		}
		batches = append(batches, batch)
	}

	for _, batch := range batches {
		s.MergeEvents(batch)
		assertSortedUnique(t, s.Entries())
	}

	before := s.Entries()
	s.MergeEvents(batches[len(batches)-1])
	after := s.Entries()
	if len(before) != len(after) {
		t.Fatalf("re-merge changed size: %d -> %d", len(before), len(after))
	}
	for i := range before {
		if before[i] != after[i] {
			t.Fatalf("re-merge changed entry %d: %+v -> %+v", i, before[i], after[i])
		}
	}
}

func TestMergeEventsStableTies(t *testing.T) {
	s := NewSynchronizer(&fakeHistory{}, nil)
	s.MergeEvents([]Event{
		{ID: "a", Content: domain.TextContent("a"), OccurredAt: ms(10)},
		{ID: "b", Content: domain.TextContent("b"), OccurredAt: ms(10)},
	})
	s.MergeEvents([]Event{{ID: "c", Content: domain.TextContent("c"), OccurredAt: ms(10)}})
	// Refining "a" must not move it behind "b" and "c".
	s.MergeEvents([]Event{{ID: "a", Content: domain.TextContent("a2"), OccurredAt: ms(10)}})

	got := s.Entries()
	want := []string{"a", "b", "c"}
	for i, id := range want {
		if got[i].ID != id {
			t.Fatalf("position %d: expected %s, got %s", i, id, got[i].ID)
		}
	}
	if got[0].Content.Text != "a2" {
		t.Errorf("expected refined text a2, got %q", got[0].Content.Text)
	}
}

func TestMergeEventsDropsMissingID(t *testing.T) {
	s := NewSynchronizer(&fakeHistory{}, nil)
	s.MergeEvents([]Event{
		{Content: domain.TextContent("orphan"), OccurredAt: ms(1)},
		{ID: "ok", Content: domain.TextContent("kept"), OccurredAt: ms(2)},
	})
	got := s.Entries()
	if len(got) != 1 || got[0].ID != "ok" {
		t.Fatalf("expected only the event with an id, got %+v", got)
	}
	if got[0].Speaker != domain.SpeakerAgent {
		t.Errorf("expected default agent speaker, got %q", got[0].Speaker)
	}
}

func TestImageAttachmentExcludedFromMessages(t *testing.T) {
	hist := &fakeHistory{rows: map[string][]domain.HistoryMessage{
		"s1": {
			{Role: "user", TextContent: "idea", Timestamp: ms(1)},
			{Role: "user", TextContent: "📎 board.png", FileURL: "https://files.example/u/board.png?sig=1", Timestamp: ms(2)},
			{Role: "user", TextContent: "📎 notes.pdf", FileURL: "https://files.example/u/notes.pdf", Timestamp: ms(3)},
		},
	}}
	s := NewSynchronizer(hist, nil)
	if _, err := s.LoadHistory(context.Background(), "s1"); err != nil {
		t.Fatalf("LoadHistory failed: %v", err)
	}

	msgs := s.Messages()
	if len(msgs) != 2 {
		t.Fatalf("expected 2 plain messages, got %d", len(msgs))
	}
	for _, m := range msgs {
		if m.Content.IsImage() {
			t.Errorf("image entry leaked into message view: %+v", m)
		}
	}

	atts := s.Attachments()
	if len(atts) != 1 {
		t.Fatalf("expected 1 attachment, got %d", len(atts))
	}
	if atts[0].DisplayName != "board.png" {
		t.Errorf("unexpected display name %q", atts[0].DisplayName)
	}
	if atts[0].State != domain.AttachmentConfirmed {
		t.Errorf("expected confirmed state, got %q", atts[0].State)
	}
	if len(s.Entries()) != 3 {
		t.Errorf("expected image to stay in the full transcript")
	}
}

func TestLoadHistoryFailureLeavesTranscriptEmpty(t *testing.T) {
	hist := &fakeHistory{err: errors.New("boom")}
	s := NewSynchronizer(hist, nil)
	s.MergeEvents([]Event{{ID: "old", Content: domain.TextContent("old"), OccurredAt: ms(1)}})

	_, err := s.LoadHistory(context.Background(), "s2")
	var te *domain.TransportError
	if !errors.As(err, &te) {
		t.Fatalf("expected TransportError, got %v", err)
	}
	if n := len(s.Entries()); n != 0 {
		t.Fatalf("expected empty transcript, got %d entries", n)
	}
	if hist.calls != 1 {
		t.Errorf("expected a single attempt, got %d", hist.calls)
	}
}

func TestLoadHistoryStaleResultIgnored(t *testing.T) {
	gate := make(chan struct{})
	hist := &fakeHistory{
		gate: gate,
		rows: map[string][]domain.HistoryMessage{
			"old": {{Role: "user", TextContent: "from old", Timestamp: ms(1)}},
		},
	}
	s := NewSynchronizer(hist, nil)

	errc := make(chan error, 1)
	go func() {
		_, err := s.LoadHistory(context.Background(), "old")
		errc <- err
	}()

	// Wait until the load is in flight, then switch sessions.
	deadline := time.Now().Add(2 * time.Second)
	for {
		hist.mu.Lock()
		calls := hist.calls
		hist.mu.Unlock()
		if calls > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for history request")
		}
		time.Sleep(5 * time.Millisecond)
	}
	s.Reset("new")
	s.MergeEvents([]Event{{ID: "n1", Content: domain.TextContent("new live"), OccurredAt: ms(5)}})
	close(gate)

	if err := <-errc; !errors.Is(err, ErrStaleSession) {
		t.Fatalf("expected ErrStaleSession, got %v", err)
	}
	got := s.Entries()
	if len(got) != 1 || got[0].ID != "n1" {
		t.Fatalf("stale history leaked into new session: %+v", got)
	}
	if s.SessionID() != "new" {
		t.Errorf("expected active session new, got %q", s.SessionID())
	}
}

func TestAppendConfirmedAttachment(t *testing.T) {
	s := NewSynchronizer(&fakeHistory{}, nil)
	s.Reset("s1")
	s.Append(domain.TranscriptEntry{
		ID:         "u1",
		Speaker:    domain.SpeakerUser,
		Content:    domain.FileContent("📎 a.JPG", "http://h/files/a.JPG"),
		OccurredAt: ms(3),
	})
	if n := len(s.Attachments()); n != 1 {
		t.Fatalf("expected 1 attachment, got %d", n)
	}
	if n := len(s.Messages()); n != 0 {
		t.Fatalf("expected no plain messages, got %d", n)
	}
}
