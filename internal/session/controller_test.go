package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/ideacapture/internal/attachment"
	"github.com/ashureev/ideacapture/internal/domain"
	"github.com/ashureev/ideacapture/internal/realtime"
	"github.com/ashureev/ideacapture/internal/transcript"
)

// fakeBackend keeps server-side history and implements both services.
type fakeBackend struct {
	mu          sync.Mutex
	rows        map[string][]domain.HistoryMessage
	failConfirm map[string]bool
	historyErr  error
	clock       int64

	uploadStarted chan struct{}
	uploadRelease chan struct{}
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{rows: make(map[string][]domain.HistoryMessage), clock: 1000}
}

func (f *fakeBackend) History(_ context.Context, sessionID string) ([]domain.HistoryMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.historyErr != nil {
		return nil, f.historyErr
	}
	return append([]domain.HistoryMessage(nil), f.rows[sessionID]...), nil
}

func (f *fakeBackend) RequestUploadLocation(_ context.Context, fileName, _, sessionID string) (attachment.UploadLocation, error) {
	ref := sessionID + "/" + fileName
	return attachment.UploadLocation{UploadURL: "http://upload/" + ref, DurableRef: ref}, nil
}

func (f *fakeBackend) Upload(context.Context, string, string, []byte) error {
	if f.uploadRelease != nil {
		f.uploadStarted <- struct{}{}
		<-f.uploadRelease
	}
	return nil
}

func (f *fakeBackend) ConfirmUpload(_ context.Context, durableRef, sessionID, originalName string) (domain.HistoryMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failConfirm[originalName] {
		return domain.HistoryMessage{}, errors.New("confirm rejected")
	}
	f.clock++
	msg := domain.HistoryMessage{
		Role:        "user",
		TextContent: domain.FilePrefix + originalName,
		FileURL:     "http://files/" + durableRef,
		Timestamp:   time.UnixMilli(f.clock),
	}
	f.rows[sessionID] = append(f.rows[sessionID], msg)
	return msg, nil
}

type noticeLog struct {
	mu      sync.Mutex
	notices []Notice
}

func (l *noticeLog) Notify(n Notice) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.notices = append(l.notices, n)
}

func (l *noticeLog) last() Notice {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.notices) == 0 {
		return Notice{}
	}
	return l.notices[len(l.notices)-1]
}

func (l *noticeLog) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.notices)
}

func img(name string) attachment.File {
	return attachment.File{Name: name, ContentType: "image/png", Data: []byte("img")}
}

func TestConfirmPartialFailureMatchesFreshLoad(t *testing.T) {
	be := newFakeBackend()
	be.rows["s1"] = []domain.HistoryMessage{{Role: "user", TextContent: "idea", Timestamp: time.UnixMilli(10)}}
	be.failConfirm = map[string]bool{"b.png": true}
	notes := &noticeLog{}
	c := NewController(be, be, WithNotifier(notes))
	ctx := context.Background()

	if err := c.Open(ctx, "s1"); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	for _, name := range []string{"a.png", "b.png"} {
		if _, err := c.Stage(ctx, img(name)); err != nil {
			t.Fatalf("Stage %s failed: %v", name, err)
		}
	}

	_, err := c.Confirm(ctx)
	var ce *domain.ConfirmationError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ConfirmationError, got %v", err)
	}

	fresh := transcript.NewSynchronizer(be, nil)
	want, err := fresh.LoadHistory(ctx, "s1")
	if err != nil {
		t.Fatalf("fresh load failed: %v", err)
	}
	got := c.Transcript().Entries()
	if len(got) != len(want) {
		t.Fatalf("expected %d entries, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("entry %d differs: got %+v want %+v", i, got[i], want[i])
		}
	}
	if n := len(c.Stager().Staged()); n != 0 {
		t.Errorf("expected no staged items, got %d", n)
	}
	if n := len(c.Transcript().Attachments()); n != 1 {
		t.Errorf("expected the landed attachment to be visible, got %d", n)
	}
	if note := notes.last(); note.Level.String() != "ERROR" || !strings.Contains(note.Text, "1 of 2") {
		t.Errorf("unexpected notice: %+v", note)
	}
}

func TestConfirmSuccessAppendsEntries(t *testing.T) {
	be := newFakeBackend()
	notes := &noticeLog{}
	c := NewController(be, be, WithNotifier(notes))
	ctx := context.Background()
	if err := c.Open(ctx, "s1"); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if _, err := c.Stage(ctx, img("a.png")); err != nil {
		t.Fatalf("Stage failed: %v", err)
	}
	entries, err := c.Confirm(ctx)
	if err != nil {
		t.Fatalf("Confirm failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if n := len(c.Transcript().Messages()); n != 0 {
		t.Errorf("image must not appear in message view, got %d messages", n)
	}
	if n := len(c.Transcript().Attachments()); n != 1 {
		t.Errorf("expected 1 attachment, got %d", n)
	}
	if notes.last().Text != "1 image attached" {
		t.Errorf("unexpected notice %q", notes.last().Text)
	}
}

func TestOpenSwitchResetsState(t *testing.T) {
	be := newFakeBackend()
	be.rows["s1"] = []domain.HistoryMessage{{Role: "user", TextContent: "one", Timestamp: time.UnixMilli(1)}}
	be.rows["s2"] = []domain.HistoryMessage{{Role: "model", TextContent: "two", Timestamp: time.UnixMilli(2)}}
	c := NewController(be, be, WithNotifier(&noticeLog{}))
	ctx := context.Background()

	if err := c.Open(ctx, "s1"); err != nil {
		t.Fatalf("Open s1 failed: %v", err)
	}
	if _, err := c.Stage(ctx, img("a.png")); err != nil {
		t.Fatalf("Stage failed: %v", err)
	}
	if err := c.Open(ctx, "s2"); err != nil {
		t.Fatalf("Open s2 failed: %v", err)
	}

	if n := len(c.Stager().Staged()); n != 0 {
		t.Errorf("expected staged items to be abandoned, got %d", n)
	}
	got := c.Transcript().Entries()
	if len(got) != 1 || got[0].Content.Text != "two" {
		t.Fatalf("unexpected transcript after switch: %+v", got)
	}

	c.Apply(realtime.Batch{SessionID: "s1", Events: []transcript.Event{{ID: "late", OccurredAt: time.UnixMilli(3)}}})
	if n := len(c.Transcript().Entries()); n != 1 {
		t.Errorf("batch for old session was applied")
	}
}

func TestOpenFailureNotifiesAndStaysUsable(t *testing.T) {
	be := newFakeBackend()
	be.historyErr = &domain.TransportError{Op: "load history", StatusCode: 503}
	notes := &noticeLog{}
	c := NewController(be, be, WithNotifier(notes))

	err := c.Open(context.Background(), "s1")
	var te *domain.TransportError
	if !errors.As(err, &te) {
		t.Fatalf("expected TransportError, got %v", err)
	}
	if !strings.Contains(notes.last().Text, "503") {
		t.Errorf("unexpected notice %q", notes.last().Text)
	}

	c.Apply(realtime.Batch{SessionID: "s1", Events: []transcript.Event{{ID: "live", Content: domain.TextContent("hi"), OccurredAt: time.UnixMilli(1)}}})
	if n := len(c.Transcript().Entries()); n != 1 {
		t.Errorf("expected live merge to keep working, got %d entries", n)
	}
}

func TestStageQuotaNotice(t *testing.T) {
	be := newFakeBackend()
	notes := &noticeLog{}
	c := NewController(be, be, WithNotifier(notes))
	ctx := context.Background()
	if err := c.Open(ctx, "s1"); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	for _, name := range []string{"a.png", "b.png"} {
		if _, err := c.Stage(ctx, img(name)); err != nil {
			t.Fatalf("Stage %s failed: %v", name, err)
		}
	}
	if _, err := c.Stage(ctx, img("c.png")); !errors.Is(err, domain.ErrQuotaExceeded) {
		t.Fatalf("expected ErrQuotaExceeded, got %v", err)
	}
	if !strings.Contains(notes.last().Text, "at most 2") {
		t.Errorf("unexpected notice %q", notes.last().Text)
	}
}

type chanTransport struct {
	ch   chan realtime.Batch
	sent []string
}

func (c *chanTransport) Subscribe(context.Context, string) (<-chan realtime.Batch, error) {
	return c.ch, nil
}

func (c *chanTransport) SendChat(_ context.Context, _, text string) error {
	c.sent = append(c.sent, text)
	return nil
}

func (c *chanTransport) Close() error { return nil }

func TestJoinMergesInDeliveryOrder(t *testing.T) {
	be := newFakeBackend()
	c := NewController(be, be, WithNotifier(&noticeLog{}))
	tr := &chanTransport{ch: make(chan realtime.Batch, 4)}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done, err := c.Join(ctx, tr, "s1")
	if err != nil {
		t.Fatalf("Join failed: %v", err)
	}

	tr.ch <- realtime.Batch{SessionID: "s1", Events: []transcript.Event{{ID: "seg", Speaker: domain.SpeakerAgent, Content: domain.TextContent("hel"), OccurredAt: time.UnixMilli(5)}}}
	tr.ch <- realtime.Batch{SessionID: "s1", Events: []transcript.Event{{ID: "seg", Speaker: domain.SpeakerAgent, Content: domain.TextContent("hello"), OccurredAt: time.UnixMilli(5)}}}
	close(tr.ch)
	<-done

	got := c.Transcript().Entries()
	if len(got) != 1 || got[0].Content.Text != "hello" {
		t.Fatalf("expected refined segment, got %+v", got)
	}
}

func TestDescribe(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{domain.ErrQuotaExceeded, "at most 2 images"},
		{&domain.StagingError{FileName: "x.png", Err: errors.New("boom")}, "Could not upload x.png"},
		{&domain.TransportError{Op: "load history", StatusCode: 404}, "404 Not Found"},
		{&domain.ConfirmationError{Attempted: 2, Failures: []error{errors.New("a")}}, "reloaded"},
		{context.DeadlineExceeded, "timed out"},
	}
	for _, tt := range tests {
		if got := Describe(tt.err); !strings.Contains(got, tt.want) {
			t.Errorf("Describe(%v) = %q, want substring %q", tt.err, got, tt.want)
		}
	}
	if Describe(nil) != "" {
		t.Errorf("expected empty description for nil")
	}
}

func TestLateStageResultIsSilent(t *testing.T) {
	be := newFakeBackend()
	be.uploadStarted = make(chan struct{}, 1)
	be.uploadRelease = make(chan struct{})
	notes := &noticeLog{}
	c := NewController(be, be, WithNotifier(notes))
	ctx := context.Background()
	if err := c.Open(ctx, "s1"); err != nil {
		t.Fatalf("Open s1 failed: %v", err)
	}

	errc := make(chan error, 1)
	go func() {
		_, err := c.Stage(ctx, img("a.png"))
		errc <- err
	}()
	<-be.uploadStarted
	if err := c.Open(ctx, "s2"); err != nil {
		t.Fatalf("Open s2 failed: %v", err)
	}
	close(be.uploadRelease)

	if err := <-errc; !errors.Is(err, attachment.ErrSessionChanged) {
		t.Fatalf("expected ErrSessionChanged, got %v", err)
	}
	if n := notes.count(); n != 0 {
		t.Errorf("late result produced %d notices, last %q", n, notes.last().Text)
	}
	if n := len(c.Stager().Staged()); n != 0 {
		t.Errorf("late result was staged into s2: %d items", n)
	}
}

func TestStageNonImageNotice(t *testing.T) {
	be := newFakeBackend()
	notes := &noticeLog{}
	c := NewController(be, be, WithNotifier(notes))
	if err := c.Open(context.Background(), "s1"); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	_, err := c.Stage(context.Background(), attachment.File{Name: "notes.txt", ContentType: "text/plain", Data: []byte("x")})
	if !errors.Is(err, domain.ErrNotImage) {
		t.Fatalf("expected ErrNotImage, got %v", err)
	}
	if !strings.Contains(notes.last().Text, "Only images") {
		t.Errorf("unexpected notice %q", notes.last().Text)
	}
}
