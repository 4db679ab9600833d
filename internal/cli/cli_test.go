package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/ideacapture/internal/attachment"
	"github.com/ashureev/ideacapture/internal/domain"
	"github.com/ashureev/ideacapture/internal/realtime"
	"github.com/ashureev/ideacapture/internal/transcript"
	"gopkg.in/yaml.v3"
)

type fakeServer struct {
	mu    sync.Mutex
	rows  map[string][]domain.HistoryMessage
	saved map[string]string
	clock int64
}

func newFakeServer() *fakeServer {
	return &fakeServer{
		rows:  make(map[string][]domain.HistoryMessage),
		saved: make(map[string]string),
		clock: 1_700_000_000_000,
	}
}

func (f *fakeServer) add(sessionID, role, text, fileURL string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clock += 1000
	f.rows[sessionID] = append(f.rows[sessionID], domain.HistoryMessage{
		Role:        role,
		TextContent: text,
		FileURL:     fileURL,
		Timestamp:   time.UnixMilli(f.clock),
	})
}

func (f *fakeServer) History(_ context.Context, sessionID string) ([]domain.HistoryMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.HistoryMessage(nil), f.rows[sessionID]...), nil
}

func (f *fakeServer) RequestUploadLocation(_ context.Context, fileName, _, sessionID string) (attachment.UploadLocation, error) {
	ref := sessionID + "-" + fileName
	return attachment.UploadLocation{UploadURL: "http://upload/" + ref, DurableRef: ref}, nil
}

func (f *fakeServer) Upload(context.Context, string, string, []byte) error { return nil }

func (f *fakeServer) ConfirmUpload(_ context.Context, durableRef, sessionID, originalName string) (domain.HistoryMessage, error) {
	f.add(sessionID, "user", domain.FilePrefix+originalName, "http://files/"+durableRef)
	f.mu.Lock()
	defer f.mu.Unlock()
	rows := f.rows[sessionID]
	return rows[len(rows)-1], nil
}

func (f *fakeServer) SaveFile(_ context.Context, fileURL, path string) error {
	f.mu.Lock()
	f.saved[path] = fileURL
	f.mu.Unlock()
	return os.WriteFile(path, []byte("png"), 0o600)
}

// fakeTransport delivers a fixed set of batches and records sent chats.
type fakeTransport struct {
	batches []realtime.Batch
	mu      sync.Mutex
	sent    []string
	closed  bool
}

func (t *fakeTransport) Subscribe(_ context.Context, _ string) (<-chan realtime.Batch, error) {
	ch := make(chan realtime.Batch, len(t.batches))
	for _, b := range t.batches {
		ch <- b
	}
	close(ch)
	return ch, nil
}

func (t *fakeTransport) SendChat(_ context.Context, _, text string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent = append(t.sent, text)
	return nil
}

func (t *fakeTransport) Close() error {
	t.closed = true
	return nil
}

func newDeps(srv *fakeServer, tr realtime.Transport) *Deps {
	return &Deps{
		History:     srv,
		Staging:     srv,
		Files:       srv,
		Participant: "cli-test",
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		Dial: func(context.Context) (realtime.Transport, error) {
			if tr == nil {
				return nil, errors.New("no transport")
			}
			return tr, nil
		},
	}
}

func run(t *testing.T, deps *Deps, stdin string, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	cmd := NewRootCmd(deps)
	cmd.SetArgs(args)
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetIn(strings.NewReader(stdin))
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func writeImage(t *testing.T, dir, name string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte("\x89PNG\r\n\x1a\n"), 0o600); err != nil {
		t.Fatalf("write image: %v", err)
	}
	return p
}

func TestHistoryCommand(t *testing.T) {
	srv := newFakeServer()
	srv.add("s1", "user", "an idea about bikes", "")
	srv.add("s1", "model", "tell me more", "")
	srv.add("s1", "user", domain.FilePrefix+"sketch.png", "http://files/sketch.png")

	out, _, err := run(t, newDeps(srv, nil), "", "history", "s1")
	if err != nil {
		t.Fatalf("history returned error: %v", err)
	}
	for _, want := range []string{"Session s1", "an idea about bikes", "tell me more", "sketch.png", "attachments 1/2"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}

	out, _, err = run(t, newDeps(srv, nil), "", "history", "--images", "s1")
	if err != nil {
		t.Fatalf("history --images returned error: %v", err)
	}
	if strings.Contains(out, "tell me more") {
		t.Errorf("--images printed text messages:\n%s", out)
	}
}

func TestHistoryEmptySession(t *testing.T) {
	out, _, err := run(t, newDeps(newFakeServer(), nil), "", "history", "empty")
	if err != nil {
		t.Fatalf("history returned error: %v", err)
	}
	if !strings.Contains(out, "no messages yet") {
		t.Errorf("expected empty marker, got:\n%s", out)
	}
}

func TestExportJSON(t *testing.T) {
	srv := newFakeServer()
	srv.add("s1", "user", "first", "")
	srv.add("s1", "model", "second", "")

	out, _, err := run(t, newDeps(srv, nil), "", "export", "-f", "json", "s1")
	if err != nil {
		t.Fatalf("export returned error: %v", err)
	}
	var doc Document
	if err := json.Unmarshal([]byte(out), &doc); err != nil {
		t.Fatalf("output is not json: %v\n%s", err, out)
	}
	if doc.SessionID != "s1" || len(doc.Entries) != 2 {
		t.Fatalf("doc = %+v", doc)
	}
	if doc.Entries[0].Content.Text != "first" || doc.Entries[1].Speaker != domain.SpeakerAgent {
		t.Errorf("entries = %+v", doc.Entries)
	}
}

func TestExportYAMLToFile(t *testing.T) {
	srv := newFakeServer()
	srv.add("s1", "user", "only entry", "")
	target := filepath.Join(t.TempDir(), "session")

	_, stderr, err := run(t, newDeps(srv, nil), "", "export", "-o", target, "s1")
	if err != nil {
		t.Fatalf("export returned error: %v", err)
	}
	data, err := os.ReadFile(target + ".yaml")
	if err != nil {
		t.Fatalf("read export: %v", err)
	}
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		t.Fatalf("unmarshal yaml: %v", err)
	}
	if len(doc.Entries) != 1 || doc.Entries[0].Content.Text != "only entry" {
		t.Errorf("doc = %+v", doc)
	}
	if !strings.Contains(stderr, "Exported 1 entries") {
		t.Errorf("stderr = %q", stderr)
	}
}

func TestExportUnsupportedFormat(t *testing.T) {
	_, _, err := run(t, newDeps(newFakeServer(), nil), "", "export", "-f", "xml", "s1")
	if err == nil || !strings.Contains(err.Error(), "unsupported format") {
		t.Fatalf("err = %v, want unsupported format", err)
	}
}

func TestMarkdownExporterLinksImages(t *testing.T) {
	exp, err := NewExporter("markdown")
	if err != nil {
		t.Fatalf("NewExporter: %v", err)
	}
	doc := &Document{
		SessionID: "s1",
		Entries: []domain.TranscriptEntry{
			{ID: "a", Speaker: domain.SpeakerUser, Content: domain.TextContent("hello")},
			{ID: "b", Speaker: domain.SpeakerUser, Content: domain.FileContent(domain.FilePrefix+"plan.jpg", "http://files/x.jpg")},
		},
	}
	var buf bytes.Buffer
	if err := exp.Export(doc, &buf); err != nil {
		t.Fatalf("Export: %v", err)
	}
	if !strings.Contains(buf.String(), "![plan.jpg](http://files/x.jpg)") {
		t.Errorf("markdown = %q", buf.String())
	}
}

func TestAttachCommand(t *testing.T) {
	srv := newFakeServer()
	dir := t.TempDir()
	a := writeImage(t, dir, "a.png")
	b := writeImage(t, dir, "b.png")

	out, stderr, err := run(t, newDeps(srv, nil), "", "attach", "s1", a, b)
	if err != nil {
		t.Fatalf("attach returned error: %v", err)
	}
	if !strings.Contains(stderr, "2 images attached") {
		t.Errorf("stderr = %q", stderr)
	}
	if !strings.Contains(out, "attachments 2/2") {
		t.Errorf("output = %q", out)
	}
	rows, _ := srv.History(context.Background(), "s1")
	if len(rows) != 2 {
		t.Fatalf("server rows = %d, want 2", len(rows))
	}
}

func TestAttachCommandQuota(t *testing.T) {
	srv := newFakeServer()
	srv.add("s1", "user", domain.FilePrefix+"old.png", "http://files/old.png")
	dir := t.TempDir()

	_, _, err := run(t, newDeps(srv, nil), "", "attach", "s1",
		writeImage(t, dir, "a.png"), writeImage(t, dir, "b.png"))
	if !errors.Is(err, domain.ErrQuotaExceeded) {
		t.Fatalf("err = %v, want ErrQuotaExceeded", err)
	}
	rows, _ := srv.History(context.Background(), "s1")
	if len(rows) != 1 {
		t.Errorf("server rows = %d, want nothing attached", len(rows))
	}
}

func TestAttachMissingFile(t *testing.T) {
	_, _, err := run(t, newDeps(newFakeServer(), nil), "", "attach", "s1", "/does/not/exist.png")
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestDownloadCommand(t *testing.T) {
	srv := newFakeServer()
	srv.add("s1", "user", domain.FilePrefix+"sketch.png", "http://files/abc.png")
	dir := t.TempDir()

	out, _, err := run(t, newDeps(srv, nil), "", "download", "--dir", dir, "s1")
	if err != nil {
		t.Fatalf("download returned error: %v", err)
	}
	target := filepath.Join(dir, "sketch.png")
	if got := srv.saved[target]; got != "http://files/abc.png" {
		t.Errorf("saved %q from %q", target, got)
	}
	if !strings.Contains(out, "saved "+target) {
		t.Errorf("output = %q", out)
	}
}

func TestDownloadNoAttachments(t *testing.T) {
	srv := newFakeServer()
	srv.add("s1", "user", "just text", "")
	_, _, err := run(t, newDeps(srv, nil), "", "download", "s1")
	if !errors.Is(err, errNoAttachments) {
		t.Fatalf("err = %v, want errNoAttachments", err)
	}
}

func TestJoinRendersLiveEventsAndSendsChat(t *testing.T) {
	srv := newFakeServer()
	srv.add("s1", "user", "from history", "")
	tr := &fakeTransport{batches: []realtime.Batch{{
		SessionID: "s1",
		Events: []transcript.Event{{
			ID:         "seg-1",
			Speaker:    domain.SpeakerAgent,
			Content:    domain.TextContent("live reply"),
			OccurredAt: time.UnixMilli(1_800_000_000_000),
		}},
	}}}

	out, _, err := run(t, newDeps(srv, tr), "", "join", "--read-only", "s1")
	if err != nil {
		t.Fatalf("join returned error: %v", err)
	}
	if !strings.Contains(out, "from history") || !strings.Contains(out, "live reply") {
		t.Errorf("output = %q", out)
	}
	if !tr.closed {
		t.Error("transport was not closed")
	}
}

func TestReadInputSendsLines(t *testing.T) {
	srv := newFakeServer()
	tr := &fakeTransport{}
	deps := newDeps(srv, tr)
	cmd := NewRootCmd(deps)
	cmd.SetIn(strings.NewReader("hello\n\n  second line  \n"))
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)

	readInput(context.Background(), cmd, deps.controller(cmd), tr, "s1")

	if len(tr.sent) != 2 || tr.sent[0] != "hello" || tr.sent[1] != "second line" {
		t.Errorf("sent = %q", tr.sent)
	}
}

func TestDialFailure(t *testing.T) {
	_, _, err := run(t, newDeps(newFakeServer(), nil), "", "join", "s1")
	if err == nil || !strings.Contains(err.Error(), "no transport") {
		t.Fatalf("err = %v", err)
	}
}

func TestAttachRejectsNonImage(t *testing.T) {
	srv := newFakeServer()
	p := filepath.Join(t.TempDir(), "notes.txt")
	if err := os.WriteFile(p, []byte("plain text"), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}

	_, stderr, err := run(t, newDeps(srv, nil), "", "attach", "s1", p)
	if !errors.Is(err, domain.ErrNotImage) {
		t.Fatalf("err = %v, want ErrNotImage", err)
	}
	if !strings.Contains(stderr, "Only images") {
		t.Errorf("stderr = %q", stderr)
	}
	rows, _ := srv.History(context.Background(), "s1")
	if len(rows) != 0 {
		t.Errorf("server rows = %d, want none", len(rows))
	}
}
