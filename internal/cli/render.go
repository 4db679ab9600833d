package cli

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/ashureev/ideacapture/internal/domain"
	"github.com/ashureev/ideacapture/internal/session"
	"github.com/charmbracelet/lipgloss"
)

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("212")).
			Padding(0, 1)

	userStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("39")).
			Bold(true)

	agentStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("135")).
			Bold(true)

	attachmentStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42"))

	timestampStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")).
			Italic(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)

	infoStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))
)

func speakerLabel(s domain.Speaker) string {
	if s == domain.SpeakerUser {
		return userStyle.Render("you")
	}
	return agentStyle.Render("agent")
}

func renderEntry(w io.Writer, e domain.TranscriptEntry) {
	ts := timestampStyle.Render(e.OccurredAt.Format("15:04:05"))
	text := e.Content.Text
	if e.Content.IsFile() {
		text = attachmentStyle.Render(domain.FilePrefix + domain.DisplayName(e.Content.Text, e.Content.FileURL))
	}
	fmt.Fprintf(w, "%s %s  %s\n", ts, speakerLabel(e.Speaker), text)
}

func renderTranscript(w io.Writer, sessionID string, entries []domain.TranscriptEntry) {
	fmt.Fprintln(w, headerStyle.Render("Session "+sessionID))
	if len(entries) == 0 {
		fmt.Fprintln(w, infoStyle.Render("  (no messages yet)"))
		return
	}
	for _, e := range entries {
		renderEntry(w, e)
	}
}

func renderAttachments(w io.Writer, items []domain.AttachmentItem) {
	if len(items) == 0 {
		return
	}
	names := make([]string, 0, len(items))
	for _, it := range items {
		names = append(names, it.DisplayName)
	}
	fmt.Fprintf(w, "%s %s\n",
		infoStyle.Render(fmt.Sprintf("attachments %d/%d:", len(items), domain.MaxAttachments)),
		attachmentStyle.Render(strings.Join(names, ", ")))
}

// noticePrinter renders controller notices.
func noticePrinter(w io.Writer) session.Notifier {
	return session.NotifierFunc(func(n session.Notice) {
		style := infoStyle
		if n.Level >= slog.LevelError {
			style = errorStyle
		}
		fmt.Fprintln(w, style.Render(n.Text))
	})
}
