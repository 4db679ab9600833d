package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ashureev/ideacapture/internal/domain"
	"github.com/ashureev/ideacapture/internal/realtime"
	"github.com/ashureev/ideacapture/internal/session"
	"github.com/spf13/cobra"
)

func newJoinCmd(deps *Deps) *cobra.Command {
	var readOnly bool
	cmd := &cobra.Command{
		Use:   "join <session-id>",
		Short: "Follow a session live and chat from stdin",
		Long: `Load the session history, then print transcript updates as they arrive.

Each line read from stdin is sent as a chat message. Lines starting with
/attach <path> stage and attach an image instead. Stop with Ctrl-C or EOF.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			transport, err := deps.Dial(ctx)
			if err != nil {
				return err
			}
			defer func() {
				if closeErr := transport.Close(); closeErr != nil {
					deps.Logger.Debug("failed to close realtime transport", "error", closeErr)
				}
			}()

			return runJoin(ctx, cmd, deps.controller(cmd), transport, args[0], readOnly)
		},
	}
	cmd.Flags().BoolVar(&readOnly, "read-only", false, "Do not read chat messages from stdin")
	return cmd
}

func runJoin(ctx context.Context, cmd *cobra.Command, c *session.Controller, t realtime.Transport, sessionID string, readOnly bool) error {
	out := cmd.OutOrStdout()
	if err := c.Open(ctx, sessionID); err != nil {
		fmt.Fprintln(cmd.ErrOrStderr(), infoStyle.Render("continuing without history"))
	}
	renderTranscript(out, sessionID, c.Transcript().Messages())

	batches, err := t.Subscribe(ctx, sessionID)
	if err != nil {
		return &domain.TransportError{Op: "subscribe", Err: err}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if !readOnly {
		go func() {
			defer cancel()
			readInput(ctx, cmd, c, t, sessionID)
		}()
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case b, ok := <-batches:
			if !ok {
				fmt.Fprintln(cmd.ErrOrStderr(), infoStyle.Render("connection closed"))
				return nil
			}
			c.Apply(b)
			for _, ev := range b.Events {
				renderEntry(out, domain.TranscriptEntry{
					ID:         ev.ID,
					Speaker:    ev.Speaker,
					Content:    ev.Content,
					OccurredAt: ev.OccurredAt,
				})
			}
		}
	}
}

func readInput(ctx context.Context, cmd *cobra.Command, c *session.Controller, t realtime.Transport, sessionID string) {
	scanner := bufio.NewScanner(cmd.InOrStdin())
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if path, ok := strings.CutPrefix(line, "/attach "); ok {
			attachFromLine(ctx, cmd.OutOrStdout(), c, strings.TrimSpace(path))
			continue
		}
		if err := t.SendChat(ctx, sessionID, line); err != nil {
			fmt.Fprintln(cmd.ErrOrStderr(), errorStyle.Render(session.Describe(&domain.TransportError{Op: "send chat", Err: err})))
		}
	}
}

// attachFromLine stages and confirms one image; failures are already
// reported by the controller's notifier.
func attachFromLine(ctx context.Context, w io.Writer, c *session.Controller, path string) {
	f, err := readFile(path)
	if err != nil {
		fmt.Fprintln(w, errorStyle.Render(err.Error()))
		return
	}
	if _, err := c.Stage(ctx, f); err != nil {
		return
	}
	entries, err := c.Confirm(ctx)
	if err != nil {
		return
	}
	for _, e := range entries {
		renderEntry(w, e)
	}
}
