// Package cli is the command-line client for idea-capture sessions.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/ashureev/ideacapture/internal/attachment"
	"github.com/ashureev/ideacapture/internal/backend"
	"github.com/ashureev/ideacapture/internal/config"
	"github.com/ashureev/ideacapture/internal/realtime"
	"github.com/ashureev/ideacapture/internal/session"
	"github.com/ashureev/ideacapture/internal/transcript"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "unknown"
)

// Downloader saves a remote file locally.
type Downloader interface {
	SaveFile(ctx context.Context, fileURL, path string) error
}

// Deps are the services the commands run against.
type Deps struct {
	History     transcript.HistoryService
	Staging     attachment.StagingService
	Files       Downloader
	Dial        func(ctx context.Context) (realtime.Transport, error)
	Participant string
	Logger      *slog.Logger
}

func (d *Deps) controller(cmd *cobra.Command) *session.Controller {
	return session.NewController(d.History, d.Staging,
		session.WithNotifier(noticePrinter(cmd.ErrOrStderr())),
		session.WithLogger(d.Logger),
	)
}

// NewRootCmd builds the command tree. With nil deps the services are built
// from the environment before any subcommand runs.
func NewRootCmd(deps *Deps) *cobra.Command {
	var verbose bool
	if deps == nil {
		deps = &Deps{}
	}

	root := &cobra.Command{
		Use:   "ideacapture",
		Short: "Capture ideas in a voice/chat session from the terminal",
		Long: `A command-line client for idea-capture sessions.

It shows and exports session transcripts, attaches up to two images per
session, and joins the live conversation.

Quick Start:
  ideacapture history <session-id>              # Show a transcript
  ideacapture attach <session-id> sketch.png    # Attach an image
  ideacapture join <session-id>                 # Follow and chat live`,
		Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			level := slog.LevelWarn
			if verbose {
				level = slog.LevelDebug
			}
			if deps.Logger == nil {
				deps.Logger = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
			}
			if deps.History != nil {
				return nil
			}
			cfg, err := config.LoadClient()
			if err != nil {
				return err
			}
			return deps.fromConfig(cfg)
		},
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	root.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	root.AddCommand(
		newHistoryCmd(deps),
		newExportCmd(deps),
		newAttachCmd(deps),
		newDownloadCmd(deps),
		newJoinCmd(deps),
	)
	return root
}

// fromConfig wires the backend client and the selected realtime transport.
func (d *Deps) fromConfig(cfg *config.ClientConfig) error {
	client, err := backend.New(cfg.BackendURL,
		backend.WithHTTPClient(&http.Client{Timeout: cfg.RequestTimeout}),
		backend.WithTokenProvider(backend.StaticToken(cfg.APIToken)),
		backend.WithLogger(d.Logger),
	)
	if err != nil {
		return fmt.Errorf("create backend client: %w", err)
	}

	d.History = client
	d.Files = client
	d.Staging = client
	if cfg.UploadMode == config.UploadFused {
		d.Staging = attachment.NewFused(client)
	}

	d.Participant = cfg.ParticipantID
	if d.Participant == "" {
		d.Participant = "cli-" + uuid.NewString()
	}

	header := http.Header{}
	if cfg.APIToken != "" {
		header.Set("Authorization", "Bearer "+cfg.APIToken)
	}
	participant, logger := d.Participant, d.Logger
	switch cfg.Realtime {
	case config.RealtimeGrpc:
		d.Dial = func(context.Context) (realtime.Transport, error) {
			return realtime.NewGrpc(realtime.DefaultGrpcConfig(cfg.RealtimeAddr, participant), logger)
		}
	default:
		d.Dial = func(context.Context) (realtime.Transport, error) {
			return realtime.NewWebSocket(realtime.WebSocketConfig{
				BaseURL:     cfg.BackendURL,
				Participant: participant,
				Header:      header,
			}, logger), nil
		}
	}
	return nil
}

// Execute runs the CLI.
func Execute() {
	root := NewRootCmd(nil)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("Error: "+session.Describe(err)))
		os.Exit(1)
	}
}
