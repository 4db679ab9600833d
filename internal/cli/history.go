package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
)

func newHistoryCmd(deps *Deps) *cobra.Command {
	var imagesOnly bool
	cmd := &cobra.Command{
		Use:   "history <session-id>",
		Short: "Show the transcript of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := deps.controller(cmd)
			if err := c.Open(cmd.Context(), args[0]); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if imagesOnly {
				renderAttachments(out, c.Transcript().Attachments())
				return nil
			}
			renderTranscript(out, args[0], c.Transcript().Messages())
			renderAttachments(out, c.Transcript().Attachments())
			return nil
		},
	}
	cmd.Flags().BoolVar(&imagesOnly, "images", false, "List only the attached images")
	return cmd
}

func newExportCmd(deps *Deps) *cobra.Command {
	var (
		format string
		output string
	)
	cmd := &cobra.Command{
		Use:   "export <session-id>",
		Short: "Export a session transcript",
		Long: `Export a session transcript as yaml, json or markdown.

The full transcript is exported, attachments included. Without --output the
document is written to stdout.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			exporter, err := NewExporter(format)
			if err != nil {
				return err
			}
			c := deps.controller(cmd)
			if err := c.Open(cmd.Context(), args[0]); err != nil {
				return err
			}
			doc := &Document{
				SessionID:  args[0],
				ExportedAt: time.Now().UTC(),
				Entries:    c.Transcript().Entries(),
			}

			if output == "" {
				return exporter.Export(doc, cmd.OutOrStdout())
			}
			if filepath.Ext(output) == "" {
				output += "." + exporter.Extension()
			}
			f, err := os.Create(output)
			if err != nil {
				return fmt.Errorf("create export file: %w", err)
			}
			if err := exporter.Export(doc, f); err != nil {
				_ = f.Close()
				return fmt.Errorf("export session: %w", err)
			}
			if err := f.Close(); err != nil {
				return fmt.Errorf("close export file: %w", err)
			}
			fmt.Fprintln(cmd.ErrOrStderr(), infoStyle.Render(fmt.Sprintf("Exported %d entries to %s", len(doc.Entries), output)))
			return nil
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "yaml", "Export format (yaml, json, md)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output file")
	return cmd
}
