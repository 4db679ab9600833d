package cli

import (
	"errors"
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"

	"github.com/ashureev/ideacapture/internal/attachment"
	"github.com/ashureev/ideacapture/internal/domain"
	"github.com/spf13/cobra"
)

var errNoAttachments = errors.New("session has no attachments")

// readFile loads a local file for staging.
func readFile(path string) (attachment.File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return attachment.File{}, fmt.Errorf("read %s: %w", path, err)
	}
	contentType := mime.TypeByExtension(filepath.Ext(path))
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	return attachment.File{
		Name:        filepath.Base(path),
		ContentType: contentType,
		Data:        data,
		LocalPath:   abs,
	}, nil
}

func newAttachCmd(deps *Deps) *cobra.Command {
	return &cobra.Command{
		Use:   "attach <session-id> <image>...",
		Short: "Attach images to a session",
		Long: fmt.Sprintf(`Stage the given images and attach them to the session.

A session holds at most %d images. Nothing is attached when staging fails.`, domain.MaxAttachments),
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			sessionID, paths := args[0], args[1:]
			c := deps.controller(cmd)
			if err := c.Open(cmd.Context(), sessionID); err != nil {
				return err
			}

			for _, p := range paths {
				f, err := readFile(p)
				if err != nil {
					return err
				}
				if _, err := c.Stage(cmd.Context(), f); err != nil {
					return err
				}
			}
			renderAttachments(cmd.OutOrStdout(), c.Stager().Staged())

			if _, err := c.Confirm(cmd.Context()); err != nil {
				return err
			}
			renderAttachments(cmd.OutOrStdout(), c.Transcript().Attachments())
			return nil
		},
	}
}

func newDownloadCmd(deps *Deps) *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "download <session-id>",
		Short: "Download the images attached to a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := deps.controller(cmd)
			if err := c.Open(cmd.Context(), args[0]); err != nil {
				return err
			}
			items := c.Transcript().Attachments()
			if len(items) == 0 {
				return errNoAttachments
			}

			for _, it := range items {
				target := filepath.Join(dir, filepath.Base(it.DisplayName))
				if err := deps.Files.SaveFile(cmd.Context(), it.DurableRef, target); err != nil {
					return fmt.Errorf("download %s: %w", it.DisplayName, err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), attachmentStyle.Render("saved "+target))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&dir, "dir", "d", ".", "Directory to save into")
	return cmd
}
