package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/ashureev/ideacapture/internal/domain"
	"gopkg.in/yaml.v3"
)

// Document is the exported form of a session transcript.
type Document struct {
	SessionID  string                   `json:"session_id" yaml:"session_id"`
	ExportedAt time.Time                `json:"exported_at" yaml:"exported_at"`
	Entries    []domain.TranscriptEntry `json:"entries" yaml:"entries"`
}

// Exporter writes a Document in one format.
type Exporter interface {
	Export(doc *Document, w io.Writer) error
	Extension() string
}

// NewExporter creates an exporter for format.
func NewExporter(format string) (Exporter, error) {
	switch strings.ToLower(format) {
	case "yaml", "yml":
		return yamlExporter{}, nil
	case "json":
		return jsonExporter{}, nil
	case "md", "markdown":
		return markdownExporter{}, nil
	default:
		return nil, fmt.Errorf("unsupported format: %s (supported: yaml, json, md)", format)
	}
}

type yamlExporter struct{}

func (yamlExporter) Export(doc *Document, w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		_ = enc.Close()
		return fmt.Errorf("encode yaml: %w", err)
	}
	return enc.Close()
}

func (yamlExporter) Extension() string { return "yaml" }

type jsonExporter struct{}

func (jsonExporter) Export(doc *Document, w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(doc)
}

func (jsonExporter) Extension() string { return "json" }

type markdownExporter struct{}

func (markdownExporter) Export(doc *Document, w io.Writer) error {
	var b strings.Builder
	fmt.Fprintf(&b, "# Session %s\n\n", doc.SessionID)
	fmt.Fprintf(&b, "_Exported %s_\n\n", doc.ExportedAt.Format(time.RFC3339))
	for _, e := range doc.Entries {
		fmt.Fprintf(&b, "**%s** (%s)\n\n", e.Speaker, e.OccurredAt.Format(time.RFC3339))
		switch {
		case e.Content.IsImage():
			fmt.Fprintf(&b, "![%s](%s)\n\n", domain.DisplayName(e.Content.Text, e.Content.FileURL), e.Content.FileURL)
		case e.Content.IsFile():
			fmt.Fprintf(&b, "[%s](%s)\n\n", domain.DisplayName(e.Content.Text, e.Content.FileURL), e.Content.FileURL)
		default:
			fmt.Fprintf(&b, "%s\n\n", e.Content.Text)
		}
	}
	_, err := io.WriteString(w, b.String())
	return err
}

func (markdownExporter) Extension() string { return "md" }
