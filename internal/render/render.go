// Package render turns a frozen revision payload into the human-readable artifact. Rendering
// is a pure function of the payload: the same payload always produces the same bytes for the
// HTML format.
package render

import (
	"context"
	"errors"
	"fmt"

	"dossier/api/internal/snapshot"
)

// Format represents the artifact output format
type Format string

const (
	FormatHTML Format = "html"
	FormatPDF  Format = "pdf"
)

// Output is one rendered artifact.
type Output struct {
	Data        []byte
	ContentType string
	Filename    string
}

var (
	// ErrPDFDependencyMissing indicates PDF rendering runtime dependencies are unavailable.
	ErrPDFDependencyMissing = errors.New("render pdf dependency missing")
	ErrUnsupportedFormat    = errors.New("unsupported render format")
)

type Renderer interface {
	Render(ctx context.Context, payload snapshot.Payload) (Output, error)
}

// New returns the renderer for format.
func New(format Format) (Renderer, error) {
	switch format {
	case FormatHTML, "":
		return HTMLRenderer{}, nil
	case FormatPDF:
		return PDFRenderer{}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
}

// HTMLRenderer renders the report template as a standalone HTML document.
type HTMLRenderer struct{}

func (HTMLRenderer) Render(_ context.Context, payload snapshot.Payload) (Output, error) {
	html, err := RenderReportHTML(buildTemplateData(payload))
	if err != nil {
		return Output{}, fmt.Errorf("render template: %w", err)
	}
	return Output{
		Data:        []byte(html),
		ContentType: "text/html; charset=utf-8",
		Filename:    Filename(payload) + ".html",
	}, nil
}

// Filename is the download name of a revision's artifact, without extension.
func Filename(payload snapshot.Payload) string {
	return fmt.Sprintf("%s-rev%d", sanitizeFilename(payload.Title), payload.RevisionNumber)
}

// sanitizeFilename creates a safe filename from a title
func sanitizeFilename(title string) string {
	// Replace spaces with hyphens
	result := ""
	for _, r := range title {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			result += string(r)
		case r == ' ':
			result += "-"
		case r == '-', r == '_':
			result += string(r)
		}
	}

	if len(result) > 50 {
		result = result[:50]
	}
	if result == "" {
		result = "document"
	}
	return result
}
