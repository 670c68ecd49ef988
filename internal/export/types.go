// Package export renders approved funnel content to HTML and PDF.
package export

import (
	"errors"
	"fmt"
	"time"
)

// Format represents the export output format
type Format string

const (
	FormatHTML Format = "html"
	FormatPDF  Format = "pdf"
)

func ParseFormat(raw string) (Format, error) {
	switch Format(raw) {
	case "", FormatHTML:
		return FormatHTML, nil
	case FormatPDF:
		return FormatPDF, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, raw)
}

// Request contains parameters for an export operation
type Request struct {
	ProjectID string
	Title     string
	Format    Format
	// Sections limits the export to these ids; empty means every approved section.
	Sections []string
	// IncludeUnapproved exports generated sections too.
	IncludeUnapproved bool
}

// Result contains the export output
type Result struct {
	Data        []byte
	Filename    string
	MimeType    string
	Sections    []string
	GeneratedAt time.Time
}

var (
	// ErrNothingToExport indicates no section matched the request.
	ErrNothingToExport = errors.New("export has no sections")
	// ErrPDFDependencyMissing indicates PDF export runtime dependencies are unavailable.
	ErrPDFDependencyMissing = errors.New("export pdf dependency missing")
	ErrUnsupportedFormat    = errors.New("unsupported export format")
)
