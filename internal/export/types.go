// Package export renders calendar year reports as PDF.
package export

import "errors"

// Request contains parameters for a report export.
type Request struct {
	CalendarID string
	Year       int
}

// Result contains the export output.
type Result struct {
	Data     []byte
	Filename string
	MimeType string
}

// ErrPDFDependencyMissing indicates the PDF export runtime dependencies are unavailable.
var ErrPDFDependencyMissing = errors.New("export pdf dependency missing")
