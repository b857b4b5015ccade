// Package presentation renders command results as JSON.
package presentation

import (
	"encoding/json"
	"io"
)

// Formatter handles output formatting
type Formatter struct {
	writer io.Writer
}

// NewFormatter creates a new formatter
func NewFormatter(writer io.Writer) *Formatter {
	return &Formatter{
		writer: writer,
	}
}

// FormatDocument formats a stored document as JSON
func (f *Formatter) FormatDocument(doc DocumentDTO) error {
	return f.encode(doc)
}

// FormatHits formats search results as JSON
func (f *Formatter) FormatHits(hits []HitDTO) error {
	return f.encode(hits)
}

// FormatMigrations formats the migrate result as JSON
func (f *Formatter) FormatMigrations(result MigrateResultDTO) error {
	return f.encode(result)
}

// FormatReport formats an exercise report as JSON
func (f *Formatter) FormatReport(report ExerciseReportDTO) error {
	return f.encode(report)
}

func (f *Formatter) encode(v any) error {
	encoder := json.NewEncoder(f.writer)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}
