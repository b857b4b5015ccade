package broker

import (
	"sort"
	"time"
)

// Document is a stored text document.
type Document struct {
	ID        string
	Title     string
	Body      string
	Labels    []string
	Version   int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// clone returns a deep copy so callers never share cached values.
func (d *Document) clone() *Document {
	c := *d
	c.Labels = append([]string(nil), d.Labels...)
	return &c
}

// documentModel represents the database row for the documents table.
// Timestamps are Unix seconds.
type documentModel struct {
	ID        string
	Title     string
	Body      string
	Version   int
	CreatedAt int64
	UpdatedAt int64
}

// documentColumns is the list of columns to select for document queries.
const documentColumns = `id, title, body, version, created_at, updated_at`

// scanDocument scans a row into a documentModel.
func scanDocument(scanner interface{ Scan(...any) error }) (*documentModel, error) {
	var m documentModel
	err := scanner.Scan(&m.ID, &m.Title, &m.Body, &m.Version, &m.CreatedAt, &m.UpdatedAt)
	return &m, err
}

func toDocumentModel(d *Document) *documentModel {
	return &documentModel{
		ID:        d.ID,
		Title:     d.Title,
		Body:      d.Body,
		Version:   d.Version,
		CreatedAt: d.CreatedAt.Unix(),
		UpdatedAt: d.UpdatedAt.Unix(),
	}
}

func (m *documentModel) toDomain(labels []string) *Document {
	sorted := append([]string(nil), labels...)
	sort.Strings(sorted)
	return &Document{
		ID:        m.ID,
		Title:     m.Title,
		Body:      m.Body,
		Labels:    sorted,
		Version:   m.Version,
		CreatedAt: time.Unix(m.CreatedAt, 0),
		UpdatedAt: time.Unix(m.UpdatedAt, 0),
	}
}
