package testutil

import (
	"database/sql"
	"testing"

	"github.com/stretchr/testify/require"
)

// Builder accumulates test data and inserts it in the correct order.
type Builder struct {
	t         *testing.T
	db        *sql.DB
	documents []documentData
}

// NewBuilder creates a builder for the given test database.
func NewBuilder(t *testing.T, db *sql.DB) *Builder {
	t.Helper()
	return &Builder{t: t, db: db}
}

// WithDocument adds a document with optional configuration.
func (b *Builder) WithDocument(id string, opts ...DocumentOption) *Builder {
	doc := defaultDocument(id)
	for _, opt := range opts {
		opt(&doc)
	}
	b.documents = append(b.documents, doc)
	return b
}

// Build inserts all accumulated data into the database.
func (b *Builder) Build() {
	b.t.Helper()
	// Documents before labels: labels reference documents
	for _, doc := range b.documents {
		b.insertDocument(doc)
		b.insertLabels(doc.id, doc.labels)
	}
}

func (b *Builder) insertDocument(doc documentData) {
	b.t.Helper()
	_, err := b.db.Exec(
		`INSERT INTO documents (id, title, body, version, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		doc.id, doc.title, doc.body, doc.version, doc.createdAt.Unix(), doc.updatedAt.Unix(),
	)
	require.NoError(b.t, err)
}

func (b *Builder) insertLabels(documentID string, labels []string) {
	b.t.Helper()
	for _, label := range labels {
		_, err := b.db.Exec(`INSERT INTO document_labels (document_id, label) VALUES (?, ?)`, documentID, label)
		require.NoError(b.t, err)
	}
}
