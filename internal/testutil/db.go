// Package testutil provides test utilities for database setup.
package testutil

import (
	"database/sql"
	"fmt"
	"net/url"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/stretchr/testify/require"
)

// Schema mirrors the broker migrations so tests can work on a raw database
// without running them.
const Schema = `
CREATE TABLE documents (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL DEFAULT '',
	body TEXT NOT NULL,
	version INTEGER NOT NULL DEFAULT 1,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE INDEX idx_documents_updated_at ON documents(updated_at);

CREATE TABLE document_labels (
	document_id TEXT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
	label TEXT NOT NULL,
	PRIMARY KEY (document_id, label)
);
`

// DSN builds a file DSN for the sqlite3 driver with the pragmas every
// springmod connection runs with.
func DSN(path string, busyTimeout time.Duration) string {
	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busyTimeout.Milliseconds()))
	q.Add("_pragma", "foreign_keys(1)")
	q.Add("_pragma", "journal_mode(wal)")
	return "file:" + filepath.ToSlash(path) + "?" + q.Encode()
}

// TempDBPath returns a database path inside a per-test temp directory.
func TempDBPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "test.db")
}

// NewTestDB creates a temp-file SQLite database with the full test schema.
// A file is used instead of :memory: so that every pooled connection sees
// the same database. The database is closed when the test ends.
func NewTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", DSN(TempDBPath(t), 5*time.Second))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	_, err = db.Exec(Schema)
	require.NoError(t, err)
	return db
}
