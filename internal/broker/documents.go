package broker

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/astubbs/spring-modules-sub002/internal/cachemanager"
	"github.com/astubbs/spring-modules-sub002/internal/config"
	"github.com/astubbs/spring-modules-sub002/internal/tracing"
)

// DocumentStore persists documents through the broker. Reads go through a
// cache whose writes are held back until the surrounding unit of work
// commits, so a rolled back change never becomes visible in the cache.
type DocumentStore struct {
	broker *Broker
	cache  *cachemanager.TransactionAwareCache[string, *Document]
	reads  *cachemanager.ReadThroughCache[string, *Document, string]
	ttl    time.Duration
}

// NewDocumentStore creates a store on b. With cfg.Enabled false every Get
// goes to the database.
func NewDocumentStore(b *Broker, cfg config.CacheConfig) *DocumentStore {
	s := &DocumentStore{broker: b, ttl: cfg.TTL}
	if cfg.Enabled {
		s.cache = cachemanager.NewTransactionAwareCache[string, *Document](
			cachemanager.NewInMemoryCacheManager[string, *Document]("documents", cfg.TTL, cfg.CleanupInterval),
		)
	}
	var target cachemanager.CacheManager[string, *Document]
	if s.cache != nil {
		target = s.cache
	}
	s.reads = cachemanager.NewReadThroughCache[string, *Document, string](target, s.find, !cfg.Enabled)
	return s
}

// Cache returns the transaction-aware document cache, or nil when caching
// is disabled.
func (s *DocumentStore) Cache() *cachemanager.TransactionAwareCache[string, *Document] {
	return s.cache
}

// CacheStats returns the read-through lookup counters.
func (s *DocumentStore) CacheStats() cachemanager.Stats {
	return s.reads.Stats()
}

// NewDocumentID returns a fresh random document ID.
func NewDocumentID() string { return uuid.NewString() }

// Get returns the document with id. Returns DocumentNotFoundError if none
// exists.
func (s *DocumentStore) Get(ctx context.Context, id string) (*Document, error) {
	doc, err := s.reads.Get(ctx, id, id, s.ttl)
	if err != nil {
		return nil, err
	}
	return doc.clone(), nil
}

func (s *DocumentStore) find(ctx context.Context, id string) (*Document, error) {
	var doc *Document
	err := s.broker.Execute(ctx, func(ctx context.Context, sess *Session) error {
		found, err := findDocument(ctx, sess, id)
		doc = found
		return err
	})
	return doc, err
}

func findDocument(ctx context.Context, sess *Session, id string) (*Document, error) {
	model, err := scanDocument(sess.QueryRow(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &DocumentNotFoundError{ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find document: %w", err)
	}
	labels, err := documentLabels(ctx, sess, id)
	if err != nil {
		return nil, err
	}
	return model.toDomain(labels), nil
}

func documentLabels(ctx context.Context, sess *Session, id string) ([]string, error) {
	rows, err := sess.Query(ctx, `SELECT label FROM document_labels WHERE document_id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load labels: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var labels []string
	for rows.Next() {
		var label string
		if err := rows.Scan(&label); err != nil {
			return nil, fmt.Errorf("failed to scan label: %w", err)
		}
		labels = append(labels, label)
	}
	return labels, rows.Err()
}

// Put inserts doc, or updates it when a document with the same ID exists.
// A non-zero doc.Version must match the stored version. On success doc
// carries the new version and timestamps. An empty ID is filled in.
func (s *DocumentStore) Put(ctx context.Context, doc *Document) error {
	if doc.ID == "" {
		doc.ID = NewDocumentID()
	}
	return tracing.WithSpan(ctx, s.broker.tracer, tracing.SpanPrefixBroker+"put", func(ctx context.Context, _ trace.Span) error {
		err := s.broker.Execute(ctx, func(ctx context.Context, sess *Session) error {
			return putDocument(ctx, sess, doc)
		})
		if err != nil {
			return err
		}
		return s.reads.Invalidate(ctx, doc.ID)
	}, attribute.String(tracing.AttrDocumentID, doc.ID))
}

func putDocument(ctx context.Context, sess *Session, doc *Document) error {
	now := time.Now()

	existing, err := scanDocument(sess.QueryRow(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE id = ?`, doc.ID))
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if doc.Version != 0 {
			return &VersionConflictError{ID: doc.ID, Expected: doc.Version, Actual: 0}
		}
		doc.Version = 1
		doc.CreatedAt = now
		doc.UpdatedAt = now
		m := toDocumentModel(doc)
		if _, err := sess.Exec(ctx,
			`INSERT INTO documents (id, title, body, version, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
			m.ID, m.Title, m.Body, m.Version, m.CreatedAt, m.UpdatedAt,
		); err != nil {
			return fmt.Errorf("failed to insert document: %w", err)
		}
	case err != nil:
		return fmt.Errorf("failed to find document: %w", err)
	default:
		if doc.Version != 0 && doc.Version != existing.Version {
			return &VersionConflictError{ID: doc.ID, Expected: doc.Version, Actual: existing.Version}
		}
		doc.Version = existing.Version + 1
		doc.CreatedAt = time.Unix(existing.CreatedAt, 0)
		doc.UpdatedAt = now
		m := toDocumentModel(doc)
		if _, err := sess.Exec(ctx,
			`UPDATE documents SET title = ?, body = ?, version = ?, updated_at = ? WHERE id = ?`,
			m.Title, m.Body, m.Version, m.UpdatedAt, m.ID,
		); err != nil {
			return fmt.Errorf("failed to update document: %w", err)
		}
		if _, err := sess.Exec(ctx, `DELETE FROM document_labels WHERE document_id = ?`, doc.ID); err != nil {
			return fmt.Errorf("failed to clear labels: %w", err)
		}
	}

	for _, label := range doc.Labels {
		if _, err := sess.Exec(ctx,
			`INSERT OR IGNORE INTO document_labels (document_id, label) VALUES (?, ?)`, doc.ID, label,
		); err != nil {
			return fmt.Errorf("failed to insert label: %w", err)
		}
	}
	return nil
}

// Delete removes the document with id. Returns DocumentNotFoundError if
// none exists.
func (s *DocumentStore) Delete(ctx context.Context, id string) error {
	err := s.broker.Execute(ctx, func(ctx context.Context, sess *Session) error {
		result, err := sess.Exec(ctx, `DELETE FROM documents WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("failed to delete document: %w", err)
		}
		rowsAffected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		if rowsAffected == 0 {
			return &DocumentNotFoundError{ID: id}
		}
		return nil
	})
	if err != nil {
		return err
	}
	return s.reads.Invalidate(ctx, id)
}

// ListFilter narrows List results.
type ListFilter struct {
	Label string
	Limit int
}

// List returns documents newest first, ties broken by ID.
func (s *DocumentStore) List(ctx context.Context, filter ListFilter) ([]*Document, error) {
	query := `SELECT ` + documentColumns + ` FROM documents`
	var (
		where []string
		args  []any
	)
	if filter.Label != "" {
		where = append(where, `id IN (SELECT document_id FROM document_labels WHERE label = ?)`)
		args = append(args, filter.Label)
	}
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY updated_at DESC, id`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	var docs []*Document
	err := s.broker.Execute(ctx, func(ctx context.Context, sess *Session) error {
		rows, err := sess.Query(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("failed to list documents: %w", err)
		}
		var models []*documentModel
		for rows.Next() {
			m, err := scanDocument(rows)
			if err != nil {
				_ = rows.Close()
				return fmt.Errorf("failed to scan document: %w", err)
			}
			models = append(models, m)
		}
		if err := rows.Close(); err != nil {
			return err
		}
		if err := rows.Err(); err != nil {
			return err
		}

		// Labels are loaded after the cursor is closed: the session has a
		// single connection.
		for _, m := range models {
			labels, err := documentLabels(ctx, sess, m.ID)
			if err != nil {
				return err
			}
			docs = append(docs, m.toDomain(labels))
		}
		return nil
	})
	return docs, err
}
