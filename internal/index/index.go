// Package index is a directory-backed full-text index. Readers and writers
// are scoped resources: a Session binds one reader and one writer slot for
// its duration, so every call inside it shares them; outside a Session each
// call opens and releases its own.
package index

import (
	"context"
	"fmt"
	"os"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/astubbs/spring-modules-sub002/internal/config"
	"github.com/astubbs/spring-modules-sub002/internal/log"
	"github.com/astubbs/spring-modules-sub002/internal/pubsub"
	"github.com/astubbs/spring-modules-sub002/internal/resource"
	"github.com/astubbs/spring-modules-sub002/internal/tracing"
	"github.com/astubbs/spring-modules-sub002/internal/watcher"
)

// Key is the registry key Sessions are bound under.
var Key = resource.NewKey("index", "directory")

// Index ties the reader and writer factories of one directory together.
type Index struct {
	cfg     config.IndexConfig
	readers *SharedReaderFactory
	writers *WriterFactory
	facade  *resource.DualFacade[*Reader, *Writer]
	tracer  trace.Tracer

	watcher *watcher.Watcher
	wg      sync.WaitGroup
}

// Option configures an Index.
type Option func(*options)

type options struct {
	events pubsub.Publisher[resource.Event]
	tracer trace.Tracer
}

// WithEvents publishes reader and writer lifecycle events to p.
func WithEvents(p pubsub.Publisher[resource.Event]) Option {
	return func(o *options) { o.events = p }
}

// WithTracer records index spans with t.
func WithTracer(t trace.Tracer) Option {
	return func(o *options) { o.tracer = t }
}

// Stats describes the committed state of an index.
type Stats struct {
	Generation int64
	Segments   int
	Docs       int
}

// Open creates the index directory if needed and, with cfg.Watch, starts
// refreshing the shared reader whenever another writer commits.
func Open(cfg config.IndexConfig, opts ...Option) (*Index, error) {
	if err := config.ValidateIndex(cfg); err != nil {
		return nil, err
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating index directory: %w", err)
	}

	idx := &Index{
		cfg:     cfg,
		readers: NewSharedReaderFactory(cfg.Dir),
		tracer:  o.tracer,
	}
	idx.writers = NewWriterFactory(cfg.Dir, WriterOptions{
		LockTimeout: cfg.LockTimeout,
		MaxSegments: cfg.MaxSegments,
		OnCommit: func(int64) {
			if _, err := idx.readers.Refresh(); err != nil {
				log.ErrorErr(log.CatIndex, "Failed to refresh reader after commit", err, "dir", cfg.Dir)
			}
		},
	})

	var facadeOpts []resource.Option
	if o.events != nil {
		facadeOpts = append(facadeOpts, resource.WithEvents(o.events))
	}
	idx.facade = resource.NewDualFacade[*Reader, *Writer](Key, idx.readers, idx.writers, facadeOpts...)

	if cfg.Watch {
		if err := idx.startWatcher(); err != nil {
			return nil, err
		}
	}
	log.Debug(log.CatIndex, "Opened index", "dir", cfg.Dir, "watch", cfg.Watch)
	return idx, nil
}

func (idx *Index) startWatcher() error {
	w, err := watcher.New(watcher.DefaultConfig(idx.cfg.Dir))
	if err != nil {
		return err
	}
	onChange, err := w.Start()
	if err != nil {
		_ = w.Stop()
		return err
	}
	idx.watcher = w

	idx.wg.Add(1)
	go func() {
		defer idx.wg.Done()
		for range onChange {
			if _, err := idx.Refresh(context.Background()); err != nil {
				log.ErrorErr(log.CatWatcher, "Failed to refresh reader", err, "dir", idx.cfg.Dir)
			}
		}
	}()
	return nil
}

// Dir returns the index directory.
func (idx *Index) Dir() string { return idx.cfg.Dir }

// Readers returns the shared reader factory.
func (idx *Index) Readers() *SharedReaderFactory { return idx.readers }

// Session runs fn with a reader/writer scope bound in ctx. The writer, if
// fn used one, is committed and closed when fn returns, then the reader is
// released. When fn fails the writer's uncommitted changes are dropped
// instead. Nested Sessions join the outer one and leave both to it.
func (idx *Index) Session(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	joined := idx.inSession(ctx)
	ctx, closeScope, err := idx.facade.BindScope(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil && !joined {
			idx.discardPending(ctx)
		}
		if closeErr := closeScope(ctx); closeErr != nil {
			if err != nil {
				log.ErrorErr(log.CatIndex, "Closing index session failed while another error was propagating", closeErr)
				return
			}
			err = closeErr
		}
	}()
	return fn(ctx)
}

// Search returns the best hits for query.
func (idx *Index) Search(ctx context.Context, query string, limit int) ([]Hit, error) {
	var hits []Hit
	err := tracing.WithSpan(ctx, idx.tracer, tracing.SpanPrefixIndex+"search", func(ctx context.Context, span trace.Span) error {
		return idx.facade.ExecuteReader(ctx, func(ctx context.Context, r *Reader) error {
			var err error
			hits, err = r.Search(query, limit)
			span.SetAttributes(attribute.Int(tracing.AttrIndexHits, len(hits)))
			return err
		})
	},
		attribute.String(tracing.AttrIndexDir, idx.cfg.Dir),
		attribute.String(tracing.AttrIndexQuery, query),
	)
	return hits, err
}

// Get returns the document with id.
func (idx *Index) Get(ctx context.Context, id string) (doc Document, found bool, err error) {
	err = idx.facade.ExecuteReader(ctx, func(ctx context.Context, r *Reader) error {
		doc, found, err = r.Get(id)
		return err
	})
	return doc, found, err
}

// Add indexes docs. Outside a Session they are committed before Add
// returns; inside one, when the Session ends.
func (idx *Index) Add(ctx context.Context, docs ...Document) error {
	return tracing.WithSpan(ctx, idx.tracer, tracing.SpanPrefixIndex+"add", func(ctx context.Context, _ trace.Span) error {
		return idx.write(ctx, func(w *Writer) error {
			for _, doc := range docs {
				if err := w.Add(doc); err != nil {
					return err
				}
			}
			return nil
		})
	},
		attribute.String(tracing.AttrIndexDir, idx.cfg.Dir),
		attribute.Int(tracing.AttrIndexDocs, len(docs)),
	)
}

// Delete removes ids from the index, committing like Add.
func (idx *Index) Delete(ctx context.Context, ids ...string) error {
	return idx.write(ctx, func(w *Writer) error {
		return w.Delete(ids...)
	})
}

// write runs fn on the writer for ctx. Outside a Session a failed fn leaves
// nothing behind for the release to commit.
func (idx *Index) write(ctx context.Context, fn func(w *Writer) error) error {
	private := !idx.inSession(ctx)
	return idx.facade.ExecuteWriter(ctx, func(ctx context.Context, w *Writer) error {
		err := fn(w)
		if err != nil && private {
			w.Rollback()
		}
		return err
	})
}

func (idx *Index) inSession(ctx context.Context) bool {
	return resource.RegistryFromContext(ctx).HasResource(idx.facade.Key())
}

// discardPending drops the uncommitted changes of the Session writer in ctx.
func (idx *Index) discardPending(ctx context.Context) {
	holder, ok := resource.RegistryFromContext(ctx).Lookup(idx.facade.Key()).(*resource.DualHolder[*Reader, *Writer])
	if !ok {
		return
	}
	if w, ok := holder.Writer(); ok {
		log.Debug(log.CatIndex, "Discarding index changes of failed session", "dir", idx.cfg.Dir, "pending", w.Pending())
		w.Rollback()
	}
}

// Commit commits the writer of the Session in ctx now instead of when the
// Session ends. Outside a Session there is nothing to commit.
func (idx *Index) Commit(ctx context.Context) (int64, error) {
	var generation int64
	err := idx.facade.ExecuteWriter(ctx, func(ctx context.Context, w *Writer) error {
		var err error
		generation, err = w.Commit()
		return err
	})
	return generation, err
}

// Refresh moves the shared reader to the latest commit.
func (idx *Index) Refresh(ctx context.Context) (bool, error) {
	var refreshed bool
	err := tracing.WithSpan(ctx, idx.tracer, tracing.SpanPrefixIndex+"refresh", func(ctx context.Context, span trace.Span) error {
		var err error
		refreshed, err = idx.readers.Refresh()
		if refreshed {
			span.AddEvent(tracing.EventReaderRefreshed)
		}
		return err
	}, attribute.String(tracing.AttrIndexDir, idx.cfg.Dir))
	return refreshed, err
}

// Stats reports the state seen by the reader in ctx, or by the current
// shared reader.
func (idx *Index) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	err := idx.facade.ExecuteReader(ctx, func(ctx context.Context, r *Reader) error {
		stats = Stats{Generation: r.Generation(), Segments: r.Segments(), Docs: r.NumDocs()}
		return nil
	})
	return stats, err
}

// Close stops the watcher and closes every reader.
func (idx *Index) Close() error {
	if idx.watcher != nil {
		if err := idx.watcher.Stop(); err != nil {
			log.ErrorErr(log.CatWatcher, "Failed to stop watcher", err, "dir", idx.cfg.Dir)
		}
		idx.wg.Wait()
	}
	return idx.readers.Shutdown()
}
