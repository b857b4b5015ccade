package index

import (
	"context"
	"errors"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/astubbs/spring-modules-sub002/internal/log"
	"github.com/astubbs/spring-modules-sub002/internal/resource"
	"github.com/astubbs/spring-modules-sub002/internal/tracing"
)

// ReaderFactory opens a fresh reader on every Create.
type ReaderFactory struct {
	dir string
}

var _ resource.Factory[*Reader] = (*ReaderFactory)(nil)

// NewReaderFactory creates a factory for readers of dir.
func NewReaderFactory(dir string) *ReaderFactory {
	return &ReaderFactory{dir: dir}
}

func (f *ReaderFactory) Create(ctx context.Context) (*Reader, error) {
	return OpenReader(f.dir)
}

func (f *ReaderFactory) Close(ctx context.Context, r *Reader) error {
	return r.Close()
}

// WriterFactory opens writers, each holding the write lock until closed.
type WriterFactory struct {
	dir  string
	opts WriterOptions
}

var _ resource.Factory[*Writer] = (*WriterFactory)(nil)

// NewWriterFactory creates a factory for writers of dir.
func NewWriterFactory(dir string, opts WriterOptions) *WriterFactory {
	return &WriterFactory{dir: dir, opts: opts}
}

func (f *WriterFactory) Create(ctx context.Context) (*Writer, error) {
	return OpenWriter(ctx, f.dir, f.opts)
}

// Close commits and closes w, recording the written segment on the span
// in ctx.
func (f *WriterFactory) Close(ctx context.Context, w *Writer) error {
	pending := w.Pending()
	if err := w.Close(); err != nil {
		return err
	}
	if pending > 0 {
		trace.SpanFromContext(ctx).AddEvent(tracing.EventSegmentWritten, trace.WithAttributes(
			attribute.Int(tracing.AttrIndexDocs, pending),
			attribute.Int64(tracing.AttrIndexGeneration, w.Generation()),
		))
	}
	return nil
}

// SharedReaderFactory keeps one current reader open and hands it to every
// caller. Releasing the current reader is vetoed; a reader superseded by
// Refresh is closed once its last user releases it.
type SharedReaderFactory struct {
	dir string

	mu      sync.Mutex
	current *Reader
	refs    map[*Reader]int
}

var (
	_ resource.Factory[*Reader]   = (*SharedReaderFactory)(nil)
	_ resource.CloseVeto[*Reader] = (*SharedReaderFactory)(nil)
)

// NewSharedReaderFactory creates a shared reader factory for dir.
func NewSharedReaderFactory(dir string) *SharedReaderFactory {
	return &SharedReaderFactory{dir: dir, refs: make(map[*Reader]int)}
}

// Create returns the current reader, opening it on first use.
func (f *SharedReaderFactory) Create(ctx context.Context) (*Reader, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.current == nil {
		r, err := OpenReader(f.dir)
		if err != nil {
			return nil, err
		}
		f.current = r
	}
	f.refs[f.current]++
	return f.current, nil
}

// ShouldClose is asked once per release. It drops the caller's reference
// and allows the close only for a superseded reader nobody else uses.
func (f *SharedReaderFactory) ShouldClose(r *Reader) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.refs[r] > 0 {
		f.refs[r]--
	}
	return r != f.current && f.refs[r] == 0
}

func (f *SharedReaderFactory) Close(ctx context.Context, r *Reader) error {
	f.mu.Lock()
	delete(f.refs, r)
	if r == f.current {
		f.current = nil
	}
	f.mu.Unlock()
	return r.Close()
}

// Current returns the current reader without taking a reference.
func (f *SharedReaderFactory) Current() *Reader {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}

// Refresh replaces the current reader when the index has a newer commit.
// A superseded reader nobody holds is closed immediately. It reports
// whether the reader changed.
func (f *SharedReaderFactory) Refresh() (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.current == nil {
		return false, nil
	}
	m, err := loadManifest(f.dir)
	if err != nil {
		return false, err
	}
	if m.Generation == f.current.Generation() {
		return false, nil
	}

	r, err := OpenReader(f.dir)
	if err != nil {
		return false, err
	}
	old := f.current
	f.current = r
	if f.refs[old] == 0 {
		delete(f.refs, old)
		_ = old.Close()
	}
	log.Debug(log.CatIndex, "Refreshed shared reader", "dir", f.dir,
		"from", old.Generation(), "to", r.Generation())
	return true, nil
}

// Shutdown closes the current reader and every superseded reader still in
// use.
func (f *SharedReaderFactory) Shutdown() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	var errs []error
	seen := make(map[*Reader]bool)
	closeReader := func(r *Reader) {
		if r == nil || seen[r] {
			return
		}
		seen[r] = true
		if err := r.Close(); err != nil && !errors.Is(err, ErrClosed) {
			errs = append(errs, err)
		}
	}
	closeReader(f.current)
	for r := range f.refs {
		closeReader(r)
	}
	f.current = nil
	f.refs = make(map[*Reader]int)
	return errors.Join(errs...)
}
