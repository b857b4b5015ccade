package index

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/astubbs/spring-modules-sub002/internal/log"
)

// LockError is returned when the write lock could not be acquired in time.
type LockError struct {
	Path string
	Err  error
}

func (e *LockError) Error() string {
	return fmt.Sprintf("index write lock %s is held by another writer: %v", e.Path, e.Err)
}

func (e *LockError) Unwrap() error { return e.Err }

// lockRetryInterval is how often a writer retries a held write lock.
const lockRetryInterval = 10 * time.Millisecond

// Writer buffers additions and deletions and commits them as a new
// segment. Only one writer per directory exists at a time; it holds
// write.lock from open to Close.
type Writer struct {
	dir         string
	maxSegments int
	onCommit    func(generation int64)

	mu        sync.Mutex
	committed manifest
	pending   segment
	closed    bool
}

// WriterOptions configure OpenWriter.
type WriterOptions struct {
	// LockTimeout bounds the wait for write.lock. Zero fails immediately.
	LockTimeout time.Duration
	// MaxSegments merges all segments into one on commit once exceeded.
	// Zero never merges.
	MaxSegments int
	// OnCommit runs after every successful commit.
	OnCommit func(generation int64)
}

// OpenWriter acquires the write lock of dir and opens a writer on its
// current commit.
func OpenWriter(ctx context.Context, dir string, opts WriterOptions) (*Writer, error) {
	if err := acquireLock(ctx, dir, opts.LockTimeout); err != nil {
		return nil, err
	}
	m, err := loadManifest(dir)
	if err != nil {
		releaseLock(dir)
		return nil, err
	}
	return &Writer{
		dir:         dir,
		maxSegments: opts.MaxSegments,
		onCommit:    opts.OnCommit,
		committed:   m,
	}, nil
}

func acquireLock(ctx context.Context, dir string, timeout time.Duration) error {
	path := filepath.Join(dir, LockFile)
	deadline := time.Now().Add(timeout)
	for {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600) //nolint:gosec // G304: index dir from config
		if err == nil {
			_, _ = f.WriteString(strconv.Itoa(os.Getpid()))
			return f.Close()
		}
		if !errors.Is(err, os.ErrExist) {
			return fmt.Errorf("creating write lock: %w", err)
		}
		if !time.Now().Before(deadline) {
			return &LockError{Path: path, Err: err}
		}

		select {
		case <-ctx.Done():
			return &LockError{Path: path, Err: ctx.Err()}
		case <-time.After(lockRetryInterval):
		}
	}
}

func releaseLock(dir string) {
	if err := os.Remove(filepath.Join(dir, LockFile)); err != nil {
		log.ErrorErr(log.CatIndex, "Failed to remove write lock", err, "dir", dir)
	}
}

// Add buffers doc, replacing any buffered document with the same ID.
func (w *Writer) Add(doc Document) error {
	if doc.ID == "" {
		return errors.New("index: document ID is required")
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}

	w.removePending(doc.ID)
	w.pending.Documents = append(w.pending.Documents, doc)
	return nil
}

// Delete buffers the deletion of ids, dropping buffered additions of them.
func (w *Writer) Delete(ids ...string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}

	for _, id := range ids {
		w.removePending(id)
		w.pending.Deleted = append(w.pending.Deleted, id)
	}
	return nil
}

func (w *Writer) removePending(id string) {
	docs := w.pending.Documents[:0]
	for _, d := range w.pending.Documents {
		if d.ID != id {
			docs = append(docs, d)
		}
	}
	w.pending.Documents = docs
}

// Pending is the number of buffered additions and deletions.
func (w *Writer) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending.Documents) + len(w.pending.Deleted)
}

// Generation is the generation of the last commit the writer saw or made.
func (w *Writer) Generation() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.committed.Generation
}

// Commit writes the buffered changes as a new segment and publishes it in
// the manifest. With nothing buffered it returns the current generation.
func (w *Writer) Commit() (int64, error) {
	w.mu.Lock()
	generation, committed, err := w.commitLocked()
	w.mu.Unlock()

	if committed && w.onCommit != nil {
		w.onCommit(generation)
	}
	return generation, err
}

func (w *Writer) commitLocked() (int64, bool, error) {
	if w.closed {
		return 0, false, ErrClosed
	}
	if len(w.pending.Documents) == 0 && len(w.pending.Deleted) == 0 {
		return w.committed.Generation, false, nil
	}

	next := manifest{Generation: w.committed.Generation + 1}
	name := segmentName(next.Generation)
	seg := w.pending
	var obsolete []string

	merge := w.maxSegments > 0 && len(w.committed.Segments)+1 > w.maxSegments
	if merge {
		docs, err := loadDocuments(w.dir, w.committed)
		if err != nil {
			return 0, false, err
		}
		applySegment(docs, seg)
		seg = segment{Documents: sortedDocuments(docs)}
		for _, info := range w.committed.Segments {
			obsolete = append(obsolete, info.Name)
		}
	} else {
		next.Segments = append(next.Segments, w.committed.Segments...)
	}
	next.Segments = append(next.Segments, segmentInfo{Name: name, Docs: len(seg.Documents), Deletes: len(seg.Deleted)})

	if err := writeYAML(filepath.Join(w.dir, name), seg); err != nil {
		return 0, false, err
	}
	if err := writeYAML(filepath.Join(w.dir, ManifestFile), next); err != nil {
		_ = os.Remove(filepath.Join(w.dir, name))
		return 0, false, err
	}

	// Open readers hold their documents in memory, so merged segment files
	// can go as soon as the manifest no longer names them.
	for _, old := range obsolete {
		if err := os.Remove(filepath.Join(w.dir, old)); err != nil {
			log.ErrorErr(log.CatIndex, "Failed to remove merged segment", err, "segment", old)
		}
	}

	w.committed = next
	w.pending = segment{}
	log.Debug(log.CatIndex, "Committed segment", "dir", w.dir, "generation", next.Generation,
		"segment", name, "docs", len(seg.Documents), "merged", merge)
	return next.Generation, true, nil
}

// Rollback discards the buffered changes.
func (w *Writer) Rollback() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending = segment{}
}

// Close commits buffered changes and releases the write lock. The lock is
// released even when the commit fails.
func (w *Writer) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrClosed
	}
	generation, committed, err := w.commitLocked()
	w.closed = true
	w.mu.Unlock()

	releaseLock(w.dir)
	if committed && w.onCommit != nil {
		w.onCommit(generation)
	}
	return err
}

func sortedDocuments(docs map[string]Document) []Document {
	out := make([]Document, 0, len(docs))
	for _, d := range docs {
		out = append(out, d)
	}
	sortDocuments(out)
	return out
}
