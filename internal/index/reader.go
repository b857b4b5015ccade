package index

import (
	"errors"
	"sort"
	"sync"
)

// ErrClosed is returned by operations on a closed reader or writer.
var ErrClosed = errors.New("index: closed")

// Hit is one search result.
type Hit struct {
	ID    string
	Title string
	Score int
}

// Reader is a point-in-time view of an index: it loads the committed
// segments when opened and never sees later commits.
type Reader struct {
	dir        string
	generation int64
	segments   int
	docs       map[string]Document
	postings   map[string]map[string]int // term -> document ID -> weight

	mu     sync.RWMutex
	closed bool
}

// OpenReader opens a reader on the current commit of the index in dir.
func OpenReader(dir string) (*Reader, error) {
	m, err := loadManifest(dir)
	if err != nil {
		return nil, err
	}
	docs, err := loadDocuments(dir, m)
	if err != nil {
		return nil, err
	}

	postings := make(map[string]map[string]int)
	for id, doc := range docs {
		for term, weight := range termFrequencies(doc) {
			ids, ok := postings[term]
			if !ok {
				ids = make(map[string]int)
				postings[term] = ids
			}
			ids[id] = weight
		}
	}

	return &Reader{
		dir:        dir,
		generation: m.Generation,
		segments:   len(m.Segments),
		docs:       docs,
		postings:   postings,
	}, nil
}

// Generation is the commit generation the reader was opened on.
func (r *Reader) Generation() int64 { return r.generation }

// Segments is the number of segments the reader loaded.
func (r *Reader) Segments() int { return r.segments }

// NumDocs is the number of live documents.
func (r *Reader) NumDocs() int { return len(r.docs) }

// Search returns documents containing every term of query, best first.
// Ties are ordered by ID. limit <= 0 returns all hits.
func (r *Reader) Search(query string, limit int) ([]Hit, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return nil, ErrClosed
	}

	terms := tokenize(query)
	if len(terms) == 0 {
		return nil, nil
	}

	scores := make(map[string]int)
	for id, weight := range r.postings[terms[0]] {
		scores[id] = weight
	}
	for _, term := range terms[1:] {
		ids := r.postings[term]
		for id, score := range scores {
			weight, ok := ids[id]
			if !ok {
				delete(scores, id)
				continue
			}
			scores[id] = score + weight
		}
	}

	hits := make([]Hit, 0, len(scores))
	for id, score := range scores {
		hits = append(hits, Hit{ID: id, Title: r.docs[id].Title, Score: score})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// Get returns the document with id.
func (r *Reader) Get(id string) (Document, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return Document{}, false, ErrClosed
	}
	doc, ok := r.docs[id]
	return doc, ok, nil
}

// Close releases the reader. Closing twice returns ErrClosed.
func (r *Reader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	r.closed = true
	return nil
}

// Closed reports whether Close was called.
func (r *Reader) Closed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.closed
}
