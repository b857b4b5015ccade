package cachemanager

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/astubbs/spring-modules-sub002/internal/resource"
)

// errLoadPanicked is what callers sharing a load see when the loader panicked.
var errLoadPanicked = errors.New("cache loader panicked")

// Loader fetches the value for input on a cache miss.
type Loader[I, V any] func(ctx context.Context, input I) (V, error)

// Stats counts cache lookups.
type Stats struct {
	Hits   int64
	Misses int64
	Loads  int64
	Shared int64 // misses answered by a load another caller started
}

// ReadThroughCache loads values through a Loader on a cache miss and stores
// them. Loader errors are returned as-is and nothing is cached for them.
//
// Concurrent misses for one key outside a unit of work share a single load.
// Inside a unit of work the caller loads on its own, since the value may
// include writes nobody else can see yet.
type ReadThroughCache[K comparable, V any, I any] struct {
	cache CacheManager[K, V]
	load  Loader[I, V]
	skip  bool

	hits, misses, loads, shared atomic.Int64

	mu       sync.Mutex
	inflight map[K]*pendingLoad[V]
}

type pendingLoad[V any] struct {
	done  chan struct{}
	value V
	err   error
}

// NewReadThroughCache wraps cache with load. With skip set every Get goes
// straight to load and nothing is stored.
func NewReadThroughCache[K comparable, V any, I any](cache CacheManager[K, V], load Loader[I, V], skip bool) *ReadThroughCache[K, V, I] {
	return &ReadThroughCache[K, V, I]{
		cache:    cache,
		load:     load,
		skip:     skip,
		inflight: make(map[K]*pendingLoad[V]),
	}
}

// Get returns the cached value for key, loading it from input on a miss.
func (r *ReadThroughCache[K, V, I]) Get(ctx context.Context, key K, input I, ttl time.Duration) (V, error) {
	if r.skip {
		return r.loadDirect(ctx, input)
	}
	if value, ok := r.cache.Get(ctx, key); ok {
		r.hits.Add(1)
		return value, nil
	}
	return r.miss(ctx, key, input, ttl)
}

// GetWithRefresh is Get, but a hit also extends the entry's TTL.
func (r *ReadThroughCache[K, V, I]) GetWithRefresh(ctx context.Context, key K, input I, ttl time.Duration) (V, error) {
	if r.skip {
		return r.loadDirect(ctx, input)
	}
	if value, ok := r.cache.GetWithRefresh(ctx, key, ttl); ok {
		r.hits.Add(1)
		return value, nil
	}
	return r.miss(ctx, key, input, ttl)
}

// Invalidate drops keys so the next Get goes to the loader.
func (r *ReadThroughCache[K, V, I]) Invalidate(ctx context.Context, keys ...K) error {
	if r.skip || len(keys) == 0 {
		return nil
	}
	return r.cache.Delete(ctx, keys...)
}

// Stats returns the lookup counters.
func (r *ReadThroughCache[K, V, I]) Stats() Stats {
	return Stats{
		Hits:   r.hits.Load(),
		Misses: r.misses.Load(),
		Loads:  r.loads.Load(),
		Shared: r.shared.Load(),
	}
}

func (r *ReadThroughCache[K, V, I]) loadDirect(ctx context.Context, input I) (V, error) {
	r.loads.Add(1)
	return r.load(ctx, input)
}

func (r *ReadThroughCache[K, V, I]) miss(ctx context.Context, key K, input I, ttl time.Duration) (V, error) {
	r.misses.Add(1)

	if resource.RegistryFromContext(ctx).SynchronizationActive() {
		return r.loadAndStore(ctx, key, input, ttl)
	}

	r.mu.Lock()
	if p, ok := r.inflight[key]; ok {
		r.mu.Unlock()
		r.shared.Add(1)
		select {
		case <-p.done:
			return p.value, p.err
		case <-ctx.Done():
			var zero V
			return zero, ctx.Err()
		}
	}
	p := &pendingLoad[V]{done: make(chan struct{}), err: errLoadPanicked}
	r.inflight[key] = p
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.inflight, key)
		r.mu.Unlock()
		close(p.done)
	}()
	p.value, p.err = r.loadAndStore(ctx, key, input, ttl)
	return p.value, p.err
}

func (r *ReadThroughCache[K, V, I]) loadAndStore(ctx context.Context, key K, input I, ttl time.Duration) (V, error) {
	value, err := r.loadDirect(ctx, input)
	if err != nil {
		return value, err
	}
	r.cache.Set(ctx, key, value, ttl)
	return value, nil
}
