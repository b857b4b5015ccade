package cachemanager

import (
	"context"
	"sync"
	"time"

	"github.com/astubbs/spring-modules-sub002/internal/log"
	"github.com/astubbs/spring-modules-sub002/internal/resource"
)

// TransactionAwareCache decorates a CacheManager so that writes made inside
// a unit of work only reach the cache once it commits. Outside a unit of
// work writes are applied immediately.
//
// Reads go to the target, except that a unit of work misses on every key it
// has evicted until it completes.
type TransactionAwareCache[K comparable, V any] struct {
	target CacheManager[K, V]

	mu      sync.Mutex
	evicted map[*resource.Registry]*pendingEvictions[K]
}

// pendingEvictions are the keys one unit of work evicted but has not yet
// committed.
type pendingEvictions[K comparable] struct {
	keys map[K]struct{}
	all  bool
}

var _ CacheManager[string, int] = (*TransactionAwareCache[string, int])(nil)

// NewTransactionAwareCache wraps target.
func NewTransactionAwareCache[K comparable, V any](target CacheManager[K, V]) *TransactionAwareCache[K, V] {
	return &TransactionAwareCache[K, V]{
		target:  target,
		evicted: make(map[*resource.Registry]*pendingEvictions[K]),
	}
}

// Target returns the decorated cache.
func (c *TransactionAwareCache[K, V]) Target() CacheManager[K, V] { return c.target }

func (c *TransactionAwareCache[K, V]) Get(ctx context.Context, key K) (V, bool) {
	if c.evictedIn(ctx, key) {
		var zero V
		return zero, false
	}
	return c.target.Get(ctx, key)
}

// GetMultiple returns the keys found. Keys evicted by the unit of work in
// ctx are left out.
func (c *TransactionAwareCache[K, V]) GetMultiple(ctx context.Context, keys []K) (map[K]V, bool) {
	visible := make([]K, 0, len(keys))
	for _, key := range keys {
		if !c.evictedIn(ctx, key) {
			visible = append(visible, key)
		}
	}
	if len(visible) == 0 {
		return nil, false
	}
	return c.target.GetMultiple(ctx, visible)
}

func (c *TransactionAwareCache[K, V]) GetWithRefresh(ctx context.Context, key K, ttl time.Duration) (V, bool) {
	if c.evictedIn(ctx, key) {
		var zero V
		return zero, false
	}
	return c.target.GetWithRefresh(ctx, key, ttl)
}

func (c *TransactionAwareCache[K, V]) Set(ctx context.Context, key K, value V, ttl time.Duration) {
	if c.deferUntilCommit(ctx, "set", func(ctx context.Context) error {
		c.target.Set(ctx, key, value, ttl)
		return nil
	}) {
		return
	}
	c.target.Set(ctx, key, value, ttl)
}

// Delete evicts keys. Inside a unit of work the eviction is deferred and
// its error, if any, is logged when applied.
func (c *TransactionAwareCache[K, V]) Delete(ctx context.Context, keys ...K) error {
	if c.deferUntilCommit(ctx, "delete", func(ctx context.Context) error {
		return c.target.Delete(ctx, keys...)
	}) {
		c.markEvicted(ctx, false, keys...)
		return nil
	}
	return c.target.Delete(ctx, keys...)
}

func (c *TransactionAwareCache[K, V]) Flush(ctx context.Context) error {
	if c.deferUntilCommit(ctx, "flush", c.target.Flush) {
		c.markEvicted(ctx, true)
		return nil
	}
	return c.target.Flush(ctx)
}

// deferUntilCommit registers op to run after a successful commit of the unit
// of work active in ctx. It reports false when no unit of work is active.
func (c *TransactionAwareCache[K, V]) deferUntilCommit(ctx context.Context, op string, apply func(ctx context.Context) error) bool {
	reg := resource.RegistryFromContext(ctx)
	if !reg.SynchronizationActive() {
		return false
	}
	err := reg.RegisterSynchronization(resource.SynchronizationFuncs{
		Priority: resource.DefaultSynchronizationOrder,
		OnAfterComplete: func(ctx context.Context, status resource.CompletionStatus) {
			if status != resource.StatusCommitted {
				log.Debug(log.CatCache, "discarding cache write of rolled back unit of work", "op", op, "status", status)
				return
			}
			if err := apply(context.WithoutCancel(ctx)); err != nil {
				log.ErrorErr(log.CatCache, "deferred cache write failed", err, "op", op)
			}
		},
	})
	return err == nil
}

// markEvicted records keys, or everything when all is set, as evicted by the
// unit of work in ctx. The record is dropped when that unit of work
// completes, whatever its outcome.
func (c *TransactionAwareCache[K, V]) markEvicted(ctx context.Context, all bool, keys ...K) {
	reg := resource.RegistryFromContext(ctx)

	c.mu.Lock()
	pending, ok := c.evicted[reg]
	if !ok {
		pending = &pendingEvictions[K]{keys: make(map[K]struct{})}
		c.evicted[reg] = pending
	}
	pending.all = pending.all || all
	for _, key := range keys {
		pending.keys[key] = struct{}{}
	}
	c.mu.Unlock()

	if ok {
		return
	}
	err := reg.RegisterSynchronization(resource.SynchronizationFuncs{
		Priority: resource.DefaultSynchronizationOrder,
		OnAfterComplete: func(context.Context, resource.CompletionStatus) {
			c.mu.Lock()
			delete(c.evicted, reg)
			c.mu.Unlock()
		},
	})
	if err != nil {
		log.ErrorErr(log.CatCache, "could not track pending evictions", err)
		c.mu.Lock()
		delete(c.evicted, reg)
		c.mu.Unlock()
	}
}

// evictedIn reports whether the unit of work in ctx evicted key.
func (c *TransactionAwareCache[K, V]) evictedIn(ctx context.Context, key K) bool {
	reg := resource.RegistryFromContext(ctx)
	if !reg.SynchronizationActive() {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	pending, ok := c.evicted[reg]
	if !ok {
		return false
	}
	if pending.all {
		return true
	}
	_, ok = pending.keys[key]
	return ok
}
