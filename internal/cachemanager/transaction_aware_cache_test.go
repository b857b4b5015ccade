package cachemanager

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/astubbs/spring-modules-sub002/internal/mocks"
	"github.com/astubbs/spring-modules-sub002/internal/resource"
)

func activeUnitOfWork(t *testing.T) context.Context {
	t.Helper()
	reg := resource.NewRegistry()
	require.NoError(t, reg.InitSynchronization())
	return resource.WithRegistry(context.Background(), reg)
}

func TestTransactionAwareCache_OutsideUnitOfWork_WritesImmediately(t *testing.T) {
	target := NewInMemoryCacheManager[string, string]("docs", DefaultExpiration, DefaultCleanupInterval)
	cache := NewTransactionAwareCache[string, string](target)
	ctx := context.Background()

	cache.Set(ctx, "a", "alpha", DefaultExpiration)
	got, ok := cache.Get(ctx, "a")
	require.True(t, ok)
	require.Equal(t, "alpha", got)

	require.NoError(t, cache.Delete(ctx, "a"))
	_, ok = cache.Get(ctx, "a")
	require.False(t, ok)
}

func TestTransactionAwareCache_DefersWritesUntilCommit(t *testing.T) {
	target := NewInMemoryCacheManager[string, string]("docs", DefaultExpiration, DefaultCleanupInterval)
	target.Set(context.Background(), "old", "stale", DefaultExpiration)
	cache := NewTransactionAwareCache[string, string](target)
	ctx := activeUnitOfWork(t)

	cache.Set(ctx, "a", "alpha", DefaultExpiration)
	require.NoError(t, cache.Delete(ctx, "old"))

	_, ok := cache.Get(ctx, "a")
	require.False(t, ok, "write must not be visible before commit")
	_, ok = target.Get(context.Background(), "old")
	require.True(t, ok, "eviction must not happen before commit")

	resource.TriggerAfterCompletion(ctx, resource.StatusCommitted)

	got, ok := cache.Get(ctx, "a")
	require.True(t, ok)
	require.Equal(t, "alpha", got)
	_, ok = cache.Get(ctx, "old")
	require.False(t, ok)
}

func TestTransactionAwareCache_DiscardsWritesOnRollback(t *testing.T) {
	target := NewInMemoryCacheManager[string, string]("docs", DefaultExpiration, DefaultCleanupInterval)
	target.Set(context.Background(), "keep", "value", DefaultExpiration)
	cache := NewTransactionAwareCache[string, string](target)
	ctx := activeUnitOfWork(t)

	cache.Set(ctx, "a", "alpha", DefaultExpiration)
	require.NoError(t, cache.Flush(ctx))

	resource.TriggerAfterCompletion(ctx, resource.StatusRolledBack)

	_, ok := target.Get(context.Background(), "a")
	require.False(t, ok)
	_, ok = target.Get(context.Background(), "keep")
	require.True(t, ok)
}

func TestTransactionAwareCache_DeferredDeleteErrorIsSwallowed(t *testing.T) {
	target := mocks.NewMockCacheManager[string, string](t)
	target.EXPECT().Delete(mock.Anything, "a").Return(errors.New("backend down")).Once()
	cache := NewTransactionAwareCache[string, string](target)
	ctx := activeUnitOfWork(t)

	require.NoError(t, cache.Delete(ctx, "a"))
	require.NotPanics(t, func() {
		resource.TriggerAfterCompletion(ctx, resource.StatusCommitted)
	})
}

func TestTransactionAwareCache_ReadsPassThrough(t *testing.T) {
	target := mocks.NewMockCacheManager[string, string](t)
	target.EXPECT().Get(mock.Anything, "a").Return("alpha", true).Once()
	target.EXPECT().GetWithRefresh(mock.Anything, "b", DefaultExpiration).Return("", false).Once()
	target.EXPECT().GetMultiple(mock.Anything, []string{"a", "b"}).Return(map[string]string{"a": "alpha"}, true).Once()
	cache := NewTransactionAwareCache[string, string](target)
	ctx := activeUnitOfWork(t)

	got, ok := cache.Get(ctx, "a")
	require.True(t, ok)
	require.Equal(t, "alpha", got)
	_, ok = cache.GetWithRefresh(ctx, "b", DefaultExpiration)
	require.False(t, ok)
	multi, ok := cache.GetMultiple(ctx, []string{"a", "b"})
	require.True(t, ok)
	require.Equal(t, map[string]string{"a": "alpha"}, multi)
	require.Same(t, target, cache.Target())
}

func TestTransactionAwareCache_UnitOfWorkMissesOnKeysItEvicted(t *testing.T) {
	target := NewInMemoryCacheManager[string, string]("docs", DefaultExpiration, DefaultCleanupInterval)
	target.Set(context.Background(), "a", "alpha", DefaultExpiration)
	target.Set(context.Background(), "b", "beta", DefaultExpiration)
	cache := NewTransactionAwareCache[string, string](target)
	ctx := activeUnitOfWork(t)
	other := activeUnitOfWork(t)

	require.NoError(t, cache.Delete(ctx, "a"))

	_, ok := cache.Get(ctx, "a")
	require.False(t, ok)
	_, ok = cache.GetWithRefresh(ctx, "a", DefaultExpiration)
	require.False(t, ok)
	multi, ok := cache.GetMultiple(ctx, []string{"a", "b"})
	require.True(t, ok)
	require.Equal(t, map[string]string{"b": "beta"}, multi)

	got, ok := cache.Get(other, "a")
	require.True(t, ok, "other units of work still read the cache")
	require.Equal(t, "alpha", got)
	got, ok = cache.Get(context.Background(), "a")
	require.True(t, ok)
	require.Equal(t, "alpha", got)

	resource.TriggerAfterCompletion(ctx, resource.StatusRolledBack)
	got, ok = cache.Get(ctx, "a")
	require.True(t, ok, "rollback keeps the entry and ends the miss")
	require.Equal(t, "alpha", got)
}

func TestTransactionAwareCache_FlushMissesEverythingUntilCompletion(t *testing.T) {
	target := NewInMemoryCacheManager[string, string]("docs", DefaultExpiration, DefaultCleanupInterval)
	target.Set(context.Background(), "a", "alpha", DefaultExpiration)
	cache := NewTransactionAwareCache[string, string](target)
	ctx := activeUnitOfWork(t)

	require.NoError(t, cache.Flush(ctx))
	_, ok := cache.Get(ctx, "a")
	require.False(t, ok)
	_, ok = cache.GetMultiple(ctx, []string{"a"})
	require.False(t, ok)

	resource.TriggerAfterCompletion(ctx, resource.StatusCommitted)
	_, ok = cache.Get(ctx, "a")
	require.False(t, ok, "flush applied at commit")
	require.Zero(t, target.Len())
}
