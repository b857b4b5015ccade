package resource

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/astubbs/spring-modules-sub002/internal/pubsub"
)

func TestFacade_OutsideUnitOfWork_CreatesAndClosesEachTime(t *testing.T) {
	ctx := newTestContext()
	f := &fakeFactory{}
	facade := NewFacade[*fakeHandle](testKey, f)

	r1, owned, err := facade.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, owned)
	require.NoError(t, facade.Release(ctx, r1))
	require.Equal(t, 1, f.creates)
	require.Equal(t, 1, f.closes)

	r2, owned, err := facade.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, owned)
	require.NotSame(t, r1, r2)
	require.NoError(t, facade.Release(ctx, r2))
	require.Equal(t, 2, f.creates)
	require.Equal(t, 2, f.closes)
	require.False(t, RegistryFromContext(ctx).HasResource(testKey))
}

func TestFacade_WorksWithoutRegistry(t *testing.T) {
	f := &fakeFactory{}
	facade := NewFacade[*fakeHandle](testKey, f)

	r, owned, err := facade.Acquire(context.Background())
	require.NoError(t, err)
	require.True(t, owned)
	require.NoError(t, facade.Release(context.Background(), r))
	require.Equal(t, 1, r.closes)
}

func TestFacade_Acquire_ReturnsBoundResource(t *testing.T) {
	ctx := newTestContext()
	bound := &fakeHandle{id: 99}
	require.NoError(t, RegistryFromContext(ctx).Bind(testKey, NewResourceHolder(bound)))
	f := &fakeFactory{}
	facade := NewFacade[*fakeHandle](testKey, f)

	r, owned, err := facade.Acquire(ctx)
	require.NoError(t, err)
	require.False(t, owned)
	require.Same(t, bound, r)

	require.NoError(t, facade.Release(ctx, r))
	require.Equal(t, 0, f.creates)
	require.Equal(t, 0, bound.closes, "bound resource must stay open on release")
}

func TestFacade_Release_ClosesForeignHandleEvenWhenSomethingIsBound(t *testing.T) {
	ctx := newTestContext()
	require.NoError(t, RegistryFromContext(ctx).Bind(testKey, NewResourceHolder(&fakeHandle{id: 1})))
	f := &fakeFactory{}
	facade := NewFacade[*fakeHandle](testKey, f)

	private := &fakeHandle{id: 2}
	require.NoError(t, facade.Release(ctx, private))
	require.Equal(t, 1, private.closes)
}

func TestFacade_Acquire_WrongHolderType(t *testing.T) {
	ctx := newTestContext()
	require.NoError(t, RegistryFromContext(ctx).Bind(testKey, NewResourceHolder("not a handle")))
	facade := NewFacade[*fakeHandle](testKey, &fakeFactory{})

	_, _, err := facade.Acquire(ctx)
	var illegal *IllegalStateError
	require.ErrorAs(t, err, &illegal)
}

func TestFacade_Acquire_CreationError(t *testing.T) {
	cause := errors.New("connection refused")
	facade := NewFacade[*fakeHandle](testKey, &fakeFactory{createErr: cause})

	_, _, err := facade.Acquire(newTestContext())
	var creation *CreationError
	require.ErrorAs(t, err, &creation)
	require.Equal(t, testKey, creation.Key)
	require.ErrorIs(t, err, cause)
}

func TestFacade_Release_ReleaseError(t *testing.T) {
	cause := errors.New("close failed")
	facade := NewFacade[*fakeHandle](testKey, &fakeFactory{closeErr: cause})

	err := facade.Release(newTestContext(), &fakeHandle{})
	var release *ReleaseError
	require.ErrorAs(t, err, &release)
	require.ErrorIs(t, err, cause)
}

func TestFacade_ReleaseOnExit_DoesNotMaskPropagatingError(t *testing.T) {
	ctx := newTestContext()
	facade := NewFacade[*fakeHandle](testKey, &fakeFactory{closeErr: errors.New("close failed")})
	bodyErr := errors.New("body failed")

	err := bodyErr
	facade.ReleaseOnExit(ctx, &fakeHandle{}, &err)
	require.Same(t, bodyErr, err)

	var clean error
	facade.ReleaseOnExit(ctx, &fakeHandle{}, &clean)
	var release *ReleaseError
	require.ErrorAs(t, clean, &release)
}

func TestFacade_Execute(t *testing.T) {
	ctx := newTestContext()
	f := &fakeFactory{}
	facade := NewFacade[*fakeHandle](testKey, f)

	var seen *fakeHandle
	err := facade.Execute(ctx, func(ctx context.Context, r *fakeHandle) error {
		seen = r
		return nil
	})
	require.NoError(t, err)
	require.NotNil(t, seen)
	require.Equal(t, 1, seen.closes)
}

func TestFacade_Execute_BodyErrorWinsOverReleaseError(t *testing.T) {
	facade := NewFacade[*fakeHandle](testKey, &fakeFactory{closeErr: errors.New("close failed")})
	bodyErr := errors.New("body failed")

	err := facade.Execute(newTestContext(), func(ctx context.Context, r *fakeHandle) error {
		return bodyErr
	})
	require.ErrorIs(t, err, bodyErr)
	var release *ReleaseError
	require.False(t, errors.As(err, &release))
}

func TestFacade_CloseVeto(t *testing.T) {
	ctx := newTestContext()
	f := &vetoFactory{fakeFactory: &fakeFactory{}, keep: func(h *fakeHandle) bool { return h.id == 1 }}
	facade := NewFacade[*fakeHandle](testKey, f)

	kept, _, err := facade.Acquire(ctx)
	require.NoError(t, err)
	require.NoError(t, facade.Release(ctx, kept))
	require.Equal(t, 0, kept.closes)

	closed, _, err := facade.Acquire(ctx)
	require.NoError(t, err)
	require.NoError(t, facade.Release(ctx, closed))
	require.Equal(t, 1, closed.closes)

	require.NoError(t, facade.CloseUnconditionally(ctx, kept))
	require.Equal(t, 1, kept.closes)
}

func TestFacade_WithSynchronization_BindsIntoActiveUnitOfWork(t *testing.T) {
	ctx := newTestContext()
	reg := RegistryFromContext(ctx)
	require.NoError(t, reg.InitSynchronization())
	f := &fakeFactory{}
	facade := NewFacade[*fakeHandle](testKey, f, WithSynchronization())

	r1, owned, err := facade.Acquire(ctx)
	require.NoError(t, err)
	require.False(t, owned)
	require.True(t, reg.HasResource(testKey))

	r2, _, err := facade.Acquire(ctx)
	require.NoError(t, err)
	require.Same(t, r1, r2)
	require.NoError(t, facade.Release(ctx, r2))
	require.Equal(t, 0, r1.closes)

	TriggerBeforeCompletion(ctx)
	TriggerAfterCompletion(ctx, StatusCommitted)
	require.Equal(t, 1, r1.closes, "closed exactly once at completion")
	require.False(t, reg.HasResource(testKey))
	require.Equal(t, 1, f.creates)
}

func TestFacade_Release_AfterCleanupDoesNotCloseAgain(t *testing.T) {
	ctx := newTestContext()
	f := &fakeFactory{}
	m := newTestManager(f)
	facade := NewFacade[*fakeHandle](testKey, f)

	tx, err := beginUnitOfWork(ctx, m, 0)
	require.NoError(t, err)
	r, owned, err := facade.Acquire(ctx)
	require.NoError(t, err)
	require.False(t, owned)

	require.NoError(t, m.Commit(ctx, tx))
	require.NoError(t, m.Cleanup(ctx, tx))
	require.NoError(t, facade.Release(ctx, r))
	require.NoError(t, facade.Release(ctx, r))
	require.Equal(t, 1, r.closes)

	// A later private handle is still closed on release
	other, owned, err := facade.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, owned)
	require.NoError(t, facade.Release(ctx, other))
	require.Equal(t, 1, other.closes)
}

func TestFacade_Release_AfterCompletionOfSynchronizedBinding(t *testing.T) {
	ctx := newTestContext()
	require.NoError(t, RegistryFromContext(ctx).InitSynchronization())
	facade := NewFacade[*fakeHandle](testKey, &fakeFactory{}, WithSynchronization())

	r, _, err := facade.Acquire(ctx)
	require.NoError(t, err)
	TriggerBeforeCompletion(ctx)
	TriggerAfterCompletion(ctx, StatusCommitted)
	require.NoError(t, facade.Release(ctx, r))
	require.Equal(t, 1, r.closes)
}

func TestFacade_ReacquiredHandleIsReleasedAgain(t *testing.T) {
	ctx := newTestContext()
	shared := &fakeHandle{}
	f := &reusingFactory{handle: shared}
	facade := NewFacade[*fakeHandle](testKey, f)

	RegistryFromContext(ctx).markCompleted(testKey, shared)
	r, owned, err := facade.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, owned)
	require.NoError(t, facade.Release(ctx, r))
	require.Equal(t, 1, shared.closes)
}

// reusingFactory hands out the same handle on every create.
type reusingFactory struct{ handle *fakeHandle }

func (f *reusingFactory) Create(context.Context) (*fakeHandle, error) { return f.handle, nil }

func (f *reusingFactory) Close(_ context.Context, h *fakeHandle) error {
	h.closes++
	return nil
}

func TestFacade_WithSynchronization_PrivateWithoutActiveSynchronization(t *testing.T) {
	ctx := newTestContext()
	facade := NewFacade[*fakeHandle](testKey, &fakeFactory{}, WithSynchronization())

	_, owned, err := facade.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, owned)
	require.False(t, RegistryFromContext(ctx).HasResource(testKey))
}

func TestFacade_PublishesLifecycleEvents(t *testing.T) {
	events := pubsub.NewBroker[Event]()
	defer events.Close()
	sub := events.Subscribe(context.Background())

	facade := NewFacade[*fakeHandle](testKey, &fakeFactory{}, WithEvents(events))
	ctx := newTestContext()
	r, _, err := facade.Acquire(ctx)
	require.NoError(t, err)
	require.NoError(t, facade.Release(ctx, r))

	created := <-sub
	require.Equal(t, pubsub.CreatedEvent, created.Type)
	require.Equal(t, testKey, created.Payload.Key)
	closed := <-sub
	require.Equal(t, pubsub.ClosedEvent, closed.Type)
}
