package resource

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

var dualKey = NewKey("index", "docs")

type fakeReader struct{ *fakeHandle }
type fakeWriter struct{ *fakeHandle }

func newDualFixture() (*fakeFactory, *fakeFactory, *DualFacade[*fakeHandle, *fakeHandle]) {
	readers, writers := &fakeFactory{}, &fakeFactory{}
	return readers, writers, NewDualFacade[*fakeHandle, *fakeHandle](dualKey, readers, writers)
}

func TestDualHolder_FirstAssignmentWins(t *testing.T) {
	h := NewDualHolder[fakeReader, fakeWriter]()
	_, ok := h.Reader()
	require.False(t, ok)

	r1, r2 := fakeReader{&fakeHandle{id: 1}}, fakeReader{&fakeHandle{id: 2}}
	h.SetReader(r1)
	h.SetReader(r2)
	got, ok := h.Reader()
	require.True(t, ok)
	require.Equal(t, r1, got)
	require.True(t, h.HoldsReader(r1))
	require.False(t, h.HoldsReader(r2))

	w1, w2 := fakeWriter{&fakeHandle{id: 3}}, fakeWriter{&fakeHandle{id: 4}}
	h.SetWriter(w1)
	h.SetWriter(w2)
	gotW, ok := h.Writer()
	require.True(t, ok)
	require.Equal(t, w1, gotW)
	require.False(t, h.HoldsWriter(w2))
}

func TestDualFacade_NoScope_PrivateHandles(t *testing.T) {
	readers, writers, facade := newDualFixture()
	ctx := context.Background()

	r, owned, err := facade.AcquireReader(ctx)
	require.NoError(t, err)
	require.True(t, owned)
	require.NoError(t, facade.ReleaseReader(ctx, r))

	w, owned, err := facade.AcquireWriter(ctx)
	require.NoError(t, err)
	require.True(t, owned)
	require.NoError(t, facade.ReleaseWriter(ctx, w))

	require.Equal(t, 1, readers.closes)
	require.Equal(t, 1, writers.closes)
}

func TestDualFacade_Scope_SharesHandlesAndClosesOnce(t *testing.T) {
	readers, writers, facade := newDualFixture()

	ctx, closeScope, err := facade.BindScope(context.Background())
	require.NoError(t, err)
	require.True(t, RegistryFromContext(ctx).HasResource(dualKey))

	for range 3 {
		require.NoError(t, facade.ExecuteReader(ctx, func(ctx context.Context, r *fakeHandle) error { return nil }))
		require.NoError(t, facade.ExecuteWriter(ctx, func(ctx context.Context, w *fakeHandle) error { return nil }))
	}
	require.Equal(t, 1, readers.creates)
	require.Equal(t, 1, writers.creates)
	require.Equal(t, 0, readers.closes+writers.closes)

	require.NoError(t, closeScope(ctx))
	require.NoError(t, closeScope(ctx))
	require.Equal(t, 1, readers.closes)
	require.Equal(t, 1, writers.closes)
	require.False(t, RegistryFromContext(ctx).HasResource(dualKey))
}

func TestDualFacade_ReleaseAfterScopeCloseDoesNotCloseAgain(t *testing.T) {
	readers, writers, facade := newDualFixture()

	ctx, closeScope, err := facade.BindScope(newTestContext())
	require.NoError(t, err)
	r, _, err := facade.AcquireReader(ctx)
	require.NoError(t, err)
	w, _, err := facade.AcquireWriter(ctx)
	require.NoError(t, err)

	require.NoError(t, closeScope(ctx))
	require.NoError(t, facade.ReleaseWriter(ctx, w))
	require.NoError(t, facade.ReleaseReader(ctx, r))
	require.Equal(t, 1, readers.closes)
	require.Equal(t, 1, writers.closes)
}

func TestDualFacade_Scope_ClosesWriterBeforeReader(t *testing.T) {
	var order []string
	readers := &orderedFactory{name: "reader", log: &order}
	writers := &orderedFactory{name: "writer", log: &order}
	facade := NewDualFacade[*fakeHandle, *fakeHandle](dualKey, readers, writers)

	ctx, closeScope, err := facade.BindScope(context.Background())
	require.NoError(t, err)
	_, _, err = facade.AcquireReader(ctx)
	require.NoError(t, err)
	_, _, err = facade.AcquireWriter(ctx)
	require.NoError(t, err)

	require.NoError(t, closeScope(ctx))
	require.Equal(t, []string{"writer", "reader"}, order)
}

func TestDualFacade_NestedScopeJoins(t *testing.T) {
	readers, _, facade := newDualFixture()

	ctx, closeOuter, err := facade.BindScope(context.Background())
	require.NoError(t, err)
	r, _, err := facade.AcquireReader(ctx)
	require.NoError(t, err)

	inner, closeInner, err := facade.BindScope(ctx)
	require.NoError(t, err)
	got, owned, err := facade.AcquireReader(inner)
	require.NoError(t, err)
	require.False(t, owned)
	require.Same(t, r, got)

	require.NoError(t, closeInner(inner))
	require.Equal(t, 0, readers.closes)
	require.NoError(t, closeOuter(ctx))
	require.Equal(t, 1, readers.closes)
}

func TestDualFacade_Scope_JoinsCloseErrors(t *testing.T) {
	readers, writers, facade := newDualFixture()
	readers.closeErr = errors.New("reader close")
	writers.closeErr = errors.New("writer close")

	ctx, closeScope, err := facade.BindScope(context.Background())
	require.NoError(t, err)
	_, _, err = facade.AcquireReader(ctx)
	require.NoError(t, err)
	_, _, err = facade.AcquireWriter(ctx)
	require.NoError(t, err)

	err = closeScope(ctx)
	require.ErrorIs(t, err, readers.closeErr)
	require.ErrorIs(t, err, writers.closeErr)
	var release *ReleaseError
	require.ErrorAs(t, err, &release)
}

func TestDualFacade_ReleaseHonoursVeto(t *testing.T) {
	shared := &vetoFactory{fakeFactory: &fakeFactory{}, keep: func(*fakeHandle) bool { return true }}
	facade := NewDualFacade[*fakeHandle, *fakeHandle](dualKey, shared, &fakeFactory{})

	r, owned, err := facade.AcquireReader(context.Background())
	require.NoError(t, err)
	require.True(t, owned)
	require.NoError(t, facade.ReleaseReader(context.Background(), r))
	require.Equal(t, 0, r.closes)
}

func TestDualFacade_CreationError(t *testing.T) {
	readers, _, facade := newDualFixture()
	readers.createErr = errors.New("index missing")

	err := facade.ExecuteReader(context.Background(), func(ctx context.Context, r *fakeHandle) error {
		t.Fatal("must not run")
		return nil
	})
	var creation *CreationError
	require.ErrorAs(t, err, &creation)
	require.Equal(t, dualKey, creation.Key)
}

func TestDualFacade_WrongHolderType(t *testing.T) {
	_, _, facade := newDualFixture()
	ctx := newTestContext()
	require.NoError(t, RegistryFromContext(ctx).Bind(dualKey, NewResourceHolder(&fakeHandle{})))

	_, _, err := facade.BindScope(ctx)
	var illegal *IllegalStateError
	require.ErrorAs(t, err, &illegal)
}

// orderedFactory records the order in which handles are closed.
type orderedFactory struct {
	name string
	log  *[]string
}

func (f *orderedFactory) Create(context.Context) (*fakeHandle, error) { return &fakeHandle{}, nil }

func (f *orderedFactory) Close(context.Context, *fakeHandle) error {
	*f.log = append(*f.log, f.name)
	return nil
}
