package resource

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

type templateFixture struct {
	factory *fakeFactory
	manager *Manager[*fakeHandle]
	facade  *Facade[*fakeHandle]
	tpl     *Template[*fakeHandle]
}

func newTemplateFixture(opts ...Option) *templateFixture {
	f := &fakeFactory{}
	m := newTestManager(f)
	return &templateFixture{
		factory: f,
		manager: m,
		facade:  NewFacade[*fakeHandle](testKey, f),
		tpl:     NewTemplate(m, opts...),
	}
}

func (fx *templateFixture) acquire(t *testing.T, ctx context.Context) *fakeHandle {
	t.Helper()
	r, owned, err := fx.facade.Acquire(ctx)
	require.NoError(t, err)
	require.False(t, owned, "expected the bound resource")
	return r
}

func TestTemplate_Execute_Commits(t *testing.T) {
	fx := newTemplateFixture()

	var inner context.Context
	err := fx.tpl.Execute(context.Background(), Options{Name: "save"}, func(ctx context.Context) error {
		inner = ctx
		r := fx.acquire(t, ctx)
		require.Same(t, r, fx.acquire(t, ctx))
		return fx.facade.Release(ctx, r)
	})
	require.NoError(t, err)

	require.Equal(t, 1, fx.factory.creates)
	require.Equal(t, 1, fx.factory.begins)
	require.Equal(t, 1, fx.factory.commits)
	require.Equal(t, 1, fx.factory.closes)
	reg := RegistryFromContext(inner)
	require.Equal(t, 0, reg.Len())
	require.False(t, reg.SynchronizationActive())
}

func TestTemplate_Execute_RollsBackOnError(t *testing.T) {
	fx := newTemplateFixture()
	bodyErr := errors.New("constraint violated")

	err := fx.tpl.Execute(context.Background(), Options{}, func(ctx context.Context) error {
		fx.acquire(t, ctx)
		return bodyErr
	})
	require.Same(t, bodyErr, err)
	require.Equal(t, 0, fx.factory.commits)
	require.Equal(t, 1, fx.factory.rollbacks)
	require.Equal(t, 1, fx.factory.closes)
}

func TestTemplate_Execute_RollsBackOnPanicAndRepanics(t *testing.T) {
	fx := newTemplateFixture()

	require.PanicsWithValue(t, "boom", func() {
		_ = fx.tpl.Execute(context.Background(), Options{}, func(ctx context.Context) error {
			fx.acquire(t, ctx)
			panic("boom")
		})
	})
	require.Equal(t, 0, fx.factory.commits)
	require.Equal(t, 1, fx.factory.rollbacks)
	require.Equal(t, 1, fx.factory.closes)
}

func TestTemplate_PanicInParticipatingBodyRollsBackOuter(t *testing.T) {
	fx := newTemplateFixture()
	ctx := newTestContext()

	require.PanicsWithValue(t, "inner", func() {
		_ = fx.tpl.Execute(ctx, Options{}, func(ctx context.Context) error {
			fx.acquire(t, ctx)
			return fx.tpl.Execute(ctx, Options{}, func(ctx context.Context) error {
				panic("inner")
			})
		})
	})
	require.Equal(t, 0, fx.factory.commits)
	require.Equal(t, 1, fx.factory.rollbacks)
	require.Equal(t, 1, fx.factory.closes)
	require.Zero(t, RegistryFromContext(ctx).Len())
}

func TestTemplate_PanicInRequiresNewResumesOuter(t *testing.T) {
	fx := newTemplateFixture()
	ctx := newTestContext()

	err := fx.tpl.Execute(ctx, Options{}, func(ctx context.Context) error {
		outer := fx.acquire(t, ctx)
		require.PanicsWithValue(t, "inner", func() {
			_ = fx.tpl.Execute(ctx, Options{Propagation: PropagationRequiresNew}, func(ctx context.Context) error {
				fx.acquire(t, ctx)
				panic("inner")
			})
		})
		require.Same(t, outer, fx.acquire(t, ctx))
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, fx.factory.commits)
	require.Equal(t, 1, fx.factory.rollbacks)
	require.Equal(t, 2, fx.factory.closes)
}

func TestTemplate_Execute_BeginFailure(t *testing.T) {
	fx := newTemplateFixture()
	fx.factory.beginErr = errors.New("read-only database")

	called := false
	err := fx.tpl.Execute(context.Background(), Options{}, func(ctx context.Context) error {
		called = true
		return nil
	})
	var start *TransactionStartError
	require.ErrorAs(t, err, &start)
	require.False(t, called)
	require.Equal(t, 1, fx.factory.closes)
}

func TestTemplate_Execute_CommitFailureRollsBack(t *testing.T) {
	fx := newTemplateFixture()
	fx.factory.commitErr = errors.New("disk full")

	err := fx.tpl.Execute(context.Background(), Options{}, func(ctx context.Context) error { return nil })
	var system *TransactionSystemError
	require.ErrorAs(t, err, &system)
	require.Equal(t, 1, fx.factory.rollbacks)
	require.Equal(t, 1, fx.factory.closes)
}

func TestTemplate_Required_JoinsAndInnerFailureForcesRollback(t *testing.T) {
	fx := newTemplateFixture()
	innerErr := errors.New("inner failed")

	err := fx.tpl.Execute(context.Background(), Options{}, func(ctx context.Context) error {
		outer := fx.acquire(t, ctx)
		err := fx.tpl.Execute(ctx, Options{Propagation: PropagationRequired}, func(ctx context.Context) error {
			require.Same(t, outer, fx.acquire(t, ctx))
			return innerErr
		})
		require.Same(t, innerErr, err)
		// Swallow the inner failure; the unit of work is still rollback-only
		return nil
	})

	var unexpected *UnexpectedRollbackError
	require.ErrorAs(t, err, &unexpected)
	require.Equal(t, 1, fx.factory.creates)
	require.Equal(t, 0, fx.factory.commits)
	require.Equal(t, 1, fx.factory.rollbacks)
	require.Equal(t, 1, fx.factory.closes)
}

func TestTemplate_RequiresNew_SuspendsOuter(t *testing.T) {
	fx := newTemplateFixture()

	err := fx.tpl.Execute(context.Background(), Options{}, func(ctx context.Context) error {
		outer := fx.acquire(t, ctx)

		err := fx.tpl.Execute(ctx, Options{Propagation: PropagationRequiresNew}, func(ctx context.Context) error {
			inner := fx.acquire(t, ctx)
			require.NotSame(t, outer, inner)
			return nil
		})
		require.NoError(t, err)
		require.Equal(t, 1, fx.factory.closes, "inner resource closed when the inner unit of work ends")
		require.Equal(t, 0, outer.closes)

		require.Same(t, outer, fx.acquire(t, ctx), "outer resource rebound after resume")
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 2, fx.factory.creates)
	require.Equal(t, 2, fx.factory.commits)
	require.Equal(t, 2, fx.factory.closes)
}

func TestTemplate_RequiresNew_InnerRollbackLeavesOuterCommitting(t *testing.T) {
	fx := newTemplateFixture()

	err := fx.tpl.Execute(context.Background(), Options{}, func(ctx context.Context) error {
		err := fx.tpl.Execute(ctx, Options{Propagation: PropagationRequiresNew}, func(ctx context.Context) error {
			return errors.New("inner failed")
		})
		require.Error(t, err)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, fx.factory.rollbacks)
	require.Equal(t, 1, fx.factory.commits)
}

func TestTemplate_RequiresNew_SuspendsOuterSynchronizations(t *testing.T) {
	fx := newTemplateFixture()
	var calls []string

	err := fx.tpl.Execute(context.Background(), Options{}, func(ctx context.Context) error {
		reg := RegistryFromContext(ctx)
		require.NoError(t, reg.RegisterSynchronization(&recordingSync{name: "outer", order: DefaultSynchronizationOrder, log: &calls}))

		return fx.tpl.Execute(ctx, Options{Propagation: PropagationRequiresNew}, func(ctx context.Context) error {
			return RegistryFromContext(ctx).RegisterSynchronization(&recordingSync{name: "inner", order: DefaultSynchronizationOrder, log: &calls})
		})
	})
	require.NoError(t, err)
	require.Equal(t, []string{
		"outer:suspend",
		"inner:before", "inner:after:committed",
		"outer:resume",
		"outer:before", "outer:after:committed",
	}, calls)
}

func TestTemplate_NotSupported_RunsWithoutResource(t *testing.T) {
	fx := newTemplateFixture()

	err := fx.tpl.Execute(context.Background(), Options{}, func(ctx context.Context) error {
		outer := fx.acquire(t, ctx)
		err := fx.tpl.Execute(ctx, Options{Propagation: PropagationNotSupported}, func(ctx context.Context) error {
			r, owned, err := fx.facade.Acquire(ctx)
			require.NoError(t, err)
			require.True(t, owned)
			require.NotSame(t, outer, r)
			return fx.facade.Release(ctx, r)
		})
		require.NoError(t, err)
		require.Same(t, outer, fx.acquire(t, ctx))
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, fx.factory.begins)
	require.Equal(t, 2, fx.factory.closes)
}

func TestTemplate_Supports_WithoutTransactionRunsBare(t *testing.T) {
	fx := newTemplateFixture()

	err := fx.tpl.Execute(context.Background(), Options{Propagation: PropagationSupports}, func(ctx context.Context) error {
		require.False(t, RegistryFromContext(ctx).HasResource(testKey))
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 0, fx.factory.creates)
}

func TestTemplate_Mandatory_FailsWithoutTransaction(t *testing.T) {
	fx := newTemplateFixture()

	err := fx.tpl.Execute(context.Background(), Options{Propagation: PropagationMandatory}, func(ctx context.Context) error {
		t.Fatal("body must not run")
		return nil
	})
	var illegal *IllegalStateError
	require.ErrorAs(t, err, &illegal)
}

func TestTemplate_Never_FailsInsideTransaction(t *testing.T) {
	fx := newTemplateFixture()

	err := fx.tpl.Execute(context.Background(), Options{}, func(ctx context.Context) error {
		return fx.tpl.Execute(ctx, Options{Propagation: PropagationNever}, func(ctx context.Context) error {
			t.Fatal("body must not run")
			return nil
		})
	})
	var illegal *IllegalStateError
	require.ErrorAs(t, err, &illegal)
	require.Equal(t, 1, fx.factory.rollbacks)
}

func TestTemplate_SynchronizationsSeeOutcome(t *testing.T) {
	fx := newTemplateFixture()
	var status CompletionStatus = -1

	err := fx.tpl.Execute(context.Background(), Options{}, func(ctx context.Context) error {
		return RegistryFromContext(ctx).RegisterSynchronization(SynchronizationFuncs{
			Priority:        DefaultSynchronizationOrder,
			OnAfterComplete: func(_ context.Context, s CompletionStatus) { status = s },
		})
	})
	require.NoError(t, err)
	require.Equal(t, StatusCommitted, status)

	bodyErr := errors.New("fail")
	err = fx.tpl.Execute(context.Background(), Options{}, func(ctx context.Context) error {
		require.NoError(t, RegistryFromContext(ctx).RegisterSynchronization(SynchronizationFuncs{
			Priority:        DefaultSynchronizationOrder,
			OnAfterComplete: func(_ context.Context, s CompletionStatus) { status = s },
		}))
		return bodyErr
	})
	require.ErrorIs(t, err, bodyErr)
	require.Equal(t, StatusRolledBack, status)
}

func TestTemplate_RecordsSpan(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	defer func() { _ = provider.Shutdown(context.Background()) }()

	fx := newTemplateFixture(WithTracer(provider.Tracer("test")))
	err := fx.tpl.Execute(context.Background(), Options{Name: "import"}, func(ctx context.Context) error { return nil })
	require.NoError(t, err)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	require.Equal(t, "tx.fake", spans[0].Name())

	attrs := map[attribute.Key]string{}
	for _, kv := range spans[0].Attributes() {
		attrs[kv.Key] = kv.Value.Emit()
	}
	require.Equal(t, "import", attrs[AttrTxName])
	require.Equal(t, "required", attrs[AttrPropagation])
	require.Equal(t, "committed", attrs[AttrOutcome])
	require.Equal(t, testKey.String(), attrs[AttrResourceKey])
}
