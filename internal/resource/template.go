package resource

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/astubbs/spring-modules-sub002/internal/log"
)

// Span attributes recorded by Template.
const (
	AttrResourceKey = "resource.key"
	AttrTxID        = "tx.id"
	AttrTxName      = "tx.name"
	AttrPropagation = "tx.propagation"
	AttrOutcome     = "tx.outcome"

	SpanPrefixTx = "tx."
)

// Template is the transaction coordinator: it drives a Manager in the fixed
// order getTransaction, begin, body, commit or rollback, cleanup, and applies
// propagation when a unit of work is already active.
type Template[R comparable] struct {
	manager *Manager[R]
	tracer  trace.Tracer
}

// NewTemplate creates a Template driving m.
func NewTemplate[R comparable](m *Manager[R], opts ...Option) *Template[R] {
	s := newSettings(opts)
	tracer := s.tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("noop")
	}
	return &Template[R]{manager: m, tracer: tracer}
}

// Manager returns the manager driven by the template.
func (t *Template[R]) Manager() *Manager[R] { return t.manager }

// Execute runs fn in a unit of work according to opts.Propagation. The ctx
// handed to fn carries the registry the unit of work is bound in.
//
// A panic in fn rolls the unit of work back, restores any suspended one and
// is then raised again with its original value.
func (t *Template[R]) Execute(ctx context.Context, opts Options, fn func(ctx context.Context) error) error {
	err := t.execute(ctx, opts, fn)
	if p, ok := err.(*panicError); ok {
		panic(p.value)
	}
	return err
}

func (t *Template[R]) execute(ctx context.Context, opts Options, fn func(ctx context.Context) error) (err error) {
	ctx, _ = EnsureRegistry(ctx)
	m := t.manager

	ctx, span := t.tracer.Start(ctx, SpanPrefixTx+m.key.Kind(), trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()

	tx := m.GetTransaction(ctx)
	span.SetAttributes(
		attribute.String(AttrResourceKey, m.key.String()),
		attribute.String(AttrTxID, tx.ID()),
		attribute.String(AttrTxName, opts.Name),
		attribute.String(AttrPropagation, opts.Propagation.String()),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
	}()

	if m.IsExistingTransaction(tx) {
		return t.handleExisting(ctx, tx, opts, fn, span)
	}

	switch opts.Propagation {
	case PropagationMandatory:
		return &IllegalStateError{Op: "execute", Key: m.key, Reason: "no existing transaction for mandatory propagation"}
	case PropagationSupports, PropagationNotSupported, PropagationNever:
		span.SetAttributes(attribute.String(AttrOutcome, "non_transactional"))
		return fn(ctx)
	}
	return t.run(ctx, tx, opts, fn, span)
}

func (t *Template[R]) handleExisting(ctx context.Context, tx *Transaction[R], opts Options, fn func(ctx context.Context) error, span trace.Span) error {
	m := t.manager
	switch opts.Propagation {
	case PropagationNever:
		return &IllegalStateError{Op: "execute", Key: m.key, Reason: "existing transaction found for never propagation"}

	case PropagationNotSupported:
		suspended, err := t.suspend(ctx, tx)
		if err != nil {
			return err
		}
		span.SetAttributes(attribute.String(AttrOutcome, "non_transactional"))
		bodyErr := callBody(ctx, fn)
		return t.resumeAfter(ctx, tx, suspended, bodyErr)

	case PropagationRequiresNew:
		suspended, err := t.suspend(ctx, tx)
		if err != nil {
			return err
		}
		runErr := t.run(ctx, tx, opts, fn, span)
		return t.resumeAfter(ctx, tx, suspended, runErr)
	}

	span.SetAttributes(attribute.String(AttrOutcome, "participating"))
	if err := callBody(ctx, fn); err != nil {
		log.Debug(log.CatTx, "Participating body failed, marking rollback-only", "key", m.key, "tx", tx.ID())
		m.SetRollbackOnly(tx)
		return err
	}
	return nil
}

// run begins a new unit of work on tx, runs fn and completes it.
func (t *Template[R]) run(ctx context.Context, tx *Transaction[R], opts Options, fn func(ctx context.Context) error, span trace.Span) (err error) {
	m := t.manager
	reg := RegistryFromContext(ctx)

	newSynchronization := !reg.SynchronizationActive()
	if newSynchronization {
		if err := reg.InitSynchronization(); err != nil {
			return err
		}
		defer reg.ClearSynchronization()
	}

	if err := m.Begin(ctx, tx, opts); err != nil {
		return err
	}

	if bodyErr := callBody(ctx, fn); bodyErr != nil {
		span.SetAttributes(attribute.String(AttrOutcome, "rolled_back"))
		t.completeWithRollback(ctx, tx, newSynchronization)
		return bodyErr
	}
	return t.completeWithCommit(ctx, tx, newSynchronization, span)
}

func (t *Template[R]) completeWithCommit(ctx context.Context, tx *Transaction[R], newSynchronization bool, span trace.Span) error {
	m := t.manager
	if newSynchronization {
		TriggerBeforeCompletion(ctx)
	}

	commitErr := m.Commit(ctx, tx)
	status := StatusCommitted
	var unexpected *UnexpectedRollbackError
	switch {
	case errors.As(commitErr, &unexpected):
		status = StatusRolledBack
	case commitErr != nil:
		status = StatusUnknown
		if rbErr := m.Rollback(ctx, tx); rbErr != nil {
			log.ErrorErr(log.CatTx, "Rollback after failed commit failed", rbErr, "key", m.key, "tx", tx.ID())
		}
	}
	span.SetAttributes(attribute.String(AttrOutcome, status.String()))

	if newSynchronization {
		TriggerAfterCompletion(ctx, status)
	}
	cleanupErr := m.Cleanup(ctx, tx)
	if commitErr != nil {
		if cleanupErr != nil {
			log.ErrorErr(log.CatTx, "Cleanup failed after failed commit", cleanupErr, "key", m.key, "tx", tx.ID())
		}
		return commitErr
	}
	return cleanupErr
}

// completeWithRollback rolls back after a failed body. Failures here are
// logged so the body's error stays the one reported.
func (t *Template[R]) completeWithRollback(ctx context.Context, tx *Transaction[R], newSynchronization bool) {
	m := t.manager
	if newSynchronization {
		TriggerBeforeCompletion(ctx)
	}
	status := StatusRolledBack
	if err := m.Rollback(ctx, tx); err != nil {
		status = StatusUnknown
		log.ErrorErr(log.CatTx, "Rollback after failed body failed", err, "key", m.key, "tx", tx.ID())
	}
	if newSynchronization {
		TriggerAfterCompletion(ctx, status)
	}
	if err := m.Cleanup(ctx, tx); err != nil {
		log.ErrorErr(log.CatTx, "Cleanup after rollback failed", err, "key", m.key, "tx", tx.ID())
	}
}

// suspendedState is what the template puts aside while an inner unit of
// work runs: the manager's resources and the outer synchronizations.
type suspendedState[R comparable] struct {
	resources *SuspendedResources[R]
	syncs     []Synchronization
	wasActive bool
}

func (t *Template[R]) suspend(ctx context.Context, tx *Transaction[R]) (*suspendedState[R], error) {
	reg := RegistryFromContext(ctx)
	state := &suspendedState[R]{wasActive: reg.SynchronizationActive()}
	if state.wasActive {
		state.syncs = reg.Synchronizations()
		for _, s := range state.syncs {
			s.Suspend(ctx)
		}
		reg.ClearSynchronization()
	}

	resources, err := t.manager.Suspend(ctx, tx)
	if err != nil {
		t.restoreSynchronizations(ctx, state)
		return nil, err
	}
	state.resources = resources
	return state, nil
}

func (t *Template[R]) resumeAfter(ctx context.Context, tx *Transaction[R], state *suspendedState[R], prior error) error {
	err := t.manager.Resume(ctx, tx, state.resources)
	t.restoreSynchronizations(ctx, state)
	if err != nil {
		if prior != nil {
			log.ErrorErr(log.CatTx, "Resume failed while another error was propagating", err, "key", t.manager.key, "tx", tx.ID())
			return prior
		}
		return err
	}
	return prior
}

func (t *Template[R]) restoreSynchronizations(ctx context.Context, state *suspendedState[R]) {
	if !state.wasActive {
		return
	}
	reg := RegistryFromContext(ctx)
	if reg.SynchronizationActive() {
		reg.ClearSynchronization()
	}
	_ = reg.InitSynchronization()
	for _, s := range state.syncs {
		s.Resume(ctx)
		_ = reg.RegisterSynchronization(s)
	}
}

// callBody runs fn, turning a panic into *panicError so the unit of work
// still completes before Execute raises it again.
func callBody(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r}
		}
	}()
	return fn(ctx)
}

// panicError carries a value recovered from a panicking unit-of-work body.
type panicError struct {
	value any
}

func (e *panicError) Error() string {
	return fmt.Sprintf("unit of work panicked: %v", e.value)
}
