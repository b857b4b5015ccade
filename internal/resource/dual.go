package resource

import (
	"context"
	"errors"
	"fmt"

	"github.com/astubbs/spring-modules-sub002/internal/log"
	"github.com/astubbs/spring-modules-sub002/internal/pubsub"
)

// DualHolder holds a reader and a writer that share one configuration key.
// Each slot is filled at most once: the first assignment wins and later
// assignments are silently ignored.
type DualHolder[Rd, Wr comparable] struct {
	HolderState
	reader    Rd
	hasReader bool
	writer    Wr
	hasWriter bool
}

// NewDualHolder creates a holder with both slots empty.
func NewDualHolder[Rd, Wr comparable]() *DualHolder[Rd, Wr] {
	return &DualHolder[Rd, Wr]{}
}

// Reader returns the reader slot.
func (h *DualHolder[Rd, Wr]) Reader() (Rd, bool) { return h.reader, h.hasReader }

// Writer returns the writer slot.
func (h *DualHolder[Rd, Wr]) Writer() (Wr, bool) { return h.writer, h.hasWriter }

// SetReader fills the reader slot if it is empty.
func (h *DualHolder[Rd, Wr]) SetReader(r Rd) {
	if h.hasReader {
		return
	}
	h.reader, h.hasReader = r, true
}

// SetWriter fills the writer slot if it is empty.
func (h *DualHolder[Rd, Wr]) SetWriter(w Wr) {
	if h.hasWriter {
		return
	}
	h.writer, h.hasWriter = w, true
}

// HoldsReader reports whether r is the reader in the slot.
func (h *DualHolder[Rd, Wr]) HoldsReader(r Rd) bool { return h.hasReader && h.reader == r }

// HoldsWriter reports whether w is the writer in the slot.
func (h *DualHolder[Rd, Wr]) HoldsWriter(w Wr) bool { return h.hasWriter && h.writer == w }

// DualFacade is the acquire/release protocol for reader/writer pairs. Inside
// a scope opened with BindScope, readers and writers are created lazily and
// shared; outside, every acquire yields a private handle.
type DualFacade[Rd, Wr comparable] struct {
	key      Key
	readers  Factory[Rd]
	writers  Factory[Wr]
	settings settings
}

// NewDualFacade creates a DualFacade over a reader and a writer factory.
func NewDualFacade[Rd, Wr comparable](key Key, readers Factory[Rd], writers Factory[Wr], opts ...Option) *DualFacade[Rd, Wr] {
	return &DualFacade[Rd, Wr]{
		key:      key,
		readers:  readers,
		writers:  writers,
		settings: newSettings(opts),
	}
}

// Key returns the key scopes are bound under.
func (f *DualFacade[Rd, Wr]) Key() Key { return f.key }

func (f *DualFacade[Rd, Wr]) bound(ctx context.Context) (*DualHolder[Rd, Wr], error) {
	h := RegistryFromContext(ctx).Lookup(f.key)
	if h == nil {
		return nil, nil
	}
	holder, ok := h.(*DualHolder[Rd, Wr])
	if !ok {
		return nil, &IllegalStateError{Op: "lookup", Key: f.key, Reason: fmt.Sprintf("bound holder has unexpected type %T", h)}
	}
	return holder, nil
}

// BindScope binds an empty DualHolder for the unit of work running in the
// returned context. closeScope unbinds it and closes the writer, then the
// reader. When a scope is already bound, the caller joins it and closeScope
// does nothing.
func (f *DualFacade[Rd, Wr]) BindScope(ctx context.Context) (context.Context, func(context.Context) error, error) {
	ctx, reg := EnsureRegistry(ctx)
	existing, err := f.bound(ctx)
	if err != nil {
		return ctx, nil, err
	}
	if existing != nil {
		return ctx, func(context.Context) error { return nil }, nil
	}

	holder := NewDualHolder[Rd, Wr]()
	if err := reg.Bind(f.key, holder); err != nil {
		return ctx, nil, err
	}
	f.settings.publish(pubsub.BoundEvent, f.key, "")

	closeScope := func(ctx context.Context) error {
		if holder.Completed() {
			return nil
		}
		if reg.Lookup(f.key) == Holder(holder) {
			reg.UnbindIfPresent(f.key)
			f.settings.publish(pubsub.UnboundEvent, f.key, "")
		}
		holder.MarkCompleted()

		var errs []error
		if w, ok := holder.Writer(); ok {
			reg.markCompleted(f.key, w)
			errs = append(errs, closeVetoable(ctx, f, f.writers, w))
		}
		if r, ok := holder.Reader(); ok {
			reg.markCompleted(f.key, r)
			errs = append(errs, closeVetoable(ctx, f, f.readers, r))
		}
		return errors.Join(errs...)
	}
	return ctx, closeScope, nil
}

// AcquireReader returns the scope's reader, creating it on first use, or a
// private reader when no scope is bound.
func (f *DualFacade[Rd, Wr]) AcquireReader(ctx context.Context) (r Rd, owned bool, err error) {
	holder, err := f.bound(ctx)
	if err != nil {
		return r, false, err
	}
	if holder != nil {
		if r, ok := holder.Reader(); ok {
			return r, false, nil
		}
	}

	r, err = f.readers.Create(ctx)
	if err != nil {
		return r, false, &CreationError{Key: f.key, Err: err}
	}
	RegistryFromContext(ctx).forgetCompleted(f.key, r)
	f.settings.publish(pubsub.CreatedEvent, f.key, "")

	if holder == nil {
		return r, true, nil
	}
	holder.SetReader(r)
	log.Debug(log.CatResource, "Created reader for bound scope", "key", f.key)
	return r, false, nil
}

// AcquireWriter returns the scope's writer, creating it on first use, or a
// private writer when no scope is bound.
func (f *DualFacade[Rd, Wr]) AcquireWriter(ctx context.Context) (w Wr, owned bool, err error) {
	holder, err := f.bound(ctx)
	if err != nil {
		return w, false, err
	}
	if holder != nil {
		if w, ok := holder.Writer(); ok {
			return w, false, nil
		}
	}

	w, err = f.writers.Create(ctx)
	if err != nil {
		return w, false, &CreationError{Key: f.key, Err: err}
	}
	RegistryFromContext(ctx).forgetCompleted(f.key, w)
	f.settings.publish(pubsub.CreatedEvent, f.key, "")

	if holder == nil {
		return w, true, nil
	}
	holder.SetWriter(w)
	log.Debug(log.CatResource, "Created writer for bound scope", "key", f.key)
	return w, false, nil
}

// ReleaseReader closes r unless it is the reader of the bound scope.
func (f *DualFacade[Rd, Wr]) ReleaseReader(ctx context.Context, r Rd) error {
	if holder, _ := f.bound(ctx); holder != nil && holder.HoldsReader(r) {
		return nil
	}
	if RegistryFromContext(ctx).handleCompleted(f.key, r) {
		return nil
	}
	return closeVetoable(ctx, f, f.readers, r)
}

// ReleaseWriter closes w unless it is the writer of the bound scope.
func (f *DualFacade[Rd, Wr]) ReleaseWriter(ctx context.Context, w Wr) error {
	if holder, _ := f.bound(ctx); holder != nil && holder.HoldsWriter(w) {
		return nil
	}
	if RegistryFromContext(ctx).handleCompleted(f.key, w) {
		return nil
	}
	return closeVetoable(ctx, f, f.writers, w)
}

// ExecuteReader acquires a reader, hands it to fn and releases it.
func (f *DualFacade[Rd, Wr]) ExecuteReader(ctx context.Context, fn func(ctx context.Context, r Rd) error) (err error) {
	r, _, err := f.AcquireReader(ctx)
	if err != nil {
		return err
	}
	defer func() {
		releaseOnExit(f.key, f.ReleaseReader(ctx, r), &err)
	}()
	return fn(ctx, r)
}

// ExecuteWriter acquires a writer, hands it to fn and releases it.
func (f *DualFacade[Rd, Wr]) ExecuteWriter(ctx context.Context, fn func(ctx context.Context, w Wr) error) (err error) {
	w, _, err := f.AcquireWriter(ctx)
	if err != nil {
		return err
	}
	defer func() {
		releaseOnExit(f.key, f.ReleaseWriter(ctx, w), &err)
	}()
	return fn(ctx, w)
}

func closeVetoable[Rd, Wr, T comparable](ctx context.Context, f *DualFacade[Rd, Wr], factory Factory[T], h T) error {
	if veto, ok := factory.(CloseVeto[T]); ok && !veto.ShouldClose(h) {
		log.Debug(log.CatResource, "Factory kept resource open", "key", f.key)
		return nil
	}
	if err := factory.Close(ctx, h); err != nil {
		return &ReleaseError{Key: f.key, Err: err}
	}
	f.settings.publish(pubsub.ClosedEvent, f.key, "")
	return nil
}

func releaseOnExit(key Key, releaseErr error, errp *error) {
	if releaseErr == nil {
		return
	}
	if *errp != nil {
		log.ErrorErr(log.CatResource, "Release failed while another error was propagating", releaseErr, "key", key)
		return
	}
	*errp = releaseErr
}
