package resource

import (
	"context"
	"fmt"

	"github.com/astubbs/spring-modules-sub002/internal/log"
	"github.com/astubbs/spring-modules-sub002/internal/pubsub"
)

// Facade is the acquire/release protocol for call sites that may or may
// not run inside a unit of work.
type Facade[R comparable] struct {
	key      Key
	factory  Factory[R]
	settings settings
}

// NewFacade creates a Facade handing out resources of factory under key.
func NewFacade[R comparable](key Key, factory Factory[R], opts ...Option) *Facade[R] {
	return &Facade[R]{
		key:      key,
		factory:  factory,
		settings: newSettings(opts),
	}
}

// Key returns the key the facade looks resources up under.
func (f *Facade[R]) Key() Key { return f.key }

// Acquire returns the resource bound to the facade's key in ctx, or a new
// private one. owned reports whether the caller must release it.
//
// A facade built WithSynchronization departs from this when synchronization
// is active but nothing is bound, as in a Supports unit of work: the new
// resource is bound in a synchronized holder, owned is false and the unit
// of work closes it at before-completion. Without that option only a
// Manager binds resources and an unbound acquire is always owned.
func (f *Facade[R]) Acquire(ctx context.Context) (r R, owned bool, err error) {
	reg := RegistryFromContext(ctx)
	if bound := reg.Lookup(f.key); bound != nil {
		holder, ok := bound.(*ResourceHolder[R])
		if !ok {
			return r, false, &IllegalStateError{
				Op:     "acquire",
				Key:    f.key,
				Reason: fmt.Sprintf("bound holder has unexpected type %T", bound),
			}
		}
		log.Debug(log.CatResource, "Using bound resource", "key", f.key)
		return holder.Resource(), false, nil
	}

	r, err = f.factory.Create(ctx)
	if err != nil {
		return r, false, &CreationError{Key: f.key, Err: err}
	}
	reg.forgetCompleted(f.key, r)
	f.settings.publish(pubsub.CreatedEvent, f.key, "")

	if f.settings.synchronize && reg.SynchronizationActive() {
		holder := NewResourceHolder(r)
		holder.SetSynchronizedWithTransaction(true)
		if err := reg.Bind(f.key, holder); err != nil {
			_ = f.CloseUnconditionally(ctx, r)
			return r, false, err
		}
		f.settings.publish(pubsub.BoundEvent, f.key, "")
		sync := &holderSynchronization[R]{facade: f, holder: holder, reg: reg, active: true}
		if err := reg.RegisterSynchronization(sync); err != nil {
			reg.UnbindIfPresent(f.key)
			_ = f.CloseUnconditionally(ctx, r)
			return r, false, err
		}
		log.Debug(log.CatResource, "Bound new resource to active unit of work", "key", f.key)
		return r, false, nil
	}

	log.Debug(log.CatResource, "Created private resource", "key", f.key)
	return r, true, nil
}

// Release closes r unless it is the resource bound in ctx, in which case the
// owning unit of work closes it at completion. Releasing a handle that a
// completed unit of work already closed does nothing.
func (f *Facade[R]) Release(ctx context.Context, r R) error {
	reg := RegistryFromContext(ctx)
	if holder, ok := reg.Lookup(f.key).(*ResourceHolder[R]); ok && holder.Holds(r) {
		log.Debug(log.CatResource, "Release of bound resource deferred to unit of work", "key", f.key)
		return nil
	}
	if reg.handleCompleted(f.key, r) {
		log.Debug(log.CatResource, "Resource already closed by its unit of work", "key", f.key)
		return nil
	}
	return f.release(ctx, r)
}

// ReleaseOnExit releases r and reports a failure through errp unless errp
// already holds an error, in which case the failure is logged and dropped so
// the original cause is kept. Use it with defer.
func (f *Facade[R]) ReleaseOnExit(ctx context.Context, r R, errp *error) {
	err := f.Release(ctx, r)
	if err == nil {
		return
	}
	if errp == nil || *errp != nil {
		log.ErrorErr(log.CatResource, "Release failed while another error was propagating", err, "key", f.key)
		return
	}
	*errp = err
}

// CloseUnconditionally closes r without consulting the registry or the
// factory's close veto. Use it only for resources known to be private.
func (f *Facade[R]) CloseUnconditionally(ctx context.Context, r R) error {
	if err := f.factory.Close(ctx, r); err != nil {
		return &ReleaseError{Key: f.key, Err: err}
	}
	f.settings.publish(pubsub.ClosedEvent, f.key, "")
	return nil
}

// Execute acquires a resource, hands it to fn and releases it again.
func (f *Facade[R]) Execute(ctx context.Context, fn func(ctx context.Context, r R) error) (err error) {
	r, _, err := f.Acquire(ctx)
	if err != nil {
		return err
	}
	defer f.ReleaseOnExit(ctx, r, &err)
	return fn(ctx, r)
}

// release closes r unless the factory vetoes it.
func (f *Facade[R]) release(ctx context.Context, r R) error {
	if veto, ok := f.factory.(CloseVeto[R]); ok && !veto.ShouldClose(r) {
		log.Debug(log.CatResource, "Factory kept resource open", "key", f.key)
		return nil
	}
	return f.CloseUnconditionally(ctx, r)
}

// holderSynchronization releases a resource the facade bound into an active
// unit of work.
type holderSynchronization[R comparable] struct {
	facade *Facade[R]
	holder *ResourceHolder[R]
	reg    *Registry
	active bool
}

func (s *holderSynchronization[R]) Order() int { return s.facade.settings.order }

func (s *holderSynchronization[R]) Suspend(ctx context.Context) {
	if s.active {
		s.reg.UnbindIfPresent(s.facade.key)
	}
}

func (s *holderSynchronization[R]) Resume(ctx context.Context) {
	if !s.active {
		return
	}
	if err := s.reg.Bind(s.facade.key, s.holder); err != nil {
		log.ErrorErr(log.CatResource, "Rebinding resource on resume failed", err, "key", s.facade.key)
	}
}

func (s *holderSynchronization[R]) BeforeCompletion(ctx context.Context) {
	s.finish(ctx)
}

func (s *holderSynchronization[R]) AfterCompletion(ctx context.Context, status CompletionStatus) {
	s.finish(ctx)
}

// finish unbinds and closes the holder once, at before-completion or, if
// that never ran, at after-completion.
func (s *holderSynchronization[R]) finish(ctx context.Context) {
	if !s.active {
		return
	}
	s.active = false
	if bound := s.reg.Lookup(s.facade.key); bound == Holder(s.holder) {
		s.reg.UnbindIfPresent(s.facade.key)
		s.facade.settings.publish(pubsub.UnboundEvent, s.facade.key, "")
	}
	s.holder.MarkCompleted()
	s.holder.Reset()
	s.reg.markCompleted(s.facade.key, s.holder.Resource())
	if err := s.facade.release(ctx, s.holder.Resource()); err != nil {
		log.ErrorErr(log.CatResource, "Closing synchronized resource failed", err, "key", s.facade.key)
	}
}
