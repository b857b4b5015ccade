package resource

import (
	"context"
	"database/sql"

	"github.com/google/uuid"

	"github.com/astubbs/spring-modules-sub002/internal/log"
	"github.com/astubbs/spring-modules-sub002/internal/pubsub"
)

// Transaction is the per-attempt state of one Manager unit of work.
type Transaction[R comparable] struct {
	id                string
	holder            *ResourceHolder[R]
	newHolder         bool
	secondary         Holder
	previousIsolation *sql.IsolationLevel
	cleanupErr        error
}

// ID identifies the transaction in logs, events and spans.
func (t *Transaction[R]) ID() string { return t.id }

// Holder returns the bound holder, or nil when no unit of work is active.
func (t *Transaction[R]) Holder() *ResourceHolder[R] { return t.holder }

// Resource returns the handle of the bound holder.
func (t *Transaction[R]) Resource() (R, bool) {
	if t.holder == nil {
		var zero R
		return zero, false
	}
	return t.holder.Resource(), true
}

// Secondary returns the co-registered holder, if any.
func (t *Transaction[R]) Secondary() Holder { return t.secondary }

// RollbackOnly reports whether the bound holder was marked rollback-only.
func (t *Transaction[R]) RollbackOnly() bool {
	return t.holder != nil && t.holder.RollbackOnly()
}

// SuspendedResources carries everything Suspend unbound so Resume can
// restore it verbatim.
type SuspendedResources[R comparable] struct {
	holder            *ResourceHolder[R]
	newHolder         bool
	secondary         Holder
	previousIsolation *sql.IsolationLevel
}

// Holder returns the suspended primary holder.
func (s *SuspendedResources[R]) Holder() *ResourceHolder[R] { return s.holder }

// Secondary returns the suspended secondary holder, if any.
func (s *SuspendedResources[R]) Secondary() Holder { return s.secondary }

// Manager opens a resource scoped to a unit of work, binds it into the
// context registry and drives its native transaction through commit or
// rollback to cleanup. It is driven by a coordinator such as Template.
type Manager[R comparable] struct {
	key      Key
	factory  TransactionalFactory[R]
	co       CoResource[R]
	settings settings
}

// NewManager creates a Manager for resources of factory under key.
func NewManager[R comparable](key Key, factory TransactionalFactory[R], opts ...Option) *Manager[R] {
	s := newSettings(opts)
	return &Manager[R]{
		key:      key,
		factory:  factory,
		co:       coResourceFor[R](s),
		settings: s,
	}
}

// Key returns the key the manager binds under.
func (m *Manager[R]) Key() Key { return m.key }

// GetTransaction wraps whatever holder is bound for the manager's key in a
// new Transaction. It never creates resources.
func (m *Manager[R]) GetTransaction(ctx context.Context) *Transaction[R] {
	tx := &Transaction[R]{id: uuid.NewString()}
	if holder, ok := RegistryFromContext(ctx).Lookup(m.key).(*ResourceHolder[R]); ok {
		tx.holder = holder
	}
	return tx
}

// IsExistingTransaction reports whether tx joined a unit of work that was
// already active.
func (m *Manager[R]) IsExistingTransaction(tx *Transaction[R]) bool {
	return tx.holder != nil
}

// Begin creates a resource, starts its native transaction, co-registers the
// secondary resource and binds everything into ctx's registry.
func (m *Manager[R]) Begin(ctx context.Context, tx *Transaction[R], opts Options) error {
	reg := RegistryFromContext(ctx)
	if reg == nil {
		return &IllegalStateError{Op: "begin", Key: m.key, Reason: "no registry in context"}
	}
	if tx.holder != nil || reg.HasResource(m.key) {
		return &IllegalStateError{Op: "begin", Key: m.key, Reason: "a resource is already bound for this key"}
	}
	if m.co != nil && reg.HasResource(m.co.Key()) {
		return &IllegalStateError{
			Op:     "begin",
			Key:    m.key,
			Reason: "secondary resource " + m.co.Key().String() + " is already bound by another manager",
		}
	}

	r, err := m.factory.Create(ctx)
	if err != nil {
		return &TransactionStartError{Key: m.key, Err: &CreationError{Key: m.key, Err: err}}
	}
	m.settings.publish(pubsub.CreatedEvent, m.key, tx.id)

	holder := NewResourceHolder(r)
	holder.SetTimeout(opts.Timeout)

	var (
		secondary      Holder
		previous       *sql.IsolationLevel
		nativeBegun    bool
		secondaryBound bool
	)
	fail := func(cause error) error {
		if secondaryBound {
			reg.UnbindIfPresent(m.co.Key())
		}
		if secondary != nil {
			if err := m.co.Restore(ctx, secondary, previous); err != nil {
				log.ErrorErr(log.CatTx, "Could not restore secondary resource after failed begin", err, "key", m.key)
			}
		}
		if nativeBegun {
			if err := m.factory.Rollback(ctx, r); err != nil {
				log.ErrorErr(log.CatTx, "Could not roll back after failed begin", err, "key", m.key)
			}
		}
		if err := m.factory.Close(ctx, r); err != nil {
			log.ErrorErr(log.CatTx, "Could not close resource after failed begin", err, "key", m.key)
		} else {
			m.settings.publish(pubsub.ClosedEvent, m.key, tx.id)
		}
		return &TransactionStartError{Key: m.key, Err: cause}
	}

	if err := m.factory.Begin(ctx, r, opts); err != nil {
		return fail(err)
	}
	nativeBegun = true
	m.settings.publish(pubsub.BegunEvent, m.key, tx.id)

	if m.co != nil {
		secondary, previous, err = m.co.Prepare(ctx, r, opts)
		if err != nil {
			return fail(err)
		}
		secondary.SetSynchronizedWithTransaction(true)
		secondary.SetTimeout(opts.Timeout)
		if err := reg.Bind(m.co.Key(), secondary); err != nil {
			return fail(err)
		}
		secondaryBound = true
	}

	holder.SetSynchronizedWithTransaction(true)
	if err := reg.Bind(m.key, holder); err != nil {
		return fail(err)
	}
	m.settings.publish(pubsub.BoundEvent, m.key, tx.id)

	tx.holder = holder
	tx.newHolder = true
	tx.secondary = secondary
	tx.previousIsolation = previous
	tx.cleanupErr = nil

	if reg.SynchronizationActive() {
		_ = reg.RegisterSynchronization(&completionSynchronization[R]{manager: m, tx: tx, holder: holder})
	}

	log.Debug(log.CatTx, "Began transaction", "key", m.key, "tx", tx.id, "name", opts.Name,
		"readOnly", opts.ReadOnly, "timeout", opts.Timeout)
	return nil
}

// Suspend unbinds the transaction's resources so another unit of work can
// run in the same context.
func (m *Manager[R]) Suspend(ctx context.Context, tx *Transaction[R]) (*SuspendedResources[R], error) {
	if tx.holder == nil {
		return nil, &IllegalStateError{Op: "suspend", Key: m.key, Reason: "no resource bound to suspend"}
	}
	reg := RegistryFromContext(ctx)
	bound, err := reg.Unbind(m.key)
	if err != nil {
		return nil, err
	}
	if bound != Holder(tx.holder) {
		_ = reg.Bind(m.key, bound)
		return nil, &IllegalStateError{Op: "suspend", Key: m.key, Reason: "bound holder does not belong to this transaction"}
	}
	m.settings.publish(pubsub.UnboundEvent, m.key, tx.id)

	suspended := &SuspendedResources[R]{
		holder:            tx.holder,
		newHolder:         tx.newHolder,
		previousIsolation: tx.previousIsolation,
	}
	if m.co != nil {
		suspended.secondary = reg.UnbindIfPresent(m.co.Key())
	}

	tx.holder = nil
	tx.newHolder = false
	tx.secondary = nil
	tx.previousIsolation = nil
	m.settings.publish(pubsub.SuspendedEvent, m.key, tx.id)
	log.Debug(log.CatTx, "Suspended transaction", "key", m.key, "tx", tx.id)
	return suspended, nil
}

// Resume rebinds resources unbound by Suspend. A holder left bound under
// either key by code that never cleaned up is displaced first.
func (m *Manager[R]) Resume(ctx context.Context, tx *Transaction[R], suspended *SuspendedResources[R]) error {
	reg := RegistryFromContext(ctx)
	if reg == nil {
		return &IllegalStateError{Op: "resume", Key: m.key, Reason: "no registry in context"}
	}
	if suspended == nil || suspended.holder == nil {
		return &IllegalStateError{Op: "resume", Key: m.key, Reason: "nothing was suspended"}
	}

	if leaked := reg.UnbindIfPresent(m.key); leaked != nil {
		log.Warn(log.CatTx, "Displaced holder left bound during suspension", "key", m.key, "tx", tx.id)
	}
	if suspended.secondary != nil {
		if leaked := reg.UnbindIfPresent(m.co.Key()); leaked != nil {
			log.Warn(log.CatTx, "Displaced secondary holder left bound during suspension", "key", m.co.Key(), "tx", tx.id)
		}
		if err := reg.Bind(m.co.Key(), suspended.secondary); err != nil {
			return err
		}
	}
	if err := reg.Bind(m.key, suspended.holder); err != nil {
		return err
	}

	tx.holder = suspended.holder
	tx.newHolder = suspended.newHolder
	tx.secondary = suspended.secondary
	tx.previousIsolation = suspended.previousIsolation
	tx.cleanupErr = nil
	m.settings.publish(pubsub.ResumedEvent, m.key, tx.id)
	log.Debug(log.CatTx, "Resumed transaction", "key", m.key, "tx", tx.id)
	return nil
}

// Commit commits the native transaction. A rollback-only transaction is
// rolled back instead and reported as *UnexpectedRollbackError.
func (m *Manager[R]) Commit(ctx context.Context, tx *Transaction[R]) error {
	if tx.holder == nil {
		return &IllegalStateError{Op: "commit", Key: m.key, Reason: "no transaction to commit"}
	}
	r := tx.holder.Resource()

	if tx.holder.RollbackOnly() {
		log.Debug(log.CatTx, "Transaction is rollback-only, rolling back instead of commit", "key", m.key, "tx", tx.id)
		err := m.factory.Rollback(ctx, r)
		if err == nil {
			m.settings.publish(pubsub.RolledBackEvent, m.key, tx.id)
		}
		return &UnexpectedRollbackError{Key: m.key, Err: err}
	}

	if err := m.factory.Commit(ctx, r); err != nil {
		return &TransactionSystemError{Op: "commit", Key: m.key, Err: err}
	}
	m.settings.publish(pubsub.CommittedEvent, m.key, tx.id)
	log.Debug(log.CatTx, "Committed transaction", "key", m.key, "tx", tx.id)
	return nil
}

// Rollback rolls the native transaction back.
func (m *Manager[R]) Rollback(ctx context.Context, tx *Transaction[R]) error {
	if tx.holder == nil {
		return &IllegalStateError{Op: "rollback", Key: m.key, Reason: "no transaction to roll back"}
	}
	if err := m.factory.Rollback(ctx, tx.holder.Resource()); err != nil {
		return &TransactionSystemError{Op: "rollback", Key: m.key, Err: err}
	}
	m.settings.publish(pubsub.RolledBackEvent, m.key, tx.id)
	log.Debug(log.CatTx, "Rolled back transaction", "key", m.key, "tx", tx.id)
	return nil
}

// SetRollbackOnly marks the transaction so that Commit rolls back.
func (m *Manager[R]) SetRollbackOnly(tx *Transaction[R]) {
	if tx.holder != nil {
		tx.holder.SetRollbackOnly()
	}
	if tx.secondary != nil {
		tx.secondary.SetRollbackOnly()
	}
}

// Cleanup unbinds the transaction's resources, restores the secondary
// resource and closes the handle. It runs whatever the outcome was and is
// safe to call more than once; only the first call closes. A transaction
// that joined an existing unit of work leaves everything to its owner.
func (m *Manager[R]) Cleanup(ctx context.Context, tx *Transaction[R]) error {
	holder := tx.holder
	if holder == nil || !tx.newHolder {
		return nil
	}
	if holder.Completed() {
		return tx.cleanupErr
	}
	ctx = context.WithoutCancel(ctx)
	reg := RegistryFromContext(ctx)

	if reg.Lookup(m.key) == Holder(holder) {
		reg.UnbindIfPresent(m.key)
		m.settings.publish(pubsub.UnboundEvent, m.key, tx.id)
	}
	if tx.secondary != nil {
		if reg.Lookup(m.co.Key()) == tx.secondary {
			reg.UnbindIfPresent(m.co.Key())
		}
		if err := m.co.Restore(ctx, tx.secondary, tx.previousIsolation); err != nil {
			log.ErrorErr(log.CatTx, "Could not restore secondary resource after transaction", err, "key", m.co.Key())
		}
		tx.secondary.MarkCompleted()
		tx.secondary.Reset()
	}

	holder.MarkCompleted()
	holder.Reset()
	reg.markCompleted(m.key, holder.Resource())

	if err := m.factory.Close(ctx, holder.Resource()); err != nil {
		tx.cleanupErr = &ReleaseError{Key: m.key, Err: err}
		log.ErrorErr(log.CatTx, "Could not close resource after transaction", err, "key", m.key, "tx", tx.id)
		return tx.cleanupErr
	}
	m.settings.publish(pubsub.ClosedEvent, m.key, tx.id)
	log.Debug(log.CatTx, "Cleaned up transaction", "key", m.key, "tx", tx.id)
	return nil
}

// completionSynchronization runs the manager's cleanup at after-completion,
// ahead of secondary resources' synchronizations.
type completionSynchronization[R comparable] struct {
	manager *Manager[R]
	tx      *Transaction[R]
	holder  *ResourceHolder[R]
}

func (s *completionSynchronization[R]) Order() int { return s.manager.settings.order }

func (s *completionSynchronization[R]) Suspend(ctx context.Context) {}

func (s *completionSynchronization[R]) Resume(ctx context.Context) {}

func (s *completionSynchronization[R]) BeforeCompletion(ctx context.Context) {}

func (s *completionSynchronization[R]) AfterCompletion(ctx context.Context, status CompletionStatus) {
	if s.tx.holder != s.holder {
		return
	}
	_ = s.manager.Cleanup(ctx, s.tx)
}
