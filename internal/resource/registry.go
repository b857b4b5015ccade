package resource

import (
	"context"
	"slices"
)

// Registry is the table of resources bound to one execution context, plus
// the synchronizations registered against the unit of work running there.
//
// A Registry belongs to exactly one goroutine at a time and does no locking.
// Hand work to another goroutine with a fresh registry, or move bound
// resources explicitly with Manager.Suspend and Manager.Resume.
type Registry struct {
	resources  map[Key]Holder
	syncs      []Synchronization
	syncActive bool
	completed  map[completedHandle]struct{}
}

// completedHandle identifies a handle closed by the unit of work that owned it.
type completedHandle struct {
	key    Key
	handle any
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{resources: make(map[Key]Holder)}
}

type registryKey struct{}

// WithRegistry returns a context carrying reg.
func WithRegistry(ctx context.Context, reg *Registry) context.Context {
	return context.WithValue(ctx, registryKey{}, reg)
}

// RegistryFromContext returns the registry carried by ctx, or nil.
func RegistryFromContext(ctx context.Context) *Registry {
	if ctx == nil {
		return nil
	}
	reg, _ := ctx.Value(registryKey{}).(*Registry)
	return reg
}

// EnsureRegistry returns ctx unchanged when it already carries a registry,
// otherwise a child context carrying a new one.
func EnsureRegistry(ctx context.Context) (context.Context, *Registry) {
	if reg := RegistryFromContext(ctx); reg != nil {
		return ctx, reg
	}
	reg := NewRegistry()
	return WithRegistry(ctx, reg), reg
}

// Bind binds holder to key. It never overwrites an existing binding.
func (r *Registry) Bind(key Key, holder Holder) error {
	if r == nil {
		return &IllegalStateError{Op: "bind", Key: key, Reason: "no registry in context"}
	}
	if key.IsZero() {
		return &IllegalStateError{Op: "bind", Reason: "zero key"}
	}
	if holder == nil {
		return &IllegalStateError{Op: "bind", Key: key, Reason: "nil holder"}
	}
	if _, exists := r.resources[key]; exists {
		return &IllegalStateError{Op: "bind", Key: key, Reason: "already bound in this context"}
	}
	r.resources[key] = holder
	return nil
}

// Unbind removes and returns the holder bound to key.
func (r *Registry) Unbind(key Key) (Holder, error) {
	holder := r.UnbindIfPresent(key)
	if holder == nil {
		return nil, &IllegalStateError{Op: "unbind", Key: key, Reason: "not bound in this context"}
	}
	return holder, nil
}

// UnbindIfPresent removes and returns the holder bound to key, or nil.
func (r *Registry) UnbindIfPresent(key Key) Holder {
	if r == nil {
		return nil
	}
	holder, ok := r.resources[key]
	if !ok {
		return nil
	}
	delete(r.resources, key)
	return holder
}

// Lookup returns the holder bound to key, or nil.
func (r *Registry) Lookup(key Key) Holder {
	if r == nil {
		return nil
	}
	return r.resources[key]
}

// HasResource reports whether key is bound.
func (r *Registry) HasResource(key Key) bool {
	return r.Lookup(key) != nil
}

// Len returns the number of bound resources.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.resources)
}

// InitSynchronization activates synchronization for the unit of work
// starting in this context.
func (r *Registry) InitSynchronization() error {
	if r == nil {
		return &IllegalStateError{Op: "init synchronization", Reason: "no registry in context"}
	}
	if r.syncActive {
		return &IllegalStateError{Op: "init synchronization", Reason: "already active"}
	}
	r.syncActive = true
	r.syncs = nil
	return nil
}

// SynchronizationActive reports whether synchronizations may be registered.
func (r *Registry) SynchronizationActive() bool {
	return r != nil && r.syncActive
}

// RegisterSynchronization adds s to the active unit of work.
func (r *Registry) RegisterSynchronization(s Synchronization) error {
	if !r.SynchronizationActive() {
		return &IllegalStateError{Op: "register synchronization", Reason: "synchronization not active"}
	}
	r.syncs = append(r.syncs, s)
	return nil
}

// Synchronizations returns a copy of the registered synchronizations sorted
// by Order. Registration order is kept between equal orders.
func (r *Registry) Synchronizations() []Synchronization {
	if !r.SynchronizationActive() {
		return nil
	}
	out := slices.Clone(r.syncs)
	slices.SortStableFunc(out, func(a, b Synchronization) int {
		return a.Order() - b.Order()
	})
	return out
}

// ClearSynchronization deactivates synchronization and forgets every
// registered synchronization.
func (r *Registry) ClearSynchronization() {
	if r == nil {
		return
	}
	r.syncActive = false
	r.syncs = nil
}

// markCompleted records that handle, bound under key, was closed when its
// unit of work completed. Later releases of it in this context are no-ops.
func (r *Registry) markCompleted(key Key, handle any) {
	if r == nil {
		return
	}
	if r.completed == nil {
		r.completed = make(map[completedHandle]struct{})
	}
	r.completed[completedHandle{key: key, handle: handle}] = struct{}{}
}

// handleCompleted reports whether handle was closed by a completed unit of work.
func (r *Registry) handleCompleted(key Key, handle any) bool {
	if r == nil || r.completed == nil {
		return false
	}
	_, ok := r.completed[completedHandle{key: key, handle: handle}]
	return ok
}

// forgetCompleted drops handle from the completed set. Factories may hand
// out the same handle again, and a fresh acquire owns it anew.
func (r *Registry) forgetCompleted(key Key, handle any) {
	if r == nil || r.completed == nil {
		return
	}
	delete(r.completed, completedHandle{key: key, handle: handle})
}
