package resource

import "time"

// Holder is implemented by everything that can be bound into a Registry.
type Holder interface {
	SynchronizedWithTransaction() bool
	SetSynchronizedWithTransaction(synchronized bool)
	RollbackOnly() bool
	SetRollbackOnly()
	Completed() bool
	MarkCompleted()
	SetTimeout(d time.Duration)
	Deadline() (time.Time, bool)
	Reset()
}

// HolderState is the bookkeeping shared by all holders. Embed it to
// implement Holder.
type HolderState struct {
	synchronized bool
	rollbackOnly bool
	completed    bool
	deadline     time.Time
}

var _ Holder = (*HolderState)(nil)

// SynchronizedWithTransaction reports whether the holder is registered with
// the completion callbacks of a unit of work.
func (s *HolderState) SynchronizedWithTransaction() bool { return s.synchronized }

// SetSynchronizedWithTransaction marks the holder as (not) registered with a
// unit of work.
func (s *HolderState) SetSynchronizedWithTransaction(synchronized bool) {
	s.synchronized = synchronized
}

// RollbackOnly reports whether the unit of work must end in rollback.
func (s *HolderState) RollbackOnly() bool { return s.rollbackOnly }

// SetRollbackOnly forces the owning unit of work to roll back at commit.
func (s *HolderState) SetRollbackOnly() { s.rollbackOnly = true }

// Completed reports whether cleanup has already run for this holder.
func (s *HolderState) Completed() bool { return s.completed }

// MarkCompleted records that cleanup ran. It is never cleared.
func (s *HolderState) MarkCompleted() { s.completed = true }

// SetTimeout sets a deadline d from now. Zero or negative clears it.
func (s *HolderState) SetTimeout(d time.Duration) {
	if d <= 0 {
		s.deadline = time.Time{}
		return
	}
	s.deadline = time.Now().Add(d)
}

// Deadline returns the deadline set by SetTimeout, if any.
func (s *HolderState) Deadline() (time.Time, bool) {
	return s.deadline, !s.deadline.IsZero()
}

// Reset clears transactional state. Completion is kept.
func (s *HolderState) Reset() {
	s.synchronized = false
	s.rollbackOnly = false
	s.deadline = time.Time{}
}

// ResourceHolder wraps exactly one live resource handle.
type ResourceHolder[R comparable] struct {
	HolderState
	resource R
}

// NewResourceHolder wraps r.
func NewResourceHolder[R comparable](r R) *ResourceHolder[R] {
	return &ResourceHolder[R]{resource: r}
}

// Resource returns the wrapped handle.
func (h *ResourceHolder[R]) Resource() R { return h.resource }

// Holds reports whether r is the very handle wrapped by h.
func (h *ResourceHolder[R]) Holds(r R) bool { return h.resource == r }
