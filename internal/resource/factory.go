package resource

import (
	"context"
	"database/sql"
	"time"
)

// Factory creates and destroys the real handle for one resource kind.
type Factory[R comparable] interface {
	Create(ctx context.Context) (R, error)
	Close(ctx context.Context, r R) error
}

// TransactionalFactory is a Factory whose handles carry a native
// transaction.
type TransactionalFactory[R comparable] interface {
	Factory[R]
	Begin(ctx context.Context, r R, opts Options) error
	Commit(ctx context.Context, r R) error
	Rollback(ctx context.Context, r R) error
}

// CloseVeto is implemented by factories that sometimes keep a handle open
// even though release would otherwise close it, for example a reader still
// shared with other call sites. A false return skips the close.
type CloseVeto[R comparable] interface {
	ShouldClose(r R) bool
}

// CoResource co-registers a secondary resource, such as the connection under
// a broker session, in the unit of work started by a Manager.
type CoResource[R comparable] interface {
	// Key is the secondary key space the holder is bound under.
	Key() Key

	// Prepare derives the secondary holder from the primary handle and
	// applies opts to it. previous is non-nil when the isolation level was
	// changed and must be restored later.
	Prepare(ctx context.Context, primary R, opts Options) (holder Holder, previous *sql.IsolationLevel, err error)

	// Restore reverts whatever Prepare adjusted. It runs during cleanup;
	// failures are logged and not propagated.
	Restore(ctx context.Context, holder Holder, previous *sql.IsolationLevel) error
}

// Propagation decides how Template.Execute relates to a unit of work that is
// already active in the context.
type Propagation int

const (
	// PropagationRequired joins the active unit of work or starts one.
	PropagationRequired Propagation = iota
	// PropagationRequiresNew suspends the active unit of work and starts a
	// new one.
	PropagationRequiresNew
	// PropagationSupports joins the active unit of work, else runs bare.
	PropagationSupports
	// PropagationNotSupported suspends the active unit of work and runs bare.
	PropagationNotSupported
	// PropagationMandatory joins the active unit of work and fails without one.
	PropagationMandatory
	// PropagationNever runs bare and fails when a unit of work is active.
	PropagationNever
)

func (p Propagation) String() string {
	switch p {
	case PropagationRequired:
		return "required"
	case PropagationRequiresNew:
		return "requires_new"
	case PropagationSupports:
		return "supports"
	case PropagationNotSupported:
		return "not_supported"
	case PropagationMandatory:
		return "mandatory"
	case PropagationNever:
		return "never"
	default:
		return "unknown"
	}
}

// Options are supplied by the coordinator when a unit of work begins.
type Options struct {
	Name        string
	Propagation Propagation
	Isolation   sql.IsolationLevel
	ReadOnly    bool
	Timeout     time.Duration
}
