package resource

import "fmt"

// CreationError reports that a factory could not produce a handle.
type CreationError struct {
	Key Key
	Err error
}

func (e *CreationError) Error() string {
	return fmt.Sprintf("create resource %s: %v", e.Key, e.Err)
}

func (e *CreationError) Unwrap() error { return e.Err }

// ReleaseError reports that closing a handle failed.
type ReleaseError struct {
	Key Key
	Err error
}

func (e *ReleaseError) Error() string {
	return fmt.Sprintf("release resource %s: %v", e.Key, e.Err)
}

func (e *ReleaseError) Unwrap() error { return e.Err }

// IllegalStateError reports a protocol violation such as a double bind, an
// unbind of an absent key, or a begin under a conflicting manager. It is a
// programming error and never retried.
type IllegalStateError struct {
	Op     string
	Key    Key
	Reason string
}

func (e *IllegalStateError) Error() string {
	if e.Key.IsZero() {
		return fmt.Sprintf("%s: %s", e.Op, e.Reason)
	}
	return fmt.Sprintf("%s %s: %s", e.Op, e.Key, e.Reason)
}

// TransactionStartError reports that a unit of work could not begin. The
// partially created resource has already been released.
type TransactionStartError struct {
	Key Key
	Err error
}

func (e *TransactionStartError) Error() string {
	return fmt.Sprintf("begin transaction on %s: %v", e.Key, e.Err)
}

func (e *TransactionStartError) Unwrap() error { return e.Err }

// TransactionSystemError reports a failed native commit or rollback.
type TransactionSystemError struct {
	Op  string
	Key Key
	Err error
}

func (e *TransactionSystemError) Error() string {
	return fmt.Sprintf("%s transaction on %s: %v", e.Op, e.Key, e.Err)
}

func (e *TransactionSystemError) Unwrap() error { return e.Err }

// UnexpectedRollbackError reports that commit was requested on a unit of
// work marked rollback-only. The rollback has been performed; Err is set
// only when that rollback itself failed.
type UnexpectedRollbackError struct {
	Key Key
	Err error
}

func (e *UnexpectedRollbackError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transaction on %s rolled back because it was marked rollback-only (rollback failed: %v)", e.Key, e.Err)
	}
	return fmt.Sprintf("transaction on %s rolled back because it was marked rollback-only", e.Key)
}

func (e *UnexpectedRollbackError) Unwrap() error { return e.Err }
