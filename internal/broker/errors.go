package broker

import (
	"context"
	"fmt"
	"time"
)

// DocumentNotFoundError is returned when no document has the given ID.
type DocumentNotFoundError struct {
	ID string
}

func (e *DocumentNotFoundError) Error() string {
	return fmt.Sprintf("document not found: %s", e.ID)
}

// VersionConflictError is returned by Put when the stored document changed
// since the caller read it.
type VersionConflictError struct {
	ID       string
	Expected int
	Actual   int
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("document %s: expected version %d, found %d", e.ID, e.Expected, e.Actual)
}

// TimedOutError is returned by session operations issued after the deadline
// of the unit of work has passed.
type TimedOutError struct {
	SessionID string
	Deadline  time.Time
}

func (e *TimedOutError) Error() string {
	return fmt.Sprintf("session %s: unit of work deadline %s exceeded", e.SessionID, e.Deadline.Format(time.RFC3339Nano))
}

func (e *TimedOutError) Unwrap() error { return context.DeadlineExceeded }
