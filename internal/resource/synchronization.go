package resource

import (
	"context"
	"fmt"

	"github.com/astubbs/spring-modules-sub002/internal/log"
)

// CompletionStatus is handed to Synchronization.AfterCompletion.
type CompletionStatus int

const (
	StatusCommitted CompletionStatus = iota
	StatusRolledBack
	StatusUnknown
)

func (s CompletionStatus) String() string {
	switch s {
	case StatusCommitted:
		return "committed"
	case StatusRolledBack:
		return "rolled_back"
	default:
		return "unknown"
	}
}

// Synchronization ordering. Lower orders run first.
const (
	// DefaultSynchronizationOrder is used by secondary resources such as
	// plain connections.
	DefaultSynchronizationOrder = 1000

	// ResourceSynchronizationOrder is used for primary resources so they are
	// torn down before any secondary resource they sit on.
	ResourceSynchronizationOrder = DefaultSynchronizationOrder - 100
)

// Synchronization is a completion callback registered against a unit of
// work. The coordinator invokes it when the unit of work is suspended,
// resumed and completed.
type Synchronization interface {
	Order() int
	Suspend(ctx context.Context)
	Resume(ctx context.Context)
	BeforeCompletion(ctx context.Context)
	AfterCompletion(ctx context.Context, status CompletionStatus)
}

// SynchronizationFuncs adapts plain functions to Synchronization. Nil
// functions are skipped.
type SynchronizationFuncs struct {
	Priority         int
	OnSuspend        func(ctx context.Context)
	OnResume         func(ctx context.Context)
	OnBeforeComplete func(ctx context.Context)
	OnAfterComplete  func(ctx context.Context, status CompletionStatus)
}

func (f SynchronizationFuncs) Order() int { return f.Priority }

func (f SynchronizationFuncs) Suspend(ctx context.Context) {
	if f.OnSuspend != nil {
		f.OnSuspend(ctx)
	}
}

func (f SynchronizationFuncs) Resume(ctx context.Context) {
	if f.OnResume != nil {
		f.OnResume(ctx)
	}
}

func (f SynchronizationFuncs) BeforeCompletion(ctx context.Context) {
	if f.OnBeforeComplete != nil {
		f.OnBeforeComplete(ctx)
	}
}

func (f SynchronizationFuncs) AfterCompletion(ctx context.Context, status CompletionStatus) {
	if f.OnAfterComplete != nil {
		f.OnAfterComplete(ctx, status)
	}
}

// TriggerBeforeCompletion calls BeforeCompletion on every synchronization
// registered in ctx's registry, in order. A panicking callback is logged and
// does not stop the others.
func TriggerBeforeCompletion(ctx context.Context) {
	for _, s := range RegistryFromContext(ctx).Synchronizations() {
		invokeSafely("before completion", func() { s.BeforeCompletion(ctx) })
	}
}

// TriggerAfterCompletion calls AfterCompletion on every synchronization
// registered in ctx's registry, in order.
func TriggerAfterCompletion(ctx context.Context, status CompletionStatus) {
	for _, s := range RegistryFromContext(ctx).Synchronizations() {
		invokeSafely("after completion", func() { s.AfterCompletion(ctx, status) })
	}
}

func invokeSafely(phase string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.ErrorErr(log.CatTx, "synchronization callback panicked", fmt.Errorf("%v", r), "phase", phase)
		}
	}()
	fn()
}
