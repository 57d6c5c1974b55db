package tx

import (
	"context"
	"fmt"
)

// CompletionStatus is passed to AfterCompletion.
type CompletionStatus int

const (
	StatusCommitted CompletionStatus = iota
	StatusRolledBack
	// StatusUnknown means the outcome could not be determined, e.g. commit failed
	// without a compensating rollback.
	StatusUnknown
)

func (s CompletionStatus) String() string {
	switch s {
	case StatusCommitted:
		return "committed"
	case StatusRolledBack:
		return "rolled_back"
	case StatusUnknown:
		return "unknown"
	default:
		return fmt.Sprintf("completion(%d)", int(s))
	}
}

// Synchronization is a callback registered for the lifetime of the current
// transaction context. Callbacks run in registration order.
type Synchronization interface {
	// Suspend is invoked when the transaction context is suspended.
	Suspend(ctx context.Context)
	// Resume is invoked when a suspended context is restored.
	Resume(ctx context.Context)
	// BeforeCommit runs before commit, only if commit was requested.
	// An error here aborts the commit and triggers a rollback.
	BeforeCommit(ctx context.Context, readOnly bool) error
	// BeforeCompletion runs before commit or rollback.
	BeforeCompletion(ctx context.Context) error
	// AfterCompletion runs once the outcome is known. Errors are logged only.
	AfterCompletion(ctx context.Context, status CompletionStatus) error
}

// SynchronizationFuncs implements Synchronization from optional functions.
// Nil fields are no-ops.
type SynchronizationFuncs struct {
	OnSuspend          func(ctx context.Context)
	OnResume           func(ctx context.Context)
	OnBeforeCommit     func(ctx context.Context, readOnly bool) error
	OnBeforeCompletion func(ctx context.Context) error
	OnAfterCompletion  func(ctx context.Context, status CompletionStatus) error
}

var _ Synchronization = (*SynchronizationFuncs)(nil)

func (s *SynchronizationFuncs) Suspend(ctx context.Context) {
	if s.OnSuspend != nil {
		s.OnSuspend(ctx)
	}
}

func (s *SynchronizationFuncs) Resume(ctx context.Context) {
	if s.OnResume != nil {
		s.OnResume(ctx)
	}
}

func (s *SynchronizationFuncs) BeforeCommit(ctx context.Context, readOnly bool) error {
	if s.OnBeforeCommit != nil {
		return s.OnBeforeCommit(ctx, readOnly)
	}
	return nil
}

func (s *SynchronizationFuncs) BeforeCompletion(ctx context.Context) error {
	if s.OnBeforeCompletion != nil {
		return s.OnBeforeCompletion(ctx)
	}
	return nil
}

func (s *SynchronizationFuncs) AfterCompletion(ctx context.Context, status CompletionStatus) error {
	if s.OnAfterCompletion != nil {
		return s.OnAfterCompletion(ctx, status)
	}
	return nil
}

// AfterCommit registers fn to run only if the current transaction commits.
// It fails if synchronization is not active in ctx.
func AfterCommit(ctx context.Context, fn func(ctx context.Context)) error {
	reg := RegistryFrom(ctx)
	if reg == nil {
		return NewIllegalState("no transaction registry bound to context")
	}
	return reg.RegisterSynchronization(&SynchronizationFuncs{
		OnAfterCompletion: func(ctx context.Context, status CompletionStatus) error {
			if status == StatusCommitted {
				fn(ctx)
			}
			return nil
		},
	})
}
