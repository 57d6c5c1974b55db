package tx

import (
	"context"
	"fmt"

	"txcoord/pkg/logger"
)

// Runner defines the callback-style contract domain code depends on.
// If fn returns an error, the transaction is rolled back; otherwise it is
// committed.
type Runner interface {
	RunInTransaction(ctx context.Context, fn func(ctx context.Context) error) error
	Execute(ctx context.Context, def *Definition, fn func(ctx context.Context, status *Status) error) error
}

// Compile-time check that Manager implements Runner.
var _ Runner = (*Manager)(nil)

// Execute runs fn inside a transaction obtained for def. A Registry is
// attached to ctx if none is present. The error from fn wins over a
// rollback error, which is only logged.
func (m *Manager) Execute(ctx context.Context, def *Definition, fn func(ctx context.Context, status *Status) error) (err error) {
	if RegistryFrom(ctx) == nil {
		ctx = WithRegistry(ctx)
	}

	status, err := m.GetTransaction(ctx, def)
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			m.rollbackOnException(ctx, status, fmt.Errorf("panic: %v", r))
			panic(r)
		}
	}()

	if err := fn(ctx, status); err != nil {
		m.rollbackOnException(ctx, status, err)
		return err
	}

	if status.IsCompleted() {
		return nil
	}
	return m.Commit(ctx, status)
}

// RunInTransaction runs fn with PROPAGATION_REQUIRED and default settings.
func (m *Manager) RunInTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return m.Execute(ctx, nil, func(ctx context.Context, _ *Status) error {
		return fn(ctx)
	})
}

// ReadOnly runs fn in a read-only PROPAGATION_REQUIRED transaction.
func (m *Manager) ReadOnly(ctx context.Context, fn func(ctx context.Context) error) error {
	def := DefaultDefinition()
	def.ReadOnly = true
	return m.Execute(ctx, &def, func(ctx context.Context, _ *Status) error {
		return fn(ctx)
	})
}

// RequiresNew runs fn in its own transaction, suspending any current one.
func (m *Manager) RequiresNew(ctx context.Context, fn func(ctx context.Context) error) error {
	def := NewDefinition(PropagationRequiresNew)
	return m.Execute(ctx, &def, func(ctx context.Context, _ *Status) error {
		return fn(ctx)
	})
}

func (m *Manager) rollbackOnException(ctx context.Context, status *Status, cause error) {
	if status.IsCompleted() {
		return
	}
	logger.Debug(ctx, "initiating transaction rollback on application exception", "error", cause)
	if err := m.Rollback(ctx, status); err != nil {
		logger.Error(ctx, "rollback after application error failed", "error", err, "original_error", cause)
	}
}
