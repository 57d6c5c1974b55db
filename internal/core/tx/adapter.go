package tx

import (
	"context"
	"fmt"
)

// Object is the adapter-owned transaction object. The manager never looks
// inside it; it only hands it back to the adapter.
type Object any

// Savepoint is an adapter-owned savepoint handle.
type Savepoint any

// Adapter supplies the resource-specific primitives. The manager owns the
// algorithm; an Adapter only opens, suspends and completes physical
// transactions. Embed BaseAdapter to inherit the optional defaults.
type Adapter interface {
	// GetTransaction returns an object describing the transaction currently
	// bound to ctx, if any. It must not begin anything.
	GetTransaction(ctx context.Context) (Object, error)

	// IsExistingTransaction reports whether obj wraps an active transaction.
	IsExistingTransaction(ctx context.Context, obj Object) (bool, error)

	// Begin starts a new transaction for obj with the given characteristics.
	Begin(ctx context.Context, obj Object, def Definition) error

	// Suspend detaches the current transaction and returns a handle for Resume.
	Suspend(ctx context.Context, obj Object) (any, error)

	// Resume reattaches what Suspend returned.
	Resume(ctx context.Context, obj Object, suspended any) error

	// Commit performs the physical commit of a new transaction.
	Commit(ctx context.Context, status *Status) error

	// Rollback performs the physical rollback of a new transaction.
	Rollback(ctx context.Context, status *Status) error

	// SetRollbackOnly marks a transaction the status only participates in.
	SetRollbackOnly(ctx context.Context, status *Status) error

	// CleanupAfterCompletion releases resources after commit or rollback.
	// It must not fail; problems are the adapter's to log.
	CleanupAfterCompletion(ctx context.Context, obj Object)
}

// BaseAdapter provides the defaults for the optional Adapter methods.
// Embedding types override what their resource supports.
type BaseAdapter struct {
	// Name identifies the adapter in error messages.
	Name string
}

func (b BaseAdapter) IsExistingTransaction(context.Context, Object) (bool, error) {
	return false, nil
}

func (b BaseAdapter) Suspend(context.Context, Object) (any, error) {
	return nil, NewSuspensionNotSupported(fmt.Sprintf("transaction adapter [%s] does not support transaction suspension", b.name()))
}

func (b BaseAdapter) Resume(context.Context, Object, any) error {
	return NewSuspensionNotSupported(fmt.Sprintf("transaction adapter [%s] does not support transaction suspension", b.name()))
}

func (b BaseAdapter) SetRollbackOnly(context.Context, *Status) error {
	return NewIllegalState("participating in existing transactions is not supported - " +
		"when IsExistingTransaction returns true, SetRollbackOnly must be implemented")
}

func (b BaseAdapter) CleanupAfterCompletion(context.Context, Object) {}

func (b BaseAdapter) name() string {
	if b.Name == "" {
		return "unnamed"
	}
	return b.Name
}

// --- Optional capabilities, resolved once by NewManager ---

// SavepointManager is implemented by adapters whose transactions support savepoints.
type SavepointManager interface {
	CreateSavepoint(ctx context.Context, obj Object) (Savepoint, error)
	RollbackToSavepoint(ctx context.Context, obj Object, sp Savepoint) error
	ReleaseSavepoint(ctx context.Context, obj Object, sp Savepoint) error
}

// RollbackOnlyReporter is implemented by adapters that can tell whether the
// underlying transaction was marked rollback-only by another participant
// or by the coordinator itself.
type RollbackOnlyReporter interface {
	IsRollbackOnly(obj Object) bool
}

// NestingStrategy lets an adapter implement NESTED through a second Begin
// instead of savepoints. Without it, savepoints are used.
type NestingStrategy interface {
	UseSavepointForNestedTransaction() bool
}

// GlobalRollbackPolicy lets an adapter commit a globally rollback-only
// transaction anyway and report the outcome from its own Commit.
type GlobalRollbackPolicy interface {
	CommitOnGlobalRollbackOnly() bool
}

// capabilities is what NewManager learned about its adapter.
type capabilities struct {
	savepoints             SavepointManager
	rollbackOnly           RollbackOnlyReporter
	useSavepointForNested  bool
	commitOnGlobalRollback bool
}

func resolveCapabilities(a Adapter) capabilities {
	caps := capabilities{useSavepointForNested: true}
	if sp, ok := a.(SavepointManager); ok {
		caps.savepoints = sp
	}
	if ro, ok := a.(RollbackOnlyReporter); ok {
		caps.rollbackOnly = ro
	}
	if ns, ok := a.(NestingStrategy); ok {
		caps.useSavepointForNested = ns.UseSavepointForNestedTransaction()
	}
	if gp, ok := a.(GlobalRollbackPolicy); ok {
		caps.commitOnGlobalRollback = gp.CommitOnGlobalRollbackOnly()
	}
	return caps
}
