package tx

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Status is the handle returned by Manager.GetTransaction. Pass it back to
// Commit or Rollback exactly once.
type Status struct {
	id         uuid.UUID
	definition Definition
	startedAt  time.Time

	transaction        Object
	newTransaction     bool
	newSynchronization bool
	readOnly           bool

	rollbackOnly bool
	completed    bool
	outcome      CompletionStatus

	savepoint Savepoint
	suspended *SuspendedResources

	registry *Registry
	caps     *capabilities
}

// SuspendedResources bundles the adapter's suspended handle with the registry
// state captured at suspend time. It is consumed once, by resume.
type SuspendedResources struct {
	handle any
	// nil when synchronization was inactive at suspend time
	snapshot *registrySnapshot
}

// Handle returns the adapter's suspended-resource handle.
func (s *SuspendedResources) Handle() any { return s.handle }

// SuspendedName returns the name of the suspended transaction, "" if none
// was recorded.
func (s *SuspendedResources) SuspendedName() string {
	if s.snapshot == nil {
		return ""
	}
	return s.snapshot.name
}

// ID uniquely identifies this status in logs and traces.
func (s *Status) ID() string { return s.id.String() }

// Definition returns the definition this status was created for.
func (s *Status) Definition() Definition { return s.definition }

// StartedAt returns when GetTransaction created this status.
func (s *Status) StartedAt() time.Time { return s.startedAt }

// Transaction returns the adapter's object, nil for an empty transaction.
func (s *Status) Transaction() Object { return s.transaction }

// HasTransaction reports whether an actual transaction backs this status.
func (s *Status) HasTransaction() bool { return s.transaction != nil }

// IsNewTransaction reports whether this status began its transaction and
// is therefore responsible for completing it.
func (s *Status) IsNewTransaction() bool { return s.HasTransaction() && s.newTransaction }

// IsNewSynchronization reports whether this status activated synchronization.
func (s *Status) IsNewSynchronization() bool { return s.newSynchronization }

func (s *Status) IsReadOnly() bool { return s.readOnly }

// SuspendedResources returns what this status suspended, or nil.
func (s *Status) SuspendedResources() *SuspendedResources { return s.suspended }

// SetRollbackOnly makes the only possible outcome a rollback.
func (s *Status) SetRollbackOnly() { s.rollbackOnly = true }

// IsRollbackOnly reports local or global rollback-only.
func (s *Status) IsRollbackOnly() bool {
	return s.IsLocalRollbackOnly() || s.IsGlobalRollbackOnly()
}

// IsLocalRollbackOnly reports whether the caller asked for rollback.
func (s *Status) IsLocalRollbackOnly() bool { return s.rollbackOnly }

// IsGlobalRollbackOnly reports whether the underlying transaction was marked
// rollback-only outside this status.
func (s *Status) IsGlobalRollbackOnly() bool {
	if s.transaction == nil || s.caps == nil || s.caps.rollbackOnly == nil {
		return false
	}
	return s.caps.rollbackOnly.IsRollbackOnly(s.transaction)
}

func (s *Status) IsCompleted() bool { return s.completed }

// Outcome returns how the transaction completed. It is StatusUnknown until
// Commit or Rollback has run.
func (s *Status) Outcome() CompletionStatus { return s.outcome }

func (s *Status) setCompleted() { s.completed = true }

// --- Savepoints ---

// HasSavepoint reports whether this status holds a savepoint, i.e. it runs
// as a nested transaction.
func (s *Status) HasSavepoint() bool { return s.savepoint != nil }

// CreateSavepoint creates a savepoint in the underlying transaction.
func (s *Status) CreateSavepoint(ctx context.Context) (Savepoint, error) {
	spm, err := s.savepointManager()
	if err != nil {
		return nil, err
	}
	return spm.CreateSavepoint(ctx, s.transaction)
}

// RollbackToSavepoint rolls back to sp without releasing it.
func (s *Status) RollbackToSavepoint(ctx context.Context, sp Savepoint) error {
	spm, err := s.savepointManager()
	if err != nil {
		return err
	}
	return spm.RollbackToSavepoint(ctx, s.transaction, sp)
}

// ReleaseSavepoint releases sp.
func (s *Status) ReleaseSavepoint(ctx context.Context, sp Savepoint) error {
	spm, err := s.savepointManager()
	if err != nil {
		return err
	}
	return spm.ReleaseSavepoint(ctx, s.transaction, sp)
}

func (s *Status) createAndHoldSavepoint(ctx context.Context) error {
	sp, err := s.CreateSavepoint(ctx)
	if err != nil {
		return err
	}
	s.savepoint = sp
	return nil
}

// rollbackToHeldSavepoint keeps the savepoint held, so a later commit of the
// same status only releases it.
func (s *Status) rollbackToHeldSavepoint(ctx context.Context) error {
	if !s.HasSavepoint() {
		return NewUsage("no savepoint associated with current transaction")
	}
	return s.RollbackToSavepoint(ctx, s.savepoint)
}

func (s *Status) releaseHeldSavepoint(ctx context.Context) error {
	if !s.HasSavepoint() {
		return NewUsage("no savepoint associated with current transaction")
	}
	if err := s.ReleaseSavepoint(ctx, s.savepoint); err != nil {
		return err
	}
	s.savepoint = nil
	return nil
}

func (s *Status) savepointManager() (SavepointManager, error) {
	if s.transaction == nil {
		return nil, NewNestedTransactionNotSupported("no transaction available for savepoints")
	}
	if s.caps == nil || s.caps.savepoints == nil {
		return nil, NewNestedTransactionNotSupported("transaction adapter does not support savepoints")
	}
	return s.caps.savepoints, nil
}
