// Package tx coordinates transactions independently of the resource behind
// them. The Manager decides, per request, whether to begin, join, suspend or
// nest a transaction and runs the synchronization callbacks around commit
// and rollback. Resource specifics live behind the Adapter interface.
package tx

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"txcoord/pkg/logger"
)

const alreadyCompletedMsg = "transaction is already completed - do not call commit or rollback more than once per transaction"

// Manager runs the propagation and completion algorithm over an Adapter.
// A Manager is safe for concurrent use; all per-transaction state lives in
// the Registry carried by ctx and in the returned Status.
type Manager struct {
	adapter  Adapter
	caps     capabilities
	cfg      Config
	observer Observer
	tracer   trace.Tracer
}

// NewManager creates a manager for adapter. Optional adapter capabilities
// (savepoints, rollback-only reporting, nesting strategy) are resolved here.
func NewManager(adapter Adapter, cfg Config, opts ...Option) *Manager {
	m := &Manager{
		adapter:  adapter,
		caps:     resolveCapabilities(adapter),
		cfg:      cfg,
		observer: noopObserver{},
		tracer:   otel.Tracer("txcoord/tx"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Config returns the policy the manager was built with.
func (m *Manager) Config() Config { return m.cfg }

// GetTransaction returns a status for def according to its propagation
// behavior. A nil def means DefaultDefinition. ctx must carry a Registry
// (see WithRegistry).
func (m *Manager) GetTransaction(ctx context.Context, def *Definition) (*Status, error) {
	reg := RegistryFrom(ctx)
	if reg == nil {
		return nil, NewIllegalState("no transaction registry bound to context - use tx.WithRegistry")
	}

	d := DefaultDefinition()
	if def != nil {
		d = *def
	}
	if !d.Propagation.Valid() || !d.Isolation.Valid() {
		return nil, d.Validate()
	}

	ctx, span := m.tracer.Start(ctx, "tx.get_transaction",
		trace.WithAttributes(
			attribute.String("tx.propagation", d.Propagation.String()),
			attribute.String("tx.isolation", d.Isolation.String()),
			attribute.String("tx.name", d.Name),
		))
	defer span.End()

	status, err := m.getTransaction(ctx, reg, d)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Bool("tx.new", status.IsNewTransaction()))
	return status, nil
}

func (m *Manager) getTransaction(ctx context.Context, reg *Registry, d Definition) (*Status, error) {
	obj, err := m.adapter.GetTransaction(ctx)
	if err != nil {
		return nil, asTransactionError(err, func(err error) *Error {
			return NewCannotCreateTransaction("could not obtain transaction object", err)
		})
	}
	logger.Debug(ctx, "using transaction object", "object", fmt.Sprintf("%v", obj))

	existing, err := m.adapter.IsExistingTransaction(ctx, obj)
	if err != nil {
		return nil, asTransactionError(err, func(err error) *Error {
			return NewSystem("could not check for existing transaction", err)
		})
	}
	if existing {
		return m.handleExistingTransaction(ctx, reg, d, obj)
	}

	switch d.Propagation {
	case PropagationMandatory:
		return nil, NewIllegalState("transaction propagation 'mandatory' but no existing transaction found")

	case PropagationRequired, PropagationRequiresNew, PropagationNested:
		if err := checkTimeout(d); err != nil {
			return nil, err
		}
		logger.Debug(ctx, "creating new transaction", "name", d.Name, "definition", d.String())
		if err := m.begin(ctx, obj, d); err != nil {
			return nil, err
		}
		return m.newStatus(reg, d, obj, true, m.cfg.Synchronization != SyncNever, nil), nil

	default:
		// Empty transaction: no actual transaction, but potentially synchronization.
		return m.newStatus(reg, d, nil, false, m.cfg.Synchronization == SyncAlways, nil), nil
	}
}

func (m *Manager) handleExistingTransaction(ctx context.Context, reg *Registry, d Definition, obj Object) (*Status, error) {
	switch d.Propagation {
	case PropagationNever:
		return nil, NewIllegalState("transaction propagation 'never' but existing transaction found")

	case PropagationNotSupported:
		logger.Debug(ctx, "suspending current transaction")
		suspended, err := m.suspend(ctx, reg, obj)
		if err != nil {
			return nil, err
		}
		return m.newStatus(reg, d, nil, false, m.cfg.Synchronization == SyncAlways, suspended), nil

	case PropagationRequiresNew:
		if err := checkTimeout(d); err != nil {
			return nil, err
		}
		logger.Debug(ctx, "suspending current transaction, creating new transaction", "name", d.Name)
		suspended, err := m.suspend(ctx, reg, obj)
		if err != nil {
			return nil, err
		}
		if err := m.begin(ctx, obj, d); err != nil {
			if rErr := m.resume(ctx, reg, obj, suspended); rErr != nil {
				logger.Error(ctx, "begin error overridden by resume error", "error", err, "resume_error", rErr)
				return nil, rErr
			}
			return nil, err
		}
		return m.newStatus(reg, d, obj, true, m.cfg.Synchronization != SyncNever, suspended), nil

	case PropagationNested:
		if !m.cfg.NestedTransactionAllowed {
			return nil, NewNestedTransactionNotSupported("transaction manager does not allow nested transactions - " +
				"enable NestedTransactionAllowed in the manager config")
		}
		logger.Debug(ctx, "creating nested transaction", "name", d.Name)
		if m.caps.useSavepointForNested {
			// Savepoint inside the existing transaction; never activates synchronization.
			status := m.newStatus(reg, d, obj, false, false, nil)
			if err := status.createAndHoldSavepoint(ctx); err != nil {
				return nil, asTransactionError(err, func(err error) *Error {
					return NewCannotCreateTransaction("could not create savepoint", err)
				})
			}
			return status, nil
		}
		if err := checkTimeout(d); err != nil {
			return nil, err
		}
		if err := m.begin(ctx, obj, d); err != nil {
			return nil, err
		}
		return m.newStatus(reg, d, obj, true, m.cfg.Synchronization != SyncNever, nil), nil

	default:
		logger.Debug(ctx, "participating in existing transaction", "propagation", d.Propagation.String())
		return m.newStatus(reg, d, obj, false, m.cfg.Synchronization == SyncAlways, nil), nil
	}
}

func checkTimeout(d Definition) error {
	if d.Timeout < TimeoutDefault {
		return NewInvalidTimeout(d.Timeout)
	}
	return nil
}

func (m *Manager) begin(ctx context.Context, obj Object, d Definition) error {
	if err := m.adapter.Begin(ctx, obj, d); err != nil {
		return asTransactionError(err, func(err error) *Error {
			return NewCannotCreateTransaction("could not begin transaction", err)
		})
	}
	m.observer.TransactionBegun(ctx, d)
	return nil
}

func (m *Manager) newStatus(reg *Registry, d Definition, obj Object, newTransaction, newSynchronization bool, suspended *SuspendedResources) *Status {
	actualNewSynchronization := newSynchronization && !reg.IsSynchronizationActive()
	if actualNewSynchronization {
		if newTransaction {
			reg.SetActualTransactionActive(true)
		}
		reg.SetCurrentTransactionReadOnly(d.ReadOnly)
		reg.SetCurrentTransactionName(d.Name)
		// Cannot fail: checked inactive above.
		_ = reg.InitSynchronization()
	}

	return &Status{
		id:                 uuid.New(),
		definition:         d,
		startedAt:          time.Now(),
		transaction:        obj,
		newTransaction:     newTransaction,
		newSynchronization: actualNewSynchronization,
		readOnly:           d.ReadOnly,
		outcome:            StatusUnknown,
		suspended:          suspended,
		registry:           reg,
		caps:               &m.caps,
	}
}

// --- Suspend / resume ---

func (m *Manager) suspend(ctx context.Context, reg *Registry, obj Object) (*SuspendedResources, error) {
	handle, err := m.adapter.Suspend(ctx, obj)
	if err != nil {
		return nil, asTransactionError(err, func(err error) *Error {
			return NewSystem("could not suspend transaction", err)
		})
	}

	if !reg.IsSynchronizationActive() {
		return &SuspendedResources{handle: handle}, nil
	}

	synchronizations := reg.Synchronizations()
	for _, s := range synchronizations {
		s.Suspend(ctx)
	}
	snapshot := &registrySnapshot{
		synchronizations: synchronizations,
		name:             reg.CurrentTransactionName(),
		readOnly:         reg.IsCurrentTransactionReadOnly(),
		actualActive:     reg.IsActualTransactionActive(),
	}
	_ = reg.ClearSynchronization()
	reg.SetCurrentTransactionName("")
	reg.SetCurrentTransactionReadOnly(false)
	reg.SetActualTransactionActive(false)

	return &SuspendedResources{handle: handle, snapshot: snapshot}, nil
}

func (m *Manager) resume(ctx context.Context, reg *Registry, obj Object, suspended *SuspendedResources) error {
	if snap := suspended.snapshot; snap != nil {
		reg.SetActualTransactionActive(snap.actualActive)
		reg.SetCurrentTransactionReadOnly(snap.readOnly)
		reg.SetCurrentTransactionName(snap.name)
		if err := reg.InitSynchronization(); err != nil {
			return err
		}
		for _, s := range snap.synchronizations {
			s.Resume(ctx)
			_ = reg.RegisterSynchronization(s)
		}
	}

	if err := m.adapter.Resume(ctx, obj, suspended.handle); err != nil {
		return asTransactionError(err, func(err error) *Error {
			return NewSystem("could not resume transaction", err)
		})
	}
	return nil
}

// --- Commit ---

// Commit completes status. A status marked rollback-only is rolled back
// instead; if the rollback-only mark came from the transaction itself rather
// than from SetRollbackOnly, the result is ErrUnexpectedRollback.
func (m *Manager) Commit(ctx context.Context, status *Status) (err error) {
	if status == nil {
		return NewUsage("status must not be nil")
	}
	if status.IsCompleted() {
		return NewIllegalState(alreadyCompletedMsg)
	}

	ctx, span := m.startCompletionSpan(ctx, "tx.commit", status)
	defer func() {
		endSpan(span, err)
	}()

	if status.IsLocalRollbackOnly() {
		logger.Debug(ctx, "transactional code has requested rollback", "tx_id", status.ID())
		return m.processRollback(ctx, status)
	}
	if status.IsGlobalRollbackOnly() && !m.caps.commitOnGlobalRollback {
		logger.Debug(ctx, "global transaction is marked as rollback-only but transactional code requested commit",
			"tx_id", status.ID())
		if err := m.processRollback(ctx, status); err != nil {
			return err
		}
		return NewUnexpectedRollback("transaction rolled back because it has been marked as rollback-only")
	}

	return m.processCommit(ctx, status)
}

func (m *Manager) processCommit(ctx context.Context, status *Status) (err error) {
	defer func() {
		if cErr := m.cleanupAfterCompletion(ctx, status); cErr != nil {
			if err == nil {
				err = cErr
			} else {
				logger.Error(ctx, "cleanup after commit failed", "error", cErr, "commit_error", err)
			}
		}
	}()

	beforeCompletionInvoked := false
	// compensating is set once a failure handler owns the rollback, so a
	// panic inside it is not compensated twice.
	compensating := false
	defer func() {
		if r := recover(); r != nil {
			if compensating {
				m.triggerAfterCompletion(ctx, status, StatusUnknown, fmt.Errorf("panic during compensation: %v", r))
				panic(r)
			}
			cause := fmt.Errorf("panic during commit: %v", r)
			if !beforeCompletionInvoked {
				if bcErr := m.triggerBeforeCompletion(ctx, status); bcErr != nil {
					logger.Error(ctx, "beforeCompletion failed after panic", "error", bcErr, "panic", r)
				}
			}
			if rbErr := m.rollbackOnCommitException(ctx, status, cause); rbErr != nil {
				logger.Error(ctx, "rollback after panic failed", "error", rbErr, "panic", r)
			}
			panic(r)
		}
	}()

	if err := m.triggerBeforeCommit(ctx, status); err != nil {
		compensating = true
		return m.commitCallbackFailed(ctx, status, err, false)
	}
	if err := m.triggerBeforeCompletion(ctx, status); err != nil {
		compensating = true
		return m.commitCallbackFailed(ctx, status, err, true)
	}
	beforeCompletionInvoked = true

	switch {
	case status.HasSavepoint():
		logger.Debug(ctx, "releasing transaction savepoint", "tx_id", status.ID())
		err = status.releaseHeldSavepoint(ctx)
	case status.IsNewTransaction():
		logger.Debug(ctx, "initiating transaction commit", "tx_id", status.ID())
		err = m.adapter.Commit(ctx, status)
	}
	if err != nil {
		compensating = true
		return m.commitFailed(ctx, status, err)
	}

	m.triggerAfterCompletion(ctx, status, StatusCommitted, nil)
	return nil
}

// commitCallbackFailed handles a synchronization error before the physical
// commit: the transaction is rolled back and the callback error wins unless
// the rollback itself fails.
func (m *Manager) commitCallbackFailed(ctx context.Context, status *Status, cause error, beforeCompletionRan bool) error {
	if !beforeCompletionRan {
		if bcErr := m.triggerBeforeCompletion(ctx, status); bcErr != nil {
			logger.Error(ctx, "commit error overridden by synchronization error", "error", cause)
			cause = bcErr
		}
	}
	if rbErr := m.rollbackOnCommitException(ctx, status, cause); rbErr != nil {
		return rbErr
	}
	return cause
}

// commitFailed handles an error from the adapter's commit or savepoint release.
func (m *Manager) commitFailed(ctx context.Context, status *Status, err error) error {
	if errors.Is(err, ErrUnexpectedRollback) {
		m.triggerAfterCompletion(ctx, status, StatusRolledBack, err)
		return err
	}

	txErr := asTransactionError(err, func(err error) *Error {
		return NewSystem("could not commit transaction", err)
	})
	if m.cfg.RollbackOnCommitFailure {
		if rbErr := m.rollbackOnCommitException(ctx, status, txErr); rbErr != nil {
			return rbErr
		}
	} else {
		m.triggerAfterCompletion(ctx, status, StatusUnknown, txErr)
	}
	return txErr
}

// rollbackOnCommitException compensates a failed commit. It returns the
// rollback error, which then replaces the commit error; cause is only logged.
func (m *Manager) rollbackOnCommitException(ctx context.Context, status *Status, cause error) error {
	var err error
	switch {
	case status.HasSavepoint():
		logger.Debug(ctx, "rolling back to savepoint on commit exception", "error", cause)
		err = status.rollbackToHeldSavepoint(ctx)
	case status.IsNewTransaction():
		logger.Debug(ctx, "initiating transaction rollback on commit exception", "error", cause)
		err = m.adapter.Rollback(ctx, status)
	case status.HasTransaction():
		logger.Debug(ctx, "marking existing transaction rollback-only after commit exception", "error", cause)
		err = m.adapter.SetRollbackOnly(ctx, status)
	}
	if err != nil {
		rbErr := asTransactionError(err, func(err error) *Error {
			return NewSystem("could not roll back transaction after commit failure", err)
		})
		logger.Error(ctx, "commit exception overridden by rollback exception", "error", cause, "rollback_error", rbErr)
		m.triggerAfterCompletion(ctx, status, StatusUnknown, rbErr)
		return rbErr
	}
	m.triggerAfterCompletion(ctx, status, StatusRolledBack, cause)
	return nil
}

// --- Rollback ---

// Rollback rolls status back: to its savepoint if nested, physically if it
// began the transaction, or by marking the existing transaction rollback-only
// if it only participates.
func (m *Manager) Rollback(ctx context.Context, status *Status) (err error) {
	if status == nil {
		return NewUsage("status must not be nil")
	}
	if status.IsCompleted() {
		return NewIllegalState(alreadyCompletedMsg)
	}

	ctx, span := m.startCompletionSpan(ctx, "tx.rollback", status)
	defer func() {
		endSpan(span, err)
	}()

	return m.processRollback(ctx, status)
}

func (m *Manager) processRollback(ctx context.Context, status *Status) (err error) {
	defer func() {
		if cErr := m.cleanupAfterCompletion(ctx, status); cErr != nil {
			if err == nil {
				err = cErr
			} else {
				logger.Error(ctx, "cleanup after rollback failed", "error", cErr, "rollback_error", err)
			}
		}
	}()

	rollbackAttempted := false
	defer func() {
		if r := recover(); r != nil {
			outcome := StatusUnknown
			if !rollbackAttempted {
				// A callback panicked before the physical rollback ran.
				rollbackAttempted = true
				if rbErr := m.rollbackResource(ctx, status); rbErr != nil {
					logger.Error(ctx, "rollback after panic failed", "error", rbErr, "panic", r)
				} else {
					outcome = StatusRolledBack
				}
			}
			m.triggerAfterCompletion(ctx, status, outcome, fmt.Errorf("panic during rollback: %v", r))
			panic(r)
		}
	}()

	// A failing beforeCompletion does not stop the rollback; its error is
	// returned afterwards.
	bcErr := m.triggerBeforeCompletion(ctx, status)

	rollbackAttempted = true
	rbErr := m.rollbackResource(ctx, status)
	if rbErr != nil {
		rbErr = asTransactionError(rbErr, func(err error) *Error {
			return NewSystem("could not roll back transaction", err)
		})
	}

	switch {
	case bcErr != nil && rbErr != nil:
		logger.Error(ctx, "rollback exception overridden by synchronization exception", "error", rbErr)
		m.triggerAfterCompletion(ctx, status, StatusUnknown, rbErr)
		return bcErr
	case bcErr != nil:
		m.triggerAfterCompletion(ctx, status, StatusRolledBack, bcErr)
		return bcErr
	case rbErr != nil:
		m.triggerAfterCompletion(ctx, status, StatusUnknown, rbErr)
		return rbErr
	}

	m.triggerAfterCompletion(ctx, status, StatusRolledBack, nil)
	return nil
}

// rollbackResource performs the physical part of a rollback.
func (m *Manager) rollbackResource(ctx context.Context, status *Status) error {
	switch {
	case status.HasSavepoint():
		logger.Debug(ctx, "rolling back transaction to savepoint", "tx_id", status.ID())
		return status.rollbackToHeldSavepoint(ctx)
	case status.IsNewTransaction():
		logger.Debug(ctx, "initiating transaction rollback", "tx_id", status.ID())
		return m.adapter.Rollback(ctx, status)
	case status.HasTransaction():
		logger.Debug(ctx, "setting existing transaction rollback-only", "tx_id", status.ID())
		return m.adapter.SetRollbackOnly(ctx, status)
	default:
		logger.Warn(ctx, "should roll back transaction but cannot - no transaction available", "tx_id", status.ID())
		return nil
	}
}

// --- Synchronization triggers ---

func (m *Manager) triggerBeforeCommit(ctx context.Context, status *Status) error {
	if !status.newSynchronization {
		return nil
	}
	logger.Debug(ctx, "triggering beforeCommit synchronization")
	for _, s := range status.registry.Synchronizations() {
		if err := s.BeforeCommit(ctx, status.readOnly); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) triggerBeforeCompletion(ctx context.Context, status *Status) error {
	if !status.newSynchronization {
		return nil
	}
	logger.Debug(ctx, "triggering beforeCompletion synchronization")
	for _, s := range status.registry.Synchronizations() {
		if err := s.BeforeCompletion(ctx); err != nil {
			return err
		}
	}
	return nil
}

// triggerAfterCompletion records the outcome and runs AfterCompletion on every
// callback. Callback failures are logged and never change the outcome.
func (m *Manager) triggerAfterCompletion(ctx context.Context, status *Status, outcome CompletionStatus, cause error) {
	status.outcome = outcome
	if !status.newSynchronization {
		return
	}
	logger.Debug(ctx, "triggering afterCompletion synchronization", "outcome", outcome.String(), "cause", cause)
	for _, s := range status.registry.Synchronizations() {
		invokeAfterCompletion(ctx, s, outcome)
	}
}

func invokeAfterCompletion(ctx context.Context, s Synchronization, outcome CompletionStatus) {
	defer func() {
		if r := recover(); r != nil {
			logger.Warn(ctx, "afterCompletion synchronization panicked", "panic", r)
		}
	}()
	if err := s.AfterCompletion(ctx, outcome); err != nil {
		logger.Warn(ctx, "afterCompletion synchronization failed", "error", err)
	}
}

// --- Cleanup ---

func (m *Manager) cleanupAfterCompletion(ctx context.Context, status *Status) error {
	status.setCompleted()

	if status.newSynchronization {
		reg := status.registry
		if reg.IsSynchronizationActive() {
			_ = reg.ClearSynchronization()
		}
		reg.SetCurrentTransactionName("")
		reg.SetCurrentTransactionReadOnly(false)
		if status.IsNewTransaction() {
			reg.SetActualTransactionActive(false)
		}
	}

	if status.IsNewTransaction() {
		m.cleanupTransaction(ctx, status.transaction)
		m.observer.TransactionCompleted(ctx, status, status.outcome)
	}

	if status.suspended != nil {
		logger.Debug(ctx, "resuming suspended transaction", "name", status.suspended.SuspendedName())
		return m.resume(ctx, status.registry, status.transaction, status.suspended)
	}
	return nil
}

func (m *Manager) cleanupTransaction(ctx context.Context, obj Object) {
	defer func() {
		if r := recover(); r != nil {
			logger.Warn(ctx, "transaction cleanup panicked", "panic", r)
		}
	}()
	m.adapter.CleanupAfterCompletion(ctx, obj)
}

// --- Helpers ---

// asTransactionError keeps *Error values and wraps anything else with wrap.
func asTransactionError(err error, wrap func(error) *Error) error {
	if IsTransactionError(err) {
		return err
	}
	return wrap(err)
}

func (m *Manager) startCompletionSpan(ctx context.Context, name string, status *Status) (context.Context, trace.Span) {
	return m.tracer.Start(ctx, name,
		trace.WithAttributes(
			attribute.String("tx.id", status.ID()),
			attribute.String("tx.name", status.definition.Name),
			attribute.Bool("tx.new", status.IsNewTransaction()),
			attribute.Bool("tx.savepoint", status.HasSavepoint()),
		))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
