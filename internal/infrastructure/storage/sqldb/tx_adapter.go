// Package sqldb adapts database/sql drivers to tx.Manager through sqlx.
// Any driver works as long as it understands SAVEPOINT, ROLLBACK TO
// SAVEPOINT and RELEASE SAVEPOINT for nested transactions.
package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"txcoord/internal/core/tx"
	"txcoord/pkg/logger"
)

var (
	_ tx.Adapter              = (*TxAdapter)(nil)
	_ tx.SavepointManager     = (*TxAdapter)(nil)
	_ tx.RollbackOnlyReporter = (*TxAdapter)(nil)
)

// TxOptions configures adapter-wide transaction behavior.
type TxOptions struct {
	// DefaultTimeout bounds transactions whose definition keeps
	// tx.TimeoutDefault. Zero means no deadline.
	DefaultTimeout time.Duration

	// ReadOnlyUnsupported drops the read-only hint for drivers that reject it.
	ReadOnlyUnsupported bool
}

// connHolder is bound into the registry while a transaction is active.
type connHolder struct {
	tx           *sqlx.Tx
	cancel       context.CancelFunc
	rollbackOnly bool
	startedAt    time.Time
}

type txObject struct {
	holder    *connHolder
	newHolder bool
}

func (o *txObject) String() string {
	if o.holder == nil {
		return "sql(none)"
	}
	return fmt.Sprintf("sql(%p)", o.holder.tx)
}

type holderKey struct {
	db *sqlx.DB
}

// TxAdapter drives database/sql transactions on behalf of tx.Manager.
type TxAdapter struct {
	tx.BaseAdapter

	db   *sqlx.DB
	key  holderKey
	opts TxOptions
}

// NewTxAdapter creates an adapter for db.
func NewTxAdapter(db *sqlx.DB, opts TxOptions) *TxAdapter {
	return &TxAdapter{
		BaseAdapter: tx.BaseAdapter{Name: "sql/" + db.DriverName()},
		db:          db,
		key:         holderKey{db: db},
		opts:        opts,
	}
}

// DB returns the underlying pool.
func (a *TxAdapter) DB() *sqlx.DB { return a.db }

func (a *TxAdapter) GetTransaction(ctx context.Context) (tx.Object, error) {
	reg := tx.RegistryFrom(ctx)
	if reg == nil {
		return nil, tx.NewIllegalState("no transaction registry bound to context")
	}
	obj := &txObject{}
	if h, ok := reg.GetResource(a.key).(*connHolder); ok {
		obj.holder = h
	}
	return obj, nil
}

func (a *TxAdapter) IsExistingTransaction(_ context.Context, obj tx.Object) (bool, error) {
	o := obj.(*txObject)
	return o.holder != nil && o.holder.tx != nil, nil
}

// Begin starts a transaction. The definition timeout becomes a deadline on
// the transaction's context; database/sql rolls back once it expires.
func (a *TxAdapter) Begin(ctx context.Context, obj tx.Object, def tx.Definition) error {
	o := obj.(*txObject)

	txCtx, cancel := ctx, context.CancelFunc(func() {})
	if timeout, ok := a.timeout(def); ok {
		txCtx, cancel = context.WithTimeout(ctx, timeout)
	}

	sqlTx, err := a.db.BeginTxx(txCtx, &sql.TxOptions{
		Isolation: isolationLevel(def.Isolation),
		ReadOnly:  def.ReadOnly && !a.opts.ReadOnlyUnsupported,
	})
	if err != nil {
		cancel()
		return fmt.Errorf("begin transaction: %w", err)
	}

	holder := &connHolder{tx: sqlTx, cancel: cancel, startedAt: time.Now()}
	if err := tx.MustRegistry(ctx).BindResource(a.key, holder); err != nil {
		_ = sqlTx.Rollback()
		cancel()
		return err
	}
	o.holder = holder
	o.newHolder = true
	return nil
}

func (a *TxAdapter) Suspend(ctx context.Context, obj tx.Object) (any, error) {
	obj.(*txObject).holder = nil
	return tx.MustRegistry(ctx).UnbindResource(a.key)
}

func (a *TxAdapter) Resume(ctx context.Context, _ tx.Object, suspended any) error {
	return tx.MustRegistry(ctx).BindResource(a.key, suspended)
}

func (a *TxAdapter) Commit(_ context.Context, status *tx.Status) error {
	o := status.Transaction().(*txObject)
	err := o.holder.tx.Commit()
	if errors.Is(err, sql.ErrTxDone) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		// database/sql rolls back once the transaction context is done.
		return tx.NewUnexpectedRollback("transaction was already rolled back by the driver")
	}
	if err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (a *TxAdapter) Rollback(_ context.Context, status *tx.Status) error {
	o := status.Transaction().(*txObject)
	if err := o.holder.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("rollback transaction: %w", err)
	}
	return nil
}

func (a *TxAdapter) SetRollbackOnly(_ context.Context, status *tx.Status) error {
	status.Transaction().(*txObject).holder.rollbackOnly = true
	return nil
}

func (a *TxAdapter) IsRollbackOnly(obj tx.Object) bool {
	o := obj.(*txObject)
	return o.holder != nil && o.holder.rollbackOnly
}

func (a *TxAdapter) CleanupAfterCompletion(ctx context.Context, obj tx.Object) {
	o := obj.(*txObject)
	if !o.newHolder || o.holder == nil {
		return
	}
	reg := tx.MustRegistry(ctx)
	if reg.GetResource(a.key) == o.holder {
		_, _ = reg.UnbindResource(a.key)
	}
	// Ends a transaction abandoned mid-completion; after Commit or Rollback
	// this is ErrTxDone.
	if o.holder.tx != nil {
		if err := o.holder.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			logger.Warn(ctx, "rollback of abandoned sql transaction failed", "error", err)
		}
	}
	o.holder.cancel()
	logger.Debug(ctx, "released sql transaction",
		"driver", a.db.DriverName(),
		"duration", time.Since(o.holder.startedAt))
	o.holder.tx = nil
}

// --- Savepoints ---

// savepoint carries the rollback-only mark the holder had when it was set.
type savepoint struct {
	name         string
	rollbackOnly bool
}

func (a *TxAdapter) CreateSavepoint(ctx context.Context, obj tx.Object) (tx.Savepoint, error) {
	o := obj.(*txObject)
	sp := &savepoint{
		name:         "sp_" + strings.ReplaceAll(uuid.NewString(), "-", ""),
		rollbackOnly: o.holder.rollbackOnly,
	}
	if _, err := o.holder.tx.ExecContext(ctx, "SAVEPOINT "+sp.name); err != nil {
		return nil, fmt.Errorf("create savepoint: %w", err)
	}
	return sp, nil
}

func (a *TxAdapter) RollbackToSavepoint(ctx context.Context, obj tx.Object, handle tx.Savepoint) error {
	o := obj.(*txObject)
	sp := handle.(*savepoint)
	if _, err := o.holder.tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+sp.name); err != nil {
		return fmt.Errorf("rollback to savepoint: %w", err)
	}
	o.holder.rollbackOnly = sp.rollbackOnly
	return nil
}

func (a *TxAdapter) ReleaseSavepoint(ctx context.Context, obj tx.Object, handle tx.Savepoint) error {
	o := obj.(*txObject)
	if _, err := o.holder.tx.ExecContext(ctx, "RELEASE SAVEPOINT "+handle.(*savepoint).name); err != nil {
		return fmt.Errorf("release savepoint: %w", err)
	}
	return nil
}

// --- Queries ---

// GetTx returns the transaction bound to ctx, or nil.
func (a *TxAdapter) GetTx(ctx context.Context) *sqlx.Tx {
	reg := tx.RegistryFrom(ctx)
	if reg == nil {
		return nil
	}
	if h, ok := reg.GetResource(a.key).(*connHolder); ok && h.tx != nil {
		return h.tx
	}
	return nil
}

// GetQuerier returns the bound transaction, or the pool outside transactions.
func (a *TxAdapter) GetQuerier(ctx context.Context) sqlx.ExtContext {
	if t := a.GetTx(ctx); t != nil {
		return t
	}
	return a.db
}

func isolationLevel(i tx.Isolation) sql.IsolationLevel {
	switch i {
	case tx.IsolationReadUncommitted:
		return sql.LevelReadUncommitted
	case tx.IsolationReadCommitted:
		return sql.LevelReadCommitted
	case tx.IsolationRepeatableRead:
		return sql.LevelRepeatableRead
	case tx.IsolationSerializable:
		return sql.LevelSerializable
	default:
		return sql.LevelDefault
	}
}

func (a *TxAdapter) timeout(def tx.Definition) (time.Duration, bool) {
	if def.Timeout == tx.TimeoutDefault {
		return a.opts.DefaultTimeout, a.opts.DefaultTimeout > 0
	}
	if def.Timeout == 0 {
		return 0, false
	}
	return time.Duration(def.Timeout) * time.Second, true
}
