package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"txcoord/internal/core/tx"
	"txcoord/pkg/logger"
)

// Compile-time checks for the capabilities the manager looks for.
var (
	_ tx.Adapter              = (*TxAdapter)(nil)
	_ tx.SavepointManager     = (*TxAdapter)(nil)
	_ tx.RollbackOnlyReporter = (*TxAdapter)(nil)
)

// Querier is satisfied by pgx.Tx, *pgxpool.Pool and *pgx.Conn.
// Repositories take a Querier so they work inside and outside transactions.
type Querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// DB is what the adapter begins transactions on. *pgxpool.Pool satisfies it.
type DB interface {
	Querier
	BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error)
}

// TxOptions configures adapter-wide transaction behavior.
type TxOptions struct {
	// StatementTimeout applies when the definition leaves the timeout at
	// tx.TimeoutDefault. Zero disables it.
	StatementTimeout time.Duration

	// DefaultIsolation is used for tx.IsolationDefault. Empty means the
	// server default.
	DefaultIsolation pgx.TxIsoLevel
}

// DefaultTxOptions returns production-safe defaults.
func DefaultTxOptions() TxOptions {
	return TxOptions{
		StatementTimeout: 30 * time.Second,
		DefaultIsolation: pgx.ReadCommitted,
	}
}

// connHolder is bound into the registry while a transaction is active.
type connHolder struct {
	tx           pgx.Tx
	rollbackOnly bool
	closed       bool // Commit or Rollback was issued
	startedAt    time.Time
}

// txObject is the adapter's per-request transaction object.
type txObject struct {
	holder    *connHolder
	newHolder bool
}

func (o *txObject) String() string {
	if o.holder == nil {
		return "pgx(none)"
	}
	return fmt.Sprintf("pgx(%p)", o.holder.tx)
}

// holderKey scopes the bound holder to one DB, so several adapters can share
// a registry.
type holderKey struct {
	db DB
}

// TxAdapter drives pgx transactions on behalf of tx.Manager.
type TxAdapter struct {
	tx.BaseAdapter

	db   DB
	key  holderKey
	opts TxOptions
}

// NewTxAdapter creates an adapter for pool.
func NewTxAdapter(pool *Pool, opts TxOptions) *TxAdapter {
	return NewTxAdapterFromDB(pool.Pool, opts)
}

// NewTxAdapterFromDB creates an adapter for any DB, e.g. a raw *pgxpool.Pool.
func NewTxAdapterFromDB(db DB, opts TxOptions) *TxAdapter {
	return &TxAdapter{
		BaseAdapter: tx.BaseAdapter{Name: "pgx"},
		db:          db,
		key:         holderKey{db: db},
		opts:        opts,
	}
}

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

func (a *TxAdapter) Begin(ctx context.Context, obj tx.Object, def tx.Definition) error {
	o := obj.(*txObject)

	pgxTx, err := a.db.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   a.isoLevel(def.Isolation),
		AccessMode: accessMode(def.ReadOnly),
	})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	// Statement timeout protects against runaway queries.
	if timeout, ok := a.statementTimeout(def); ok {
		_, err = pgxTx.Exec(ctx, fmt.Sprintf("SET LOCAL statement_timeout = '%dms'", timeout.Milliseconds()))
		if err != nil {
			_ = pgxTx.Rollback(context.WithoutCancel(ctx))
			return fmt.Errorf("set statement_timeout: %w", err)
		}
	}

	holder := &connHolder{tx: pgxTx, startedAt: time.Now()}
	if err := tx.MustRegistry(ctx).BindResource(a.key, holder); err != nil {
		_ = pgxTx.Rollback(context.WithoutCancel(ctx))
		return err
	}
	o.holder = holder
	o.newHolder = true
	return nil
}

func (a *TxAdapter) Suspend(ctx context.Context, obj tx.Object) (any, error) {
	o := obj.(*txObject)
	o.holder = nil
	return tx.MustRegistry(ctx).UnbindResource(a.key)
}

func (a *TxAdapter) Resume(ctx context.Context, _ tx.Object, suspended any) error {
	return tx.MustRegistry(ctx).BindResource(a.key, suspended)
}

func (a *TxAdapter) Commit(ctx context.Context, status *tx.Status) error {
	o := status.Transaction().(*txObject)
	err := o.holder.tx.Commit(ctx)
	// pgx closes the transaction whatever the commit result.
	o.holder.closed = true
	if errors.Is(err, pgx.ErrTxCommitRollback) {
		// The server rolled back a transaction that failed earlier.
		return tx.NewUnexpectedRollback("transaction was aborted by the database and has been rolled back")
	}
	if err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (a *TxAdapter) Rollback(ctx context.Context, status *tx.Status) error {
	o := status.Transaction().(*txObject)
	// Rollback must complete even if the caller's ctx was cancelled.
	if err := o.holder.tx.Rollback(context.WithoutCancel(ctx)); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return fmt.Errorf("rollback transaction: %w", err)
	}
	o.holder.closed = true
	return nil
}

func (a *TxAdapter) SetRollbackOnly(ctx context.Context, status *tx.Status) error {
	o := status.Transaction().(*txObject)
	logger.Debug(ctx, "marking pgx transaction rollback-only", "tx_id", status.ID())
	o.holder.rollbackOnly = true
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
	// A transaction still open here was abandoned mid-completion; end it
	// before the connection goes back to the pool.
	if !o.holder.closed && o.holder.tx != nil {
		if err := o.holder.tx.Rollback(context.WithoutCancel(ctx)); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
			logger.Warn(ctx, "rollback of abandoned pgx transaction failed", "error", err)
		}
		o.holder.closed = true
	}
	logger.Debug(ctx, "released pgx transaction", "duration", time.Since(o.holder.startedAt))
	o.holder.tx = nil
}

// --- Savepoints ---

// savepoint remembers the holder's rollback-only mark at creation, so rolling
// back to it drops only marks set inside the nested scope.
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
	if _, err := o.holder.tx.Exec(ctx, "SAVEPOINT "+sp.name); err != nil {
		return nil, fmt.Errorf("create savepoint: %w", err)
	}
	return sp, nil
}

func (a *TxAdapter) RollbackToSavepoint(ctx context.Context, obj tx.Object, handle tx.Savepoint) error {
	o := obj.(*txObject)
	sp := handle.(*savepoint)
	if _, err := o.holder.tx.Exec(ctx, "ROLLBACK TO SAVEPOINT "+sp.name); err != nil {
		return fmt.Errorf("rollback to savepoint: %w", err)
	}
	o.holder.rollbackOnly = sp.rollbackOnly
	return nil
}

func (a *TxAdapter) ReleaseSavepoint(ctx context.Context, obj tx.Object, handle tx.Savepoint) error {
	o := obj.(*txObject)
	if _, err := o.holder.tx.Exec(ctx, "RELEASE SAVEPOINT "+handle.(*savepoint).name); err != nil {
		return fmt.Errorf("release savepoint: %w", err)
	}
	return nil
}

// --- Queries ---

// GetTx returns the transaction bound to ctx, or nil if none.
func (a *TxAdapter) GetTx(ctx context.Context) pgx.Tx {
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
func (a *TxAdapter) GetQuerier(ctx context.Context) Querier {
	if t := a.GetTx(ctx); t != nil {
		return t
	}
	return a.db
}

func (a *TxAdapter) isoLevel(i tx.Isolation) pgx.TxIsoLevel {
	switch i {
	case tx.IsolationReadUncommitted:
		return pgx.ReadUncommitted
	case tx.IsolationReadCommitted:
		return pgx.ReadCommitted
	case tx.IsolationRepeatableRead:
		return pgx.RepeatableRead
	case tx.IsolationSerializable:
		return pgx.Serializable
	default:
		return a.opts.DefaultIsolation
	}
}

func accessMode(readOnly bool) pgx.TxAccessMode {
	if readOnly {
		return pgx.ReadOnly
	}
	return pgx.ReadWrite
}

func (a *TxAdapter) statementTimeout(def tx.Definition) (time.Duration, bool) {
	if def.Timeout == tx.TimeoutDefault {
		return a.opts.StatementTimeout, a.opts.StatementTimeout > 0
	}
	return time.Duration(def.Timeout) * time.Second, true
}
