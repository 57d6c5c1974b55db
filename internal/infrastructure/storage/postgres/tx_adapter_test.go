package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"txcoord/internal/core/tx"
)

// fakeTx implements the parts of pgx.Tx the adapter uses.
type fakeTx struct {
	pgx.Tx

	id        int
	log       *[]string
	commitErr error
	execErr   error
}

func (t *fakeTx) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	if strings.HasPrefix(sql, "SAVEPOINT ") {
		*t.log = append(*t.log, fmt.Sprintf("tx%d: SAVEPOINT", t.id))
	} else if strings.HasPrefix(sql, "ROLLBACK TO SAVEPOINT ") {
		*t.log = append(*t.log, fmt.Sprintf("tx%d: ROLLBACK TO SAVEPOINT", t.id))
	} else if strings.HasPrefix(sql, "RELEASE SAVEPOINT ") {
		*t.log = append(*t.log, fmt.Sprintf("tx%d: RELEASE SAVEPOINT", t.id))
	} else {
		*t.log = append(*t.log, fmt.Sprintf("tx%d: %s", t.id, sql))
	}
	return pgconn.NewCommandTag("OK"), t.execErr
}

func (t *fakeTx) SendBatch(_ context.Context, b *pgx.Batch) pgx.BatchResults {
	for _, q := range b.QueuedQueries {
		*t.log = append(*t.log, fmt.Sprintf("tx%d: %s", t.id, q.SQL))
	}
	return &fakeBatchResults{n: len(b.QueuedQueries), err: t.execErr}
}

type fakeBatchResults struct {
	pgx.BatchResults

	n   int
	err error
}

func (r *fakeBatchResults) Exec() (pgconn.CommandTag, error) {
	if r.n == 0 {
		return pgconn.CommandTag{}, errors.New("no more results")
	}
	r.n--
	return pgconn.NewCommandTag("INSERT 0 1"), r.err
}

func (r *fakeBatchResults) Close() error { return nil }

func (t *fakeTx) Commit(context.Context) error {
	*t.log = append(*t.log, fmt.Sprintf("tx%d: COMMIT", t.id))
	return t.commitErr
}

func (t *fakeTx) Rollback(context.Context) error {
	*t.log = append(*t.log, fmt.Sprintf("tx%d: ROLLBACK", t.id))
	return nil
}

// fakeDB hands out fakeTx values and records the options they were begun with.
type fakeDB struct {
	log     []string
	txs     []*fakeTx
	options []pgx.TxOptions

	beginErr  error
	commitErr error
	execErr   error
}

func (db *fakeDB) BeginTx(_ context.Context, opts pgx.TxOptions) (pgx.Tx, error) {
	if db.beginErr != nil {
		return nil, db.beginErr
	}
	t := &fakeTx{id: len(db.txs) + 1, log: &db.log, commitErr: db.commitErr, execErr: db.execErr}
	db.txs = append(db.txs, t)
	db.options = append(db.options, opts)
	db.log = append(db.log, fmt.Sprintf("tx%d: BEGIN", t.id))
	return t, nil
}

func (db *fakeDB) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.NewCommandTag("OK"), nil
}

func (db *fakeDB) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errors.New("not implemented")
}

func (db *fakeDB) QueryRow(context.Context, string, ...any) pgx.Row {
	return nil
}

func newTestAdapter(opts TxOptions, cfg tx.Config) (*fakeDB, *TxAdapter, *tx.Manager, context.Context) {
	db := &fakeDB{}
	adapter := NewTxAdapterFromDB(db, opts)
	return db, adapter, tx.NewManager(adapter, cfg), tx.WithRegistry(context.Background())
}

func TestTxAdapter_BeginCommit(t *testing.T) {
	db, adapter, m, ctx := newTestAdapter(DefaultTxOptions(), tx.DefaultConfig())

	assert.Same(t, db, adapter.GetQuerier(ctx), "outside a transaction the pool is used")

	def := tx.DefaultDefinition()
	def.ReadOnly = true
	status, err := m.GetTransaction(ctx, &def)
	require.NoError(t, err)

	require.Len(t, db.txs, 1)
	assert.Same(t, db.txs[0], adapter.GetQuerier(ctx))
	assert.Equal(t, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadOnly}, db.options[0])

	require.NoError(t, m.Commit(ctx, status))
	assert.Nil(t, adapter.GetTx(ctx))
	assert.Equal(t, []string{
		"tx1: BEGIN",
		"tx1: SET LOCAL statement_timeout = '30000ms'",
		"tx1: COMMIT",
	}, db.log)
}

func TestTxAdapter_DefinitionMapping(t *testing.T) {
	db, _, m, ctx := newTestAdapter(TxOptions{}, tx.DefaultConfig())

	def := tx.DefaultDefinition()
	def.Isolation = tx.IsolationSerializable
	def.Timeout = 5
	status, err := m.GetTransaction(ctx, &def)
	require.NoError(t, err)
	require.NoError(t, m.Rollback(ctx, status))

	status, err = m.GetTransaction(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, m.Commit(ctx, status))

	assert.Equal(t, pgx.Serializable, db.options[0].IsoLevel)
	assert.Equal(t, pgx.ReadWrite, db.options[0].AccessMode)
	assert.Equal(t, pgx.TxIsoLevel(""), db.options[1].IsoLevel, "server default isolation")
	assert.Equal(t, []string{
		"tx1: BEGIN",
		"tx1: SET LOCAL statement_timeout = '5000ms'",
		"tx1: ROLLBACK",
		"tx2: BEGIN",
		"tx2: COMMIT",
	}, db.log)
}

func TestTxAdapter_BeginFailures(t *testing.T) {
	t.Run("begin", func(t *testing.T) {
		db, _, m, ctx := newTestAdapter(DefaultTxOptions(), tx.DefaultConfig())
		db.beginErr = errors.New("too many connections")

		_, err := m.GetTransaction(ctx, nil)
		require.ErrorIs(t, err, tx.ErrCannotCreateTransaction)
		require.ErrorIs(t, err, db.beginErr)
	})

	t.Run("statement timeout", func(t *testing.T) {
		db, adapter, m, ctx := newTestAdapter(DefaultTxOptions(), tx.DefaultConfig())
		db.execErr = errors.New("syntax error")

		_, err := m.GetTransaction(ctx, nil)
		require.ErrorIs(t, err, tx.ErrCannotCreateTransaction)
		assert.Nil(t, adapter.GetTx(ctx))
		assert.Equal(t, "tx1: ROLLBACK", db.log[len(db.log)-1])
	})
}

func TestTxAdapter_RequiresNew(t *testing.T) {
	db, adapter, m, ctx := newTestAdapter(TxOptions{}, tx.DefaultConfig())

	outer, err := m.GetTransaction(ctx, nil)
	require.NoError(t, err)

	inner, err := m.GetTransaction(ctx, &tx.Definition{Propagation: tx.PropagationRequiresNew, Timeout: tx.TimeoutDefault})
	require.NoError(t, err)
	assert.Same(t, db.txs[1], adapter.GetQuerier(ctx))

	require.NoError(t, m.Commit(ctx, inner))
	assert.Same(t, db.txs[0], adapter.GetQuerier(ctx), "outer transaction is bound again")

	require.NoError(t, m.Commit(ctx, outer))
	assert.Equal(t, []string{"tx1: BEGIN", "tx2: BEGIN", "tx2: COMMIT", "tx1: COMMIT"}, db.log)
}

func TestTxAdapter_NestedSavepoint(t *testing.T) {
	cfg := tx.DefaultConfig()
	cfg.NestedTransactionAllowed = true
	db, _, m, ctx := newTestAdapter(TxOptions{}, cfg)
	nested := tx.NewDefinition(tx.PropagationNested)

	outer, err := m.GetTransaction(ctx, nil)
	require.NoError(t, err)

	first, err := m.GetTransaction(ctx, &nested)
	require.NoError(t, err)
	require.NoError(t, m.Rollback(ctx, first))

	second, err := m.GetTransaction(ctx, &nested)
	require.NoError(t, err)
	require.NoError(t, m.Commit(ctx, second))

	require.NoError(t, m.Commit(ctx, outer))
	assert.Equal(t, []string{
		"tx1: BEGIN",
		"tx1: SAVEPOINT", "tx1: ROLLBACK TO SAVEPOINT",
		"tx1: SAVEPOINT", "tx1: RELEASE SAVEPOINT",
		"tx1: COMMIT",
	}, db.log)
}

func TestTxAdapter_SavepointRollbackClearsRollbackOnly(t *testing.T) {
	cfg := tx.DefaultConfig()
	cfg.NestedTransactionAllowed = true
	_, _, m, ctx := newTestAdapter(TxOptions{}, cfg)
	nested := tx.NewDefinition(tx.PropagationNested)

	outer, err := m.GetTransaction(ctx, nil)
	require.NoError(t, err)
	sp, err := m.GetTransaction(ctx, &nested)
	require.NoError(t, err)

	participant, err := m.GetTransaction(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, m.Rollback(ctx, participant))
	assert.True(t, outer.IsGlobalRollbackOnly())

	require.NoError(t, m.Rollback(ctx, sp))
	assert.False(t, outer.IsGlobalRollbackOnly())
	require.NoError(t, m.Commit(ctx, outer))
}

func TestTxAdapter_SavepointRollbackKeepsEarlierRollbackOnly(t *testing.T) {
	cfg := tx.DefaultConfig()
	cfg.NestedTransactionAllowed = true
	db, _, m, ctx := newTestAdapter(TxOptions{}, cfg)
	nested := tx.NewDefinition(tx.PropagationNested)

	outer, err := m.GetTransaction(ctx, nil)
	require.NoError(t, err)

	participant, err := m.GetTransaction(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, m.Rollback(ctx, participant))

	sp, err := m.GetTransaction(ctx, &nested)
	require.NoError(t, err)
	require.NoError(t, m.Rollback(ctx, sp))
	assert.True(t, outer.IsGlobalRollbackOnly())

	err = m.Commit(ctx, outer)
	require.ErrorIs(t, err, tx.ErrUnexpectedRollback)
	assert.Equal(t, []string{
		"tx1: BEGIN",
		"tx1: SAVEPOINT", "tx1: ROLLBACK TO SAVEPOINT",
		"tx1: ROLLBACK",
	}, db.log)
}

func TestTxAdapter_CleanupRollsBackOpenTransaction(t *testing.T) {
	db, adapter, m, ctx := newTestAdapter(TxOptions{}, tx.DefaultConfig())

	status, err := m.GetTransaction(ctx, nil)
	require.NoError(t, err)

	adapter.CleanupAfterCompletion(ctx, status.Transaction())
	assert.Nil(t, adapter.GetTx(ctx))
	assert.Equal(t, []string{"tx1: BEGIN", "tx1: ROLLBACK"}, db.log)
}

func TestTxAdapter_ParticipantRollbackDoomsOuter(t *testing.T) {
	db, _, m, ctx := newTestAdapter(TxOptions{}, tx.DefaultConfig())

	outer, err := m.GetTransaction(ctx, nil)
	require.NoError(t, err)
	inner, err := m.GetTransaction(ctx, nil)
	require.NoError(t, err)

	require.NoError(t, m.Rollback(ctx, inner))
	err = m.Commit(ctx, outer)
	require.ErrorIs(t, err, tx.ErrUnexpectedRollback)
	assert.Equal(t, []string{"tx1: BEGIN", "tx1: ROLLBACK"}, db.log)
}

func TestTxAdapter_CommitAbortedByServer(t *testing.T) {
	db, _, m, ctx := newTestAdapter(TxOptions{}, tx.DefaultConfig())
	db.commitErr = pgx.ErrTxCommitRollback

	status, err := m.GetTransaction(ctx, nil)
	require.NoError(t, err)

	err = m.Commit(ctx, status)
	require.ErrorIs(t, err, tx.ErrUnexpectedRollback)
	assert.Equal(t, tx.StatusRolledBack, status.Outcome())
}

func TestTxAdapter_CommitFailure(t *testing.T) {
	cfg := tx.DefaultConfig()
	cfg.RollbackOnCommitFailure = true
	db, _, m, ctx := newTestAdapter(TxOptions{}, cfg)
	db.commitErr = errors.New("connection reset")

	status, err := m.GetTransaction(ctx, nil)
	require.NoError(t, err)

	err = m.Commit(ctx, status)
	require.ErrorIs(t, err, tx.ErrSystem)
	require.ErrorIs(t, err, db.commitErr)
	assert.Equal(t, []string{"tx1: BEGIN", "tx1: COMMIT", "tx1: ROLLBACK"}, db.log)
}

func TestTxAdapter_Template(t *testing.T) {
	db, adapter, m, _ := newTestAdapter(TxOptions{StatementTimeout: time.Second}, tx.DefaultConfig())

	err := m.RunInTransaction(context.Background(), func(ctx context.Context) error {
		_, err := adapter.GetQuerier(ctx).Exec(ctx, "INSERT INTO audit(msg) VALUES ($1)", "hello")
		return err
	})

	require.NoError(t, err)
	assert.Equal(t, []string{
		"tx1: BEGIN",
		"tx1: SET LOCAL statement_timeout = '1000ms'",
		"tx1: INSERT INTO audit(msg) VALUES ($1)",
		"tx1: COMMIT",
	}, db.log)
}

func TestTxAdapter_SeparateRegistriesAreIsolated(t *testing.T) {
	db, adapter, m, ctx := newTestAdapter(TxOptions{}, tx.DefaultConfig())

	status, err := m.GetTransaction(ctx, nil)
	require.NoError(t, err)

	other := tx.WithRegistry(context.Background())
	assert.Same(t, db, adapter.GetQuerier(other))

	require.NoError(t, m.Commit(ctx, status))
}
