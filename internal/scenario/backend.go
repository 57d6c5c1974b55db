package scenario

import (
	"context"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/georgysavva/scany/v2/sqlscan"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"txcoord/internal/core/tx"
	"txcoord/internal/infrastructure/storage/postgres"
	"txcoord/internal/infrastructure/storage/sqldb"
	"txcoord/pkg/logger"
)

// OutboxTable receives the events of steps with an outbox list. Its columns
// are id, topic, key, payload, compression and created_at.
const OutboxTable = "outbox"

const outboxCompressAbove = 4096

// Backend is the database a scenario runs against. Exec and Count use the
// transaction bound to ctx, if any.
type Backend interface {
	Adapter() tx.Adapter
	Exec(ctx context.Context, query string) error
	Count(ctx context.Context, query string, args ...any) (int64, error)
	// Publish writes one outbox event per topic, keyed by step, into the
	// transaction bound to ctx.
	Publish(ctx context.Context, step string, topics []string) error
	Placeholder() squirrel.PlaceholderFormat
	Close(ctx context.Context)
}

// Open connects to the database for driver.
func Open(ctx context.Context, driver, dsn string) (Backend, error) {
	switch driver {
	case DriverSQLite:
		// SQLite rejects read-only transactions; the hint is dropped.
		return openSQL(ctx, "sqlite", dsn, sqldb.TxOptions{ReadOnlyUnsupported: true}, squirrel.Question)
	case DriverPQ:
		return openSQL(ctx, "postgres", dsn, sqldb.TxOptions{DefaultTimeout: 30 * time.Second}, squirrel.Dollar)
	case DriverPostgres:
		pool, err := postgres.NewPool(ctx, postgres.DefaultPoolConfig(dsn))
		if err != nil {
			return nil, err
		}
		adapter := postgres.NewTxAdapter(pool, postgres.DefaultTxOptions())
		outbox, err := postgres.NewOutbox(adapter, OutboxTable, outboxCompressAbove)
		if err != nil {
			pool.Close()
			return nil, err
		}
		outbox.OnCommitted = func(ctx context.Context, topics []string) {
			logger.Info(ctx, "outbox events committed", "topics", topics)
		}
		return &pgxBackend{pool: pool, adapter: adapter, outbox: outbox}, nil
	default:
		return nil, fmt.Errorf("unsupported driver %q", driver)
	}
}

func openSQL(ctx context.Context, driverName, dsn string, opts sqldb.TxOptions, ph squirrel.PlaceholderFormat) (Backend, error) {
	db, err := sqlx.ConnectContext(ctx, driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", driverName, err)
	}
	return NewSQLBackend(sqldb.NewTxAdapter(db, opts), ph), nil
}

// NewSQLBackend wraps an existing database/sql adapter.
func NewSQLBackend(adapter *sqldb.TxAdapter, ph squirrel.PlaceholderFormat) Backend {
	return &sqlBackend{adapter: adapter, placeholder: ph}
}

type sqlBackend struct {
	adapter     *sqldb.TxAdapter
	placeholder squirrel.PlaceholderFormat
}

func (b *sqlBackend) Adapter() tx.Adapter { return b.adapter }

func (b *sqlBackend) Exec(ctx context.Context, query string) error {
	_, err := b.adapter.GetQuerier(ctx).ExecContext(ctx, query)
	return err
}

func (b *sqlBackend) Count(ctx context.Context, query string, args ...any) (int64, error) {
	var n int64
	if err := sqlscan.Get(ctx, b.adapter.GetQuerier(ctx), &n, query, args...); err != nil {
		return 0, err
	}
	return n, nil
}

func (b *sqlBackend) Publish(context.Context, string, []string) error {
	return fmt.Errorf("outbox requires the %s driver", DriverPostgres)
}

func (b *sqlBackend) Placeholder() squirrel.PlaceholderFormat { return b.placeholder }

func (b *sqlBackend) Close(ctx context.Context) {
	if err := b.adapter.DB().Close(); err != nil {
		logger.Warn(ctx, "close database", "error", err)
	}
}

type pgxBackend struct {
	pool    *postgres.Pool
	adapter *postgres.TxAdapter
	outbox  *postgres.Outbox
}

func (b *pgxBackend) Adapter() tx.Adapter { return b.adapter }

func (b *pgxBackend) Exec(ctx context.Context, query string) error {
	_, err := b.adapter.GetQuerier(ctx).Exec(ctx, query)
	return err
}

func (b *pgxBackend) Count(ctx context.Context, query string, args ...any) (int64, error) {
	var n int64
	if err := pgxscan.Get(ctx, b.adapter.GetQuerier(ctx), &n, query, args...); err != nil {
		return 0, err
	}
	return n, nil
}

func (b *pgxBackend) Publish(ctx context.Context, step string, topics []string) error {
	events := make([]postgres.Event, 0, len(topics))
	for _, topic := range topics {
		events = append(events, postgres.Event{Topic: topic, Key: step, Payload: map[string]string{"step": step}})
	}
	return b.outbox.PublishBatch(ctx, events)
}

func (b *pgxBackend) Placeholder() squirrel.PlaceholderFormat { return squirrel.Dollar }

func (b *pgxBackend) Close(ctx context.Context) {
	postgres.LogPoolStats(ctx, b.pool)
	b.pool.Close()
}
