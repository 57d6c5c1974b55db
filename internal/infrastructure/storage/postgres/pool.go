// Package postgres provides the pgx connection pool and the transaction
// adapter that lets tx.Manager drive PostgreSQL transactions.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"txcoord/pkg/logger"
)

// PoolConfig holds connection pool configuration.
type PoolConfig struct {
	DSN             string
	MaxConns        int32
	MaxConnLifetime time.Duration
	ApplicationName string

	// IdleInTransactionTimeout makes the server end sessions that sit inside
	// a transaction longer than this. Zero keeps the server setting.
	IdleInTransactionTimeout time.Duration
}

// DefaultPoolConfig returns defaults suited to a short-lived coordinator
// process: a small pool and a server-side guard against leaked transactions.
func DefaultPoolConfig(dsn string) PoolConfig {
	return PoolConfig{
		DSN:                      dsn,
		MaxConns:                 8,
		MaxConnLifetime:          time.Hour,
		ApplicationName:          "txcoord",
		IdleInTransactionTimeout: 5 * time.Minute,
	}
}

// Pool wraps pgxpool.Pool.
type Pool struct {
	*pgxpool.Pool
}

// Close closes all connections in the pool.
func (p *Pool) Close() {
	if p.Pool != nil {
		p.Pool.Close()
	}
}

// NewPool creates a connection pool and verifies it can reach the server.
func NewPool(ctx context.Context, cfg PoolConfig) (*Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse DSN: %w", err)
	}
	applyPoolConfig(poolConfig, cfg)

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Pool{Pool: pool}, nil
}

func applyPoolConfig(pc *pgxpool.Config, cfg PoolConfig) {
	if cfg.MaxConns > 0 {
		pc.MaxConns = cfg.MaxConns
	}
	if cfg.MaxConnLifetime > 0 {
		pc.MaxConnLifetime = cfg.MaxConnLifetime
	}

	params := pc.ConnConfig.RuntimeParams
	if cfg.ApplicationName != "" {
		params["application_name"] = cfg.ApplicationName
	}
	if cfg.IdleInTransactionTimeout > 0 {
		params["idle_in_transaction_session_timeout"] = fmt.Sprintf("%d", cfg.IdleInTransactionTimeout.Milliseconds())
	}

	pc.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		logger.Debug(ctx, "database connection established", "pid", conn.PgConn().PID())
		return nil
	}
	pc.AfterRelease = releasable
}

// releasable reports whether conn may return to the pool. A connection still
// inside a transaction was leaked by its owner and is destroyed instead.
func releasable(conn *pgx.Conn) bool {
	if status := conn.PgConn().TxStatus(); status != 'I' {
		logger.Warn(context.Background(), "destroying connection released inside a transaction",
			"pid", conn.PgConn().PID(), "tx_status", string(status))
		return false
	}
	return true
}

// LogPoolStats logs pool statistics.
func LogPoolStats(ctx context.Context, pool *Pool) {
	stat := pool.Stat()
	logger.Info(ctx, "database pool stats",
		"total", stat.TotalConns(),
		"acquired", stat.AcquiredConns(),
		"idle", stat.IdleConns(),
		"acquire_count", stat.AcquireCount(),
		"acquire_duration", stat.AcquireDuration(),
		"empty_acquire_count", stat.EmptyAcquireCount(),
	)
}
