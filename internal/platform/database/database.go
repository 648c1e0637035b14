// Package database provides PostgreSQL connection management via pgx and a
// narrow connection interface for callers that own their own statements.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const defaultStatementTimeout = 30 * time.Second

// Rows is the result of a parameterized read. It must be closed.
type Rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close()
}

// Conn is one connection taken from the pool. A Conn is not safe for
// concurrent use. Statements run inside the open transaction, if any.
type Conn interface {
	Exec(ctx context.Context, sql string, args ...any) (int64, error)
	Query(ctx context.Context, sql string, args ...any) (Rows, error)
	Begin(ctx context.Context) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
	Release()
}

// Store hands out connections from a bounded pool.
type Store interface {
	Acquire(ctx context.Context) (Conn, error)
	Capacity() int
}

// DB wraps a pgx connection pool.
type DB struct {
	Pool             *pgxpool.Pool
	statementTimeout time.Duration
}

// ParseURL validates a PostgreSQL connection URL.
func ParseURL(url string) (*pgxpool.Config, error) {
	if url == "" {
		return nil, fmt.Errorf("database URL is empty")
	}
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("invalid database URL: %w", err)
	}
	return cfg, nil
}

// New creates a new database connection pool. Every statement issued
// through Acquire carries statementTimeout as its deadline.
func New(ctx context.Context, url string, maxConns, minConns int, statementTimeout time.Duration) (*DB, error) {
	cfg, err := ParseURL(url)
	if err != nil {
		return nil, err
	}

	cfg.MaxConns = int32(maxConns)
	cfg.MinConns = int32(minConns)
	cfg.MaxConnLifetime = 30 * time.Minute
	cfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	if statementTimeout <= 0 {
		statementTimeout = defaultStatementTimeout
	}
	return &DB{Pool: pool, statementTimeout: statementTimeout}, nil
}

// Close shuts down the connection pool.
func (db *DB) Close() {
	db.Pool.Close()
}

// Capacity is the maximum number of pooled connections.
func (db *DB) Capacity() int {
	return int(db.Pool.Config().MaxConns)
}

// Acquire takes one connection from the pool, waiting while it is exhausted.
func (db *DB) Acquire(ctx context.Context) (Conn, error) {
	c, err := db.Pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquiring connection: %w", err)
	}
	return &poolConn{conn: c, timeout: db.statementTimeout}, nil
}

type poolConn struct {
	conn    *pgxpool.Conn
	tx      pgx.Tx
	timeout time.Duration
}

func (c *poolConn) Exec(ctx context.Context, sql string, args ...any) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if c.tx != nil {
		tag, err := c.tx.Exec(ctx, sql, args...)
		return tag.RowsAffected(), err
	}
	tag, err := c.conn.Exec(ctx, sql, args...)
	return tag.RowsAffected(), err
}

func (c *poolConn) Query(ctx context.Context, sql string, args ...any) (Rows, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)

	var rows pgx.Rows
	var err error
	if c.tx != nil {
		rows, err = c.tx.Query(ctx, sql, args...)
	} else {
		rows, err = c.conn.Query(ctx, sql, args...)
	}
	if err != nil {
		cancel()
		return nil, err
	}
	return &timedRows{Rows: rows, cancel: cancel}, nil
}

func (c *poolConn) Begin(ctx context.Context) error {
	if c.tx != nil {
		return fmt.Errorf("transaction already open")
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	tx, err := c.conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	c.tx = tx
	return nil
}

func (c *poolConn) Commit(ctx context.Context) error {
	if c.tx == nil {
		return fmt.Errorf("no open transaction")
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	tx := c.tx
	c.tx = nil
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (c *poolConn) Rollback(ctx context.Context) error {
	if c.tx == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	tx := c.tx
	c.tx = nil
	if err := tx.Rollback(ctx); err != nil {
		return fmt.Errorf("rollback: %w", err)
	}
	return nil
}

// Release returns the connection to the pool, rolling back a transaction
// left open.
func (c *poolConn) Release() {
	if c.tx != nil {
		_ = c.Rollback(context.Background())
	}
	c.conn.Release()
}

// timedRows cancels the statement deadline once the rows are closed.
type timedRows struct {
	pgx.Rows
	cancel context.CancelFunc
}

func (r *timedRows) Close() {
	r.Rows.Close()
	r.cancel()
}
