// Package storage persists the ledger, requests, scheduled transactions and
// outbox events through database/sql. PostgreSQL (pgx) is the production
// engine; SQLite serves embedded deployments and tests.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/mattn/go-sqlite3"

	"github.com/example/wallet-ledger/internal/ledger"
)

type Dialect string

const (
	Postgres Dialect = "pgx"
	SQLite   Dialect = "sqlite3"
)

const (
	defaultMaxRetries = 3
	defaultTimeout    = 5 * time.Second
)

// DB wraps a *sql.DB with the dialect it speaks.
type DB struct {
	sql     *sql.DB
	dialect Dialect
	logger  *slog.Logger

	// MaxRetries bounds the attempts of a transaction that hits a
	// serialization failure or lock contention.
	MaxRetries int
	// Timeout bounds every transaction attempt and every standalone query.
	Timeout time.Duration
}

// New wraps an open database.
func New(db *sql.DB, dialect Dialect, logger *slog.Logger) *DB {
	if logger == nil {
		logger = slog.Default()
	}
	return &DB{sql: db, dialect: dialect, logger: logger, MaxRetries: defaultMaxRetries, Timeout: defaultTimeout}
}

// Open connects to driver at dsn. Postgres connections go through a pgx
// pool exposed as *sql.DB.
func Open(ctx context.Context, driver, dsn string, maxConns int, logger *slog.Logger) (*DB, error) {
	switch Dialect(driver) {
	case Postgres:
		cfg, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return nil, fmt.Errorf("parse database url: %w", err)
		}
		if maxConns > 0 {
			cfg.MaxConns = int32(maxConns)
		}
		pool, err := pgxpool.NewWithConfig(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("connect: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("ping: %w", err)
		}
		return New(stdlib.OpenDBFromPool(pool), Postgres, logger), nil

	case SQLite:
		db, err := sql.Open(string(SQLite), dsn)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		// SQLite has a single writer.
		db.SetMaxOpenConns(1)
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("ping: %w", err)
		}
		return New(db, SQLite, logger), nil
	}
	return nil, fmt.Errorf("unsupported database driver %q", driver)
}

func (d *DB) Close() error { return d.sql.Close() }

func (d *DB) Dialect() Dialect { return d.dialect }

// SQL exposes the underlying handle for health checks.
func (d *DB) SQL() *sql.DB { return d.sql }

// rebind rewrites ? placeholders to $n for Postgres.
func (d *DB) rebind(query string) string {
	if d.dialect != Postgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// forUpdate is the row lock suffix of the dialect. SQLite serializes
// writers instead.
func (d *DB) forUpdate() string {
	if d.dialect == Postgres {
		return " FOR UPDATE"
	}
	return ""
}

func (d *DB) txOptions() *sql.TxOptions {
	if d.dialect == Postgres {
		return &sql.TxOptions{Isolation: sql.LevelSerializable}
	}
	return nil
}

// InTx runs fn in a transaction, retrying the whole attempt with linear
// backoff when it fails on a concurrency conflict.
func (d *DB) InTx(ctx context.Context, fn func(*Tx) error) error {
	var err error
	for attempt := 0; attempt < d.MaxRetries; attempt++ {
		err = d.attempt(ctx, fn)
		if err == nil || !ledger.IsRetryable(err) {
			return err
		}
		if attempt == d.MaxRetries-1 {
			break
		}
		d.logger.Debug("retrying transaction", "attempt", attempt+1, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 10 * time.Millisecond):
		}
	}
	return fmt.Errorf("transaction failed after %d attempts: %w", d.MaxRetries, err)
}

func (d *DB) attempt(ctx context.Context, fn func(*Tx) error) error {
	ctx, cancel := context.WithTimeout(ctx, d.Timeout)
	defer cancel()

	sqlTx, err := d.sql.BeginTx(ctx, d.txOptions())
	if err != nil {
		return wrap("begin transaction", err)
	}
	tx := &Tx{db: d, tx: sqlTx}
	if err := fn(tx); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return wrap("commit", err)
	}
	return nil
}

// wrap maps driver errors onto the ledger error taxonomy.
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, ledger.ErrNotFound)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "55P03":
			return fmt.Errorf("%s: %w: %w", op, ledger.ErrConcurrencyConflict, err)
		case "23505":
			return fmt.Errorf("%s: %w: %w", op, ledger.ErrAlreadyExists, err)
		}
	}

	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		switch {
		case liteErr.Code == sqlite3.ErrBusy || liteErr.Code == sqlite3.ErrLocked:
			return fmt.Errorf("%s: %w: %w", op, ledger.ErrConcurrencyConflict, err)
		case liteErr.ExtendedCode == sqlite3.ErrConstraintUnique || liteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey:
			return fmt.Errorf("%s: %w: %w", op, ledger.ErrAlreadyExists, err)
		}
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ledger.ErrPersistence, err)
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// conn binds a querier to the dialect it runs against.
type conn struct {
	db *DB
	q  querier
}

func (c conn) exec(ctx context.Context, op, query string, args ...any) (sql.Result, error) {
	res, err := c.q.ExecContext(ctx, c.db.rebind(query), args...)
	if err != nil {
		return nil, wrap(op, err)
	}
	return res, nil
}

func (c conn) query(ctx context.Context, op, query string, args ...any) (*sql.Rows, error) {
	rows, err := c.q.QueryContext(ctx, c.db.rebind(query), args...)
	if err != nil {
		return nil, wrap(op, err)
	}
	return rows, nil
}

func (c conn) row(ctx context.Context, query string, args ...any) *sql.Row {
	return c.q.QueryRowContext(ctx, c.db.rebind(query), args...)
}

// read runs fn against the database outside a transaction under the query
// timeout.
func (d *DB) read(ctx context.Context, fn func(context.Context, conn) error) error {
	ctx, cancel := context.WithTimeout(ctx, d.Timeout)
	defer cancel()
	return fn(ctx, conn{db: d, q: d.sql})
}
