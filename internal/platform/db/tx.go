package db

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type txContextKey struct{}

// TxFromContext returns the transaction bound to ctx by Runner.Run.
func TxFromContext(ctx context.Context) (pgx.Tx, bool) {
	tx, ok := ctx.Value(txContextKey{}).(pgx.Tx)
	return tx, ok
}

// TxOptions configures the atomic unit budget.
type TxOptions struct {
	LockTimeout      time.Duration
	StatementTimeout time.Duration
	Retry            RetryPolicy
}

// DefaultTxOptions mirrors the 5s lock wait / 10s total budget.
func DefaultTxOptions() TxOptions {
	return TxOptions{LockTimeout: 5 * time.Second, StatementTimeout: 10 * time.Second, Retry: DefaultRetryPolicy()}
}

// Runner executes atomic units in serializable transactions.
type Runner struct {
	pool   *pgxpool.Pool
	opts   TxOptions
	logger *slog.Logger
}

// NewRunner builds a Runner over the pool.
func NewRunner(pool *pgxpool.Pool, opts TxOptions, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	opts.Retry.Logger = logger
	return &Runner{pool: pool, opts: opts, logger: logger}
}

// Pool exposes the underlying pool.
func (r *Runner) Pool() *pgxpool.Pool {
	return r.pool
}

// Conn returns the transaction bound to ctx, or the pool outside an atomic unit.
func (r *Runner) Conn(ctx context.Context) Querier {
	if tx, ok := TxFromContext(ctx); ok {
		return tx
	}
	return r.pool
}

// Run executes fn inside a serializable transaction. Calls nested inside an existing
// unit join it; only the outermost call begins, retries and commits.
func (r *Runner) Run(ctx context.Context, fn func(ctx context.Context, tx pgx.Tx) error) error {
	if r == nil || r.pool == nil {
		return errors.New("platform/db: runner not initialised")
	}
	if tx, ok := TxFromContext(ctx); ok {
		return fn(ctx, tx)
	}
	return Retry(ctx, r.opts.Retry, func(ctx context.Context) error {
		return r.once(ctx, fn)
	})
}

func (r *Runner) once(ctx context.Context, fn func(ctx context.Context, tx pgx.Tx) error) error {
	budget := r.opts.StatementTimeout
	if budget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, budget+time.Second)
		defer cancel()
	}
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return fmt.Errorf("platform/db: begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if r.opts.LockTimeout > 0 {
		if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", r.opts.LockTimeout.Milliseconds())); err != nil {
			return fmt.Errorf("platform/db: set lock_timeout: %w", err)
		}
	}
	if budget > 0 {
		if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL statement_timeout = '%dms'", budget.Milliseconds())); err != nil {
			return fmt.Errorf("platform/db: set statement_timeout: %w", err)
		}
	}

	if err := fn(context.WithValue(ctx, txContextKey{}, tx), tx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("platform/db: commit tx: %w", err)
	}
	return nil
}

// AdvisoryLock takes a transaction-scoped advisory lock on key.
func AdvisoryLock(ctx context.Context, q Querier, key string) error {
	if _, err := q.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, key); err != nil {
		return fmt.Errorf("platform/db: advisory lock %s: %w", key, err)
	}
	return nil
}
