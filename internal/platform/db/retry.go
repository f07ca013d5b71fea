package db

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/odyssey-erp/odyssey-rental/internal/shared"
)

// ErrRetryable marks application-detected conflicts (e.g. a sequence number taken by a
// concurrent writer) that should re-run the whole atomic unit.
var ErrRetryable = errors.New("platform/db: retryable conflict")

const (
	sqlStateSerializationFailure = "40001"
	sqlStateDeadlockDetected     = "40P01"
	sqlStateLockNotAvailable     = "55P03"
	sqlStateUniqueViolation      = "23505"
)

// RetryPolicy bounds re-execution of an atomic unit.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Logger      *slog.Logger
}

// DefaultRetryPolicy retries five times starting at 100ms.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 5, BaseDelay: 100 * time.Millisecond}
}

// IsLockConflict reports lock-wait timeout, deadlock or serialization failures.
func IsLockConflict(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case sqlStateSerializationFailure, sqlStateDeadlockDetected, sqlStateLockNotAvailable:
			return true
		}
	}
	return false
}

// IsUniqueViolation reports a unique constraint failure, optionally restricted to one constraint.
func IsUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != sqlStateUniqueViolation {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}

func isRetryable(err error) bool {
	return errors.Is(err, ErrRetryable) || IsLockConflict(err)
}

// Retry runs fn until it succeeds, fails with a non-retryable error, or the policy is
// exhausted. The delay before attempt n (1-indexed, n>1) is BaseDelay × 2^(n-2).
func Retry(ctx context.Context, policy RetryPolicy, fn func(ctx context.Context) error) error {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = 100 * time.Millisecond
	}
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = policy.BaseDelay
	exp.Multiplier = 2
	exp.RandomizationFactor = 0
	exp.MaxInterval = policy.BaseDelay << uint(policy.MaxAttempts)
	exp.MaxElapsedTime = 0
	schedule := backoff.WithContext(backoff.WithMaxRetries(exp, uint64(policy.MaxAttempts-1)), ctx)

	attempts := 0
	var last error
	op := func() error {
		attempts++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		last = err
		if !isRetryable(err) {
			return backoff.Permanent(err)
		}
		if policy.Logger != nil {
			policy.Logger.Debug("retrying atomic unit", slog.Int("attempt", attempts), slog.Any("error", err))
		}
		return err
	}
	err := backoff.Retry(op, schedule)
	if err == nil {
		return nil
	}
	if !isRetryable(last) {
		return err
	}
	if ctxErr := ctx.Err(); ctxErr != nil && attempts < policy.MaxAttempts {
		return ctxErr
	}
	kind := shared.ErrConcurrencyConflict
	if errors.Is(last, ErrRetryable) {
		kind = shared.ErrSequenceGenerationFailed
	}
	return &shared.RetryExhaustedError{Kind: kind, Attempts: attempts, Cause: last}
}
