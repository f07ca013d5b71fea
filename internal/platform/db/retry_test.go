package db

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-rental/internal/shared"
)

func fastPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 5, BaseDelay: time.Millisecond}
}

func TestRetrySucceedsAfterConflicts(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastPolicy(), func(context.Context) error {
		calls++
		if calls < 3 {
			return fmt.Errorf("number taken: %w", ErrRetryable)
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func TestRetryExhaustsSequenceConflicts(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastPolicy(), func(context.Context) error {
		calls++
		return fmt.Errorf("INV-2025-0001 exists: %w", ErrRetryable)
	})
	require.Equal(t, 5, calls)
	require.ErrorIs(t, err, shared.ErrSequenceGenerationFailed)
	require.ErrorIs(t, err, ErrRetryable)
	var exhausted *shared.RetryExhaustedError
	require.True(t, errors.As(err, &exhausted))
	require.Equal(t, 5, exhausted.Attempts)
	require.Contains(t, err.Error(), "INV-2025-0001")
}

func TestRetryExhaustsLockConflicts(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastPolicy(), func(context.Context) error {
		calls++
		return &pgconn.PgError{Code: sqlStateDeadlockDetected, Message: "deadlock detected"}
	})
	require.Equal(t, 5, calls)
	require.ErrorIs(t, err, shared.ErrConcurrencyConflict)
}

func TestRetryStopsOnFatalError(t *testing.T) {
	calls := 0
	fatal := errors.New("boom")
	err := Retry(context.Background(), fastPolicy(), func(context.Context) error {
		calls++
		return fatal
	})
	require.Equal(t, 1, calls)
	require.ErrorIs(t, err, fatal)
	require.NotErrorIs(t, err, shared.ErrConcurrencyConflict)
}

func TestRetryBackoffGrowsExponentially(t *testing.T) {
	var stamps []time.Time
	policy := RetryPolicy{MaxAttempts: 4, BaseDelay: 10 * time.Millisecond}
	_ = Retry(context.Background(), policy, func(context.Context) error {
		stamps = append(stamps, time.Now())
		return &pgconn.PgError{Code: sqlStateLockNotAvailable}
	})
	require.Len(t, stamps, 4)
	require.GreaterOrEqual(t, stamps[1].Sub(stamps[0]), 10*time.Millisecond)
	require.GreaterOrEqual(t, stamps[2].Sub(stamps[1]), 20*time.Millisecond)
	require.GreaterOrEqual(t, stamps[3].Sub(stamps[2]), 40*time.Millisecond)
}

func TestIsUniqueViolation(t *testing.T) {
	err := fmt.Errorf("insert: %w", &pgconn.PgError{Code: sqlStateUniqueViolation, ConstraintName: "uq_invoices_number"})
	require.True(t, IsUniqueViolation(err, ""))
	require.True(t, IsUniqueViolation(err, "uq_invoices_number"))
	require.False(t, IsUniqueViolation(err, "uq_other"))
	require.False(t, IsUniqueViolation(errors.New("x"), ""))
}
