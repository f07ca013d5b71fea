package rental_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-rental/internal/platform/cache"
	"github.com/odyssey-erp/odyssey-rental/internal/rental"
	"github.com/odyssey-erp/odyssey-rental/internal/shared"
)

type fakeExpirer struct {
	mu      sync.Mutex
	ids     []int64
	fail    map[int64]error
	skip    map[int64]bool
	expired []int64
	listErr error
}

func (f *fakeExpirer) ExpiredPendingBookings(context.Context, int) ([]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ids, f.listErr
}

func (f *fakeExpirer) ExpireBooking(_ context.Context, id int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail[id]; err != nil {
		return false, err
	}
	if f.skip[id] {
		return false, nil
	}
	f.expired = append(f.expired, id)
	return true, nil
}

type heldLease struct{}

func (heldLease) Acquire(context.Context) (func(context.Context) error, error) {
	return nil, cache.ErrLeaseHeld
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSweeperIsolatesFailures(t *testing.T) {
	boom := errors.New("row lock timeout")
	exp := &fakeExpirer{
		ids:  []int64{1, 2, 3, 4},
		fail: map[int64]error{2: boom},
		skip: map[int64]bool{3: true},
	}
	var observed []rental.SweepResult
	sweeper := rental.NewSweeper(exp, rental.SweeperConfig{
		Logger:   quietLogger(),
		Observer: func(res rental.SweepResult, err error) { observed = append(observed, res) },
	})

	res, err := sweeper.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 4, res.Scanned)
	require.Equal(t, 2, res.Cancelled)
	require.Equal(t, 1, res.Skipped)
	require.Len(t, res.Failed, 1)
	require.ErrorIs(t, res.Failed[2], boom)
	require.Equal(t, []int64{1, 4}, exp.expired)
	require.Len(t, observed, 1)
}

func TestSweeperListError(t *testing.T) {
	exp := &fakeExpirer{listErr: shared.ErrConcurrencyConflict}
	var observedErr error
	sweeper := rental.NewSweeper(exp, rental.SweeperConfig{
		Logger:   quietLogger(),
		Observer: func(_ rental.SweepResult, err error) { observedErr = err },
	})
	_, err := sweeper.RunOnce(context.Background())
	require.ErrorIs(t, err, shared.ErrConcurrencyConflict)
	require.ErrorIs(t, observedErr, shared.ErrConcurrencyConflict)
}

func TestSweeperSkipsWhenLeaseHeld(t *testing.T) {
	exp := &fakeExpirer{ids: []int64{1}}
	sweeper := rental.NewSweeper(exp, rental.SweeperConfig{Lease: heldLease{}, Logger: quietLogger()})

	res, err := sweeper.RunOnce(context.Background())
	require.NoError(t, err)
	require.True(t, res.LeaseHeld)
	require.Empty(t, exp.expired)
}

func TestSweeperRedisLease(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	ctx := context.Background()
	key := shared.LeaseKey("booking_expiry")

	exp := &fakeExpirer{ids: []int64{7}}
	sweeper := rental.NewSweeper(exp, rental.SweeperConfig{Lease: cache.NewLease(client, key, time.Minute), Logger: quietLogger()})

	other := cache.NewLease(client, key, time.Minute)
	release, err := other.Acquire(ctx)
	require.NoError(t, err)

	res, err := sweeper.RunOnce(ctx)
	require.NoError(t, err)
	require.True(t, res.LeaseHeld)

	require.NoError(t, release(ctx))
	res, err = sweeper.RunOnce(ctx)
	require.NoError(t, err)
	require.False(t, res.LeaseHeld)
	require.Equal(t, 1, res.Cancelled)
	require.False(t, mr.Exists(key), "lease released after the pass")
}

func TestSweeperRunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	exp := &fakeExpirer{ids: []int64{1}}
	passes := 0
	sweeper := rental.NewSweeper(exp, rental.SweeperConfig{
		Interval: time.Hour,
		Logger:   quietLogger(),
		Observer: func(rental.SweepResult, error) {
			passes++
			cancel()
		},
	})

	err := sweeper.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, passes)
}
