package fleet_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-rental/internal/fleet"
	"github.com/odyssey-erp/odyssey-rental/internal/shared"
	"github.com/odyssey-erp/odyssey-rental/internal/testing/rentaltest"
)

func stored(t *testing.T, env *rentaltest.Env, id int64) fleet.Vehicle {
	t.Helper()
	v, ok := env.Store.Vehicle(id)
	require.True(t, ok)
	return v
}

func TestLockLifecycle(t *testing.T) {
	env := rentaltest.New(t)
	ctx := context.Background()
	v := env.Vehicle("B 1234 XYZ", 350000, 9000000)

	held, err := env.Fleet.TempLock(ctx, v.ID, 0, 1)
	require.NoError(t, err)
	require.Equal(t, fleet.LockTempBooked, held.LockStatus)
	require.True(t, held.IsBooked)
	require.NotNil(t, held.TempLockedUntil)
	require.True(t, env.Clock.Now().Add(fleet.DefaultHold).Equal(*held.TempLockedUntil))

	locked, err := env.Fleet.PermanentLock(ctx, v.ID, 1)
	require.NoError(t, err)
	require.Equal(t, fleet.LockLocked, locked.LockStatus)
	require.Nil(t, locked.TempLockedUntil)

	rented, err := env.Fleet.MarkRented(ctx, v.ID, 1)
	require.NoError(t, err)
	require.Equal(t, fleet.LockRented, rented.LockStatus)

	returned, err := env.Fleet.ReturnVehicle(ctx, v.ID, 12850, 1)
	require.NoError(t, err)
	require.Equal(t, fleet.LockAvailable, returned.LockStatus)
	require.False(t, returned.IsBooked)
	require.EqualValues(t, 12850, returned.Odometer)

	require.Equal(t, fleet.LockAvailable, stored(t, env, v.ID).LockStatus)
}

func TestIllegalTransitions(t *testing.T) {
	env := rentaltest.New(t)
	ctx := context.Background()
	v := env.Vehicle("B 2 AA", 300000, 8000000)

	cases := []struct {
		name string
		call func() error
	}{
		{"lock available", func() error { _, err := env.Fleet.PermanentLock(ctx, v.ID, 1); return err }},
		{"rent available", func() error { _, err := env.Fleet.MarkRented(ctx, v.ID, 1); return err }},
		{"return available", func() error { _, err := env.Fleet.ReturnVehicle(ctx, v.ID, 13000, 1); return err }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.ErrorIs(t, tc.call(), shared.ErrInvalidTransition)
		})
	}
	require.Equal(t, fleet.LockAvailable, stored(t, env, v.ID).LockStatus)
}

func TestTempLockRejectsHeldVehicle(t *testing.T) {
	env := rentaltest.New(t)
	ctx := context.Background()
	v := env.Vehicle("B 3 BB", 300000, 8000000)

	_, err := env.Fleet.TempLock(ctx, v.ID, 10*time.Minute, 1)
	require.NoError(t, err)
	_, err = env.Fleet.TempLock(ctx, v.ID, 10*time.Minute, 2)
	require.ErrorIs(t, err, shared.ErrVehicleUnavailable)

	available, err := env.Fleet.IsAvailable(ctx, v.ID)
	require.NoError(t, err)
	require.False(t, available)
}

func TestLapsedHoldCountsAsAvailable(t *testing.T) {
	env := rentaltest.New(t)
	ctx := context.Background()
	v := env.Vehicle("B 4 CC", 300000, 8000000)

	_, err := env.Fleet.TempLock(ctx, v.ID, 10*time.Minute, 1)
	require.NoError(t, err)
	env.Clock.Advance(10 * time.Minute)

	// no sweep has run, the stale hold is still stored
	require.Equal(t, fleet.LockTempBooked, stored(t, env, v.ID).LockStatus)
	available, err := env.Fleet.IsAvailable(ctx, v.ID)
	require.NoError(t, err)
	require.True(t, available)

	relocked, err := env.Fleet.TempLock(ctx, v.ID, 5*time.Minute, 2)
	require.NoError(t, err)
	require.True(t, env.Clock.Now().Add(5*time.Minute).Equal(*relocked.TempLockedUntil))
}

func TestInactiveVehicleUnavailable(t *testing.T) {
	env := rentaltest.New(t)
	v := env.Vehicle("B 5 DD", 300000, 8000000)
	v.IsActive = false
	require.False(t, v.Available(env.Clock.Now()))

	_, err := env.Fleet.Get(context.Background(), 404)
	require.ErrorIs(t, err, shared.ErrNotFound)
}

func TestReleaseFromAnyState(t *testing.T) {
	env := rentaltest.New(t)
	ctx := context.Background()
	v := env.Vehicle("B 6 EE", 300000, 8000000)

	_, err := env.Fleet.TempLock(ctx, v.ID, 0, 1)
	require.NoError(t, err)
	_, err = env.Fleet.PermanentLock(ctx, v.ID, 1)
	require.NoError(t, err)
	released, err := env.Fleet.Release(ctx, v.ID, 1)
	require.NoError(t, err)
	require.Equal(t, fleet.LockAvailable, released.LockStatus)
	require.False(t, released.IsBooked)
}
