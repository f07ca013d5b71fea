package fleet

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/odyssey-erp/odyssey-rental/internal/audit"
	"github.com/odyssey-erp/odyssey-rental/internal/shared"
)

// DefaultHold is the temp lock duration used when neither caller nor company sets one.
const DefaultHold = 15 * time.Minute

// RepositoryPort abstracts transactional repository behaviour.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
}

// Manager arbitrates exclusive, time-bounded access to vehicles.
type Manager struct {
	repo        RepositoryPort
	audit       audit.Sink
	logger      *slog.Logger
	now         func() time.Time
	defaultHold time.Duration
}

// NewManager builds a Manager. A non-positive defaultHold falls back to DefaultHold.
func NewManager(repo RepositoryPort, sink audit.Sink, logger *slog.Logger, defaultHold time.Duration) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if sink == nil {
		sink = audit.Nop{}
	}
	if defaultHold <= 0 {
		defaultHold = DefaultHold
	}
	return &Manager{repo: repo, audit: sink, logger: logger, now: time.Now, defaultHold: defaultHold}
}

// WithNow overrides the clock for testing.
func (m *Manager) WithNow(now func() time.Time) {
	if now != nil {
		m.now = now
	}
}

// Get loads a vehicle.
func (m *Manager) Get(ctx context.Context, vehicleID int64) (Vehicle, error) {
	var v Vehicle
	err := m.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		v, err = tx.GetVehicle(ctx, vehicleID)
		return err
	})
	return v, err
}

// Lock loads a vehicle under a row lock held until the caller's unit ends. Booking uses it to
// serialise competing reservations of the same vehicle.
func (m *Manager) Lock(ctx context.Context, vehicleID int64) (Vehicle, error) {
	var v Vehicle
	err := m.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		v, err = tx.GetVehicleForUpdate(ctx, vehicleID)
		return err
	})
	return v, err
}

// IsAvailable reports AVAILABLE or a lapsed temp hold.
func (m *Manager) IsAvailable(ctx context.Context, vehicleID int64) (bool, error) {
	v, err := m.Get(ctx, vehicleID)
	if err != nil {
		return false, err
	}
	return v.Available(m.now()), nil
}

// TempLock places a TEMP_BOOKED hold expiring after hold (default when zero).
func (m *Manager) TempLock(ctx context.Context, vehicleID int64, hold time.Duration, actorID int64) (Vehicle, error) {
	if hold <= 0 {
		hold = m.defaultHold
	}
	return m.mutate(ctx, vehicleID, actorID, "vehicle.temp_lock", func(v *Vehicle, now time.Time) error {
		if !v.Available(now) {
			return fmt.Errorf("vehicle %s is %s: %w", v.PlateNumber, v.LockStatus, shared.ErrVehicleUnavailable)
		}
		until := now.Add(hold).Truncate(time.Microsecond)
		v.LockStatus = LockTempBooked
		v.TempLockedUntil = &until
		v.IsBooked = true
		return nil
	})
}

// PermanentLock escalates a reservation to LOCKED and clears any expiry.
func (m *Manager) PermanentLock(ctx context.Context, vehicleID, actorID int64) (Vehicle, error) {
	return m.mutate(ctx, vehicleID, actorID, "vehicle.lock", func(v *Vehicle, now time.Time) error {
		if !canMove(v.LockStatus, LockLocked) {
			return shared.Transition("vehicle", v.LockStatus, LockLocked)
		}
		v.LockStatus = LockLocked
		v.TempLockedUntil = nil
		v.IsBooked = true
		return nil
	})
}

// MarkRented records the vehicle as handed over.
func (m *Manager) MarkRented(ctx context.Context, vehicleID, actorID int64) (Vehicle, error) {
	return m.mutate(ctx, vehicleID, actorID, "vehicle.rent", func(v *Vehicle, now time.Time) error {
		if !canMove(v.LockStatus, LockRented) {
			return shared.Transition("vehicle", v.LockStatus, LockRented)
		}
		v.LockStatus = LockRented
		v.TempLockedUntil = nil
		v.IsBooked = true
		return nil
	})
}

// Release returns the vehicle to AVAILABLE from any state.
func (m *Manager) Release(ctx context.Context, vehicleID, actorID int64) (Vehicle, error) {
	return m.mutate(ctx, vehicleID, actorID, "vehicle.release", func(v *Vehicle, now time.Time) error {
		v.LockStatus = LockAvailable
		v.TempLockedUntil = nil
		v.IsBooked = false
		return nil
	})
}

// ReturnVehicle releases a vehicle coming back from a rental and advances its odometer.
func (m *Manager) ReturnVehicle(ctx context.Context, vehicleID, odometer, actorID int64) (Vehicle, error) {
	return m.mutate(ctx, vehicleID, actorID, "vehicle.return", func(v *Vehicle, now time.Time) error {
		if v.LockStatus != LockRented {
			return shared.Transition("vehicle", v.LockStatus, LockAvailable)
		}
		if odometer > v.Odometer {
			v.Odometer = odometer
		}
		v.LockStatus = LockAvailable
		v.TempLockedUntil = nil
		v.IsBooked = false
		return nil
	})
}

func (m *Manager) mutate(ctx context.Context, vehicleID, actorID int64, action string, apply func(v *Vehicle, now time.Time) error) (Vehicle, error) {
	var out Vehicle
	ev := audit.Event{ActorID: actorID, Action: action, Entity: "vehicle", EntityID: strconv.FormatInt(vehicleID, 10)}
	err := audit.Atomic(ctx, m.audit, ev, m.repo.WithTx, func(ctx context.Context, tx TxRepository, ev *audit.Event) error {
		v, err := tx.GetVehicleForUpdate(ctx, vehicleID)
		if err != nil {
			return err
		}
		ev.CompanyID = v.CompanyID
		ev.Set("from", string(v.LockStatus))
		now := m.now()
		if err := apply(&v, now); err != nil {
			return err
		}
		v.UpdatedAt = now
		if err := tx.UpdateVehicleLock(ctx, v); err != nil {
			return err
		}
		ev.Set("to", string(v.LockStatus))
		out = v
		return nil
	})
	if err != nil {
		return Vehicle{}, err
	}
	m.logger.Debug("vehicle lock changed", slog.Int64("vehicle_id", vehicleID), slog.String("action", action), slog.String("status", string(out.LockStatus)))
	return out, nil
}
