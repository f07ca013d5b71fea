package memory

import (
	"context"
	"fmt"

	"github.com/odyssey-erp/odyssey-rental/internal/fleet"
)

// FleetRepository implements fleet.RepositoryPort.
type FleetRepository struct {
	s *Store
}

// WithTx joins or opens a unit.
func (r *FleetRepository) WithTx(ctx context.Context, fn func(context.Context, fleet.TxRepository) error) error {
	return r.s.Run(ctx, func(ctx context.Context) error {
		return fn(ctx, fleetTx{st: r.s.st})
	})
}

type fleetTx struct {
	st *state
}

func (t fleetTx) GetVehicle(_ context.Context, id int64) (fleet.Vehicle, error) {
	v, ok := t.st.vehicles[id]
	if !ok {
		return fleet.Vehicle{}, fmt.Errorf("vehicle %d: %w", id, fleet.ErrVehicleNotFound)
	}
	return v, nil
}

func (t fleetTx) GetVehicleForUpdate(ctx context.Context, id int64) (fleet.Vehicle, error) {
	return t.GetVehicle(ctx, id)
}

func (t fleetTx) UpdateVehicleLock(_ context.Context, v fleet.Vehicle) error {
	stored, ok := t.st.vehicles[v.ID]
	if !ok {
		return fmt.Errorf("vehicle %d: %w", v.ID, fleet.ErrVehicleNotFound)
	}
	stored.LockStatus = v.LockStatus
	stored.TempLockedUntil = v.TempLockedUntil
	stored.IsBooked = v.IsBooked
	stored.Odometer = v.Odometer
	stored.UpdatedAt = v.UpdatedAt
	t.st.vehicles[v.ID] = stored
	return nil
}
