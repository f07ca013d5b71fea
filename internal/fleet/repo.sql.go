package fleet

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/odyssey-erp/odyssey-rental/internal/platform/db"
	"github.com/odyssey-erp/odyssey-rental/internal/shared"
)

// ErrVehicleNotFound indicates a missing vehicle.
var ErrVehicleNotFound = fmt.Errorf("fleet: vehicle not found: %w", shared.ErrNotFound)

// TxRepository exposes transactional operations.
type TxRepository interface {
	GetVehicle(ctx context.Context, id int64) (Vehicle, error)
	GetVehicleForUpdate(ctx context.Context, id int64) (Vehicle, error)
	UpdateVehicleLock(ctx context.Context, v Vehicle) error
}

// Repository persists vehicles in PostgreSQL.
type Repository struct {
	runner *db.Runner
}

// NewRepository constructs Repository.
func NewRepository(runner *db.Runner) *Repository {
	return &Repository{runner: runner}
}

type txRepository struct {
	tx pgx.Tx
}

// WithTx joins or opens the serializable unit.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil || r.runner == nil {
		return errors.New("fleet repository not initialised")
	}
	return r.runner.Run(ctx, func(ctx context.Context, tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

func (r *txRepository) GetVehicle(ctx context.Context, id int64) (Vehicle, error) {
	return r.load(ctx, id, "")
}

func (r *txRepository) GetVehicleForUpdate(ctx context.Context, id int64) (Vehicle, error) {
	return r.load(ctx, id, " FOR UPDATE")
}

func (r *txRepository) load(ctx context.Context, id int64, lock string) (Vehicle, error) {
	var v Vehicle
	err := r.tx.QueryRow(ctx, `SELECT id, company_id, plate_number, make, model, year, color, daily_rate, monthly_rate, odometer,
lock_status, temp_locked_until, is_booked, is_active, created_at, updated_at
FROM vehicles WHERE id=$1`+lock, id).
		Scan(&v.ID, &v.CompanyID, &v.PlateNumber, &v.Make, &v.Model, &v.Year, &v.Color, &v.DailyRate, &v.MonthlyRate, &v.Odometer,
			&v.LockStatus, &v.TempLockedUntil, &v.IsBooked, &v.IsActive, &v.CreatedAt, &v.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Vehicle{}, fmt.Errorf("vehicle %d: %w", id, ErrVehicleNotFound)
		}
		return Vehicle{}, err
	}
	return v, nil
}

func (r *txRepository) UpdateVehicleLock(ctx context.Context, v Vehicle) error {
	cmd, err := r.tx.Exec(ctx, `UPDATE vehicles SET lock_status=$2, temp_locked_until=$3, is_booked=$4, odometer=$5, updated_at=$6 WHERE id=$1`,
		v.ID, v.LockStatus, v.TempLockedUntil, v.IsBooked, v.Odometer, v.UpdatedAt)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return fmt.Errorf("vehicle %d: %w", v.ID, ErrVehicleNotFound)
	}
	return nil
}
