package rental

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/odyssey-erp/odyssey-rental/internal/ar"
	"github.com/odyssey-erp/odyssey-rental/internal/platform/db"
	"github.com/odyssey-erp/odyssey-rental/internal/shared"
)

var (
	// ErrBookingNotFound indicates a missing booking.
	ErrBookingNotFound = fmt.Errorf("rental: booking not found: %w", shared.ErrNotFound)
	// ErrContractNotFound indicates a missing rental contract.
	ErrContractNotFound = fmt.Errorf("rental: contract not found: %w", shared.ErrNotFound)
)

// TxRepository exposes transactional operations.
type TxRepository interface {
	GetCustomer(ctx context.Context, id int64) (ar.Customer, error)
	GetSettings(ctx context.Context, companyID int64) (CompanySettings, error)
	BookingsForVehicle(ctx context.Context, vehicleID int64, statuses []BookingStatus) ([]Booking, error)
	InsertBooking(ctx context.Context, b Booking) (Booking, error)
	GetBooking(ctx context.Context, id int64) (Booking, error)
	GetBookingForUpdate(ctx context.Context, id int64) (Booking, error)
	UpdateBooking(ctx context.Context, b Booking) error
	ExpiredPendingBookings(ctx context.Context, asOf time.Time, limit int) ([]int64, error)
	InsertContract(ctx context.Context, c RentalContract) (RentalContract, error)
	GetContract(ctx context.Context, id int64) (RentalContract, error)
	GetContractForUpdate(ctx context.Context, id int64) (RentalContract, error)
	UpdateContract(ctx context.Context, c RentalContract) error
}

// Repository persists bookings and contracts in PostgreSQL.
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
		return errors.New("rental repository not initialised")
	}
	return r.runner.Run(ctx, func(ctx context.Context, tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

func (r *txRepository) GetCustomer(ctx context.Context, id int64) (ar.Customer, error) {
	var c ar.Customer
	err := r.tx.QueryRow(ctx, `SELECT id, company_id, code, name, email, phone, id_number, driver_license, address, is_active, created_at, updated_at
FROM customers WHERE id=$1`, id).
		Scan(&c.ID, &c.CompanyID, &c.Code, &c.Name, &c.Email, &c.Phone, &c.IDNumber, &c.DriverLicense, &c.Address, &c.IsActive, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ar.Customer{}, fmt.Errorf("customer %d: %w", id, shared.ErrCustomerNotFound)
		}
		return ar.Customer{}, err
	}
	return c, nil
}

// GetSettings falls back to DefaultSettings when the company has no row.
func (r *txRepository) GetSettings(ctx context.Context, companyID int64) (CompanySettings, error) {
	s := CompanySettings{CompanyID: companyID}
	err := r.tx.QueryRow(ctx, `SELECT temp_lock_minutes, contract_prefix, tax_rate, km_allowance_per_day, extra_km_rate, fuel_charge_per_eighth
FROM company_settings WHERE company_id=$1`, companyID).
		Scan(&s.TempLockMinutes, &s.ContractPrefix, &s.TaxRate, &s.KmAllowancePerDay, &s.ExtraKmRate, &s.FuelChargePerEighth)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return DefaultSettings(companyID), nil
		}
		return CompanySettings{}, err
	}
	return s, nil
}

const bookingColumns = `id, company_id, customer_id, vehicle_id, number, status, start_date, end_date, locked_until, days,
daily_rate, monthly_rate, rental_amount, addons_amount, total_amount, invoice_id, contract_id, notes, cancel_reason,
created_by, confirmed_at, cancelled_at, created_at, updated_at`

func scanBooking(row pgx.Row) (Booking, error) {
	var b Booking
	err := row.Scan(&b.ID, &b.CompanyID, &b.CustomerID, &b.VehicleID, &b.Number, &b.Status, &b.StartDate, &b.EndDate, &b.LockedUntil, &b.Days,
		&b.DailyRate, &b.MonthlyRate, &b.RentalAmount, &b.AddonsAmount, &b.TotalAmount, &b.InvoiceID, &b.ContractID, &b.Notes, &b.CancelReason,
		&b.CreatedBy, &b.ConfirmedAt, &b.CancelledAt, &b.CreatedAt, &b.UpdatedAt)
	return b, err
}

func (r *txRepository) BookingsForVehicle(ctx context.Context, vehicleID int64, statuses []BookingStatus) ([]Booking, error) {
	names := make([]string, len(statuses))
	for i, st := range statuses {
		names[i] = string(st)
	}
	rows, err := r.tx.Query(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE vehicle_id=$1 AND status = ANY($2) ORDER BY start_date`, vehicleID, names)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (r *txRepository) InsertBooking(ctx context.Context, b Booking) (Booking, error) {
	err := r.tx.QueryRow(ctx, `INSERT INTO bookings (company_id, customer_id, vehicle_id, number, status, start_date, end_date, locked_until, days,
daily_rate, monthly_rate, rental_amount, addons_amount, total_amount, notes, cancel_reason, created_by, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,'',$16,$17,$18) RETURNING id`,
		b.CompanyID, b.CustomerID, b.VehicleID, b.Number, b.Status, b.StartDate, b.EndDate, b.LockedUntil, b.Days,
		b.DailyRate, b.MonthlyRate, b.RentalAmount, b.AddonsAmount, b.TotalAmount, b.Notes, b.CreatedBy, b.CreatedAt, b.UpdatedAt).Scan(&b.ID)
	if err != nil {
		if db.IsUniqueViolation(err, "uq_bookings_company_number") {
			return Booking{}, fmt.Errorf("booking number %s taken: %w", b.Number, db.ErrRetryable)
		}
		return Booking{}, err
	}
	for i := range b.Addons {
		addon := &b.Addons[i]
		addon.BookingID = b.ID
		if err := r.tx.QueryRow(ctx, `INSERT INTO booking_addons (booking_id, name, pricing, unit_price, quantity, amount)
VALUES ($1,$2,$3,$4,$5,$6) RETURNING id`, b.ID, addon.Name, addon.Pricing, addon.UnitPrice, addon.Quantity, addon.Amount).Scan(&addon.ID); err != nil {
			return Booking{}, err
		}
	}
	return b, nil
}

func (r *txRepository) GetBooking(ctx context.Context, id int64) (Booking, error) {
	return r.loadBooking(ctx, id, "")
}

func (r *txRepository) GetBookingForUpdate(ctx context.Context, id int64) (Booking, error) {
	return r.loadBooking(ctx, id, " FOR UPDATE")
}

func (r *txRepository) loadBooking(ctx context.Context, id int64, lock string) (Booking, error) {
	b, err := scanBooking(r.tx.QueryRow(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id=$1`+lock, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Booking{}, fmt.Errorf("booking %d: %w", id, ErrBookingNotFound)
		}
		return Booking{}, err
	}
	rows, err := r.tx.Query(ctx, `SELECT id, booking_id, name, pricing, unit_price, quantity, amount FROM booking_addons WHERE booking_id=$1 ORDER BY id`, id)
	if err != nil {
		return Booking{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var a BookingAddon
		if err := rows.Scan(&a.ID, &a.BookingID, &a.Name, &a.Pricing, &a.UnitPrice, &a.Quantity, &a.Amount); err != nil {
			return Booking{}, err
		}
		b.Addons = append(b.Addons, a)
	}
	return b, rows.Err()
}

func (r *txRepository) UpdateBooking(ctx context.Context, b Booking) error {
	cmd, err := r.tx.Exec(ctx, `UPDATE bookings SET status=$2, locked_until=$3, invoice_id=$4, contract_id=$5, cancel_reason=$6,
confirmed_at=$7, cancelled_at=$8, updated_at=$9 WHERE id=$1`,
		b.ID, b.Status, b.LockedUntil, b.InvoiceID, b.ContractID, b.CancelReason, b.ConfirmedAt, b.CancelledAt, b.UpdatedAt)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return fmt.Errorf("booking %d: %w", b.ID, ErrBookingNotFound)
	}
	return nil
}

func (r *txRepository) ExpiredPendingBookings(ctx context.Context, asOf time.Time, limit int) ([]int64, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.tx.Query(ctx, `SELECT id FROM bookings WHERE status='PENDING' AND locked_until IS NOT NULL AND locked_until <= $1
ORDER BY locked_until, id LIMIT $2`, asOf, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *txRepository) InsertContract(ctx context.Context, c RentalContract) (RentalContract, error) {
	snapshot, err := json.Marshal(c.Snapshot)
	if err != nil {
		return RentalContract{}, fmt.Errorf("encode snapshot: %w", err)
	}
	err = r.tx.QueryRow(ctx, `INSERT INTO rental_contracts (company_id, booking_id, number, status, start_date, end_date, days, snapshot,
approved_by, approved_at, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12) RETURNING id`,
		c.CompanyID, c.BookingID, c.Number, c.Status, c.StartDate, c.EndDate, c.Days, snapshot,
		c.ApprovedBy, c.ApprovedAt, c.CreatedAt, c.UpdatedAt).Scan(&c.ID)
	if err != nil {
		if db.IsUniqueViolation(err, "uq_rental_contracts_company_number") {
			return RentalContract{}, fmt.Errorf("contract number %s taken: %w", c.Number, db.ErrRetryable)
		}
		return RentalContract{}, err
	}
	return c, nil
}

func (r *txRepository) GetContract(ctx context.Context, id int64) (RentalContract, error) {
	return r.loadContract(ctx, id, "")
}

func (r *txRepository) GetContractForUpdate(ctx context.Context, id int64) (RentalContract, error) {
	return r.loadContract(ctx, id, " FOR UPDATE")
}

func (r *txRepository) loadContract(ctx context.Context, id int64, lock string) (RentalContract, error) {
	var (
		c        RentalContract
		snapshot []byte
	)
	err := r.tx.QueryRow(ctx, `SELECT id, company_id, booking_id, number, status, start_date, end_date, days, snapshot,
out_km, out_fuel, out_date, in_km, in_fuel, in_date,
extra_km, extra_km_amount, fuel_shortfall, fuel_amount, late_days, late_amount, damage_amount, damage_notes, charges_total,
charges_invoice_id, approved_by, approved_at, created_at, updated_at
FROM rental_contracts WHERE id=$1`+lock, id).
		Scan(&c.ID, &c.CompanyID, &c.BookingID, &c.Number, &c.Status, &c.StartDate, &c.EndDate, &c.Days, &snapshot,
			&c.OutKm, &c.OutFuel, &c.OutDate, &c.InKm, &c.InFuel, &c.InDate,
			&c.Charges.ExtraKm, &c.Charges.ExtraKmAmount, &c.Charges.FuelShortfall, &c.Charges.FuelAmount, &c.Charges.LateDays,
			&c.Charges.LateAmount, &c.Charges.DamageAmount, &c.Charges.DamageNotes, &c.Charges.Total,
			&c.ChargesInvoiceID, &c.ApprovedBy, &c.ApprovedAt, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return RentalContract{}, fmt.Errorf("contract %d: %w", id, ErrContractNotFound)
		}
		return RentalContract{}, err
	}
	if err := json.Unmarshal(snapshot, &c.Snapshot); err != nil {
		return RentalContract{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return c, nil
}

func (r *txRepository) UpdateContract(ctx context.Context, c RentalContract) error {
	ch := c.Charges
	cmd, err := r.tx.Exec(ctx, `UPDATE rental_contracts SET status=$2, out_km=$3, out_fuel=$4, out_date=$5, in_km=$6, in_fuel=$7, in_date=$8,
extra_km=$9, extra_km_amount=$10, fuel_shortfall=$11, fuel_amount=$12, late_days=$13, late_amount=$14, damage_amount=$15,
damage_notes=$16, charges_total=$17, charges_invoice_id=$18, updated_at=$19 WHERE id=$1`,
		c.ID, c.Status, c.OutKm, c.OutFuel, c.OutDate, c.InKm, c.InFuel, c.InDate,
		ch.ExtraKm, ch.ExtraKmAmount, ch.FuelShortfall, ch.FuelAmount, ch.LateDays, ch.LateAmount,
		ch.DamageAmount, ch.DamageNotes, ch.Total, c.ChargesInvoiceID, c.UpdatedAt)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return fmt.Errorf("contract %d: %w", c.ID, ErrContractNotFound)
	}
	return nil
}
