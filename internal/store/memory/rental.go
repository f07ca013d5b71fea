package memory

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/odyssey-erp/odyssey-rental/internal/ar"
	"github.com/odyssey-erp/odyssey-rental/internal/platform/db"
	"github.com/odyssey-erp/odyssey-rental/internal/rental"
)

// RentalRepository implements rental.RepositoryPort.
type RentalRepository struct {
	s *Store
}

// WithTx joins or opens a unit.
func (r *RentalRepository) WithTx(ctx context.Context, fn func(context.Context, rental.TxRepository) error) error {
	return r.s.Run(ctx, func(ctx context.Context) error {
		return fn(ctx, rentalTx{st: r.s.st})
	})
}

type rentalTx struct {
	st *state
}

func (t rentalTx) GetCustomer(_ context.Context, id int64) (ar.Customer, error) {
	return customer(t.st, id)
}

func (t rentalTx) GetSettings(_ context.Context, companyID int64) (rental.CompanySettings, error) {
	if cs, ok := t.st.settings[companyID]; ok {
		return cs, nil
	}
	return rental.DefaultSettings(companyID), nil
}

func (t rentalTx) BookingsForVehicle(_ context.Context, vehicleID int64, statuses []rental.BookingStatus) ([]rental.Booking, error) {
	var out []rental.Booking
	for _, b := range t.st.bookings {
		if b.VehicleID == vehicleID && slices.Contains(statuses, b.Status) {
			b.Addons = slices.Clone(b.Addons)
			out = append(out, b)
		}
	}
	slices.SortFunc(out, func(a, b rental.Booking) int { return a.StartDate.Compare(b.StartDate) })
	return out, nil
}

func (t rentalTx) InsertBooking(_ context.Context, b rental.Booking) (rental.Booking, error) {
	for _, existing := range t.st.bookings {
		if existing.CompanyID == b.CompanyID && existing.Number == b.Number {
			return rental.Booking{}, fmt.Errorf("booking number %s taken: %w", b.Number, db.ErrRetryable)
		}
	}
	b.ID = t.st.id()
	addons := make([]rental.BookingAddon, len(b.Addons))
	for i, a := range b.Addons {
		a.ID = t.st.id()
		a.BookingID = b.ID
		addons[i] = a
	}
	b.Addons = addons
	t.st.bookings[b.ID] = b
	b.Addons = slices.Clone(addons)
	return b, nil
}

func (t rentalTx) GetBooking(_ context.Context, id int64) (rental.Booking, error) {
	return t.loadBooking(id)
}

func (t rentalTx) GetBookingForUpdate(_ context.Context, id int64) (rental.Booking, error) {
	return t.loadBooking(id)
}

func (t rentalTx) loadBooking(id int64) (rental.Booking, error) {
	b, ok := t.st.bookings[id]
	if !ok {
		return rental.Booking{}, fmt.Errorf("booking %d: %w", id, rental.ErrBookingNotFound)
	}
	b.Addons = slices.Clone(b.Addons)
	return b, nil
}

func (t rentalTx) UpdateBooking(_ context.Context, b rental.Booking) error {
	stored, ok := t.st.bookings[b.ID]
	if !ok {
		return fmt.Errorf("booking %d: %w", b.ID, rental.ErrBookingNotFound)
	}
	stored.Status = b.Status
	stored.LockedUntil = b.LockedUntil
	stored.InvoiceID = b.InvoiceID
	stored.ContractID = b.ContractID
	stored.CancelReason = b.CancelReason
	stored.ConfirmedAt = b.ConfirmedAt
	stored.CancelledAt = b.CancelledAt
	stored.UpdatedAt = b.UpdatedAt
	t.st.bookings[b.ID] = stored
	return nil
}

func (t rentalTx) ExpiredPendingBookings(_ context.Context, asOf time.Time, limit int) ([]int64, error) {
	if limit <= 0 {
		limit = 100
	}
	var expired []rental.Booking
	for _, b := range t.st.bookings {
		if b.Status == rental.BookingPending && b.LockedUntil != nil && !b.LockedUntil.After(asOf) {
			expired = append(expired, b)
		}
	}
	slices.SortFunc(expired, func(a, b rental.Booking) int {
		if c := a.LockedUntil.Compare(*b.LockedUntil); c != 0 {
			return c
		}
		return int(a.ID - b.ID)
	})
	if len(expired) > limit {
		expired = expired[:limit]
	}
	ids := make([]int64, len(expired))
	for i, b := range expired {
		ids[i] = b.ID
	}
	return ids, nil
}

func (t rentalTx) InsertContract(_ context.Context, c rental.RentalContract) (rental.RentalContract, error) {
	for _, existing := range t.st.contracts {
		if existing.CompanyID == c.CompanyID && existing.Number == c.Number {
			return rental.RentalContract{}, fmt.Errorf("contract number %s taken: %w", c.Number, db.ErrRetryable)
		}
	}
	c.ID = t.st.id()
	t.st.contracts[c.ID] = c
	return c, nil
}

func (t rentalTx) GetContract(_ context.Context, id int64) (rental.RentalContract, error) {
	c, ok := t.st.contracts[id]
	if !ok {
		return rental.RentalContract{}, fmt.Errorf("contract %d: %w", id, rental.ErrContractNotFound)
	}
	return c, nil
}

func (t rentalTx) GetContractForUpdate(ctx context.Context, id int64) (rental.RentalContract, error) {
	return t.GetContract(ctx, id)
}

func (t rentalTx) UpdateContract(_ context.Context, c rental.RentalContract) error {
	stored, ok := t.st.contracts[c.ID]
	if !ok {
		return fmt.Errorf("contract %d: %w", c.ID, rental.ErrContractNotFound)
	}
	stored.Status = c.Status
	stored.OutKm, stored.OutFuel, stored.OutDate = c.OutKm, c.OutFuel, c.OutDate
	stored.InKm, stored.InFuel, stored.InDate = c.InKm, c.InFuel, c.InDate
	stored.Charges = c.Charges
	stored.ChargesInvoiceID = c.ChargesInvoiceID
	stored.UpdatedAt = c.UpdatedAt
	t.st.contracts[c.ID] = stored
	return nil
}
