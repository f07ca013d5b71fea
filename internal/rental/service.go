package rental

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-rental/internal/accounting"
	"github.com/odyssey-erp/odyssey-rental/internal/ar"
	"github.com/odyssey-erp/odyssey-rental/internal/audit"
	"github.com/odyssey-erp/odyssey-rental/internal/fleet"
	"github.com/odyssey-erp/odyssey-rental/internal/sequence"
	"github.com/odyssey-erp/odyssey-rental/internal/shared"
)

// RepositoryPort abstracts transactional repository behaviour.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
}

// VehicleLocks is the lock manager surface booking consumes.
type VehicleLocks interface {
	Get(ctx context.Context, vehicleID int64) (fleet.Vehicle, error)
	Lock(ctx context.Context, vehicleID int64) (fleet.Vehicle, error)
	TempLock(ctx context.Context, vehicleID int64, hold time.Duration, actorID int64) (fleet.Vehicle, error)
	PermanentLock(ctx context.Context, vehicleID, actorID int64) (fleet.Vehicle, error)
	MarkRented(ctx context.Context, vehicleID, actorID int64) (fleet.Vehicle, error)
	Release(ctx context.Context, vehicleID, actorID int64) (fleet.Vehicle, error)
	ReturnVehicle(ctx context.Context, vehicleID, odometer, actorID int64) (fleet.Vehicle, error)
}

// Billing is the invoice surface booking consumes.
type Billing interface {
	CreateInvoice(ctx context.Context, input ar.InvoiceInput) (ar.Invoice, error)
	GetInvoice(ctx context.Context, invoiceID int64) (ar.Invoice, error)
	VoidInvoice(ctx context.Context, invoiceID, actorID int64, reason string) (ar.Invoice, error)
}

// AccountResolver maps integration keys to ledger accounts.
type AccountResolver interface {
	ResolveAccount(ctx context.Context, companyID int64, module, key string) (int64, error)
}

// Sequencer allocates document numbers inside the caller's unit.
type Sequencer interface {
	Next(ctx context.Context, scope sequence.Scope) (string, error)
}

// Service orchestrates bookings and rental contracts.
type Service struct {
	repo     RepositoryPort
	locks    VehicleLocks
	billing  Billing
	accounts AccountResolver
	seq      Sequencer
	audit    audit.Sink
	logger   *slog.Logger
	now      func() time.Time
}

// Deps groups the collaborators of Service.
type Deps struct {
	Repo     RepositoryPort
	Locks    VehicleLocks
	Billing  Billing
	Accounts AccountResolver
	Sequence Sequencer
	Audit    audit.Sink
	Logger   *slog.Logger
}

// NewService constructs the booking service.
func NewService(deps Deps) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sink := deps.Audit
	if sink == nil {
		sink = audit.Nop{}
	}
	return &Service{
		repo:     deps.Repo,
		locks:    deps.Locks,
		billing:  deps.Billing,
		accounts: deps.Accounts,
		seq:      deps.Sequence,
		audit:    sink,
		logger:   logger,
		now:      time.Now,
	}
}

// WithNow overrides the clock for testing.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

func (s *Service) atomic(ctx context.Context, ev audit.Event, fn func(context.Context, TxRepository, *audit.Event) error) error {
	return audit.Atomic(ctx, s.audit, ev, s.repo.WithTx, fn)
}

// CreateBooking checks availability and overlaps, prices the rental, numbers the booking
// and temp-locks the vehicle in one unit.
func (s *Service) CreateBooking(ctx context.Context, input BookingInput) (BookingDetail, error) {
	var detail BookingDetail
	ev := audit.Event{ActorID: input.ActorID, CompanyID: input.CompanyID, Action: "booking.create", Entity: "booking"}
	err := s.atomic(ctx, ev, func(ctx context.Context, tx TxRepository, ev *audit.Event) error {
		if err := shared.ValidateStruct(input); err != nil {
			return err
		}
		customer, err := s.customer(ctx, tx, input.CompanyID, input.CustomerID)
		if err != nil {
			return err
		}
		vehicle, err := s.locks.Lock(ctx, input.VehicleID)
		if err != nil {
			return err
		}
		if vehicle.CompanyID != input.CompanyID {
			return fmt.Errorf("vehicle %d: %w", input.VehicleID, fleet.ErrVehicleNotFound)
		}
		now := s.now()
		if !vehicle.Available(now) {
			return fmt.Errorf("vehicle %s is %s: %w", vehicle.PlateNumber, vehicle.LockStatus, shared.ErrVehicleUnavailable)
		}
		existing, err := tx.BookingsForVehicle(ctx, input.VehicleID, blockingStatuses)
		if err != nil {
			return err
		}
		// lapsed PENDING bookings keep their span until the sweep cancels them
		for _, b := range existing {
			if Overlaps(input.StartDate, input.EndDate, b.StartDate, b.EndDate) {
				return fmt.Errorf("overlaps booking %s: %w", b.Number, shared.ErrVehicleUnavailable)
			}
		}
		days := RentalDays(input.StartDate, input.EndDate)
		rate := CalculateRate(days, vehicle.DailyRate, vehicle.MonthlyRate)
		addons, addonsTotal, err := PriceAddons(input.Addons, days)
		if err != nil {
			return err
		}
		settings, err := tx.GetSettings(ctx, input.CompanyID)
		if err != nil {
			return err
		}
		number, err := s.seq.Next(ctx, sequence.YearScope(input.CompanyID, sequence.KindBooking, sequence.PrefixBooking, now))
		if err != nil {
			return err
		}
		hold := input.Hold
		if hold <= 0 {
			hold = settings.Hold()
		}
		vehicle, err = s.locks.TempLock(ctx, input.VehicleID, hold, input.ActorID)
		if err != nil {
			return err
		}
		booking, err := tx.InsertBooking(ctx, Booking{
			CompanyID:    input.CompanyID,
			CustomerID:   input.CustomerID,
			VehicleID:    input.VehicleID,
			Number:       number,
			Status:       BookingPending,
			StartDate:    input.StartDate,
			EndDate:      input.EndDate,
			LockedUntil:  vehicle.TempLockedUntil,
			Days:         days,
			DailyRate:    vehicle.DailyRate,
			MonthlyRate:  vehicle.MonthlyRate,
			RentalAmount: rate.Total,
			AddonsAmount: addonsTotal,
			TotalAmount:  rate.Total.Add(addonsTotal),
			Notes:        input.Notes,
			CreatedBy:    input.ActorID,
			CreatedAt:    now,
			UpdatedAt:    now,
			Addons:       addons,
		})
		if err != nil {
			return err
		}
		ev.EntityID = strconv.FormatInt(booking.ID, 10)
		ev.Set("number", booking.Number)
		ev.Set("total_amount", booking.TotalAmount.StringFixed(2))
		detail = BookingDetail{Booking: booking, Vehicle: vehicle, Customer: customer}
		return nil
	})
	if err != nil {
		return BookingDetail{}, err
	}
	return detail, nil
}

// ConfirmBooking bills the booking, due on the pickup date, and marks the vehicle RENTED.
func (s *Service) ConfirmBooking(ctx context.Context, bookingID, actorID int64) (BookingDetail, error) {
	var detail BookingDetail
	ev := audit.Event{ActorID: actorID, Action: "booking.confirm", Entity: "booking", EntityID: strconv.FormatInt(bookingID, 10)}
	err := s.atomic(ctx, ev, func(ctx context.Context, tx TxRepository, ev *audit.Event) error {
		b, err := tx.GetBookingForUpdate(ctx, bookingID)
		if err != nil {
			return err
		}
		ev.CompanyID = b.CompanyID
		ev.Set("number", b.Number)
		if b.Status != BookingPending {
			return shared.Transition("booking", b.Status, BookingConfirmed)
		}
		now := s.now()
		if b.LockedUntil != nil && !now.Before(*b.LockedUntil) {
			return fmt.Errorf("booking %s hold expired: %w", b.Number, shared.ErrVehicleUnavailable)
		}
		customer, err := s.customer(ctx, tx, b.CompanyID, b.CustomerID)
		if err != nil {
			return err
		}
		settings, err := tx.GetSettings(ctx, b.CompanyID)
		if err != nil {
			return err
		}
		vehicle, err := s.locks.Get(ctx, b.VehicleID)
		if err != nil {
			return err
		}
		input, err := s.bookingInvoice(ctx, b, vehicle, settings, now, actorID)
		if err != nil {
			return err
		}
		inv, err := s.billing.CreateInvoice(ctx, input)
		if err != nil {
			return err
		}
		vehicle, err = s.locks.MarkRented(ctx, b.VehicleID, actorID)
		if err != nil {
			return err
		}
		b.Status = BookingConfirmed
		b.InvoiceID = &inv.ID
		b.LockedUntil = nil
		b.ConfirmedAt = &now
		b.UpdatedAt = now
		if err := tx.UpdateBooking(ctx, b); err != nil {
			return err
		}
		ev.Set("invoice_number", inv.Number)
		detail = BookingDetail{Booking: b, Vehicle: vehicle, Customer: customer, Invoice: &inv}
		return nil
	})
	if err != nil {
		return BookingDetail{}, err
	}
	return detail, nil
}

// CancelBooking cancels a booking that has not been picked up, voids its unpaid invoice and
// frees the vehicle.
func (s *Service) CancelBooking(ctx context.Context, bookingID, actorID int64, reason string) (Booking, error) {
	var cancelled Booking
	ev := audit.Event{ActorID: actorID, Action: "booking.cancel", Entity: "booking", EntityID: strconv.FormatInt(bookingID, 10)}
	err := s.atomic(ctx, ev, func(ctx context.Context, tx TxRepository, ev *audit.Event) error {
		b, err := tx.GetBookingForUpdate(ctx, bookingID)
		if err != nil {
			return err
		}
		ev.CompanyID = b.CompanyID
		ev.Set("number", b.Number)
		ev.Set("reason", reason)
		if !b.Status.Cancellable() {
			return shared.Transition("booking", b.Status, BookingCancelled)
		}
		if b.InvoiceID != nil {
			inv, err := s.billing.GetInvoice(ctx, *b.InvoiceID)
			if err != nil {
				return err
			}
			if inv.PaidAmount.IsPositive() {
				return shared.Invalid("invoice_id", "booking invoice has payments; void them first")
			}
			if inv.Status != ar.InvoiceStatusVoid {
				if _, err := s.billing.VoidInvoice(ctx, inv.ID, actorID, "booking cancelled"); err != nil {
					return err
				}
			}
		}
		if err := s.releaseFor(ctx, b, actorID); err != nil {
			return err
		}
		cancelled, err = s.markCancelled(ctx, tx, b, reason)
		return err
	})
	if err != nil {
		return Booking{}, err
	}
	return cancelled, nil
}

// ExpiredPendingBookings lists PENDING bookings whose hold has lapsed.
func (s *Service) ExpiredPendingBookings(ctx context.Context, limit int) ([]int64, error) {
	var ids []int64
	now := s.now()
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		ids, err = tx.ExpiredPendingBookings(ctx, now, limit)
		return err
	})
	return ids, err
}

// ExpireBooking cancels one lapsed PENDING booking and releases its hold in a single unit.
// It reports false when the booking no longer qualifies, so repeated sweeps are no-ops.
func (s *Service) ExpireBooking(ctx context.Context, bookingID int64) (bool, error) {
	var expired bool
	ev := audit.Event{Action: "booking.expire", Entity: "booking", EntityID: strconv.FormatInt(bookingID, 10)}
	err := s.atomic(ctx, ev, func(ctx context.Context, tx TxRepository, ev *audit.Event) error {
		b, err := tx.GetBookingForUpdate(ctx, bookingID)
		if err != nil {
			return err
		}
		ev.CompanyID = b.CompanyID
		ev.Set("number", b.Number)
		if b.Status != BookingPending || b.LockedUntil == nil || s.now().Before(*b.LockedUntil) {
			return nil
		}
		if err := s.releaseFor(ctx, b, 0); err != nil {
			return err
		}
		if _, err := s.markCancelled(ctx, tx, b, "temporary hold expired"); err != nil {
			return err
		}
		expired = true
		return nil
	})
	return expired, err
}

// GetBooking loads a booking with its vehicle, customer, invoice and contract.
func (s *Service) GetBooking(ctx context.Context, bookingID int64) (BookingDetail, error) {
	var detail BookingDetail
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		b, err := tx.GetBooking(ctx, bookingID)
		if err != nil {
			return err
		}
		detail.Booking = b
		if detail.Customer, err = tx.GetCustomer(ctx, b.CustomerID); err != nil {
			return err
		}
		if detail.Vehicle, err = s.locks.Get(ctx, b.VehicleID); err != nil {
			return err
		}
		if b.InvoiceID != nil {
			inv, err := s.billing.GetInvoice(ctx, *b.InvoiceID)
			if err != nil {
				return err
			}
			detail.Invoice = &inv
		}
		if b.ContractID != nil {
			contract, err := tx.GetContract(ctx, *b.ContractID)
			if err != nil {
				return err
			}
			detail.Contract = &contract
		}
		return nil
	})
	return detail, err
}

// releaseFor frees the vehicle held by b. A PENDING booking only owns the vehicle while the
// vehicle's hold is still the one the booking placed.
func (s *Service) releaseFor(ctx context.Context, b Booking, actorID int64) error {
	vehicle, err := s.locks.Lock(ctx, b.VehicleID)
	if err != nil {
		return err
	}
	if b.Status == BookingPending && !holdOwnedBy(vehicle, b) {
		return nil
	}
	if vehicle.LockStatus == fleet.LockAvailable {
		return nil
	}
	_, err = s.locks.Release(ctx, b.VehicleID, actorID)
	return err
}

func holdOwnedBy(v fleet.Vehicle, b Booking) bool {
	return v.LockStatus == fleet.LockTempBooked &&
		v.TempLockedUntil != nil && b.LockedUntil != nil &&
		v.TempLockedUntil.Equal(*b.LockedUntil)
}

func (s *Service) markCancelled(ctx context.Context, tx TxRepository, b Booking, reason string) (Booking, error) {
	now := s.now()
	b.Status = BookingCancelled
	b.CancelReason = reason
	b.CancelledAt = &now
	b.LockedUntil = nil
	b.UpdatedAt = now
	if err := tx.UpdateBooking(ctx, b); err != nil {
		return Booking{}, err
	}
	return b, nil
}

func (s *Service) customer(ctx context.Context, tx TxRepository, companyID, customerID int64) (ar.Customer, error) {
	customer, err := tx.GetCustomer(ctx, customerID)
	if err != nil {
		return ar.Customer{}, err
	}
	if customer.CompanyID != companyID || !customer.IsActive {
		return ar.Customer{}, fmt.Errorf("customer %d: %w", customerID, shared.ErrCustomerNotFound)
	}
	return customer, nil
}

// billingAccounts resolves receivable, revenue and, when taxed, tax payable accounts.
func (s *Service) billingAccounts(ctx context.Context, companyID int64, taxed bool) (receivable, revenue int64, tax *int64, err error) {
	if receivable, err = s.accounts.ResolveAccount(ctx, companyID, accounting.MappingModuleBilling, accounting.KeyReceivable); err != nil {
		return 0, 0, nil, err
	}
	if revenue, err = s.accounts.ResolveAccount(ctx, companyID, accounting.MappingModuleBilling, accounting.KeyRevenue); err != nil {
		return 0, 0, nil, err
	}
	if taxed {
		id, err := s.accounts.ResolveAccount(ctx, companyID, accounting.MappingModuleBilling, accounting.KeyTaxPayable)
		if err != nil {
			return 0, 0, nil, err
		}
		tax = &id
	}
	return receivable, revenue, tax, nil
}

func (s *Service) bookingInvoice(ctx context.Context, b Booking, vehicle fleet.Vehicle, settings CompanySettings, now time.Time, actorID int64) (ar.InvoiceInput, error) {
	receivable, revenue, tax, err := s.billingAccounts(ctx, b.CompanyID, settings.TaxRate.IsPositive())
	if err != nil {
		return ar.InvoiceInput{}, err
	}
	// due at pickup, or today when pickup has passed, since due may not precede issue
	due := b.StartDate
	if due.Before(now) {
		due = now
	}
	rate := CalculateRate(b.Days, b.DailyRate, b.MonthlyRate)
	var items []ar.InvoiceItemInput
	if rate.Months > 0 {
		items = append(items, ar.InvoiceItemInput{
			Description: fmt.Sprintf("Rental %s monthly rate", vehicle.PlateNumber),
			Quantity:    decimal.NewFromInt(int64(rate.Months)),
			UnitPrice:   b.MonthlyRate,
		})
	}
	if rate.RemainderDays > 0 {
		items = append(items, ar.InvoiceItemInput{
			Description: fmt.Sprintf("Rental %s daily rate", vehicle.PlateNumber),
			Quantity:    decimal.NewFromInt(int64(rate.RemainderDays)),
			UnitPrice:   b.DailyRate,
		})
	}
	for _, addon := range b.Addons {
		qty := addon.Quantity
		if addon.Pricing == AddonPerDay {
			qty = qty.Mul(decimal.NewFromInt(int64(b.Days)))
		}
		items = append(items, ar.InvoiceItemInput{Description: "Add-on " + addon.Name, Quantity: qty, UnitPrice: addon.UnitPrice})
	}
	return ar.InvoiceInput{
		CompanyID:           b.CompanyID,
		CustomerID:          b.CustomerID,
		IssueDate:           now,
		DueDate:             due,
		ReceivableAccountID: receivable,
		RevenueAccountID:    revenue,
		TaxAccountID:        tax,
		TaxRate:             settings.TaxRate,
		Reference:           b.Number,
		ActorID:             actorID,
		Items:               items,
	}, nil
}
