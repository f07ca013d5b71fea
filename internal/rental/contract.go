package rental

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-rental/internal/ar"
	"github.com/odyssey-erp/odyssey-rental/internal/audit"
	"github.com/odyssey-erp/odyssey-rental/internal/money"
	"github.com/odyssey-erp/odyssey-rental/internal/sequence"
	"github.com/odyssey-erp/odyssey-rental/internal/shared"
)

// ApproveContract turns a CONFIRMED booking into a signed contract: the customer and vehicle
// are frozen into a snapshot and the vehicle is permanently locked.
func (s *Service) ApproveContract(ctx context.Context, input ApproveInput) (RentalContract, error) {
	var contract RentalContract
	ev := audit.Event{ActorID: input.ActorID, Action: "contract.approve", Entity: "rental_contract"}
	err := s.atomic(ctx, ev, func(ctx context.Context, tx TxRepository, ev *audit.Event) error {
		if err := shared.ValidateStruct(input); err != nil {
			return err
		}
		b, err := tx.GetBookingForUpdate(ctx, input.BookingID)
		if err != nil {
			return err
		}
		ev.CompanyID = b.CompanyID
		ev.Set("booking_number", b.Number)
		if b.Status != BookingConfirmed {
			return shared.Transition("booking", b.Status, BookingApproved)
		}
		customer, err := tx.GetCustomer(ctx, b.CustomerID)
		if err != nil {
			return err
		}
		vehicle, err := s.locks.Get(ctx, b.VehicleID)
		if err != nil {
			return err
		}
		settings, err := tx.GetSettings(ctx, b.CompanyID)
		if err != nil {
			return err
		}
		prefix := settings.ContractPrefix
		if prefix == "" {
			prefix = sequence.PrefixContract
		}
		now := s.now()
		number, err := s.seq.Next(ctx, sequence.DayScope(b.CompanyID, sequence.KindContract, prefix, now))
		if err != nil {
			return err
		}
		if _, err := s.locks.PermanentLock(ctx, b.VehicleID, input.ActorID); err != nil {
			return err
		}
		snapshot := Freeze(customer, vehicle, settings)
		snapshot.DailyRate = b.DailyRate
		snapshot.MonthlyRate = b.MonthlyRate
		contract, err = tx.InsertContract(ctx, RentalContract{
			CompanyID:  b.CompanyID,
			BookingID:  b.ID,
			Number:     number,
			Status:     ContractApproved,
			StartDate:  b.StartDate,
			EndDate:    b.EndDate,
			Days:       b.Days,
			Snapshot:   snapshot,
			ApprovedBy: input.ActorID,
			ApprovedAt: now,
			CreatedAt:  now,
			UpdatedAt:  now,
		})
		if err != nil {
			return err
		}
		b.Status = BookingApproved
		b.ContractID = &contract.ID
		b.UpdatedAt = now
		if err := tx.UpdateBooking(ctx, b); err != nil {
			return err
		}
		ev.EntityID = strconv.FormatInt(contract.ID, 10)
		ev.Set("number", contract.Number)
		return nil
	})
	if err != nil {
		return RentalContract{}, err
	}
	return contract, nil
}

// RecordPickup records out km, fuel and date and hands the vehicle over.
func (s *Service) RecordPickup(ctx context.Context, input PickupInput) (RentalContract, error) {
	var contract RentalContract
	ev := audit.Event{ActorID: input.ActorID, Action: "contract.pickup", Entity: "rental_contract", EntityID: strconv.FormatInt(input.ContractID, 10)}
	err := s.atomic(ctx, ev, func(ctx context.Context, tx TxRepository, ev *audit.Event) error {
		if err := shared.ValidateStruct(input); err != nil {
			return err
		}
		c, b, err := s.lockContract(ctx, tx, input.ContractID)
		if err != nil {
			return err
		}
		ev.CompanyID = c.CompanyID
		ev.Set("number", c.Number)
		if b.Status != BookingApproved || c.Status != ContractApproved {
			return shared.Transition("booking", b.Status, BookingActive)
		}
		if _, err := s.locks.MarkRented(ctx, b.VehicleID, input.ActorID); err != nil {
			return err
		}
		now := s.now()
		outKm, outFuel, outDate := input.OutKm, input.OutFuel, input.OutDate
		c.OutKm, c.OutFuel, c.OutDate = &outKm, &outFuel, &outDate
		c.Status = ContractActive
		c.UpdatedAt = now
		if err := tx.UpdateContract(ctx, c); err != nil {
			return err
		}
		b.Status = BookingActive
		b.UpdatedAt = now
		if err := tx.UpdateBooking(ctx, b); err != nil {
			return err
		}
		contract = c
		return nil
	})
	if err != nil {
		return RentalContract{}, err
	}
	return contract, nil
}

// RecordReturn closes the rental: it prices extra km, fuel shortfall, late days and damage,
// releases the vehicle and bills any charges on a DRAFT invoice.
func (s *Service) RecordReturn(ctx context.Context, input ReturnInput) (RentalContract, error) {
	var contract RentalContract
	ev := audit.Event{ActorID: input.ActorID, Action: "contract.return", Entity: "rental_contract", EntityID: strconv.FormatInt(input.ContractID, 10)}
	err := s.atomic(ctx, ev, func(ctx context.Context, tx TxRepository, ev *audit.Event) error {
		if err := shared.ValidateStruct(input); err != nil {
			return err
		}
		if err := money.Check("damage_amount", input.DamageAmount); err != nil {
			return err
		}
		if input.DamageAmount.IsNegative() {
			return shared.Invalid("damage_amount", "must not be negative")
		}
		c, b, err := s.lockContract(ctx, tx, input.ContractID)
		if err != nil {
			return err
		}
		ev.CompanyID = c.CompanyID
		ev.Set("number", c.Number)
		if b.Status != BookingActive || c.Status != ContractActive {
			return shared.Transition("booking", b.Status, BookingCompleted)
		}
		if c.OutKm != nil && input.InKm < *c.OutKm {
			return shared.Invalid("in_km", "must not be below out_km")
		}
		if c.OutDate != nil && input.InDate.Before(*c.OutDate) {
			return shared.Invalid("in_date", "must not precede out_date")
		}
		charges := ComputeReturnCharges(c, input)
		if _, err := s.locks.ReturnVehicle(ctx, b.VehicleID, input.InKm, input.ActorID); err != nil {
			return err
		}
		now := s.now()
		if charges.Total.IsPositive() {
			inv, err := s.chargesInvoice(ctx, tx, c, b, charges, now, input.ActorID)
			if err != nil {
				return err
			}
			c.ChargesInvoiceID = &inv.ID
			ev.Set("charges_invoice", inv.Number)
		}
		inKm, inFuel, inDate := input.InKm, input.InFuel, input.InDate
		c.InKm, c.InFuel, c.InDate = &inKm, &inFuel, &inDate
		c.Charges = charges
		c.Status = ContractCompleted
		c.UpdatedAt = now
		if err := tx.UpdateContract(ctx, c); err != nil {
			return err
		}
		b.Status = BookingCompleted
		b.UpdatedAt = now
		if err := tx.UpdateBooking(ctx, b); err != nil {
			return err
		}
		ev.Set("charges_total", charges.Total.StringFixed(2))
		contract = c
		return nil
	})
	if err != nil {
		return RentalContract{}, err
	}
	return contract, nil
}

// ComputeReturnCharges prices a return against the contract snapshot.
func ComputeReturnCharges(c RentalContract, in ReturnInput) ReturnCharges {
	charges := ReturnCharges{
		ExtraKmAmount: decimal.Zero,
		FuelAmount:    decimal.Zero,
		LateAmount:    decimal.Zero,
		DamageAmount:  in.DamageAmount,
		DamageNotes:   in.DamageNotes,
	}
	snap := c.Snapshot
	if c.OutKm != nil && snap.KmAllowancePerDay > 0 {
		driven := in.InKm - *c.OutKm
		allowed := snap.KmAllowancePerDay * int64(c.Days)
		if driven > allowed {
			charges.ExtraKm = driven - allowed
			charges.ExtraKmAmount = money.Round(snap.ExtraKmRate.Mul(decimal.NewFromInt(charges.ExtraKm)))
		}
	}
	if c.OutFuel != nil && in.InFuel < *c.OutFuel {
		charges.FuelShortfall = *c.OutFuel - in.InFuel
		charges.FuelAmount = money.Round(snap.FuelChargePerEighth.Mul(decimal.NewFromInt(int64(charges.FuelShortfall))))
	}
	if late := in.InDate.Sub(c.EndDate); late > 0 {
		charges.LateDays = int(math.Ceil(late.Hours() / 24))
		charges.LateAmount = money.Round(snap.DailyRate.Mul(decimal.NewFromInt(int64(charges.LateDays))))
	}
	charges.Total = money.Sum(charges.ExtraKmAmount, charges.FuelAmount, charges.LateAmount, charges.DamageAmount)
	return charges
}

func (s *Service) lockContract(ctx context.Context, tx TxRepository, contractID int64) (RentalContract, Booking, error) {
	c, err := tx.GetContractForUpdate(ctx, contractID)
	if err != nil {
		return RentalContract{}, Booking{}, err
	}
	b, err := tx.GetBookingForUpdate(ctx, c.BookingID)
	if err != nil {
		return RentalContract{}, Booking{}, err
	}
	return c, b, nil
}

// maxItemDescription matches the invoice item validator, which counts runes.
const maxItemDescription = 255

func (s *Service) chargesInvoice(ctx context.Context, tx TxRepository, c RentalContract, b Booking, charges ReturnCharges, now time.Time, actorID int64) (ar.Invoice, error) {
	settings, err := tx.GetSettings(ctx, c.CompanyID)
	if err != nil {
		return ar.Invoice{}, err
	}
	receivable, revenue, tax, err := s.billingAccounts(ctx, c.CompanyID, settings.TaxRate.IsPositive())
	if err != nil {
		return ar.Invoice{}, err
	}
	var items []ar.InvoiceItemInput
	if charges.ExtraKm > 0 {
		items = append(items, ar.InvoiceItemInput{Description: "Extra kilometres", Quantity: decimal.NewFromInt(charges.ExtraKm), UnitPrice: c.Snapshot.ExtraKmRate})
	}
	if charges.FuelShortfall > 0 {
		items = append(items, ar.InvoiceItemInput{Description: "Fuel shortfall (eighths)", Quantity: decimal.NewFromInt(int64(charges.FuelShortfall)), UnitPrice: c.Snapshot.FuelChargePerEighth})
	}
	if charges.LateDays > 0 {
		items = append(items, ar.InvoiceItemInput{Description: "Late return days", Quantity: decimal.NewFromInt(int64(charges.LateDays)), UnitPrice: c.Snapshot.DailyRate})
	}
	if charges.DamageAmount.IsPositive() {
		desc := "Damage"
		if charges.DamageNotes != "" {
			desc = fmt.Sprintf("Damage: %s", charges.DamageNotes)
		}
		if r := []rune(desc); len(r) > maxItemDescription {
			desc = string(r[:maxItemDescription])
		}
		items = append(items, ar.InvoiceItemInput{Description: desc, Quantity: decimal.NewFromInt(1), UnitPrice: charges.DamageAmount})
	}
	return s.billing.CreateInvoice(ctx, ar.InvoiceInput{
		CompanyID:           c.CompanyID,
		CustomerID:          b.CustomerID,
		IssueDate:           now,
		DueDate:             now,
		ReceivableAccountID: receivable,
		RevenueAccountID:    revenue,
		TaxAccountID:        tax,
		TaxRate:             settings.TaxRate,
		Reference:           c.Number,
		ActorID:             actorID,
		Items:               items,
	})
}
