package rental

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-rental/internal/ar"
	"github.com/odyssey-erp/odyssey-rental/internal/fleet"
)

// BookingStatus enumerates booking lifecycle values.
type BookingStatus string

const (
	BookingPending   BookingStatus = "PENDING"
	BookingConfirmed BookingStatus = "CONFIRMED"
	BookingApproved  BookingStatus = "APPROVED"
	BookingActive    BookingStatus = "ACTIVE"
	BookingCompleted BookingStatus = "COMPLETED"
	BookingCancelled BookingStatus = "CANCELLED"
)

// blockingStatuses are the booking states that reserve a vehicle span.
var blockingStatuses = []BookingStatus{BookingPending, BookingConfirmed, BookingApproved, BookingActive}

// Cancellable reports whether a booking in s may still be cancelled.
func (s BookingStatus) Cancellable() bool {
	return s == BookingPending || s == BookingConfirmed || s == BookingApproved
}

// AddonPricing selects how an add-on is charged.
type AddonPricing string

const (
	AddonPerDay AddonPricing = "PER_DAY"
	AddonFlat   AddonPricing = "FLAT"
)

// Booking reserves a vehicle for a customer over [StartDate, EndDate].
type Booking struct {
	ID           int64
	CompanyID    int64
	CustomerID   int64
	VehicleID    int64
	Number       string
	Status       BookingStatus
	StartDate    time.Time
	EndDate      time.Time
	LockedUntil  *time.Time
	Days         int
	DailyRate    decimal.Decimal
	MonthlyRate  decimal.Decimal
	RentalAmount decimal.Decimal
	AddonsAmount decimal.Decimal
	TotalAmount  decimal.Decimal
	InvoiceID    *int64
	ContractID   *int64
	Notes        string
	CancelReason string
	CreatedBy    int64
	ConfirmedAt  *time.Time
	CancelledAt  *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
	Addons       []BookingAddon
}

// BookingAddon is an extra priced alongside the rental.
type BookingAddon struct {
	ID        int64
	BookingID int64
	Name      string
	Pricing   AddonPricing
	UnitPrice decimal.Decimal
	Quantity  decimal.Decimal
	Amount    decimal.Decimal
}

// AddonInput describes a requested extra.
type AddonInput struct {
	Name      string       `validate:"required,max=128"`
	Pricing   AddonPricing `validate:"required,oneof=PER_DAY FLAT"`
	UnitPrice decimal.Decimal
	Quantity  decimal.Decimal
}

// BookingInput captures a reservation request.
type BookingInput struct {
	CompanyID  int64     `validate:"required,gt=0"`
	CustomerID int64     `validate:"required,gt=0"`
	VehicleID  int64     `validate:"required,gt=0"`
	StartDate  time.Time `validate:"required"`
	EndDate    time.Time `validate:"required,gtfield=StartDate"`
	Hold       time.Duration
	Notes      string
	ActorID    int64
	Addons     []AddonInput `validate:"dive"`
}

// BookingDetail is a booking with the aggregates it references.
type BookingDetail struct {
	Booking  Booking
	Vehicle  fleet.Vehicle
	Customer ar.Customer
	Invoice  *ar.Invoice
	Contract *RentalContract
}

// CompanySettings holds per-company booking and contract parameters.
type CompanySettings struct {
	CompanyID           int64
	TempLockMinutes     int
	ContractPrefix      string
	TaxRate             decimal.Decimal
	KmAllowancePerDay   int64
	ExtraKmRate         decimal.Decimal
	FuelChargePerEighth decimal.Decimal
}

// DefaultSettings is used for companies without a settings row.
func DefaultSettings(companyID int64) CompanySettings {
	return CompanySettings{
		CompanyID:           companyID,
		TempLockMinutes:     int(fleet.DefaultHold / time.Minute),
		ContractPrefix:      "RC",
		TaxRate:             decimal.Zero,
		ExtraKmRate:         decimal.Zero,
		FuelChargePerEighth: decimal.Zero,
	}
}

// Hold returns the configured temp lock duration.
func (c CompanySettings) Hold() time.Duration {
	if c.TempLockMinutes <= 0 {
		return fleet.DefaultHold
	}
	return time.Duration(c.TempLockMinutes) * time.Minute
}

// ContractStatus follows the booking from approval to return.
type ContractStatus string

const (
	ContractApproved  ContractStatus = "APPROVED"
	ContractActive    ContractStatus = "ACTIVE"
	ContractCompleted ContractStatus = "COMPLETED"
)

// Snapshot freezes customer, vehicle and tariff data as signed.
type Snapshot struct {
	CustomerName        string
	CustomerIDNumber    string
	CustomerPhone       string
	CustomerAddress     string
	DriverLicense       string
	VehiclePlate        string
	VehicleMake         string
	VehicleModel        string
	VehicleYear         int
	VehicleColor        string
	DailyRate           decimal.Decimal
	MonthlyRate         decimal.Decimal
	KmAllowancePerDay   int64
	ExtraKmRate         decimal.Decimal
	FuelChargePerEighth decimal.Decimal
}

// Freeze copies the fields a signed contract must keep regardless of later master data edits.
func Freeze(customer ar.Customer, vehicle fleet.Vehicle, settings CompanySettings) Snapshot {
	return Snapshot{
		CustomerName:        customer.Name,
		CustomerIDNumber:    customer.IDNumber,
		CustomerPhone:       customer.Phone,
		CustomerAddress:     customer.Address,
		DriverLicense:       customer.DriverLicense,
		VehiclePlate:        vehicle.PlateNumber,
		VehicleMake:         vehicle.Make,
		VehicleModel:        vehicle.Model,
		VehicleYear:         vehicle.Year,
		VehicleColor:        vehicle.Color,
		DailyRate:           vehicle.DailyRate,
		MonthlyRate:         vehicle.MonthlyRate,
		KmAllowancePerDay:   settings.KmAllowancePerDay,
		ExtraKmRate:         settings.ExtraKmRate,
		FuelChargePerEighth: settings.FuelChargePerEighth,
	}
}

// ReturnCharges itemises what the customer owes on return.
type ReturnCharges struct {
	ExtraKm       int64
	ExtraKmAmount decimal.Decimal
	FuelShortfall int
	FuelAmount    decimal.Decimal
	LateDays      int
	LateAmount    decimal.Decimal
	DamageAmount  decimal.Decimal
	DamageNotes   string
	Total         decimal.Decimal
}

// RentalContract is created from an approved booking.
type RentalContract struct {
	ID               int64
	CompanyID        int64
	BookingID        int64
	Number           string
	Status           ContractStatus
	StartDate        time.Time
	EndDate          time.Time
	Days             int
	Snapshot         Snapshot
	OutKm            *int64
	OutFuel          *int
	OutDate          *time.Time
	InKm             *int64
	InFuel           *int
	InDate           *time.Time
	Charges          ReturnCharges
	ChargesInvoiceID *int64
	ApprovedBy       int64
	ApprovedAt       time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// ApproveInput approves a confirmed booking into a contract.
type ApproveInput struct {
	BookingID int64 `validate:"required,gt=0"`
	ActorID   int64
}

// PickupInput records the handover.
type PickupInput struct {
	ContractID int64     `validate:"required,gt=0"`
	OutKm      int64     `validate:"gte=0"`
	OutFuel    int       `validate:"gte=0,lte=8"`
	OutDate    time.Time `validate:"required"`
	ActorID    int64
}

// ReturnInput records the vehicle coming back.
type ReturnInput struct {
	ContractID   int64     `validate:"required,gt=0"`
	InKm         int64     `validate:"gte=0"`
	InFuel       int       `validate:"gte=0,lte=8"`
	InDate       time.Time `validate:"required"`
	DamageAmount decimal.Decimal
	DamageNotes  string
	ActorID      int64
}
