// Package fleet owns vehicle availability. Lock fields change only through Manager.
package fleet

import (
	"time"

	"github.com/shopspring/decimal"
)

// LockStatus enumerates vehicle availability states.
type LockStatus string

const (
	LockAvailable  LockStatus = "AVAILABLE"
	LockTempBooked LockStatus = "TEMP_BOOKED"
	LockLocked     LockStatus = "LOCKED"
	LockRented     LockStatus = "RENTED"
)

// Vehicle is a rentable unit plus its lock state.
type Vehicle struct {
	ID              int64
	CompanyID       int64
	PlateNumber     string
	Make            string
	Model           string
	Year            int
	Color           string
	DailyRate       decimal.Decimal
	MonthlyRate     decimal.Decimal
	Odometer        int64
	LockStatus      LockStatus
	TempLockedUntil *time.Time
	IsBooked        bool
	IsActive        bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// HoldExpired reports a TEMP_BOOKED hold whose expiry has passed.
func (v Vehicle) HoldExpired(now time.Time) bool {
	return v.LockStatus == LockTempBooked && v.TempLockedUntil != nil && !now.Before(*v.TempLockedUntil)
}

// Available is true for AVAILABLE vehicles and for lapsed temp holds, whether or not the
// background sweep has released them yet.
func (v Vehicle) Available(now time.Time) bool {
	if !v.IsActive {
		return false
	}
	return v.LockStatus == LockAvailable || v.HoldExpired(now)
}

var allowedFrom = map[LockStatus][]LockStatus{
	LockLocked: {LockTempBooked, LockRented},
	LockRented: {LockTempBooked, LockLocked},
}

// canMove reports whether target is reachable from the current state. TEMP_BOOKED and
// AVAILABLE targets are handled by TempLock and Release.
func canMove(from, to LockStatus) bool {
	for _, s := range allowedFrom[to] {
		if s == from {
			return true
		}
	}
	return false
}
