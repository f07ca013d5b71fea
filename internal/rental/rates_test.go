package rental

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-rental/internal/shared"
)

func TestRentalDays(t *testing.T) {
	start := time.Date(2025, time.March, 1, 10, 0, 0, 0, time.UTC)
	cases := []struct {
		end  time.Time
		want int
	}{
		{start.Add(time.Hour), 1},
		{start.Add(24 * time.Hour), 1},
		{start.Add(25 * time.Hour), 2},
		{start.AddDate(0, 0, 7), 7},
		{start, 1},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, RentalDays(start, tc.end), "end %s", tc.end)
	}
}

func TestCalculateRate(t *testing.T) {
	daily := decimal.NewFromInt(100)
	monthly := decimal.NewFromInt(2500)
	cases := []struct {
		days   int
		months int
		rest   int
		total  string
	}{
		{1, 0, 1, "100.00"},
		{29, 0, 29, "2900.00"},
		{30, 1, 0, "2500.00"},
		{31, 1, 1, "2600.00"},
		{95, 3, 5, "8000.00"},
	}
	for _, tc := range cases {
		got := CalculateRate(tc.days, daily, monthly)
		require.Equal(t, tc.months, got.Months, "days %d", tc.days)
		require.Equal(t, tc.rest, got.RemainderDays, "days %d", tc.days)
		require.Equal(t, tc.total, got.Total.StringFixed(2), "days %d", tc.days)
	}
}

func TestPriceAddons(t *testing.T) {
	addons, total, err := PriceAddons([]AddonInput{
		{Name: "Baby seat", Pricing: AddonPerDay, UnitPrice: decimal.NewFromInt(50000)},
		{Name: "GPS", Pricing: AddonFlat, UnitPrice: decimal.NewFromInt(100000), Quantity: decimal.NewFromInt(2)},
	}, 3)
	require.NoError(t, err)
	require.Len(t, addons, 2)
	require.Equal(t, "150000.00", addons[0].Amount.StringFixed(2))
	require.True(t, addons[0].Quantity.Equal(decimal.NewFromInt(1)), "missing quantity defaults to one")
	require.Equal(t, "200000.00", addons[1].Amount.StringFixed(2))
	require.Equal(t, "350000.00", total.StringFixed(2))

	_, _, err = PriceAddons([]AddonInput{{Name: "Tip", Pricing: AddonFlat, UnitPrice: decimal.RequireFromString("0.125")}}, 1)
	require.ErrorIs(t, err, shared.ErrPrecisionExceeded)
	_, _, err = PriceAddons([]AddonInput{{Name: "Refund", Pricing: AddonFlat, UnitPrice: decimal.NewFromInt(-1)}}, 1)
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestOverlaps(t *testing.T) {
	day := func(d int) time.Time { return time.Date(2025, time.April, d, 0, 0, 0, 0, time.UTC) }
	start, end := day(10), day(15)
	cases := []struct {
		name       string
		from, to   time.Time
		overlapped bool
	}{
		{"before", day(1), day(9), false},
		{"after", day(16), day(20), false},
		{"touching start", day(5), day(10), true},
		{"touching end", day(15), day(18), true},
		{"start inside", day(12), day(20), true},
		{"end inside", day(5), day(11), true},
		{"contains", day(9), day(16), true},
		{"inside", day(11), day(14), true},
		{"identical", day(10), day(15), true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.overlapped, Overlaps(tc.from, tc.to, start, end))
		})
	}
}

func TestComputeReturnCharges(t *testing.T) {
	outKm, outFuel := int64(10000), 8
	end := time.Date(2025, time.May, 4, 9, 0, 0, 0, time.UTC)
	c := RentalContract{
		Days:    2,
		EndDate: end,
		OutKm:   &outKm,
		OutFuel: &outFuel,
		Snapshot: Snapshot{
			DailyRate:           decimal.NewFromInt(300000),
			KmAllowancePerDay:   150,
			ExtraKmRate:         decimal.RequireFromString("1250.50"),
			FuelChargePerEighth: decimal.NewFromInt(40000),
		},
	}

	onTime := ComputeReturnCharges(c, ReturnInput{InKm: 10300, InFuel: 8, InDate: end})
	require.True(t, onTime.Total.IsZero())
	require.Zero(t, onTime.LateDays)

	charged := ComputeReturnCharges(c, ReturnInput{
		InKm:         10310,
		InFuel:       5,
		InDate:       end.Add(time.Minute),
		DamageAmount: decimal.NewFromInt(75000),
		DamageNotes:  "scratched bumper",
	})
	require.EqualValues(t, 10, charged.ExtraKm)
	require.Equal(t, "12505.00", charged.ExtraKmAmount.StringFixed(2))
	require.Equal(t, 3, charged.FuelShortfall)
	require.Equal(t, "120000.00", charged.FuelAmount.StringFixed(2))
	require.Equal(t, 1, charged.LateDays, "any started day counts")
	require.Equal(t, "300000.00", charged.LateAmount.StringFixed(2))
	require.Equal(t, "507505.00", charged.Total.StringFixed(2))

	c.Snapshot.KmAllowancePerDay = 0
	unlimited := ComputeReturnCharges(c, ReturnInput{InKm: 99999, InFuel: 9, InDate: end})
	require.Zero(t, unlimited.ExtraKm, "zero allowance means unlimited")
	require.Zero(t, unlimited.FuelShortfall, "returning fuller is free")
}

func TestBookingStatusCancellable(t *testing.T) {
	for _, s := range []BookingStatus{BookingPending, BookingConfirmed, BookingApproved} {
		require.True(t, s.Cancellable(), s)
	}
	for _, s := range []BookingStatus{BookingActive, BookingCompleted, BookingCancelled} {
		require.False(t, s.Cancellable(), s)
	}
}
