package rental

import (
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-rental/internal/money"
	"github.com/odyssey-erp/odyssey-rental/internal/shared"
)

// DaysPerMonth is the length of a billed monthly period.
const DaysPerMonth = 30

// RentalDays counts started 24h periods between start and end, at least one.
func RentalDays(start, end time.Time) int {
	hours := end.Sub(start).Hours()
	days := int(math.Ceil(hours / 24))
	if days < 1 {
		return 1
	}
	return days
}

// RateBreakdown splits a rental into monthly periods and remainder days.
type RateBreakdown struct {
	Months        int
	RemainderDays int
	MonthlyRate   decimal.Decimal
	DailyRate     decimal.Decimal
	Total         decimal.Decimal
}

// CalculateRate bills floor(days/30) months at the monthly rate plus days mod 30 at the daily rate.
func CalculateRate(days int, daily, monthly decimal.Decimal) RateBreakdown {
	months := days / DaysPerMonth
	rest := days % DaysPerMonth
	total := monthly.Mul(decimal.NewFromInt(int64(months))).Add(daily.Mul(decimal.NewFromInt(int64(rest))))
	return RateBreakdown{
		Months:        months,
		RemainderDays: rest,
		MonthlyRate:   monthly,
		DailyRate:     daily,
		Total:         money.Round(total),
	}
}

// PriceAddons validates add-ons and prices them for a rental of days.
func PriceAddons(inputs []AddonInput, days int) ([]BookingAddon, decimal.Decimal, error) {
	total := decimal.Zero
	out := make([]BookingAddon, 0, len(inputs))
	for idx, in := range inputs {
		qty := in.Quantity
		if qty.IsZero() {
			qty = decimal.NewFromInt(1)
		}
		if err := money.Check(fmt.Sprintf("addons[%d].unit_price", idx), in.UnitPrice); err != nil {
			return nil, decimal.Zero, err
		}
		if err := money.Check(fmt.Sprintf("addons[%d].quantity", idx), qty); err != nil {
			return nil, decimal.Zero, err
		}
		if in.UnitPrice.IsNegative() || qty.IsNegative() {
			return nil, decimal.Zero, shared.Invalid(fmt.Sprintf("addons[%d]", idx), "negative amount")
		}
		amount := in.UnitPrice.Mul(qty)
		if in.Pricing == AddonPerDay {
			amount = amount.Mul(decimal.NewFromInt(int64(days)))
		}
		amount = money.Round(amount)
		out = append(out, BookingAddon{Name: in.Name, Pricing: in.Pricing, UnitPrice: in.UnitPrice, Quantity: qty, Amount: amount})
		total = total.Add(amount)
	}
	return out, total, nil
}

// Overlaps applies the three-way interval rule with inclusive bounds: the new start falls in
// the existing span, the new end falls in it, or the new span contains it.
func Overlaps(newStart, newEnd, start, end time.Time) bool {
	within := func(t time.Time) bool { return !t.Before(start) && !t.After(end) }
	contains := !newStart.After(start) && !newEnd.Before(end)
	return within(newStart) || within(newEnd) || contains
}
