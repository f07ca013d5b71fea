// Package money guards monetary magnitude and scale before values reach the ledger.
package money

import (
	"strings"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-rental/internal/shared"
)

const (
	// MaxDigits is the total number of significant digits a stored amount may carry.
	MaxDigits = 15
	// MaxScale is the number of digits allowed after the decimal point.
	MaxScale = 2
)

// Zero is the additive identity.
var Zero = decimal.Zero

// Check rejects values whose fixed-point rendering exceeds MaxDigits significant digits
// or MaxScale fractional digits.
func Check(field string, v decimal.Decimal) error {
	rendered := v.String()
	digits := strings.TrimPrefix(rendered, "-")
	intPart, fracPart, _ := strings.Cut(digits, ".")
	if len(fracPart) > MaxScale {
		return &shared.PrecisionError{Field: field, Value: rendered, Reason: "more than 2 decimal places"}
	}
	intPart = strings.TrimLeft(intPart, "0")
	significant := len(intPart) + len(fracPart)
	if intPart == "" {
		significant = len(strings.TrimLeft(fracPart, "0"))
	}
	if significant > MaxDigits {
		return &shared.PrecisionError{Field: field, Value: rendered, Reason: "more than 15 significant digits"}
	}
	return nil
}

// Round rounds half away from zero to the ledger scale.
func Round(v decimal.Decimal) decimal.Decimal {
	return v.Round(MaxScale)
}

// Percent returns base × rate / 100 rounded to the ledger scale.
func Percent(base, rate decimal.Decimal) decimal.Decimal {
	return Round(base.Mul(rate).Div(decimal.NewFromInt(100)))
}

// Sum adds the supplied values.
func Sum(values ...decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, v := range values {
		total = total.Add(v)
	}
	return total
}

// Parse reads a decimal string and applies Check.
func Parse(field, s string) (decimal.Decimal, error) {
	v, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero, shared.Invalid(field, "is not a decimal number")
	}
	if err := Check(field, v); err != nil {
		return decimal.Zero, err
	}
	return v, nil
}
