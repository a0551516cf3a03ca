// Package money holds the fixed-point amount type used for all prices in the
// engine. Amounts are decimal values with at most two fractional digits;
// float64 never touches price arithmetic.
package money

import (
	"github.com/shopspring/decimal"
)

// Amount is a fixed-point monetary value in a single currency unit.
type Amount = decimal.Decimal

// Zero is the zero amount.
var Zero = decimal.Zero

// FromString parses a decimal string such as "10.50".
func FromString(s string) (Amount, error) {
	return decimal.NewFromString(s)
}

// MustFromString parses a decimal string and panics on failure. Test helper.
func MustFromString(s string) Amount {
	return decimal.RequireFromString(s)
}

// FromMinorUnits builds an amount from integer minor units (e.g. cents).
func FromMinorUnits(units int64) Amount {
	return decimal.New(units, -2)
}

// IsValidBidAmount reports whether a is a positive value representable in
// minor units (at most two fractional digits).
func IsValidBidAmount(a Amount) bool {
	if !a.IsPositive() {
		return false
	}
	return a.Exponent() >= -2 || a.Equal(a.Round(2))
}
