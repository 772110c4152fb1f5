// Package wad provides 18-decimal fixed-point helpers on top of
// shopspring/decimal. Every amount and price in the engine is a wad:
// a decimal with at most 18 fractional digits, matching the 1e18
// integer convention used on-chain.
package wad

import (
	"errors"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// Precision is the number of fractional digits carried by a wad.
const Precision int32 = 18

var (
	// ErrNegative is returned when a negative value is converted to wei.
	ErrNegative = errors.New("wad: negative value cannot be encoded")

	// ErrOverflow is returned when a value does not fit in 256 bits.
	ErrOverflow = errors.New("wad: value overflows uint256")

	// One is 1.0.
	One = decimal.NewFromInt(1)

	// Two is 2.0.
	Two = decimal.NewFromInt(2)
)

// Mul multiplies two wads, truncating to Precision.
func Mul(a, b decimal.Decimal) decimal.Decimal {
	return a.Mul(b).Truncate(Precision)
}

// Div divides a by b, truncating to Precision. Callers must ensure b != 0.
func Div(a, b decimal.Decimal) decimal.Decimal {
	return a.DivRound(b, Precision+2).Truncate(Precision)
}

// Min returns the smaller of a and b.
func Min(a, b decimal.Decimal) decimal.Decimal {
	if a.LessThan(b) {
		return a
	}
	return b
}

// Max returns the larger of a and b.
func Max(a, b decimal.Decimal) decimal.Decimal {
	if a.GreaterThan(b) {
		return a
	}
	return b
}

// ToWei encodes a wad as a 256-bit integer scaled by 1e18.
// Digits beyond Precision are truncated.
func ToWei(d decimal.Decimal) (*uint256.Int, error) {
	if d.IsNegative() {
		return nil, ErrNegative
	}
	scaled := d.Shift(Precision).Truncate(0).BigInt()
	v, overflow := uint256.FromBig(scaled)
	if overflow {
		return nil, ErrOverflow
	}
	return v, nil
}

// FromWei decodes a 1e18-scaled integer into a wad.
func FromWei(v *uint256.Int) decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(v.ToBig(), -Precision)
}
