// Package funding accrues the funding rate into the normalization factor.
//
// The normalization factor scales raw power-token debt into its effective
// value. Each settlement moves it by
//
//	r      = elapsed / FundingPeriod
//	factor = mark / ((1 + r) * mark - r * index)
//	nf'    = nf * factor
//
// so debt shrinks while the mark trades above the index and grows while it
// trades below.
package funding

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/powerperp/engine/internal/wad"
)

var (
	// ErrInvalidPrice is returned for non-positive mark or index prices.
	ErrInvalidPrice = errors.New("funding: mark and index must be positive")

	// ErrInvalidFactor is returned for a non-positive normalization factor.
	ErrInvalidFactor = errors.New("funding: normalization factor must be positive")
)

// Params configures funding accrual.
type Params struct {
	// FundingPeriod is the time over which the full mark/index gap is paid.
	FundingPeriod time.Duration `yaml:"funding_period"`

	// MarkLowerBound and MarkUpperBound clamp the mark relative to the index.
	MarkLowerBound decimal.Decimal `yaml:"mark_lower_bound"`
	MarkUpperBound decimal.Decimal `yaml:"mark_upper_bound"`

	// IndexScale divides ETH^2 to keep the index in the power-token's units.
	IndexScale decimal.Decimal `yaml:"index_scale"`
}

// DefaultParams returns the production-like funding configuration.
func DefaultParams() Params {
	return Params{
		FundingPeriod:  420 * time.Hour,
		MarkLowerBound: decimal.RequireFromString("0.8"),
		MarkUpperBound: decimal.RequireFromString("1.4"),
		IndexScale:     decimal.NewFromInt(10000),
	}
}

// Index returns ETH^2 / IndexScale in the stable asset.
func (p Params) Index(ethUsd decimal.Decimal) decimal.Decimal {
	return wad.Div(wad.Mul(ethUsd, ethUsd), p.IndexScale)
}

// Mark returns the denormalized mark: powerEth * ethUsd / nf.
func Mark(powerEth, ethUsd, nf decimal.Decimal) decimal.Decimal {
	return wad.Div(wad.Mul(powerEth, ethUsd), nf)
}

// ScaledPrice returns ethUsd / IndexScale, the per-unit debt price in ETH
// before normalization.
func (p Params) ScaledPrice(ethUsd decimal.Decimal) decimal.Decimal {
	return wad.Div(ethUsd, p.IndexScale)
}

// NewFactor applies elapsed funding to nf. Elapsed time is applied in
// chunks of at most one funding period so the denominator stays positive
// for any clamped mark.
func (p Params) NewFactor(nf decimal.Decimal, elapsed time.Duration, mark, index decimal.Decimal) (decimal.Decimal, error) {
	if !nf.IsPositive() {
		return decimal.Zero, ErrInvalidFactor
	}
	if !mark.IsPositive() || !index.IsPositive() {
		return decimal.Zero, ErrInvalidPrice
	}
	if elapsed <= 0 || p.FundingPeriod <= 0 {
		return nf, nil
	}

	lower := wad.Mul(index, p.MarkLowerBound)
	upper := wad.Mul(index, p.MarkUpperBound)
	if mark.LessThan(lower) {
		mark = lower
	}
	if mark.GreaterThan(upper) {
		mark = upper
	}

	period := decimal.NewFromInt(int64(p.FundingPeriod / time.Second))
	for elapsed > 0 {
		chunk := elapsed
		if chunk > p.FundingPeriod {
			chunk = p.FundingPeriod
		}
		elapsed -= chunk

		r := wad.Div(decimal.NewFromInt(int64(chunk/time.Second)), period)
		denom := wad.Mul(wad.One.Add(r), mark).Sub(wad.Mul(r, index))
		if !denom.IsPositive() {
			return decimal.Zero, ErrInvalidPrice
		}
		nf = wad.Mul(nf, wad.Div(mark, denom))
	}
	return nf, nil
}
