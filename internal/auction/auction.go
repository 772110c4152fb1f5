// Package auction computes delta-neutral rebalancing trades and the Dutch
// auction price they clear at.
//
// A strategy holding collateral C (ETH) against debt D (power-token) priced
// at p ETH per unit carries ETH delta C - 2Dp. Restoring zero delta takes
//
//	sell: q = (C - 2Dp) / (p + fee)   mint q, sell it for ETH, pay the mint fee
//	buy:  q = (2Dp - C) / p           buy q with ETH, burn it
//
// The auction price starts favorable to the strategy and moves linearly to
// the market over AuctionTime.
package auction

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/powerperp/engine/internal/model"
	"github.com/powerperp/engine/internal/wad"
)

var (
	// ErrNoHedge is returned when the strategy is already delta neutral.
	ErrNoHedge = model.NewError(model.ErrState, "auction: strategy is delta neutral")

	// ErrDirectionChanged is returned when repricing at the auction price
	// flips the side of the trade.
	ErrDirectionChanged = model.NewError(model.ErrState, "auction: auction direction changed")

	// ErrInvalidPrice is returned for a non-positive price.
	ErrInvalidPrice = model.NewError(model.ErrValidation, "auction: price must be positive")
)

// Params configures hedge eligibility and the Dutch auction.
type Params struct {
	// HedgeTimeThreshold is the time after the last hedge that opens a
	// time-triggered auction.
	HedgeTimeThreshold time.Duration `yaml:"hedge_time_threshold"`

	// HedgePriceThreshold is the relative price move that opens a
	// price-triggered auction (0.2 = 20%).
	HedgePriceThreshold decimal.Decimal `yaml:"hedge_price_threshold"`

	// AuctionTime is how long the price takes to move from the favorable
	// multiplier to the market.
	AuctionTime time.Duration `yaml:"auction_time"`

	MinPriceMultiplier decimal.Decimal `yaml:"min_price_multiplier"`
	MaxPriceMultiplier decimal.Decimal `yaml:"max_price_multiplier"`

	// TwapPeriod is the lookback for the strategy's mark TWAP.
	TwapPeriod time.Duration `yaml:"twap_period"`
}

// DefaultParams returns the production-like hedge configuration.
func DefaultParams() Params {
	return Params{
		HedgeTimeThreshold:  24 * time.Hour,
		HedgePriceThreshold: decimal.RequireFromString("0.2"),
		AuctionTime:         time.Hour,
		MinPriceMultiplier:  decimal.RequireFromString("0.95"),
		MaxPriceMultiplier:  decimal.RequireFromString("1.05"),
		TwapPeriod:          7 * time.Minute,
	}
}

// Hedge is a rebalancing trade. It is either a Sell or a Buy.
type Hedge interface {
	// Selling reports whether the strategy sells power-token for ETH.
	Selling() bool

	// Amount is the power-token quantity traded.
	Amount() decimal.Decimal

	// At is the price per power-token in ETH.
	At() decimal.Decimal

	sealed()
}

// Sell mints Quantity power-token and sells it for ETH at Price.
type Sell struct {
	Quantity decimal.Decimal
	Price    decimal.Decimal
}

// Buy buys Quantity power-token with ETH at Price and burns it.
type Buy struct {
	Quantity decimal.Decimal
	Price    decimal.Decimal
}

func (Sell) Selling() bool             { return true }
func (s Sell) Amount() decimal.Decimal { return s.Quantity }
func (s Sell) At() decimal.Decimal     { return s.Price }
func (Sell) sealed()                   {}

func (Buy) Selling() bool             { return false }
func (b Buy) Amount() decimal.Decimal { return b.Quantity }
func (b Buy) At() decimal.Decimal     { return b.Price }
func (Buy) sealed()                   {}

// Delta returns the strategy's ETH delta, C - 2Dp.
func Delta(collateral, debt, price decimal.Decimal) decimal.Decimal {
	return collateral.Sub(wad.Mul(wad.Mul(debt, wad.Two), price))
}

// Target returns the trade that zeroes the delta at price.
func Target(collateral, debt, price, feePerUnit decimal.Decimal) (Hedge, error) {
	if !price.IsPositive() {
		return nil, ErrInvalidPrice
	}
	delta := Delta(collateral, debt, price)
	switch {
	case delta.IsPositive():
		return Sell{Quantity: wad.Div(delta, price.Add(feePerUnit)), Price: price}, nil
	case delta.IsNegative():
		return Buy{Quantity: wad.Div(delta.Neg(), price), Price: price}, nil
	default:
		return nil, ErrNoHedge
	}
}

// Fraction returns how far through the auction elapsed is, in [0, 1].
func (p Params) Fraction(elapsed time.Duration) decimal.Decimal {
	if elapsed <= 0 {
		return decimal.Zero
	}
	if p.AuctionTime <= 0 || elapsed >= p.AuctionTime {
		return wad.One
	}
	return wad.Div(decimal.NewFromInt(elapsed.Milliseconds()), decimal.NewFromInt(p.AuctionTime.Milliseconds()))
}

// PriceMultiplier returns the auction multiplier after elapsed. A sell
// auction decays from MaxPriceMultiplier to MinPriceMultiplier; a buy
// auction rises from Min to Max.
func (p Params) PriceMultiplier(selling bool, elapsed time.Duration) decimal.Decimal {
	spread := p.MaxPriceMultiplier.Sub(p.MinPriceMultiplier)
	moved := wad.Mul(p.Fraction(elapsed), spread)
	if selling {
		return p.MaxPriceMultiplier.Sub(moved)
	}
	return p.MinPriceMultiplier.Add(moved)
}

// AuctionPrice returns price scaled by the multiplier after elapsed.
func (p Params) AuctionPrice(selling bool, price decimal.Decimal, elapsed time.Duration) decimal.Decimal {
	return wad.Mul(price, p.PriceMultiplier(selling, elapsed))
}

// Plan sizes the auction: the side comes from the target at the mark, then
// the quantity is recomputed at the auction price. The repriced trade must
// keep the same side.
func (p Params) Plan(collateral, debt, mark, feePerUnit decimal.Decimal, elapsed time.Duration) (Hedge, error) {
	initial, err := Target(collateral, debt, mark, feePerUnit)
	if err != nil {
		return nil, err
	}
	price := p.AuctionPrice(initial.Selling(), mark, elapsed)
	final, err := Target(collateral, debt, price, feePerUnit)
	if err != nil {
		if err == ErrNoHedge {
			return nil, ErrDirectionChanged
		}
		return nil, err
	}
	if final.Selling() != initial.Selling() {
		return nil, ErrDirectionChanged
	}
	return final, nil
}

// Apply returns collateral and debt after executing h, charging the mint
// fee on sells.
func Apply(h Hedge, collateral, debt, feePerUnit decimal.Decimal) (decimal.Decimal, decimal.Decimal) {
	q := h.Amount()
	proceeds := wad.Mul(q, h.At())
	if h.Selling() {
		return collateral.Add(proceeds).Sub(wad.Mul(q, feePerUnit)), debt.Add(q)
	}
	return collateral.Sub(proceeds), debt.Sub(q)
}

// Improves reports whether executing h strictly shrinks |delta| measured at
// the mark.
func Improves(h Hedge, collateral, debt, mark, feePerUnit decimal.Decimal) bool {
	before := Delta(collateral, debt, mark).Abs()
	c, dt := Apply(h, collateral, debt, feePerUnit)
	after := Delta(c, dt, mark).Abs()
	return after.LessThan(before)
}
