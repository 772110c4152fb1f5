// Package risk implements the pure collateralization and liquidation rules
// for vaults. Nothing here mutates state; the controller feeds it vault
// snapshots and prices and applies the returned plan.
//
// Prices are the per-unit debt price in ETH before normalization
// (ETH/USD divided by the index scale), so the effective debt value of a
// vault is shortAmount * normalizationFactor * price.
package risk

import (
	"github.com/shopspring/decimal"

	"github.com/powerperp/engine/internal/model"
	"github.com/powerperp/engine/internal/wad"
)

var (
	// ErrVaultSafe is returned when liquidating a vault that is not unsafe.
	ErrVaultSafe = model.NewError(model.ErrState, "risk: vault is safe")

	// ErrInvalidAmount is returned for a non-positive repay bound.
	ErrInvalidAmount = model.NewError(model.ErrValidation, "risk: amount must be positive")

	// ErrDust is returned when a partial liquidation would leave collateral
	// below the dust threshold with debt outstanding. Repay less, or repay
	// the entire debt.
	ErrDust = model.NewError(model.ErrSolvency, "risk: liquidation would leave a dust vault; adjust the amount or repay the entire debt")

	// ErrInsufficientCollateral is returned when the requested partial
	// liquidation would pay out more than the vault holds.
	ErrInsufficientCollateral = model.NewError(model.ErrSolvency, "risk: insufficient collateral to cover liquidation; repay the entire debt")

	// ErrRatioNotImproved is returned when a partial liquidation would not
	// raise the vault's collateralization ratio.
	ErrRatioNotImproved = model.NewError(model.ErrSolvency, "risk: partial liquidation does not improve collateralization; repay the entire debt")
)

// Params holds the governance-set risk constants.
type Params struct {
	// CollateralRatio is the margin requirement (1.5 = 150%).
	CollateralRatio decimal.Decimal `yaml:"collateral_ratio"`

	// LiquidationBonus is the liquidator incentive on repaid debt value.
	LiquidationBonus decimal.Decimal `yaml:"liquidation_bonus"`

	// CloseFactor caps the share of debt repayable in one non-terminal call.
	CloseFactor decimal.Decimal `yaml:"close_factor"`

	// DustThreshold is the minimum collateral of a vault carrying debt.
	DustThreshold decimal.Decimal `yaml:"dust_threshold"`

	// LPUnwindBounty rewards a liquidator when unwinding the vault's LP
	// position alone restores safety, as a fraction of the unwound value.
	LPUnwindBounty decimal.Decimal `yaml:"lp_unwind_bounty"`
}

// DefaultParams returns the production-like risk constants.
func DefaultParams() Params {
	return Params{
		CollateralRatio:  decimal.RequireFromString("1.5"),
		LiquidationBonus: decimal.RequireFromString("0.1"),
		CloseFactor:      decimal.RequireFromString("0.5"),
		DustThreshold:    decimal.RequireFromString("0.5"),
		LPUnwindBounty:   decimal.RequireFromString("0.02"),
	}
}

// DebtValue returns short * nf * price in ETH.
func DebtValue(short, nf, price decimal.Decimal) decimal.Decimal {
	return wad.Mul(wad.Mul(short, nf), price)
}

// Effective folds an LP position's balances into a vault's collateral and
// short: its ETH adds to collateral, its power-token nets the short, and
// any power-token in excess of the short is valued in ETH.
func Effective(collateral, short, lpEth, lpPerp, nf, price decimal.Decimal) (decimal.Decimal, decimal.Decimal) {
	collateral = collateral.Add(lpEth)
	if lpPerp.GreaterThanOrEqual(short) {
		excess := lpPerp.Sub(short)
		return collateral.Add(DebtValue(excess, nf, price)), decimal.Zero
	}
	return collateral, short.Sub(lpPerp)
}

// IsSafe reports collateral >= short * nf * price * CollateralRatio.
func (p Params) IsSafe(collateral, short, nf, price decimal.Decimal) bool {
	if short.IsZero() {
		return true
	}
	required := wad.Mul(DebtValue(short, nf, price), p.CollateralRatio)
	return collateral.GreaterThanOrEqual(required)
}

// Headroom returns how much collateral can leave a vault while it stays
// safe and above the dust threshold.
func (p Params) Headroom(collateral, short, nf, price decimal.Decimal) decimal.Decimal {
	if short.IsZero() {
		return collateral
	}
	floor := wad.Max(wad.Mul(DebtValue(short, nf, price), p.CollateralRatio), p.DustThreshold)
	return wad.Max(collateral.Sub(floor), decimal.Zero)
}

// IsDust reports a vault with debt but collateral under the threshold.
func (p Params) IsDust(collateral, short decimal.Decimal) bool {
	return short.IsPositive() && collateral.LessThan(p.DustThreshold)
}

// Ratio returns collateral / debt value, or zero when the vault has no debt.
func Ratio(collateral, short, nf, price decimal.Decimal) decimal.Decimal {
	debt := DebtValue(short, nf, price)
	if debt.IsZero() {
		return decimal.Zero
	}
	return wad.Div(collateral, debt)
}

// Bounty returns the collateral owed for repaying debt: value * (1 + bonus).
func (p Params) Bounty(debt, nf, price decimal.Decimal) decimal.Decimal {
	return wad.Mul(DebtValue(debt, nf, price), wad.One.Add(p.LiquidationBonus))
}

// Plan is the outcome of PlanLiquidation.
type Plan struct {
	DebtToRepay     decimal.Decimal
	CollateralToPay decimal.Decimal
	Insolvent       bool
}

// PlanLiquidation computes how much debt a liquidator may repay and the
// collateral owed, given the liquidator's upper bound.
//
// At most CloseFactor of the short is repayable unless paying that much
// would leave the vault below the dust threshold, in which case the whole
// short is. Full repayment that needs more collateral than remains pays
// out everything (insolvent mode).
func (p Params) PlanLiquidation(collateral, short, nf, price, maxDebtToRepay decimal.Decimal) (Plan, error) {
	if !maxDebtToRepay.IsPositive() {
		return Plan{}, ErrInvalidAmount
	}
	if p.IsSafe(collateral, short, nf, price) {
		return Plan{}, ErrVaultSafe
	}

	limit := wad.Mul(short, p.CloseFactor)
	if limit.LessThan(short) {
		remaining := collateral.Sub(p.Bounty(limit, nf, price))
		if remaining.LessThan(p.DustThreshold) {
			limit = short
		}
	}

	debt := wad.Min(maxDebtToRepay, limit)
	pay := p.Bounty(debt, nf, price)

	if pay.GreaterThanOrEqual(collateral) {
		if debt.LessThan(short) {
			return Plan{}, ErrInsufficientCollateral
		}
		return Plan{
			DebtToRepay:     short,
			CollateralToPay: collateral,
			Insolvent:       pay.GreaterThan(collateral),
		}, nil
	}

	newCollateral := collateral.Sub(pay)
	newShort := short.Sub(debt)
	if newShort.IsPositive() {
		if newCollateral.LessThan(p.DustThreshold) {
			return Plan{}, ErrDust
		}
		before := Ratio(collateral, short, nf, price)
		after := Ratio(newCollateral, newShort, nf, price)
		if !after.GreaterThan(before) {
			return Plan{}, ErrRatioNotImproved
		}
	}

	return Plan{DebtToRepay: debt, CollateralToPay: pay}, nil
}
