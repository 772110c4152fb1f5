package controller

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/powerperp/engine/internal/model"
	"github.com/powerperp/engine/internal/risk"
	"github.com/powerperp/engine/internal/store"
	"github.com/powerperp/engine/internal/wad"
)

// Liquidate repays up to maxDebtToRepay of an unsafe vault's debt from the
// liquidator's power-tokens in exchange for collateral plus the bonus.
//
// A vault holding an LP position is unwound first. If that alone restores
// safety the liquidator receives the unwind bounty, capped so the vault
// stays safe, and nothing else happens.
func (s *Session) Liquidate(liquidator common.Address, vaultID uint64, maxDebtToRepay decimal.Decimal) (model.LiquidationResult, error) {
	if err := s.begin(); err != nil {
		return model.LiquidationResult{}, err
	}
	defer s.exit()

	if !maxDebtToRepay.IsPositive() {
		return model.LiquidationResult{}, ErrInvalidAmount
	}
	v, err := s.Vault(vaultID)
	if err != nil {
		return model.LiquidationResult{}, err
	}
	p, err := s.Prices()
	if err != nil {
		return model.LiquidationResult{}, err
	}
	safe, err := s.safe(v)
	if err != nil {
		return model.LiquidationResult{}, err
	}
	if safe {
		return model.LiquidationResult{}, risk.ErrVaultSafe
	}

	rp := s.c.params.Risk
	res := model.LiquidationResult{
		VaultID:        vaultID,
		DebtRepaid:     decimal.Zero,
		CollateralPaid: decimal.Zero,
	}

	if v.HasLP() {
		value, err := s.unwindLP(v, p)
		if err != nil {
			return model.LiquidationResult{}, err
		}
		res.LPUnwound = true
		if rp.IsSafe(v.CollateralAmount, v.ShortAmount, p.NormalizationFactor, p.DebtPrice) {
			headroom := rp.Headroom(v.CollateralAmount, v.ShortAmount, p.NormalizationFactor, p.DebtPrice)
			bounty := wad.Min(wad.Mul(value, rp.LPUnwindBounty), headroom)
			v.CollateralAmount = v.CollateralAmount.Sub(bounty)
			if err := s.check(v); err != nil {
				return model.LiquidationResult{}, err
			}
			if err := store.Credit(s.tx, liquidator, model.AssetETH, bounty); err != nil {
				return model.LiquidationResult{}, err
			}
			if err := s.tx.PutVault(v); err != nil {
				return model.LiquidationResult{}, err
			}
			res.CollateralPaid = bounty
			return res, s.emit(model.EventLiquidate, vaultID, liquidator, decimal.Zero, bounty.Neg())
		}
	}

	plan, err := rp.PlanLiquidation(v.CollateralAmount, v.ShortAmount, p.NormalizationFactor, p.DebtPrice, maxDebtToRepay)
	if err != nil {
		return model.LiquidationResult{}, err
	}
	if err := store.Debit(s.tx, liquidator, model.AssetPowerPerp, plan.DebtToRepay); err != nil {
		return model.LiquidationResult{}, err
	}
	v.ShortAmount = v.ShortAmount.Sub(plan.DebtToRepay)
	v.CollateralAmount = v.CollateralAmount.Sub(plan.CollateralToPay)
	if err := store.Credit(s.tx, liquidator, model.AssetETH, plan.CollateralToPay); err != nil {
		return model.LiquidationResult{}, err
	}
	if err := s.tx.PutVault(v); err != nil {
		return model.LiquidationResult{}, err
	}

	res.DebtRepaid = plan.DebtToRepay
	res.CollateralPaid = plan.CollateralToPay
	res.Insolvent = plan.Insolvent
	return res, s.emit(model.EventLiquidate, vaultID, liquidator, plan.DebtToRepay.Neg(), plan.CollateralToPay.Neg())
}

// unwindLP removes all liquidity from the vault's LP position at the spot
// tick: its ETH becomes collateral, its power-token repays debt and any
// excess goes to the vault owner. The emptied position returns to the owner. It returns
// the ETH value of what was withdrawn.
func (s *Session) unwindLP(v *model.Vault, p Prices) (decimal.Decimal, error) {
	pos, err := s.position(v.NftCollateralID)
	if err != nil {
		return decimal.Zero, err
	}
	eth, perp, err := s.spotAmounts(pos)
	if err != nil {
		return decimal.Zero, err
	}

	pos.Liquidity = decimal.Zero
	pos.Owner = v.Owner
	if err := s.tx.PutPosition(pos); err != nil {
		return decimal.Zero, err
	}

	v.NftCollateralID = 0
	v.CollateralAmount = v.CollateralAmount.Add(eth)
	repaid := wad.Min(perp, v.ShortAmount)
	v.ShortAmount = v.ShortAmount.Sub(repaid)
	if excess := perp.Sub(repaid); excess.IsPositive() {
		if err := store.Credit(s.tx, v.Owner, model.AssetPowerPerp, excess); err != nil {
			return decimal.Zero, err
		}
	}

	return eth.Add(risk.DebtValue(perp, p.NormalizationFactor, p.DebtPrice)), nil
}
