package config

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/powerperp/engine/internal/wad"
)

// Validate checks that the configuration describes a usable deployment.
func (c *Config) Validate() error {
	ctl := c.Controller

	if ctl.Risk.CollateralRatio.LessThanOrEqual(wad.One) {
		return fmt.Errorf("controller.risk.collateral_ratio must be > 1, got %s", ctl.Risk.CollateralRatio)
	}
	if ctl.Risk.LiquidationBonus.IsNegative() {
		return errors.New("controller.risk.liquidation_bonus must be >= 0")
	}
	if err := fraction("controller.risk.close_factor", ctl.Risk.CloseFactor); err != nil {
		return err
	}
	if ctl.Risk.DustThreshold.IsNegative() {
		return errors.New("controller.risk.dust_threshold must be >= 0")
	}
	if ctl.Risk.LPUnwindBounty.IsNegative() || ctl.Risk.LPUnwindBounty.GreaterThanOrEqual(wad.One) {
		return errors.New("controller.risk.lp_unwind_bounty must be in [0, 1)")
	}

	if ctl.Funding.FundingPeriod <= 0 {
		return errors.New("controller.funding.funding_period must be > 0")
	}
	if !ctl.Funding.MarkLowerBound.IsPositive() || ctl.Funding.MarkLowerBound.GreaterThan(wad.One) {
		return errors.New("controller.funding.mark_lower_bound must be in (0, 1]")
	}
	if ctl.Funding.MarkUpperBound.LessThan(wad.One) {
		return errors.New("controller.funding.mark_upper_bound must be >= 1")
	}
	if !ctl.Funding.IndexScale.IsPositive() {
		return errors.New("controller.funding.index_scale must be > 0")
	}

	if ctl.Pools.Power == "" || ctl.Pools.EthStable == "" {
		return errors.New("controller.pools.power and controller.pools.eth_stable are required")
	}
	if ctl.Pools.Power == ctl.Pools.EthStable {
		return errors.New("controller.pools must name two different pools")
	}
	if ctl.FeeRate.IsNegative() || ctl.FeeRate.GreaterThanOrEqual(wad.One) {
		return errors.New("controller.fee_rate must be in [0, 1)")
	}
	if ctl.FeeRate.IsPositive() && ctl.FeeRecipient == (common.Address{}) {
		return errors.New("controller.fee_recipient is required when fee_rate > 0")
	}
	if ctl.Custody == (common.Address{}) {
		return errors.New("controller.custody is required")
	}
	if ctl.TwapPeriod <= 0 {
		return errors.New("controller.twap_period must be > 0")
	}

	st := c.Strategy
	if st.ID == "" {
		return errors.New("strategy.id is required")
	}
	if st.Address == (common.Address{}) {
		return errors.New("strategy.address is required")
	}
	if st.MigrationDelay < 0 {
		return errors.New("strategy.migration_delay must be >= 0")
	}
	if st.OTCPriceTolerance.IsNegative() || st.OTCPriceTolerance.GreaterThanOrEqual(wad.One) {
		return errors.New("strategy.otc_price_tolerance must be in [0, 1)")
	}
	if st.Domain.Name == "" || st.Domain.ChainID <= 0 {
		return errors.New("strategy.domain needs a name and a positive chain_id")
	}

	a := st.Auction
	if a.HedgeTimeThreshold <= 0 || a.AuctionTime <= 0 || a.TwapPeriod <= 0 {
		return errors.New("strategy.auction durations must be > 0")
	}
	if err := fraction("strategy.auction.hedge_price_threshold", a.HedgePriceThreshold); err != nil {
		return err
	}
	if !a.MinPriceMultiplier.IsPositive() || a.MinPriceMultiplier.GreaterThan(wad.One) {
		return fmt.Errorf("strategy.auction.min_price_multiplier must be in (0, 1], got %s", a.MinPriceMultiplier)
	}
	if a.MaxPriceMultiplier.LessThan(wad.One) {
		return fmt.Errorf("strategy.auction.max_price_multiplier must be >= 1, got %s", a.MaxPriceMultiplier)
	}
	return nil
}

func fraction(name string, v decimal.Decimal) error {
	if !v.IsPositive() || v.GreaterThan(wad.One) {
		return fmt.Errorf("%s must be in (0, 1], got %s", name, v)
	}
	return nil
}
