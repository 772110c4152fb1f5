package config

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/powerperp/engine/internal/controller"
	"github.com/powerperp/engine/internal/strategy"
)

// applyDefaults fills every unset parameter from the package defaults.
// FeeRate has no default other than zero.
func (c *Config) applyDefaults() {
	cd := controller.DefaultParams()
	ctl := &c.Controller

	// Risk defaults
	decimalDefault(&ctl.Risk.CollateralRatio, cd.Risk.CollateralRatio)
	decimalDefault(&ctl.Risk.LiquidationBonus, cd.Risk.LiquidationBonus)
	decimalDefault(&ctl.Risk.CloseFactor, cd.Risk.CloseFactor)
	decimalDefault(&ctl.Risk.DustThreshold, cd.Risk.DustThreshold)
	decimalDefault(&ctl.Risk.LPUnwindBounty, cd.Risk.LPUnwindBounty)

	// Funding defaults
	durationDefault(&ctl.Funding.FundingPeriod, cd.Funding.FundingPeriod)
	decimalDefault(&ctl.Funding.MarkLowerBound, cd.Funding.MarkLowerBound)
	decimalDefault(&ctl.Funding.MarkUpperBound, cd.Funding.MarkUpperBound)
	decimalDefault(&ctl.Funding.IndexScale, cd.Funding.IndexScale)

	// Controller defaults
	stringDefault(&ctl.Pools.Power, cd.Pools.Power)
	stringDefault(&ctl.Pools.EthStable, cd.Pools.EthStable)
	addressDefault(&ctl.Custody, cd.Custody)
	durationDefault(&ctl.TwapPeriod, cd.TwapPeriod)

	sd := strategy.DefaultParams()
	st := &c.Strategy

	// Strategy defaults
	stringDefault(&st.ID, sd.ID)
	addressDefault(&st.Address, sd.Address)
	durationDefault(&st.MigrationDelay, sd.MigrationDelay)
	decimalDefault(&st.OTCPriceTolerance, sd.OTCPriceTolerance)

	stringDefault(&st.Domain.Name, sd.Domain.Name)
	stringDefault(&st.Domain.Version, sd.Domain.Version)
	if st.Domain.ChainID == 0 {
		st.Domain.ChainID = sd.Domain.ChainID
	}
	addressDefault(&st.Domain.VerifyingContract, st.Address)

	// Auction defaults
	durationDefault(&st.Auction.HedgeTimeThreshold, sd.Auction.HedgeTimeThreshold)
	decimalDefault(&st.Auction.HedgePriceThreshold, sd.Auction.HedgePriceThreshold)
	durationDefault(&st.Auction.AuctionTime, sd.Auction.AuctionTime)
	decimalDefault(&st.Auction.MinPriceMultiplier, sd.Auction.MinPriceMultiplier)
	decimalDefault(&st.Auction.MaxPriceMultiplier, sd.Auction.MaxPriceMultiplier)
	durationDefault(&st.Auction.TwapPeriod, sd.Auction.TwapPeriod)
}

func decimalDefault(v *decimal.Decimal, def decimal.Decimal) {
	if v.IsZero() {
		*v = def
	}
}

func durationDefault(v *time.Duration, def time.Duration) {
	if *v == 0 {
		*v = def
	}
}

func stringDefault(v *string, def string) {
	if *v == "" {
		*v = def
	}
}

func addressDefault(v *common.Address, def common.Address) {
	if *v == (common.Address{}) {
		*v = def
	}
}
