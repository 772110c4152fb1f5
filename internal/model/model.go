// Package model defines the core domain types shared across the engine.
// All monetary values use shopspring/decimal wads, never float64.
package model

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Asset names a fungible token tracked by the balance ledger.
type Asset string

const (
	AssetETH       Asset = "ETH"
	AssetPowerPerp Asset = "WPOWERPERP"
	AssetStable    Asset = "USDC"
)

// Vault is a collateralized short position. Vault IDs are assigned
// monotonically starting at 1 and are never reused; an emptied vault
// persists at zero state.
type Vault struct {
	ID               uint64          `json:"id"`
	Owner            common.Address  `json:"owner"`
	Operator         common.Address  `json:"operator"`
	CollateralAmount decimal.Decimal `json:"collateral_amount"`
	ShortAmount      decimal.Decimal `json:"short_amount"` // raw, before normalization
	NftCollateralID  uint64          `json:"nft_collateral_id"`
}

// HasLP reports whether an LP position is deposited as extra collateral.
func (v *Vault) HasLP() bool { return v.NftCollateralID != 0 }

// IsEmpty reports whether the vault holds nothing.
func (v *Vault) IsEmpty() bool {
	return v.CollateralAmount.IsZero() && v.ShortAmount.IsZero() && v.NftCollateralID == 0
}

// CanModify reports whether addr is the owner or the delegated operator.
func (v *Vault) CanModify(addr common.Address) bool {
	if addr == (common.Address{}) {
		return false
	}
	return addr == v.Owner || addr == v.Operator
}

// LPPosition is a concentrated-liquidity position that can be deposited
// into a vault as additional collateral.
type LPPosition struct {
	TokenID   uint64          `json:"token_id"`
	Owner     common.Address  `json:"owner"`
	Pool      string          `json:"pool"`
	Token0    Asset           `json:"token0"`
	Token1    Asset           `json:"token1"`
	TickLower int32           `json:"tick_lower"`
	TickUpper int32           `json:"tick_upper"`
	Liquidity decimal.Decimal `json:"liquidity"`
}

// FundingState is the process-wide normalization factor and fee book.
type FundingState struct {
	NormalizationFactor decimal.Decimal `json:"normalization_factor"`
	LastFundingUpdate   time.Time       `json:"last_funding_update"`
	AccruedFees         decimal.Decimal `json:"accrued_fees"`
	Paused              bool            `json:"paused"`
}

// PendingTransfer is a queued, time-delayed vault migration.
type PendingTransfer struct {
	Successor common.Address `json:"successor"`
	ETA       time.Time      `json:"eta"`
}

// Strategy is the delta-neutral strategy record layered on one vault.
type Strategy struct {
	ID               string           `json:"id"`
	VaultID          uint64           `json:"vault_id"`
	TotalSupply      decimal.Decimal  `json:"total_supply"`
	Cap              decimal.Decimal  `json:"cap"`
	Initialized      bool             `json:"initialized"`
	TimeAtLastHedge  time.Time        `json:"time_at_last_hedge"`
	PriceAtLastHedge decimal.Decimal  `json:"price_at_last_hedge"`
	Pending          *PendingTransfer `json:"pending,omitempty"`
	Migrated         bool             `json:"migrated"`
}

// Order is an off-chain-signed intent to trade the power token with the
// strategy. Nonces are single-use per trader.
type Order struct {
	BidID    uint64          `json:"bid_id"`
	Trader   common.Address  `json:"trader"`
	Quantity decimal.Decimal `json:"quantity"`
	Price    decimal.Decimal `json:"price"`
	IsBuying bool            `json:"is_buying"`
	Expiry   int64           `json:"expiry"` // unix seconds
	Nonce    uint64          `json:"nonce"`
}

// LiquidationResult reports the outcome of one liquidation call.
type LiquidationResult struct {
	VaultID        uint64          `json:"vault_id"`
	DebtRepaid     decimal.Decimal `json:"debt_repaid"`
	CollateralPaid decimal.Decimal `json:"collateral_paid"`
	LPUnwound      bool            `json:"lp_unwound"`
	Insolvent      bool            `json:"insolvent"`
}

// EventKind classifies an entry in the append-only event log.
type EventKind string

const (
	EventMint             EventKind = "mint"
	EventBurn             EventKind = "burn"
	EventDeposit          EventKind = "deposit_collateral"
	EventWithdraw         EventKind = "withdraw_collateral"
	EventDepositLP        EventKind = "deposit_lp"
	EventWithdrawLP       EventKind = "withdraw_lp"
	EventLiquidate        EventKind = "liquidate"
	EventOperator         EventKind = "update_operator"
	EventTransferVault    EventKind = "transfer_vault"
	EventStrategyDeposit  EventKind = "strategy_deposit"
	EventStrategyWithdraw EventKind = "strategy_withdraw"
	EventHedge            EventKind = "hedge"
	EventHedgeOTC         EventKind = "hedge_otc"
	EventFunding          EventKind = "funding" // Price carries the new normalization factor
)

// Event is an immutable record of a state transition.
// Once created, events are never modified or deleted.
type Event struct {
	ID              string          `json:"id"`
	Kind            EventKind       `json:"kind"`
	VaultID         uint64          `json:"vault_id"`
	Account         common.Address  `json:"account"`
	DebtDelta       decimal.Decimal `json:"debt_delta"`       // signed: +mint, -burn
	CollateralDelta decimal.Decimal `json:"collateral_delta"` // signed: +deposit, -withdraw
	Price           decimal.Decimal `json:"price"`
	Timestamp       time.Time       `json:"timestamp"`
}
