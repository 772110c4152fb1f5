package controller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/powerperp/engine/internal/amm"
	"github.com/powerperp/engine/internal/funding"
	"github.com/powerperp/engine/internal/model"
	"github.com/powerperp/engine/internal/risk"
	"github.com/powerperp/engine/internal/store"
	"github.com/powerperp/engine/internal/wad"
)

// Prices is the price snapshot a session works with.
type Prices struct {
	NormalizationFactor decimal.Decimal `json:"normalization_factor"`

	// EthUsd is the ETH/stable TWAP.
	EthUsd decimal.Decimal `json:"eth_usd"`

	// PowerEth is the power-token/ETH TWAP.
	PowerEth decimal.Decimal `json:"power_eth"`

	// DebtPrice is EthUsd / IndexScale: the ETH price of one unit of raw
	// debt before normalization.
	DebtPrice decimal.Decimal `json:"debt_price"`

	Mark  decimal.Decimal `json:"mark"`
	Index decimal.Decimal `json:"index"`

	// FeePerUnit is the minting fee in ETH per unit of debt.
	FeePerUnit decimal.Decimal `json:"fee_per_unit"`
}

// Session is the controller bound to one transaction and block time.
type Session struct {
	c       *Controller
	ctx     context.Context
	tx      store.Tx
	now     time.Time
	state   *model.FundingState
	persist bool
	busy    bool
	prices  *Prices
}

// Now returns the session's block time.
func (s *Session) Now() time.Time { return s.now }

// Tx returns the session's transaction.
func (s *Session) Tx() store.Tx { return s.tx }

// enter guards against nested operations on the same session.
func (s *Session) enter() error {
	if s.busy {
		return ErrReentrant
	}
	s.busy = true
	return nil
}

func (s *Session) exit() { s.busy = false }

// begin enters a mutating operation.
func (s *Session) begin() error {
	if !s.persist {
		return store.ErrReadOnly
	}
	if s.state.Paused {
		return ErrPaused
	}
	return s.enter()
}

func (s *Session) settleFunding() error {
	elapsed := s.now.Sub(s.state.LastFundingUpdate)
	if elapsed > 0 {
		ethUsd, powerEth, err := s.twaps()
		if err != nil {
			return err
		}
		p := s.c.params.Funding
		mark := funding.Mark(powerEth, ethUsd, s.state.NormalizationFactor)
		nf, err := p.NewFactor(s.state.NormalizationFactor, elapsed, mark, p.Index(ethUsd))
		if err != nil {
			return fmt.Errorf("controller: settle funding: %w", err)
		}
		changed := !nf.Equal(s.state.NormalizationFactor)
		s.state.NormalizationFactor = nf
		s.state.LastFundingUpdate = s.now
		if changed && s.persist {
			if err := s.tx.AppendEvent(&model.Event{
				ID:        uuid.NewString(),
				Kind:      model.EventFunding,
				Price:     nf,
				Timestamp: s.now,
			}); err != nil {
				return err
			}
		}
	}
	if !s.persist {
		return nil
	}
	return s.tx.PutFunding(s.state)
}

func (s *Session) twaps() (ethUsd, powerEth decimal.Decimal, err error) {
	pools := s.c.params.Pools
	period := s.c.params.TwapPeriod
	ethUsd, err = s.c.oracle.GetTwap(s.ctx, pools.EthStable, model.AssetETH, model.AssetStable, period, true)
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("controller: eth price: %w", err)
	}
	powerEth, err = s.c.oracle.GetTwap(s.ctx, pools.Power, model.AssetPowerPerp, model.AssetETH, period, true)
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("controller: power price: %w", err)
	}
	return ethUsd, powerEth, nil
}

// Prices returns the session's prices, reading the oracle once.
func (s *Session) Prices() (Prices, error) {
	if s.prices != nil {
		return *s.prices, nil
	}
	ethUsd, powerEth, err := s.twaps()
	if err != nil {
		return Prices{}, err
	}
	fp := s.c.params.Funding
	nf := s.state.NormalizationFactor
	debtPrice := fp.ScaledPrice(ethUsd)
	p := Prices{
		NormalizationFactor: nf,
		EthUsd:              ethUsd,
		PowerEth:            powerEth,
		DebtPrice:           debtPrice,
		Mark:                funding.Mark(powerEth, ethUsd, nf),
		Index:               fp.Index(ethUsd),
		FeePerUnit:          wad.Mul(wad.Mul(s.c.params.FeeRate, nf), debtPrice),
	}
	s.prices = &p
	return p, nil
}

// NormalizationFactor returns the settled factor.
func (s *Session) NormalizationFactor() decimal.Decimal {
	return s.state.NormalizationFactor
}

// Vault reads a vault.
func (s *Session) Vault(id uint64) (*model.Vault, error) {
	if id == 0 {
		return nil, ErrInvalidVault
	}
	v, err := s.tx.Vault(id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("controller: vault %d: %w", id, err)
		}
		return nil, err
	}
	return v, nil
}

func (s *Session) modifiable(caller common.Address, id uint64) (*model.Vault, error) {
	v, err := s.Vault(id)
	if err != nil {
		return nil, err
	}
	if !v.CanModify(caller) {
		return nil, ErrNotAllowed
	}
	return v, nil
}

func (s *Session) owned(caller common.Address, id uint64) (*model.Vault, error) {
	v, err := s.Vault(id)
	if err != nil {
		return nil, err
	}
	if caller != v.Owner {
		return nil, ErrNotOwner
	}
	return v, nil
}

// effective returns collateral and short with any LP position folded in,
// valuing the position at the TWAP-implied tick.
func (s *Session) effective(v *model.Vault, p Prices) (decimal.Decimal, decimal.Decimal, error) {
	if !v.HasLP() {
		return v.CollateralAmount, v.ShortAmount, nil
	}
	pos, err := s.position(v.NftCollateralID)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	eth, perp, err := amm.AmountsFor(pos, amm.TickForPrice(pos, p.PowerEth))
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	coll, short := risk.Effective(v.CollateralAmount, v.ShortAmount, eth, perp, p.NormalizationFactor, p.DebtPrice)
	return coll, short, nil
}

func (s *Session) position(tokenID uint64) (*model.LPPosition, error) {
	pos, err := s.tx.Position(tokenID)
	if err != nil {
		return nil, fmt.Errorf("controller: position %d: %w", tokenID, err)
	}
	return pos, nil
}

// spotAmounts values an LP position at its pool's current tick, which is
// what removing its liquidity yields.
func (s *Session) spotAmounts(pos *model.LPPosition) (eth, perp decimal.Decimal, err error) {
	tick, err := s.c.pools.Slot0(s.ctx, pos.Pool)
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("controller: pool %s: %w", pos.Pool, err)
	}
	return amm.AmountsFor(pos, tick)
}

// safe reports whether v meets the collateral requirement.
func (s *Session) safe(v *model.Vault) (bool, error) {
	p, err := s.Prices()
	if err != nil {
		return false, err
	}
	coll, short, err := s.effective(v, p)
	if err != nil {
		return false, err
	}
	return s.c.params.Risk.IsSafe(coll, short, p.NormalizationFactor, p.DebtPrice), nil
}

// check enforces the post-operation invariant: safe and not dust.
func (s *Session) check(v *model.Vault) error {
	if v.ShortAmount.IsZero() {
		return nil
	}
	p, err := s.Prices()
	if err != nil {
		return err
	}
	coll, short, err := s.effective(v, p)
	if err != nil {
		return err
	}
	rp := s.c.params.Risk
	if !rp.IsSafe(coll, short, p.NormalizationFactor, p.DebtPrice) {
		return ErrUnsafe
	}
	if rp.IsDust(coll, short) {
		return ErrDust
	}
	return nil
}

func (s *Session) emit(kind model.EventKind, vaultID uint64, account common.Address, debtDelta, collDelta decimal.Decimal) error {
	price := decimal.Zero
	if s.prices != nil {
		price = s.prices.DebtPrice
	}
	return s.tx.AppendEvent(&model.Event{
		ID:              uuid.NewString(),
		Kind:            kind,
		VaultID:         vaultID,
		Account:         account,
		DebtDelta:       debtDelta,
		CollateralDelta: collDelta,
		Price:           price,
		Timestamp:       s.now,
	})
}

// --- Operations ---

// OpenVault creates an empty vault owned by owner.
func (s *Session) OpenVault(owner common.Address) (uint64, error) {
	if err := s.begin(); err != nil {
		return 0, err
	}
	defer s.exit()
	return s.openVault(owner)
}

func (s *Session) openVault(owner common.Address) (uint64, error) {
	if owner == (common.Address{}) {
		return 0, ErrInvalidAddress
	}
	id, err := s.tx.NextVaultID()
	if err != nil {
		return 0, err
	}
	v := &model.Vault{ID: id, Owner: owner, CollateralAmount: decimal.Zero, ShortAmount: decimal.Zero}
	if err := s.tx.PutVault(v); err != nil {
		return 0, err
	}
	return id, nil
}

// Mint deposits collateral from caller and mints amount of debt to caller.
// The minting fee is taken from the vault's collateral. vaultID 0 opens a
// new vault owned by caller.
func (s *Session) Mint(caller common.Address, vaultID uint64, amount, collateral decimal.Decimal) (uint64, error) {
	if err := s.begin(); err != nil {
		return 0, err
	}
	defer s.exit()

	if amount.IsNegative() || collateral.IsNegative() {
		return 0, ErrInvalidAmount
	}
	if vaultID == 0 {
		id, err := s.openVault(caller)
		if err != nil {
			return 0, err
		}
		vaultID = id
	}
	v, err := s.modifiable(caller, vaultID)
	if err != nil {
		return 0, err
	}

	if err := store.Debit(s.tx, caller, model.AssetETH, collateral); err != nil {
		return 0, err
	}
	v.CollateralAmount = v.CollateralAmount.Add(collateral)

	fee := decimal.Zero
	if amount.IsPositive() {
		p, err := s.Prices()
		if err != nil {
			return 0, err
		}
		fee = wad.Mul(amount, p.FeePerUnit)
		if v.CollateralAmount.LessThan(fee) {
			return 0, ErrFeeExceeds
		}
		if err := s.chargeFee(v, fee); err != nil {
			return 0, err
		}
		v.ShortAmount = v.ShortAmount.Add(amount)
		if err := store.Credit(s.tx, caller, model.AssetPowerPerp, amount); err != nil {
			return 0, err
		}
	}

	if err := s.check(v); err != nil {
		return 0, err
	}
	if err := s.tx.PutVault(v); err != nil {
		return 0, err
	}
	return vaultID, s.emit(model.EventMint, vaultID, caller, amount, collateral.Sub(fee))
}

func (s *Session) chargeFee(v *model.Vault, fee decimal.Decimal) error {
	if fee.IsZero() {
		return nil
	}
	v.CollateralAmount = v.CollateralAmount.Sub(fee)
	if err := store.Credit(s.tx, s.c.params.FeeRecipient, model.AssetETH, fee); err != nil {
		return err
	}
	s.state.AccruedFees = s.state.AccruedFees.Add(fee)
	return s.tx.PutFunding(s.state)
}

// Burn repays amount of debt from caller's power-tokens and returns
// withdraw of collateral to caller.
func (s *Session) Burn(caller common.Address, vaultID uint64, amount, withdraw decimal.Decimal) error {
	if err := s.begin(); err != nil {
		return err
	}
	defer s.exit()

	if amount.IsNegative() || withdraw.IsNegative() {
		return ErrInvalidAmount
	}
	v, err := s.modifiable(caller, vaultID)
	if err != nil {
		return err
	}
	if amount.GreaterThan(v.ShortAmount) {
		return ErrBurnExceedsDebt
	}
	if withdraw.GreaterThan(v.CollateralAmount) {
		return ErrExceedsCollateral
	}

	if err := store.Debit(s.tx, caller, model.AssetPowerPerp, amount); err != nil {
		return err
	}
	v.ShortAmount = v.ShortAmount.Sub(amount)
	v.CollateralAmount = v.CollateralAmount.Sub(withdraw)
	if err := store.Credit(s.tx, caller, model.AssetETH, withdraw); err != nil {
		return err
	}

	if err := s.check(v); err != nil {
		return err
	}
	if err := s.tx.PutVault(v); err != nil {
		return err
	}
	return s.emit(model.EventBurn, vaultID, caller, amount.Neg(), withdraw.Neg())
}

// DepositCollateral moves ETH from caller into a vault.
func (s *Session) DepositCollateral(caller common.Address, vaultID uint64, amount decimal.Decimal) error {
	if err := s.begin(); err != nil {
		return err
	}
	defer s.exit()

	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	v, err := s.modifiable(caller, vaultID)
	if err != nil {
		return err
	}
	if err := store.Debit(s.tx, caller, model.AssetETH, amount); err != nil {
		return err
	}
	v.CollateralAmount = v.CollateralAmount.Add(amount)
	if err := s.tx.PutVault(v); err != nil {
		return err
	}
	return s.emit(model.EventDeposit, vaultID, caller, decimal.Zero, amount)
}

// WithdrawCollateral moves ETH from a vault to caller.
func (s *Session) WithdrawCollateral(caller common.Address, vaultID uint64, amount decimal.Decimal) error {
	if err := s.begin(); err != nil {
		return err
	}
	defer s.exit()

	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	v, err := s.modifiable(caller, vaultID)
	if err != nil {
		return err
	}
	if amount.GreaterThan(v.CollateralAmount) {
		return ErrExceedsCollateral
	}
	v.CollateralAmount = v.CollateralAmount.Sub(amount)
	if err := s.check(v); err != nil {
		return err
	}
	if err := store.Credit(s.tx, caller, model.AssetETH, amount); err != nil {
		return err
	}
	if err := s.tx.PutVault(v); err != nil {
		return err
	}
	return s.emit(model.EventWithdraw, vaultID, caller, decimal.Zero, amount.Neg())
}

// DepositLP places caller's LP position into a vault as collateral.
func (s *Session) DepositLP(caller common.Address, vaultID, tokenID uint64) error {
	if err := s.begin(); err != nil {
		return err
	}
	defer s.exit()

	v, err := s.modifiable(caller, vaultID)
	if err != nil {
		return err
	}
	if v.HasLP() {
		return ErrLPDeposited
	}
	pos, err := s.position(tokenID)
	if err != nil {
		return err
	}
	if pos.Owner != caller {
		return ErrPositionNotOwned
	}
	if pos.Pool != s.c.params.Pools.Power {
		return ErrWrongPool
	}
	if !pos.Liquidity.IsPositive() {
		return ErrEmptyPosition
	}

	pos.Owner = s.c.params.Custody
	v.NftCollateralID = tokenID
	if err := s.tx.PutPosition(pos); err != nil {
		return err
	}
	if err := s.tx.PutVault(v); err != nil {
		return err
	}
	return s.emit(model.EventDepositLP, vaultID, caller, decimal.Zero, decimal.Zero)
}

// WithdrawLP returns a vault's LP position to caller.
func (s *Session) WithdrawLP(caller common.Address, vaultID uint64) error {
	if err := s.begin(); err != nil {
		return err
	}
	defer s.exit()

	v, err := s.modifiable(caller, vaultID)
	if err != nil {
		return err
	}
	if !v.HasLP() {
		return ErrNoLP
	}
	pos, err := s.position(v.NftCollateralID)
	if err != nil {
		return err
	}

	v.NftCollateralID = 0
	if err := s.check(v); err != nil {
		return err
	}
	pos.Owner = caller
	if err := s.tx.PutPosition(pos); err != nil {
		return err
	}
	if err := s.tx.PutVault(v); err != nil {
		return err
	}
	return s.emit(model.EventWithdrawLP, vaultID, caller, decimal.Zero, decimal.Zero)
}

// UpdateOperator sets the vault's operator. Only the owner may call it.
func (s *Session) UpdateOperator(caller common.Address, vaultID uint64, operator common.Address) error {
	if err := s.begin(); err != nil {
		return err
	}
	defer s.exit()

	v, err := s.owned(caller, vaultID)
	if err != nil {
		return err
	}
	v.Operator = operator
	if err := s.tx.PutVault(v); err != nil {
		return err
	}
	return s.emit(model.EventOperator, vaultID, operator, decimal.Zero, decimal.Zero)
}

// TransferVault hands ownership to newOwner and clears the operator.
func (s *Session) TransferVault(caller common.Address, vaultID uint64, newOwner common.Address) error {
	if err := s.begin(); err != nil {
		return err
	}
	defer s.exit()

	if newOwner == (common.Address{}) {
		return ErrInvalidAddress
	}
	v, err := s.owned(caller, vaultID)
	if err != nil {
		return err
	}
	v.Owner = newOwner
	v.Operator = common.Address{}
	if err := s.tx.PutVault(v); err != nil {
		return err
	}
	return s.emit(model.EventTransferVault, vaultID, newOwner, decimal.Zero, decimal.Zero)
}

// IsVaultSafe reports whether a vault meets the collateral requirement.
func (s *Session) IsVaultSafe(vaultID uint64) (bool, error) {
	v, err := s.Vault(vaultID)
	if err != nil {
		return false, err
	}
	return s.safe(v)
}

// SetPaused toggles the pause switch.
func (s *Session) SetPaused(caller common.Address, paused bool) error {
	if !s.persist {
		return store.ErrReadOnly
	}
	if err := s.enter(); err != nil {
		return err
	}
	defer s.exit()

	gov := s.c.params.Governance
	if gov == (common.Address{}) || caller != gov {
		return ErrNotGovernance
	}
	s.state.Paused = paused
	return s.tx.PutFunding(s.state)
}

// RegisterPosition records a new LP position.
func (s *Session) RegisterPosition(pos model.LPPosition) error {
	if err := s.begin(); err != nil {
		return err
	}
	defer s.exit()

	if pos.Owner == (common.Address{}) {
		return ErrInvalidAddress
	}
	if pos.TokenID == 0 || !pos.Liquidity.IsPositive() {
		return ErrEmptyPosition
	}
	if _, _, err := amm.AmountsFor(&pos, pos.TickLower); err != nil {
		return err
	}
	if _, err := s.tx.Position(pos.TokenID); err == nil {
		return ErrPositionExists
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}
	return s.tx.PutPosition(&pos)
}
