// Package strategy runs the delta-neutral ("crab") strategy on top of one
// controller vault: a share ledger over the vault's collateral and debt,
// Dutch-auction rebalancing on time and price triggers, OTC rebalancing
// against signed orders, and a timelocked vault migration.
//
// Each operation runs in one store transaction with a controller session,
// so the strategy's share ledger and the vault it owns always change
// together or not at all.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/facebookgo/clock"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/powerperp/engine/internal/auction"
	"github.com/powerperp/engine/internal/controller"
	"github.com/powerperp/engine/internal/metrics"
	"github.com/powerperp/engine/internal/model"
	"github.com/powerperp/engine/internal/oracle"
	"github.com/powerperp/engine/internal/otc"
	"github.com/powerperp/engine/internal/store"
	"github.com/powerperp/engine/internal/wad"
)

var (
	ErrNotInitialized     = model.NewError(model.ErrState, "strategy: not initialized")
	ErrAlreadyInitialized = model.NewError(model.ErrState, "strategy: already initialized")
	ErrMigrated           = model.NewError(model.ErrState, "strategy: vault migrated")
	ErrNotOwner           = model.NewError(model.ErrAuthorization, "strategy: caller is not the owner")
	ErrNotManager         = model.NewError(model.ErrAuthorization, "strategy: caller is not the hedge manager")
	ErrNotMigrator        = model.NewError(model.ErrAuthorization, "strategy: caller is not the migration role")
	ErrNotTimelock        = model.NewError(model.ErrAuthorization, "strategy: caller is not the timelock")
	ErrInvalidAmount      = model.NewError(model.ErrValidation, "strategy: amount must be positive")
	ErrCapExceeded        = model.NewError(model.ErrValidation, "strategy: deposit exceeds strategy cap")
	ErrInsufficientShares = model.NewError(model.ErrSolvency, "strategy: insufficient shares")
	ErrEmptyVault         = model.NewError(model.ErrState, "strategy: vault holds no collateral")
	ErrNoPendingTransfer  = model.NewError(model.ErrState, "strategy: no vault transfer queued")
	ErrTimelocked         = model.NewError(model.ErrThresholdNotMet, "strategy: vault transfer still timelocked")
)

// Params configures one strategy deployment.
type Params struct {
	// ID keys the strategy record and share ledger.
	ID string `yaml:"id"`

	// Address is the strategy's account: it owns the vault and holds
	// tokens in transit during deposits, withdrawals and hedges.
	Address common.Address `yaml:"address"`

	Owner    common.Address `yaml:"owner"`
	Manager  common.Address `yaml:"manager"`
	Migrator common.Address `yaml:"migrator"`
	Timelock common.Address `yaml:"timelock"`

	// MigrationDelay is the minimum time between queueing and executing a
	// vault transfer.
	MigrationDelay time.Duration `yaml:"migration_delay"`

	// OTCPriceTolerance bounds the OTC clearing price around the TWAP
	// (0.05 = 5%).
	OTCPriceTolerance decimal.Decimal `yaml:"otc_price_tolerance"`

	Domain  otc.Domain     `yaml:"domain"`
	Auction auction.Params `yaml:"auction"`
}

// DefaultParams returns the production-like strategy configuration.
func DefaultParams() Params {
	addr := common.HexToAddress("0x00000000000000000000000000000000000c4ab0")
	return Params{
		ID:                "crab",
		Address:           addr,
		MigrationDelay:    48 * time.Hour,
		OTCPriceTolerance: decimal.RequireFromString("0.05"),
		Domain: otc.Domain{
			Name:              "PowerPerpStrategy",
			Version:           "2",
			ChainID:           1,
			VerifyingContract: addr,
		},
		Auction: auction.DefaultParams(),
	}
}

// State is a read-only snapshot of the strategy.
type State struct {
	Strategy   model.Strategy  `json:"strategy"`
	Collateral decimal.Decimal `json:"collateral"`
	Debt       decimal.Decimal `json:"debt"`
}

// Strategy is the strategy service.
type Strategy struct {
	params   Params
	store    store.Store
	ctl      *controller.Controller
	oracle   oracle.Oracle
	verifier *otc.Verifier
	clock    clock.Clock
}

// New creates a strategy service bound to ctl's vault ledger.
func New(st store.Store, ctl *controller.Controller, orc oracle.Oracle, clk clock.Clock, params Params) *Strategy {
	return &Strategy{
		params:   params,
		store:    st,
		ctl:      ctl,
		oracle:   orc,
		verifier: otc.NewVerifier(params.Domain),
		clock:    clk,
	}
}

// Params returns the strategy configuration.
func (s *Strategy) Params() Params { return s.params }

// call is one strategy operation in flight.
type call struct {
	ctx  context.Context
	tx   store.Tx
	sess *controller.Session
	rec  *model.Strategy // nil before Initialize
}

func (s *Strategy) run(ctx context.Context, op string, fn func(c *call) error) error {
	start := time.Now()
	var supply decimal.Decimal
	err := s.ctl.Atomic(ctx, func(sess *controller.Session) error {
		tx := sess.Tx()
		c := &call{ctx: ctx, tx: tx, sess: sess}
		rec, err := tx.Strategy(s.params.ID)
		switch {
		case err == nil:
			c.rec = rec
		case !errors.Is(err, store.ErrNotFound):
			return err
		}
		if err := fn(c); err != nil {
			return err
		}
		if c.rec != nil {
			supply = c.rec.TotalSupply
		}
		return nil
	})
	metrics.Observe("strategy_"+op, start, err)
	if err == nil {
		metrics.StrategySupply.WithLabelValues(s.params.ID).Set(supply.InexactFloat64())
	}
	return err
}

// active returns the record of an initialized, unmigrated strategy.
func (c *call) active() (*model.Strategy, error) {
	if c.rec == nil || !c.rec.Initialized {
		return nil, ErrNotInitialized
	}
	if c.rec.Migrated {
		return nil, ErrMigrated
	}
	return c.rec, nil
}

func (s *Strategy) emit(c *call, kind model.EventKind, account common.Address, debtDelta, collDelta, price decimal.Decimal) error {
	return c.tx.AppendEvent(&model.Event{
		ID:              uuid.NewString(),
		Kind:            kind,
		VaultID:         c.rec.VaultID,
		Account:         account,
		DebtDelta:       debtDelta,
		CollateralDelta: collDelta,
		Price:           price,
		Timestamp:       c.sess.Now(),
	})
}

// mark returns the power-token TWAP in ETH over the hedge lookback.
func (s *Strategy) mark(ctx context.Context) (decimal.Decimal, error) {
	pool := s.ctl.Params().Pools.Power
	p, err := s.oracle.GetTwap(ctx, pool, model.AssetPowerPerp, model.AssetETH, s.params.Auction.TwapPeriod, true)
	if err != nil {
		return decimal.Zero, fmt.Errorf("strategy: mark price: %w", err)
	}
	return p, nil
}

// --- Lifecycle ---

// Initialize opens the strategy's vault and share ledger. Only the
// migration role may call it, and only once.
func (s *Strategy) Initialize(ctx context.Context, caller common.Address, strategyCap decimal.Decimal) error {
	err := s.run(ctx, "initialize", func(c *call) error {
		if caller != s.params.Migrator || caller == (common.Address{}) {
			return ErrNotMigrator
		}
		if c.rec != nil && c.rec.Initialized {
			return ErrAlreadyInitialized
		}
		if strategyCap.IsNegative() {
			return ErrInvalidAmount
		}
		mark, err := s.mark(ctx)
		if err != nil {
			return err
		}
		vaultID, err := c.sess.OpenVault(s.params.Address)
		if err != nil {
			return err
		}
		c.rec = &model.Strategy{
			ID:               s.params.ID,
			VaultID:          vaultID,
			TotalSupply:      decimal.Zero,
			Cap:              strategyCap,
			Initialized:      true,
			TimeAtLastHedge:  c.sess.Now(),
			PriceAtLastHedge: mark,
		}
		return c.tx.PutStrategy(c.rec)
	})
	if err != nil {
		return err
	}
	slog.Info("strategy initialized", "strategy", s.params.ID, "cap", strategyCap.String())
	return nil
}

// SetCap changes the maximum vault collateral. Owner only.
func (s *Strategy) SetCap(ctx context.Context, caller common.Address, strategyCap decimal.Decimal) error {
	err := s.run(ctx, "set_cap", func(c *call) error {
		if caller != s.params.Owner || caller == (common.Address{}) {
			return ErrNotOwner
		}
		rec, err := c.active()
		if err != nil {
			return err
		}
		if strategyCap.IsNegative() {
			return ErrInvalidAmount
		}
		rec.Cap = strategyCap
		return c.tx.PutStrategy(rec)
	})
	if err != nil {
		return err
	}
	slog.Info("strategy cap set", "strategy", s.params.ID, "cap", strategyCap.String())
	return nil
}

// --- Shares ---

// Deposit takes ethAmount from depositor, mints debt in proportion to the
// vault's debt/collateral ratio and gives the depositor the minted
// power-tokens and new shares. It returns the shares minted.
func (s *Strategy) Deposit(ctx context.Context, depositor common.Address, ethAmount decimal.Decimal) (decimal.Decimal, error) {
	var shares, minted decimal.Decimal
	err := s.run(ctx, "deposit", func(c *call) error {
		rec, err := c.active()
		if err != nil {
			return err
		}
		if !ethAmount.IsPositive() {
			return ErrInvalidAmount
		}
		v, err := c.sess.Vault(rec.VaultID)
		if err != nil {
			return err
		}
		if v.CollateralAmount.Add(ethAmount).GreaterThan(rec.Cap) {
			return ErrCapExceeded
		}
		prices, err := c.sess.Prices()
		if err != nil {
			return err
		}
		fee := prices.FeePerUnit

		switch {
		case v.CollateralAmount.IsZero() && v.ShortAmount.IsZero():
			if rec.TotalSupply.IsPositive() {
				return ErrEmptyVault
			}
			mark, err := s.mark(ctx)
			if err != nil {
				return err
			}
			minted = wad.Div(ethAmount, wad.Mul(mark, wad.Two).Add(fee))
		case v.CollateralAmount.IsZero():
			return ErrEmptyVault
		default:
			minted = wad.Div(wad.Mul(ethAmount, v.ShortAmount), v.CollateralAmount.Add(wad.Mul(v.ShortAmount, fee)))
		}
		net := ethAmount.Sub(wad.Mul(minted, fee))
		if rec.TotalSupply.IsZero() {
			shares = net
		} else {
			shares = wad.Div(wad.Mul(net, rec.TotalSupply), v.CollateralAmount)
		}

		if err := store.Transfer(c.tx, depositor, s.params.Address, model.AssetETH, ethAmount); err != nil {
			return err
		}
		if _, err := c.sess.Mint(s.params.Address, rec.VaultID, minted, ethAmount); err != nil {
			return err
		}
		if err := store.Transfer(c.tx, s.params.Address, depositor, model.AssetPowerPerp, minted); err != nil {
			return err
		}
		if err := s.addShares(c, depositor, shares); err != nil {
			return err
		}
		return s.emit(c, model.EventStrategyDeposit, depositor, minted, net, prices.PowerEth)
	})
	if err != nil {
		return decimal.Zero, err
	}
	slog.Info("strategy deposit",
		"strategy", s.params.ID,
		"depositor", depositor.Hex(),
		"eth", ethAmount.String(),
		"debt_minted", minted.String(),
		"shares", shares.String(),
	)
	return shares, nil
}

// Withdraw burns shareAmount of the holder's shares. The holder repays the
// matching fraction of the debt in power-tokens and receives the same
// fraction of the collateral, which is returned.
func (s *Strategy) Withdraw(ctx context.Context, holder common.Address, shareAmount decimal.Decimal) (decimal.Decimal, error) {
	var eth, burned decimal.Decimal
	err := s.run(ctx, "withdraw", func(c *call) error {
		rec, err := c.active()
		if err != nil {
			return err
		}
		if !shareAmount.IsPositive() {
			return ErrInvalidAmount
		}
		held, err := c.tx.Shares(s.params.ID, holder)
		if err != nil {
			return err
		}
		if held.LessThan(shareAmount) {
			return ErrInsufficientShares
		}
		v, err := c.sess.Vault(rec.VaultID)
		if err != nil {
			return err
		}

		eth = wad.Div(wad.Mul(v.CollateralAmount, shareAmount), rec.TotalSupply)
		burned = wad.Div(wad.Mul(v.ShortAmount, shareAmount), rec.TotalSupply)
		if shareAmount.Equal(rec.TotalSupply) {
			eth, burned = v.CollateralAmount, v.ShortAmount
		}

		if err := store.Transfer(c.tx, holder, s.params.Address, model.AssetPowerPerp, burned); err != nil {
			return err
		}
		if err := c.sess.Burn(s.params.Address, rec.VaultID, burned, eth); err != nil {
			return err
		}
		if err := store.Transfer(c.tx, s.params.Address, holder, model.AssetETH, eth); err != nil {
			return err
		}
		if err := s.addShares(c, holder, shareAmount.Neg()); err != nil {
			return err
		}
		return s.emit(c, model.EventStrategyWithdraw, holder, burned.Neg(), eth.Neg(), decimal.Zero)
	})
	if err != nil {
		return decimal.Zero, err
	}
	slog.Info("strategy withdrawal",
		"strategy", s.params.ID,
		"holder", holder.Hex(),
		"shares", shareAmount.String(),
		"eth", eth.String(),
		"debt_burned", burned.String(),
	)
	return eth, nil
}

func (s *Strategy) addShares(c *call, holder common.Address, delta decimal.Decimal) error {
	held, err := c.tx.Shares(s.params.ID, holder)
	if err != nil {
		return err
	}
	if err := c.tx.SetShares(s.params.ID, holder, held.Add(delta)); err != nil {
		return err
	}
	c.rec.TotalSupply = c.rec.TotalSupply.Add(delta)
	return c.tx.PutStrategy(c.rec)
}

// --- Migration ---

// QueueVaultTransfer schedules the vault's transfer to successor after
// MigrationDelay. Timelock only.
func (s *Strategy) QueueVaultTransfer(ctx context.Context, caller, successor common.Address) (time.Time, error) {
	var eta time.Time
	err := s.run(ctx, "queue_vault_transfer", func(c *call) error {
		if caller != s.params.Timelock || caller == (common.Address{}) {
			return ErrNotTimelock
		}
		rec, err := c.active()
		if err != nil {
			return err
		}
		if successor == (common.Address{}) {
			return controller.ErrInvalidAddress
		}
		eta = c.sess.Now().Add(s.params.MigrationDelay)
		rec.Pending = &model.PendingTransfer{Successor: successor, ETA: eta}
		return c.tx.PutStrategy(rec)
	})
	if err != nil {
		return time.Time{}, err
	}
	slog.Info("vault transfer queued", "strategy", s.params.ID, "successor", successor.Hex(), "eta", eta)
	return eta, nil
}

// ExecuteVaultTransfer hands the vault to the queued successor and zeroes
// the cap. Timelock only, once the delay has passed.
func (s *Strategy) ExecuteVaultTransfer(ctx context.Context, caller common.Address) error {
	var successor common.Address
	err := s.run(ctx, "execute_vault_transfer", func(c *call) error {
		if caller != s.params.Timelock || caller == (common.Address{}) {
			return ErrNotTimelock
		}
		rec, err := c.active()
		if err != nil {
			return err
		}
		if rec.Pending == nil {
			return ErrNoPendingTransfer
		}
		if c.sess.Now().Before(rec.Pending.ETA) {
			return ErrTimelocked
		}
		successor = rec.Pending.Successor
		if err := c.sess.TransferVault(s.params.Address, rec.VaultID, successor); err != nil {
			return err
		}
		rec.Cap = decimal.Zero
		rec.Migrated = true
		rec.Pending = nil
		return c.tx.PutStrategy(rec)
	})
	if err != nil {
		return err
	}
	slog.Info("vault transferred to successor", "strategy", s.params.ID, "successor", successor.Hex())
	return nil
}

// --- Nonces ---

// CancelNonce marks a trader's nonce as used so no order carrying it can
// be filled.
func (s *Strategy) CancelNonce(ctx context.Context, trader common.Address, nonce uint64) error {
	err := s.run(ctx, "cancel_nonce", func(c *call) error {
		used, err := c.tx.NonceUsed(trader, nonce)
		if err != nil {
			return err
		}
		if used {
			return otc.ErrNonceUsed
		}
		return c.tx.UseNonce(trader, nonce)
	})
	if err != nil {
		return err
	}
	slog.Info("nonce cancelled", "trader", trader.Hex(), "nonce", nonce)
	return nil
}

// --- Queries ---

// State returns the strategy record with its vault's collateral and debt.
func (s *Strategy) State(ctx context.Context) (State, error) {
	var st State
	err := s.store.View(ctx, func(tx store.Tx) error {
		rec, err := tx.Strategy(s.params.ID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return ErrNotInitialized
			}
			return err
		}
		v, err := tx.Vault(rec.VaultID)
		if err != nil {
			return err
		}
		st = State{Strategy: *rec, Collateral: v.CollateralAmount, Debt: v.ShortAmount}
		return nil
	})
	return st, err
}

// SharesOf returns holder's share balance.
func (s *Strategy) SharesOf(ctx context.Context, holder common.Address) (decimal.Decimal, error) {
	var held decimal.Decimal
	err := s.store.View(ctx, func(tx store.Tx) error {
		var err error
		held, err = tx.Shares(s.params.ID, holder)
		return err
	})
	return held, err
}
