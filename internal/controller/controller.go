// Package controller owns the vault ledger: minting and burning power-token
// debt against ETH collateral, LP collateral, funding settlement and
// liquidation.
//
// Every operation runs in a Session bound to one store transaction. The
// session settles funding once when it opens, so every operation inside it
// sees the same normalization factor and block time. Controller's
// top-level methods each open their own transaction; the strategy opens a
// session inside its transaction to compose several vault operations
// atomically.
package controller

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/facebookgo/clock"
	"github.com/shopspring/decimal"

	"github.com/powerperp/engine/internal/amm"
	"github.com/powerperp/engine/internal/funding"
	"github.com/powerperp/engine/internal/metrics"
	"github.com/powerperp/engine/internal/model"
	"github.com/powerperp/engine/internal/oracle"
	"github.com/powerperp/engine/internal/risk"
	"github.com/powerperp/engine/internal/store"
)

var (
	ErrInvalidVault      = model.NewError(model.ErrValidation, "controller: invalid vault id")
	ErrInvalidAmount     = model.NewError(model.ErrValidation, "controller: amount must not be negative")
	ErrInvalidAddress    = model.NewError(model.ErrValidation, "controller: zero address")
	ErrNotAllowed        = model.NewError(model.ErrAuthorization, "controller: caller cannot modify vault")
	ErrNotOwner          = model.NewError(model.ErrAuthorization, "controller: caller is not the vault owner")
	ErrNotGovernance     = model.NewError(model.ErrAuthorization, "controller: caller is not governance")
	ErrPaused            = model.NewError(model.ErrState, "controller: paused")
	ErrReentrant         = model.NewError(model.ErrState, "controller: reentrant call")
	ErrUnsafe            = model.NewError(model.ErrSolvency, "controller: vault is not safe")
	ErrDust              = model.NewError(model.ErrSolvency, "controller: vault collateral below dust threshold")
	ErrBurnExceedsDebt   = model.NewError(model.ErrValidation, "controller: burn exceeds vault debt")
	ErrExceedsCollateral = model.NewError(model.ErrSolvency, "controller: withdrawal exceeds vault collateral")
	ErrFeeExceeds        = model.NewError(model.ErrSolvency, "controller: collateral does not cover the minting fee")
	ErrLPDeposited       = model.NewError(model.ErrState, "controller: vault already holds an LP position")
	ErrNoLP              = model.NewError(model.ErrState, "controller: vault holds no LP position")
	ErrWrongPool         = model.NewError(model.ErrValidation, "controller: LP position is not in the power-token pool")
	ErrPositionNotOwned  = model.NewError(model.ErrAuthorization, "controller: caller does not own the LP position")
	ErrPositionExists    = model.NewError(model.ErrState, "controller: LP position already exists")
	ErrEmptyPosition     = model.NewError(model.ErrValidation, "controller: LP position has no liquidity")
)

// Pools names the oracle pools the controller prices from.
type Pools struct {
	// Power is the power-token/ETH pool; LP collateral must come from it.
	Power string `yaml:"power"`

	// EthStable is the ETH/stable pool.
	EthStable string `yaml:"eth_stable"`
}

// Params configures the controller.
type Params struct {
	Risk    risk.Params    `yaml:"risk"`
	Funding funding.Params `yaml:"funding"`
	Pools   Pools          `yaml:"pools"`

	// FeeRate is charged on minted debt value (0.001 = 10 bps).
	FeeRate decimal.Decimal `yaml:"fee_rate"`

	// FeeRecipient receives minting fees in ETH.
	FeeRecipient common.Address `yaml:"fee_recipient"`

	// Custody holds deposited LP positions.
	Custody common.Address `yaml:"custody"`

	// Governance may pause the controller.
	Governance common.Address `yaml:"governance"`

	// TwapPeriod is the lookback used for every controller price.
	TwapPeriod time.Duration `yaml:"twap_period"`
}

// DefaultParams returns the production-like controller configuration.
func DefaultParams() Params {
	return Params{
		Risk:    risk.DefaultParams(),
		Funding: funding.DefaultParams(),
		Pools: Pools{
			Power:     "wpowerperp-weth",
			EthStable: "weth-usdc",
		},
		FeeRate:    decimal.Zero,
		Custody:    common.HexToAddress("0x000000000000000000000000000000000000c0de"),
		TwapPeriod: 7 * time.Minute,
	}
}

// Controller is the vault ledger service.
type Controller struct {
	params Params
	store  store.Store
	oracle oracle.Oracle
	pools  amm.Pool
	clock  clock.Clock
	mu     sync.Mutex
}

// New creates a controller.
func New(st store.Store, orc oracle.Oracle, pools amm.Pool, clk clock.Clock, params Params) *Controller {
	return &Controller{
		params: params,
		store:  st,
		oracle: orc,
		pools:  pools,
		clock:  clk,
	}
}

// Params returns the controller configuration.
func (c *Controller) Params() Params { return c.params }

// Clock returns the block-time source.
func (c *Controller) Clock() clock.Clock { return c.clock }

// Atomic runs fn in a fresh transaction and session. Calls are serialized
// with every other mutating controller operation; fn must not call back
// into the Controller.
func (c *Controller) Atomic(ctx context.Context, fn func(s *Session) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.store.Atomic(ctx, func(tx store.Tx) error {
		s, err := c.Session(ctx, tx)
		if err != nil {
			return err
		}
		return fn(s)
	})
}

// run executes fn through Atomic and records metrics for op.
func (c *Controller) run(ctx context.Context, op string, fn func(s *Session) error) error {
	start := time.Now()
	var nf decimal.Decimal
	err := c.Atomic(ctx, func(s *Session) error {
		if err := fn(s); err != nil {
			return err
		}
		nf = s.state.NormalizationFactor
		return nil
	})
	metrics.Observe(op, start, err)
	if err == nil {
		metrics.NormalizationFactor.Set(nf.InexactFloat64())
	}
	return err
}

// view executes fn against a read-only session; funding is settled in
// memory only.
func (c *Controller) view(ctx context.Context, fn func(s *Session) error) error {
	return c.store.View(ctx, func(tx store.Tx) error {
		s, err := c.open(ctx, tx, false)
		if err != nil {
			return err
		}
		return fn(s)
	})
}

// Session opens a session on tx, settling funding to the current time.
func (c *Controller) Session(ctx context.Context, tx store.Tx) (*Session, error) {
	return c.open(ctx, tx, true)
}

func (c *Controller) open(ctx context.Context, tx store.Tx, persist bool) (*Session, error) {
	now := c.clock.Now()
	state, err := tx.Funding()
	if errors.Is(err, store.ErrNotFound) {
		state = &model.FundingState{
			NormalizationFactor: decimal.NewFromInt(1),
			LastFundingUpdate:   now,
			AccruedFees:         decimal.Zero,
		}
		err = nil
	}
	if err != nil {
		return nil, err
	}

	s := &Session{c: c, ctx: ctx, tx: tx, now: now, state: state, persist: persist}
	if err := s.settleFunding(); err != nil {
		return nil, err
	}
	return s, nil
}

// --- Top-level operations (one transaction each) ---

// OpenVault creates an empty vault owned by owner.
func (c *Controller) OpenVault(ctx context.Context, owner common.Address) (uint64, error) {
	var id uint64
	err := c.run(ctx, "open_vault", func(s *Session) error {
		var err error
		id, err = s.OpenVault(owner)
		return err
	})
	if err != nil {
		return 0, err
	}
	slog.Info("vault opened", "vault_id", id, "owner", owner.Hex())
	return id, nil
}

// Mint deposits collateral and mints amount of debt. vaultID 0 opens a
// new vault; the id used is returned.
func (c *Controller) Mint(ctx context.Context, caller common.Address, vaultID uint64, amount, collateral decimal.Decimal) (uint64, error) {
	err := c.run(ctx, "mint", func(s *Session) error {
		var err error
		vaultID, err = s.Mint(caller, vaultID, amount, collateral)
		return err
	})
	if err != nil {
		return 0, err
	}
	slog.Info("debt minted",
		"vault_id", vaultID,
		"caller", caller.Hex(),
		"amount", amount.String(),
		"collateral", collateral.String(),
	)
	return vaultID, nil
}

// Burn repays amount of debt and withdraws collateral.
func (c *Controller) Burn(ctx context.Context, caller common.Address, vaultID uint64, amount, withdraw decimal.Decimal) error {
	err := c.run(ctx, "burn", func(s *Session) error {
		return s.Burn(caller, vaultID, amount, withdraw)
	})
	if err != nil {
		return err
	}
	slog.Info("debt burned",
		"vault_id", vaultID,
		"caller", caller.Hex(),
		"amount", amount.String(),
		"withdrawn", withdraw.String(),
	)
	return nil
}

// DepositCollateral adds ETH collateral to a vault.
func (c *Controller) DepositCollateral(ctx context.Context, caller common.Address, vaultID uint64, amount decimal.Decimal) error {
	err := c.run(ctx, "deposit_collateral", func(s *Session) error {
		return s.DepositCollateral(caller, vaultID, amount)
	})
	if err != nil {
		return err
	}
	slog.Info("collateral deposited", "vault_id", vaultID, "amount", amount.String())
	return nil
}

// WithdrawCollateral removes ETH collateral from a vault.
func (c *Controller) WithdrawCollateral(ctx context.Context, caller common.Address, vaultID uint64, amount decimal.Decimal) error {
	err := c.run(ctx, "withdraw_collateral", func(s *Session) error {
		return s.WithdrawCollateral(caller, vaultID, amount)
	})
	if err != nil {
		return err
	}
	slog.Info("collateral withdrawn", "vault_id", vaultID, "amount", amount.String())
	return nil
}

// DepositLP adds an LP position as vault collateral.
func (c *Controller) DepositLP(ctx context.Context, caller common.Address, vaultID, tokenID uint64) error {
	err := c.run(ctx, "deposit_lp", func(s *Session) error {
		return s.DepositLP(caller, vaultID, tokenID)
	})
	if err != nil {
		return err
	}
	slog.Info("lp position deposited", "vault_id", vaultID, "token_id", tokenID)
	return nil
}

// WithdrawLP returns a vault's LP position to the caller.
func (c *Controller) WithdrawLP(ctx context.Context, caller common.Address, vaultID uint64) error {
	err := c.run(ctx, "withdraw_lp", func(s *Session) error {
		return s.WithdrawLP(caller, vaultID)
	})
	if err != nil {
		return err
	}
	slog.Info("lp position withdrawn", "vault_id", vaultID)
	return nil
}

// UpdateOperator sets the vault's delegated operator.
func (c *Controller) UpdateOperator(ctx context.Context, caller common.Address, vaultID uint64, operator common.Address) error {
	err := c.run(ctx, "update_operator", func(s *Session) error {
		return s.UpdateOperator(caller, vaultID, operator)
	})
	if err != nil {
		return err
	}
	slog.Info("operator updated", "vault_id", vaultID, "operator", operator.Hex())
	return nil
}

// TransferVault hands vault ownership to newOwner.
func (c *Controller) TransferVault(ctx context.Context, caller common.Address, vaultID uint64, newOwner common.Address) error {
	err := c.run(ctx, "transfer_vault", func(s *Session) error {
		return s.TransferVault(caller, vaultID, newOwner)
	})
	if err != nil {
		return err
	}
	slog.Info("vault transferred", "vault_id", vaultID, "new_owner", newOwner.Hex())
	return nil
}

// Liquidate repays up to maxDebtToRepay of an unsafe vault's debt.
func (c *Controller) Liquidate(ctx context.Context, liquidator common.Address, vaultID uint64, maxDebtToRepay decimal.Decimal) (model.LiquidationResult, error) {
	var res model.LiquidationResult
	err := c.run(ctx, "liquidate", func(s *Session) error {
		var err error
		res, err = s.Liquidate(liquidator, vaultID, maxDebtToRepay)
		return err
	})
	if err != nil {
		return model.LiquidationResult{}, err
	}
	metrics.Liquidations.WithLabelValues(liquidationMode(res)).Inc()
	slog.Info("vault liquidated",
		"vault_id", vaultID,
		"liquidator", liquidator.Hex(),
		"debt_repaid", res.DebtRepaid.String(),
		"collateral_paid", res.CollateralPaid.String(),
		"lp_unwound", res.LPUnwound,
		"insolvent", res.Insolvent,
	)
	return res, nil
}

// SetPaused toggles the pause switch. Only governance may call it.
func (c *Controller) SetPaused(ctx context.Context, caller common.Address, paused bool) error {
	err := c.run(ctx, "set_paused", func(s *Session) error {
		return s.SetPaused(caller, paused)
	})
	if err != nil {
		return err
	}
	slog.Info("pause switch set", "paused", paused)
	return nil
}

// IsVaultSafe reports whether a vault meets the collateral requirement.
func (c *Controller) IsVaultSafe(ctx context.Context, vaultID uint64) (bool, error) {
	var safe bool
	err := c.view(ctx, func(s *Session) error {
		var err error
		safe, err = s.IsVaultSafe(vaultID)
		return err
	})
	return safe, err
}

// Prices returns the current settled prices.
func (c *Controller) Prices(ctx context.Context) (Prices, error) {
	var p Prices
	err := c.view(ctx, func(s *Session) error {
		var err error
		p, err = s.Prices()
		return err
	})
	return p, err
}

// Funding returns the funding state settled to now, without persisting it.
func (c *Controller) Funding(ctx context.Context) (model.FundingState, error) {
	var f model.FundingState
	err := c.view(ctx, func(s *Session) error {
		f = *s.state
		return nil
	})
	return f, err
}

// RegisterPosition records a new LP position owned by pos.Owner.
func (c *Controller) RegisterPosition(ctx context.Context, pos model.LPPosition) error {
	err := c.run(ctx, "register_position", func(s *Session) error {
		return s.RegisterPosition(pos)
	})
	if err != nil {
		return err
	}
	slog.Info("lp position registered", "token_id", pos.TokenID, "owner", pos.Owner.Hex())
	return nil
}

func liquidationMode(res model.LiquidationResult) string {
	switch {
	case res.LPUnwound && res.DebtRepaid.IsZero():
		return "lp_unwind"
	case res.Insolvent:
		return "insolvent"
	default:
		return "partial"
	}
}
