// Package store defines the persistence boundary for the engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing and simulation).
//
// Every mutation runs inside Atomic: the callback sees a Tx, and its writes
// become visible only if it returns nil. A failed call leaves no trace.
package store

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/powerperp/engine/internal/model"
)

var (
	// ErrNotFound is returned for a missing record.
	ErrNotFound = model.NewError(model.ErrNotFound, "store: not found")

	// ErrInsufficientBalance is returned when a debit exceeds a balance.
	ErrInsufficientBalance = model.NewError(model.ErrSolvency, "store: insufficient balance")

	// ErrReadOnly is returned for writes inside View.
	ErrReadOnly = model.NewError(model.ErrState, "store: read-only transaction")

	// ErrInvalidAmount is returned for negative transfer amounts.
	ErrInvalidAmount = model.NewError(model.ErrValidation, "store: amount must not be negative")
)

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// Atomic runs fn in a transaction committed only when fn returns nil.
	Atomic(ctx context.Context, fn func(Tx) error) error

	// View runs fn in a read-only transaction.
	View(ctx context.Context, fn func(Tx) error) error

	// GetVault reads one vault outside any transaction.
	GetVault(ctx context.Context, id uint64) (*model.Vault, error)

	// ListEvents returns up to limit of the most recent events, oldest
	// first. vaultID 0 lists events of every vault.
	ListEvents(ctx context.Context, vaultID uint64, limit int) ([]model.Event, error)
}

// Tx is the state visible to one transaction.
type Tx interface {
	// --- Vault ledger ---

	Vault(id uint64) (*model.Vault, error)
	PutVault(v *model.Vault) error
	// NextVaultID allocates the next vault id, starting at 1.
	NextVaultID() (uint64, error)

	// Funding returns ErrNotFound until the first PutFunding.
	Funding() (*model.FundingState, error)
	PutFunding(f *model.FundingState) error

	// --- LP positions ---

	Position(tokenID uint64) (*model.LPPosition, error)
	PutPosition(p *model.LPPosition) error

	// --- Token balances ---

	Balance(account common.Address, asset model.Asset) (decimal.Decimal, error)
	SetBalance(account common.Address, asset model.Asset, amount decimal.Decimal) error

	// --- Strategy ---

	Strategy(id string) (*model.Strategy, error)
	PutStrategy(s *model.Strategy) error
	Shares(strategyID string, holder common.Address) (decimal.Decimal, error)
	SetShares(strategyID string, holder common.Address, amount decimal.Decimal) error

	// --- OTC nonces ---

	NonceUsed(trader common.Address, nonce uint64) (bool, error)
	UseNonce(trader common.Address, nonce uint64) error

	// --- Immutable event log ---

	AppendEvent(e *model.Event) error
}

// Credit adds amount of asset to account.
func Credit(tx Tx, account common.Address, asset model.Asset, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return ErrInvalidAmount
	}
	if amount.IsZero() {
		return nil
	}
	bal, err := tx.Balance(account, asset)
	if err != nil {
		return err
	}
	return tx.SetBalance(account, asset, bal.Add(amount))
}

// Debit removes amount of asset from account.
func Debit(tx Tx, account common.Address, asset model.Asset, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return ErrInvalidAmount
	}
	if amount.IsZero() {
		return nil
	}
	bal, err := tx.Balance(account, asset)
	if err != nil {
		return err
	}
	if bal.LessThan(amount) {
		return ErrInsufficientBalance
	}
	return tx.SetBalance(account, asset, bal.Sub(amount))
}

// Transfer moves amount of asset between accounts.
func Transfer(tx Tx, from, to common.Address, asset model.Asset, amount decimal.Decimal) error {
	if err := Debit(tx, from, asset, amount); err != nil {
		return err
	}
	return Credit(tx, to, asset, amount)
}

type balanceKey struct {
	account common.Address
	asset   model.Asset
}

type shareKey struct {
	strategy string
	holder   common.Address
}

type nonceKey struct {
	trader common.Address
	nonce  uint64
}
