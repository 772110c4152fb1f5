// Package otc signs, verifies and sequences off-chain orders that
// counterparties submit for the strategy's OTC hedge.
//
// Orders are hashed as EIP-712 typed data under a Domain naming the
// strategy deployment. A Verifier only accepts orders signed for its own
// domain, so an order cannot be replayed against another deployment.
package otc

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	gethmath "github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/shopspring/decimal"

	"github.com/powerperp/engine/internal/model"
	"github.com/powerperp/engine/internal/wad"
)

var (
	ErrWrongDomain     = model.NewError(model.ErrValidation, "otc: order signed for a different domain")
	ErrBadSignature    = model.NewError(model.ErrValidation, "otc: invalid order signature")
	ErrExpired         = model.NewError(model.ErrValidation, "otc: order expired")
	ErrNonceUsed       = model.NewError(model.ErrValidation, "otc: nonce already used")
	ErrNotSorted       = model.NewError(model.ErrValidation, "otc: orders not sorted best price first")
	ErrWrongSide       = model.NewError(model.ErrValidation, "otc: order is on the strategy's side")
	ErrNoOrders        = model.NewError(model.ErrValidation, "otc: no orders")
	ErrInvalidOrder    = model.NewError(model.ErrValidation, "otc: order quantity and price must be positive")
	ErrPriceLimit      = model.NewError(model.ErrValidation, "otc: clearing price violates order limit")
	ErrNoLiquidity     = model.NewError(model.ErrValidation, "otc: insufficient order liquidity")
	ErrInvalidQuantity = model.NewError(model.ErrValidation, "otc: quantity must be positive")
)

var orderTypes = apitypes.Types{
	"EIP712Domain": {
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	},
	"Order": {
		{Name: "bidId", Type: "uint256"},
		{Name: "trader", Type: "address"},
		{Name: "quantity", Type: "uint256"},
		{Name: "price", Type: "uint256"},
		{Name: "isBuying", Type: "bool"},
		{Name: "expiry", Type: "uint256"},
		{Name: "nonce", Type: "uint256"},
	},
}

// Domain binds signatures to one strategy deployment.
type Domain struct {
	Name              string         `json:"name" yaml:"name"`
	Version           string         `json:"version" yaml:"version"`
	ChainID           int64          `json:"chain_id" yaml:"chain_id"`
	VerifyingContract common.Address `json:"verifying_contract" yaml:"verifying_contract"`
}

// SignedOrder is an order together with the domain it was signed under.
type SignedOrder struct {
	model.Order
	Domain    Domain        `json:"domain"`
	Signature hexutil.Bytes `json:"signature"`
}

// Hash returns the EIP-712 digest of o under d.
func (d Domain) Hash(o model.Order) ([]byte, error) {
	quantity, err := wad.ToWei(o.Quantity)
	if err != nil {
		return nil, fmt.Errorf("otc: encode quantity: %w", err)
	}
	price, err := wad.ToWei(o.Price)
	if err != nil {
		return nil, fmt.Errorf("otc: encode price: %w", err)
	}

	typed := apitypes.TypedData{
		Types:       orderTypes,
		PrimaryType: "Order",
		Domain: apitypes.TypedDataDomain{
			Name:              d.Name,
			Version:           d.Version,
			ChainId:           gethmath.NewHexOrDecimal256(d.ChainID),
			VerifyingContract: d.VerifyingContract.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"bidId":    new(big.Int).SetUint64(o.BidID),
			"trader":   o.Trader.Hex(),
			"quantity": quantity.ToBig(),
			"price":    price.ToBig(),
			"isBuying": o.IsBuying,
			"expiry":   big.NewInt(o.Expiry),
			"nonce":    new(big.Int).SetUint64(o.Nonce),
		},
	}
	hash, _, err := apitypes.TypedDataAndHash(typed)
	if err != nil {
		return nil, fmt.Errorf("otc: hash order: %w", err)
	}
	return hash, nil
}

// Signer signs orders for a trader key.
type Signer struct {
	domain Domain
	key    *ecdsa.PrivateKey
}

func NewSigner(domain Domain, key *ecdsa.PrivateKey) *Signer {
	return &Signer{domain: domain, key: key}
}

// Address returns the trader address of the signing key.
func (s *Signer) Address() common.Address {
	return crypto.PubkeyToAddress(s.key.PublicKey)
}

// Sign stamps o with the signer's address and signs it.
func (s *Signer) Sign(o model.Order) (SignedOrder, error) {
	o.Trader = s.Address()
	hash, err := s.domain.Hash(o)
	if err != nil {
		return SignedOrder{}, err
	}
	sig, err := crypto.Sign(hash, s.key)
	if err != nil {
		return SignedOrder{}, fmt.Errorf("otc: sign order: %w", err)
	}
	return SignedOrder{Order: o, Domain: s.domain, Signature: sig}, nil
}

// Verifier checks orders against one domain.
type Verifier struct {
	domain Domain
}

func NewVerifier(domain Domain) *Verifier {
	return &Verifier{domain: domain}
}

// Verify checks that so was signed under the verifier's domain by its
// trader. The domain is compared before any hashing.
func (v *Verifier) Verify(so SignedOrder) error {
	if so.Domain != v.domain {
		return ErrWrongDomain
	}
	if len(so.Signature) != crypto.SignatureLength {
		return ErrBadSignature
	}
	hash, err := v.domain.Hash(so.Order)
	if err != nil {
		return err
	}

	sig := make([]byte, crypto.SignatureLength)
	copy(sig, so.Signature)
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(hash, sig)
	if err != nil {
		return ErrBadSignature
	}
	if crypto.PubkeyToAddress(*pub) != so.Trader {
		return ErrBadSignature
	}
	return nil
}

// Check verifies the signature and that the order is live at now.
func (v *Verifier) Check(so SignedOrder, now time.Time) error {
	if !so.Quantity.IsPositive() || !so.Price.IsPositive() {
		return ErrInvalidOrder
	}
	if err := v.Verify(so); err != nil {
		return err
	}
	if so.Expiry < now.Unix() {
		return ErrExpired
	}
	return nil
}

// CheckOrdering requires every order to sit on the opposite side of the
// strategy and the list to be sorted best price first: descending bids
// when the strategy sells, ascending offers when it buys.
func CheckOrdering(orders []SignedOrder, strategySelling bool) error {
	if len(orders) == 0 {
		return ErrNoOrders
	}
	for i, o := range orders {
		if o.IsBuying != strategySelling {
			return ErrWrongSide
		}
		if i == 0 {
			continue
		}
		prev := orders[i-1].Price
		if strategySelling && o.Price.GreaterThan(prev) {
			return ErrNotSorted
		}
		if !strategySelling && o.Price.LessThan(prev) {
			return ErrNotSorted
		}
	}
	return nil
}

// CheckLimit reports whether clearing respects the order's own limit:
// a bid pays at most its price, an offer receives at least its price.
func CheckLimit(o model.Order, clearing decimal.Decimal) error {
	if o.IsBuying && clearing.GreaterThan(o.Price) {
		return ErrPriceLimit
	}
	if !o.IsBuying && clearing.LessThan(o.Price) {
		return ErrPriceLimit
	}
	return nil
}

// Fill allocates up to total across orders in sequence. The last order
// touched may be partially filled; orders past it get nothing. A total
// above the combined order quantity is capped at that sum. Every order must
// carry a positive quantity and price.
func Fill(orders []SignedOrder, total decimal.Decimal) ([]decimal.Decimal, decimal.Decimal, error) {
	if !total.IsPositive() {
		return nil, decimal.Zero, ErrInvalidQuantity
	}
	for _, o := range orders {
		if !o.Quantity.IsPositive() || !o.Price.IsPositive() {
			return nil, decimal.Zero, ErrInvalidOrder
		}
	}
	fills := make([]decimal.Decimal, len(orders))
	remaining := total
	filled := decimal.Zero
	for i, o := range orders {
		if !remaining.IsPositive() {
			fills[i] = decimal.Zero
			continue
		}
		q := wad.Min(o.Quantity, remaining)
		fills[i] = q
		remaining = remaining.Sub(q)
		filled = filled.Add(q)
	}
	if !filled.IsPositive() {
		return nil, decimal.Zero, ErrNoLiquidity
	}
	return fills, filled, nil
}
