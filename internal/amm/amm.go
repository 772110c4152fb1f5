// Package amm models the concentrated-liquidity pool the engine reads for
// LP collateral valuation. Only the pool's current tick is consumed; swap
// execution stays with the external AMM.
//
// Tick math is exact integer Q64.96 arithmetic, as in Uniswap v3:
//
//	sqrtP(tick) = sqrt(1.0001^tick) * 2^96
//	below range:  amount0 = L * 2^96 * (sqrtB - sqrtA) / sqrtB / sqrtA, amount1 = 0
//	in range:     amount0 = L * 2^96 * (sqrtB - sqrtP) / sqrtB / sqrtP, amount1 = L * (sqrtP - sqrtA) / 2^96
//	above range:  amount0 = 0, amount1 = L * (sqrtB - sqrtA) / 2^96
//
// Liquidity and amounts are wads carried as 1e18-scaled integers; amounts
// round down.
package amm

import (
	"context"
	"errors"
	"math/big"
	"sync"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"github.com/powerperp/engine/internal/model"
	"github.com/powerperp/engine/internal/wad"
)

const (
	MinTick int32 = -887272
	MaxTick int32 = 887272

	// PriceScale is the number of decimal places kept for prices.
	PriceScale int32 = 18
)

var (
	// MinSqrtRatio and MaxSqrtRatio are the Q64.96 sqrt prices at MinTick
	// and MaxTick.
	MinSqrtRatio = uint256.NewInt(4295128739)
	MaxSqrtRatio = uint256.MustFromDecimal("1461446703485210103287273052203988822378723970342")

	q96     = new(uint256.Int).Lsh(uint256.NewInt(1), 96)
	mask32  = uint256.NewInt(0xffffffff)
	q128One = new(uint256.Int).Lsh(uint256.NewInt(1), 128)

	// sqrtRatios[i] is sqrt(1.0001^-(2^(i+1))) in Q128.128.
	sqrtRatios = []*uint256.Int{
		uint256.MustFromHex("0xfff97272373d413259a46990580e213a"),
		uint256.MustFromHex("0xfff2e50f5f656932ef12357cf3c7fdcc"),
		uint256.MustFromHex("0xffe5caca7e10e4e61c3624eaa0941cd0"),
		uint256.MustFromHex("0xffcb9843d60f6159c9db58835c926644"),
		uint256.MustFromHex("0xff973b41fa98c081472e6896dfb254c0"),
		uint256.MustFromHex("0xff2ea16466c96a3843ec78b326b52861"),
		uint256.MustFromHex("0xfe5dee046a99a2a811c461f1969c3053"),
		uint256.MustFromHex("0xfcbe86c7900a88aedcffc83b479aa3a4"),
		uint256.MustFromHex("0xf987a7253ac413176f2b074cf7815e54"),
		uint256.MustFromHex("0xf3392b0822b70005940c7a398e4b70f3"),
		uint256.MustFromHex("0xe7159475a2c29b7443b29c7fa6e889d9"),
		uint256.MustFromHex("0xd097f3bdfd2022b8845ad8f792aa5825"),
		uint256.MustFromHex("0xa9f746462d870fdf8a65dc1f90e061e5"),
		uint256.MustFromHex("0x70d869a156d2a1b890bb3df62baf32f7"),
		uint256.MustFromHex("0x31be135f97d08fd981231505542fcfa6"),
		uint256.MustFromHex("0x9aa508b5b7a84e1c677de54f3e99bc9"),
		uint256.MustFromHex("0x5d6af8dedb81196699c329225ee604"),
		uint256.MustFromHex("0x2216e584f5fa1ea926041bedfe98"),
		uint256.MustFromHex("0x48a170391f7dc42444e8fa2"),
	}
	sqrtRatioTick1 = uint256.MustFromHex("0xfffcb933bd6fad37aa2d162d1a594001")
)

var (
	// ErrInvalidRange is returned when tickLower >= tickUpper or a tick is
	// outside [MinTick, MaxTick].
	ErrInvalidRange = model.NewError(model.ErrValidation, "amm: invalid tick range")

	// ErrUnknownPool is returned for a pool without a recorded slot0.
	ErrUnknownPool = model.NewError(model.ErrNotFound, "amm: unknown pool")

	errNegativeLiquidity = errors.New("amm: negative liquidity")
	errAmountOverflow    = errors.New("amm: position amount overflows uint256")
)

// Pool exposes the pool state the engine reads.
type Pool interface {
	// Slot0 returns the pool's current tick.
	Slot0(ctx context.Context, pool string) (int32, error)
}

// StaticPools is an in-memory Pool whose ticks are set by the simulation.
type StaticPools struct {
	mu    sync.RWMutex
	ticks map[string]int32
}

// NewStaticPools creates an empty pool registry.
func NewStaticPools() *StaticPools {
	return &StaticPools{ticks: make(map[string]int32)}
}

// SetTick records the current tick of a pool.
func (p *StaticPools) SetTick(pool string, tick int32) error {
	if tick < MinTick || tick > MaxTick {
		return ErrInvalidRange
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ticks[pool] = tick
	return nil
}

func (p *StaticPools) Slot0(_ context.Context, pool string) (int32, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	tick, ok := p.ticks[pool]
	if !ok {
		return 0, ErrUnknownPool
	}
	return tick, nil
}

// SqrtRatioAtTick returns sqrt(1.0001^tick) as a Q64.96 integer, rounded
// up. tick must lie in [MinTick, MaxTick].
func SqrtRatioAtTick(tick int32) *uint256.Int {
	abs := tick
	if abs < 0 {
		abs = -abs
	}

	ratio := new(uint256.Int).Set(q128One)
	if abs&1 != 0 {
		ratio.Set(sqrtRatioTick1)
	}
	for i, r := range sqrtRatios {
		if abs&(2<<i) != 0 {
			ratio.Mul(ratio, r)
			ratio.Rsh(ratio, 128)
		}
	}
	if tick > 0 {
		ratio = new(uint256.Int).Div(new(uint256.Int).SetAllOne(), ratio)
	}

	rounded := new(uint256.Int).Rsh(ratio, 32)
	if !new(uint256.Int).And(ratio, mask32).IsZero() {
		rounded.AddUint64(rounded, 1)
	}
	return rounded
}

// SqrtPriceAtTick returns sqrt(1.0001^tick) as a decimal.
func SqrtPriceAtTick(tick int32) decimal.Decimal {
	return decimal.NewFromBigInt(SqrtRatioAtTick(tick).ToBig(), 0).
		DivRound(decimal.NewFromBigInt(q96.ToBig(), 0), PriceScale)
}

// TickAtPrice returns the largest tick whose price does not exceed price
// (token1 per token0). Used by the simulation to derive ticks from prices.
func TickAtPrice(price decimal.Decimal) int32 {
	if !price.IsPositive() {
		return MinTick
	}
	// floor(sqrt(price * 2^192)) is the Q64.96 sqrt price, rounded down.
	n := new(big.Int).Lsh(price.Coefficient(), 192)
	if exp := price.Exponent(); exp >= 0 {
		n.Mul(n, new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(exp)), nil))
	} else {
		n.Quo(n, new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(-exp)), nil))
	}
	target := n.Sqrt(n)

	if MinSqrtRatio.CmpBig(target) > 0 {
		return MinTick
	}
	lo, hi := MinTick, MaxTick
	for lo < hi {
		mid := lo + (hi-lo+1)/2
		if SqrtRatioAtTick(mid).CmpBig(target) <= 0 {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return lo
}

// PositionAmounts returns the token0/token1 balances of a position with the
// given liquidity at the current tick.
func PositionAmounts(liquidity decimal.Decimal, tickLower, tickUpper, current int32) (amount0, amount1 decimal.Decimal, err error) {
	if tickLower >= tickUpper || tickLower < MinTick || tickUpper > MaxTick {
		return decimal.Zero, decimal.Zero, ErrInvalidRange
	}
	if liquidity.IsNegative() {
		return decimal.Zero, decimal.Zero, errNegativeLiquidity
	}
	l, err := wad.ToWei(liquidity)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	if l.IsZero() {
		return decimal.Zero, decimal.Zero, nil
	}

	sa := SqrtRatioAtTick(tickLower)
	sb := SqrtRatioAtTick(tickUpper)

	a0, a1 := new(uint256.Int), new(uint256.Int)
	switch {
	case current < tickLower:
		a0, err = amount0Delta(l, sa, sb)
	case current >= tickUpper:
		a1, err = amount1Delta(l, sa, sb)
	default:
		sp := SqrtRatioAtTick(current)
		if a0, err = amount0Delta(l, sp, sb); err == nil {
			a1, err = amount1Delta(l, sa, sp)
		}
	}
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	return wad.FromWei(a0), wad.FromWei(a1), nil
}

// amount0Delta returns l * 2^96 * (hi - lo) / hi / lo, rounded down.
func amount0Delta(l, lo, hi *uint256.Int) (*uint256.Int, error) {
	diff := new(uint256.Int).Sub(hi, lo)
	num, overflow := new(uint256.Int).MulDivOverflow(l, q96, uint256.NewInt(1))
	if overflow {
		return nil, errAmountOverflow
	}
	out, overflow := new(uint256.Int).MulDivOverflow(num, diff, hi)
	if overflow {
		return nil, errAmountOverflow
	}
	return out.Div(out, lo), nil
}

// amount1Delta returns l * (hi - lo) / 2^96, rounded down.
func amount1Delta(l, lo, hi *uint256.Int) (*uint256.Int, error) {
	diff := new(uint256.Int).Sub(hi, lo)
	out, overflow := new(uint256.Int).MulDivOverflow(l, diff, q96)
	if overflow {
		return nil, errAmountOverflow
	}
	return out, nil
}

// AmountsFor resolves a position's balances into (eth, powerPerp) given the
// pool's current tick.
func AmountsFor(pos *model.LPPosition, current int32) (eth, powerPerp decimal.Decimal, err error) {
	a0, a1, err := PositionAmounts(pos.Liquidity, pos.TickLower, pos.TickUpper, current)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	switch {
	case pos.Token0 == model.AssetETH && pos.Token1 == model.AssetPowerPerp:
		return a0, a1, nil
	case pos.Token0 == model.AssetPowerPerp && pos.Token1 == model.AssetETH:
		return a1, a0, nil
	default:
		return decimal.Zero, decimal.Zero, ErrInvalidRange
	}
}

// TickForPrice returns the tick of pos's pool at the given power-token
// price in ETH, respecting the pool's token order.
func TickForPrice(pos *model.LPPosition, powerEth decimal.Decimal) int32 {
	if pos.Token0 == model.AssetETH && powerEth.IsPositive() {
		return TickAtPrice(decimal.NewFromInt(1).DivRound(powerEth, PriceScale))
	}
	return TickAtPrice(powerEth)
}
