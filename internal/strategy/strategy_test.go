package strategy_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/facebookgo/clock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/powerperp/engine/internal/amm"
	"github.com/powerperp/engine/internal/auction"
	"github.com/powerperp/engine/internal/controller"
	"github.com/powerperp/engine/internal/model"
	"github.com/powerperp/engine/internal/oracle"
	"github.com/powerperp/engine/internal/otc"
	"github.com/powerperp/engine/internal/store"
	"github.com/powerperp/engine/internal/strategy"
	"github.com/powerperp/engine/internal/wad"
)

var (
	alice    = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	bob      = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	owner    = common.HexToAddress("0x0000000000000000000000000000000000000001")
	manager  = common.HexToAddress("0x0000000000000000000000000000000000000002")
	migrator = common.HexToAddress("0x0000000000000000000000000000000000000003")
	timelock = common.HexToAddress("0x0000000000000000000000000000000000000004")
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type env struct {
	t      *testing.T
	ctx    context.Context
	clk    *clock.Mock
	ms     *store.MemoryStore
	orc    *oracle.Recorder
	ctl    *controller.Controller
	strat  *strategy.Strategy
	pools  controller.Pools
	params strategy.Params
}

// newEnv prices ETH at 3000 and the power-token at 0.3 ETH, initializes
// the strategy with a cap of 1000 ETH and deposits 30 ETH for alice,
// leaving the vault at 30 ETH against 50 debt: delta neutral.
func newEnv(t *testing.T) *env {
	t.Helper()
	cp := controller.DefaultParams()
	sp := strategy.DefaultParams()
	sp.Owner = owner
	sp.Manager = manager
	sp.Migrator = migrator
	sp.Timelock = timelock

	clk := clock.NewMock()
	clk.Add(time.Hour)
	orc := oracle.NewRecorder(clk)
	orc.RegisterPool(cp.Pools.Power, model.AssetPowerPerp, model.AssetETH)
	orc.RegisterPool(cp.Pools.EthStable, model.AssetETH, model.AssetStable)
	ms := store.NewMemoryStore()
	ctl := controller.New(ms, orc, amm.NewStaticPools(), clk, cp)

	e := &env{
		t:      t,
		ctx:    context.Background(),
		clk:    clk,
		ms:     ms,
		orc:    orc,
		ctl:    ctl,
		strat:  strategy.New(ms, ctl, orc, clk, sp),
		pools:  cp.Pools,
		params: sp,
	}
	e.setPrice("3000")
	require.NoError(t, e.strat.Initialize(e.ctx, migrator, d("1000")))

	e.credit(alice, model.AssetETH, "30")
	shares, err := e.strat.Deposit(e.ctx, alice, d("30"))
	require.NoError(t, err)
	require.True(t, shares.Equal(d("30")))
	return e
}

// setPrice records ETH at ethUsd with the power-token at index, then rolls
// the TWAP window over.
func (e *env) setPrice(ethUsd string) {
	e.t.Helper()
	eth := d(ethUsd)
	require.NoError(e.t, e.orc.RecordNow(e.pools.EthStable, eth))
	require.NoError(e.t, e.orc.RecordNow(e.pools.Power, eth.Div(d("10000"))))
	e.clk.Add(8 * time.Minute)
}

func (e *env) credit(addr common.Address, asset model.Asset, amount string) {
	e.t.Helper()
	require.NoError(e.t, e.ms.Atomic(e.ctx, func(tx store.Tx) error {
		return store.Credit(tx, addr, asset, d(amount))
	}))
}

func (e *env) balance(addr common.Address, asset model.Asset) decimal.Decimal {
	e.t.Helper()
	var bal decimal.Decimal
	require.NoError(e.t, e.ms.View(e.ctx, func(tx store.Tx) error {
		var err error
		bal, err = tx.Balance(addr, asset)
		return err
	}))
	return bal
}

func (e *env) state() strategy.State {
	e.t.Helper()
	st, err := e.strat.State(e.ctx)
	require.NoError(e.t, err)
	return st
}

// dropPrice moves ETH to 2400 (power-token 0.24, a 20% move) an hour
// after setup and returns the time the move was fully in the TWAP.
func (e *env) dropPrice() time.Time {
	e.t.Helper()
	e.clk.Add(time.Hour)
	e.setPrice("2400")
	return e.clk.Now()
}

// --- Lifecycle ---

func TestInitialize_Once(t *testing.T) {
	e := newEnv(t)

	err := e.strat.Initialize(e.ctx, migrator, d("1000"))
	assert.ErrorIs(t, err, strategy.ErrAlreadyInitialized)
	assert.ErrorIs(t, err, model.ErrState)

	st := e.state()
	assert.True(t, st.Strategy.TotalSupply.Equal(d("30")), "re-initialization leaves the ledger alone")
}

func TestInitialize_Roles(t *testing.T) {
	cp := controller.DefaultParams()
	clk := clock.NewMock()
	orc := oracle.NewRecorder(clk)
	ms := store.NewMemoryStore()
	ctl := controller.New(ms, orc, amm.NewStaticPools(), clk, cp)
	sp := strategy.DefaultParams()
	sp.Migrator = migrator
	s := strategy.New(ms, ctl, orc, clk, sp)
	ctx := context.Background()

	_, err := s.Deposit(ctx, alice, d("1"))
	assert.ErrorIs(t, err, strategy.ErrNotInitialized)

	err = s.Initialize(ctx, alice, d("1"))
	assert.ErrorIs(t, err, strategy.ErrNotMigrator)
}

func TestSetCap(t *testing.T) {
	e := newEnv(t)

	err := e.strat.SetCap(e.ctx, alice, d("10"))
	assert.ErrorIs(t, err, strategy.ErrNotOwner)

	require.NoError(t, e.strat.SetCap(e.ctx, owner, d("40")))
	e.credit(bob, model.AssetETH, "20")
	_, err = e.strat.Deposit(e.ctx, bob, d("11"))
	assert.ErrorIs(t, err, strategy.ErrCapExceeded)

	_, err = e.strat.Deposit(e.ctx, bob, d("10"))
	assert.NoError(t, err)
}

// --- Shares ---

func TestDeposit_Bootstrap(t *testing.T) {
	e := newEnv(t)
	st := e.state()

	// 30 / (2 * 0.3)
	assert.True(t, st.Debt.Equal(d("50")))
	assert.True(t, st.Collateral.Equal(d("30")))
	assert.True(t, e.balance(alice, model.AssetPowerPerp).Equal(d("50")))
	assert.True(t, e.balance(alice, model.AssetETH).IsZero())

	delta := auction.Delta(st.Collateral, st.Debt, d("0.3"))
	assert.True(t, delta.IsZero(), "bootstrap deposit lands on the delta target")
}

func TestDeposit_Proportional(t *testing.T) {
	e := newEnv(t)
	e.credit(bob, model.AssetETH, "15")

	shares, err := e.strat.Deposit(e.ctx, bob, d("15"))
	require.NoError(t, err)
	assert.True(t, shares.Equal(d("15")))
	assert.True(t, e.balance(bob, model.AssetPowerPerp).Equal(d("25")))

	st := e.state()
	assert.True(t, st.Strategy.TotalSupply.Equal(d("45")))
	assert.True(t, st.Debt.Equal(d("75")))
}

func TestShareRoundTrip(t *testing.T) {
	e := newEnv(t)
	e.credit(bob, model.AssetETH, "15")

	shares, err := e.strat.Deposit(e.ctx, bob, d("15"))
	require.NoError(t, err)
	minted := e.balance(bob, model.AssetPowerPerp)

	eth, err := e.strat.Withdraw(e.ctx, bob, shares)
	require.NoError(t, err)
	assert.True(t, eth.Equal(d("15")))
	assert.True(t, e.balance(bob, model.AssetETH).Equal(d("15")))
	assert.True(t, e.balance(bob, model.AssetPowerPerp).IsZero(), "withdrawal burns exactly the minted debt")
	assert.True(t, minted.Equal(d("25")))

	held, err := e.strat.SharesOf(e.ctx, bob)
	require.NoError(t, err)
	assert.True(t, held.IsZero())

	st := e.state()
	assert.True(t, st.Collateral.Equal(d("30")))
	assert.True(t, st.Debt.Equal(d("50")))
}

func TestWithdraw_Checks(t *testing.T) {
	e := newEnv(t)

	_, err := e.strat.Withdraw(e.ctx, alice, d("31"))
	assert.ErrorIs(t, err, strategy.ErrInsufficientShares)

	_, err = e.strat.Withdraw(e.ctx, bob, d("1"))
	assert.ErrorIs(t, err, strategy.ErrInsufficientShares)

	_, err = e.strat.Withdraw(e.ctx, alice, decimal.Zero)
	assert.ErrorIs(t, err, strategy.ErrInvalidAmount)
}

func TestWithdraw_DustUnlessFull(t *testing.T) {
	e := newEnv(t)

	// Leaves 0.5 ETH of collateral with debt outstanding: still allowed.
	_, err := e.strat.Withdraw(e.ctx, alice, d("29.5"))
	require.NoError(t, err)

	_, err = e.strat.Withdraw(e.ctx, alice, d("0.1"))
	assert.ErrorIs(t, err, controller.ErrDust)

	eth, err := e.strat.Withdraw(e.ctx, alice, d("0.5"))
	require.NoError(t, err)
	assert.True(t, eth.Equal(d("0.5")))

	st := e.state()
	assert.True(t, st.Collateral.IsZero())
	assert.True(t, st.Debt.IsZero())
	assert.True(t, e.balance(alice, model.AssetETH).Equal(d("30")))
}

// --- Auctions ---

func TestTimeHedge_Buy(t *testing.T) {
	e := newEnv(t)
	start := e.state().Strategy.TimeAtLastHedge

	ok, trigger, err := e.strat.CheckTimeHedge(e.ctx)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, start.Add(24*time.Hour), trigger)

	// ETH 3300: 2 * 50 * 0.33 = 33 against 30 collateral, so the strategy
	// buys back debt. Half way through the auction the buy multiplier is 1.
	require.NoError(t, e.orc.RecordNow(e.pools.EthStable, d("3300")))
	require.NoError(t, e.orc.RecordNow(e.pools.Power, d("0.33")))
	e.clk.Add(24*time.Hour + 30*time.Minute)

	ok, _, err = e.strat.CheckTimeHedge(e.ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	e.credit(bob, model.AssetPowerPerp, "20")
	res, err := e.strat.TimeHedge(e.ctx, bob, false, d("0.32"), decimal.Zero)
	require.NoError(t, err)
	assert.False(t, res.Selling)
	assert.True(t, res.Price.Equal(d("0.33")))
	assert.True(t, res.Quantity.Equal(wad.Div(d("3"), d("0.33"))))

	assert.True(t, e.balance(bob, model.AssetETH).Equal(res.ETH))
	assert.True(t, e.balance(bob, model.AssetPowerPerp).Equal(d("20").Sub(res.Quantity)))

	st := e.state()
	assert.True(t, st.Debt.Equal(d("50").Sub(res.Quantity)))
	assert.Equal(t, e.clk.Now(), st.Strategy.TimeAtLastHedge)
	assert.True(t, st.Strategy.PriceAtLastHedge.Equal(d("0.33")))

	// No second hedge in the same epoch.
	_, err = e.strat.TimeHedge(e.ctx, bob, false, d("0.32"), decimal.Zero)
	assert.ErrorIs(t, err, strategy.ErrHedgeNotAllowed)
	assert.ErrorIs(t, err, model.ErrThresholdNotMet)
}

func TestTimeHedge_BuyRejectsETH(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, e.orc.RecordNow(e.pools.EthStable, d("3300")))
	require.NoError(t, e.orc.RecordNow(e.pools.Power, d("0.33")))
	e.clk.Add(24*time.Hour + 30*time.Minute)
	e.credit(bob, model.AssetPowerPerp, "20")

	_, err := e.strat.TimeHedge(e.ctx, bob, false, d("0.32"), d("1"))
	assert.ErrorIs(t, err, strategy.ErrUnexpectedETH)

	_, err = e.strat.TimeHedge(e.ctx, bob, false, d("0.34"), decimal.Zero)
	assert.ErrorIs(t, err, strategy.ErrLimitPrice)
}

func TestPriceHedge_SellAfterDrop(t *testing.T) {
	e := newEnv(t)
	trigger := e.dropPrice()

	ok, err := e.strat.CheckPriceHedge(e.ctx, trigger)
	require.NoError(t, err)
	require.True(t, ok)

	// Three quarters through the auction the sell multiplier is 0.975.
	e.clk.Add(45 * time.Minute)
	e.credit(bob, model.AssetETH, "10")

	res, err := e.strat.PriceHedge(e.ctx, bob, trigger, true, d("0.25"), d("10"))
	require.NoError(t, err)
	assert.True(t, res.Selling)
	assert.True(t, res.Price.Equal(d("0.234")))
	assert.True(t, res.Price.GreaterThan(wad.Mul(d("0.95"), d("0.24"))))
	assert.True(t, res.Price.LessThan(d("0.24")))
	assert.True(t, res.Quantity.Equal(wad.Div(auction.Delta(d("30"), d("50"), d("0.234")), d("0.234"))))

	assert.True(t, e.balance(bob, model.AssetETH).Equal(d("10").Sub(res.ETH)), "only the auction cost is taken")
	assert.True(t, e.balance(bob, model.AssetPowerPerp).Equal(res.Quantity))

	st := e.state()
	assert.True(t, st.Collateral.Equal(d("30").Add(res.ETH)))
	assert.True(t, st.Debt.Equal(d("50").Add(res.Quantity)))
	assert.True(t, st.Strategy.PriceAtLastHedge.Equal(d("0.24")), "baseline moves to the post-trade TWAP")
	assert.Equal(t, e.clk.Now(), st.Strategy.TimeAtLastHedge)

	_, err = e.strat.PriceHedge(e.ctx, bob, trigger, true, d("0.25"), d("10"))
	assert.ErrorIs(t, err, strategy.ErrHedgeNotAllowed)
}

func TestPriceHedge_DirectionChanged(t *testing.T) {
	e := newEnv(t)
	trigger := e.dropPrice()
	e.clk.Add(45 * time.Minute)
	e.credit(bob, model.AssetPowerPerp, "50")

	_, err := e.strat.PriceHedge(e.ctx, bob, trigger, false, d("0.2"), decimal.Zero)
	assert.ErrorIs(t, err, strategy.ErrDirectionChanged)
	assert.ErrorIs(t, err, model.ErrState)

	st := e.state()
	assert.True(t, st.Debt.Equal(d("50")))
}

func TestPriceHedge_Checks(t *testing.T) {
	e := newEnv(t)
	trigger := e.dropPrice()
	e.clk.Add(45 * time.Minute)
	e.credit(bob, model.AssetETH, "10")

	_, err := e.strat.PriceHedge(e.ctx, bob, trigger, true, d("0.23"), d("10"))
	assert.ErrorIs(t, err, strategy.ErrLimitPrice)

	_, err = e.strat.PriceHedge(e.ctx, bob, trigger, true, d("0.25"), d("1"))
	assert.ErrorIs(t, err, strategy.ErrInsufficientETH)

	_, err = e.strat.PriceHedge(e.ctx, bob, e.clk.Now().Add(time.Minute), true, d("0.25"), d("10"))
	assert.ErrorIs(t, err, strategy.ErrInvalidTrigger)

	// A trigger before the move does not see it.
	_, err = e.strat.PriceHedge(e.ctx, bob, trigger.Add(-70*time.Minute), true, d("0.25"), d("10"))
	assert.ErrorIs(t, err, strategy.ErrHedgeNotAllowed)
}

func TestPriceHedge_SmallMoveNotAllowed(t *testing.T) {
	e := newEnv(t)
	e.clk.Add(time.Hour)
	e.setPrice("2700")
	trigger := e.clk.Now()

	ok, err := e.strat.CheckPriceHedge(e.ctx, trigger)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = e.strat.PriceHedge(e.ctx, bob, trigger, true, d("1"), d("10"))
	assert.ErrorIs(t, err, strategy.ErrHedgeNotAllowed)
}

// --- OTC ---

func newTrader(t *testing.T, e *env) *otc.Signer {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	s := otc.NewSigner(e.params.Domain, key)
	e.credit(s.Address(), model.AssetETH, "5")
	return s
}

func signBid(t *testing.T, s *otc.Signer, id uint64, qty, price string, nonce uint64) otc.SignedOrder {
	t.Helper()
	so, err := s.Sign(model.Order{
		BidID:    id,
		Quantity: d(qty),
		Price:    d(price),
		IsBuying: true,
		Expiry:   time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC).Unix(),
		Nonce:    nonce,
	})
	require.NoError(t, err)
	return so
}

func TestHedgeOTC_SortedFillWithPriceImprovement(t *testing.T) {
	e := newEnv(t)
	e.dropPrice()
	t1, t2, t3 := newTrader(t, e), newTrader(t, e), newTrader(t, e)

	o1 := signBid(t, t1, 1, "10", "0.24", 1)
	o2 := signBid(t, t2, 2, "10", "0.2448", 1)
	o3 := signBid(t, t3, 3, "10", "0.24", 1)

	_, err := e.strat.HedgeOTC(e.ctx, manager, d("15"), d("0.24"), true, []otc.SignedOrder{o1, o2, o3})
	assert.ErrorIs(t, err, otc.ErrNotSorted)

	res, err := e.strat.HedgeOTC(e.ctx, manager, d("15"), d("0.24"), true, []otc.SignedOrder{o2, o1, o3})
	require.NoError(t, err)
	assert.True(t, res.Quantity.Equal(d("15")))
	require.Len(t, res.Fills, 3)
	assert.True(t, res.Fills[0].Equal(d("10")))
	assert.True(t, res.Fills[1].Equal(d("5")))
	assert.True(t, res.Fills[2].IsZero())

	// t2 bid 0.2448 but pays the 0.24 clearing price.
	assert.True(t, e.balance(t2.Address(), model.AssetETH).Equal(d("2.6")))
	assert.True(t, e.balance(t2.Address(), model.AssetPowerPerp).Equal(d("10")))
	assert.True(t, e.balance(t1.Address(), model.AssetETH).Equal(d("3.8")))
	assert.True(t, e.balance(t1.Address(), model.AssetPowerPerp).Equal(d("5")))
	assert.True(t, e.balance(t3.Address(), model.AssetETH).Equal(d("5")))

	st := e.state()
	assert.True(t, st.Collateral.Equal(d("33.6")))
	assert.True(t, st.Debt.Equal(d("65")))
	assert.Equal(t, e.clk.Now(), st.Strategy.TimeAtLastHedge)

	// Filled nonces are spent; the untouched order's is not.
	require.NoError(t, e.ms.View(e.ctx, func(tx store.Tx) error {
		used, _ := tx.NonceUsed(t1.Address(), 1)
		assert.True(t, used)
		used, _ = tx.NonceUsed(t2.Address(), 1)
		assert.True(t, used)
		used, _ = tx.NonceUsed(t3.Address(), 1)
		assert.False(t, used)
		return nil
	}))

	// A day later the time gate is open again, but o1 cannot be replayed.
	e.clk.Add(25 * time.Hour)
	_, err = e.strat.HedgeOTC(e.ctx, manager, d("1"), d("0.24"), true, []otc.SignedOrder{o1})
	assert.ErrorIs(t, err, otc.ErrNonceUsed)

	_, err = e.strat.HedgeOTC(e.ctx, manager, d("1"), d("0.24"), true, []otc.SignedOrder{o3})
	assert.NoError(t, err)
}

func TestHedgeOTC_CancelledNonce(t *testing.T) {
	e := newEnv(t)
	e.dropPrice()
	tr := newTrader(t, e)

	require.NoError(t, e.strat.CancelNonce(e.ctx, tr.Address(), 7))
	err := e.strat.CancelNonce(e.ctx, tr.Address(), 7)
	assert.ErrorIs(t, err, otc.ErrNonceUsed)

	o := signBid(t, tr, 1, "10", "0.24", 7)
	_, err = e.strat.HedgeOTC(e.ctx, manager, d("5"), d("0.24"), true, []otc.SignedOrder{o})
	assert.ErrorIs(t, err, otc.ErrNonceUsed)
	assert.True(t, e.balance(tr.Address(), model.AssetETH).Equal(d("5")))
}

func TestHedgeOTC_Rejections(t *testing.T) {
	e := newEnv(t)
	tr := newTrader(t, e)
	o := signBid(t, tr, 1, "10", "0.24", 1)

	_, err := e.strat.HedgeOTC(e.ctx, alice, d("5"), d("0.24"), true, []otc.SignedOrder{o})
	assert.ErrorIs(t, err, strategy.ErrNotManager)

	// Neither gate is open before the price moves.
	_, err = e.strat.HedgeOTC(e.ctx, manager, d("5"), d("0.24"), true, []otc.SignedOrder{o})
	assert.ErrorIs(t, err, strategy.ErrHedgeNotAllowed)

	e.dropPrice()

	_, err = e.strat.HedgeOTC(e.ctx, manager, d("5"), d("0.2"), true, []otc.SignedOrder{o})
	assert.ErrorIs(t, err, strategy.ErrPriceTolerance)

	_, err = e.strat.HedgeOTC(e.ctx, manager, d("5"), d("0.25"), true, []otc.SignedOrder{o})
	assert.ErrorIs(t, err, otc.ErrPriceLimit)

	_, err = e.strat.HedgeOTC(e.ctx, manager, d("5"), d("0.24"), false, []otc.SignedOrder{o})
	assert.ErrorIs(t, err, otc.ErrWrongSide)

	other := e.params.Domain
	other.ChainID = 5
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	foreign := otc.NewSigner(other, key)
	e.credit(foreign.Address(), model.AssetETH, "5")
	_, err = e.strat.HedgeOTC(e.ctx, manager, d("5"), d("0.24"), true, []otc.SignedOrder{signBid(t, foreign, 1, "10", "0.24", 1)})
	assert.ErrorIs(t, err, otc.ErrWrongDomain)
}

func TestHedgeOTC_RejectsNonPositiveOrder(t *testing.T) {
	e := newEnv(t)
	e.dropPrice()
	tr := newTrader(t, e)
	before := e.state()

	negative := otc.SignedOrder{Order: model.Order{
		BidID:    9,
		Trader:   common.HexToAddress("0x0000000000000000000000000000000000000bad"),
		Quantity: d("-5"),
		Price:    d("0.24"),
		IsBuying: true,
		Expiry:   time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC).Unix(),
		Nonce:    1,
	}}
	valid := signBid(t, tr, 1, "10", "0.24", 1)

	_, err := e.strat.HedgeOTC(e.ctx, manager, d("3"), d("0.24"), true, []otc.SignedOrder{negative, valid})
	assert.ErrorIs(t, err, otc.ErrInvalidOrder)

	assert.True(t, e.balance(tr.Address(), model.AssetPowerPerp).IsZero())
	assert.True(t, e.balance(tr.Address(), model.AssetETH).Equal(d("5")))
	after := e.state()
	assert.True(t, after.Collateral.Equal(before.Collateral))
	assert.True(t, after.Debt.Equal(before.Debt))
}

func TestHedgeOTC_OvershootRejected(t *testing.T) {
	e := newEnv(t)
	e.dropPrice()
	tr := newTrader(t, e)
	e.credit(tr.Address(), model.AssetETH, "30")

	// Delta is 6 ETH; selling 100 at 0.24 would swing it to -18.
	big := signBid(t, tr, 1, "100", "0.24", 1)
	_, err := e.strat.HedgeOTC(e.ctx, manager, d("100"), d("0.24"), true, []otc.SignedOrder{big})
	assert.ErrorIs(t, err, strategy.ErrNoImprovement)
	assert.True(t, e.balance(tr.Address(), model.AssetPowerPerp).IsZero())

	// A fill that lands short of neutral still goes through.
	res, err := e.strat.HedgeOTC(e.ctx, manager, d("20"), d("0.24"), true, []otc.SignedOrder{big})
	require.NoError(t, err)
	assert.True(t, res.Quantity.Equal(d("20")))
}

func TestDeposit_ConcurrentWithVaultOperations(t *testing.T) {
	e := newEnv(t)
	depositors := make([]common.Address, 10)
	for i := range depositors {
		depositors[i] = common.HexToAddress(fmt.Sprintf("0x%040x", 0xd000+i))
		e.credit(depositors[i], model.AssetETH, "1")
	}
	e.credit(bob, model.AssetETH, "100")

	var wg sync.WaitGroup
	errs := make(chan error, 2*len(depositors))
	for _, addr := range depositors {
		wg.Add(2)
		go func(addr common.Address) {
			defer wg.Done()
			_, err := e.strat.Deposit(e.ctx, addr, d("1"))
			errs <- err
		}(addr)
		go func() {
			defer wg.Done()
			_, err := e.ctl.Mint(e.ctx, bob, 0, d("10"), d("10"))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	st := e.state()
	assert.True(t, st.Strategy.TotalSupply.Equal(d("40")))
	assert.True(t, st.Collateral.Equal(d("40")))
	for _, addr := range depositors {
		shares, err := e.strat.SharesOf(e.ctx, addr)
		require.NoError(t, err)
		assert.True(t, shares.Equal(d("1")))
	}
}

// --- Migration ---

func TestVaultMigration(t *testing.T) {
	e := newEnv(t)
	successor := common.HexToAddress("0x0000000000000000000000000000000000005cc5")

	_, err := e.strat.QueueVaultTransfer(e.ctx, owner, successor)
	assert.ErrorIs(t, err, strategy.ErrNotTimelock)

	err = e.strat.ExecuteVaultTransfer(e.ctx, timelock)
	assert.ErrorIs(t, err, strategy.ErrNoPendingTransfer)

	eta, err := e.strat.QueueVaultTransfer(e.ctx, timelock, successor)
	require.NoError(t, err)
	assert.Equal(t, e.clk.Now().Add(48*time.Hour), eta)

	err = e.strat.ExecuteVaultTransfer(e.ctx, timelock)
	assert.ErrorIs(t, err, strategy.ErrTimelocked)

	e.clk.Add(48 * time.Hour)
	require.NoError(t, e.strat.ExecuteVaultTransfer(e.ctx, timelock))

	st := e.state()
	assert.True(t, st.Strategy.Migrated)
	assert.True(t, st.Strategy.Cap.IsZero())
	assert.Nil(t, st.Strategy.Pending)

	v, err := e.ms.GetVault(e.ctx, st.Strategy.VaultID)
	require.NoError(t, err)
	assert.Equal(t, successor, v.Owner)

	e.credit(bob, model.AssetETH, "1")
	_, err = e.strat.Deposit(e.ctx, bob, d("1"))
	assert.ErrorIs(t, err, strategy.ErrMigrated)
}
