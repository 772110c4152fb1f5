package strategy

import (
	"context"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/powerperp/engine/internal/auction"
	"github.com/powerperp/engine/internal/metrics"
	"github.com/powerperp/engine/internal/model"
	"github.com/powerperp/engine/internal/otc"
	"github.com/powerperp/engine/internal/store"
	"github.com/powerperp/engine/internal/wad"
)

var (
	ErrHedgeNotAllowed  = model.NewError(model.ErrThresholdNotMet, "strategy: hedge threshold not met")
	ErrInvalidTrigger   = model.NewError(model.ErrValidation, "strategy: invalid auction trigger time")
	ErrLimitPrice       = model.NewError(model.ErrValidation, "strategy: auction price violates limit")
	ErrInsufficientETH  = model.NewError(model.ErrValidation, "strategy: attached ETH does not cover the auction")
	ErrUnexpectedETH    = model.NewError(model.ErrValidation, "strategy: ETH attached to a buy auction")
	ErrNoImprovement    = model.NewError(model.ErrState, "strategy: hedge does not reduce delta")
	ErrPriceTolerance   = model.NewError(model.ErrValidation, "strategy: clearing price outside TWAP tolerance")
	ErrInvalidPrice     = model.NewError(model.ErrValidation, "strategy: clearing price must be positive")
	ErrExceedsVaultETH  = model.NewError(model.ErrSolvency, "strategy: OTC buy needs more ETH than the vault holds")
	ErrDirectionChanged = auction.ErrDirectionChanged
)

// HedgeResult describes an executed rebalance.
type HedgeResult struct {
	Selling  bool            `json:"selling"`
	Quantity decimal.Decimal `json:"quantity"`
	Price    decimal.Decimal `json:"price"`
	ETH      decimal.Decimal `json:"eth"`
}

func side(selling bool) string {
	if selling {
		return "sell"
	}
	return "buy"
}

// --- Gates ---

// timeTrigger returns when the time gate opens after rec's last hedge.
func (s *Strategy) timeTrigger(rec *model.Strategy) time.Time {
	return rec.TimeAtLastHedge.Add(s.params.Auction.HedgeTimeThreshold)
}

// priceMoved reports whether the power-token TWAP ending at trigger has
// moved at least HedgePriceThreshold from the last hedge price.
func (s *Strategy) priceMoved(ctx context.Context, rec *model.Strategy, trigger, now time.Time) (bool, error) {
	if !trigger.After(rec.TimeAtLastHedge) || trigger.After(now) {
		return false, nil
	}
	ago := now.Sub(trigger)
	pool := s.ctl.Params().Pools.Power
	price, err := s.oracle.GetHistoricalTwap(ctx, pool, model.AssetPowerPerp, model.AssetETH, ago+s.params.Auction.TwapPeriod, ago)
	if err != nil {
		return false, err
	}
	return s.deviates(rec, price), nil
}

func (s *Strategy) deviates(rec *model.Strategy, price decimal.Decimal) bool {
	if !rec.PriceAtLastHedge.IsPositive() {
		return true
	}
	ratio := wad.Div(price, rec.PriceAtLastHedge)
	return ratio.Sub(wad.One).Abs().GreaterThanOrEqual(s.params.Auction.HedgePriceThreshold)
}

// CheckTimeHedge reports whether the time gate is open and the time it
// opened, which anchors the auction.
func (s *Strategy) CheckTimeHedge(ctx context.Context) (bool, time.Time, error) {
	st, err := s.State(ctx)
	if err != nil {
		return false, time.Time{}, err
	}
	trigger := s.timeTrigger(&st.Strategy)
	return !s.clock.Now().Before(trigger), trigger, nil
}

// CheckPriceHedge reports whether trigger is a valid price-hedge trigger:
// after the last hedge, not in the future, and with the TWAP ending at it
// beyond the price threshold.
func (s *Strategy) CheckPriceHedge(ctx context.Context, trigger time.Time) (bool, error) {
	st, err := s.State(ctx)
	if err != nil {
		return false, err
	}
	return s.priceMoved(ctx, &st.Strategy, trigger, s.clock.Now())
}

// --- Auctions ---

// TimeHedge rebalances through the Dutch auction opened by the time gate.
// trader is the counterparty: when the strategy sells it pays in ETH, up
// to attached; when the strategy buys it delivers power-tokens and must
// attach nothing. limit is the trader's worst acceptable price.
func (s *Strategy) TimeHedge(ctx context.Context, trader common.Address, selling bool, limit, attached decimal.Decimal) (HedgeResult, error) {
	var res HedgeResult
	err := s.run(ctx, "time_hedge", func(c *call) error {
		rec, err := c.active()
		if err != nil {
			return err
		}
		trigger := s.timeTrigger(rec)
		if c.sess.Now().Before(trigger) {
			return ErrHedgeNotAllowed
		}
		res, err = s.auction(c, trader, trigger, selling, limit, attached)
		return err
	})
	if err != nil {
		return HedgeResult{}, err
	}
	s.logHedge("time", trader, res)
	return res, nil
}

// PriceHedge rebalances through the Dutch auction opened by a price move
// observed at trigger.
func (s *Strategy) PriceHedge(ctx context.Context, trader common.Address, trigger time.Time, selling bool, limit, attached decimal.Decimal) (HedgeResult, error) {
	var res HedgeResult
	err := s.run(ctx, "price_hedge", func(c *call) error {
		rec, err := c.active()
		if err != nil {
			return err
		}
		if trigger.After(c.sess.Now()) {
			return ErrInvalidTrigger
		}
		moved, err := s.priceMoved(c.ctx, rec, trigger, c.sess.Now())
		if err != nil {
			return err
		}
		if !moved {
			return ErrHedgeNotAllowed
		}
		res, err = s.auction(c, trader, trigger, selling, limit, attached)
		return err
	})
	if err != nil {
		return HedgeResult{}, err
	}
	s.logHedge("price", trader, res)
	return res, nil
}

func (s *Strategy) logHedge(trigger string, trader common.Address, res HedgeResult) {
	metrics.Hedges.WithLabelValues(trigger, side(res.Selling)).Inc()
	slog.Info("strategy hedged",
		"strategy", s.params.ID,
		"trigger", trigger,
		"side", side(res.Selling),
		"trader", trader.Hex(),
		"quantity", res.Quantity.String(),
		"price", res.Price.String(),
		"eth", res.ETH.String(),
	)
}

// auction sizes the trade at the auction price for now - trigger, checks
// it against the caller's expectations and settles it with trader.
func (s *Strategy) auction(c *call, trader common.Address, trigger time.Time, selling bool, limit, attached decimal.Decimal) (HedgeResult, error) {
	rec := c.rec
	v, err := c.sess.Vault(rec.VaultID)
	if err != nil {
		return HedgeResult{}, err
	}
	mark, err := s.mark(c.ctx)
	if err != nil {
		return HedgeResult{}, err
	}
	prices, err := c.sess.Prices()
	if err != nil {
		return HedgeResult{}, err
	}
	fee := prices.FeePerUnit

	h, err := s.params.Auction.Plan(v.CollateralAmount, v.ShortAmount, mark, fee, c.sess.Now().Sub(trigger))
	if err != nil {
		return HedgeResult{}, err
	}
	if h.Selling() != selling {
		return HedgeResult{}, ErrDirectionChanged
	}
	if !auction.Improves(h, v.CollateralAmount, v.ShortAmount, mark, fee) {
		return HedgeResult{}, ErrNoImprovement
	}

	q, price := h.Amount(), h.At()
	eth := wad.Mul(q, price)
	switch h.(type) {
	case auction.Sell:
		if price.GreaterThan(limit) {
			return HedgeResult{}, ErrLimitPrice
		}
		if attached.LessThan(eth) {
			return HedgeResult{}, ErrInsufficientETH
		}
		if err := s.sellToCounterparties(c, []fill{{trader, q, eth}}); err != nil {
			return HedgeResult{}, err
		}
	case auction.Buy:
		if attached.IsPositive() {
			return HedgeResult{}, ErrUnexpectedETH
		}
		if price.LessThan(limit) {
			return HedgeResult{}, ErrLimitPrice
		}
		if err := s.buyFromCounterparties(c, []fill{{trader, q, eth}}); err != nil {
			return HedgeResult{}, err
		}
	}

	if err := s.recordHedge(c); err != nil {
		return HedgeResult{}, err
	}
	debt := q
	if !selling {
		debt = q.Neg()
	}
	if err := s.emit(c, model.EventHedge, trader, debt, decimal.Zero, price); err != nil {
		return HedgeResult{}, err
	}
	return HedgeResult{Selling: selling, Quantity: q, Price: price, ETH: eth}, nil
}

// fill is one counterparty's share of a hedge.
type fill struct {
	trader   common.Address
	quantity decimal.Decimal
	eth      decimal.Decimal
}

// sellToCounterparties mints the total quantity against the ETH the
// counterparties pay and delivers each its power-tokens.
func (s *Strategy) sellToCounterparties(c *call, fills []fill) error {
	addr := s.params.Address
	quantity, eth := decimal.Zero, decimal.Zero
	for _, f := range fills {
		if err := store.Transfer(c.tx, f.trader, addr, model.AssetETH, f.eth); err != nil {
			return err
		}
		quantity = quantity.Add(f.quantity)
		eth = eth.Add(f.eth)
	}
	if _, err := c.sess.Mint(addr, c.rec.VaultID, quantity, eth); err != nil {
		return err
	}
	for _, f := range fills {
		if err := store.Transfer(c.tx, addr, f.trader, model.AssetPowerPerp, f.quantity); err != nil {
			return err
		}
	}
	return nil
}

// buyFromCounterparties takes each counterparty's power-tokens, burns them
// against the vault's ETH and pays each its price.
func (s *Strategy) buyFromCounterparties(c *call, fills []fill) error {
	addr := s.params.Address
	quantity, eth := decimal.Zero, decimal.Zero
	for _, f := range fills {
		if err := store.Transfer(c.tx, f.trader, addr, model.AssetPowerPerp, f.quantity); err != nil {
			return err
		}
		quantity = quantity.Add(f.quantity)
		eth = eth.Add(f.eth)
	}
	if err := c.sess.Burn(addr, c.rec.VaultID, quantity, eth); err != nil {
		return err
	}
	for _, f := range fills {
		if err := store.Transfer(c.tx, addr, f.trader, model.AssetETH, f.eth); err != nil {
			return err
		}
	}
	return nil
}

// recordHedge moves the hedge baseline to now and the post-trade TWAP.
func (s *Strategy) recordHedge(c *call) error {
	mark, err := s.mark(c.ctx)
	if err != nil {
		return err
	}
	c.rec.TimeAtLastHedge = c.sess.Now()
	c.rec.PriceAtLastHedge = mark
	return c.tx.PutStrategy(c.rec)
}

// --- OTC ---

// OTCResult describes an executed OTC hedge.
type OTCResult struct {
	Selling  bool              `json:"selling"`
	Quantity decimal.Decimal   `json:"quantity"`
	Price    decimal.Decimal   `json:"price"`
	Fills    []decimal.Decimal `json:"fills"`
}

// HedgeOTC rebalances against signed orders at the manager's clearing
// price. Orders must be sorted best price first and are filled in order
// up to totalQuantity; every filled order trades at clearingPrice and has
// its nonce consumed.
func (s *Strategy) HedgeOTC(ctx context.Context, caller common.Address, totalQuantity, clearingPrice decimal.Decimal, selling bool, orders []otc.SignedOrder) (OTCResult, error) {
	var res OTCResult
	err := s.run(ctx, "hedge_otc", func(c *call) error {
		if caller != s.params.Manager || caller == (common.Address{}) {
			return ErrNotManager
		}
		rec, err := c.active()
		if err != nil {
			return err
		}
		if !clearingPrice.IsPositive() {
			return ErrInvalidPrice
		}
		now := c.sess.Now()
		mark, err := s.mark(c.ctx)
		if err != nil {
			return err
		}
		if now.Before(s.timeTrigger(rec)) && !s.deviates(rec, mark) {
			return ErrHedgeNotAllowed
		}
		if err := s.checkTolerance(clearingPrice, mark, selling); err != nil {
			return err
		}
		if err := otc.CheckOrdering(orders, selling); err != nil {
			return err
		}
		v, err := c.sess.Vault(rec.VaultID)
		if err != nil {
			return err
		}
		if auction.Delta(v.CollateralAmount, v.ShortAmount, mark).IsPositive() != selling {
			return ErrDirectionChanged
		}

		quantities, filled, err := otc.Fill(orders, totalQuantity)
		if err != nil {
			return err
		}
		prices, err := c.sess.Prices()
		if err != nil {
			return err
		}
		var h auction.Hedge = auction.Buy{Quantity: filled, Price: clearingPrice}
		if selling {
			h = auction.Sell{Quantity: filled, Price: clearingPrice}
		}
		if !auction.Improves(h, v.CollateralAmount, v.ShortAmount, mark, prices.FeePerUnit) {
			return ErrNoImprovement
		}
		var fills []fill
		for i, so := range orders {
			if !quantities[i].IsPositive() {
				continue
			}
			if err := s.checkOrder(c, so, clearingPrice, now); err != nil {
				return err
			}
			fills = append(fills, fill{so.Trader, quantities[i], wad.Mul(quantities[i], clearingPrice)})
		}

		if selling {
			err = s.sellToCounterparties(c, fills)
		} else {
			var eth decimal.Decimal
			for _, f := range fills {
				eth = eth.Add(f.eth)
			}
			if eth.GreaterThan(v.CollateralAmount) {
				return ErrExceedsVaultETH
			}
			err = s.buyFromCounterparties(c, fills)
		}
		if err != nil {
			return err
		}

		if err := s.recordHedge(c); err != nil {
			return err
		}
		debt := filled
		if !selling {
			debt = filled.Neg()
		}
		if err := s.emit(c, model.EventHedgeOTC, caller, debt, decimal.Zero, clearingPrice); err != nil {
			return err
		}
		res = OTCResult{Selling: selling, Quantity: filled, Price: clearingPrice, Fills: quantities}
		return nil
	})
	if err != nil {
		return OTCResult{}, err
	}

	metrics.Hedges.WithLabelValues("otc", side(selling)).Inc()
	for _, q := range res.Fills {
		if q.IsPositive() {
			metrics.OTCFills.Inc()
		}
	}
	slog.Info("strategy hedged over the counter",
		"strategy", s.params.ID,
		"side", side(selling),
		"quantity", res.Quantity.String(),
		"price", clearingPrice.String(),
		"orders", len(orders),
	)
	return res, nil
}

// checkTolerance keeps the clearing price within OTCPriceTolerance of the
// TWAP on the side that would hurt the strategy.
func (s *Strategy) checkTolerance(clearing, mark decimal.Decimal, selling bool) error {
	tol := s.params.OTCPriceTolerance
	if selling {
		if clearing.LessThan(wad.Mul(mark, wad.One.Sub(tol))) {
			return ErrPriceTolerance
		}
		return nil
	}
	if clearing.GreaterThan(wad.Mul(mark, wad.One.Add(tol))) {
		return ErrPriceTolerance
	}
	return nil
}

// checkOrder validates one order about to be filled and consumes its
// nonce.
func (s *Strategy) checkOrder(c *call, so otc.SignedOrder, clearing decimal.Decimal, now time.Time) error {
	if err := s.verifier.Check(so, now); err != nil {
		return err
	}
	used, err := c.tx.NonceUsed(so.Trader, so.Nonce)
	if err != nil {
		return err
	}
	if used {
		return otc.ErrNonceUsed
	}
	if err := otc.CheckLimit(so.Order, clearing); err != nil {
		return err
	}
	return c.tx.UseNonce(so.Trader, so.Nonce)
}
