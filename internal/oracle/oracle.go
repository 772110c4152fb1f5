// Package oracle supplies time-weighted average prices for the two pools
// the engine depends on (power-token/ETH and ETH/stable).
//
// Recorder is an in-memory implementation fed by the simulation layer:
// each observation holds from its timestamp until the next one, and the
// TWAP is the time-weighted mean of that step function over the window.
package oracle

import (
	"context"
	"sync"
	"time"

	"github.com/facebookgo/clock"
	"github.com/shopspring/decimal"

	"github.com/powerperp/engine/internal/model"
	"github.com/powerperp/engine/internal/wad"
)

var (
	// ErrStale is returned when the requested lookback exceeds the recorded
	// history and the caller did not allow falling back to the oldest point.
	ErrStale = model.NewError(model.ErrStaleData, "oracle: OLD")

	// ErrNoObservations is returned for a pool that has never been observed.
	ErrNoObservations = model.NewError(model.ErrStaleData, "oracle: no observations")

	// ErrUnknownPool is returned for an unregistered pool.
	ErrUnknownPool = model.NewError(model.ErrValidation, "oracle: unknown pool")

	// ErrPairMismatch is returned when base/quote are not the pool's tokens.
	ErrPairMismatch = model.NewError(model.ErrValidation, "oracle: token pair does not match pool")

	// ErrInvalidWindow is returned for an inverted or future window.
	ErrInvalidWindow = model.NewError(model.ErrValidation, "oracle: invalid twap window")

	// ErrInvalidObservation is returned for non-positive or out-of-order prices.
	ErrInvalidObservation = model.NewError(model.ErrValidation, "oracle: invalid observation")
)

// DefaultRetention bounds how much history a Recorder keeps per pool.
const DefaultRetention = 7 * 24 * time.Hour

// Oracle is the TWAP query contract consumed by the controller and strategy.
// Prices are wads of quote per one base.
type Oracle interface {
	// GetTwap averages over [now-period, now]. With useOldest, a period
	// longer than the history shrinks to the available history.
	GetTwap(ctx context.Context, pool string, base, quote model.Asset, period time.Duration, useOldest bool) (decimal.Decimal, error)

	// GetHistoricalTwap averages over [now-secondsAgoStart, now-secondsAgoEnd].
	GetHistoricalTwap(ctx context.Context, pool string, base, quote model.Asset, secondsAgoStart, secondsAgoEnd time.Duration) (decimal.Decimal, error)
}

// Observation is one recorded price of token0 denominated in token1.
type Observation struct {
	Price     decimal.Decimal `json:"price"`
	Timestamp time.Time       `json:"timestamp"`
}

type poolSeries struct {
	token0, token1 model.Asset
	observations   []Observation
}

// Recorder is an in-memory Oracle.
type Recorder struct {
	mu        sync.RWMutex
	clock     clock.Clock
	retention time.Duration
	pools     map[string]*poolSeries
}

// NewRecorder creates an empty recorder reading block time from clk.
func NewRecorder(clk clock.Clock) *Recorder {
	return &Recorder{
		clock:     clk,
		retention: DefaultRetention,
		pools:     make(map[string]*poolSeries),
	}
}

// RegisterPool declares a pool and its token ordering. Re-registering an
// existing pool is a no-op.
func (r *Recorder) RegisterPool(pool string, token0, token1 model.Asset) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.pools[pool]; ok {
		return
	}
	r.pools[pool] = &poolSeries{token0: token0, token1: token1}
}

// Record appends a price of token0 in token1 observed at the given time.
func (r *Recorder) Record(pool string, price decimal.Decimal, at time.Time) error {
	if !price.IsPositive() {
		return ErrInvalidObservation
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.pools[pool]
	if !ok {
		return ErrUnknownPool
	}
	if n := len(s.observations); n > 0 && at.Before(s.observations[n-1].Timestamp) {
		return ErrInvalidObservation
	}
	s.observations = append(s.observations, Observation{Price: price, Timestamp: at})
	s.prune(at.Add(-r.retention))
	return nil
}

// RecordNow records a price at the current clock time.
func (r *Recorder) RecordNow(pool string, price decimal.Decimal) error {
	return r.Record(pool, price, r.clock.Now())
}

// prune drops observations fully superseded before cutoff, keeping the one
// that covers the cutoff instant.
func (s *poolSeries) prune(cutoff time.Time) {
	drop := 0
	for i := 0; i+1 < len(s.observations); i++ {
		if s.observations[i+1].Timestamp.After(cutoff) {
			break
		}
		drop = i + 1
	}
	if drop > 0 {
		s.observations = append(s.observations[:0], s.observations[drop:]...)
	}
}

func (r *Recorder) GetTwap(_ context.Context, pool string, base, quote model.Asset, period time.Duration, useOldest bool) (decimal.Decimal, error) {
	if period < 0 {
		return decimal.Zero, ErrInvalidWindow
	}
	now := r.clock.Now()
	return r.twap(pool, base, quote, now.Add(-period), now, useOldest)
}

func (r *Recorder) GetHistoricalTwap(_ context.Context, pool string, base, quote model.Asset, secondsAgoStart, secondsAgoEnd time.Duration) (decimal.Decimal, error) {
	if secondsAgoEnd < 0 || secondsAgoStart < secondsAgoEnd {
		return decimal.Zero, ErrInvalidWindow
	}
	now := r.clock.Now()
	return r.twap(pool, base, quote, now.Add(-secondsAgoStart), now.Add(-secondsAgoEnd), false)
}

func (r *Recorder) twap(pool string, base, quote model.Asset, start, end time.Time, useOldest bool) (decimal.Decimal, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.pools[pool]
	if !ok {
		return decimal.Zero, ErrUnknownPool
	}
	var invert bool
	switch {
	case base == s.token0 && quote == s.token1:
	case base == s.token1 && quote == s.token0:
		invert = true
	default:
		return decimal.Zero, ErrPairMismatch
	}
	if len(s.observations) == 0 {
		return decimal.Zero, ErrNoObservations
	}

	first := s.observations[0].Timestamp
	if start.Before(first) {
		if !useOldest {
			return decimal.Zero, ErrStale
		}
		start = first
	}
	if end.Before(start) {
		return decimal.Zero, ErrStale
	}

	var price decimal.Decimal
	if !end.After(start) {
		price = s.priceAt(end)
	} else {
		price = s.mean(start, end)
	}
	if invert {
		return wad.Div(wad.One, price), nil
	}
	return price, nil
}

// priceAt returns the observation in force at t.
func (s *poolSeries) priceAt(t time.Time) decimal.Decimal {
	price := s.observations[0].Price
	for _, o := range s.observations {
		if o.Timestamp.After(t) {
			break
		}
		price = o.Price
	}
	return price
}

// mean integrates the step function over [start, end] with millisecond
// resolution.
func (s *poolSeries) mean(start, end time.Time) decimal.Decimal {
	sum := decimal.Zero
	for i, o := range s.observations {
		segStart := o.Timestamp
		if segStart.Before(start) {
			segStart = start
		}
		segEnd := end
		if i+1 < len(s.observations) && s.observations[i+1].Timestamp.Before(end) {
			segEnd = s.observations[i+1].Timestamp
		}
		if !segEnd.After(segStart) {
			continue
		}
		ms := decimal.NewFromInt(segEnd.Sub(segStart).Milliseconds())
		sum = sum.Add(o.Price.Mul(ms))
	}
	total := decimal.NewFromInt(end.Sub(start).Milliseconds())
	if total.IsZero() {
		return s.priceAt(end)
	}
	return wad.Div(sum, total)
}
