// Package candle accumulates raw trade and best-quote ticks into per-minute
// closes, grounded on small single-purpose value types in
// internal/trading/arbitrage/spread.go: plain structs, a handful of pure
// methods, no interfaces.
package candle

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Closes is the per-minute finalize output: coin -> close price on each leg.
// A coin with no events in the minute is simply absent from the map (the
// spec's "missing coins yield None").
type Closes struct {
	Spot map[string]decimal.Decimal
	Perp map[string]decimal.Decimal
}

// Builder accumulates the latest spot trade price and perp best-bid per coin
// within the current minute bucket
type Builder struct {
	mu sync.Mutex

	currentMinute time.Time
	spot map[string]decimal.Decimal
	perp map[string]decimal.Decimal

	// fiatStableMarket is the spot market symbol used for FX rate discovery
	// (e.g. "USDT-KRW"); events against it never feed the candle accumulators.
	fiatStableMarket string
}

// NewBuilder constructs an empty Builder. fiatStableMarket may be "" if no
// such market needs excluding.
func NewBuilder(fiatStableMarket string) *Builder {
	return &Builder{
		spot: make(map[string]decimal.Decimal),
		perp: make(map[string]decimal.Decimal),
		fiatStableMarket: fiatStableMarket,
	}
}

// OnSpotTrade records a spot-leg trade price for coin at ts. Events against
// the fiat-stablecoin market are ignored — a dedicated FX source supplies
// fx_rate instead. Returns the finalized closes if ts crossed a minute
// boundary (nil otherwise).
func (b *Builder) OnSpotTrade(coin, market string, ts time.Time, price decimal.Decimal) *Closes {
	if market == b.fiatStableMarket {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	closes:= b.maybeFinalizeLocked(ts)
	b.spot[coin] = price
	return closes
}

// OnPerpBestBid records the perp-leg best bid for coin at ts. Returns the
// finalized closes if ts crossed a minute boundary (nil otherwise).
func (b *Builder) OnPerpBestBid(coin string, ts time.Time, bid decimal.Decimal) *Closes {
	b.mu.Lock()
	defer b.mu.Unlock()

	closes:= b.maybeFinalizeLocked(ts)
	b.perp[coin] = bid
	return closes
}

// maybeFinalizeLocked detects a new-minute transition: if ts's minute floor
// exceeds the bucket currently being accumulated, it snapshots and clears
// the accumulators and advances the bucket. Must be called with mu held.
func (b *Builder) maybeFinalizeLocked(ts time.Time) *Closes {
	minute:= ts.Truncate(time.Minute)

	if b.currentMinute.IsZero {
		b.currentMinute = minute
		return nil
	}

	if !minute.After(b.currentMinute) {
		return nil
	}

	closes:= &Closes{
		Spot: b.spot,
		Perp: b.perp,
	}
	b.spot = make(map[string]decimal.Decimal)
	b.perp = make(map[string]decimal.Decimal)
	b.currentMinute = minute
	return closes
}

// LatestPrices returns the most recently observed in-progress spot trade
// price and perp best-bid for coin within the current (not yet finalized)
// minute bucket, used by tick-signal evaluation to read "latest candle
// prices" ahead of minute close.
func (b *Builder) LatestPrices(coin string) (spot, perp decimal.Decimal, spotOK, perpOK bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	spot, spotOK = b.spot[coin]
	perp, perpOK = b.perp[coin]
	return
}

// CurrentMinute reports the minute bucket currently being accumulated.
func (b *Builder) CurrentMinute() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentMinute
}

// ForceFinalize finalizes the current minute bucket if now's minute floor has
// advanced past it, without requiring a triggering trade/quote event — used
// by the minute timer fallback: finalize
// current minute if new") so a quiet coin with no ticks still gets a close.
func (b *Builder) ForceFinalize(now time.Time) *Closes {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.maybeFinalizeLocked(now)
}
