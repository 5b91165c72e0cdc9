package monitor

import (
	"context"
	"time"

	"github.com/arbctl/spreadengine/internal/core"
	"github.com/arbctl/spreadengine/internal/orderbook"
	"github.com/arbctl/spreadengine/internal/spread"

	"github.com/shopspring/decimal"
)

// handleStreamEvent updates the candle builder for the event's leg, runs
// minute finalize if a boundary was crossed, and then evaluates tick
// signals for the event's coin.
func (s *Supervisor) handleStreamEvent(ctx context.Context, ev core.StreamEvent, exchange orderbook.Exchange) {
	var market string
	var ts time.Time

	switch {
	case ev.Trade != nil:
		market, ts = ev.Trade.Market, ev.Trade.Timestamp
	case ev.BestQuote != nil:
		market, ts = ev.BestQuote.Market, ev.BestQuote.Timestamp
	default:
		return
	}

	coin, ok:= s.coinForMarket(market)
	if !ok {
		return
	}

	if exchange == orderbook.ExchangeSpot && ev.Trade != nil {
		if c:= s.candles.OnSpotTrade(coin, market, ts, ev.Trade.Price); c != nil {
			s.finalizeMinute(ctx, c)
		}
	} else if exchange == orderbook.ExchangePerp && ev.BestQuote != nil {
		if c:= s.candles.OnPerpBestBid(coin, ts, ev.BestQuote.Bid); c != nil {
			s.finalizeMinute(ctx, c)
		}
	}

	s.evaluateTickSignal(ctx, coin, exchange)
}

// evaluateTickSignal runs the per-event procedure
func (s *Supervisor) evaluateTickSignal(ctx context.Context, coin string, source orderbook.Exchange) {
	spotPrice, perpPrice, okS, okP:= s.candles.LatestPrices(coin)
	if !okS || !okP {
		return
	}

	fxRate:= s.fx.Get()
	currentSpread, ok:= spread.ComputeSpreadPct(spotPrice, fxRate, perpPrice)
	if !ok {
		return
	}

	stats, ready:= s.spreadCalc.CachedStats(coin)
	if !ready {
		return
	}

	if !s.orderbooks.TrySetComputing(source, coin) {
		s.droppedTickCount.Add(1)
		return
	}

	opposite:= orderbook.Opposite(source)
	if s.orderbooks.IsComputing(opposite, coin) {
		s.orderbooks.ClearComputing(source, coin)
		return
	}

	go s.runTickTask(ctx, coin, source, currentSpread, stats)
}

// runTickTask is the spawned body of tick-signal step 7: REST-refresh the
// source side's orderbook, then evaluate exit before entry. The computing
// flag is cleared unconditionally on every exit path.
func (s *Supervisor) runTickTask(ctx context.Context, coin string, source orderbook.Exchange, currentSpread decimal.Decimal, stats spread.Stats) {
	defer s.orderbooks.ClearComputing(source, coin)

	var book core.OrderBook
	var err error
	if source == orderbook.ExchangeSpot {
		book, err = s.spotMarket.GetOrderbook(ctx, s.mapper.SpotMarket(coin), 20)
	} else {
		book, err = s.perpMarket.GetOrderbook(ctx, s.mapper.PerpMarket(coin), 20)
	}
	if err != nil {
		s.logger.Warn("tick orderbook refresh failed", "coin", coin, "exchange", source, "error", err)
		return
	}
	s.orderbooks.Put(source, coin, book, time.Now())

	opposite:= orderbook.Opposite(source)
	if !s.orderbooks.IsFresh(opposite, coin, time.Duration(s.cfg.MaxCacheAgeSec)*time.Second) {
		return
	}

	zScore:= zScoreOf(currentSpread, stats.Mean, stats.Stddev)

	s.evaluateExit(ctx, coin, currentSpread, zScore)

	if s.pol.IsEntryAllowed() {
		s.evaluateEntry(ctx, coin, currentSpread, zScore)
	}
}

func zScoreOf(spreadPct, mean, stddev decimal.Decimal) decimal.Decimal {
	if stddev.IsZero {
		return decimal.Zero
	}
	return spreadPct.Sub(mean).Div(stddev)
}

// sumNotional sums price*qty across a slice of orderbook levels.
func sumNotional(levels []core.OrderBookLevel) decimal.Decimal {
	var total decimal.Decimal
	for _, l:= range levels {
		total = total.Add(l.Price.Mul(l.Qty))
	}
	return total
}

// safeVolumeUSDT estimates the USDT notional that can be closed (forExit)
// or opened (!forExit) using the cached top-of-book depth on both legs,
// without pushing through the available liquidity on either side. Closing
// a spot-long/perp-short hedge sells spot (hits bids) and buys back perp
// (hits asks); opening does the reverse.
func (s *Supervisor) safeVolumeUSDT(coin string, forExit bool) decimal.Decimal {
	spotBook, _, okS:= s.orderbooks.Get(orderbook.ExchangeSpot, coin)
	perpBook, _, okP:= s.orderbooks.Get(orderbook.ExchangePerp, coin)
	if !okS || !okP {
		return decimal.Zero
	}

	var spotLevels, perpLevels []core.OrderBookLevel
	if forExit {
		spotLevels, perpLevels = spotBook.Bids, perpBook.Asks
	} else {
		spotLevels, perpLevels = spotBook.Asks, perpBook.Bids
	}

	// Spot book levels are priced in fiat; convert to USDT before comparing.
	spotUSDT:= sumNotional(spotLevels)
	if fxRate:= s.fx.Get(); fxRate.IsPositive() {
		spotUSDT = spotUSDT.Div(fxRate)
	}
	return decimal.Min(spotUSDT, sumNotional(perpLevels))
}

// evaluateExit implements the "Exit signal" procedure
func (s *Supervisor) evaluateExit(ctx context.Context, coin string, spreadPct, zScore decimal.Decimal) {
	if len(s.positions.OpenPositions(coin)) == 0 {
		return
	}
	if !s.evaluator.EvaluateExitSignal(coin, spreadPct, zScore) {
		return
	}

	safeVolume:= s.safeVolumeUSDT(coin, true)
	if safeVolume.IsZero {
		return
	}

	if err:= s.pol.OnExitSignal(ctx, core.ExitContext{
		Coin: coin, SafeVolumeUSDT: safeVolume, ExitSpreadPct: spreadPct, ExitZScore: zScore,
	}); err != nil {
		s.logger.Warn("exit signal handling failed", "coin", coin, "error", err)
	}
}

// evaluateEntry implements the "Entry signal" procedure and the 9-step
// entry validation
func (s *Supervisor) evaluateEntry(ctx context.Context, coin string, spreadPct, zScore decimal.Decimal) {
	if !s.evaluator.EvaluateEntrySignal(coin, spreadPct, zScore) {
		return
	}

	if lastEntry, ok:= s.positions.LastEntryAt(coin); ok && time.Since(lastEntry) < s.reentryCooldown() {
		return
	}

	info, ok:= s.instruments.Get(coin)
	if !ok {
		return
	}

	spotPrice, perpPrice, okS, okP:= s.candles.LatestPrices(coin)
	if !okS || !okP {
		return
	}

	entrySafe:= s.safeVolumeUSDT(coin, false)
	volRatioCapped:= entrySafe.Mul(s.cfg.VolumeRatioPct.Div(decimal.NewFromInt(100)))
	remainingCapital:= s.remainingCapitalUSDT(coin)
	sizeUSDT:= decimal.Min(volRatioCapped, remainingCapital)
	if sizeUSDT.LessThanOrEqual(decimal.Zero) {
		return
	}

	fxRate:= s.fx.Get()
	expectedProfit:= spreadPct // proportional stand-in consumed identically pre/post rounding

	result:= ValidateEntry(EntryValidationInput{
		SizeUSDT: sizeUSDT, SpotFiatPrice: spotPrice, PerpPrice: perpPrice, FXRate: fxRate,
		OriginalSpread: spreadPct, ExpectedProfit: expectedProfit, Instrument: info,
		FiatMinimum: s.cfg.FiatMinimum, MinPositionUSDT: s.cfg.MinPositionUSDT, MinExpectedROI: s.cfg.MinExpectedROI,
	})
	if !result.Accepted {
		return
	}

	ec:= core.EntryContext{
		Coin: coin, Qty: result.Qty, SpotPriceFiat: result.SpotPrice, PerpPrice: result.PerpPrice,
		FXRate: fxRate, EntrySpreadPct: spreadPct, EntryZScore: zScore, ExpectedProfit: result.AdjustedProfit,
		FiatNeeded: result.Qty.Mul(result.SpotPrice), StableNeeded: result.Qty.Mul(result.PerpPrice),
	}
	if err:= s.pol.OnEntrySignal(ctx, ec); err != nil {
		s.logger.Warn("entry signal handling failed", "coin", coin, "error", err)
	}
}

func (s *Supervisor) reentryCooldown() time.Duration {
	return time.Minute
}

// remainingCapitalUSDT returns coin's remaining per-coin capital headroom
// under max_position_usdt.
func (s *Supervisor) remainingCapitalUSDT(coin string) decimal.Decimal {
	if s.cfg.MaxPositionUSDT.IsZero {
		return decimal.NewFromInt(1 << 30) // effectively unbounded
	}
	var used decimal.Decimal
	for _, p:= range s.positions.OpenPositions(coin) {
		used = used.Add(p.Qty.Mul(p.PerpEntryPrice))
	}
	remaining:= s.cfg.MaxPositionUSDT.Sub(used)
	if remaining.IsNegative {
		return decimal.Zero
	}
	return remaining
}
