package monitor

import (
	"context"
	"sort"
	"time"

	"github.com/arbctl/spreadengine/internal/candle"
	"github.com/arbctl/spreadengine/internal/core"
	"github.com/arbctl/spreadengine/internal/spread"

	"github.com/shopspring/decimal"
)

// finalizeMinute implements the "Minute finalize" procedure from 
// §4.12: update the spread calculator, force-close any liquidated position,
// emit a MinuteRecord per coin, and run regime-change detection. closes is
// the candle builder's output when a stream event crossed a minute
// boundary; when driven by the minute timer (closes == nil) the current
// bucket is force-finalized if it is actually due.
func (s *Supervisor) finalizeMinute(ctx context.Context, closes *candle.Closes) {
	if closes == nil {
		closes = s.candles.ForceFinalize(time.Now())
	}
	if closes == nil {
		return
	}

	fxRate:= s.fx.Get()
	for _, coin:= range unionKeys(closes.Spot, closes.Perp) {
		spotClose, hasSpot:= closes.Spot[coin]
		perpClose, hasPerp:= closes.Perp[coin]

		if hasSpot && hasPerp {
			s.spreadCalc.Update(coin, spotClose, fxRate, perpClose)
		}
		if hasPerp {
			s.forceLiquidate(ctx, coin, perpClose, fxRate, spotClose, hasSpot)
		}
		s.emitMinuteRecord(ctx, coin, fxRate, spotClose, hasSpot, perpClose, hasPerp)
	}

	s.detectRegimeChange(ctx)
}

// forceLiquidate implements minute-finalize step 3: any
// position whose stored liquidation price has been crossed by this minute's
// perp close is force-closed, marked is_liquidated, and recorded as a trade.
func (s *Supervisor) forceLiquidate(ctx context.Context, coin string, perpClose, fxRate, spotClose decimal.Decimal, hasSpot bool) {
	for _, id:= range s.positions.CheckLiquidation(coin, perpClose) {
		pos, ok:= s.positions.Get(coin, id)
		if !ok {
			continue
		}

		spotExitUSD:= pos.SpotEntryPriceUSD
		if hasSpot && fxRate.IsPositive {
			spotExitUSD = spotClose.Div(fxRate)
		}

		closed, err:= s.positions.ClosePosition(coin, id, spotExitUSD, perpClose, fxRate, decimal.Zero, decimal.Zero, true, s.fees)
		if err != nil {
			continue
		}
		s.logger.Warn("position force-closed on liquidation", "coin", coin, "position_id", id, "perp_close", perpClose.String())
		s.notifier.Alert(ctx, "Liquidation", "position liquidated at minute finalize", core.AlertWarning, false, map[string]string{"coin": coin})
		s.pol.OnTradeClosed(ctx, closed, pos.DBID)
	}
}

// emitMinuteRecord builds and forwards the per-coin MinuteRecord.
func (s *Supervisor) emitMinuteRecord(ctx context.Context, coin string, fxRate, spotClose decimal.Decimal, hasSpot bool, perpClose decimal.Decimal, hasPerp bool) {
	rec:= core.MinuteRecord{SessionID: s.cfg.SessionID, Coin: coin, Timestamp: time.Now()}

	if hasSpot {
		v:= spotClose
		rec.SpotClose = &v
	}
	if hasPerp {
		v:= perpClose
		rec.PerpClose = &v
	}

	if hasSpot && hasPerp {
		if spreadPct, ok:= spread.ComputeSpreadPct(spotClose, fxRate, perpClose); ok {
			rec.SpreadPct = &spreadPct
			if stats, ready:= s.spreadCalc.CachedStats(coin); ready {
				mean, stddev:= stats.Mean, stats.Stddev
				rec.Mean = &mean
				rec.StdDev = &stddev
				z:= zScoreOf(spreadPct, mean, stddev)
				rec.ZScore = &z
			}
		}
	}

	s.pol.OnMinuteClosed(ctx, rec)
}

// detectRegimeChange implements minute-finalize step 5: coins
// whose short-window (fallback full-window) stddev exceeds
// max_spread_stddev * regime_multiplier are dropped (no position) or marked
// dropped_at (has position). A detected regime change may trigger an
// immediate reselection, gated by an exponential-backoff cooldown.
func (s *Supervisor) detectRegimeChange(ctx context.Context) {
	if !s.cfg.AutoSelect || !s.cfg.MaxSpreadStddev.IsPositive {
		return
	}
	threshold:= s.cfg.MaxSpreadStddev.Mul(s.cfg.RegimeMultiplier)

	anyChange:= false
	for _, coin:= range s.activeCoins() {
		stats, ok:= s.spreadCalc.CachedShortStats(coin)
		if !ok {
			stats, ok = s.spreadCalc.CachedStats(coin)
		}
		if !ok || stats.Stddev.LessThanOrEqual(threshold) {
			continue
		}

		anyChange = true
		s.regimeChangeDetectedCount.Add(1)
		s.logger.Warn("regime change detected", "coin", coin, "stddev", stats.Stddev.String(), "threshold", threshold.String())

		if len(s.positions.OpenPositions(coin)) == 0 {
			s.dropCoin(ctx, coin)
			continue
		}
		now:= time.Now()
		s.mu.Lock()
		if st, ok:= s.watchlist[coin]; ok && st.droppedAt == nil {
			st.droppedAt = &now
		}
		s.mu.Unlock()
	}

	if !anyChange {
		s.consecutiveRegimeBackoffs = 0
		return
	}

	if s.reselecting.Load || time.Now().Before(s.regimeCooldownUntil) {
		return
	}
	if s.cfg.MaxCoins > 0 && len(s.activeCoins()) >= s.cfg.MaxCoins {
		return
	}

	s.consecutiveRegimeBackoffs++
	shift:= s.consecutiveRegimeBackoffs - 1
	if shift < 0 {
		shift = 0
	}
	if shift > 6 {
		shift = 6
	}
	backoff:= time.Duration(int64(1)<<uint(shift)) * time.Minute
	if backoff > 60*time.Minute {
		backoff = 60 * time.Minute
	}
	s.regimeCooldownUntil = time.Now().Add(backoff)

	s.reselecting.Store(true)
	go s.runReselection(ctx)
}

// checkTTL implements "TTL check", run once per minute:
// dropped coins past position_ttl_hours attempt a normal close; past
// ttl+grace_period_hours they force-close (kill-switch on failure).
func (s *Supervisor) checkTTL(ctx context.Context) {
	ttl:= hoursToDuration(s.cfg.TTLHours)
	grace:= hoursToDuration(s.cfg.GracePeriodHours)

	type dropped struct {
		coin string
		at time.Time
	}
	s.mu.Lock()
	candidates:= make([]dropped, 0, len(s.watchlist))
	for coin, st:= range s.watchlist {
		if st.droppedAt != nil {
			candidates = append(candidates, dropped{coin, *st.droppedAt})
		}
	}
	s.mu.Unlock()

	for _, d:= range candidates {
		elapsed:= time.Since(d.at)
		if elapsed <= ttl {
			continue
		}

		if len(s.positions.OpenPositions(d.coin)) == 0 {
			s.dropCoin(ctx, d.coin)
			continue
		}

		forceClose:= elapsed > ttl+grace
		if err:= s.pol.OnTTLExpiry(ctx, core.TTLExpiryContext{Coin: d.coin, ForceClose: forceClose}); err != nil {
			s.logger.Warn("ttl expiry handling failed", "coin", d.coin, "error", err)
		}

		if len(s.positions.OpenPositions(d.coin)) == 0 {
			s.dropCoin(ctx, d.coin)
		}
	}
}

func hoursToDuration(hours decimal.Decimal) time.Duration {
	f, _:= hours.Float64
	return time.Duration(f * float64(time.Hour))
}

// activeCoins returns the coins currently in the watchlist that have not
// been dropped (i.e. still eligible for reselection churn).
func (s *Supervisor) activeCoins() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out:= make([]string, 0, len(s.watchlist))
	for coin, st:= range s.watchlist {
		if st.droppedAt == nil {
			out = append(out, coin)
		}
	}
	return out
}

// dropCoin unsubscribes both legs' market streams and removes coin from
// every cache the engine owns.
func (s *Supervisor) dropCoin(ctx context.Context, coin string) {
	_ = s.spotStream.UnsubscribeMarkets(ctx, []string{s.mapper.SpotMarket(coin)})
	_ = s.perpStream.UnsubscribeMarkets(ctx, []string{s.mapper.PerpMarket(coin)})
	s.removeFromWatchlistLocked(coin)
}

func unionKeys(a, b map[string]decimal.Decimal) []string {
	seen:= make(map[string]struct{}, len(a)+len(b))
	out:= make([]string, 0, len(a)+len(b))
	for k:= range a {
		if _, ok:= seen[k]; !ok {
			seen[k] = struct{}{}
			out = append(out, k)
		}
	}
	for k:= range b {
		if _, ok:= seen[k]; !ok {
			seen[k] = struct{}{}
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}
