package monitor

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// runReselection implements its periodic/regime-triggered coin
// reselection: diff the selector's fresh ranking against the current
// watchlist, warm up and subscribe newly-added coins, drop coins that fell
// out of favor and carry no open position (mark dropped_at otherwise), then
// prune back down to max_coins if warmup pushed the watchlist over budget.
// Runs as a detached goroutine; signals completion via reselectResultCh so
// Run's event loop can clear the reselecting flag from a single goroutine.
func (s *Supervisor) runReselection(ctx context.Context) {
	defer func {
		s.reselectResultCh <- s.activeCoins()
	}

	ranked, err:= s.selector.Select(ctx, s.cfg.MaxCoins*2, s.cfg.MinVolume1h, s.cfg.Blacklist, s.fx.Get())
	if err != nil {
		s.logger.Warn("reselection scan failed", "error", err)
		return
	}

	current:= s.activeCoins()
	currentSet:= make(map[string]bool, len(current))
	for _, c:= range current {
		currentSet[c] = true
	}

	keep:= s.cfg.MaxCoins
	if keep <= 0 || keep > len(ranked) {
		keep = len(ranked)
	}
	wanted:= ranked[:keep]
	wantedSet:= make(map[string]bool, len(wanted))
	for _, c:= range wanted {
		wantedSet[c] = true
	}

	for _, coin:= range current {
		if !wantedSet[coin] {
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
	}

	for _, coin:= range wanted {
		if currentSet[coin] {
			continue
		}

		if err:= s.warmupCoin(ctx, coin); err != nil {
			s.logger.Warn("reselection warmup failed, skipping coin", "coin", coin, "error", err)
			s.spreadCalc.RemoveCoin(coin)
			continue
		}

		if s.cfg.AutoSelect && s.cfg.MaxSpreadStddev.IsPositive {
			stats, ready:= s.spreadCalc.CachedStats(coin)
			if ready && stats.Stddev.GreaterThan(s.cfg.MaxSpreadStddev) {
				s.coinRejectedStddevCount.Add(1)
				s.spreadCalc.RemoveCoin(coin)
				continue
			}
		}

		if err:= s.instruments.Refresh(ctx, s.mapper.PerpMarket(coin), coin); err != nil {
			s.logger.Warn("instrument info fetch failed for new coin", "coin", coin, "error", err)
		}

		s.addToWatchlistLocked(coin)

		if err:= s.prefetchOrderbooks(ctx, []string{coin}); err != nil {
			s.logger.Warn("orderbook prefetch failed for new coin", "coin", coin, "error", err)
		}
		if err:= s.spotStream.SubscribeMarkets(ctx, []string{s.mapper.SpotMarket(coin)}); err != nil {
			s.logger.Warn("spot subscribe failed for new coin", "coin", coin, "error", err)
		}
		if err:= s.perpStream.SubscribeMarkets(ctx, []string{s.mapper.PerpMarket(coin)}); err != nil {
			s.logger.Warn("perp subscribe failed for new coin", "coin", coin, "error", err)
		}
	}

	s.pruneToMaxCoins(ctx)
}

// applyReselectionResult logs the outcome of a completed reselection pass.
// All mutation already happened inside runReselection; this is the
// single-goroutine-owned completion step that Run's select loop dispatches
// to before clearing the reselecting flag.
func (s *Supervisor) applyReselectionResult(ctx context.Context, activeCoins []string) {
	s.logger.Info("reselection complete", "active_coins", len(activeCoins))
}

// pruneToMaxCoins drops the highest-stddev active coins with no open
// position until the watchlist is back at or below max_coins
// §4.12's reselection budget.
func (s *Supervisor) pruneToMaxCoins(ctx context.Context) {
	if s.cfg.MaxCoins <= 0 {
		return
	}

	active:= s.activeCoins()
	if len(active) <= s.cfg.MaxCoins {
		return
	}

	type scored struct {
		coin string
		stddev decimal.Decimal
	}
	candidates:= make([]scored, 0, len(active))
	for _, coin:= range active {
		if len(s.positions.OpenPositions(coin)) > 0 {
			continue
		}
		stats, ready:= s.spreadCalc.CachedStats(coin)
		if !ready {
			stats, _ = s.spreadCalc.CachedShortStats(coin)
		}
		candidates = append(candidates, scored{coin: coin, stddev: stats.Stddev})
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].stddev.GreaterThan(candidates[j].stddev) })

	excess:= len(active) - s.cfg.MaxCoins
	for i:= 0; i < excess && i < len(candidates); i++ {
		s.dropCoin(ctx, candidates[i].coin)
	}
}
