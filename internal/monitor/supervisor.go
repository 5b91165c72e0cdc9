// Package monitor implements the Monitor Supervisor: the
// warmup phase, the six-source event loop, tick-signal evaluation, minute
// finalize, TTL checking and coin reselection. Grounded on
// internal/trading/arbitrage/manager.go's ticker-driven run loop (a single
// goroutine selecting over timers and result channels, dispatching to small
// per-event handler methods) and internal/engine/arbengine/engine.go's
// per-event dispatch method shape (separate exported methods per event kind
// rather than one large switch body).
package monitor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arbctl/spreadengine/internal/candle"
	"github.com/arbctl/spreadengine/internal/core"
	"github.com/arbctl/spreadengine/internal/instrument"
	"github.com/arbctl/spreadengine/internal/orderbook"
	"github.com/arbctl/spreadengine/internal/policy"
	"github.com/arbctl/spreadengine/internal/position"
	"github.com/arbctl/spreadengine/internal/risk"
	"github.com/arbctl/spreadengine/internal/spread"

	"github.com/shopspring/decimal"
)

// Config holds every tunable the supervisor's loop consults, copied out of
// internal/config.Config by the caller (cmd/engine) so this package never
// imports the config loader directly.
type Config struct {
	StaticCoins []string
	AutoSelect bool
	MaxCoins int
	MinVolume1h decimal.Decimal
	Blacklist []string
	ReselectInterval time.Duration
	MaxSpreadStddev decimal.Decimal
	RegimeMultiplier decimal.Decimal
	MaxCacheAgeSec int
	FiatStableMarket string // e.g. "USDTKRW"
	FiatMinimum decimal.Decimal
	MinPositionUSDT decimal.Decimal
	MaxPositionUSDT decimal.Decimal
	MinExpectedROI decimal.Decimal
	CapitalFractionPct decimal.Decimal
	TTLHours decimal.Decimal
	GracePeriodHours decimal.Decimal
	Leverage decimal.Decimal
	MMR decimal.Decimal
	PerpTakerFeeRate decimal.Decimal
	FXRefreshInterval time.Duration
	HeartbeatInterval time.Duration
	MinuteInterval time.Duration
	VolumeRatioPct decimal.Decimal
	SessionID string
	SpotTakerFeeRate decimal.Decimal
}

// MarketMapper resolves a coin to its spot/perp market symbols.
type MarketMapper interface {
	SpotMarket(coin string) string
	PerpMarket(coin string) string
}

// coinState is the per-coin bookkeeping the supervisor owns beyond what
// position.Manager / spread.Calculator / instrument.Cache already track.
type coinState struct {
	droppedAt *time.Time
}

// Supervisor drives the engine's core loop.
type Supervisor struct {
	cfg Config
	mapper MarketMapper

	spotMarket core.MarketData
	perpMarket core.MarketData
	spotStream core.MarketStream
	perpStream core.MarketStream

	instruments *instrument.Cache
	spreadCalc *spread.Calculator
	candles *candle.Builder
	orderbooks *orderbook.Cache
	positions *position.Manager
	fees position.Fees
	riskMgr *risk.Manager
	selector core.CoinSelector
	evaluator core.SignalEvaluator
	pol policy.Policy
	notifier core.Notifier
	logger core.ILogger

	fx *fxHolder
	fxSource FXSource

	mu sync.Mutex
	watchlist map[string]*coinState
	marketToCoin map[string]string

	reselecting atomic.Bool
	regimeCooldownUntil time.Time
	consecutiveRegimeBackoffs int
	reselectResultCh chan []string

	droppedTickCount atomic.Int64
	regimeChangeDetectedCount atomic.Int64
	coinRejectedStddevCount atomic.Int64
}

// New constructs a Supervisor. Collaborators are injected fully wired;
// cmd/engine owns their lifetimes.
func New(
	cfg Config,
	mapper MarketMapper,
	spotMarket, perpMarket core.MarketData,
	spotStream, perpStream core.MarketStream,
	instruments *instrument.Cache,
	spreadCalc *spread.Calculator,
	orderbooks *orderbook.Cache,
	positions *position.Manager,
	fees position.Fees,
	riskMgr *risk.Manager,
	selector core.CoinSelector,
	evaluator core.SignalEvaluator,
	pol policy.Policy,
	notifier core.Notifier,
	initialFXRate decimal.Decimal,
	fxSource FXSource,
	logger core.ILogger,
) *Supervisor {
	return &Supervisor{
		cfg: cfg, mapper: mapper,
		spotMarket: spotMarket, perpMarket: perpMarket, spotStream: spotStream, perpStream: perpStream,
		instruments: instruments, spreadCalc: spreadCalc, candles: candle.NewBuilder(cfg.FiatStableMarket),
		orderbooks: orderbooks, positions: positions, fees: fees, riskMgr: riskMgr, selector: selector,
		evaluator: evaluator, pol: pol, notifier: notifier, logger: logger.WithField("component", "monitor"),
		fx: newFXHolder(initialFXRate), fxSource: fxSource,
		watchlist: make(map[string]*coinState), marketToCoin: make(map[string]string),
		reselectResultCh: make(chan []string, 1),
	}
}

// Warmup runs the once-at-startup sequence
func (s *Supervisor) Warmup(ctx context.Context) error {
	go s.fx.runFXRefreshLoop(ctx, s.fxSource, s.cfg.FXRefreshInterval, s.logger)

	initial, err:= s.determineInitialWatchlist(ctx)
	if err != nil {
		return fmt.Errorf("determine initial watchlist: %w", err)
	}

	var warmedUp []string
	for _, coin:= range initial {
		if err:= s.warmupCoin(ctx, coin); err != nil {
			s.logger.Warn("warmup failed for coin, dropping", "coin", coin, "error", err)
			continue
		}
		warmedUp = append(warmedUp, coin)
	}

	if s.cfg.AutoSelect && s.cfg.MaxSpreadStddev.IsPositive {
		warmedUp = s.filterByStddevBound(warmedUp)
	}
	if len(warmedUp) == 0 {
		return fmt.Errorf("total warmup failure: no coin produced usable statistics")
	}

	for _, coin:= range warmedUp {
		if err:= s.instruments.Refresh(ctx, s.mapper.PerpMarket(coin), coin); err != nil {
			s.logger.Warn("instrument info fetch failed", "coin", coin, "error", err)
		}
	}

	for _, coin:= range warmedUp {
		s.addToWatchlistLocked(coin)
	}

	if err:= s.prefetchOrderbooks(ctx, warmedUp); err != nil {
		s.logger.Warn("orderbook prefetch encountered errors", "error", err)
	}

	markets:= make([]string, 0, len(warmedUp))
	for _, coin:= range warmedUp {
		markets = append(markets, s.mapper.SpotMarket(coin))
	}
	if _, err:= s.spotStream.Subscribe(ctx, markets); err != nil {
		return fmt.Errorf("subscribe spot stream: %w", err)
	}
	perpMarkets:= make([]string, 0, len(warmedUp))
	for _, coin:= range warmedUp {
		perpMarkets = append(perpMarkets, s.mapper.PerpMarket(coin))
	}
	if _, err:= s.perpStream.Subscribe(ctx, perpMarkets); err != nil {
		return fmt.Errorf("subscribe perp stream: %w", err)
	}

	return nil
}

func (s *Supervisor) addToWatchlistLocked(coin string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watchlist[coin] = &coinState{}
	s.marketToCoin[s.mapper.SpotMarket(coin)] = coin
	s.marketToCoin[s.mapper.PerpMarket(coin)] = coin
	s.spreadCalc.AddCoin(coin)
}

func (s *Supervisor) removeFromWatchlistLocked(coin string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.watchlist, coin)
	delete(s.marketToCoin, s.mapper.SpotMarket(coin))
	delete(s.marketToCoin, s.mapper.PerpMarket(coin))
	s.spreadCalc.RemoveCoin(coin)
	s.orderbooks.RemoveCoin(coin)
	s.instruments.Remove(coin)
}

func (s *Supervisor) coinForMarket(market string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	coin, ok:= s.marketToCoin[market]
	return coin, ok
}

// determineInitialWatchlist implements warmup step 2.
func (s *Supervisor) determineInitialWatchlist(ctx context.Context) ([]string, error) {
	if !s.cfg.AutoSelect {
		return s.cfg.StaticCoins, nil
	}
	return s.selector.Select(ctx, s.cfg.MaxCoins*2, s.cfg.MinVolume1h, s.cfg.Blacklist, s.fx.Get())
}

// warmupCoin implements warmup step 3: backfill historical candles on both
// legs, align by minute, fill FX forward, feed the spread calculator.
func (s *Supervisor) warmupCoin(ctx context.Context, coin string) error {
	s.spreadCalc.AddCoin(coin)

	spotCandles, err:= s.spotMarket.GetCandles(ctx, s.mapper.SpotMarket(coin), "1m", 120)
	if err != nil {
		return fmt.Errorf("spot candle backfill: %w", err)
	}
	perpCandles, err:= s.perpMarket.GetCandles(ctx, s.mapper.PerpMarket(coin), "1m", 120)
	if err != nil {
		return fmt.Errorf("perp candle backfill: %w", err)
	}

	perpByMinute:= make(map[time.Time]decimal.Decimal, len(perpCandles))
	for _, c:= range perpCandles {
		perpByMinute[c.OpenTime.Truncate(time.Minute)] = c.Close()
	}

	fxRate:= s.fx.Get()
	for _, c:= range spotCandles {
		minute:= c.OpenTime.Truncate(time.Minute)
		perp, ok:= perpByMinute[minute]
		if !ok {
			continue
		}
		s.spreadCalc.Update(coin, c.Close(), fxRate, perp)
	}
	return nil
}

// filterByStddevBound implements warmup step 4.
func (s *Supervisor) filterByStddevBound(coins []string) []string {
	type scored struct {
		coin string
		stddev decimal.Decimal
		ok bool
	}
	all:= make([]scored, 0, len(coins))
	for _, coin:= range coins {
		stats, ready:= s.spreadCalc.CachedStats(coin)
		all = append(all, scored{coin: coin, stddev: stats.Stddev, ok: ready})
	}

	var within []string
	for _, a:= range all {
		if a.ok && a.stddev.LessThanOrEqual(s.cfg.MaxSpreadStddev) {
			within = append(within, a.coin)
		}
	}
	if len(within) > 0 {
		return within
	}

	// Fallback: every coin exceeds the bound — keep the max_coins with the
	// lowest stddev among those that produced any stats at all.
	var withStats []scored
	for _, a:= range all {
		if a.ok {
			withStats = append(withStats, a)
		}
	}
	sort.Slice(withStats, func(i, j int) bool { return withStats[i].stddev.LessThan(withStats[j].stddev) })
	limit:= s.cfg.MaxCoins
	if limit <= 0 || limit > len(withStats) {
		limit = len(withStats)
	}
	out:= make([]string, 0, limit)
	for i:= 0; i < limit; i++ {
		out = append(out, withStats[i].coin)
	}
	return out
}

func (s *Supervisor) prefetchOrderbooks(ctx context.Context, coins []string) error {
	var firstErr error
	for _, coin:= range coins {
		spotBook, err:= s.spotMarket.GetOrderbook(ctx, s.mapper.SpotMarket(coin), 20)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		s.orderbooks.Put(orderbook.ExchangeSpot, coin, spotBook, time.Now())

		perpBook, err:= s.perpMarket.GetOrderbook(ctx, s.mapper.PerpMarket(coin), 20)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		s.orderbooks.Put(orderbook.ExchangePerp, coin, perpBook, time.Now())
	}
	return firstErr
}

// Run executes the six-source event loop until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) error {
	spotEvents, err:= s.spotStream.Subscribe(ctx, nil)
	if err != nil {
		return fmt.Errorf("spot stream not subscribed: %w", err)
	}
	perpEvents, err:= s.perpStream.Subscribe(ctx, nil)
	if err != nil {
		return fmt.Errorf("perp stream not subscribed: %w", err)
	}

	minuteTimer:= time.NewTicker(s.cfg.MinuteInterval)
	defer minuteTimer.Stop()
	heartbeat:= time.NewTicker(s.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	var reselectTimer *time.Ticker
	var reselectTimerC <-chan time.Time
	if s.cfg.AutoSelect && s.cfg.ReselectInterval > 0 {
		reselectTimer = time.NewTicker(s.cfg.ReselectInterval)
		defer reselectTimer.Stop()
		reselectTimerC = reselectTimer.C
	}

	for {
		select {
		case <-ctx.Done():
			return s.shutdown()

		case ev, ok:= <-spotEvents:
			if !ok {
				return fmt.Errorf("spot stream closed")
			}
			s.handleStreamEvent(ctx, ev, orderbook.ExchangeSpot)

		case ev, ok:= <-perpEvents:
			if !ok {
				return fmt.Errorf("perp stream closed")
			}
			s.handleStreamEvent(ctx, ev, orderbook.ExchangePerp)

		case <-minuteTimer.C:
			s.finalizeMinute(ctx, nil)
			s.checkTTL(ctx)

		case <-reselectTimerC:
			if !s.reselecting.Load && time.Now().After(s.regimeCooldownUntil) {
				s.reselecting.Store(true)
				go s.runReselection(ctx)
			}

		case result:= <-s.reselectResultCh:
			s.applyReselectionResult(ctx, result)
			s.reselecting.Store(false)

		case <-heartbeat.C:
			s.emitHeartbeat()
		}
	}
}

func (s *Supervisor) shutdown() error {
	ctx:= context.Background()
	_ = s.spotStream.Unsubscribe(ctx)
	_ = s.perpStream.Unsubscribe(ctx)
	s.logger.Info("monitor shutdown complete",
		"dropped_ticks", s.droppedTickCount.Load,
		"regime_changes", s.regimeChangeDetectedCount.Load)
	return nil
}

func (s *Supervisor) emitHeartbeat() {
	s.mu.Lock()
	watched:= len(s.watchlist)
	s.mu.Unlock()
	s.logger.Info("heartbeat",
		"watched_coins", watched,
		"open_positions", s.positions.Count(),
		"fx_rate", s.fx.Get().String(),
		"kill_switch", s.riskMgr.IsKilled(),
		"dropped_ticks", s.droppedTickCount.Load,
		"regime_changes", s.regimeChangeDetectedCount.Load)
}
