// Package selector implements the Coin Selector: a
// core.CoinSelector that ranks candidate coins by recent volume/volatility,
// filters by blacklist and minimum 1h volume, and fans out its per-coin
// ticker/candle scan across a worker pool. Grounded on
// internal/trading/arbitrage/selector.go's UniverseSelector shape
// (market-scan worker pool, per-coin scoring, ranked result) generalized
// from cross-exchange funding-rate opportunity scoring to the fixed
// spot/perp volume+volatility ranking describes.
package selector

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/arbctl/spreadengine/internal/core"

	"github.com/shopspring/decimal"
)

// candidate is one coin's scan result, used internally for ranking.
type candidate struct {
	coin string
	volume1hUSDT decimal.Decimal
	volatility decimal.Decimal
	score decimal.Decimal
}

// Selector ranks candidate coins using exchange-B's ticker/candle history.
// It implements core.CoinSelector.
type Selector struct {
	marketData core.MarketData
	universe []string // every coin the engine is permitted to consider
	stableSym string // perp market suffix, e.g. "USDT"
	concurrency int
	logger core.ILogger
}

// Config configures a Selector.
type Config struct {
	Universe []string
	StableSym string
	Concurrency int
}

// NewSelector constructs a Selector over marketData (exchange B's REST
// client), scanning cfg.Universe for candidates.
func NewSelector(marketData core.MarketData, cfg Config, logger core.ILogger) *Selector {
	concurrency:= cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 8
	}
	return &Selector{
		marketData: marketData,
		universe: cfg.Universe,
		stableSym: cfg.StableSym,
		concurrency: concurrency,
		logger: logger.WithField("component", "selector"),
	}
}

// Select scans the configured universe, filters by blacklist and
// minVolume1h, and returns up to maxCandidates coins ranked by a
// volume/volatility score descending. The ranking heuristic itself
// is this package's reference implementation, not a fixed part of the
// monitor's contract.
func (s *Selector) Select(ctx context.Context, maxCandidates int, minVolume1h decimal.Decimal, blacklist []string, fxRate decimal.Decimal) ([]string, error) {
	blocked:= make(map[string]bool, len(blacklist))
	for _, b:= range blacklist {
		blocked[b] = true
	}

	results:= make([]candidate, 0, len(s.universe))
	var mu sync.Mutex
	var wg sync.WaitGroup
	sem:= make(chan struct{}, s.concurrency)

	for _, coin:= range s.universe {
		if blocked[coin] {
			continue
		}
		coin:= coin
		wg.Add(1)
		sem <- struct{}{}
		go func {
			defer wg.Done()
			defer func { <-sem }

			c, ok:= s.scanOne(ctx, coin)
			if !ok {
				return
			}
			if c.volume1hUSDT.LessThan(minVolume1h) {
				return
			}
			mu.Lock()
			results = append(results, c)
			mu.Unlock()
		}
	}
	wg.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i].score.GreaterThan(results[j].score) })

	if maxCandidates > 0 && len(results) > maxCandidates {
		results = results[:maxCandidates]
	}

	out:= make([]string, len(results))
	for i, c:= range results {
		out[i] = c.coin
	}
	return out, nil
}

// scanOne fetches the last 60 one-minute candles for coin's perp market and
// derives a volume/volatility score. A fetch error drops the coin from
// consideration (logged, not fatal — treats selector scan
// failures as transient).
func (s *Selector) scanOne(ctx context.Context, coin string) (candidate, bool) {
	market:= fmt.Sprintf("%s%s", coin, s.stableSym)

	candles, err:= s.marketData.GetCandles(ctx, market, "1m", 60)
	if err != nil {
		s.logger.Warn("selector scan failed", "coin", coin, "error", err)
		return candidate{}, false
	}
	if len(candles) == 0 {
		return candidate{}, false
	}

	var volume decimal.Decimal
	closes:= make([]float64, 0, len(candles))
	for _, c:= range candles {
		volume = volume.Add(c.Volume.Mul(c.Close()))
		f, _:= c.Close().Float64
		closes = append(closes, f)
	}

	volatility:= decimal.NewFromFloat(stddev(closes))

	// Score favors liquid, volatile coins: volume weighted by relative
	// volatility (volatility / mean price), matching the intent in 
	// §4.9 ("liquid, volatile, non-blacklisted").
	meanPrice:= mean(closes)
	relVol:= decimal.Zero
	if meanPrice > 0 {
		relVol = volatility.Div(decimal.NewFromFloat(meanPrice))
	}
	score:= volume.Mul(decimal.NewFromInt(1).Add(relVol))

	return candidate{coin: coin, volume1hUSDT: volume, volatility: volatility, score: score}, true
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x:= range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func stddev(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	m:= mean(xs)
	var sq float64
	for _, x:= range xs {
		d:= x - m
		sq += d * d
	}
	return math.Sqrt(sq / float64(len(xs)))
}
