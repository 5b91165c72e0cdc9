// Package spread implements the rolling spread-percentage window and cached
// mean/stddev statistics per coin, grounded on and on the
// precompute-on-write idiom in internal/trading/arbitrage/manager.go
// (cache a derived value under the same lock that mutates the source data,
// rather than recomputing it on every read).
package spread

import (
	"math"
	"sync"

	"github.com/shopspring/decimal"
)

// Stats is a cached (mean, stddev) pair.
type Stats struct {
	Mean decimal.Decimal
	Stddev decimal.Decimal
}

// series is one coin's fixed-capacity ring buffer of spread_pct samples plus
// its cached full-window and short-window statistics.
type series struct {
	buf []float64
	cap int
	writePos int
	filled bool

	fullStats Stats
	fullReady bool
	shortStats Stats
	shortReady bool
}

// Calculator maintains a rolling spread_pct sample window per coin and
// refreshes cached statistics on every update
type Calculator struct {
	mu sync.RWMutex

	windowSize int
	shortSize int
	coins map[string]*series
}

// NewCalculator constructs a Calculator. shortSize must be <= windowSize;
// it sizes the trailing-window regime-change detector.
func NewCalculator(windowSize, shortSize int) *Calculator {
	if shortSize > windowSize {
		shortSize = windowSize
	}
	return &Calculator{
		windowSize: windowSize,
		shortSize: shortSize,
		coins: make(map[string]*series),
	}
}

// AddCoin registers coin with an empty sample buffer. Idempotent.
func (c *Calculator) AddCoin(coin string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok:= c.coins[coin]; ok {
		return
	}
	c.coins[coin] = &series{
		buf: make([]float64, c.windowSize),
		cap: c.windowSize,
	}
}

// RemoveCoin drops coin's sample buffer. Idempotent.
func (c *Calculator) RemoveCoin(coin string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.coins, coin)
}

// ComputeSpreadPct derives spot_usd = spot_fiat / fx_rate and returns
// spread_pct = (perp - spot_usd) / spot_usd * 100, without touching any
// coin's sample window. Used by the monitor to read a point-in-time
// spread% ahead of the periodic Update call. The second return value is false if any
// input is missing/zero.
func ComputeSpreadPct(spotFiat, fxRate, perp decimal.Decimal) (decimal.Decimal, bool) {
	if spotFiat.IsZero || fxRate.IsZero || perp.IsZero {
		return decimal.Zero, false
	}
	spotUSD:= spotFiat.Div(fxRate)
	return perp.Sub(spotUSD).Div(spotUSD).Mul(decimal.NewFromInt(100)), true
}

// Update derives spot_usd = spot_fiat / fx_rate (when both are present along
// with perp), computes spread_pct = (perp - spot_usd) / spot_usd * 100,
// appends it to coin's ring buffer, and refreshes the cached statistics. A
// missing leg (spotFiat, fxRate, or perp absent/zero) is a no-op.
func (c *Calculator) Update(coin string, spotFiat, fxRate, perp decimal.Decimal) {
	if spotFiat.IsZero || fxRate.IsZero || perp.IsZero {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok:= c.coins[coin]
	if !ok {
		return
	}

	spotUSD:= spotFiat.Div(fxRate)
	spreadPct:= perp.Sub(spotUSD).Div(spotUSD).Mul(decimal.NewFromInt(100))

	f, _:= spreadPct.Float64
	s.buf[s.writePos] = f
	s.writePos = (s.writePos + 1) % s.cap
	if s.writePos == 0 {
		s.filled = true
	}

	s.refreshStats()
}

// refreshStats recomputes the cached full-window statistics. Must be called
// with c.mu held. Short-window stats are computed on demand in
// CachedShortStats rather than cached here, since their window size is
// configured independently of the full window.
func (s *series) refreshStats() {
	n:= s.cap
	if !s.filled {
		n = s.writePos
	}
	if n == 0 {
		return
	}
	mean, stddev:= meanStddev(s.orderedTail(n))
	s.fullStats = Stats{Mean: decimal.NewFromFloat(mean), Stddev: decimal.NewFromFloat(stddev)}
	s.fullReady = s.filled
}

// orderedTail returns the last n samples in chronological order, reading
// the ring buffer from its current write position backward.
func (s *series) orderedTail(n int) []float64 {
	out:= make([]float64, n)
	for i:= 0; i < n; i++ {
		idx:= (s.writePos - n + i + s.cap) % s.cap
		out[i] = s.buf[idx]
	}
	return out
}

func meanStddev(xs []float64) (float64, float64) {
	if len(xs) == 0 {
		return 0, 0
	}
	var sum float64
	for _, x:= range xs {
		sum += x
	}
	mean:= sum / float64(len(xs))

	var sqDiff float64
	for _, x:= range xs {
		d:= x - mean
		sqDiff += d * d
	}
	stddev:= math.Sqrt(sqDiff / float64(len(xs)))
	return mean, stddev
}

// CachedStats returns the full-window (mean, stddev) for coin. The second
// return value is false until the buffer has filled completely, matching
// its "only once the buffer is full".
func (c *Calculator) CachedStats(coin string) (Stats, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok:= c.coins[coin]
	if !ok || !s.fullReady {
		return Stats{}, false
	}
	return s.fullStats, true
}

// CachedShortStats returns the (mean, stddev) over the trailing shortSize
// samples, used for regime-change detection. Ready once at least shortSize
// samples have been written (even before the full window fills).
func (c *Calculator) CachedShortStats(coin string) (Stats, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok:= c.coins[coin]
	if !ok {
		return Stats{}, false
	}

	available:= s.writePos
	if s.filled {
		available = s.cap
	}
	if available < c.shortSize {
		return Stats{}, false
	}

	mean, stddev:= meanStddev(s.orderedTail(c.shortSize))
	return Stats{Mean: decimal.NewFromFloat(mean), Stddev: decimal.NewFromFloat(stddev)}, true
}

// SampleCount reports how many samples coin currently holds (for tests and
// diagnostics).
func (c *Calculator) SampleCount(coin string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok:= c.coins[coin]
	if !ok {
		return 0
	}
	if s.filled {
		return s.cap
	}
	return s.writePos
}
