// Package orderbook caches the most recent orderbook snapshot per
// (exchange, coin) and provides the non-blocking computing-flag CAS the
// monitor uses to guarantee at most one in-flight REST fetch per pair and
// to prevent same-coin entry/exit paths from racing,
// grounded on per-key-atomic-flag idiom in
// pkg/telemetry/metrics.go.
package orderbook

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/arbctl/spreadengine/internal/core"
)

// Exchange identifies which market the snapshot/flag belongs to.
type Exchange string

const (
	ExchangeSpot Exchange = "SPOT"
	ExchangePerp Exchange = "PERP"
)

type key struct {
	exchange Exchange
	coin string
}

type entry struct {
	book core.OrderBook
	fetchedAt time.Time
}

// Cache holds snapshots under a read-mostly RWMutex and computing flags in a
// separate map of *atomic.Bool, so the CAS itself never blocks on the
// snapshot lock.
type Cache struct {
	mu sync.RWMutex
	snapshots map[key]entry

	flagsMu sync.Mutex
	flags map[key]*atomic.Bool
}

// NewCache constructs an empty Cache.
func NewCache() *Cache {
	return &Cache{
		snapshots: make(map[key]entry),
		flags: make(map[key]*atomic.Bool),
	}
}

// Put stores the latest snapshot for (exchange, coin).
func (c *Cache) Put(exchange Exchange, coin string, book core.OrderBook, fetchedAt time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snapshots[key{exchange, coin}] = entry{book: book, fetchedAt: fetchedAt}
}

// Get returns the most recent snapshot for (exchange, coin), if any.
func (c *Cache) Get(exchange Exchange, coin string) (core.OrderBook, time.Time, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok:= c.snapshots[key{exchange, coin}]
	if !ok {
		return core.OrderBook{}, time.Time{}, false
	}
	return e.book, e.fetchedAt, true
}

// IsFresh reports whether a snapshot is present and its age is within
// maxAge of now.
func (c *Cache) IsFresh(exchange Exchange, coin string, maxAge time.Duration) bool {
	_, fetchedAt, ok:= c.Get(exchange, coin)
	if !ok {
		return false
	}
	return time.Since(fetchedAt) <= maxAge
}

// Remove drops both the snapshot and the computing flag for (exchange,
// coin). Called when a coin leaves the watchlist.
func (c *Cache) Remove(exchange Exchange, coin string) {
	c.mu.Lock()
	delete(c.snapshots, key{exchange, coin})
	c.mu.Unlock()

	c.flagsMu.Lock()
	delete(c.flags, key{exchange, coin})
	c.flagsMu.Unlock()
}

// RemoveCoin drops both exchanges' snapshots and flags for coin, used when a
// coin is fully dropped from the engine (regime-change removal, reselection
// to_remove).
func (c *Cache) RemoveCoin(coin string) {
	c.Remove(ExchangeSpot, coin)
	c.Remove(ExchangePerp, coin)
}

func (c *Cache) flagFor(exchange Exchange, coin string) *atomic.Bool {
	k:= key{exchange, coin}

	c.flagsMu.Lock()
	defer c.flagsMu.Unlock()
	f, ok:= c.flags[k]
	if !ok {
		f = &atomic.Bool{}
		c.flags[k] = f
	}
	return f
}

// TrySetComputing attempts an atomic compare-and-set from false to true for
// (exchange, coin). Returns false if a fetch is already in flight for this
// pair.
func (c *Cache) TrySetComputing(exchange Exchange, coin string) bool {
	return c.flagFor(exchange, coin).CompareAndSwap(false, true)
}

// IsComputing reports the current value of the computing flag without
// mutating it, used to check the opposite side before proceeding.
func (c *Cache) IsComputing(exchange Exchange, coin string) bool {
	return c.flagFor(exchange, coin).Load
}

// ClearComputing restores the computing flag to false. Must be called on
// every exit path of the task that set it (success, error, or early
// return) — cooperative cancellation discipline
func (c *Cache) ClearComputing(exchange Exchange, coin string) {
	c.flagFor(exchange, coin).Store(false)
}

// Opposite returns the other exchange leg, used by callers implementing the
// "check the opposite side's flag" step of tick-signal evaluation.
func Opposite(e Exchange) Exchange {
	if e == ExchangeSpot {
		return ExchangePerp
	}
	return ExchangeSpot
}
