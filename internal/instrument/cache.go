// Package instrument holds the read-only per-coin contract constraints
// queried from exchange B (tick size, quantity step, min/max order size,
// min notional) Failed lookups reject the coin at
// entry-validation time rather than caching a zero-value entry.
package instrument

import (
	"context"
	"fmt"
	"sync"

	"github.com/arbctl/spreadengine/internal/core"
)

// Cache is a read-through cache over core.InstrumentDataProvider.
type Cache struct {
	provider core.InstrumentDataProvider

	mu sync.RWMutex
	byCoin map[string]core.InstrumentInfo
}

// NewCache constructs a Cache backed by provider.
func NewCache(provider core.InstrumentDataProvider) *Cache {
	return &Cache{
		provider: provider,
		byCoin: make(map[string]core.InstrumentInfo),
	}
}

// Refresh queries exchange B for coin's instrument info and stores it.
// Called on startup and on each new-coin addition. A failed
// lookup leaves any prior cached value intact and returns the error so the
// caller can reject the coin.
func (c *Cache) Refresh(ctx context.Context, symbol, coin string) error {
	info, err:= c.provider.GetInstrumentInfo(ctx, symbol)
	if err != nil {
		return fmt.Errorf("fetch instrument info for %s: %w", coin, err)
	}
	info.Coin = coin

	c.mu.Lock()
	c.byCoin[coin] = info
	c.mu.Unlock()
	return nil
}

// Get returns the cached instrument info for coin.
func (c *Cache) Get(coin string) (core.InstrumentInfo, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	info, ok:= c.byCoin[coin]
	return info, ok
}

// Remove drops coin's cached instrument info, used when a coin leaves the
// watchlist.
func (c *Cache) Remove(coin string) {
	c.mu.Lock()
	delete(c.byCoin, coin)
	c.mu.Unlock()
}

// Coins returns the set of coins currently cached (diagnostics/tests).
func (c *Cache) Coins() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out:= make([]string, 0, len(c.byCoin))
	for coin:= range c.byCoin {
		out = append(out, coin)
	}
	return out
}
