package monitor

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/arbctl/spreadengine/internal/core"

	"github.com/shopspring/decimal"
)

// FXSource resolves the current fiat/stablecoin exchange rate, backed by a
// REST ticker lookup against the configured fiat-stablecoin market.
type FXSource interface {
	GetRate(ctx context.Context) (decimal.Decimal, error)
}

// tickerFXSource adapts core.MarketData's ticker query into an FXSource by
// reading the last-price of a configured fiat-stablecoin market (e.g.
// "USDTKRW").
type tickerFXSource struct {
	marketData core.MarketData
	market string
}

// NewTickerFXSource constructs an FXSource backed by a spot ticker lookup.
func NewTickerFXSource(marketData core.MarketData, market string) FXSource {
	return &tickerFXSource{marketData: marketData, market: market}
}

func (s *tickerFXSource) GetRate(ctx context.Context) (decimal.Decimal, error) {
	tickers, err:= s.marketData.GetTicker(ctx, []string{s.market})
	if err != nil {
		return decimal.Zero, err
	}
	for _, t:= range tickers {
		if t.Market == s.market {
			return t.Last, nil
		}
	}
	return decimal.Zero, core.ErrStaleOrderbook
}

// fxHolder stores the current fiat/stablecoin rate with last-good fallback
// on a failed refresh.
type fxHolder struct {
	rate atomic.Value // decimal.Decimal
}

func newFXHolder(initial decimal.Decimal) *fxHolder {
	h:= &fxHolder{}
	h.rate.Store(initial)
	return h
}

func (h *fxHolder) Get() decimal.Decimal {
	return h.rate.Load.(decimal.Decimal)
}

func (h *fxHolder) set(rate decimal.Decimal) {
	h.rate.Store(rate)
}

// runFXRefreshLoop polls source every interval and stores the last-good rate,
// silently keeping the previous value on failure.
func (h *fxHolder) runFXRefreshLoop(ctx context.Context, source FXSource, interval time.Duration, logger core.ILogger) {
	ticker:= time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rate, err:= source.GetRate(ctx)
			if err != nil {
				logger.Warn("fx rate refresh failed, keeping last-good value", "error", err, "fallback", h.Get().String())
				continue
			}
			h.set(rate)
		}
	}
}
