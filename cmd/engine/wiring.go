package main

import (
	"context"
	"fmt"

	"github.com/arbctl/spreadengine/internal/config"
	"github.com/arbctl/spreadengine/internal/core"

	"github.com/shopspring/decimal"
)

// exchangeClients bundles the external exchange-connectivity surface: REST
// market data, WebSocket streams, and order management for both legs.
// These are named contracts an operator's own adapter satisfies; no
// concrete exchange connector ships in this module.
type exchangeClients struct {
	SpotMarket core.MarketData
	PerpMarket core.MarketData
	SpotStream core.MarketStream
	PerpStream core.MarketStream
	SpotOrders core.OrderManagement
	PerpOrders core.LinearOrderManagement
	Instruments core.InstrumentDataProvider
}

// newExchangeClients resolves the configured spot/perp exchange names to
// concrete client implementations. No concrete exchange connector ships in
// this module, so every name falls through to an error naming the missing
// adapter; a deployment registers its adapters by adding a case here.
func newExchangeClients(cfg *config.Config, logger core.ILogger) (*exchangeClients, error) {
	spotName, perpName:= cfg.Exchanges.Spot.Name(), cfg.Exchanges.Perp.Name()

	// Each case below is where a real adapter (REST + WebSocket client
	// implementing core.MarketData/MarketStream/OrderManagement) would be
	// constructed and returned. None ship in this module.
	switch {
	case spotName == "" || perpName == "":
		return nil, fmt.Errorf("exchanges.spot.name and exchanges.perp.name must both be set")
	default:
		return nil, fmt.Errorf("no exchange adapters registered for spot=%q perp=%q: implement core.MarketData/MarketStream/OrderManagement(Linear) and add a case to newExchangeClients", spotName, perpName)
	}
}

// coinSuffixMapper resolves a coin symbol to its spot/perp market symbols
// by string concatenation with the configured quote currencies, e.g.
// "ETH" -> "ETHKRW" / "ETHUSDT".
type coinSuffixMapper struct {
	spotQuote string
	perpQuote string
}

func (m coinSuffixMapper) SpotMarket(coin string) string { return coin + m.spotQuote }
func (m coinSuffixMapper) PerpMarket(coin string) string { return coin + m.perpQuote }

// thresholdEvaluator is the default SignalEvaluator: a flat z-score
// threshold crossing rather than an adaptive model. Entry fires when
// |z| >= entryZScore; exit fires once |z| has mean-reverted to
// exitZScore or below.
type thresholdEvaluator struct {
	entryZScore decimal.Decimal
	exitZScore decimal.Decimal
	minStddevThreshold decimal.Decimal
}

func (e thresholdEvaluator) EvaluateEntrySignal(coin string, spreadPct, zScore decimal.Decimal) bool {
	return zScore.Abs().GreaterThanOrEqual(e.entryZScore)
}

func (e thresholdEvaluator) EvaluateExitSignal(coin string, spreadPct, zScore decimal.Decimal) bool {
	return zScore.Abs().LessThanOrEqual(e.exitZScore)
}

// fxTickerSource adapts exchange A's fiat-stablecoin ticker market into a
// FXSource, used only when no dedicated FX feed is configured.
type fxTickerSource struct {
	market core.MarketData
	symbol string
}

func (f fxTickerSource) GetRate(ctx context.Context) (decimal.Decimal, error) {
	tickers, err:= f.market.GetTicker(ctx, []string{f.symbol})
	if err != nil {
		return decimal.Zero, err
	}
	if len(tickers) == 0 {
		return decimal.Zero, fmt.Errorf("fx ticker %s: empty response", f.symbol)
	}
	return tickers[0].Last, nil
}
