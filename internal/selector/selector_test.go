package selector

import (
	"context"
	"testing"
	"time"

	"github.com/arbctl/spreadengine/internal/core"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

type fakeMarketData struct {
	candles map[string][]core.Candle
}

func (f *fakeMarketData) GetTicker(ctx context.Context, markets []string) ([]core.Ticker, error) {
	return nil, nil
}
func (f *fakeMarketData) GetOrderbook(ctx context.Context, market string, depth int) (core.OrderBook, error) {
	return core.OrderBook{}, nil
}
func (f *fakeMarketData) GetCandles(ctx context.Context, market, interval string, count int) ([]core.Candle, error) {
	return f.candles[market], nil
}
func (f *fakeMarketData) GetCandlesBefore(ctx context.Context, market, interval string, count int, before time.Time) ([]core.Candle, error) {
	return f.candles[market], nil
}
func (f *fakeMarketData) GetAllTickers(ctx context.Context) ([]core.Ticker, error) { return nil, nil }

type nopLogger struct{}

func (nopLogger) Debug(string,...interface{}) {}
func (nopLogger) Info(string,...interface{}) {}
func (nopLogger) Warn(string,...interface{}) {}
func (nopLogger) Error(string,...interface{}) {}
func (nopLogger) Fatal(string,...interface{}) {}
func (n nopLogger) WithField(string, interface{}) core.ILogger { return n }
func (n nopLogger) WithFields(map[string]interface{}) core.ILogger { return n }

func candlesWithVolume(close float64, volume float64, n int) []core.Candle {
	out:= make([]core.Candle, n)
	for i:= range out {
		out[i] = core.Candle{Close: decimal.NewFromFloat(close), Volume: decimal.NewFromFloat(volume)}
	}
	return out
}

func TestSelectFiltersBlacklistAndMinVolume(t *testing.T) {
	md:= &fakeMarketData{candles: map[string][]core.Candle{
		"BTCUSDT": candlesWithVolume(60000, 10, 60),
		"ETHUSDT": candlesWithVolume(3000, 1000, 60),
		"XRPUSDT": candlesWithVolume(0.5, 1, 60),
	}}
	sel:= NewSelector(md, Config{Universe: []string{"BTC", "ETH", "XRP"}, StableSym: "USDT"}, nopLogger{})

	out, err:= sel.Select(context.Background(), 10, decimal.NewFromInt(1000), []string{"XRP"}, decimal.NewFromInt(1))
	require.NoError(t, err)
	require.NotContains(t, out, "XRP")
}

func TestSelectCapsAtMaxCandidates(t *testing.T) {
	md:= &fakeMarketData{candles: map[string][]core.Candle{
		"AUSDT": candlesWithVolume(1, 1000, 60),
		"BUSDT": candlesWithVolume(1, 2000, 60),
		"CUSDT": candlesWithVolume(1, 3000, 60),
	}}
	sel:= NewSelector(md, Config{Universe: []string{"A", "B", "C"}, StableSym: "USDT"}, nopLogger{})

	out, err:= sel.Select(context.Background(), 2, decimal.Zero, nil, decimal.NewFromInt(1))
	require.NoError(t, err)
	require.Len(t, out, 2)
	// Highest-volume coin (C) must survive the cap.
	require.Contains(t, out, "C")
}

func TestSelectDropsCoinsWithNoCandles(t *testing.T) {
	md:= &fakeMarketData{candles: map[string][]core.Candle{}}
	sel:= NewSelector(md, Config{Universe: []string{"ZZZ"}, StableSym: "USDT"}, nopLogger{})

	out, err:= sel.Select(context.Background(), 10, decimal.Zero, nil, decimal.NewFromInt(1))
	require.NoError(t, err)
	require.Empty(t, out)
}
