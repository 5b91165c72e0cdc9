package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/arbctl/spreadengine/internal/core"
	"github.com/arbctl/spreadengine/internal/instrument"
	"github.com/arbctl/spreadengine/internal/orderbook"
	"github.com/arbctl/spreadengine/internal/policy"
	"github.com/arbctl/spreadengine/internal/position"
	"github.com/arbctl/spreadengine/internal/risk"
	"github.com/arbctl/spreadengine/internal/spread"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

type nopLogger struct{}

func (nopLogger) Debug(string,...interface{}) {}
func (nopLogger) Info(string,...interface{}) {}
func (nopLogger) Warn(string,...interface{}) {}
func (nopLogger) Error(string,...interface{}) {}
func (nopLogger) Fatal(string,...interface{}) {}
func (n nopLogger) WithField(string, interface{}) core.ILogger { return n }
func (n nopLogger) WithFields(map[string]interface{}) core.ILogger { return n }

type fakeMapper struct{}

func (fakeMapper) SpotMarket(coin string) string { return coin + "KRW" }
func (fakeMapper) PerpMarket(coin string) string { return coin + "USDT" }

type fakeMarketData struct{}

func (fakeMarketData) GetTicker(ctx context.Context, markets []string) ([]core.Ticker, error) {
	return nil, nil
}
func (fakeMarketData) GetOrderbook(ctx context.Context, market string, depth int) (core.OrderBook, error) {
	return core.OrderBook{}, nil
}
func (fakeMarketData) GetCandles(ctx context.Context, market, interval string, count int) ([]core.Candle, error) {
	return nil, nil
}
func (fakeMarketData) GetCandlesBefore(ctx context.Context, market, interval string, count int, before time.Time) ([]core.Candle, error) {
	return nil, nil
}
func (fakeMarketData) GetAllTickers(ctx context.Context) ([]core.Ticker, error) { return nil, nil }

type fakeStream struct {
	unsubscribedMarkets []string
}

func (f *fakeStream) Subscribe(ctx context.Context, markets []string) (<-chan core.StreamEvent, error) {
	return make(chan core.StreamEvent), nil
}
func (f *fakeStream) SubscribeMarkets(ctx context.Context, markets []string) error { return nil }
func (f *fakeStream) UnsubscribeMarkets(ctx context.Context, markets []string) error {
	f.unsubscribedMarkets = append(f.unsubscribedMarkets, markets...)
	return nil
}
func (f *fakeStream) Unsubscribe(ctx context.Context) error { return nil }

type fakeInstrumentProvider struct{}

func (fakeInstrumentProvider) GetInstrumentInfo(ctx context.Context, symbol string) (core.InstrumentInfo, error) {
	return core.InstrumentInfo{}, nil
}

type fakeSelector struct{ ranked []string }

func (f *fakeSelector) Select(ctx context.Context, maxCandidates int, minVolume1h decimal.Decimal, blacklist []string, fxRate decimal.Decimal) ([]string, error) {
	return f.ranked, nil
}

type fakeEvaluator struct{}

func (fakeEvaluator) EvaluateEntrySignal(coin string, spreadPct, zScore decimal.Decimal) bool {
	return false
}
func (fakeEvaluator) EvaluateExitSignal(coin string, spreadPct, zScore decimal.Decimal) bool {
	return false
}

type fakeNotifier struct{ alerts int }

func (f *fakeNotifier) Alert(ctx context.Context, title, message string, level core.AlertLevel, critical bool, fields map[string]string) {
	f.alerts++
}

type fakeFXSource struct{ rate decimal.Decimal }

func (f *fakeFXSource) GetRate(ctx context.Context) (decimal.Decimal, error) { return f.rate, nil }

func newTestSupervisor(t *testing.T, pol policy.Policy, positions *position.Manager) *Supervisor {
	t.Helper()
	cfg:= Config{
		MaxCoins: 5,
		MaxSpreadStddev: decimal.NewFromFloat(2),
		RegimeMultiplier: decimal.NewFromFloat(1.5),
		AutoSelect: true,
		TTLHours: decimal.NewFromInt(24),
		GracePeriodHours: decimal.NewFromInt(1),
		HeartbeatInterval: time.Minute,
		MinuteInterval: time.Minute,
		SessionID: "sess-test",
	}
	riskMgr:= risk.NewManager(risk.Config{MaxConcurrentPositions: 10})
	fees:= position.Fees{SpotTakerRate: decimal.NewFromFloat(0.001), PerpTakerRate: decimal.NewFromFloat(0.0006)}

	return New(
		cfg, fakeMapper{},
		fakeMarketData{}, fakeMarketData{},
		&fakeStream{}, &fakeStream{},
		instrument.NewCache(fakeInstrumentProvider{}),
		spread.NewCalculator(30, 5),
		orderbook.NewCache(),
		positions, fees, riskMgr,
		&fakeSelector{}, fakeEvaluator{},
		pol, &fakeNotifier{},
		decimal.NewFromInt(1300),
		&fakeFXSource{rate: decimal.NewFromInt(1300)},
		nopLogger{},
	)
}

func TestForceLiquidateClosesAndRecordsTrade(t *testing.T) {
	positions:= position.NewManager()
	store:= &fakeStore{}
	pol:= policy.NewSimulationPolicy(positions, store, "sess-test", policy.Fees{SpotTakerRate: decimal.NewFromFloat(0.001), PerpTakerRate: decimal.NewFromFloat(0.0006)}, nopLogger{})
	s:= newTestSupervisor(t, pol, positions)
	s.addToWatchlistLocked("BTC")

	liqPrice:= position.LiquidationPrice(decimal.NewFromInt(100), decimal.NewFromInt(5), decimal.NewFromFloat(0.005), decimal.NewFromFloat(0.0006))
	pos:= positions.Open(&core.Position{
		ID: positions.NextID(), Coin: "BTC", State: core.StateOpen,
		SpotEntryPriceUSD: decimal.NewFromInt(100), PerpEntryPrice: decimal.NewFromInt(100),
		PerpLiquidationPrice: liqPrice, Qty: decimal.NewFromInt(1),
	})
	require.NotNil(t, pos)

	s.forceLiquidate(context.Background(), "BTC", liqPrice, decimal.NewFromInt(1300), decimal.NewFromInt(130_000), true)

	require.Equal(t, 0, positions.Count())
	require.Len(t, store.trades, 1)
}

func TestForceLiquidateNoopWhenPriceNotCrossed(t *testing.T) {
	positions:= position.NewManager()
	store:= &fakeStore{}
	pol:= policy.NewSimulationPolicy(positions, store, "sess-test", policy.Fees{}, nopLogger{})
	s:= newTestSupervisor(t, pol, positions)

	positions.Open(&core.Position{
		ID: positions.NextID(), Coin: "BTC", State: core.StateOpen,
		PerpEntryPrice: decimal.NewFromInt(100), PerpLiquidationPrice: decimal.NewFromInt(150),
	})

	s.forceLiquidate(context.Background(), "BTC", decimal.NewFromInt(99), decimal.NewFromInt(1300), decimal.NewFromInt(130_000), true)

	require.Equal(t, 1, positions.Count())
	require.Empty(t, store.trades)
}

func TestDetectRegimeChangeDropsCoinWithoutPosition(t *testing.T) {
	positions:= position.NewManager()
	store:= &fakeStore{}
	pol:= policy.NewSimulationPolicy(positions, store, "sess-test", policy.Fees{}, nopLogger{})
	s:= newTestSupervisor(t, pol, positions)
	s.addToWatchlistLocked("ETH")

	for i:= 0; i < 5; i++ {
		s.spreadCalc.Update("ETH", decimal.NewFromInt(100), decimal.NewFromInt(1300), decimal.NewFromFloat(130_020+float64(i)*50))
	}

	s.detectRegimeChange(context.Background())

	require.Empty(t, s.activeCoins())
}

func TestDetectRegimeChangeMarksDroppedWhenPositionOpen(t *testing.T) {
	positions:= position.NewManager()
	store:= &fakeStore{}
	pol:= policy.NewSimulationPolicy(positions, store, "sess-test", policy.Fees{}, nopLogger{})
	s:= newTestSupervisor(t, pol, positions)
	s.addToWatchlistLocked("ETH")
	positions.Open(&core.Position{ID: positions.NextID(), Coin: "ETH", State: core.StateOpen})

	for i:= 0; i < 5; i++ {
		s.spreadCalc.Update("ETH", decimal.NewFromInt(100), decimal.NewFromInt(1300), decimal.NewFromFloat(130_020+float64(i)*50))
	}

	s.detectRegimeChange(context.Background())

	require.Empty(t, s.activeCoins())
	s.mu.Lock()
	st, ok:= s.watchlist["ETH"]
	s.mu.Unlock()
	require.True(t, ok)
	require.NotNil(t, st.droppedAt)
}

func TestCheckTTLForceClosesAfterGracePeriod(t *testing.T) {
	positions:= position.NewManager()
	store:= &fakeStore{}
	pol:= policy.NewSimulationPolicy(positions, store, "sess-test", policy.Fees{}, nopLogger{})
	s:= newTestSupervisor(t, pol, positions)
	s.cfg.TTLHours = decimal.NewFromFloat(1.0 / 3600) // ~1 second, so "now" is already past TTL
	s.cfg.GracePeriodHours = decimal.NewFromFloat(1.0 / 3600)
	s.addToWatchlistLocked("ETH")

	positions.Open(&core.Position{
		ID: positions.NextID(), Coin: "ETH", State: core.StateOpen,
		SpotEntryPriceUSD: decimal.NewFromInt(100), PerpEntryPrice: decimal.NewFromInt(100), Qty: decimal.NewFromInt(1),
	})

	past:= time.Now().Add(-time.Hour)
	s.mu.Lock()
	s.watchlist["ETH"].droppedAt = &past
	s.mu.Unlock()

	s.checkTTL(context.Background())

	require.Equal(t, 0, positions.Count())
}

func TestUnionKeysDedupesAndSorts(t *testing.T) {
	a:= map[string]decimal.Decimal{"BTC": decimal.NewFromInt(1), "ETH": decimal.NewFromInt(2)}
	b:= map[string]decimal.Decimal{"ETH": decimal.NewFromInt(3), "XRP": decimal.NewFromInt(4)}
	require.Equal(t, []string{"BTC", "ETH", "XRP"}, unionKeys(a, b))
}

type fakeStore struct {
	saved []core.PositionRecord
	trades []core.TradeRecord
}

func (f *fakeStore) Save(ctx context.Context, rec core.PositionRecord) (int64, error) {
	f.saved = append(f.saved, rec)
	return int64(len(f.saved)), nil
}
func (f *fakeStore) UpdateState(ctx context.Context, dbID int64, from, to core.PositionState, fields map[string]any) (core.StoreUpdateResult, error) {
	return core.StoreApplied, nil
}
func (f *fakeStore) LoadOpen(ctx context.Context, sessionID string) ([]core.PositionRecord, error) {
	return nil, nil
}
func (f *fakeStore) Remove(ctx context.Context, dbID int64) error { return nil }
func (f *fakeStore) SaveMinuteRecord(ctx context.Context, rec core.MinuteRecord) error {
	return nil
}
func (f *fakeStore) SaveTrade(ctx context.Context, rec core.TradeRecord) error {
	f.trades = append(f.trades, rec)
	return nil
}
