package policy

import (
	"context"
	"testing"
	"time"

	"github.com/arbctl/spreadengine/internal/balance"
	"github.com/arbctl/spreadengine/internal/core"
	"github.com/arbctl/spreadengine/internal/execution"
	"github.com/arbctl/spreadengine/internal/position"
	"github.com/arbctl/spreadengine/internal/risk"

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

type fakeNotifier struct{ alerts int }

func (f *fakeNotifier) Alert(ctx context.Context, title, message string, level core.AlertLevel, critical bool, fields map[string]string) {
	f.alerts++
}

type fakeExecutor struct {
	entryFn func(ctx context.Context, req execution.EntryRequest) (execution.Result, error)
	exitFn func(ctx context.Context, req execution.ExitRequest) (execution.Result, error)
}

func (f *fakeExecutor) ExecuteEntry(ctx context.Context, req execution.EntryRequest) (execution.Result, error) {
	return f.entryFn(ctx, req)
}
func (f *fakeExecutor) ExecuteExit(ctx context.Context, req execution.ExitRequest) (execution.Result, error) {
	return f.exitFn(ctx, req)
}

func testFees() Fees {
	return Fees{SpotTakerRate: decimal.NewFromFloat(0.001), PerpTakerRate: decimal.NewFromFloat(0.0006)}
}

func TestSimulationPolicyOpenAndCloseRoundTrip(t *testing.T) {
	positions:= position.NewManager()
	store:= &fakeStore{}
	sp:= NewSimulationPolicy(positions, store, "sess-1", testFees, nopLogger{})

	ec:= core.EntryContext{Coin: "BTC", Qty: decimal.NewFromInt(1), SpotPriceFiat: decimal.NewFromInt(100), PerpPrice: decimal.NewFromInt(99)}
	require.NoError(t, sp.OnEntrySignal(context.Background(), ec))
	require.Equal(t, 1, positions.Count())

	require.NoError(t, sp.OnExitSignal(context.Background(), core.ExitContext{Coin: "BTC", SafeVolumeUSDT: decimal.NewFromInt(1000)}))
	require.Equal(t, 0, positions.Count())
	require.Len(t, store.trades, 1)
}

func marketRefFor(coin string) (MarketRef, bool) {
	return MarketRef{
		SpotMarket: coin + "KRW", PerpMarket: coin + "USDT",
		TickSize: decimal.NewFromFloat(0.01), SpotPrice: decimal.NewFromInt(100), PerpPrice: decimal.NewFromInt(99),
	}, true
}

func newTestLivePolicy(t *testing.T, exec Executor) (*LivePolicy, *position.Manager, *balance.Tracker, *fakeStore) {
	positions:= position.NewManager()
	balances:= balance.NewTracker(decimal.NewFromInt(1_000_000), decimal.NewFromInt(1_000_000))
	riskMgr:= risk.NewManager(risk.Config{MaxConcurrentPositions: 10})
	store:= &fakeStore{}
	notifier:= &fakeNotifier{}

	lp:= NewLivePolicy(positions, balances, riskMgr, exec, store, notifier, marketRefFor, testFees, "sess-1", 3, time.Minute, nopLogger{})
	return lp, positions, balances, store
}

func TestLivePolicyEntryBothFilledTransitionsToOpen(t *testing.T) {
	qty:= decimal.NewFromInt(1)
	exec:= &fakeExecutor{
		entryFn: func(ctx context.Context, req execution.EntryRequest) (execution.Result, error) {
			return execution.Result{
				Outcome: execution.OutcomeBothFilled,
				SpotOrder: core.Order{Status: core.OrderStatusFilled, FilledQty: qty, AvgFillPrice: decimal.NewFromInt(100)},
				PerpOrder: core.Order{Status: core.OrderStatusFilled, FilledQty: qty, AvgFillPrice: decimal.NewFromInt(99)},
				EffectiveQty: qty,
			}, nil
		},
	}
	lp, positions, balances, _:= newTestLivePolicy(t, exec)

	ec:= core.EntryContext{
		Coin: "BTC", Qty: qty, SpotPriceFiat: decimal.NewFromInt(100), PerpPrice: decimal.NewFromInt(99),
		FiatNeeded: decimal.NewFromInt(100), StableNeeded: decimal.NewFromInt(99),
	}
	require.NoError(t, lp.OnEntrySignal(context.Background(), ec))

	open:= positions.OpenPositions("BTC")
	require.Len(t, open, 1)
	require.Equal(t, core.StateOpen, open[0].State)

	snap:= balances.Snapshot()
	require.True(t, snap.FiatReserved.IsZero)
}

func TestLivePolicyEntryBothUnfilledReleasesReservationAndPosition(t *testing.T) {
	exec:= &fakeExecutor{
		entryFn: func(ctx context.Context, req execution.EntryRequest) (execution.Result, error) {
			return execution.Result{
				Outcome: execution.OutcomeBothUnfilled,
				SpotOrder: core.Order{Status: core.OrderStatusRejected},
				PerpOrder: core.Order{Status: core.OrderStatusRejected},
			}, nil
		},
	}
	lp, positions, balances, _:= newTestLivePolicy(t, exec)

	ec:= core.EntryContext{
		Coin: "BTC", Qty: decimal.NewFromInt(1), SpotPriceFiat: decimal.NewFromInt(100), PerpPrice: decimal.NewFromInt(99),
		FiatNeeded: decimal.NewFromInt(100), StableNeeded: decimal.NewFromInt(99),
	}
	require.NoError(t, lp.OnEntrySignal(context.Background(), ec))

	require.Equal(t, 0, positions.Count())
	snap:= balances.Snapshot()
	require.True(t, snap.FiatReserved.IsZero)
	require.True(t, snap.FiatTotal.Equal(decimal.NewFromInt(1_000_000)))
}

func TestLivePolicyKillSwitchBlocksEntry(t *testing.T) {
	exec:= &fakeExecutor{}
	lp, _, _, _:= newTestLivePolicy(t, exec)
	lp.riskMgr.TriggerKillSwitch("test")

	err:= lp.OnEntrySignal(context.Background(), core.EntryContext{Coin: "BTC"})
	require.Error(t, err)
}
