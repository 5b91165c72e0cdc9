// Package policy implements the Execution Policy: the
// three async hooks the monitor calls on an entry/exit/TTL signal, behind
// two implementations — SimulationPolicy (direct in-memory manipulation) and
// LivePolicy (the full reserve/insert/execute/commit protocol).
//
// Grounded on internal/trading/execution/executor.go's Step/compensateAll
// shape for "submit, then branch on outcome and compensate" control flow,
// generalized from compensating a sequence of exchange calls to branching
// on the execution package's four-way fill outcome.
package policy

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/arbctl/spreadengine/internal/balance"
	"github.com/arbctl/spreadengine/internal/core"
	"github.com/arbctl/spreadengine/internal/execution"
	"github.com/arbctl/spreadengine/internal/position"
	"github.com/arbctl/spreadengine/internal/risk"

	"github.com/shopspring/decimal"
)

// Policy is the trait the monitor drives. Both SimulationPolicy and
// LivePolicy implement it.
type Policy interface {
	OnEntrySignal(ctx context.Context, ec core.EntryContext) error
	OnExitSignal(ctx context.Context, ec core.ExitContext) error
	OnTTLExpiry(ctx context.Context, tc core.TTLExpiryContext) error
	IsEntryAllowed bool
	OnMinuteClosed(ctx context.Context, rec core.MinuteRecord)
	OnTradeClosed(ctx context.Context, cp core.ClosedPosition, dbID *int64)
}

// Fees bundles the taker rates needed for PnL computation, mirroring
// position.Fees so this package doesn't need to reach into internal/config.
type Fees = position.Fees

// ---- SimulationPolicy -----------------------------------------------------

// SimulationPolicy manipulates the position manager directly: no orders, no
// balance changes, entries inserted already Open.
type SimulationPolicy struct {
	positions *position.Manager
	store core.PositionStore
	sessionID string
	fees Fees
	logger core.ILogger
}

// NewSimulationPolicy constructs a SimulationPolicy over an existing
// position.Manager.
func NewSimulationPolicy(positions *position.Manager, store core.PositionStore, sessionID string, fees Fees, logger core.ILogger) *SimulationPolicy {
	return &SimulationPolicy{positions: positions, store: store, sessionID: sessionID, fees: fees, logger: logger.WithField("component", "simulation_policy")}
}

func (p *SimulationPolicy) OnEntrySignal(ctx context.Context, ec core.EntryContext) error {
	id:= p.positions.NextID()
	liq:= position.LiquidationPrice(ec.PerpPrice, decimal.NewFromInt(1), decimal.Zero, decimal.Zero)
	pos:= &core.Position{
		ID: id,
		Coin: ec.Coin,
		EntryTime: time.Now(),
		SpotEntryPriceUSD: ec.SpotPriceFiat,
		PerpEntryPrice: ec.PerpPrice,
		PerpLiquidationPrice: liq,
		EntryFXRate: ec.FXRate,
		EntrySpreadPct: ec.EntrySpreadPct,
		EntryZScore: ec.EntryZScore,
		Qty: ec.Qty,
		State: core.StateOpen,
	}
	p.positions.Open(pos)
	p.logger.Info("simulated entry opened", "coin", ec.Coin, "qty", ec.Qty.String())
	return nil
}

func (p *SimulationPolicy) OnExitSignal(ctx context.Context, ec core.ExitContext) error {
	return p.closeByDescendingProfit(ctx, ec.Coin, ec.SafeVolumeUSDT, ec.ExitSpreadPct, ec.ExitZScore)
}

func (p *SimulationPolicy) OnTTLExpiry(ctx context.Context, tc core.TTLExpiryContext) error {
	open:= p.positions.OpenPositions(tc.Coin)
	var total decimal.Decimal
	for _, pos:= range open {
		total = total.Add(pos.Qty.Mul(pos.PerpEntryPrice))
	}
	return p.closeByDescendingProfit(ctx, tc.Coin, total, decimal.Zero, decimal.Zero)
}

// closeByDescendingProfit closes coin's open positions in descending
// unrealized-profit order, greedily up to safeVolumeUSDT, using the
// position's own entry prices as a stand-in exit price (simulation mode
// never touches a real orderbook).
func (p *SimulationPolicy) closeByDescendingProfit(ctx context.Context, coin string, safeVolumeUSDT, exitSpreadPct, exitZScore decimal.Decimal) error {
	open:= p.positions.OpenPositions(coin)
	sort.Slice(open, func(i, j int) bool {
		return unrealizedProfit(open[i]).GreaterThan(unrealizedProfit(open[j]))
	})

	var used decimal.Decimal
	for _, pos:= range open {
		notional:= pos.Qty.Mul(pos.PerpEntryPrice)
		if used.Add(notional).GreaterThan(safeVolumeUSDT) && !used.IsZero {
			break
		}
		used = used.Add(notional)

		closed, err:= p.positions.ClosePosition(coin, pos.ID, pos.SpotEntryPriceUSD, pos.PerpEntryPrice, pos.EntryFXRate, exitSpreadPct, exitZScore, false, p.fees)
		if err != nil {
			continue
		}
		p.OnTradeClosed(ctx, closed, nil)
	}
	return nil
}

func unrealizedProfit(p core.Position) decimal.Decimal {
	return p.SpotEntryPriceUSD.Sub(p.PerpEntryPrice).Mul(p.Qty)
}

func (p *SimulationPolicy) IsEntryAllowed() bool { return true }

func (p *SimulationPolicy) OnMinuteClosed(ctx context.Context, rec core.MinuteRecord) {
	if err:= p.store.SaveMinuteRecord(ctx, rec); err != nil {
		p.logger.Warn("save minute record failed", "coin", rec.Coin, "error", err)
	}
}

func (p *SimulationPolicy) OnTradeClosed(ctx context.Context, cp core.ClosedPosition, dbID *int64) {
	rec:= core.TradeRecord{
		SessionID: p.sessionID, PositionID: cp.PositionID, Coin: cp.Coin,
		Qty: cp.Qty, RealizedPnL: cp.RealizedPnL, ExecutedAt: cp.ClosedAt,
	}
	if err:= p.store.SaveTrade(ctx, rec); err != nil {
		p.logger.Warn("save trade record failed", "coin", cp.Coin, "error", err)
	}
}

// ---- LivePolicy -------------------------------------------------------------

// upbitIOCRejectionTracker counts consecutive IOC/time_in_force rejections
// per coin and blocks entries for a cooldown window once the threshold is
// hit.
type upbitIOCRejectionTracker struct {
	mu sync.Mutex
	consecutive map[string]int
	blockedUntil map[string]time.Time
	threshold int
	cooldown time.Duration
}

func newUpbitIOCRejectionTracker(threshold int, cooldown time.Duration) *upbitIOCRejectionTracker {
	return &upbitIOCRejectionTracker{
		consecutive: make(map[string]int),
		blockedUntil: make(map[string]time.Time),
		threshold: threshold,
		cooldown: cooldown,
	}
}

func (u *upbitIOCRejectionTracker) isBlocked(coin string) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	until, ok:= u.blockedUntil[coin]
	return ok && time.Now().Before(until)
}

func (u *upbitIOCRejectionTracker) recordRejection(coin string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.consecutive[coin]++
	if u.threshold > 0 && u.consecutive[coin] >= u.threshold {
		u.blockedUntil[coin] = time.Now().Add(u.cooldown)
	}
}

func (u *upbitIOCRejectionTracker) recordSuccess(coin string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	delete(u.consecutive, coin)
}

// Executor is the subset of execution.Executor's behavior LivePolicy needs,
// expressed as an interface so LivePolicy is not itself generic — the
// generic type parameter is pinned once at executor construction in
// cmd/engine, matching its requirement that only the hot
// order-submission path avoid dynamic dispatch.
type Executor interface {
	ExecuteEntry(ctx context.Context, req execution.EntryRequest) (execution.Result, error)
	ExecuteExit(ctx context.Context, req execution.ExitRequest) (execution.Result, error)
}

// MarketRef resolves a coin to its spot/perp market identifiers and tick
// size, supplied by the monitor (it already tracks instrument metadata).
type MarketRef struct {
	SpotMarket string
	PerpMarket string
	TickSize decimal.Decimal
	SpotPrice decimal.Decimal
	PerpPrice decimal.Decimal
}

// MarketRefFunc resolves a coin to its current MarketRef.
type MarketRefFunc func(coin string) (MarketRef, bool)

// LivePolicy implements the full commit protocol described in 
// §4.11.
type LivePolicy struct {
	positions *position.Manager
	balances *balance.Tracker
	riskMgr *risk.Manager
	executor Executor
	store core.PositionStore
	notifier core.Notifier
	marketRef MarketRefFunc
	fees Fees
	sessionID string
	logger core.ILogger

	iocCooldown *upbitIOCRejectionTracker
}

// NewLivePolicy constructs a LivePolicy wiring together every collaborator
// its commit protocol touches.
func NewLivePolicy(
	positions *position.Manager,
	balances *balance.Tracker,
	riskMgr *risk.Manager,
	executor Executor,
	store core.PositionStore,
	notifier core.Notifier,
	marketRef MarketRefFunc,
	fees Fees,
	sessionID string,
	iocCooldownThreshold int,
	iocCooldownWindow time.Duration,
	logger core.ILogger,
) *LivePolicy {
	return &LivePolicy{
		positions: positions, balances: balances, riskMgr: riskMgr, executor: executor,
		store: store, notifier: notifier, marketRef: marketRef, fees: fees, sessionID: sessionID,
		iocCooldown: newUpbitIOCRejectionTracker(iocCooldownThreshold, iocCooldownWindow),
		logger: logger.WithField("component", "live_policy"),
	}
}

func (p *LivePolicy) IsEntryAllowed() bool {
	return p.riskMgr.IsEntryAllowed()
}

// isIOCRejection reports whether order carries the IOC/time_in_force
// rejection signature step 2 of the entry protocol watches for.
func isIOCRejection(order core.Order) bool {
	return order.Status == core.OrderStatusRejected
}

// OnEntrySignal runs the full seven-step entry commit protocol.
func (p *LivePolicy) OnEntrySignal(ctx context.Context, ec core.EntryContext) error {
	// 1. Kill-switch check.
	if p.riskMgr.IsKilled() {
		return fmt.Errorf("%w", core.ErrKillSwitchActive)
	}

	// 2. Upbit IOC rejection cooldown.
	if p.iocCooldown.isBlocked(ec.Coin) {
		return fmt.Errorf("coin %s in IOC-rejection cooldown", ec.Coin)
	}

	// 3. Order-size cap.
	orderUSDT:= ec.Qty.Mul(ec.PerpPrice)
	if !p.riskMgr.ValidateOrderSize(orderUSDT) {
		return fmt.Errorf("%w: order size %s exceeds cap", core.ErrOrderConstraint, orderUSDT.String())
	}

	// 4. Reserve balances.
	reservation, ok:= p.balances.Reserve(ec.FiatNeeded, ec.StableNeeded)
	if !ok {
		return fmt.Errorf("%w", core.ErrBalanceReserveFailed)
	}

	mref, ok:= p.marketRef(ec.Coin)
	if !ok {
		p.balances.Release(reservation)
		return fmt.Errorf("no market reference for coin %s", ec.Coin)
	}

	// 5. Insert Opening position and persist.
	if !p.riskMgr.IsEntryAllowed() {
		p.balances.Release(reservation)
		return fmt.Errorf("%w", core.ErrKillSwitchActive)
	}
	liq:= position.LiquidationPrice(ec.PerpPrice, decimal.NewFromInt(1), decimal.Zero, decimal.Zero)
	id:= p.positions.NextID()
	pos:= &core.Position{
		ID: id, Coin: ec.Coin, EntryTime: time.Now(),
		SpotEntryPriceUSD: ec.SpotPriceFiat, PerpEntryPrice: ec.PerpPrice,
		PerpLiquidationPrice: liq, EntryFXRate: ec.FXRate,
		EntrySpreadPct: ec.EntrySpreadPct, EntryZScore: ec.EntryZScore,
		Qty: ec.Qty, State: core.StateOpening, InFlight: true,
	}
	p.positions.Open(pos)

	dbID, err:= p.store.Save(ctx, core.PositionRecord{SessionID: p.sessionID, Position: *pos})
	if err != nil {
		p.logger.Warn("persist opening position failed", "coin", ec.Coin, "error", err)
	} else {
		p.positions.TransitionState(ec.Coin, id, core.StateOpening, func(stored *core.Position) {
			dbIDCopy:= dbID
			stored.DBID = &dbIDCopy
		})
	}

	// 6. Call executor (lock-free).
	res, err:= p.executor.ExecuteEntry(ctx, execution.EntryRequest{
		SpotMarket: mref.SpotMarket, PerpMarket: mref.PerpMarket, Qty: ec.Qty,
		SpotPrice: mref.SpotPrice, PerpPrice: mref.PerpPrice, TickSize: mref.TickSize,
	})
	if err != nil {
		p.positions.Remove(ec.Coin, id)
		p.balances.Release(reservation)
		return err
	}

	// 7. Branch on outcome.
	return p.applyEntryOutcome(ctx, ec.Coin, id, reservation, res)
}

func (p *LivePolicy) applyEntryOutcome(ctx context.Context, coin string, id uint64, reservation *balance.Reservation, res execution.Result) error {
	switch res.Outcome {
	case execution.OutcomeBothFilled:
		p.positions.TransitionState(coin, id, core.StateOpen, func(pos *core.Position) {
			pos.InFlight = false
			pos.SpotOrderID = res.SpotOrder.ExchangeOrderID
			pos.PerpOrderID = res.PerpOrder.ExchangeOrderID
		})
		if pos, ok:= p.positions.Get(coin, id); ok && pos.DBID != nil {
			p.store.UpdateState(ctx, *pos.DBID, core.StateOpening, core.StateOpen, map[string]any{
				"spot_order_id": res.SpotOrder.ExchangeOrderID,
				"perp_order_id": res.PerpOrder.ExchangeOrderID,
				"in_flight": false,
			})
		}
		p.balances.Commit(reservation, res.SpotOrder.FilledQty.Mul(res.SpotOrder.AvgFillPrice), res.EffectiveQty)
		p.riskMgr.RecordTrade(decimal.Zero)
		p.iocCooldown.recordSuccess(coin)
		return nil

	case execution.OutcomeSpotOnly, execution.OutcomePerpOnly:
		if isIOCRejection(res.SpotOrder) || isIOCRejection(res.PerpOrder) {
			p.iocCooldown.recordRejection(coin)
		}
		if res.Emergency != nil && res.Emergency.Closed {
			p.positions.Remove(coin, id)
			if pos, ok:= p.positions.Get(coin, id); ok && pos.DBID != nil {
				p.store.UpdateState(ctx, *pos.DBID, core.StateOpening, core.StateClosed, nil)
			}
			p.balances.Release(reservation)
			return nil
		}

		p.positions.TransitionState(coin, id, core.StatePartiallyClosedOneLeg, func(pos *core.Position) {
			pos.InFlight = false
			if res.Outcome == execution.OutcomeSpotOnly {
				pos.SucceededLeg = core.LegSpot
			} else {
				pos.SucceededLeg = core.LegPerp
			}
		})
		p.riskMgr.TriggerKillSwitch("emergency close failed after single-leg entry fill")
		p.notifier.Alert(ctx, "Emergency close failed", fmt.Sprintf("coin=%s outcome=%s", coin, res.Outcome), core.AlertCritical, true, map[string]string{"coin": coin})
		return fmt.Errorf("emergency close failed for coin %s", coin)

	default: // OutcomeBothUnfilled
		p.iocCooldown.recordRejection(coin)
		p.positions.Remove(coin, id)
		if pos, ok:= p.positions.Get(coin, id); ok && pos.DBID != nil {
			p.store.Remove(ctx, *pos.DBID)
		}
		p.balances.Release(reservation)
		return nil
	}
}

// OnExitSignal selects Open positions for coin in descending profit order,
// greedily fits them to ec.SafeVolumeUSDT, and closes each in parallel.
func (p *LivePolicy) OnExitSignal(ctx context.Context, ec core.ExitContext) error {
	return p.runExit(ctx, ec.Coin, ec.SafeVolumeUSDT, ec.ExitSpreadPct, ec.ExitZScore, false)
}

// OnTTLExpiry mirrors OnExitSignal for dropped coins past their TTL+grace
// window; with ForceClose, a close failure also triggers the kill switch and
// a critical alert before the position moves to PendingExchangeRecovery.
func (p *LivePolicy) OnTTLExpiry(ctx context.Context, tc core.TTLExpiryContext) error {
	open:= p.positions.OpenPositions(tc.Coin)
	var total decimal.Decimal
	for _, pos:= range open {
		total = total.Add(pos.Qty.Mul(pos.PerpEntryPrice))
	}
	return p.runExit(ctx, tc.Coin, total, decimal.Zero, decimal.Zero, tc.ForceClose)
}

func (p *LivePolicy) runExit(ctx context.Context, coin string, safeVolumeUSDT, exitSpreadPct, exitZScore decimal.Decimal, forceClose bool) error {
	open:= p.positions.OpenPositions(coin)
	sort.Slice(open, func(i, j int) bool {
		return unrealizedProfit(open[i]).GreaterThan(unrealizedProfit(open[j]))
	})

	mref, ok:= p.marketRef(coin)
	if !ok {
		return fmt.Errorf("no market reference for coin %s", coin)
	}

	var toClose []core.Position
	var used decimal.Decimal
	for _, pos:= range open {
		notional:= pos.Qty.Mul(pos.PerpEntryPrice)
		if used.Add(notional).GreaterThan(safeVolumeUSDT) && !used.IsZero {
			break
		}
		used = used.Add(notional)
		toClose = append(toClose, pos)
	}

	var wg sync.WaitGroup
	for _, pos:= range toClose {
		pos:= pos
		if _, ok:= p.positions.TryTransitionToClosing(coin, pos.ID); !ok {
			continue
		}
		wg.Add(1)
		go func {
			defer wg.Done()
			p.closeOne(ctx, coin, pos, mref, exitSpreadPct, exitZScore, forceClose)
		}
	}
	wg.Wait()
	return nil
}

func (p *LivePolicy) closeOne(ctx context.Context, coin string, pos core.Position, mref MarketRef, exitSpreadPct, exitZScore decimal.Decimal, forceClose bool) {
	res, err:= p.executor.ExecuteExit(ctx, execution.ExitRequest{SpotMarket: mref.SpotMarket, PerpMarket: mref.PerpMarket, Qty: pos.Qty})
	if err != nil || res.Outcome != execution.OutcomeBothFilled {
		if forceClose {
			p.riskMgr.TriggerKillSwitch("force-close failed for coin " + coin)
			p.notifier.Alert(ctx, "Force-close failed", fmt.Sprintf("coin=%s position=%d", coin, pos.ID), core.AlertCritical, true, map[string]string{"coin": coin})
		}
		p.positions.TransitionState(coin, pos.ID, core.StatePendingExchangeRecovery, nil)
		if pos.DBID != nil {
			p.store.UpdateState(ctx, *pos.DBID, core.StateClosing, core.StatePendingExchangeRecovery, nil)
		}
		return
	}

	closed, closeErr:= p.positions.ClosePosition(coin, pos.ID, res.SpotOrder.AvgFillPrice, res.PerpOrder.AvgFillPrice, mref.TickSize, exitSpreadPct, exitZScore, false, p.fees)
	if closeErr != nil {
		return
	}
	if pos.DBID != nil {
		p.store.UpdateState(ctx, *pos.DBID, core.StateClosing, core.StateClosed, nil)
	}
	p.balances.OnExit(res.SpotOrder.FilledQty.Mul(res.SpotOrder.AvgFillPrice), res.PerpOrder.FilledQty)
	p.riskMgr.RecordTrade(closed.RealizedPnL)
	p.OnTradeClosed(ctx, closed, pos.DBID)
}

func (p *LivePolicy) OnMinuteClosed(ctx context.Context, rec core.MinuteRecord) {
	if err:= p.store.SaveMinuteRecord(ctx, rec); err != nil {
		p.logger.Warn("save minute record failed", "coin", rec.Coin, "error", err)
	}
}

func (p *LivePolicy) OnTradeClosed(ctx context.Context, cp core.ClosedPosition, dbID *int64) {
	rec:= core.TradeRecord{
		SessionID: p.sessionID, PositionID: cp.PositionID, Coin: cp.Coin,
		Qty: cp.Qty, RealizedPnL: cp.RealizedPnL, AdjustmentCost: &cp.AdjustmentCost,
		ExitFX: &cp.ExitFXRate, ExecutedAt: cp.ClosedAt,
	}
	if err:= p.store.SaveTrade(ctx, rec); err != nil {
		p.logger.Warn("save trade record failed", "coin", cp.Coin, "error", err)
	}
	if dbID != nil {
		p.store.Remove(ctx, *dbID)
	}
}
