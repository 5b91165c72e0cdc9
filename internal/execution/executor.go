// Package execution implements the Live Executor: two-leg
// simultaneous order submission for entry/exit and the three-stage
// emergency-close escalation that recovers from a single-leg fill.
//
// The concurrent-submission shape fans out per-leg submissions over
// goroutines, collects results on a channel, and compensates on partial
// failure; the overall two-leg call shape mirrors an executeEntry/
// executeExit dispatch. The 4-way fill-outcome table and 3-stage
// emergency-close ladder are newly authored, using pkg/retry.Do for
// stage 1's backoff schedule.
package execution

import (
	"context"
	"fmt"
	"time"

	"github.com/arbctl/spreadengine/internal/core"
	"github.com/arbctl/spreadengine/pkg/decimalutil"
	"github.com/arbctl/spreadengine/pkg/retry"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Outcome is the four-way fill-outcome taxonomy requires an
// exhaustive switch over.
type Outcome string

const (
	OutcomeBothFilled Outcome = "BOTH_FILLED"
	OutcomeSpotOnly Outcome = "SPOT_ONLY_FILLED"
	OutcomePerpOnly Outcome = "PERP_ONLY_FILLED"
	OutcomeBothUnfilled Outcome = "BOTH_UNFILLED"
)

// EmergencyOutcome is the result of the emergency-close escalation run
// against a single filled leg.
type EmergencyOutcome struct {
	Closed bool // true once >=95% of the requested quantity is recovered
	FilledQty decimal.Decimal
	Stage int // 1, 2, or 3 (3 = failure, naked exposure)
	Attempts int
}

// Result is the outcome of a two-leg submission (entry or exit).
type Result struct {
	Outcome Outcome
	SpotOrder core.Order
	PerpOrder core.Order
	EffectiveQty decimal.Decimal
	AdjustmentCost decimal.Decimal
	Emergency *EmergencyOutcome // set only for SPOT_ONLY/PERP_ONLY on entry
}

// Config holds the executor's tunables.
type Config struct {
	MaxSlippagePct decimal.Decimal
	OrderTimeoutSec int
	MaxDustUSDT decimal.Decimal
	EmergencyWideSlippagePct []decimal.Decimal
	SpotTakerFeeRate decimal.Decimal
	PerpTakerFeeRate decimal.Decimal
}

const (
	emergencyStage1Budget = 2 * time.Minute
	emergencyStage2Budget = 3 * time.Minute // stage 2 runs from t=2min to t=5min
	emergencyFillThreshold = 0.95
	emergencyStage2Wait = 5 * time.Second
)

// Executor is generic over the spot and perp exchange client types so the
// hot entry/exit path never goes through an interface vtable; only the long-lived adapter
// registry elsewhere in the system uses trait objects.
type Executor[S core.OrderManagement, P core.LinearOrderManagement] struct {
	spot S
	perp P
	cfg Config
	logger core.ILogger
}

// NewExecutor constructs an Executor over concrete spot/perp client types.
func NewExecutor[S core.OrderManagement, P core.LinearOrderManagement](spot S, perp P, cfg Config, logger core.ILogger) *Executor[S, P] {
	return &Executor[S, P]{spot: spot, perp: perp, cfg: cfg, logger: logger.WithField("component", "live_executor")}
}

// generateClientOrderID mints a time-ordered client order ID (UUIDv7 per
// the glossary's "Client order id" requirement) so exchange-side order
// lookups during crash recovery can be correlated in time order.
func generateClientOrderID() string {
	id, err:= uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// EntryRequest describes the two-leg entry submission.
type EntryRequest struct {
	SpotMarket string
	PerpMarket string
	Qty decimal.Decimal
	SpotPrice decimal.Decimal // reference marketable price before slippage
	PerpPrice decimal.Decimal
	TickSize decimal.Decimal
}

// ExecuteEntry places an IOC limit buy on the spot leg and an IOC limit
// short on the perp leg simultaneously, with slippage margin applied
// (spot: upward, perp: downward)
func (e *Executor[S, P]) ExecuteEntry(ctx context.Context, req EntryRequest) (Result, error) {
	slip:= e.cfg.MaxSlippagePct.Div(decimal.NewFromInt(100))
	spotLimit:= decimalutil.CeilToTick(req.SpotPrice.Mul(decimal.NewFromInt(1).Add(slip)), req.TickSize)
	perpLimit:= decimalutil.FloorToTick(req.PerpPrice.Mul(decimal.NewFromInt(1).Sub(slip)), req.TickSize)

	spotClientID:= generateClientOrderID()
	perpClientID:= generateClientOrderID()

	timeout:= time.Duration(e.cfg.OrderTimeoutSec) * time.Second
	type legResult struct {
		order core.Order
		err error
	}
	perpCh:= make(chan legResult, 1)
	go func() {
		o, err:= e.submitWithTimeout(ctx, timeout, func(c context.Context) (core.Order, error) {
			return e.perp.PlaceOrderLinear(c, core.OrderRequest{
				Market: req.PerpMarket, Side: core.SideSell, Type: core.OrderTypeLimitIOC,
				Price: perpLimit, Qty: req.Qty, ClientOrderID: perpClientID,
			}, false)
		})
		perpCh <- legResult{o, err}
	}()
	spotOrder, spotErr:= e.submitWithTimeout(ctx, timeout, func(c context.Context) (core.Order, error) {
		return e.spot.PlaceOrder(c, core.OrderRequest{
			Market: req.SpotMarket, Side: core.SideBuy, Type: core.OrderTypeLimitIOC,
			Price: spotLimit, Qty: req.Qty, ClientOrderID: spotClientID,
		})
	})
	pr:= <-perpCh
	perpOrder, perpErr:= pr.order, pr.err

	spotFilled:= spotErr == nil && spotOrder.Filled()
	perpFilled:= perpErr == nil && perpOrder.Filled()

	switch {
	case spotFilled && perpFilled:
		effectiveQty:= decimal.Min(
			spotOrder.FilledQty.Mul(decimal.NewFromInt(1).Sub(e.cfg.SpotTakerFeeRate)),
			perpOrder.FilledQty,
		)
		dust:= spotOrder.FilledQty.Sub(effectiveQty).Mul(req.SpotPrice)
		return Result{
			Outcome: OutcomeBothFilled, SpotOrder: spotOrder, PerpOrder: perpOrder,
			EffectiveQty: effectiveQty, AdjustmentCost: dust,
		}, nil

	case spotFilled && !perpFilled:
		emg:= e.emergencyClose(ctx, core.LegSpot, req.SpotMarket, spotOrder.FilledQty, core.SideSell, req.TickSize, req.SpotPrice)
		return Result{Outcome: OutcomeSpotOnly, SpotOrder: spotOrder, PerpOrder: perpOrder, Emergency: &emg}, nil

	case !spotFilled && perpFilled:
		emg:= e.emergencyClose(ctx, core.LegPerp, req.PerpMarket, perpOrder.FilledQty, core.SideBuy, req.TickSize, req.PerpPrice)
		return Result{Outcome: OutcomePerpOnly, SpotOrder: spotOrder, PerpOrder: perpOrder, Emergency: &emg}, nil

	default:
		return Result{Outcome: OutcomeBothUnfilled, SpotOrder: spotOrder, PerpOrder: perpOrder}, nil
	}
}

// ExitRequest describes the two-leg exit submission.
type ExitRequest struct {
	SpotMarket string
	PerpMarket string
	Qty decimal.Decimal
}

// ExecuteExit places a market sell on the spot leg and a reduce-only market
// buy on the perp leg concurrently. No emergency-close is attempted here —
// leaves single-leg recovery on exit to the caller's state
// transition (-> PendingExchangeRecovery).
func (e *Executor[S, P]) ExecuteExit(ctx context.Context, req ExitRequest) (Result, error) {
	spotClientID:= generateClientOrderID()
	perpClientID:= generateClientOrderID()

	timeout:= time.Duration(e.cfg.OrderTimeoutSec) * time.Second
	type legResult struct {
		order core.Order
		err error
	}
	perpCh:= make(chan legResult, 1)
	go func() {
		o, err:= e.submitWithTimeout(ctx, timeout, func(c context.Context) (core.Order, error) {
			return e.perp.PlaceOrderLinear(c, core.OrderRequest{
				Market: req.PerpMarket, Side: core.SideBuy, Type: core.OrderTypeMarket,
				Qty: req.Qty, ClientOrderID: perpClientID, ReduceOnly: true,
			}, true)
		})
		perpCh <- legResult{o, err}
	}()
	spotOrder, spotErr:= e.submitWithTimeout(ctx, timeout, func(c context.Context) (core.Order, error) {
		return e.spot.PlaceOrder(c, core.OrderRequest{
			Market: req.SpotMarket, Side: core.SideSell, Type: core.OrderTypeMarket,
			Qty: req.Qty, ClientOrderID: spotClientID,
		})
	})
	pr:= <-perpCh
	perpOrder, perpErr:= pr.order, pr.err

	spotFilled:= spotErr == nil && spotOrder.Filled()
	perpFilled:= perpErr == nil && perpOrder.Filled()

	outcome:= OutcomeBothUnfilled
	switch {
	case spotFilled && perpFilled:
		outcome = OutcomeBothFilled
	case spotFilled && !perpFilled:
		outcome = OutcomeSpotOnly
	case !spotFilled && perpFilled:
		outcome = OutcomePerpOnly
	}

	return Result{Outcome: outcome, SpotOrder: spotOrder, PerpOrder: perpOrder}, nil
}

// submitWithTimeout runs fn under a per-leg timeout. A timeout
// is treated identically to a rejected order: zero-value Order, non-nil
// error.
func (e *Executor[S, P]) submitWithTimeout(ctx context.Context, timeout time.Duration, fn func(context.Context) (core.Order, error)) (core.Order, error) {
	c, cancel:= context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		order core.Order
		err error
	}
	ch:= make(chan result, 1)
	go func {
		order, err:= fn(c)
		ch <- result{order, err}
	}

	select {
	case r:= <-ch:
		return r.order, r.err
	case <-c.Done():
		return core.Order{}, fmt.Errorf("order submission timed out: %w", c.Err())
	}
}

// isTransientOrderErr treats any non-nil leg error as retryable during
// emergency-close stage 1 — routes transient exchange errors
// into the same fill-outcome handling as an outright rejection.
func isTransientOrderErr(error) bool { return true }

// emergencyClose runs the three-stage escalation described in 
// §4.10 against the filled leg, trying to close qty at closeSide.
func (e *Executor[S, P]) emergencyClose(ctx context.Context, leg core.Leg, market string, qty decimal.Decimal, closeSide core.Side, tickSize, refPrice decimal.Decimal) EmergencyOutcome {
	start:= time.Now()

	filled, attempts:= e.emergencyStage1(ctx, leg, market, qty, closeSide, tickSize, refPrice)
	if filled.GreaterThanOrEqual(qty.Mul(decimal.NewFromFloat(emergencyFillThreshold))) {
		return EmergencyOutcome{Closed: true, FilledQty: filled, Stage: 1, Attempts: attempts}
	}
	remaining:= qty.Sub(filled)

	if time.Since(start) < emergencyStage1Budget+emergencyStage2Budget {
		c2, cancel:= context.WithDeadline(ctx, start.Add(emergencyStage1Budget+emergencyStage2Budget))
		stage2Filled, stage2Attempts:= e.emergencyStage2(c2, leg, market, remaining, closeSide, tickSize, refPrice)
		cancel()
		totalFilled:= filled.Add(stage2Filled)
		if stage2Filled.IsPositive {
			return EmergencyOutcome{Closed: totalFilled.GreaterThanOrEqual(qty.Mul(decimal.NewFromFloat(emergencyFillThreshold))), FilledQty: totalFilled, Stage: 2, Attempts: attempts + stage2Attempts}
		}
	}

	return EmergencyOutcome{Closed: false, FilledQty: filled, Stage: 3, Attempts: attempts}
}

// emergencyStage1 retries an IOC limit at the opposing side's best with
// exponential backoff (1s, 2s, 4s, 8s cap) for up to 2 minutes. Success is
// >=95% filled; this function returns as soon as that threshold is hit or
// the 2-minute budget is exhausted.
func (e *Executor[S, P]) emergencyStage1(ctx context.Context, leg core.Leg, market string, qty decimal.Decimal, closeSide core.Side, tickSize, refPrice decimal.Decimal) (decimal.Decimal, int) {
	deadline:= time.Now().Add(emergencyStage1Budget)
	policy:= retry.RetryPolicy{MaxAttempts: 1 << 20, InitialBackoff: time.Second, MaxBackoff: 8 * time.Second}

	var filled decimal.Decimal
	attempts:= 0

	c, cancel:= context.WithDeadline(ctx, deadline)
	defer cancel()

	_ = retry.Do(c, policy, isTransientOrderErr, func() error {
		attempts++
		order, err:= e.placeLegOrder(c, leg, market, qty.Sub(filled), closeSide, core.OrderTypeLimitIOC, refPrice)
		if err == nil && order.FilledQty.IsPositive {
			filled = filled.Add(order.FilledQty)
		}
		if filled.GreaterThanOrEqual(qty.Mul(decimal.NewFromFloat(emergencyFillThreshold))) {
			return nil // satisfied; stop retrying
		}
		if time.Now().After(deadline) {
			return nil // budget exhausted; fall through to stage 2
		}
		return fmt.Errorf("emergency stage 1: insufficient fill, retrying")
	})

	return filled, attempts
}

// emergencyStage2 widens the limit by each entry in
// EmergencyWideSlippagePct in turn, waiting 5 seconds between attempts, for
// the remainder of the 5-minute total cap. Success is any non-zero fill.
func (e *Executor[S, P]) emergencyStage2(ctx context.Context, leg core.Leg, market string, qty decimal.Decimal, closeSide core.Side, tickSize, refPrice decimal.Decimal) (decimal.Decimal, int) {
	var filled decimal.Decimal
	attempts:= 0

	for _, widenPct:= range e.cfg.EmergencyWideSlippagePct {
		attempts++
		widened:= widenPrice(refPrice, widenPct, closeSide, tickSize)

		order, err:= e.placeLegOrder(ctx, leg, market, qty.Sub(filled), closeSide, core.OrderTypeLimitIOC, widened)
		if err == nil && order.FilledQty.IsPositive {
			filled = filled.Add(order.FilledQty)
		}
		if filled.GreaterThanOrEqual(qty) {
			break
		}

		select {
		case <-ctx.Done():
			return filled, attempts
		case <-time.After(emergencyStage2Wait):
		}
	}

	return filled, attempts
}

// widenPrice moves refPrice further in the unfavorable direction for
// closeSide by widenPct percent, rounded to the exchange's tick size.
func widenPrice(refPrice, widenPct decimal.Decimal, closeSide core.Side, tickSize decimal.Decimal) decimal.Decimal {
	pct:= widenPct.Div(decimal.NewFromInt(100))
	if closeSide == core.SideSell {
		return decimalutil.FloorToTick(refPrice.Mul(decimal.NewFromInt(1).Sub(pct)), tickSize)
	}
	return decimalutil.CeilToTick(refPrice.Mul(decimal.NewFromInt(1).Add(pct)), tickSize)
}

// placeLegOrder submits a single-leg order against whichever exchange owns
// leg.
func (e *Executor[S, P]) placeLegOrder(ctx context.Context, leg core.Leg, market string, qty decimal.Decimal, side core.Side, orderType core.OrderType, price decimal.Decimal) (core.Order, error) {
	req:= core.OrderRequest{Market: market, Side: side, Type: orderType, Price: price, Qty: qty, ClientOrderID: generateClientOrderID()}
	if leg == core.LegSpot {
		return e.spot.PlaceOrder(ctx, req)
	}
	return e.perp.PlaceOrderLinear(ctx, req, true)
}
