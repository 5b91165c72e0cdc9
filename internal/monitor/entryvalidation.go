package monitor

import (
	"github.com/arbctl/spreadengine/internal/core"
	"github.com/arbctl/spreadengine/pkg/decimalutil"

	"github.com/shopspring/decimal"
)

// EntryValidationInput carries every value the 9-step entry validation
// procedure needs.
type EntryValidationInput struct {
	SizeUSDT decimal.Decimal
	SpotFiatPrice decimal.Decimal
	PerpPrice decimal.Decimal
	FXRate decimal.Decimal
	OriginalSpread decimal.Decimal // spread_pct at signal time, before rounding
	ExpectedProfit decimal.Decimal
	Instrument core.InstrumentInfo
	FiatMinimum decimal.Decimal // hard-coded local minimum, e.g. 5100 KRW
	MinPositionUSDT decimal.Decimal
	MinExpectedROI decimal.Decimal
}

// EntryValidationResult is the accepted sizing/pricing, or the rejection
// reason.
type EntryValidationResult struct {
	Accepted bool
	Reason core.RejectionReason
	Qty decimal.Decimal
	SpotPrice decimal.Decimal // ceil-to-tick
	PerpPrice decimal.Decimal // floor-to-tick
	AdjustedProfit decimal.Decimal
}

// ValidateEntry runs the 9-step entry validation procedure described in
// 
func ValidateEntry(in EntryValidationInput) EntryValidationResult {
	// 1. Raw qty, rounded down to qty_step.
	if in.PerpPrice.IsZero {
		return EntryValidationResult{Reason: core.RejectOrderConstraint}
	}
	rawQty:= in.SizeUSDT.Div(in.PerpPrice)
	qty:= decimalutil.FloorToStep(rawQty, in.Instrument.QtyStep)

	// 2. Zero qty rejects outright.
	if qty.IsZero {
		return EntryValidationResult{Reason: core.RejectOrderConstraint}
	}

	// 3. Instrument bounds + notional.
	if qty.LessThan(in.Instrument.MinOrderQty) ||
		(in.Instrument.MaxOrderQty.IsPositive && qty.GreaterThan(in.Instrument.MaxOrderQty)) ||
		qty.Mul(in.PerpPrice).LessThan(in.Instrument.MinNotional) {
		return EntryValidationResult{Reason: core.RejectOrderConstraint}
	}

	// 4. Fiat-side local minimum.
	if !in.FiatMinimum.IsZero && qty.Mul(in.SpotFiatPrice).LessThan(in.FiatMinimum) {
		return EntryValidationResult{Reason: core.RejectOrderConstraint}
	}

	// 5. Directional price rounding: spot buy ceils, perp short floors.
	spotRounded:= decimalutil.CeilToTick(in.SpotFiatPrice, in.Instrument.TickSize)
	perpRounded:= decimalutil.FloorToTick(in.PerpPrice, in.Instrument.TickSize)

	// 6. Post-rounding PnL gate.
	spotUSD:= spotRounded.Div(in.FXRate)
	adjustedSpread:= perpRounded.Sub(spotUSD).Div(spotUSD).Mul(decimal.NewFromInt(100))
	roundingCost:= in.OriginalSpread.Sub(adjustedSpread)
	adjustedProfit:= in.ExpectedProfit.Sub(roundingCost)
	if adjustedProfit.LessThanOrEqual(decimal.Zero) {
		return EntryValidationResult{Reason: core.RejectRoundingPnL}
	}

	// 7. Minimum position notional.
	if in.MinPositionUSDT.IsPositive && qty.Mul(perpRounded).LessThan(in.MinPositionUSDT) {
		return EntryValidationResult{Reason: core.RejectMinPosition}
	}

	// 8. Minimum expected ROI.
	if in.MinExpectedROI.IsPositive && adjustedProfit.LessThan(in.MinExpectedROI) {
		return EntryValidationResult{Reason: core.RejectMinROI}
	}

	// 9. Accept.
	return EntryValidationResult{
		Accepted: true, Qty: qty, SpotPrice: spotRounded, PerpPrice: perpRounded, AdjustedProfit: adjustedProfit,
	}
}
