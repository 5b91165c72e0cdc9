// Package decimalutil holds small decimal rounding helpers shared by the
// instrument-constraint and entry-validation paths, grounded on
// pkg/tradingutils/math.go's RoundPrice/RoundQuantity but extended with the
// directional ceil/floor-to-step rounding the 9-step entry validation
// requires: spot buys round unfavorably up, perp shorts
// round unfavorably down, and quantities always round down to the
// instrument's step size.
package decimalutil

import "github.com/shopspring/decimal"

// FloorToStep rounds val down to the nearest multiple of step. A zero or
// negative step is treated as "no step constraint" and returns val
// unchanged.
func FloorToStep(val, step decimal.Decimal) decimal.Decimal {
	if step.LessThanOrEqual(decimal.Zero) {
		return val
	}
	units:= val.Div(step).Floor
	return units.Mul(step)
}

// CeilToStep rounds val up to the nearest multiple of step.
func CeilToStep(val, step decimal.Decimal) decimal.Decimal {
	if step.LessThanOrEqual(decimal.Zero) {
		return val
	}
	units:= val.Div(step).Ceil
	return units.Mul(step)
}

// CeilToTick rounds a price up to the nearest tick — the unfavorable
// direction for a spot buy (pay more than the raw computed price).
func CeilToTick(price, tick decimal.Decimal) decimal.Decimal {
	return CeilToStep(price, tick)
}

// FloorToTick rounds a price down to the nearest tick — the unfavorable
// direction for a perp short (receive less than the raw computed price).
func FloorToTick(price, tick decimal.Decimal) decimal.Decimal {
	return FloorToStep(price, tick)
}
