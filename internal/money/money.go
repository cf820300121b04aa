// Package money holds the fixed-point monetary primitives shared across the
// core: decimal arithmetic quantized to a symbol's step size, and the
// seedable Clock/RandomSource the execution engine depends on for
// deterministic replay.
package money

import (
	"github.com/shopspring/decimal"
)

// Step describes the exchange-imposed sizing grid for a symbol, mirroring
// the lot-size metadata the PriceSource capability exposes.
type Step struct {
	MinQty    decimal.Decimal
	MaxQty    decimal.Decimal
	StepSize  decimal.Decimal
	PriceStep decimal.Decimal
}

// RoundToStep quantizes v to the nearest multiple of step using
// round-half-to-even, matching DESIGN.md's "banker's-rounded" requirement.
// A zero step is treated as "no grid" and returns v unchanged.
func RoundToStep(v, step decimal.Decimal) decimal.Decimal {
	if step.IsZero() {
		return v
	}
	units := v.Div(step).RoundBank(0)
	return units.Mul(step)
}

// InRange reports whether qty falls within [min, max] inclusive.
func InRange(qty, min, max decimal.Decimal) bool {
	if qty.LessThan(min) {
		return false
	}
	if !max.IsZero() && qty.GreaterThan(max) {
		return false
	}
	return true
}

// Zero is the canonical zero decimal, exported so callers never construct
// their own via decimal.NewFromInt(0) and risk a scale mismatch in tests.
var Zero = decimal.Zero
