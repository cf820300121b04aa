// Package risk implements C5: three pure functions over a frozen read view
// of positions and today's realized losses. Per spec.md §4.5/§7, a risk
// violation never blocks queuing — it only annotates risk_note for the
// human approver. The caller (C6) is responsible for freezing the input
// view within a single transaction so these functions stay deterministic.
package risk

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/paperdesk/engine/internal/money"
	"github.com/paperdesk/engine/internal/paperr"
)

// PositionView is the frozen snapshot C6 passes in — current exposure on a
// symbol, account equity, and today's realized P&L across all symbols.
type PositionView struct {
	Equity           decimal.Decimal
	ExposureBySymbol map[string]decimal.Decimal
	RealizedPnLToday decimal.Decimal
}

// Exposure returns current notional exposure on symbol, or zero.
func (v PositionView) Exposure(symbol string) decimal.Decimal {
	if v.ExposureBySymbol == nil {
		return decimal.Zero
	}
	return v.ExposureBySymbol[symbol]
}

// Engine evaluates the pure risk formulas from spec.md §4.5 against a
// threaded Config (never module-level globals, per spec.md §9).
type Engine struct {
	PipMultiplier      decimal.Decimal
	MaxPositionSizePct decimal.Decimal // e.g. 10.0 means 10%
	MaxDailyLossPct    decimal.Decimal
}

// NewEngine builds a risk Engine from explicit config values.
func NewEngine(pipMultiplier, maxPositionPct, maxDailyLossPct decimal.Decimal) *Engine {
	return &Engine{
		PipMultiplier:      pipMultiplier,
		MaxPositionSizePct: maxPositionPct,
		MaxDailyLossPct:    maxDailyLossPct,
	}
}

// ResolveQty converts a pip count into a quantity: pips × pip_multiplier ×
// min_qty, rounded to the symbol's step and validated against
// [min_qty, max_qty]. Per the Open Question in spec.md §9 (resolved in
// DESIGN.md): out-of-range pip sizing is a hard failure here — resolution
// happens before risk-note annotation, since an unresolvable quantity isn't
// a "risk" the approver can override, it's malformed input (Validation).
func (e *Engine) ResolveQty(pips decimal.Decimal, step money.Step) (decimal.Decimal, error) {
	raw := pips.Mul(e.PipMultiplier).Mul(step.MinQty)
	qty := money.RoundToStep(raw, step.StepSize)
	if !money.InRange(qty, step.MinQty, step.MaxQty) {
		return decimal.Zero, fmt.Errorf("%w: resolved qty %s outside [%s, %s]",
			paperr.ErrValidation, qty.String(), step.MinQty.String(), step.MaxQty.String())
	}
	return qty, nil
}

// CheckPositionSize implements: passed ⇔ (X + Δ) / E ≤ max_position_pct.
// Returns a human-readable note only when the check fails; an empty note
// means no violation to report.
func (e *Engine) CheckPositionSize(view PositionView, symbol string, qty, price decimal.Decimal) (passed bool, note string) {
	if view.Equity.IsZero() {
		return true, ""
	}
	delta := qty.Mul(price)
	exposure := view.Exposure(symbol).Add(delta)
	pct := exposure.Div(view.Equity).Mul(decimal.NewFromInt(100))
	if pct.GreaterThan(e.MaxPositionSizePct) {
		return false, fmt.Sprintf("position %s%% exceeds max %s%%",
			pct.Round(1).String(), e.MaxPositionSizePct.StringFixed(1))
	}
	return true, ""
}

// CheckDailyLoss implements: passed ⇔ −daily_loss / E ≤ max_daily_loss_pct.
func (e *Engine) CheckDailyLoss(view PositionView) (passed bool, note string) {
	if view.Equity.IsZero() {
		return true, ""
	}
	lossPct := view.RealizedPnLToday.Neg().Div(view.Equity).Mul(decimal.NewFromInt(100))
	if lossPct.GreaterThan(e.MaxDailyLossPct) {
		return false, fmt.Sprintf("daily loss %s%% exceeds max %s%%",
			lossPct.Round(1).String(), e.MaxDailyLossPct.StringFixed(1))
	}
	return true, ""
}

// Annotate runs both checks and joins any failing notes into the single
// risk_note string C6 stores on the PendingOrder. An empty return means no
// risk warning — the order still queues either way (RiskViolation never
// blocks, per spec.md §7).
func (e *Engine) Annotate(view PositionView, symbol string, qty, price decimal.Decimal) string {
	var notes []string
	if ok, note := e.CheckPositionSize(view, symbol, qty, price); !ok {
		notes = append(notes, note)
	}
	if ok, note := e.CheckDailyLoss(view); !ok {
		notes = append(notes, note)
	}
	if len(notes) == 0 {
		return ""
	}
	joined := notes[0]
	for _, n := range notes[1:] {
		joined += "; " + n
	}
	return joined
}

// RiskScore is an expansion (SPEC_FULL.md §4.5): a 0-100 advisory heuristic
// for dashboards/alerting, grounded on the teacher's risk/gate.go
// calculateRiskScore. It never gates anything — purely informational.
func (e *Engine) RiskScore(view PositionView, symbol string, consecutiveLossesOnSymbol int) float64 {
	score := 0.0
	score += float64(consecutiveLossesOnSymbol) * 20

	if !view.Equity.IsZero() && view.RealizedPnLToday.IsNegative() {
		limit := view.Equity.Mul(e.MaxDailyLossPct).Div(decimal.NewFromInt(100))
		if !limit.IsZero() {
			pctOfLimit := view.RealizedPnLToday.Abs().Div(limit).InexactFloat64() * 100
			score += pctOfLimit * 0.3
		}
	}

	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return score
}
