package execution

import "github.com/paperdesk/engine/internal/sot"

// FillAppended is published once per appended Fill, consumed solely by C9
// (single-owner fan-out to C4/C8/broadcast) — spec.md §4.7 expansion.
type FillAppended struct {
	Order sot.Order
	Fill  sot.Fill
}

// Metrics is the narrow observability surface C7 drives; a no-op
// implementation is used when metrics aren't wired (ambient concern, not
// gating logic — SPEC_FULL.md §4.11).
type Metrics interface {
	IncOrdersFilled(symbol string)
	ObserveSlippageBps(symbol string, bps float64)
}

type noopMetrics struct{}

func (noopMetrics) IncOrdersFilled(string)            {}
func (noopMetrics) ObserveSlippageBps(string, float64) {}
