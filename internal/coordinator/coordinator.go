// Package coordinator implements C9: a single-owner event fan-out that
// applies FillAppended events to C4, then C8, then the broadcast channel,
// in strict per-order append order — grounded on the teacher's
// risk/adapter.go single-consumer adapter pattern, generalized from a
// risk-gate feed to a fill feed.
package coordinator

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/paperdesk/engine/internal/execution"
	"github.com/paperdesk/engine/internal/sot"
	"github.com/paperdesk/engine/internal/ts"
)

// PyramidHook is C8's hook surface.
type PyramidHook interface {
	HandleFill(order sot.Order, fill sot.Fill) error
}

// Broadcaster is C12's publish surface — best-effort, never blocking.
type Broadcaster interface {
	PublishFill(order sot.Order, fill sot.Fill)
}

// CircuitBreaker trips after a run of consecutive fatal errors applying
// fills to C4 (any fill; a success resets the run), per spec.md §7 "repeated fatal errors... trigger a
// circuit-break: the coordinator stops and the system surfaces an
// operator alert" — grounded on the teacher's risk/circuit_breaker.go.
type CircuitBreaker struct {
	maxConsecutive int
	consecutive    int
	tripped        bool
	onTrip         func()
}

// NewCircuitBreaker builds a breaker that trips after maxConsecutive
// consecutive fatal errors.
func NewCircuitBreaker(maxConsecutive int, onTrip func()) *CircuitBreaker {
	if maxConsecutive <= 0 {
		maxConsecutive = 5
	}
	return &CircuitBreaker{maxConsecutive: maxConsecutive, onTrip: onTrip}
}

func (c *CircuitBreaker) recordError() {
	c.consecutive++
	if c.consecutive >= c.maxConsecutive && !c.tripped {
		c.tripped = true
		if c.onTrip != nil {
			c.onTrip()
		}
	}
}

func (c *CircuitBreaker) recordSuccess() { c.consecutive = 0 }

// Tripped reports whether the breaker has fired.
func (c *CircuitBreaker) Tripped() bool { return c.tripped }

// Coordinator is C9 — the sole consumer of execution.Engine's fill events.
type Coordinator struct {
	events    <-chan execution.FillAppended
	trades    *ts.Store
	pyramid   PyramidHook
	broadcast Broadcaster
	breaker   *CircuitBreaker
	log       zerolog.Logger
}

// New builds a Coordinator. pyramidHook and broadcaster may be nil (a
// freshly-started engine with no active pyramid sessions and no
// dashboard subscriber still runs fine).
func New(events <-chan execution.FillAppended, trades *ts.Store, pyramidHook PyramidHook, broadcaster Broadcaster, breaker *CircuitBreaker, log zerolog.Logger) *Coordinator {
	return &Coordinator{
		events:    events,
		trades:    trades,
		pyramid:   pyramidHook,
		broadcast: broadcaster,
		breaker:   breaker,
		log:       log,
	}
}

// Run blocks, applying fills in arrival order until ctx is cancelled, the
// event channel closes, or the circuit breaker trips (Run then returns and
// applies no further fills). Per spec.md §4.9: for each fill, apply to C4,
// then dispatch to C8 if pyramid-sourced, then publish to broadcast.
func (c *Coordinator) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-c.events:
			if !ok {
				return
			}
			c.apply(ev)
			if c.breaker != nil && c.breaker.Tripped() {
				return
			}
		}
	}
}

func (c *Coordinator) apply(ev execution.FillAppended) {
	err := c.trades.ApplyFill(ts.FillApplied{
		Symbol:         ev.Order.Symbol,
		Side:           ev.Order.Side,
		OrderID:        ev.Order.ID,
		FillQty:        ev.Fill.FillQty,
		EffectivePrice: ev.Fill.EffectivePrice,
		Fees:           ev.Fill.Fees,
		FilledAt:       ev.Fill.FilledAt,
	})
	if err != nil {
		c.log.Error().Err(err).Uint64("order_id", ev.Order.ID).Msg("coordinator: C4 apply failed")
		if c.breaker != nil {
			c.breaker.recordError()
		}
	} else if c.breaker != nil {
		c.breaker.recordSuccess()
	}

	if c.pyramid != nil {
		if err := c.pyramid.HandleFill(ev.Order, ev.Fill); err != nil {
			c.log.Error().Err(err).Uint64("order_id", ev.Order.ID).Msg("coordinator: pyramid hook failed")
		}
	}

	if c.broadcast != nil {
		c.broadcast.PublishFill(ev.Order, ev.Fill)
	}
}
