// Package execution implements C7: the paper execution engine. Owns
// deterministic fill semantics for MARKET, LIMIT and STOP_LOSS orders,
// slippage/fee computation, partial fills, SELL oversell rejection, the
// stop-loss scanner and the async-latency dispatcher — grounded on the
// teacher's execution/executor.go SubmitOrder/simulateFill/executeLive
// structure, narrowed to paper-only semantics (no live order routing).
package execution

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/paperdesk/engine/internal/config"
	"github.com/paperdesk/engine/internal/money"
	"github.com/paperdesk/engine/internal/paperr"
	"github.com/paperdesk/engine/internal/pricesource"
	"github.com/paperdesk/engine/internal/sot"
)

// PositionProvider is C7's read-only view into C4, used to validate SELLs
// and compute realized P&L before TS has applied the fill (spec.md §4.7
// "SELL validation (atomic with fill)").
type PositionProvider interface {
	GetPositionSnapshot(symbol string) (qty, avgPrice decimal.Decimal, err error)
}

// Engine is C7.
type Engine struct {
	store     *sot.Store
	positions PositionProvider
	prices    pricesource.Source
	clock     money.Clock
	rng       money.RandomSource
	cfg       config.ExecutionConfig
	metrics   Metrics

	events chan FillAppended
}

// New builds an Engine. metrics may be nil (a no-op stand-in is used).
func New(store *sot.Store, positions PositionProvider, prices pricesource.Source, clock money.Clock, rng money.RandomSource, cfg config.ExecutionConfig, metrics Metrics) *Engine {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Engine{
		store:     store,
		positions: positions,
		prices:    prices,
		clock:     clock,
		rng:       rng,
		cfg:       cfg,
		metrics:   metrics,
		events:    make(chan FillAppended, 1024),
	}
}

// Events returns the channel C9 consumes FillAppended events from.
func (e *Engine) Events() <-chan FillAppended { return e.events }

// ExecuteApproved is C6's handoff point: given a just-APPROVED
// PendingOrder, append the Order and either execute it inline, arm it
// (STOP_LOSS), or schedule it (latency > 0).
func (e *Engine) ExecuteApproved(po *sot.PendingOrder) (*sot.Order, error) {
	clientOrderID := uuid.NewString()

	switch po.OrderType {
	case sot.OrderTypeStopLoss:
		return e.submitArmed(po, clientOrderID)
	default:
		return e.submitMarketOrLimit(po, clientOrderID)
	}
}

func (e *Engine) submitArmed(po *sot.PendingOrder, clientOrderID string) (*sot.Order, error) {
	order, created, err := e.store.AppendOrder(sot.NewOrder{
		ClientOrderID: clientOrderID,
		Symbol:        po.Symbol,
		Side:          po.Side,
		OrderType:     po.OrderType,
		Qty:           po.Quantity,
		Price:         po.Price,
		StopPrice:     po.StopPrice,
		Status:        sot.OrderStatusNew,
		SubmittedAt:   e.clock.Now(),
		MakerFeeRate:  e.cfg.DefaultMakerFee,
		TakerFeeRate:  e.cfg.DefaultTakerFee,
		SourceRef:     po.SourceRef,
	})
	if err != nil {
		return nil, err
	}
	_ = created
	return order, nil
}

func (e *Engine) submitMarketOrLimit(po *sot.PendingOrder, clientOrderID string) (*sot.Order, error) {
	totalLatencyMs := e.cfg.DefaultLatencyMs
	if totalLatencyMs > 0 && e.cfg.RandomLatencyMs > 0 {
		jitter := money.UniformDecimal(e.rng, decimal.NewFromInt(e.cfg.RandomLatencyMs))
		totalLatencyMs += jitter.IntPart()
	}

	status := sot.OrderStatusNew
	if totalLatencyMs > 0 {
		status = sot.OrderStatusPending
	}

	order, created, err := e.store.AppendOrder(sot.NewOrder{
		ClientOrderID: clientOrderID,
		Symbol:        po.Symbol,
		Side:          po.Side,
		OrderType:     po.OrderType,
		Qty:           po.Quantity,
		Price:         po.Price,
		Status:        status,
		LatencyMs:     totalLatencyMs,
		SubmittedAt:   e.clock.Now(),
		MakerFeeRate:  e.cfg.DefaultMakerFee,
		TakerFeeRate:  e.cfg.DefaultTakerFee,
		SourceRef:     po.SourceRef,
	})
	if err != nil {
		return nil, err
	}
	if !created {
		return order, nil
	}

	if totalLatencyMs > 0 {
		if err := e.store.AppendEvent(order.ID, sot.EventSubmitted, "{}"); err != nil {
			return nil, err
		}
		return order, nil
	}

	return e.executeNow(order, nil)
}

// executeNow performs exactly one fill attempt against order, at
// priceOverride if given (the stop-loss scanner passes the current
// trigger price; inline MARKET/LIMIT execution uses the order's own
// accepted price — spec.md §4.2 "does not affect ... accepted-price
// execution": execution never depends on a live price-source call).
func (e *Engine) executeNow(order *sot.Order, priceOverride *decimal.Decimal) (*sot.Order, error) {
	basePrice := order.Price
	if priceOverride != nil {
		basePrice = *priceOverride
	}

	fillQty := order.RemainingQty
	if e.cfg.DefaultFillPct.IsPositive() && e.cfg.DefaultFillPct.LessThan(decimal.NewFromInt(1)) {
		fillQty = order.RemainingQty.Mul(e.cfg.DefaultFillPct)
	}
	// spec.md §4.7: fill_qty = round_to_step(remaining_qty × fill_pct, step).
	// A missing or unknown-symbol price source degrades gracefully (spec.md
	// §4.2) and leaves fillQty unquantized rather than blocking execution.
	if e.prices != nil {
		if info, err := e.prices.ExchangeInfo(context.Background(), order.Symbol); err == nil {
			fillQty = money.RoundToStep(fillQty, info.StepSize)
		}
	}
	if fillQty.GreaterThan(order.RemainingQty) {
		fillQty = order.RemainingQty
	}

	if order.Side == sot.SideSell {
		qty, _, err := e.positions.GetPositionSnapshot(order.Symbol)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", paperr.ErrInternal, err)
		}
		if qty.LessThan(fillQty) {
			if err := e.store.UpdateOrderStatus(order.ID, sot.OrderStatusCancelled, sot.EventError, "insufficient position"); err != nil {
				return nil, err
			}
			return nil, fmt.Errorf("%w: position %s < fill qty %s on %s", paperr.ErrInsufficientPosition, qty.String(), fillQty.String(), order.Symbol)
		}
	}

	slippageMax := basePrice.Mul(e.cfg.DefaultSlippagePct).Div(decimal.NewFromInt(100))
	slippage := money.UniformDecimal(e.rng, slippageMax)
	if order.Side == sot.SideSell {
		slippage = slippage.Neg()
	}
	effectivePrice := basePrice.Add(slippage)

	feeRate := e.cfg.DefaultTakerFee
	liquidity := sot.LiquidityTaker
	if order.IsMaker {
		feeRate = e.cfg.DefaultMakerFee
		liquidity = sot.LiquidityMaker
	}
	fees := effectivePrice.Mul(fillQty).Mul(feeRate)

	var realizedPnL *decimal.Decimal
	if order.Side == sot.SideSell {
		_, avgPrice, err := e.positions.GetPositionSnapshot(order.Symbol)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", paperr.ErrInternal, err)
		}
		r := effectivePrice.Sub(avgPrice).Mul(fillQty).Sub(fees)
		realizedPnL = &r
	}

	newRemaining := order.RemainingQty.Sub(fillQty)
	newStatus := sot.OrderStatusPartiallyFilled
	if newRemaining.LessThanOrEqual(decimal.Zero) {
		newStatus = sot.OrderStatusFilled
		newRemaining = decimal.Zero
	}

	fill, err := e.store.AppendFill(sot.NewFill{
		OrderID:         order.ID,
		FillQty:         fillQty,
		FillPrice:       basePrice,
		EffectivePrice:  effectivePrice,
		Fees:            fees,
		SlippageAmount:  slippage.Abs(),
		Liquidity:       liquidity,
		RealizedPnL:     realizedPnL,
		NewStatus:       newStatus,
		NewRemainingQty: newRemaining,
	})
	if err != nil {
		return nil, err
	}

	updated, err := e.store.GetOrder(order.ID)
	if err != nil {
		return nil, err
	}

	e.metrics.IncOrdersFilled(order.Symbol)
	if !basePrice.IsZero() {
		bps := slippage.Abs().Div(basePrice).Mul(decimal.NewFromInt(10000))
		e.metrics.ObserveSlippageBps(order.Symbol, bps.InexactFloat64())
	}

	e.emit(FillAppended{Order: *updated, Fill: *fill})
	return updated, nil
}

func (e *Engine) emit(ev FillAppended) {
	select {
	case e.events <- ev:
	default:
	}
}

// Cancel transitions a NEW or PENDING order to CANCELLED. Used by a
// pyramid session's stop() to cancel its outstanding wave's order.
func (e *Engine) Cancel(orderID uint64) error {
	order, err := e.store.GetOrder(orderID)
	if err != nil {
		return err
	}
	if order.Status != sot.OrderStatusNew && order.Status != sot.OrderStatusPending {
		return fmt.Errorf("%w: order %d in status %s cannot be cancelled", paperr.ErrStaleState, orderID, order.Status)
	}
	return e.store.UpdateOrderStatus(orderID, sot.OrderStatusCancelled, sot.EventCancelled, "{}")
}

// ═══════════════════════════════════════════════════════════════════════
// STOP-LOSS SCANNER
// ═══════════════════════════════════════════════════════════════════════

// ScanStops runs one pass of the stop-loss scanner (spec.md §4.7): for
// every NEW STOP_LOSS order, fetch the current price and check the
// trigger condition. Skips (with a STOP_SCAN_SKIPPED event) when the
// price source is unavailable; the stop remains armed for the next tick.
func (e *Engine) ScanStops(ctx context.Context) {
	orders, err := e.store.ListOrdersByTypeAndStatus(sot.OrderTypeStopLoss, sot.OrderStatusNew)
	if err != nil {
		return
	}
	for _, order := range orders {
		e.scanOne(ctx, order)
	}
}

func (e *Engine) scanOne(ctx context.Context, order sot.Order) {
	if e.prices == nil {
		return
	}
	price, _, err := e.prices.CurrentPrice(ctx, order.Symbol)
	if err != nil {
		_ = e.store.AppendEvent(order.ID, sot.EventScanSkipped, "{}")
		return
	}
	if !order.StopPrice.Valid {
		return
	}
	stop := order.StopPrice.Decimal

	triggered := false
	if order.Side == sot.SideSell {
		triggered = price.LessThanOrEqual(stop)
	} else {
		triggered = price.GreaterThanOrEqual(stop)
	}
	if !triggered {
		return
	}

	if err := e.store.UpdateOrderStatus(order.ID, sot.OrderStatusTriggered, sot.EventTriggered, "{}"); err != nil {
		return
	}
	triggeredOrder, err := e.store.GetOrder(order.ID)
	if err != nil {
		return
	}
	_, _ = e.executeNow(triggeredOrder, &price)
}

// RunStopScanner blocks, firing ScanStops on the configured interval
// until ctx is cancelled.
func (e *Engine) RunStopScanner(ctx context.Context) {
	interval := e.cfg.ScanInterval()
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.ScanStops(ctx)
		}
	}
}

// ═══════════════════════════════════════════════════════════════════════
// ASYNC LATENCY DISPATCHER
// ═══════════════════════════════════════════════════════════════════════

// DispatchDue runs one pass of the latency dispatcher (spec.md §4.7):
// pops PENDING orders whose scheduled time has arrived, in submitted-order
// FIFO, and executes each inline after re-checking it hasn't been
// cancelled in the meantime.
func (e *Engine) DispatchDue() {
	orders, err := e.store.ListOrdersByStatus(sot.OrderStatusPending)
	if err != nil {
		return
	}
	now := e.clock.Now()
	for _, order := range orders {
		dueAt := order.SubmittedAt.Add(time.Duration(order.LatencyMs) * time.Millisecond)
		if now.Before(dueAt) {
			continue
		}
		fresh, err := e.store.GetOrder(order.ID)
		if err != nil || fresh.Status != sot.OrderStatusPending {
			continue
		}
		_, _ = e.executeNow(fresh, nil)
	}
}

// RunLatencyDispatcher blocks, firing DispatchDue on a short fixed tick
// until ctx is cancelled. A tighter tick than the stop scanner's is
// appropriate since latency windows are typically sub-second.
func (e *Engine) RunLatencyDispatcher(ctx context.Context, tick time.Duration) {
	if tick <= 0 {
		tick = 50 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.DispatchDue()
		}
	}
}

// ═══════════════════════════════════════════════════════════════════════
// OBSERVABLE PROGRESS VIEW
// ═══════════════════════════════════════════════════════════════════════

// PendingProgress is the read-only view spec.md §4.7's get_pending_orders
// exposes to dashboards — elapsed/remaining/progress computed from the
// clock, never mutating state.
type PendingProgress struct {
	OrderID     uint64
	ElapsedMs   int64
	RemainingMs int64
	ProgressPct float64
}

// GetPendingOrders returns progress for every order currently in PENDING
// (i.e. scheduled for latency-delayed execution).
func (e *Engine) GetPendingOrders() ([]PendingProgress, error) {
	orders, err := e.store.ListOrdersByStatus(sot.OrderStatusPending)
	if err != nil {
		return nil, err
	}
	now := e.clock.Now()
	views := make([]PendingProgress, 0, len(orders))
	for _, order := range orders {
		total := order.LatencyMs
		elapsed := now.Sub(order.SubmittedAt).Milliseconds()
		remaining := total - elapsed
		if remaining < 0 {
			remaining = 0
		}
		pct := 0.0
		if total > 0 {
			pct = float64(elapsed) / float64(total) * 100
			if pct > 100 {
				pct = 100
			}
			if pct < 0 {
				pct = 0
			}
		}
		views = append(views, PendingProgress{
			OrderID:     order.ID,
			ElapsedMs:   elapsed,
			RemainingMs: remaining,
			ProgressPct: pct,
		})
	}
	return views, nil
}
