// Package pending implements C6: the PendingOrder intake and
// approval/rejection state machine. PENDING → (APPROVED → EXECUTED) |
// REJECTED, CAS-guarded at the store boundary (spec.md §4.6).
package pending

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/paperdesk/engine/internal/money"
	"github.com/paperdesk/engine/internal/paperr"
	"github.com/paperdesk/engine/internal/pricesource"
	"github.com/paperdesk/engine/internal/risk"
	"github.com/paperdesk/engine/internal/sot"
)

// Intent is the caller-supplied order request, before qty resolution and
// risk annotation (spec.md §3 "OrderIntent").
type Intent struct {
	Symbol       string
	Side         string
	OrderType    string
	Quantity     decimal.NullDecimal // set directly, or...
	Pips         decimal.NullDecimal // ...resolved via C5 when Quantity is absent
	Price        decimal.Decimal
	StopPrice    decimal.NullDecimal
	Source       string
	SourceRef    string
	StrategyName string
	Confidence   decimal.NullDecimal
}

// ViewProvider supplies the frozen PositionView C5's checks run against.
// Implemented by a thin adapter over C4 + an equity source — kept outside
// this package so C6 never imports TS internals directly.
type ViewProvider interface {
	PositionView() (risk.PositionView, error)
}

// Executor is C7's narrow surface as seen from C6: given an APPROVED
// PendingOrder, submit it for execution and return the resulting Order.
// A returned error leaves the PendingOrder reverted to PENDING.
type Executor interface {
	ExecuteApproved(po *sot.PendingOrder) (*sot.Order, error)
}

// Queue is C6.
type Queue struct {
	store    *sot.Store
	risk     *risk.Engine
	prices   pricesource.Source
	views    ViewProvider
	executor Executor

	queued   chan PendingQueued
	resolved chan PendingResolved
}

// New builds a Queue. Event channels are buffered (size 256) so C8's
// subscriber loop never backpressures the approval/reject call path.
func New(store *sot.Store, riskEngine *risk.Engine, prices pricesource.Source, views ViewProvider, executor Executor) *Queue {
	return &Queue{
		store:    store,
		risk:     riskEngine,
		prices:   prices,
		views:    views,
		executor: executor,
		queued:   make(chan PendingQueued, 256),
		resolved: make(chan PendingResolved, 256),
	}
}

// Queued returns the channel C8 (or any subscriber) reads PendingQueued
// events from.
func (q *Queue) Queued() <-chan PendingQueued { return q.queued }

// Resolved returns the channel C8 reads PendingResolved events from.
func (q *Queue) Resolved() <-chan PendingResolved { return q.resolved }

// Queue performs the full intake sequence from spec.md §4.6: resolve qty,
// annotate risk, persist, emit. Idempotent on (source, source_ref).
func (q *Queue) Queue(intent Intent) (*sot.PendingOrder, error) {
	qty, err := q.resolveQty(intent)
	if err != nil {
		return nil, err
	}

	riskNote := ""
	if q.views != nil {
		view, err := q.views.PositionView()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", paperr.ErrInternal, err)
		}
		riskNote = q.risk.Annotate(view, intent.Symbol, qty, intent.Price)
	}

	po, created, err := q.store.QueuePending(sot.PendingIntent{
		Symbol:       intent.Symbol,
		Side:         intent.Side,
		OrderType:    intent.OrderType,
		Quantity:     qty,
		Price:        intent.Price,
		StopPrice:    intent.StopPrice,
		Source:       intent.Source,
		SourceRef:    intent.SourceRef,
		StrategyName: intent.StrategyName,
		Confidence:   intent.Confidence,
		RiskNote:     riskNote,
		CreatedAt:    time.Now().UTC(),
	})
	if err != nil {
		return nil, err
	}

	if created {
		q.emitQueued(PendingQueued{Order: *po})
	}
	return po, nil
}

func (q *Queue) resolveQty(intent Intent) (decimal.Decimal, error) {
	if intent.Quantity.Valid && intent.Quantity.Decimal.IsPositive() {
		return intent.Quantity.Decimal, nil
	}
	if !intent.Pips.Valid {
		return decimal.Zero, fmt.Errorf("%w: intent has neither quantity nor pips", paperr.ErrValidation)
	}
	if q.prices == nil {
		return decimal.Zero, fmt.Errorf("%w: pip resolution requires a price source", paperr.ErrValidation)
	}
	info, err := q.prices.ExchangeInfo(context.Background(), intent.Symbol)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %v", paperr.ErrValidation, err)
	}
	return q.risk.ResolveQty(intent.Pips.Decimal, money.Step{
		MinQty: info.MinQty, MaxQty: info.MaxQty, StepSize: info.StepSize, PriceStep: info.PriceStep,
	})
}

// Approve CAS-transitions PENDING → APPROVED and hands off to C7. On
// execution failure the PendingOrder reverts to PENDING with an error
// note and an incremented attempt_count, per spec.md §4.6.
func (q *Queue) Approve(id uint64, reviewer, note string) (*sot.PendingOrder, error) {
	po, err := q.store.MarkPending(id, sot.PendingStatusApproved, reviewer, note)
	if err != nil {
		return nil, err
	}

	order, execErr := q.executor.ExecuteApproved(po)
	if execErr != nil {
		if revertErr := q.store.RevertToPending(id, execErr.Error()); revertErr != nil {
			return nil, fmt.Errorf("%w: execution failed (%v) and revert failed: %v", paperr.ErrInternal, execErr, revertErr)
		}
		return nil, execErr
	}
	_ = order

	if err := q.store.MarkExecuted(id); err != nil {
		return nil, err
	}

	final, err := q.store.GetPendingOrder(id)
	if err != nil {
		return nil, err
	}
	q.emitResolved(PendingResolved{Order: *final, Approved: true})
	return final, nil
}

// Reject CAS-transitions PENDING → REJECTED and emits PendingResolved for
// every rejection; C8's rejection hook picks out PYRAMID-sourced orders to
// stop their session.
func (q *Queue) Reject(id uint64, reviewer, reason string) (*sot.PendingOrder, error) {
	po, err := q.store.MarkPending(id, sot.PendingStatusRejected, reviewer, reason)
	if err != nil {
		return nil, err
	}
	q.emitResolved(PendingResolved{Order: *po, Approved: false, Reason: reason})
	return po, nil
}

// List proxies to the store's filtered listing (spec.md §4.6 "list(filters)").
func (q *Queue) List(f sot.PendingFilter) ([]sot.PendingOrder, error) {
	return q.store.ListPendingOrders(f)
}

func (q *Queue) emitQueued(ev PendingQueued) {
	select {
	case q.queued <- ev:
	default:
	}
}

func (q *Queue) emitResolved(ev PendingResolved) {
	select {
	case q.resolved <- ev:
	default:
	}
}
