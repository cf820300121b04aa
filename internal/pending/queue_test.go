package pending

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/paperdesk/engine/internal/paperr"
	"github.com/paperdesk/engine/internal/risk"
	"github.com/paperdesk/engine/internal/sot"
)

type fakeExecutor struct {
	shouldFail bool
	calls      int
}

func (e *fakeExecutor) ExecuteApproved(po *sot.PendingOrder) (*sot.Order, error) {
	e.calls++
	if e.shouldFail {
		return nil, errors.New("simulated execution failure")
	}
	return &sot.Order{ID: po.ID, Symbol: po.Symbol}, nil
}

type fakeViews struct {
	view risk.PositionView
	err  error
}

func (v fakeViews) PositionView() (risk.PositionView, error) { return v.view, v.err }

func newTestQueue(t *testing.T, executor Executor) *Queue {
	t.Helper()
	dir := t.TempDir()
	store, err := sot.Open(filepath.Join(dir, "sot.db"))
	if err != nil {
		t.Fatalf("sot.Open: %v", err)
	}
	riskEngine := risk.NewEngine(decimal.NewFromInt(1), decimal.NewFromInt(10), decimal.NewFromInt(5))
	return New(store, riskEngine, nil, fakeViews{view: risk.PositionView{}}, executor)
}

func TestQueueWithExplicitQuantity(t *testing.T) {
	t.Parallel()
	q := newTestQueue(t, &fakeExecutor{})
	po, err := q.Queue(Intent{
		Symbol: "BTCUSD", Side: sot.SideBuy, OrderType: sot.OrderTypeMarket,
		Quantity: decimal.NewNullDecimal(decimal.NewFromInt(1)), Price: decimal.NewFromInt(100),
		Source: sot.SourceStrategy,
	})
	if err != nil {
		t.Fatalf("Queue: %v", err)
	}
	if po.Status != sot.PendingStatusPending {
		t.Errorf("Status = %q, want PENDING", po.Status)
	}
	if !po.Quantity.Equal(decimal.NewFromInt(1)) {
		t.Errorf("Quantity = %s, want 1", po.Quantity)
	}
}

func TestQueueWithoutQuantityOrPipsIsValidationError(t *testing.T) {
	t.Parallel()
	q := newTestQueue(t, &fakeExecutor{})
	_, err := q.Queue(Intent{Symbol: "BTCUSD", Side: sot.SideBuy, OrderType: sot.OrderTypeMarket, Source: sot.SourceStrategy})
	if !errors.Is(err, paperr.ErrValidation) {
		t.Errorf("Queue with neither quantity nor pips = %v, want ErrValidation", err)
	}
}

func TestQueueEmitsQueuedEventOnlyOnce(t *testing.T) {
	t.Parallel()
	q := newTestQueue(t, &fakeExecutor{})
	intent := Intent{
		Symbol: "BTCUSD", Side: sot.SideBuy, OrderType: sot.OrderTypeMarket,
		Quantity: decimal.NewNullDecimal(decimal.NewFromInt(1)), Price: decimal.NewFromInt(100),
		Source: sot.SourceSpreadsheet, SourceRef: "row-1",
	}
	if _, err := q.Queue(intent); err != nil {
		t.Fatalf("first Queue: %v", err)
	}
	if _, err := q.Queue(intent); err != nil {
		t.Fatalf("duplicate Queue: %v", err)
	}

	count := 0
drain:
	for {
		select {
		case <-q.Queued():
			count++
		default:
			break drain
		}
	}
	if count != 1 {
		t.Errorf("Queued() fired %d times for one created + one duplicate call, want exactly 1", count)
	}
}

func TestApproveExecutesAndMarksExecuted(t *testing.T) {
	t.Parallel()
	exec := &fakeExecutor{}
	q := newTestQueue(t, exec)
	po, err := q.Queue(Intent{
		Symbol: "BTCUSD", Side: sot.SideBuy, OrderType: sot.OrderTypeMarket,
		Quantity: decimal.NewNullDecimal(decimal.NewFromInt(1)), Price: decimal.NewFromInt(100),
		Source: sot.SourceStrategy,
	})
	if err != nil {
		t.Fatalf("Queue: %v", err)
	}

	final, err := q.Approve(po.ID, "alice", "ok")
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if final.Status != sot.PendingStatusExecuted {
		t.Errorf("Status after Approve = %q, want EXECUTED", final.Status)
	}
	if exec.calls != 1 {
		t.Errorf("executor called %d times, want 1", exec.calls)
	}

	select {
	case ev := <-q.Resolved():
		if !ev.Approved {
			t.Error("PendingResolved.Approved should be true after a successful Approve")
		}
	default:
		t.Error("Approve should emit a PendingResolved event")
	}
}

func TestApproveRevertsToPendingOnExecutionFailure(t *testing.T) {
	t.Parallel()
	exec := &fakeExecutor{shouldFail: true}
	q := newTestQueue(t, exec)
	po, err := q.Queue(Intent{
		Symbol: "BTCUSD", Side: sot.SideBuy, OrderType: sot.OrderTypeMarket,
		Quantity: decimal.NewNullDecimal(decimal.NewFromInt(1)), Price: decimal.NewFromInt(100),
		Source: sot.SourceStrategy,
	})
	if err != nil {
		t.Fatalf("Queue: %v", err)
	}

	_, err = q.Approve(po.ID, "alice", "ok")
	if err == nil {
		t.Fatal("Approve should surface the executor's error")
	}

	reverted, getErr := q.store.GetPendingOrder(po.ID)
	if getErr != nil {
		t.Fatalf("GetPendingOrder: %v", getErr)
	}
	if reverted.Status != sot.PendingStatusPending {
		t.Errorf("Status after failed execution = %q, want reverted to PENDING", reverted.Status)
	}
	if reverted.AttemptCount != 1 {
		t.Errorf("AttemptCount after failed execution = %d, want 1", reverted.AttemptCount)
	}
}

func TestRejectEmitsResolvedWithReason(t *testing.T) {
	t.Parallel()
	q := newTestQueue(t, &fakeExecutor{})
	po, err := q.Queue(Intent{
		Symbol: "BTCUSD", Side: sot.SideSell, OrderType: sot.OrderTypeMarket,
		Quantity: decimal.NewNullDecimal(decimal.NewFromInt(1)), Price: decimal.NewFromInt(100),
		Source: sot.SourcePyramid,
	})
	if err != nil {
		t.Fatalf("Queue: %v", err)
	}

	final, err := q.Reject(po.ID, "bob", "insufficient conviction")
	if err != nil {
		t.Fatalf("Reject: %v", err)
	}
	if final.Status != sot.PendingStatusRejected {
		t.Errorf("Status after Reject = %q, want REJECTED", final.Status)
	}

	select {
	case ev := <-q.Resolved():
		if ev.Approved {
			t.Error("PendingResolved.Approved should be false after Reject")
		}
		if ev.Reason != "insufficient conviction" {
			t.Errorf("PendingResolved.Reason = %q, want %q", ev.Reason, "insufficient conviction")
		}
	default:
		t.Error("Reject should emit a PendingResolved event")
	}
}

func TestQueueAnnotatesRiskNoteWithoutBlocking(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	store, err := openTestStore(t, dir)
	if err != nil {
		t.Fatalf("openTestStore: %v", err)
	}
	riskEngine := risk.NewEngine(decimal.NewFromInt(1), decimal.NewFromInt(1), decimal.NewFromInt(100))
	// Equity 1000, max position 1% -> any sizeable order trips the note, but
	// queuing must still succeed (RiskViolation never blocks, spec.md §4.5/§7).
	views := fakeViews{view: risk.PositionView{Equity: decimal.NewFromInt(1000)}}
	q := New(store, riskEngine, nil, views, &fakeExecutor{})

	po, err := q.Queue(Intent{
		Symbol: "BTCUSD", Side: sot.SideBuy, OrderType: sot.OrderTypeMarket,
		Quantity: decimal.NewNullDecimal(decimal.NewFromInt(1)), Price: decimal.NewFromInt(500),
		Source: sot.SourceStrategy,
	})
	if err != nil {
		t.Fatalf("Queue should never block on a risk violation, got error: %v", err)
	}
	if po.RiskNote == "" {
		t.Error("Queue should annotate RiskNote when the position-size check fails")
	}
}

func openTestStore(t *testing.T, dir string) (*sot.Store, error) {
	t.Helper()
	return sot.Open(filepath.Join(dir, "sot.db"))
}
