package ts

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/paperdesk/engine/internal/sot"
)

func newTestTSStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "ts.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

func newTestSOTStore(t *testing.T) *sot.Store {
	t.Helper()
	dir := t.TempDir()
	s, err := sot.Open(filepath.Join(dir, "sot.db"))
	if err != nil {
		t.Fatalf("sot.Open: %v", err)
	}
	return s
}

func TestApplyFillBuyWeightedAveragePrice(t *testing.T) {
	t.Parallel()
	s := newTestTSStore(t)
	now := time.Now().UTC()

	if err := s.ApplyFill(FillApplied{
		Symbol: "BTCUSD", Side: sot.SideBuy, OrderID: 1,
		FillQty: decimal.NewFromInt(1), EffectivePrice: decimal.NewFromInt(100), FilledAt: now,
	}); err != nil {
		t.Fatalf("first ApplyFill: %v", err)
	}
	if err := s.ApplyFill(FillApplied{
		Symbol: "BTCUSD", Side: sot.SideBuy, OrderID: 2,
		FillQty: decimal.NewFromInt(1), EffectivePrice: decimal.NewFromInt(200), FilledAt: now,
	}); err != nil {
		t.Fatalf("second ApplyFill: %v", err)
	}

	pos, err := s.GetPosition("BTCUSD")
	if err != nil {
		t.Fatalf("GetPosition: %v", err)
	}
	wantQty := decimal.NewFromInt(2)
	wantAvg := decimal.NewFromInt(150) // (1*100 + 1*200) / 2
	if !pos.Quantity.Equal(wantQty) {
		t.Errorf("Quantity = %s, want %s", pos.Quantity, wantQty)
	}
	if !pos.AvgEntryPrice.Equal(wantAvg) {
		t.Errorf("AvgEntryPrice = %s, want %s", pos.AvgEntryPrice, wantAvg)
	}
}

func TestApplyFillSellRealizesExpectedPnL(t *testing.T) {
	t.Parallel()
	s := newTestTSStore(t)
	now := time.Now().UTC()

	if err := s.ApplyFill(FillApplied{
		Symbol: "BTCUSD", Side: sot.SideBuy, OrderID: 1,
		FillQty: decimal.NewFromInt(2), EffectivePrice: decimal.NewFromInt(100), FilledAt: now,
	}); err != nil {
		t.Fatalf("buy ApplyFill: %v", err)
	}

	if err := s.ApplyFill(FillApplied{
		Symbol: "BTCUSD", Side: sot.SideSell, OrderID: 2,
		FillQty: decimal.NewFromInt(1), EffectivePrice: decimal.NewFromInt(150), Fees: decimal.NewFromFloat(0.5), FilledAt: now,
	}); err != nil {
		t.Fatalf("sell ApplyFill: %v", err)
	}

	pos, err := s.GetPosition("BTCUSD")
	if err != nil {
		t.Fatalf("GetPosition: %v", err)
	}
	// realized = (150 - 100) * 1 - 0.5 = 49.5
	wantPnL := decimal.NewFromFloat(49.5)
	if !pos.RealizedPnL.Equal(wantPnL) {
		t.Errorf("RealizedPnL = %s, want %s", pos.RealizedPnL, wantPnL)
	}
	wantQty := decimal.NewFromInt(1)
	if !pos.Quantity.Equal(wantQty) {
		t.Errorf("Quantity after partial sell = %s, want %s", pos.Quantity, wantQty)
	}

	trades, err := s.ListTrades(TradeFilter{Symbol: "BTCUSD"})
	if err != nil {
		t.Fatalf("ListTrades: %v", err)
	}
	if len(trades) != 1 {
		t.Fatalf("len(trades) = %d, want 1", len(trades))
	}
	if trades[0].Status != TradeStatusPartial {
		t.Errorf("Trade.Status = %q, want PARTIAL after a partial exit", trades[0].Status)
	}
}

// spec.md §4.4: total_fees = Σ fees(entry_fills) + Σ fees(exit_fills). A
// nonzero entry-fill fee (e.g. a MAKER BUY fee) must be folded into
// TradePnL.TotalFees, not just Position.TotalCost.
func TestApplyFillFoldsEntryFeeIntoTradePnLTotalFees(t *testing.T) {
	t.Parallel()
	s := newTestTSStore(t)
	now := time.Now().UTC()

	if err := s.ApplyFill(FillApplied{
		Symbol: "BTCUSD", Side: sot.SideBuy, OrderID: 1,
		FillQty: decimal.NewFromInt(2), EffectivePrice: decimal.NewFromInt(100),
		Fees: decimal.NewFromFloat(0.2), FilledAt: now,
	}); err != nil {
		t.Fatalf("buy ApplyFill: %v", err)
	}

	if err := s.ApplyFill(FillApplied{
		Symbol: "BTCUSD", Side: sot.SideSell, OrderID: 2,
		FillQty: decimal.NewFromInt(2), EffectivePrice: decimal.NewFromInt(150),
		Fees: decimal.NewFromFloat(0.5), FilledAt: now,
	}); err != nil {
		t.Fatalf("sell ApplyFill: %v", err)
	}

	trades, err := s.ListTrades(TradeFilter{Symbol: "BTCUSD"})
	if err != nil {
		t.Fatalf("ListTrades: %v", err)
	}
	if len(trades) != 1 {
		t.Fatalf("len(trades) = %d, want 1", len(trades))
	}
	if !trades[0].EntryFees.Equal(decimal.NewFromFloat(0.2)) {
		t.Errorf("Trade.EntryFees = %s, want 0.2", trades[0].EntryFees)
	}

	var pnl TradePnL
	if err := s.db.Where("trade_id = ?", trades[0].ID).First(&pnl).Error; err != nil {
		t.Fatalf("loading TradePnL: %v", err)
	}
	// total_fees = entry 0.2 + exit 0.5 = 0.7
	wantFees := decimal.NewFromFloat(0.7)
	if !pnl.TotalFees.Equal(wantFees) {
		t.Errorf("TradePnL.TotalFees = %s, want %s", pnl.TotalFees, wantFees)
	}
	// gross = (150-100)*2 = 100; net = 100 - 0.7 = 99.3
	wantNet := decimal.NewFromFloat(99.3)
	if !pnl.NetPnL.Equal(wantNet) {
		t.Errorf("TradePnL.NetPnL = %s, want %s", pnl.NetPnL, wantNet)
	}
}

func TestApplyFillSellToFlatClosesTrade(t *testing.T) {
	t.Parallel()
	s := newTestTSStore(t)
	now := time.Now().UTC()

	if err := s.ApplyFill(FillApplied{
		Symbol: "ETHUSD", Side: sot.SideBuy, OrderID: 1,
		FillQty: decimal.NewFromInt(1), EffectivePrice: decimal.NewFromInt(10), FilledAt: now,
	}); err != nil {
		t.Fatalf("buy ApplyFill: %v", err)
	}
	if err := s.ApplyFill(FillApplied{
		Symbol: "ETHUSD", Side: sot.SideSell, OrderID: 2,
		FillQty: decimal.NewFromInt(1), EffectivePrice: decimal.NewFromInt(12), FilledAt: now.Add(time.Minute),
	}); err != nil {
		t.Fatalf("sell ApplyFill: %v", err)
	}

	pos, err := s.GetPosition("ETHUSD")
	if err != nil {
		t.Fatalf("GetPosition: %v", err)
	}
	if !pos.Quantity.IsZero() {
		t.Errorf("Quantity after full exit = %s, want 0", pos.Quantity)
	}
	if !pos.AvgEntryPrice.IsZero() {
		t.Errorf("AvgEntryPrice after flat = %s, want 0", pos.AvgEntryPrice)
	}

	trades, err := s.ListTrades(TradeFilter{Symbol: "ETHUSD"})
	if err != nil {
		t.Fatalf("ListTrades: %v", err)
	}
	if len(trades) != 1 || trades[0].Status != TradeStatusClosed {
		t.Fatalf("trades = %+v, want exactly one CLOSED trade", trades)
	}
	if trades[0].CurrentQty.Sign() != 0 {
		t.Errorf("CurrentQty on a closed trade = %s, want 0", trades[0].CurrentQty)
	}
}

// RebuildFromSOT replaying the same fills through the same fold logic must
// produce byte-identical aggregates to the incrementally-maintained ones
// (spec.md §8 property 10, the "rebuild_from_sot" round-trip law).
func TestRebuildFromSOTMatchesIncrementalState(t *testing.T) {
	t.Parallel()
	sotStore := newTestSOTStore(t)
	tsStore := newTestTSStore(t)

	order, _, err := sotStore.AppendOrder(sot.NewOrder{
		ClientOrderID: "coid-rebuild-1", Symbol: "BTCUSD", Side: sot.SideBuy, OrderType: sot.OrderTypeMarket,
		Qty: decimal.NewFromInt(3), Price: decimal.NewFromInt(100), Status: sot.OrderStatusNew, SubmittedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("AppendOrder buy: %v", err)
	}
	fill1, err := sotStore.AppendFill(sot.NewFill{
		OrderID: order.ID, FillQty: decimal.NewFromInt(3), FillPrice: decimal.NewFromInt(100),
		EffectivePrice: decimal.NewFromInt(100), Liquidity: sot.LiquidityTaker,
		NewStatus: sot.OrderStatusFilled, NewRemainingQty: decimal.Zero,
	})
	if err != nil {
		t.Fatalf("AppendFill buy: %v", err)
	}

	sellOrder, _, err := sotStore.AppendOrder(sot.NewOrder{
		ClientOrderID: "coid-rebuild-2", Symbol: "BTCUSD", Side: sot.SideSell, OrderType: sot.OrderTypeMarket,
		Qty: decimal.NewFromInt(2), Price: decimal.NewFromInt(120), Status: sot.OrderStatusNew, SubmittedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("AppendOrder sell: %v", err)
	}
	fill2, err := sotStore.AppendFill(sot.NewFill{
		OrderID: sellOrder.ID, FillQty: decimal.NewFromInt(2), FillPrice: decimal.NewFromInt(120),
		EffectivePrice: decimal.NewFromInt(120), Fees: decimal.NewFromFloat(1), Liquidity: sot.LiquidityMaker,
		NewStatus: sot.OrderStatusFilled, NewRemainingQty: decimal.Zero,
	})
	if err != nil {
		t.Fatalf("AppendFill sell: %v", err)
	}

	// Apply incrementally, exactly as the coordinator would.
	if err := tsStore.ApplyFill(FillApplied{
		Symbol: order.Symbol, Side: order.Side, OrderID: order.ID,
		FillQty: fill1.FillQty, EffectivePrice: fill1.EffectivePrice, Fees: fill1.Fees, FilledAt: fill1.FilledAt,
	}); err != nil {
		t.Fatalf("incremental ApplyFill 1: %v", err)
	}
	if err := tsStore.ApplyFill(FillApplied{
		Symbol: sellOrder.Symbol, Side: sellOrder.Side, OrderID: sellOrder.ID,
		FillQty: fill2.FillQty, EffectivePrice: fill2.EffectivePrice, Fees: fill2.Fees, FilledAt: fill2.FilledAt,
	}); err != nil {
		t.Fatalf("incremental ApplyFill 2: %v", err)
	}

	incrementalPos, err := tsStore.GetPosition("BTCUSD")
	if err != nil {
		t.Fatalf("GetPosition incremental: %v", err)
	}

	if err := tsStore.RebuildFromSOT(sotStore); err != nil {
		t.Fatalf("RebuildFromSOT: %v", err)
	}

	rebuiltPos, err := tsStore.GetPosition("BTCUSD")
	if err != nil {
		t.Fatalf("GetPosition rebuilt: %v", err)
	}

	if !rebuiltPos.Quantity.Equal(incrementalPos.Quantity) {
		t.Errorf("rebuilt Quantity = %s, want %s (incremental)", rebuiltPos.Quantity, incrementalPos.Quantity)
	}
	if !rebuiltPos.AvgEntryPrice.Equal(incrementalPos.AvgEntryPrice) {
		t.Errorf("rebuilt AvgEntryPrice = %s, want %s (incremental)", rebuiltPos.AvgEntryPrice, incrementalPos.AvgEntryPrice)
	}
	if !rebuiltPos.RealizedPnL.Equal(incrementalPos.RealizedPnL) {
		t.Errorf("rebuilt RealizedPnL = %s, want %s (incremental)", rebuiltPos.RealizedPnL, incrementalPos.RealizedPnL)
	}
}

// Three-step scale-out (spec.md §8 scenario E2): BUY 10 @ 100, then SELL 3
// @ 110, SELL 4 @ 120, SELL 2 @ 130, SELL 1 @ 140 (final close). Expected
// cumulative realized_pnl after each SELL: 30, 110, 170, 210; final
// Position flat with realized_pnl=210; Trade transitions OPEN -> PARTIAL ->
// ... -> CLOSED.
func TestThreeStepScaleOutRealizedPnLSequence(t *testing.T) {
	t.Parallel()
	s := newTestTSStore(t)
	now := time.Now().UTC()

	if err := s.ApplyFill(FillApplied{
		Symbol: "BTCUSD", Side: sot.SideBuy, OrderID: 1,
		FillQty: decimal.NewFromInt(10), EffectivePrice: decimal.NewFromInt(100), FilledAt: now,
	}); err != nil {
		t.Fatalf("buy ApplyFill: %v", err)
	}

	sells := []struct {
		qty, price int64
		wantPnL    float64
	}{
		{3, 110, 30},
		{4, 120, 110},
		{2, 130, 170},
		{1, 140, 210},
	}
	for i, leg := range sells {
		if err := s.ApplyFill(FillApplied{
			Symbol: "BTCUSD", Side: sot.SideSell, OrderID: uint64(2 + i),
			FillQty: decimal.NewFromInt(leg.qty), EffectivePrice: decimal.NewFromInt(leg.price),
			FilledAt: now.Add(time.Duration(i+1) * time.Minute),
		}); err != nil {
			t.Fatalf("sell leg %d ApplyFill: %v", i, err)
		}
		pos, err := s.GetPosition("BTCUSD")
		if err != nil {
			t.Fatalf("GetPosition after leg %d: %v", i, err)
		}
		want := decimal.NewFromFloat(leg.wantPnL)
		if !pos.RealizedPnL.Equal(want) {
			t.Errorf("RealizedPnL after sell leg %d (qty=%d @ %d) = %s, want %s", i, leg.qty, leg.price, pos.RealizedPnL, want)
		}
	}

	final, err := s.GetPosition("BTCUSD")
	if err != nil {
		t.Fatalf("GetPosition final: %v", err)
	}
	if !final.Quantity.IsZero() || !final.AvgEntryPrice.IsZero() {
		t.Errorf("final Position = %+v, want flat (qty=0, avg=0)", final)
	}
	if !final.RealizedPnL.Equal(decimal.NewFromInt(210)) {
		t.Errorf("final RealizedPnL = %s, want 210", final.RealizedPnL)
	}

	trades, err := s.ListTrades(TradeFilter{Symbol: "BTCUSD"})
	if err != nil {
		t.Fatalf("ListTrades: %v", err)
	}
	if len(trades) != 1 || trades[0].Status != TradeStatusClosed {
		t.Fatalf("trades = %+v, want exactly one CLOSED trade after the final leg flattens the position", trades)
	}
}

func TestGetPositionDefaultsToZeroForUnknownSymbol(t *testing.T) {
	t.Parallel()
	s := newTestTSStore(t)
	pos, err := s.GetPosition("NOSUCHSYMBOL")
	if err != nil {
		t.Fatalf("GetPosition: %v", err)
	}
	if !pos.Quantity.IsZero() || !pos.AvgEntryPrice.IsZero() {
		t.Errorf("GetPosition on unknown symbol should default to zero, got %+v", pos)
	}
}
