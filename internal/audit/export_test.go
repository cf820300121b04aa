package audit

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/paperdesk/engine/internal/paperr"
	"github.com/paperdesk/engine/internal/sot"
)

type fakeOrderLookup struct {
	fills       []sot.Fill
	order       sot.Order
	failLookup  bool
	lookupCalls int
}

func (l *fakeOrderLookup) GetOrder(id uint64) (*sot.Order, error) {
	l.lookupCalls++
	if l.failLookup {
		return nil, paperr.ErrNotFound
	}
	o := l.order
	return &o, nil
}

func (l *fakeOrderLookup) ListAllFillsSince(since time.Time) ([]sot.Fill, error) {
	var out []sot.Fill
	for _, f := range l.fills {
		if !f.FilledAt.Before(since) {
			out = append(out, f)
		}
	}
	return out, nil
}

func TestExportOnceAdvancesWatermarkToLastExportedFill(t *testing.T) {
	t.Parallel()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store := &fakeOrderLookup{
		order: sot.Order{ClientOrderID: "coid-1", Symbol: "BTCUSD", Side: sot.SideBuy},
		fills: []sot.Fill{
			{ID: 1, OrderID: 1, FillQty: decimal.NewFromInt(1), FillPrice: decimal.NewFromInt(100), EffectivePrice: decimal.NewFromInt(100), FilledAt: base.Add(time.Minute)},
			{ID: 2, OrderID: 1, FillQty: decimal.NewFromInt(1), FillPrice: decimal.NewFromInt(101), EffectivePrice: decimal.NewFromInt(101), FilledAt: base.Add(2 * time.Minute)},
		},
	}
	exp := NewExporter(store, filepath.Join(t.TempDir(), "fills.parquet"), zerolog.Nop())

	if err := exp.ExportOnce(); err != nil {
		t.Fatalf("ExportOnce: %v", err)
	}
	if !exp.lastSeen.Equal(base.Add(2 * time.Minute)) {
		t.Errorf("lastSeen = %v, want %v (last exported fill's FilledAt)", exp.lastSeen, base.Add(2*time.Minute))
	}
}

// A second tick with no new fills since the watermark must not re-export
// the fill already written (ListAllFillsSince is inclusive of lastSeen;
// ExportOnce must filter out the boundary fill itself).
func TestExportOnceSkipsAlreadyExportedBoundaryFill(t *testing.T) {
	t.Parallel()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store := &fakeOrderLookup{
		order: sot.Order{ClientOrderID: "coid-1", Symbol: "BTCUSD", Side: sot.SideBuy},
		fills: []sot.Fill{
			{ID: 1, OrderID: 1, FillQty: decimal.NewFromInt(1), FillPrice: decimal.NewFromInt(100), EffectivePrice: decimal.NewFromInt(100), FilledAt: base.Add(time.Minute)},
		},
	}
	exp := NewExporter(store, filepath.Join(t.TempDir(), "fills.parquet"), zerolog.Nop())
	if err := exp.ExportOnce(); err != nil {
		t.Fatalf("first ExportOnce: %v", err)
	}
	firstWatermark := exp.lastSeen

	// No new fills arrive; a second tick that re-queries ListAllFillsSince
	// (inclusive) should filter the already-exported fill back out and
	// leave the watermark untouched.
	if err := exp.ExportOnce(); err != nil {
		t.Fatalf("second ExportOnce: %v", err)
	}
	if !exp.lastSeen.Equal(firstWatermark) {
		t.Errorf("lastSeen after a no-op tick = %v, want unchanged %v", exp.lastSeen, firstWatermark)
	}
}

func TestExportOnceWithNoFillsIsNoop(t *testing.T) {
	t.Parallel()
	store := &fakeOrderLookup{}
	exp := NewExporter(store, filepath.Join(t.TempDir(), "fills.parquet"), zerolog.Nop())
	if err := exp.ExportOnce(); err != nil {
		t.Fatalf("ExportOnce with zero fills: %v", err)
	}
	if !exp.lastSeen.IsZero() {
		t.Errorf("lastSeen after a no-fill tick = %v, want unchanged zero value", exp.lastSeen)
	}
}

// A fill whose order lookup fails should still export with blank order
// columns rather than dropping the fill or aborting the tick.
func TestExportOnceToleratesOrderLookupFailureGracefully(t *testing.T) {
	t.Parallel()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store := &fakeOrderLookup{
		failLookup: true,
		fills: []sot.Fill{
			{ID: 1, OrderID: 999, FillQty: decimal.NewFromInt(1), FillPrice: decimal.NewFromInt(100), EffectivePrice: decimal.NewFromInt(100), FilledAt: base.Add(time.Minute)},
		},
	}
	exp := NewExporter(store, filepath.Join(t.TempDir(), "fills.parquet"), zerolog.Nop())
	if err := exp.ExportOnce(); err != nil {
		t.Fatalf("ExportOnce should tolerate a GetOrder failure: %v", err)
	}
	if !exp.lastSeen.Equal(base.Add(time.Minute)) {
		t.Errorf("lastSeen = %v, want %v even when order lookup fails", exp.lastSeen, base.Add(time.Minute))
	}
}
