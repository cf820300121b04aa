// Package audit implements C12's offline reporting side effect: a
// ticker-driven exporter that periodically writes newly-appended SOT fills
// to a columnar Parquet file, grounded on autovant-trading-bot's
// replay_service.go parquet read/write pattern (parquet-go-source/local +
// a parquet-tagged row struct). Export never blocks or gates core writes —
// a failed tick is logged and retried on the next one, the same failure
// posture spec.md gives the price source.
package audit

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/writer"

	"github.com/paperdesk/engine/internal/sot"
)

// fillRow is the flattened, parquet-tagged shape of one exported fill —
// mirrors replay_service.go's parquetRow, adapted from OHLCV candles to
// fill facts.
type fillRow struct {
	FillID         uint64  `parquet:"name=fill_id, type=INT64"`
	OrderID        uint64  `parquet:"name=order_id, type=INT64"`
	ClientOrderID  string  `parquet:"name=client_order_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Symbol         string  `parquet:"name=symbol, type=BYTE_ARRAY, convertedtype=UTF8"`
	Side           string  `parquet:"name=side, type=BYTE_ARRAY, convertedtype=UTF8"`
	FillQty        float64 `parquet:"name=fill_qty, type=DOUBLE"`
	FillPrice      float64 `parquet:"name=fill_price, type=DOUBLE"`
	EffectivePrice float64 `parquet:"name=effective_price, type=DOUBLE"`
	Fees           float64 `parquet:"name=fees, type=DOUBLE"`
	SlippageAmount float64 `parquet:"name=slippage_amount, type=DOUBLE"`
	Liquidity      string  `parquet:"name=liquidity, type=BYTE_ARRAY, convertedtype=UTF8"`
	FilledAtUnixMs int64   `parquet:"name=filled_at_unix_ms, type=INT64"`
}

// OrderLookup resolves a fill's parent order for the symbol/side/client-id
// columns — the audit package never touches sot.Store's transactions
// directly, only its read API.
type OrderLookup interface {
	GetOrder(id uint64) (*sot.Order, error)
	ListAllFillsSince(since time.Time) ([]sot.Fill, error)
}

// Exporter appends newly-seen fills to a Parquet file on each Run tick.
type Exporter struct {
	store    OrderLookup
	path     string
	lastSeen time.Time
	log      zerolog.Logger
}

// NewExporter builds an Exporter writing to path.
func NewExporter(store OrderLookup, path string, log zerolog.Logger) *Exporter {
	return &Exporter{store: store, path: path, log: log}
}

// ExportOnce appends every fill recorded strictly after the last export
// watermark, advancing the watermark only on success so a write failure
// is retried in full next tick.
func (e *Exporter) ExportOnce() error {
	fills, err := e.store.ListAllFillsSince(e.lastSeen)
	if err != nil {
		return err
	}
	// ListAllFillsSince is inclusive of lastSeen; drop the fill we already
	// exported on the previous tick.
	var fresh []sot.Fill
	for _, f := range fills {
		if f.FilledAt.After(e.lastSeen) {
			fresh = append(fresh, f)
		}
	}
	if len(fresh) == 0 {
		return nil
	}

	rows := make([]fillRow, 0, len(fresh))
	for _, f := range fresh {
		row := fillRow{
			FillID:         f.ID,
			OrderID:        f.OrderID,
			FillQty:        mustFloat(f.FillQty),
			FillPrice:      mustFloat(f.FillPrice),
			EffectivePrice: mustFloat(f.EffectivePrice),
			Fees:           mustFloat(f.Fees),
			SlippageAmount: mustFloat(f.SlippageAmount),
			Liquidity:      f.Liquidity,
			FilledAtUnixMs: f.FilledAt.UnixMilli(),
		}
		if order, err := e.store.GetOrder(f.OrderID); err == nil {
			row.ClientOrderID = order.ClientOrderID
			row.Symbol = order.Symbol
			row.Side = order.Side
		} else {
			e.log.Warn().Err(err).Uint64("order_id", f.OrderID).Msg("audit: order lookup failed, exporting fill with blank order columns")
		}
		rows = append(rows, row)
	}

	if err := e.appendRows(rows); err != nil {
		return err
	}
	e.lastSeen = fresh[len(fresh)-1].FilledAt
	e.log.Debug().Int("rows", len(rows)).Str("path", e.path).Msg("audit: exported fills")
	return nil
}

// appendRows opens a fresh writer over path and writes rows. The teacher's
// pack only exercises the parquet reader side; this mirrors that library's
// symmetric writer API (local.NewLocalFileWriter + writer.NewParquetWriter)
// one tick's batch at a time, which keeps each export self-contained and
// avoids holding an open file handle between ticks.
func (e *Exporter) appendRows(rows []fillRow) error {
	fw, err := local.NewLocalFileWriter(e.path)
	if err != nil {
		return err
	}
	defer fw.Close()

	pw, err := writer.NewParquetWriter(fw, new(fillRow), 4)
	if err != nil {
		return err
	}
	for _, row := range rows {
		if err := pw.Write(row); err != nil {
			pw.WriteStop()
			return err
		}
	}
	return pw.WriteStop()
}

func mustFloat(d interface{ Float64() (float64, bool) }) float64 {
	f, _ := d.Float64()
	return f
}

// Run ticks every interval until ctx is cancelled, calling ExportOnce and
// logging (never panicking) on failure.
func (e *Exporter) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.ExportOnce(); err != nil {
				e.log.Warn().Err(err).Msg("audit: export tick failed, will retry next interval")
			}
		}
	}
}
