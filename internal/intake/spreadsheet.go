// Package intake implements the spreadsheet-intake path from an external
// collaborator into C6 (spec.md §6): rows of (client_order_id, symbol,
// side?, qty, price) from a "purchase order" sheet, BUY defaulted, side
// tokens BUY/SELL and localized MUA/BÁN recognized case-insensitively.
// Malformed rows are skipped with a per-row error; the batch continues —
// no library in the reference corpus parses spreadsheet formats, so this
// reads the sheet already exported to CSV (the tabular shape "purchase
// order" rows reduce to) via the standard library's encoding/csv, per
// DESIGN.md's no-fabricated-dependency rule.
package intake

import (
	"encoding/csv"
	"fmt"
	"io"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/paperdesk/engine/internal/pending"
	"github.com/paperdesk/engine/internal/sot"
)

// RowError describes one skipped row; the batch continues past it.
type RowError struct {
	Row int
	Err error
}

func (e RowError) Error() string { return fmt.Sprintf("row %d: %v", e.Row, e.Err) }

// Result summarizes one batch ingest.
type Result struct {
	Queued []*sot.PendingOrder
	Errors []RowError
}

// Queuer is the subset of *pending.Queue this package depends on.
type Queuer interface {
	Queue(intent pending.Intent) (*sot.PendingOrder, error)
}

// expected header: client_order_id,symbol,side,qty,price (side optional).
const (
	colClientOrderID = 0
	colSymbol        = 1
	colSide          = 2
	colQty           = 3
	colPrice         = 4
)

func normalizeSide(raw string) (string, error) {
	if raw == "" {
		return sot.SideBuy, nil
	}
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "BUY", "MUA":
		return sot.SideBuy, nil
	case "SELL", "BÁN", "BAN":
		return sot.SideSell, nil
	default:
		return "", fmt.Errorf("unrecognized side token %q", raw)
	}
}

// Ingest reads r as a CSV export of the "purchase order" sheet and queues
// one pending intent per valid row via q.Queue. A row that is missing
// fields or has a non-numeric qty/price is recorded in Result.Errors and
// skipped — it never aborts the batch. The header row, if present (first
// cell is not a numeric client_order_id lookalike), should be stripped by
// the caller before calling Ingest; this keeps the function header-agnostic
// for callers that already strip it.
func Ingest(r io.Reader, q Queuer) (Result, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	var res Result
	rowNum := 0
	for {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return res, fmt.Errorf("intake: csv read: %w", err)
		}
		rowNum++

		if len(record) <= colPrice {
			res.Errors = append(res.Errors, RowError{Row: rowNum, Err: fmt.Errorf("expected at least %d columns, got %d", colPrice+1, len(record))})
			continue
		}

		clientOrderID := strings.TrimSpace(record[colClientOrderID])
		symbol := strings.TrimSpace(record[colSymbol])
		if clientOrderID == "" || symbol == "" {
			res.Errors = append(res.Errors, RowError{Row: rowNum, Err: fmt.Errorf("missing client_order_id or symbol")})
			continue
		}

		side, err := normalizeSide(record[colSide])
		if err != nil {
			res.Errors = append(res.Errors, RowError{Row: rowNum, Err: err})
			continue
		}

		qty, err := decimal.NewFromString(strings.TrimSpace(record[colQty]))
		if err != nil {
			res.Errors = append(res.Errors, RowError{Row: rowNum, Err: fmt.Errorf("non-numeric qty %q", record[colQty])})
			continue
		}
		price, err := decimal.NewFromString(strings.TrimSpace(record[colPrice]))
		if err != nil {
			res.Errors = append(res.Errors, RowError{Row: rowNum, Err: fmt.Errorf("non-numeric price %q", record[colPrice])})
			continue
		}

		po, err := q.Queue(pending.Intent{
			Symbol:    symbol,
			Side:      side,
			OrderType: sot.OrderTypeLimit,
			Quantity:  decimal.NewNullDecimal(qty),
			Price:     price,
			Source:    sot.SourceSpreadsheet,
			SourceRef: clientOrderID,
		})
		if err != nil {
			res.Errors = append(res.Errors, RowError{Row: rowNum, Err: err})
			continue
		}
		res.Queued = append(res.Queued, po)
	}
	return res, nil
}
