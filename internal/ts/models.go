// Package ts implements C4: the derived Trading-State store. Everything
// here is rebuildable from C3's append-only facts — positions, trades and
// trade P&L are aggregates, never a second source of truth, per spec.md §3
// "Ownership & lifecycle: TS is a cache of SOT, never the other way
// around".
package ts

import (
	"time"

	"github.com/shopspring/decimal"
)

// Trade status constants (spec.md §3).
const (
	TradeStatusOpen    = "OPEN"
	TradeStatusPartial = "PARTIAL"
	TradeStatusClosed  = "CLOSED"
)

// Position is the current net exposure per symbol, rebuilt by folding
// every Fill in fill ID order (spec.md §3).
type Position struct {
	ID            uint64 `gorm:"primaryKey;autoIncrement"`
	Symbol        string `gorm:"uniqueIndex"`
	Quantity      decimal.Decimal `gorm:"type:decimal(38,12)"`
	AvgEntryPrice decimal.Decimal `gorm:"type:decimal(38,12)"`
	TotalCost     decimal.Decimal `gorm:"type:decimal(38,12)"`
	RealizedPnL   decimal.Decimal `gorm:"type:decimal(38,12)"`
	UpdatedAt     time.Time
}

func (Position) TableName() string { return "positions" }

// Trade groups the entry fill(s) that opened a position with the exit
// fill(s) that closed it — a derived view over order_fills, not a new
// fact source (spec.md §3: "Trade (C4, aggregates Fills into entry/exit
// pairs)").
type Trade struct {
	ID           uint64 `gorm:"primaryKey;autoIncrement"`
	EntryOrderID uint64 `gorm:"index"`
	ExitOrderID  *uint64
	Symbol       string `gorm:"index:idx_trades_symbol_status"`
	Side         string
	Status       string `gorm:"index:idx_trades_symbol_status"`
	EntryQty     decimal.Decimal `gorm:"type:decimal(38,12)"`
	EntryPrice   decimal.Decimal `gorm:"type:decimal(38,12)"`
	EntryFees    decimal.Decimal `gorm:"type:decimal(38,12)"`
	EntryTime    time.Time
	ExitQty      decimal.Decimal `gorm:"type:decimal(38,12)"`
	ExitPrice    decimal.Decimal `gorm:"type:decimal(38,12)"`
	ExitTime     *time.Time
	CurrentQty   decimal.Decimal `gorm:"type:decimal(38,12)"`
	StrategyCode string
}

func (Trade) TableName() string { return "trades" }

// TradePnL is the derived P&L snapshot for one Trade, per the formulae in
// spec.md §4.4. total_fees = Σ fees(entry_fills) + Σ fees(exit_fills): the
// entry share lives on Trade.EntryFees, the exit share accumulates here as
// waves/fills exit, and TotalFees is their sum.
type TradePnL struct {
	ID            uint64 `gorm:"primaryKey;autoIncrement"`
	TradeID       uint64 `gorm:"uniqueIndex"`
	GrossPnL      decimal.Decimal `gorm:"type:decimal(38,12)"`
	ExitFees      decimal.Decimal `gorm:"type:decimal(38,12)"`
	TotalFees     decimal.Decimal `gorm:"type:decimal(38,12)"`
	NetPnL        decimal.Decimal `gorm:"type:decimal(38,12)"`
	ReturnPct     decimal.Decimal `gorm:"type:decimal(38,12)"`
	RealizedPnL   decimal.Decimal `gorm:"type:decimal(38,12)"`
	UnrealizedPnL decimal.Decimal `gorm:"type:decimal(38,12)"`
	DurationS     int64
	UpdatedAt     time.Time
}

func (TradePnL) TableName() string { return "trade_pnl" }

// AllModels lists every table AutoMigrate should create in the TS database.
func AllModels() []interface{} {
	return []interface{}{&Position{}, &Trade{}, &TradePnL{}}
}
