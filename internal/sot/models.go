// Package sot implements C3: the append-only Source-of-Truth store. Owns
// orders, order_events, order_fills, order_costs, order_pnl, pending_orders.
// Only C7 writes Orders/Fills/OrderEvents; C6 owns PendingOrder until it
// reaches a terminal state. Facts are never deleted or mutated — append
// only, per spec.md §3 "Ownership & lifecycle".
package sot

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status constants for PendingOrder (spec.md §3).
const (
	PendingStatusPending  = "PENDING"
	PendingStatusApproved = "APPROVED"
	PendingStatusRejected = "REJECTED"
	PendingStatusExecuted = "EXECUTED"
)

// Source attribution constants (spec.md §3).
const (
	SourceSpreadsheet = "SPREADSHEET"
	SourceStrategy    = "STRATEGY"
	SourcePyramid     = "PYRAMID"
	SourceBacktest    = "BACKTEST"
)

// Order side/type constants, shared by PendingOrder and Order.
const (
	SideBuy  = "BUY"
	SideSell = "SELL"

	OrderTypeMarket    = "MARKET"
	OrderTypeLimit     = "LIMIT"
	OrderTypeStopLoss  = "STOP_LOSS"
)

// Order status lattice (spec.md §3): NEW → (PENDING →) (TRIGGERED →)
// PARTIALLY_FILLED* → FILLED; any state → CANCELLED is terminal while
// remaining_qty > 0.
const (
	OrderStatusNew             = "NEW"
	OrderStatusPending         = "PENDING"
	OrderStatusTriggered       = "TRIGGERED"
	OrderStatusPartiallyFilled = "PARTIALLY_FILLED"
	OrderStatusFilled          = "FILLED"
	OrderStatusCancelled       = "CANCELLED"
)

// OrderEvent types (spec.md §3).
const (
	EventCreated      = "CREATED"
	EventSubmitted    = "SUBMITTED"
	EventTriggered    = "TRIGGERED"
	EventPartialFill  = "PARTIAL_FILL"
	EventFill         = "FILL"
	EventCancelled    = "CANCELLED"
	EventError        = "ERROR"
	EventScanSkipped  = "STOP_SCAN_SKIPPED"
)

// Liquidity role for a Fill.
const (
	LiquidityMaker = "MAKER"
	LiquidityTaker = "TAKER"
)

// PendingOrder is C6's transient-intent-turned-persisted row (spec.md §3).
type PendingOrder struct {
	ID           uint64 `gorm:"primaryKey;autoIncrement"`
	Symbol       string `gorm:"index:idx_pending_status_created"`
	Side         string
	OrderType    string
	Quantity     decimal.Decimal `gorm:"type:decimal(38,12)"`
	Price        decimal.Decimal `gorm:"type:decimal(38,12)"`
	StopPrice    decimal.NullDecimal `gorm:"type:decimal(38,12)"`
	Source       string `gorm:"index:idx_pending_source_ref"`
	SourceRef    string `gorm:"index:idx_pending_source_ref"`
	StrategyName string
	Confidence   decimal.NullDecimal
	CreatedAt    time.Time `gorm:"index:idx_pending_status_created"`
	Status       string    `gorm:"index:idx_pending_status_created"`
	ReviewedAt   *time.Time
	ReviewedBy   string
	Note         string
	RiskNote     string
	AttemptCount int
	UpdatedAt    time.Time
}

func (PendingOrder) TableName() string { return "pending_orders" }

// Order is C3's immutable-except-status/remaining_qty record (spec.md §3).
type Order struct {
	ID            uint64 `gorm:"primaryKey;autoIncrement"`
	ClientOrderID string `gorm:"uniqueIndex;size:191"`
	Symbol        string `gorm:"index:idx_orders_symbol_status"`
	Side          string
	OrderType     string
	Qty           decimal.Decimal `gorm:"type:decimal(38,12)"`
	RemainingQty  decimal.Decimal `gorm:"type:decimal(38,12)"`
	Price         decimal.Decimal `gorm:"type:decimal(38,12)"`
	StopPrice     decimal.NullDecimal `gorm:"type:decimal(38,12)"`
	Status        string          `gorm:"index:idx_orders_symbol_status"`
	LatencyMs     int64
	SubmittedAt   time.Time
	ExecutedAt    *time.Time
	MakerFeeRate  decimal.Decimal `gorm:"type:decimal(18,8)"`
	TakerFeeRate  decimal.Decimal `gorm:"type:decimal(18,8)"`
	IsMaker       bool
	SourceRef     string `gorm:"index"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (Order) TableName() string { return "orders" }

// OrderEvent is strictly append-only (spec.md §3).
type OrderEvent struct {
	ID        uint64 `gorm:"primaryKey;autoIncrement"`
	OrderID   uint64 `gorm:"index"`
	EventType string
	EventTime time.Time
	Payload   string // opaque structured JSON
}

func (OrderEvent) TableName() string { return "order_events" }

// Fill is strictly append-only (spec.md §3).
type Fill struct {
	ID             uint64 `gorm:"primaryKey;autoIncrement"`
	OrderID        uint64 `gorm:"index"`
	FillQty        decimal.Decimal `gorm:"type:decimal(38,12)"`
	FillPrice      decimal.Decimal `gorm:"type:decimal(38,12)"`
	EffectivePrice decimal.Decimal `gorm:"type:decimal(38,12)"`
	Fees           decimal.Decimal `gorm:"type:decimal(38,12)"`
	SlippageAmount decimal.Decimal `gorm:"type:decimal(38,12)"`
	Liquidity      string
	FilledAt       time.Time
}

func (Fill) TableName() string { return "order_fills" }

// OrderCost records the fee/slippage cost basis of a single fill.
type OrderCost struct {
	ID        uint64 `gorm:"primaryKey;autoIncrement"`
	OrderID   uint64 `gorm:"index"`
	FillID    uint64
	Fees      decimal.Decimal `gorm:"type:decimal(38,12)"`
	Slippage  decimal.Decimal `gorm:"type:decimal(38,12)"`
	CreatedAt time.Time
}

func (OrderCost) TableName() string { return "order_costs" }

// OrderPnL records the realized P&L attributable to a single SELL fill
// (spec.md §4.7 "Realized PnL on SELL fill").
type OrderPnL struct {
	ID          uint64 `gorm:"primaryKey;autoIncrement"`
	OrderID     uint64 `gorm:"index"`
	FillID      uint64
	RealizedPnL decimal.Decimal `gorm:"type:decimal(38,12)"`
	CreatedAt   time.Time
}

func (OrderPnL) TableName() string { return "order_pnl" }

// AllModels lists every table AutoMigrate should create.
func AllModels() []interface{} {
	return []interface{}{
		&PendingOrder{}, &Order{}, &OrderEvent{}, &Fill{}, &OrderCost{}, &OrderPnL{},
	}
}
