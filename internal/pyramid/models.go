// Package pyramid implements C8: the KSS Pyramid DCA session manager.
// Session/Wave lifecycle, wave-target formulas, fill-driven progression,
// take-profit trigger and timeout — grounded on the teacher's risk/tp_sl.go
// trailing-exit structure and risk/adapter.go event-decoupling pattern.
package pyramid

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/paperdesk/engine/internal/money"
)

// Session status constants (spec.md §3).
const (
	StatusPending     = "PENDING"
	StatusActive      = "ACTIVE"
	StatusTPTriggered = "TP_TRIGGERED"
	StatusStopped     = "STOPPED"
	StatusTimeout     = "TIMEOUT"
	StatusCompleted   = "COMPLETED"
)

// Wave status constants (spec.md §3).
const (
	WaveStatusPending   = "PENDING"
	WaveStatusQueued    = "QUEUED"
	WaveStatusFilled    = "FILLED"
	WaveStatusCancelled = "CANCELLED"
)

// Session is a KSS pyramid DCA session (spec.md §3 "PyramidSession").
type Session struct {
	ID               uint64 `gorm:"primaryKey;autoIncrement"`
	Symbol           string `gorm:"index"`
	EntryPrice       decimal.Decimal `gorm:"type:decimal(38,12)"`
	DistancePct      decimal.Decimal `gorm:"type:decimal(38,12)"`
	MaxWaves         int
	IsolatedFund     decimal.Decimal `gorm:"type:decimal(38,12)"`
	TPPct            decimal.Decimal `gorm:"type:decimal(38,12)"`
	TimeoutMin       int64
	GapMin           int64
	PipMultiplier    decimal.Decimal `gorm:"type:decimal(38,12)"`
	MinQty           decimal.Decimal `gorm:"type:decimal(38,12)"`
	PriceStep        decimal.Decimal `gorm:"type:decimal(38,12)"`
	Status           string `gorm:"index"`
	CurrentWave      int
	TotalFilledQty   decimal.Decimal `gorm:"type:decimal(38,12)"`
	TotalCost        decimal.Decimal `gorm:"type:decimal(38,12)"`
	AvgPrice         decimal.Decimal `gorm:"type:decimal(38,12)"`
	EstimatedCost    decimal.Decimal `gorm:"type:decimal(38,12)"`
	FundExceeded     bool
	CreatedAt        time.Time
	StartedAt        *time.Time
	LastFillAt       *time.Time
	LastWaveQueuedAt *time.Time
	NextWaveDueAt    *time.Time
	StopReason       string
}

func (Session) TableName() string { return "pyramid_sessions" }

// Wave is a single DCA leg within a Session (spec.md §3 "PyramidWave").
type Wave struct {
	ID             uint64 `gorm:"primaryKey;autoIncrement"`
	SessionID      uint64 `gorm:"uniqueIndex:idx_waves_session_num"`
	WaveNum        int    `gorm:"uniqueIndex:idx_waves_session_num"`
	TargetQty      decimal.Decimal `gorm:"type:decimal(38,12)"`
	TargetPrice    decimal.Decimal `gorm:"type:decimal(38,12)"`
	Status         string
	FilledQty      decimal.NullDecimal
	FilledPrice    decimal.NullDecimal
	FilledAt       *time.Time
	PendingOrderID *uint64
}

func (Wave) TableName() string { return "pyramid_waves" }

// AllModels lists every table AutoMigrate should create.
func AllModels() []interface{} {
	return []interface{}{&Session{}, &Wave{}}
}

// PipSize is pip_multiplier × exchange min_qty (GLOSSARY "Pip").
func PipSize(pipMultiplier, minQty decimal.Decimal) decimal.Decimal {
	return pipMultiplier.Mul(minQty)
}

// TargetQty implements target_qty(n) = (n+1) × pip_size (spec.md §3).
func TargetQty(n int, pipSize decimal.Decimal) decimal.Decimal {
	return decimal.NewFromInt(int64(n + 1)).Mul(pipSize)
}

// TargetPrice implements target_price(n) = entry_price × (1 −
// distance_pct/100)^n (spec.md §3). Exponentiation is transient float
// math per spec.md §9; the raw result is NOT quantized here — callers
// that persist or queue the price must round it through
// money.RoundToStep against the symbol's price step first.
func TargetPrice(n int, entryPrice, distancePct decimal.Decimal) decimal.Decimal {
	factor := decimal.NewFromInt(1).Sub(distancePct.Div(decimal.NewFromInt(100)))
	f, _ := factor.Float64()
	e, _ := entryPrice.Float64()
	raw := e
	for i := 0; i < n; i++ {
		raw *= f
	}
	return decimal.NewFromFloat(raw)
}

// EstimatedCost sums target_price(n)·target_qty(n) for n = 0..maxWaves-1,
// quantizing each wave's price to priceStep first so the estimate matches
// the prices enqueueWave will actually persist and queue (spec.md §9).
// A zero priceStep (no price-source lookup available) leaves prices
// unquantized.
func EstimatedCost(maxWaves int, entryPrice, distancePct, pipSize, priceStep decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for n := 0; n < maxWaves; n++ {
		price := money.RoundToStep(TargetPrice(n, entryPrice, distancePct), priceStep)
		total = total.Add(price.Mul(TargetQty(n, pipSize)))
	}
	return total
}
