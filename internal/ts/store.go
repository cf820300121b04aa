package ts

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/paperdesk/engine/internal/paperr"
	"github.com/paperdesk/engine/internal/sot"
)

// Store is the C4 Trading-State store: a derived cache over C3's fills.
// Grounded on the teacher's internal/database.Database dual-backend Open
// pattern, reused for the second pool per spec.md §6's explicit pool
// isolation between SOT and TS.
type Store struct {
	db *gorm.DB
}

// Open connects to dsn using the same postgres/sqlite dispatch as sot.Open.
func Open(dsn string) (*Store, error) {
	var db *gorm.DB
	var err error

	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		db, err = gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	} else {
		if dir := filepath.Dir(dsn); dir != "." {
			if mkErr := os.MkdirAll(dir, 0o755); mkErr != nil {
				return nil, fmt.Errorf("%w: %v", paperr.ErrStore, mkErr)
			}
		}
		db, err = gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", paperr.ErrStore, err)
	}
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return nil, fmt.Errorf("%w: %v", paperr.ErrStore, err)
	}
	return &Store{db: db}, nil
}

// OpenGorm wraps an already-open *gorm.DB — used by tests that open their
// own sqlite connection inline.
func OpenGorm(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return nil, fmt.Errorf("%w: %v", paperr.ErrStore, err)
	}
	return &Store{db: db}, nil
}

// FillApplied is the input C9 (coordinator) feeds into ApplyFill — enough
// of the Order+Fill facts to fold into Position/Trade/TradePnL without TS
// ever reading back from SOT on the hot path.
type FillApplied struct {
	Symbol         string
	Side           string // sot.SideBuy / sot.SideSell
	OrderID        uint64
	FillQty        decimal.Decimal
	EffectivePrice decimal.Decimal
	Fees           decimal.Decimal
	FilledAt       time.Time
}

// ApplyFill folds one fill into Position/Trade/TradePnL, atomically. This
// is the sole incremental write path — everything else (rebuild) replays
// the same fold logic over the full fill history.
func (s *Store) ApplyFill(f FillApplied) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		return foldFill(tx, f)
	})
}

// GetPositionQty is a narrow qty-only read of a symbol's position. C7's
// SELL validation reads the same row through GetPositionSnapshot — position
// state lives in C4 but the check must observe it synchronously within the
// same process, since C7 cannot accept an oversell that only gets caught
// after the coordinator has already fanned the fill out.
func (s *Store) GetPositionQty(symbol string) (decimal.Decimal, error) {
	var p Position
	err := s.db.Where("symbol = ?", symbol).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %v", paperr.ErrStore, err)
	}
	return p.Quantity, nil
}

// GetPositionSnapshot returns qty and avg_entry_price together — C7 needs
// both to compute realized P&L on a SELL fill before TS has applied it.
func (s *Store) GetPositionSnapshot(symbol string) (qty, avgPrice decimal.Decimal, err error) {
	var p Position
	dbErr := s.db.Where("symbol = ?", symbol).First(&p).Error
	if errors.Is(dbErr, gorm.ErrRecordNotFound) {
		return decimal.Zero, decimal.Zero, nil
	}
	if dbErr != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("%w: %v", paperr.ErrStore, dbErr)
	}
	return p.Quantity, p.AvgEntryPrice, nil
}

// foldFill applies the BUY/SELL position-update formulae from spec.md
// §4.4 verbatim, long-only (SELL beyond qty is rejected upstream by C7
// before a Fill is ever appended, so TS never observes a negative
// quantity).
func foldFill(tx *gorm.DB, f FillApplied) error {
	var pos Position
	err := tx.Where("symbol = ?", f.Symbol).First(&pos).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		pos = Position{Symbol: f.Symbol, Quantity: decimal.Zero, AvgEntryPrice: decimal.Zero, TotalCost: decimal.Zero, RealizedPnL: decimal.Zero}
	case err != nil:
		return err
	}

	wasFlat := pos.Quantity.IsZero()

	if f.Side == sot.SideBuy {
		newQty := pos.Quantity.Add(f.FillQty)
		newAvg := f.EffectivePrice
		if !pos.Quantity.IsZero() {
			newAvg = pos.Quantity.Mul(pos.AvgEntryPrice).Add(f.FillQty.Mul(f.EffectivePrice)).Div(newQty)
		}
		pos.Quantity = newQty
		pos.AvgEntryPrice = newAvg
		pos.TotalCost = pos.TotalCost.Add(f.FillQty.Mul(f.EffectivePrice)).Add(f.Fees)

		if wasFlat {
			if err := openTrade(tx, f); err != nil {
				return err
			}
		} else {
			if err := extendOpenTrade(tx, f); err != nil {
				return err
			}
		}
	} else {
		realized := f.EffectivePrice.Sub(pos.AvgEntryPrice).Mul(f.FillQty).Sub(f.Fees)
		pos.RealizedPnL = pos.RealizedPnL.Add(realized)
		pos.Quantity = pos.Quantity.Sub(f.FillQty)
		if pos.Quantity.IsZero() {
			pos.AvgEntryPrice = decimal.Zero
			pos.TotalCost = decimal.Zero
		}

		if err := applyExitFill(tx, f, pos.Quantity.IsZero()); err != nil {
			return err
		}
	}

	pos.UpdatedAt = f.FilledAt
	if pos.ID == 0 {
		return tx.Create(&pos).Error
	}
	return tx.Save(&pos).Error
}

func openTrade(tx *gorm.DB, f FillApplied) error {
	trade := Trade{
		EntryOrderID: f.OrderID,
		Symbol:       f.Symbol,
		Side:         f.Side,
		Status:       TradeStatusOpen,
		EntryQty:     f.FillQty,
		EntryPrice:   f.EffectivePrice,
		EntryFees:    f.Fees,
		EntryTime:    f.FilledAt,
		CurrentQty:   f.FillQty,
	}
	if err := tx.Create(&trade).Error; err != nil {
		return err
	}
	return tx.Create(&TradePnL{TradeID: trade.ID, UpdatedAt: f.FilledAt}).Error
}

// extendOpenTrade widens the most recent open trade on symbol with an
// additional entry-direction fill, re-averaging its entry price.
func extendOpenTrade(tx *gorm.DB, f FillApplied) error {
	var trade Trade
	err := tx.Where("symbol = ? AND status IN ?", f.Symbol, []string{TradeStatusOpen, TradeStatusPartial}).
		Order("entry_time DESC").First(&trade).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return openTrade(tx, f)
	}
	if err != nil {
		return err
	}
	totalCost := trade.EntryPrice.Mul(trade.EntryQty).Add(f.EffectivePrice.Mul(f.FillQty))
	newQty := trade.EntryQty.Add(f.FillQty)
	trade.EntryPrice = totalCost.Div(newQty)
	trade.EntryQty = newQty
	trade.EntryFees = trade.EntryFees.Add(f.Fees)
	trade.CurrentQty = trade.CurrentQty.Add(f.FillQty)
	return tx.Save(&trade).Error
}

// applyExitFill reduces the oldest open/partial trade(s) on the symbol
// (FIFO) by the exit fill, updating exit_qty/exit_price/exit_time,
// current_qty and status, and recomputes each touched Trade's TradePnL
// per the formulae in spec.md §4.4.
func applyExitFill(tx *gorm.DB, f FillApplied, positionNowFlat bool) error {
	var openTrades []Trade
	if err := tx.Where("symbol = ? AND status IN ?", f.Symbol, []string{TradeStatusOpen, TradeStatusPartial}).
		Order("entry_time ASC").Find(&openTrades).Error; err != nil {
		return err
	}

	remaining := f.FillQty
	for i := range openTrades {
		if !remaining.IsPositive() {
			break
		}
		t := &openTrades[i]
		take := decimal.Min(remaining, t.CurrentQty)
		remaining = remaining.Sub(take)

		var pnl TradePnL
		if err := tx.Where("trade_id = ?", t.ID).First(&pnl).Error; err != nil {
			return err
		}

		prevExitQty := t.ExitQty
		newExitQty := prevExitQty.Add(take)
		if prevExitQty.IsZero() {
			t.ExitPrice = f.EffectivePrice
		} else {
			t.ExitPrice = prevExitQty.Mul(t.ExitPrice).Add(take.Mul(f.EffectivePrice)).Div(newExitQty)
		}
		t.ExitQty = newExitQty
		t.ExitOrderID = &f.OrderID
		exitTime := f.FilledAt
		t.ExitTime = &exitTime
		t.CurrentQty = t.CurrentQty.Sub(take)

		exitFees := take.Div(f.FillQty).Mul(f.Fees)
		if f.FillQty.IsZero() {
			exitFees = decimal.Zero
		}

		costBasis := t.EntryQty.Mul(t.EntryPrice)
		grossPnl := t.ExitPrice.Sub(t.EntryPrice).Mul(t.ExitQty)
		if t.Side == sot.SideSell {
			grossPnl = grossPnl.Neg()
		}
		pnl.ExitFees = pnl.ExitFees.Add(exitFees)
		pnl.TotalFees = t.EntryFees.Add(pnl.ExitFees)
		pnl.GrossPnL = grossPnl
		pnl.NetPnL = pnl.GrossPnL.Sub(pnl.TotalFees)
		if !costBasis.IsZero() {
			pnl.ReturnPct = pnl.NetPnL.Div(costBasis).Mul(decimal.NewFromInt(100))
		}
		pnl.RealizedPnL = pnl.NetPnL
		pnl.UpdatedAt = f.FilledAt

		if t.CurrentQty.LessThanOrEqual(decimal.Zero) {
			t.Status = TradeStatusClosed
			t.CurrentQty = decimal.Zero
			pnl.DurationS = int64(t.ExitTime.Sub(t.EntryTime).Seconds())
			pnl.UnrealizedPnL = decimal.Zero
		} else {
			t.Status = TradeStatusPartial
		}

		if err := tx.Save(t).Error; err != nil {
			return err
		}
		if err := tx.Save(&pnl).Error; err != nil {
			return err
		}
	}

	return nil
}

// ═══════════════════════════════════════════════════════════════════════
// READS
// ═══════════════════════════════════════════════════════════════════════

func (s *Store) GetPosition(symbol string) (*Position, error) {
	var p Position
	if err := s.db.Where("symbol = ?", symbol).First(&p).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return &Position{Symbol: symbol, Quantity: decimal.Zero, AvgEntryPrice: decimal.Zero, TotalCost: decimal.Zero, RealizedPnL: decimal.Zero}, nil
		}
		return nil, fmt.Errorf("%w: %v", paperr.ErrStore, err)
	}
	return &p, nil
}

func (s *Store) ListPositions() ([]Position, error) {
	var rows []Position
	if err := s.db.Where("quantity != ?", decimal.Zero).Order("symbol ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("%w: %v", paperr.ErrStore, err)
	}
	return rows, nil
}

func (s *Store) GetTrade(id uint64) (*Trade, error) {
	var t Trade
	if err := s.db.First(&t, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, paperr.ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", paperr.ErrStore, err)
	}
	return &t, nil
}

// TradeFilter selects rows for ListTrades.
type TradeFilter struct {
	Symbol string
	Status string
}

func (s *Store) ListTrades(f TradeFilter) ([]Trade, error) {
	q := s.db.Model(&Trade{})
	if f.Symbol != "" {
		q = q.Where("symbol = ?", f.Symbol)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	var rows []Trade
	if err := q.Order("entry_time ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("%w: %v", paperr.ErrStore, err)
	}
	return rows, nil
}

// GetTotalPnL sums all-time realized P&L across every position. It is not
// a per-day figure; C5's CheckDailyLoss reads PositionView.RealizedPnLToday.
func (s *Store) GetTotalPnL() (decimal.Decimal, error) {
	var positions []Position
	if err := s.db.Find(&positions).Error; err != nil {
		return decimal.Zero, fmt.Errorf("%w: %v", paperr.ErrStore, err)
	}
	total := decimal.Zero
	for _, p := range positions {
		total = total.Add(p.RealizedPnL)
	}
	return total, nil
}

// RebuildFromSOT wipes every TS table and replays every Fill recorded in
// sotStore, in ID order, through the same fold logic ApplyFill uses —
// spec.md §4.4/§9 "rebuild_from_sot: TS is always reconstructible from SOT
// alone; rebuild must produce byte-identical aggregates to the
// incrementally-maintained ones" (property 10, spec.md §8).
func (s *Store) RebuildFromSOT(sotStore *sot.Store) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec("DELETE FROM " + (TradePnL{}).TableName()).Error; err != nil {
			return err
		}
		if err := tx.Exec("DELETE FROM " + (Trade{}).TableName()).Error; err != nil {
			return err
		}
		if err := tx.Exec("DELETE FROM " + (Position{}).TableName()).Error; err != nil {
			return err
		}

		fills, err := sotStore.ListAllFillsSince(time.Time{})
		if err != nil {
			return err
		}

		orderCache := make(map[uint64]*sot.Order)
		for _, fill := range fills {
			order, ok := orderCache[fill.OrderID]
			if !ok {
				o, err := sotStore.GetOrder(fill.OrderID)
				if err != nil {
					return err
				}
				order = o
				orderCache[fill.OrderID] = order
			}

			if err := foldFill(tx, FillApplied{
				Symbol:         order.Symbol,
				Side:           order.Side,
				OrderID:        order.ID,
				FillQty:        fill.FillQty,
				EffectivePrice: fill.EffectivePrice,
				Fees:           fill.Fees,
				FilledAt:       fill.FilledAt,
			}); err != nil {
				return err
			}
		}
		return nil
	})
}
