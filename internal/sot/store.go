package sot

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
)

// Store is the C3 Source-of-Truth store: append-only orders/events/fills
// plus the pending-order intake table. Grounded on the teacher's
// internal/database.Database dual-backend Open pattern.
type Store struct {
	db *gorm.DB
}

// Open connects to dsn — a "postgres://..." URL selects PostgreSQL,
// anything else is treated as a SQLite file path, matching spec.md §6's
// "two SQLite databases (or any SQL store with the same transactional
// semantics)".
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

// OpenGorm wraps an already-open *gorm.DB (used by tests that open their
// own sqlite connection, e.g. one file shared across SOT and pyramid checks).
func OpenGorm(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return nil, fmt.Errorf("%w: %v", paperr.ErrStore, err)
	}
	return &Store{db: db}, nil
}

// DB exposes the underlying *gorm.DB — used by the pyramid manager, which
// keeps its session and wave tables on the SOT connection.
func (s *Store) DB() *gorm.DB { return s.db }

// ═══════════════════════════════════════════════════════════════════════
// PENDING ORDER INTAKE
// ═══════════════════════════════════════════════════════════════════════

// PendingIntent is the input to QueuePending — C5's risk-annotated,
// pip-resolved intent ready to persist.
type PendingIntent struct {
	Symbol       string
	Side         string
	OrderType    string
	Quantity     decimal.Decimal
	Price        decimal.Decimal
	StopPrice    decimal.NullDecimal
	Source       string
	SourceRef    string
	StrategyName string
	Confidence   decimal.NullDecimal
	RiskNote     string
	CreatedAt    time.Time
}

// QueuePending persists a PendingOrder. Idempotent on (source, source_ref)
// when source_ref is non-empty: a duplicate call returns the existing row
// and created=false, matching spec.md §4.6 "Idempotent on (source,
// source_ref)... duplicate call returns existing row and emits nothing".
func (s *Store) QueuePending(in PendingIntent) (po *PendingOrder, created bool, err error) {
	err = s.db.Transaction(func(tx *gorm.DB) error {
		if in.SourceRef != "" {
			var existing PendingOrder
			lookupErr := tx.Where("source = ? AND source_ref = ?", in.Source, in.SourceRef).First(&existing).Error
			if lookupErr == nil {
				po = &existing
				created = false
				return nil
			}
			if !errors.Is(lookupErr, gorm.ErrRecordNotFound) {
				return lookupErr
			}
		}

		row := PendingOrder{
			Symbol:       in.Symbol,
			Side:         in.Side,
			OrderType:    in.OrderType,
			Quantity:     in.Quantity,
			Price:        in.Price,
			StopPrice:    in.StopPrice,
			Source:       in.Source,
			SourceRef:    in.SourceRef,
			StrategyName: in.StrategyName,
			Confidence:   in.Confidence,
			RiskNote:     in.RiskNote,
			CreatedAt:    in.CreatedAt,
			Status:       PendingStatusPending,
		}
		if createErr := tx.Create(&row).Error; createErr != nil {
			return createErr
		}
		po = &row
		created = true
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", paperr.ErrStore, err)
	}
	return po, created, nil
}

// MarkPending performs the CAS-guarded PENDING → {APPROVED, REJECTED}
// transition from spec.md §4.6. The WHERE clause includes the expected
// current status; zero rows affected means a concurrent approver already
// won — the caller gets ErrStaleState, not a silent no-op.
func (s *Store) MarkPending(id uint64, newStatus, reviewer, note string) (*PendingOrder, error) {
	if newStatus != PendingStatusApproved && newStatus != PendingStatusRejected {
		return nil, fmt.Errorf("%w: illegal target status %q", paperr.ErrValidation, newStatus)
	}

	var result *PendingOrder
	err := s.db.Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC()
		res := tx.Model(&PendingOrder{}).
			Where("id = ? AND status = ?", id, PendingStatusPending).
			Updates(map[string]interface{}{
				"status":      newStatus,
				"reviewed_at": now,
				"reviewed_by": reviewer,
				"note":        note,
				"updated_at":  now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return paperr.ErrStaleState
		}
		var po PendingOrder
		if err := tx.First(&po, id).Error; err != nil {
			return err
		}
		result = &po
		return nil
	})
	if err != nil {
		if errors.Is(err, paperr.ErrStaleState) {
			return nil, err
		}
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, paperr.ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", paperr.ErrStore, err)
	}
	return result, nil
}

// MarkExecuted transitions an already-APPROVED PendingOrder to EXECUTED,
// called by C6 once C7 has successfully appended the Order. Once EXECUTED
// no further transitions are allowed (spec.md §3 invariant).
func (s *Store) MarkExecuted(id uint64) error {
	res := s.db.Model(&PendingOrder{}).
		Where("id = ? AND status = ?", id, PendingStatusApproved).
		Updates(map[string]interface{}{"status": PendingStatusExecuted, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return fmt.Errorf("%w: %v", paperr.ErrStore, res.Error)
	}
	if res.RowsAffected == 0 {
		return paperr.ErrStaleState
	}
	return nil
}

// RevertToPending rolls an APPROVED row back to PENDING after a C7
// execution failure, incrementing attempt_count and recording an error
// note — spec.md §4.6 "on C7 failure the transaction rolls back and state
// returns to PENDING with an attached error note and incremented
// attempt_count".
func (s *Store) RevertToPending(id uint64, errNote string) error {
	res := s.db.Model(&PendingOrder{}).
		Where("id = ? AND status = ?", id, PendingStatusApproved).
		Updates(map[string]interface{}{
			"status":        PendingStatusPending,
			"note":          errNote,
			"attempt_count": gorm.Expr("attempt_count + 1"),
			"updated_at":    time.Now().UTC(),
		})
	if res.Error != nil {
		return fmt.Errorf("%w: %v", paperr.ErrStore, res.Error)
	}
	if res.RowsAffected == 0 {
		return paperr.ErrStaleState
	}
	return nil
}

// GetPendingOrder reads a PendingOrder by ID.
func (s *Store) GetPendingOrder(id uint64) (*PendingOrder, error) {
	var po PendingOrder
	if err := s.db.First(&po, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, paperr.ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", paperr.ErrStore, err)
	}
	return &po, nil
}

// PendingFilter selects rows for ListPendingOrders (spec.md §4.6 "list(filters)").
type PendingFilter struct {
	Status string
	Symbol string
	Source string
	Since  time.Time
	Until  time.Time
}

// ListPendingOrders returns PendingOrders matching filter, newest first.
func (s *Store) ListPendingOrders(f PendingFilter) ([]PendingOrder, error) {
	q := s.db.Model(&PendingOrder{})
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.Symbol != "" {
		q = q.Where("symbol = ?", f.Symbol)
	}
	if f.Source != "" {
		q = q.Where("source = ?", f.Source)
	}
	if !f.Since.IsZero() {
		q = q.Where("created_at >= ?", f.Since)
	}
	if !f.Until.IsZero() {
		q = q.Where("created_at <= ?", f.Until)
	}
	var rows []PendingOrder
	if err := q.Order("created_at DESC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("%w: %v", paperr.ErrStore, err)
	}
	return rows, nil
}

// ═══════════════════════════════════════════════════════════════════════
// ORDER / EVENT / FILL APPEND (C7-only writers)
// ═══════════════════════════════════════════════════════════════════════

// NewOrder is the input to AppendOrder.
type NewOrder struct {
	ClientOrderID string
	Symbol        string
	Side          string
	OrderType     string
	Qty           decimal.Decimal
	Price         decimal.Decimal
	StopPrice     decimal.NullDecimal
	Status        string
	LatencyMs     int64
	SubmittedAt   time.Time
	MakerFeeRate  decimal.Decimal
	TakerFeeRate  decimal.Decimal
	IsMaker       bool
	SourceRef     string
}

// AppendOrder creates an Order plus its CREATED event atomically (spec.md
// §4.3 "a single intent → order → first-event must be atomic"). A
// duplicate client_order_id is a no-op that returns the existing Order —
// spec.md §4.7 "DuplicateClientOrderId: silent success".
func (s *Store) AppendOrder(in NewOrder) (order *Order, created bool, err error) {
	err = s.db.Transaction(func(tx *gorm.DB) error {
		var existing Order
		lookupErr := tx.Where("client_order_id = ?", in.ClientOrderID).First(&existing).Error
		if lookupErr == nil {
			order = &existing
			created = false
			return nil
		}
		if !errors.Is(lookupErr, gorm.ErrRecordNotFound) {
			return lookupErr
		}

		now := time.Now().UTC()
		row := Order{
			ClientOrderID: in.ClientOrderID,
			Symbol:        in.Symbol,
			Side:          in.Side,
			OrderType:     in.OrderType,
			Qty:           in.Qty,
			RemainingQty:  in.Qty,
			Price:         in.Price,
			StopPrice:     in.StopPrice,
			Status:        in.Status,
			LatencyMs:     in.LatencyMs,
			SubmittedAt:   in.SubmittedAt,
			MakerFeeRate:  in.MakerFeeRate,
			TakerFeeRate:  in.TakerFeeRate,
			IsMaker:       in.IsMaker,
			SourceRef:     in.SourceRef,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if createErr := tx.Create(&row).Error; createErr != nil {
			return createErr
		}

		event := OrderEvent{OrderID: row.ID, EventType: EventCreated, EventTime: now, Payload: "{}"}
		if createErr := tx.Create(&event).Error; createErr != nil {
			return createErr
		}

		order = &row
		created = true
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", paperr.ErrStore, err)
	}
	return order, created, nil
}

// AppendEvent appends a strictly-append-only OrderEvent row.
func (s *Store) AppendEvent(orderID uint64, eventType, payload string) (*OrderEvent, error) {
	ev := OrderEvent{OrderID: orderID, EventType: eventType, EventTime: time.Now().UTC(), Payload: payload}
	if err := s.db.Create(&ev).Error; err != nil {
		return nil, fmt.Errorf("%w: %v", paperr.ErrStore, err)
	}
	return &ev, nil
}

// NewFill is the input to AppendFill.
type NewFill struct {
	OrderID        uint64
	FillQty        decimal.Decimal
	FillPrice      decimal.Decimal
	EffectivePrice decimal.Decimal
	Fees           decimal.Decimal
	SlippageAmount decimal.Decimal
	Liquidity      string
	RealizedPnL    *decimal.Decimal // non-nil only for SELL fills
	NewStatus      string           // PARTIALLY_FILLED or FILLED, computed by caller
	NewRemainingQty decimal.Decimal
}

// AppendFill appends a Fill + OrderCost (+ OrderPnL when realized) + the
// order's PARTIAL_FILL/FILL event, and updates the order's remaining_qty
// and status — all in one transaction, per spec.md §4.3 "A fill + cost +
// event triple is one transaction". The caller (execution engine) has
// already computed NewStatus/NewRemainingQty from the order row it read;
// this method re-validates against the row it reads inside the
// transaction (FillQty must not exceed its remaining_qty and must leave
// exactly NewRemainingQty, else ErrStaleState) so two fills for the same
// order can never race past each other silently.
func (s *Store) AppendFill(in NewFill) (*Fill, error) {
	var fill *Fill
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var order Order
		if err := tx.Clauses().First(&order, in.OrderID).Error; err != nil {
			return err
		}
		left := order.RemainingQty.Sub(in.FillQty)
		if left.IsNegative() || !left.Equal(in.NewRemainingQty) {
			return fmt.Errorf("%w: fill qty %s against remaining %s does not leave %s",
				paperr.ErrStaleState, in.FillQty, order.RemainingQty, in.NewRemainingQty)
		}

		f := Fill{
			OrderID:        in.OrderID,
			FillQty:        in.FillQty,
			FillPrice:      in.FillPrice,
			EffectivePrice: in.EffectivePrice,
			Fees:           in.Fees,
			SlippageAmount: in.SlippageAmount,
			Liquidity:      in.Liquidity,
			FilledAt:       time.Now().UTC(),
		}
		if err := tx.Create(&f).Error; err != nil {
			return err
		}

		cost := OrderCost{OrderID: in.OrderID, FillID: f.ID, Fees: in.Fees, Slippage: in.SlippageAmount, CreatedAt: f.FilledAt}
		if err := tx.Create(&cost).Error; err != nil {
			return err
		}

		if in.RealizedPnL != nil {
			pnl := OrderPnL{OrderID: in.OrderID, FillID: f.ID, RealizedPnL: *in.RealizedPnL, CreatedAt: f.FilledAt}
			if err := tx.Create(&pnl).Error; err != nil {
				return err
			}
		}

		eventType := EventPartialFill
		if in.NewStatus == OrderStatusFilled {
			eventType = EventFill
		}
		event := OrderEvent{OrderID: in.OrderID, EventType: eventType, EventTime: f.FilledAt, Payload: "{}"}
		if err := tx.Create(&event).Error; err != nil {
			return err
		}

		res := tx.Model(&Order{}).Where("id = ?", in.OrderID).Updates(map[string]interface{}{
			"remaining_qty": in.NewRemainingQty,
			"status":        in.NewStatus,
			"executed_at":   f.FilledAt,
			"updated_at":    f.FilledAt,
		})
		if res.Error != nil {
			return res.Error
		}

		fill = &f
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", paperr.ErrStore, err)
	}
	return fill, nil
}

// UpdateOrderStatus performs a bare status transition (e.g. NEW→PENDING,
// NEW→TRIGGERED, PENDING→CANCELLED) with its accompanying event, atomically.
func (s *Store) UpdateOrderStatus(orderID uint64, newStatus, eventType, payload string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC()
		if err := tx.Model(&Order{}).Where("id = ?", orderID).
			Updates(map[string]interface{}{"status": newStatus, "updated_at": now}).Error; err != nil {
			return err
		}
		return tx.Create(&OrderEvent{OrderID: orderID, EventType: eventType, EventTime: now, Payload: payload}).Error
	})
}

// ═══════════════════════════════════════════════════════════════════════
// READS
// ═══════════════════════════════════════════════════════════════════════

func (s *Store) GetOrder(id uint64) (*Order, error) {
	var o Order
	if err := s.db.First(&o, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, paperr.ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", paperr.ErrStore, err)
	}
	return &o, nil
}

func (s *Store) GetOrderByClientID(clientOrderID string) (*Order, error) {
	var o Order
	if err := s.db.Where("client_order_id = ?", clientOrderID).First(&o).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, paperr.ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", paperr.ErrStore, err)
	}
	return &o, nil
}

// GetOrderBySourceRef looks up the Order descending from a given
// PendingOrder's source_ref — used by C8 to find the live Order behind a
// queued pyramid wave (e.g. to cancel it on session stop).
func (s *Store) GetOrderBySourceRef(sourceRef string) (*Order, error) {
	var o Order
	if err := s.db.Where("source_ref = ?", sourceRef).First(&o).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, paperr.ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", paperr.ErrStore, err)
	}
	return &o, nil
}

// OrderFilter selects rows for ListOrders.
type OrderFilter struct {
	Symbol string
	Status string
}

func (s *Store) ListOrders(f OrderFilter) ([]Order, error) {
	q := s.db.Model(&Order{})
	if f.Symbol != "" {
		q = q.Where("symbol = ?", f.Symbol)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	var rows []Order
	if err := q.Order("id ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("%w: %v", paperr.ErrStore, err)
	}
	return rows, nil
}

// ListOrdersByTypeAndStatus returns orders of a given type and status, in
// ID order — used (with status NEW) by the
// stop-loss scanner (spec.md §4.7 "iterates all order_type = STOP_LOSS,
// status ∈ {NEW} orders").
func (s *Store) ListOrdersByTypeAndStatus(orderType, status string) ([]Order, error) {
	var rows []Order
	if err := s.db.Where("order_type = ? AND status = ?", orderType, status).Order("id ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("%w: %v", paperr.ErrStore, err)
	}
	return rows, nil
}

// ListOrdersByStatus returns orders in a given status, oldest-submitted
// first — used by the latency dispatcher (spec.md §4.7 "pops due orders in
// submitted-order order (stable FIFO)").
func (s *Store) ListOrdersByStatus(status string) ([]Order, error) {
	var rows []Order
	if err := s.db.Where("status = ?", status).Order("submitted_at ASC, id ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("%w: %v", paperr.ErrStore, err)
	}
	return rows, nil
}

func (s *Store) ListFills(orderID uint64) ([]Fill, error) {
	var rows []Fill
	if err := s.db.Where("order_id = ?", orderID).Order("id ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("%w: %v", paperr.ErrStore, err)
	}
	return rows, nil
}

func (s *Store) ListAllFillsSince(since time.Time) ([]Fill, error) {
	var rows []Fill
	q := s.db.Model(&Fill{})
	if !since.IsZero() {
		q = q.Where("filled_at >= ?", since)
	}
	if err := q.Order("id ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("%w: %v", paperr.ErrStore, err)
	}
	return rows, nil
}

func (s *Store) ListEvents(orderID uint64) ([]OrderEvent, error) {
	var rows []OrderEvent
	if err := s.db.Where("order_id = ?", orderID).Order("id ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("%w: %v", paperr.ErrStore, err)
	}
	return rows, nil
}

func (s *Store) ListPnLForOrder(orderID uint64) ([]OrderPnL, error) {
	var rows []OrderPnL
	if err := s.db.Where("order_id = ?", orderID).Order("id ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("%w: %v", paperr.ErrStore, err)
	}
	return rows, nil
}
