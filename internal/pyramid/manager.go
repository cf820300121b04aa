package pyramid

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/paperdesk/engine/internal/money"
	"github.com/paperdesk/engine/internal/paperr"
	"github.com/paperdesk/engine/internal/pending"
	"github.com/paperdesk/engine/internal/pricesource"
	"github.com/paperdesk/engine/internal/sot"
)

// CancelOrder is the narrow C7 surface a Manager needs (cancel an
// in-flight wave's order on session stop).
type CancelOrder interface {
	Cancel(orderID uint64) error
}

// Manager is C8.
type Manager struct {
	db     *gorm.DB
	orders *sot.Store
	queue  *pending.Queue
	exec   CancelOrder
	prices pricesource.Source
	clock  money.Clock
}

// Open builds a Manager over an existing *gorm.DB. Pyramid state shares
// the SOT connection rather than opening a third pool — it is
// orchestration state tightly coupled to PendingOrder/Order rows, not an
// independently-rebuildable aggregate like C4 (documented in DESIGN.md).
func Open(db *gorm.DB, orders *sot.Store, queue *pending.Queue, exec CancelOrder, prices pricesource.Source, clock money.Clock) (*Manager, error) {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return nil, fmt.Errorf("%w: %v", paperr.ErrStore, err)
	}
	return &Manager{db: db, orders: orders, queue: queue, exec: exec, prices: prices, clock: clock}, nil
}

// CreateParams is the input to Create.
type CreateParams struct {
	Symbol        string
	EntryPrice    decimal.Decimal
	DistancePct   decimal.Decimal
	MaxWaves      int
	IsolatedFund  decimal.Decimal
	TPPct         decimal.Decimal
	TimeoutMin    int64
	GapMin        int64
	PipMultiplier decimal.Decimal
	MinQty        decimal.Decimal
}

// Create builds a new Session in PENDING status (spec.md §4.8). A session
// whose estimated cost exceeds its isolated fund is still created, flagged
// via FundExceeded.
func (m *Manager) Create(p CreateParams) (*Session, error) {
	pipSize := PipSize(p.PipMultiplier, p.MinQty)
	priceStep := m.priceStepFor(p.Symbol)
	estimated := EstimatedCost(p.MaxWaves, p.EntryPrice, p.DistancePct, pipSize, priceStep)

	s := &Session{
		Symbol:        p.Symbol,
		EntryPrice:    p.EntryPrice,
		DistancePct:   p.DistancePct,
		MaxWaves:      p.MaxWaves,
		IsolatedFund:  p.IsolatedFund,
		TPPct:         p.TPPct,
		TimeoutMin:    p.TimeoutMin,
		GapMin:        p.GapMin,
		PipMultiplier: p.PipMultiplier,
		MinQty:        p.MinQty,
		PriceStep:     priceStep,
		Status:        StatusPending,
		EstimatedCost: estimated,
		FundExceeded:  estimated.GreaterThan(p.IsolatedFund),
		CreatedAt:     m.clock.Now(),
	}
	if err := m.db.Create(s).Error; err != nil {
		return nil, fmt.Errorf("%w: %v", paperr.ErrStore, err)
	}
	return s, nil
}

// priceStepFor resolves the symbol's price grid from the wired price
// source. A missing source or an unseeded symbol degrades gracefully
// (spec.md §4.2) to zero, which money.RoundToStep treats as no grid.
func (m *Manager) priceStepFor(symbol string) decimal.Decimal {
	if m.prices == nil {
		return decimal.Zero
	}
	info, err := m.prices.ExchangeInfo(context.Background(), symbol)
	if err != nil {
		return decimal.Zero
	}
	return info.PriceStep
}

func sourceRef(sessionID uint64, waveNum int) string {
	return fmt.Sprintf("pyramid:%d:wave:%d", sessionID, waveNum)
}

func tpSourceRef(sessionID uint64) string {
	return fmt.Sprintf("pyramid:%d:tp", sessionID)
}

// Start transitions PENDING → ACTIVE and enqueues wave 0 (spec.md §4.8).
func (m *Manager) Start(id uint64) (*Session, error) {
	s, err := m.get(id)
	if err != nil {
		return nil, err
	}
	if s.Status != StatusPending {
		return nil, fmt.Errorf("%w: session %d is %s, not PENDING", paperr.ErrStaleState, id, s.Status)
	}
	if err := m.enqueueWave(s, 0); err != nil {
		return nil, err
	}
	now := m.clock.Now()
	s.Status = StatusActive
	s.StartedAt = &now
	if err := m.db.Save(s).Error; err != nil {
		return nil, fmt.Errorf("%w: %v", paperr.ErrStore, err)
	}
	return s, nil
}

// enqueueWave creates wave n QUEUED and submits its BUY LIMIT intent
// through C6. Waves enqueue in strictly increasing wave_num order
// (spec.md §4.8 "Ordering guarantees").
func (m *Manager) enqueueWave(s *Session, n int) error {
	pipSize := PipSize(s.PipMultiplier, s.MinQty)
	qty := TargetQty(n, pipSize)
	// spec.md §9: the float-derived wave price is quantized to the
	// symbol's price step immediately, before it is persisted or queued.
	price := money.RoundToStep(TargetPrice(n, s.EntryPrice, s.DistancePct), s.PriceStep)

	wave := Wave{
		SessionID:   s.ID,
		WaveNum:     n,
		TargetQty:   qty,
		TargetPrice: price,
		Status:      WaveStatusQueued,
	}
	if err := m.db.Create(&wave).Error; err != nil {
		return fmt.Errorf("%w: %v", paperr.ErrStore, err)
	}

	po, err := m.queue.Queue(pending.Intent{
		Symbol:    s.Symbol,
		Side:      sot.SideBuy,
		OrderType: sot.OrderTypeLimit,
		Quantity:  decimal.NewNullDecimal(qty),
		Price:     price,
		Source:    sot.SourcePyramid,
		SourceRef: sourceRef(s.ID, n),
	})
	if err != nil {
		return err
	}

	wave.PendingOrderID = &po.ID
	if err := m.db.Save(&wave).Error; err != nil {
		return fmt.Errorf("%w: %v", paperr.ErrStore, err)
	}

	now := m.clock.Now()
	s.LastWaveQueuedAt = &now
	s.NextWaveDueAt = nil
	return nil
}

// Stop transitions ACTIVE → STOPPED and cancels any outstanding QUEUED
// wave's live order (spec.md §4.8).
func (m *Manager) Stop(id uint64, reason string) (*Session, error) {
	s, err := m.get(id)
	if err != nil {
		return nil, err
	}
	if s.Status != StatusActive {
		return nil, fmt.Errorf("%w: session %d is %s, not ACTIVE", paperr.ErrStaleState, id, s.Status)
	}
	if err := m.cancelOutstandingWave(s); err != nil {
		return nil, err
	}
	s.Status = StatusStopped
	s.StopReason = reason
	if err := m.db.Save(s).Error; err != nil {
		return nil, fmt.Errorf("%w: %v", paperr.ErrStore, err)
	}
	return s, nil
}

func (m *Manager) cancelOutstandingWave(s *Session) error {
	var wave Wave
	err := m.db.Where("session_id = ? AND status = ?", s.ID, WaveStatusQueued).
		Order("wave_num DESC").First(&wave).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: %v", paperr.ErrStore, err)
	}

	if order, err := m.orders.GetOrderBySourceRef(sourceRef(s.ID, wave.WaveNum)); err == nil {
		if cancelErr := m.exec.Cancel(order.ID); cancelErr != nil && !errors.Is(cancelErr, paperr.ErrStaleState) {
			return cancelErr
		}
	}
	wave.Status = WaveStatusCancelled
	return m.db.Save(&wave).Error
}

// AdjustParams reshapes subsequent (unfilled) waves only — filled waves
// are immutable facts (spec.md §4.8).
type AdjustParams struct {
	DistancePct  decimal.NullDecimal
	MaxWaves     *int
	TPPct        decimal.NullDecimal
	TimeoutMin   *int64
	GapMin       *int64
	IsolatedFund decimal.NullDecimal
}

// Adjust mutates a session's forward-looking parameters. Allowed only
// while PENDING or ACTIVE; already-queued/filled waves are untouched —
// the new parameters take effect starting with the next enqueued wave.
func (m *Manager) Adjust(id uint64, p AdjustParams) (*Session, error) {
	s, err := m.get(id)
	if err != nil {
		return nil, err
	}
	if s.Status != StatusPending && s.Status != StatusActive {
		return nil, fmt.Errorf("%w: session %d is %s, cannot adjust", paperr.ErrStaleState, id, s.Status)
	}
	if p.DistancePct.Valid {
		s.DistancePct = p.DistancePct.Decimal
	}
	if p.MaxWaves != nil {
		s.MaxWaves = *p.MaxWaves
	}
	if p.TPPct.Valid {
		s.TPPct = p.TPPct.Decimal
	}
	if p.TimeoutMin != nil {
		s.TimeoutMin = *p.TimeoutMin
	}
	if p.GapMin != nil {
		s.GapMin = *p.GapMin
	}
	if p.IsolatedFund.Valid {
		s.IsolatedFund = p.IsolatedFund.Decimal
	}
	pipSize := PipSize(s.PipMultiplier, s.MinQty)
	s.EstimatedCost = EstimatedCost(s.MaxWaves, s.EntryPrice, s.DistancePct, pipSize, s.PriceStep)
	s.FundExceeded = s.EstimatedCost.GreaterThan(s.IsolatedFund)
	if err := m.db.Save(s).Error; err != nil {
		return nil, fmt.Errorf("%w: %v", paperr.ErrStore, err)
	}
	return s, nil
}

// CheckTP implements spec.md §4.8's check_tp: when current_price crosses
// avg_price × (1 + tp_pct/100), trigger a full-size SELL MARKET close.
func (m *Manager) CheckTP(id uint64, currentPrice decimal.Decimal) (*Session, error) {
	s, err := m.get(id)
	if err != nil {
		return nil, err
	}
	if s.Status != StatusActive || s.TotalFilledQty.IsZero() {
		return s, nil
	}
	threshold := s.AvgPrice.Mul(decimal.NewFromInt(1).Add(s.TPPct.Div(decimal.NewFromInt(100))))
	if currentPrice.LessThan(threshold) {
		return s, nil
	}

	if err := m.cancelOutstandingWave(s); err != nil {
		return nil, err
	}

	_, err = m.queue.Queue(pending.Intent{
		Symbol:    s.Symbol,
		Side:      sot.SideSell,
		OrderType: sot.OrderTypeMarket,
		Quantity:  decimal.NewNullDecimal(s.TotalFilledQty),
		Price:     currentPrice,
		Source:    sot.SourcePyramid,
		SourceRef: tpSourceRef(s.ID),
	})
	if err != nil {
		return nil, err
	}

	s.Status = StatusTPTriggered
	if err := m.db.Save(s).Error; err != nil {
		return nil, fmt.Errorf("%w: %v", paperr.ErrStore, err)
	}
	return s, nil
}

// HandleFill is C9's hook into C8 (spec.md §4.8 "Fill-driven progression")
// and §4.9 ("Dispatch to C8 if source_ref starts with pyramid:"). Called
// synchronously, in fill-append order, by the Coordinator.
func (m *Manager) HandleFill(order sot.Order, fill sot.Fill) error {
	if !strings.HasPrefix(order.SourceRef, "pyramid:") {
		return nil
	}
	sessionID, waveNum, isTP, err := parseSourceRef(order.SourceRef)
	if err != nil {
		return nil
	}

	s, err := m.get(sessionID)
	if err != nil {
		return nil
	}

	if isTP {
		if s.Status != StatusTPTriggered {
			return nil
		}
		s.Status = StatusCompleted
		return m.db.Save(s).Error
	}

	s.TotalFilledQty = s.TotalFilledQty.Add(fill.FillQty)
	s.TotalCost = s.TotalCost.Add(fill.FillQty.Mul(fill.EffectivePrice)).Add(fill.Fees)
	if !s.TotalFilledQty.IsZero() {
		s.AvgPrice = s.TotalCost.Div(s.TotalFilledQty)
	}
	s.LastFillAt = &fill.FilledAt

	var wave Wave
	if err := m.db.Where("session_id = ? AND wave_num = ?", s.ID, waveNum).First(&wave).Error; err != nil {
		return fmt.Errorf("%w: %v", paperr.ErrStore, err)
	}
	prevFilled := decimal.Zero
	if wave.FilledQty.Valid {
		prevFilled = wave.FilledQty.Decimal
	}
	newFilled := prevFilled.Add(fill.FillQty)
	wave.FilledQty = decimal.NewNullDecimal(newFilled)
	wave.FilledPrice = decimal.NewNullDecimal(fill.EffectivePrice)
	if newFilled.GreaterThanOrEqual(wave.TargetQty) {
		wave.Status = WaveStatusFilled
		filledAt := fill.FilledAt
		wave.FilledAt = &filledAt
		s.CurrentWave = waveNum + 1

		if s.CurrentWave < s.MaxWaves {
			gapElapsed := s.LastWaveQueuedAt == nil || m.clock.Now().Sub(*s.LastWaveQueuedAt) >= time.Duration(s.GapMin)*time.Minute
			if gapElapsed {
				if err := m.enqueueWave(s, s.CurrentWave); err != nil {
					return err
				}
			} else {
				due := s.LastWaveQueuedAt.Add(time.Duration(s.GapMin) * time.Minute)
				s.NextWaveDueAt = &due
			}
		}
	}
	if err := m.db.Save(&wave).Error; err != nil {
		return fmt.Errorf("%w: %v", paperr.ErrStore, err)
	}
	if err := m.db.Save(s).Error; err != nil {
		return fmt.Errorf("%w: %v", paperr.ErrStore, err)
	}

	if m.prices != nil {
		if price, _, err := m.prices.CurrentPrice(context.Background(), s.Symbol); err == nil {
			if _, err := m.CheckTP(s.ID, price); err != nil {
				return err
			}
		}
	}
	return nil
}

func parseSourceRef(ref string) (sessionID uint64, waveNum int, isTP bool, err error) {
	parts := strings.Split(ref, ":")
	if len(parts) < 3 || parts[0] != "pyramid" {
		return 0, 0, false, fmt.Errorf("malformed source_ref %q", ref)
	}
	id, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return 0, 0, false, err
	}
	if parts[2] == "tp" {
		return id, 0, true, nil
	}
	if len(parts) != 4 || parts[2] != "wave" {
		return 0, 0, false, fmt.Errorf("malformed source_ref %q", ref)
	}
	n, err := strconv.Atoi(parts[3])
	if err != nil {
		return 0, 0, false, err
	}
	return id, n, false, nil
}

// HandleRejection is the rejection hook: a rejected pyramid order stops
// its session (spec.md §4.8 "Rejection hook").
func (m *Manager) HandleRejection(ev pending.PendingResolved) error {
	if ev.Order.Source != sot.SourcePyramid || ev.Approved {
		return nil
	}
	sessionID, _, _, err := parseSourceRef(ev.Order.SourceRef)
	if err != nil {
		return nil
	}
	s, err := m.get(sessionID)
	if err != nil {
		return nil
	}
	if s.Status != StatusActive {
		return nil
	}
	s.Status = StatusStopped
	s.StopReason = fmt.Sprintf("rejected_by_user:%s", ev.Reason)
	return m.db.Save(s).Error
}

// RunResolutionHook blocks, applying HandleRejection to every
// PendingResolved event on ch until ctx is cancelled — the C6↔C8
// decoupling channel from spec.md §9.
func (m *Manager) RunResolutionHook(ctx context.Context, ch <-chan pending.PendingResolved) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			_ = m.HandleRejection(ev)
		}
	}
}

// CheckTimers runs one pass of the pyramid timer task (spec.md §5): fires
// deferred wave enqueues whose gap has elapsed and times out sessions with
// no activity.
func (m *Manager) CheckTimers() {
	var sessions []Session
	if err := m.db.Where("status = ?", StatusActive).Find(&sessions).Error; err != nil {
		return
	}
	now := m.clock.Now()
	for i := range sessions {
		s := &sessions[i]

		if s.NextWaveDueAt != nil && !now.Before(*s.NextWaveDueAt) {
			if err := m.enqueueWave(s, s.CurrentWave); err == nil {
				_ = m.db.Save(s).Error
			}
			continue
		}

		if s.LastFillAt == nil || s.TimeoutMin <= 0 {
			continue
		}
		var queuedCount int64
		m.db.Model(&Wave{}).Where("session_id = ? AND status = ?", s.ID, WaveStatusQueued).Count(&queuedCount)
		if queuedCount > 0 {
			continue
		}
		if now.Sub(*s.LastFillAt) > time.Duration(s.TimeoutMin)*time.Minute {
			s.Status = StatusTimeout
			_ = m.db.Save(s).Error
		}
	}
}

// RunTimer blocks, firing CheckTimers on the configured interval until
// ctx is cancelled.
func (m *Manager) RunTimer(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CheckTimers()
		}
	}
}

func (m *Manager) get(id uint64) (*Session, error) {
	var s Session
	if err := m.db.First(&s, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, paperr.ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", paperr.ErrStore, err)
	}
	return &s, nil
}

// Get returns a Session by ID.
func (m *Manager) Get(id uint64) (*Session, error) { return m.get(id) }

// ListWaves returns every Wave for a session, in wave_num order.
func (m *Manager) ListWaves(sessionID uint64) ([]Wave, error) {
	var rows []Wave
	if err := m.db.Where("session_id = ?", sessionID).Order("wave_num ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("%w: %v", paperr.ErrStore, err)
	}
	return rows, nil
}
