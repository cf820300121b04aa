package pricesource

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/paperdesk/engine/internal/paperr"
)

// FixedSource is a hand-driven Source for tests: prices and availability
// are set directly by the test rather than fetched, making scenarios like
// E3 (three unavailable ticks then a price) trivial to script.
type FixedSource struct {
	mu        sync.RWMutex
	prices    map[string]decimal.Decimal
	available map[string]bool
	infos     map[string]ExchangeInfo
}

// NewFixedSource builds an empty FixedSource.
func NewFixedSource() *FixedSource {
	return &FixedSource{
		prices:    make(map[string]decimal.Decimal),
		available: make(map[string]bool),
		infos:     make(map[string]ExchangeInfo),
	}
}

// SetPrice sets the current price for symbol and marks it available.
func (f *FixedSource) SetPrice(symbol string, price decimal.Decimal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prices[symbol] = price
	f.available[symbol] = true
}

// SetUnavailable marks symbol as unavailable until the next SetPrice call.
func (f *FixedSource) SetUnavailable(symbol string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.available[symbol] = false
}

// SetExchangeInfo seeds lot-size metadata for symbol.
func (f *FixedSource) SetExchangeInfo(symbol string, info ExchangeInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.infos[symbol] = info
}

func (f *FixedSource) CurrentPrice(_ context.Context, symbol string) (decimal.Decimal, time.Duration, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if !f.available[symbol] {
		return decimal.Zero, 0, paperr.ErrPriceSourceUnavailable
	}
	return f.prices[symbol], 0, nil
}

func (f *FixedSource) ExchangeInfo(_ context.Context, symbol string) (ExchangeInfo, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	info, ok := f.infos[symbol]
	if !ok {
		return ExchangeInfo{}, paperr.ErrNotFound
	}
	return info, nil
}
