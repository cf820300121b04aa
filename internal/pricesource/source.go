// Package pricesource implements C2: the capability the core consumes for
// mark-to-market and stop-loss scanning. Per spec.md §4.2, failure here is
// non-fatal — it degrades mark-to-market and pauses stop-loss scanning but
// never blocks queuing, approval, or accepted-price execution.
package pricesource

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/paperdesk/engine/internal/money"
	"github.com/paperdesk/engine/internal/paperr"
)

// ExchangeInfo is the effectively-immutable-per-run lot-size metadata for a
// symbol, per spec.md §4.2.
type ExchangeInfo struct {
	MinQty    decimal.Decimal
	MaxQty    decimal.Decimal
	StepSize  decimal.Decimal
	PriceStep decimal.Decimal
}

// Step converts ExchangeInfo to the money.Step the risk/execution packages
// quantize against.
func (e ExchangeInfo) Step() money.Step {
	return money.Step{MinQty: e.MinQty, MaxQty: e.MaxQty, StepSize: e.StepSize, PriceStep: e.PriceStep}
}

// Source is the capability contract: symbol → current mid price (with
// staleness age), and symbol → exchange lot-size metadata.
type Source interface {
	CurrentPrice(ctx context.Context, symbol string) (price decimal.Decimal, age time.Duration, err error)
	ExchangeInfo(ctx context.Context, symbol string) (ExchangeInfo, error)
}

// quote is a single cached price observation.
type quote struct {
	price     decimal.Decimal
	fetchedAt time.Time
}

// Feed is a bounded-latency, bounded-staleness cached PriceSource backed by
// an injected upstream fetch function. It is the grounding for the
// teacher's feeds/binance.go poll-and-cache pattern, narrowed to the
// capability spec.md §4.2 actually defines — no network client lives in
// core scope.
type Feed struct {
	mu          sync.RWMutex
	clock       money.Clock
	freshness   time.Duration
	fetchTO     time.Duration
	quotes      map[string]quote
	infos       map[string]ExchangeInfo
	fetch       func(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// NewFeed builds a Feed. fetch performs the actual upstream lookup (a
// real exchange client, a fixture, or a test stub); it is always called
// with a context bounded by fetchTimeout.
func NewFeed(clock money.Clock, freshness, fetchTimeout time.Duration, fetch func(ctx context.Context, symbol string) (decimal.Decimal, error)) *Feed {
	return &Feed{
		clock:     clock,
		freshness: freshness,
		fetchTO:   fetchTimeout,
		quotes:    make(map[string]quote),
		infos:     make(map[string]ExchangeInfo),
		fetch:     fetch,
	}
}

// SetExchangeInfo seeds the (effectively immutable) lot-size metadata for a
// symbol. Called once at startup per symbol.
func (f *Feed) SetExchangeInfo(symbol string, info ExchangeInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.infos[symbol] = info
}

// ExchangeInfo returns the metadata registered via SetExchangeInfo.
func (f *Feed) ExchangeInfo(_ context.Context, symbol string) (ExchangeInfo, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	info, ok := f.infos[symbol]
	if !ok {
		return ExchangeInfo{}, paperr.ErrNotFound
	}
	return info, nil
}

// CurrentPrice returns a cached value up to the freshness bound; beyond
// that it re-fetches, bounded by fetchTimeout. A fetch failure when no
// usable cache exists surfaces ErrPriceSourceUnavailable — never a panic,
// never an indefinite block.
func (f *Feed) CurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, time.Duration, error) {
	now := f.clock.Now()

	f.mu.RLock()
	q, ok := f.quotes[symbol]
	f.mu.RUnlock()
	age := time.Duration(0)
	if ok {
		age = now.Sub(q.fetchedAt)
		if age <= f.freshness {
			return q.price, age, nil
		}
	}

	fetchCtx, cancel := context.WithTimeout(ctx, f.fetchTO)
	defer cancel()

	price, err := f.fetch(fetchCtx, symbol)
	if err != nil {
		if ok {
			// Stale cache is still better than nothing for mark-to-market,
			// but the caller must know it's stale and may choose to skip.
			return q.price, age, fmt.Errorf("%w: %v (serving stale quote aged %s)", paperr.ErrPriceSourceUnavailable, err, age)
		}
		return decimal.Zero, 0, fmt.Errorf("%w: %v", paperr.ErrPriceSourceUnavailable, err)
	}

	f.mu.Lock()
	f.quotes[symbol] = quote{price: price, fetchedAt: now}
	f.mu.Unlock()

	return price, 0, nil
}
