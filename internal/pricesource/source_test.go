package pricesource

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/paperdesk/engine/internal/money"
	"github.com/paperdesk/engine/internal/paperr"
)

func TestExchangeInfoNotFoundUntilSeeded(t *testing.T) {
	t.Parallel()
	clock := money.NewFakeClock(time.Now())
	f := NewFeed(clock, time.Minute, time.Second, func(ctx context.Context, symbol string) (decimal.Decimal, error) {
		return decimal.Zero, errors.New("unused")
	})

	if _, err := f.ExchangeInfo(context.Background(), "BTCUSD"); !errors.Is(err, paperr.ErrNotFound) {
		t.Errorf("ExchangeInfo before SetExchangeInfo = %v, want ErrNotFound", err)
	}

	want := ExchangeInfo{MinQty: decimal.NewFromFloat(0.001), MaxQty: decimal.NewFromInt(100), StepSize: decimal.NewFromFloat(0.001)}
	f.SetExchangeInfo("BTCUSD", want)
	got, err := f.ExchangeInfo(context.Background(), "BTCUSD")
	if err != nil {
		t.Fatalf("ExchangeInfo after seeding: %v", err)
	}
	if !got.MinQty.Equal(want.MinQty) {
		t.Errorf("ExchangeInfo.MinQty = %s, want %s", got.MinQty, want.MinQty)
	}
}

func TestCurrentPriceServesCachedQuoteWithinFreshness(t *testing.T) {
	t.Parallel()
	clock := money.NewFakeClock(time.Now())
	calls := 0
	f := NewFeed(clock, time.Minute, time.Second, func(ctx context.Context, symbol string) (decimal.Decimal, error) {
		calls++
		return decimal.NewFromInt(100), nil
	})

	price, age, err := f.CurrentPrice(context.Background(), "BTCUSD")
	if err != nil {
		t.Fatalf("first CurrentPrice: %v", err)
	}
	if !price.Equal(decimal.NewFromInt(100)) || age != 0 {
		t.Errorf("first CurrentPrice = (%s, %v), want (100, 0)", price, age)
	}

	clock.Advance(30 * time.Second)
	price2, age2, err := f.CurrentPrice(context.Background(), "BTCUSD")
	if err != nil {
		t.Fatalf("second CurrentPrice: %v", err)
	}
	if !price2.Equal(price) {
		t.Errorf("second CurrentPrice within freshness should reuse cached price, got %s", price2)
	}
	if age2 != 30*time.Second {
		t.Errorf("age2 = %v, want 30s", age2)
	}
	if calls != 1 {
		t.Errorf("fetch called %d times, want exactly 1 within the freshness window", calls)
	}
}

func TestCurrentPriceRefetchesAfterStale(t *testing.T) {
	t.Parallel()
	clock := money.NewFakeClock(time.Now())
	calls := 0
	f := NewFeed(clock, time.Minute, time.Second, func(ctx context.Context, symbol string) (decimal.Decimal, error) {
		calls++
		return decimal.NewFromInt(100 + int64(calls)), nil
	})

	if _, _, err := f.CurrentPrice(context.Background(), "BTCUSD"); err != nil {
		t.Fatalf("first CurrentPrice: %v", err)
	}
	clock.Advance(2 * time.Minute)
	price, age, err := f.CurrentPrice(context.Background(), "BTCUSD")
	if err != nil {
		t.Fatalf("second CurrentPrice: %v", err)
	}
	if age != 0 {
		t.Errorf("age after refetch = %v, want 0", age)
	}
	if !price.Equal(decimal.NewFromInt(102)) {
		t.Errorf("price after refetch = %s, want 102 (second fetch)", price)
	}
	if calls != 2 {
		t.Errorf("fetch called %d times, want exactly 2", calls)
	}
}

func TestCurrentPriceFallsBackToStaleQuoteOnFetchFailure(t *testing.T) {
	t.Parallel()
	clock := money.NewFakeClock(time.Now())
	calls := 0
	f := NewFeed(clock, time.Minute, time.Second, func(ctx context.Context, symbol string) (decimal.Decimal, error) {
		calls++
		if calls == 1 {
			return decimal.NewFromInt(100), nil
		}
		return decimal.Zero, errors.New("upstream down")
	})

	if _, _, err := f.CurrentPrice(context.Background(), "BTCUSD"); err != nil {
		t.Fatalf("first CurrentPrice: %v", err)
	}
	clock.Advance(2 * time.Minute)

	price, age, err := f.CurrentPrice(context.Background(), "BTCUSD")
	if !errors.Is(err, paperr.ErrPriceSourceUnavailable) {
		t.Errorf("CurrentPrice on fetch failure with a stale cache should wrap ErrPriceSourceUnavailable, got %v", err)
	}
	if !price.Equal(decimal.NewFromInt(100)) {
		t.Errorf("CurrentPrice on fetch failure should still return the stale cached price, got %s", price)
	}
	if age != 2*time.Minute {
		t.Errorf("age on stale fallback = %v, want 2m", age)
	}
}

func TestCurrentPriceErrorsWithNoCacheAndFailingFetch(t *testing.T) {
	t.Parallel()
	clock := money.NewFakeClock(time.Now())
	f := NewFeed(clock, time.Minute, time.Second, func(ctx context.Context, symbol string) (decimal.Decimal, error) {
		return decimal.Zero, errors.New("upstream down")
	})

	_, _, err := f.CurrentPrice(context.Background(), "BTCUSD")
	if !errors.Is(err, paperr.ErrPriceSourceUnavailable) {
		t.Errorf("CurrentPrice with no cache and failing fetch should wrap ErrPriceSourceUnavailable, got %v", err)
	}
}
