package money

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func TestRoundToStepZeroStepIsNoGrid(t *testing.T) {
	t.Parallel()
	v := d("1.23456")
	got := RoundToStep(v, decimal.Zero)
	if !got.Equal(v) {
		t.Errorf("RoundToStep with zero step = %s, want unchanged %s", got, v)
	}
}

func TestRoundToStepQuantizesToGrid(t *testing.T) {
	t.Parallel()
	cases := []struct {
		v, step, want string
	}{
		{"1.07", "0.1", "1.1"},
		{"1.04", "0.1", "1.0"},
		{"0.123", "0.01", "0.12"},
		{"0.127", "0.01", "0.13"},
		{"10", "5", "10"},
		{"12", "5", "10"},
		{"13", "5", "15"},
	}
	for _, c := range cases {
		got := RoundToStep(d(c.v), d(c.step))
		if !got.Equal(d(c.want)) {
			t.Errorf("RoundToStep(%s, %s) = %s, want %s", c.v, c.step, got, c.want)
		}
	}
}

// RoundToStep quantizes with round-half-to-even: exactly-between values
// round to whichever neighboring grid unit is even, not always up.
func TestRoundToStepBankersRoundingOnExactHalf(t *testing.T) {
	t.Parallel()
	cases := []struct {
		v, step, want string
	}{
		{"0.05", "0.1", "0.0"},  // 0.5 units, 0 is even -> rounds down
		{"0.15", "0.1", "0.2"},  // 1.5 units, 2 is even -> rounds up
		{"0.25", "0.1", "0.2"},  // 2.5 units, 2 is even -> rounds down
		{"0.35", "0.1", "0.4"},  // 3.5 units, 4 is even -> rounds up
	}
	for _, c := range cases {
		got := RoundToStep(d(c.v), d(c.step))
		if !got.Equal(d(c.want)) {
			t.Errorf("RoundToStep(%s, %s) = %s, want %s (banker's rounding)", c.v, c.step, got, c.want)
		}
	}
}

func TestInRangeInclusiveBoundaries(t *testing.T) {
	t.Parallel()
	min, max := d("1"), d("10")
	cases := []struct {
		qty  decimal.Decimal
		want bool
	}{
		{d("1"), true},
		{d("10"), true},
		{d("5"), true},
		{d("0.999"), false},
		{d("10.001"), false},
	}
	for _, c := range cases {
		if got := InRange(c.qty, min, max); got != c.want {
			t.Errorf("InRange(%s, %s, %s) = %v, want %v", c.qty, min, max, got, c.want)
		}
	}
}

func TestInRangeZeroMaxMeansUnbounded(t *testing.T) {
	t.Parallel()
	if !InRange(d("1000000"), d("0"), decimal.Zero) {
		t.Errorf("InRange with zero max should treat max as unbounded")
	}
}

func TestFakeClockAdvanceAndSet(t *testing.T) {
	t.Parallel()
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewFakeClock(start)
	if !c.Now().Equal(start) {
		t.Fatalf("FakeClock.Now() = %v, want %v", c.Now(), start)
	}
	advanced := c.Advance(time.Hour)
	want := start.Add(time.Hour)
	if !advanced.Equal(want) || !c.Now().Equal(want) {
		t.Errorf("FakeClock.Advance(1h) = %v, want %v", c.Now(), want)
	}
	later := start.Add(24 * time.Hour)
	c.Set(later)
	if !c.Now().Equal(later) {
		t.Errorf("FakeClock.Set = %v, want %v", c.Now(), later)
	}
}

func TestZeroRandomSourceAlwaysZero(t *testing.T) {
	t.Parallel()
	var src ZeroRandomSource
	for i := 0; i < 3; i++ {
		if got := src.UniformFloat64(); got != 0 {
			t.Errorf("ZeroRandomSource.UniformFloat64() = %v, want 0", got)
		}
	}
	got := UniformDecimal(src, d("100"))
	if !got.Equal(decimal.Zero) {
		t.Errorf("UniformDecimal with ZeroRandomSource = %s, want 0", got)
	}
}

func TestUniformDecimalRejectsNonPositiveMax(t *testing.T) {
	t.Parallel()
	src := NewMathRandSource(1)
	if got := UniformDecimal(src, decimal.Zero); !got.Equal(decimal.Zero) {
		t.Errorf("UniformDecimal with zero max = %s, want 0", got)
	}
	if got := UniformDecimal(src, d("-5")); !got.Equal(decimal.Zero) {
		t.Errorf("UniformDecimal with negative max = %s, want 0", got)
	}
}

func TestUniformDecimalBoundedByMax(t *testing.T) {
	t.Parallel()
	src := NewMathRandSource(42)
	max := d("50")
	for i := 0; i < 20; i++ {
		got := UniformDecimal(src, max)
		if got.IsNegative() || got.GreaterThan(max) {
			t.Errorf("UniformDecimal(%s) = %s, out of [0, %s)", max, got, max)
		}
	}
}

func TestMathRandSourceDeterministicPerSeed(t *testing.T) {
	t.Parallel()
	a := NewMathRandSource(7)
	b := NewMathRandSource(7)
	for i := 0; i < 5; i++ {
		if a.UniformFloat64() != b.UniformFloat64() {
			t.Fatalf("two MathRandSource with same seed diverged at draw %d", i)
		}
	}
}
