package money

import (
	"math/rand"

	"github.com/shopspring/decimal"
)

// RandomSource abstracts the uniform-random draws the execution engine uses
// for slippage and latency jitter. Seeding it is what makes property 9
// (deterministic replay given fixed seeds) possible.
type RandomSource interface {
	// UniformFloat64 returns a value in [0, 1).
	UniformFloat64() float64
}

// MathRandSource wraps a seeded math/rand.Rand.
type MathRandSource struct {
	r *rand.Rand
}

// NewMathRandSource builds a RandomSource seeded deterministically.
func NewMathRandSource(seed int64) *MathRandSource {
	return &MathRandSource{r: rand.New(rand.NewSource(seed))}
}

func (s *MathRandSource) UniformFloat64() float64 {
	return s.r.Float64()
}

// UniformDecimal draws a value uniformly in [0, max).
func UniformDecimal(src RandomSource, max decimal.Decimal) decimal.Decimal {
	if max.IsZero() || max.IsNegative() {
		return decimal.Zero
	}
	f := src.UniformFloat64()
	return decimal.NewFromFloat(f).Mul(max)
}

// ZeroRandomSource always returns 0 — used by tests that want slippage and
// latency jitter disabled entirely (the "seeds such that slippage/latency =
// 0" scenarios in spec.md §8).
type ZeroRandomSource struct{}

func (ZeroRandomSource) UniformFloat64() float64 { return 0 }
