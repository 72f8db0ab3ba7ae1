// Package stochastic owns the random draws used by the market engine.
//
// Every component that needs randomness takes a *rand.Rand explicitly; there
// is no package-level source. Seeding the generator with New makes a whole
// simulation run reproducible.
package stochastic

import (
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/stat/distuv"
)

// New returns a deterministic generator for the given seed.
func New(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

// Uniform draws from [lo, hi).
func Uniform(r *rand.Rand, lo, hi float64) float64 {
	return lo + (hi-lo)*r.Float64()
}

// Shrink draws the relaxation ratio r ~ Uniform(0.5, 1) used by balance
// repair and markup damping.
func Shrink(r *rand.Rand) float64 {
	return Uniform(r, 0.5, 1)
}

// TruncatedNormal draws from a normal distribution with the given mean and
// standard deviation restricted to [lo, hi]. It uses inverse-CDF sampling, so
// it never loops. When the interval carries no numerical mass the mean is
// clamped into the interval instead.
func TruncatedNormal(r *rand.Rand, mean, sd, lo, hi float64) float64 {
	if hi <= lo {
		return lo
	}
	if sd <= 0 {
		return clamp(mean, lo, hi)
	}
	n := distuv.Normal{Mu: mean, Sigma: sd}
	a, b := n.CDF(lo), n.CDF(hi)
	if b-a <= 0 {
		return clamp(mean, lo, hi)
	}
	u := a + (b-a)*r.Float64()
	if u <= 0 || u >= 1 {
		return clamp(mean, lo, hi)
	}
	return clamp(n.Quantile(u), lo, hi)
}

func clamp(x, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, x))
}
