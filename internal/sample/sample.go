// Package sample draws bounded random values for simulation drivers.
//
// Every sampler clamps its result into [min, max] instead of re-sampling:
// rejection sampling would make per-trial cost unbounded when a range is
// tight relative to the distribution. Randomness is always injected, so a
// fixed seed yields bit-identical sample streams.
//
// Drivers are sampled independently; there is no cross-driver correlation.
// A correlated (copula) sampler can be slotted in behind the same Sampler
// surface without touching the aggregators.
package sample

import (
	"math"
	"math/rand"

	"github.com/montecast-ai/montecast/internal/model"
)

// Sampler draws driver values from an injected PRNG. Not safe for
// concurrent use; each worker derives its own via ChildSeed.
type Sampler struct {
	rng *rand.Rand
}

// New returns a Sampler over a source seeded with seed.
func New(seed int64) *Sampler {
	return &Sampler{rng: rand.New(rand.NewSource(seed))}
}

// Driver returns one sample for d, clamped to [d.Min, d.Max].
func (s *Sampler) Driver(d model.DriverSpec) float64 {
	var x float64
	switch d.Distribution {
	case model.DistributionNormal:
		x = s.normal(d.Mean, d.StdDev)
	case model.DistributionLognormal:
		x = s.lognormal(d.Mean, d.StdDev)
	case model.DistributionTriangular:
		x = s.triangular(d.Min, d.Mean, d.Max)
	default:
		// Unreachable after validation; hold the line at the mean.
		x = d.Mean
	}
	return clamp(x, d.Min, d.Max)
}

// DriverSet samples every spec in order into dst, reusing dst across
// calls. Order matters for reproducibility: callers pass specs sorted by
// ID so each trial consumes the stream identically.
func (s *Sampler) DriverSet(specs []model.DriverSpec, dst map[string]float64) {
	for _, d := range specs {
		dst[d.ID] = s.Driver(d)
	}
}

// normal draws from N(mean, stdDev²).
func (s *Sampler) normal(mean, stdDev float64) float64 {
	if stdDev == 0 {
		return mean
	}
	return mean + stdDev*s.rng.NormFloat64()
}

// lognormal draws from a lognormal parameterized so the arithmetic mean
// of the result approximates mean (not the median, which a naive
// exp(N(log mean, stdDev)) would give): for X ~ LogNormal(mu, sigma²),
// E[X] = exp(mu + sigma²/2), so sigma² = log(1 + (stdDev/mean)²) and
// mu = log(mean) - sigma²/2.
func (s *Sampler) lognormal(mean, stdDev float64) float64 {
	if stdDev == 0 {
		return mean
	}
	cv := stdDev / mean
	sigma2 := math.Log1p(cv * cv)
	mu := math.Log(mean) - sigma2/2
	return math.Exp(mu + math.Sqrt(sigma2)*s.rng.NormFloat64())
}

// triangular draws from Triangular(a, c, b) with mode c, by inverse CDF.
func (s *Sampler) triangular(a, c, b float64) float64 {
	if b <= a {
		return a
	}
	u := s.rng.Float64()
	fc := (c - a) / (b - a)
	if u < fc {
		return a + math.Sqrt(u*(b-a)*(c-a))
	}
	return b - math.Sqrt((1-u)*(b-a)*(b-c))
}

func clamp(x, min, max float64) float64 {
	if x < min {
		return min
	}
	if x > max {
		return max
	}
	return x
}

// ChildSeed derives a decorrelated seed for a numbered stream from the
// run seed (splitmix64 finalizer). Per-trial streams keep results
// bit-identical regardless of how trials are spread across workers.
func ChildSeed(seed int64, stream uint64) int64 {
	z := uint64(seed) ^ (stream * 0x9E3779B97F4A7C15)
	z ^= z >> 30
	z *= 0xBF58476D1CE4E5B9
	z ^= z >> 27
	z *= 0x94D049BB133111EB
	z ^= z >> 31
	return int64(z)
}
