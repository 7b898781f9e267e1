// Package stats provides the estimators behind cadence and latency learning:
// exponentially weighted means, median/MAD, Tukey's biweight location and
// scale, and tail-latency percentiles for backend timing.
package stats

import (
	"math"
	"sort"
)

// Biweight tuning constants. The location constant is deliberately tighter
// than the scale constant so outlier samples lose influence on the center
// before they stop contributing spread.
const (
	biweightLocC     = 6.0
	biweightScaleC   = 9.0
	biweightMaxIters = 5
	biweightTol      = 1e-6
)

// EWMA folds a new sample into an exponentially weighted mean. A
// non-positive current mean means "uninitialized" and adopts the sample.
func EWMA(current, sample, alpha float64) float64 {
	if current <= 0 {
		return sample
	}
	return (1-alpha)*current + alpha*sample
}

// EWMAVariance folds the squared deviation of a new sample into an
// exponentially weighted variance.
func EWMAVariance(currentVar, currentMean, sample, alpha float64) float64 {
	if currentVar < 0 {
		currentVar = 0
	}
	diff := sample - currentMean
	return (1-alpha)*currentVar + alpha*diff*diff
}

// Median returns the median of values, 0 for an empty slice.
func Median(values []float64) float64 {
	n := len(values)
	if n == 0 {
		return 0
	}
	sorted := make([]float64, n)
	copy(sorted, values)
	sort.Float64s(sorted)
	mid := n / 2
	if n%2 == 1 {
		return sorted[mid]
	}
	return 0.5 * (sorted[mid-1] + sorted[mid])
}

// MAD returns the median absolute deviation of values around center.
func MAD(values []float64, center float64) float64 {
	if len(values) == 0 {
		return 0
	}
	devs := make([]float64, len(values))
	for i, v := range values {
		devs[i] = math.Abs(v - center)
	}
	return Median(devs)
}

// BiweightLocationScale runs Tukey's biweight (bisquare) estimator over
// values, starting from the given location and scale. Non-finite and
// negative samples are dropped; when nothing survives the initial estimates
// are returned unchanged. The location is refined iteratively, then the
// biweight midvariance produces the scale.
func BiweightLocationScale(values []float64, initLoc, initScale float64) (loc, scale float64) {
	clean := values[:0:0]
	for _, v := range values {
		if !math.IsInf(v, 0) && !math.IsNaN(v) && v >= 0 {
			clean = append(clean, v)
		}
	}
	if len(clean) == 0 {
		return initLoc, math.Max(0, initScale)
	}

	loc = initLoc
	scale = math.Max(initScale, 1e-6)

	for i := 0; i < biweightMaxIters; i++ {
		denom := biweightLocC * scale
		if denom <= 0 {
			break
		}
		var num, den float64
		for _, v := range clean {
			u := (v - loc) / denom
			if math.Abs(u) >= 1 {
				continue
			}
			w := (1 - u*u) * (1 - u*u)
			num += (v - loc) * w
			den += w
		}
		if den <= 1e-12 {
			break
		}
		delta := num / den
		loc += delta
		if math.Abs(delta) < biweightTol {
			break
		}
	}

	denom := biweightScaleC * scale
	if denom <= 0 {
		return loc, 0
	}
	var num, den float64
	for _, v := range clean {
		u := (v - loc) / denom
		if math.Abs(u) >= 1 {
			continue
		}
		oneMinus := 1 - u*u
		num += (v - loc) * (v - loc) * oneMinus * oneMinus * oneMinus * oneMinus
		den += oneMinus * (1 - 5*u*u)
	}
	den = math.Abs(den)
	if den <= 1e-12 {
		return loc, 0
	}
	scale = math.Sqrt(float64(len(clean))*num) / den
	return loc, math.Max(scale, 0)
}
