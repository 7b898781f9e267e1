// Package cadence learns the reporting rhythm of a gauge from the gaps
// between its observation timestamps. USGS gauges report on a 15-minute
// grid or an integer multiple of it, so the learner snaps gaps onto that
// grid, scores candidate multiples against recent history, and estimates
// the phase offset within the period.
package cadence

import (
	"math"
	"time"

	"github.com/graywater/streamvis/internal/state"
	"github.com/graywater/streamvis/internal/stats"
)

const (
	// Base is the fundamental reporting grid in seconds.
	Base = 900.0
	// SnapTol is how far a gap may sit from a grid multiple and still snap.
	SnapTol = 180.0
	// FitFloor is the minimum fraction of recent gaps a multiple must
	// explain before it is trusted.
	FitFloor = 0.60
	// MaxMultiple bounds the learnable period at 6 hours.
	MaxMultiple = 24
	// MinDelta filters sub-minute duplicate noise.
	MinDelta = 60.0

	alpha       = 0.25
	deltaWindow = 24
	snapUpTail  = 3
	snapUpRatio = 1.25
)

// Snap clamps a raw gap to the learnable range and snaps it onto the
// reporting grid when it lands within tolerance. mult is 0 for off-grid
// gaps.
func Snap(deltaSec float64) (sample float64, mult int) {
	d := state.ClampInterval(deltaSec)
	k := int(math.Round(d / Base))
	if k >= 1 && k <= MaxMultiple && math.Abs(d-float64(k)*Base) <= SnapTol {
		return float64(k) * Base, k
	}
	return d, 0
}

// EstimateMultiple scores every grid multiple against the given gaps and
// returns the largest one explaining at least FitFloor of them, with the
// fraction it explains. Returns (0, 0) when no multiple qualifies.
func EstimateMultiple(deltas []float64) (mult int, fit float64) {
	if len(deltas) == 0 {
		return 0, 0
	}
	counts := make([]int, MaxMultiple+1)
	for _, d := range deltas {
		k := int(math.Round(d / Base))
		if k >= 1 && k <= MaxMultiple && math.Abs(d-float64(k)*Base) <= SnapTol {
			counts[k]++
		}
	}
	for k := MaxMultiple; k >= 1; k-- {
		if f := float64(counts[k]) / float64(len(deltas)); f >= FitFloor {
			return k, f
		}
	}
	return 0, 0
}

// EstimatePhase locates where observations sit inside a period of
// periodSec seconds. Raw phases are unwrapped around the first timestamp
// so a cluster straddling the period boundary is not split in two, then
// centered with Tukey's biweight. ok is false with fewer than three
// usable timestamps.
func EstimatePhase(times []time.Time, periodSec float64) (phase float64, ok bool) {
	if periodSec <= 0 || len(times) < 3 {
		return 0, false
	}
	phases := make([]float64, 0, len(times))
	for _, t := range times {
		if t.IsZero() {
			continue
		}
		phases = append(phases, math.Mod(float64(t.Unix()), periodSec))
	}
	if len(phases) < 3 {
		return 0, false
	}

	anchor := phases[0]
	for i, p := range phases {
		if p < anchor-periodSec/2 {
			phases[i] = p + periodSec
		}
	}

	med := stats.Median(phases)
	loc, _ := stats.BiweightLocationScale(phases, med, stats.MAD(phases, med))
	phase = math.Mod(loc, periodSec)
	if phase < 0 {
		phase += periodSec
	}
	return phase, true
}

// Observe folds the gap between two consecutive observations into the
// learned cadence for a gauge. Gaps under MinDelta seconds are ignored.
// The gauge's history must already contain the new observation.
func Observe(g *state.GaugeState, deltaSec float64) {
	if deltaSec < MinDelta {
		return
	}
	sample, _ := Snap(deltaSec)
	g.MeanIntervalSec = stats.EWMA(g.MeanIntervalSec, sample, alpha)
	refit(g)
}

// Rebuild re-derives the whole cadence from stored history, replacing the
// incremental EWMA with the arithmetic mean of the gaps. Used after a
// backfill rewrites history wholesale. A history with no usable gaps
// leaves the learned values untouched.
func Rebuild(g *state.GaugeState) {
	deltas := recentDeltas(g, 0)
	if len(deltas) == 0 {
		return
	}
	var sum float64
	for _, d := range deltas {
		sum += d
	}
	g.MeanIntervalSec = state.ClampInterval(sum / float64(len(deltas)))
	refit(g)
}

func refit(g *state.GaugeState) {
	deltas := recentDeltas(g, deltaWindow)

	g.CadenceMult, g.CadenceFit = EstimateMultiple(deltas)

	// A gauge that slowed down drags the EWMA up one quarter-step per
	// sample; jump straight to the empirical mean instead.
	if len(deltas) >= snapUpTail {
		tail := deltas[len(deltas)-snapUpTail:]
		var sum float64
		for _, d := range tail {
			sum += d
		}
		if m := sum / snapUpTail; m > snapUpRatio*g.MeanIntervalSec {
			g.MeanIntervalSec = state.ClampInterval(m)
		}
	}

	if g.CadenceMult > 0 {
		period := float64(g.CadenceMult) * Base
		if phase, ok := EstimatePhase(g.HistoryTimes(), period); ok {
			g.PhaseOffsetSec = &phase
		}
	}
}

// recentDeltas returns the gauge's history gaps with sub-minute noise
// removed, keeping the most recent max entries (0 keeps all).
func recentDeltas(g *state.GaugeState, max int) []float64 {
	all := g.Deltas(0)
	kept := all[:0]
	for _, d := range all {
		if d >= MinDelta {
			kept = append(kept, d)
		}
	}
	if max > 0 && len(kept) > max {
		kept = kept[len(kept)-max:]
	}
	return kept
}
