// Package latency estimates the delay between a gauge observation's
// timestamp and the moment it becomes visible in the API. Each new
// observation yields only a bracket, not an exact delay: it became
// visible somewhere between the previous poll and the poll that returned
// it. The estimator feeds bracket midpoints into a robust location/scale
// fit so the scheduler can aim polls just after the expected visibility
// moment.
package latency

import (
	"math"
	"time"

	"github.com/graywater/streamvis/internal/state"
	"github.com/graywater/streamvis/internal/stats"
)

const (
	maxSamples = 120
	minForFit  = 3
)

// Observe records the visibility bracket for one new observation and
// refits the estimator. tPrevPoll is the last poll that did not yet see
// the observation; the zero time means this was the first poll. The
// recorded midpoint is returned with ok=false when the bracket is
// discarded for clock skew.
func Observe(g *state.GaugeState, tObs, tPrevPoll, tPoll time.Time) (sample float64, ok bool) {
	upper := tPoll.Sub(tObs).Seconds()
	if upper < 0 {
		// The observation claims to postdate the poll that returned it.
		return 0, false
	}
	lower := 0.0
	if !tPrevPoll.IsZero() {
		lower = math.Max(0, tPrevPoll.Sub(tObs).Seconds())
	}

	sample = (lower + upper) / 2
	if sample < 0 {
		sample = 0
	}
	if sample > upper {
		sample = upper
	}

	g.LatencySamples = append(g.LatencySamples, sample)
	if len(g.LatencySamples) > maxSamples {
		g.LatencySamples = g.LatencySamples[len(g.LatencySamples)-maxSamples:]
	}
	g.LatencyWindow = &[2]float64{lower, upper}
	Refit(g)
	return sample, true
}

// Refit recomputes latency_loc_sec and latency_scale_sec from the stored
// samples. Fewer than three usable samples fall back to the prior.
func Refit(g *state.GaugeState) {
	samples := make([]float64, 0, len(g.LatencySamples))
	for _, v := range g.LatencySamples {
		if !math.IsNaN(v) && !math.IsInf(v, 0) && v >= 0 {
			samples = append(samples, v)
		}
	}
	if len(samples) < minForFit {
		g.LatencyLocSec = state.LatencyPriorLocSec
		g.LatencyScaleSec = state.LatencyPriorScaleSec
		return
	}

	med := stats.Median(samples)
	mad := stats.MAD(samples, med)
	loc, scale := stats.BiweightLocationScale(samples, med, mad)
	if math.IsNaN(loc) || math.IsInf(loc, 0) || loc < 0 {
		loc = med
	}
	if math.IsNaN(scale) || scale <= 0 {
		// Degenerate spread still has to satisfy latency_scale_sec > 0.
		scale = math.Max(mad, 1)
	}
	g.LatencyLocSec = loc
	g.LatencyScaleSec = scale
}
