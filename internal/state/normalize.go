package state

import (
	"math"
	"sort"

	"github.com/graywater/streamvis/internal/timeutil"
)

// Interval clamp bounds for mean_interval_sec.
const (
	MinIntervalSec = 15 * 60
	MaxIntervalSec = 6 * 3600
)

// Latency priors used when a gauge has no usable estimate.
const (
	LatencyPriorLocSec   = 600.0
	LatencyPriorScaleSec = 100.0
)

const maxCadenceMult = 24

// Normalize repairs a loaded document in place: history is deduplicated and
// re-sorted, last-value fields realigned, learning parameters clamped, and
// incoherent values dropped. Defaults override nonsense; nothing here
// raises.
func (s *State) Normalize() {
	if s.Meta == nil {
		s.Meta = &Meta{}
	}
	s.Meta.StateVersion = SchemaVersion
	if s.Gauges == nil {
		s.Gauges = make(map[string]*GaugeState)
	}
	for id, g := range s.Gauges {
		if g == nil {
			delete(s.Gauges, id)
			continue
		}
		g.normalize()
	}
	for name, bs := range s.Meta.BackendStats {
		if bs == nil {
			delete(s.Meta.BackendStats, name)
			continue
		}
		if bs.SuccessCount < 0 {
			bs.SuccessCount = 0
		}
		if bs.FailCount < 0 {
			bs.FailCount = 0
		}
		if !isFinite(bs.LatencyEWMAMs) || bs.LatencyEWMAMs < 0 {
			bs.LatencyEWMAMs = 0
		}
		if !isFinite(bs.LatencyVarEWMAMs) || bs.LatencyVarEWMAMs < 0 {
			bs.LatencyVarEWMAMs = 0
		}
	}
}

func (g *GaugeState) normalize() {
	g.normalizeHistory()
	g.RealignLast()

	g.MeanIntervalSec = ClampInterval(g.MeanIntervalSec)

	if g.CadenceMult < 0 || g.CadenceMult > maxCadenceMult ||
		(g.CadenceMult > 0 && g.CadenceFit < 0.6) {
		g.CadenceMult = 0
		g.CadenceFit = 0
	}
	if g.CadenceMult > 0 && g.PhaseOffsetSec != nil {
		// Phase lives on the cadence grid, not on the EWMA interval.
		period := float64(g.CadenceMult) * MinIntervalSec
		p := math.Mod(*g.PhaseOffsetSec, period)
		if p < 0 {
			p += period
		}
		g.PhaseOffsetSec = &p
	}

	kept := g.LatencySamples[:0]
	for _, v := range g.LatencySamples {
		if isFinite(v) && v >= 0 {
			kept = append(kept, v)
		}
	}
	g.LatencySamples = kept
	if len(g.LatencySamples) > HistoryLimit {
		g.LatencySamples = g.LatencySamples[len(g.LatencySamples)-HistoryLimit:]
	}
	if !isFinite(g.LatencyLocSec) || g.LatencyLocSec <= 0 {
		g.LatencyLocSec = LatencyPriorLocSec
	}
	if !isFinite(g.LatencyScaleSec) || g.LatencyScaleSec <= 0 {
		g.LatencyScaleSec = LatencyPriorScaleSec
	}
	if w := g.LatencyWindow; w != nil {
		if !isFinite(w[0]) || !isFinite(w[1]) || w[1] < 0 || w[1] < w[0] {
			g.LatencyWindow = nil
		}
	}

	if g.NoUpdatePolls < 0 {
		g.NoUpdatePolls = 0
	}
	if !isFinite(g.PollsPerUpdateEWMA) || g.PollsPerUpdateEWMA < 0 {
		g.PollsPerUpdateEWMA = 0
	}
	if g.NextETA != "" {
		if _, ok := timeutil.Parse(g.NextETA); !ok {
			g.NextETA = ""
		}
	}
	if g.LastPollTS != "" {
		if _, ok := timeutil.Parse(g.LastPollTS); !ok {
			g.LastPollTS = ""
		}
	}
}

// normalizeHistory drops unparseable entries, merges duplicate timestamps
// keeping the latest non-nil values, sorts ascending, and trims to the cap.
func (g *GaugeState) normalizeHistory() {
	if len(g.History) == 0 {
		return
	}
	merged := make(map[string]*HistoryPoint, len(g.History))
	order := make([]string, 0, len(g.History))
	for i := range g.History {
		pt := g.History[i]
		t, ok := timeutil.Parse(pt.TS)
		if !ok {
			continue
		}
		key := timeutil.Format(t)
		if have, ok := merged[key]; ok {
			if pt.Stage != nil {
				have.Stage = pt.Stage
			}
			if pt.Flow != nil {
				have.Flow = pt.Flow
			}
			continue
		}
		merged[key] = &HistoryPoint{TS: key, Stage: pt.Stage, Flow: pt.Flow}
		order = append(order, key)
	}
	sort.Strings(order)
	out := make([]HistoryPoint, 0, len(order))
	for _, key := range order {
		out = append(out, *merged[key])
	}
	if len(out) > HistoryLimit {
		out = out[len(out)-HistoryLimit:]
	}
	g.History = out
}

// ClampInterval bounds an interval to [MinIntervalSec, MaxIntervalSec].
func ClampInterval(sec float64) float64 {
	if sec < MinIntervalSec {
		return MinIntervalSec
	}
	if sec > MaxIntervalSec {
		return MaxIntervalSec
	}
	return sec
}

// EvictDynamic removes the state of discovered gauges wholesale along with
// the discovery metadata, leaving configured gauges untouched.
func (s *State) EvictDynamic(ids []string) {
	for _, id := range ids {
		delete(s.Gauges, id)
		delete(s.Forecast, id)
		delete(s.NWRFC, id)
	}
	if s.Meta != nil {
		s.Meta.DynamicSites = nil
		s.Meta.NearbyGauges = nil
		s.Meta.NearbySearchTS = ""
	}
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
