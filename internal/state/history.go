package state

import (
	"sort"
	"time"

	"github.com/graywater/streamvis/internal/timeutil"
)

// UpsertHistory merges one observation into the rolling history. Timestamps
// are normalized to UTC; an existing entry at the same instant has non-nil
// fields overwritten rather than being duplicated. History stays ascending
// and capped at HistoryLimit.
func (g *GaugeState) UpsertHistory(pt HistoryPoint) {
	t, ok := timeutil.Parse(pt.TS)
	if !ok {
		return
	}
	pt.TS = timeutil.Format(t)

	for i := range g.History {
		if g.History[i].TS == pt.TS {
			if pt.Stage != nil {
				g.History[i].Stage = pt.Stage
			}
			if pt.Flow != nil {
				g.History[i].Flow = pt.Flow
			}
			return
		}
	}

	g.History = append(g.History, pt)
	// Most inserts are already in order; sort only when the tail regressed.
	if n := len(g.History); n > 1 && g.History[n-1].TS < g.History[n-2].TS {
		sort.Slice(g.History, func(i, j int) bool { return g.History[i].TS < g.History[j].TS })
	}
	if len(g.History) > HistoryLimit {
		g.History = g.History[len(g.History)-HistoryLimit:]
	}
}

// HistoryTimes returns the parsed timestamps of the history, ascending,
// skipping unparseable entries.
func (g *GaugeState) HistoryTimes() []time.Time {
	out := make([]time.Time, 0, len(g.History))
	for i := range g.History {
		if t := g.History[i].Time(); !t.IsZero() {
			out = append(out, t)
		}
	}
	return out
}

// Deltas returns up to max most-recent positive inter-observation gaps in
// seconds, derived from history.
func (g *GaugeState) Deltas(max int) []float64 {
	times := g.HistoryTimes()
	var out []float64
	for i := 1; i < len(times); i++ {
		d := times[i].Sub(times[i-1]).Seconds()
		if d > 0 {
			out = append(out, d)
		}
	}
	if max > 0 && len(out) > max {
		out = out[len(out)-max:]
	}
	return out
}

// RealignLast aligns last_timestamp / last_stage / last_flow with the final
// history entry, preserving previous non-nil values on partial reads.
func (g *GaugeState) RealignLast() {
	if len(g.History) == 0 {
		return
	}
	last := &g.History[len(g.History)-1]
	g.LastTimestamp = last.TS
	if last.Stage != nil {
		g.LastStage = last.Stage
	}
	if last.Flow != nil {
		g.LastFlow = last.Flow
	}
}
