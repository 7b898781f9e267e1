// Package poll runs the adaptive polling engine: it fetches readings,
// feeds the per-gauge estimators, schedules the next API call, and
// persists state after every cycle.
package poll

import (
	"sort"
	"time"

	"github.com/graywater/streamvis/internal/cadence"
	"github.com/graywater/streamvis/internal/latency"
	"github.com/graywater/streamvis/internal/state"
	"github.com/graywater/streamvis/internal/stats"
	"github.com/graywater/streamvis/internal/timeutil"
	"github.com/graywater/streamvis/internal/usgs"
)

// pollsAlpha smooths the polls-per-update cost estimate.
const pollsAlpha = 0.25

// Apply folds one batch of readings into the state and returns, per gauge
// id, whether the batch carried a genuinely new observation. Estimator
// updates (cadence, latency, poll cost) happen here and nowhere else.
func Apply(st *state.State, readings map[string]usgs.Reading, pollTS time.Time) map[string]bool {
	updates := make(map[string]bool, len(readings))

	ids := make([]string, 0, len(readings))
	for id := range readings {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		r := readings[id]
		if r.ObservedAt.IsZero() {
			updates[id] = false
			continue
		}
		g := st.Gauge(id)

		// Both anchors must be captured before the gauge mutates:
		// the latency window wants the poll time that preceded this
		// observation, not the one being recorded now.
		prevObs := g.LastTime()
		prevPoll := g.LastPollTime()

		pt := state.HistoryPoint{
			TS:    timeutil.Format(r.ObservedAt),
			Stage: r.Stage,
			Flow:  r.Flow,
		}

		if !prevObs.IsZero() && !r.ObservedAt.After(prevObs) {
			// Stale or repeated timestamp. A repeat can still revise
			// the values in place; provisional sensor data settles.
			if r.ObservedAt.Equal(prevObs) {
				g.UpsertHistory(pt)
				g.RealignLast()
			}
			g.NoUpdatePolls++
			g.LastPollTS = timeutil.Format(pollTS)
			updates[id] = false
			continue
		}

		var delta float64
		if !prevObs.IsZero() {
			delta = r.ObservedAt.Sub(prevObs).Seconds()
		}
		isUpdate := prevObs.IsZero() || delta >= cadence.MinDelta

		g.UpsertHistory(pt)
		g.RealignLast()

		if isUpdate {
			g.PollsPerUpdateEWMA = stats.EWMA(g.PollsPerUpdateEWMA, float64(g.NoUpdatePolls+1), pollsAlpha)
		}
		if !prevObs.IsZero() && delta >= cadence.MinDelta {
			cadence.Observe(g, delta)
			latency.Observe(g, r.ObservedAt, prevPoll, pollTS)
			g.NoUpdatePolls = 0
		}
		g.LastPollTS = timeutil.Format(pollTS)
		updates[id] = isUpdate
	}

	st.Meta.LastUpdateRun = timeutil.Format(pollTS)
	return updates
}
