package poll

import (
	"context"
	"sort"
	"time"

	"github.com/graywater/streamvis/internal/cadence"
	"github.com/graywater/streamvis/internal/logger"
	"github.com/graywater/streamvis/internal/state"
	"github.com/graywater/streamvis/internal/timeutil"
	"github.com/graywater/streamvis/internal/usgs"
)

const (
	periodicBackfillInterval = 6 * time.Hour
	periodicBackfillLookback = 6
)

// mergeHistory folds fetched time series into each gauge's history and
// rebuilds the cadence estimate from the merged record.
func mergeHistory(st *state.State, series map[string][]usgs.Reading) {
	ids := make([]string, 0, len(series))
	for id := range series {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		pts := series[id]
		if len(pts) == 0 {
			continue
		}
		g := st.Gauge(id)
		for _, r := range pts {
			if r.ObservedAt.IsZero() {
				continue
			}
			g.UpsertHistory(state.HistoryPoint{
				TS:    timeutil.Format(r.ObservedAt),
				Stage: r.Stage,
				Flow:  r.Flow,
			})
		}
		g.RealignLast()
		cadence.Rebuild(g)
	}
}

// startupBackfill seeds gauge histories once per configured lookback.
// A deeper previous backfill satisfies a shallower request.
func (e *Engine) startupBackfill(ctx context.Context, st *state.State, hours int) {
	if hours <= 0 || st.Meta.BackfillHours >= hours {
		return
	}
	series, err := e.backend.FetchHistory(ctx, st, e.registry.SiteMap(), hours)
	if err != nil {
		logger.Warn("startup backfill failed", "hours", hours, "err", err)
		return
	}
	mergeHistory(st, series)
	st.Meta.BackfillHours = hours
	logger.Info("backfilled history", "hours", hours, "gauges", len(series))
}

// periodicBackfill re-syncs recent history every few hours so late
// corrections published by the API make it into the local record.
func (e *Engine) periodicBackfill(ctx context.Context, st *state.State, now time.Time) {
	if last, ok := timeutil.Parse(st.Meta.LastPeriodicBackfill); ok {
		if now.Sub(last) < periodicBackfillInterval {
			return
		}
	}
	series, err := e.backend.FetchHistory(ctx, st, e.registry.SiteMap(), periodicBackfillLookback)
	if err != nil {
		logger.Debug("periodic backfill failed", "err", err)
	} else {
		mergeHistory(st, series)
	}
	// Failed attempts still count against the six hour gate.
	st.Meta.LastPeriodicBackfill = timeutil.Format(now)
}
