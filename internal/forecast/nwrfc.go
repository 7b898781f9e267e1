package forecast

import (
	"context"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/graywater/streamvis/internal/logger"
	"github.com/graywater/streamvis/internal/state"
	"github.com/graywater/streamvis/internal/timeutil"
)

// NWRFCRefreshInterval is the floor between two cross-check rounds. The
// forecast center regenerates its text plots far less often than USGS
// publishes observations.
const NWRFCRefreshInterval = 15 * time.Minute

// ParseNWRFCText splits forecast-center text-plot output into observed and
// forecast series. Rows carry local wall-clock times; the zone label is
// taken from the "Forecast/Trend Issued:" header. The first four columns of
// a row are the observed point, columns five through eight the forecast
// point when present.
func ParseNWRFCText(text string) (observed, forecast []state.HistoryPoint) {
	if text == "" {
		return nil, nil
	}

	var lines []string
	for _, ln := range strings.Split(text, "\n") {
		if ln = strings.TrimSpace(ln); ln != "" {
			lines = append(lines, ln)
		}
	}

	tzLabel := ""
	for _, ln := range lines {
		if strings.Contains(ln, "Forecast/Trend Issued:") {
			parts := strings.Fields(ln)
			if len(parts) > 0 {
				tzLabel = parts[len(parts)-1]
			}
			break
		}
	}

	for _, ln := range lines {
		if strings.HasPrefix(ln, "SF ") || strings.Contains(ln, "Date/Time") || strings.HasPrefix(ln, "Observed") {
			continue
		}
		parts := strings.Fields(ln)
		if len(parts) < 4 {
			continue
		}
		if at, ok := timeutil.ParseLocalNWS(parts[0], parts[1], tzLabel); ok {
			observed = append(observed, state.HistoryPoint{
				TS:    timeutil.Format(at),
				Stage: parseLenientFloat(parts[2]),
				Flow:  parseLenientFloat(parts[3]),
			})
		}
		if len(parts) >= 8 {
			if at, ok := timeutil.ParseLocalNWS(parts[4], parts[5], tzLabel); ok {
				forecast = append(forecast, state.HistoryPoint{
					TS:    timeutil.Format(at),
					Stage: parseLenientFloat(parts[6]),
					Flow:  parseLenientFloat(parts[7]),
				})
			}
		}
	}

	sortPoints(observed)
	sortPoints(forecast)
	return observed, forecast
}

// ApplyNWRFC stores a gauge's cross-check series and, when the latest USGS
// observation timestamp appears in the observed series, the stage and flow
// differences at that shared instant.
func ApplyNWRFC(st *state.State, gaugeID string, observed, forecast []state.HistoryPoint, now time.Time) {
	if len(observed) == 0 && len(forecast) == 0 {
		return
	}

	n := st.NWRFCFor(gaugeID)
	n.Observed = observed
	n.Forecast = forecast
	n.LastFetchAt = timeutil.Format(now)

	g, ok := st.GaugeIf(gaugeID)
	if !ok {
		return
	}
	lastAt := g.LastTime()
	if lastAt.IsZero() {
		return
	}

	var match *state.HistoryPoint
	for i := len(observed) - 1; i >= 0; i-- {
		if observed[i].Time().Equal(lastAt) {
			match = &observed[i]
			break
		}
	}
	if match == nil {
		return
	}

	diff := &state.NWRFCDiff{TS: timeutil.Format(lastAt)}
	got := false
	if g.LastStage != nil && match.Stage != nil {
		d := *g.LastStage - *match.Stage
		diff.StageDelta = &d
		got = true
	}
	if g.LastFlow != nil && match.Flow != nil {
		d := *g.LastFlow - *match.Flow
		diff.FlowDelta = &d
		got = true
	}
	if got {
		n.DiffVsUSGS = diff
	}
}

// RefreshNWRFC fetches the text plot for every mapped gauge at most once
// per NWRFCRefreshInterval. lids maps gauge id to the forecast-center
// location id.
func (s *Service) RefreshNWRFC(ctx context.Context, st *state.State, lids map[string]string) {
	if len(lids) == 0 || s.cfg.NWRFCTextURL == "" {
		return
	}
	now := s.clock.Now()
	if last, ok := timeutil.Parse(st.Meta.LastNWRFCFetch); ok && now.Sub(last) < NWRFCRefreshInterval {
		return
	}

	ids := make([]string, 0, len(lids))
	for id := range lids {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, gaugeID := range ids {
		params := url.Values{
			"id": {lids[gaugeID]},
			"pe": {"HG"},
			"bt": {"on"},
		}
		text, err := s.client.GetText(ctx, s.cfg.NWRFCTextURL, params)
		if err != nil {
			logger.Debug("nwrfc fetch failed", "gauge", gaugeID, "err", err)
			continue
		}
		observed, forecast := ParseNWRFCText(text)
		if len(observed) > 0 || len(forecast) > 0 {
			ApplyNWRFC(st, gaugeID, observed, forecast, now)
		}
	}
	st.Meta.LastNWRFCFetch = timeutil.Format(now)
}

func parseLenientFloat(s string) *float64 {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	return &f
}
