// Package forecast maintains the optional per-gauge overlay: a
// forward-looking forecast series fetched from a configurable endpoint,
// merged into the state document with summaries and bias statistics, plus
// the NWRFC text-plot cross-check. A failed fetch leaves the previous
// overlay intact.
package forecast

import (
	"context"
	"encoding/json"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/graywater/streamvis/internal/clock"
	"github.com/graywater/streamvis/internal/fetch"
	"github.com/graywater/streamvis/internal/gauges"
	"github.com/graywater/streamvis/internal/logger"
	"github.com/graywater/streamvis/internal/state"
	"github.com/graywater/streamvis/internal/timeutil"
)

// RefreshInterval is the floor between two forecast fetch rounds.
const RefreshInterval = 60 * time.Minute

// Config carries the overlay endpoints and horizon.
type Config struct {
	// Base is the CLI template override. When set it wins over per-station
	// endpoints and the shared default.
	Base string
	// DefaultTemplate is the shared template from the stations file.
	DefaultTemplate string
	// NWRFCTextURL is the forecast-center text-plot endpoint.
	NWRFCTextURL string
	// HorizonHours bounds the overlay window in both directions.
	HorizonHours int
}

// Service fetches overlay series and folds them into the state document.
type Service struct {
	client *fetch.Client
	clock  clock.Clock
	cfg    Config
}

// New wires the overlay service over an HTTP client.
func New(client *fetch.Client, clk clock.Clock, cfg Config) *Service {
	return &Service{client: client, clock: clk, cfg: cfg}
}

// ResolveURL substitutes the {gauge_id}, {site_no}, and {nws_lid}
// placeholders in a forecast URL template.
func ResolveURL(template, gaugeID, siteNo, nwsLid string) string {
	return strings.NewReplacer(
		"{gauge_id}", gaugeID,
		"{site_no}", siteNo,
		"{nws_lid}", nwsLid,
	).Replace(template)
}

// templateFor resolves the forecast template for one gauge: CLI override,
// then the per-station endpoint, then the shared default. Empty means the
// gauge has no forecast configured.
func (s *Service) templateFor(g *gauges.Gauge) string {
	if s.cfg.Base != "" {
		return s.cfg.Base
	}
	if g.ForecastEndpoint != "" {
		return g.ForecastEndpoint
	}
	return s.cfg.DefaultTemplate
}

// FetchSeries retrieves one gauge's forecast series. The payload shape is
// treated leniently: either a bare list of points or an object wrapping one
// under a conventional key, with per-point timestamp and value fields drawn
// from the common aliases.
func (s *Service) FetchSeries(ctx context.Context, rawURL string) ([]state.HistoryPoint, error) {
	params := url.Values{}
	if s.cfg.HorizonHours > 0 {
		params.Set("horizon_hours", strconv.Itoa(s.cfg.HorizonHours))
	}

	var raw json.RawMessage
	if err := s.client.GetJSON(ctx, rawURL, params, &raw); err != nil {
		return nil, err
	}

	var points []state.HistoryPoint
	for _, entry := range extractSeries(raw) {
		if p, ok := parsePoint(entry); ok {
			points = append(points, p)
		}
	}
	sortPoints(points)
	return points, nil
}

// Summarize computes forward-only stage/flow maxima over 3 h, 24 h, and the
// full horizon. Points behind now or beyond the horizon are ignored. Nil
// when there are no points at all.
func Summarize(points []state.HistoryPoint, now time.Time, horizonHours int) *state.ForecastSummary {
	if len(points) == 0 {
		return nil
	}
	sum := &state.ForecastSummary{}
	horizonSec := float64(horizonHours) * 3600

	for i := range points {
		p := &points[i]
		at := p.Time()
		if at.IsZero() {
			continue
		}
		delta := at.Sub(now).Seconds()
		if delta < 0 {
			continue
		}
		if horizonSec > 0 && delta > horizonSec {
			continue
		}
		if delta <= 3*3600 {
			bumpMax(&sum.Max3h, p)
		}
		if delta <= 24*3600 {
			bumpMax(&sum.Max24h, p)
		}
		bumpMax(&sum.MaxFull, p)
	}
	return sum
}

func bumpMax(m *state.ForecastMax, p *state.HistoryPoint) {
	if p.Stage != nil && (m.Stage == nil || *p.Stage > *m.Stage) {
		v := *p.Stage
		m.Stage = &v
		m.TS = p.TS
	}
	if p.Flow != nil && (m.Flow == nil || *p.Flow > *m.Flow) {
		v := *p.Flow
		m.Flow = &v
		m.TS = p.TS
	}
}

// Apply merges fetched points into a gauge's overlay: dedupe by timestamp
// (last wins), trim to now +/- horizon, then recompute the summary, the
// amplitude bias against the latest observation, and the peak-time shift
// against observed history. Statistics that cannot be computed keep their
// previous values.
func Apply(st *state.State, gaugeID string, points []state.HistoryPoint, now time.Time, horizonHours int) {
	if len(points) == 0 {
		return
	}

	byTS := make(map[string]state.HistoryPoint, len(points))
	for _, p := range points {
		byTS[p.TS] = p
	}
	horizonSec := float64(horizonHours) * 3600
	trimmed := make([]state.HistoryPoint, 0, len(byTS))
	for _, p := range byTS {
		at := p.Time()
		if at.IsZero() {
			continue
		}
		if horizonSec > 0 {
			delta := at.Sub(now).Seconds()
			if delta > horizonSec || delta < -horizonSec {
				continue
			}
		}
		trimmed = append(trimmed, p)
	}
	sortPoints(trimmed)

	fc := st.ForecastFor(gaugeID)
	fc.Points = trimmed
	fc.Summary = Summarize(trimmed, now, horizonHours)

	g, ok := st.GaugeIf(gaugeID)
	if !ok {
		return
	}
	if lastAt := g.LastTime(); !lastAt.IsZero() {
		if nearest := nearestPoint(fc.Points, lastAt); nearest != nil {
			if bias := biasAgainst(g, nearest); bias != nil {
				fc.Bias = bias
			}
		}
	}
	if fc.Summary != nil && fc.Summary.MaxFull.TS != "" {
		if peakF, ok := timeutil.Parse(fc.Summary.MaxFull.TS); ok {
			if peakObs, found := observedStagePeak(g.History); found {
				shift := peakObs.Sub(peakF).Seconds()
				fc.PhaseShiftSec = &shift
			}
		}
	}
}

// MaybeRefresh fetches forecasts for every configured gauge at most once
// per RefreshInterval. Per-gauge failures are skipped; the round is stamped
// only when at least one gauge had a template.
func (s *Service) MaybeRefresh(ctx context.Context, st *state.State, reg *gauges.Registry) {
	now := s.clock.Now()
	if last, ok := timeutil.Parse(st.Meta.LastForecastFetch); ok && now.Sub(last) < RefreshInterval {
		return
	}

	fleet := reg.Ordered()
	configured := false
	for _, g := range fleet {
		if s.templateFor(g) != "" {
			configured = true
			break
		}
	}
	if !configured {
		return
	}

	for _, g := range fleet {
		template := s.templateFor(g)
		if template == "" {
			continue
		}
		rawURL := ResolveURL(template, g.ID, g.SiteNo, g.NWSLid)
		points, err := s.FetchSeries(ctx, rawURL)
		if err != nil {
			logger.Debug("forecast fetch failed", "gauge", g.ID, "err", err)
			continue
		}
		if len(points) > 0 {
			Apply(st, g.ID, points, now, s.cfg.HorizonHours)
		}
	}
	st.Meta.LastForecastFetch = timeutil.Format(now)
}

// extractSeries finds the list of point objects in a lenient payload.
func extractSeries(raw json.RawMessage) []json.RawMessage {
	var list []json.RawMessage
	if err := json.Unmarshal(raw, &list); err == nil {
		return list
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil
	}
	for _, key := range []string{"forecast", "values", "data", "series"} {
		if v, ok := obj[key]; ok {
			if err := json.Unmarshal(v, &list); err == nil {
				return list
			}
		}
	}
	return nil
}

// parsePoint coerces one payload entry into a history point. Entries
// without a usable timestamp are dropped; values may be numbers or numeric
// strings.
func parsePoint(raw json.RawMessage) (state.HistoryPoint, bool) {
	var entry map[string]any
	if err := json.Unmarshal(raw, &entry); err != nil {
		return state.HistoryPoint{}, false
	}
	at, ok := entryTime(entry)
	if !ok {
		return state.HistoryPoint{}, false
	}
	return state.HistoryPoint{
		TS:    timeutil.Format(at),
		Stage: coerceFloat(firstValue(entry, "stage_ft", "stage", "value")),
		Flow:  coerceFloat(firstValue(entry, "flow_cfs", "flow")),
	}, true
}

func entryTime(entry map[string]any) (time.Time, bool) {
	for _, key := range []string{"validTime", "time", "ts"} {
		if s, ok := entry[key].(string); ok && s != "" {
			return timeutil.Parse(s)
		}
	}
	return time.Time{}, false
}

func firstValue(entry map[string]any, keys ...string) any {
	for _, key := range keys {
		if v, ok := entry[key]; ok && v != nil {
			return v
		}
	}
	return nil
}

func coerceFloat(v any) *float64 {
	switch x := v.(type) {
	case float64:
		return &x
	case string:
		if f, err := strconv.ParseFloat(x, 64); err == nil {
			return &f
		}
	}
	return nil
}

func sortPoints(points []state.HistoryPoint) {
	sort.Slice(points, func(i, j int) bool {
		return points[i].Time().Before(points[j].Time())
	})
}

func nearestPoint(points []state.HistoryPoint, target time.Time) *state.HistoryPoint {
	var best *state.HistoryPoint
	var bestDiff time.Duration
	for i := range points {
		at := points[i].Time()
		if at.IsZero() {
			continue
		}
		diff := at.Sub(target)
		if diff < 0 {
			diff = -diff
		}
		if best == nil || diff < bestDiff {
			best = &points[i]
			bestDiff = diff
		}
	}
	return best
}

func biasAgainst(g *state.GaugeState, p *state.HistoryPoint) *state.ForecastBias {
	bias := &state.ForecastBias{}
	got := false
	if g.LastStage != nil && p.Stage != nil {
		d := *g.LastStage - *p.Stage
		bias.StageDelta = &d
		got = true
		if *p.Stage != 0 {
			r := *g.LastStage / *p.Stage
			bias.StageRatio = &r
		}
	}
	if g.LastFlow != nil && p.Flow != nil {
		d := *g.LastFlow - *p.Flow
		bias.FlowDelta = &d
		got = true
		if *p.Flow != 0 {
			r := *g.LastFlow / *p.Flow
			bias.FlowRatio = &r
		}
	}
	if !got {
		return nil
	}
	return bias
}

// observedStagePeak returns the time of the highest observed stage.
func observedStagePeak(history []state.HistoryPoint) (time.Time, bool) {
	var peakAt time.Time
	var peak float64
	found := false
	for i := range history {
		p := &history[i]
		if p.Stage == nil {
			continue
		}
		at := p.Time()
		if at.IsZero() {
			continue
		}
		if !found || *p.Stage > peak {
			found = true
			peak = *p.Stage
			peakAt = at
		}
	}
	return peakAt, found
}
