// Package state owns the durable poller document: per-gauge learning
// parameters, rolling history, backend statistics, and overlay series. The
// document is JSON on disk, guarded by an advisory lock, and every commit
// replaces it atomically.
package state

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/graywater/streamvis/internal/timeutil"
)

// SchemaVersion marks the current document layout. Bump on
// backward-incompatible changes.
const SchemaVersion = 1

// HistoryLimit caps rolling history and latency sample windows per gauge.
const HistoryLimit = 120

// HistoryPoint is one observation: a UTC timestamp plus whichever of stage
// (feet) and flow (cfs) the upstream reported.
type HistoryPoint struct {
	TS    string   `json:"ts"`
	Stage *float64 `json:"stage"`
	Flow  *float64 `json:"flow"`
}

// Time parses the point's timestamp. Zero time when unparseable.
func (p *HistoryPoint) Time() time.Time {
	t, ok := timeutil.Parse(p.TS)
	if !ok {
		return time.Time{}
	}
	return t
}

// GaugeState is the persisted learning state for one gauge.
type GaugeState struct {
	LastTimestamp string   `json:"last_timestamp,omitempty"`
	LastStage     *float64 `json:"last_stage,omitempty"`
	LastFlow      *float64 `json:"last_flow,omitempty"`

	// MeanIntervalSec is the EWMA of observed inter-update gaps, clamped to
	// [900, 21600]. Zero means no update delta has been observed yet.
	MeanIntervalSec float64 `json:"mean_interval_sec,omitempty"`

	// CadenceMult is the snapped 15-minute multiple when recent deltas
	// support one (0 = none), with confidence CadenceFit in [0,1].
	CadenceMult int     `json:"cadence_mult,omitempty"`
	CadenceFit  float64 `json:"cadence_fit,omitempty"`

	// PhaseOffsetSec is the update phase within one cadence period, modulo
	// CadenceMult*900. Nil until estimated; zero is a valid phase.
	PhaseOffsetSec *float64 `json:"phase_offset_sec,omitempty"`

	LatencyLocSec   float64      `json:"latency_loc_sec,omitempty"`
	LatencyScaleSec float64      `json:"latency_scale_sec,omitempty"`
	LatencyWindow   *[2]float64  `json:"latency_window,omitempty"`
	LatencySamples  []float64    `json:"latency_samples,omitempty"`

	NoUpdatePolls      int     `json:"no_update_polls,omitempty"`
	PollsPerUpdateEWMA float64 `json:"polls_per_update_ewma,omitempty"`
	LastPollTS         string  `json:"last_poll_ts,omitempty"`

	History []HistoryPoint `json:"history,omitempty"`

	// NextETA is the predicted next API-visible moment, recomputed after
	// every ingest.
	NextETA string `json:"next_eta,omitempty"`
}

// LastTime parses LastTimestamp. Zero time when absent or unparseable.
func (g *GaugeState) LastTime() time.Time {
	t, ok := timeutil.Parse(g.LastTimestamp)
	if !ok {
		return time.Time{}
	}
	return t
}

// LastPollTime parses LastPollTS. Zero time when absent or unparseable.
func (g *GaugeState) LastPollTime() time.Time {
	t, ok := timeutil.Parse(g.LastPollTS)
	if !ok {
		return time.Time{}
	}
	return t
}

// BackendStats tracks request health for one upstream backend.
type BackendStats struct {
	LatencyEWMAMs    float64 `json:"latency_ewma_ms"`
	LatencyVarEWMAMs float64 `json:"latency_var_ewma_ms2"`
	SuccessCount     int     `json:"success_count"`
	FailCount        int     `json:"fail_count"`
	LastSuccessTS    string  `json:"last_success_ts,omitempty"`
	LastFailTS       string  `json:"last_fail_ts,omitempty"`
	LastFailReason   string  `json:"last_fail_reason,omitempty"`
}

// DynamicSite records discovery metadata for a nearby-search gauge so the
// fleet can be rebuilt across restarts.
type DynamicSite struct {
	SiteNo    string  `json:"site_no"`
	StationNm string  `json:"station_nm"`
	Lat       float64 `json:"lat"`
	Lon       float64 `json:"lon"`
}

// Meta is process-wide state.
type Meta struct {
	StateVersion  int    `json:"state_version"`
	BackfillHours int    `json:"backfill_hours,omitempty"`
	LoadError     string `json:"load_error,omitempty"`

	LastFetchAt   string `json:"last_fetch_at,omitempty"`
	LastSuccessAt string `json:"last_success_at,omitempty"`
	LastFailureAt string `json:"last_failure_at,omitempty"`
	NextPollAt    string `json:"next_poll_at,omitempty"`
	LastUpdateRun string `json:"last_update_run,omitempty"`

	APIBackend       string                   `json:"api_backend,omitempty"`
	LastBackendUsed  string                   `json:"last_backend_used,omitempty"`
	PreferredBackend string                   `json:"preferred_backend,omitempty"`
	BackendStats     map[string]*BackendStats `json:"backend_stats,omitempty"`
	LastBackendProbe string                   `json:"last_backend_probe,omitempty"`

	LastForecastFetch    string `json:"last_forecast_fetch,omitempty"`
	LastNWRFCFetch       string `json:"last_nwrfc_fetch,omitempty"`
	LastCommunityFetch   string `json:"last_community_fetch,omitempty"`
	LastPeriodicBackfill string `json:"last_periodic_backfill,omitempty"`

	UserLat *float64 `json:"user_lat,omitempty"`
	UserLon *float64 `json:"user_lon,omitempty"`

	NearbyEnabled  bool                    `json:"nearby_enabled,omitempty"`
	NearbyGauges   []string                `json:"nearby_gauges,omitempty"`
	NearbySearchTS string                  `json:"nearby_search_ts,omitempty"`
	DynamicSites   map[string]*DynamicSite `json:"dynamic_sites,omitempty"`
}

// Backend reports the stats bucket for a backend name, creating it when
// missing.
func (m *Meta) Backend(name string) *BackendStats {
	if m.BackendStats == nil {
		m.BackendStats = make(map[string]*BackendStats)
	}
	bs, ok := m.BackendStats[name]
	if !ok {
		bs = &BackendStats{}
		m.BackendStats[name] = bs
	}
	return bs
}

// ForecastMax is the peak of a forecast window.
type ForecastMax struct {
	Stage *float64 `json:"stage"`
	Flow  *float64 `json:"flow"`
	TS    string   `json:"ts,omitempty"`
}

// ForecastSummary holds forward-looking maxima over three windows.
type ForecastSummary struct {
	Max3h   ForecastMax `json:"max_3h"`
	Max24h  ForecastMax `json:"max_24h"`
	MaxFull ForecastMax `json:"max_full"`
}

// ForecastBias compares the latest observation against the nearest forecast
// point, as a difference and a ratio.
type ForecastBias struct {
	StageDelta *float64 `json:"stage_delta,omitempty"`
	StageRatio *float64 `json:"stage_ratio,omitempty"`
	FlowDelta  *float64 `json:"flow_delta,omitempty"`
	FlowRatio  *float64 `json:"flow_ratio,omitempty"`
}

// ForecastState is the per-gauge overlay series.
type ForecastState struct {
	Points        []HistoryPoint   `json:"points,omitempty"`
	Summary       *ForecastSummary `json:"summary,omitempty"`
	Bias          *ForecastBias    `json:"bias,omitempty"`
	PhaseShiftSec *float64         `json:"phase_shift_sec,omitempty"`
}

// NWRFCDiff is the observed difference against the NWRFC series at the last
// shared timestamp.
type NWRFCDiff struct {
	TS         string   `json:"ts"`
	StageDelta *float64 `json:"stage_delta,omitempty"`
	FlowDelta  *float64 `json:"flow_delta,omitempty"`
}

// NWRFCState is the per-gauge river-forecast-center cross-check series.
type NWRFCState struct {
	Observed    []HistoryPoint `json:"observed,omitempty"`
	Forecast    []HistoryPoint `json:"forecast,omitempty"`
	LastFetchAt string         `json:"last_fetch_at,omitempty"`
	DiffVsUSGS  *NWRFCDiff     `json:"diff_vs_usgs,omitempty"`
}

// State is the whole document. On disk it flattens to top-level keys: meta,
// one object per gauge id, and optional forecast / nwrfc maps.
type State struct {
	Meta     *Meta
	Gauges   map[string]*GaugeState
	Forecast map[string]*ForecastState
	NWRFC    map[string]*NWRFCState
}

// Reserved top-level keys that are not gauge ids.
const (
	keyMeta     = "meta"
	keyForecast = "forecast"
	keyNWRFC    = "nwrfc"
)

// Default returns a fresh document at the current schema version.
func Default() *State {
	return &State{
		Meta:   &Meta{StateVersion: SchemaVersion},
		Gauges: make(map[string]*GaugeState),
	}
}

// Gauge returns the state for a gauge id, creating it when missing.
func (s *State) Gauge(id string) *GaugeState {
	if s.Gauges == nil {
		s.Gauges = make(map[string]*GaugeState)
	}
	g, ok := s.Gauges[id]
	if !ok {
		g = NewGaugeState()
		s.Gauges[id] = g
	}
	return g
}

// NewGaugeState returns gauge state seeded with the cadence and latency
// priors required by the document invariants.
func NewGaugeState() *GaugeState {
	return &GaugeState{
		MeanIntervalSec: MinIntervalSec,
		LatencyLocSec:   LatencyPriorLocSec,
		LatencyScaleSec: LatencyPriorScaleSec,
	}
}

// GaugeIf returns the state for a gauge id without creating it.
func (s *State) GaugeIf(id string) (*GaugeState, bool) {
	g, ok := s.Gauges[id]
	return g, ok
}

// ForecastFor returns the overlay for a gauge, creating it when missing.
func (s *State) ForecastFor(id string) *ForecastState {
	if s.Forecast == nil {
		s.Forecast = make(map[string]*ForecastState)
	}
	f, ok := s.Forecast[id]
	if !ok {
		f = &ForecastState{}
		s.Forecast[id] = f
	}
	return f
}

// NWRFCFor returns the cross-check series for a gauge, creating it when
// missing.
func (s *State) NWRFCFor(id string) *NWRFCState {
	if s.NWRFC == nil {
		s.NWRFC = make(map[string]*NWRFCState)
	}
	n, ok := s.NWRFC[id]
	if !ok {
		n = &NWRFCState{}
		s.NWRFC[id] = n
	}
	return n
}

// MarshalJSON flattens the document: meta, forecast, and nwrfc under their
// reserved keys, gauges at top level keyed by id.
func (s *State) MarshalJSON() ([]byte, error) {
	doc := make(map[string]any, len(s.Gauges)+3)
	meta := s.Meta
	if meta == nil {
		meta = &Meta{StateVersion: SchemaVersion}
	}
	doc[keyMeta] = meta
	if len(s.Forecast) > 0 {
		doc[keyForecast] = s.Forecast
	}
	if len(s.NWRFC) > 0 {
		doc[keyNWRFC] = s.NWRFC
	}
	for id, g := range s.Gauges {
		if id == keyMeta || id == keyForecast || id == keyNWRFC || g == nil {
			continue
		}
		doc[id] = g
	}
	return json.Marshal(doc)
}

// UnmarshalJSON is lenient: unreadable sections are dropped rather than
// failing the whole document. Corruption is repaired, not raised.
func (s *State) UnmarshalJSON(data []byte) error {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("state document is not a JSON object: %w", err)
	}

	*s = State{Gauges: make(map[string]*GaugeState)}

	if raw, ok := doc[keyMeta]; ok {
		var meta Meta
		if err := json.Unmarshal(raw, &meta); err == nil {
			s.Meta = &meta
		}
	}
	if s.Meta == nil {
		s.Meta = &Meta{StateVersion: SchemaVersion}
	}

	if raw, ok := doc[keyForecast]; ok {
		var fc map[string]*ForecastState
		if err := json.Unmarshal(raw, &fc); err == nil {
			s.Forecast = fc
		}
	}
	if raw, ok := doc[keyNWRFC]; ok {
		var nw map[string]*NWRFCState
		if err := json.Unmarshal(raw, &nw); err == nil {
			s.NWRFC = nw
		}
	}

	for key, raw := range doc {
		if key == keyMeta || key == keyForecast || key == keyNWRFC {
			continue
		}
		var g GaugeState
		if err := json.Unmarshal(raw, &g); err != nil {
			continue
		}
		s.Gauges[key] = &g
	}
	return nil
}

// Clone deep-copies the document through a JSON round-trip. Used for UI
// snapshots so readers never alias the writer's maps.
func (s *State) Clone() *State {
	data, err := json.Marshal(s)
	if err != nil {
		return Default()
	}
	var out State
	if err := json.Unmarshal(data, &out); err != nil {
		return Default()
	}
	return &out
}
