// Package community exchanges learned priors with an optional shared
// aggregator. The summary document seeds gauges whose local confidence is
// still low, and local latency samples are published back fire-and-forget.
// Both directions are soft dependencies: every failure is ignored.
package community

import (
	"context"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/joeycumines/go-catrate"

	"github.com/graywater/streamvis/internal/cadence"
	"github.com/graywater/streamvis/internal/clock"
	"github.com/graywater/streamvis/internal/fetch"
	"github.com/graywater/streamvis/internal/logger"
	"github.com/graywater/streamvis/internal/state"
	"github.com/graywater/streamvis/internal/timeutil"
)

// RefreshInterval is the floor between two summary fetches.
const RefreshInterval = 24 * time.Hour

// minLocalSamples is how many local latency samples disqualify remote
// latency priors.
const minLocalSamples = 3

// publishRates caps sample publishing per site: short bursts are fine, the
// sustained rate stays well under one per poll cycle.
var publishRates = map[time.Duration]int{
	time.Minute: 2,
	time.Hour:   20,
}

// StationSummary is one site's shared estimate. The latency fields accept
// both the canonical names and the older median/MAD aliases.
type StationSummary struct {
	CadenceMult      int      `json:"cadence_mult"`
	CadenceFit       float64  `json:"cadence_fit"`
	PhaseOffsetSec   *float64 `json:"phase_offset_sec"`
	LatencyLocSec    *float64 `json:"latency_loc_sec"`
	LatencyMedianSec *float64 `json:"latency_median_sec"`
	LatencyScaleSec  *float64 `json:"latency_scale_sec"`
	LatencyMADSec    *float64 `json:"latency_mad_sec"`
	Samples          int      `json:"samples"`
	UpdatedAt        string   `json:"updated_at"`
}

func (s *StationSummary) loc() *float64 {
	if s.LatencyLocSec != nil {
		return s.LatencyLocSec
	}
	return s.LatencyMedianSec
}

func (s *StationSummary) scale() *float64 {
	if s.LatencyScaleSec != nil {
		return s.LatencyScaleSec
	}
	return s.LatencyMADSec
}

// Summary is the aggregator document, keyed by site number (or gauge id).
type Summary struct {
	Version     int                       `json:"version"`
	GeneratedAt string                    `json:"generated_at"`
	Stations    map[string]StationSummary `json:"stations"`
	Gauges      map[string]StationSummary `json:"gauges"`
	Sites       map[string]StationSummary `json:"sites"`
}

func (s *Summary) stations() map[string]StationSummary {
	switch {
	case len(s.Stations) > 0:
		return s.Stations
	case len(s.Gauges) > 0:
		return s.Gauges
	default:
		return s.Sites
	}
}

// Sample is one published latency observation.
type Sample struct {
	Version    int     `json:"version"`
	SiteNo     string  `json:"site_no"`
	GaugeID    string  `json:"gauge_id"`
	ObsTS      string  `json:"obs_ts"`
	PollTS     string  `json:"poll_ts"`
	LowerSec   float64 `json:"lower_sec"`
	UpperSec   float64 `json:"upper_sec"`
	LatencySec float64 `json:"latency_sec"`
}

// Service talks to the aggregator endpoint.
type Service struct {
	client  *fetch.Client
	clock   clock.Clock
	base    string
	publish bool
	limiter *catrate.Limiter
}

// New wires the community service. An empty base disables both directions.
func New(client *fetch.Client, clk clock.Clock, base string, publish bool) *Service {
	return &Service{
		client:  client,
		clock:   clk,
		base:    strings.TrimRight(base, "/"),
		publish: publish,
		limiter: catrate.NewLimiter(publishRates),
	}
}

// summaryURL is {base}/summary.json, or base itself when it already points
// at a JSON document.
func (s *Service) summaryURL() string {
	if strings.HasSuffix(s.base, ".json") {
		return s.base
	}
	return s.base + "/summary.json"
}

// sampleURL is {base}/sample, with any trailing document name stripped.
func (s *Service) sampleURL() string {
	base := s.base
	if strings.HasSuffix(base, ".json") {
		if i := strings.LastIndex(base, "/"); i >= 0 {
			base = base[:i]
		}
	}
	return base + "/sample"
}

// MaybeRefresh pulls the shared summary at most once per RefreshInterval
// and seeds each tracked gauge from it. The round is stamped only when a
// usable document arrived.
func (s *Service) MaybeRefresh(ctx context.Context, st *state.State, sites map[string]string) {
	if s.base == "" {
		return
	}
	now := s.clock.Now()
	if last, ok := timeutil.Parse(st.Meta.LastCommunityFetch); ok && now.Sub(last) < RefreshInterval {
		return
	}

	var sum Summary
	if err := s.client.GetJSON(ctx, s.summaryURL(), nil, &sum); err != nil {
		logger.Debug("community summary fetch failed", "err", err)
		return
	}
	stations := sum.stations()
	if len(stations) == 0 {
		return
	}

	ids := make([]string, 0, len(sites))
	for id := range sites {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, gaugeID := range ids {
		siteNo := sites[gaugeID]
		if siteNo == "" {
			continue
		}
		remote, ok := stations[siteNo]
		if !ok {
			remote, ok = stations[gaugeID]
		}
		if !ok {
			continue
		}
		adopt(st.Gauge(gaugeID), &remote)
	}
	st.Meta.LastCommunityFetch = timeutil.Format(now)
}

// adopt seeds one gauge from a remote estimate, touching only fields whose
// local confidence is low. Remote cadence is trusted only at a confident
// fit.
func adopt(g *state.GaugeState, remote *StationSummary) {
	lowCadence := g.CadenceMult == 0 || g.CadenceFit < cadence.FitFloor
	if lowCadence && remote.CadenceMult > 0 && remote.CadenceFit >= cadence.FitFloor {
		g.CadenceMult = remote.CadenceMult
		g.CadenceFit = remote.CadenceFit
		if len(g.History) < 2 {
			// No local delta has been observed; the prior interval carries
			// no evidence worth keeping.
			g.MeanIntervalSec = state.ClampInterval(float64(remote.CadenceMult) * cadence.Base)
		}
	}

	if g.PhaseOffsetSec == nil && remote.PhaseOffsetSec != nil && g.CadenceMult > 0 {
		period := float64(g.CadenceMult) * cadence.Base
		p := math.Mod(*remote.PhaseOffsetSec, period)
		if p < 0 {
			p += period
		}
		g.PhaseOffsetSec = &p
	}

	if len(g.LatencySamples) < minLocalSamples {
		if loc := remote.loc(); loc != nil && *loc >= 0 {
			g.LatencyLocSec = *loc
		}
		if scale := remote.scale(); scale != nil && *scale > 0 {
			g.LatencyScaleSec = *scale
		}
	}
}

// PublishSamples posts the latest latency sample for each gauge that saw an
// update this cycle. Rate-limited per site; failures only skip the sample.
func (s *Service) PublishSamples(ctx context.Context, st *state.State, sites map[string]string, updates map[string]bool, pollTS time.Time) {
	if !s.publish || s.base == "" {
		return
	}

	ids := make([]string, 0, len(updates))
	for id, updated := range updates {
		if updated {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	postURL := s.sampleURL()
	for _, gaugeID := range ids {
		siteNo := sites[gaugeID]
		if siteNo == "" {
			continue
		}
		g, ok := st.GaugeIf(gaugeID)
		if !ok || g.LastTimestamp == "" || g.LatencyWindow == nil || len(g.LatencySamples) == 0 {
			continue
		}
		if _, ok := s.limiter.Allow(siteNo); !ok {
			continue
		}
		sample := Sample{
			Version:    1,
			SiteNo:     siteNo,
			GaugeID:    gaugeID,
			ObsTS:      g.LastTimestamp,
			PollTS:     timeutil.Format(pollTS),
			LowerSec:   g.LatencyWindow[0],
			UpperSec:   g.LatencyWindow[1],
			LatencySec: g.LatencySamples[len(g.LatencySamples)-1],
		}
		if err := s.client.PostJSON(ctx, postURL, sample); err != nil {
			logger.Debug("community publish failed", "gauge", gaugeID, "err", err)
		}
	}
}
