package usgs

import (
	"context"
	"errors"
	"time"

	"github.com/graywater/streamvis/internal/clock"
	"github.com/graywater/streamvis/internal/logger"
	"github.com/graywater/streamvis/internal/state"
	"github.com/graywater/streamvis/internal/stats"
	"github.com/graywater/streamvis/internal/timeutil"
)

// Blended-policy tuning.
const (
	// NameBlended selects the policy that races and compares adapters.
	NameBlended = "blended"
	// probeSuccessFloor is how many successes each side needs before the
	// latency stats are trusted.
	probeSuccessFloor = 10
	// DefaultProbeInterval is how often the non-preferred backend gets a
	// refresher probe in steady state.
	DefaultProbeInterval = 15 * time.Minute

	statsAlpha = 0.2
	hysteresis = 0.10

	defaultRaceGrace = 2 * time.Second
)

// Historian is the optional history-capable side of an adapter.
type Historian interface {
	FetchHistory(ctx context.Context, sites map[string]string, hours int) (map[string][]Reading, error)
}

// Backend multiplexes the two adapters according to the configured
// api_backend policy and keeps their latency stats in the state document.
// It owns no per-gauge state.
type Backend struct {
	legacy        Adapter
	modern        Adapter
	clock         clock.Clock
	probeInterval time.Duration
	raceGrace     time.Duration
}

// NewBackend wires the policy layer over the two adapters.
func NewBackend(legacy, modern Adapter, clk clock.Clock) *Backend {
	return &Backend{
		legacy:        legacy,
		modern:        modern,
		clock:         clk,
		probeInterval: DefaultProbeInterval,
		raceGrace:     defaultRaceGrace,
	}
}

// Fetch dispatches one latest-observations request per the configured
// backend policy and records the decision in the state meta.
func (b *Backend) Fetch(ctx context.Context, st *state.State, req Request) (map[string]Reading, error) {
	switch st.Meta.APIBackend {
	case NameLegacy:
		return b.direct(ctx, st, b.legacy, req)
	case NameModern:
		return b.direct(ctx, st, b.modern, req)
	default:
		return b.blend(ctx, st, req)
	}
}

// FetchHistory routes a backfill request to the adapter the policy would
// currently serve reads from.
func (b *Backend) FetchHistory(ctx context.Context, st *state.State, sites map[string]string, hours int) (map[string][]Reading, error) {
	a := b.legacy
	name := st.Meta.APIBackend
	if name == "" || name == NameBlended {
		name = st.Meta.PreferredBackend
	}
	if name == NameModern {
		a = b.modern
	}
	h, ok := a.(Historian)
	if !ok {
		return make(map[string][]Reading), nil
	}
	return h.FetchHistory(ctx, sites, hours)
}

func (b *Backend) direct(ctx context.Context, st *state.State, a Adapter, req Request) (map[string]Reading, error) {
	readings, elapsed, err := a.FetchLatest(ctx, req)
	b.record(st, a.Name(), elapsed, err)
	st.Meta.LastBackendUsed = a.Name()
	return readings, err
}

func (b *Backend) blend(ctx context.Context, st *state.State, req Request) (map[string]Reading, error) {
	preferred := st.Meta.PreferredBackend
	probing := preferred == "" ||
		st.Meta.Backend(NameLegacy).SuccessCount < probeSuccessFloor ||
		st.Meta.Backend(NameModern).SuccessCount < probeSuccessFloor

	var (
		readings map[string]Reading
		err      error
	)
	switch {
	case probing:
		readings, err = b.race(ctx, st, req)
	case b.probeDue(st):
		readings, err = b.fetchWithProbe(ctx, st, req)
	default:
		readings, err = b.direct(ctx, st, b.adapter(preferred), req)
	}
	b.selectPreferred(st)
	return readings, err
}

type raceResult struct {
	name     string
	readings map[string]Reading
	elapsed  time.Duration
	err      error
}

// race dispatches both adapters and returns the first success. The
// slower side gets a short grace so its timing still feeds the stats.
func (b *Backend) race(ctx context.Context, st *state.State, req Request) (map[string]Reading, error) {
	rctx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan raceResult, 2)
	for _, a := range []Adapter{b.legacy, b.modern} {
		go func() {
			readings, elapsed, err := a.FetchLatest(rctx, req)
			results <- raceResult{a.Name(), readings, elapsed, err}
		}()
	}

	first := <-results
	b.record(st, first.name, first.elapsed, first.err)
	if first.err == nil {
		st.Meta.LastBackendUsed = first.name
		select {
		case second := <-results:
			b.record(st, second.name, second.elapsed, second.err)
			if second.err == nil {
				b.compare(first.name, first.readings, second.name, second.readings)
			}
		case <-time.After(b.raceGrace):
		}
		return first.readings, nil
	}

	second := <-results
	b.record(st, second.name, second.elapsed, second.err)
	if second.err != nil {
		return make(map[string]Reading), errors.Join(first.err, second.err)
	}
	st.Meta.LastBackendUsed = second.name
	return second.readings, nil
}

// fetchWithProbe serves from the preferred adapter while refreshing the
// other side's stats in parallel. Both requests are joined before any
// state is touched.
func (b *Backend) fetchWithProbe(ctx context.Context, st *state.State, req Request) (map[string]Reading, error) {
	pri := b.adapter(st.Meta.PreferredBackend)
	sec := b.other(st.Meta.PreferredBackend)

	probeCh := make(chan raceResult, 1)
	go func() {
		readings, elapsed, err := sec.FetchLatest(ctx, req)
		probeCh <- raceResult{sec.Name(), readings, elapsed, err}
	}()

	readings, elapsed, err := pri.FetchLatest(ctx, req)
	probe := <-probeCh

	b.record(st, pri.Name(), elapsed, err)
	b.record(st, probe.name, probe.elapsed, probe.err)
	if err == nil && probe.err == nil {
		b.compare(pri.Name(), readings, probe.name, probe.readings)
	}
	st.Meta.LastBackendUsed = pri.Name()
	st.Meta.LastBackendProbe = timeutil.Format(b.clock.Now())
	return readings, err
}

// compare logs per-gauge disagreements whenever both sides answered the
// same request. Divergence here usually means one API is lagging the
// other's ingest pipeline.
func (b *Backend) compare(aName string, a map[string]Reading, bName string, bReadings map[string]Reading) {
	for _, issue := range DiffReadings(aName, a, bName, bReadings) {
		logger.Debug("backend disagreement", "detail", issue)
	}
}

// record folds one request outcome into the per-backend stats.
func (b *Backend) record(st *state.State, name string, elapsed time.Duration, err error) {
	s := st.Meta.Backend(name)
	now := timeutil.Format(b.clock.Now())
	if err != nil {
		s.FailCount++
		s.LastFailTS = now
		s.LastFailReason = err.Error()
		return
	}
	ms := elapsed.Seconds() * 1000
	s.LatencyVarEWMAMs = stats.EWMAVariance(s.LatencyVarEWMAMs, s.LatencyEWMAMs, ms, statsAlpha)
	s.LatencyEWMAMs = stats.EWMA(s.LatencyEWMAMs, ms, statsAlpha)
	s.SuccessCount++
	s.LastSuccessTS = now
}

// selectPreferred flips the preferred backend only when one side's mean
// latency beats the other by the hysteresis margin.
func (b *Backend) selectPreferred(st *state.State) {
	l := st.Meta.Backend(NameLegacy)
	m := st.Meta.Backend(NameModern)
	if l.SuccessCount < probeSuccessFloor || m.SuccessCount < probeSuccessFloor {
		return
	}
	switch {
	case l.LatencyEWMAMs < m.LatencyEWMAMs*(1-hysteresis):
		st.Meta.PreferredBackend = NameLegacy
	case m.LatencyEWMAMs < l.LatencyEWMAMs*(1-hysteresis):
		st.Meta.PreferredBackend = NameModern
	}
}

func (b *Backend) probeDue(st *state.State) bool {
	last, ok := timeutil.Parse(st.Meta.LastBackendProbe)
	if !ok {
		return true
	}
	return b.clock.Now().Sub(last) >= b.probeInterval
}

func (b *Backend) adapter(name string) Adapter {
	if name == NameModern {
		return b.modern
	}
	return b.legacy
}

func (b *Backend) other(name string) Adapter {
	if name == NameModern {
		return b.legacy
	}
	return b.modern
}
