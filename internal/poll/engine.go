package poll

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/graywater/streamvis/internal/clock"
	"github.com/graywater/streamvis/internal/community"
	"github.com/graywater/streamvis/internal/config"
	"github.com/graywater/streamvis/internal/forecast"
	"github.com/graywater/streamvis/internal/gauges"
	"github.com/graywater/streamvis/internal/logger"
	"github.com/graywater/streamvis/internal/schedule"
	"github.com/graywater/streamvis/internal/state"
	"github.com/graywater/streamvis/internal/timeutil"
	"github.com/graywater/streamvis/internal/usgs"
)

// ErrNoData reports a fetch that succeeded at the transport level but
// carried no readings for any tracked gauge.
var ErrNoData = errors.New("no readings returned")

// widenFactor nudges learned intervals up when a poll inside the expected
// quiet window returns nothing new.
const widenFactor = 1.05

const (
	modifiedSinceFloorSec       = 1800.0
	modifiedSinceMaxIntervalSec = 3600.0
)

// Fetcher is the reading source. *usgs.Backend implements it.
type Fetcher interface {
	Fetch(ctx context.Context, st *state.State, req usgs.Request) (map[string]usgs.Reading, error)
	FetchHistory(ctx context.Context, st *state.State, sites map[string]string, hours int) (map[string][]usgs.Reading, error)
}

// Config wires an Engine.
type Config struct {
	Store     *state.Store
	Backend   Fetcher
	Search    SiteSearcher // optional, enables nearby discovery
	Registry  *gauges.Registry
	Forecast  *forecast.Service  // optional
	Community *community.Service // optional
	Clock     clock.Clock
	Options   config.Options
}

// StepResult is one poll cycle's outcome. State is a snapshot safe to
// read while the engine keeps running.
type StepResult struct {
	Readings map[string]usgs.Reading
	Updates  map[string]bool
	NextPoll time.Time
	Err      error
	State    *state.State
}

// Result is a one-shot run's outcome.
type Result struct {
	State    *state.State
	Readings map[string]usgs.Reading
}

// Engine drives the adaptive loop against a locked state store.
type Engine struct {
	store     *state.Store
	backend   Fetcher
	search    SiteSearcher
	registry  *gauges.Registry
	forecast  *forecast.Service
	community *community.Service
	clock     clock.Clock
	opts      config.Options

	mu        sync.Mutex
	st        *state.State
	backoff   schedule.Backoff
	scheduled bool
	lastErr   error

	forced atomic.Bool
	kick   chan struct{}
}

// New builds an engine from its wiring. A nil clock means wall time.
func New(cfg Config) *Engine {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.System()
	}
	return &Engine{
		store:     cfg.Store,
		backend:   cfg.Backend,
		search:    cfg.Search,
		registry:  cfg.Registry,
		forecast:  cfg.Forecast,
		community: cfg.Community,
		clock:     clk,
		opts:      cfg.Options,
		backoff:   schedule.Backoff{Min: cfg.Options.MinRetry, Max: cfg.Options.MaxRetry},
		kick:      make(chan struct{}, 1),
	}
}

// Prepare locks the store, loads the document, restores dynamic gauges,
// runs the startup backfill, and persists the result. It must succeed
// before Step or Run.
func (e *Engine) Prepare(ctx context.Context) (*state.State, error) {
	if err := e.store.Acquire(); err != nil {
		return nil, err
	}
	st, err := e.store.Load()
	if err != nil {
		e.store.Release()
		return nil, err
	}
	st.Meta.APIBackend = e.opts.Backend
	e.seedLocation(st)
	RestoreDynamic(st, e.registry)
	e.startupBackfill(ctx, st, e.opts.BackfillHours)
	if e.community != nil {
		e.community.MaybeRefresh(ctx, st, e.registry.SiteMap())
	}
	if err := e.store.Save(st); err != nil {
		e.store.Release()
		return nil, err
	}
	e.mu.Lock()
	e.st = st
	e.mu.Unlock()
	return st.Clone(), nil
}

// Close releases the store lock.
func (e *Engine) Close() { e.store.Release() }

// Step runs one poll cycle: fetch, ingest, overlay refresh, publish,
// schedule, persist. Fetch failures are reported in the result and backed
// off; the returned error is reserved for faults that should end the
// loop, such as a failed state commit.
func (e *Engine) Step(ctx context.Context) (StepResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.st == nil {
		return StepResult{}, errors.New("poll: engine not prepared")
	}
	st := e.st
	now := e.clock.Now()

	if e.community != nil {
		e.community.MaybeRefresh(ctx, st, e.registry.SiteMap())
	}

	st.Meta.LastFetchAt = timeutil.Format(now)
	req := usgs.Request{Sites: e.registry.SiteMap()}
	if !e.forced.Swap(false) {
		req.ModifiedSince = modifiedSince(st, e.registry.IDs())
	}

	readings, err := e.backend.Fetch(ctx, st, req)
	if err == nil && len(readings) == 0 {
		err = ErrNoData
	}
	e.lastErr = err
	if err != nil {
		wait := e.backoff.Next()
		next := now.Add(wait)
		st.Meta.LastFailureAt = timeutil.Format(now)
		st.Meta.NextPollAt = timeutil.Format(next)
		if serr := e.store.Save(st); serr != nil {
			return StepResult{}, serr
		}
		logger.Warn("poll failed", "err", err, "retry_in", wait)
		return StepResult{Err: err, NextPoll: next, State: st.Clone()}, nil
	}
	e.backoff.Reset()

	updates := Apply(st, readings, now)
	st.Meta.LastSuccessAt = timeutil.Format(now)

	if e.opts.BackfillHours > 0 {
		e.periodicBackfill(ctx, st, now)
	}
	if e.forecast != nil {
		e.forecast.MaybeRefresh(ctx, st, e.registry)
		if e.opts.NWRFCText {
			e.forecast.RefreshNWRFC(ctx, st, nwrfcLids(e.registry))
		}
	}
	if e.community != nil {
		e.community.PublishSamples(ctx, st, e.registry.SiteMap(), updates, now)
	}
	if st.Meta.NearbyEnabled {
		e.discoverNearby(ctx, st, now)
	}

	var next time.Time
	if e.scheduled && !anyUpdate(updates) {
		// The predictor said data would be here and it was not. Widen
		// the learned intervals a touch and retry on the short fuse.
		widenIntervals(st)
		next = now.Add(e.opts.MinRetry)
	} else {
		next = schedule.Plan(st, e.registry.IDs(), now, e.opts.MinRetry)
	}
	st.Meta.NextPollAt = timeutil.Format(next)
	if err := e.store.Save(st); err != nil {
		return StepResult{}, err
	}
	e.scheduled = true

	if e.opts.Debug {
		logger.Debug("poll cycle",
			"new", countUpdates(updates),
			"next", timeutil.FormatRel(now, next),
			"control", schedule.ControlSummary(st, e.registry.IDs(), now))
	}
	return StepResult{Readings: readings, Updates: updates, NextPoll: next, State: st.Clone()}, nil
}

// Run drives the adaptive loop until the context is canceled. Fetch
// failures back off and retry; persistence failures end the loop.
func (e *Engine) Run(ctx context.Context) error {
	if _, err := e.Prepare(ctx); err != nil {
		return err
	}
	defer e.Close()
	return e.RunPrepared(ctx)
}

// RunPrepared drives the loop against an engine the caller has already
// prepared. The caller keeps ownership of Close; the TUI uses this to
// catch lock contention before taking over the terminal.
func (e *Engine) RunPrepared(ctx context.Context) error {
	next := e.clock.Now()
	for {
		if !e.sleepUntil(ctx, next) {
			e.mu.Lock()
			err := e.store.Save(e.st)
			e.mu.Unlock()
			return err
		}
		res, err := e.Step(ctx)
		if err != nil {
			return err
		}
		next = res.NextPoll
	}
}

// RunOnce performs a single fetch-ingest-persist pass and returns the
// live document for rendering. The modifiedSince filter is skipped so a
// one-shot always sees current values.
func (e *Engine) RunOnce(ctx context.Context) (*Result, error) {
	if _, err := e.Prepare(ctx); err != nil {
		return nil, err
	}
	defer e.Close()

	e.mu.Lock()
	defer e.mu.Unlock()
	st := e.st
	now := e.clock.Now()

	st.Meta.LastFetchAt = timeutil.Format(now)
	readings, err := e.backend.Fetch(ctx, st, usgs.Request{Sites: e.registry.SiteMap()})
	if err == nil && len(readings) == 0 {
		err = ErrNoData
	}
	if err != nil {
		st.Meta.LastFailureAt = timeutil.Format(now)
		if serr := e.store.Save(st); serr != nil {
			return nil, serr
		}
		return nil, err
	}

	Apply(st, readings, now)
	if e.forecast != nil {
		e.forecast.MaybeRefresh(ctx, st, e.registry)
		if e.opts.NWRFCText {
			e.forecast.RefreshNWRFC(ctx, st, nwrfcLids(e.registry))
		}
	}
	st.Meta.LastSuccessAt = timeutil.Format(now)
	if err := e.store.Save(st); err != nil {
		return nil, err
	}
	if e.opts.Debug {
		logger.Debug("poll once", "control", schedule.ControlSummary(st, e.registry.IDs(), now))
	}
	return &Result{State: st, Readings: readings}, nil
}

// Kick wakes a Run loop sleeping between polls.
func (e *Engine) Kick() {
	select {
	case e.kick <- struct{}{}:
	default:
	}
}

// ForceRefetch makes the next poll skip the modifiedSince filter and
// wakes the loop. Unchanged series then still return data, which lets a
// repeated timestamp refresh provisional values in place.
func (e *Engine) ForceRefetch() {
	e.forced.Store(true)
	e.Kick()
}

// Snapshot returns a copy of the current document.
func (e *Engine) Snapshot() *state.State {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.st == nil {
		return state.Default()
	}
	return e.st.Clone()
}

// LastError reports the most recent cycle's fetch error, nil after a
// clean cycle.
func (e *Engine) LastError() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastErr
}

// ToggleNearby flips nearby tracking and reports a short status line.
// Enabling seeds the user location and runs a discovery pass; disabling
// evicts every dynamic gauge from the registry and the document.
func (e *Engine) ToggleNearby(ctx context.Context) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.st == nil {
		return ""
	}
	st := e.st

	if st.Meta.NearbyEnabled {
		st.Meta.NearbyEnabled = false
		ids := e.registry.EvictDynamic()
		st.EvictDynamic(ids)
		e.saveQuietly(st)
		return "Nearby off"
	}

	st.Meta.NearbyEnabled = true
	e.seedLocation(st)
	if st.Meta.UserLat == nil || st.Meta.UserLon == nil {
		e.saveQuietly(st)
		return "Nearby on (no location yet)"
	}
	added := e.discoverNearby(ctx, st, e.clock.Now())
	e.saveQuietly(st)
	if len(added) > 0 {
		return "Nearby on (updated stations)"
	}
	return "Nearby on"
}

func (e *Engine) saveQuietly(st *state.State) {
	if err := e.store.Save(st); err != nil {
		logger.Warn("state save failed", "err", err)
	}
}

func (e *Engine) seedLocation(st *state.State) {
	if !e.opts.HasUserLocation {
		return
	}
	lat, lon := e.opts.UserLat, e.opts.UserLon
	st.Meta.UserLat = &lat
	st.Meta.UserLon = &lon
}

// sleepUntil blocks until at, a kick, or cancellation. Reports false when
// the context ended.
func (e *Engine) sleepUntil(ctx context.Context, at time.Time) bool {
	wait := at.Sub(e.clock.Now())
	if wait <= 0 {
		select {
		case <-ctx.Done():
			return false
		default:
			return true
		}
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-e.kick:
		return true
	case <-timer.C:
		return true
	}
}

// modifiedSince computes the legacy adapter's change filter window. Zero
// disables the filter; it is only safe once every tracked gauge has been
// seen and none polls slower than an hour.
func modifiedSince(st *state.State, ids []string) time.Duration {
	if len(ids) == 0 {
		return 0
	}
	minInterval := math.Inf(1)
	maxInterval := 0.0
	for _, id := range ids {
		g, ok := st.GaugeIf(id)
		if !ok || g.LastTimestamp == "" || g.MeanIntervalSec <= 0 {
			return 0
		}
		interval := state.ClampInterval(g.MeanIntervalSec)
		minInterval = math.Min(minInterval, interval)
		maxInterval = math.Max(maxInterval, interval)
	}
	if maxInterval > modifiedSinceMaxIntervalSec {
		return 0
	}
	window := math.Max(2*minInterval, modifiedSinceFloorSec)
	return time.Duration(window * float64(time.Second))
}

func widenIntervals(st *state.State) {
	for _, g := range st.Gauges {
		if g == nil || g.MeanIntervalSec <= 0 {
			continue
		}
		g.MeanIntervalSec = state.ClampInterval(g.MeanIntervalSec * widenFactor)
	}
}

func anyUpdate(updates map[string]bool) bool {
	for _, v := range updates {
		if v {
			return true
		}
	}
	return false
}

func countUpdates(updates map[string]bool) int {
	n := 0
	for _, v := range updates {
		if v {
			n++
		}
	}
	return n
}

func nwrfcLids(reg *gauges.Registry) map[string]string {
	lids := make(map[string]string)
	for _, g := range reg.Ordered() {
		if g.NWSLid != "" {
			lids[g.ID] = g.NWSLid
		}
	}
	return lids
}
