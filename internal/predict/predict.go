// Package predict projects when a gauge will next produce an observation
// and when that observation will become visible in the API, using the
// learned cadence and latency.
package predict

import (
	"math"
	"time"

	"github.com/graywater/streamvis/internal/cadence"
	"github.com/graywater/streamvis/internal/state"
)

// Bounds for the fine-regime half-width derived from latency scale.
const (
	HalfWidthMinSec = 45.0
	HalfWidthMaxSec = 300.0
)

// Prediction pairs the next expected observation instant with its expected
// API visibility and the half-width of the uncertainty window around it.
type Prediction struct {
	NextObs   time.Time
	NextAPI   time.Time
	HalfWidth float64 // seconds
}

// Next predicts the upcoming observation for a gauge at wall-clock now.
// ok is false when the gauge has no ingested observation to project from.
//
// A candidate stays current until its predicted visibility window has
// fully passed: rolling to the next period as soon as the observation
// moment itself is behind us would strand the fine-polling window of any
// gauge whose latency exceeds half its period.
func Next(g *state.GaugeState, now time.Time) (Prediction, bool) {
	t0 := g.LastTime()
	if t0.IsZero() {
		return Prediction{}, false
	}

	loc := g.LatencyLocSec
	if loc <= 0 {
		loc = state.LatencyPriorLocSec
	}
	width := HalfWidth(g.LatencyScaleSec)

	var nextObs time.Time
	if g.CadenceMult > 0 && g.PhaseOffsetSec != nil {
		period := float64(g.CadenceMult) * cadence.Base
		nextObs = phaseAligned(t0, period, *g.PhaseOffsetSec, now, loc+width)
	} else {
		interval := state.ClampInterval(g.MeanIntervalSec)
		step := time.Duration(interval * float64(time.Second))
		cut := now.Add(-secs(math.Max(interval/2, loc+width)))
		m := time.Duration(1)
		if d := cut.Sub(t0); d >= 0 {
			m = d/step + 1
		}
		nextObs = t0.Add(m * step)
	}

	return Prediction{
		NextObs:   nextObs,
		NextAPI:   nextObs.Add(secs(loc)),
		HalfWidth: width,
	}, true
}

// phaseAligned returns the smallest phase-grid instant still worth
// polling for: strictly after now minus the lateness grace, and past the
// already-ingested observation.
func phaseAligned(t0 time.Time, periodSec, phaseSec float64, now time.Time, visibilitySec float64) time.Time {
	period := time.Duration(periodSec * float64(time.Second))

	shift := math.Mod(phaseSec-math.Mod(float64(t0.Unix()), periodSec), periodSec)
	if shift < 0 {
		shift += periodSec
	}
	base := t0.Add(secs(shift))

	cut := now.Add(-secs(math.Max(periodSec/2, visibilitySec)))
	cand := base
	if d := cut.Sub(base); d >= 0 {
		cand = base.Add((d/period + 1) * period)
	}
	// The grid point at (or before) the ingested observation is not a
	// prediction.
	for cand.Sub(t0) <= period/2 {
		cand = cand.Add(period)
	}
	return cand
}

// HalfWidth maps latency scale to the fine-regime half-width in seconds.
func HalfWidth(scaleSec float64) float64 {
	w := 2 * scaleSec
	if w < HalfWidthMinSec {
		return HalfWidthMinSec
	}
	if w > HalfWidthMaxSec {
		return HalfWidthMaxSec
	}
	return w
}

// ClampETA collapses a past ETA to now; displayed ETAs never point
// backwards.
func ClampETA(eta, now time.Time) time.Time {
	if eta.Before(now) {
		return now
	}
	return eta
}

func secs(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
