// Package schedule turns per-gauge predictions into wall-clock poll
// times. Near a predicted visibility moment it polls on a tight fine
// grid; far from one it coasts at a fraction of the gauge cadence. Fetch
// failures are handled by a separate doubling backoff that never touches
// the normal cadence.
package schedule

import (
	"math"
	"time"

	"github.com/graywater/streamvis/internal/predict"
	"github.com/graywater/streamvis/internal/state"
	"github.com/graywater/streamvis/internal/timeutil"
)

const (
	// Fine-regime step bounds in seconds.
	FineStepMinSec = 15.0
	FineStepMaxSec = 30.0
	// HeadstartSec is how far ahead of predicted visibility a coarse poll
	// lands.
	HeadstartSec = 30.0
	// Fine-regime eligibility: the latency estimate must be tight and the
	// gauge cadence at most hourly.
	FineScaleMaxSec    = 60.0
	FineIntervalMaxSec = 3600.0
)

// NextPoll proposes the next poll time for one gauge and stamps its
// predicted API-visibility ETA on the state.
func NextPoll(g *state.GaugeState, now time.Time, minRetry time.Duration) time.Time {
	interval := state.ClampInterval(g.MeanIntervalSec)

	p, ok := predict.Next(g, now)
	if !ok {
		g.NextETA = ""
		return now.Add(maxDur(minRetry, secs(interval/2)))
	}
	g.NextETA = timeutil.Format(p.NextAPI)

	d := p.NextAPI.Sub(now).Seconds()
	if g.LatencyScaleSec <= FineScaleMaxSec && interval <= FineIntervalMaxSec && math.Abs(d) <= p.HalfWidth {
		frac := math.Abs(d) / p.HalfWidth
		step := FineStepMinSec + frac*(FineStepMaxSec-FineStepMinSec)
		if step < FineStepMinSec {
			step = FineStepMinSec
		}
		return now.Add(secs(step))
	}

	wait := math.Min(d-HeadstartSec, interval/2)
	if floor := minRetry.Seconds(); wait < floor {
		wait = floor
	}
	return now.Add(secs(wait))
}

// Plan picks the earliest per-gauge proposal across all tracked gauges
// and returns it as the shared next poll time.
func Plan(st *state.State, ids []string, now time.Time, minRetry time.Duration) time.Time {
	var next time.Time
	for _, id := range ids {
		prop := NextPoll(st.Gauge(id), now, minRetry)
		if next.IsZero() || prop.Before(next) {
			next = prop
		}
	}
	if next.IsZero() {
		next = now.Add(minRetry)
	}
	return next
}

// Backoff is the doubling error backoff used between failed fetches.
// The zero value is not usable; set Min and Max.
type Backoff struct {
	Min, Max time.Duration
	cur      time.Duration
}

// Next returns the sleep before the upcoming retry, doubling from Min up
// to Max.
func (b *Backoff) Next() time.Duration {
	if b.cur <= 0 {
		b.cur = b.Min
	} else {
		b.cur *= 2
		if b.cur > b.Max {
			b.cur = b.Max
		}
	}
	return b.cur
}

// Reset clears the backoff after a successful fetch.
func (b *Backoff) Reset() { b.cur = 0 }

func secs(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

func maxDur(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}
