package latency

import (
	"math"
	"testing"
	"time"

	"github.com/graywater/streamvis/internal/state"
)

var t0 = time.Date(2026, 1, 9, 8, 0, 0, 0, time.UTC)

func TestObserveRecordsBracketMidpoint(t *testing.T) {
	g := state.NewGaugeState()
	sample, ok := Observe(g, t0, t0.Add(300*time.Second), t0.Add(900*time.Second))
	if !ok {
		t.Fatal("bracket discarded")
	}
	if sample != 600 {
		t.Errorf("sample = %v, want midpoint 600", sample)
	}
	if g.LatencyWindow == nil || g.LatencyWindow[0] != 300 || g.LatencyWindow[1] != 900 {
		t.Errorf("window = %v, want [300 900]", g.LatencyWindow)
	}
	// A single sample keeps the prior.
	if g.LatencyLocSec != state.LatencyPriorLocSec || g.LatencyScaleSec != state.LatencyPriorScaleSec {
		t.Errorf("loc/scale = %v/%v, want prior", g.LatencyLocSec, g.LatencyScaleSec)
	}
}

func TestObserveFirstPollHasOpenLowerBound(t *testing.T) {
	g := state.NewGaugeState()
	sample, ok := Observe(g, t0, time.Time{}, t0.Add(600*time.Second))
	if !ok || sample != 300 {
		t.Errorf("sample = %v ok=%v, want 300", sample, ok)
	}
	if g.LatencyWindow == nil || g.LatencyWindow[0] != 0 {
		t.Errorf("window = %v, want lower bound 0", g.LatencyWindow)
	}
}

func TestObserveDiscardsClockSkew(t *testing.T) {
	g := state.NewGaugeState()
	if _, ok := Observe(g, t0.Add(time.Minute), time.Time{}, t0); ok {
		t.Error("future-dated observation should be discarded")
	}
	if len(g.LatencySamples) != 0 || g.LatencyWindow != nil {
		t.Errorf("discarded bracket mutated state: %v %v", g.LatencySamples, g.LatencyWindow)
	}
}

func TestRefitIgnoresOutlier(t *testing.T) {
	g := state.NewGaugeState()
	g.LatencySamples = []float64{590, 600, 605, 610, 2400}
	Refit(g)

	if math.Abs(g.LatencyLocSec-600) > 50 {
		t.Errorf("loc = %v, want within 50 of 600", g.LatencyLocSec)
	}
	if g.LatencyScaleSec <= 0 || g.LatencyScaleSec > 100 {
		t.Errorf("scale = %v, want small positive", g.LatencyScaleSec)
	}
}

func TestRefitIdenticalSamplesKeepsScalePositive(t *testing.T) {
	g := state.NewGaugeState()
	g.LatencySamples = []float64{600, 600, 600, 600}
	Refit(g)

	if g.LatencyLocSec != 600 {
		t.Errorf("loc = %v, want 600", g.LatencyLocSec)
	}
	if g.LatencyScaleSec <= 0 {
		t.Errorf("scale = %v, must stay positive", g.LatencyScaleSec)
	}
}

func TestObserveCapsSampleWindow(t *testing.T) {
	g := state.NewGaugeState()
	for i := 0; i < 130; i++ {
		obs := t0.Add(time.Duration(i) * 900 * time.Second)
		Observe(g, obs, obs.Add(300*time.Second), obs.Add(900*time.Second))
	}
	if len(g.LatencySamples) != 120 {
		t.Errorf("samples = %d, want capped at 120", len(g.LatencySamples))
	}
}

func TestSteadyVisibilityConvergesNearTruth(t *testing.T) {
	// Observations become visible 600 s after their timestamp; polls land
	// at varying offsets so each bracket differs but straddles the truth.
	g := state.NewGaugeState()
	offsets := []float64{650, 700, 620, 680, 710, 640}
	for i, off := range offsets {
		obs := t0.Add(time.Duration(i) * 900 * time.Second)
		prev := obs.Add(time.Duration(off-120) * time.Second)
		poll := obs.Add(time.Duration(off) * time.Second)
		Observe(g, obs, prev, poll)
	}
	if math.Abs(g.LatencyLocSec-600) > 50 {
		t.Errorf("loc = %v, want 600 +- 50", g.LatencyLocSec)
	}
}
