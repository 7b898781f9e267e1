package poll

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/graywater/streamvis/internal/state"
	"github.com/graywater/streamvis/internal/usgs"
)

// hourlyReadings builds an ascending hourly series ending at last.
func hourlyReadings(last time.Time, stages []float64) []usgs.Reading {
	n := len(stages)
	out := make([]usgs.Reading, n)
	for i, s := range stages {
		out[i] = usgs.Reading{
			ObservedAt: last.Add(-time.Duration(n-1-i) * time.Hour),
			Stage:      f64(s),
		}
	}
	return out
}

func TestMergeHistoryRebuildsCadence(t *testing.T) {
	st := state.Default()
	series := map[string][]usgs.Reading{
		"TANW1": hourlyReadings(testNow.Add(-time.Hour), []float64{2.5, 2.6, 2.7, 2.8, 2.9}),
	}

	mergeHistory(st, series)

	g := st.Gauge("TANW1")
	if len(g.History) != 5 {
		t.Fatalf("history length = %d, want 5", len(g.History))
	}
	if g.LastTimestamp != "2026-01-09T07:00:00Z" {
		t.Errorf("last_timestamp = %q", g.LastTimestamp)
	}
	if g.LastStage == nil || *g.LastStage != 2.9 {
		t.Errorf("last_stage = %v, want 2.9", g.LastStage)
	}
	// Mean from scratch over hourly gaps, not an EWMA of them.
	if g.MeanIntervalSec != 3600 {
		t.Errorf("mean_interval_sec = %v, want 3600", g.MeanIntervalSec)
	}
	if g.CadenceMult != 4 || g.CadenceFit != 1.0 {
		t.Errorf("cadence = %dx fit %v, want 4x fit 1", g.CadenceMult, g.CadenceFit)
	}
	if g.PhaseOffsetSec == nil || *g.PhaseOffsetSec != 0 {
		t.Errorf("phase = %v, want 0 for on-the-hour reports", g.PhaseOffsetSec)
	}
}

func TestMergeHistoryKeepsLiveHead(t *testing.T) {
	st := state.Default()
	g := st.Gauge("TANW1")
	g.LastTimestamp = "2026-01-09T07:45:00Z"
	g.LastStage = f64(3.2)
	g.History = []state.HistoryPoint{{TS: "2026-01-09T07:45:00Z", Stage: f64(3.2)}}

	mergeHistory(st, map[string][]usgs.Reading{
		"TANW1": hourlyReadings(testNow.Add(-time.Hour), []float64{2.5, 2.6, 2.7}),
	})

	if g.LastTimestamp != "2026-01-09T07:45:00Z" {
		t.Errorf("last_timestamp = %q, want live head kept", g.LastTimestamp)
	}
	if *g.LastStage != 3.2 {
		t.Errorf("last_stage = %v, want 3.2", *g.LastStage)
	}
	if len(g.History) != 4 {
		t.Errorf("history length = %d, want 4", len(g.History))
	}
	// Deltas 3600, 3600, 2700.
	if g.MeanIntervalSec != 3300 {
		t.Errorf("mean_interval_sec = %v, want 3300", g.MeanIntervalSec)
	}
	if g.CadenceMult != 4 {
		t.Errorf("cadence mult = %d, want 4", g.CadenceMult)
	}
}

func TestStartupBackfill(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.fetcher.history = map[string][]usgs.Reading{
		"TANW1": hourlyReadings(testNow.Add(-time.Hour), []float64{2.5, 2.6, 2.7}),
	}

	t.Run("disabled", func(t *testing.T) {
		st := state.Default()
		h.eng.startupBackfill(ctx, st, 0)
		if h.fetcher.historyCalls() != 0 {
			t.Errorf("history calls = %d, want 0", h.fetcher.historyCalls())
		}
	})

	t.Run("fills and records coverage", func(t *testing.T) {
		st := state.Default()
		h.eng.startupBackfill(ctx, st, 6)
		if h.fetcher.historyCalls() != 1 {
			t.Fatalf("history calls = %d, want 1", h.fetcher.historyCalls())
		}
		if st.Meta.BackfillHours != 6 {
			t.Errorf("backfill_hours = %d, want 6", st.Meta.BackfillHours)
		}
		if g := st.Gauge("TANW1"); len(g.History) != 3 {
			t.Errorf("history length = %d, want 3", len(g.History))
		}
	})

	t.Run("deeper previous coverage satisfies", func(t *testing.T) {
		st := state.Default()
		st.Meta.BackfillHours = 12
		h.eng.startupBackfill(ctx, st, 6)
		if h.fetcher.historyCalls() != 1 {
			t.Errorf("history calls = %d, want unchanged", h.fetcher.historyCalls())
		}
	})

	t.Run("failure leaves coverage unset", func(t *testing.T) {
		h.fetcher.histErr = errors.New("history endpoint down")
		st := state.Default()
		h.eng.startupBackfill(ctx, st, 6)
		if st.Meta.BackfillHours != 0 {
			t.Errorf("backfill_hours = %d, want 0 so the next start retries", st.Meta.BackfillHours)
		}
	})
}

func TestPeriodicBackfill(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.fetcher.history = map[string][]usgs.Reading{
		"TANW1": hourlyReadings(testNow.Add(-time.Hour), []float64{2.5, 2.6, 2.7}),
	}
	st := state.Default()

	h.eng.periodicBackfill(ctx, st, testNow)
	if h.fetcher.historyCalls() != 1 {
		t.Fatalf("history calls = %d, want 1", h.fetcher.historyCalls())
	}
	if st.Meta.LastPeriodicBackfill != "2026-01-09T08:00:00Z" {
		t.Errorf("stamp = %q", st.Meta.LastPeriodicBackfill)
	}
	if g := st.Gauge("TANW1"); len(g.History) != 3 {
		t.Errorf("history length = %d, want 3", len(g.History))
	}

	// Inside the six hour window nothing runs.
	h.eng.periodicBackfill(ctx, st, testNow.Add(3*time.Hour))
	if h.fetcher.historyCalls() != 1 {
		t.Errorf("history calls = %d, want still 1", h.fetcher.historyCalls())
	}

	h.eng.periodicBackfill(ctx, st, testNow.Add(7*time.Hour))
	if h.fetcher.historyCalls() != 2 {
		t.Errorf("history calls = %d, want 2", h.fetcher.historyCalls())
	}
	if st.Meta.LastPeriodicBackfill != "2026-01-09T15:00:00Z" {
		t.Errorf("stamp after rerun = %q", st.Meta.LastPeriodicBackfill)
	}
}

func TestPeriodicBackfillStampsFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.fetcher.histErr = errors.New("history endpoint down")
	st := state.Default()

	h.eng.periodicBackfill(context.Background(), st, testNow)

	if st.Meta.LastPeriodicBackfill != "2026-01-09T08:00:00Z" {
		t.Error("failed attempt should still stamp the gate")
	}
	if _, ok := st.GaugeIf("TANW1"); ok {
		t.Error("failed attempt should not touch gauge state")
	}
}
