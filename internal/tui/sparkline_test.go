package tui

import (
	"strings"
	"testing"

	"github.com/graywater/streamvis/internal/config"
	"github.com/graywater/streamvis/internal/state"
)

func TestSparkline(t *testing.T) {
	tests := []struct {
		name   string
		values []float64
		width  int
		want   string
	}{
		{"empty series", nil, 48, "(no data)"},
		{"single point renders the value", []float64{3.14159}, 48, "3.14"},
		{"flat series renders a run", []float64{5, 5, 5, 5}, 48, "===="},
		{"flat series clips to width", []float64{5, 5, 5, 5, 5, 5}, 3, "==="},
		{"two levels", []float64{1, 2}, 48, " @"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := sparkline(tt.values, tt.width); got != tt.want {
				t.Errorf("sparkline = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSparklineRamp(t *testing.T) {
	values := make([]float64, 10)
	for i := range values {
		values[i] = float64(i)
	}
	got := sparkline(values, 48)
	if got != sparkChars {
		t.Errorf("ramp = %q, want %q", got, sparkChars)
	}
}

func TestSparklineDownsamples(t *testing.T) {
	values := make([]float64, 120)
	for i := range values {
		values[i] = float64(i % 7)
	}
	got := sparkline(values, 10)
	if len(got) != 10 {
		t.Errorf("len = %d, want 10", len(got))
	}
	for _, c := range got {
		if !strings.ContainsRune(sparkChars, c) {
			t.Errorf("unexpected rune %q", c)
		}
	}
}

func TestSparklineKeepsTail(t *testing.T) {
	// Quiet run then a late rise; the rise must survive downsampling.
	values := make([]float64, 96)
	for i := range values {
		values[i] = 1
	}
	values[94] = 10
	values[95] = 10
	got := sparkline(values, 48)
	if !strings.HasSuffix(got, "@") {
		t.Errorf("tail rise lost: %q", got)
	}
	if len(got) != 48 {
		t.Errorf("len = %d, want 48", len(got))
	}
}

func TestHistoryValues(t *testing.T) {
	g := &state.GaugeState{History: []state.HistoryPoint{
		{TS: "2026-01-09T07:00:00Z", Stage: fp(3.0), Flow: fp(400)},
		{TS: "2026-01-09T07:15:00Z", Stage: fp(3.1)},
		{TS: "2026-01-09T07:30:00Z", Flow: fp(420)},
	}}

	if got := historyValues(g, config.MetricStage); len(got) != 2 || got[1] != 3.1 {
		t.Errorf("stage values = %v", got)
	}
	if got := historyValues(g, config.MetricFlow); len(got) != 2 || got[1] != 420 {
		t.Errorf("flow values = %v", got)
	}
	if got := historyValues(nil, config.MetricStage); got != nil {
		t.Errorf("nil gauge values = %v", got)
	}
}

func fp(v float64) *float64 { return &v }
