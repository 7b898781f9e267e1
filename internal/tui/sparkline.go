package tui

import (
	"fmt"
	"strings"

	"github.com/graywater/streamvis/internal/config"
	"github.com/graywater/streamvis/internal/state"
)

// sparkChars ramp from quiet to peak.
const sparkChars = " .:-=+*#%@"

// sparkline renders a series as a fixed-width character strip, newest at
// the right. A flat series renders as a run of "=", a single point as its
// value, and an empty series as a placeholder.
func sparkline(values []float64, width int) string {
	if width < 1 {
		width = 1
	}
	if len(values) == 0 {
		return "(no data)"
	}
	if len(values) == 1 {
		return fmt.Sprintf("%.2f", values[0])
	}

	vmin, vmax := seriesBounds(values)
	span := vmax - vmin
	if span <= 0 {
		n := len(values)
		if n > width {
			n = width
		}
		return strings.Repeat("=", n)
	}

	// Downsample so the strip covers the whole series, keeping the tail.
	step := (len(values) + width - 1) / width
	start := len(values) - step*width
	if start < 0 {
		start = 0
	}
	sampled := make([]float64, 0, width+1)
	for i := start; i < len(values); i += step {
		sampled = append(sampled, values[i])
	}
	if len(sampled) > width {
		sampled = sampled[len(sampled)-width:]
	}

	var b strings.Builder
	for _, v := range sampled {
		level := int((v - vmin) / span * float64(len(sparkChars)-1))
		b.WriteByte(sparkChars[level])
	}
	return b.String()
}

// seriesBounds returns the min and max of a non-empty series.
func seriesBounds(values []float64) (float64, float64) {
	vmin, vmax := values[0], values[0]
	for _, v := range values[1:] {
		if v < vmin {
			vmin = v
		}
		if v > vmax {
			vmax = v
		}
	}
	return vmin, vmax
}

// historyValues extracts one metric's series from a gauge's history, in
// chronological order, skipping points where the metric is absent.
func historyValues(g *state.GaugeState, metric string) []float64 {
	if g == nil {
		return nil
	}
	out := make([]float64, 0, len(g.History))
	for i := range g.History {
		p := &g.History[i]
		var v *float64
		if metric == config.MetricFlow {
			v = p.Flow
		} else {
			v = p.Stage
		}
		if v != nil {
			out = append(out, *v)
		}
	}
	return out
}
