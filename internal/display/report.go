// Package display renders the one-shot terminal report: the gauge table,
// forecast crests, backend health, and latency tails.
package display

import (
	"fmt"
	"io"
	"math"
	"sort"
	"time"

	"github.com/fatih/color"
	"github.com/rodaine/table"

	"github.com/graywater/streamvis/internal/gauges"
	"github.com/graywater/streamvis/internal/predict"
	"github.com/graywater/streamvis/internal/state"
	"github.com/graywater/streamvis/internal/stats"
	"github.com/graywater/streamvis/internal/timeutil"
)

// Colors for status indicators
var (
	green   = color.New(color.FgGreen).SprintFunc()
	yellow  = color.New(color.FgYellow).SprintFunc()
	red     = color.New(color.FgRed).SprintFunc()
	magenta = color.New(color.FgMagenta).SprintFunc()
	cyan    = color.New(color.FgCyan).SprintFunc()
	bold    = color.New(color.Bold).SprintFunc()
)

// Report is the once-mode view of the state document.
type Report struct {
	State    *state.State
	Registry *gauges.Registry
	Now      time.Time

	// ShowLatency adds the per-gauge latency tail table.
	ShowLatency bool
}

// Format writes the full report to w.
func (r *Report) Format(w io.Writer) error {
	fmt.Fprintf(w, "%s  %s\n\n", bold("streamvis"), timeutil.FormatClock(r.Now, true))

	r.renderGauges(w)
	r.renderForecasts(w)
	r.renderBackends(w)
	if r.ShowLatency {
		r.renderLatencyTails(w)
	}
	r.renderFooter(w)
	return nil
}

func (r *Report) renderGauges(w io.Writer) {
	headerFmt := color.New(color.FgCyan, color.Underline).SprintfFunc()
	tbl := table.New("Gauge", "Station", "Stage", "Flow", "Status", "Observed", "Next ETA")
	tbl.WithHeaderFormatter(headerFmt).WithWriter(w)

	for _, g := range r.Registry.Ordered() {
		gs, ok := r.State.GaugeIf(g.ID)
		if !ok {
			tbl.AddRow(g.ID, g.DisplayName, "--", "--", formatStatus(gauges.StatusNormal), "--", "--")
			continue
		}
		tbl.AddRow(
			g.ID,
			g.DisplayName,
			formatStage(gs.LastStage),
			formatFlow(gs.LastFlow),
			formatStatus(g.Status(gs.LastStage)),
			formatObserved(r.Now, gs.LastTime()),
			formatETA(gs, r.Now),
		)
	}

	tbl.Print()
	fmt.Fprintln(w)
}

func (r *Report) renderForecasts(w io.Writer) {
	lines := 0
	for _, g := range r.Registry.Ordered() {
		fc, ok := r.State.Forecast[g.ID]
		if !ok || fc.Summary == nil {
			continue
		}
		if lines == 0 {
			fmt.Fprintln(w, bold("Forecast Crests (next 24h)"))
		}
		lines++
		peak := fc.Summary.Max24h
		crest := "--"
		if t, ok := timeutil.Parse(peak.TS); ok {
			crest = timeutil.FormatRel(r.Now, t)
		}
		fmt.Fprintf(w, "  %-6s %s / %s %s\n",
			g.ID, formatStage(peak.Stage), formatFlow(peak.Flow), crest)
		if bias := fc.Bias; bias != nil && bias.StageDelta != nil {
			fmt.Fprintf(w, "         vs forecast now: %+.2f ft\n", *bias.StageDelta)
		}
	}
	if lines > 0 {
		fmt.Fprintln(w)
	}
}

func (r *Report) renderBackends(w io.Writer) {
	if len(r.State.Meta.BackendStats) == 0 {
		return
	}
	fmt.Fprintln(w, bold("Backend Health"))

	headerFmt := color.New(color.FgCyan, color.Underline).SprintfFunc()
	tbl := table.New("Backend", "OK", "Fail", "Latency", "Jitter", "Last Success")
	tbl.WithHeaderFormatter(headerFmt).WithWriter(w)

	names := make([]string, 0, len(r.State.Meta.BackendStats))
	for name := range r.State.Meta.BackendStats {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		bs := r.State.Meta.BackendStats[name]
		label := name
		if name == r.State.Meta.PreferredBackend {
			label = name + " " + green("✓")
		}
		last := "--"
		if t, ok := timeutil.Parse(bs.LastSuccessTS); ok {
			last = timeutil.FormatRel(r.Now, t)
		}
		tbl.AddRow(
			label,
			bs.SuccessCount,
			formatFailCount(bs.FailCount),
			formatMillis(bs.LatencyEWMAMs),
			formatMillis(jitterMs(bs.LatencyVarEWMAMs)),
			last,
		)
	}

	tbl.Print()
	fmt.Fprintln(w)
}

func (r *Report) renderLatencyTails(w io.Writer) {
	headerFmt := color.New(color.FgCyan, color.Underline).SprintfFunc()
	tbl := table.New("Gauge", "Samples", "p50", "p95", "p99", "Max", "Model")
	tbl.WithHeaderFormatter(headerFmt).WithWriter(w)

	rows := 0
	for _, g := range r.Registry.Ordered() {
		gs, ok := r.State.GaugeIf(g.ID)
		if !ok || len(gs.LatencySamples) == 0 {
			continue
		}
		rows++
		tail := stats.CalculateTailLatency(toDurations(gs.LatencySamples))
		tbl.AddRow(
			g.ID,
			len(gs.LatencySamples),
			formatSeconds(tail.P50),
			formatSeconds(tail.P95),
			formatSeconds(tail.P99),
			formatSeconds(tail.Max),
			fmt.Sprintf("%d±%ds", int(gs.LatencyLocSec), int(gs.LatencyScaleSec)),
		)
	}
	if rows == 0 {
		return
	}
	fmt.Fprintln(w, bold("Latency Tails (observation → API)"))
	tbl.Print()
	fmt.Fprintln(w)
}

func (r *Report) renderFooter(w io.Writer) {
	next := "--"
	if t, ok := timeutil.Parse(r.State.Meta.NextPollAt); ok {
		next = timeutil.FormatRel(r.Now, t)
	}
	used := r.State.Meta.LastBackendUsed
	if used == "" {
		used = r.State.Meta.APIBackend
	}
	fmt.Fprintf(w, "Backend: %s   Next poll: %s\n", cyan(used), next)
}

// Helper formatting functions

func formatStage(v *float64) string {
	if v == nil {
		return "--"
	}
	return fmt.Sprintf("%.2f ft", *v)
}

func formatFlow(v *float64) string {
	if v == nil {
		return "--"
	}
	return fmt.Sprintf("%.0f cfs", *v)
}

func formatStatus(status string) string {
	switch status {
	case gauges.StatusMajor:
		return magenta(status)
	case gauges.StatusModerate, gauges.StatusMinor:
		return red(status)
	case gauges.StatusAction:
		return yellow(status)
	default:
		return green(status)
	}
}

func formatObserved(now, at time.Time) string {
	if at.IsZero() {
		return "--"
	}
	return fmt.Sprintf("%s (%s)", timeutil.FormatClock(at, false), timeutil.FormatRel(now, at))
}

func formatETA(gs *state.GaugeState, now time.Time) string {
	p, ok := predict.Next(gs, now)
	if !ok {
		return "--"
	}
	return timeutil.FormatRel(now, predict.ClampETA(p.NextAPI, now))
}

func formatFailCount(count int) string {
	if count == 0 {
		return green("0")
	}
	return red(fmt.Sprintf("%d", count))
}

func formatMillis(ms float64) string {
	if ms <= 0 {
		return "--"
	}
	if ms < 1000 {
		return fmt.Sprintf("%.0fms", ms)
	}
	return fmt.Sprintf("%.1fs", ms/1000)
}

func formatSeconds(d time.Duration) string {
	if d <= 0 {
		return "--"
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	return fmt.Sprintf("%dm%02ds", int(d.Minutes()), int(d.Seconds())%60)
}

func jitterMs(varMs2 float64) float64 {
	if varMs2 <= 0 {
		return 0
	}
	return math.Sqrt(varMs2)
}

func toDurations(samples []float64) []time.Duration {
	out := make([]time.Duration, 0, len(samples))
	for _, s := range samples {
		out = append(out, time.Duration(s*float64(time.Second)))
	}
	return out
}
