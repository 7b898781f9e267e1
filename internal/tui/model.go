// Package tui is the interactive dashboard: a live gauge table, a detail
// pane with a history chart, and key-driven control over the polling
// engine running underneath it.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/graywater/streamvis/internal/clock"
	"github.com/graywater/streamvis/internal/config"
	"github.com/graywater/streamvis/internal/gauges"
	"github.com/graywater/streamvis/internal/predict"
	"github.com/graywater/streamvis/internal/schedule"
	"github.com/graywater/streamvis/internal/state"
	"github.com/graywater/streamvis/internal/timeutil"
)

// flashWindow is how long a row stays highlighted after new data lands.
const flashWindow = 2 * time.Second

// detailRows caps the recent-updates table in the expanded detail pane.
const detailRows = 6

// Controller is the engine surface the dashboard drives. *poll.Engine
// implements it.
type Controller interface {
	Snapshot() *state.State
	Kick()
	ForceRefetch()
	ToggleNearby(ctx context.Context) string
	LastError() error
}

// ModelConfig wires a dashboard model.
type ModelConfig struct {
	Controller Controller
	Registry   *gauges.Registry
	Options    config.Options

	// Context is the run context; nearby toggles search under it.
	Context context.Context

	// Clock overrides wall time in tests.
	Clock clock.Clock
}

// tickMsg drives the snapshot refresh cadence.
type tickMsg time.Time

// nearbyMsg carries the status line from a nearby toggle.
type nearbyMsg string

// Model is the Bubble Tea model for the dashboard.
type Model struct {
	cfg   ModelConfig
	clock clock.Clock

	snapshot *state.State

	selected int
	detail   bool
	metric   string
	alerts   bool

	statusMsg string
	width     int
	height    int

	lastStamps map[string]string
	flash      map[string]time.Time
}

// NewModel builds the dashboard over a prepared engine. The first
// snapshot is taken immediately so the initial frame has data.
func NewModel(cfg ModelConfig) *Model {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.System()
	}
	metric := cfg.Options.ChartMetric
	if metric == "" {
		metric = config.MetricStage
	}
	m := &Model{
		cfg:        cfg,
		clock:      clk,
		metric:     metric,
		alerts:     !cfg.Options.NoUpdateAlert,
		lastStamps: make(map[string]string),
		flash:      make(map[string]time.Time),
	}
	m.refresh()
	return m
}

// Init implements tea.Model.
func (m *Model) Init() tea.Cmd {
	return m.tickCmd()
}

func (m *Model) tickCmd() tea.Cmd {
	return tea.Tick(m.cfg.Options.UITick, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// Update implements tea.Model.
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKeyPress(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case tickMsg:
		m.refresh()
		return m, m.tickCmd()

	case nearbyMsg:
		m.statusMsg = string(msg)
	}
	return m, nil
}

// handleKeyPress processes keyboard input.
func (m *Model) handleKeyPress(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	ids := m.cfg.Registry.IDs()
	switch msg.String() {
	case "q", "ctrl+c":
		return m, tea.Quit

	case "up", "k":
		if len(ids) > 0 {
			m.selected = (m.selected - 1 + len(ids)) % len(ids)
		}

	case "down", "j":
		if len(ids) > 0 {
			m.selected = (m.selected + 1) % len(ids)
		}

	case "enter":
		m.detail = !m.detail

	case "c":
		if m.metric == config.MetricStage {
			m.metric = config.MetricFlow
		} else {
			m.metric = config.MetricStage
		}
		m.statusMsg = "Chart metric: " + m.metric

	case "b":
		m.alerts = !m.alerts
		m.statusMsg = "Alerts: " + onOff(m.alerts)

	case "n":
		return m, m.toggleNearbyCmd()

	case "r":
		m.cfg.Controller.Kick()
		m.statusMsg = "Manual refresh requested..."

	case "f":
		m.cfg.Controller.ForceRefetch()
		m.statusMsg = "Forced refetch requested..."
	}
	return m, nil
}

// toggleNearbyCmd flips nearby tracking off the Update path; discovery
// does network work and must not block input handling.
func (m *Model) toggleNearbyCmd() tea.Cmd {
	return func() tea.Msg {
		return nearbyMsg(m.cfg.Controller.ToggleNearby(m.cfg.Context))
	}
}

// refresh pulls the engine's current document and marks rows whose
// observation advanced since the previous frame.
func (m *Model) refresh() {
	snap := m.cfg.Controller.Snapshot()
	now := m.clock.Now()
	for _, id := range m.cfg.Registry.IDs() {
		g, ok := snap.GaugeIf(id)
		if !ok {
			continue
		}
		if prev, seen := m.lastStamps[id]; seen && prev != g.LastTimestamp && m.alerts {
			m.flash[id] = now
		}
		m.lastStamps[id] = g.LastTimestamp
	}
	m.snapshot = snap
	if n := len(m.cfg.Registry.IDs()); n > 0 && m.selected >= n {
		m.selected = n - 1
	}
}

// View implements tea.Model.
func (m *Model) View() string {
	if m.snapshot == nil {
		return "loading..."
	}
	now := m.clock.Now()

	var b strings.Builder
	b.WriteString(m.renderHeader(now))
	b.WriteString("\n")
	b.WriteString(m.renderTable(now))
	b.WriteString("\n")
	b.WriteString(m.renderDetail(now))
	b.WriteString(m.renderNearby())
	b.WriteString("\n")
	b.WriteString(m.renderFooter(now))
	return b.String()
}

func (m *Model) renderHeader(now time.Time) string {
	clockLine := fmt.Sprintf("Now %s local | %s UTC",
		now.Local().Format("2006-01-02 15:04:05"),
		now.UTC().Format("2006-01-02 15:04:05"))
	return styleTitle.Render("STREAMVIS // RIVER WATCH") + "\n" +
		styleSubtle.Render(clockLine) + "\n"
}

func (m *Model) renderTable(now time.Time) string {
	var b strings.Builder
	b.WriteString(styleHeader.Render(fmt.Sprintf("%-6s %9s %10s %-11s %9s %9s",
		"Gauge", "Stage(ft)", "Flow(cfs)", "Status", "Observed", "Next ETA")))
	b.WriteString("\n")

	for i, id := range m.cfg.Registry.IDs() {
		line, status := m.gaugeRow(id, now)
		style := statusStyle(status)
		if at, ok := m.flash[id]; ok && now.Sub(at) < flashWindow {
			style = style.Bold(true)
		}
		if i == m.selected {
			style = style.Reverse(true)
		}
		b.WriteString(style.Render(line))
		b.WriteString("\n")
	}
	return b.String()
}

func (m *Model) gaugeRow(id string, now time.Time) (string, string) {
	g, _ := m.cfg.Registry.Get(id)
	status := gauges.StatusNormal
	stage, flow, obs, eta := "--", "--", "--", "--"

	if gs, ok := m.snapshot.GaugeIf(id); ok {
		if gs.LastStage != nil {
			stage = fmt.Sprintf("%.2f", *gs.LastStage)
		}
		if gs.LastFlow != nil {
			flow = fmt.Sprintf("%.0f", *gs.LastFlow)
		}
		status = g.Status(gs.LastStage)
		if t := gs.LastTime(); !t.IsZero() {
			obs = timeutil.FormatClock(t, false)
		}
		if p, ok := predict.Next(gs, now); ok {
			eta = timeutil.FormatRel(now, predict.ClampETA(p.NextAPI, now))
		}
	}
	return fmt.Sprintf("%-6s %9s %10s %-11s %9s %9s", id, stage, flow, status, obs, eta), status
}

// renderDetail shows the selected gauge: a headline, then either the
// compact history chart or the expanded recent-updates view.
func (m *Model) renderDetail(now time.Time) string {
	ids := m.cfg.Registry.IDs()
	if len(ids) == 0 {
		return ""
	}
	sel := ids[m.selected]
	g, _ := m.cfg.Registry.Get(sel)
	gs, _ := m.snapshot.GaugeIf(sel)

	var b strings.Builder
	b.WriteString(m.renderHeadline(sel, g, gs, now))
	if m.detail {
		b.WriteString(m.renderExpanded(sel, gs))
	} else {
		b.WriteString(m.renderChart(gs))
	}
	return b.String()
}

func (m *Model) renderHeadline(id string, g *gauges.Gauge, gs *state.GaugeState, now time.Time) string {
	stage, flow := "-", "-"
	status := gauges.StatusNormal
	obs, rel, eta := "--", "unknown", "now"

	if gs != nil {
		if gs.LastStage != nil {
			stage = fmt.Sprintf("%.2f", *gs.LastStage)
		}
		if gs.LastFlow != nil {
			flow = fmt.Sprintf("%.0f", *gs.LastFlow)
		}
		status = g.Status(gs.LastStage)
		if t := gs.LastTime(); !t.IsZero() {
			obs = timeutil.FormatClock(t, false)
			rel = timeutil.FormatRel(now, t)
		}
		if p, ok := predict.Next(gs, now); ok {
			eta = timeutil.FormatRel(now, predict.ClampETA(p.NextAPI, now))
		}
	}
	return styleBold.Render(fmt.Sprintf("%s | Stage: %s ft | Flow: %s cfs | Status: %s", id, stage, flow, status)) + "\n" +
		fmt.Sprintf("Observed %s (%s), Next ETA: %s", obs, rel, eta) + "\n"
}

// renderChart is the compact detail: sparkline plus series stats.
func (m *Model) renderChart(gs *state.GaugeState) string {
	vals := historyValues(gs, m.metric)
	width := m.width - 12
	if width < 10 {
		width = 10
	}

	var b strings.Builder
	b.WriteString(styleSubtle.Render(fmt.Sprintf("%s history (%d pts, newest right)",
		strings.ToUpper(m.metric), len(vals))))
	b.WriteString("\n")
	b.WriteString(styleChart.Render(sparkline(vals, width)))
	b.WriteString("\n")
	if len(vals) > 0 {
		vmin, vmax := seriesBounds(vals)
		delta := vals[len(vals)-1] - vals[0]
		b.WriteString(styleSubtle.Render(fmt.Sprintf("%s: min %.2f  max %.2f  Δ %+.2f",
			m.metric, vmin, vmax, delta)))
		b.WriteString("\n")
	}
	return b.String()
}

// renderExpanded is the full detail: recent updates with deltas, the
// learned timing model, and the overlay cross-checks.
func (m *Model) renderExpanded(id string, gs *state.GaugeState) string {
	var b strings.Builder

	if gs != nil && len(gs.History) > 0 {
		recent := gs.History
		if len(recent) > detailRows {
			recent = recent[len(recent)-detailRows:]
		}
		b.WriteString(styleSubtle.Render(fmt.Sprintf("%8s  %8s %8s %8s %8s",
			"Time", "Stage", "ΔStage", "Flow", "ΔFlow")))
		b.WriteString("\n")
		var prevStage, prevFlow *float64
		for i := range recent {
			p := &recent[i]
			line := fmt.Sprintf("%8s  %8s %8s %8s %8s",
				timeutil.FormatClock(p.Time(), false),
				fmtVal(p.Stage, "%8.2f"),
				fmtDelta(p.Stage, prevStage, "%+8.2f"),
				fmtVal(p.Flow, "%8.0f"),
				fmtDelta(p.Flow, prevFlow, "%+8.0f"))
			prevStage, prevFlow = p.Stage, p.Flow
			b.WriteString(styleChart.Render(line))
			b.WriteString("\n")
		}
		b.WriteString(styleSubtle.Render(trendLine(recent)))
		b.WriteString("\n")
	}

	if gs != nil {
		b.WriteString(styleSubtle.Render(fmt.Sprintf("Latency (obs→API): %d±%ds",
			int(gs.LatencyLocSec), int(gs.LatencyScaleSec))))
		b.WriteString("\n")
		if gs.PollsPerUpdateEWMA > 0 {
			b.WriteString(styleSubtle.Render(fmt.Sprintf("Calls/update: ewma %.2f", gs.PollsPerUpdateEWMA)))
			b.WriteString("\n")
		}
	}

	if nw := m.snapshot.NWRFC[id]; nw != nil && nw.DiffVsUSGS != nil {
		d := nw.DiffVsUSGS
		b.WriteString(styleSubtle.Render(fmt.Sprintf("NWRFC vs USGS (last): Δstage %s, Δflow %s",
			fmtSigned(d.StageDelta, "%+.2f ft"), fmtSigned(d.FlowDelta, "%+.0f cfs"))))
		b.WriteString("\n")
	}

	if fc := m.snapshot.Forecast[id]; fc != nil && fc.Summary != nil {
		s := fc.Summary
		b.WriteString(styleSubtle.Render(fmt.Sprintf("Forecast peaks (stage/flow): 3h %s  |  24h %s  |  full %s",
			fmtPeak(s.Max3h), fmtPeak(s.Max24h), fmtPeak(s.MaxFull))))
		b.WriteString("\n")
		if bias := fc.Bias; bias != nil {
			b.WriteString(styleSubtle.Render(fmt.Sprintf("Vs forecast now: Δstage %s, Δflow %s",
				fmtSigned(bias.StageDelta, "%+.2f ft"), fmtSigned(bias.FlowDelta, "%+.0f cfs"))))
			b.WriteString("\n")
		}
		if fc.PhaseShiftSec != nil {
			hours := *fc.PhaseShiftSec / 3600
			sign := "later"
			if hours < 0 {
				sign = "earlier"
				hours = -hours
			}
			b.WriteString(styleSubtle.Render(fmt.Sprintf("Peak timing: %.2f h %s than forecast", hours, sign)))
			b.WriteString("\n")
		}
	}
	return b.String()
}

func (m *Model) renderNearby() string {
	meta := m.snapshot.Meta

	toggle := "off"
	if meta.NearbyEnabled {
		toggle = "ON"
	}
	line := "[n] Nearby: " + toggle
	located := meta.UserLat != nil && meta.UserLon != nil
	if meta.NearbyEnabled && !located {
		line += " (no location)"
	}

	var b strings.Builder
	b.WriteString(styleSubtle.Render(line))
	b.WriteString("\n")
	if meta.NearbyEnabled && located {
		nearest := m.cfg.Registry.Nearest(*meta.UserLat, *meta.UserLon, 3)
		if len(nearest) > 0 {
			b.WriteString(styleSubtle.Render("Closest stations:"))
			b.WriteString("\n")
			for _, d := range nearest {
				b.WriteString(styleSubtle.Render(fmt.Sprintf("  %-6s %5.1fmi %s",
					d.Gauge.ID, d.Miles, d.Gauge.DisplayName)))
				b.WriteString("\n")
			}
		}
	}
	return b.String()
}

func (m *Model) renderFooter(now time.Time) string {
	next := "pending"
	if t, ok := timeutil.Parse(m.snapshot.Meta.NextPollAt); ok {
		next = timeutil.FormatRel(now, t)
	}
	keys := "[↑/↓] select  [enter] details  [c] chart metric  [b] alerts  [n] nearby  [r] refresh  [f] force refetch  [q] quit"
	footer := fmt.Sprintf("%s  Next fetch: %s", keys, next)
	if m.statusMsg != "" {
		footer += "  |  " + m.statusMsg
	}

	var b strings.Builder
	b.WriteString(styleSubtle.Render(footer))
	b.WriteString("\n")
	if err := m.cfg.Controller.LastError(); err != nil {
		b.WriteString(styleError.Render("Last fetch: " + err.Error()))
		b.WriteString("\n")
	}
	b.WriteString(styleSubtle.Render(fmt.Sprintf("Mode: TUI adaptive | Alerts: %s | State: %s",
		onOff(m.alerts), m.cfg.Options.StateFile)))
	if m.cfg.Options.Debug {
		b.WriteString("\n")
		b.WriteString(styleSubtle.Render(schedule.ControlSummary(m.snapshot, m.cfg.Registry.IDs(), now)))
	}
	return b.String()
}

// trendLine summarizes recent movement as per-hour rates.
func trendLine(recent []state.HistoryPoint) string {
	var times []time.Time
	var stages, flows []float64
	for i := range recent {
		p := &recent[i]
		t := p.Time()
		if t.IsZero() {
			continue
		}
		times = append(times, t)
		if p.Stage != nil {
			stages = append(stages, *p.Stage)
		}
		if p.Flow != nil {
			flows = append(flows, *p.Flow)
		}
	}

	hours := 1.0
	if len(times) >= 2 {
		if dh := times[len(times)-1].Sub(times[0]).Hours(); dh > 0 {
			hours = dh
		}
	}
	stageTrend, flowTrend := 0.0, 0.0
	if len(stages) >= 2 {
		stageTrend = (stages[len(stages)-1] - stages[0]) / hours
	}
	if len(flows) >= 2 {
		flowTrend = (flows[len(flows)-1] - flows[0]) / hours
	}
	return fmt.Sprintf("Trend: stage %+.2f ft/h   flow %+.0f cfs/h", stageTrend, flowTrend)
}

func fmtVal(v *float64, format string) string {
	if v == nil {
		return "      --"
	}
	return fmt.Sprintf(format, *v)
}

func fmtDelta(cur, prev *float64, format string) string {
	if cur == nil || prev == nil {
		return "      --"
	}
	return fmt.Sprintf(format, *cur-*prev)
}

func fmtSigned(v *float64, format string) string {
	if v == nil {
		return "n/a"
	}
	return fmt.Sprintf(format, *v)
}

func fmtPeak(p state.ForecastMax) string {
	stage, flow := "--", "--"
	if p.Stage != nil {
		stage = fmt.Sprintf("%.2f ft", *p.Stage)
	}
	if p.Flow != nil {
		flow = fmt.Sprintf("%.0f cfs", *p.Flow)
	}
	return stage + " / " + flow
}

func onOff(v bool) string {
	if v {
		return "on"
	}
	return "off"
}
