package schedule

import (
	"fmt"
	"strings"
	"time"

	"github.com/graywater/streamvis/internal/predict"
	"github.com/graywater/streamvis/internal/state"
	"github.com/graywater/streamvis/internal/timeutil"
)

// ControlSummary formats one line describing the polling regime of every
// tracked gauge, for the debug log and the TUI footer.
func ControlSummary(st *state.State, ids []string, now time.Time) string {
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		g, ok := st.GaugeIf(id)
		if !ok {
			continue
		}
		interval := state.ClampInterval(g.MeanIntervalSec)
		fine := g.LatencyScaleSec > 0 &&
			g.LatencyScaleSec <= FineScaleMaxSec &&
			interval <= FineIntervalMaxSec

		next := "unknown"
		if p, ok := predict.Next(g, now); ok {
			next = timeutil.FormatRel(now, p.NextAPI)
		}
		last := "--"
		if t := g.LastTime(); !t.IsZero() {
			last = timeutil.Format(t)
		}
		polls := "--"
		if g.PollsPerUpdateEWMA > 0 {
			polls = fmt.Sprintf("%.2f", g.PollsPerUpdateEWMA)
		}
		parts = append(parts, fmt.Sprintf("%s: mean %ds last %s next %s lat %d±%ds fine %t calls/upd %s",
			id, int(interval), last, next, int(g.LatencyLocSec), int(g.LatencyScaleSec), fine, polls))
	}
	return strings.Join(parts, " | ")
}
