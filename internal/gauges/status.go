package gauges

// Flood status labels, ordered by severity.
const (
	StatusNormal   = "NORMAL"
	StatusAction   = "ACTION"
	StatusMinor    = "MINOR FLOOD"
	StatusModerate = "MOD FLOOD"
	StatusMajor    = "MAJOR FLOOD"
)

// Status classifies a stage reading against the gauge's flood thresholds.
// Gauges without thresholds, and nil readings, are NORMAL.
func (g *Gauge) Status(stageFt *float64) string {
	if g == nil || g.Thresholds == nil || stageFt == nil {
		return StatusNormal
	}
	t := g.Thresholds
	s := *stageFt
	if t.Major != nil && s >= *t.Major {
		return StatusMajor
	}
	if t.Moderate != nil && s >= *t.Moderate {
		return StatusModerate
	}
	if t.Minor != nil && s >= *t.Minor {
		return StatusMinor
	}
	if t.Action != nil && s >= *t.Action {
		return StatusAction
	}
	return StatusNormal
}
