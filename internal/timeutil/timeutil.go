// Package timeutil provides timestamp parsing and formatting shared by the
// upstream adapters, the state store, and the UI. All parsed instants are
// normalized to UTC.
package timeutil

import (
	"fmt"
	"strings"
	"time"
)

// layouts accepted by Parse, tried in order. USGS WaterServices emits numeric
// offsets ("2024-01-02T03:04:05.000-08:00"), the OGC API emits Zulu, and
// forecast feeds occasionally drop the zone entirely.
var layouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

// Parse converts an ISO-8601 timestamp to a UTC instant. The second return
// is false for empty or unparseable input.
func Parse(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// Format renders t as UTC RFC 3339 with sub-second precision preserved.
func Format(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// FormatClock renders t in the local zone as HH:MM:SS, or with the date when
// withDate is set. The zero time renders as "-".
func FormatClock(t time.Time, withDate bool) string {
	if t.IsZero() {
		return "-"
	}
	local := t.Local()
	if withDate {
		return local.Format("2006-01-02 15:04:05")
	}
	return local.Format("15:04:05")
}

// FormatRel renders target relative to now as "in 5m" / "ago 30s" / "now".
// The zero target renders as "unknown".
func FormatRel(now, target time.Time) string {
	if target.IsZero() {
		return "unknown"
	}
	delta := target.Sub(now).Seconds()
	if delta > -1 && delta < 1 {
		return "now"
	}
	suffix := "in"
	if delta < 0 {
		suffix = "ago"
		delta = -delta
	}
	switch {
	case delta < 60:
		return fmt.Sprintf("%s %ds", suffix, int(delta))
	case delta < 3600:
		return fmt.Sprintf("%s %dm", suffix, int(delta/60))
	default:
		return fmt.Sprintf("%s %dh", suffix, int(delta/3600))
	}
}

// ISODuration renders a second count as an ISO-8601 "PT..H..M..S" duration.
// Seconds are emitted only when there is no larger component, matching what
// the WaterServices modifiedSince parameter expects for coarse windows.
func ISODuration(seconds float64) string {
	total := int(seconds)
	if total <= 0 {
		return "PT0S"
	}
	minutes, secRem := total/60, total%60
	hours, minutes := minutes/60, minutes%60

	var b strings.Builder
	b.WriteString("PT")
	if hours > 0 {
		fmt.Fprintf(&b, "%dH", hours)
	}
	if minutes > 0 {
		fmt.Fprintf(&b, "%dM", minutes)
	}
	if secRem > 0 && hours == 0 && minutes == 0 {
		fmt.Fprintf(&b, "%dS", secRem)
	}
	return b.String()
}

// ParseLocalNWS converts a date, clock time, and Pacific zone label
// ("PST"/"PDT") into a UTC instant. Used for forecast center text plots,
// which publish local wall-clock rows.
func ParseLocalNWS(dateStr, timeStr, tzLabel string) (time.Time, bool) {
	t, err := time.Parse("2006-01-02 15:04", dateStr+" "+timeStr)
	if err != nil {
		return time.Time{}, false
	}
	offset := -8 * 3600
	if strings.EqualFold(strings.TrimSpace(tzLabel), "PDT") {
		offset = -7 * 3600
	}
	zone := time.FixedZone(strings.ToUpper(tzLabel), offset)
	local := time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), 0, 0, zone)
	return local.UTC(), true
}
