package usgs

import (
	"fmt"
	"sort"
)

// Agreement tolerances between the two APIs. The services round
// differently, so exact equality is too strict.
const (
	stageToleranceFt = 0.01
	flowToleranceCFS = 1.0
)

// DiffReadings compares two adapters' result sets gauge by gauge and
// reports human-readable disagreements: observation timestamps that
// diverge, or values that differ beyond rounding at the same instant.
// Gauges present on only one side are not disagreements; the legacy
// change filter legitimately narrows its coverage.
func DiffReadings(aName string, a map[string]Reading, bName string, b map[string]Reading) []string {
	ids := make([]string, 0, len(a))
	for id := range a {
		if _, ok := b[id]; ok {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	var issues []string
	for _, id := range ids {
		ra, rb := a[id], b[id]
		if !ra.ObservedAt.Equal(rb.ObservedAt) {
			issues = append(issues, fmt.Sprintf("%s: %s observed %s vs %s observed %s",
				id, aName, ra.ObservedAt.UTC().Format("15:04:05"), bName, rb.ObservedAt.UTC().Format("15:04:05")))
			continue
		}
		if d, ok := valueDelta(ra.Stage, rb.Stage); ok && d > stageToleranceFt {
			issues = append(issues, fmt.Sprintf("%s: stage %s %.2f vs %s %.2f",
				id, aName, *ra.Stage, bName, *rb.Stage))
		}
		if d, ok := valueDelta(ra.Flow, rb.Flow); ok && d > flowToleranceCFS {
			issues = append(issues, fmt.Sprintf("%s: flow %s %.0f vs %s %.0f",
				id, aName, *ra.Flow, bName, *rb.Flow))
		}
	}
	return issues
}

func valueDelta(a, b *float64) (float64, bool) {
	if a == nil || b == nil {
		return 0, false
	}
	d := *a - *b
	if d < 0 {
		d = -d
	}
	return d, true
}
