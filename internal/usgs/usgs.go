// Package usgs talks to the two USGS water-data APIs: the legacy
// WaterServices instantaneous-values service and the modern OGC
// API-Features service. Both are exposed behind a common Adapter
// capability so the blended backend can race and compare them.
package usgs

import (
	"context"
	"time"
)

// USGS parameter codes for the two metrics tracked per gauge.
const (
	ParamFlow  = "00060" // discharge, cubic feet per second
	ParamStage = "00065" // gage height, feet
)

// Adapter names, also the keys of meta.backend_stats.
const (
	NameLegacy = "legacy"
	NameModern = "modern"
)

// Reading is one observation for a gauge. Either metric may be absent.
type Reading struct {
	ObservedAt time.Time
	Stage      *float64
	Flow       *float64
}

// Request names the gauges to fetch, keyed gauge id -> site number.
type Request struct {
	Sites map[string]string
	// ModifiedSince restricts the legacy adapter to recently-changed
	// series; zero disables it. The modern adapter ignores it.
	ModifiedSince time.Duration
}

// Site is one row of a nearby-site search.
type Site struct {
	SiteNo string
	Name   string
	Lat    float64
	Lon    float64
}

// Adapter is one upstream flavor of the water-data API. FetchLatest
// returns the newest observation per gauge id along with the request
// round-trip time. Errors are typed fetch errors; a failed fetch yields
// an empty map, never a partial panic.
type Adapter interface {
	Name() string
	FetchLatest(ctx context.Context, req Request) (map[string]Reading, time.Duration, error)
}

// mergeReading folds one (timestamp, metric) pair into the per-gauge
// latest reading, keeping only the newest observation time and filling
// both metrics when they share it.
func mergeReading(readings map[string]Reading, gaugeID string, ts time.Time, param string, value float64) {
	r, ok := readings[gaugeID]
	switch {
	case !ok || ts.After(r.ObservedAt):
		r = Reading{ObservedAt: ts}
	case ts.Before(r.ObservedAt):
		return
	}
	v := value
	switch param {
	case ParamStage:
		r.Stage = &v
	case ParamFlow:
		r.Flow = &v
	default:
		return
	}
	readings[gaugeID] = r
}

// appendHistory folds one pair into a per-gauge history series, merging
// points that share a timestamp.
func appendHistory(series map[string][]Reading, gaugeID string, ts time.Time, param string, value float64) {
	pts := series[gaugeID]
	for i := range pts {
		if pts[i].ObservedAt.Equal(ts) {
			v := value
			switch param {
			case ParamStage:
				pts[i].Stage = &v
			case ParamFlow:
				pts[i].Flow = &v
			}
			return
		}
	}
	r := Reading{ObservedAt: ts}
	v := value
	switch param {
	case ParamStage:
		r.Stage = &v
	case ParamFlow:
		r.Flow = &v
	default:
		return
	}
	series[gaugeID] = append(series[gaugeID], r)
}
