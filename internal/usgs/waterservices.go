package usgs

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/graywater/streamvis/internal/fetch"
	"github.com/graywater/streamvis/internal/timeutil"
)

// Legacy is the WaterServices instantaneous-values adapter. One batched
// GET covers every tracked site.
type Legacy struct {
	client  *fetch.Client
	ivURL   string
	siteURL string
}

// NewLegacy builds the legacy adapter against the given instantaneous-
// values and site-service endpoints.
func NewLegacy(client *fetch.Client, ivURL, siteURL string) *Legacy {
	return &Legacy{client: client, ivURL: ivURL, siteURL: siteURL}
}

func (l *Legacy) Name() string { return NameLegacy }

// wsEnvelope is the slice of the WaterServices response we consume.
type wsEnvelope struct {
	Value struct {
		TimeSeries []wsTimeSeries `json:"timeSeries"`
	} `json:"value"`
}

type wsTimeSeries struct {
	SourceInfo struct {
		SiteCode []wsCode `json:"siteCode"`
	} `json:"sourceInfo"`
	Variable struct {
		VariableCode []wsCode `json:"variableCode"`
	} `json:"variable"`
	Values []struct {
		Value []wsPoint `json:"value"`
	} `json:"values"`
}

type wsCode struct {
	Value string `json:"value"`
}

type wsPoint struct {
	Value    string `json:"value"`
	DateTime string `json:"dateTime"`
}

// FetchLatest returns the newest observation per gauge in one batched
// request.
func (l *Legacy) FetchLatest(ctx context.Context, req Request) (map[string]Reading, time.Duration, error) {
	readings := make(map[string]Reading)
	sites := siteList(req.Sites)
	if len(sites) == 0 {
		return readings, 0, nil
	}

	params := url.Values{
		"format":      {"json"},
		"sites":       {strings.Join(sites, ",")},
		"parameterCd": {ParamFlow + "," + ParamStage},
		"siteStatus":  {"all"},
	}
	if req.ModifiedSince > 0 {
		params.Set("modifiedSince", timeutil.ISODuration(req.ModifiedSince.Seconds()))
	}

	var env wsEnvelope
	start := time.Now()
	if err := l.client.GetJSON(ctx, l.ivURL, params, &env); err != nil {
		return readings, time.Since(start), err
	}
	elapsed := time.Since(start)

	bySite := siteIndex(req.Sites)
	for _, series := range env.Value.TimeSeries {
		gaugeID, param, ok := seriesKey(series, bySite)
		if !ok || len(series.Values) == 0 || len(series.Values[0].Value) == 0 {
			continue
		}
		pts := series.Values[0].Value
		last := pts[len(pts)-1]
		ts, v, ok := parsePoint(last.DateTime, last.Value)
		if !ok {
			continue
		}
		mergeReading(readings, gaugeID, ts, param, v)
	}
	return readings, elapsed, nil
}

// FetchHistory returns up to hours of past observations per gauge,
// ascending by timestamp.
func (l *Legacy) FetchHistory(ctx context.Context, sites map[string]string, hours int) (map[string][]Reading, error) {
	series := make(map[string][]Reading)
	siteNos := siteList(sites)
	if len(siteNos) == 0 || hours <= 0 {
		return series, nil
	}

	params := url.Values{
		"format":      {"json"},
		"sites":       {strings.Join(siteNos, ",")},
		"parameterCd": {ParamFlow + "," + ParamStage},
		"siteStatus":  {"all"},
		"period":      {fmt.Sprintf("PT%dH", hours)},
	}

	var env wsEnvelope
	if err := l.client.GetJSON(ctx, l.ivURL, params, &env); err != nil {
		return series, err
	}

	bySite := siteIndex(sites)
	for _, ts := range env.Value.TimeSeries {
		gaugeID, param, ok := seriesKey(ts, bySite)
		if !ok || len(ts.Values) == 0 {
			continue
		}
		for _, pt := range ts.Values[0].Value {
			when, v, ok := parsePoint(pt.DateTime, pt.Value)
			if !ok {
				continue
			}
			appendHistory(series, gaugeID, when, param, v)
		}
	}
	for id := range series {
		pts := series[id]
		sort.Slice(pts, func(i, j int) bool { return pts[i].ObservedAt.Before(pts[j].ObservedAt) })
	}
	return series, nil
}

// FetchSitesNear returns active stream sites with instantaneous data
// inside the bounding box (west, south, east, north).
func (l *Legacy) FetchSitesNear(ctx context.Context, bbox [4]float64) ([]Site, error) {
	params := url.Values{
		"format":        {"rdb"},
		"bBox":          {fmt.Sprintf("%.6f,%.6f,%.6f,%.6f", bbox[0], bbox[1], bbox[2], bbox[3])},
		"siteStatus":    {"active"},
		"hasDataTypeCd": {"iv"},
		"siteType":      {"ST"},
		"parameterCd":   {ParamFlow + "," + ParamStage},
	}
	body, err := l.client.GetText(ctx, l.siteURL, params)
	if err != nil {
		return nil, err
	}
	return parseRDB(body), nil
}

// parseRDB reads the tab-separated RDB site listing: comment lines, a
// header row, a column-width row, then data rows.
func parseRDB(body string) []Site {
	var (
		sites   []Site
		cols    map[string]int
		skipped bool
	)
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Split(line, "\t")
		if cols == nil {
			cols = make(map[string]int, len(fields))
			for i, name := range fields {
				cols[name] = i
			}
			continue
		}
		if !skipped {
			// Column-width row (5s, 15s, ...).
			skipped = true
			continue
		}
		site := Site{
			SiteNo: rdbField(fields, cols, "site_no"),
			Name:   rdbField(fields, cols, "station_nm"),
		}
		if site.SiteNo == "" {
			continue
		}
		if lat, err := strconv.ParseFloat(rdbField(fields, cols, "dec_lat_va"), 64); err == nil {
			site.Lat = lat
		}
		if lon, err := strconv.ParseFloat(rdbField(fields, cols, "dec_long_va"), 64); err == nil {
			site.Lon = lon
		}
		sites = append(sites, site)
	}
	return sites
}

func rdbField(fields []string, cols map[string]int, name string) string {
	i, ok := cols[name]
	if !ok || i >= len(fields) {
		return ""
	}
	return strings.TrimSpace(fields[i])
}

// seriesKey resolves one time series to its gauge id and parameter code.
func seriesKey(ts wsTimeSeries, bySite map[string]string) (gaugeID, param string, ok bool) {
	if len(ts.SourceInfo.SiteCode) == 0 || len(ts.Variable.VariableCode) == 0 {
		return "", "", false
	}
	gaugeID, ok = bySite[ts.SourceInfo.SiteCode[0].Value]
	return gaugeID, ts.Variable.VariableCode[0].Value, ok
}

// parsePoint converts one serialized point, rejecting the WaterServices
// no-data sentinel.
func parsePoint(dt, raw string) (time.Time, float64, bool) {
	ts, ok := timeutil.Parse(dt)
	if !ok {
		return time.Time{}, 0, false
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil || v <= -999998 {
		return time.Time{}, 0, false
	}
	return ts, v, true
}

func siteList(sites map[string]string) []string {
	seen := make(map[string]bool, len(sites))
	out := make([]string, 0, len(sites))
	for _, siteNo := range sites {
		if siteNo == "" || seen[siteNo] {
			continue
		}
		seen[siteNo] = true
		out = append(out, siteNo)
	}
	sort.Strings(out)
	return out
}

// siteIndex inverts the gauge id -> site number mapping.
func siteIndex(sites map[string]string) map[string]string {
	out := make(map[string]string, len(sites))
	for gaugeID, siteNo := range sites {
		out[siteNo] = gaugeID
	}
	return out
}
