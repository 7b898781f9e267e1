package poll

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/graywater/streamvis/internal/clock"
	"github.com/graywater/streamvis/internal/config"
	"github.com/graywater/streamvis/internal/gauges"
	"github.com/graywater/streamvis/internal/state"
	"github.com/graywater/streamvis/internal/timeutil"
	"github.com/graywater/streamvis/internal/usgs"
)

func discoveryEngine(searcher *fakeSearcher, reg *gauges.Registry) *Engine {
	opts := config.DefaultOptions()
	opts.BackfillHours = 0
	return New(Config{
		Backend:  &fakeFetcher{},
		Search:   searcher,
		Registry: reg,
		Clock:    clock.NewFake(testNow),
		Options:  opts,
	})
}

func locState(lat, lon float64) *state.State {
	st := state.Default()
	st.Meta.UserLat = &lat
	st.Meta.UserLon = &lon
	return st
}

func TestDiscoverNearbyExpandsRadius(t *testing.T) {
	searcher := &fakeSearcher{pages: [][]usgs.Site{
		nil, nil, nil,
		{
			{SiteNo: "12345678", Name: "CEDAR RIVER AT RENTON", Lat: 47.6, Lon: -121.9},
			{SiteNo: "87654321", Name: "RAGING RIVER NEAR FALL CITY", Lat: 47.4, Lon: -121.7},
			{SiteNo: "11223344", Name: "TOLT RIVER NEAR CARNATION", Lat: 47.7, Lon: -121.6},
		},
	}}
	reg := twoStationRegistry()
	e := discoveryEngine(searcher, reg)
	st := locState(47.5, -121.8)

	got := e.discoverNearby(context.Background(), st, testNow)

	if len(searcher.boxes) != 4 {
		t.Fatalf("search calls = %d, want 4", len(searcher.boxes))
	}
	wantRadii := []float64{30, 60, 120, 180}
	for i, want := range wantRadii {
		r := (searcher.boxes[i][3] - searcher.boxes[i][1]) / 2 * 69
		if math.Abs(r-want) > 1e-9 {
			t.Errorf("attempt %d radius = %v miles, want %v", i, r, want)
		}
	}
	if len(got) != 3 {
		t.Fatalf("chosen = %v, want 3 gauges", got)
	}
	if _, ok := reg.Get("U45678"); !ok {
		t.Error("registry missing U45678")
	}
	if len(st.Meta.DynamicSites) != 3 {
		t.Errorf("dynamic sites = %d, want 3", len(st.Meta.DynamicSites))
	}
	if st.Meta.NearbySearchTS != "2026-01-09T08:00:00Z" {
		t.Errorf("nearby_search_ts = %q", st.Meta.NearbySearchTS)
	}
}

func TestDiscoverNearbyCachedWithinDay(t *testing.T) {
	searcher := &fakeSearcher{}
	e := discoveryEngine(searcher, twoStationRegistry())
	st := locState(47.5, -121.8)
	st.Meta.NearbyGauges = []string{"U45678"}
	st.Meta.NearbySearchTS = timeutil.Format(testNow.Add(-23 * time.Hour))

	got := e.discoverNearby(context.Background(), st, testNow)
	if len(got) != 1 || got[0] != "U45678" {
		t.Errorf("cached result = %v, want [U45678]", got)
	}
	if searcher.calls() != 0 {
		t.Errorf("search calls = %d, want 0 inside the cache window", searcher.calls())
	}

	// A stale stamp triggers a fresh search.
	st.Meta.NearbySearchTS = timeutil.Format(testNow.Add(-25 * time.Hour))
	e.discoverNearby(context.Background(), st, testNow)
	if searcher.calls() != 4 {
		t.Errorf("search calls after expiry = %d, want 4", searcher.calls())
	}
}

func TestDiscoverNearbyRanksByDistance(t *testing.T) {
	searcher := &fakeSearcher{pages: [][]usgs.Site{{
		{SiteNo: "99999999", Name: "FAR CREEK", Lat: 48.5, Lon: -121.8},
		{SiteNo: "11111111", Name: "NEAREST CREEK", Lat: 47.51, Lon: -121.8},
		{SiteNo: "33333333", Name: "THIRD CREEK", Lat: 47.53, Lon: -121.8},
		{SiteNo: "22222222", Name: "SECOND CREEK", Lat: 47.52, Lon: -121.8},
	}}}
	e := discoveryEngine(searcher, twoStationRegistry())
	st := locState(47.5, -121.8)

	got := e.discoverNearby(context.Background(), st, testNow)

	want := []string{"U11111", "U22222", "U33333"}
	if len(got) != len(want) {
		t.Fatalf("chosen = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("chosen[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestDiscoverNearbyReusesConfiguredStations(t *testing.T) {
	searcher := &fakeSearcher{pages: [][]usgs.Site{{
		{SiteNo: "12141300", Name: "MF SNOQUALMIE NEAR TANNER", Lat: 47.49, Lon: -121.8},
		{SiteNo: "55555555", Name: "GRIFFIN CREEK", Lat: 47.52, Lon: -121.8},
		{SiteNo: "66666666", Name: "PATTERSON CREEK", Lat: 47.53, Lon: -121.8},
	}}}
	reg := twoStationRegistry()
	e := discoveryEngine(searcher, reg)
	st := locState(47.5, -121.8)

	got := e.discoverNearby(context.Background(), st, testNow)

	if len(got) != 3 || got[0] != "TANW1" {
		t.Fatalf("chosen = %v, want TANW1 first", got)
	}
	if len(reg.IDs()) != 4 {
		t.Errorf("fleet size = %d, want 4 (existing station reused)", len(reg.IDs()))
	}
	if len(st.Meta.DynamicSites) != 2 {
		t.Errorf("dynamic sites = %d, want 2", len(st.Meta.DynamicSites))
	}
}

func TestDiscoverNearbyNeedsLocation(t *testing.T) {
	searcher := &fakeSearcher{}
	e := discoveryEngine(searcher, twoStationRegistry())

	if got := e.discoverNearby(context.Background(), state.Default(), testNow); got != nil {
		t.Errorf("result without location = %v, want nil", got)
	}
	if searcher.calls() != 0 {
		t.Errorf("search calls = %d, want 0", searcher.calls())
	}
}

func TestRestoreDynamic(t *testing.T) {
	reg := twoStationRegistry()
	st := state.Default()
	st.Meta.DynamicSites = map[string]*state.DynamicSite{
		"U45678": {SiteNo: "12345678", StationNm: "CEDAR RIVER AT RENTON", Lat: 47.48, Lon: -121.78},
		"U54321": {SiteNo: "87654321", StationNm: "RAGING RIVER NEAR FALL CITY", Lat: 47.54, Lon: -121.91},
		"UBAD":   {SiteNo: ""},
	}

	RestoreDynamic(st, reg)

	if len(reg.IDs()) != 4 {
		t.Fatalf("fleet size = %d, want 4", len(reg.IDs()))
	}
	g, ok := reg.Get("U45678")
	if !ok {
		t.Fatal("registry missing U45678")
	}
	if !g.Dynamic || !g.HasLocation || g.DisplayName != "CEDAR RIVER AT RENTON" {
		t.Errorf("restored gauge = %+v", g)
	}
	if _, ok := reg.Get("UBAD"); ok {
		t.Error("entry without a site number should not register")
	}

	// Idempotent across repeated restarts.
	RestoreDynamic(st, reg)
	if len(reg.IDs()) != 4 {
		t.Errorf("fleet size after rerun = %d, want 4", len(reg.IDs()))
	}
}
