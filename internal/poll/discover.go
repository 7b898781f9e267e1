package poll

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/graywater/streamvis/internal/gauges"
	"github.com/graywater/streamvis/internal/logger"
	"github.com/graywater/streamvis/internal/state"
	"github.com/graywater/streamvis/internal/timeutil"
	"github.com/graywater/streamvis/internal/usgs"
)

const (
	nearbyMinInterval  = 24 * time.Hour
	nearbyRadiusMiles  = 30.0
	nearbyExpandFactor = 2.0
	nearbyMaxRadius    = 180.0
	nearbyCount        = 3
	nearbyAttempts     = 4
)

// SiteSearcher finds monitoring sites inside a (west, south, east, north)
// bounding box. The legacy waterservices adapter implements it.
type SiteSearcher interface {
	FetchSitesNear(ctx context.Context, bbox [4]float64) ([]usgs.Site, error)
}

// RestoreDynamic re-registers discovered gauges recorded in the state
// document so a restart keeps polling them.
func RestoreDynamic(st *state.State, reg *gauges.Registry) {
	ids := make([]string, 0, len(st.Meta.DynamicSites))
	for id := range st.Meta.DynamicSites {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		ds := st.Meta.DynamicSites[id]
		if ds == nil || ds.SiteNo == "" {
			continue
		}
		if _, ok := reg.Get(id); ok {
			continue
		}
		reg.AddDynamic(&gauges.Gauge{
			ID:          id,
			SiteNo:      ds.SiteNo,
			DisplayName: ds.StationNm,
			Lat:         ds.Lat,
			Lon:         ds.Lon,
			HasLocation: true,
		})
	}
}

// discoverNearby finds up to nearbyCount active sites around the user's
// location, widening the search box until enough turn up. Results are
// cached for a day; within that window the previous answer is returned
// without touching the network.
func (e *Engine) discoverNearby(ctx context.Context, st *state.State, now time.Time) []string {
	meta := st.Meta
	if meta.UserLat == nil || meta.UserLon == nil || e.search == nil {
		return nil
	}
	if last, ok := timeutil.Parse(meta.NearbySearchTS); ok {
		if now.Sub(last) < nearbyMinInterval {
			return append([]string(nil), meta.NearbyGauges...)
		}
	}
	lat, lon := *meta.UserLat, *meta.UserLon

	var sites []usgs.Site
	radius := nearbyRadiusMiles
	for attempt := 0; attempt < nearbyAttempts; attempt++ {
		west, south, east, north := gauges.BBoxForRadius(lat, lon, radius)
		found, err := e.search.FetchSitesNear(ctx, [4]float64{west, south, east, north})
		if err != nil {
			logger.Debug("nearby site search failed", "radius_mi", radius, "err", err)
			found = nil
		}
		sites = found
		if len(sites) >= nearbyCount || radius >= nearbyMaxRadius {
			break
		}
		radius = math.Min(radius*nearbyExpandFactor, nearbyMaxRadius)
	}

	sort.Slice(sites, func(i, j int) bool {
		di := gauges.HaversineMiles(lat, lon, sites[i].Lat, sites[i].Lon)
		dj := gauges.HaversineMiles(lat, lon, sites[j].Lat, sites[j].Lon)
		return di < dj
	})

	chosen := make([]string, 0, nearbyCount)
	taken := make(map[string]bool)
	for _, site := range sites {
		if len(chosen) >= nearbyCount {
			break
		}
		if site.SiteNo == "" {
			continue
		}
		if g, ok := e.registry.BySiteNo(site.SiteNo); ok {
			if !taken[g.ID] {
				chosen = append(chosen, g.ID)
				taken[g.ID] = true
			}
			continue
		}
		id := gauges.DynamicID(site.SiteNo, func(cand string) bool {
			if taken[cand] {
				return true
			}
			_, used := e.registry.Get(cand)
			return used
		})
		name := site.Name
		if name == "" {
			name = site.SiteNo
		}
		e.registry.AddDynamic(&gauges.Gauge{
			ID:          id,
			SiteNo:      site.SiteNo,
			DisplayName: name,
			Lat:         site.Lat,
			Lon:         site.Lon,
			HasLocation: true,
		})
		if meta.DynamicSites == nil {
			meta.DynamicSites = make(map[string]*state.DynamicSite)
		}
		meta.DynamicSites[id] = &state.DynamicSite{
			SiteNo:    site.SiteNo,
			StationNm: name,
			Lat:       site.Lat,
			Lon:       site.Lon,
		}
		chosen = append(chosen, id)
		taken[id] = true
	}

	meta.NearbyGauges = chosen
	meta.NearbySearchTS = timeutil.Format(now)
	if len(chosen) > 0 {
		logger.Info("nearby gauges tracked", "count", len(chosen), "radius_mi", radius)
	}
	return chosen
}
