// Package gauges tracks the fleet of river gauges: the statically
// configured stations plus any dynamic ones discovered through a nearby
// search. It also owns flood-status classification and the geo helpers the
// discovery path needs.
package gauges

import (
	"fmt"
	"sort"
	"sync"

	"github.com/graywater/streamvis/internal/config"
)

// Gauge is one tracked station.
type Gauge struct {
	ID          string
	SiteNo      string
	DisplayName string
	Lat, Lon    float64
	HasLocation bool
	Dynamic     bool // discovered via nearby search, evictable
	NWSLid      string
	Thresholds  *config.FloodThresholds

	ForecastEndpoint string
}

// Registry holds the fleet in display order: configured stations first, in
// declaration order, then dynamic gauges alphabetically. It is safe for
// concurrent use; the poll loop mutates the dynamic set while the UI reads.
type Registry struct {
	mu      sync.RWMutex
	primary []string
	dynamic []string
	byID    map[string]*Gauge
}

// NewRegistry builds a registry from the configured stations.
func NewRegistry(cfg *config.Config) *Registry {
	r := &Registry{byID: make(map[string]*Gauge, len(cfg.Stations))}
	for i := range cfg.Stations {
		st := &cfg.Stations[i]
		g := &Gauge{
			ID:               st.GaugeID,
			SiteNo:           st.SiteNo,
			DisplayName:      st.DisplayName,
			Lat:              st.Lat,
			Lon:              st.Lon,
			HasLocation:      st.HasLocation(),
			NWSLid:           st.NWSLid,
			Thresholds:       st.Thresholds,
			ForecastEndpoint: st.ForecastEndpoint,
		}
		r.primary = append(r.primary, g.ID)
		r.byID[g.ID] = g
	}
	return r
}

// Get returns the gauge for an id.
func (r *Registry) Get(id string) (*Gauge, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.byID[id]
	return g, ok
}

// BySiteNo returns the gauge tracking a USGS site number.
func (r *Registry) BySiteNo(siteNo string) (*Gauge, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, g := range r.byID {
		if g.SiteNo == siteNo {
			return g, true
		}
	}
	return nil, false
}

// Ordered returns all gauges in display order.
func (r *Registry) Ordered() []*Gauge {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.orderedLocked()
}

func (r *Registry) orderedLocked() []*Gauge {
	out := make([]*Gauge, 0, len(r.primary)+len(r.dynamic))
	for _, id := range r.primary {
		out = append(out, r.byID[id])
	}
	dyn := append([]string(nil), r.dynamic...)
	sort.Strings(dyn)
	for _, id := range dyn {
		out = append(out, r.byID[id])
	}
	return out
}

// IDs returns the gauge ids in display order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	gs := r.orderedLocked()
	out := make([]string, len(gs))
	for i, g := range gs {
		out[i] = g.ID
	}
	return out
}

// SiteMap returns gauge id -> USGS site number for every tracked gauge.
func (r *Registry) SiteMap() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.byID))
	for id, g := range r.byID {
		out[id] = g.SiteNo
	}
	return out
}

// DisplayName returns the configured station name, falling back to the id.
func (r *Registry) DisplayName(id string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if g, ok := r.byID[id]; ok && g.DisplayName != "" {
		return g.DisplayName
	}
	return id
}

// AddDynamic registers a discovered gauge. Existing ids are refreshed in
// place rather than duplicated.
func (r *Registry) AddDynamic(g *Gauge) {
	r.mu.Lock()
	defer r.mu.Unlock()
	g.Dynamic = true
	if _, exists := r.byID[g.ID]; !exists {
		r.dynamic = append(r.dynamic, g.ID)
	}
	r.byID[g.ID] = g
}

// EvictDynamic removes every dynamic gauge and returns their ids.
func (r *Registry) EvictDynamic() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	evicted := r.dynamic
	for _, id := range evicted {
		delete(r.byID, id)
	}
	r.dynamic = nil
	return evicted
}

// DynamicIDPrefix starts every discovered gauge id.
const DynamicIDPrefix = "U"

// DynamicID derives a short gauge id for a discovered site: the prefix plus
// the last five digits of the site number, with a numeric suffix on
// collision. taken reports whether an id is already in use.
func DynamicID(siteNo string, taken func(string) bool) string {
	tail := siteNo
	if len(tail) > 5 {
		tail = tail[len(tail)-5:]
	}
	base := DynamicIDPrefix + tail
	if !taken(base) {
		return base
	}
	for n := 2; n < 100; n++ {
		cand := fmt.Sprintf("%s%d", base, n)
		if !taken(cand) {
			return cand
		}
	}
	return DynamicIDPrefix + siteNo
}
