// Package config provides the station fleet configuration and runtime
// options. The fleet can come from a YAML file or from the built-in
// Snoqualmie defaults; environment variables are expanded in the YAML so
// endpoints can carry ${VAR} references.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the root structure of a stations YAML file.
type Config struct {
	Stations []Station `yaml:"stations"` // Tracked gauges, in display order
	Defaults Defaults  `yaml:"defaults"` // Endpoint overrides shared by all stations
}

// Station declares one tracked gauge. Only the gauge id and USGS site
// number are required; everything else refines display and overlays.
type Station struct {
	GaugeID     string  `yaml:"gauge_id"`               // Short display id (e.g. "TANW1")
	SiteNo      string  `yaml:"usgs_site_no"`           // USGS site number (e.g. "12141300")
	DisplayName string  `yaml:"display_name,omitempty"` // Human-readable station name
	Lat         float64 `yaml:"lat,omitempty"`
	Lon         float64 `yaml:"lon,omitempty"`

	// ForecastEndpoint overrides the shared forecast template for this
	// station. Supports {gauge_id}, {site_no}, and {nws_lid} placeholders.
	ForecastEndpoint string `yaml:"forecast_endpoint,omitempty"`

	// NWSLid is the NWS location id used for NWRFC cross-checks. Empty
	// disables the cross-check for this station.
	NWSLid string `yaml:"nws_lid,omitempty"`

	Thresholds *FloodThresholds `yaml:"flood_thresholds,omitempty"`
}

// FloodThresholds are NWS stage thresholds in feet. Nil fields mean the
// threshold is not defined for the station.
type FloodThresholds struct {
	Action   *float64 `yaml:"action"`
	Minor    *float64 `yaml:"minor"`
	Moderate *float64 `yaml:"moderate"`
	Major    *float64 `yaml:"major"`
}

// Defaults carries endpoint bases shared across stations. Empty fields fall
// back to the public USGS / NWRFC endpoints.
type Defaults struct {
	ForecastTemplate string `yaml:"forecast_template"` // Shared forecast URL template
	USGSIVURL        string `yaml:"usgs_iv_url"`       // WaterServices instantaneous-values base
	USGSSiteURL      string `yaml:"usgs_site_url"`     // WaterServices site-search base
	OGCBaseURL       string `yaml:"ogc_base_url"`      // OGC API-Features base
	NWRFCTextURL     string `yaml:"nwrfc_text_url"`    // NWRFC textPlot endpoint
}

// Public endpoint defaults. The legacy WaterServices API retires at the end
// of 2025, which is why the modern OGC base exists alongside it.
const (
	DefaultUSGSIVURL    = "https://waterservices.usgs.gov/nwis/iv/"
	DefaultUSGSSiteURL  = "https://waterservices.usgs.gov/nwis/site/"
	DefaultOGCBaseURL   = "https://api.waterdata.usgs.gov/ogcapi/v0"
	DefaultNWRFCTextURL = "https://www.nwrfc.noaa.gov/station/flowplot/textPlot.cgi"
)

// HasLocation reports whether the station declares usable coordinates.
func (s *Station) HasLocation() bool {
	if s.Lat == 0 && s.Lon == 0 {
		return false
	}
	return s.Lat >= -90 && s.Lat <= 90 && s.Lon >= -180 && s.Lon <= 180
}

// Validate checks station declarations and fills endpoint defaults.
func (c *Config) Validate() error {
	if len(c.Stations) == 0 {
		return fmt.Errorf("at least one station is required")
	}
	seen := make(map[string]bool, len(c.Stations))
	for i := range c.Stations {
		st := &c.Stations[i]
		if st.GaugeID == "" {
			return fmt.Errorf("station %d: gauge_id is required", i)
		}
		if st.SiteNo == "" {
			return fmt.Errorf("station %s: usgs_site_no is required", st.GaugeID)
		}
		if seen[st.GaugeID] {
			return fmt.Errorf("station %s: duplicate gauge_id", st.GaugeID)
		}
		seen[st.GaugeID] = true
		if (st.Lat != 0 || st.Lon != 0) && !st.HasLocation() {
			return fmt.Errorf("station %s: coordinates out of range", st.GaugeID)
		}
	}
	c.Defaults.fill()
	return nil
}

func (d *Defaults) fill() {
	if d.USGSIVURL == "" {
		d.USGSIVURL = DefaultUSGSIVURL
	}
	if d.USGSSiteURL == "" {
		d.USGSSiteURL = DefaultUSGSSiteURL
	}
	if d.OGCBaseURL == "" {
		d.OGCBaseURL = DefaultOGCBaseURL
	}
	if d.NWRFCTextURL == "" {
		d.NWRFCTextURL = DefaultNWRFCTextURL
	}
}

// Load reads a stations YAML file, expanding ${VAR} environment references
// before parsing. An empty path returns the built-in fleet. A missing file
// is an error: a path that was asked for should exist.
func Load(path string) (*Config, error) {
	if path == "" {
		cfg := Builtin()
		return &cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read stations config: %w", err)
	}
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse stations config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadEnv reads KEY=VALUE pairs from a .env file in the working directory
// and sets them with os.Setenv. Missing files are fine; system environment
// variables still apply. Lines starting with # are comments, and values may
// be quoted with single or double quotes.
func LoadEnv() {
	data, err := os.ReadFile(".env")
	if err != nil {
		return
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		value := strings.Trim(strings.TrimSpace(parts[1]), `"'`)
		os.Setenv(key, value)
	}
}
