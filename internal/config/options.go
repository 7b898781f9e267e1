package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Run modes.
const (
	ModeOnce     = "once"
	ModeAdaptive = "adaptive"
	ModeTUI      = "tui"
)

// Chart metrics for the TUI sparkline panel.
const (
	MetricStage = "stage"
	MetricFlow  = "flow"
)

// Backend names accepted by --usgs-backend.
const (
	BackendBlended = "blended"
	BackendLegacy  = "legacy"
	BackendModern  = "modern"
)

// Options holds the runtime settings assembled from command-line flags.
// Zero values are not meaningful; build from DefaultOptions.
type Options struct {
	Mode         string // once, adaptive, or tui
	StateFile    string // state document path
	StationsFile string // optional stations YAML, empty = built-in fleet
	Debug        bool   // per-cycle control summary on stderr

	MinRetry time.Duration // error-backoff floor
	MaxRetry time.Duration // error-backoff ceiling; never caps normal cadence

	BackfillHours int // hours of history fetched at startup and periodically

	ForecastBase  string // forecast URL template, empty = config/default template
	ForecastHours int    // overlay horizon in hours

	CommunityBase    string // priors aggregator base URL, empty = disabled
	CommunityPublish bool   // publish latency samples back to the aggregator

	UserLat, UserLon float64 // seed location for nearby discovery
	HasUserLocation  bool    // true when both coordinates were given

	Backend     string        // blended, legacy, or modern
	HTTPTimeout time.Duration // per-request timeout

	ChartMetric   string        // stage or flow
	UITick        time.Duration // cooperative yield cadence for the TUI
	NWRFCText     bool          // cross-check against NWRFC textPlot output
	NoUpdateAlert bool          // suppress the stale-data banner in the TUI
}

// DefaultOptions returns the settings used when no flags are given.
func DefaultOptions() Options {
	return Options{
		Mode:          ModeOnce,
		StateFile:     DefaultStateFile(),
		MinRetry:      60 * time.Second,
		MaxRetry:      300 * time.Second,
		BackfillHours: 6,
		ForecastHours: 72,
		Backend:       BackendBlended,
		HTTPTimeout:   10 * time.Second,
		ChartMetric:   MetricStage,
		UITick:        150 * time.Millisecond,
	}
}

// DefaultStateFile returns ~/.streamvis_state.json, falling back to the
// working directory when the home directory cannot be resolved.
func DefaultStateFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".streamvis_state.json"
	}
	return filepath.Join(home, ".streamvis_state.json")
}

// Validate checks enum flags and bounds. It normalizes nothing; callers get
// exactly what the flags said or an error.
func (o *Options) Validate() error {
	switch o.Mode {
	case ModeOnce, ModeAdaptive, ModeTUI:
	default:
		return fmt.Errorf("invalid mode %q (expected once, adaptive, or tui)", o.Mode)
	}
	switch o.Backend {
	case BackendBlended, BackendLegacy, BackendModern:
	default:
		return fmt.Errorf("invalid usgs backend %q (expected blended, legacy, or modern)", o.Backend)
	}
	switch o.ChartMetric {
	case MetricStage, MetricFlow:
	default:
		return fmt.Errorf("invalid chart metric %q (expected stage or flow)", o.ChartMetric)
	}
	if o.StateFile == "" {
		return fmt.Errorf("state file path is required")
	}
	if o.MinRetry <= 0 {
		return fmt.Errorf("min retry must be > 0 (got %s)", o.MinRetry)
	}
	if o.MaxRetry < o.MinRetry {
		return fmt.Errorf("max retry %s must be >= min retry %s", o.MaxRetry, o.MinRetry)
	}
	if o.BackfillHours < 0 {
		return fmt.Errorf("backfill hours must be >= 0 (got %d)", o.BackfillHours)
	}
	if o.ForecastHours < 0 {
		return fmt.Errorf("forecast hours must be >= 0 (got %d)", o.ForecastHours)
	}
	if o.HasUserLocation {
		if o.UserLat < -90 || o.UserLat > 90 {
			return fmt.Errorf("user latitude %.4f out of range", o.UserLat)
		}
		if o.UserLon < -180 || o.UserLon > 180 {
			return fmt.Errorf("user longitude %.4f out of range", o.UserLon)
		}
	}
	if o.UITick <= 0 {
		return fmt.Errorf("ui tick must be > 0 (got %s)", o.UITick)
	}
	return nil
}
