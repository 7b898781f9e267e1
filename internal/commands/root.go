// Package commands wires the CLI: the flag surface, mode dispatch, and
// the shared assembly of the polling stack underneath every mode.
package commands

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/graywater/streamvis/internal/config"
	"github.com/graywater/streamvis/internal/logger"
)

// Version information set by build flags.
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// SetVersionInfo records the build metadata reported by the version
// subcommand.
func SetVersionInfo(v, c, d string) {
	version = v
	commit = c
	buildDate = d
}

// NewRootCmd builds the streamvis command tree.
func NewRootCmd() *cobra.Command {
	opts := config.DefaultOptions()
	var (
		minRetrySec = int(opts.MinRetry / time.Second)
		maxRetrySec = int(opts.MaxRetry / time.Second)
		uiTickSec   = opts.UITick.Seconds()
		logFile     string
	)

	cmd := &cobra.Command{
		Use:   "streamvis",
		Short: "Snoqualmie River USGS gauge watcher",
		Long: `streamvis watches USGS river gauges and learns each station's update
cadence, so it polls often enough to catch new readings quickly but
never faster than the data actually changes.

Modes:
  once      fetch current readings, print a status table, exit
  adaptive  headless polling loop that learns cadence and latency
  tui       full-screen dashboard over the adaptive loop`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		CompletionOptions: cobra.CompletionOptions{DisableDefaultCmd: true},
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts.MinRetry = time.Duration(minRetrySec) * time.Second
			opts.MaxRetry = time.Duration(maxRetrySec) * time.Second
			opts.UITick = time.Duration(uiTickSec * float64(time.Second))
			opts.HasUserLocation = cmd.Flags().Changed("user-lat") &&
				cmd.Flags().Changed("user-lon")
			if err := opts.Validate(); err != nil {
				return err
			}
			if err := initLogger(&opts, logFile); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			switch opts.Mode {
			case config.ModeAdaptive:
				return runAdaptive(ctx, opts)
			case config.ModeTUI:
				return runTUI(ctx, opts)
			default:
				return runOnce(ctx, opts)
			}
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.Mode, "mode", opts.Mode,
		"once, adaptive, or tui")
	flags.StringVar(&opts.StateFile, "state-file", opts.StateFile,
		"path to persist learned cadence and history")
	flags.StringVar(&opts.StationsFile, "stations", "",
		"stations YAML file (default: built-in Snoqualmie fleet)")
	flags.IntVar(&minRetrySec, "min-retry-seconds", minRetrySec,
		"error-backoff floor in seconds")
	flags.IntVar(&maxRetrySec, "max-retry-seconds", maxRetrySec,
		"error-backoff ceiling in seconds")
	flags.IntVar(&opts.BackfillHours, "backfill-hours", opts.BackfillHours,
		"hours of history to backfill on start, 0 disables")
	flags.StringVar(&opts.ForecastBase, "forecast-base", "",
		"forecast URL template; {gauge_id}, {site_no}, and {nws_lid} expand per station")
	flags.IntVar(&opts.ForecastHours, "forecast-hours", opts.ForecastHours,
		"forecast horizon in hours")
	flags.StringVar(&opts.Backend, "usgs-backend", opts.Backend,
		"blended, legacy, or modern")
	flags.StringVar(&opts.CommunityBase, "community-base", "",
		"base URL for shared cadence/latency priors")
	flags.BoolVar(&opts.CommunityPublish, "community-publish", false,
		"publish observed samples back to the community aggregator")
	flags.Float64Var(&opts.UserLat, "user-lat", 0,
		"user latitude for nearby gauge discovery")
	flags.Float64Var(&opts.UserLon, "user-lon", 0,
		"user longitude for nearby gauge discovery")
	flags.StringVar(&opts.ChartMetric, "chart-metric", opts.ChartMetric,
		"TUI chart metric: stage or flow")
	flags.Float64Var(&uiTickSec, "ui-tick-sec", uiTickSec,
		"TUI refresh tick in seconds")
	flags.BoolVar(&opts.NWRFCText, "nwrfc-text", false,
		"cross-check observed stage against the NWRFC text plot")
	flags.BoolVar(&opts.NoUpdateAlert, "no-update-alert", false,
		"disable the row flash when new data arrives in TUI mode")
	flags.BoolVar(&opts.Debug, "debug", false,
		"emit scheduler control summaries")
	flags.StringVar(&logFile, "log-file", "",
		"log file path (default stderr; TUI mode discards logs without one)")

	cmd.AddCommand(newVersionCmd())
	return cmd
}

// initLogger routes the default logger. The TUI owns the terminal, so
// without a log file its log lines are dropped rather than drawn over
// the alternate screen.
func initLogger(opts *config.Options, logFile string) error {
	level := logger.LevelInfo
	if opts.Debug {
		level = logger.LevelDebug
	}

	var output io.Writer = os.Stderr
	switch {
	case logFile != "":
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return fmt.Errorf("failed to open log file %s: %w", logFile, err)
		}
		output = f
	case opts.Mode == config.ModeTUI:
		output = io.Discard
	}

	logger.SetDefault(logger.New(logger.Config{
		Level:  level,
		Format: logger.FormatText,
		Output: output,
	}))
	return nil
}

// Execute loads .env overrides and runs the root command.
func Execute() error {
	config.LoadEnv()
	return NewRootCmd().Execute()
}
