package commands

import (
	"context"
	"os"

	"github.com/graywater/streamvis/internal/clock"
	"github.com/graywater/streamvis/internal/config"
	"github.com/graywater/streamvis/internal/display"
)

// runOnce fetches current readings for the whole fleet, renders the
// status report, and exits. A failed fetch is the command's error.
func runOnce(ctx context.Context, opts config.Options) error {
	engine, registry, err := newEngine(opts)
	if err != nil {
		return err
	}
	res, err := engine.RunOnce(ctx)
	if err != nil {
		return err
	}

	report := &display.Report{
		State:       res.State,
		Registry:    registry,
		Now:         clock.System().Now(),
		ShowLatency: opts.Debug,
	}
	return report.Format(os.Stdout)
}
