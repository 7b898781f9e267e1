package commands

import (
	"context"

	"github.com/graywater/streamvis/internal/config"
	"github.com/graywater/streamvis/internal/logger"
)

// runAdaptive drives the headless polling loop until the context is
// cancelled. Cancellation is the normal way out; the loop saves state
// and returns nil.
func runAdaptive(ctx context.Context, opts config.Options) error {
	engine, _, err := newEngine(opts)
	if err != nil {
		return err
	}
	logger.Info("adaptive loop starting",
		"state", opts.StateFile,
		"backend", opts.Backend,
		"backfill_hours", opts.BackfillHours)
	return engine.Run(ctx)
}
