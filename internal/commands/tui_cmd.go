package commands

import (
	"context"
	"errors"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/graywater/streamvis/internal/config"
	"github.com/graywater/streamvis/internal/tui"
)

// runTUI prepares the engine before the alternate screen takes over, so
// lock contention surfaces as a plain error instead of a corrupted
// terminal, then runs the poll loop behind a Bubble Tea program.
func runTUI(ctx context.Context, opts config.Options) error {
	engine, registry, err := newEngine(opts)
	if err != nil {
		return err
	}
	if _, err := engine.Prepare(ctx); err != nil {
		return err
	}
	defer engine.Close()

	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	loopDone := make(chan error, 1)
	go func() { loopDone <- engine.RunPrepared(loopCtx) }()

	model := tui.NewModel(tui.ModelConfig{
		Controller: engine,
		Registry:   registry,
		Options:    opts,
		Context:    loopCtx,
	})
	program := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx))
	_, uiErr := program.Run()

	cancel()
	loopErr := <-loopDone

	// A signal lands as a context kill; that is a clean quit.
	if uiErr != nil && !(errors.Is(uiErr, tea.ErrProgramKilled) && ctx.Err() != nil) {
		return uiErr
	}
	return loopErr
}
