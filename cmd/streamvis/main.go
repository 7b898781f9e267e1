// Command streamvis watches USGS river gauges with an adaptive polling
// scheduler. See the root command help for modes and flags.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/graywater/streamvis/internal/commands"
	"github.com/graywater/streamvis/internal/state"
)

// Set at build time via ldflags.
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	commands.SetVersionInfo(version, commit, buildDate)
	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if errors.Is(err, state.ErrLocked) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}
