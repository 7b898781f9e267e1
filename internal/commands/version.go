package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// newVersionCmd reports the build metadata baked in by ldflags.
func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "streamvis version %s\n", version)
			fmt.Fprintf(out, "  commit:     %s\n", commit)
			fmt.Fprintf(out, "  build date: %s\n", buildDate)
		},
	}
}
