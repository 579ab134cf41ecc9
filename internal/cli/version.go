package cli

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/taskrelay/taskrelay/internal/version"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("taskrelay %s (commit: %s, built: %s, go: %s)\n", version.Version, Commit, BuildDate, runtime.Version())
		},
	}
}
