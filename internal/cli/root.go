package cli

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Commit and BuildDate are set via LDFLAGS at build time.
var (
	Commit    = "none"
	BuildDate = "unknown"
)

var verbose bool

func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "taskrelay",
		Short: "Distributed task execution manager",
		Long:  "taskrelay accepts task submissions, pushes them to registered runner nodes and tracks their lifecycle through completion callbacks.",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := slog.LevelInfo
			if verbose {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
				Level: level,
			})))
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(newServeCmd())
	root.AddCommand(newSubmitCmd())
	root.AddCommand(newWatchCmd())
	root.AddCommand(newVersionCmd())

	return root
}
