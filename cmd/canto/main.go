package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := buildRoot().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds persistent flags shared by every subcommand.
type GlobalFlags struct {
	ConfigPath string
}

// buildRoot creates the root command and attaches all subcommands.
func buildRoot() *cobra.Command {
	flags := &GlobalFlags{}

	root := &cobra.Command{
		Use:   "canto",
		Short: "Local development environment launcher",
		Long: `Canto starts the modules declared in canto.toml in dependency order,
captures their logs, restarts them when they crash, and reports their status.

Examples:
  canto up                        # start every module and watch status
  canto start api                 # start one module and its dependencies
  canto logs api --follow         # tail one module's output
  canto serve                     # run the HTTP API`,
	}

	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "canto.toml", "path to TOML config file")

	root.AddCommand(
		createUpCommand(flags),
		createDownCommand(flags),
		createStartCommand(flags),
		createStopCommand(flags),
		createRestartCommand(flags),
		createStatusCommand(flags),
		createLogsCommand(flags),
		createHistoryCommand(flags),
		createServeCommand(flags),
	)

	return root
}
