package main

import (
	"github.com/spf13/cobra"
)

// Exit codes, stable for tooling that wraps the build.
const (
	exitOk          = 0
	exitInterrupted = 1
	exitBuildError  = 2
	exitSetupError  = 3
)

// exitCodeError carries a specific process exit code through cobra.
type exitCodeError struct {
	code    int
	message string
}

func (e *exitCodeError) Error() string {
	return e.message
}

type rootFlags struct {
	verbose    bool
	dryRun     bool
	graphPath  string
	configPath string
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}

	cmd := &cobra.Command{
		Use:           "kiln",
		Short:         "Kiln runs incremental builds from a frozen dependency graph",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "Echo command lines and enable debug logging")
	cmd.PersistentFlags().BoolVar(&flags.dryRun, "dry-run", false, "Figure out what would build without running actions")
	cmd.PersistentFlags().StringVarP(&flags.graphPath, "graph", "g", "kiln.graph.json", "Path to the frozen build graph")
	cmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "kiln.yml", "Path to the tool configuration file")

	cmd.AddCommand(newBuildCmd(flags))
	cmd.AddCommand(newCleanCmd(flags))
	cmd.AddCommand(newVersionCmd())

	return cmd
}
