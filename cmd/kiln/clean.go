package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/alexisbeaulieu97/kiln/internal/config"
	"github.com/alexisbeaulieu97/kiln/internal/driver"
	"github.com/alexisbeaulieu97/kiln/internal/logger"
)

func newCleanCmd(root *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clean [targets...]",
		Short: "Delete the output files of the requested targets",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClean(root, args)
		},
	}

	return cmd
}

func runClean(root *rootFlags, targets []string) error {
	cfg, err := config.Load(root.configPath)
	if err != nil {
		return err
	}

	level := cfg.LogLevel
	if root.verbose {
		level = "debug"
	}
	log, err := logger.New(logger.Options{Level: level, HumanReadable: true, Writer: os.Stderr})
	if err != nil {
		return err
	}

	d, err := driver.New(driver.Options{
		GraphPath:   root.graphPath,
		Targets:     targets,
		ThreadCount: cfg.Threads,
		Out:         os.Stdout,
		Log:         log,
	})
	if err != nil {
		return err
	}

	if err := d.PrepareNodes(); err != nil {
		return err
	}

	d.RemoveStaleOutputs()
	d.CleanOutputs()
	return nil
}
