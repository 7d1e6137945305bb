package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/alexisbeaulieu97/kiln/internal/config"
	"github.com/alexisbeaulieu97/kiln/internal/driver"
	"github.com/alexisbeaulieu97/kiln/internal/logger"
	"github.com/alexisbeaulieu97/kiln/internal/queue"
)

type buildOptions struct {
	threads         int
	maxExpensive    int
	continueOnError bool
	quiet           bool
	throttle        bool
	throttleIdle    int
	throttledAmount int
}

func newBuildCmd(root *rootFlags) *cobra.Command {
	opts := buildOptions{}

	cmd := &cobra.Command{
		Use:   "build [targets...]",
		Short: "Build the requested targets (or the graph defaults)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBuild(root, opts, args)
		},
	}

	cmd.Flags().IntVarP(&opts.threads, "threads", "j", 0, "Worker thread count (0 = from config or CPU count)")
	cmd.Flags().IntVar(&opts.maxExpensive, "max-expensive", 0, "Cap on concurrently running expensive nodes (0 = from graph)")
	cmd.Flags().BoolVarP(&opts.continueOnError, "continue-on-error", "k", false, "Keep building unaffected nodes after a failure")
	cmd.Flags().BoolVarP(&opts.quiet, "quiet", "q", false, "Only report failures")
	cmd.Flags().BoolVar(&opts.throttle, "throttle", false, "Reduce parallelism while a human is using the machine")
	cmd.Flags().IntVar(&opts.throttleIdle, "throttle-inactivity", 0, "Seconds of inactivity before unthrottling (0 = from config)")
	cmd.Flags().IntVar(&opts.throttledAmount, "throttled-threads", 0, "Thread count while throttled (0 = 60% of threads)")

	return cmd
}

func resultToExitCode(result queue.BuildResult) int {
	switch result {
	case queue.BuildOk:
		return exitOk
	case queue.BuildInterrupted:
		return exitInterrupted
	case queue.BuildError:
		return exitBuildError
	}
	return exitSetupError
}

func runBuild(root *rootFlags, opts buildOptions, targets []string) error {
	cfg, err := config.Load(root.configPath)
	if err != nil {
		return err
	}

	level := cfg.LogLevel
	if root.verbose || cfg.Verbose {
		level = "debug"
	}
	log, err := logger.New(logger.Options{Level: level, HumanReadable: true, Writer: os.Stderr})
	if err != nil {
		return err
	}

	threads := opts.threads
	if threads == 0 {
		threads = cfg.Threads
	}
	throttleIdle := opts.throttleIdle
	if throttleIdle == 0 {
		throttleIdle = cfg.ThrottleInactivitySecs
	}
	throttledAmount := opts.throttledAmount
	if throttledAmount == 0 {
		throttledAmount = cfg.ThrottledThreadsAmount
	}

	interrupt := queue.NewInterruptFlag()
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(signals)
	go func() {
		if sig, ok := <-signals; ok {
			interrupt.Set(fmt.Sprintf("signal: %v", sig))
		}
	}()

	d, err := driver.New(driver.Options{
		GraphPath:                root.graphPath,
		Targets:                  targets,
		ThreadCount:              threads,
		MaxExpensiveCount:        opts.maxExpensive,
		EchoCommandLines:         root.verbose,
		EchoAnnotations:          !opts.quiet || root.verbose,
		ContinueOnError:          opts.continueOnError || cfg.ContinueOnError,
		DryRun:                   root.dryRun,
		ThrottleOnHumanActivity:  opts.throttle || cfg.ThrottleOnHumanActivity,
		ThrottleInactivityPeriod: time.Duration(throttleIdle) * time.Second,
		ThrottledThreadsAmount:   throttledAmount,
		Out:                      os.Stdout,
		Log:                      log,
		Interrupt:                interrupt,
	})
	if err != nil {
		return err
	}

	if err := d.PrepareNodes(); err != nil {
		return err
	}

	d.RemoveStaleOutputs()

	started := time.Now()
	result := d.Build()

	if !root.dryRun {
		if err := d.SaveState(); err != nil {
			log.Error(err, "couldn't save build state")
		}
	}
	d.SaveCaches()

	log.WithFields(map[string]any{
		"result":   result.String(),
		"duration": time.Since(started).Round(10 * time.Millisecond).String(),
	}).Info("build finished")

	if result != queue.BuildOk {
		return &exitCodeError{code: resultToExitCode(result), message: result.String()}
	}
	return nil
}
