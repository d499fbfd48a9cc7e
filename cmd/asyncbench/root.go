package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/seantiz/async/internal/bench"
	"github.com/seantiz/async/internal/config"
)

const (
	runOnceCommand     = "run-once"
	defaultResultsPath = "build/results/bench/results.json"
)

type benchOptions struct {
	cfg         bench.Config
	fork        bool
	resultsPath string
	jsonOutput  bool
	verbose     bool
}

func newRootCommand() *cobra.Command {
	opts := benchOptions{cfg: bench.DefaultConfig()}

	rootCmd := &cobra.Command{
		Use:           "asyncbench",
		Short:         "Measure job engine throughput and latency",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBenchmark(cmd, opts)
		},
	}

	flags := rootCmd.Flags()
	flags.IntVar(&opts.cfg.Jobs, "jobs", opts.cfg.Jobs, "Jobs submitted per run")
	flags.IntVar(&opts.cfg.Submitters, "submitters", opts.cfg.Submitters, "Concurrent submitting goroutines")
	flags.IntVar(&opts.cfg.Workers, "workers", opts.cfg.Workers, "Engine worker units")
	flags.IntVar(&opts.cfg.Warmups, "warmups", opts.cfg.Warmups, "Warm-up runs excluded from the summary")
	flags.IntVar(&opts.cfg.Iterations, "iterations", opts.cfg.Iterations, "Measured runs")
	flags.DurationVar(&opts.cfg.Work, "work", opts.cfg.Work, "Simulated execution time per job")
	flags.IntVar(&opts.cfg.FailEvery, "fail-every", opts.cfg.FailEvery, "Fail the first attempt of every Nth job (0 disables)")
	flags.DurationVar(&opts.cfg.PollInterval, "poll-interval", opts.cfg.PollInterval, "Idle worker poll interval")
	flags.DurationVar(&opts.cfg.Timeout, "timeout", opts.cfg.Timeout, "Per-run timeout")
	flags.StringVar(&opts.cfg.Dir, "dir", "", "Directory for per-run databases (default system temp dir)")
	flags.BoolVar(&opts.fork, "fork", false, "Execute every run in a separate process")
	flags.StringVarP(&opts.resultsPath, "out", "o", defaultResultsPath, "Results file path (empty disables)")
	flags.BoolVar(&opts.jsonOutput, "json", false, "Print the report as JSON")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "Log engine activity to stderr")

	rootCmd.AddCommand(newRunOnceCommand())
	return rootCmd
}

// newRunOnceCommand is the child side of --fork.
func newRunOnceCommand() *cobra.Command {
	return &cobra.Command{
		Use:    runOnceCommand,
		Short:  "Run a single benchmark run configured on stdin",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return bench.ServeChild(ctx, cmd.InOrStdin(), cmd.OutOrStdout(), newLogger(cmd, false))
		},
	}
}

func runBenchmark(cmd *cobra.Command, opts benchOptions) error {
	if err := opts.cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := newLogger(cmd, opts.verbose)

	run := bench.InProcess(logger)
	if opts.fork {
		exe, err := os.Executable()
		if err != nil {
			return fmt.Errorf("resolve executable for --fork: %w", err)
		}
		run = bench.Forked(exe, runOnceCommand)
	}

	report, err := bench.Run(ctx, opts.cfg, run, logger)
	if err != nil {
		return err
	}
	report.Forked = opts.fork

	if opts.resultsPath != "" {
		if err := bench.WriteJSON(opts.resultsPath, report); err != nil {
			return err
		}
	}

	if opts.jsonOutput {
		return writeJSON(cmd, report)
	}

	out := cmd.OutOrStdout()
	fmt.Fprint(out, renderReport(report, shouldColorize(out)))
	if opts.resultsPath != "" {
		fmt.Fprintf(out, "Results written to %s\n", opts.resultsPath)
	}
	if report.Summary.Duplicates > 0 {
		return errors.New("duplicate executions detected")
	}
	return nil
}

// newLogger logs to stderr so stdout stays reserved for results.
func newLogger(cmd *cobra.Command, verbose bool) *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelInfo
	}
	return config.NewLogger(cmd.ErrOrStderr(), level)
}
