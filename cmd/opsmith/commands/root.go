package commands

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/opsmith/opsmith/pkg/executor"
	"github.com/opsmith/opsmith/pkg/operr"
	"github.com/opsmith/opsmith/pkg/telemetry"
)

var (
	// Global flags
	logLevel  string
	logFormat string
	dataFlags []string

	// Run option flags
	parallel    int
	serial      bool
	failPercent float64
	limit       string
	noWait      bool
	dryRun      bool

	// Debug flags: inspection output only, no effect on the plan.
	debugData       bool
	debugFacts      bool
	debugOperations bool

	traceExporter string
	metricsAddr   string
)

// Execute runs the root command.
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "opsmith",
		Short: "opsmith - deterministic infrastructure automation",
		Long: `opsmith records a deterministic plan from a deploy definition and
executes it over remote hosts.

A run evaluates the deploy file exactly once, producing a single global
operation order that is identical for any host enumeration order, then
dispatches each operation across its hosts over SSH or a local shell.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			telemetry.SetupLogging(telemetry.LoggingConfig{Level: logLevel, Format: logFormat})
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	pf.StringVar(&logFormat, "log-format", "console", "log format (console, json)")
	pf.StringArrayVar(&dataFlags, "data", nil, "override host data (key=value, repeatable)")

	pf.IntVar(&parallel, "parallel", 0, "max concurrent workers per operation (0 = one per host)")
	pf.BoolVar(&serial, "serial", false, "run hosts one at a time, each completing all its operations")
	pf.Float64Var(&failPercent, "fail-percent", 0, "tolerated per-operation host failure percentage")
	pf.StringVar(&limit, "limit", "", "restrict target hosts by name, group or glob pattern")
	pf.BoolVar(&noWait, "no-wait", false, "do not block sibling hosts on one host's failure")
	pf.BoolVar(&dryRun, "dry-run", false, "report would-change outcomes without executing commands")

	pf.BoolVar(&debugData, "debug-data", false, "print merged host data and exit")
	pf.BoolVar(&debugFacts, "debug-facts", false, "print gathered facts after the run")
	pf.BoolVar(&debugOperations, "debug-operations", false, "print the recorded plan before executing")

	pf.StringVar(&traceExporter, "trace", "", "trace exporter (stdout, none)")
	pf.StringVar(&metricsAddr, "metrics", "", "serve Prometheus metrics on this address (e.g. :9101)")

	rootCmd.AddCommand(newDeployCommand())
	rootCmd.AddCommand(newExecCommand())
	rootCmd.AddCommand(newFactCommand())

	return rootCmd
}

func runOptions() executor.Options {
	return executor.Options{
		Parallel:    parallel,
		Serial:      serial,
		FailPercent: failPercent,
		Limit:       limit,
		NoWait:      noWait,
		DryRun:      dryRun,
	}
}

// printErr writes a classified error's message to stderr, without the
// class prefix for definition errors so the user sees messages like
// "No deploy file: deploy.star" verbatim.
func printErr(err error) {
	var e *operr.Error
	if errors.As(err, &e) && e.Class == operr.ClassDefinition {
		fmt.Fprintln(os.Stderr, e.Message)
		return
	}
	fmt.Fprintln(os.Stderr, err.Error())
}
