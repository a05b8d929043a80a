package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/aristath/dwiflow/internal/scheduler"
)

// Exit codes.
const (
	exitOK      = 0
	exitFailure = 1
	exitConfig  = 2
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// run executes the CLI with a signal-aware context and maps the outcome to
// an exit code.
func run(args []string, stdout, stderr io.Writer) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := rootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	if err == nil {
		return exitOK
	}
	fmt.Fprintf(stderr, "error: %v\n", err)
	return exitCode(err)
}

// exitCode is 2 for a malformed configuration, pipeline or subject, and 1
// for anything else.
func exitCode(err error) int {
	var cfgErr *scheduler.ConfigurationError
	var cycleErr *scheduler.CyclicDependencyError
	if errors.As(err, &cfgErr) || errors.As(err, &cycleErr) {
		return exitConfig
	}
	return exitFailure
}

func rootCmd() *cobra.Command {
	g := &globalOptions{}

	root := &cobra.Command{
		Use:   "dwiflow",
		Short: "Resumable per-subject diffusion MRI pipeline runner",
		Long: `dwiflow runs the diffusion pipeline (align, eddy, epi, bse, betmask, ukf)
for every subject and branch you ask for.

Each stage writes its outputs at deterministic paths below the derivatives
directory. A stage whose outputs all exist is skipped, so an interrupted
batch resumes where it stopped.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "config file (JSON or YAML) applied over ~/.dwiflow and ./.dwiflow")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	root.PersistentFlags().BoolVar(&g.pretty, "log-pretty", false, "human readable logs instead of JSON")

	root.AddCommand(runCmd(g))
	root.AddCommand(planCmd(g))
	root.AddCommand(graphCmd(g))
	root.AddCommand(initCmd(g))
	root.AddCommand(historyCmd(g))
	return root
}
