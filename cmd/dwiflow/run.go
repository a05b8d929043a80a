package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/aristath/dwiflow/internal/backend"
	"github.com/aristath/dwiflow/internal/events"
	"github.com/aristath/dwiflow/internal/metrics"
	"github.com/aristath/dwiflow/internal/orchestrator"
	"github.com/aristath/dwiflow/internal/persistence"
	"github.com/aristath/dwiflow/internal/scheduler"
	"github.com/aristath/dwiflow/internal/tui"
)

type runOptions struct {
	subjectsFile string
	branches     []string
	target       string
	concurrency  int
	tui          bool
	noHistory    bool
}

func runCmd(g *globalOptions) *cobra.Command {
	var opts runOptions

	cmd := &cobra.Command{
		Use:   "run [subject...]",
		Short: "Run the pipeline for subjects × branches",
		Long: `Run builds every requested (subject, branch) job up to its terminal stage.
Stages whose outputs already exist are skipped. A failing job never stops
the others; the command exits 1 when any job failed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			subs, err := subjects(args, opts.subjectsFile)
			if err != nil {
				return err
			}

			logOut := cmd.ErrOrStderr()
			if opts.tui {
				// The TUI owns the terminal; logs go to a file instead.
				f, err := openRunLog()
				if err != nil {
					return err
				}
				defer f.Close()
				logOut = f
			}

			a, err := g.load(logOut)
			if err != nil {
				return err
			}
			return a.run(cmd.Context(), cmd.OutOrStdout(), subs, opts)
		},
	}

	cmd.Flags().StringVar(&opts.subjectsFile, "subjects-file", "", "file with one subject per line ('#' starts a comment)")
	cmd.Flags().StringSliceVarP(&opts.branches, "branch", "b", nil, "branches to run (default: execution.branches or all)")
	cmd.Flags().StringVar(&opts.target, "target", "", "stop at this stage instead of each branch terminal")
	cmd.Flags().IntVarP(&opts.concurrency, "jobs", "j", 0, "concurrent jobs (default: execution.concurrency)")
	cmd.Flags().BoolVar(&opts.tui, "tui", false, "show live progress in a terminal UI")
	cmd.Flags().BoolVar(&opts.noHistory, "no-history", false, "do not journal this run in the history database")
	return cmd
}

// openRunLog opens the log file used while the TUI is active.
func openRunLog() (*os.File, error) {
	dir := filepath.Join(os.TempDir(), "dwiflow")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("log dir: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("run-%d.log", os.Getpid()))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("log file: %w", err)
	}
	return f, nil
}

// batchError reports failed jobs. It wraps every job error so callers can
// still match configuration errors.
type batchError struct {
	failed int
	total  int
	errs   error
}

func (e *batchError) Error() string {
	return fmt.Sprintf("%d of %d jobs failed", e.failed, e.total)
}

func (e *batchError) Unwrap() error { return e.errs }

func (a *app) run(ctx context.Context, out io.Writer, subs []string, opts runOptions) error {
	branches, err := a.branches(opts.branches)
	if err != nil {
		return err
	}
	if opts.target != "" {
		if _, ok := a.def.Template(opts.target); !ok {
			return &scheduler.ConfigurationError{Field: "target", Reason: fmt.Sprintf("stage %q is not defined", opts.target)}
		}
	}
	jobs := orchestrator.Jobs(subs, branches)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Kill tool process groups as soon as the run is interrupted.
	pm := backend.NewProcessManager()
	stopKill := context.AfterFunc(ctx, func() {
		if err := pm.KillAll(); err != nil {
			a.logger.Warn().Err(err).Msg("failed to kill tool processes")
		}
	})
	defer stopKill()

	bus := events.NewEventBus()
	defer bus.Close()

	breakers := orchestrator.NewCircuitBreakerRegistry(orchestrator.BreakerConfig{
		ConsecutiveFailures: a.cfg.Execution.Breaker.Failures,
		Cooldown:            a.cfg.Execution.Breaker.Cooldown.Std(),
	}, a.logger)
	engine, err := a.engine(bus, pm, breakers)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	subscribe := func(fn func(ch <-chan events.Event)) {
		ch := bus.SubscribeAll(4096)
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ch)
		}()
	}

	collector := metrics.NewCollector()
	subscribe(func(ch <-chan events.Event) { collector.Run(context.Background(), ch) })

	if !opts.noHistory {
		store, err := persistence.NewSQLiteStore(ctx, a.historyPath())
		if err != nil {
			return fmt.Errorf("history: %w", err)
		}
		defer store.Close()
		recorder := persistence.NewRecorder(store, a.logger)
		subscribe(func(ch <-chan events.Event) { recorder.Run(context.Background(), ch) })
	}

	concurrency := a.cfg.Execution.Concurrency
	if opts.concurrency > 0 {
		concurrency = opts.concurrency
	}
	runner := orchestrator.NewBatchRunner(orchestrator.BatchRunnerConfig{
		Definition:  a.def,
		Engine:      engine,
		Workspace:   a.ws,
		Locks:       a.locks(),
		Inputs:      a.cfg.InputSource(),
		Params:      a.cfg.Params,
		Target:      opts.target,
		Concurrency: concurrency,
		Bus:         bus,
		Logger:      a.logger,
	})

	a.logger.Info().
		Int("subjects", len(subs)).
		Strs("branches", branches).
		Int("jobs", len(jobs)).
		Int("concurrency", concurrency).
		Str("derivatives", a.ws.Root()).
		Msg("starting batch")

	var (
		results []orchestrator.JobResult
		runErr  error
	)
	if opts.tui {
		results, runErr = a.runWithTUI(ctx, cancel, bus, runner, jobs)
	} else {
		jobCh := bus.Subscribe(events.TopicJob, 1024)
		done := make(chan struct{})
		go func() {
			defer close(done)
			printJobEvents(out, jobCh)
		}()
		results, runErr = runner.Run(ctx, jobs)
		bus.Close()
		<-done
	}

	// Drain the history and metrics subscribers before reading their state.
	bus.Close()
	wg.Wait()

	if a.cfg.MetricsPath != "" {
		if err := collector.WriteTextfile(a.cfg.MetricsPath); err != nil {
			a.logger.Warn().Err(err).Msg("failed to write metrics textfile")
		}
	}
	if dropped := bus.Dropped(); dropped > 0 {
		a.logger.Warn().Int64("events", dropped).Msg("slow subscribers dropped events")
	}

	if !opts.tui {
		printReport(out, results)
	}
	if runErr != nil {
		return fmt.Errorf("batch interrupted: %w", runErr)
	}

	sum := orchestrator.Summarize(results)
	if sum.Failed > 0 {
		var errs []error
		for _, r := range results {
			if r.Err != nil {
				errs = append(errs, r.Err)
			}
		}
		return &batchError{failed: sum.Failed, total: sum.Total, errs: errors.Join(errs...)}
	}
	return nil
}

// runWithTUI runs the batch behind the progress view. Quitting the view
// cancels the batch; after the batch ends the view stays until the user
// quits.
func (a *app) runWithTUI(ctx context.Context, cancel context.CancelFunc, bus *events.EventBus, runner *orchestrator.BatchRunner, jobs []orchestrator.Job) ([]orchestrator.JobResult, error) {
	globalPath, projectPath := configPaths()
	model := tui.New(bus, tui.Options{
		Jobs:        len(jobs),
		Config:      a.cfg,
		GlobalPath:  globalPath,
		ProjectPath: projectPath,
	})
	p := tea.NewProgram(model, tea.WithAltScreen())

	errChan := make(chan error, 1)
	go func() {
		_, err := p.Run()
		errChan <- err
		cancel()
	}()

	results, runErr := runner.Run(ctx, jobs)

	sum := orchestrator.Summarize(results)
	p.Send(tui.DoneMsg{
		Summary: fmt.Sprintf("%d jobs: %d succeeded, %d failed", sum.Total, sum.Succeeded, sum.Failed),
		Failed:  sum.Failed > 0,
	})
	if ctx.Err() != nil {
		p.Quit()
	}
	if err := <-errChan; err != nil {
		a.logger.Error().Err(err).Msg("terminal UI failed")
	}
	return results, runErr
}
