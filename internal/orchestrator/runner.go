package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/aristath/dwiflow/internal/events"
	"github.com/aristath/dwiflow/internal/scheduler"
	"github.com/aristath/dwiflow/internal/workspace"
)

// Job is one engine run: a subject's pipeline up to the terminal of a branch.
type Job struct {
	Subject string
	Branch  string
}

func (j Job) String() string {
	return fmt.Sprintf("sub-%s@%s", j.Subject, j.Branch)
}

// JobResult represents the outcome of a job.
type JobResult struct {
	Job
	RunID    string
	Terminal scheduler.NodeID
	Result   *scheduler.Result // nil when the job failed before the engine ran
	Err      error
	Duration time.Duration
}

// Success reports whether the job's terminal outputs are complete.
func (r JobResult) Success() bool {
	return r.Err == nil && r.Result != nil && r.Result.Complete()
}

// BatchRunnerConfig configures the batch runner.
type BatchRunnerConfig struct {
	Definition  *scheduler.Definition
	Engine      *scheduler.Engine
	Workspace   *workspace.Manager
	Locks       *scheduler.LockRegistry // shared by every job
	Inputs      scheduler.InputSource
	Params      scheduler.StageParams
	Target      string           // stage to stop at; "" runs to each branch terminal
	Concurrency int              // max concurrent jobs (default 4)
	Bus         *events.EventBus // optional
	Logger      zerolog.Logger
}

// BatchRunner runs subjects × branches jobs with bounded concurrency. A
// failing job never cancels its siblings; shared nodes are serialised by the
// lock registry and skipped by whichever job reaches them second.
type BatchRunner struct {
	config BatchRunnerConfig
}

// NewBatchRunner creates a new batch runner.
func NewBatchRunner(cfg BatchRunnerConfig) *BatchRunner {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.Locks == nil {
		cfg.Locks = scheduler.NewLockRegistry(scheduler.LockOptions{})
	}
	return &BatchRunner{config: cfg}
}

// Jobs expands subjects × branches in a stable order: subject-major, then
// branches as given.
func Jobs(subjects, branches []string) []Job {
	jobs := make([]Job, 0, len(subjects)*len(branches))
	for _, s := range subjects {
		for _, b := range branches {
			jobs = append(jobs, Job{Subject: s, Branch: b})
		}
	}
	return jobs
}

// Run executes every job and returns their results in job order. The
// returned error is non-nil only when ctx was cancelled; per-job failures
// are reported in the results.
func (r *BatchRunner) Run(ctx context.Context, jobs []Job) ([]JobResult, error) {
	if r.config.Definition == nil || r.config.Engine == nil || r.config.Workspace == nil {
		return nil, fmt.Errorf("batch runner: definition, engine and workspace are required")
	}

	// Clean staging left behind by crashed runs.
	if n, err := r.config.Workspace.Prune(); err != nil {
		r.config.Logger.Warn().Err(err).Msg("failed to prune stale staging dirs")
	} else if n > 0 {
		r.config.Logger.Info().Int("removed", n).Msg("pruned stale staging dirs")
	}

	results := make([]JobResult, len(jobs))
	provisioned := &sync.Map{}

	g := new(errgroup.Group)
	g.SetLimit(r.config.Concurrency)

	for i, job := range jobs {
		if ctx.Err() != nil {
			results[i] = JobResult{Job: job, Err: ctx.Err()}
			continue
		}
		g.Go(func() error {
			results[i] = r.runJob(ctx, job, provisioned)
			return nil
		})
	}

	// Job errors are carried in results, never returned here.
	_ = g.Wait()
	return results, ctx.Err()
}

// runJob builds the job's graph and runs it through the engine.
func (r *BatchRunner) runJob(ctx context.Context, job Job, provisioned *sync.Map) JobResult {
	start := time.Now()
	res := JobResult{Job: job, RunID: uuid.NewString()}
	logger := r.config.Logger.With().Str("subject", job.Subject).Str("branch", job.Branch).Str("run", res.RunID).Logger()

	r.config.Bus.Publish(events.TopicJob, events.JobStartedEvent{
		RunID:     res.RunID,
		Subject:   job.Subject,
		Branch:    job.Branch,
		Timestamp: start,
	})

	defer func() {
		res.Duration = time.Since(start)
		terminal := ""
		if res.Terminal.Stage != "" {
			terminal = res.Terminal.String()
		}
		r.config.Bus.Publish(events.TopicJob, events.JobFinishedEvent{
			RunID:     res.RunID,
			Subject:   job.Subject,
			Branch:    job.Branch,
			Terminal:  terminal,
			Err:       res.Err,
			Duration:  res.Duration,
			Timestamp: time.Now(),
		})
	}()

	if err := ctx.Err(); err != nil {
		res.Err = err
		return res
	}

	if err := r.provision(job.Subject, provisioned); err != nil {
		res.Err = err
		logger.Error().Err(err).Msg("provisioning failed")
		return res
	}

	rc, err := scheduler.NewRunContext(r.config.Workspace.Root(), job.Subject, r.config.Locks, r.config.Inputs)
	if err != nil {
		res.Err = err
		return res
	}
	rc.RunID = res.RunID

	graph, terminal, err := r.config.Definition.Instantiate(rc, r.config.Params, r.config.Target, job.Branch)
	if err != nil {
		res.Err = err
		logger.Error().Err(err).Msg("could not build pipeline")
		return res
	}
	res.Terminal = terminal

	logger.Info().Str("terminal", terminal.String()).Int("nodes", graph.Len()).Msg("job started")
	result, err := r.config.Engine.Run(ctx, rc, graph, terminal)
	res.Result = result
	res.Err = err
	if err != nil {
		logger.Error().Err(err).Msg("job failed")
	} else {
		logger.Info().Int("executed", len(result.Executed)).Int("skipped", len(result.Skipped)).Msg("job finished")
	}
	return res
}

// provision creates the subject skeleton once per batch.
func (r *BatchRunner) provision(subject string, done *sync.Map) error {
	if err := scheduler.ValidateSubject(subject); err != nil {
		return err
	}
	once, _ := done.LoadOrStore(subject, &provisionOnce{})
	p := once.(*provisionOnce)
	p.once.Do(func() {
		p.err = r.config.Workspace.Provision(subject)
	})
	return p.err
}

type provisionOnce struct {
	once sync.Once
	err  error
}

// Summary counts job outcomes.
type Summary struct {
	Total     int
	Succeeded int
	Failed    int
}

// Summarize tallies results.
func Summarize(results []JobResult) Summary {
	s := Summary{Total: len(results)}
	for _, r := range results {
		if r.Success() {
			s.Succeeded++
		} else {
			s.Failed++
		}
	}
	return s
}
