package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/dwiflow/internal/backend"
	"github.com/aristath/dwiflow/internal/events"
	"github.com/aristath/dwiflow/internal/scheduler"
	"github.com/aristath/dwiflow/internal/workspace"
)

// writeBIDS creates the raw dwi, gradient tables and T2 for subject.
func writeBIDS(t *testing.T, dir, subject string) {
	t.Helper()
	sub := "sub-" + subject
	files := []string{
		filepath.Join(dir, sub, "dwi", sub+"_dwi.nii.gz"),
		filepath.Join(dir, sub, "dwi", sub+"_dwi.bval"),
		filepath.Join(dir, sub, "dwi", sub+"_dwi.bvec"),
		filepath.Join(dir, sub, "anat", sub+"_T2w.nii.gz"),
	}
	for _, f := range files {
		if err := os.MkdirAll(filepath.Dir(f), 0755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(f, []byte("raw"), 0644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
}

// mockTools is an in-process stand-in for every stage tool.
type mockTools struct {
	mu       sync.Mutex
	calls    map[string]int   // node id -> invocations
	fail     map[string]error // stage -> error
	delay    time.Duration
	onInvoke func(inv backend.Invocation)
}

func newMockTools() *mockTools {
	return &mockTools{
		calls: make(map[string]int),
		fail:  make(map[string]error),
	}
}

func (m *mockTools) Invoke(ctx context.Context, inv backend.Invocation) error {
	m.mu.Lock()
	m.calls[inv.NodeID]++
	err := m.fail[inv.Stage]
	m.mu.Unlock()

	if m.onInvoke != nil {
		m.onInvoke(inv)
	}
	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err != nil {
		return err
	}
	for _, p := range inv.Outputs {
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			return err
		}
		if err := os.WriteFile(p, []byte(inv.NodeID), 0644); err != nil {
			return err
		}
	}
	return nil
}

func (m *mockTools) count(nodeID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[nodeID]
}

func (m *mockTools) total() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		n += c
	}
	return n
}

type testEnv struct {
	bids   string
	root   string
	tools  *mockTools
	bus    *events.EventBus
	runner *BatchRunner
}

func newTestEnv(t *testing.T, concurrency int) *testEnv {
	t.Helper()
	env := &testEnv{
		bids:  t.TempDir(),
		root:  filepath.Join(t.TempDir(), "derivatives"),
		tools: newMockTools(),
		bus:   events.NewEventBus(),
	}
	t.Cleanup(env.bus.Close)

	engine := scheduler.NewEngine(scheduler.WithEventBus(env.bus))
	for _, tool := range []string{
		scheduler.StageAlign, scheduler.StageEddy, scheduler.StageEpi,
		scheduler.StageBSE, scheduler.StageBetMask, scheduler.StageUKF,
	} {
		engine.RegisterAdapter(tool, env.tools)
	}

	env.runner = NewBatchRunner(BatchRunnerConfig{
		Definition:  scheduler.DefaultDefinition(),
		Engine:      engine,
		Workspace:   workspace.NewManager(workspace.ManagerConfig{Root: env.root}),
		Locks:       scheduler.NewLockRegistry(scheduler.LockOptions{Root: env.root}),
		Inputs:      &scheduler.GlobInputs{Dir: env.bids, Specs: scheduler.DefaultInputSpecs()},
		Concurrency: concurrency,
		Bus:         env.bus,
		Logger:      zerolog.Nop(),
	})
	return env
}

// TestBatchRunner_SharedNodesRunOnce verifies that both branches of a subject
// reuse the shared align and eddy nodes: every node id runs exactly once.
func TestBatchRunner_SharedNodesRunOnce(t *testing.T) {
	env := newTestEnv(t, 4)
	writeBIDS(t, env.bids, "01")
	writeBIDS(t, env.bids, "02")

	results, err := env.runner.Run(context.Background(), Jobs([]string{"01", "02"}, []string{"eddy", "epi"}))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(results) != 4 {
		t.Fatalf("expected 4 results, got %d", len(results))
	}
	for _, r := range results {
		if !r.Success() {
			t.Errorf("job %s failed: %v", r.Job, r.Err)
		}
		if r.RunID == "" {
			t.Errorf("job %s has no run id", r.Job)
		}
	}

	for _, subject := range []string{"01", "02"} {
		for _, stage := range []string{"align", "eddy"} {
			id := fmt.Sprintf("sub-%s/%s", subject, stage)
			if n := env.tools.count(id); n != 1 {
				t.Errorf("%s invoked %d times, want 1", id, n)
			}
		}
	}
	// align, eddy, epi, then bse/betmask/ukf per branch.
	if n := env.tools.total(); n != 18 {
		t.Errorf("expected 18 invocations, got %d", n)
	}

	want := filepath.Join(env.root, "sub-01", "tracts", "sub-01_desc-XcEdEp.vtk")
	if results[1].Result.Outputs[backend.SlotTracts] != want {
		t.Errorf("epi terminal output = %s, want %s", results[1].Result.Outputs[backend.SlotTracts], want)
	}
	if _, err := os.Stat(filepath.Join(env.root, "sub-02", "tracts", "wmql")); err != nil {
		t.Errorf("subject skeleton not provisioned: %v", err)
	}

	// A second batch finds everything in place.
	again, err := env.runner.Run(context.Background(), Jobs([]string{"01", "02"}, []string{"eddy", "epi"}))
	if err != nil {
		t.Fatalf("second Run failed: %v", err)
	}
	if n := env.tools.total(); n != 18 {
		t.Errorf("resumed batch invoked tools again: %d invocations", n)
	}
	if s := Summarize(again); s.Succeeded != 4 || s.Failed != 0 {
		t.Errorf("summary = %+v", s)
	}
}

// TestBatchRunner_BoundedConcurrency verifies no more than Concurrency jobs
// invoke tools at the same time.
func TestBatchRunner_BoundedConcurrency(t *testing.T) {
	env := newTestEnv(t, 2)
	subjects := []string{"01", "02", "03", "04"}
	for _, s := range subjects {
		writeBIDS(t, env.bids, s)
	}

	var concurrent, maxConcurrent atomic.Int32
	env.tools.delay = 10 * time.Millisecond
	env.tools.onInvoke = func(backend.Invocation) {
		current := concurrent.Add(1)
		defer concurrent.Add(-1)
		for {
			max := maxConcurrent.Load()
			if current <= max || maxConcurrent.CompareAndSwap(max, current) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
	}

	results, err := env.runner.Run(context.Background(), Jobs(subjects, []string{"eddy"}))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if s := Summarize(results); s.Succeeded != 4 {
		t.Errorf("expected 4 successes, got %+v", s)
	}
	if max := maxConcurrent.Load(); max > 2 {
		t.Errorf("max concurrent was %d, expected <= 2", max)
	}
}

// TestBatchRunner_FailureDoesNotBlockOthers verifies a failing job leaves
// sibling jobs running to completion.
func TestBatchRunner_FailureDoesNotBlockOthers(t *testing.T) {
	env := newTestEnv(t, 2)
	writeBIDS(t, env.bids, "01")
	writeBIDS(t, env.bids, "02")
	env.tools.fail[scheduler.StageEpi] = errors.New("topup exploded")

	results, err := env.runner.Run(context.Background(), Jobs([]string{"01", "02", "03"}, []string{"eddy", "epi"}))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	byJob := make(map[Job]JobResult)
	for _, r := range results {
		byJob[r.Job] = r
	}

	for _, s := range []string{"01", "02"} {
		if r := byJob[Job{Subject: s, Branch: "eddy"}]; !r.Success() {
			t.Errorf("eddy branch of %s should succeed, got %v", s, r.Err)
		}
		r := byJob[Job{Subject: s, Branch: "epi"}]
		var stageErr *scheduler.StageExecutionError
		if !errors.As(r.Err, &stageErr) || stageErr.Node.Stage != scheduler.StageEpi {
			t.Errorf("epi branch of %s: expected epi StageExecutionError, got %v", s, r.Err)
		}
		if r.Result == nil || r.Result.Failed == nil {
			t.Errorf("epi branch of %s should name its failing node", s)
		}
	}

	// Subject 03 has no raw data.
	var notFound *scheduler.InputNotFoundError
	if r := byJob[Job{Subject: "03", Branch: "eddy"}]; !errors.As(r.Err, &notFound) {
		t.Errorf("expected InputNotFoundError for subject 03, got %v", r.Err)
	}

	if s := Summarize(results); s.Total != 6 || s.Succeeded != 2 || s.Failed != 4 {
		t.Errorf("summary = %+v", s)
	}
}

func TestBatchRunner_ConfigurationErrors(t *testing.T) {
	env := newTestEnv(t, 1)

	results, err := env.runner.Run(context.Background(), []Job{
		{Subject: "../x", Branch: "eddy"},
		{Subject: "01", Branch: "nosuch"},
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	for _, r := range results {
		var cfgErr *scheduler.ConfigurationError
		if !errors.As(r.Err, &cfgErr) {
			t.Errorf("job %s: expected ConfigurationError, got %v", r.Job, r.Err)
		}
	}
	if env.tools.total() != 0 {
		t.Error("no tool should run on configuration errors")
	}
	if _, err := os.Stat(filepath.Join(env.root, "sub-..")); !os.IsNotExist(err) {
		t.Error("invalid subject must not be provisioned")
	}

	if _, err := NewBatchRunner(BatchRunnerConfig{}).Run(context.Background(), nil); err == nil {
		t.Error("expected error for empty config")
	}
}

func TestBatchRunner_CancelledContext(t *testing.T) {
	env := newTestEnv(t, 2)
	writeBIDS(t, env.bids, "01")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results, err := env.runner.Run(ctx, Jobs([]string{"01"}, []string{"eddy", "epi"}))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	for _, r := range results {
		if !errors.Is(r.Err, context.Canceled) {
			t.Errorf("job %s: expected cancellation, got %v", r.Job, r.Err)
		}
	}
	if env.tools.total() != 0 {
		t.Errorf("no tool should run after cancellation, got %d", env.tools.total())
	}
}

func TestBatchRunner_PublishesJobEvents(t *testing.T) {
	env := newTestEnv(t, 2)
	writeBIDS(t, env.bids, "01")
	jobs := env.bus.Subscribe(events.TopicJob, 16)

	_, err := env.runner.Run(context.Background(), Jobs([]string{"01", "02"}, []string{"eddy"}))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	finished := make(map[string]events.JobFinishedEvent)
	started := 0
	for len(finished) < 2 {
		select {
		case ev := <-jobs:
			switch e := ev.(type) {
			case events.JobStartedEvent:
				started++
			case events.JobFinishedEvent:
				finished[e.Subject] = e
			default:
				t.Fatalf("unexpected event %T", ev)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for job events")
		}
	}
	if started != 2 {
		t.Errorf("expected 2 start events before the finish events, got %d", started)
	}

	if ok := finished["01"]; ok.Err != nil || ok.Terminal != "sub-01/ukf@eddy" {
		t.Errorf("subject 01 event = %+v", ok)
	}
	if bad := finished["02"]; bad.Err == nil {
		t.Error("subject 02 event should carry the input error")
	}
}

func TestBatchRunner_PrunesStaleStaging(t *testing.T) {
	env := newTestEnv(t, 1)
	stale := filepath.Join(env.root, workspace.DefaultStagingDir, fmt.Sprintf("%d-crashed", 1<<30))
	if err := os.MkdirAll(stale, 0755); err != nil {
		t.Fatal(err)
	}

	if _, err := env.runner.Run(context.Background(), nil); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Error("stale staging dir should be pruned on startup")
	}
}

func TestJobs_Order(t *testing.T) {
	got := Jobs([]string{"01", "02"}, []string{"eddy", "epi"})
	want := []Job{{"01", "eddy"}, {"01", "epi"}, {"02", "eddy"}, {"02", "epi"}}
	if len(got) != len(want) {
		t.Fatalf("got %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("job %d = %v, want %v", i, got[i], want[i])
		}
	}
	if s := got[1].String(); s != "sub-01@epi" {
		t.Errorf("String() = %q", s)
	}
}
