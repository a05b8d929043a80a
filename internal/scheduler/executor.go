package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/dwiflow/internal/backend"
	"github.com/aristath/dwiflow/internal/events"
)

// Engine runs the closure of one terminal node at a time, strictly in
// resolver order. It never writes outputs itself; adapters do.
type Engine struct {
	adapters      map[string]backend.Adapter // tool -> adapter
	bus           *events.EventBus
	logger        zerolog.Logger
	stageTimeout  time.Duration
	stageTimeouts map[string]time.Duration
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithEventBus publishes node and progress events to bus.
func WithEventBus(bus *events.EventBus) EngineOption {
	return func(e *Engine) { e.bus = bus }
}

// WithLogger sets the engine logger.
func WithLogger(logger zerolog.Logger) EngineOption {
	return func(e *Engine) { e.logger = logger }
}

// WithStageTimeout bounds every adapter invocation. Zero disables it.
func WithStageTimeout(d time.Duration) EngineOption {
	return func(e *Engine) { e.stageTimeout = d }
}

// WithStageTimeouts sets per-stage limits that take precedence over
// WithStageTimeout.
func WithStageTimeouts(limits map[string]time.Duration) EngineOption {
	return func(e *Engine) { e.stageTimeouts = limits }
}

// NewEngine creates an Engine with no adapters registered.
func NewEngine(opts ...EngineOption) *Engine {
	e := &Engine{
		adapters: make(map[string]backend.Adapter),
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RegisterAdapter maps a tool key to an adapter. Not safe to call while a
// run is in progress.
func (e *Engine) RegisterAdapter(tool string, a backend.Adapter) {
	e.adapters[tool] = a
}

// NodeReport is the outcome of one node within a run.
type NodeReport struct {
	ID       NodeID
	Status   NodeStatus
	Missing  []string
	Err      error
	Duration time.Duration
}

// Result describes a finished (or stopped) run.
type Result struct {
	Terminal NodeID
	Outputs  map[backend.Slot]string // terminal outputs once complete
	Nodes    []NodeReport            // in execution order
	Executed []NodeID
	Skipped  []NodeID
	Failed   *NodeID // first failing node, if any
	Err      error
}

// Complete reports whether the terminal node's outputs are all present.
func (r *Result) Complete() bool {
	return r.Err == nil && r.Outputs != nil
}

// PlanEntry is a node's status as it would be seen at the start of a run.
type PlanEntry struct {
	Node    *Node
	Status  NodeStatus // NodeSatisfied or NodePending
	Missing []string
}

// Plan resolves terminal and reports which nodes would be skipped and which
// would run, without invoking anything.
func (e *Engine) Plan(g *Graph, terminal NodeID) ([]PlanEntry, error) {
	order, err := Resolve(g, terminal)
	if err != nil {
		return nil, err
	}
	if err := e.checkAdapters(order); err != nil {
		return nil, err
	}

	plan := make([]PlanEntry, 0, len(order))
	for _, n := range order {
		entry := PlanEntry{Node: n, Status: NodePending, Missing: n.MissingOutputs()}
		if len(entry.Missing) == 0 {
			entry.Status = NodeSatisfied
		}
		plan = append(plan, entry)
	}
	return plan, nil
}

func (e *Engine) checkAdapters(order []*Node) error {
	for _, n := range order {
		if _, ok := e.adapters[n.Tool]; !ok {
			return configErrorf("tools", "no adapter registered for tool %q (stage %s)", n.Tool, n.ID.Stage)
		}
	}
	return nil
}

// Run executes terminal's closure. Nodes whose outputs all exist are skipped;
// the first failing node stops the run. Configuration and cycle errors are
// returned before any adapter runs. The returned error equals Result.Err.
func (e *Engine) Run(ctx context.Context, rc *RunContext, g *Graph, terminal NodeID) (*Result, error) {
	res := &Result{Terminal: terminal}
	fail := func(err error) (*Result, error) {
		res.Err = err
		return res, err
	}

	if rc == nil || rc.Locks == nil {
		return fail(configErrorf("run context", "a run context with a lock registry is required"))
	}
	order, err := Resolve(g, terminal)
	if err != nil {
		return fail(err)
	}
	if err := e.checkAdapters(order); err != nil {
		return fail(err)
	}

	run := &runState{
		engine: e,
		rc:     rc,
		graph:  g,
		order:  order,
		status: make(map[NodeID]NodeStatus, len(order)),
	}

	for _, n := range order {
		if err := ctx.Err(); err != nil {
			e.logger.Warn().Str("node", n.ID.String()).Msg("run cancelled before node was scheduled")
			return fail(fmt.Errorf("run cancelled: %w", err))
		}

		report, err := run.step(ctx, n)
		res.Nodes = append(res.Nodes, report)
		switch report.Status {
		case NodeSatisfied:
			res.Skipped = append(res.Skipped, n.ID)
		case NodeDone:
			res.Executed = append(res.Executed, n.ID)
		case NodeFailed:
			id := n.ID
			res.Failed = &id
		}
		if err != nil {
			return fail(err)
		}
	}

	if last, ok := g.Get(terminal); ok && last.Complete() {
		res.Outputs = last.Outputs
	}
	return res, nil
}

// runState is the per-run status map. The graph itself is never mutated.
type runState struct {
	engine *Engine
	rc     *RunContext
	graph  *Graph
	order  []*Node
	status map[NodeID]NodeStatus
}

func (r *runState) step(ctx context.Context, n *Node) (NodeReport, error) {
	e := r.engine
	report := NodeReport{ID: n.ID}
	log := e.logger.With().Str("node", n.ID.String()).Logger()

	for _, dep := range n.Requires {
		if !r.status[dep].Complete() {
			return report, fmt.Errorf("%w: %s reached before %s completed", ErrInvariant, n.ID, dep)
		}
	}

	if n.Complete() {
		r.set(n.ID, NodeSatisfied)
		report.Status = NodeSatisfied
		log.Info().Msg("outputs present, skipping")
		e.bus.Publish(events.TopicNode, events.NodeSkippedEvent{
			Node:      r.ref(n.ID),
			Outputs:   n.OutputPaths(),
			Timestamp: time.Now(),
		})
		return report, nil
	}

	release, err := r.rc.Locks.Acquire(ctx, n.ID)
	if err != nil {
		if ctx.Err() != nil {
			return report, fmt.Errorf("run cancelled waiting for %s: %w", n.ID, ctx.Err())
		}
		return r.failed(report, n, &StageExecutionError{Node: n.ID, Err: err}, 0)
	}
	defer release()

	// Another engine may have finished the node while we waited.
	if n.Complete() {
		r.set(n.ID, NodeSatisfied)
		report.Status = NodeSatisfied
		log.Info().Msg("outputs produced by another run, skipping")
		e.bus.Publish(events.TopicNode, events.NodeSkippedEvent{
			Node:      r.ref(n.ID),
			Outputs:   n.OutputPaths(),
			Timestamp: time.Now(),
		})
		return report, nil
	}

	inputs, err := r.resolveInputs(n)
	if err != nil {
		return r.failed(report, n, &StageExecutionError{Node: n.ID, Err: err}, 0)
	}

	r.set(n.ID, NodeRunning)
	log.Info().Str("tool", n.Tool).Msg("running stage")
	e.bus.Publish(events.TopicNode, events.NodeStartedEvent{
		Node:      r.ref(n.ID),
		Tool:      n.Tool,
		Timestamp: time.Now(),
	})

	start := time.Now()
	invokeErr := r.invoke(ctx, n, inputs)
	elapsed := time.Since(start)
	report.Duration = elapsed

	missing := n.MissingOutputs()
	if invokeErr != nil {
		return r.failed(report, n, invokeErr, elapsed)
	}
	if len(missing) > 0 {
		return r.failed(report, n, &StageExecutionError{Node: n.ID, Missing: missing, Err: ErrIncompleteOutputs}, elapsed)
	}

	r.set(n.ID, NodeDone)
	report.Status = NodeDone
	log.Info().Dur("duration", elapsed).Msg("stage complete")
	e.bus.Publish(events.TopicNode, events.NodeCompletedEvent{
		Node:      r.ref(n.ID),
		Outputs:   n.OutputPaths(),
		Duration:  elapsed,
		Timestamp: time.Now(),
	})
	return report, nil
}

// invoke calls the adapter, mapping a stage timeout to *TimeoutError and any
// other failure to *StageExecutionError.
func (r *runState) invoke(ctx context.Context, n *Node, inputs map[string]string) error {
	e := r.engine
	adapter := e.adapters[n.Tool]

	limit := e.stageTimeout
	if d, ok := e.stageTimeouts[n.ID.Stage]; ok {
		limit = d
	}
	runCtx := ctx
	if limit > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, limit)
		defer cancel()
	}

	ref := r.ref(n.ID)
	inv := backend.Invocation{
		NodeID:  n.ID.String(),
		Stage:   n.ID.Stage,
		Subject: n.ID.Subject,
		Inputs:  inputs,
		Outputs: n.Outputs,
		Params:  n.Params.Clone(),
		OnOutput: func(line string) {
			e.logger.Debug().Str("node", ref.ID).Msg(line)
			e.bus.Publish(events.TopicNode, events.NodeOutputEvent{Node: ref, Line: line, Timestamp: time.Now()})
		},
	}

	err := adapter.Invoke(runCtx, inv)
	if limit > 0 && ctx.Err() == nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return &TimeoutError{
			StageExecutionError: StageExecutionError{Node: n.ID, Missing: n.MissingOutputs(), Err: context.DeadlineExceeded},
			Limit:               limit,
		}
	}
	if err != nil {
		return &StageExecutionError{Node: n.ID, Missing: n.MissingOutputs(), Err: err}
	}
	return nil
}

// resolveInputs maps each logical input to a path: upstream inputs from the
// upstream node's declared outputs, raw inputs through rc.Inputs.
func (r *runState) resolveInputs(n *Node) (map[string]string, error) {
	inputs := make(map[string]string, len(n.Inputs))
	for _, ref := range n.Inputs {
		if ref.IsRaw() {
			if r.rc.Inputs == nil {
				return nil, configErrorf("inputs", "no raw input source for key %q", ref.Raw)
			}
			p, err := r.rc.Inputs.Resolve(n.ID.Subject, ref.Raw)
			if err != nil {
				return nil, err
			}
			inputs[ref.Name] = p
			continue
		}

		up, ok := r.graph.Get(ref.From)
		if !ok {
			return nil, configErrorf("inputs", "%s binds undefined node %s", n.ID, ref.From)
		}
		p, ok := up.Outputs[ref.Slot]
		if !ok {
			return nil, configErrorf("inputs", "%s binds undeclared slot %q of %s", n.ID, ref.Slot, ref.From)
		}
		inputs[ref.Name] = p
	}
	return inputs, nil
}

func (r *runState) failed(report NodeReport, n *Node, err error, elapsed time.Duration) (NodeReport, error) {
	r.set(n.ID, NodeFailed)
	report.Status = NodeFailed
	report.Err = err
	report.Duration = elapsed

	var stageErr *StageExecutionError
	if errors.As(err, &stageErr) {
		report.Missing = stageErr.Missing
	}
	var timeoutErr *TimeoutError
	timedOut := errors.As(err, &timeoutErr)

	r.engine.logger.Error().Err(err).Str("node", n.ID.String()).Msg("stage failed")
	r.engine.bus.Publish(events.TopicNode, events.NodeFailedEvent{
		Node:      r.ref(n.ID),
		Err:       err,
		Missing:   report.Missing,
		TimedOut:  timedOut,
		Duration:  elapsed,
		Timestamp: time.Now(),
	})
	return report, err
}

func (r *runState) set(id NodeID, s NodeStatus) {
	r.status[id] = s

	progress := events.RunProgressEvent{
		RunID:     r.rc.RunID,
		Terminal:  r.order[len(r.order)-1].ID.String(),
		Total:     len(r.order),
		Timestamp: time.Now(),
	}
	for _, n := range r.order {
		switch r.status[n.ID] {
		case NodeSatisfied:
			progress.Skipped++
		case NodeDone:
			progress.Done++
		case NodeRunning:
			progress.Running++
		case NodeFailed:
			progress.Failed++
		default:
			progress.Pending++
		}
	}
	r.engine.bus.Publish(events.TopicRun, progress)
}

func (r *runState) ref(id NodeID) events.NodeRef {
	return events.NodeRef{
		RunID:   r.rc.RunID,
		ID:      id.String(),
		Subject: id.Subject,
		Stage:   id.Stage,
		Branch:  id.Branch,
	}
}
