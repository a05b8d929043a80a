package events

import (
	"time"
)

// Event is the base interface for all events.
type Event interface {
	EventType() string
	NodeID() string
}

// Topic constants
const (
	TopicNode = "node"
	TopicRun  = "run"
	TopicJob  = "job"
)

// Event type constants
const (
	EventTypeNodeStarted   = "node.started"
	EventTypeNodeSkipped   = "node.skipped"
	EventTypeNodeOutput    = "node.output"
	EventTypeNodeCompleted = "node.completed"
	EventTypeNodeFailed    = "node.failed"
	EventTypeRunProgress   = "run.progress"
	EventTypeJobStarted    = "job.started"
	EventTypeJobFinished   = "job.finished"
)

// NodeRef identifies the node an event is about. Fields are plain strings so
// subscribers need not import the scheduler.
type NodeRef struct {
	RunID   string
	ID      string // e.g. "sub-01/bse@eddy"
	Subject string
	Stage   string
	Branch  string // empty for shared nodes
}

// NodeStartedEvent is published when a node's adapter is about to run.
type NodeStartedEvent struct {
	Node      NodeRef
	Tool      string
	Timestamp time.Time
}

func (e NodeStartedEvent) EventType() string { return EventTypeNodeStarted }
func (e NodeStartedEvent) NodeID() string    { return e.Node.ID }

// NodeSkippedEvent is published when every output of a node already exists.
type NodeSkippedEvent struct {
	Node      NodeRef
	Outputs   []string
	Timestamp time.Time
}

func (e NodeSkippedEvent) EventType() string { return EventTypeNodeSkipped }
func (e NodeSkippedEvent) NodeID() string    { return e.Node.ID }

// NodeOutputEvent carries one line printed by a node's external tool.
type NodeOutputEvent struct {
	Node      NodeRef
	Line      string
	Timestamp time.Time
}

func (e NodeOutputEvent) EventType() string { return EventTypeNodeOutput }
func (e NodeOutputEvent) NodeID() string    { return e.Node.ID }

// NodeCompletedEvent is published when a node produced all of its outputs.
type NodeCompletedEvent struct {
	Node      NodeRef
	Outputs   []string
	Duration  time.Duration
	Timestamp time.Time
}

func (e NodeCompletedEvent) EventType() string { return EventTypeNodeCompleted }
func (e NodeCompletedEvent) NodeID() string    { return e.Node.ID }

// NodeFailedEvent is published when a node's adapter failed or left outputs
// missing.
type NodeFailedEvent struct {
	Node      NodeRef
	Err       error
	Missing   []string
	TimedOut  bool
	Duration  time.Duration
	Timestamp time.Time
}

func (e NodeFailedEvent) EventType() string { return EventTypeNodeFailed }
func (e NodeFailedEvent) NodeID() string    { return e.Node.ID }

// RunProgressEvent summarises one engine run after each node transition.
type RunProgressEvent struct {
	RunID     string
	Terminal  string
	Total     int
	Done      int
	Skipped   int
	Running   int
	Failed    int
	Pending   int
	Timestamp time.Time
}

func (e RunProgressEvent) EventType() string { return EventTypeRunProgress }
func (e RunProgressEvent) NodeID() string    { return e.Terminal }

// JobStartedEvent is published by the batch runner before a job provisions
// its subject.
type JobStartedEvent struct {
	RunID     string
	Subject   string
	Branch    string
	Timestamp time.Time
}

func (e JobStartedEvent) EventType() string { return EventTypeJobStarted }
func (e JobStartedEvent) NodeID() string    { return "" }

// JobFinishedEvent is published by the batch runner when one
// (subject, branch) job ends.
type JobFinishedEvent struct {
	RunID     string
	Subject   string
	Branch    string
	Terminal  string
	Err       error
	Duration  time.Duration
	Timestamp time.Time
}

func (e JobFinishedEvent) EventType() string { return EventTypeJobFinished }
func (e JobFinishedEvent) NodeID() string    { return e.Terminal }
