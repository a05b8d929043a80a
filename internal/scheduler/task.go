package scheduler

import (
	"os"
	"sort"

	"github.com/aristath/dwiflow/internal/backend"
)

// NodeStatus is the per-run state of a node. It is derived from the
// filesystem each run and never persisted.
type NodeStatus int

const (
	NodePending   NodeStatus = iota // Not yet examined
	NodeSatisfied                   // Outputs already existed, skipped
	NodeRunning                     // Adapter invoked
	NodeDone                        // Adapter finished and every output exists
	NodeFailed                      // Adapter failed or outputs are missing
)

func (s NodeStatus) String() string {
	switch s {
	case NodePending:
		return "pending"
	case NodeSatisfied:
		return "satisfied"
	case NodeRunning:
		return "running"
	case NodeDone:
		return "done"
	case NodeFailed:
		return "failed"
	}
	return "unknown"
}

// Complete reports whether downstream nodes may consume this node's outputs.
func (s NodeStatus) Complete() bool {
	return s == NodeSatisfied || s == NodeDone
}

// NodeID identifies one stage instance for one subject. Branch is empty for
// nodes shared by every branch.
type NodeID struct {
	Stage   string
	Subject string
	Branch  string
}

func (id NodeID) String() string {
	s := SubjectDir(id.Subject) + "/" + id.Stage
	if id.Branch != "" {
		s += "@" + id.Branch
	}
	return s
}

// InputRef binds one logical input of a node either to an upstream node's
// output slot or to a raw input key resolved at run time.
type InputRef struct {
	Name string
	From NodeID
	Slot backend.Slot
	Raw  string
}

// IsRaw reports whether the input comes from raw input resolution.
func (r InputRef) IsRaw() bool {
	return r.Raw != ""
}

// Node is a stage instance: its identity, the upstream nodes it requires and
// the output paths it must produce.
type Node struct {
	ID       NodeID
	Tool     string // adapter key
	Requires []NodeID
	Inputs   []InputRef
	Outputs  map[backend.Slot]string
	Params   backend.Params
}

// OutputPaths returns the node's output paths in slot order.
func (n *Node) OutputPaths() []string {
	slots := make([]backend.Slot, 0, len(n.Outputs))
	for s := range n.Outputs {
		slots = append(slots, s)
	}
	sort.Slice(slots, func(i, j int) bool { return slots[i] < slots[j] })

	paths := make([]string, 0, len(slots))
	for _, s := range slots {
		paths = append(paths, n.Outputs[s])
	}
	return paths
}

// MissingOutputs returns the output paths that do not exist right now.
func (n *Node) MissingOutputs() []string {
	var missing []string
	for _, p := range n.OutputPaths() {
		if _, err := os.Stat(p); err != nil {
			missing = append(missing, p)
		}
	}
	return missing
}

// Complete reports whether every output exists. Existence is the only
// completion signal.
func (n *Node) Complete() bool {
	return len(n.Outputs) > 0 && len(n.MissingOutputs()) == 0
}

func cloneNode(n *Node) *Node {
	if n == nil {
		return nil
	}
	cp := *n
	cp.Requires = append([]NodeID(nil), n.Requires...)
	cp.Inputs = append([]InputRef(nil), n.Inputs...)
	cp.Outputs = make(map[backend.Slot]string, len(n.Outputs))
	for k, v := range n.Outputs {
		cp.Outputs[k] = v
	}
	cp.Params = n.Params.Clone()
	return &cp
}
