package scheduler

import (
	"fmt"
	"sync"
)

// Graph holds instantiated nodes keyed by id, remembering insertion order.
type Graph struct {
	mu    sync.RWMutex
	nodes map[NodeID]*Node
	order []NodeID
}

// NewGraph creates an empty graph.
func NewGraph() *Graph {
	return &Graph{nodes: make(map[NodeID]*Node)}
}

// Add inserts a node. Returns error if the id already exists.
func (g *Graph) Add(n *Node) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.nodes[n.ID]; exists {
		return fmt.Errorf("node %s already exists", n.ID)
	}
	g.nodes[n.ID] = n
	g.order = append(g.order, n.ID)
	return nil
}

// Has reports whether id is present.
func (g *Graph) Has(id NodeID) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.nodes[id]
	return ok
}

// Get returns a copy of the node with the given id.
func (g *Graph) Get(id NodeID) (*Node, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	n, ok := g.nodes[id]
	if !ok {
		return nil, false
	}
	return cloneNode(n), true
}

// Nodes returns copies of all nodes in insertion order.
func (g *Graph) Nodes() []*Node {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]*Node, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, cloneNode(g.nodes[id]))
	}
	return out
}

// Len returns the number of nodes.
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

// Resolve returns the transitive closure of terminal's requirements in
// topological order, terminal last. Each node appears once even when several
// paths reach it. Requires are visited in declaration order so the result is
// deterministic for a given graph.
func Resolve(g *Graph, terminal NodeID) ([]*Node, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if _, ok := g.nodes[terminal]; !ok {
		return nil, configErrorf("terminal", "node %s is not defined", terminal)
	}

	const (
		white = iota
		gray
		black
	)
	color := make(map[NodeID]int, len(g.nodes))
	var (
		stack []NodeID
		order []*Node
	)

	var visit func(id NodeID) error
	visit = func(id NodeID) error {
		switch color[id] {
		case black:
			return nil
		case gray:
			return &CyclicDependencyError{Cycle: cyclePath(stack, id)}
		}

		n, ok := g.nodes[id]
		if !ok {
			from := "terminal"
			if len(stack) > 0 {
				from = stack[len(stack)-1].String()
			}
			return configErrorf("requires", "%s requires undefined node %s", from, id)
		}

		color[id] = gray
		stack = append(stack, id)
		for _, dep := range n.Requires {
			if err := visit(dep); err != nil {
				return err
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		order = append(order, cloneNode(n))
		return nil
	}

	if err := visit(terminal); err != nil {
		return nil, err
	}
	return order, nil
}

// cyclePath extracts the cycle closed by a back edge to id from the DFS stack.
func cyclePath(stack []NodeID, id NodeID) []string {
	start := 0
	for i, s := range stack {
		if s == id {
			start = i
			break
		}
	}
	path := make([]string, 0, len(stack)-start+1)
	for _, s := range stack[start:] {
		path = append(path, s.String())
	}
	return append(path, id.String())
}
