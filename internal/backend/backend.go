package backend

import (
	"context"
	"fmt"
	"sort"
)

// Slot names one of a stage's enumerated outputs.
type Slot string

// Output slots produced by the built-in stages.
const (
	SlotDWI    Slot = "dwi"
	SlotBval   Slot = "bval"
	SlotBvec   Slot = "bvec"
	SlotBSE    Slot = "bse"
	SlotMask   Slot = "mask"
	SlotTracts Slot = "tracts"
)

// Params is the opaque parameter set handed to an adapter.
type Params map[string]string

// Clone returns an independent copy.
func (p Params) Clone() Params {
	if p == nil {
		return nil
	}
	cp := make(Params, len(p))
	for k, v := range p {
		cp[k] = v
	}
	return cp
}

// Invocation carries everything one adapter call needs.
type Invocation struct {
	NodeID  string // for diagnostics only
	Stage   string
	Subject string
	Inputs  map[string]string // logical input name -> path
	Outputs map[Slot]string   // declared output slot -> final path
	Params  Params
	// OnOutput, when set, receives each line the collaborator prints.
	OnOutput func(line string)
}

// SortedSlots returns the invocation's output slots in lexical order.
func (inv Invocation) SortedSlots() []Slot {
	slots := make([]Slot, 0, len(inv.Outputs))
	for s := range inv.Outputs {
		slots = append(slots, s)
	}
	sort.Slice(slots, func(i, j int) bool { return slots[i] < slots[j] })
	return slots
}

// Adapter is the uniform wrapper around an external processing collaborator.
// Invoke is only called while at least one declared output is missing, and
// must not leave a subset of outputs published on failure.
type Adapter interface {
	Invoke(ctx context.Context, inv Invocation) error
}

// Func adapts an ordinary function to the Adapter interface.
type Func func(ctx context.Context, inv Invocation) error

// Invoke calls f.
func (f Func) Invoke(ctx context.Context, inv Invocation) error {
	return f(ctx, inv)
}

// Input returns the named input path or an error naming the stage.
func (inv Invocation) Input(name string) (string, error) {
	p, ok := inv.Inputs[name]
	if !ok || p == "" {
		return "", fmt.Errorf("stage %s: missing input %q", inv.Stage, name)
	}
	return p, nil
}
