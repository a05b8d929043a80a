package scheduler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aristath/dwiflow/internal/backend"
)

// fakeTools is an in-process stand-in for every external tool. It checks
// that each input exists, then writes the declared outputs.
type fakeTools struct {
	mu      sync.Mutex
	calls   []string         // node ids in invocation order
	fail    map[string]error // stage -> error returned, before writing unless partial
	partial map[string]bool  // stage -> write only the first output
	block   map[string]bool  // stage -> wait for ctx to end
	inputs  map[string]map[string]string
}

func newFakeTools() *fakeTools {
	return &fakeTools{
		fail:    make(map[string]error),
		partial: make(map[string]bool),
		block:   make(map[string]bool),
		inputs:  make(map[string]map[string]string),
	}
}

func (f *fakeTools) adapter() backend.Func {
	return func(ctx context.Context, inv backend.Invocation) error {
		f.mu.Lock()
		f.calls = append(f.calls, inv.NodeID)
		f.inputs[inv.NodeID] = inv.Inputs
		err := f.fail[inv.Stage]
		partial := f.partial[inv.Stage]
		block := f.block[inv.Stage]
		f.mu.Unlock()

		for name, p := range inv.Inputs {
			if _, statErr := os.Stat(p); statErr != nil {
				return fmt.Errorf("input %s not ready: %w", name, statErr)
			}
		}
		if block {
			<-ctx.Done()
			return ctx.Err()
		}
		// A partial stage with an error writes its first output, then fails.
		if err != nil && !partial {
			return err
		}
		if inv.OnOutput != nil {
			inv.OnOutput("processing " + inv.NodeID)
		}
		for i, slot := range inv.SortedSlots() {
			if partial && i > 0 {
				break
			}
			p := inv.Outputs[slot]
			if mkErr := os.MkdirAll(filepath.Dir(p), 0755); mkErr != nil {
				return mkErr
			}
			if wErr := os.WriteFile(p, []byte(inv.NodeID), 0644); wErr != nil {
				return wErr
			}
		}
		return err
	}
}

func (f *fakeTools) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeTools) count(nodeID string) int {
	n := 0
	for _, c := range f.Calls() {
		if c == nodeID {
			n++
		}
	}
	return n
}

func (f *fakeTools) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
}

// mapInputs resolves raw keys from a fixed table.
type mapInputs map[string]string

func (m mapInputs) Resolve(subject, key string) (string, error) {
	p, ok := m[key]
	if !ok {
		return "", &InputNotFoundError{Subject: subject, Key: key, Pattern: key}
	}
	return p, nil
}

func touch(t testing.TB, paths ...string) {
	t.Helper()
	for _, p := range paths {
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
		require.NoError(t, os.WriteFile(p, []byte("x"), 0644))
	}
}

// twoBranchDefinition is a shared "prep" stage A feeding a per-branch "fit"
// stage B under branches one and two.
func twoBranchDefinition() *Definition {
	return &Definition{
		Templates: []Template{
			{
				Stage: "prep", Tool: "tool", Category: "dwi", Desc: "Pre", Suffix: "dwi",
				Outputs: []OutputSpec{{Slot: backend.SlotDWI, Ext: ".nii.gz"}, {Slot: backend.SlotBval, Ext: ".bval"}},
				Raw:     []RawInput{{As: "src", Key: "src"}},
			},
			{
				Stage: "fit", Tool: "tool", Category: "tracts", Desc: LineagePlaceholder,
				Outputs:  []OutputSpec{{Slot: backend.SlotTracts, Ext: ".vtk"}},
				Requires: []Upstream{{Stage: "prep", Bind: []Binding{{As: "dwi", Slot: backend.SlotDWI}}}},
				Params:   []ParamSpec{{Key: "level", Default: "1"}},
			},
		},
		Branches: []Branch{
			{Name: "one", Lineage: "One", Terminal: "fit", Diverges: []string{"fit"}},
			{Name: "two", Lineage: "Two", Terminal: "fit", Diverges: []string{"fit"}},
		},
		RawKeys: []string{"src"},
	}
}

// newTestRun returns a run context rooted in a temp dir with a raw "src"
// input present.
func newTestRun(t *testing.T, subject string) *RunContext {
	t.Helper()
	dir := t.TempDir()
	src := filepath.Join(dir, "bids", "src.nii.gz")
	touch(t, src)

	rc, err := NewRunContext(filepath.Join(dir, "derivatives"), subject,
		NewLockRegistry(LockOptions{Root: filepath.Join(dir, "derivatives")}), mapInputs{"src": src})
	require.NoError(t, err)
	return rc
}

// defaultInputs creates the raw files the built-in pipeline reads.
func defaultInputs(t *testing.T, dir string) mapInputs {
	t.Helper()
	in := mapInputs{
		RawDWI:  filepath.Join(dir, "raw_dwi.nii.gz"),
		RawBval: filepath.Join(dir, "raw_dwi.bval"),
		RawBvec: filepath.Join(dir, "raw_dwi.bvec"),
		RawT2:   filepath.Join(dir, "raw_T2w.nii.gz"),
	}
	for _, p := range in {
		touch(t, p)
	}
	return in
}

func engineWith(f *fakeTools, tools []string, opts ...EngineOption) *Engine {
	e := NewEngine(opts...)
	for _, tool := range tools {
		e.RegisterAdapter(tool, f.adapter())
	}
	return e
}

var defaultTools = []string{StageAlign, StageEddy, StageEpi, StageBSE, StageBetMask, StageUKF}
