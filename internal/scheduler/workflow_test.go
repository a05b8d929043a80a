package scheduler

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/dwiflow/internal/backend"
)

func TestDefaultDefinition_Validates(t *testing.T) {
	def := DefaultDefinition()
	require.NoError(t, def.Validate())
	assert.Equal(t, []string{"eddy", "epi"}, def.BranchNames())

	order, err := def.StageOrder()
	require.NoError(t, err)
	pos := make(map[string]int)
	for i, s := range order {
		pos[s] = i
	}
	assert.Less(t, pos[StageAlign], pos[StageEddy])
	assert.Less(t, pos[StageEddy], pos[StageBSE])
	assert.Less(t, pos[StageBetMask], pos[StageUKF])
}

// TestInstantiate_SharedPrefix builds both built-in branches into one graph
// and checks align and eddy are shared while downstream stages diverge.
func TestInstantiate_SharedPrefix(t *testing.T) {
	def := DefaultDefinition()
	rc, err := NewRunContext("/d", "003GNX007", nil, nil)
	require.NoError(t, err)

	g := NewGraph()
	eddyTerm, err := def.Build(g, rc, nil, "", "eddy")
	require.NoError(t, err)
	epiTerm, err := def.Build(g, rc, nil, "", "epi")
	require.NoError(t, err)

	assert.Equal(t, NodeID{Stage: StageUKF, Subject: "003GNX007", Branch: "eddy"}, eddyTerm)
	assert.Equal(t, NodeID{Stage: StageUKF, Subject: "003GNX007", Branch: "epi"}, epiTerm)
	// align, eddy shared; bse, betmask, ukf per branch; epi only in epi.
	assert.Equal(t, 9, g.Len())

	eddyOrder, err := Resolve(g, eddyTerm)
	require.NoError(t, err)
	epiOrder, err := Resolve(g, epiTerm)
	require.NoError(t, err)
	assert.Equal(t, eddyOrder[0].ID, epiOrder[0].ID)
	assert.Equal(t, "", eddyOrder[0].ID.Branch)

	bse, ok := g.Get(NodeID{Stage: StageBSE, Subject: "003GNX007", Branch: "epi"})
	require.True(t, ok)
	assert.Equal(t, []NodeID{{Stage: StageEpi, Subject: "003GNX007", Branch: "epi"}}, bse.Requires)
	assert.Equal(t, filepath.FromSlash("/d/sub-003GNX007/dwi/sub-003GNX007_desc-dwiXcEdEp_bse.nii.gz"), bse.Outputs[backend.SlotBSE])

	epi, ok := g.Get(NodeID{Stage: StageEpi, Subject: "003GNX007", Branch: "epi"})
	require.True(t, ok)
	assert.Equal(t, []NodeID{{Stage: StageEddy, Subject: "003GNX007"}}, epi.Requires, "epi is not substituted for itself")
	assert.Equal(t, filepath.FromSlash("/d/sub-003GNX007/dwi/sub-003GNX007_desc-XcEdEp_dwi.bvec"), epi.Outputs[backend.SlotBvec])

	ukf, ok := g.Get(eddyTerm)
	require.True(t, ok)
	assert.Equal(t, filepath.FromSlash("/d/sub-003GNX007/tracts/sub-003GNX007_desc-XcEd.vtk"), ukf.Outputs[backend.SlotTracts])
	assert.Equal(t, []NodeID{
		{Stage: StageEddy, Subject: "003GNX007"},
		{Stage: StageBetMask, Subject: "003GNX007", Branch: "eddy"},
	}, ukf.Requires)

	mask, _ := g.Get(NodeID{Stage: StageBetMask, Subject: "003GNX007", Branch: "eddy"})
	assert.Equal(t, filepath.FromSlash("/d/sub-003GNX007/dwi/sub-003GNX007_desc-XcEdBseBet_mask.nii.gz"), mask.Outputs[backend.SlotMask])
}

func TestInstantiate_Deterministic(t *testing.T) {
	def := DefaultDefinition()
	rc, err := NewRunContext("/d", "01", nil, nil)
	require.NoError(t, err)

	g1, t1, err := def.Instantiate(rc, nil, "", "epi")
	require.NoError(t, err)
	g2, t2, err := def.Instantiate(rc, nil, "", "epi")
	require.NoError(t, err)

	assert.Equal(t, t1, t2)
	assert.Equal(t, g1.Nodes(), g2.Nodes())
}

func TestInstantiate_TargetStage(t *testing.T) {
	def := DefaultDefinition()
	rc, err := NewRunContext("/d", "01", nil, nil)
	require.NoError(t, err)

	g, term, err := def.Instantiate(rc, nil, StageBSE, "eddy")
	require.NoError(t, err)
	assert.Equal(t, NodeID{Stage: StageBSE, Subject: "01", Branch: "eddy"}, term)
	assert.Equal(t, 3, g.Len())

	_, _, err = def.Instantiate(rc, nil, StageEpi, "eddy")
	var cfgErr *ConfigurationError
	assert.True(t, errors.As(err, &cfgErr), "epi is not part of the eddy branch")

	_, _, err = def.Instantiate(rc, nil, "", "nosuch")
	assert.True(t, errors.As(err, &cfgErr))
}

func TestInstantiate_InvalidSubject(t *testing.T) {
	def := DefaultDefinition()
	rc := &RunContext{Root: "/d", Subject: "../etc"}
	_, _, err := def.Instantiate(rc, nil, "", "eddy")
	var cfgErr *ConfigurationError
	assert.True(t, errors.As(err, &cfgErr))
}

func TestResolveParams_Precedence(t *testing.T) {
	def := twoBranchDefinition()
	def.Branches[1].Overrides = map[string]backend.Params{"fit": {"level": "3"}}
	require.NoError(t, def.Validate())
	rc, err := NewRunContext("/d", "01", nil, nil)
	require.NoError(t, err)

	g := NewGraph()
	_, err = def.Build(g, rc, nil, "", "one")
	require.NoError(t, err)
	_, err = def.Build(g, rc, StageParams{"fit": {"level": "2"}}, "", "two")
	require.NoError(t, err)

	one, _ := g.Get(NodeID{Stage: "fit", Subject: "01", Branch: "one"})
	two, _ := g.Get(NodeID{Stage: "fit", Subject: "01", Branch: "two"})
	assert.Equal(t, "1", one.Params["level"], "default")
	assert.Equal(t, "3", two.Params["level"], "override beats run-level value")

	g3, term, err := def.Instantiate(rc, StageParams{"fit": {"level": "2"}}, "", "one")
	require.NoError(t, err)
	n, _ := g3.Get(term)
	assert.Equal(t, "2", n.Params["level"], "run-level beats default")
}

func TestResolveParams_MissingRequired(t *testing.T) {
	def := twoBranchDefinition()
	def.Templates[1].Params = []ParamSpec{{Key: "model", Required: true}}
	rc, err := NewRunContext("/d", "01", nil, nil)
	require.NoError(t, err)

	_, _, err = def.Instantiate(rc, nil, "", "one")
	var cfgErr *ConfigurationError
	require.True(t, errors.As(err, &cfgErr))
	assert.Contains(t, err.Error(), "model")

	_, _, err = def.Instantiate(rc, StageParams{"fit": {"model": "tensor"}}, "", "one")
	assert.NoError(t, err)
}

func TestDefinitionValidate_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(d *Definition)
		cycle  bool
		want   string
	}{
		{"duplicate stage", func(d *Definition) { d.Templates = append(d.Templates, d.Templates[0]) }, false, "declared twice"},
		{"dangling upstream", func(d *Definition) { d.Templates[1].Requires[0].Stage = "ghost" }, false, "undefined stage"},
		{"undeclared slot", func(d *Definition) { d.Templates[1].Requires[0].Bind[0].Slot = backend.SlotMask }, false, "undeclared slot"},
		{"unknown raw key", func(d *Definition) { d.Templates[0].Raw[0].Key = "t1" }, false, "raw input key"},
		{"duplicate lineage", func(d *Definition) { d.Branches[1].Lineage = "One" }, false, "lineage"},
		{"duplicate branch", func(d *Definition) { d.Branches[1].Name = "one" }, false, "declared twice"},
		{"override on shared stage", func(d *Definition) {
			d.Templates[0].Params = []ParamSpec{{Key: "level"}}
			d.Branches[0].Overrides = map[string]backend.Params{"prep": {"level": "2"}}
		}, false, "shared stage"},
		{"shared desc uses lineage", func(d *Definition) { d.Branches[0].Diverges = []string{"prep"} }, false, "lineage"},
		{"shared depends on diverged", func(d *Definition) {
			d.Templates[1].Desc = "Fit"
			d.Branches[0].Diverges = []string{"prep"}
		}, false, "depends on diverged"},
		{"desc collision", func(d *Definition) {
			d.Templates[1].Category = "dwi"
			d.Templates[1].Desc = "Pre"
			d.Templates[1].Suffix = "dwi"
			d.Templates[1].Outputs[0].Ext = ".bval"
			d.Branches = d.Branches[:1]
			d.Branches[0].Diverges = nil
		}, false, "both write"},
		{"template cycle", func(d *Definition) {
			d.Templates[0].Requires = []Upstream{{Stage: "fit"}}
		}, true, ""},
		{"substitution cycle", func(d *Definition) {
			d.Templates = append(d.Templates, Template{
				Stage: "alt", Tool: "tool", Category: "dwi", Desc: "Alt", Suffix: "dwi",
				Outputs:  []OutputSpec{{Slot: backend.SlotDWI, Ext: ".nii.gz"}, {Slot: backend.SlotBval, Ext: ".bval"}},
				Requires: []Upstream{{Stage: "fit"}},
			})
			d.Branches[1].Diverges = []string{"fit", "alt"}
			d.Branches[1].Substitute = map[string]string{"prep": "alt"}
		}, true, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := twoBranchDefinition()
			require.NoError(t, def.Validate())
			tt.mutate(def)

			err := def.Validate()
			require.Error(t, err)
			if tt.cycle {
				var cycleErr *CyclicDependencyError
				require.True(t, errors.As(err, &cycleErr), "got %v", err)
				assert.NotEmpty(t, cycleErr.Cycle)
				return
			}
			var cfgErr *ConfigurationError
			require.True(t, errors.As(err, &cfgErr), "got %v", err)
			assert.True(t, strings.Contains(err.Error(), tt.want), "%q should mention %q", err.Error(), tt.want)
		})
	}
}

func TestDefinitionValidate_ExtraBranch(t *testing.T) {
	def := DefaultDefinition(Branch{
		Name:      "eddyfine",
		Lineage:   "XcEdFine",
		Terminal:  StageUKF,
		Diverges:  []string{StageBSE, StageBetMask, StageUKF},
		Overrides: map[string]backend.Params{StageBetMask: {"threshold": "0.25"}},
	})
	require.NoError(t, def.Validate())

	rc, err := NewRunContext("/d", "01", nil, nil)
	require.NoError(t, err)
	g, _, err := def.Instantiate(rc, nil, StageBetMask, "eddyfine")
	require.NoError(t, err)
	n, _ := g.Get(NodeID{Stage: StageBetMask, Subject: "01", Branch: "eddyfine"})
	assert.Equal(t, "0.25", n.Params["threshold"])
}
