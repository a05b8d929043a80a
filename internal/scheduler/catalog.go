package scheduler

import "github.com/aristath/dwiflow/internal/backend"

// Built-in stage names.
const (
	StageAlign   = "align"
	StageEddy    = "eddy"
	StageEpi     = "epi"
	StageBSE     = "bse"
	StageBetMask = "betmask"
	StageUKF     = "ukf"
)

// Raw input keys used by the built-in stages.
const (
	RawDWI  = "dwi"
	RawBval = "bval"
	RawBvec = "bvec"
	RawT2   = "t2"
)

var dwiOutputs = []OutputSpec{
	{Slot: backend.SlotDWI, Ext: ".nii.gz"},
	{Slot: backend.SlotBval, Ext: ".bval"},
	{Slot: backend.SlotBvec, Ext: ".bvec"},
}

func dwiBindings() []Binding {
	return []Binding{
		{As: "dwi", Slot: backend.SlotDWI},
		{As: "bval", Slot: backend.SlotBval},
		{As: "bvec", Slot: backend.SlotBvec},
	}
}

// DefaultTemplates returns the diffusion pipeline stages:
//
//	align -> eddy -> [epi] -> bse -> betmask -> ukf
//
// ukf also consumes the corrected dwi directly.
func DefaultTemplates() []Template {
	return []Template{
		{
			Stage: StageAlign, Tool: StageAlign,
			Category: "dwi", Desc: "Xc", Suffix: "dwi",
			Outputs: dwiOutputs,
			Raw: []RawInput{
				{As: "dwi", Key: RawDWI},
				{As: "bval", Key: RawBval},
				{As: "bvec", Key: RawBvec},
			},
		},
		{
			Stage: StageEddy, Tool: StageEddy,
			Category: "dwi", Desc: "XcEd", Suffix: "dwi",
			Outputs:  dwiOutputs,
			Requires: []Upstream{{Stage: StageAlign, Bind: dwiBindings()}},
			Params:   []ParamSpec{{Key: "nproc"}},
		},
		{
			Stage: StageEpi, Tool: StageEpi,
			Category: "dwi", Desc: "XcEdEp", Suffix: "dwi",
			Outputs:  dwiOutputs,
			Requires: []Upstream{{Stage: StageEddy, Bind: dwiBindings()}},
			Raw:      []RawInput{{As: "t2", Key: RawT2}},
			Params:   []ParamSpec{{Key: "nproc"}},
		},
		{
			Stage: StageBSE, Tool: StageBSE,
			Category: "dwi", Desc: "dwi" + LineagePlaceholder, Suffix: "bse",
			Outputs: []OutputSpec{{Slot: backend.SlotBSE, Ext: ".nii.gz"}},
			Requires: []Upstream{{Stage: StageEddy, Bind: []Binding{
				{As: "dwi", Slot: backend.SlotDWI},
				{As: "bval", Slot: backend.SlotBval},
			}}},
			Params: []ParamSpec{
				{Key: "threshold", Default: "45"},
				{Key: "mode", Default: "first"},
			},
		},
		{
			Stage: StageBetMask, Tool: StageBetMask,
			Category: "dwi", Desc: LineagePlaceholder + "BseBet",
			Outputs:  []OutputSpec{{Slot: backend.SlotMask, Ext: "_mask.nii.gz"}},
			Requires: []Upstream{{Stage: StageBSE, Bind: []Binding{{As: "image", Slot: backend.SlotBSE}}}},
			Params:   []ParamSpec{{Key: "threshold"}},
		},
		{
			Stage: StageUKF, Tool: StageUKF,
			Category: "tracts", Desc: LineagePlaceholder,
			Outputs: []OutputSpec{{Slot: backend.SlotTracts, Ext: ".vtk"}},
			Requires: []Upstream{
				{Stage: StageEddy, Bind: dwiBindings()},
				{Stage: StageBetMask, Bind: []Binding{{As: "mask", Slot: backend.SlotMask}}},
			},
			Params: []ParamSpec{{Key: "params"}},
		},
	}
}

// DefaultBranches returns the eddy-only and eddy+EPI branches. Both share
// align and eddy; the epi branch feeds every downstream stage from epi.
func DefaultBranches() []Branch {
	return []Branch{
		{
			Name:     "eddy",
			Lineage:  "XcEd",
			Terminal: StageUKF,
			Diverges: []string{StageBSE, StageBetMask, StageUKF},
		},
		{
			Name:       "epi",
			Lineage:    "XcEdEp",
			Terminal:   StageUKF,
			Diverges:   []string{StageEpi, StageBSE, StageBetMask, StageUKF},
			Substitute: map[string]string{StageEddy: StageEpi},
		},
	}
}

// DefaultDefinition returns the built-in pipeline with any extra branches
// appended after the defaults.
func DefaultDefinition(extra ...Branch) *Definition {
	return &Definition{
		Templates: DefaultTemplates(),
		Branches:  append(DefaultBranches(), extra...),
		RawKeys:   []string{RawDWI, RawBval, RawBvec, RawT2},
	}
}
