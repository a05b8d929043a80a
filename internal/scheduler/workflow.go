package scheduler

import (
	"fmt"
	"strings"

	"github.com/gammazero/toposort"

	"github.com/aristath/dwiflow/internal/backend"
)

// LineagePlaceholder in a template's Desc is replaced by the branch lineage.
const LineagePlaceholder = "{lineage}"

// OutputSpec declares one output slot and the extension appended to the
// node's path prefix to name it.
type OutputSpec struct {
	Slot backend.Slot
	Ext  string
}

// Binding maps an upstream output slot to a logical input name.
type Binding struct {
	As   string
	Slot backend.Slot
}

// Upstream declares a required stage and which of its outputs are consumed.
type Upstream struct {
	Stage string
	Bind  []Binding
}

// RawInput maps a raw input key (resolved from the source dataset) to a
// logical input name.
type RawInput struct {
	As  string
	Key string
}

// ParamSpec declares a parameter a stage consumes.
type ParamSpec struct {
	Key      string
	Required bool
	Default  string
}

// Template describes a stage independent of any subject.
type Template struct {
	Stage    string
	Tool     string // adapter key
	Category string
	Desc     string // may contain LineagePlaceholder
	Suffix   string
	Outputs  []OutputSpec
	Requires []Upstream
	Raw      []RawInput
	Params   []ParamSpec
}

func (t *Template) declares(slot backend.Slot) bool {
	for _, o := range t.Outputs {
		if o.Slot == slot {
			return true
		}
	}
	return false
}

func (t *Template) param(key string) (ParamSpec, bool) {
	for _, p := range t.Params {
		if p.Key == key {
			return p, true
		}
	}
	return ParamSpec{}, false
}

// Branch is one variant of the pipeline. Stages listed in Diverges get a
// branch-qualified identity; every other stage is shared with the other
// branches. Substitute swaps a required stage for another one, but only in
// the requirements of diverged stages and never for the substituting stage
// itself.
type Branch struct {
	Name       string
	Lineage    string // replaces LineagePlaceholder in diverged stages' Desc
	Terminal   string // default terminal stage
	Diverges   []string
	Substitute map[string]string
	Overrides  map[string]backend.Params // stage -> params, diverged stages only
}

func (b *Branch) diverges(stage string) bool {
	for _, s := range b.Diverges {
		if s == stage {
			return true
		}
	}
	return false
}

// upstreamFor returns the stage that satisfies a requirement of stage.
func (b *Branch) upstreamFor(stage, required string) string {
	if !b.diverges(stage) {
		return required
	}
	if sub, ok := b.Substitute[required]; ok && sub != stage {
		return sub
	}
	return required
}

// StageParams holds run-level parameter values keyed by stage then key.
type StageParams map[string]backend.Params

// Definition is an ordered set of stage templates plus the branches that
// select among them.
type Definition struct {
	Templates []Template
	Branches  []Branch
	// RawKeys lists the raw input keys the input source can resolve. When
	// nil, raw keys are not checked.
	RawKeys []string
}

// Template returns the template for stage.
func (d *Definition) Template(stage string) (*Template, bool) {
	for i := range d.Templates {
		if d.Templates[i].Stage == stage {
			return &d.Templates[i], true
		}
	}
	return nil, false
}

// Branch returns the branch named name.
func (d *Definition) Branch(name string) (*Branch, bool) {
	for i := range d.Branches {
		if d.Branches[i].Name == name {
			return &d.Branches[i], true
		}
	}
	return nil, false
}

// BranchNames returns branch names in declaration order.
func (d *Definition) BranchNames() []string {
	names := make([]string, 0, len(d.Branches))
	for _, b := range d.Branches {
		names = append(names, b.Name)
	}
	return names
}

// Validate checks the definition before any node is instantiated.
func (d *Definition) Validate() error {
	if len(d.Templates) == 0 {
		return configErrorf("templates", "definition has no stages")
	}
	if len(d.Branches) == 0 {
		return configErrorf("branches", "definition has no branches")
	}

	var rawKeys map[string]bool
	if d.RawKeys != nil {
		rawKeys = make(map[string]bool, len(d.RawKeys))
		for _, k := range d.RawKeys {
			rawKeys[k] = true
		}
	}

	seen := make(map[string]bool, len(d.Templates))
	for i := range d.Templates {
		t := &d.Templates[i]
		if !isLabel(t.Stage, false) {
			return configErrorf("stage", "%q must be non-empty and alphanumeric", t.Stage)
		}
		if seen[t.Stage] {
			return configErrorf("stage", "%q is declared twice", t.Stage)
		}
		seen[t.Stage] = true
		if err := d.validateTemplate(t, rawKeys); err != nil {
			return err
		}
	}

	if _, err := d.StageOrder(); err != nil {
		return err
	}

	names := make(map[string]bool, len(d.Branches))
	lineages := make(map[string]string, len(d.Branches))
	files := make(map[string]string)
	for i := range d.Branches {
		b := &d.Branches[i]
		if !isLabel(b.Name, false) {
			return configErrorf("branch", "name %q must be non-empty and alphanumeric", b.Name)
		}
		if names[b.Name] {
			return configErrorf("branch", "%q is declared twice", b.Name)
		}
		names[b.Name] = true
		if !isLabel(b.Lineage, false) {
			return configErrorf("branch "+b.Name, "lineage %q must be non-empty and alphanumeric", b.Lineage)
		}
		if other, dup := lineages[b.Lineage]; dup {
			return configErrorf("branch "+b.Name, "lineage %q already used by branch %s", b.Lineage, other)
		}
		lineages[b.Lineage] = b.Name

		if err := d.validateBranch(b); err != nil {
			return err
		}
		if err := d.checkCollisions(b, files); err != nil {
			return err
		}
	}
	return nil
}

func (d *Definition) validateTemplate(t *Template, rawKeys map[string]bool) error {
	field := "stage " + t.Stage
	if t.Tool == "" {
		return configErrorf(field, "no tool configured")
	}
	if len(t.Outputs) == 0 {
		return configErrorf(field, "declares no outputs")
	}
	if err := (StageTag{Category: t.Category, Desc: expandLineage(t.Desc, "L"), Suffix: t.Suffix}).Validate(); err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}

	slots := make(map[backend.Slot]bool, len(t.Outputs))
	exts := make(map[string]bool, len(t.Outputs))
	for _, o := range t.Outputs {
		if o.Slot == "" || o.Ext == "" {
			return configErrorf(field, "output needs both a slot and an extension")
		}
		if slots[o.Slot] {
			return configErrorf(field, "output slot %q declared twice", o.Slot)
		}
		if exts[o.Ext] {
			return configErrorf(field, "output extension %q declared twice", o.Ext)
		}
		slots[o.Slot] = true
		exts[o.Ext] = true
	}

	inputs := make(map[string]bool)
	for _, up := range t.Requires {
		if up.Stage == t.Stage {
			return &CyclicDependencyError{Cycle: []string{t.Stage, t.Stage}}
		}
		upT, ok := d.Template(up.Stage)
		if !ok {
			return configErrorf(field, "requires undefined stage %q", up.Stage)
		}
		for _, bind := range up.Bind {
			if !upT.declares(bind.Slot) {
				return configErrorf(field, "binds undeclared slot %q of stage %s", bind.Slot, up.Stage)
			}
			if bind.As == "" || inputs[bind.As] {
				return configErrorf(field, "input name %q is empty or bound twice", bind.As)
			}
			inputs[bind.As] = true
		}
	}
	for _, raw := range t.Raw {
		if raw.Key == "" || (rawKeys != nil && !rawKeys[raw.Key]) {
			return configErrorf(field, "unknown raw input key %q", raw.Key)
		}
		if raw.As == "" || inputs[raw.As] {
			return configErrorf(field, "input name %q is empty or bound twice", raw.As)
		}
		inputs[raw.As] = true
	}

	params := make(map[string]bool, len(t.Params))
	for _, p := range t.Params {
		if p.Key == "" || params[p.Key] {
			return configErrorf(field, "parameter %q is empty or declared twice", p.Key)
		}
		params[p.Key] = true
	}
	return nil
}

func (d *Definition) validateBranch(b *Branch) error {
	field := "branch " + b.Name
	if _, ok := d.Template(b.Terminal); !ok {
		return configErrorf(field, "terminal stage %q is not defined", b.Terminal)
	}
	for _, s := range b.Diverges {
		if _, ok := d.Template(s); !ok {
			return configErrorf(field, "diverges at undefined stage %q", s)
		}
	}
	for from, to := range b.Substitute {
		fromT, ok := d.Template(from)
		if !ok {
			return configErrorf(field, "substitutes undefined stage %q", from)
		}
		toT, ok := d.Template(to)
		if !ok {
			return configErrorf(field, "substitutes %s with undefined stage %q", from, to)
		}
		for _, o := range fromT.Outputs {
			if !toT.declares(o.Slot) {
				return configErrorf(field, "substitute %s lacks slot %q of %s", to, o.Slot, from)
			}
		}
	}
	for stage, params := range b.Overrides {
		t, ok := d.Template(stage)
		if !ok {
			return configErrorf(field, "overrides undefined stage %q", stage)
		}
		if !b.diverges(stage) {
			return configErrorf(field, "overrides shared stage %q; only diverged stages can differ per branch", stage)
		}
		for key := range params {
			if _, ok := t.param(key); !ok {
				return configErrorf(field, "overrides undeclared parameter %s.%s", stage, key)
			}
		}
	}

	var edges []toposort.Edge
	for i := range d.Templates {
		t := &d.Templates[i]
		if len(t.Requires) == 0 {
			edges = append(edges, toposort.Edge{nil, t.Stage})
		}
		for _, up := range t.Requires {
			edges = append(edges, toposort.Edge{b.upstreamFor(t.Stage, up.Stage), t.Stage})
		}
	}
	if _, err := toposort.Toposort(edges); err != nil {
		return &CyclicDependencyError{Cycle: d.findStageCycle(b)}
	}

	reach := d.reachable(b)
	for i := range d.Templates {
		t := &d.Templates[i]
		stage := t.Stage
		if !reach[stage] {
			continue
		}
		shared := !b.diverges(stage)
		if shared && strings.Contains(t.Desc, LineagePlaceholder) {
			return configErrorf(field, "stage %s is shared but its desc depends on the lineage", stage)
		}
		for _, up := range t.Requires {
			if target := b.upstreamFor(stage, up.Stage); shared && b.diverges(target) {
				return configErrorf(field, "shared stage %s depends on diverged stage %s", stage, target)
			}
		}
	}
	return nil
}

// reachable returns the stages the branch terminal depends on, itself
// included, after substitution.
func (d *Definition) reachable(b *Branch) map[string]bool {
	seen := make(map[string]bool)
	var walk func(stage string)
	walk = func(stage string) {
		if seen[stage] {
			return
		}
		seen[stage] = true
		t, ok := d.Template(stage)
		if !ok {
			return
		}
		for _, up := range t.Requires {
			walk(b.upstreamFor(stage, up.Stage))
		}
	}
	walk(b.Terminal)
	return seen
}

// checkCollisions records every output file the branch can produce and fails
// when two distinct nodes would write the same file.
func (d *Definition) checkCollisions(b *Branch, files map[string]string) error {
	reach := d.reachable(b)
	for i := range d.Templates {
		t := &d.Templates[i]
		if !reach[t.Stage] {
			continue
		}
		owner := t.Stage
		lineage := ""
		if b.diverges(t.Stage) {
			owner += "@" + b.Name
			lineage = b.Lineage
		}
		prefix := Derive("", "S", StageTag{Category: t.Category, Desc: expandLineage(t.Desc, lineage), Suffix: t.Suffix})
		for _, o := range t.Outputs {
			file := prefix + o.Ext
			if prev, dup := files[file]; dup && prev != owner {
				return configErrorf("branch "+b.Name, "%s and %s both write %s", prev, owner, strings.TrimPrefix(file, "sub-S/"))
			}
			files[file] = owner
		}
	}
	return nil
}

// StageOrder returns the stages of the unsubstituted definition in a
// topological order.
func (d *Definition) StageOrder() ([]string, error) {
	var edges []toposort.Edge
	for _, t := range d.Templates {
		if len(t.Requires) == 0 {
			edges = append(edges, toposort.Edge{nil, t.Stage})
			continue
		}
		for _, up := range t.Requires {
			edges = append(edges, toposort.Edge{up.Stage, t.Stage})
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil, &CyclicDependencyError{Cycle: d.findStageCycle(nil)}
	}

	order := make([]string, 0, len(sorted))
	for _, s := range sorted {
		if s != nil {
			order = append(order, s.(string))
		}
	}
	if len(order) != len(d.Templates) {
		return nil, configErrorf("templates", "stage order lost %d stages", len(d.Templates)-len(order))
	}
	return order, nil
}

// findStageCycle returns one cycle among the stage requirements, applying
// the branch's substitutions when b is non-nil.
func (d *Definition) findStageCycle(b *Branch) []string {
	const (
		white = iota
		gray
		black
	)
	color := make(map[string]int, len(d.Templates))
	var (
		stack []string
		cycle []string
	)

	var dfs func(stage string) bool
	dfs = func(stage string) bool {
		color[stage] = gray
		stack = append(stack, stage)
		t, _ := d.Template(stage)
		if t != nil {
			for _, up := range t.Requires {
				next := up.Stage
				if b != nil {
					next = b.upstreamFor(stage, up.Stage)
				}
				switch color[next] {
				case white:
					if dfs(next) {
						return true
					}
				case gray:
					for i, s := range stack {
						if s == next {
							cycle = append(append([]string(nil), stack[i:]...), next)
							break
						}
					}
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[stage] = black
		return false
	}

	for _, t := range d.Templates {
		if color[t.Stage] == white && dfs(t.Stage) {
			break
		}
	}
	return cycle
}

func expandLineage(desc, lineage string) string {
	return strings.ReplaceAll(desc, LineagePlaceholder, lineage)
}

// Instantiate builds the nodes needed for stage under the named branch for
// rc.Subject into a new graph. An empty stage means the branch terminal.
func (d *Definition) Instantiate(rc *RunContext, params StageParams, stage, branch string) (*Graph, NodeID, error) {
	g := NewGraph()
	id, err := d.Build(g, rc, params, stage, branch)
	if err != nil {
		return nil, NodeID{}, err
	}
	return g, id, nil
}

// Build adds the nodes needed for stage under branch to g and returns the
// terminal id. Nodes already in g are reused, so building several branches
// into one graph shares their common prefix. Build computes paths only and
// never touches the filesystem.
func (d *Definition) Build(g *Graph, rc *RunContext, params StageParams, stage, branch string) (NodeID, error) {
	if err := ValidateSubject(rc.Subject); err != nil {
		return NodeID{}, err
	}
	b, ok := d.Branch(branch)
	if !ok {
		return NodeID{}, configErrorf("branch", "%q is not defined", branch)
	}
	if stage == "" {
		stage = b.Terminal
	}
	if !d.reachable(b)[stage] {
		return NodeID{}, configErrorf("stage", "%q is not part of branch %s", stage, b.Name)
	}

	bld := &builder{
		def:        d,
		graph:      g,
		rc:         rc,
		params:     params,
		branch:     b,
		inProgress: make(map[NodeID]bool),
	}
	return bld.build(stage)
}

type builder struct {
	def        *Definition
	graph      *Graph
	rc         *RunContext
	params     StageParams
	branch     *Branch
	inProgress map[NodeID]bool
	stack      []NodeID
}

func (bld *builder) build(stage string) (NodeID, error) {
	t, ok := bld.def.Template(stage)
	if !ok {
		return NodeID{}, configErrorf("stage", "%q is not defined", stage)
	}

	diverged := bld.branch.diverges(stage)
	id := NodeID{Stage: stage, Subject: bld.rc.Subject}
	lineage := ""
	if diverged {
		id.Branch = bld.branch.Name
		lineage = bld.branch.Lineage
	} else if strings.Contains(t.Desc, LineagePlaceholder) {
		return NodeID{}, configErrorf("stage "+stage, "shared stage desc depends on the lineage")
	}

	if bld.graph.Has(id) {
		return id, nil
	}
	if bld.inProgress[id] {
		cycle := make([]string, 0, len(bld.stack)+1)
		started := false
		for _, s := range bld.stack {
			if s == id {
				started = true
			}
			if started {
				cycle = append(cycle, s.String())
			}
		}
		return NodeID{}, &CyclicDependencyError{Cycle: append(cycle, id.String())}
	}
	bld.inProgress[id] = true
	bld.stack = append(bld.stack, id)
	defer func() {
		delete(bld.inProgress, id)
		bld.stack = bld.stack[:len(bld.stack)-1]
	}()

	tag := StageTag{Category: t.Category, Desc: expandLineage(t.Desc, lineage), Suffix: t.Suffix}
	if err := tag.Validate(); err != nil {
		return NodeID{}, fmt.Errorf("stage %s: %w", stage, err)
	}
	prefix := Derive(bld.rc.Root, bld.rc.Subject, tag)

	node := &Node{
		ID:      id,
		Tool:    t.Tool,
		Outputs: make(map[backend.Slot]string, len(t.Outputs)),
	}
	for _, o := range t.Outputs {
		node.Outputs[o.Slot] = prefix + o.Ext
	}

	params, err := resolveParams(t, bld.branch, diverged, bld.params)
	if err != nil {
		return NodeID{}, err
	}
	node.Params = params

	for _, up := range t.Requires {
		target := bld.branch.upstreamFor(stage, up.Stage)
		upT, ok := bld.def.Template(target)
		if !ok {
			return NodeID{}, configErrorf("stage "+stage, "requires undefined stage %q", target)
		}
		depID, err := bld.build(target)
		if err != nil {
			return NodeID{}, err
		}
		if id.Branch == "" && depID.Branch != "" {
			return NodeID{}, configErrorf("stage "+stage, "shared stage depends on diverged node %s", depID)
		}
		if !containsID(node.Requires, depID) {
			node.Requires = append(node.Requires, depID)
		}
		for _, bind := range up.Bind {
			if !upT.declares(bind.Slot) {
				return NodeID{}, configErrorf("stage "+stage, "binds undeclared slot %q of stage %s", bind.Slot, target)
			}
			node.Inputs = append(node.Inputs, InputRef{Name: bind.As, From: depID, Slot: bind.Slot})
		}
	}
	for _, raw := range t.Raw {
		node.Inputs = append(node.Inputs, InputRef{Name: raw.As, Raw: raw.Key})
	}

	if err := bld.graph.Add(node); err != nil {
		return NodeID{}, err
	}
	return id, nil
}

// resolveParams picks each declared parameter from the branch override, the
// run-level value or the default, in that order.
func resolveParams(t *Template, b *Branch, diverged bool, run StageParams) (backend.Params, error) {
	out := make(backend.Params, len(t.Params))
	for _, spec := range t.Params {
		if diverged {
			if v, ok := b.Overrides[t.Stage][spec.Key]; ok {
				out[spec.Key] = v
				continue
			}
		}
		if v, ok := run[t.Stage][spec.Key]; ok {
			out[spec.Key] = v
			continue
		}
		if spec.Default != "" {
			out[spec.Key] = spec.Default
			continue
		}
		if spec.Required {
			return nil, configErrorf("params", "stage %s requires parameter %q", t.Stage, spec.Key)
		}
	}
	return out, nil
}

func containsID(ids []NodeID, id NodeID) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}
