package config

import (
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/dwiflow/internal/backend"
	"github.com/aristath/dwiflow/internal/scheduler"
)

var toolKinds = map[string]bool{
	backend.KindAlign:   true,
	backend.KindEddy:    true,
	backend.KindEpi:     true,
	backend.KindBSE:     true,
	backend.KindBetMask: true,
	backend.KindUKF:     true,
	backend.KindCommand: true,
}

func invalid(field, format string, args ...any) error {
	return &scheduler.ConfigurationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Definition returns the built-in pipeline plus the configured branches in
// name order. Raw keys are the configured input keys.
func (c *Config) Definition() *scheduler.Definition {
	names := make([]string, 0, len(c.Branches))
	for name := range c.Branches {
		names = append(names, name)
	}
	sort.Strings(names)

	extra := make([]scheduler.Branch, 0, len(names))
	for _, name := range names {
		bc := c.Branches[name]
		b := scheduler.Branch{
			Name:       name,
			Lineage:    bc.Lineage,
			Terminal:   bc.Terminal,
			Diverges:   bc.Diverges,
			Substitute: bc.Substitute,
		}
		if b.Terminal == "" {
			b.Terminal = scheduler.StageUKF
		}
		if len(bc.Overrides) > 0 {
			b.Overrides = make(map[string]backend.Params, len(bc.Overrides))
			for stage, p := range bc.Overrides {
				b.Overrides[stage] = backend.Params(p).Clone()
			}
		}
		extra = append(extra, b)
	}

	def := scheduler.DefaultDefinition(extra...)
	def.RawKeys = c.InputSource().Keys()
	return def
}

// InputSource resolves raw inputs below the BIDS directory.
func (c *Config) InputSource() *scheduler.GlobInputs {
	return &scheduler.GlobInputs{Dir: c.BIDSDir, Specs: c.Inputs}
}

// Tool returns the adapter configuration for a tool key.
func (c *Config) Tool(name string) (backend.Config, bool) {
	tc, ok := c.Tools[name]
	if !ok {
		return backend.Config{}, false
	}
	return backend.Config{Kind: tc.Kind, Command: tc.Command, Args: tc.Args}, true
}

// StageTimeouts maps each stage of def to its tool's timeout, for tools
// that set one.
func (c *Config) StageTimeouts(def *scheduler.Definition) map[string]time.Duration {
	limits := make(map[string]time.Duration)
	for _, t := range def.Templates {
		if tc, ok := c.Tools[t.Tool]; ok && tc.Timeout > 0 {
			limits[t.Stage] = tc.Timeout.Std()
		}
	}
	return limits
}

// RunBranches returns the branches a run covers when none are requested:
// execution.branches if set, otherwise every branch of the definition.
func (c *Config) RunBranches(def *scheduler.Definition) []string {
	if len(c.Execution.Branches) > 0 {
		return append([]string(nil), c.Execution.Branches...)
	}
	return def.BranchNames()
}

// Validate checks the configuration and the pipeline it describes. Every
// failure is a *scheduler.ConfigurationError, except dependency cycles
// between configured branches, which are *scheduler.CyclicDependencyError.
func (c *Config) Validate() error {
	if c.DerivativesDir == "" {
		return invalid("derivatives_dir", "must not be empty")
	}
	if c.Execution.Concurrency < 0 {
		return invalid("execution.concurrency", "must not be negative, got %d", c.Execution.Concurrency)
	}
	if c.Execution.StageTimeout < 0 || c.Execution.LockTimeout < 0 {
		return invalid("execution", "timeouts must not be negative")
	}
	if c.Log.Level != "" {
		if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
			return invalid("log.level", "%v", err)
		}
	}

	for key, spec := range c.Inputs {
		switch {
		case spec.Pattern == "" && spec.SiblingOf == "":
			return invalid("inputs."+key, "needs a pattern or sibling_of")
		case spec.Pattern != "" && spec.SiblingOf != "":
			return invalid("inputs."+key, "pattern and sibling_of are exclusive")
		case spec.SiblingOf != "":
			if _, ok := c.Inputs[spec.SiblingOf]; !ok {
				return invalid("inputs."+key, "sibling_of references unknown input %q", spec.SiblingOf)
			}
			if spec.Ext == "" {
				return invalid("inputs."+key, "sibling needs an ext")
			}
		}
	}

	for name, tc := range c.Tools {
		if !toolKinds[tc.Kind] {
			return invalid("tools."+name, "unknown kind %q", tc.Kind)
		}
		if tc.Command == "" {
			return invalid("tools."+name, "command is required")
		}
		if tc.Timeout < 0 {
			return invalid("tools."+name, "timeout must not be negative")
		}
	}

	def := c.Definition()
	if err := def.Validate(); err != nil {
		return err
	}
	for _, t := range def.Templates {
		if _, ok := c.Tools[t.Tool]; !ok {
			return invalid("tools", "stage %s uses tool %q, which is not configured", t.Stage, t.Tool)
		}
	}
	for stage := range c.Params {
		if _, ok := def.Template(stage); !ok {
			return invalid("params", "unknown stage %q", stage)
		}
	}
	for _, name := range c.Execution.Branches {
		if _, ok := def.Branch(name); !ok {
			return invalid("execution.branches", "unknown branch %q", name)
		}
	}
	return nil
}
