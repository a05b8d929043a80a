package config

import (
	"encoding/json"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/aristath/dwiflow/internal/logging"
	"github.com/aristath/dwiflow/internal/scheduler"
)

// Duration is a time.Duration that reads and writes as a Go duration string
// ("90s", "2h"). Plain numbers are read as seconds.
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch x := v.(type) {
	case float64:
		*d = Duration(x * float64(time.Second))
		return nil
	case string:
		return d.parse(x)
	case nil:
		*d = 0
		return nil
	}
	return fmt.Errorf("invalid duration %s", string(data))
}

func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a scalar", node.Line)
	}
	if node.Tag == "!!int" || node.Tag == "!!float" {
		var secs float64
		if err := node.Decode(&secs); err != nil {
			return err
		}
		*d = Duration(secs * float64(time.Second))
		return nil
	}
	return d.parse(node.Value)
}

func (d *Duration) parse(s string) error {
	if s == "" {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// ToolConfig defines how a stage's external tool is run. Kind selects the
// argv builder (see backend.Kind*); Command is the executable.
type ToolConfig struct {
	Kind    string   `json:"kind" yaml:"kind"`
	Command string   `json:"command" yaml:"command"`
	Args    []string `json:"args,omitempty" yaml:"args,omitempty"`
	Timeout Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"` // overrides execution.stage_timeout
}

// BranchConfig declares an extra pipeline branch next to the built-in
// eddy and epi branches.
type BranchConfig struct {
	Lineage    string                       `json:"lineage" yaml:"lineage"`
	Terminal   string                       `json:"terminal,omitempty" yaml:"terminal,omitempty"`
	Diverges   []string                     `json:"diverges" yaml:"diverges"`
	Substitute map[string]string            `json:"substitute,omitempty" yaml:"substitute,omitempty"`
	Overrides  map[string]map[string]string `json:"overrides,omitempty" yaml:"overrides,omitempty"`
}

// BreakerConfig tunes the per-tool circuit breaker.
type BreakerConfig struct {
	Failures uint32   `json:"failures,omitempty" yaml:"failures,omitempty"`
	Cooldown Duration `json:"cooldown,omitempty" yaml:"cooldown,omitempty"`
}

// ExecutionConfig controls how jobs are scheduled.
type ExecutionConfig struct {
	Concurrency  int           `json:"concurrency" yaml:"concurrency"`
	StageTimeout Duration      `json:"stage_timeout,omitempty" yaml:"stage_timeout,omitempty"`
	LockTimeout  Duration      `json:"lock_timeout,omitempty" yaml:"lock_timeout,omitempty"`
	Branches     []string      `json:"branches,omitempty" yaml:"branches,omitempty"` // default branches for run
	Breaker      BreakerConfig `json:"breaker" yaml:"breaker"`
}

// Config is the top-level configuration.
type Config struct {
	BIDSDir        string                         `json:"bids_dir" yaml:"bids_dir"`
	DerivativesDir string                         `json:"derivatives_dir" yaml:"derivatives_dir"`
	Inputs         map[string]scheduler.InputSpec `json:"inputs" yaml:"inputs"`
	Tools          map[string]ToolConfig          `json:"tools" yaml:"tools"`
	Params         scheduler.StageParams          `json:"params,omitempty" yaml:"params,omitempty"`
	Branches       map[string]BranchConfig        `json:"branches,omitempty" yaml:"branches,omitempty"`
	Execution      ExecutionConfig                `json:"execution" yaml:"execution"`
	HistoryPath    string                         `json:"history_path,omitempty" yaml:"history_path,omitempty"`
	MetricsPath    string                         `json:"metrics_path,omitempty" yaml:"metrics_path,omitempty"`
	Log            logging.Config                 `json:"log" yaml:"log"`
}
