package config

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/aristath/dwiflow/internal/scheduler"
)

func TestDefaultConfigValidates(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestDefaultConfig_BreakerDefaults(t *testing.T) {
	b := DefaultConfig().Execution.Breaker
	if b.Failures != 5 || b.Cooldown.Std() != time.Minute {
		t.Errorf("breaker defaults = %+v, want 5 failures and 1m cooldown", b)
	}
}

func TestDefinition_AppendsBranchesByName(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Branches["zeta"] = BranchConfig{Lineage: "XcZ", Diverges: []string{"bse", "betmask", "ukf"}}
	cfg.Branches["alpha"] = BranchConfig{
		Lineage:   "XcA",
		Diverges:  []string{"bse", "betmask", "ukf"},
		Overrides: map[string]map[string]string{"bse": {"mode": "avg"}},
	}

	def := cfg.Definition()
	got := strings.Join(def.BranchNames(), ",")
	if got != "eddy,epi,alpha,zeta" {
		t.Errorf("branches = %s", got)
	}
	alpha, ok := def.Branch("alpha")
	if !ok {
		t.Fatal("alpha branch missing")
	}
	if alpha.Terminal != scheduler.StageUKF {
		t.Errorf("terminal = %q, want ukf default", alpha.Terminal)
	}
	if alpha.Overrides["bse"]["mode"] != "avg" {
		t.Errorf("overrides not carried: %v", alpha.Overrides)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("extra branches should validate: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"empty derivatives", func(c *Config) { c.DerivativesDir = "" }, "derivatives_dir"},
		{"negative concurrency", func(c *Config) { c.Execution.Concurrency = -1 }, "execution.concurrency"},
		{"bad log level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
		{"unknown tool kind", func(c *Config) { c.Tools["bse"] = ToolConfig{Kind: "magic", Command: "x"} }, "tools.bse"},
		{"missing command", func(c *Config) { c.Tools["bse"] = ToolConfig{Kind: "bse"} }, "tools.bse"},
		{"stage without tool", func(c *Config) { delete(c.Tools, "betmask") }, "tools"},
		{"dangling sibling", func(c *Config) { c.Inputs["bval"] = scheduler.InputSpec{SiblingOf: "nope", Ext: ".bval"} }, "inputs.bval"},
		{"empty input", func(c *Config) { c.Inputs["t2"] = scheduler.InputSpec{} }, "inputs.t2"},
		{"params for unknown stage", func(c *Config) { c.Params["fs2dwi"] = map[string]string{"x": "1"} }, "params"},
		{"unknown run branch", func(c *Config) { c.Execution.Branches = []string{"eddy", "topup"} }, "execution.branches"},
		{"duplicate lineage", func(c *Config) {
			c.Branches["copy"] = BranchConfig{Lineage: "XcEd", Diverges: []string{"bse", "betmask", "ukf"}}
		}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			var cfgErr *scheduler.ConfigurationError
			if !errors.As(err, &cfgErr) {
				t.Fatalf("expected ConfigurationError, got %v", err)
			}
			if tt.field != "" && cfgErr.Field != tt.field {
				t.Errorf("field = %q, want %q", cfgErr.Field, tt.field)
			}
		})
	}
}

func TestStageTimeouts(t *testing.T) {
	cfg := DefaultConfig()
	eddy := cfg.Tools["eddy"]
	eddy.Timeout = Duration(3 * time.Hour)
	cfg.Tools["eddy"] = eddy

	limits := cfg.StageTimeouts(cfg.Definition())
	if len(limits) != 1 || limits["eddy"] != 3*time.Hour {
		t.Errorf("limits = %v", limits)
	}
}

func TestRunBranches(t *testing.T) {
	cfg := DefaultConfig()
	def := cfg.Definition()
	if got := strings.Join(cfg.RunBranches(def), ","); got != "eddy,epi" {
		t.Errorf("default run branches = %s", got)
	}
	cfg.Execution.Branches = []string{"epi"}
	if got := strings.Join(cfg.RunBranches(def), ","); got != "epi" {
		t.Errorf("configured run branches = %s", got)
	}
}

func TestTool(t *testing.T) {
	cfg := DefaultConfig()
	bc, ok := cfg.Tool("bse")
	if !ok || bc.Kind != "bse" || bc.Command != "bse.py" {
		t.Errorf("unexpected tool config: %+v", bc)
	}
	if _, ok := cfg.Tool("missing"); ok {
		t.Error("expected missing tool lookup to fail")
	}
}
