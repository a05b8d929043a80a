package config

import (
	"github.com/aristath/dwiflow/internal/backend"
	"github.com/aristath/dwiflow/internal/logging"
	"github.com/aristath/dwiflow/internal/orchestrator"
	"github.com/aristath/dwiflow/internal/scheduler"
)

// DefaultConcurrency is the number of jobs run at once when unset.
const DefaultConcurrency = 4

// DefaultConfig returns the default configuration: the PNL pipeline scripts
// for every built-in stage, BIDS input patterns, both built-in branches.
func DefaultConfig() *Config {
	breaker := orchestrator.DefaultBreakerConfig()
	return &Config{
		BIDSDir:        ".",
		DerivativesDir: "derivatives/dwiflow",
		Inputs:         scheduler.DefaultInputSpecs(),
		Tools: map[string]ToolConfig{
			scheduler.StageAlign:   {Kind: backend.KindAlign, Command: "align.py"},
			scheduler.StageEddy:    {Kind: backend.KindEddy, Command: "pnl_eddy.py"},
			scheduler.StageEpi:     {Kind: backend.KindEpi, Command: "pnl_epi.py"},
			scheduler.StageBSE:     {Kind: backend.KindBSE, Command: "bse.py"},
			scheduler.StageBetMask: {Kind: backend.KindBetMask, Command: "bet_mask.py"},
			scheduler.StageUKF:     {Kind: backend.KindUKF, Command: "ukf.py"},
		},
		Params:   scheduler.StageParams{},
		Branches: map[string]BranchConfig{},
		Execution: ExecutionConfig{
			Concurrency: DefaultConcurrency,
			LockTimeout: Duration(scheduler.DefaultLockTimeout),
			Breaker: BreakerConfig{
				Failures: breaker.ConsecutiveFailures,
				Cooldown: Duration(breaker.Cooldown),
			},
		},
		Log: logging.Config{Level: "info"},
	}
}
