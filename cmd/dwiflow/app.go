package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/aristath/dwiflow/internal/backend"
	"github.com/aristath/dwiflow/internal/config"
	"github.com/aristath/dwiflow/internal/events"
	"github.com/aristath/dwiflow/internal/logging"
	"github.com/aristath/dwiflow/internal/orchestrator"
	"github.com/aristath/dwiflow/internal/scheduler"
	"github.com/aristath/dwiflow/internal/workspace"
)

// globalOptions are the persistent flags shared by every command.
type globalOptions struct {
	configPath string
	logLevel   string
	pretty     bool
}

// app is the validated configuration plus the objects every command needs.
type app struct {
	cfg    *config.Config
	def    *scheduler.Definition
	ws     *workspace.Manager
	logger zerolog.Logger
}

// load reads and validates the layered configuration and sets up logging
// to logOut.
func (g *globalOptions) load(logOut io.Writer) (*app, error) {
	cfg, err := config.LoadDefault(g.configPath)
	if err != nil {
		return nil, err
	}
	if g.logLevel != "" {
		cfg.Log.Level = g.logLevel
	}
	if g.pretty {
		cfg.Log.Pretty = true
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	root, err := filepath.Abs(cfg.DerivativesDir)
	if err != nil {
		return nil, fmt.Errorf("derivatives dir: %w", err)
	}
	cfg.DerivativesDir = root

	return &app{
		cfg:    cfg,
		def:    cfg.Definition(),
		ws:     workspace.NewManager(workspace.ManagerConfig{Root: root}),
		logger: logging.Setup(cfg.Log, logOut),
	}, nil
}

// configPaths returns the global and project config files the settings
// form saves to.
func configPaths() (global, project string) {
	project = filepath.Join(config.DirName, "config.yaml")
	home, err := os.UserHomeDir()
	if err != nil {
		return project, project
	}
	return filepath.Join(home, config.DirName, "config.yaml"), project
}

// historyPath is history_path, or a database under the derivatives root.
func (a *app) historyPath() string {
	if a.cfg.HistoryPath != "" {
		return a.cfg.HistoryPath
	}
	return filepath.Join(a.cfg.DerivativesDir, config.DirName, "history.db")
}

// locks returns the registry shared by every job of this process.
func (a *app) locks() *scheduler.LockRegistry {
	return scheduler.NewLockRegistry(scheduler.LockOptions{
		Root:    a.ws.Root(),
		Timeout: a.cfg.Execution.LockTimeout.Std(),
	})
}

// engine builds the engine with one adapter per tool. When breakers is
// non-nil every adapter is wrapped in its tool's circuit breaker.
func (a *app) engine(bus *events.EventBus, pm *backend.ProcessManager, breakers *orchestrator.CircuitBreakerRegistry) (*scheduler.Engine, error) {
	e := scheduler.NewEngine(
		scheduler.WithEventBus(bus),
		scheduler.WithLogger(a.logger),
		scheduler.WithStageTimeout(a.cfg.Execution.StageTimeout.Std()),
		scheduler.WithStageTimeouts(a.cfg.StageTimeouts(a.def)),
	)

	seen := make(map[string]bool)
	for _, t := range a.def.Templates {
		if seen[t.Tool] {
			continue
		}
		seen[t.Tool] = true

		tc, ok := a.cfg.Tool(t.Tool)
		if !ok {
			return nil, &scheduler.ConfigurationError{Field: "tools", Reason: fmt.Sprintf("tool %q is not configured", t.Tool)}
		}
		adapter, err := backend.New(tc, a.ws, pm)
		if err != nil {
			return nil, &scheduler.ConfigurationError{Field: "tools." + t.Tool, Reason: err.Error()}
		}
		if breakers != nil {
			e.RegisterAdapter(t.Tool, breakers.Wrap(t.Tool, adapter))
		} else {
			e.RegisterAdapter(t.Tool, adapter)
		}
	}
	return e, nil
}

// branches returns the requested branches, or the configured defaults.
// Unknown names are a configuration error.
func (a *app) branches(requested []string) ([]string, error) {
	if len(requested) == 0 {
		return a.cfg.RunBranches(a.def), nil
	}
	for _, name := range requested {
		if _, ok := a.def.Branch(name); !ok {
			return nil, &scheduler.ConfigurationError{
				Field:  "branch",
				Reason: fmt.Sprintf("%q is not defined (have %s)", name, strings.Join(a.def.BranchNames(), ", ")),
			}
		}
	}
	return requested, nil
}

// subjects merges positional subjects with those listed in file, keeping
// first occurrences in order. Every subject is validated.
func subjects(args []string, file string) ([]string, error) {
	all := append([]string(nil), args...)
	if file != "" {
		listed, err := readSubjectsFile(file)
		if err != nil {
			return nil, err
		}
		all = append(all, listed...)
	}

	seen := make(map[string]bool, len(all))
	out := make([]string, 0, len(all))
	for _, s := range all {
		s = strings.TrimPrefix(s, "sub-")
		if seen[s] {
			continue
		}
		if err := scheduler.ValidateSubject(s); err != nil {
			return nil, err
		}
		seen[s] = true
		out = append(out, s)
	}
	if len(out) == 0 {
		return nil, &scheduler.ConfigurationError{Field: "subjects", Reason: "no subjects given"}
	}
	return out, nil
}

// readSubjectsFile reads one subject per line. Blank lines and anything
// after '#' are ignored.
func readSubjectsFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("subjects file: %w", err)
	}
	defer f.Close()

	var out []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line, _, _ := strings.Cut(sc.Text(), "#")
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("subjects file %s: %w", path, err)
	}
	return out, nil
}
