package backend

import (
	"context"
	"fmt"
	"sort"

	"github.com/aristath/dwiflow/internal/workspace"
)

// argvBuilder turns an invocation whose outputs already point at staging
// paths into the tool's argument list.
type argvBuilder func(inv Invocation) ([]string, error)

// ToolAdapter runs one external command per invocation. The command writes
// into a private staging directory; outputs are renamed into place only when
// the command succeeds and every declared output was produced.
type ToolAdapter struct {
	kind    string
	command string
	extra   []string
	build   argvBuilder
	ws      *workspace.Manager
	procMgr *ProcessManager
}

// New creates the adapter for cfg.Kind. The ProcessManager is optional.
func New(cfg Config, ws *workspace.Manager, pm *ProcessManager) (*ToolAdapter, error) {
	if ws == nil {
		return nil, fmt.Errorf("tool %q: workspace manager is required", cfg.Kind)
	}

	a := &ToolAdapter{
		kind:    cfg.Kind,
		command: cfg.Command,
		extra:   cfg.Args,
		ws:      ws,
		procMgr: pm,
	}

	switch cfg.Kind {
	case KindAlign:
		a.build = alignArgs
	case KindEddy:
		a.build = eddyArgs
	case KindEpi:
		a.build = epiArgs
	case KindBSE:
		a.build = bseArgs
	case KindBetMask:
		a.build = betMaskArgs
	case KindUKF:
		a.build = ukfArgs
	case KindCommand:
		tmpl := cfg.Args
		a.extra = nil
		a.build = func(inv Invocation) ([]string, error) {
			return expandTemplate(tmpl, inv)
		}
	default:
		return nil, fmt.Errorf("unknown tool kind: %s", cfg.Kind)
	}

	if a.command == "" {
		return nil, fmt.Errorf("tool %q: command is required", cfg.Kind)
	}
	return a, nil
}

// Invoke runs the tool and publishes its outputs.
func (a *ToolAdapter) Invoke(ctx context.Context, inv Invocation) error {
	finals := make([]string, 0, len(inv.Outputs))
	for _, p := range inv.Outputs {
		finals = append(finals, p)
	}
	sort.Strings(finals)

	st, err := a.ws.CreateStaging(inv.NodeID, finals)
	if err != nil {
		return fmt.Errorf("%s: %w", a.kind, err)
	}
	defer a.ws.Cleanup(st)

	staged := inv
	staged.Outputs = make(map[Slot]string, len(inv.Outputs))
	for slot, final := range inv.Outputs {
		staged.Outputs[slot] = st.StagedPath(final)
	}

	args, err := a.build(staged)
	if err != nil {
		return fmt.Errorf("%s: %w", a.kind, err)
	}
	args = append(args, a.extra...)

	cmd := newCommand(ctx, a.command, args...)
	cmd.Dir = st.Dir

	if _, _, err := executeCommand(ctx, cmd, a.procMgr, inv.OnOutput); err != nil {
		return fmt.Errorf("%s command failed: %w", a.command, err)
	}

	if err := a.ws.Publish(st); err != nil {
		return fmt.Errorf("%s: %w", a.kind, err)
	}
	return nil
}

// Command returns the executable this adapter runs.
func (a *ToolAdapter) Command() string {
	return a.command
}
