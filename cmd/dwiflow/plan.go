package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/aristath/dwiflow/internal/backend"
	"github.com/aristath/dwiflow/internal/orchestrator"
	"github.com/aristath/dwiflow/internal/scheduler"
)

func planCmd(g *globalOptions) *cobra.Command {
	var (
		subjectsFile string
		branches     []string
		target       string
	)

	cmd := &cobra.Command{
		Use:   "plan [subject...]",
		Short: "Show which stages a run would skip and which it would execute",
		RunE: func(cmd *cobra.Command, args []string) error {
			subs, err := subjects(args, subjectsFile)
			if err != nil {
				return err
			}
			a, err := g.load(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			names, err := a.branches(branches)
			if err != nil {
				return err
			}
			return a.plan(cmd.OutOrStdout(), orchestrator.Jobs(subs, names), target)
		},
	}

	cmd.Flags().StringVar(&subjectsFile, "subjects-file", "", "file with one subject per line")
	cmd.Flags().StringSliceVarP(&branches, "branch", "b", nil, "branches to plan (default: execution.branches or all)")
	cmd.Flags().StringVar(&target, "target", "", "plan up to this stage instead of each branch terminal")
	return cmd
}

func (a *app) plan(w io.Writer, jobs []orchestrator.Job, target string) error {
	engine, err := a.engine(nil, backend.NewProcessManager(), nil)
	if err != nil {
		return err
	}
	locks := a.locks()

	for i, job := range jobs {
		rc, err := scheduler.NewRunContext(a.ws.Root(), job.Subject, locks, a.cfg.InputSource())
		if err != nil {
			return err
		}
		graph, terminal, err := a.def.Instantiate(rc, a.cfg.Params, target, job.Branch)
		if err != nil {
			return err
		}
		entries, err := engine.Plan(graph, terminal)
		if err != nil {
			return err
		}

		if i > 0 {
			fmt.Fprintln(w)
		}
		colorHeader.Fprintln(w, job.String())

		t := newTable(1, "NODE", "ACTION", "TOOL", "MISSING")
		toRun := 0
		for _, e := range entries {
			action := "skip"
			if e.Status != scheduler.NodeSatisfied {
				action = "run"
				toRun++
			}
			missing := ""
			switch len(e.Missing) {
			case 0:
			case 1:
				missing = e.Missing[0]
			default:
				missing = fmt.Sprintf("%s (+%d more)", e.Missing[0], len(e.Missing)-1)
			}
			t.addRow(e.Node.ID.String(), action, e.Node.Tool, missing)
		}
		t.render(w)
		fmt.Fprintf(w, "%d of %d nodes to run\n", toRun, len(entries))
	}
	return nil
}
