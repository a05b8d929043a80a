package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/aristath/dwiflow/internal/persistence"
)

func historyCmd(g *globalOptions) *cobra.Command {
	var filter persistence.RunFilter

	cmd := &cobra.Command{
		Use:   "history [run-id]",
		Short: "List recorded runs, or the node outcomes of one run",
		Long: `History reads the run journal. Without arguments it lists recent runs,
newest first. With a run id it lists that run's node outcomes.

The journal is informational: whether a stage is complete is always
decided by its output files.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := g.load(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			path := a.historyPath()
			if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
				fmt.Fprintf(out, "no history at %s\n", path)
				return nil
			}
			store, err := persistence.NewSQLiteStore(cmd.Context(), path)
			if err != nil {
				return fmt.Errorf("history: %w", err)
			}
			defer store.Close()

			if len(args) == 1 {
				return printNodeRuns(cmd.Context(), out, store, args[0])
			}
			filter.Subject = strings.TrimPrefix(filter.Subject, "sub-")
			return printRuns(cmd.Context(), out, store, filter)
		},
	}

	cmd.Flags().StringVar(&filter.Subject, "subject", "", "only runs of this subject")
	cmd.Flags().StringVarP(&filter.Branch, "branch", "b", "", "only runs of this branch")
	cmd.Flags().IntVarP(&filter.Limit, "limit", "n", 20, "maximum number of runs")
	return cmd
}

func printRuns(ctx context.Context, w io.Writer, store persistence.Store, filter persistence.RunFilter) error {
	runs, err := store.ListRuns(ctx, filter)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(w, "no runs recorded")
		return nil
	}

	t := newTable(3, "RUN", "SUBJECT", "BRANCH", "STATUS", "STARTED", "TIME", "ERROR")
	for _, r := range runs {
		t.addRow(
			r.ID,
			r.Subject,
			r.Branch,
			string(r.Status),
			r.StartedAt.Local().Format(time.DateTime),
			formatDuration(r.Duration),
			firstLine(r.Error),
		)
	}
	t.render(w)
	return nil
}

func printNodeRuns(ctx context.Context, w io.Writer, store persistence.Store, runID string) error {
	nodes, err := store.ListNodeRuns(ctx, runID)
	if err != nil {
		return err
	}
	if len(nodes) == 0 {
		fmt.Fprintf(w, "no node outcomes for run %s\n", runID)
		return nil
	}

	t := newTable(1, "NODE", "OUTCOME", "TIME", "DETAIL")
	for _, n := range nodes {
		detail := firstLine(n.Error)
		if n.TimedOut {
			detail = "timed out: " + detail
		}
		if detail == "" && len(n.Missing) > 0 {
			detail = "missing " + strings.Join(n.Missing, ", ")
		}
		t.addRow(n.NodeID, string(n.Outcome), formatDuration(n.Duration), detail)
	}
	t.render(w)
	return nil
}
