package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/awalterschulze/gographviz"
	"github.com/spf13/cobra"

	"github.com/aristath/dwiflow/internal/scheduler"
)

const graphName = "dwiflow"

func graphCmd(g *globalOptions) *cobra.Command {
	var (
		format   string
		branches []string
	)

	cmd := &cobra.Command{
		Use:   "graph <subject>",
		Short: "Print a subject's pipeline graph across branches",
		Long: `Graph builds every requested branch for one subject into a single graph,
so nodes shared by several branches appear once. Nodes whose outputs exist
are marked complete.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			subs, err := subjects(args, "")
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
			graph, err := a.subjectGraph(subs[0], names)
			if err != nil {
				return err
			}

			switch format {
			case "dot":
				out, err := renderDOT(graph)
				if err != nil {
					return err
				}
				fmt.Fprint(cmd.OutOrStdout(), out)
			case "text":
				renderText(cmd.OutOrStdout(), graph)
			default:
				return &scheduler.ConfigurationError{Field: "format", Reason: fmt.Sprintf("%q is not text or dot", format)}
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", "text", "output format: text or dot")
	cmd.Flags().StringSliceVarP(&branches, "branch", "b", nil, "branches to include (default: execution.branches or all)")
	return cmd
}

// subjectGraph builds every branch terminal for subject into one graph.
func (a *app) subjectGraph(subject string, branches []string) (*scheduler.Graph, error) {
	rc, err := scheduler.NewRunContext(a.ws.Root(), subject, a.locks(), a.cfg.InputSource())
	if err != nil {
		return nil, err
	}
	graph := scheduler.NewGraph()
	for _, b := range branches {
		if _, err := a.def.Build(graph, rc, a.cfg.Params, "", b); err != nil {
			return nil, err
		}
	}
	return graph, nil
}

// renderDOT renders graph in Graphviz DOT with one edge per requirement.
func renderDOT(graph *scheduler.Graph) (string, error) {
	dot := gographviz.NewGraph()
	if err := dot.SetName(graphName); err != nil {
		return "", err
	}
	if err := dot.SetDir(true); err != nil {
		return "", err
	}
	if err := dot.AddAttr(graphName, "rankdir", "LR"); err != nil {
		return "", err
	}

	nodes := graph.Nodes()
	for _, n := range nodes {
		fill := "white"
		if n.Complete() {
			fill = "palegreen"
		}
		attrs := map[string]string{
			"label":     strconv.Quote(n.ID.String() + "\n" + n.Tool),
			"shape":     "box",
			"style":     "filled",
			"fillcolor": fill,
		}
		if err := dot.AddNode(graphName, strconv.Quote(n.ID.String()), attrs); err != nil {
			return "", err
		}
	}
	for _, n := range nodes {
		for _, req := range n.Requires {
			if err := dot.AddEdge(strconv.Quote(req.String()), strconv.Quote(n.ID.String()), true, nil); err != nil {
				return "", err
			}
		}
	}
	return dot.String(), nil
}

// renderText lists nodes in build order with their requirements.
func renderText(w io.Writer, graph *scheduler.Graph) {
	for _, n := range graph.Nodes() {
		status := "pending"
		if n.Complete() {
			status = "done"
		}
		statusColor(status).Fprintf(w, "%-8s", status)
		fmt.Fprintf(w, " %s", n.ID)
		if len(n.Requires) > 0 {
			reqs := make([]string, len(n.Requires))
			for i, r := range n.Requires {
				reqs[i] = r.String()
			}
			colorDim.Fprintf(w, "  <- %s", strings.Join(reqs, ", "))
		}
		fmt.Fprintln(w)
	}
}
