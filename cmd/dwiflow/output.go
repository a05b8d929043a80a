package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/aristath/dwiflow/internal/events"
	"github.com/aristath/dwiflow/internal/orchestrator"
)

var (
	colorHeader = color.New(color.FgCyan, color.Bold)
	colorOK     = color.New(color.FgGreen)
	colorSkip   = color.New(color.FgBlue)
	colorFail   = color.New(color.FgRed, color.Bold)
	colorRun    = color.New(color.FgYellow)
	colorDim    = color.New(color.Faint)
)

// statusColor picks the colour for a node, run or plan status word.
func statusColor(status string) *color.Color {
	switch status {
	case "done", "completed", "succeeded", "ok":
		return colorOK
	case "satisfied", "skipped", "skip":
		return colorSkip
	case "failed":
		return colorFail
	case "running", "run", "pending":
		return colorRun
	}
	return colorDim
}

// table is a plain column-aligned table. Cells in the status column are
// padded before they are coloured so escapes do not break alignment.
type table struct {
	headers   []string
	rows      [][]string
	widths    []int
	statusCol int
}

func newTable(statusCol int, headers ...string) *table {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = len(h)
	}
	return &table{headers: headers, widths: widths, statusCol: statusCol}
}

func (t *table) addRow(row ...string) {
	for i, cell := range row {
		if i < len(t.widths) && len(cell) > t.widths[i] {
			t.widths[i] = len(cell)
		}
	}
	t.rows = append(t.rows, row)
}

func (t *table) render(w io.Writer) {
	for i, h := range t.headers {
		colorHeader.Fprintf(w, "%-*s  ", t.widths[i], h)
	}
	fmt.Fprintln(w)

	for i := range t.headers {
		fmt.Fprint(w, strings.Repeat("-", t.widths[i]), "  ")
	}
	fmt.Fprintln(w)

	for _, row := range t.rows {
		for i, cell := range row {
			if i >= len(t.widths) {
				break
			}
			padded := fmt.Sprintf("%-*s  ", t.widths[i], cell)
			if i == t.statusCol {
				statusColor(cell).Fprint(w, padded)
			} else {
				fmt.Fprint(w, padded)
			}
		}
		fmt.Fprintln(w)
	}
}

// printJobEvents writes one line per finished job until ch is closed.
func printJobEvents(w io.Writer, ch <-chan events.Event) {
	for ev := range ch {
		e, ok := ev.(events.JobFinishedEvent)
		if !ok {
			continue
		}
		job := fmt.Sprintf("sub-%s@%s", e.Subject, e.Branch)
		if e.Err != nil {
			colorFail.Fprint(w, "FAIL ")
			fmt.Fprintf(w, "%-24s %8s  %v\n", job, formatDuration(e.Duration), e.Err)
			continue
		}
		colorOK.Fprint(w, "ok   ")
		fmt.Fprintf(w, "%-24s %8s  %s\n", job, formatDuration(e.Duration), e.Terminal)
	}
}

// printReport writes the per-job table and the batch summary.
func printReport(w io.Writer, results []orchestrator.JobResult) {
	if len(results) == 0 {
		return
	}
	fmt.Fprintln(w)

	t := newTable(2, "SUBJECT", "BRANCH", "STATUS", "RUN", "SKIP", "TIME", "ERROR")
	for _, r := range results {
		status := "succeeded"
		if !r.Success() {
			status = "failed"
		}
		executed, skipped := "-", "-"
		if r.Result != nil {
			executed = fmt.Sprint(len(r.Result.Executed))
			skipped = fmt.Sprint(len(r.Result.Skipped))
		}
		errText := ""
		if r.Err != nil {
			errText = firstLine(r.Err.Error())
		}
		t.addRow(r.Subject, r.Branch, status, executed, skipped, formatDuration(r.Duration), errText)
	}
	t.render(w)

	sum := orchestrator.Summarize(results)
	fmt.Fprintln(w)
	fmt.Fprintf(w, "%d jobs: ", sum.Total)
	colorOK.Fprintf(w, "%d succeeded", sum.Succeeded)
	fmt.Fprint(w, ", ")
	if sum.Failed > 0 {
		colorFail.Fprintf(w, "%d failed", sum.Failed)
	} else {
		fmt.Fprint(w, "0 failed")
	}
	fmt.Fprintln(w)
}

func formatDuration(d time.Duration) string {
	if d <= 0 {
		return "-"
	}
	if d < time.Second {
		return d.Round(time.Millisecond).String()
	}
	return d.Round(100 * time.Millisecond).String()
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}
