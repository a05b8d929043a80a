package tui

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/dwiflow/internal/events"
)

// ProgressPaneModel sums node progress over every run and counts jobs.
type ProgressPaneModel struct {
	runs        map[string]events.RunProgressEvent // run id -> latest progress
	jobsTotal   int
	jobsStarted int
	jobsDone    int
	jobsFailed  int
	failures    []string // "sub-01@epi: reason", in arrival order
	width       int
	height      int
	focused     bool
}

// NewProgressPaneModel creates a progress pane expecting jobsTotal jobs.
func NewProgressPaneModel(jobsTotal int) ProgressPaneModel {
	return ProgressPaneModel{
		runs:      make(map[string]events.RunProgressEvent),
		jobsTotal: jobsTotal,
	}
}

// Update handles messages for the progress pane.
func (m ProgressPaneModel) Update(msg tea.Msg) (ProgressPaneModel, tea.Cmd) {
	switch msg := msg.(type) {
	case events.RunProgressEvent:
		m.runs[msg.RunID] = msg

	case events.JobStartedEvent:
		m.jobsStarted++

	case events.JobFinishedEvent:
		m.jobsDone++
		if msg.Err != nil {
			m.jobsFailed++
			m.failures = append(m.failures, fmt.Sprintf("sub-%s@%s: %v", msg.Subject, msg.Branch, msg.Err))
		}
	}
	return m, nil
}

// Totals returns node counts summed over every run seen so far. A shared
// node counts once per run that reached it.
func (m ProgressPaneModel) Totals() events.RunProgressEvent {
	var t events.RunProgressEvent
	for _, p := range m.runs {
		t.Total += p.Total
		t.Done += p.Done
		t.Skipped += p.Skipped
		t.Running += p.Running
		t.Failed += p.Failed
		t.Pending += p.Pending
	}
	return t
}

// View renders the progress pane.
func (m ProgressPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	var b strings.Builder

	title := StyleTitle.Render("Progress")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", lipgloss.Width(title)))
	b.WriteString("\n\n")

	b.WriteString(fmt.Sprintf("Jobs:      %d/%d finished, %d running, %s\n",
		m.jobsDone, m.jobsTotal, m.jobsStarted-m.jobsDone,
		StyleStatusFailed.Render(fmt.Sprintf("%d failed", m.jobsFailed))))

	t := m.Totals()
	b.WriteString(fmt.Sprintf("Nodes:     %d\n", t.Total))
	b.WriteString(fmt.Sprintf("Done:      %s\n", StyleStatusComplete.Render(fmt.Sprint(t.Done))))
	b.WriteString(fmt.Sprintf("Skipped:   %s\n", StyleStatusSkipped.Render(fmt.Sprint(t.Skipped))))
	b.WriteString(fmt.Sprintf("Running:   %s\n", StyleStatusRunning.Render(fmt.Sprint(t.Running))))
	b.WriteString(fmt.Sprintf("Failed:    %s\n", StyleStatusFailed.Render(fmt.Sprint(t.Failed))))
	b.WriteString(fmt.Sprintf("Pending:   %s\n", StyleStatusPending.Render(fmt.Sprint(t.Pending))))
	b.WriteString("\n")

	if m.jobsTotal > 0 {
		barWidth := min(m.width-4, 40)
		doneWidth := ((m.jobsDone - m.jobsFailed) * barWidth) / m.jobsTotal
		failedWidth := (m.jobsFailed * barWidth) / m.jobsTotal
		runningWidth := ((m.jobsStarted - m.jobsDone) * barWidth) / m.jobsTotal
		pendingWidth := barWidth - doneWidth - failedWidth - runningWidth

		bar := StyleStatusComplete.Render(strings.Repeat("=", max(0, doneWidth)))
		bar += StyleStatusFailed.Render(strings.Repeat("!", max(0, failedWidth)))
		bar += StyleStatusRunning.Render(strings.Repeat("-", max(0, runningWidth)))
		bar += StyleStatusPending.Render(strings.Repeat(".", max(0, pendingWidth)))

		b.WriteString(fmt.Sprintf("[%s]  %d/%d\n", bar, m.jobsDone, m.jobsTotal))
	}

	// Most recent failures, as many as fit.
	room := m.height - 16
	if len(m.failures) > 0 && room > 0 {
		b.WriteString("\n")
		from := max(0, len(m.failures)-room)
		for _, f := range m.failures[from:] {
			b.WriteString(StyleStatusFailed.Render("✗ ") + f + "\n")
		}
	}

	style := StyleUnfocusedBorder
	if m.focused {
		style = StyleFocusedBorder
	}
	return style.
		Width(m.width - 2).
		Height(m.height - 2).
		Render(b.String())
}

// SetSize updates the pane dimensions.
func (m *ProgressPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
}

// SetFocused updates the focus state.
func (m *ProgressPaneModel) SetFocused(focused bool) {
	m.focused = focused
}
