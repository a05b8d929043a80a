package tui

import (
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/dwiflow/internal/config"
	"github.com/aristath/dwiflow/internal/events"
)

// PaneID identifies which pane is focused.
type PaneID int

const (
	PaneNodes PaneID = iota
	PaneProgress
)

const paneCount = 2

// DoneMsg tells the model the batch has finished. Summary is shown above
// the help bar until the user quits.
type DoneMsg struct {
	Summary string
	Failed  bool
}

// Options configures the TUI.
type Options struct {
	Jobs        int // expected number of jobs, for the progress bar
	Config      *config.Config
	GlobalPath  string
	ProjectPath string
}

// Model is the root Bubble Tea model for the run view.
type Model struct {
	nodePane     NodePaneModel
	progressPane ProgressPaneModel
	settingsPane SettingsPaneModel
	focusedPane  PaneID
	eventSub     <-chan events.Event
	width        int
	height       int
	quitting     bool
	showSettings bool
	done         *DoneMsg
}

// New creates a new TUI model subscribed to every event on bus.
func New(bus *events.EventBus, opts Options) Model {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	return Model{
		nodePane:     NewNodePaneModel(),
		progressPane: NewProgressPaneModel(opts.Jobs),
		settingsPane: NewSettingsPaneModel(cfg, opts.GlobalPath, opts.ProjectPath),
		focusedPane:  PaneNodes,
		eventSub:     bus.SubscribeAll(1024),
	}
}

// Init initializes the model and returns the initial command.
func (m Model) Init() tea.Cmd {
	return waitForEvent(m.eventSub)
}

// waitForEvent returns a command that waits for the next event from the bus.
func waitForEvent(sub <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		event, ok := <-sub
		if !ok {
			return nil // bus closed
		}
		return event
	}
}

// Update handles messages and updates the model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		// The settings form is modal.
		if m.showSettings {
			var cmd tea.Cmd
			m.settingsPane, cmd = m.settingsPane.Update(msg)
			cmds = append(cmds, cmd)
			if !m.settingsPane.IsVisible() {
				m.showSettings = false
			}
			return m, tea.Batch(cmds...)
		}

		switch msg.String() {
		case KeyQuit, KeyCtrlC:
			m.quitting = true
			return m, tea.Quit

		case KeySettings:
			m.showSettings = true
			m.settingsPane.SetVisible(true)
			cmds = append(cmds, m.settingsPane.Init())

		case KeyTab:
			m.focusedPane = (m.focusedPane + 1) % paneCount
			m.updateFocusStates()

		case KeyShiftTab:
			m.focusedPane = (m.focusedPane + paneCount - 1) % paneCount
			m.updateFocusStates()

		case KeyPane1:
			m.focusedPane = PaneNodes
			m.updateFocusStates()

		case KeyPane2:
			m.focusedPane = PaneProgress
			m.updateFocusStates()

		default:
			if m.focusedPane == PaneNodes {
				var cmd tea.Cmd
				m.nodePane, cmd = m.nodePane.Update(msg)
				cmds = append(cmds, cmd)
			}
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.computeLayout()
		m.settingsPane.SetSize(msg.Width, msg.Height)

	case tickMsg:
		var cmd tea.Cmd
		m.nodePane, cmd = m.nodePane.Update(msg)
		cmds = append(cmds, cmd)

	case events.NodeStartedEvent, events.NodeSkippedEvent, events.NodeOutputEvent,
		events.NodeCompletedEvent, events.NodeFailedEvent:
		var cmd tea.Cmd
		m.nodePane, cmd = m.nodePane.Update(msg)
		cmds = append(cmds, cmd, waitForEvent(m.eventSub))

	case events.RunProgressEvent, events.JobStartedEvent, events.JobFinishedEvent:
		var cmd tea.Cmd
		m.progressPane, cmd = m.progressPane.Update(msg)
		cmds = append(cmds, cmd, waitForEvent(m.eventSub))

	case DoneMsg:
		m.done = &msg

	default:
		// Forward anything else (form internals) while settings are open.
		if m.showSettings {
			var cmd tea.Cmd
			m.settingsPane, cmd = m.settingsPane.Update(msg)
			cmds = append(cmds, cmd)
		}
	}

	return m, tea.Batch(cmds...)
}

// View renders the TUI.
func (m Model) View() string {
	if m.quitting {
		return ""
	}
	if m.width == 0 || m.height == 0 {
		return "Initializing..."
	}
	if m.showSettings {
		return m.settingsPane.View()
	}

	main := lipgloss.JoinHorizontal(lipgloss.Top, m.nodePane.View(), m.progressPane.View())

	footer := HelpView()
	if m.done != nil {
		banner := StyleBanner
		if m.done.Failed {
			banner = StyleStatusFailed
		}
		footer = banner.Render(m.done.Summary) + "  " + footer
	}
	return lipgloss.JoinVertical(lipgloss.Left, main, footer)
}

// computeLayout gives the node pane 65% of the width and the progress pane
// the rest, reserving one line for the footer.
func (m *Model) computeLayout() {
	leftWidth := (m.width * 65) / 100
	rightWidth := m.width - leftWidth
	availableHeight := m.height - 1

	m.nodePane.SetSize(leftWidth, availableHeight)
	m.progressPane.SetSize(rightWidth, availableHeight)
	m.updateFocusStates()
}

func (m *Model) updateFocusStates() {
	m.nodePane.SetFocused(m.focusedPane == PaneNodes)
	m.progressPane.SetFocused(m.focusedPane == PaneProgress)
}
