package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/dwiflow/internal/events"
)

// Node states shown in the list.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusSkipped   = "skipped"
	StatusFailed    = "failed"
)

// maxOutputLines bounds the tool output kept per node.
const maxOutputLines = 2000

// NodeState is what the pane knows about one node.
type NodeState struct {
	ID        string
	Stage     string
	Tool      string
	Status    string
	Output    []string
	StartTime time.Time
	Duration  time.Duration
}

// NodePaneModel lists nodes as they start and shows the selected node's
// tool output in a scrollable viewport.
type NodePaneModel struct {
	nodes       map[string]*NodeState // node id -> state
	nodeOrder   []string              // first-seen order for display
	selectedIdx int
	viewport    viewport.Model
	width       int
	height      int
	focused     bool
	updateTag   int // for debouncing
}

// NewNodePaneModel creates a new node pane model.
func NewNodePaneModel() NodePaneModel {
	return NodePaneModel{
		nodes:    make(map[string]*NodeState),
		viewport: viewport.New(0, 0),
	}
}

// tickMsg is used for debouncing viewport updates.
type tickMsg struct {
	tag int
}

// node returns the state for ref, adding it to the list on first sight.
func (m *NodePaneModel) node(ref events.NodeRef) *NodeState {
	if n, ok := m.nodes[ref.ID]; ok {
		return n
	}
	n := &NodeState{ID: ref.ID, Stage: ref.Stage}
	m.nodes[ref.ID] = n
	m.nodeOrder = append(m.nodeOrder, ref.ID)
	if len(m.nodeOrder) == 1 {
		m.selectedIdx = 0
	}
	return n
}

// Update handles messages for the node pane.
func (m NodePaneModel) Update(msg tea.Msg) (NodePaneModel, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		if !m.focused {
			break
		}
		switch msg.String() {
		case KeyJ, KeyDown:
			if m.selectedIdx < len(m.nodeOrder)-1 {
				m.selectedIdx++
				m.updateViewportContent()
			}
		case KeyK, KeyUp:
			if m.selectedIdx > 0 {
				m.selectedIdx--
				m.updateViewportContent()
			}
		default:
			m.viewport, cmd = m.viewport.Update(msg)
		}

	case events.NodeStartedEvent:
		n := m.node(msg.Node)
		n.Status = StatusRunning
		n.Tool = msg.Tool
		n.StartTime = msg.Timestamp
		m.refreshIfSelected(n.ID)

	case events.NodeSkippedEvent:
		// A shared node is skipped by every job after the one that built it.
		n := m.node(msg.Node)
		if n.Status == "" {
			n.Status = StatusSkipped
			n.Output = append(n.Output, "[outputs already present]")
			m.refreshIfSelected(n.ID)
		}

	case events.NodeOutputEvent:
		n, ok := m.nodes[msg.Node.ID]
		if !ok {
			break
		}
		n.Output = append(n.Output, msg.Line)
		if over := len(n.Output) - maxOutputLines; over > 0 {
			n.Output = n.Output[over:]
		}
		if m.selectedID() == n.ID {
			m.updateTag++
			tag := m.updateTag
			return m, tea.Tick(50*time.Millisecond, func(time.Time) tea.Msg {
				return tickMsg{tag: tag}
			})
		}

	case events.NodeCompletedEvent:
		n := m.node(msg.Node)
		n.Status = StatusCompleted
		n.Duration = msg.Duration
		n.Output = append(n.Output, fmt.Sprintf("\n[Completed in %v]", msg.Duration.Round(time.Millisecond)))
		m.refreshIfSelected(n.ID)

	case events.NodeFailedEvent:
		n := m.node(msg.Node)
		n.Status = StatusFailed
		n.Duration = msg.Duration
		n.Output = append(n.Output, fmt.Sprintf("\n[Failed: %v]", msg.Err))
		for _, p := range msg.Missing {
			n.Output = append(n.Output, "  missing "+p)
		}
		m.refreshIfSelected(n.ID)

	case tickMsg:
		if msg.tag == m.updateTag {
			m.updateViewportContent()
		}
	}

	return m, cmd
}

func (m *NodePaneModel) refreshIfSelected(id string) {
	if m.selectedID() == id {
		m.updateViewportContent()
	}
}

// View renders the node pane.
func (m NodePaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	listWidth := m.listWidth()
	viewportWidth := m.width - listWidth - 4

	content := lipgloss.JoinHorizontal(
		lipgloss.Top,
		m.renderNodeList(listWidth),
		lipgloss.NewStyle().
			Width(viewportWidth).
			Height(m.height-2).
			Render(m.viewport.View()),
	)

	style := StyleUnfocusedBorder
	if m.focused {
		style = StyleFocusedBorder
	}
	return style.
		Width(m.width - 2).
		Height(m.height - 2).
		Render(content)
}

// listWidth fits "sub-XX/betmask@branch" ids on wide terminals.
func (m NodePaneModel) listWidth() int {
	return max(24, min(36, m.width/3))
}

func (m NodePaneModel) renderNodeList(width int) string {
	var b strings.Builder

	title := StyleTitle.Render("Nodes")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", min(width, lipgloss.Width(title))))
	b.WriteString("\n\n")

	if len(m.nodeOrder) == 0 {
		b.WriteString(StyleStatusPending.Render("Waiting..."))
	}

	// Keep the selection visible when the list is taller than the pane.
	rows := max(1, m.height-6)
	first := 0
	if m.selectedIdx >= rows {
		first = m.selectedIdx - rows + 1
	}
	for i := first; i < len(m.nodeOrder) && i < first+rows; i++ {
		n := m.nodes[m.nodeOrder[i]]
		name := n.ID
		if len(name) > width-3 {
			name = "..." + name[len(name)-(width-6):]
		}
		line := fmt.Sprintf("%s %s", StatusIcon(n.Status), name)
		if i == m.selectedIdx {
			line = StyleSelected.Render(line)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}

	return lipgloss.NewStyle().
		Width(width).
		Height(m.height - 2).
		Render(b.String())
}

// StatusIcon returns a styled status indicator.
func StatusIcon(status string) string {
	switch status {
	case StatusRunning:
		return StyleStatusRunning.Render("●")
	case StatusCompleted:
		return StyleStatusComplete.Render("✓")
	case StatusSkipped:
		return StyleStatusSkipped.Render("↷")
	case StatusFailed:
		return StyleStatusFailed.Render("✗")
	default:
		return StyleStatusPending.Render("○")
	}
}

func (m NodePaneModel) selectedID() string {
	if m.selectedIdx >= 0 && m.selectedIdx < len(m.nodeOrder) {
		return m.nodeOrder[m.selectedIdx]
	}
	return ""
}

// Selected returns the selected node, or nil before any node was seen.
func (m NodePaneModel) Selected() *NodeState {
	return m.nodes[m.selectedID()]
}

func (m *NodePaneModel) updateViewportContent() {
	n, ok := m.nodes[m.selectedID()]
	if !ok {
		m.viewport.SetContent("Waiting for nodes...")
		return
	}
	header := n.ID
	if n.Tool != "" {
		header += " (" + n.Tool + ")"
	}
	m.viewport.SetContent(header + "\n\n" + strings.Join(n.Output, "\n"))
	m.viewport.GotoBottom()
}

func (m *NodePaneModel) resizeViewport() {
	m.viewport.Width = max(10, m.width-m.listWidth()-4)
	m.viewport.Height = max(5, m.height-4)
}

// SetSize updates the pane dimensions.
func (m *NodePaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	m.resizeViewport()
}

// SetFocused updates the focus state.
func (m *NodePaneModel) SetFocused(focused bool) {
	m.focused = focused
}
