package tui

import (
	"fmt"
	"strconv"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/dwiflow/internal/config"
	"github.com/aristath/dwiflow/internal/scheduler"
)

// settingsStages are the stages whose commands the form edits, in pipeline
// order.
var settingsStages = []string{
	scheduler.StageAlign,
	scheduler.StageEddy,
	scheduler.StageEpi,
	scheduler.StageBSE,
	scheduler.StageBetMask,
	scheduler.StageUKF,
}

// SettingsPaneModel manages the settings form overlay. Saved settings apply
// to the next run; the running batch keeps the adapters it started with.
type SettingsPaneModel struct {
	form        *huh.Form
	config      *config.Config
	globalPath  string
	projectPath string
	width       int
	height      int
	visible     bool
	saved       bool
	err         error

	fields *settingsFields
}

// settingsFields holds the form bindings. It lives behind a pointer so the
// form keeps writing to the same values as the model is copied.
type settingsFields struct {
	saveTarget   string
	commands     map[string]*string
	concurrency  string
	stageTimeout string
}

// NewSettingsPaneModel creates a new settings pane.
func NewSettingsPaneModel(cfg *config.Config, globalPath, projectPath string) SettingsPaneModel {
	m := SettingsPaneModel{
		config:      cfg,
		globalPath:  globalPath,
		projectPath: projectPath,
		fields:      &settingsFields{saveTarget: "project"},
	}
	m.loadFields()
	m.buildForm()
	return m
}

// loadFields copies the config into the form bindings.
func (m *SettingsPaneModel) loadFields() {
	f := m.fields
	f.commands = make(map[string]*string, len(settingsStages))
	for _, stage := range settingsStages {
		cmd := m.config.Tools[stage].Command
		f.commands[stage] = &cmd
	}
	f.concurrency = strconv.Itoa(m.config.Execution.Concurrency)
	f.stageTimeout = ""
	if m.config.Execution.StageTimeout > 0 {
		f.stageTimeout = m.config.Execution.StageTimeout.String()
	}
}

func validateConcurrency(s string) error {
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		return fmt.Errorf("enter a positive number")
	}
	return nil
}

func validateTimeout(s string) error {
	if s == "" {
		return nil
	}
	if d, err := time.ParseDuration(s); err != nil || d < 0 {
		return fmt.Errorf("enter a duration such as 45m or 2h")
	}
	return nil
}

// buildForm constructs the huh form with all settings fields.
func (m *SettingsPaneModel) buildForm() {
	f := m.fields
	tools := make([]huh.Field, 0, len(settingsStages))
	for _, stage := range settingsStages {
		tools = append(tools, huh.NewInput().
			Key(stage).
			Title(stage+" command").
			Value(f.commands[stage]).
			Validate(huh.ValidateNotEmpty()))
	}

	m.form = huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Key("saveTarget").
				Title("Save To").
				Options(
					huh.NewOption("Global ("+m.globalPath+")", "global"),
					huh.NewOption("Project ("+m.projectPath+")", "project"),
				).
				Value(&f.saveTarget),
		).Title("Save Target"),

		huh.NewGroup(tools...).Title("Stage Tools"),

		huh.NewGroup(
			huh.NewInput().
				Key("concurrency").
				Title("Concurrent jobs").
				Value(&f.concurrency).
				Validate(validateConcurrency),

			huh.NewInput().
				Key("stageTimeout").
				Title("Stage timeout").
				Description("Empty for none").
				Value(&f.stageTimeout).
				Placeholder("2h").
				Validate(validateTimeout),
		).Title("Execution"),
	)
}

// Init initializes the settings pane.
func (m SettingsPaneModel) Init() tea.Cmd {
	return m.form.Init()
}

// Update handles messages for the settings pane.
func (m SettingsPaneModel) Update(msg tea.Msg) (SettingsPaneModel, tea.Cmd) {
	if !m.visible {
		return m, nil
	}

	if key, ok := msg.(tea.KeyMsg); ok && key.String() == KeyEsc {
		m.visible = false
		m.saved = false
		return m, nil
	}

	form, cmd := m.form.Update(msg)
	if f, ok := form.(*huh.Form); ok {
		m.form = f
	}

	if m.form.State == huh.StateCompleted {
		m.applyFormToConfig()

		targetPath := m.globalPath
		if m.fields.saveTarget == "project" {
			targetPath = m.projectPath
		}

		if err := config.Save(m.config, targetPath); err != nil {
			m.err = err
			m.saved = false
		} else {
			m.saved = true
			m.err = nil
			m.visible = false
		}
	}

	return m, cmd
}

// applyFormToConfig copies form field values back to the config struct.
// Inputs were validated by the form.
func (m *SettingsPaneModel) applyFormToConfig() {
	f := m.fields
	for _, stage := range settingsStages {
		tool := m.config.Tools[stage]
		tool.Command = *f.commands[stage]
		m.config.Tools[stage] = tool
	}
	if n, err := strconv.Atoi(f.concurrency); err == nil {
		m.config.Execution.Concurrency = n
	}
	if d, err := time.ParseDuration(f.stageTimeout); err == nil {
		m.config.Execution.StageTimeout = config.Duration(d)
	} else if f.stageTimeout == "" {
		m.config.Execution.StageTimeout = 0
	}
}

// View renders the settings pane.
func (m SettingsPaneModel) View() string {
	if !m.visible {
		return ""
	}

	var content string
	if m.err != nil {
		content = StyleStatusFailed.Render(fmt.Sprintf("✗ Error saving: %v", m.err))
	} else {
		content = m.form.View()
	}

	style := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("62")).
		Padding(1, 2).
		Width(m.width - 4).
		Height(m.height - 4)

	title := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("62")).
		Render("⚙ Settings (applies to the next run)")

	return lipgloss.JoinVertical(lipgloss.Left, title, style.Render(content))
}

// SetSize updates the dimensions of the settings pane.
func (m *SettingsPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	if m.form != nil {
		m.form.WithWidth(w - 8).WithHeight(h - 8)
	}
}

// SetVisible shows or hides the settings pane. Showing it rebuilds the form
// from the current config.
func (m *SettingsPaneModel) SetVisible(v bool) {
	m.visible = v
	m.saved = false
	m.err = nil
	if v {
		m.loadFields()
		m.buildForm()
	}
}

// IsVisible returns whether the settings pane is currently visible.
func (m SettingsPaneModel) IsVisible() bool {
	return m.visible
}

// Saved reports whether the last form submission was written to disk.
func (m SettingsPaneModel) Saved() bool {
	return m.saved
}
