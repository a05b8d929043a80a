package tui

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/aristath/dwiflow/internal/config"
	"github.com/aristath/dwiflow/internal/events"
)

func nodeRef(id, stage string) events.NodeRef {
	return events.NodeRef{RunID: "r1", ID: id, Subject: "01", Stage: stage}
}

func newTestModel(t *testing.T) Model {
	t.Helper()
	bus := events.NewEventBus()
	t.Cleanup(bus.Close)
	dir := t.TempDir()
	m := New(bus, Options{
		Jobs:        2,
		Config:      config.DefaultConfig(),
		GlobalPath:  filepath.Join(dir, "global.json"),
		ProjectPath: filepath.Join(dir, "project.yaml"),
	})
	updated, _ := m.Update(tea.WindowSizeMsg{Width: 160, Height: 40})
	return updated.(Model)
}

func send(m Model, msgs ...tea.Msg) Model {
	for _, msg := range msgs {
		updated, _ := m.Update(msg)
		m = updated.(Model)
	}
	return m
}

func TestNodePane_TracksLifecycle(t *testing.T) {
	align := nodeRef("sub-01/align", "align")
	bse := nodeRef("sub-01/bse@eddy", "bse")

	m := send(newTestModel(t),
		events.NodeStartedEvent{Node: align, Tool: "align"},
		events.NodeOutputEvent{Node: align, Line: "aligning"},
		events.NodeCompletedEvent{Node: align, Duration: time.Second},
		// The second job reaches the shared node after it was built.
		events.NodeSkippedEvent{Node: align},
		events.NodeStartedEvent{Node: bse, Tool: "bse"},
		events.NodeFailedEvent{Node: bse, Err: errors.New("exit status 1"), Missing: []string{"/d/bse.nii.gz"}},
	)

	if got := len(m.nodePane.nodeOrder); got != 2 {
		t.Fatalf("expected 2 nodes listed, got %d", got)
	}
	if s := m.nodePane.nodes["sub-01/align"].Status; s != StatusCompleted {
		t.Errorf("align status = %s, want completed (skip must not downgrade it)", s)
	}
	if s := m.nodePane.nodes["sub-01/bse@eddy"].Status; s != StatusFailed {
		t.Errorf("bse status = %s, want failed", s)
	}
	out := strings.Join(m.nodePane.nodes["sub-01/bse@eddy"].Output, "\n")
	if !strings.Contains(out, "missing /d/bse.nii.gz") {
		t.Errorf("failure output should list missing outputs, got %q", out)
	}
	if !strings.Contains(m.View(), "sub-01/align") {
		t.Error("view should list the align node")
	}
}

func TestNodePane_SkippedFirst(t *testing.T) {
	m := send(newTestModel(t), events.NodeSkippedEvent{Node: nodeRef("sub-02/eddy", "eddy")})
	if s := m.nodePane.nodes["sub-02/eddy"].Status; s != StatusSkipped {
		t.Errorf("status = %s, want skipped", s)
	}
}

func TestNodePane_Selection(t *testing.T) {
	m := send(newTestModel(t),
		events.NodeStartedEvent{Node: nodeRef("a", "align")},
		events.NodeStartedEvent{Node: nodeRef("b", "eddy")},
		tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("j")},
	)
	if sel := m.nodePane.Selected(); sel == nil || sel.ID != "b" {
		t.Errorf("expected b selected, got %+v", sel)
	}
	m = send(m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("k")}, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("k")})
	if sel := m.nodePane.Selected(); sel.ID != "a" {
		t.Errorf("expected a selected, got %s", sel.ID)
	}
}

func TestNodePane_OutputBounded(t *testing.T) {
	ref := nodeRef("sub-01/ukf@eddy", "ukf")
	m := send(newTestModel(t), events.NodeStartedEvent{Node: ref})
	for i := 0; i < maxOutputLines+10; i++ {
		m = send(m, events.NodeOutputEvent{Node: ref, Line: "seed"})
	}
	if got := len(m.nodePane.nodes[ref.ID].Output); got != maxOutputLines {
		t.Errorf("kept %d lines, want %d", got, maxOutputLines)
	}
}

func TestProgressPane_SumsRunsAndJobs(t *testing.T) {
	m := send(newTestModel(t),
		events.JobStartedEvent{RunID: "r1"},
		events.JobStartedEvent{RunID: "r2"},
		events.RunProgressEvent{RunID: "r1", Total: 6, Done: 1, Pending: 5},
		events.RunProgressEvent{RunID: "r1", Total: 6, Done: 2, Running: 1, Pending: 3},
		events.RunProgressEvent{RunID: "r2", Total: 6, Skipped: 2, Failed: 1, Pending: 3},
		events.JobFinishedEvent{RunID: "r2", Subject: "01", Branch: "epi", Err: errors.New("stage epi failed")},
	)

	tot := m.progressPane.Totals()
	if tot.Total != 12 || tot.Done != 2 || tot.Skipped != 2 || tot.Failed != 1 || tot.Running != 1 || tot.Pending != 6 {
		t.Errorf("unexpected totals: %+v", tot)
	}
	if m.progressPane.jobsDone != 1 || m.progressPane.jobsFailed != 1 {
		t.Errorf("jobs done/failed = %d/%d", m.progressPane.jobsDone, m.progressPane.jobsFailed)
	}
	if !strings.Contains(m.View(), "sub-01@epi: stage epi failed") {
		t.Error("view should list the failed job")
	}
}

func TestModel_FocusAndQuit(t *testing.T) {
	m := newTestModel(t)
	m = send(m, tea.KeyMsg{Type: tea.KeyTab})
	if m.focusedPane != PaneProgress {
		t.Errorf("tab should focus progress pane")
	}
	m = send(m, tea.KeyMsg{Type: tea.KeyShiftTab})
	if m.focusedPane != PaneNodes {
		t.Errorf("shift+tab should focus node pane")
	}

	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	if cmd == nil {
		t.Fatal("q should return a command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Error("q should quit")
	}
}

func TestModel_DoneBanner(t *testing.T) {
	m := send(newTestModel(t), DoneMsg{Summary: "4 jobs: 3 succeeded, 1 failed", Failed: true})
	if !strings.Contains(m.View(), "3 succeeded, 1 failed") {
		t.Error("view should show the summary")
	}
}

func TestSettings_ApplyAndSave(t *testing.T) {
	m := newTestModel(t)
	m = send(m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("s")})
	if !m.showSettings || !m.settingsPane.IsVisible() {
		t.Fatal("s should open settings")
	}

	sp := &m.settingsPane
	*sp.fields.commands["eddy"] = "/opt/pnl/pnl_eddy.py"
	sp.fields.concurrency = "8"
	sp.fields.stageTimeout = "90m"
	sp.applyFormToConfig()

	if err := config.Save(sp.config, sp.projectPath); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	loaded, err := config.Load(sp.projectPath)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Tools["eddy"].Command != "/opt/pnl/pnl_eddy.py" {
		t.Errorf("eddy command = %q", loaded.Tools["eddy"].Command)
	}
	if loaded.Execution.Concurrency != 8 || loaded.Execution.StageTimeout.Std() != 90*time.Minute {
		t.Errorf("execution = %+v", loaded.Execution)
	}

	m = send(m, tea.KeyMsg{Type: tea.KeyEsc})
	if m.showSettings {
		t.Error("esc should close settings")
	}
}

func TestSettings_Validators(t *testing.T) {
	if validateConcurrency("0") == nil || validateConcurrency("x") == nil {
		t.Error("concurrency must be a positive number")
	}
	if validateConcurrency("3") != nil {
		t.Error("3 is a valid concurrency")
	}
	if validateTimeout("") != nil || validateTimeout("2h") != nil {
		t.Error("empty and 2h are valid timeouts")
	}
	if validateTimeout("soon") == nil {
		t.Error("soon is not a duration")
	}
}
