package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/ejdispatch/ej/internal/ejmodel"
)

// updateMsg wraps a jobUpdate for delivery as a tea.Msg.
type updateMsg struct{ update jobUpdate }

// doneMsg is sent once the admin-socket stream closes, successfully or
// not.
type doneMsg struct{ err error }

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
)

// dispatchModel renders the DispatchOk/JobUpdate sequence streamed from
// the admin socket: a spinner while the job is in flight, scrolling into
// a viewport of log lines, closing once a terminal update is seen.
// Grounded on the teacher's internal/tui.Model (viewport-based log pane
// driven by an events channel fed into tea.Program via p.Send).
type dispatchModel struct {
	job       ejmodel.DeployableJob
	updates   <-chan jobUpdate
	done      <-chan error
	spinner   spinner.Model
	viewport  viewport.Model
	lines     []string
	ready     bool
	finished  bool
	succeeded bool
	err       error
}

func newDispatchModel(job ejmodel.DeployableJob, updates <-chan jobUpdate, done <-chan error) dispatchModel {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	return dispatchModel{job: job, updates: updates, done: done, spinner: sp}
}

func waitForUpdateCmd(updates <-chan jobUpdate) tea.Cmd {
	return func() tea.Msg {
		u, ok := <-updates
		if !ok {
			return nil
		}
		return updateMsg{update: u}
	}
}

func waitForDoneCmd(done <-chan error) tea.Cmd {
	return func() tea.Msg {
		return doneMsg{err: <-done}
	}
}

func (m dispatchModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, waitForUpdateCmd(m.updates), waitForDoneCmd(m.done))
}

func (m dispatchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		if !m.ready {
			m.viewport = viewport.New(msg.Width, msg.Height-3)
			m.ready = true
		} else {
			m.viewport.Width = msg.Width
			m.viewport.Height = msg.Height - 3
		}
		return m, nil

	case tea.KeyMsg:
		if msg.String() == "ctrl+c" || msg.String() == "q" {
			return m, tea.Quit
		}

	case updateMsg:
		m.lines = append(m.lines, renderUpdate(msg.update)...)
		if m.ready {
			m.viewport.SetContent(strings.Join(m.lines, "\n"))
			m.viewport.GotoBottom()
		}
		return m, waitForUpdateCmd(m.updates)

	case doneMsg:
		m.finished = true
		m.err = msg.err
		return m, tea.Quit

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

func (m dispatchModel) View() string {
	status := m.spinner.View() + " running"
	if m.finished {
		if m.err != nil {
			status = failStyle.Render("failed: " + m.err.Error())
		} else {
			status = okStyle.Render("done")
		}
	}
	label := m.job.ID
	if label == "" {
		label = m.job.CommitHash
	}
	header := headerStyle.Render(fmt.Sprintf("job %s — %s", label, status))
	if !m.ready {
		return header + "\n"
	}
	return header + "\n" + m.viewport.View() + "\nq to quit"
}

func renderUpdate(u jobUpdate) []string {
	switch u.kind {
	case "JobAddedToQueue":
		return []string{fmt.Sprintf("queued at position %d", u.queuePos)}
	case "JobStarted":
		return []string{fmt.Sprintf("dispatched to %d builder(s)", u.nbBuilders)}
	case "JobCancelled":
		return []string{"cancelled: " + u.cancelReason}
	case "BuildFinished":
		return append([]string{fmt.Sprintf("build finished, success=%v", u.success)}, renderEntries(u.logs)...)
	case "RunFinished":
		lines := append([]string{fmt.Sprintf("run finished, success=%v", u.success)}, renderEntries(u.logs)...)
		return append(lines, renderEntries(u.results)...)
	default:
		return nil
	}
}

func renderEntries(entries [][2]any) []string {
	var lines []string
	for _, e := range entries {
		if len(e) != 2 {
			continue
		}
		lines = append(lines, fmt.Sprintf("  %v: %v", e[0], e[1]))
	}
	return lines
}

// runDispatchTUI drives a Dispatch admin-socket call through a dispatchModel,
// returning an error if either the dispatch itself or the TUI program
// failed.
func runDispatchTUI(ctx context.Context, socketPath string, job ejmodel.JobSubmission, timeout time.Duration) error {
	updates := make(chan jobUpdate, 8)
	done := make(chan error, 1)

	go func() {
		_, err := dispatchAdmin(socketPath, job, timeout, updates)
		done <- err
	}()

	// dispatchAdmin reports its DeployableJob only after DispatchOk, which
	// we don't have yet here; the model is built from the submission alone,
	// so its header shows the commit hash in place of the job id.
	model := newDispatchModel(ejmodel.DeployableJob{CommitHash: job.CommitHash}, updates, done)
	p := tea.NewProgram(model)
	finalModel, err := p.Run()
	if err != nil {
		return fmt.Errorf("running dispatch view: %w", err)
	}
	if fm, ok := finalModel.(dispatchModel); ok && fm.err != nil {
		return fm.err
	}
	return nil
}
