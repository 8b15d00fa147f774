// Package tui provides the interactive terminal panel for nvrpanel.
package tui

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/fentz26/nvrpanel/internal/installer"
	"github.com/fentz26/nvrpanel/internal/models"
	"github.com/fentz26/nvrpanel/internal/recorder"
)

var (
	// Colors
	primaryColor   = lipgloss.Color("#7C3AED")
	secondaryColor = lipgloss.Color("#6366F1")
	successColor   = lipgloss.Color("#10B981")
	warningColor   = lipgloss.Color("#F59E0B")
	errorColor     = lipgloss.Color("#EF4444")
	mutedColor     = lipgloss.Color("#6B7280")
	fgColor        = lipgloss.Color("#F9FAFB")
	cyanColor      = lipgloss.Color("#06B6D4")

	// Styles
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			Padding(0, 1)

	statusBarStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("#374151")).
			Foreground(fgColor).
			Padding(0, 1)

	inputBoxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(primaryColor).
			Padding(0, 1)

	helpStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Italic(true)

	sectionStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(cyanColor)
)

// Views
const (
	viewStatus = "status"
	viewConfig = "config"
	viewLogs   = "logs"
)

var views = []string{viewStatus, viewConfig, viewLogs}

// maxOutputLines bounds the install output kept for the logs view.
const maxOutputLines = 500

// Backend is the orchestrator surface the panel drives.
type Backend interface {
	Status(ctx context.Context) (models.Snapshot, error)
	Snapshot() models.Snapshot
	Subscribe(fn func(models.Snapshot)) func()
	RunInstall(ctx context.Context, onProgress installer.ProgressFunc) (*installer.Outcome, error)
	LoadConfig() *recorder.Config
	SaveConfig(ctx context.Context, cfg *recorder.Config) error
	Start(ctx context.Context) (models.ContainerState, error)
	Stop(ctx context.Context) (models.ContainerState, error)
	Restart(ctx context.Context) (models.ContainerState, error)
	Logs(ctx context.Context, tail int) (string, error)
	Cancel()
}

// Options configures the panel.
type Options struct {
	// PollInterval is how often the status is re-derived while idle.
	PollInterval time.Duration
}

// App is the main TUI application model.
type App struct {
	backend Backend
	ctx     context.Context
	events  chan tea.Msg
	unsub   func()
	poll    time.Duration

	snap        models.Snapshot
	cfg         *recorder.Config
	dirty       bool
	violations  []recorder.Violation
	output      []string
	input       textinput.Model
	viewport    viewport.Model
	suggestions *Suggestions
	width       int
	height      int
	mode        string
	message     string
	running     string // operation started from this panel
	cancelAsked bool
}

// New creates the panel. Snapshots published by backend are rendered as
// they arrive.
func New(ctx context.Context, backend Backend, opts Options) *App {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 10 * time.Second
	}

	ti := textinput.New()
	ti.Placeholder = "Type / for commands: install | start | stop | camera add | save | logs"
	ti.Focus()
	ti.CharLimit = 512
	ti.Width = 80

	a := &App{
		backend:     backend,
		ctx:         ctx,
		events:      make(chan tea.Msg, 256),
		poll:        opts.PollInterval,
		snap:        backend.Snapshot(),
		cfg:         backend.LoadConfig(),
		input:       ti,
		viewport:    viewport.New(80, 20),
		suggestions: NewSuggestions(),
		mode:        viewStatus,
	}
	a.unsub = backend.Subscribe(func(s models.Snapshot) {
		a.send(snapshotMsg{s})
	})
	return a
}

// Run starts the TUI application and blocks until the user quits.
func (a *App) Run() error {
	defer a.unsub()
	p := tea.NewProgram(a, tea.WithAltScreen(), tea.WithContext(a.ctx))
	_, err := p.Run()
	if errors.Is(err, tea.ErrProgramKilled) && a.ctx.Err() != nil {
		return nil
	}
	return err
}

// Init implements tea.Model
func (a *App) Init() tea.Cmd {
	return tea.Batch(
		textinput.Blink,
		a.waitEvent(),
		a.refresh(),
		a.tickCmd(),
	)
}

// Update implements tea.Model
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c":
			if a.snap.Operation != "" && !a.cancelAsked {
				a.backend.Cancel()
				a.cancelAsked = true
				a.message = "Cancelling " + a.snap.Operation + "... press Ctrl+C again to quit"
				return a, nil
			}
			a.backend.Cancel()
			return a, tea.Quit

		case "esc":
			if a.suggestions.IsVisible() {
				a.input.SetValue("")
				a.suggestions.Update("")
				return a, nil
			}
			a.mode = viewStatus
			return a, nil

		case "up":
			if a.suggestions.IsVisible() {
				a.suggestions.Prev()
				return a, nil
			}
			if a.mode == viewLogs {
				a.viewport.LineUp(1)
			}

		case "down":
			if a.suggestions.IsVisible() {
				a.suggestions.Next()
				return a, nil
			}
			if a.mode == viewLogs {
				a.viewport.LineDown(1)
			}

		case "pgup":
			a.viewport.HalfViewUp()
		case "pgdown":
			a.viewport.HalfViewDown()

		case "tab":
			if a.acceptSuggestion() {
				return a, nil
			}
			a.mode = nextView(a.mode)
			return a, nil

		case "enter":
			if a.acceptSuggestion() {
				return a, nil
			}
			line := strings.TrimSpace(a.input.Value())
			if line == "" {
				return a, nil
			}
			a.input.SetValue("")
			a.suggestions.Update("")
			return a, a.execute(line)
		}

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.input.Width = msg.Width - 6
		a.viewport.Width = msg.Width
		a.viewport.Height = max(msg.Height-10, 3)

	case snapshotMsg:
		a.snap = msg.snap
		if a.snap.Operation == "" {
			a.cancelAsked = false
		}
		cmds = append(cmds, a.waitEvent())

	case outputMsg:
		a.appendOutput(msg.line)
		cmds = append(cmds, a.waitEvent())

	case opDoneMsg:
		a.running = ""
		a.message = msg.message
		var verr *recorder.ValidationError
		switch {
		case errors.As(msg.err, &verr):
			a.violations = verr.Violations
			a.message = fmt.Sprintf("Error: config has %d problem(s), nothing was saved", len(verr.Violations))
		case msg.err != nil:
			a.message = "Error: " + msg.err.Error()
		case msg.op == "save":
			a.dirty = false
			a.violations = nil
		}
		cmds = append(cmds, a.refresh())

	case logsMsg:
		if msg.err != nil {
			a.message = "Error: " + msg.err.Error()
			break
		}
		a.mode = viewLogs
		a.viewport.SetContent(msg.text)
		a.viewport.GotoBottom()

	case statusMsg:
		if msg.err != nil {
			a.message = "Error: " + msg.err.Error()
		} else {
			a.snap = msg.snap
		}

	case tickMsg:
		cmds = append(cmds, a.tickCmd())
		if a.snap.Operation == "" {
			cmds = append(cmds, a.refresh())
		}

	case messageMsg:
		a.message = msg.text
	}

	// Update input
	var cmd tea.Cmd
	a.input, cmd = a.input.Update(msg)
	cmds = append(cmds, cmd)

	a.suggestions.Update(a.input.Value())
	if strings.HasPrefix(a.input.Value(), "@") {
		ids := make([]string, len(a.cfg.Cameras))
		for i, c := range a.cfg.Cameras {
			ids[i] = c.ID
		}
		a.suggestions.SetCameras(ids)
	}

	return a, tea.Batch(cmds...)
}

func (a *App) acceptSuggestion() bool {
	if !a.suggestions.IsVisible() {
		return false
	}
	if selected := a.suggestions.Selected(); selected != nil {
		a.input.SetValue(selected.Text + " ")
		a.input.CursorEnd()
		a.suggestions.Update("")
	}
	return true
}

// View implements tea.Model
func (a *App) View() string {
	var b strings.Builder

	header := titleStyle.Render("NVR Panel")
	header += "  " + phaseBadge(a.snap.Phase)
	header += "  " + containerBadge(a.snap.Container)
	if a.snap.Operation != "" {
		header += "  " + lipgloss.NewStyle().Foreground(warningColor).Render("◑ "+a.snap.Operation)
	}
	b.WriteString(header + "\n")
	b.WriteString(strings.Repeat("─", max(a.width, 40)) + "\n")

	switch a.mode {
	case viewStatus:
		b.WriteString(renderStatus(a.snap))
	case viewConfig:
		b.WriteString(renderConfig(a.cfg, a.snap.ConfigPath, a.dirty, a.violations))
	case viewLogs:
		b.WriteString(a.viewport.View())
	}

	// Message bar
	if a.message != "" {
		msgStyle := lipgloss.NewStyle().Foreground(successColor)
		if strings.HasPrefix(a.message, "Error") {
			msgStyle = lipgloss.NewStyle().Foreground(errorColor)
		}
		b.WriteString("\n" + msgStyle.Render(a.message))
	} else {
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(inputBoxStyle.Render(a.input.View()))
	if a.suggestions.IsVisible() {
		b.WriteString("\n")
		b.WriteString(a.suggestions.Render(max(a.width, 40)))
	}
	b.WriteString("\n")

	status := fmt.Sprintf(" %s | Tab:view | Esc:back | Ctrl+C:cancel/quit", strings.ToUpper(a.mode))
	if hint := nextStepHint(a.snap); hint != "" {
		status += " | " + hint
	}
	b.WriteString(statusBarStyle.Width(max(a.width, 40)).Render(status))

	return b.String()
}

func (a *App) appendOutput(line string) {
	a.output = append(a.output, line)
	if len(a.output) > maxOutputLines {
		a.output = a.output[len(a.output)-maxOutputLines:]
	}
	if a.running == "install" {
		a.viewport.SetContent(strings.Join(a.output, "\n"))
		a.viewport.GotoBottom()
	}
}

// send forwards msg to the program without blocking the publisher.
func (a *App) send(msg tea.Msg) {
	select {
	case a.events <- msg:
	default:
	}
}

func (a *App) waitEvent() tea.Cmd {
	return func() tea.Msg {
		return <-a.events
	}
}

func (a *App) refresh() tea.Cmd {
	return func() tea.Msg {
		snap, err := a.backend.Status(a.ctx)
		return statusMsg{snap, err}
	}
}

func (a *App) tickCmd() tea.Cmd {
	return tea.Tick(a.poll, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func nextView(current string) string {
	for i, v := range views {
		if v == current {
			return views[(i+1)%len(views)]
		}
	}
	return viewStatus
}

type snapshotMsg struct {
	snap models.Snapshot
}

type statusMsg struct {
	snap models.Snapshot
	err  error
}

type outputMsg struct {
	line string
}

type opDoneMsg struct {
	op      string
	message string
	err     error
}

type logsMsg struct {
	text string
	err  error
}

type messageMsg struct {
	text string
}

type tickMsg time.Time
