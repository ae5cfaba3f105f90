// Package tui renders a streamed call in the terminal.
package tui

import (
	"context"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

var (
	// Colors for calls
	callPurple = lipgloss.Color("#A855F7")
	callGreen  = lipgloss.Color("#22C55E")
	callRed    = lipgloss.Color("#EF4444")
	callGray   = lipgloss.Color("#6B7280")
	callWhite  = lipgloss.Color("#F9FAFB")

	// Styles for calls
	TitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(callPurple)

	TextStyle = lipgloss.NewStyle().
			Foreground(callWhite)

	DoneStyle = lipgloss.NewStyle().
			Foreground(callGreen).
			Bold(true)

	ErrorStyle = lipgloss.NewStyle().
			Foreground(callRed).
			Bold(true)

	StatusStyle = lipgloss.NewStyle().
			Foreground(callGray)
)

// Event kinds delivered to the call view.
const (
	EventChunk = "chunk"
	EventDone  = "done"
	EventError = "error"
)

// CallEvent is one update from the running call. Text is the cumulative
// response for chunk and done, or the message for error.
type CallEvent struct {
	Kind string
	Text string
}

// CallModel is the bubbletea model for a single streamed call
type CallModel struct {
	viewport viewport.Model
	spinner  spinner.Model

	// State
	port      string
	text      string
	errText   string
	streaming bool
	finished  string // "", EventDone, EventError or "closed"
	width     int
	height    int
	ready     bool

	events <-chan CallEvent
	cancel context.CancelFunc
}

// Messages
type callEventMsg CallEvent
type callClosedMsg struct{}

// NewCallModel creates a call view reading events until the channel closes.
// cancel is invoked when the user quits early.
func NewCallModel(port string, events <-chan CallEvent, cancel context.CancelFunc) CallModel {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(callPurple)

	return CallModel{
		viewport:  viewport.New(80, 20),
		spinner:   sp,
		port:      port,
		streaming: true,
		events:    events,
		cancel:    cancel,
	}
}

func (m CallModel) Init() tea.Cmd {
	return tea.Batch(
		m.spinner.Tick,
		m.waitForEvent(),
	)
}

func (m CallModel) waitForEvent() tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-m.events
		if !ok {
			return callClosedMsg{}
		}
		return callEventMsg(ev)
	}
}

func (m CallModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			if m.cancel != nil {
				m.cancel()
			}
			return m, tea.Quit
		case tea.KeyRunes:
			if !m.streaming && msg.String() == "q" {
				return m, tea.Quit
			}
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

		headerHeight := 2
		footerHeight := 2
		m.viewport.Width = m.width
		m.viewport.Height = max(m.height-headerHeight-footerHeight, 1)
		m.ready = true
		m.updateViewport()

	case callEventMsg:
		switch msg.Kind {
		case EventChunk:
			m.text = msg.Text
		case EventDone:
			m.text = msg.Text
			m.streaming = false
			m.finished = EventDone
		case EventError:
			m.errText = msg.Text
			m.streaming = false
			m.finished = EventError
		}
		m.updateViewport()
		cmds = append(cmds, m.waitForEvent())

	case callClosedMsg:
		if m.streaming {
			m.streaming = false
			m.finished = "closed"
		}

	case spinner.TickMsg:
		if m.streaming {
			var cmd tea.Cmd
			m.spinner, cmd = m.spinner.Update(msg)
			cmds = append(cmds, cmd)
		}
	}

	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	cmds = append(cmds, cmd)

	return m, tea.Batch(cmds...)
}

func (m *CallModel) updateViewport() {
	content := TextStyle.Render(m.text)
	if m.errText != "" {
		content += "\n\n" + ErrorStyle.Render("Error: "+m.errText)
	}
	m.viewport.SetContent(content)
	m.viewport.GotoBottom()
}

// Text returns the latest cumulative response.
func (m CallModel) Text() string {
	return m.text
}

func (m CallModel) View() string {
	var b strings.Builder

	b.WriteString(TitleStyle.Render(m.port) + "\n")
	if m.ready {
		b.WriteString(strings.Repeat("─", m.width) + "\n")
	}

	b.WriteString(m.viewport.View() + "\n")

	switch {
	case m.streaming:
		b.WriteString(m.spinner.View() + " " + StatusStyle.Render("Streaming... (esc to cancel)"))
	case m.finished == EventDone:
		b.WriteString(DoneStyle.Render("✓ done") + " " + StatusStyle.Render("q to quit"))
	case m.finished == EventError:
		b.WriteString(ErrorStyle.Render("✗ failed") + " " + StatusStyle.Render("q to quit"))
	default:
		b.WriteString(StatusStyle.Render("channel closed without a result • q to quit"))
	}

	return b.String()
}

// RunCall starts the call TUI and returns once the user quits.
func RunCall(port string, events <-chan CallEvent, cancel context.CancelFunc) error {
	model := NewCallModel(port, events, cancel)
	p := tea.NewProgram(model, tea.WithAltScreen())
	_, err := p.Run()
	return err
}
