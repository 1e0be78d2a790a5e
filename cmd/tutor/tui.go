package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/reflow/wordwrap"

	orchestration "github.com/koscakluka/ema-voice/core"
	"github.com/koscakluka/ema-voice/core/conversations"
)

// voiceSession is the part of the orchestrator the interface drives.
type voiceSession interface {
	Start(ctx context.Context, opts ...orchestration.SessionOption) error
	StartListening() error
	Stop()
	Export() string
}

type (
	phaseMsg        orchestration.Phase
	levelMsg        float64
	turnMsg         conversations.Turn
	interimMsg      string
	errMsg          struct{ err error }
	sessionEndedMsg conversations.SessionSummary
	startedMsg      struct{ err error }
	stoppedMsg      struct{}
	exportedMsg     struct {
		path string
		err  error
	}
)

var (
	titleStyle     = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	phaseStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("86"))
	userStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	assistantStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("213"))
	linkStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("244")).Underline(true)
	interimStyle   = lipgloss.NewStyle().Faint(true).Italic(true)
	errorStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	helpStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

type model struct {
	ctx       context.Context
	session   voiceSession
	events    chan tea.Msg
	exportDir string

	phase   orchestration.Phase
	level   float64
	turns   []conversations.Turn
	interim string
	status  string
	err     error

	width    int
	spinner  spinner.Model
	meter    progress.Model
	viewport viewport.Model
}

func newModel(ctx context.Context, session voiceSession, exportDir string) model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = phaseStyle

	return model{
		ctx:       ctx,
		session:   session,
		events:    make(chan tea.Msg, 64),
		exportDir: exportDir,
		phase:     orchestration.PhaseInactive,
		width:     80,
		spinner:   s,
		meter:     progress.New(progress.WithDefaultGradient(), progress.WithoutPercentage()),
		viewport:  viewport.New(80, 12),
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, waitForEvent(m.events))
}

func waitForEvent(events <-chan tea.Msg) tea.Cmd {
	return func() tea.Msg { return <-events }
}

// sessionOptions routes orchestrator callbacks into the event channel. Level
// updates are dropped when the interface falls behind.
func (m model) sessionOptions() []orchestration.SessionOption {
	send := func(msg tea.Msg) {
		select {
		case m.events <- msg:
		case <-m.ctx.Done():
		}
	}

	return []orchestration.SessionOption{
		orchestration.WithPhaseChangedCallback(func(phase orchestration.Phase) { send(phaseMsg(phase)) }),
		orchestration.WithAudioLevelCallback(func(level float64) {
			select {
			case m.events <- levelMsg(level):
			default:
			}
		}),
		orchestration.WithTurnCallback(func(turn conversations.Turn) { send(turnMsg(turn)) }),
		orchestration.WithInterimTranscriptCallback(func(transcript string) { send(interimMsg(transcript)) }),
		orchestration.WithErrorCallback(func(err error) { send(errMsg{err: err}) }),
		orchestration.WithSessionEndedCallback(func(summary conversations.SessionSummary) {
			send(sessionEndedMsg(summary))
		}),
	}
}

func (m model) startCmd() tea.Cmd {
	return func() tea.Msg {
		return startedMsg{err: m.session.Start(m.ctx, m.sessionOptions()...)}
	}
}

func (m model) stopCmd() tea.Cmd {
	return func() tea.Msg {
		m.session.Stop()
		return stoppedMsg{}
	}
}

func (m model) exportCmd() tea.Cmd {
	return func() tea.Msg {
		path, err := exportTranscript(m.exportDir, m.session.Export(), time.Now())
		return exportedMsg{path: path, err: err}
	}
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			session := m.session
			return m, func() tea.Msg {
				session.Stop()
				return tea.Quit()
			}
		case " ":
			m.err = nil
			if m.phase == orchestration.PhaseInactive {
				m.status = "starting session"
				return m, m.startCmd()
			}
			if err := m.session.StartListening(); err != nil {
				m.err = err
			}
			return m, nil
		case "s":
			m.status = "stopping session"
			return m, m.stopCmd()
		case "e":
			return m, m.exportCmd()
		}
		return m, nil

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.meter.Width = max(msg.Width-20, 10)
		m.viewport.Width = msg.Width
		m.viewport.Height = max(msg.Height-9, 3)
		m.refreshTranscript()
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case phaseMsg:
		m.phase = orchestration.Phase(msg)
		if m.phase != orchestration.PhaseListening {
			m.interim = ""
		}
		if m.phase == orchestration.PhaseInactive {
			m.level = 0
		}
		return m, waitForEvent(m.events)

	case levelMsg:
		m.level = float64(msg)
		return m, waitForEvent(m.events)

	case turnMsg:
		m.turns = append(m.turns, conversations.Turn(msg))
		m.interim = ""
		m.refreshTranscript()
		return m, waitForEvent(m.events)

	case interimMsg:
		m.interim = string(msg)
		return m, waitForEvent(m.events)

	case errMsg:
		m.err = msg.err
		return m, waitForEvent(m.events)

	case sessionEndedMsg:
		m.status = fmt.Sprintf("session ended with %d turns", len(msg.Turns))
		return m, waitForEvent(m.events)

	case startedMsg:
		if msg.err != nil {
			m.err = msg.err
			m.status = ""
			return m, nil
		}
		m.status = "session started"
		return m, nil

	case stoppedMsg:
		return m, nil

	case exportedMsg:
		if msg.err != nil {
			m.err = fmt.Errorf("export failed: %w", msg.err)
			return m, nil
		}
		m.status = "transcript exported to " + msg.path
		return m, nil
	}

	return m, nil
}

func (m *model) refreshTranscript() {
	width := max(m.viewport.Width-2, 20)

	var b strings.Builder
	for _, turn := range m.turns {
		style := userStyle
		if turn.Role == conversations.RoleAssistant {
			style = assistantStyle
		}
		b.WriteString(style.Render(wordwrap.String(turn.TranscriptLine(), width)))
		b.WriteString("\n")
		for _, link := range turn.Links {
			b.WriteString("  " + linkStyle.Render(link) + "\n")
		}
	}

	m.viewport.SetContent(b.String())
	m.viewport.GotoBottom()
}

func (m model) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("Voice tutor") + "\n\n")

	phase := phaseStyle.Render(m.phase.String())
	switch m.phase {
	case orchestration.PhaseProcessing:
		phase = m.spinner.View() + " " + phaseStyle.Render("thinking")
	case orchestration.PhaseSpeaking:
		phase = m.spinner.View() + " " + phaseStyle.Render("speaking")
	}
	b.WriteString(phase + "\n")
	b.WriteString("mic " + m.meter.ViewAs(m.level) + "\n\n")

	b.WriteString(m.viewport.View() + "\n")
	if m.interim != "" {
		b.WriteString(interimStyle.Render(wordwrap.String(m.interim, max(m.width-2, 20))) + "\n")
	}

	if m.err != nil {
		b.WriteString(errorStyle.Render(describeError(m.err)) + "\n")
	} else if m.status != "" {
		b.WriteString(helpStyle.Render(m.status) + "\n")
	}

	b.WriteString(helpStyle.Render("space: start/listen • s: stop • e: export • q: quit"))
	return b.String()
}

func describeError(err error) string {
	var resourceErr *orchestration.ResourceError
	var recognitionErr *orchestration.RecognitionError
	var dialogueErr *orchestration.DialogueError

	switch {
	case errors.As(err, &resourceErr):
		return "microphone unavailable: " + resourceErr.Err.Error()
	case errors.As(err, &recognitionErr):
		return "speech recognition failed (" + recognitionErr.Kind.String() + ")"
	case errors.As(err, &dialogueErr):
		return "tutor unavailable: " + dialogueErr.Err.Error()
	}
	return err.Error()
}
