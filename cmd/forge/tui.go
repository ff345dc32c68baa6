package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"github.com/wilbur182/forge-agent/pkg/compaction"
	"github.com/wilbur182/forge-agent/pkg/message"
	"github.com/wilbur182/forge-agent/pkg/session"
	"github.com/wilbur182/forge-agent/pkg/store"
	"github.com/wilbur182/forge-agent/pkg/tools"
	"github.com/wilbur182/forge-agent/pkg/transport"
)

// state enumerates the screens cmd/forge's TUI moves between, generalized
// from the teacher's state machine (cmd/cli/main.go's stateMenu ..
// stateConfirmExit) minus stateSelectingModel: forge resolves provider and
// model from --provider/--model/--list-models before the program starts
// (spec.md §6.4), rather than offering a model picker screen.
type state int

const (
	stateMenu state = iota
	stateSelectingAgent
	stateSelectingSession
	stateChatting
	stateConfirmExit
)

type errMsg struct{ err error }
type sessionUpdateMsg string
type reloadedMsg struct{ content string }
type turnDoneMsg struct {
	reason string
	err    error
}

// tuiModel is cmd/forge's Bubble Tea program state, binding one
// store.Manager and (once a session is chosen) one session.AgentSession,
// generalized from the teacher's model struct onto pkg/session instead of
// the teacher's runner/sandbox pair.
type tuiModel struct {
	ctx           context.Context
	mgr           store.Manager
	streamer      transport.Streamer
	tools         *tools.Registry
	provider      string
	model         string
	sysPrompt     string
	contextWindow int
	compaction    compaction.Settings

	agentSess   *session.AgentSession
	currentSess store.Session
	updates     <-chan string

	state              state
	availableSessions  []store.SessionMeta
	availableAgents    []store.Agent
	selectedAgentIndex int
	cursor             int
	listOffset         int
	width              int
	height             int
	err                error
	busy               bool

	viewport viewport.Model
	textarea textarea.Model

	renderer *glamour.TermRenderer
}

func newTUIModel(ctx context.Context, mgr store.Manager, streamer transport.Streamer, toolsReg *tools.Registry, provider, model, sysPrompt string, contextWindow int, compSettings compaction.Settings) tuiModel {
	ta := textarea.New()
	ta.Placeholder = "Send a message..."
	ta.Focus()
	ta.Prompt = "┃ "
	ta.CharLimit = 8000
	ta.SetWidth(80)
	ta.SetHeight(3)
	ta.FocusedStyle.CursorLine = lipgloss.NewStyle()
	ta.ShowLineNumbers = false

	vp := viewport.New(80, 20)
	vp.SetContent("Welcome! Select an option.")

	r, _ := glamour.NewTermRenderer(
		glamour.WithStandardStyle("light"),
		glamour.WithWordWrap(80),
	)

	startState := stateMenu
	sessions, err := mgr.ListSessions()
	if err == nil && len(sessions) == 0 {
		startState = stateSelectingAgent
	}
	agents, _ := mgr.ListAgents()

	return tuiModel{
		ctx:               ctx,
		mgr:               mgr,
		streamer:          streamer,
		tools:             toolsReg,
		provider:          provider,
		model:             model,
		sysPrompt:         sysPrompt,
		contextWindow:     contextWindow,
		compaction:        compSettings,
		availableAgents:   agents,
		availableSessions: sessions,
		state:             startState,
		viewport:          vp,
		textarea:          ta,
		renderer:          r,
	}
}

func (m tuiModel) Init() tea.Cmd {
	return textarea.Blink
}

func (m tuiModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd
	var tiCmd, vpCmd tea.Cmd

	switch msg.(type) {
	case tea.KeyMsg:
		if m.state == stateChatting {
			m.textarea, tiCmd = m.textarea.Update(msg)
			cmds = append(cmds, tiCmd)
		}
	default:
		m.textarea, tiCmd = m.textarea.Update(msg)
		cmds = append(cmds, tiCmd)
	}
	m.viewport, vpCmd = m.viewport.Update(msg)
	cmds = append(cmds, vpCmd)

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.viewport.Width = msg.Width
		m.textarea.SetWidth(msg.Width)
		m.viewport.Height = msg.Height - m.textarea.Height() - 2
		if m.viewport.Height < 0 {
			m.viewport.Height = 0
		}
		m.viewport.YPosition = 2
		m.renderer, _ = glamour.NewTermRenderer(
			glamour.WithStandardStyle("light"),
			glamour.WithWordWrap(maxInt(m.width-4, 20)),
		)

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC:
			if m.currentSess != nil {
				m.state = stateConfirmExit
				return m, nil
			}
			return m, tea.Quit
		case tea.KeyEsc:
			if m.state == stateConfirmExit {
				m.state = stateChatting
				return m, nil
			}
			if m.currentSess != nil {
				m.state = stateConfirmExit
				return m, nil
			}
			return m, tea.Quit
		case tea.KeyEnter:
			switch m.state {
			case stateMenu:
				if m.cursor == 0 {
					m.state = stateSelectingAgent
					m.cursor = 0
					m.listOffset = 0
				} else {
					sessions, err := m.mgr.ListSessions()
					if err != nil {
						m.err = err
					} else if len(sessions) == 0 {
						m.err = fmt.Errorf("no existing sessions found")
					} else {
						m.availableSessions = sessions
						m.state = stateSelectingSession
						m.cursor = 0
						m.listOffset = 0
					}
				}
			case stateSelectingAgent:
				m.selectedAgentIndex = m.cursor
				return m.selectAgent()
			case stateSelectingSession:
				return m.selectSession()
			case stateChatting:
				m.err = nil
				return m.sendMessage()
			}
		case tea.KeyUp:
			if m.cursor > 0 {
				m.cursor--
				if m.cursor < m.listOffset {
					m.listOffset = m.cursor
				}
			}
		case tea.KeyDown:
			var maxCursor int
			switch m.state {
			case stateMenu:
				maxCursor = 1
			case stateSelectingAgent:
				maxCursor = len(m.availableAgents) - 1
			case stateSelectingSession:
				maxCursor = len(m.availableSessions) - 1
			}
			if m.cursor < maxCursor {
				m.cursor++
				maxViewable := maxInt(m.height-7, 1)
				if m.cursor >= m.listOffset+maxViewable {
					m.listOffset = m.cursor - maxViewable + 1
				}
			}
		default:
			if m.state == stateConfirmExit {
				switch msg.String() {
				case "y", "Y":
					return m, tea.Quit
				case "n", "N":
					m.state = stateChatting
					return m, nil
				}
			}
		}

	case sessionUpdateMsg:
		if m.currentSess != nil && string(msg) == m.currentSess.ID() {
			cmds = append(cmds, m.reloadMessages(), waitForUpdate(m.updates))
		} else if m.updates != nil {
			cmds = append(cmds, waitForUpdate(m.updates))
		}

	case reloadedMsg:
		m.viewport.SetContent(msg.content)
		m.viewport.GotoBottom()

	case turnDoneMsg:
		m.busy = false
		if msg.err != nil {
			m.err = msg.err
		}

	case errMsg:
		m.busy = false
		m.err = msg.err
	}

	return m, tea.Batch(cmds...)
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func (m tuiModel) View() string {
	var errorView string
	if m.err != nil {
		errorView = errorStyle.Width(maxInt(m.width, 20)).Render(fmt.Sprintf("\nError: %v", m.err))
	}

	switch m.state {
	case stateMenu:
		header := titleStyle.Render("Main Menu")
		options := []string{"New Session", "Continue Session"}
		return lipgloss.JoinVertical(lipgloss.Left, header, "", renderList(options, m.cursor), "", "Press Enter to select, Esc to quit.", errorView)

	case stateSelectingAgent:
		header := titleStyle.Render("Select Agent")
		var lines []string
		for _, a := range m.availableAgents {
			lines = append(lines, fmt.Sprintf("%s (%s)", a.Name, a.ID))
		}
		return lipgloss.JoinVertical(lipgloss.Left, header, "", renderWindowedList(lines, m.cursor, m.listOffset, m.height), "", "Press Enter to select, Esc to quit.", errorView)

	case stateSelectingSession:
		header := titleStyle.Render("Select Session")
		var lines []string
		for _, s := range m.availableSessions {
			lines = append(lines, fmt.Sprintf("%s (%s)", s.ID, s.ModifiedAt.Format(time.RFC822)))
		}
		return lipgloss.JoinVertical(lipgloss.Left, header, "", renderWindowedList(lines, m.cursor, m.listOffset, m.height), "", "Press Enter to select, Esc to quit.", errorView)

	case stateConfirmExit:
		return lipgloss.JoinVertical(lipgloss.Left, titleStyle.Render("Confirm Exit"), "", "Quit forge? (y/n)", errorView)
	}

	status := ""
	if m.busy {
		status = dimStyle.Render(" (thinking...)")
	}
	return lipgloss.JoinVertical(
		lipgloss.Left,
		titleStyle.Render(fmt.Sprintf("forge — %s/%s%s", m.provider, m.model, status)),
		"",
		m.viewport.View(),
		"",
		errorView,
		m.textarea.View(),
	)
}

func renderList(options []string, cursor int) string {
	var lines []string
	for i, choice := range options {
		c := " "
		if cursor == i {
			c = ">"
			choice = selectedItemStyle.Render(choice)
		}
		lines = append(lines, fmt.Sprintf("%s %s", cursorStyle.Render(c), choice))
	}
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

func renderWindowedList(items []string, cursor, offset, height int) string {
	maxViewable := maxInt(height-7, 1)
	start := offset
	end := minInt(start+maxViewable, len(items))
	var lines []string
	for i := start; i < end; i++ {
		line := items[i]
		c := " "
		if cursor == i {
			c = ">"
			line = selectedItemStyle.Render(line)
		}
		lines = append(lines, fmt.Sprintf("%s %s", cursorStyle.Render(c), line))
	}
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

// selectAgent creates a new session bound to the chosen agent preset and
// enters chat, grounded on the teacher's selectAgent (m.sessManager.NewSession
// + runner.New + go m.runner.Start), generalized to construct a
// session.AgentSession instead of the teacher's Runner.
func (m tuiModel) selectAgent() (tea.Model, tea.Cmd) {
	agentID := ""
	if len(m.availableAgents) > 0 && m.selectedAgentIndex < len(m.availableAgents) {
		agentID = m.availableAgents[m.selectedAgentIndex].ID
	}
	sess, err := m.mgr.NewSession(agentID, "")
	if err != nil {
		return m, func() tea.Msg { return errMsg{err} }
	}
	return m.bindSession(sess)
}

func (m tuiModel) selectSession() (tea.Model, tea.Cmd) {
	chosen := m.availableSessions[m.cursor]
	sess, err := m.mgr.LoadSession(chosen.ID)
	if err != nil {
		return m, func() tea.Msg { return errMsg{err} }
	}
	return m.bindSession(sess)
}

func (m tuiModel) bindSession(sess store.Session) (tea.Model, tea.Cmd) {
	sysPrompt := m.sysPrompt
	if h := sess.Header(); h.Agent != nil && h.Agent.Instructions != "" {
		sysPrompt = h.Agent.Instructions
	}
	m.agentSess = session.New(sess, m.streamer, m.tools, m.model, sysPrompt, ".", m.contextWindow, m.compaction)
	m.currentSess = sess
	m.updates = m.mgr.Subscribe()
	m.state = stateChatting
	m.textarea.Placeholder = "Type a message..."
	m.textarea.Focus()

	return m, tea.Batch(m.reloadMessages(), waitForUpdate(m.updates))
}

func (m tuiModel) sendMessage() (tea.Model, tea.Cmd) {
	v := strings.TrimSpace(m.textarea.Value())
	if v == "" {
		return m, nil
	}
	if v == "/exit" {
		m.state = stateConfirmExit
		return m, nil
	}
	m.textarea.Reset()
	m.busy = true

	ctx := m.ctx
	agentSess := m.agentSess
	return m, func() tea.Msg {
		reason, err := agentSess.Prompt(ctx, message.NewUserMessage(message.Block{Text: &message.TextBlock{Text: v}}))
		return turnDoneMsg{reason: string(reason), err: err}
	}
}

func (m tuiModel) reloadMessages() tea.Cmd {
	sessID := m.currentSess.ID()
	mgr := m.mgr
	renderer := m.renderer
	return func() tea.Msg {
		sess, err := mgr.LoadSession(sessID)
		if err != nil {
			return errMsg{err}
		}
		defer sess.Close()
		entries := sess.GetEntries()
		slog.Debug("loaded session entries", "count", len(entries))
		return reloadedMsg{content: renderEntries(entries, renderer)}
	}
}

func waitForUpdate(sub <-chan string) tea.Cmd {
	return func() tea.Msg {
		id, ok := <-sub
		if !ok {
			return nil
		}
		return sessionUpdateMsg(id)
	}
}
