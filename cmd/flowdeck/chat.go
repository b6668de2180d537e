package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/flowdeck/flowdeck/internal/agentapi"
	"github.com/flowdeck/flowdeck/internal/cache"
	"github.com/flowdeck/flowdeck/internal/chat"
	"github.com/flowdeck/flowdeck/internal/coalesce"
	"github.com/flowdeck/flowdeck/internal/session"
	"github.com/flowdeck/flowdeck/internal/transcript"
)

func runChat(args []string) error {
	fs := flag.NewFlagSet("chat", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "path to config file")
	sessionID := fs.String("session", "", "attach to a specific session instead of the first active one")
	logPath := fs.String("log-file", "", "write JSON logs to this file (default: discard)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}

	// The TUI owns the terminal, so logs go to a file or nowhere.
	logOut, err := os.OpenFile(os.DevNull, os.O_WRONLY, 0)
	if *logPath != "" {
		logOut, err = os.OpenFile(*logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	}
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer logOut.Close()
	logger := newLogger(cfg, logOut)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := cache.Open(ctx, cfg.Cache.Path)
	if err != nil {
		return fmt.Errorf("open transcript cache: %w", err)
	}
	defer db.Close()
	transcripts := cache.NewStore(db, cfg.Cache.MaxMessages)

	client := agentapi.New(cfg.Server.BaseURL, cfg.Server.Token, logger)
	registry := session.New(client, cfg.Server.Agent, cfg.Sessions.PoolCap, logger)
	if err := registry.Refresh(ctx); err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}

	active := *sessionID
	if active == "" {
		active = registry.Active()
	}
	if active == "" {
		sess, err := registry.Create(ctx, agentapi.KindInteractive)
		if err != nil {
			return fmt.Errorf("create session: %w", err)
		}
		active = sess.ID
	}
	registry.SetActive(active)

	m := newChatModel(chatDeps{
		client:   client,
		registry: registry,
		cache:    &transcriptCache{transcripts},
		agent:    cfg.Server.Agent,
		logger:   logger,
	}, active)

	p := tea.NewProgram(m, tea.WithAltScreen())
	_, err = p.Run()
	return err
}

// transcriptCache adapts the sqlite store to the controller's cache surface.
type transcriptCache struct {
	store *cache.Store
}

func (c *transcriptCache) Get(ctx context.Context, sessionID string) ([]transcript.Message, float64, error) {
	snap, err := c.store.Get(ctx, sessionID)
	if err != nil {
		return nil, 0, err
	}
	return snap.Messages, snap.TotalCost, nil
}

func (c *transcriptCache) Put(ctx context.Context, agent, sessionID string, messages []transcript.Message, totalCost float64) error {
	return c.store.Put(ctx, agent, sessionID, messages, totalCost)
}

type chatDeps struct {
	client   *agentapi.Client
	registry *session.Registry
	cache    chat.Cache
	agent    string
	logger   *slog.Logger
}

type transcriptChangedMsg struct{}

type attachedMsg struct{ err error }

type sentMsg struct{ err error }

type sessionsRefreshedMsg struct{ err error }

type sessionCreatedMsg struct {
	id  string
	err error
}

type sessionDeletedMsg struct {
	next string
	err  error
}

type chatModel struct {
	deps   chatDeps
	ctrl   *chat.Controller
	notify chan struct{}
	active string
	width  int
	height int
	err    error
	vp     viewport.Model
	input  textarea.Model
	ready  bool
	stick  bool // keep viewport pinned to the bottom
}

func newChatModel(deps chatDeps, active string) chatModel {
	notify := make(chan struct{}, 32)

	input := textarea.New()
	input.Placeholder = "Message the agent..."
	input.SetHeight(3)
	input.CharLimit = 0
	input.ShowLineNumbers = false
	input.Focus()

	m := chatModel{
		deps:   deps,
		notify: notify,
		active: active,
		input:  input,
		stick:  true,
	}
	m.ctrl = m.newController(active)
	return m
}

func (m *chatModel) newController(sessionID string) *chat.Controller {
	notify := m.notify
	return chat.New(m.deps.client, m.deps.cache, m.deps.agent, sessionID,
		&coalesce.TickScheduler{}, func() {
			select {
			case notify <- struct{}{}:
			default:
			}
		}, m.deps.logger)
}

func (m chatModel) Init() tea.Cmd {
	return tea.Batch(
		attachCmd(m.ctrl),
		waitForChangeCmd(m.notify),
		textarea.Blink,
	)
}

func attachCmd(ctrl *chat.Controller) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return attachedMsg{err: ctrl.Attach(ctx)}
	}
}

func sendCmd(ctrl *chat.Controller, prompt string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return sentMsg{err: ctrl.Send(ctx, prompt)}
	}
}

func refreshSessionsCmd(registry *session.Registry) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return sessionsRefreshedMsg{err: registry.Refresh(ctx)}
	}
}

func createSessionCmd(registry *session.Registry) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		sess, err := registry.Create(ctx, agentapi.KindInteractive)
		if err != nil {
			return sessionCreatedMsg{err: err}
		}
		return sessionCreatedMsg{id: sess.ID}
	}
}

func deleteSessionCmd(registry *session.Registry, id string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := registry.Delete(ctx, id); err != nil {
			return sessionDeletedMsg{err: err}
		}
		return sessionDeletedMsg{next: registry.Active()}
	}
}

func waitForChangeCmd(in <-chan struct{}) tea.Cmd {
	return func() tea.Msg {
		<-in
		return transcriptChangedMsg{}
	}
}

func (m chatModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.layout()
		m.refreshViewport()
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c":
			m.ctrl.Abort()
			m.ctrl.Wait()
			return m, tea.Quit
		case "enter":
			prompt := strings.TrimSpace(m.input.Value())
			if prompt == "" {
				return m, nil
			}
			state := m.ctrl.State()
			if state == chat.StateConnecting || state == chat.StateStreaming {
				m.err = agentapi.ErrSessionBusy
				return m, nil
			}
			m.input.Reset()
			m.err = nil
			m.stick = true
			return m, sendCmd(m.ctrl, prompt)
		case "esc":
			m.ctrl.Abort()
			return m, nil
		case "ctrl+n":
			return m, createSessionCmd(m.deps.registry)
		case "ctrl+d":
			return m, deleteSessionCmd(m.deps.registry, m.active)
		case "ctrl+o":
			return m.switchSession(m.nextSessionID())
		case "ctrl+r":
			return m, refreshSessionsCmd(m.deps.registry)
		}
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		return m, cmd

	case transcriptChangedMsg:
		m.refreshViewport()
		return m, waitForChangeCmd(m.notify)

	case attachedMsg:
		if msg.err != nil {
			m.err = msg.err
		}
		m.refreshViewport()
		return m, nil

	case sentMsg:
		if msg.err != nil {
			m.err = msg.err
		}
		m.refreshViewport()
		return m, nil

	case sessionsRefreshedMsg:
		if msg.err != nil {
			m.err = msg.err
		}
		return m, nil

	case sessionCreatedMsg:
		if msg.err != nil {
			m.err = msg.err
			return m, nil
		}
		return m.switchSession(msg.id)

	case sessionDeletedMsg:
		if msg.err != nil {
			m.err = msg.err
			return m, nil
		}
		return m.switchSession(msg.next)

	default:
		var cmds []tea.Cmd
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		cmds = append(cmds, cmd)
		m.vp, cmd = m.vp.Update(msg)
		cmds = append(cmds, cmd)
		return m, tea.Batch(cmds...)
	}
}

// switchSession tears down the current controller and attaches a new one.
// An empty id means the last session is gone; the view stays up with an
// empty transcript.
func (m chatModel) switchSession(id string) (tea.Model, tea.Cmd) {
	if id == "" || id == m.active {
		return m, nil
	}
	m.ctrl.Abort()
	m.ctrl.Wait()

	m.active = id
	m.deps.registry.SetActive(id)
	m.ctrl = m.newController(id)
	m.err = nil
	m.stick = true
	return m, attachCmd(m.ctrl)
}

func (m *chatModel) nextSessionID() string {
	sessions := m.deps.registry.Sessions()
	if len(sessions) == 0 {
		return ""
	}
	for i, s := range sessions {
		if s.ID == m.active {
			return sessions[(i+1)%len(sessions)].ID
		}
	}
	return sessions[0].ID
}

func (m *chatModel) layout() {
	w := m.width
	if w <= 0 {
		w = 80
	}
	h := m.height
	if h <= 0 {
		h = 24
	}
	vpHeight := h - m.input.Height() - 4
	if vpHeight < 3 {
		vpHeight = 3
	}
	if !m.ready {
		m.vp = viewport.New(w, vpHeight)
		m.ready = true
	} else {
		m.vp.Width = w
		m.vp.Height = vpHeight
	}
	m.input.SetWidth(w - 2)
}

func (m *chatModel) refreshViewport() {
	if !m.ready {
		m.layout()
	}
	m.vp.SetContent(m.renderTranscript())
	if m.stick {
		m.vp.GotoBottom()
	}
}

var (
	accentColor  = lipgloss.Color("#7C3AED")
	userStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#A5B4FC"))
	agentStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#C4B5FD"))
	errStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#EF4444"))
	toolStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#6B7280"))
	pendingStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#F59E0B"))
	metaStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#8B8B9E"))
)

func (m *chatModel) renderTranscript() string {
	msgs := m.ctrl.Messages()
	if len(msgs) == 0 {
		return metaStyle.Render("no messages yet")
	}

	var b strings.Builder
	for i, msg := range msgs {
		if i > 0 {
			b.WriteString("\n")
		}
		label := agentStyle.Render("agent")
		if msg.Role == transcript.RoleUser {
			label = userStyle.Render("you")
		}
		if msg.IsError {
			label = errStyle.Render("agent error")
		}
		b.WriteString(label + "\n")
		for _, part := range msg.Parts {
			switch part.Kind {
			case transcript.PartText:
				text := part.Text
				if msg.IsError {
					text = errStyle.Render(text)
				}
				b.WriteString(text + "\n")
			case transcript.PartTool:
				b.WriteString(renderToolCall(part.Tool) + "\n")
			}
		}
	}
	return b.String()
}

func renderToolCall(tc *transcript.ToolCall) string {
	head := toolStyle.Render(fmt.Sprintf("⏺ %s", tc.Name))
	if tc.Result == nil {
		return head + " " + pendingStyle.Render("(running...)")
	}
	result := *tc.Result
	if len(result) > 200 {
		result = result[:197] + "..."
	}
	return head + "\n" + toolStyle.Render("  → "+strings.ReplaceAll(result, "\n", " "))
}

func (m chatModel) View() string {
	title := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("#EDE9FE")).
		Background(accentColor).
		Padding(0, 1).
		Render("Flowdeck Chat")

	health := m.deps.registry.Health(m.active)
	healthStyle := metaStyle
	switch health {
	case agentapi.HealthBusy:
		healthStyle = pendingStyle
	case agentapi.HealthDead:
		healthStyle = errStyle
	}

	sessionLabel := m.active
	if len(sessionLabel) > 8 {
		sessionLabel = sessionLabel[:8]
	}
	meta := metaStyle.Render(fmt.Sprintf("session=%s  state=%s  sessions=%d  cost=$%.4f",
		sessionLabel, m.ctrl.State(), len(m.deps.registry.Sessions()), m.ctrl.TotalCost())) +
		"  " + healthStyle.Render(string(health))

	footer := metaStyle.Render("enter: send  esc: abort  ctrl+n: new  ctrl+o: next  ctrl+d: delete  ctrl+r: refresh  ctrl+c: quit")
	if m.err != nil {
		footer = errStyle.Render("error: "+friendlyError(m.err)) + "  " + footer
	}

	body := ""
	if m.ready {
		body = m.vp.View()
	}
	return strings.Join([]string{title, meta, body, m.input.View(), footer}, "\n")
}

// friendlyError turns the conflict errors into the specific guidance the
// footer shows; everything else renders as-is.
func friendlyError(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, agentapi.ErrSessionBusy):
		return "session is mid-turn; wait for it to finish or press esc to abort"
	case errors.Is(err, agentapi.ErrPoolLimit):
		return "session pool is full; delete a session before creating another"
	case errors.Is(err, agentapi.ErrUnreachable):
		return "server unreachable; ctrl+r to retry"
	default:
		return err.Error()
	}
}
