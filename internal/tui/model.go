// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package tui

import (
	"context"
	"errors"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	log "github.com/sirupsen/logrus"

	"github.com/jeranaias/mitar/internal/chat"
	"github.com/jeranaias/mitar/internal/export"
	"github.com/jeranaias/mitar/internal/model"
	"github.com/jeranaias/mitar/internal/storage"
)

// Options configures the interface.
type Options struct {
	// UserName is shown in the header.
	UserName string
	// Model is shown in the header.
	Model string
	// Markdown renders finished answers with glamour.
	Markdown bool
	// Theme is a glamour style name; "" or "auto" detects the background.
	Theme string
	// Highlight colors fenced code when Markdown is off.
	Highlight bool
	// ExportDir receives Ctrl+E exports (default ".").
	ExportDir string
}

type focus int

const (
	focusInput focus = iota
	focusList
)

// Layout constants.
const (
	sidebarWidth    = 30
	minSidebarWidth = 90 // terminal width below which the sidebar hides
	headerHeight    = 2
	footerHeight    = 3 // input line, separator and status bar
)

// Model is the bubbletea model of the chat interface.
type Model struct {
	ctx   context.Context
	ws    *chat.Workspace
	store storage.Store
	opts  Options

	input    textinput.Model
	viewport viewport.Model
	spinner  spinner.Model
	renderer *glamour.TermRenderer
	rendered map[string]string // finished message id -> rendered text

	convs         []model.Conversation
	cursor        int
	focus         focus
	confirmDelete string // id awaiting y/n

	session     *chat.Session
	unsubscribe func()
	messages    []model.Message
	state       chat.State
	sending     bool
	cancel      context.CancelFunc

	status string
	err    string

	width  int
	height int

	sessionEvents chan struct{}
	storeEvents   chan struct{}
	stopWatch     func()
	quitting      bool
}

// New creates the model. Call Close on the final model when the program
// exits.
func New(ctx context.Context, ws *chat.Workspace, store storage.Store, opts Options) Model {
	if opts.ExportDir == "" {
		opts.ExportDir = "."
	}

	input := textinput.New()
	input.Placeholder = "Message"
	input.Prompt = "> "
	input.CharLimit = 0
	input.Focus()

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = spinnerStyle

	m := Model{
		ctx:           ctx,
		ws:            ws,
		store:         store,
		opts:          opts,
		input:         input,
		viewport:      viewport.New(80, 20),
		spinner:       sp,
		rendered:      make(map[string]string),
		sessionEvents: make(chan struct{}, 1),
		storeEvents:   make(chan struct{}, 1),
	}

	events := m.storeEvents
	stop, err := ws.Watch(func() { notify(events) })
	if err != nil {
		log.WithError(err).Debug("store watch unavailable")
		stop = func() {}
	}
	m.stopWatch = stop

	if sess := ws.Active(); sess != nil {
		m.attach(sess)
	}
	return m
}

// Close releases subscriptions and stops an in-flight send.
func (m Model) Close() {
	if m.cancel != nil {
		m.cancel()
	}
	if m.unsubscribe != nil {
		m.unsubscribe()
	}
	if m.stopWatch != nil {
		m.stopWatch()
	}
}

// notify performs a non-blocking signal on a capacity-1 channel.
func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Init starts the listeners and loads the conversation list.
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		textinput.Blink,
		m.loadConversations(),
		waitFor(m.sessionEvents, sessionChangedMsg{}),
		waitFor(m.storeEvents, storeChangedMsg{}),
	)
}

// Update handles messages and updates the model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		return m.handleResize(msg)

	case tea.KeyMsg:
		return m.handleKey(msg)

	case sessionChangedMsg:
		m.refresh()
		return m, waitFor(m.sessionEvents, sessionChangedMsg{})

	case storeChangedMsg:
		return m, tea.Batch(m.loadConversations(), waitFor(m.storeEvents, storeChangedMsg{}))

	case conversationsMsg:
		return m.handleConversations(msg)

	case openedMsg:
		return m.handleOpened(msg)

	case sendDoneMsg:
		return m.handleSendDone(msg)

	case renamedMsg:
		if msg.Err != nil {
			m.err = chat.Describe(msg.Err)
			return m, nil
		}
		m.status = "Renamed to " + msg.Title
		return m, m.loadConversations()

	case deletedMsg:
		return m.handleDeleted(msg)

	case exportedMsg:
		if msg.Err != nil {
			m.err = msg.Err.Error()
		} else {
			m.status = "Exported to " + msg.Path
		}
		return m, nil

	case spinner.TickMsg:
		if !m.sending {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	default:
		var cmds []tea.Cmd
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		cmds = append(cmds, cmd)
		m.viewport, cmd = m.viewport.Update(msg)
		cmds = append(cmds, cmd)
		return m, tea.Batch(cmds...)
	}
}

// =============================================================================
// MESSAGE HANDLERS
// =============================================================================

func (m Model) handleResize(msg tea.WindowSizeMsg) (tea.Model, tea.Cmd) {
	m.width = msg.Width
	m.height = msg.Height

	vh := m.height - headerHeight - footerHeight
	if vh < 1 {
		vh = 1
	}
	vw := m.width - m.sidebarWidth()
	if vw < 10 {
		vw = 10
	}
	m.viewport.Width = vw
	m.viewport.Height = vh
	m.input.Width = m.width - 4

	m.renderer = m.newRenderer(vw - 2)
	m.rendered = make(map[string]string)
	m.updateViewport(true)
	return m, nil
}

func (m Model) newRenderer(width int) *glamour.TermRenderer {
	if !m.opts.Markdown {
		return nil
	}
	style := glamour.WithAutoStyle()
	if m.opts.Theme != "" && m.opts.Theme != "auto" {
		style = glamour.WithStandardStyle(m.opts.Theme)
	}
	r, err := glamour.NewTermRenderer(style, glamour.WithWordWrap(width))
	if err != nil {
		log.WithError(err).Debug("markdown renderer unavailable")
		return nil
	}
	return r
}

func (m Model) handleConversations(msg conversationsMsg) (tea.Model, tea.Cmd) {
	if msg.Err != nil {
		m.err = msg.Err.Error()
		return m, nil
	}
	m.convs = msg.Conversations
	if m.cursor >= len(m.convs) {
		m.cursor = max(len(m.convs)-1, 0)
	}
	return m, nil
}

func (m Model) handleOpened(msg openedMsg) (tea.Model, tea.Cmd) {
	if msg.Err != nil {
		m.err = chat.Describe(msg.Err)
		return m, nil
	}
	m.attach(msg.Session)
	m.updateViewport(true)
	cmds := []tea.Cmd{m.loadConversations()}
	if msg.Text != "" {
		var cmd tea.Cmd
		m, cmd = m.startSend(msg.Text)
		cmds = append(cmds, cmd)
	}
	return m, tea.Batch(cmds...)
}

func (m Model) handleSendDone(msg sendDoneMsg) (tea.Model, tea.Cmd) {
	m.sending = false
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	switch {
	case msg.Err == nil:
		m.err = ""
	case errors.Is(msg.Err, context.Canceled):
		m.status = "Cancelled."
	default:
		m.err = chat.Describe(msg.Err)
	}
	if m.session != nil && m.session.ID() == msg.ConversationID {
		m.session.ClearErr()
	}
	m.refresh()
	return m, m.loadConversations()
}

func (m Model) handleDeleted(msg deletedMsg) (tea.Model, tea.Cmd) {
	if msg.Err != nil {
		m.err = chat.Describe(msg.Err)
		return m, nil
	}
	if m.session != nil && m.session.ID() == msg.ID {
		m.detach()
		m.updateViewport(true)
	}
	m.status = "Deleted."
	return m, m.loadConversations()
}

// =============================================================================
// KEYS
// =============================================================================

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	key := msg.String()

	if m.confirmDelete != "" {
		id := m.confirmDelete
		m.confirmDelete = ""
		if key == "y" || key == "Y" {
			return m, m.deleteConversation(id)
		}
		m.status = ""
		return m, nil
	}

	switch key {
	case "ctrl+c":
		if m.sending && m.cancel != nil {
			m.cancel()
			return m, nil
		}
		m.quitting = true
		return m, tea.Quit
	case "ctrl+q":
		m.quitting = true
		return m, tea.Quit
	case "esc":
		m.err = ""
		m.status = ""
		if m.focus == focusList {
			return m.setFocus(focusInput)
		}
		return m, nil
	case "tab", "shift+tab":
		if m.focus == focusInput {
			return m.setFocus(focusList)
		}
		return m.setFocus(focusInput)
	case "ctrl+n":
		m.ws.New()
		m.detach()
		m.updateViewport(true)
		m.status = "New conversation."
		return m.setFocus(focusInput)
	case "ctrl+e":
		return m, m.exportActive()
	case "pgup", "pgdown":
		var cmd tea.Cmd
		m.viewport, cmd = m.viewport.Update(msg)
		return m, cmd
	}

	if m.focus == focusList {
		return m.handleListKey(key)
	}

	if key == "enter" {
		return m.submit(m.input.Value())
	}
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m Model) handleListKey(key string) (tea.Model, tea.Cmd) {
	switch key {
	case "up", "k":
		if m.cursor > 0 {
			m.cursor--
		}
	case "down", "j":
		if m.cursor < len(m.convs)-1 {
			m.cursor++
		}
	case "enter":
		if len(m.convs) == 0 {
			return m, nil
		}
		id := m.convs[m.cursor].ID
		var focusCmd tea.Cmd
		m, focusCmd = m.setFocus(focusInput)
		return m, tea.Batch(focusCmd, m.open(id))
	case "d", "delete":
		if len(m.convs) == 0 {
			return m, nil
		}
		conv := m.convs[m.cursor]
		m.confirmDelete = conv.ID
		m.status = "Delete \"" + conv.Title + "\"? (y/N)"
	}
	return m, nil
}

func (m Model) setFocus(f focus) (Model, tea.Cmd) {
	m.focus = f
	if f == focusInput {
		return m, m.input.Focus()
	}
	m.input.Blur()
	return m, nil
}

// submit handles the input line: /rename TITLE, /quit, or a message.
func (m Model) submit(text string) (Model, tea.Cmd) {
	text = strings.TrimSpace(text)
	if text == "" {
		return m, nil
	}
	if m.sending {
		m.err = chat.Describe(chat.ErrBusy)
		return m, nil
	}
	m.err = ""
	m.status = ""

	if name, arg, _ := strings.Cut(text, " "); strings.HasPrefix(name, "/") {
		switch name {
		case "/quit", "/q":
			m.quitting = true
			return m, tea.Quit
		case "/rename":
			arg = strings.TrimSpace(arg)
			if m.session == nil || arg == "" {
				m.err = "/rename needs an open conversation and a title"
				return m, nil
			}
			m.input.Reset()
			return m, m.rename(m.session.ID(), arg)
		}
	}

	m.input.Reset()
	if m.session == nil {
		return m, m.create(text)
	}
	return m.startSend(text)
}

func (m Model) startSend(text string) (Model, tea.Cmd) {
	sess := m.session
	ctx, cancel := context.WithCancel(m.ctx)
	m.cancel = cancel
	m.sending = true
	m.updateViewport(true)

	id := sess.ID()
	send := func() tea.Msg {
		return sendDoneMsg{ConversationID: id, Err: sess.Send(ctx, text)}
	}
	return m, tea.Batch(send, m.spinner.Tick)
}

// =============================================================================
// SESSION
// =============================================================================

// attach makes sess the displayed session and subscribes to its events.
func (m *Model) attach(sess *chat.Session) {
	if m.unsubscribe != nil {
		m.unsubscribe()
	}
	events := m.sessionEvents
	m.session = sess
	m.unsubscribe = sess.Subscribe(func(chat.Event) { notify(events) })
	m.refresh()
}

func (m *Model) detach() {
	if m.unsubscribe != nil {
		m.unsubscribe()
		m.unsubscribe = nil
	}
	m.session = nil
	m.messages = nil
	m.state = chat.StateIdle
}

// refresh copies the session snapshot into the model.
func (m *Model) refresh() {
	if m.session == nil {
		return
	}
	m.messages = m.session.Messages()
	m.state = m.session.State()
	m.updateViewport(false)
}

// =============================================================================
// COMMANDS
// =============================================================================

// waitFor returns a command that delivers msg on the next signal of ch.
func waitFor(ch chan struct{}, msg tea.Msg) tea.Cmd {
	return func() tea.Msg {
		if _, ok := <-ch; !ok {
			return nil
		}
		return msg
	}
}

func (m Model) loadConversations() tea.Cmd {
	ctx, ws := m.ctx, m.ws
	return func() tea.Msg {
		convs, err := ws.Conversations(ctx)
		return conversationsMsg{Conversations: convs, Err: err}
	}
}

func (m Model) open(id string) tea.Cmd {
	ctx, ws := m.ctx, m.ws
	return func() tea.Msg {
		sess, err := ws.Select(ctx, id)
		return openedMsg{Session: sess, Err: err}
	}
}

// create starts a conversation and sends text to it.
func (m Model) create(text string) tea.Cmd {
	ctx, ws := m.ctx, m.ws
	return func() tea.Msg {
		sess, err := ws.Create(ctx, "")
		return openedMsg{Session: sess, Text: text, Err: err}
	}
}

func (m Model) rename(id, title string) tea.Cmd {
	ctx, ws := m.ctx, m.ws
	return func() tea.Msg {
		return renamedMsg{Title: title, Err: ws.Rename(ctx, id, title)}
	}
}

func (m Model) deleteConversation(id string) tea.Cmd {
	ctx, ws := m.ctx, m.ws
	return func() tea.Msg {
		return deletedMsg{ID: id, Err: ws.Delete(ctx, id)}
	}
}

func (m Model) exportActive() tea.Cmd {
	if m.session == nil {
		return nil
	}
	ctx, store, id, dir := m.ctx, m.store, m.session.ID(), m.opts.ExportDir
	return func() tea.Msg {
		opts := export.DefaultOptions()
		opts.OutputDir = dir
		exporter, err := export.ForFormat("markdown", opts)
		if err != nil {
			return exportedMsg{Err: err}
		}
		transcript, err := export.Load(ctx, store, id)
		if err != nil {
			return exportedMsg{Err: err}
		}
		path, err := export.ToFile(transcript, exporter, opts)
		return exportedMsg{Path: path, Err: err}
	}
}

// =============================================================================
// RUN
// =============================================================================

// Run shows the interface until the user quits or ctx is done.
func Run(ctx context.Context, ws *chat.Workspace, store storage.Store, opts Options) error {
	p := tea.NewProgram(New(ctx, ws, store, opts), tea.WithAltScreen())

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			p.Quit()
		case <-done:
		}
	}()

	final, err := p.Run()
	if m, ok := final.(Model); ok {
		m.Close()
	}
	return err
}
