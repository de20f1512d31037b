// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/peterh/liner"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/jeranaias/mitar/internal/attachment"
	"github.com/jeranaias/mitar/internal/chat"
	"github.com/jeranaias/mitar/internal/config"
	"github.com/jeranaias/mitar/internal/export"
	"github.com/jeranaias/mitar/internal/model"
	"github.com/jeranaias/mitar/internal/tui"
	"github.com/jeranaias/mitar/internal/voice"
)

// =============================================================================
// FLAGS
// =============================================================================

// ChatFlags configure the interactive chat.
type ChatFlags struct {
	Conversation string
	Speak        bool
	ExportDir    string
	TUI          bool
}

// NewChatFlags returns the defaults.
func NewChatFlags() *ChatFlags {
	return &ChatFlags{ExportDir: "."}
}

// BindFlags registers the chat flags.
func (f *ChatFlags) BindFlags(flagSet *pflag.FlagSet) {
	flagSet.StringVarP(&f.Conversation, "conversation", "c", f.Conversation, "Resume a conversation by number or id")
	flagSet.BoolVar(&f.Speak, "speak", f.Speak, "Read every answer aloud (overrides [voice] auto_speak)")
	flagSet.StringVar(&f.ExportDir, "export-dir", f.ExportDir, "Directory for /export")
	flagSet.BoolVar(&f.TUI, "tui", f.TUI, "Use the full-screen interface")
}

// NewChatCommand returns "mitar chat".
func NewChatCommand(global *GlobalFlags) *cobra.Command {
	f := NewChatFlags()
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive conversation (default)",
		Example: `  mitar chat
  mitar chat --conversation 2
  mitar chat --speak
  mitar chat --tui`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd, global, f)
		},
	}
	f.BindFlags(cmd.Flags())
	return cmd
}

// =============================================================================
// LINE INPUT
// =============================================================================

// lineReader reads one line of user input.
type lineReader interface {
	// ReadLine shows prompt with initial pre-filled. It returns io.EOF at
	// end of input and liner.ErrPromptAborted on Ctrl+C.
	ReadLine(prompt, initial string) (string, error)
	Close()
}

// historyReader is a liner-backed reader with a persistent history file.
type historyReader struct {
	line        *liner.State
	historyFile string
}

func newHistoryReader() *historyReader {
	line := liner.NewLiner()
	line.SetCtrlCAborts(true)

	configDir, err := config.ConfigDir()
	if err != nil {
		configDir = os.TempDir()
	}
	r := &historyReader{line: line, historyFile: filepath.Join(configDir, "chat_history")}
	if f, err := os.Open(r.historyFile); err == nil {
		r.line.ReadHistory(f)
		f.Close()
	}
	return r
}

func (r *historyReader) ReadLine(prompt, initial string) (string, error) {
	var (
		input string
		err   error
	)
	if initial != "" {
		input, err = r.line.PromptWithSuggestion(prompt, initial, -1)
	} else {
		input, err = r.line.Prompt(prompt)
	}
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(input) != "" {
		r.line.AppendHistory(input)
	}
	return input, nil
}

// Close saves the history with owner-only permissions and restores the
// terminal.
func (r *historyReader) Close() {
	if err := config.EnsureConfigDir(); err == nil {
		if f, err := os.OpenFile(r.historyFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600); err == nil {
			r.line.WriteHistory(f)
			f.Close()
		}
	}
	r.line.Close()
}

// scanReader reads lines from a non-terminal input.
type scanReader struct {
	sc *bufio.Scanner
}

func newScanReader(r io.Reader) *scanReader {
	return &scanReader{sc: bufio.NewScanner(r)}
}

func (r *scanReader) ReadLine(prompt, initial string) (string, error) {
	if !r.sc.Scan() {
		if err := r.sc.Err(); err != nil {
			return "", err
		}
		return "", io.EOF
	}
	return r.sc.Text(), nil
}

func (r *scanReader) Close() {}

// =============================================================================
// REPL
// =============================================================================

const chatPrompt = "you> "

// chatREPL is an interactive conversation over a chat.Workspace.
type chatREPL struct {
	ctx      context.Context
	app      *app
	ws       *chat.Workspace
	input    lineReader
	out      io.Writer
	renderer *markdownRenderer
	width    int

	bridge    *voice.Bridge
	autoSpeak bool
	exportDir string

	// pending attachments go with the next message.
	pending []model.Attachment
	// listed is the last /list output, for numbered references.
	listed []model.Conversation
	// draft pre-fills the next prompt (dictation).
	draft string
}

func runChat(cmd *cobra.Command, global *GlobalFlags, f *ChatFlags) error {
	cfg := global.Config()
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	a, err := openApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	if f.TUI {
		if err := RequiresTTY("run the full-screen interface"); err != nil {
			return &UsageError{Reason: err.Error()}
		}
		return runTUI(ctx, a, f)
	}

	tty := IsTTY() && IsStdoutTTY()
	var input lineReader
	if tty {
		input = newHistoryReader()
	} else {
		input = newScanReader(cmd.InOrStdin())
	}
	defer input.Close()

	r := newChatREPL(ctx, a, input, cmd.OutOrStdout(), newMarkdownRenderer(cfg.UI, tty))
	r.autoSpeak = cfg.Voice.AutoSpeak || f.Speak
	r.exportDir = f.ExportDir
	defer r.close()

	if f.Conversation != "" {
		if err := r.open(f.Conversation); err != nil {
			return err
		}
	}
	if tty {
		r.banner()
	}
	return r.loop()
}

func runTUI(ctx context.Context, a *app, f *ChatFlags) error {
	ws := a.workspace()
	defer ws.Close()
	if f.Conversation != "" {
		conv, err := lookupConversation(ctx, a.store, a.identity.UserID, f.Conversation)
		if err != nil {
			return err
		}
		if _, err := ws.Select(ctx, conv.ID); err != nil {
			return err
		}
	}
	return tui.Run(ctx, ws, a.store, tui.Options{
		UserName:  a.identity.Name,
		Model:     a.cfg.Completion.Model,
		Markdown:  a.cfg.UI.Markdown,
		Theme:     a.cfg.UI.Theme,
		Highlight: ColorsEnabled(),
		ExportDir: f.ExportDir,
	})
}

func newChatREPL(ctx context.Context, a *app, input lineReader, out io.Writer, renderer *markdownRenderer) *chatREPL {
	return &chatREPL{
		ctx:       ctx,
		app:       a,
		ws:        a.workspace(),
		input:     input,
		out:       out,
		renderer:  renderer,
		width:     GetTerminalWidth(),
		bridge:    a.voiceBridge(&voice.Composer{}),
		exportDir: ".",
	}
}

func (r *chatREPL) close() {
	r.bridge.Close()
	r.ws.Close()
}

func (r *chatREPL) banner() {
	fmt.Fprintln(r.out, TitleStyle.Render("mitar")+" "+DimStyle.Render(Version))
	fmt.Fprintln(r.out, DimStyle.Render(fmt.Sprintf("Signed in as %s. Type /help for commands.", r.app.identity.Name)))
	fmt.Fprintln(r.out)
}

// loop reads input until /quit, EOF or Ctrl+C at the prompt.
func (r *chatREPL) loop() error {
	for {
		initial := r.draft
		r.draft = ""
		line, err := r.input.ReadLine(chatPrompt, initial)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, liner.ErrPromptAborted) {
				return nil
			}
			return err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "/") {
			quit, err := r.command(line)
			if err != nil {
				fmt.Fprintln(r.out, ErrorStyle.Render("Error:"), err)
			}
			if quit {
				return nil
			}
			continue
		}

		if err := r.send(line); err != nil {
			r.reportSendError(err)
		}
	}
}

// send sends text plus pending attachments to the active conversation,
// starting one when there is none, and streams the answer.
func (r *chatREPL) send(text string) error {
	sess := r.ws.Active()
	if sess == nil {
		if strings.TrimSpace(text) == "" && len(r.pending) == 0 {
			return chat.ErrEmptyMessage
		}
		var err error
		if sess, err = r.ws.Create(r.ctx, ""); err != nil {
			return err
		}
	}

	printer := newStreamPrinter(r.out, r.renderer, r.width)
	labelled := false
	unsubscribe := sess.Subscribe(func(ev chat.Event) {
		msg, ok := ev.Streaming()
		if !ok || msg.Content == "" {
			return
		}
		if !labelled {
			fmt.Fprintln(r.out, AssistantStyle.Render(model.RoleAssistant.DisplayName()))
			labelled = true
		}
		printer.Update(msg.Content)
	})

	ctx, stop := signal.NotifyContext(r.ctx, os.Interrupt)
	attachments := r.pending
	err := sess.Send(ctx, text, attachments...)
	stop()
	unsubscribe()

	if !errors.Is(err, chat.ErrEmptyMessage) && !errors.Is(err, chat.ErrBusy) {
		r.pending = nil
	}
	if err != nil {
		printer.Finish("")
		return err
	}

	final := lastAssistant(sess.Messages())
	if final == "" {
		printer.Finish("")
		fmt.Fprintln(r.out, DimStyle.Render("(empty response)"))
		return nil
	}
	if !labelled {
		fmt.Fprintln(r.out, AssistantStyle.Render(model.RoleAssistant.DisplayName()))
	}
	printer.Finish(final)
	fmt.Fprintln(r.out)

	if r.autoSpeak && r.bridge.CanSpeak() {
		if err := r.bridge.Speak(r.ctx, final); err != nil {
			log.WithError(err).Debug("auto speak")
		}
	}
	return nil
}

func (r *chatREPL) reportSendError(err error) {
	switch {
	case errors.Is(err, context.Canceled):
		fmt.Fprintln(r.out, WarningStyle.Render("Cancelled."))
	case errors.Is(err, chat.ErrEmptyMessage):
		fmt.Fprintln(r.out, DimStyle.Render("Nothing to send."))
	default:
		fmt.Fprintln(r.out, ErrorStyle.Render(chat.Describe(err)))
	}
	if sess := r.ws.Active(); sess != nil {
		sess.ClearErr()
	}
}

// =============================================================================
// SLASH COMMANDS
// =============================================================================

// chatCommands is the /help listing.
var chatCommands = []struct{ usage, help string }{
	{"/help", "Show this help"},
	{"/new", "Start a new conversation"},
	{"/list", "List conversations"},
	{"/open N|ID", "Switch to a conversation"},
	{"/history", "Show the current conversation"},
	{"/rename TITLE", "Rename the current conversation"},
	{"/delete [N|ID]", "Delete a conversation (default: current)"},
	{"/attach PATH...", "Attach files to the next message"},
	{"/detach", "Drop pending attachments"},
	{"/send [TEXT]", "Send pending attachments, text optional"},
	{"/export [FORMAT]", "Export the current conversation (markdown, json, yaml)"},
	{"/listen", "Dictate the next message"},
	{"/speak", "Read the last answer aloud"},
	{"/stop", "Stop reading aloud"},
	{"/voice on|off", "Read every answer aloud"},
	{"/quit", "Leave the chat"},
}

// command runs a slash command. It reports whether the REPL should exit.
func (r *chatREPL) command(line string) (bool, error) {
	name, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	switch strings.ToLower(name) {
	case "/quit", "/exit", "/q":
		return true, nil
	case "/help", "/h", "/?":
		r.help()
	case "/new":
		r.ws.New()
		r.pending = nil
		fmt.Fprintln(r.out, DimStyle.Render("Started a new conversation."))
	case "/list", "/ls":
		return false, r.list()
	case "/open":
		return false, r.open(arg)
	case "/history":
		return false, r.history()
	case "/rename":
		return false, r.rename(arg)
	case "/delete", "/rm":
		return false, r.delete(arg)
	case "/attach":
		return false, r.attach(arg)
	case "/detach":
		r.pending = nil
		fmt.Fprintln(r.out, DimStyle.Render("Attachments cleared."))
	case "/send":
		if err := r.send(arg); err != nil {
			r.reportSendError(err)
		}
	case "/export":
		return false, r.export(arg)
	case "/listen":
		return false, r.listen()
	case "/speak":
		return false, r.speak()
	case "/stop":
		r.bridge.StopSpeaking()
	case "/voice":
		return false, r.toggleVoice(arg)
	default:
		return false, usageErrorf("unknown command %s (try /help)", name)
	}
	return false, nil
}

func (r *chatREPL) help() {
	fmt.Fprintln(r.out, TitleStyle.Render("Commands"))
	for _, c := range chatCommands {
		fmt.Fprintf(r.out, "  %-18s %s\n", c.usage, DimStyle.Render(c.help))
	}
	fmt.Fprintln(r.out, DimStyle.Render("  Ctrl+C stops a streaming answer; at the prompt it exits."))
}

func (r *chatREPL) activeID() string {
	if sess := r.ws.Active(); sess != nil {
		return sess.ID()
	}
	return ""
}

func (r *chatREPL) requireActive() (*chat.Session, error) {
	sess := r.ws.Active()
	if sess == nil {
		return nil, usageErrorf("no conversation selected (send a message or /open one)")
	}
	return sess, nil
}

func (r *chatREPL) list() error {
	convs, err := r.ws.Conversations(r.ctx)
	if err != nil {
		return err
	}
	r.listed = convs
	printConversations(r.out, convs, r.activeID(), r.width)
	return nil
}

// resolve finds a conversation by position in the last listing or by id.
func (r *chatREPL) resolve(ref string) (model.Conversation, error) {
	if r.listed == nil {
		convs, err := r.ws.Conversations(r.ctx)
		if err != nil {
			return model.Conversation{}, err
		}
		r.listed = convs
	}
	return findConversation(r.listed, ref)
}

func (r *chatREPL) open(ref string) error {
	conv, err := r.resolve(ref)
	if err != nil {
		return err
	}
	sess, err := r.ws.Select(r.ctx, conv.ID)
	if err != nil {
		return err
	}
	r.pending = nil
	fmt.Fprintln(r.out, SuccessStyle.Render("Opened")+" "+sess.Conversation().Title)
	msgs := sess.Messages()
	if n := len(msgs); n > 4 {
		fmt.Fprintln(r.out, DimStyle.Render(fmt.Sprintf("(%d earlier messages, /history shows all)", n-4)))
		msgs = msgs[n-4:]
	}
	fmt.Fprintln(r.out)
	printMessages(r.out, msgs, r.renderer)
	return nil
}

func (r *chatREPL) history() error {
	sess, err := r.requireActive()
	if err != nil {
		return err
	}
	fmt.Fprintln(r.out, TitleStyle.Render(sess.Conversation().Title))
	fmt.Fprintln(r.out, RenderSeparator(min(r.width, 70)))
	printMessages(r.out, sess.Messages(), r.renderer)
	return nil
}

func (r *chatREPL) rename(title string) error {
	sess, err := r.requireActive()
	if err != nil {
		return err
	}
	if title == "" {
		return usageErrorf("usage: /rename TITLE")
	}
	if err := r.ws.Rename(r.ctx, sess.ID(), title); err != nil {
		return err
	}
	fmt.Fprintln(r.out, SuccessStyle.Render("Renamed to")+" "+sess.Conversation().Title)
	return nil
}

func (r *chatREPL) delete(ref string) error {
	var conv model.Conversation
	if ref == "" {
		sess, err := r.requireActive()
		if err != nil {
			return err
		}
		conv = sess.Conversation()
	} else {
		var err error
		if conv, err = r.resolve(ref); err != nil {
			return err
		}
	}

	answer, err := r.input.ReadLine(fmt.Sprintf("Delete %q? [y/N]: ", conv.Title), "")
	if err != nil {
		return nil
	}
	if a := strings.ToLower(strings.TrimSpace(answer)); a != "y" && a != "yes" {
		fmt.Fprintln(r.out, DimStyle.Render("Not deleted."))
		return nil
	}
	if err := r.ws.Delete(r.ctx, conv.ID); err != nil {
		return err
	}
	r.listed = nil
	fmt.Fprintln(r.out, SuccessStyle.Render("Deleted")+" "+conv.Title)
	return nil
}

func (r *chatREPL) attach(arg string) error {
	paths := strings.Fields(arg)
	if len(paths) == 0 {
		if len(r.pending) == 0 {
			return usageErrorf("usage: /attach PATH...")
		}
		for _, a := range r.pending {
			fmt.Fprintf(r.out, "  %s %s\n", a.Name, DimStyle.Render(attachment.FormatSize(a.SizeBytes)))
		}
		return nil
	}

	resolver, err := r.app.resolver(r.ctx)
	if err != nil {
		return err
	}
	for _, p := range paths {
		att, err := resolver.ResolvePath(r.ctx, p)
		if err != nil {
			return err
		}
		r.pending = append(r.pending, att)
		fmt.Fprintf(r.out, "%s %s %s\n", SuccessStyle.Render("Attached"), att.Name,
			DimStyle.Render("("+attachment.FormatSize(att.SizeBytes)+")"))
	}
	return nil
}

func (r *chatREPL) export(format string) error {
	sess, err := r.requireActive()
	if err != nil {
		return err
	}
	if format == "" {
		format = "markdown"
	}
	opts := export.DefaultOptions()
	opts.OutputDir = r.exportDir
	exporter, err := export.ForFormat(format, opts)
	if err != nil {
		return &UsageError{Reason: err.Error()}
	}
	transcript, err := export.Load(r.ctx, r.app.store, sess.ID())
	if err != nil {
		return err
	}
	path, err := export.ToFile(transcript, exporter, opts)
	if err != nil {
		return err
	}
	fmt.Fprintln(r.out, SuccessStyle.Render("Exported to")+" "+path)
	return nil
}

// listen runs the recognizer until it returns or Ctrl+C, then pre-fills
// the next prompt with the transcript.
func (r *chatREPL) listen() error {
	if !r.bridge.CanListen() {
		return fmt.Errorf("%w: set [voice] listen_command", voice.ErrUnsupported)
	}
	ctx, stop := signal.NotifyContext(r.ctx, os.Interrupt)
	defer stop()

	if err := r.bridge.StartListening(ctx); err != nil {
		return err
	}
	fmt.Fprintln(r.out, DimStyle.Render("Listening... (Ctrl+C to stop)"))

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for r.bridge.IsListening() {
		select {
		case <-ctx.Done():
			r.bridge.StopListening()
		case <-ticker.C:
		}
	}
	if err := r.bridge.Err(); err != nil {
		return err
	}
	r.draft = r.bridge.Composer().Take()
	if r.draft == "" {
		fmt.Fprintln(r.out, DimStyle.Render("Nothing heard."))
	}
	return nil
}

func (r *chatREPL) speak() error {
	if !r.bridge.CanSpeak() {
		return fmt.Errorf("%w: set [voice] speak_command", voice.ErrUnsupported)
	}
	sess, err := r.requireActive()
	if err != nil {
		return err
	}
	text := lastAssistant(sess.Messages())
	if text == "" {
		return usageErrorf("no answer to read yet")
	}
	return r.bridge.Speak(r.ctx, text)
}

func (r *chatREPL) toggleVoice(arg string) error {
	switch strings.ToLower(arg) {
	case "on":
		if !r.bridge.CanSpeak() {
			return fmt.Errorf("%w: set [voice] speak_command", voice.ErrUnsupported)
		}
		r.autoSpeak = true
	case "off":
		r.autoSpeak = false
		r.bridge.StopSpeaking()
	case "":
	default:
		return usageErrorf("usage: /voice on|off")
	}
	state := "off"
	if r.autoSpeak {
		state = "on"
	}
	fmt.Fprintln(r.out, DimStyle.Render("Read aloud is "+state+"."))
	return nil
}
