// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/jeranaias/mitar/internal/chat"
	"github.com/jeranaias/mitar/internal/model"
)

// MaxStdinQuestion bounds a question read from stdin (1MB).
const MaxStdinQuestion = 1 << 20

// AskFlags configure "mitar ask".
type AskFlags struct {
	Files        []string
	Conversation string
	JSON         bool
}

// BindFlags registers the ask flags.
func (f *AskFlags) BindFlags(flagSet *pflag.FlagSet) {
	flagSet.StringArrayVarP(&f.Files, "file", "f", nil, "Attach a file (repeatable)")
	flagSet.StringVarP(&f.Conversation, "conversation", "c", "", "Continue a conversation by number or id")
	flagSet.BoolVar(&f.JSON, "json", false, "Print the answer as JSON")
}

// AskResult is the data of an ask --json response.
type AskResult struct {
	ConversationID string             `json:"conversation_id"`
	Title          string             `json:"title"`
	Response       string             `json:"response"`
	Attachments    []model.Attachment `json:"attachments,omitempty"`
	DurationMS     int64              `json:"duration_ms"`
}

// NewAskCommand returns "mitar ask".
func NewAskCommand(global *GlobalFlags) *cobra.Command {
	f := &AskFlags{}
	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Ask a single question and print the answer",
		Long: `Ask sends one message and streams the answer to stdout. The exchange is
saved as a new conversation unless --conversation continues an existing
one. Without a question argument the question is read from stdin.`,
		Example: `  mitar ask "What is the capital of France?"
  mitar ask "What's in this picture?" --file cat.png
  git diff | mitar ask --json
  mitar ask -c 1 "And in French?"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAsk(cmd, global, f, args)
		},
	}
	f.BindFlags(cmd.Flags())
	return cmd
}

func runAsk(cmd *cobra.Command, global *GlobalFlags, f *AskFlags, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	out := cmd.OutOrStdout()

	question := strings.TrimSpace(strings.Join(args, " "))
	if question == "" && !IsTTY() {
		data, err := io.ReadAll(io.LimitReader(cmd.InOrStdin(), MaxStdinQuestion))
		if err != nil {
			return fmt.Errorf("read question: %w", err)
		}
		question = strings.TrimSpace(string(data))
	}
	if question == "" && len(f.Files) == 0 {
		return usageErrorf("a question or --file is required")
	}

	a, err := openApp(ctx, global.Config())
	if err != nil {
		return err
	}
	defer a.Close()

	var attachments []model.Attachment
	if len(f.Files) > 0 {
		resolver, err := a.resolver(ctx)
		if err != nil {
			return err
		}
		for _, path := range f.Files {
			att, err := resolver.ResolvePath(ctx, path)
			if err != nil {
				return err
			}
			attachments = append(attachments, att)
		}
	}

	ws := a.workspace()
	defer ws.Close()

	var sess *chat.Session
	if f.Conversation != "" {
		conv, err := lookupConversation(ctx, a.store, a.identity.UserID, f.Conversation)
		if err != nil {
			return err
		}
		if sess, err = ws.Select(ctx, conv.ID); err != nil {
			return err
		}
	} else if sess, err = ws.Create(ctx, ""); err != nil {
		return err
	}

	// Stream raw text only when a person is watching plain output.
	var printer *streamPrinter
	if !f.JSON {
		tty := IsStdoutTTY()
		printer = newStreamPrinter(out, newMarkdownRenderer(a.cfg.UI, tty), GetTerminalWidth())
		unsubscribe := sess.Subscribe(func(ev chat.Event) {
			if msg, ok := ev.Streaming(); ok {
				printer.Update(msg.Content)
			}
		})
		defer unsubscribe()
	}

	sendCtx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()
	start := time.Now()
	err = sess.Send(sendCtx, question, attachments...)
	if err != nil {
		if printer != nil {
			printer.Finish("")
		}
		err = sendError{err: err}
		if f.JSON {
			NewJSONErrorResponse("ask", err).Write(out)
		}
		return err
	}

	answer := lastAssistant(sess.Messages())
	if f.JSON {
		return NewJSONResponse("ask", AskResult{
			ConversationID: sess.ID(),
			Title:          sess.Conversation().Title,
			Response:       answer,
			Attachments:    attachments,
			DurationMS:     time.Since(start).Milliseconds(),
		}).Write(out)
	}
	printer.Finish(answer)
	return nil
}
