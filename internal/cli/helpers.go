// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/jeranaias/mitar/internal/model"
	"github.com/jeranaias/mitar/internal/storage"
	"github.com/jeranaias/mitar/internal/util"
)

// formatAge formats how long ago t was: "just now", "5m ago", "3d ago".
func formatAge(t time.Time, now time.Time) string {
	d := now.Sub(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	case d < 30*24*time.Hour:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	default:
		return t.Local().Format("2006-01-02")
	}
}

// formatDurationShort formats a short duration string.
func formatDurationShort(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	if d < time.Hour {
		m := int(d.Minutes())
		s := int(d.Seconds()) % 60
		return fmt.Sprintf("%dm%ds", m, s)
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	return fmt.Sprintf("%dh%dm", h, m)
}

// shortID returns the first eight characters of an id.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// lastAssistant returns the answer to the newest user message, or "" when
// that message has none.
func lastAssistant(msgs []model.Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		switch {
		case msgs[i].Role == model.RoleUser:
			return ""
		case msgs[i].Role == model.RoleAssistant && !msgs[i].Streaming:
			return msgs[i].Content
		}
	}
	return ""
}

// findConversation resolves ref among convs: a 1-based list position, a
// full id or a unique id prefix.
func findConversation(convs []model.Conversation, ref string) (model.Conversation, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return model.Conversation{}, usageErrorf("conversation number or id required")
	}
	if n, err := strconv.Atoi(ref); err == nil && n >= 1 && n <= len(convs) {
		return convs[n-1], nil
	}

	var match *model.Conversation
	for i := range convs {
		if convs[i].ID == ref {
			return convs[i], nil
		}
		if strings.HasPrefix(convs[i].ID, ref) {
			if match != nil {
				return model.Conversation{}, usageErrorf("%q matches more than one conversation", ref)
			}
			match = &convs[i]
		}
	}
	if match == nil {
		return model.Conversation{}, &NotFoundError{Resource: "conversation", ID: ref}
	}
	return *match, nil
}

// lookupConversation lists the user's conversations and resolves ref.
func lookupConversation(ctx context.Context, store storage.Store, userID, ref string) (model.Conversation, error) {
	convs, err := store.List(ctx, userID)
	if err != nil {
		return model.Conversation{}, err
	}
	return findConversation(convs, ref)
}

// printConversations writes a numbered listing. The active conversation is
// marked with an asterisk.
func printConversations(w io.Writer, convs []model.Conversation, activeID string, width int) {
	if len(convs) == 0 {
		fmt.Fprintln(w, DimStyle.Render("No conversations yet."))
		return
	}
	now := time.Now()
	titleWidth := width - 30
	if titleWidth < 20 {
		titleWidth = 20
	}
	for i, c := range convs {
		marker := " "
		if c.ID == activeID {
			marker = "*"
		}
		fmt.Fprintf(w, "%s%3d. %s %s %s\n",
			marker, i+1,
			util.PadWidth(truncate(c.Title, titleWidth), titleWidth),
			DimStyle.Render(fmt.Sprintf("%-9s", formatAge(c.UpdatedAt, now))),
			DimStyle.Render(shortID(c.ID)),
		)
	}
}

// printMessages writes a transcript with role labels. Assistant messages
// go through the renderer.
func printMessages(w io.Writer, msgs []model.Message, renderer *markdownRenderer) {
	for _, m := range msgs {
		if m.Streaming {
			continue
		}
		switch m.Role {
		case model.RoleUser:
			fmt.Fprintln(w, UserStyle.Render(m.Role.DisplayName()))
			if m.Content != "" {
				fmt.Fprintln(w, m.Content)
			}
			for _, a := range m.Attachments {
				fmt.Fprintln(w, DimStyle.Render("  + "+a.Name))
			}
		default:
			fmt.Fprintln(w, AssistantStyle.Render(m.Role.DisplayName()))
			out := renderer.Render(m.Content)
			fmt.Fprint(w, out)
			if !strings.HasSuffix(out, "\n") {
				fmt.Fprintln(w)
			}
		}
		fmt.Fprintln(w)
	}
}
