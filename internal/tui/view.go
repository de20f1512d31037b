// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"

	"github.com/jeranaias/mitar/internal/attachment"
	"github.com/jeranaias/mitar/internal/model"
	"github.com/jeranaias/mitar/internal/util"
)

// =============================================================================
// STYLES
// =============================================================================

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.AdaptiveColor{Light: "#5A56E0", Dark: "#7D79F6"})

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Light: "#8A8A8A", Dark: "#6C6C6C"})

	userLabelStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.AdaptiveColor{Light: "#0B7A75", Dark: "#4FD1C5"})

	assistantLabelStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(lipgloss.AdaptiveColor{Light: "#5A56E0", Dark: "#A5A2FF"})

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Light: "#C53030", Dark: "#FC8181"})

	statusStyle = lipgloss.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Light: "#2F855A", Dark: "#68D391"})

	spinnerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Light: "#5A56E0", Dark: "#7D79F6"})

	sidebarStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.NormalBorder()).
			BorderRight(true).
			BorderForeground(lipgloss.AdaptiveColor{Light: "#D0D0D0", Dark: "#3A3A3A"}).
			PaddingRight(1)

	selectedStyle = lipgloss.NewStyle().Reverse(true)
)

const keyHelp = "enter send · tab conversations · ctrl+n new · ctrl+e export · ctrl+c stop/quit"

// =============================================================================
// VIEW
// =============================================================================

// View renders the interface.
func (m Model) View() string {
	if m.quitting {
		return ""
	}
	if m.width == 0 {
		return "Loading..."
	}

	body := m.viewport.View()
	if w := m.sidebarWidth(); w > 0 {
		body = lipgloss.JoinHorizontal(lipgloss.Top, m.renderSidebar(w-1), body)
	}

	return lipgloss.JoinVertical(lipgloss.Left,
		m.renderHeader(),
		body,
		dimStyle.Render(strings.Repeat("─", max(m.width, 1))),
		m.input.View(),
		m.renderStatus(),
	)
}

func (m Model) sidebarWidth() int {
	if m.width < minSidebarWidth {
		return 0
	}
	return sidebarWidth
}

func (m Model) renderHeader() string {
	title := "New conversation"
	if m.session != nil {
		title = m.session.Conversation().Title
	}
	left := headerStyle.Render("mitar") + " " + truncate(title, max(m.width/2, 10))

	var info []string
	if m.opts.UserName != "" {
		info = append(info, m.opts.UserName)
	}
	if m.opts.Model != "" {
		info = append(info, m.opts.Model)
	}
	right := dimStyle.Render(strings.Join(info, " · "))

	gap := m.width - lipgloss.Width(left) - lipgloss.Width(right)
	if gap < 1 {
		gap = 1
	}
	return left + strings.Repeat(" ", gap) + right + "\n"
}

func (m Model) renderSidebar(width int) string {
	height := m.viewport.Height
	var lines []string
	if len(m.convs) == 0 {
		lines = append(lines, dimStyle.Render("No conversations"))
	}

	// Keep the cursor visible.
	start := 0
	if m.cursor >= height {
		start = m.cursor - height + 1
	}
	for i := start; i < len(m.convs) && len(lines) < height; i++ {
		c := m.convs[i]
		marker := "  "
		if m.session != nil && c.ID == m.session.ID() {
			marker = "* "
		}
		line := util.PadWidth(marker+truncate(c.Title, width-3), width-1)
		if i == m.cursor && m.focus == focusList {
			line = selectedStyle.Render(line)
		}
		lines = append(lines, line)
	}
	for len(lines) < height {
		lines = append(lines, "")
	}
	return sidebarStyle.Width(width).Height(height).Render(strings.Join(lines, "\n"))
}

func (m Model) renderStatus() string {
	switch {
	case m.sending:
		return m.spinner.View() + " " + dimStyle.Render(m.state.String()+"... ctrl+c to stop")
	case m.err != "":
		return errorStyle.Render(m.err)
	case m.status != "":
		return statusStyle.Render(m.status)
	default:
		return dimStyle.Render(truncate(keyHelp, m.width))
	}
}

// =============================================================================
// MESSAGES
// =============================================================================

// updateViewport re-renders the transcript. The view follows the bottom when
// bottom is set or it was already there.
func (m *Model) updateViewport(bottom bool) {
	follow := bottom || m.viewport.AtBottom()
	m.viewport.SetContent(m.renderMessages())
	if follow {
		m.viewport.GotoBottom()
	}
}

func (m *Model) renderMessages() string {
	if len(m.messages) == 0 {
		return dimStyle.Render("Type a message and press enter.")
	}

	width := m.viewport.Width - 2
	var b strings.Builder
	for _, msg := range m.messages {
		if msg.Role == model.RoleUser {
			b.WriteString(userLabelStyle.Render(msg.Role.DisplayName()))
		} else {
			b.WriteString(assistantLabelStyle.Render(msg.Role.DisplayName()))
		}
		b.WriteString("\n")
		b.WriteString(m.renderContent(msg, width))
		for _, a := range msg.Attachments {
			b.WriteString("\n")
			b.WriteString(dimStyle.Render(fmt.Sprintf("[attachment] %s (%s)", a.Name, attachment.FormatSize(a.SizeBytes))))
		}
		b.WriteString("\n\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func (m *Model) renderContent(msg model.Message, width int) string {
	if msg.Streaming {
		return wrap(msg.Content, width) + "▌"
	}
	if msg.Role != model.RoleAssistant {
		return wrap(msg.Content, width)
	}
	if out, ok := m.rendered[msg.ID]; ok {
		return out
	}

	var out string
	switch {
	case m.renderer != nil:
		r, err := m.renderer.Render(msg.Content)
		if err != nil {
			out = wrap(msg.Content, width)
		} else {
			out = strings.Trim(r, "\n")
		}
	case m.opts.Highlight:
		out = highlightFences(wrapProse(msg.Content, width))
	default:
		out = wrap(msg.Content, width)
	}
	m.rendered[msg.ID] = out
	return out
}

// =============================================================================
// TEXT HELPERS
// =============================================================================

// wrap soft-wraps text at width columns.
func wrap(text string, width int) string {
	if width < 1 {
		return text
	}
	return runewidth.Wrap(text, width)
}

// wrapProse wraps text outside of code fences.
func wrapProse(text string, width int) string {
	lines := strings.Split(text, "\n")
	inFence := false
	for i, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			inFence = !inFence
			continue
		}
		if !inFence {
			lines[i] = wrap(line, width)
		}
	}
	return strings.Join(lines, "\n")
}

// truncate shortens s to width columns on one line.
func truncate(s string, width int) string {
	if width < 1 {
		return ""
	}
	return runewidth.Truncate(util.SingleLine(s), width, "…")
}
