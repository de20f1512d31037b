// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"io"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/muesli/termenv"
	log "github.com/sirupsen/logrus"

	"github.com/jeranaias/mitar/internal/config"
)

// =============================================================================
// MARKDOWN RENDERING
// =============================================================================

// markdownRenderer renders assistant messages for the terminal. A nil
// renderer passes text through unchanged.
type markdownRenderer struct {
	tr *glamour.TermRenderer
}

// newMarkdownRenderer builds a glamour renderer from the [ui] section, or
// returns nil when markdown is disabled or stdout is not a terminal.
func newMarkdownRenderer(ui config.UIConfig, tty bool) *markdownRenderer {
	if !ui.Markdown || !tty {
		return nil
	}
	width := ui.WordWrap
	if width <= 0 {
		width = GetTerminalWidth() - 2
	}

	opts := []glamour.TermRendererOption{glamour.WithWordWrap(width)}
	switch theme := strings.ToLower(ui.Theme); {
	case !ColorsEnabled():
		opts = append(opts, glamour.WithStandardStyle("notty"))
	case theme == "" || theme == "auto":
		opts = append(opts, glamour.WithAutoStyle())
	default:
		opts = append(opts, glamour.WithStandardStyle(theme))
	}

	tr, err := glamour.NewTermRenderer(opts...)
	if err != nil {
		log.WithError(err).Debug("markdown renderer unavailable")
		return nil
	}
	return &markdownRenderer{tr: tr}
}

// Render returns content rendered as markdown, or content itself when
// rendering is off or fails.
func (m *markdownRenderer) Render(content string) string {
	if m == nil {
		return content
	}
	out, err := m.tr.Render(content)
	if err != nil {
		return content
	}
	return out
}

// =============================================================================
// STREAM PRINTER
// =============================================================================

// streamPrinter echoes a growing assistant message as raw text and, once it
// is final, replaces the raw echo with the rendered markdown.
type streamPrinter struct {
	out      io.Writer
	renderer *markdownRenderer
	width    int
	printed  string
}

func newStreamPrinter(out io.Writer, renderer *markdownRenderer, width int) *streamPrinter {
	return &streamPrinter{out: out, renderer: renderer, width: width}
}

// Update prints whatever content adds to the text already shown. A
// content that does not extend the shown text is ignored.
func (p *streamPrinter) Update(content string) {
	if !strings.HasPrefix(content, p.printed) || len(content) == len(p.printed) {
		return
	}
	io.WriteString(p.out, content[len(p.printed):])
	p.printed = content
}

// Finish settles the output on the final message text. An empty final
// text erases the partial echo.
func (p *streamPrinter) Finish(final string) {
	if p.renderer == nil {
		p.Update(final)
		if p.printed != "" {
			io.WriteString(p.out, "\n")
		}
		return
	}

	if p.printed != "" {
		out := termenv.NewOutput(p.out)
		if rows := displayLines(p.printed, p.width); rows > 1 {
			out.ClearLines(rows - 1)
		}
		out.ClearLine()
		io.WriteString(p.out, "\r")
	}
	if final != "" {
		io.WriteString(p.out, p.renderer.Render(final))
	}
	p.printed = final
}

// Reset forgets the shown text without touching the terminal.
func (p *streamPrinter) Reset() {
	p.printed = ""
}
