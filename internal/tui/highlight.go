// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package tui

import (
	"strings"

	"github.com/alecthomas/chroma/v2"
	"github.com/alecthomas/chroma/v2/formatters"
	"github.com/alecthomas/chroma/v2/lexers"
	chromaStyles "github.com/alecthomas/chroma/v2/styles"
)

// highlightFences colors the bodies of ``` fenced blocks. The fence lines
// stay as they are; an unterminated fence highlights to the end.
func highlightFences(text string) string {
	lines := strings.Split(text, "\n")
	var out []string
	var code []string
	var language string
	inFence := false

	flush := func() {
		if len(code) > 0 {
			out = append(out, highlightCode(strings.Join(code, "\n"), language))
		}
		code = nil
	}

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") {
			if inFence {
				flush()
			} else {
				language = strings.TrimSpace(strings.TrimPrefix(trimmed, "```"))
			}
			inFence = !inFence
			out = append(out, line)
			continue
		}
		if inFence {
			code = append(code, line)
			continue
		}
		out = append(out, line)
	}
	flush()
	return strings.Join(out, "\n")
}

// highlightCode returns code with terminal color sequences, or code itself
// when no lexer applies.
func highlightCode(code, language string) string {
	lexer := lexers.Get(language)
	if lexer == nil {
		lexer = lexers.Analyse(code)
	}
	if lexer == nil {
		lexer = lexers.Fallback
	}
	lexer = chroma.Coalesce(lexer)

	style := chromaStyles.Get("monokai")
	if style == nil {
		style = chromaStyles.Fallback
	}
	formatter := formatters.Get("terminal256")
	if formatter == nil {
		formatter = formatters.Fallback
	}

	iterator, err := lexer.Tokenise(nil, code)
	if err != nil {
		return code
	}
	var buf strings.Builder
	if err := formatter.Format(&buf, style, iterator); err != nil {
		return code
	}
	return strings.TrimRight(buf.String(), "\n")
}
