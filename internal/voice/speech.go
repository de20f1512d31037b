// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package voice

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/jeranaias/mitar/internal/util"
)

// DefaultMaxLength is how many characters of a response are read aloud.
const DefaultMaxLength = 2000

var (
	fencedCode = regexp.MustCompile("(?s)```.*?```")
	inlineCode = regexp.MustCompile("`([^`]*)`")
	image      = regexp.MustCompile(`!\[([^\]]*)\]\([^)]*\)`)
	link       = regexp.MustCompile(`\[([^\]]+)\]\([^)]*\)`)
	heading    = regexp.MustCompile(`(?m)^\s{0,3}#{1,6}\s+`)
	quote      = regexp.MustCompile(`(?m)^\s*>\s?`)
	bullet     = regexp.MustCompile(`(?m)^\s*(?:[-*+]|\d+[.)])\s+`)
	rule       = regexp.MustCompile(`(?m)^\s*(?:[-*_]\s*){3,}$`)
	emphasis   = regexp.MustCompile(`(\*\*|__|\*|_|~~)([^*_~\n]+)(\*\*|__|\*|_|~~)`)
	spaces     = regexp.MustCompile(`[ \t]+`)
	blankLines = regexp.MustCompile(`\n{2,}`)
)

// StripMarkdown reduces markdown to the words a listener should hear. Code
// blocks are replaced by a short marker.
func StripMarkdown(s string) string {
	s = fencedCode.ReplaceAllString(s, " code block. ")
	s = image.ReplaceAllString(s, "$1")
	s = link.ReplaceAllString(s, "$1")
	s = inlineCode.ReplaceAllString(s, "$1")
	s = rule.ReplaceAllString(s, "")
	s = heading.ReplaceAllString(s, "")
	s = quote.ReplaceAllString(s, "")
	s = bullet.ReplaceAllString(s, "")
	for i := 0; i < 2; i++ {
		s = emphasis.ReplaceAllString(s, "$2")
	}
	s = spaces.ReplaceAllString(s, " ")
	s = blankLines.ReplaceAllString(s, "\n")
	return strings.TrimSpace(s)
}

// speechCleaner folds compatibility forms and drops control characters
// other than newlines.
var speechCleaner = transform.Chain(
	norm.NFKC,
	runes.Remove(runes.Predicate(func(r rune) bool {
		return r != '\n' && unicode.IsControl(r)
	})),
)

// PrepareSpeech returns the text to hand to a synthesizer: markdown
// stripped, normalized and clipped to maxLength runes.
func PrepareSpeech(s string, maxLength int) string {
	s = StripMarkdown(s)
	if cleaned, _, err := transform.String(speechCleaner, s); err == nil {
		s = cleaned
	}
	s = strings.TrimSpace(s)
	if maxLength > 0 {
		s = util.Clip(s, maxLength, "...")
	}
	return s
}
