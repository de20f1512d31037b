// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package export writes conversations to files.
//
// # Supported Formats
//
//   - Markdown: human-readable, YAML frontmatter with the metadata
//   - JSON: the conversation and its messages as stored
//   - YAML: the same document as JSON, easier to diff
//
// # Usage
//
//	t, err := export.Load(ctx, store, conversationID)
//	if err != nil {
//	    return err
//	}
//	exp, err := export.ForFormat("md", export.DefaultOptions())
//	path, err := export.ToFile(t, exp, opts)
package export
