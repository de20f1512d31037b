// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cli implements the mitar command line.
//
// The root command loads the configuration, sets up logrus and, without a
// subcommand, starts the interactive chat.
//
// # Commands
//
//   - chat: interactive conversation with streaming answers and slash commands;
//     --tui switches to the full-screen interface
//   - ask: one question, answer on stdout (--json for scripts)
//   - conversations: list, show, rename, delete and export
//   - serve: the completion relay
//   - login, logout, whoami, totp: local identity
//   - config: show, get and set settings
//   - usage: daily streaming statistics
//   - version
//
// Output adapts to the terminal: colors follow NO_COLOR, FORCE_COLOR and
// TTY detection, and answers are rendered as markdown only on a terminal.
package cli
