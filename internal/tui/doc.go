// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package tui is the full-screen chat interface (mitar chat --tui).
//
// The model wraps a chat.Workspace. Session events and store changes are
// turned into bubbletea messages through capacity-1 signal channels; on each
// signal the model re-reads the session snapshot, so bursts of deltas
// coalesce into one repaint.
//
// Layout: header, conversation sidebar (hidden on narrow terminals),
// transcript viewport, input line and status bar. Finished answers render
// as markdown with glamour, or with chroma-colored code fences when
// markdown is off.
package tui
