// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package util provides small helpers shared by the mitar packages.
//
// # Key Functions
//
//   - Clip: rune-safe prefix with an explicit truncation marker
//   - TruncateRunes: rune-safe truncation that fits the marker inside the limit
//   - TruncateWidth: display-width truncation for terminal columns
//   - AtomicWriteFile: crash-safe file writing with fsync
//
// # Usage
//
//	title := util.Clip(text, 50, "...")
//	cell := util.TruncateWidth(title, 24)
//	err := util.AtomicWriteFile(path, data, 0644)
package util
