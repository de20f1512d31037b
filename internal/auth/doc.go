// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package auth provides the local identity that owns conversations.
//
// A user signs in with a display name. The user id is derived from the
// name, so signing out and back in with the same name reaches the same
// conversations. An account may enroll a TOTP secret; signing in then
// requires a current code.
//
// The signed-in identity and the enrolled accounts live in a TOML file
// (default ~/.mitar/identity.toml) written with 0600 permissions.
package auth
