// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config loads and validates the mitar configuration.
//
// # Configuration Precedence
//
// Configuration is read once at startup from (highest first):
//   - Environment variables (MITAR_*)
//   - $MITAR_HOME/config.toml, or ~/.mitar/config.toml
//   - Built-in defaults
//
// # Sections
//
//	[completion]   endpoint URL, API key, model, idle timeout
//	[store]        conversation store DSN (sqlite path or postgres:// URL)
//	[attachments]  upload limit and object storage backend
//	[chat]         context window and title length
//	[voice]        speech commands
//	[identity]     local identity file or pinned user id
//	[server]       completion relay
//	[telemetry]    local usage statistics
//	[log]          logrus level and format
//	[ui]           terminal rendering
//
// # Usage
//
//	cfg, err := config.Load()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	window := cfg.Chat.ContextWindow
package config
