// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the records exchanged between the chat engine,
// the conversation store and the completion endpoint.
//
// # Key Types
//
//   - Conversation: a titled thread owned by one user
//   - Message: a single user or assistant turn, optionally with attachments
//   - Attachment: an immutable descriptor of an uploaded file
//   - Role: message role enumeration (user, assistant)
//
// # Usage
//
//	msg := model.NewUserMessage(convID, "Hello!", nil)
//	title := model.DeriveTitle(msg.Content, model.DefaultTitleLength)
package model
