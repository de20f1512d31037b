// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package tui

import (
	"github.com/jeranaias/mitar/internal/chat"
	"github.com/jeranaias/mitar/internal/model"
)

// =============================================================================
// SESSION MESSAGES
// =============================================================================

// sessionChangedMsg signals that the active session emitted an event.
type sessionChangedMsg struct{}

// storeChangedMsg signals that the user's data changed in the store.
type storeChangedMsg struct{}

// openedMsg delivers a session after Select or Create. Text, when set, is
// sent as soon as the session is attached.
type openedMsg struct {
	Session *chat.Session
	Text    string
	Err     error
}

// sendDoneMsg signals that a send finished.
type sendDoneMsg struct {
	ConversationID string
	Err            error
}

// =============================================================================
// CONVERSATION MESSAGES
// =============================================================================

// conversationsMsg delivers the conversation list.
type conversationsMsg struct {
	Conversations []model.Conversation
	Err           error
}

// renamedMsg reports the outcome of a rename.
type renamedMsg struct {
	Title string
	Err   error
}

// deletedMsg reports the outcome of a delete.
type deletedMsg struct {
	ID  string
	Err error
}

// exportedMsg reports the outcome of an export.
type exportedMsg struct {
	Path string
	Err  error
}
