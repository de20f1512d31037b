// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// ROLE TYPE
// =============================================================================

// Role represents the sender of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// String returns the string representation of the role.
func (r Role) String() string {
	return string(r)
}

// Valid reports whether r is one of the roles the store and endpoint accept.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// DisplayName returns a human-readable name for the role.
func (r Role) DisplayName() string {
	switch r {
	case RoleUser:
		return "You"
	case RoleAssistant:
		return "Assistant"
	default:
		return string(r)
	}
}

// ParseRole converts a stored role string into a Role.
func ParseRole(s string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	if !r.Valid() {
		return "", fmt.Errorf("unknown message role %q", s)
	}
	return r, nil
}

// =============================================================================
// MESSAGE TYPE
// =============================================================================

// Message is a single turn in a conversation.
type Message struct {
	ID             string       `json:"id" yaml:"id"`
	ConversationID string       `json:"conversation_id" yaml:"conversation_id"`
	Role           Role         `json:"role" yaml:"role"`
	Content        string       `json:"content" yaml:"content"`
	Attachments    []Attachment `json:"attachments,omitempty" yaml:"attachments,omitempty"`
	CreatedAt      time.Time    `json:"created_at" yaml:"created_at"`

	// Streaming marks the in-memory assistant placeholder while deltas are
	// still arriving. Never persisted.
	Streaming bool `json:"-" yaml:"-"`
}

// NewUserMessage creates a locally constructed user message.
func NewUserMessage(conversationID, content string, attachments []Attachment) Message {
	return Message{
		ID:             NewID(),
		ConversationID: conversationID,
		Role:           RoleUser,
		Content:        content,
		Attachments:    CloneAttachments(attachments),
		CreatedAt:      time.Now().UTC(),
	}
}

// NewPlaceholder creates the empty assistant message shown while a response
// streams in.
func NewPlaceholder(conversationID string) Message {
	return Message{
		ID:             NewID(),
		ConversationID: conversationID,
		Role:           RoleAssistant,
		CreatedAt:      time.Now().UTC(),
		Streaming:      true,
	}
}

// Clone returns a deep copy of m so callers can hand snapshots to renderers.
func (m Message) Clone() Message {
	m.Attachments = CloneAttachments(m.Attachments)
	return m
}

// IsEmpty reports whether the message has neither text nor attachments.
func (m Message) IsEmpty() bool {
	return strings.TrimSpace(m.Content) == "" && len(m.Attachments) == 0
}

// NewID returns a fresh opaque identifier.
func NewID() string {
	return uuid.NewString()
}
