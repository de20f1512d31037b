// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"strings"
	"time"

	"github.com/jeranaias/mitar/internal/util"
)

const (
	// DefaultTitle is used for conversations created before the first exchange.
	DefaultTitle = "New Chat"

	// DefaultTitleLength is the number of runes kept when deriving a title.
	DefaultTitleLength = 50

	// TitleEllipsis marks a derived title that was cut short.
	TitleEllipsis = "..."
)

// Conversation is a titled thread of messages owned by a single user.
type Conversation struct {
	ID        string    `json:"id" yaml:"id"`
	UserID    string    `json:"user_id" yaml:"user_id"`
	Title     string    `json:"title" yaml:"title"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
	UpdatedAt time.Time `json:"updated_at" yaml:"updated_at"`
}

// NewConversation creates an unsaved conversation record.
func NewConversation(userID, title string) Conversation {
	if strings.TrimSpace(title) == "" {
		title = DefaultTitle
	}
	now := time.Now().UTC()
	return Conversation{
		ID:        NewID(),
		UserID:    userID,
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// DeriveTitle builds a conversation title from the first user message: the
// first maxRunes runes, followed by TitleEllipsis when the text was longer.
func DeriveTitle(text string, maxRunes int) string {
	if maxRunes <= 0 {
		maxRunes = DefaultTitleLength
	}
	return util.Clip(text, maxRunes, TitleEllipsis)
}
