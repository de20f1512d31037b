// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import "github.com/jeranaias/mitar/internal/model"

// State is the phase of the send pipeline.
type State int

const (
	// StateIdle accepts a new send.
	StateIdle State = iota
	// StateSending persists the user message.
	StateSending
	// StateStreaming receives response deltas.
	StateStreaming
	// StateFinalizing persists the response and the derived title.
	StateFinalizing
	// StateFailed is reported once after a failure, then the session
	// returns to StateIdle.
	StateFailed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSending:
		return "sending"
	case StateStreaming:
		return "streaming"
	case StateFinalizing:
		return "finalizing"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Busy reports whether a send is in flight.
func (s State) Busy() bool {
	return s == StateSending || s == StateStreaming || s == StateFinalizing
}

// Event is delivered to observers after every state or content change.
type Event struct {
	ConversationID string
	State          State
	Messages       []model.Message // snapshot, safe to keep
	Err            string          // last error, empty when none
}

// Streaming returns the in-progress assistant message, if any.
func (e Event) Streaming() (model.Message, bool) {
	if n := len(e.Messages); n > 0 && e.Messages[n-1].Streaming {
		return e.Messages[n-1], true
	}
	return model.Message{}, false
}
