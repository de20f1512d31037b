// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package chat runs the send pipeline of a conversation.
//
// A Session owns the in-memory messages of one conversation. Send appends
// the user message optimistically, persists it, opens a completion stream,
// grows a placeholder assistant message delta by delta and finally
// persists the full response. Observers receive an Event after every
// change. A Workspace tracks the active conversation and creates one on
// the first send.
//
// # State Machine
//
//	Idle -> Sending -> Streaming -> Finalizing -> Idle
//	           \           \             \
//	            +-----------+-------------+--> Failed -> Idle
//
// Only one send runs at a time per session; a second Send while one is in
// flight returns ErrBusy instead of queueing.
//
// # Usage
//
//	ws := chat.NewWorkspace(store, client, chat.Options{UserID: id})
//	defer ws.Close()
//	if err := ws.Send(ctx, "hello"); err != nil {
//	    fmt.Println(chat.Describe(err))
//	}
package chat
