// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"context"
	"errors"

	"github.com/jeranaias/mitar/internal/attachment"
	"github.com/jeranaias/mitar/internal/cloud"
	"github.com/jeranaias/mitar/internal/storage"
	"github.com/jeranaias/mitar/internal/stream"
)

var (
	// ErrEmptyMessage rejects a send with no text and no attachments.
	ErrEmptyMessage = errors.New("message is empty")

	// ErrBusy rejects a send while another one is in flight.
	ErrBusy = errors.New("a response is already in progress")

	// ErrClosed is returned once the session has been torn down.
	ErrClosed = errors.New("session closed")
)

// Describe turns any pipeline error into one line for the user. It never
// exposes keys or request bodies.
func Describe(err error) string {
	if err == nil {
		return ""
	}

	var upErr *cloud.UpstreamError
	var uploadErr *attachment.UploadError

	switch {
	case errors.Is(err, ErrEmptyMessage):
		return "Type a message or attach a file first."
	case errors.Is(err, ErrBusy):
		return "Please wait for the current response to finish."
	case errors.Is(err, ErrClosed):
		return "This conversation was closed."
	case errors.As(err, &upErr):
		return upErr.UserMessage()
	case errors.Is(err, cloud.ErrNotConfigured):
		return "No completion endpoint is configured."
	case errors.Is(err, attachment.ErrValidation):
		return err.Error()
	case errors.As(err, &uploadErr):
		return "Could not upload " + uploadErr.Name + "."
	case errors.Is(err, stream.ErrIdleTimeout):
		return "The response stalled and was stopped."
	case errors.Is(err, context.Canceled):
		return "The request was cancelled."
	case errors.Is(err, context.DeadlineExceeded):
		return "The request timed out."
	case stream.IsTransportError(err):
		return "Connection lost while receiving the response."
	case storage.IsPersistenceError(err):
		return "Could not save the message."
	case errors.Is(err, storage.ErrConversationNotFound):
		return "The conversation no longer exists."
	default:
		return "Failed to send message."
	}
}
