// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/jeranaias/mitar/internal/attachment"
	"github.com/jeranaias/mitar/internal/auth"
	"github.com/jeranaias/mitar/internal/chat"
	"github.com/jeranaias/mitar/internal/cloud"
	"github.com/jeranaias/mitar/internal/config"
	"github.com/jeranaias/mitar/internal/storage"
	"github.com/jeranaias/mitar/internal/stream"
)

// =============================================================================
// EXIT CODES
// =============================================================================

const (
	// ExitSuccess indicates successful execution
	ExitSuccess = 0
	// ExitGeneralError indicates a general/unknown error
	ExitGeneralError = 1
	// ExitUsageError indicates invalid command usage or arguments
	ExitUsageError = 2
	// ExitConfigError indicates a configuration file or settings error
	ExitConfigError = 3
	// ExitAuthError indicates nobody is signed in or sign-in failed
	ExitAuthError = 4
	// ExitNetworkError indicates the completion endpoint failed
	ExitNetworkError = 5
	// ExitNotFoundError indicates a resource was not found
	ExitNotFoundError = 7
	// ExitInterrupted indicates the user cancelled the operation
	ExitInterrupted = 130
)

// =============================================================================
// ERROR TYPES
// =============================================================================

// UsageError is a bad invocation: wrong arguments or flag values.
type UsageError struct {
	Reason string
}

func (e *UsageError) Error() string {
	return e.Reason
}

// usageErrorf returns a *UsageError.
func usageErrorf(format string, args ...any) error {
	return &UsageError{Reason: fmt.Sprintf(format, args...)}
}

// NotFoundError represents a resource not found error.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// sendError shows the user-facing text of a send failure and keeps the
// cause for ExitCodeFor.
type sendError struct {
	err error
}

func (e sendError) Error() string {
	return chat.Describe(e.err)
}

func (e sendError) Unwrap() error {
	return e.err
}

// ExitCodeFor maps an error to a process exit code.
func ExitCodeFor(err error) int {
	if err == nil {
		return ExitSuccess
	}

	var (
		usage    *UsageError
		notFound *NotFoundError
		upstream *cloud.UpstreamError
		cfgErr   config.ValidateErrors
		invalid  *attachment.ValidationError
		badType  *attachment.UnsupportedTypeError
	)
	switch {
	case errors.As(err, &usage), errors.As(err, &invalid), errors.As(err, &badType):
		return ExitUsageError
	case errors.As(err, &cfgErr):
		return ExitConfigError
	case errors.Is(err, auth.ErrSignedOut), errors.Is(err, auth.ErrCodeRequired),
		errors.Is(err, auth.ErrInvalidCode), errors.Is(err, auth.ErrInvalidName):
		return ExitAuthError
	case errors.As(err, &notFound), errors.Is(err, storage.ErrConversationNotFound):
		return ExitNotFoundError
	case errors.Is(err, context.Canceled):
		return ExitInterrupted
	case errors.As(err, &upstream), errors.Is(err, stream.ErrIdleTimeout):
		return ExitNetworkError
	default:
		return ExitGeneralError
	}
}
