// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package stream

import (
	"errors"
	"fmt"
)

var (
	// ErrIdleTimeout is reported when the source delivers no bytes for
	// longer than the configured idle timeout.
	ErrIdleTimeout = errors.New("no data received before idle timeout")

	// ErrLineTooLong is reported when a single line grows past the
	// configured maximum without a newline.
	ErrLineTooLong = errors.New("event line exceeds maximum size")
)

// TransportError reports that the underlying byte source failed before the
// stream finished. Received is the number of content bytes already yielded.
type TransportError struct {
	Received int
	Err      error
}

// Error implements the error interface.
func (e *TransportError) Error() string {
	if e.Received > 0 {
		return fmt.Sprintf("stream transport error after %d bytes of content: %v", e.Received, e.Err)
	}
	return fmt.Sprintf("stream transport error: %v", e.Err)
}

// Unwrap returns the underlying error.
func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsTransportError reports whether err is or wraps a *TransportError.
func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
