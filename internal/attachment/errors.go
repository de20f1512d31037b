// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package attachment

import (
	"errors"
	"fmt"
)

// ErrValidation matches every validation failure through errors.Is.
var ErrValidation = errors.New("attachment validation failed")

// ValidationError reports a file that was rejected before upload.
type ValidationError struct {
	Name   string
	Reason string
	Size   int64
	Limit  int64
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Limit > 0 {
		return fmt.Sprintf("%s: %s (%s, limit %s)", e.Name, e.Reason, FormatSize(e.Size), FormatSize(e.Limit))
	}
	return fmt.Sprintf("%s: %s", e.Name, e.Reason)
}

// Is allows ValidationError to be compared with ErrValidation.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// UnsupportedTypeError reports a file whose type is not on the allow-list.
type UnsupportedTypeError struct {
	Name     string
	MimeType string
}

// Error implements the error interface.
func (e *UnsupportedTypeError) Error() string {
	return fmt.Sprintf("%s: file type %q is not supported", e.Name, e.MimeType)
}

// Is allows UnsupportedTypeError to be compared with ErrValidation.
func (e *UnsupportedTypeError) Is(target error) bool {
	return target == ErrValidation
}

// UploadError reports a failed object storage write.
type UploadError struct {
	Name string
	Err  error
}

// Error implements the error interface.
func (e *UploadError) Error() string {
	return fmt.Sprintf("failed to upload %s: %v", e.Name, e.Err)
}

// Unwrap returns the underlying error.
func (e *UploadError) Unwrap() error {
	return e.Err
}

// FormatSize renders a byte count for messages.
func FormatSize(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGT"[exp])
}
