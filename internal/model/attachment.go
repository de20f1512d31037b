// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import "strings"

// Attachment describes a stored file referenced by a message.
type Attachment struct {
	ID        string `json:"id" yaml:"id"`
	Name      string `json:"name" yaml:"name"`
	MimeType  string `json:"type" yaml:"type"`
	URL       string `json:"url" yaml:"url"`
	SizeBytes int64  `json:"size" yaml:"size"`
}

// IsImage reports whether the attachment is an image the model can look at.
func (a Attachment) IsImage() bool {
	return strings.HasPrefix(a.MimeType, "image/")
}

// CloneAttachments copies a slice of attachments, preserving nil.
func CloneAttachments(in []Attachment) []Attachment {
	if in == nil {
		return nil
	}
	out := make([]Attachment, len(in))
	copy(out, in)
	return out
}
