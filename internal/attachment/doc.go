// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package attachment validates user files and stores them in object storage.
//
// A Resolver checks size and type, uploads the bytes under a per-user key
// and returns the model.Attachment that messages reference. Validation
// failures never touch storage.
//
// # Key Types
//
//   - Resolver: validation plus a single upload per file
//   - ObjectStore: Put(ctx, key, contentType, r) returning a public URL
//   - LocalStore: files under a directory, served from a base URL
//   - GCSStore: Google Cloud Storage bucket
//
// # Usage
//
//	store, err := attachment.OpenStore(ctx, attachment.Config{Backend: "local", Dir: dir})
//	res := attachment.NewResolver(store, userID)
//	att, err := res.ResolvePath(ctx, "./diagram.png")
//	if errors.Is(err, attachment.ErrValidation) {
//	    // too large or unsupported type
//	}
package attachment
