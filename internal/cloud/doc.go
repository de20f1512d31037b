// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cloud is the HTTP client for the remote completion endpoint.
//
// The endpoint accepts the conversation history as JSON and answers with a
// server-sent event stream. The client only opens the stream; decoding it
// into text deltas is the job of the stream package.
//
// # Key Types
//
//   - Client: POSTs the history and returns the raw event-stream body
//   - ChatMessage: wire form of a single history entry
//   - UpstreamError: non-2xx answer classified as rate limit, quota or service
//
// # Usage
//
//	client := cloud.NewClient(cfg.Completion.URL).WithAPIKey(cfg.Completion.APIKey)
//	body, err := client.Open(ctx, cloud.MessagesFrom(history))
//	if err != nil {
//	    return err
//	}
//	defer body.Close()
//	dec := stream.NewDecoder(body, stream.WithIdleTimeout(60*time.Second))
//
// # Security
//
// API keys are never logged. Request logging records method, path, status
// and duration only.
package cloud
