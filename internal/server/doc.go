// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package server is the completion relay behind `mitar serve`.
//
// The chat client posts its history to the relay, which prepends the
// configured system prompt, turns attachments into multimodal content parts,
// and forwards the request with streaming enabled to an OpenAI-compatible
// gateway. The gateway's event stream is copied back byte for byte.
//
// # Endpoints
//
//   - POST /v1/chat - relay a conversation, answers text/event-stream
//   - GET  /health  - liveness and upstream configuration
//   - GET  /metrics - Prometheus metrics
//
// Upstream failures are reported as `{"error": "..."}`: 429 and 402 keep
// their status, everything else becomes 500.
//
// # Usage
//
//	srv := server.New(server.ConfigFrom(cfg.Server, version))
//	go srv.ListenAndServe()
//	defer srv.Shutdown(ctx)
package server
