// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package stream decodes server-sent completion streams into text deltas.
//
// The completion endpoint answers with a text/event-stream body whose data
// lines carry JSON records in the OpenAI chat-completion chunk shape:
//
//	data: {"choices":[{"delta":{"content":"Hi"}}]}
//
//	data: [DONE]
//
// A Decoder reads the body lazily, tolerates arbitrary chunk boundaries and
// silently drops payloads it cannot parse, so a truncated final chunk never
// fails the whole response.
//
// # Usage
//
//	dec := stream.NewDecoder(resp.Body, stream.WithIdleTimeout(time.Minute))
//	for delta, err := range dec.Deltas() {
//	    if err != nil {
//	        return err // *stream.TransportError
//	    }
//	    fmt.Print(delta)
//	}
package stream
