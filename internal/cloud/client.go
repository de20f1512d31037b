// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cloud

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/jeranaias/mitar/internal/model"
	"github.com/jeranaias/mitar/internal/stream"
)

const (
	// MaxErrorBodySize bounds how much of a failed response is read.
	MaxErrorBodySize = 64 * 1024

	userAgent = "mitar/0.3.0"
)

// sharedStreamingClient is used for all completion requests. It has no
// overall timeout; requests are bounded by their context and the decoder
// idle timeout.
var sharedStreamingClient = &http.Client{
	Transport: &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
	},
}

// =============================================================================
// WIRE TYPES
// =============================================================================

// ChatMessage is a single history entry as sent to the endpoint.
type ChatMessage struct {
	Role        string             `json:"role"`
	Content     string             `json:"content"`
	Attachments []model.Attachment `json:"attachments,omitempty"`
}

// ChatRequest is the body of a completion request.
type ChatRequest struct {
	Model    string        `json:"model,omitempty"`
	Messages []ChatMessage `json:"messages"`
}

// MessagesFrom converts conversation messages to their wire form, oldest
// first, skipping empty entries.
func MessagesFrom(msgs []model.Message) []ChatMessage {
	out := make([]ChatMessage, 0, len(msgs))
	for _, m := range msgs {
		if m.IsEmpty() {
			continue
		}
		out = append(out, ChatMessage{
			Role:        m.Role.String(),
			Content:     m.Content,
			Attachments: model.CloneAttachments(m.Attachments),
		})
	}
	return out
}

// =============================================================================
// CLIENT
// =============================================================================

// Client opens completion streams against a single endpoint. It is safe
// for concurrent use; each Open is an independent request.
type Client struct {
	url        string
	apiKey     string
	model      string
	httpClient *http.Client
}

// NewClient creates a client for the endpoint at url.
func NewClient(url string) *Client {
	return &Client{
		url:        strings.TrimSpace(url),
		httpClient: sharedStreamingClient,
	}
}

// WithAPIKey sets the bearer key. An empty key sends no Authorization header.
func (c *Client) WithAPIKey(key string) *Client {
	c.apiKey = strings.TrimSpace(key)
	return c
}

// WithModel sets the model name sent with every request.
func (c *Client) WithModel(model string) *Client {
	c.model = model
	return c
}

// URL returns the endpoint URL.
func (c *Client) URL() string {
	return c.url
}

// IsConfigured reports whether an endpoint URL is set.
func (c *Client) IsConfigured() bool {
	return c.url != ""
}

// APIKeyMasked returns a display form of the key that never reveals it.
func (c *Client) APIKeyMasked() string {
	if c.apiKey == "" {
		return "[not set]"
	}
	return fmt.Sprintf("[REDACTED, length=%d, fingerprint=%s]", len(c.apiKey), c.keyFingerprint())
}

func (c *Client) keyFingerprint() string {
	h := sha256.Sum256([]byte(c.apiKey))
	return hex.EncodeToString(h[:4])
}

// Open sends the history and returns the event-stream body. The caller must
// close it. Cancelling ctx aborts the request and unblocks pending reads.
// Non-success answers are returned as *UpstreamError.
func (c *Client) Open(ctx context.Context, messages []ChatMessage) (io.ReadCloser, error) {
	if !c.IsConfigured() {
		return nil, ErrNotConfigured
	}

	bodyBytes, err := json.Marshal(ChatRequest{Model: c.model, Messages: messages})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(req)

	c.logRequest(req, len(messages))
	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &stream.TransportError{Err: err}
	}
	c.logResponse(resp, time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, MaxErrorBodySize))
		upErr := newUpstreamError(resp, body)
		log.WithFields(log.Fields{
			"status": upErr.Status,
			"kind":   upErr.Kind.String(),
		}).Warn("completion request rejected")
		return nil, upErr
	}
	return resp.Body, nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("User-Agent", userAgent)
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

// logRequest does not log headers or body; both may carry secrets.
func (c *Client) logRequest(req *http.Request, messages int) {
	log.WithFields(log.Fields{
		"method":   req.Method,
		"path":     req.URL.Path,
		"messages": messages,
	}).Debug("completion request")
}

func (c *Client) logResponse(resp *http.Response, duration time.Duration) {
	log.WithFields(log.Fields{
		"status":   resp.StatusCode,
		"duration": duration,
	}).Debug("completion response")
}
