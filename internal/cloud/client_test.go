// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cloud

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/tidwall/gjson"

	"github.com/jeranaias/mitar/internal/model"
	"github.com/jeranaias/mitar/internal/stream"
)

const sseBody = "data: {\"choices\":[{\"delta\":{\"content\":\"Hi\"}}]}\n\n" +
	"data: {\"choices\":[{\"delta\":{\"content\":\" there\"}}]}\n\n" +
	"data: [DONE]\n\n"

// =============================================================================
// REQUEST TESTS
// =============================================================================

func TestOpen_SendsHistoryAndHeaders(t *testing.T) {
	var gotBody []byte
	var gotHeader http.Header
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Clone()
		gotBody, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, sseBody)
	}))
	defer server.Close()

	client := NewClient(server.URL).WithAPIKey("secret-key").WithModel("test-model")
	history := []model.Message{
		{Role: model.RoleUser, Content: "hello", Attachments: []model.Attachment{{Name: "a.png", MimeType: "image/png", URL: "https://x/a.png"}}},
		{Role: model.RoleAssistant, Content: "hi"},
		{Role: model.RoleUser, Content: "   "},
		{Role: model.RoleUser, Content: "how are you"},
	}

	body, err := client.Open(context.Background(), MessagesFrom(history))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer body.Close()

	content, err := stream.Collect(stream.NewDecoder(body))
	if err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	if content != "Hi there" {
		t.Errorf("content = %q, want \"Hi there\"", content)
	}

	if got := gotHeader.Get("Accept"); got != "text/event-stream" {
		t.Errorf("Accept = %q", got)
	}
	if got := gotHeader.Get("Authorization"); got != "Bearer secret-key" {
		t.Errorf("Authorization = %q", got)
	}
	if got := gotHeader.Get("Content-Type"); got != "application/json" {
		t.Errorf("Content-Type = %q", got)
	}

	msgs := gjson.GetBytes(gotBody, "messages").Array()
	if len(msgs) != 3 {
		t.Fatalf("sent %d messages, want 3 (blank entry skipped)", len(msgs))
	}
	if msgs[0].Get("role").String() != "user" || msgs[0].Get("content").String() != "hello" {
		t.Errorf("first message = %s", msgs[0].Raw)
	}
	if msgs[0].Get("attachments.0.url").String() != "https://x/a.png" {
		t.Errorf("attachment not forwarded: %s", msgs[0].Raw)
	}
	if msgs[1].Get("attachments").Exists() {
		t.Errorf("empty attachments should be omitted: %s", msgs[1].Raw)
	}
	if gjson.GetBytes(gotBody, "model").String() != "test-model" {
		t.Errorf("model not sent: %s", gotBody)
	}
}

func TestOpen_NoKeyNoAuthorization(t *testing.T) {
	var auth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		io.WriteString(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	body, err := NewClient(server.URL).Open(context.Background(), nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	body.Close()
	if auth != "" {
		t.Errorf("Authorization should be empty, got %q", auth)
	}
}

func TestOpen_NotConfigured(t *testing.T) {
	_, err := NewClient("").Open(context.Background(), nil)
	if !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}

func TestOpen_ConnectionFailureIsTransportError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	_, err := NewClient(url).Open(context.Background(), nil)
	if !stream.IsTransportError(err) {
		t.Fatalf("expected TransportError, got %v", err)
	}
}

func TestOpen_CancelUnblocksRead(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, "data: {\"choices\":[{\"delta\":{\"content\":\"a\"}}]}\n\n")
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer server.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	body, err := NewClient(server.URL).Open(ctx, nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer body.Close()

	dec := stream.NewDecoder(body)
	if delta, err := dec.Next(); err != nil || delta != "a" {
		t.Fatalf("first delta = %q, %v", delta, err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := dec.Next()
		done <- err
	}()
	cancel()

	select {
	case err := <-done:
		if !stream.IsTransportError(err) {
			t.Errorf("expected TransportError after cancel, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("read did not unblock after cancel")
	}
}

// =============================================================================
// UPSTREAM ERROR TESTS
// =============================================================================

func TestOpen_UpstreamErrors(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		sentinel error
		kind     UpstreamKind
		message  string
		userText string
	}{
		{"rate limited", http.StatusTooManyRequests, `{"error":"slow down"}`, ErrRateLimited, KindRateLimited, "slow down", RateLimitedMessage},
		{"quota", http.StatusPaymentRequired, `{"error":{"message":"no credits"}}`, ErrQuotaExhausted, KindQuotaExhausted, "no credits", QuotaExhaustedMessage},
		{"server", http.StatusInternalServerError, `{"error":"AI service error"}`, ErrService, KindService, "AI service error", ServiceErrorMessage},
		{"plain text", http.StatusBadGateway, "bad gateway", ErrService, KindService, "bad gateway", ServiceErrorMessage},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				io.WriteString(w, tt.body)
			}))
			defer server.Close()

			_, err := NewClient(server.URL).Open(context.Background(), nil)
			if !errors.Is(err, tt.sentinel) {
				t.Fatalf("expected %v, got %v", tt.sentinel, err)
			}
			var upErr *UpstreamError
			if !errors.As(err, &upErr) {
				t.Fatalf("expected *UpstreamError, got %T", err)
			}
			if upErr.Kind != tt.kind || upErr.Status != tt.status {
				t.Errorf("kind/status = %v/%d", upErr.Kind, upErr.Status)
			}
			if upErr.Message != tt.message {
				t.Errorf("Message = %q, want %q", upErr.Message, tt.message)
			}
			if upErr.UserMessage() != tt.userText {
				t.Errorf("UserMessage = %q, want %q", upErr.UserMessage(), tt.userText)
			}
		})
	}
}

func TestUpstreamError_KindsAreDistinct(t *testing.T) {
	rl := &UpstreamError{Kind: KindRateLimited, Status: 429}
	if errors.Is(rl, ErrQuotaExhausted) || errors.Is(rl, ErrService) {
		t.Error("rate limit error should match only ErrRateLimited")
	}
	if RateLimitedMessage == QuotaExhaustedMessage || QuotaExhaustedMessage == ServiceErrorMessage {
		t.Error("user messages must be distinct")
	}
}

func TestErrorMessage_PlainBodyKeepsRunesWhole(t *testing.T) {
	msg := errorMessage([]byte(strings.Repeat("é", 300)))
	if !utf8.ValidString(msg) {
		t.Fatalf("message is not valid UTF-8: %q", msg)
	}
	if n := utf8.RuneCountInString(msg); n != maxErrorMessage {
		t.Errorf("message has %d runes, want %d", n, maxErrorMessage)
	}
	if got := errorMessage([]byte("  gateway down \n")); got != "gateway down" {
		t.Errorf("short body = %q", got)
	}
}

func TestOpen_RetryAfter(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	_, err := NewClient(server.URL).Open(context.Background(), nil)
	var upErr *UpstreamError
	if !errors.As(err, &upErr) {
		t.Fatalf("expected *UpstreamError, got %v", err)
	}
	if upErr.RetryAfter != 7*time.Second {
		t.Errorf("RetryAfter = %v, want 7s", upErr.RetryAfter)
	}
}

// =============================================================================
// KEY MASKING
// =============================================================================

func TestAPIKeyMasked(t *testing.T) {
	c := NewClient("http://x")
	if c.APIKeyMasked() != "[not set]" {
		t.Errorf("unset key = %q", c.APIKeyMasked())
	}
	c.WithAPIKey("sk-very-secret-value")
	masked := c.APIKeyMasked()
	if strings.Contains(masked, "secret") {
		t.Errorf("masked key leaks content: %q", masked)
	}
}
