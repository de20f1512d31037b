// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/jeranaias/mitar/internal/cloud"
	"github.com/jeranaias/mitar/internal/model"
	"github.com/jeranaias/mitar/internal/stream"
)

const sseBody = "data: {\"choices\":[{\"delta\":{\"content\":\"Hel\"}}]}\n\n" +
	": keep-alive\n\n" +
	"data: {\"choices\":[{\"delta\":{\"content\":\"lo\"}}]}\n\n" +
	"data: [DONE]\n\n"

// fakeUpstream records request bodies and answers with status and body.
type fakeUpstream struct {
	mu     sync.Mutex
	bodies [][]byte
	auth   []string
	status int
	body   string
}

func (f *fakeUpstream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	f.bodies = append(f.bodies, body)
	f.auth = append(f.auth, r.Header.Get("Authorization"))
	status, payload := f.status, f.body
	f.mu.Unlock()

	if status != 0 && status != http.StatusOK {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		io.WriteString(w, payload)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	io.WriteString(w, payload)
}

func (f *fakeUpstream) setStatus(status int) {
	f.mu.Lock()
	f.status = status
	f.mu.Unlock()
}

func (f *fakeUpstream) lastAuth() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.auth) == 0 {
		return ""
	}
	return f.auth[len(f.auth)-1]
}

func (f *fakeUpstream) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.bodies)
}

func (f *fakeUpstream) last(t *testing.T) gjson.Result {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.bodies, "upstream was not called")
	return gjson.ParseBytes(f.bodies[len(f.bodies)-1])
}

func newRelay(t *testing.T, up *fakeUpstream, edit func(*Config)) *httptest.Server {
	t.Helper()
	upstream := httptest.NewServer(up)
	t.Cleanup(upstream.Close)

	cfg := Config{
		UpstreamURL:  upstream.URL,
		UpstreamKey:  "up-key",
		Model:        "test/model",
		SystemPrompt: "You are MITAR.",
		AllowOrigin:  "*",
		Version:      "test",
	}
	if edit != nil {
		edit(&cfg)
	}
	relay := httptest.NewServer(New(cfg).Handler())
	t.Cleanup(relay.Close)
	return relay
}

func post(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url+"/v1/chat", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func errorBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	var body struct {
		Error string `json:"error"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body.Error
}

func TestRelay_StreamsUpstreamBytes(t *testing.T) {
	up := &fakeUpstream{body: sseBody}
	relay := newRelay(t, up, nil)

	resp := post(t, relay.URL, `{"messages":[{"role":"user","content":"hi"}]}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))

	got, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, sseBody, string(got))
	assert.Equal(t, "Bearer up-key", up.lastAuth())
}

func TestRelay_UpstreamRequest(t *testing.T) {
	up := &fakeUpstream{body: sseBody}
	relay := newRelay(t, up, nil)

	post(t, relay.URL, `{"messages":[
		{"role":"user","content":"first"},
		{"role":"assistant","content":"answer"},
		{"role":"user","content":"second"}]}`)

	req := up.last(t)
	assert.Equal(t, "test/model", req.Get("model").String())
	assert.True(t, req.Get("stream").Bool())

	msgs := req.Get("messages").Array()
	require.Len(t, msgs, 4)
	assert.Equal(t, "system", msgs[0].Get("role").String())
	assert.Equal(t, "You are MITAR.", msgs[0].Get("content").String())
	assert.Equal(t, "first", msgs[1].Get("content").String())
	assert.Equal(t, "assistant", msgs[2].Get("role").String())
	assert.Equal(t, "second", msgs[3].Get("content").String())
}

func TestRelay_NoSystemPromptOrModel(t *testing.T) {
	up := &fakeUpstream{body: sseBody}
	relay := newRelay(t, up, func(c *Config) {
		c.SystemPrompt = ""
		c.Model = ""
		c.UpstreamKey = ""
	})

	post(t, relay.URL, `{"messages":[{"role":"user","content":"hi"}]}`)

	req := up.last(t)
	assert.False(t, req.Get("model").Exists())
	require.Len(t, req.Get("messages").Array(), 1)
	assert.Empty(t, up.lastAuth())
}

func TestRelay_ImageAttachments(t *testing.T) {
	up := &fakeUpstream{body: sseBody}
	relay := newRelay(t, up, nil)

	body, err := json.Marshal(map[string]any{
		"messages": []cloud.ChatMessage{
			{Role: "user", Content: "", Attachments: []model.Attachment{
				{Name: "cat.png", MimeType: "image/png", URL: "https://files.example/cat.png"},
				{Name: "notes.pdf", MimeType: "application/pdf", URL: "https://files.example/notes.pdf"},
			}},
			{Role: "user", Content: "compare", Attachments: []model.Attachment{
				{Name: "dog.jpg", MimeType: "image/jpeg", URL: "https://files.example/dog.jpg"},
			}},
		},
	})
	require.NoError(t, err)
	post(t, relay.URL, string(body))

	msgs := up.last(t).Get("messages").Array()
	require.Len(t, msgs, 3)

	first := msgs[1].Get("content").Array()
	require.Len(t, first, 2, "only image attachments become parts")
	assert.Equal(t, "text", first[0].Get("type").String())
	assert.Equal(t, DefaultImagePrompt, first[0].Get("text").String())
	assert.Equal(t, "image_url", first[1].Get("type").String())
	assert.Equal(t, "https://files.example/cat.png", first[1].Get("image_url.url").String())

	second := msgs[2].Get("content").Array()
	require.Len(t, second, 2)
	assert.Equal(t, "compare", second[0].Get("text").String())
}

func TestRelay_UpstreamErrors(t *testing.T) {
	tests := []struct {
		upstream int
		status   int
		message  string
	}{
		{http.StatusTooManyRequests, http.StatusTooManyRequests, cloud.RateLimitedMessage},
		{http.StatusPaymentRequired, http.StatusPaymentRequired, cloud.QuotaExhaustedMessage},
		{http.StatusServiceUnavailable, http.StatusInternalServerError, cloud.ServiceErrorMessage},
		{http.StatusUnauthorized, http.StatusInternalServerError, cloud.ServiceErrorMessage},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.upstream), func(t *testing.T) {
			up := &fakeUpstream{status: tt.upstream, body: `{"error":{"message":"upstream detail"}}`}
			relay := newRelay(t, up, nil)

			resp := post(t, relay.URL, `{"messages":[{"role":"user","content":"hi"}]}`)
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Equal(t, tt.message, errorBody(t, resp))
		})
	}
}

func TestRelay_UnreachableUpstream(t *testing.T) {
	relay := newRelay(t, &fakeUpstream{}, func(c *Config) {
		c.UpstreamURL = "http://127.0.0.1:1/v1/chat/completions"
	})
	resp := post(t, relay.URL, `{"messages":[{"role":"user","content":"hi"}]}`)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, cloud.ServiceErrorMessage, errorBody(t, resp))
}

func TestRelay_NotConfigured(t *testing.T) {
	relay := newRelay(t, &fakeUpstream{}, func(c *Config) { c.UpstreamURL = "" })
	resp := post(t, relay.URL, `{"messages":[{"role":"user","content":"hi"}]}`)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, errNotConfigured, errorBody(t, resp))
}

func TestRelay_BadRequests(t *testing.T) {
	up := &fakeUpstream{body: sseBody}
	relay := newRelay(t, up, nil)

	tests := map[string]string{
		"not json":     `{"messages":`,
		"no messages":  `{"messages":[]}`,
		"invalid role": `{"messages":[{"role":"tool","content":"x"}]}`,
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			resp := post(t, relay.URL, body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.NotEmpty(t, errorBody(t, resp))
		})
	}

	t.Run("too large", func(t *testing.T) {
		big := `{"messages":[{"role":"user","content":"` + strings.Repeat("x", MaxRequestBodySize) + `"}]}`
		resp := post(t, relay.URL, big)
		assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
	})

	assert.Zero(t, up.calls(), "invalid requests never reach upstream")
}

func TestRelay_Preflight(t *testing.T) {
	relay := newRelay(t, &fakeUpstream{}, nil)

	req, err := http.NewRequest(http.MethodOptions, relay.URL+"/v1/chat", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Contains(t, resp.Header.Get("Access-Control-Allow-Headers"), "content-type")
}

func TestRelay_CORSDisabled(t *testing.T) {
	relay := newRelay(t, &fakeUpstream{}, func(c *Config) { c.AllowOrigin = "" })
	resp, err := http.Get(relay.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestRelay_RateLimit(t *testing.T) {
	up := &fakeUpstream{body: sseBody}
	relay := newRelay(t, up, func(c *Config) { c.RateLimit = 2 })

	for i := 0; i < 2; i++ {
		resp := post(t, relay.URL, `{"messages":[{"role":"user","content":"hi"}]}`)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		io.Copy(io.Discard, resp.Body)
	}
	resp := post(t, relay.URL, `{"messages":[{"role":"user","content":"hi"}]}`)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
	assert.Equal(t, cloud.RateLimitedMessage, errorBody(t, resp))
}

func TestRateLimiter_Refills(t *testing.T) {
	rl := NewRateLimiter(60)
	now := time.Unix(1000, 0)
	rl.now = func() time.Time { return now }

	for i := 0; i < 60; i++ {
		ok, _ := rl.Reserve("a")
		require.True(t, ok, "request %d", i)
	}
	ok, wait := rl.Reserve("a")
	assert.False(t, ok)
	assert.InDelta(t, time.Second.Seconds(), wait.Seconds(), 0.01)

	ok, _ = rl.Reserve("b")
	assert.True(t, ok, "clients are limited separately")

	now = now.Add(time.Second)
	ok, _ = rl.Reserve("a")
	assert.True(t, ok)

	now = now.Add(clientIdleTTL + 2*time.Minute)
	rl.Reserve("c")
	rl.mu.Lock()
	_, kept := rl.clients["a"]
	rl.mu.Unlock()
	assert.False(t, kept, "idle clients are swept")

	assert.Nil(t, NewRateLimiter(0))
	ok, _ = (*RateLimiter)(nil).Reserve("x")
	assert.True(t, ok)
}

func TestHealth(t *testing.T) {
	relay := newRelay(t, &fakeUpstream{}, nil)
	resp, err := http.Get(relay.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	var h HealthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&h))
	assert.Equal(t, "ok", h.Status)
	assert.Equal(t, "test", h.Version)
	assert.Equal(t, "configured", h.Upstream)

	unconfigured := newRelay(t, &fakeUpstream{}, func(c *Config) { c.UpstreamURL = "" })
	resp2, err := http.Get(unconfigured.URL + "/health")
	require.NoError(t, err)
	defer resp2.Body.Close()
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&h))
	assert.Equal(t, "degraded", h.Status)
}

func TestMetrics(t *testing.T) {
	up := &fakeUpstream{body: sseBody}
	relay := newRelay(t, up, nil)
	resp := post(t, relay.URL, `{"messages":[{"role":"user","content":"hi"}]}`)
	io.Copy(io.Discard, resp.Body)

	mresp, err := http.Get(relay.URL + "/metrics")
	require.NoError(t, err)
	defer mresp.Body.Close()
	text, err := io.ReadAll(mresp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(text), "mitar_relay_upstream_requests_total")
	assert.Contains(t, string(text), "mitar_relay_http_request_duration_seconds")
}

func TestRecoveryMiddleware(t *testing.T) {
	h := Chain(RecoveryMiddleware(), LoggingMiddleware())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestChain_Order(t *testing.T) {
	var order []string
	mw := func(name string) func(http.Handler) http.Handler {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}
	h := Chain(mw("a"), mw("b"), mw("c"))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		order = append(order, "handler")
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, []string{"a", "b", "c", "handler"}, order)
}

// The chat client against the relay: deltas decoded end to end, and relay
// errors surface as classified upstream errors with the relay's message.
func TestRelay_WithCloudClient(t *testing.T) {
	up := &fakeUpstream{body: sseBody}
	relay := newRelay(t, up, nil)

	client := cloud.NewClient(relay.URL + "/v1/chat")
	history := []cloud.ChatMessage{{Role: "user", Content: "hi"}}
	body, err := client.Open(context.Background(), history)
	require.NoError(t, err)
	text, err := stream.Collect(stream.NewDecoder(body))
	body.Close()
	require.NoError(t, err)
	assert.Equal(t, "Hello", text)

	up.setStatus(http.StatusTooManyRequests)
	_, err = client.Open(context.Background(), history)
	var upErr *cloud.UpstreamError
	require.True(t, errors.As(err, &upErr), "got %v", err)
	assert.ErrorIs(t, err, cloud.ErrRateLimited)
	assert.Equal(t, cloud.RateLimitedMessage, upErr.Message)
}

func TestServe_Shutdown(t *testing.T) {
	srv := New(Config{Addr: "127.0.0.1:0"})
	require.NoError(t, srv.Shutdown(context.Background()), "shutdown before serve is a no-op")

	done := make(chan error, 1)
	go func() { done <- srv.ListenAndServe() }()

	require.Eventually(t, func() bool {
		srv.mu.Lock()
		defer srv.mu.Unlock()
		return srv.server != nil
	}, time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))
	assert.NoError(t, <-done)
}
