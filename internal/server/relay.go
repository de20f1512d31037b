// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/sjson"

	"github.com/jeranaias/mitar/internal/cloud"
	"github.com/jeranaias/mitar/internal/model"
	"github.com/jeranaias/mitar/internal/telemetry"
)

// relayRequest is the body accepted on POST /v1/chat.
type relayRequest struct {
	Messages []cloud.ChatMessage `json:"messages"`
	// Attachments is accepted for compatibility; per-message attachments
	// are what gets forwarded.
	Attachments []model.Attachment `json:"attachments,omitempty"`
}

// contentPart is one element of a multimodal message content array.
type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if !s.IsConfigured() {
		log.Error("relay upstream is not configured")
		writeError(w, http.StatusInternalServerError, errNotConfigured)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, MaxRequestBodySize)
	var req relayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, errTooLarge)
			return
		}
		log.WithError(err).Debug("invalid relay request body")
		writeError(w, http.StatusBadRequest, errBadRequest)
		return
	}
	if len(req.Messages) == 0 {
		writeError(w, http.StatusBadRequest, errNoMessages)
		return
	}
	if len(req.Messages) > MaxMessageCount {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Too many messages: maximum is %d", MaxMessageCount))
		return
	}
	if err := validateMessages(req.Messages); err != nil {
		log.WithError(err).Debug("relay request rejected")
		writeError(w, http.StatusBadRequest, errBadRequest)
		return
	}

	body, err := s.upstreamBody(req.Messages)
	if err != nil {
		log.WithError(err).Error("build upstream request")
		writeError(w, http.StatusInternalServerError, cloud.ServiceErrorMessage)
		return
	}

	upReq, err := http.NewRequestWithContext(r.Context(), http.MethodPost, s.cfg.UpstreamURL, bytes.NewReader(body))
	if err != nil {
		log.WithError(err).Error("create upstream request")
		writeError(w, http.StatusInternalServerError, cloud.ServiceErrorMessage)
		return
	}
	upReq.Header.Set("Content-Type", "application/json")
	upReq.Header.Set("Accept", "text/event-stream")
	if s.cfg.UpstreamKey != "" {
		upReq.Header.Set("Authorization", "Bearer "+s.cfg.UpstreamKey)
	}

	log.WithField("messages", len(req.Messages)).Debug("relaying chat request")
	start := time.Now()
	resp, err := s.client.Do(upReq)
	if err != nil {
		telemetry.RecordRelay("error")
		log.WithError(err).Warn("upstream request failed")
		writeError(w, http.StatusInternalServerError, cloud.ServiceErrorMessage)
		return
	}
	defer resp.Body.Close()
	telemetry.RecordRelay(statusClass(resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, cloud.MaxErrorBodySize))
		log.WithFields(log.Fields{
			"status": resp.StatusCode,
			"body":   string(detail),
		}).Warn("upstream rejected request")
		writeError(w, clientStatus(resp.StatusCode), cloud.UserMessageFor(cloud.KindForStatus(resp.StatusCode)))
		return
	}

	n, err := relayStream(w, resp.Body)
	fields := log.Fields{"bytes": n, "duration": time.Since(start)}
	if err != nil && r.Context().Err() == nil {
		log.WithFields(fields).WithError(err).Warn("relay stream interrupted")
		return
	}
	log.WithFields(fields).Debug("relay stream finished")
}

// upstreamBody builds the gateway request: system prompt first, then the
// history with attachments turned into content parts.
func (s *Server) upstreamBody(messages []cloud.ChatMessage) ([]byte, error) {
	body := []byte(`{}`)
	var err error
	set := func(path string, v any) {
		if err == nil {
			body, err = sjson.SetBytes(body, path, v)
		}
	}

	if s.cfg.Model != "" {
		set("model", s.cfg.Model)
	}
	set("messages", []any{})
	if s.cfg.SystemPrompt != "" {
		set("messages.-1", map[string]string{"role": "system", "content": s.cfg.SystemPrompt})
	}
	for _, m := range messages {
		set("messages.-1", map[string]any{"role": m.Role, "content": messageContent(m)})
	}
	set("stream", true)
	return body, err
}

// messageContent returns the plain text, or content parts when the message
// has attachments. Only image attachments become parts.
func messageContent(m cloud.ChatMessage) any {
	if len(m.Attachments) == 0 {
		return m.Content
	}
	text := m.Content
	if text == "" {
		text = DefaultImagePrompt
	}
	parts := []contentPart{{Type: "text", Text: text}}
	for _, a := range m.Attachments {
		if a.IsImage() {
			parts = append(parts, contentPart{Type: "image_url", ImageURL: &imageURL{URL: a.URL}})
		}
	}
	return parts
}

func validateMessages(messages []cloud.ChatMessage) error {
	for i, m := range messages {
		switch m.Role {
		case "user", "assistant", "system":
		default:
			return fmt.Errorf("invalid role %q at message %d", m.Role, i)
		}
	}
	return nil
}

// relayStream copies the event stream to the client, flushing after every
// read so deltas are not held in buffers.
func relayStream(w http.ResponseWriter, body io.Reader) (int64, error) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	rc := http.NewResponseController(w)
	buf := make([]byte, 32*1024)
	var total int64
	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			if _, err := w.Write(buf[:n]); err != nil {
				return total, err
			}
			total += int64(n)
			if err := rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
				return total, err
			}
		}
		if readErr == io.EOF {
			return total, nil
		}
		if readErr != nil {
			return total, readErr
		}
	}
}

// clientStatus maps an upstream failure status to the one returned to the
// client: 429 and 402 pass through, everything else is 500.
func clientStatus(upstream int) int {
	switch upstream {
	case http.StatusTooManyRequests, http.StatusPaymentRequired:
		return upstream
	default:
		return http.StatusInternalServerError
	}
}

func statusClass(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "other"
	}
}
