// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cloud

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/jeranaias/mitar/internal/util"
)

// maxErrorMessage bounds a plain-text error body, in runes.
const maxErrorMessage = 200

// Error variables for upstream failures. UpstreamError matches exactly one
// of the kind sentinels through errors.Is.
var (
	// ErrNotConfigured indicates the completion URL is not set.
	ErrNotConfigured = errors.New("completion endpoint not configured")

	// ErrRateLimited indicates the endpoint throttled the request.
	ErrRateLimited = errors.New("rate limited")

	// ErrQuotaExhausted indicates the account ran out of credits.
	ErrQuotaExhausted = errors.New("quota exhausted")

	// ErrService indicates any other non-success answer.
	ErrService = errors.New("service error")
)

// User-facing messages for each kind.
const (
	RateLimitedMessage    = "Rate limit exceeded. Please try again later."
	QuotaExhaustedMessage = "AI credits exhausted. Please add more credits."
	ServiceErrorMessage   = "AI service error"
)

// UpstreamKind classifies a non-success answer from the endpoint.
type UpstreamKind int

const (
	// KindService covers every status without a dedicated kind.
	KindService UpstreamKind = iota
	// KindRateLimited is HTTP 429.
	KindRateLimited
	// KindQuotaExhausted is HTTP 402.
	KindQuotaExhausted
)

// String returns the kind name used in logs.
func (k UpstreamKind) String() string {
	switch k {
	case KindRateLimited:
		return "rate_limited"
	case KindQuotaExhausted:
		return "quota_exhausted"
	default:
		return "service"
	}
}

// KindForStatus maps an HTTP status to its kind.
func KindForStatus(status int) UpstreamKind {
	switch status {
	case http.StatusTooManyRequests:
		return KindRateLimited
	case http.StatusPaymentRequired:
		return KindQuotaExhausted
	default:
		return KindService
	}
}

// UpstreamError represents a non-success answer from the completion endpoint.
type UpstreamError struct {
	Kind       UpstreamKind
	Status     int
	Message    string        // message reported by the endpoint, if any
	RetryAfter time.Duration // parsed Retry-After for rate limits
}

// Error implements the error interface.
func (e *UpstreamError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("completion endpoint error [%s] (HTTP %d): %s", e.Kind, e.Status, e.Message)
	}
	return fmt.Sprintf("completion endpoint error [%s] (HTTP %d)", e.Kind, e.Status)
}

// Is allows UpstreamError to be compared with the kind sentinels.
func (e *UpstreamError) Is(target error) bool {
	switch target {
	case ErrRateLimited:
		return e.Kind == KindRateLimited
	case ErrQuotaExhausted:
		return e.Kind == KindQuotaExhausted
	case ErrService:
		return e.Kind == KindService
	}
	return false
}

// UserMessage returns the text shown to the user for this error.
func (e *UpstreamError) UserMessage() string {
	return UserMessageFor(e.Kind)
}

// UserMessageFor returns the user-facing text for a kind.
func UserMessageFor(kind UpstreamKind) string {
	switch kind {
	case KindRateLimited:
		return RateLimitedMessage
	case KindQuotaExhausted:
		return QuotaExhaustedMessage
	default:
		return ServiceErrorMessage
	}
}

// newUpstreamError builds an UpstreamError from a failed response. The body
// may be `{"error":"..."}` or `{"error":{"message":"..."}}`; anything else is
// kept as plain text.
func newUpstreamError(resp *http.Response, body []byte) *UpstreamError {
	e := &UpstreamError{
		Kind:    KindForStatus(resp.StatusCode),
		Status:  resp.StatusCode,
		Message: errorMessage(body),
	}
	if e.Kind == KindRateLimited {
		e.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
	}
	return e
}

func errorMessage(body []byte) string {
	if gjson.ValidBytes(body) {
		res := gjson.GetBytes(body, "error")
		switch {
		case res.Type == gjson.String:
			return res.Str
		case res.IsObject():
			return res.Get("message").String()
		}
		return ""
	}
	return util.TruncateRunes(strings.TrimSpace(string(body)), maxErrorMessage)
}

// parseRetryAfter accepts either delay seconds or an HTTP date.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(v); err == nil {
		return time.Duration(seconds) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
