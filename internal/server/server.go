// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/jeranaias/mitar/internal/config"
	"github.com/jeranaias/mitar/internal/telemetry"
)

// ============================================================================
// CONSTANTS
// ============================================================================

const (
	// MaxRequestBodySize bounds a relay request body (1MB).
	MaxRequestBodySize = 1 * 1024 * 1024

	// MaxMessageCount is the maximum number of messages in a request.
	MaxMessageCount = 200

	// DefaultImagePrompt replaces empty text on a message that carries
	// attachments.
	DefaultImagePrompt = "What's in this image?"

	// corsAllowHeaders is sent on every response when CORS is enabled.
	corsAllowHeaders = "authorization, x-client-info, apikey, content-type"
)

// Error bodies returned to clients. The rate limit and quota texts match
// the ones the chat client shows for the same statuses.
const (
	errNotConfigured = "AI service is not configured"
	errBadRequest    = "Invalid request format"
	errNoMessages    = "Request must contain at least one message"
	errTooLarge      = "Request body too large"
)

// ============================================================================
// CONFIG
// ============================================================================

// Config configures a relay server.
type Config struct {
	Addr         string
	UpstreamURL  string
	UpstreamKey  string
	Model        string
	SystemPrompt string
	AllowOrigin  string // empty disables CORS headers
	RateLimit    int    // requests per minute per client, 0 = unlimited
	Version      string

	// HTTPClient is used for upstream requests. It must not set an overall
	// timeout; streams are bounded by the client's connection.
	HTTPClient *http.Client
}

// ConfigFrom builds a relay config from the [server] section.
func ConfigFrom(c config.ServerConfig, version string) Config {
	return Config{
		Addr:         c.Addr,
		UpstreamURL:  c.UpstreamURL,
		UpstreamKey:  c.UpstreamKey,
		Model:        c.Model,
		SystemPrompt: c.SystemPrompt,
		AllowOrigin:  c.AllowOrigin,
		RateLimit:    c.RateLimit,
		Version:      version,
	}
}

// ============================================================================
// SERVER
// ============================================================================

// Server relays chat requests to an OpenAI-compatible upstream and streams
// the answer back unchanged.
type Server struct {
	cfg     Config
	mux     *http.ServeMux
	client  *http.Client
	limiter *RateLimiter
	started time.Time

	mu     sync.Mutex
	server *http.Server
}

// New creates a relay server.
func New(cfg Config) *Server {
	cfg.UpstreamURL = strings.TrimSpace(cfg.UpstreamURL)
	cfg.UpstreamKey = strings.TrimSpace(cfg.UpstreamKey)
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Transport: http.DefaultTransport.(*http.Transport).Clone()}
	}

	s := &Server{
		cfg:     cfg,
		mux:     http.NewServeMux(),
		client:  client,
		limiter: NewRateLimiter(cfg.RateLimit),
		started: time.Now(),
	}
	s.setupRoutes()
	return s
}

// IsConfigured reports whether an upstream URL is set.
func (s *Server) IsConfigured() bool {
	return s.cfg.UpstreamURL != ""
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() {
	s.mux.Handle("POST /v1/chat", instrument("/v1/chat", http.HandlerFunc(s.handleChat)))
	s.mux.Handle("GET /health", instrument("/health", http.HandlerFunc(s.handleHealth)))
	s.mux.Handle("GET /metrics", telemetry.Handler())
}

// Handler returns the routes wrapped in the middleware chain.
func (s *Server) Handler() http.Handler {
	return Chain(
		RecoveryMiddleware(),
		LoggingMiddleware(),
		CORSMiddleware(s.cfg.AllowOrigin),
		RateLimitMiddleware(s.limiter),
	)(s.mux)
}

// ============================================================================
// HEALTH HANDLER
// ============================================================================

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	Upstream      string `json:"upstream"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := HealthResponse{
		Status:        "ok",
		Version:       s.cfg.Version,
		Upstream:      "configured",
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
	}
	if !s.IsConfigured() {
		health.Status = "degraded"
		health.Upstream = "not_configured"
	}
	writeJSON(w, http.StatusOK, health)
}

// ============================================================================
// SERVER LIFECYCLE
// ============================================================================

// ListenAndServe listens on cfg.Addr and serves until Shutdown.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Shutdown. It returns nil after a
// clean shutdown.
func (s *Server) Serve(ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	s.mu.Lock()
	s.server = srv
	s.mu.Unlock()

	log.WithFields(log.Fields{
		"addr":     ln.Addr().String(),
		"version":  s.cfg.Version,
		"upstream": s.IsConfigured(),
	}).Info("relay listening")

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server. Open streams are given until ctx
// expires to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	log.Info("relay shutting down")
	return srv.Shutdown(ctx)
}

// ============================================================================
// HELPERS
// ============================================================================

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Debug("write response")
	}
}

// writeError writes the `{"error": "..."}` body the chat client parses.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
