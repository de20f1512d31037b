// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/jeranaias/mitar/internal/server"
)

// ServeFlags override the [server] section for one run.
type ServeFlags struct {
	Addr            string
	UpstreamURL     string
	Model           string
	RateLimit       int
	ShutdownTimeout time.Duration
}

// BindFlags registers the serve flags.
func (f *ServeFlags) BindFlags(flagSet *pflag.FlagSet) {
	flagSet.StringVar(&f.Addr, "listen", "", "Listen address (default [server] addr)")
	flagSet.StringVar(&f.UpstreamURL, "upstream", "", "Upstream chat completions URL")
	flagSet.StringVar(&f.Model, "model", "", "Model set on every upstream request")
	flagSet.IntVar(&f.RateLimit, "rate-limit", -1, "Requests per minute per client, 0 for unlimited")
	flagSet.DurationVar(&f.ShutdownTimeout, "shutdown-timeout", 30*time.Second, "How long open streams may finish on shutdown")
}

// NewServeCommand returns "mitar serve".
func NewServeCommand(global *GlobalFlags) *cobra.Command {
	f := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the completion relay",
		Long: `Serve accepts chat requests on POST /v1/chat, adds the system prompt and
model, and streams the upstream answer back unchanged. The upstream key
stays on the server. GET /health reports status and GET /metrics exposes
Prometheus metrics.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := server.ConfigFrom(global.Config().Server, Version)
			if f.Addr != "" {
				cfg.Addr = f.Addr
			}
			if f.UpstreamURL != "" {
				cfg.UpstreamURL = f.UpstreamURL
			}
			if f.Model != "" {
				cfg.Model = f.Model
			}
			if f.RateLimit >= 0 {
				cfg.RateLimit = f.RateLimit
			}

			srv := server.New(cfg)
			if !srv.IsConfigured() {
				log.Warn("no upstream configured; chat requests will fail until [server] upstream_url is set")
			}

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			errCh := make(chan error, 1)
			go func() {
				errCh <- srv.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), f.ShutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.WithError(err).Warn("relay shutdown incomplete")
			}
			return <-errCh
		},
	}
	f.BindFlags(cmd.Flags())
	return cmd
}
