// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/jeranaias/mitar/internal/attachment"
	"github.com/jeranaias/mitar/internal/auth"
	"github.com/jeranaias/mitar/internal/chat"
	"github.com/jeranaias/mitar/internal/cloud"
	"github.com/jeranaias/mitar/internal/config"
	"github.com/jeranaias/mitar/internal/storage"
	"github.com/jeranaias/mitar/internal/telemetry"
	"github.com/jeranaias/mitar/internal/voice"
)

// =============================================================================
// APPLICATION WIRING
// =============================================================================

// app holds the services a chat command needs, built from the loaded
// configuration for the signed-in identity.
type app struct {
	cfg      *config.Config
	identity auth.Identity
	store    storage.Store
	client   *cloud.Client
	usage    *telemetry.UsageTracker

	objects attachment.ObjectStore
	closers []func() error
}

// identityProvider returns the provider configured by [identity]: a pinned
// user id when set, otherwise the local identity file.
func identityProvider(cfg *config.Config) auth.Provider {
	if cfg.Identity.UserID != "" {
		return auth.Static{Identity: auth.Identity{UserID: cfg.Identity.UserID, Name: cfg.Identity.UserID}}
	}
	return auth.NewLocalProvider(cfg.Identity.File)
}

// currentIdentity resolves the signed-in user or explains how to sign in.
func currentIdentity(cfg *config.Config) (auth.Identity, error) {
	id, err := identityProvider(cfg).Current()
	if errors.Is(err, auth.ErrSignedOut) {
		return auth.Identity{}, fmt.Errorf("%w: run 'mitar login NAME' first", err)
	}
	return id, err
}

// openApp signs in the current identity and opens the conversation store.
func openApp(ctx context.Context, cfg *config.Config) (*app, error) {
	identity, err := currentIdentity(cfg)
	if err != nil {
		return nil, err
	}

	store, err := storage.Open(ctx, cfg.Store.DSN)
	if err != nil {
		return nil, fmt.Errorf("open conversation store: %w", err)
	}

	a := &app{
		cfg:      cfg,
		identity: identity,
		store:    store,
		client: cloud.NewClient(cfg.Completion.URL).
			WithAPIKey(cfg.Completion.APIKey).
			WithModel(cfg.Completion.Model),
	}
	a.closers = append(a.closers, store.Close)

	if cfg.Telemetry.UsageEnabled {
		a.usage = openUsage(cfg.Telemetry)
	}

	backend, _ := storage.BackendFor(cfg.Store.DSN)
	log.WithFields(log.Fields{
		"user":     identity.UserID,
		"store":    backend,
		"endpoint": a.client.URL(),
		"api_key":  a.client.APIKeyMasked(),
	}).Debug("application ready")
	return a, nil
}

// openUsage opens the usage tracker and applies retention. Failures only
// disable statistics.
func openUsage(cfg config.TelemetryConfig) *telemetry.UsageTracker {
	tracker, err := telemetry.NewUsageTracker(cfg.UsageDir)
	if err != nil {
		log.WithError(err).Warn("usage statistics disabled")
		return nil
	}
	if cfg.RetentionDays > 0 {
		if err := tracker.Prune(time.Duration(cfg.RetentionDays) * 24 * time.Hour); err != nil {
			log.WithError(err).Debug("prune usage statistics")
		}
	}
	return tracker
}

// workspace creates a chat workspace for the signed-in user.
func (a *app) workspace() *chat.Workspace {
	return chat.NewWorkspace(a.store, a.client, chat.Options{
		UserID:        a.identity.UserID,
		ContextWindow: a.cfg.Chat.ContextWindow,
		TitleLength:   a.cfg.Chat.TitleMax,
		IdleTimeout:   a.cfg.IdleTimeout(),
		MaxLineSize:   a.cfg.Completion.MaxLineBytes,
		Usage:         a.usage,
	})
}

// resolver opens the attachment object store on first use.
func (a *app) resolver(ctx context.Context) (*attachment.Resolver, error) {
	if a.objects == nil {
		objects, err := attachment.OpenStore(ctx, attachment.Config{
			Backend:         a.cfg.Attachments.Backend,
			Dir:             a.cfg.Attachments.Dir,
			BaseURL:         a.cfg.Attachments.BaseURL,
			Bucket:          a.cfg.Attachments.Bucket,
			CredentialsFile: a.cfg.Attachments.CredentialsFile,
		})
		if err != nil {
			return nil, fmt.Errorf("open attachment store: %w", err)
		}
		if c, ok := objects.(io.Closer); ok {
			a.closers = append(a.closers, c.Close)
		}
		a.objects = objects
	}
	return attachment.NewResolver(a.objects, a.identity.UserID,
		attachment.WithMaxSize(a.cfg.Attachments.MaxSizeBytes)), nil
}

// voiceBridge builds the dictation and read-aloud bridge from [voice].
func (a *app) voiceBridge(composer *voice.Composer) *voice.Bridge {
	recognizer, synthesizer := voice.FromConfig(a.cfg.Voice.SpeakCommand, a.cfg.Voice.ListenCommand)
	var bridge *voice.Bridge
	bridge = voice.NewBridge(recognizer, synthesizer, composer,
		voice.WithMaxLength(a.cfg.Voice.MaxLength),
		voice.WithOnChange(func() {
			log.WithFields(log.Fields{
				"listening": bridge.IsListening(),
				"speaking":  bridge.IsSpeaking(),
			}).Debug("voice state changed")
		}))
	return bridge
}

// Close releases everything openApp and resolver opened, last first.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			log.WithError(err).Debug("close")
		}
	}
	a.closers = nil
}
