// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

// isolate points the config directory at a temp dir and clears overrides.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("MITAR_HOME", dir)
	for _, env := range []string{
		"MITAR_COMPLETION_URL", "MITAR_API_KEY", "MITAR_MODEL", "MITAR_IDLE_TIMEOUT",
		"MITAR_STORE_DSN", "MITAR_ATTACHMENTS_BACKEND", "MITAR_ATTACHMENTS_BUCKET",
		"MITAR_USER_ID", "MITAR_SERVER_ADDR", "MITAR_UPSTREAM_URL", "MITAR_UPSTREAM_KEY",
		"MITAR_SYSTEM_PROMPT", "MITAR_LOG_LEVEL",
	} {
		t.Setenv(env, "")
	}
	return dir
}

func TestLoad_Defaults(t *testing.T) {
	dir := isolate(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Completion.URL != DefaultCompletionURL {
		t.Errorf("completion.url = %q", cfg.Completion.URL)
	}
	if cfg.Chat.ContextWindow != 20 {
		t.Errorf("chat.context_window = %d, want 20", cfg.Chat.ContextWindow)
	}
	if cfg.Chat.TitleMax != 50 {
		t.Errorf("chat.title_max = %d, want 50", cfg.Chat.TitleMax)
	}
	if cfg.Attachments.MaxSizeBytes != 10*1024*1024 {
		t.Errorf("attachments.max_size_bytes = %d", cfg.Attachments.MaxSizeBytes)
	}
	if want := filepath.Join(dir, "mitar.db"); cfg.Store.DSN != want {
		t.Errorf("store.dsn = %q, want %q", cfg.Store.DSN, want)
	}
	if want := filepath.Join(dir, "attachments"); cfg.Attachments.Dir != want {
		t.Errorf("attachments.dir = %q, want %q", cfg.Attachments.Dir, want)
	}
	if cfg.IdleTimeout() != 60*time.Second {
		t.Errorf("IdleTimeout() = %v", cfg.IdleTimeout())
	}
	if cfg.Completion.MaxLineBytes != 1024*1024 {
		t.Errorf("completion.max_line_bytes = %d", cfg.Completion.MaxLineBytes)
	}
}

func TestLoad_FileAndEnvOverride(t *testing.T) {
	dir := isolate(t)
	content := `
[completion]
url = "https://chat.example/v1/chat"
api_key = "from-file"
idle_timeout_secs = 0

[chat]
context_window = 8

[store]
dsn = "memory"
`
	if err := os.WriteFile(filepath.Join(dir, "config.toml"), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("MITAR_API_KEY", "from-env")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Completion.URL != "https://chat.example/v1/chat" {
		t.Errorf("completion.url = %q", cfg.Completion.URL)
	}
	if cfg.Completion.APIKey != "from-env" {
		t.Errorf("env override not applied: %q", cfg.Completion.APIKey)
	}
	if cfg.Chat.ContextWindow != 8 {
		t.Errorf("chat.context_window = %d", cfg.Chat.ContextWindow)
	}
	if cfg.Chat.TitleMax != 50 {
		t.Errorf("unset fields keep defaults, title_max = %d", cfg.Chat.TitleMax)
	}
	if cfg.Store.DSN != "memory" {
		t.Errorf("store.dsn = %q", cfg.Store.DSN)
	}
	if cfg.IdleTimeout() >= 0 {
		t.Errorf("idle timeout 0 should disable, got %v", cfg.IdleTimeout())
	}

	info, err := os.Stat(filepath.Join(dir, "config.toml"))
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm&0077 != 0 {
		t.Errorf("config permissions not tightened: %o", perm)
	}
}

func TestLoad_InvalidFile(t *testing.T) {
	dir := isolate(t)
	if err := os.WriteFile(filepath.Join(dir, "config.toml"), []byte("[chat]\ncontext_window = 0\ntitle_max = -3\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(); err == nil {
		t.Fatal("expected validation error for title_max")
	}

	if err := os.WriteFile(filepath.Join(dir, "config.toml"), []byte("not = [toml"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestValidate(t *testing.T) {
	isolate(t)

	tests := []struct {
		name  string
		edit  func(*Config)
		field string
	}{
		{"bad completion scheme", func(c *Config) { c.Completion.URL = "ftp://x" }, "completion.url"},
		{"missing host", func(c *Config) { c.Completion.URL = "http://" }, "completion.url"},
		{"negative idle", func(c *Config) { c.Completion.IdleTimeoutSecs = -1 }, "completion.idle_timeout_secs"},
		{"negative line size", func(c *Config) { c.Completion.MaxLineBytes = -1 }, "completion.max_line_bytes"},
		{"unknown backend", func(c *Config) { c.Attachments.Backend = "s3" }, "attachments.backend"},
		{"gcs without bucket", func(c *Config) { c.Attachments.Backend = "gcs" }, "attachments.bucket"},
		{"huge uploads", func(c *Config) { c.Attachments.MaxSizeBytes = 1 << 40 }, "attachments.max_size_bytes"},
		{"window too large", func(c *Config) { c.Chat.ContextWindow = 500 }, "chat.context_window"},
		{"bad log level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
		{"bad theme", func(c *Config) { c.UI.Theme = "neon" }, "ui.theme"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.SetDefaults()
			tt.edit(cfg)

			err := cfg.Validate()
			var verrs ValidateErrors
			if !errors.As(err, &verrs) {
				t.Fatalf("Validate() = %v, want ValidateErrors", err)
			}
			found := false
			for _, ve := range verrs {
				if ve.Field == tt.field {
					found = true
				}
			}
			if !found {
				t.Errorf("no error for %s in %v", tt.field, verrs)
			}
		})
	}

	cfg := Default()
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults invalid: %v", err)
	}
}

func TestEnvOverrides(t *testing.T) {
	isolate(t)
	t.Setenv("MITAR_MODEL", "gpt-test")
	t.Setenv("MITAR_IDLE_TIMEOUT", "90s")
	t.Setenv("MITAR_USER_ID", "u-42")

	cfg := Default()
	cfg.ApplyEnvOverrides()
	if cfg.Completion.Model != "gpt-test" || cfg.Server.Model != "gpt-test" {
		t.Errorf("model override = %q/%q", cfg.Completion.Model, cfg.Server.Model)
	}
	if cfg.Completion.IdleTimeoutSecs != 90 {
		t.Errorf("idle timeout = %d", cfg.Completion.IdleTimeoutSecs)
	}
	if cfg.Identity.UserID != "u-42" {
		t.Errorf("user id = %q", cfg.Identity.UserID)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	dir := isolate(t)

	cfg := Default()
	cfg.SetDefaults()
	cfg.Completion.APIKey = "secret"
	cfg.Chat.ContextWindow = 12
	if err := Save(cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	path := filepath.Join(dir, "config.toml")
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("permissions = %o, want 600", info.Mode().Perm())
	}

	loaded, err := LoadFromPath(path)
	if err != nil {
		t.Fatalf("LoadFromPath() error = %v", err)
	}
	if loaded.Chat.ContextWindow != 12 || loaded.Completion.APIKey != "secret" {
		t.Errorf("round trip lost values: %+v", loaded.Chat)
	}
}

func TestGetSet(t *testing.T) {
	cfg := Default()

	if err := cfg.Set("chat.context_window", "30"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if cfg.Chat.ContextWindow != 30 {
		t.Errorf("context_window = %d", cfg.Chat.ContextWindow)
	}
	if err := cfg.Set("voice.auto_speak", "yes"); err != nil || !cfg.Voice.AutoSpeak {
		t.Errorf("auto_speak not set: %v", err)
	}
	if err := cfg.Set("completion.api_key", "k"); err != nil || cfg.Completion.APIKey != "k" {
		t.Errorf("api_key not set: %v", err)
	}

	v, err := cfg.Get("server.addr")
	if err != nil || v != DefaultServerAddr {
		t.Errorf("Get(server.addr) = %v, %v", v, err)
	}
	if _, err := cfg.Get("chat.nope"); err == nil {
		t.Error("expected unknown field error")
	}
	if err := cfg.Set("chat.context_window.x", "1"); err == nil {
		t.Error("expected not-a-struct error")
	}
	if err := cfg.Set("chat.context_window", "many"); err == nil {
		t.Error("expected integer parse error")
	}
}

func TestGetAllKeys(t *testing.T) {
	keys := GetAllKeys()
	want := []string{"completion.url", "store.dsn", "attachments.max_size_bytes", "chat.context_window", "log.level"}
	joined := "," + strings.Join(keys, ",") + ","
	for _, k := range want {
		if !strings.Contains(joined, ","+k+",") {
			t.Errorf("missing key %s", k)
		}
	}
	cfg := Default()
	for _, k := range keys {
		if _, err := cfg.Get(k); err != nil {
			t.Errorf("Get(%s) error = %v", k, err)
		}
	}
}

func TestString_RedactsSecrets(t *testing.T) {
	cfg := Default()
	cfg.Completion.APIKey = "sk-live-123"
	cfg.Server.UpstreamKey = "up-456"

	s := cfg.String()
	if strings.Contains(s, "sk-live-123") || strings.Contains(s, "up-456") {
		t.Errorf("String() leaked a key: %s", s)
	}
	if cfg.Completion.APIKey != "sk-live-123" {
		t.Error("String() modified the original")
	}
}

// resetGlobal forgets the process configuration so Global loads again.
func resetGlobal() {
	globalConfigMu.Lock()
	defer globalConfigMu.Unlock()
	globalConfig = nil
	globalConfigOnce = sync.Once{}
}

// TestConfig_ConcurrentAccess checks Global and SetGlobal under -race.
func TestConfig_ConcurrentAccess(t *testing.T) {
	isolate(t)
	resetGlobal()
	defer resetGlobal()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			c := Default()
			c.SetDefaults()
			SetGlobal(c)
		}()
		go func() {
			defer wg.Done()
			if Global() == nil {
				t.Error("Global() returned nil")
			}
		}()
	}
	wg.Wait()
}

func TestConfig_SetGlobalOverwrites(t *testing.T) {
	isolate(t)
	resetGlobal()
	defer resetGlobal()

	_ = Global()
	custom := Default()
	custom.Chat.ContextWindow = 7
	SetGlobal(custom)

	if got := Global().Chat.ContextWindow; got != 7 {
		t.Errorf("Global().Chat.ContextWindow = %d, want 7", got)
	}
}
