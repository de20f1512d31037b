// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	log "github.com/sirupsen/logrus"

	"github.com/jeranaias/mitar/internal/util"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config represents the complete mitar configuration.
type Config struct {
	Version string `toml:"version" json:"version"`

	// Completion endpoint used by the chat client
	Completion CompletionConfig `toml:"completion" json:"completion"`

	// Conversation persistence
	Store StoreConfig `toml:"store" json:"store"`

	// Attachment upload limits and object storage
	Attachments AttachmentsConfig `toml:"attachments" json:"attachments"`

	// Send pipeline tuning
	Chat ChatConfig `toml:"chat" json:"chat"`

	// Dictation and read-aloud
	Voice VoiceConfig `toml:"voice" json:"voice"`

	// Local identity
	Identity IdentityConfig `toml:"identity" json:"identity"`

	// Completion relay (mitar serve)
	Server ServerConfig `toml:"server" json:"server"`

	// Usage statistics
	Telemetry TelemetryConfig `toml:"telemetry" json:"telemetry"`

	// Logging
	Log LogConfig `toml:"log" json:"log"`

	// Terminal rendering
	UI UIConfig `toml:"ui" json:"ui"`
}

// CompletionConfig describes the streaming completion endpoint.
type CompletionConfig struct {
	// URL receives POSTed conversations and answers with an event stream
	URL string `toml:"url" json:"url"`
	// APIKey is sent as a bearer token when set
	APIKey string `toml:"api_key" json:"api_key"`
	// Model is forwarded in the request body when set
	Model string `toml:"model" json:"model"`
	// IdleTimeoutSecs stops a stream that stays silent this long (0 = never)
	IdleTimeoutSecs int `toml:"idle_timeout_secs" json:"idle_timeout_secs"`
	// MaxLineBytes bounds a single event-stream line
	MaxLineBytes int `toml:"max_line_bytes" json:"max_line_bytes"`
}

// StoreConfig selects the conversation store.
type StoreConfig struct {
	// DSN is a sqlite path, sqlite:// or file: URL, postgres:// URL or "memory"
	DSN string `toml:"dsn" json:"dsn"`
}

// AttachmentsConfig configures uploads.
type AttachmentsConfig struct {
	// Backend is "local" or "gcs"
	Backend string `toml:"backend" json:"backend"`
	// Dir is the local backend root directory
	Dir string `toml:"dir" json:"dir"`
	// BaseURL prefixes object keys for the local backend (file:// when empty)
	BaseURL string `toml:"base_url" json:"base_url"`
	// Bucket is the gcs backend bucket
	Bucket string `toml:"bucket" json:"bucket"`
	// CredentialsFile is a service account file for gcs
	CredentialsFile string `toml:"credentials_file" json:"credentials_file"`
	// MaxSizeBytes is the per-file upload limit
	MaxSizeBytes int64 `toml:"max_size_bytes" json:"max_size_bytes"`
}

// ChatConfig tunes the send pipeline.
type ChatConfig struct {
	// ContextWindow is how many trailing messages accompany each request
	ContextWindow int `toml:"context_window" json:"context_window"`
	// TitleMax is the rune limit of titles derived from the first message
	TitleMax int `toml:"title_max" json:"title_max"`
}

// VoiceConfig configures speech commands.
type VoiceConfig struct {
	// SpeakCommand reads stdin (or {text}) aloud, e.g. "espeak --stdin"
	SpeakCommand string `toml:"speak_command" json:"speak_command"`
	// ListenCommand prints one transcript on stdout
	ListenCommand string `toml:"listen_command" json:"listen_command"`
	// AutoSpeak reads every finished response aloud
	AutoSpeak bool `toml:"auto_speak" json:"auto_speak"`
	// MaxLength caps the characters read per response
	MaxLength int `toml:"max_length" json:"max_length"`
}

// IdentityConfig configures the local identity provider.
type IdentityConfig struct {
	// UserID pins the user id instead of the signed-in identity
	UserID string `toml:"user_id" json:"user_id"`
	// File stores the signed-in identity (empty = ~/.mitar/identity.toml)
	File string `toml:"file" json:"file"`
}

// ServerConfig configures the completion relay.
type ServerConfig struct {
	// Addr is the listen address
	Addr string `toml:"addr" json:"addr"`
	// UpstreamURL is the OpenAI-compatible chat completions endpoint
	UpstreamURL string `toml:"upstream_url" json:"upstream_url"`
	// UpstreamKey authenticates against the upstream gateway
	UpstreamKey string `toml:"upstream_key" json:"upstream_key"`
	// Model is set on every upstream request
	Model string `toml:"model" json:"model"`
	// SystemPrompt is prepended to every conversation
	SystemPrompt string `toml:"system_prompt" json:"system_prompt"`
	// AllowOrigin is the CORS Access-Control-Allow-Origin value
	AllowOrigin string `toml:"allow_origin" json:"allow_origin"`
	// RateLimit is the requests per minute allowed per client (0 = unlimited)
	RateLimit int `toml:"rate_limit" json:"rate_limit"`
}

// TelemetryConfig configures local usage statistics.
type TelemetryConfig struct {
	// UsageEnabled records per-day stream statistics
	UsageEnabled bool `toml:"usage_enabled" json:"usage_enabled"`
	// UsageDir holds the daily files (empty = ~/.mitar/usage)
	UsageDir string `toml:"usage_dir" json:"usage_dir"`
	// RetentionDays prunes older files on startup (0 = keep forever)
	RetentionDays int `toml:"retention_days" json:"retention_days"`
}

// LogConfig configures logrus.
type LogConfig struct {
	// Level is a logrus level name
	Level string `toml:"level" json:"level"`
	// Format is "text" or "json"
	Format string `toml:"format" json:"format"`
	// File receives log output (empty = stderr)
	File string `toml:"file" json:"file"`
}

// UIConfig configures terminal rendering.
type UIConfig struct {
	// Markdown renders assistant messages with glamour
	Markdown bool `toml:"markdown" json:"markdown"`
	// WordWrap is the render width (0 = terminal width)
	WordWrap int `toml:"word_wrap" json:"word_wrap"`
	// Theme is "auto", "dark", "light" or "notty"
	Theme string `toml:"theme" json:"theme"`
}

// =============================================================================
// DEFAULT CONFIGURATION
// =============================================================================

// Default values.
const (
	DefaultCompletionURL   = "http://127.0.0.1:8787/v1/chat"
	DefaultIdleTimeoutSecs = 60
	DefaultMaxLineBytes    = 1024 * 1024
	DefaultContextWindow   = 20
	DefaultTitleMax        = 50
	DefaultMaxSizeBytes    = 10 * 1024 * 1024
	DefaultServerAddr      = "127.0.0.1:8787"
	DefaultRateLimit       = 60
	DefaultUpstreamURL     = "https://openrouter.ai/api/v1/chat/completions"
	DefaultSystemPrompt    = "You are a helpful assistant. Answer clearly and concisely."
)

// Default returns a Config with sensible default values. Paths under the
// config directory are filled in by SetDefaults.
func Default() *Config {
	return &Config{
		Version: "1",

		Completion: CompletionConfig{
			URL:             DefaultCompletionURL,
			IdleTimeoutSecs: DefaultIdleTimeoutSecs,
			MaxLineBytes:    DefaultMaxLineBytes,
		},

		Attachments: AttachmentsConfig{
			Backend:      "local",
			MaxSizeBytes: DefaultMaxSizeBytes,
		},

		Chat: ChatConfig{
			ContextWindow: DefaultContextWindow,
			TitleMax:      DefaultTitleMax,
		},

		Voice: VoiceConfig{
			MaxLength: 2000,
		},

		Server: ServerConfig{
			Addr:         DefaultServerAddr,
			UpstreamURL:  DefaultUpstreamURL,
			SystemPrompt: DefaultSystemPrompt,
			AllowOrigin:  "*",
			RateLimit:    DefaultRateLimit,
		},

		Telemetry: TelemetryConfig{
			UsageEnabled:  true,
			RetentionDays: 90,
		},

		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},

		UI: UIConfig{
			Markdown: true,
			Theme:    "auto",
		},
	}
}

// =============================================================================
// CONFIG PATH HELPERS
// =============================================================================

// ConfigDir returns the mitar configuration directory: $MITAR_HOME, or
// ~/.mitar.
func ConfigDir() (string, error) {
	if dir := os.Getenv("MITAR_HOME"); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".mitar"), nil
}

// ConfigPath returns the path to the TOML config file.
func ConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// EnsureConfigDir ensures the config directory exists.
func EnsureConfigDir() error {
	dir, err := ConfigDir()
	if err != nil {
		return err
	}
	return os.MkdirAll(dir, 0700)
}

// ensureSecurePermissions tightens a config file holding keys to 0600.
func ensureSecurePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if mode := info.Mode().Perm(); mode&0077 != 0 {
		if err := os.Chmod(path, 0600); err != nil {
			return fmt.Errorf("failed to fix insecure permissions (was %o): %w", mode, err)
		}
	}
	return nil
}

// =============================================================================
// LOAD FUNCTIONS
// =============================================================================

// Load reads ~/.mitar/config.toml when present, then applies environment
// overrides, defaults and validation. A missing file is not an error.
func Load() (*Config, error) {
	path, err := ConfigPath()
	if err != nil {
		return nil, err
	}
	if _, statErr := os.Stat(path); statErr == nil {
		return LoadFromPath(path)
	}
	return finish(Default())
}

// LoadTOML decodes a TOML file over cfg.
func LoadTOML(cfg *Config, path string) error {
	if err := ensureSecurePermissions(path); err != nil {
		log.WithError(err).WithField("path", path).Warn("could not ensure secure config permissions")
	}

	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return fmt.Errorf("failed to decode TOML file: %w", err)
	}
	for _, key := range meta.Undecoded() {
		log.WithField("key", key.String()).Warn("unknown config key ignored")
	}
	return nil
}

// LoadFromPath loads configuration from a specific file path with full
// validation.
func LoadFromPath(path string) (*Config, error) {
	cfg := Default()
	if err := LoadTOML(cfg, path); err != nil {
		return nil, fmt.Errorf("failed to load config from %s: %w", path, err)
	}
	return finish(cfg)
}

func finish(cfg *Config) (*Config, error) {
	cfg.ApplyEnvOverrides()
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// =============================================================================
// SAVE FUNCTIONS
// =============================================================================

// Save writes the configuration to the default TOML file.
func Save(cfg *Config) error {
	path, err := ConfigPath()
	if err != nil {
		return err
	}
	return SaveTOML(cfg, path)
}

// SaveTOML writes the configuration atomically with 0600 permissions.
func SaveTOML(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	var b strings.Builder
	b.WriteString("# mitar configuration file\n")
	b.WriteString("# Environment variables (MITAR_*) override these values.\n\n")
	if err := toml.NewEncoder(&b).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	if err := util.AtomicWriteFile(path, []byte(b.String()), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// =============================================================================
// VALIDATION
// =============================================================================

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateErrors is a collection of validation errors.
type ValidateErrors []ValidationError

func (e ValidateErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Validate checks the configuration and returns ValidateErrors listing
// every problem.
func (c *Config) Validate() error {
	var errs ValidateErrors
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if c.Completion.URL != "" {
		if err := validateHTTPURL(c.Completion.URL); err != nil {
			add("completion.url", "%v", err)
		}
	}
	if c.Completion.IdleTimeoutSecs < 0 {
		add("completion.idle_timeout_secs", "must not be negative")
	}
	if c.Completion.MaxLineBytes < 0 {
		add("completion.max_line_bytes", "must not be negative")
	}

	if strings.TrimSpace(c.Store.DSN) == "" {
		add("store.dsn", "must not be empty")
	}

	switch c.Attachments.Backend {
	case "local":
		if c.Attachments.Dir == "" {
			add("attachments.dir", "required for the local backend")
		}
	case "gcs":
		if c.Attachments.Bucket == "" {
			add("attachments.bucket", "required for the gcs backend")
		}
	default:
		add("attachments.backend", "must be \"local\" or \"gcs\", got %q", c.Attachments.Backend)
	}
	if c.Attachments.MaxSizeBytes <= 0 || c.Attachments.MaxSizeBytes > 100*1024*1024 {
		add("attachments.max_size_bytes", "must be between 1 and 104857600")
	}

	if c.Chat.ContextWindow < 1 || c.Chat.ContextWindow > 200 {
		add("chat.context_window", "must be between 1 and 200")
	}
	if c.Chat.TitleMax < 1 || c.Chat.TitleMax > 200 {
		add("chat.title_max", "must be between 1 and 200")
	}
	if c.Voice.MaxLength < 0 {
		add("voice.max_length", "must not be negative")
	}

	if c.Server.Addr == "" {
		add("server.addr", "must not be empty")
	}
	if c.Server.UpstreamURL != "" {
		if err := validateHTTPURL(c.Server.UpstreamURL); err != nil {
			add("server.upstream_url", "%v", err)
		}
	}
	if c.Server.RateLimit < 0 {
		add("server.rate_limit", "must not be negative")
	}
	if c.Telemetry.RetentionDays < 0 {
		add("telemetry.retention_days", "must not be negative")
	}

	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		add("log.level", "%v", err)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		add("log.format", "must be \"text\" or \"json\", got %q", c.Log.Format)
	}

	switch c.UI.Theme {
	case "auto", "dark", "light", "notty":
	default:
		add("ui.theme", "must be auto, dark, light or notty, got %q", c.UI.Theme)
	}
	if c.UI.WordWrap < 0 {
		add("ui.word_wrap", "must not be negative")
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validateHTTPURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	return nil
}

// SetDefaults fills empty fields, including the paths under ConfigDir.
func (c *Config) SetDefaults() {
	defaults := Default()
	dir, err := ConfigDir()
	if err != nil {
		dir = ".mitar"
	}

	if c.Version == "" {
		c.Version = defaults.Version
	}
	if c.Completion.MaxLineBytes == 0 {
		c.Completion.MaxLineBytes = defaults.Completion.MaxLineBytes
	}
	if c.Store.DSN == "" {
		c.Store.DSN = filepath.Join(dir, "mitar.db")
	}
	if c.Attachments.Backend == "" {
		c.Attachments.Backend = defaults.Attachments.Backend
	}
	if c.Attachments.Dir == "" {
		c.Attachments.Dir = filepath.Join(dir, "attachments")
	}
	if c.Attachments.MaxSizeBytes == 0 {
		c.Attachments.MaxSizeBytes = defaults.Attachments.MaxSizeBytes
	}
	if c.Chat.ContextWindow == 0 {
		c.Chat.ContextWindow = defaults.Chat.ContextWindow
	}
	if c.Chat.TitleMax == 0 {
		c.Chat.TitleMax = defaults.Chat.TitleMax
	}
	if c.Identity.File == "" {
		c.Identity.File = filepath.Join(dir, "identity.toml")
	}
	if c.Server.Addr == "" {
		c.Server.Addr = defaults.Server.Addr
	}
	if c.Server.AllowOrigin == "" {
		c.Server.AllowOrigin = defaults.Server.AllowOrigin
	}
	if c.Telemetry.UsageDir == "" {
		c.Telemetry.UsageDir = filepath.Join(dir, "usage")
	}
	if c.Log.Level == "" {
		c.Log.Level = defaults.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = defaults.Log.Format
	}
	if c.UI.Theme == "" {
		c.UI.Theme = defaults.UI.Theme
	}
}

// IdleTimeout returns the stream idle timeout, or a negative duration when
// it is disabled.
func (c *Config) IdleTimeout() time.Duration {
	if c.Completion.IdleTimeoutSecs == 0 {
		return -1
	}
	return time.Duration(c.Completion.IdleTimeoutSecs) * time.Second
}

// =============================================================================
// ENVIRONMENT OVERRIDES
// =============================================================================

// ApplyEnvOverrides applies environment variable overrides to the config.
//
// Supported environment variables:
//   - MITAR_COMPLETION_URL: completion.url
//   - MITAR_API_KEY: completion.api_key
//   - MITAR_MODEL: completion.model and server.model
//   - MITAR_IDLE_TIMEOUT: completion.idle_timeout_secs
//   - MITAR_STORE_DSN: store.dsn
//   - MITAR_ATTACHMENTS_BACKEND, MITAR_ATTACHMENTS_BUCKET: attachments
//   - MITAR_USER_ID: identity.user_id
//   - MITAR_SERVER_ADDR: server.addr
//   - MITAR_UPSTREAM_URL, MITAR_UPSTREAM_KEY: server upstream
//   - MITAR_SYSTEM_PROMPT: server.system_prompt
//   - MITAR_LOG_LEVEL: log.level
func (c *Config) ApplyEnvOverrides() {
	setString := func(env string, dst *string) {
		if v := os.Getenv(env); v != "" {
			*dst = v
		}
	}

	setString("MITAR_COMPLETION_URL", &c.Completion.URL)
	setString("MITAR_API_KEY", &c.Completion.APIKey)
	if model := os.Getenv("MITAR_MODEL"); model != "" {
		c.Completion.Model = model
		c.Server.Model = model
	}
	if v := os.Getenv("MITAR_IDLE_TIMEOUT"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			c.Completion.IdleTimeoutSecs = secs
		} else if d, err := time.ParseDuration(v); err == nil {
			c.Completion.IdleTimeoutSecs = int(d.Seconds())
		} else {
			log.WithField("value", v).Warn("ignoring invalid MITAR_IDLE_TIMEOUT")
		}
	}
	setString("MITAR_STORE_DSN", &c.Store.DSN)
	setString("MITAR_ATTACHMENTS_BACKEND", &c.Attachments.Backend)
	setString("MITAR_ATTACHMENTS_BUCKET", &c.Attachments.Bucket)
	setString("MITAR_USER_ID", &c.Identity.UserID)
	setString("MITAR_SERVER_ADDR", &c.Server.Addr)
	setString("MITAR_UPSTREAM_URL", &c.Server.UpstreamURL)
	setString("MITAR_UPSTREAM_KEY", &c.Server.UpstreamKey)
	setString("MITAR_SYSTEM_PROMPT", &c.Server.SystemPrompt)
	setString("MITAR_LOG_LEVEL", &c.Log.Level)
}

// =============================================================================
// GET/SET HELPERS (DOT NOTATION)
// =============================================================================

// Get retrieves a configuration value using dot notation (e.g. "chat.context_window").
func (c *Config) Get(key string) (interface{}, error) {
	field, err := c.lookup(key)
	if err != nil {
		return nil, err
	}
	return field.Interface(), nil
}

// Set sets a configuration value using dot notation. String values are
// converted to the field type.
func (c *Config) Set(key string, value interface{}) error {
	field, err := c.lookup(key)
	if err != nil {
		return err
	}
	if !field.CanSet() {
		return fmt.Errorf("cannot set field: %s", key)
	}
	return setFieldValue(field, value)
}

func (c *Config) lookup(key string) (reflect.Value, error) {
	parts := strings.Split(key, ".")
	if key == "" || len(parts) == 0 {
		return reflect.Value{}, errors.New("empty key")
	}

	v := reflect.ValueOf(c).Elem()
	for i, part := range parts {
		fieldName := normalizeFieldName(part)
		field := v.FieldByNameFunc(func(name string) bool {
			return strings.EqualFold(name, fieldName)
		})
		if !field.IsValid() {
			return reflect.Value{}, fmt.Errorf("unknown field: %s", strings.Join(parts[:i+1], "."))
		}
		if i == len(parts)-1 {
			return field, nil
		}
		if field.Kind() != reflect.Struct {
			return reflect.Value{}, fmt.Errorf("field '%s' is not a struct", strings.Join(parts[:i+1], "."))
		}
		v = field
	}
	return reflect.Value{}, fmt.Errorf("invalid key: %s", key)
}

// normalizeFieldName converts a snake_case or kebab-case name to its Go field equivalent.
func normalizeFieldName(name string) string {
	parts := strings.FieldsFunc(name, func(r rune) bool {
		return r == '_' || r == '-'
	})

	var result strings.Builder
	for _, part := range parts {
		if len(part) > 0 {
			result.WriteString(strings.ToUpper(string(part[0])))
			result.WriteString(strings.ToLower(part[1:]))
		}
	}
	return result.String()
}

// setFieldValue sets a reflect.Value from an interface{} value with type conversion.
func setFieldValue(field reflect.Value, value interface{}) error {
	if strVal, ok := value.(string); ok {
		switch field.Kind() {
		case reflect.String:
			field.SetString(strVal)
			return nil
		case reflect.Int, reflect.Int64:
			intVal, err := strconv.ParseInt(strVal, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid integer value: %v", err)
			}
			field.SetInt(intVal)
			return nil
		case reflect.Bool:
			lower := strings.ToLower(strVal)
			field.SetBool(lower == "1" || lower == "true" || lower == "yes")
			return nil
		}
	}

	val := reflect.ValueOf(value)
	if !val.IsValid() {
		return fmt.Errorf("cannot assign nil to %s", field.Type())
	}
	if val.Type().AssignableTo(field.Type()) {
		field.Set(val)
		return nil
	}
	if val.Type().ConvertibleTo(field.Type()) {
		field.Set(val.Convert(field.Type()))
		return nil
	}
	return fmt.Errorf("cannot assign %T to %s", value, field.Type())
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

// GetAllKeys returns all configuration keys in dot notation.
func GetAllKeys() []string {
	var keys []string
	collectKeys(reflect.TypeOf(Config{}), "", &keys)
	return keys
}

func collectKeys(t reflect.Type, prefix string, keys *[]string) {
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		name := strings.Split(f.Tag.Get("toml"), ",")[0]
		if name == "" || name == "-" {
			continue
		}
		if f.Type.Kind() == reflect.Struct && f.Type != reflect.TypeOf(time.Time{}) {
			collectKeys(f.Type, prefix+name+".", keys)
			continue
		}
		*keys = append(*keys, prefix+name)
	}
}

// Clone creates a copy of the configuration.
func (c *Config) Clone() *Config {
	clone := *c
	return &clone
}

// String returns the config as JSON with secrets redacted.
func (c *Config) String() string {
	safe := c.Clone()
	if safe.Completion.APIKey != "" {
		safe.Completion.APIKey = "[REDACTED]"
	}
	if safe.Server.UpstreamKey != "" {
		safe.Server.UpstreamKey = "[REDACTED]"
	}
	data, _ := json.MarshalIndent(safe, "", "  ")
	return string(data)
}

// =============================================================================
// SINGLETON PATTERN (THREAD-SAFE)
// =============================================================================

var (
	globalConfig     *Config
	globalConfigOnce sync.Once
	globalConfigMu   sync.RWMutex
)

// Global returns the process configuration, loading it on first access.
// A load failure is logged and defaults are used.
func Global() *Config {
	globalConfigOnce.Do(func() {
		cfg, err := Load()
		if err != nil {
			log.WithError(err).Warn("using default configuration")
			cfg = Default()
			cfg.SetDefaults()
		}
		globalConfigMu.Lock()
		globalConfig = cfg
		globalConfigMu.Unlock()
	})

	globalConfigMu.RLock()
	defer globalConfigMu.RUnlock()
	return globalConfig
}

// SetGlobal sets the global configuration instance.
func SetGlobal(cfg *Config) {
	globalConfigOnce.Do(func() {})
	globalConfigMu.Lock()
	defer globalConfigMu.Unlock()
	globalConfig = cfg
}
