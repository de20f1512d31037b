// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"fmt"
	"io"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/jeranaias/mitar/internal/config"
)

// Version information (overridden at build time)
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// =============================================================================
// GLOBAL FLAGS
// =============================================================================

// GlobalFlags are accepted by every command.
type GlobalFlags struct {
	ConfigPath string
	LogLevel   string
	NoColor    bool

	// cfg is loaded by the root command before any subcommand runs.
	cfg *config.Config
}

// BindFlags registers the flags on a persistent flag set.
func (f *GlobalFlags) BindFlags(flagSet *pflag.FlagSet) {
	flagSet.StringVar(&f.ConfigPath, "config", "", "Config file (default ~/.mitar/config.toml)")
	flagSet.StringVar(&f.LogLevel, "log-level", "", "Log level (trace,debug,info,warn,error), overrides [log] level")
	flagSet.BoolVar(&f.NoColor, "no-color", false, "Disable colored output")
}

// Config returns the loaded configuration.
func (f *GlobalFlags) Config() *config.Config {
	if f.cfg == nil {
		return config.Global()
	}
	return f.cfg
}

// load reads the configuration and sets up logging.
func (f *GlobalFlags) load() error {
	var (
		cfg *config.Config
		err error
	)
	if f.ConfigPath != "" {
		cfg, err = config.LoadFromPath(f.ConfigPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return err
	}
	if f.LogLevel != "" {
		cfg.Log.Level = f.LogLevel
	}
	if err := setupLogging(cfg.Log); err != nil {
		return err
	}
	if f.NoColor {
		ForceColorsEnabled(false)
		applyColorProfile()
	}

	config.SetGlobal(cfg)
	f.cfg = cfg
	return nil
}

// setupLogging configures the standard logrus logger from [log].
func setupLogging(c config.LogConfig) error {
	level, err := log.ParseLevel(c.Level)
	if err != nil {
		return usageErrorf("invalid log level %q", c.Level)
	}
	log.SetLevel(level)

	switch strings.ToLower(c.Format) {
	case "json":
		log.SetFormatter(&log.JSONFormatter{})
	default:
		formatter := new(log.TextFormatter)
		formatter.TimestampFormat = "2006-01-02T15:04:05.999Z07:00"
		formatter.FullTimestamp = true
		log.SetFormatter(formatter)
	}

	if c.File != "" {
		f, err := os.OpenFile(c.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		log.SetOutput(f)
	}
	return nil
}

// =============================================================================
// ROOT COMMAND
// =============================================================================

// NewRootCommand builds the mitar command tree. Without a subcommand it
// starts the interactive chat.
func NewRootCommand() *cobra.Command {
	flags := &GlobalFlags{}
	chatFlags := NewChatFlags()

	cmd := &cobra.Command{
		Use:   "mitar",
		Short: "Streaming chat client for OpenAI-compatible endpoints",
		Long: `mitar keeps conversations with an AI assistant, streams answers as they
are written, accepts image and document attachments and can read answers
aloud. "mitar serve" runs the completion relay the client talks to.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return flags.load()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd, flags, chatFlags)
		},
	}
	cmd.SetVersionTemplate("mitar {{.Version}}\n")
	cmd.SetFlagErrorFunc(func(c *cobra.Command, err error) error {
		return &UsageError{Reason: err.Error()}
	})
	flags.BindFlags(cmd.PersistentFlags())
	chatFlags.BindFlags(cmd.Flags())

	cmd.AddCommand(
		NewChatCommand(flags),
		NewAskCommand(flags),
		NewConversationsCommand(flags),
		NewServeCommand(flags),
		NewLoginCommand(flags),
		NewLogoutCommand(flags),
		NewWhoamiCommand(flags),
		NewTOTPCommand(flags),
		NewConfigCommand(flags),
		NewUsageCommand(flags),
		NewVersionCommand(),
	)
	return cmd
}

// Execute runs the command line and returns the process exit code.
func Execute(args []string, stdout, stderr io.Writer) int {
	cmd := NewRootCommand()
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	err := cmd.Execute()
	if err == nil {
		return ExitSuccess
	}
	code := ExitCodeFor(err)
	if code != ExitInterrupted {
		fmt.Fprintln(stderr, ErrorStyle.Render("Error:"), err)
	}
	return code
}
