// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jeranaias/mitar/internal/export"
	"github.com/jeranaias/mitar/internal/model"
)

// NewConversationsCommand returns "mitar conversations" and its
// subcommands.
func NewConversationsCommand(global *GlobalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "conversations",
		Aliases: []string{"conv", "c"},
		Short:   "List, show, rename, delete and export conversations",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConversationsList(cmd, global, false)
		},
	}
	cmd.AddCommand(
		newConversationsListCommand(global),
		newConversationsShowCommand(global),
		newConversationsRenameCommand(global),
		newConversationsDeleteCommand(global),
		newConversationsExportCommand(global),
	)
	return cmd
}

// withApp opens the application for the duration of fn.
func withApp(cmd *cobra.Command, global *GlobalFlags, fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := openApp(ctx, global.Config())
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

// =============================================================================
// LIST
// =============================================================================

func newConversationsListCommand(global *GlobalFlags) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List conversations, most recent first",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConversationsList(cmd, global, asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print as JSON")
	return cmd
}

func runConversationsList(cmd *cobra.Command, global *GlobalFlags, asJSON bool) error {
	return withApp(cmd, global, func(ctx context.Context, a *app) error {
		convs, err := a.store.List(ctx, a.identity.UserID)
		if err != nil {
			return err
		}
		if asJSON {
			if convs == nil {
				convs = []model.Conversation{}
			}
			return NewJSONResponse("conversations list", convs).Write(cmd.OutOrStdout())
		}
		printConversations(cmd.OutOrStdout(), convs, "", GetTerminalWidth())
		return nil
	})
}

// =============================================================================
// SHOW
// =============================================================================

func newConversationsShowCommand(global *GlobalFlags) *cobra.Command {
	var raw bool
	cmd := &cobra.Command{
		Use:   "show N|ID",
		Short: "Print a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, global, func(ctx context.Context, a *app) error {
				conv, err := lookupConversation(ctx, a.store, a.identity.UserID, args[0])
				if err != nil {
					return err
				}
				msgs, err := a.store.ListMessages(ctx, conv.ID)
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				var renderer *markdownRenderer
				if !raw {
					renderer = newMarkdownRenderer(a.cfg.UI, IsStdoutTTY())
				}
				fmt.Fprintln(out, TitleStyle.Render(conv.Title))
				fmt.Fprintln(out, DimStyle.Render(fmt.Sprintf("%s, %d messages, updated %s",
					conv.ID, len(msgs), conv.UpdatedAt.Local().Format("2006-01-02 15:04"))))
				fmt.Fprintln(out)
				printMessages(out, msgs, renderer)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&raw, "raw", false, "Do not render markdown")
	return cmd
}

// =============================================================================
// RENAME / DELETE
// =============================================================================

func newConversationsRenameCommand(global *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "rename N|ID TITLE",
		Short: "Rename a conversation",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, global, func(ctx context.Context, a *app) error {
				conv, err := lookupConversation(ctx, a.store, a.identity.UserID, args[0])
				if err != nil {
					return err
				}
				ws := a.workspace()
				defer ws.Close()
				title := strings.Join(args[1:], " ")
				if err := ws.Rename(ctx, conv.ID, title); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), SuccessStyle.Render("Renamed")+" "+conv.Title+" -> "+strings.TrimSpace(title))
				return nil
			})
		},
	}
}

func newConversationsDeleteCommand(global *GlobalFlags) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:     "delete N|ID...",
		Aliases: []string{"rm"},
		Short:   "Delete conversations and their messages",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return usageErrorf("deleting cannot be undone; pass --yes to confirm")
			}
			return withApp(cmd, global, func(ctx context.Context, a *app) error {
				convs, err := a.store.List(ctx, a.identity.UserID)
				if err != nil {
					return err
				}
				// Resolve everything first so list positions stay stable.
				targets := make([]model.Conversation, 0, len(args))
				for _, ref := range args {
					conv, err := findConversation(convs, ref)
					if err != nil {
						return err
					}
					targets = append(targets, conv)
				}

				ws := a.workspace()
				defer ws.Close()
				for _, conv := range targets {
					if err := ws.Delete(ctx, conv.ID); err != nil {
						return err
					}
					fmt.Fprintln(cmd.OutOrStdout(), SuccessStyle.Render("Deleted")+" "+conv.Title)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Confirm deletion")
	return cmd
}

// =============================================================================
// EXPORT
// =============================================================================

func newConversationsExportCommand(global *GlobalFlags) *cobra.Command {
	var (
		format    string
		outputDir string
		minimal   bool
	)
	cmd := &cobra.Command{
		Use:   "export N|ID",
		Short: "Export a conversation to markdown, json or yaml",
		Example: `  mitar conversations export 1
  mitar conversations export 3f2a --format json --output ./exports`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := export.DefaultOptions()
			opts.OutputDir = outputDir
			opts.IncludeMetadata = !minimal
			opts.IncludeTimestamps = !minimal
			exporter, err := export.ForFormat(format, opts)
			if err != nil {
				return &UsageError{Reason: err.Error()}
			}

			return withApp(cmd, global, func(ctx context.Context, a *app) error {
				conv, err := lookupConversation(ctx, a.store, a.identity.UserID, args[0])
				if err != nil {
					return err
				}
				transcript, err := export.Load(ctx, a.store, conv.ID)
				if err != nil {
					return err
				}
				path, err := export.ToFile(transcript, exporter, opts)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), path)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&format, "format", "F", "markdown", "Export format (markdown, json, yaml)")
	cmd.Flags().StringVarP(&outputDir, "output", "o", ".", "Output directory")
	cmd.Flags().BoolVar(&minimal, "minimal", false, "Markdown without frontmatter, attachments or timestamps")
	return cmd
}
