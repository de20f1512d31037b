// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/jeranaias/mitar/internal/attachment"
	"github.com/jeranaias/mitar/internal/telemetry"
)

// NewUsageCommand returns "mitar usage".
func NewUsageCommand(global *GlobalFlags) *cobra.Command {
	var (
		days   int
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Show daily send and streaming statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if days < 1 {
				return usageErrorf("--days must be at least 1")
			}
			tcfg := global.Config().Telemetry
			if !tcfg.UsageEnabled {
				fmt.Fprintln(cmd.ErrOrStderr(), WarningStyle.Render("Usage statistics are disabled ([telemetry] usage_enabled)."))
			}
			tracker, err := telemetry.NewUsageTracker(tcfg.UsageDir)
			if err != nil {
				return err
			}

			report := tracker.Days(days)
			if asJSON {
				if report == nil {
					report = []telemetry.DailyUsage{}
				}
				return NewJSONResponse("usage", report).Write(cmd.OutOrStdout())
			}
			printUsage(cmd.OutOrStdout(), report)
			return nil
		},
	}
	cmd.Flags().IntVar(&days, "days", 7, "Number of days to show, ending today")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print as JSON")
	return cmd
}

func printUsage(w io.Writer, report []telemetry.DailyUsage) {
	if len(report) == 0 {
		fmt.Fprintln(w, DimStyle.Render("No usage recorded."))
		return
	}

	fmt.Fprintf(w, "%-10s %6s %6s %6s %8s %10s %10s\n",
		"Date", "Sends", "Failed", "Stop", "Deltas", "Received", "1st delta")
	fmt.Fprintln(w, RenderSeparator(62))

	var total telemetry.DailyUsage
	for _, d := range report {
		printUsageRow(w, d.Day().Format("2006-01-02"), d)
		total.Sends += d.Sends
		total.Failures += d.Failures
		total.Cancelled += d.Cancelled
		total.Deltas += d.Deltas
		total.ContentBytes += d.ContentBytes
		total.FirstDelta += d.FirstDelta
		total.FirstDeltaN += d.FirstDeltaN
		total.TotalTime += d.TotalTime
	}
	if len(report) > 1 {
		fmt.Fprintln(w, RenderSeparator(62))
		printUsageRow(w, "Total", total)
	}
}

func printUsageRow(w io.Writer, label string, d telemetry.DailyUsage) {
	first := "-"
	if avg := d.AvgFirstDelta(); avg > 0 {
		first = formatDurationShort(avg.Round(time.Millisecond))
	}
	fmt.Fprintf(w, "%-10s %6d %6d %6d %8d %10s %10s\n",
		label, d.Sends, d.Failures, d.Cancelled, d.Deltas,
		attachment.FormatSize(int64(d.ContentBytes)), first)
}
