// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package telemetry provides metrics and usage tracking for mitar.
//
// Two sinks receive the same samples: Prometheus collectors registered on
// the default registry (served by the relay at /metrics) and a local
// UsageTracker that keeps daily totals on disk.
//
// # Key Types
//
//   - StreamSample: outcome and counters of one streamed response
//   - UsageTracker: daily aggregates persisted as JSON
//   - UsageStorage: one file per day under ~/.mitar/usage/
//
// # Usage
//
//	telemetry.ObserveStream(sample)
//	tracker, err := telemetry.NewUsageTracker("")
//	tracker.Record(sample)
//	days := tracker.Days(7)
//
// # Privacy
//
// Usage tracking is local-only and does not transmit any data.
// Message content is never stored, only counts and durations.
package telemetry
