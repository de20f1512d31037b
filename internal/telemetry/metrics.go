// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcomes of a send.
const (
	OutcomeOK        = "ok"
	OutcomeFailed    = "failed"
	OutcomeCancelled = "cancelled"
	OutcomeRejected  = "rejected"
)

var (
	sendsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mitar_chat_sends_total",
		Help: "Messages sent, by outcome.",
	}, []string{"outcome"})
	streamDeltas = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mitar_stream_deltas_total",
		Help: "Text deltas decoded from completion streams.",
	})
	streamBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mitar_stream_content_bytes_total",
		Help: "Bytes of response text decoded from completion streams.",
	})
	streamDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mitar_stream_dropped_payloads_total",
		Help: "Malformed event payloads skipped by the decoder.",
	})
	firstDeltaSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "mitar_stream_first_delta_seconds",
		Help:    "Time from request to the first text delta.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
	})
	streamSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mitar_stream_duration_seconds",
		Help:    "Duration of completion streams, by outcome.",
		Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
	}, []string{"outcome"})
	upstreamErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mitar_upstream_errors_total",
		Help: "Non-success answers from the completion endpoint, by kind.",
	}, []string{"kind"})
	relayRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mitar_relay_upstream_requests_total",
		Help: "Requests forwarded by the relay, by upstream status class.",
	}, []string{"status"})
)

// StreamSample describes one streamed response.
type StreamSample struct {
	Outcome    string
	Deltas     int
	Bytes      int
	Dropped    int
	FirstDelta time.Duration // zero when no delta arrived
	Duration   time.Duration
	At         time.Time
}

// RecordSend counts a send by outcome.
func RecordSend(outcome string) {
	sendsTotal.WithLabelValues(outcome).Inc()
}

// ObserveStream records a finished stream.
func ObserveStream(s StreamSample) {
	streamDeltas.Add(float64(s.Deltas))
	streamBytes.Add(float64(s.Bytes))
	streamDropped.Add(float64(s.Dropped))
	if s.FirstDelta > 0 {
		firstDeltaSeconds.Observe(s.FirstDelta.Seconds())
	}
	streamSeconds.WithLabelValues(s.Outcome).Observe(s.Duration.Seconds())
}

// RecordUpstreamError counts a classified endpoint failure.
func RecordUpstreamError(kind string) {
	upstreamErrors.WithLabelValues(kind).Inc()
}

// RecordRelay counts a relayed request by upstream status class ("2xx",
// "4xx", "5xx" or "error").
func RecordRelay(status string) {
	relayRequests.WithLabelValues(status).Inc()
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
