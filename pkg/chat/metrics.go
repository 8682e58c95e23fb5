// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package chat

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	metricsNamespace = "flowdesk"
	metricsSubsystem = "chat"
)

// Metrics holds the Prometheus instruments for streaming runs.
//
// # Fields
//
//   - StreamsTotal: Finished runs by outcome (completed, errored, aborted).
//   - FramesTotal: Decoded frames by kind.
//   - DecodeErrorsTotal: Malformed payloads skipped by the decoder.
//   - FirstFrameSeconds: Latency from submit to the first frame.
//   - StreamDurationSeconds: Latency from submit to finalization, by outcome.
//   - ActiveStreams: 1 while a run is in flight.
//
// # Thread Safety
//
// All operations are thread-safe.
type Metrics struct {
	StreamsTotal          *prometheus.CounterVec
	FramesTotal           *prometheus.CounterVec
	DecodeErrorsTotal     prometheus.Counter
	FirstFrameSeconds     prometheus.Histogram
	StreamDurationSeconds *prometheus.HistogramVec
	ActiveStreams         prometheus.Gauge
}

// NewMetrics creates the instruments and registers them with reg. A nil reg
// creates unregistered instruments, which is what tests and the one-shot
// CLI commands use.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		StreamsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "streams_total",
				Help:      "Total number of finished chat streams by outcome",
			},
			[]string{"outcome"},
		),
		FramesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "frames_total",
				Help:      "Total number of decoded stream frames by kind",
			},
			[]string{"kind"},
		),
		DecodeErrorsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "decode_errors_total",
				Help:      "Total number of malformed stream payloads skipped",
			},
		),
		FirstFrameSeconds: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "first_frame_seconds",
				Help:      "Time from submit to the first decoded frame in seconds",
				Buckets:   []float64{0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
			},
		),
		StreamDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "stream_duration_seconds",
				Help:      "Time from submit to finalization in seconds",
				Buckets:   []float64{1, 5, 10, 30, 60, 120, 300},
			},
			[]string{"outcome"},
		),
		ActiveStreams: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "active_streams",
				Help:      "Number of chat streams currently in flight",
			},
		),
	}
}
