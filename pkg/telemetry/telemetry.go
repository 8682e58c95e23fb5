// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package telemetry installs the OpenTelemetry tracer provider.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
)

var (
	// ErrNilContext is returned when Init is called with a nil context.
	ErrNilContext = errors.New("telemetry: nil context")

	// ErrUnknownExporter is returned for an unsupported TraceExporter.
	ErrUnknownExporter = errors.New("telemetry: unknown exporter")
)

// Exporter names.
const (
	ExporterNone   = "none"
	ExporterStdout = "stdout"
)

// Config controls telemetry behavior.
type Config struct {
	// ServiceName identifies this process in spans.
	ServiceName string

	// ServiceVersion is recorded as service.version.
	ServiceVersion string

	// TraceExporter is "stdout" or "none". Empty means "none".
	TraceExporter string

	// Writer receives stdout exports. Nil selects os.Stdout.
	Writer io.Writer

	// PrettyPrint indents exported spans.
	PrettyPrint bool
}

// Init installs a global TracerProvider per cfg.
//
// # Description
//
// With the "none" exporter nothing is installed and otel's no-op provider
// stays in place, so instrumented code pays nothing. The W3C trace context
// propagator is installed either way so otelgin can continue inbound
// traces.
//
// # Outputs
//
//   - shutdown: Flushes and stops the provider. Always non-nil on success
//     and safe to call when nothing was installed.
//   - error: ErrNilContext, ErrUnknownExporter, or an exporter failure.
//
// # Examples
//
//	shutdown, err := telemetry.Init(ctx, telemetry.Config{
//	    ServiceName:   "flowdesk",
//	    TraceExporter: telemetry.ExporterStdout,
//	})
//	if err != nil {
//	    return err
//	}
//	defer shutdown(context.Background())
func Init(ctx context.Context, cfg Config) (shutdown func(context.Context) error, err error) {
	if ctx == nil {
		return nil, ErrNilContext
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	noop := func(context.Context) error { return nil }
	switch cfg.TraceExporter {
	case "", ExporterNone:
		return noop, nil
	case ExporterStdout:
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownExporter, cfg.TraceExporter)
	}

	tp, err := NewStdoutProvider(cfg)
	if err != nil {
		return nil, err
	}
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

// NewStdoutProvider builds a TracerProvider exporting to cfg.Writer without
// installing it globally.
func NewStdoutProvider(cfg Config) (*trace.TracerProvider, error) {
	w := cfg.Writer
	if w == nil {
		w = os.Stdout
	}
	opts := []stdouttrace.Option{stdouttrace.WithWriter(w)}
	if cfg.PrettyPrint {
		opts = append(opts, stdouttrace.WithPrettyPrint())
	}
	exporter, err := stdouttrace.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("create exporter: %w", err)
	}

	name := cfg.ServiceName
	if name == "" {
		name = "flowdesk"
	}
	res := resource.NewWithAttributes(
		"",
		attribute.String("service.name", name),
		attribute.String("service.version", cfg.ServiceVersion),
	)

	return trace.NewTracerProvider(
		trace.WithBatcher(exporter),
		trace.WithResource(res),
		trace.WithSampler(trace.AlwaysSample()),
	), nil
}
