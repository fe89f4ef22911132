/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package telemetry configures OpenTelemetry tracing for gqlsocket.
//
// Every channel join and push gets a client span that ends when its reply
// (ok, error or timeout) arrives. Custom span attributes use the
// `gqlsocket.` prefix.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName = "github.com/marcus-qen/gqlsocket"
)

// Tracer returns the package-level tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// InitTraceProvider initialises the OTel trace provider with an OTLP gRPC exporter.
// If endpoint is empty, tracing is disabled (noop provider is used).
// Returns a shutdown function that must be called on application exit.
func InitTraceProvider(ctx context.Context, endpoint string, version string) (func(context.Context) error, error) {
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String("gqlsocket"),
			semconv.ServiceVersionKey.String(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)

	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

// --- Span helpers ---

// StartCommandSpan creates the parent span for one CLI invocation.
func StartCommandSpan(ctx context.Context, command, endpoint string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "gqlsocket.command",
		trace.WithAttributes(
			attribute.String("gqlsocket.command", command),
			attribute.String("gqlsocket.endpoint", endpoint),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartJoinSpan creates a span for a channel join.
func StartJoinSpan(ctx context.Context, topic string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "channel.join",
		trace.WithAttributes(
			attribute.String("gqlsocket.topic", topic),
		),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// StartPushSpan creates a span for a push. operationType is empty for
// pushes that do not carry a document.
func StartPushSpan(ctx context.Context, event, operationType string) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{attribute.String("gqlsocket.event", event)}
	if operationType != "" {
		attrs = append(attrs, attribute.String("gqlsocket.operation_type", operationType))
	}
	return Tracer().Start(ctx, "channel.push",
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// EndReplySpan records the reply status on a join or push span and ends it.
// Any status other than "ok" marks the span as failed with reason.
func EndReplySpan(span trace.Span, status, reason string) {
	span.SetAttributes(attribute.String("gqlsocket.reply_status", status))
	if status != "ok" {
		span.SetStatus(codes.Error, reason)
	}
	span.End()
}
