// Package otel builds the OpenTelemetry trace provider used to export
// spans.
package otel

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.20.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const serviceName = "cdpcore"

// ErrUnsupportedProto indicates that the defined exporter protocol is not supported.
var ErrUnsupportedProto = errors.New("unsupported protocol")

// TraceProvider provides tracers and shuts down the export pipeline.
type TraceProvider interface {
	trace.TracerProvider
	Shutdown(ctx context.Context) error
}

type traceProvider struct {
	trace.TracerProvider

	shutdown func(ctx context.Context) error
}

// NewTraceProvider creates a trace provider exporting to endpoint. proto
// must be "http".
func NewTraceProvider(ctx context.Context, proto, endpoint string, insecure bool) (TraceProvider, error) {
	client, err := newClient(proto, endpoint, insecure)
	if err != nil {
		return nil, fmt.Errorf("creating exporter client: %w", err)
	}

	exporter, err := otlptrace.New(ctx, client)
	if err != nil {
		return nil, fmt.Errorf("creating exporter: %w", err)
	}

	prov := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(newResource()),
	)
	otel.SetTracerProvider(prov)

	return &traceProvider{TracerProvider: prov, shutdown: prov.Shutdown}, nil
}

// NewNoopTraceProvider creates a trace provider that records nothing.
func NewNoopTraceProvider() TraceProvider {
	return &traceProvider{TracerProvider: noop.NewTracerProvider()}
}

// Shutdown flushes and stops the export pipeline.
func (tp *traceProvider) Shutdown(ctx context.Context) error {
	if tp.shutdown == nil {
		return nil
	}
	return tp.shutdown(ctx)
}

func newResource() *resource.Resource {
	return resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(serviceName),
	)
}

func newClient(proto, endpoint string, insecure bool) (otlptrace.Client, error) {
	switch strings.ToLower(proto) {
	case "http":
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(endpoint)}
		if insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		return otlptracehttp.NewClient(opts...), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedProto, proto)
	}
}
