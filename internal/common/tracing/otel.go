// Package tracing sets up OpenTelemetry spans for the fleet loops and the
// dispatcher. Spans are exported over OTLP/HTTP when an endpoint is configured
// (tracing.endpoint or OTEL_EXPORTER_OTLP_ENDPOINT); otherwise every tracer is
// a no-op.
package tracing

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

var provider atomic.Pointer[sdktrace.TracerProvider]

// Init installs the exporter. An empty endpoint leaves tracing disabled.
func Init(ctx context.Context, endpoint, serviceName string) error {
	if endpoint == "" {
		return nil
	}
	exporter, err := otlptracehttp.New(ctx, exporterOptions(endpoint)...)
	if err != nil {
		return fmt.Errorf("create otlp exporter: %w", err)
	}
	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(semconv.ServiceName(serviceName)))
	if err != nil {
		res = resource.NewSchemaless(semconv.ServiceName(serviceName))
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter), sdktrace.WithResource(res))
	if old := provider.Swap(tp); old != nil {
		_ = old.Shutdown(ctx)
	}
	otel.SetTracerProvider(tp)
	return nil
}

// exporterOptions accepts either a full URL or a bare host:port. Plain http
// and bare hosts are exported without TLS.
func exporterOptions(endpoint string) []otlptracehttp.Option {
	if strings.Contains(endpoint, "://") {
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpointURL(endpoint)}
		if strings.HasPrefix(endpoint, "http://") {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		return opts
	}
	return []otlptracehttp.Option{otlptracehttp.WithEndpoint(endpoint), otlptracehttp.WithInsecure()}
}

// Tracer returns a named tracer, a no-op one while tracing is disabled.
func Tracer(name string) trace.Tracer {
	if tp := provider.Load(); tp != nil {
		return tp.Tracer(name)
	}
	return noop.NewTracerProvider().Tracer(name)
}

// Shutdown flushes buffered spans.
func Shutdown(ctx context.Context) error {
	if tp := provider.Swap(nil); tp != nil {
		return tp.Shutdown(ctx)
	}
	return nil
}
