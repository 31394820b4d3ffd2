// Package otelconn provides an example worker.Connection instrumented
// with OpenTelemetry, exporting spans over OTLP/HTTP. It is the
// OpenTelemetry-flavored sibling of connection/lightstep: same shape
// (wrap a request in a client span), different wire format.
package otelconn

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.12.0"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/lightstep/treadmill/internal/worker"
)

// Config configures the tracer backing a Connection.
type Config struct {
	// Endpoint is the OTLP/HTTP collector address, e.g. "localhost:4318".
	Endpoint    string
	Insecure    bool
	ServiceName string
	// Enabled, when false, swaps in a no-op tracer provider.
	Enabled bool
}

// Connection issues requests by running them through a Send function
// while an OpenTelemetry span is open.
type Connection struct {
	tracer   oteltrace.Tracer
	provider *sdktrace.TracerProvider // nil when disabled; nothing to flush/shut down
	send     func(ctx context.Context, req worker.Request) (worker.Reply, error)
}

// New builds a Connection, constructing an OTLP/HTTP exporter and
// batching span processor when enabled.
func New(ctx context.Context, cfg Config, send func(ctx context.Context, req worker.Request) (worker.Reply, error)) (*Connection, error) {
	if !cfg.Enabled {
		return &Connection{tracer: oteltrace.NewNoopTracerProvider().Tracer("treadmill"), send: send}, nil
	}

	client := otlptracehttp.NewClient(
		otlptracehttp.WithEndpoint(cfg.Endpoint),
		otlptracehttp.WithInsecure(),
	)
	exporter, err := otlptrace.New(ctx, client)
	if err != nil {
		return nil, fmt.Errorf("otelconn: building exporter: %w", err)
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "treadmill"
	}
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(semconv.SchemaURL, semconv.ServiceNameKey.String(serviceName)),
	)
	if err != nil {
		return nil, fmt.Errorf("otelconn: merging resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	return &Connection{
		tracer:   provider.Tracer("treadmill"),
		provider: provider,
		send:     send,
	}, nil
}

// IsReady always reports ready; span export is buffered and batched
// asynchronously by the SDK and never blocks a caller.
func (c *Connection) IsReady(ctx context.Context) bool { return true }

// Send opens a client span around the request and records the outcome.
func (c *Connection) Send(ctx context.Context, req worker.Request) (worker.Reply, error) {
	spanCtx, span := c.tracer.Start(ctx, "treadmill_request")
	defer span.End()
	span.SetAttributes(attribute.String("treadmill.request", fmt.Sprintf("%v", req)))

	reply, err := c.send(spanCtx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return reply, err
}

// Shutdown flushes and shuts down the tracer provider. Call it once,
// after the connection is no longer in use.
func (c *Connection) Shutdown(ctx context.Context) error {
	if c.provider == nil {
		return nil
	}
	return c.provider.Shutdown(ctx)
}
