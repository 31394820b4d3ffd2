// Package lightstep provides an example worker.Connection that wraps
// each outbound request in a client-side OpenTracing span, reported
// through the LightStep tracer. It mirrors the span shape generated by
// a request/handle/write chain: a client span for the outbound call,
// tagged the way an HTTP request would be.
package lightstep

import (
	"context"
	"fmt"

	"github.com/lightstep/lightstep-tracer-go"
	"github.com/opentracing/opentracing-go"

	"github.com/lightstep/treadmill/internal/worker"
)

// Config configures the tracer backing a Connection.
type Config struct {
	// AccessToken authenticates with the LightStep satellite/collector.
	AccessToken string
	// CollectorHost and CollectorPort address the satellite. When both
	// are zero-valued the tracer still runs, but Options.Collector is
	// left at its zero value (localhost defaults).
	CollectorHost string
	CollectorPort int
	Plaintext     bool
	ComponentName string
	// Enabled, when false, swaps in an opentracing.NoopTracer so the
	// Connection can be used in load-only runs without paying tracer
	// overhead.
	Enabled bool
}

// Connection issues requests by running them through a Send function
// while a span is open, tagging the span with the outcome.
type Connection struct {
	tracer opentracing.Tracer
	send   func(ctx context.Context, req worker.Request) (worker.Reply, error)
}

// New builds a Connection. send performs the actual request; the
// Connection's job is purely to wrap it in a traced span.
func New(cfg Config, send func(ctx context.Context, req worker.Request) (worker.Reply, error)) *Connection {
	var tracer opentracing.Tracer
	if !cfg.Enabled {
		tracer = opentracing.NoopTracer{}
	} else {
		componentName := cfg.ComponentName
		if componentName == "" {
			componentName = "treadmill"
		}
		tracer = lightstep.NewTracer(lightstep.Options{
			AccessToken: cfg.AccessToken,
			UseHttp:     true,
			Tags: map[string]interface{}{
				lightstep.ComponentNameKey: componentName,
			},
			Collector: lightstep.Endpoint{
				Host:      cfg.CollectorHost,
				Port:      cfg.CollectorPort,
				Plaintext: cfg.Plaintext,
			},
		})
	}
	return &Connection{tracer: tracer, send: send}
}

// IsReady always reports ready; the tracer buffers and retries on its
// own schedule and never blocks a caller waiting on a satellite.
func (c *Connection) IsReady(ctx context.Context) bool { return true }

// Send opens a client span around the request, tags it the way an
// outbound HTTP call would be tagged, records an error tag and log on
// failure, and finishes the span before returning.
func (c *Connection) Send(ctx context.Context, req worker.Request) (worker.Reply, error) {
	span, spanCtx := opentracing.StartSpanFromContextWithTracer(ctx, c.tracer, "treadmill_request")
	defer span.Finish()

	span.SetTag("span.kind", "client")
	span.SetTag("treadmill.request", fmt.Sprintf("%v", req))

	reply, err := c.send(spanCtx, req)
	if err != nil {
		span.SetTag("error", true)
		span.LogKV("event", "error", "message", err.Error())
	}
	return reply, err
}

// Close flushes and shuts the tracer down, waiting for buffered spans
// to be reported. Call it once, after the connection is no longer in
// use.
func (c *Connection) Close(ctx context.Context) {
	if t, ok := c.tracer.(lightstep.Tracer); ok {
		t.Close(ctx)
	}
}
