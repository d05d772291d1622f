// Package tracing wires process-wide OpenTelemetry tracing for the
// orchestrator and the downstream services.
package tracing

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/goclaw/fulfilment/config"
	"github.com/goclaw/fulfilment/pkg/logger"
)

// ShutdownFunc flushes and stops the tracer provider.
type ShutdownFunc func(ctx context.Context) error

func noopShutdown(context.Context) error { return nil }

// Service identifies the process emitting spans.
type Service struct {
	Name        string
	Version     string
	Environment string
	// Role is orchestrator, order, shipment or notification.
	Role string
}

// RoleKey tags every span with the role of the emitting process.
const RoleKey = attribute.Key("fulfilment.role")

func (s Service) attributes() []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		semconv.ServiceName(s.Name),
		semconv.ServiceVersion(s.Version),
	}
	if s.Environment != "" {
		attrs = append(attrs, semconv.DeploymentEnvironmentName(s.Environment))
	}
	if s.Role != "" {
		attrs = append(attrs, RoleKey.String(s.Role))
	}
	return attrs
}

// exportFailure describes one dropped batch.
type exportFailure struct {
	Err      error
	Exporter string
	Endpoint string
	Spans    int
}

var onExportFailure = func(f exportFailure) {
	logger.Warn("span export failed",
		"error", f.Err,
		"exporter", f.Exporter,
		"endpoint", f.Endpoint,
		"span_count", f.Spans,
	)
}

var dialExporter = func(ctx context.Context, cfg config.TracingConfig) (sdktrace.SpanExporter, error) {
	endpoint := collectorHost(cfg.Endpoint)
	if endpoint == "" {
		return nil, errors.New("tracing endpoint cannot be empty")
	}

	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithTimeout(cfg.Timeout),
		otlptracegrpc.WithInsecure(),
	}
	if len(cfg.Headers) > 0 {
		opts = append(opts, otlptracegrpc.WithHeaders(cfg.Headers))
	}
	return otlptracegrpc.New(ctx, opts...)
}

// lossyExporter drops batches the collector rejects instead of handing the
// error to the batch processor, so an unreachable collector never affects
// saga execution.
type lossyExporter struct {
	sdktrace.SpanExporter
	kind     string
	endpoint string
}

func (e lossyExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	if err := e.SpanExporter.ExportSpans(ctx, spans); err != nil {
		onExportFailure(exportFailure{Err: err, Exporter: e.kind, Endpoint: e.endpoint, Spans: len(spans)})
	}
	return nil
}

func checkConfig(cfg config.TracingConfig) error {
	switch {
	case strings.TrimSpace(cfg.Exporter) == "":
		return errors.New("tracing exporter cannot be empty")
	case strings.TrimSpace(cfg.Endpoint) == "":
		return errors.New("tracing endpoint cannot be empty")
	case cfg.Timeout <= 0:
		return errors.New("tracing timeout must be > 0")
	}
	return nil
}

// Init installs the global tracer provider and the W3C propagator. The
// propagator is installed even with tracing off so trace context still
// crosses process boundaries.
func Init(ctx context.Context, cfg config.TracingConfig, svc Service) (ShutdownFunc, error) {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	if !cfg.Enabled {
		otel.SetTracerProvider(noop.NewTracerProvider())
		return noopShutdown, nil
	}
	if err := checkConfig(cfg); err != nil {
		return nil, err
	}

	raw, err := dialExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create tracing exporter: %w", err)
	}
	exporter := lossyExporter{
		SpanExporter: raw,
		kind:         strings.ToLower(strings.TrimSpace(cfg.Exporter)),
		endpoint:     collectorHost(cfg.Endpoint),
	}

	res, err := resource.New(ctx, resource.WithAttributes(svc.attributes()...))
	if err != nil {
		_ = exporter.Shutdown(ctx)
		return nil, fmt.Errorf("create tracing resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(cfg.Sampler, cfg.SampleRate)),
	)
	otel.SetTracerProvider(provider)

	return func(ctx context.Context) error {
		flushErr := provider.ForceFlush(ctx)
		stopErr := provider.Shutdown(ctx)
		if flushErr != nil {
			return fmt.Errorf("flush spans: %w", flushErr)
		}
		if stopErr != nil {
			return fmt.Errorf("stop tracer provider: %w", stopErr)
		}
		return nil
	}, nil
}

// sampler maps a configured name to a sampler. Unknown names get the
// parent-based ratio sampler.
func sampler(name string, ratio float64) sdktrace.Sampler {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "always_on":
		return sdktrace.AlwaysSample()
	case "always_off":
		return sdktrace.NeverSample()
	case "traceidratio":
		return sdktrace.TraceIDRatioBased(ratio)
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}

// collectorHost reduces a collector URL to host:port, which is all the gRPC
// exporter accepts.
func collectorHost(endpoint string) string {
	raw := strings.TrimSpace(endpoint)
	if !strings.Contains(raw, "://") {
		return raw
	}
	if u, err := url.Parse(raw); err == nil && u.Host != "" {
		return u.Host
	}
	return raw
}
