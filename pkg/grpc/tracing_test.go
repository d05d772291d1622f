package grpc

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
)

const callerTraceID = "4bf92f3577b34da6a3ce929d0e0e4736"

func TestServer_TracingSpans(t *testing.T) {
	for _, enabled := range []bool{true, false} {
		name := "disabled"
		if enabled {
			name = "enabled"
		}
		t.Run(name, func(t *testing.T) {
			recorder := recordSpans(t)

			cfg := DefaultConfig()
			cfg.Address = "127.0.0.1:0"
			cfg.EnableTracing = enabled
			srv, err := New(cfg)
			if err != nil {
				t.Fatalf("New() error = %v", err)
			}
			if err := srv.Start(); err != nil {
				t.Fatalf("Start() error = %v", err)
			}
			defer stopServer(t, srv)

			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			ctx = metadata.AppendToOutgoingContext(ctx,
				"traceparent", "00-"+callerTraceID+"-00f067aa0ba902b7-01")

			client := newHealthClient(t, srv.Address())
			if _, err := client.Check(ctx, &grpc_health_v1.HealthCheckRequest{}); err != nil {
				t.Fatalf("Check() error = %v", err)
			}

			check := findSpan(recorder, "/grpc.health.v1.Health/Check", 500*time.Millisecond)
			if !enabled {
				if check != nil {
					t.Fatal("span recorded with tracing disabled")
				}
				return
			}
			if check == nil {
				t.Fatalf("no health check span among %d spans", len(recorder.Ended()))
			}
			if got := check.InstrumentationScope().Name; got != "fulfilment.grpc" {
				t.Fatalf("tracer = %q", got)
			}
			if got := check.SpanContext().TraceID().String(); got != callerTraceID {
				t.Fatalf("span did not continue caller trace: %s", got)
			}
			if !check.Parent().IsRemote() {
				t.Fatal("expected a remote parent")
			}
		})
	}
}

// recordSpans installs a recording provider and W3C propagation for the
// duration of the test.
func recordSpans(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()

	prevProvider := otel.GetTracerProvider()
	prevPropagator := otel.GetTextMapPropagator()
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	t.Cleanup(func() {
		_ = provider.Shutdown(context.Background())
		otel.SetTracerProvider(prevProvider)
		otel.SetTextMapPropagator(prevPropagator)
	})
	return recorder
}

// findSpan polls until an ended span called name shows up or wait elapses.
func findSpan(recorder *tracetest.SpanRecorder, name string, wait time.Duration) sdktrace.ReadOnlySpan {
	deadline := time.Now().Add(wait)
	for {
		for _, span := range recorder.Ended() {
			if span.Name() == name {
				return span
			}
		}
		if time.Now().After(deadline) {
			return nil
		}
		time.Sleep(10 * time.Millisecond)
	}
}
