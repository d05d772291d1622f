package interceptors

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

const tracerName = "fulfilment.grpc"

// TracingUnaryInterceptor runs each unary RPC inside a server span that
// continues the caller's trace.
func TracingUnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		var resp any
		err := traced(ctx, info.FullMethod, func(ctx context.Context) error {
			var err error
			resp, err = handler(ctx, req)
			return err
		})
		return resp, err
	}
}

// TracingStreamInterceptor is the streaming variant.
func TracingStreamInterceptor() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		return traced(ss.Context(), info.FullMethod, func(ctx context.Context) error {
			return handler(srv, withContext(ss, ctx))
		})
	}
}

func traced(ctx context.Context, fullMethod string, call func(context.Context) error) error {
	md, _ := metadata.FromIncomingContext(ctx)
	ctx = otel.GetTextMapPropagator().Extract(ctx, mdCarrier(md))

	service, method := splitMethod(fullMethod)
	ctx, span := otel.Tracer(tracerName).Start(ctx, fullMethod,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("rpc.system", "grpc"),
			attribute.String("rpc.service", service),
			attribute.String("rpc.method", method),
		),
	)
	defer span.End()
	if id, ok := RequestIDFromContext(ctx); ok {
		span.SetAttributes(attribute.String("request.id", id))
	}

	err := call(ctx)
	code := status.Code(err)
	span.SetAttributes(attribute.String("rpc.grpc.status_code", code.String()))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, code.String())
	} else {
		span.SetStatus(otelcodes.Ok, "")
	}
	return err
}

// splitMethod turns "/pkg.Service/Method" into its service and method.
func splitMethod(fullMethod string) (service, method string) {
	if fullMethod == "" {
		return "unknown", "unknown"
	}
	service, method, ok := strings.Cut(strings.TrimPrefix(fullMethod, "/"), "/")
	if !ok {
		return service, "unknown"
	}
	return service, method
}

// mdCarrier adapts incoming metadata to propagation.TextMapCarrier.
type mdCarrier metadata.MD

func (c mdCarrier) Get(key string) string {
	if v := metadata.MD(c).Get(key); len(v) > 0 {
		return v[0]
	}
	return ""
}

func (c mdCarrier) Set(key, value string) { metadata.MD(c).Set(key, value) }

func (c mdCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}
