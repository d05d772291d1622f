package interceptors

import (
	"context"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	"github.com/goclaw/fulfilment/pkg/logger"
)

// RequestIDKey is the metadata key carrying the request id. It matches the
// X-Request-ID header of the HTTP API.
const RequestIDKey = "x-request-id"

type requestIDKey struct{}

// withRequestID stores id for RequestIDFromContext and for every log record
// written with ctx.
func withRequestID(ctx context.Context, id string) context.Context {
	return logger.ContextWith(context.WithValue(ctx, requestIDKey{}, id), "request_id", id)
}

// RequestIDFromContext returns the id assigned by the request id
// interceptor.
func RequestIDFromContext(ctx context.Context) (string, bool) {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id, id != ""
}

// RequestIDUnaryInterceptor propagates the caller's request id or assigns one.
func RequestIDUnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		id := requestIDOf(ctx)
		_ = grpc.SetHeader(ctx, metadata.Pairs(RequestIDKey, id))
		return handler(withRequestID(ctx, id), req)
	}
}

// RequestIDStreamInterceptor is the streaming variant.
func RequestIDStreamInterceptor() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, _ *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		id := requestIDOf(ss.Context())
		_ = ss.SetHeader(metadata.Pairs(RequestIDKey, id))
		return handler(srv, withContext(ss, withRequestID(ss.Context(), id)))
	}
}

func requestIDOf(ctx context.Context) string {
	md, _ := metadata.FromIncomingContext(ctx)
	for _, id := range md.Get(RequestIDKey) {
		if id != "" {
			return id
		}
	}
	return uuid.NewString()
}

// contextStream replaces the context of a server stream.
type contextStream struct {
	grpc.ServerStream
	ctx context.Context
}

func withContext(ss grpc.ServerStream, ctx context.Context) grpc.ServerStream {
	return &contextStream{ServerStream: ss, ctx: ctx}
}

func (s *contextStream) Context() context.Context { return s.ctx }
