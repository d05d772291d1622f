package interceptors

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/goclaw/fulfilment/pkg/logger"
)

// LoggingUnaryInterceptor logs one line per completed RPC. Health probes are
// logged at debug level.
func LoggingUnaryInterceptor(l logger.Logger) grpc.UnaryServerInterceptor {
	l = orDiscard(l)
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		logCompleted(ctx, l, info.FullMethod, "unary", status.Code(err), time.Since(start), err)
		return resp, err
	}
}

// LoggingStreamInterceptor logs stream completion.
func LoggingStreamInterceptor(l logger.Logger) grpc.StreamServerInterceptor {
	l = orDiscard(l)
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		start := time.Now()
		err := handler(srv, ss)
		logCompleted(ss.Context(), l, info.FullMethod, "stream", status.Code(err), time.Since(start), err)
		return err
	}
}

func logCompleted(ctx context.Context, l logger.Logger, method, kind string, code codes.Code, elapsed time.Duration, err error) {
	args := []any{
		"method", method,
		"kind", kind,
		"code", code.String(),
		"duration_ms", elapsed.Milliseconds(),
	}

	switch {
	case isServerFault(code):
		l.ErrorContext(ctx, "grpc request failed", append(args, "error", err)...)
	case err != nil:
		l.WarnContext(ctx, "grpc request rejected", append(args, "error", err)...)
	case isHealthMethod(method):
		l.DebugContext(ctx, "grpc request completed", args...)
	default:
		l.InfoContext(ctx, "grpc request completed", args...)
	}
}

func isServerFault(code codes.Code) bool {
	switch code {
	case codes.Internal, codes.Unknown, codes.DataLoss, codes.Unimplemented:
		return true
	default:
		return false
	}
}

func isHealthMethod(method string) bool {
	service, _ := splitMethod(method)
	return service == "grpc.health.v1.Health"
}
