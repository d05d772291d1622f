package interceptors

import (
	"google.golang.org/grpc"

	"github.com/goclaw/fulfilment/pkg/logger"
)

// ChainBuilder assembles unary and stream interceptors in call order.
type ChainBuilder struct {
	unary  []grpc.UnaryServerInterceptor
	stream []grpc.StreamServerInterceptor
}

// NewChainBuilder creates an empty chain.
func NewChainBuilder() *ChainBuilder {
	return &ChainBuilder{}
}

// WithRecovery adds panic recovery. Add it first so it wraps everything else.
func (b *ChainBuilder) WithRecovery(l logger.Logger) *ChainBuilder {
	return b.add(RecoveryUnaryInterceptor(l), RecoveryStreamInterceptor(l))
}

// WithRequestID adds request id propagation.
func (b *ChainBuilder) WithRequestID() *ChainBuilder {
	return b.add(RequestIDUnaryInterceptor(), RequestIDStreamInterceptor())
}

// WithTracing adds OpenTelemetry server spans.
func (b *ChainBuilder) WithTracing() *ChainBuilder {
	return b.add(TracingUnaryInterceptor(), TracingStreamInterceptor())
}

// WithLogging adds request logging.
func (b *ChainBuilder) WithLogging(l logger.Logger) *ChainBuilder {
	return b.add(LoggingUnaryInterceptor(l), LoggingStreamInterceptor(l))
}

// WithMetrics adds Prometheus instrumentation. A nil m is ignored.
func (b *ChainBuilder) WithMetrics(m *Metrics) *ChainBuilder {
	if m == nil {
		return b
	}
	return b.add(MetricsUnaryInterceptor(m), MetricsStreamInterceptor(m))
}

func (b *ChainBuilder) add(u grpc.UnaryServerInterceptor, s grpc.StreamServerInterceptor) *ChainBuilder {
	b.unary = append(b.unary, u)
	b.stream = append(b.stream, s)
	return b
}

// Len returns the number of interceptors in the chain.
func (b *ChainBuilder) Len() int {
	return len(b.unary)
}

// Build returns the chain as server options.
func (b *ChainBuilder) Build() []grpc.ServerOption {
	if len(b.unary) == 0 {
		return nil
	}
	return []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(b.unary...),
		grpc.ChainStreamInterceptor(b.stream...),
	}
}
