package interceptors

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

// Metrics holds the Prometheus collectors of the gRPC server.
type Metrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
	inflight *prometheus.GaugeVec
	messages *prometheus.CounterVec
}

// NewMetrics creates the gRPC collectors and registers them on registerer.
// Collectors already registered by an earlier call are reused.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.NewRegistry()
	}

	return &Metrics{
		requests: register(registerer, prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fulfilment_grpc_requests_total",
				Help: "Total number of gRPC requests by method and status code.",
			},
			[]string{"method", "code"},
		)),
		duration: register(registerer, prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fulfilment_grpc_request_duration_seconds",
				Help:    "Duration of gRPC requests.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method"},
		)),
		inflight: register(registerer, prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "fulfilment_grpc_in_flight",
				Help: "In-flight gRPC requests.",
			},
			[]string{"method"},
		)),
		messages: register(registerer, prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fulfilment_grpc_stream_messages_total",
				Help: "Messages sent on gRPC server streams.",
			},
			[]string{"method"},
		)),
	}
}

// MetricsUnaryInterceptor records unary RPCs.
func MetricsUnaryInterceptor(m *Metrics) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		done := m.begin(info.FullMethod)
		resp, err := handler(ctx, req)
		done(err)
		return resp, err
	}
}

// MetricsStreamInterceptor records streaming RPCs and the messages they send.
func MetricsStreamInterceptor(m *Metrics) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		done := m.begin(info.FullMethod)
		err := handler(srv, &countingStream{ServerStream: ss, sent: m.messages.WithLabelValues(info.FullMethod)})
		done(err)
		return err
	}
}

func (m *Metrics) begin(method string) func(error) {
	start := time.Now()
	gauge := m.inflight.WithLabelValues(method)
	gauge.Inc()
	return func(err error) {
		gauge.Dec()
		m.requests.WithLabelValues(method, status.Code(err).String()).Inc()
		m.duration.WithLabelValues(method).Observe(time.Since(start).Seconds())
	}
}

type countingStream struct {
	grpc.ServerStream
	sent prometheus.Counter
}

func (s *countingStream) SendMsg(msg any) error {
	if err := s.ServerStream.SendMsg(msg); err != nil {
		return err
	}
	s.sent.Inc()
	return nil
}

func register[T prometheus.Collector](registerer prometheus.Registerer, collector T) T {
	if err := registerer.Register(collector); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing
			}
		}
	}
	return collector
}
