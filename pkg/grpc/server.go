package grpc

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/reflection"

	"github.com/goclaw/fulfilment/pkg/grpc/interceptors"
	"github.com/goclaw/fulfilment/pkg/logger"
)

// Server is the gRPC listener of the orchestrator. It serves the standard
// health service, optional reflection, and any service registered on it.
type Server struct {
	config       *Config
	logger       logger.Logger
	metrics      *interceptors.Metrics
	probe        ReadinessProbe
	grpcSrv      *grpc.Server
	listener     net.Listener
	healthServer *HealthServer
	pending      []serviceRegistration
	serveErr     chan error
	mu           sync.RWMutex
	running      bool
}

type serviceRegistration struct {
	desc *grpc.ServiceDesc
	impl any
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger used by the server and its interceptors.
func WithLogger(l logger.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMetrics instruments every RPC with m.
func WithMetrics(m *interceptors.Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithReadinessProbe drives the health status from probe.
func WithReadinessProbe(probe ReadinessProbe) Option {
	return func(s *Server) {
		s.probe = probe
	}
}

// New creates a gRPC server with the given configuration.
func New(cfg *Config, opts ...Option) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	s := &Server{
		config: cfg,
		logger: logger.Discard(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("server already running")
	}

	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Address, err)
	}

	opts, err := s.buildServerOptions()
	if err != nil {
		_ = listener.Close()
		return fmt.Errorf("failed to build server options: %w", err)
	}

	s.listener = listener
	s.grpcSrv = grpc.NewServer(opts...)

	for _, reg := range s.pending {
		s.grpcSrv.RegisterService(reg.desc, reg.impl)
	}
	s.pending = nil

	if s.config.EnableReflection {
		reflection.Register(s.grpcSrv)
	}

	if s.config.EnableHealthCheck {
		s.healthServer = NewHealthServer(s.probe)
		grpc_health_v1.RegisterHealthServer(s.grpcSrv, s.healthServer.GetServer())
		s.healthServer.Start(s.config.HealthProbeInterval)
	}

	s.running = true
	s.serveErr = make(chan error, 1)

	s.logger.Info("grpc server listening",
		"address", listener.Addr().String(),
		"tls", s.config.TLS != nil && s.config.TLS.Enabled,
		"reflection", s.config.EnableReflection,
		"health", s.config.EnableHealthCheck,
	)

	go func(srv *grpc.Server, errCh chan<- error) {
		err := srv.Serve(listener)
		if err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			s.logger.Error("grpc server stopped unexpectedly", "error", err)
		}
		errCh <- err
	}(s.grpcSrv, s.serveErr)

	return nil
}

// Stop drains in-flight RPCs, forcing the stop once ctx expires.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}
	s.running = false

	if s.healthServer != nil {
		s.healthServer.Stop()
	}

	stopped := make(chan struct{})
	go func() {
		s.grpcSrv.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
		s.logger.Info("grpc server stopped")
		return nil
	case <-ctx.Done():
		s.grpcSrv.Stop()
		s.logger.Warn("grpc server forced to stop", "error", ctx.Err())
		return fmt.Errorf("graceful shutdown timeout, forced stop: %w", ctx.Err())
	}
}

// RegisterService registers a gRPC service. Services registered before Start
// are queued.
func (s *Server) RegisterService(desc *grpc.ServiceDesc, impl any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.grpcSrv != nil {
		s.grpcSrv.RegisterService(desc, impl)
		return
	}
	s.pending = append(s.pending, serviceRegistration{desc: desc, impl: impl})
}

// Done receives the result of Serve once the server stops. It is nil before
// Start.
func (s *Server) Done() <-chan error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.serveErr
}

// Health returns the health server, or nil when health checks are disabled
// or the server has not started.
func (s *Server) Health() *HealthServer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.healthServer
}

// Address returns the bound address once started, else the configured one.
func (s *Server) Address() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.config.Address
}

// IsRunning returns whether the server is currently running.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

func (s *Server) buildServerOptions() ([]grpc.ServerOption, error) {
	var opts []grpc.ServerOption

	if tlsCfg := s.config.TLS; tlsCfg != nil && tlsCfg.Enabled {
		creds, err := loadTLSCredentials(tlsCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to build TLS credentials: %w", err)
		}
		opts = append(opts, grpc.Creds(creds))
	}

	if s.config.MaxConnections > 0 {
		opts = append(opts, grpc.MaxConcurrentStreams(uint32(s.config.MaxConnections)))
	}

	if ka := s.config.Keepalive; ka != nil {
		opts = append(opts,
			grpc.KeepaliveParams(keepalive.ServerParameters{
				MaxConnectionIdle:     ka.MaxConnectionIdle,
				MaxConnectionAge:      ka.MaxConnectionAge,
				MaxConnectionAgeGrace: ka.MaxConnectionAgeGrace,
				Time:                  ka.Time,
				Timeout:               ka.Timeout,
			}),
			grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
				MinTime:             ka.MinTime,
				PermitWithoutStream: ka.PermitWithoutStream,
			}),
		)
	}

	if s.config.MaxRecvMsgSize > 0 {
		opts = append(opts, grpc.MaxRecvMsgSize(s.config.MaxRecvMsgSize))
	}
	if s.config.MaxSendMsgSize > 0 {
		opts = append(opts, grpc.MaxSendMsgSize(s.config.MaxSendMsgSize))
	}

	// Recovery wraps everything; tracing precedes logging so log lines carry
	// the span ids.
	chain := interceptors.NewChainBuilder().
		WithRecovery(s.logger).
		WithRequestID()
	if s.config.EnableTracing {
		chain = chain.WithTracing()
	}
	chain = chain.WithLogging(s.logger).WithMetrics(s.metrics)
	opts = append(opts, chain.Build()...)

	return opts, nil
}

func loadTLSCredentials(cfg *TLSConfig) (credentials.TransportCredentials, error) {
	if !cfg.ClientAuth || cfg.CAFile == "" {
		return credentials.NewServerTLSFromFile(cfg.CertFile, cfg.KeyFile)
	}

	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load server certificate: %w", err)
	}
	caPEM, err := os.ReadFile(cfg.CAFile)
	if err != nil {
		return nil, fmt.Errorf("read CA certificate: %w", err)
	}
	clientCAs := x509.NewCertPool()
	if !clientCAs.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("no certificates found in %s", cfg.CAFile)
	}

	return credentials.NewTLS(&tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    clientCAs,
		MinVersion:   tls.VersionTLS12,
	}), nil
}
