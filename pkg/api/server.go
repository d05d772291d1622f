package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/goclaw/fulfilment/config"
	"github.com/goclaw/fulfilment/pkg/logger"
)

const readHeaderTimeout = 10 * time.Second

// Server is the lifecycle of the orchestrator's HTTP API.
type Server interface {
	Start() error
	Shutdown(ctx context.Context) error
}

// HTTPServer serves the orchestrator API.
type HTTPServer struct {
	server *http.Server
	router chi.Router
	logger logger.Logger

	mu       sync.Mutex
	listener net.Listener
}

// NewHTTPServer builds the router and server from cfg. Nothing listens until
// Listen or Start.
func NewHTTPServer(cfg *config.Config, log logger.Logger, handlers *Handlers) *HTTPServer {
	if log == nil {
		log = logger.Discard()
	}
	router := NewRouter(cfg, log, handlers)
	httpCfg := cfg.Server.HTTP

	return &HTTPServer{
		router: router,
		logger: log,
		server: &http.Server{
			Addr:              net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)),
			Handler:           router,
			ReadHeaderTimeout: readHeaderTimeout,
			ReadTimeout:       httpCfg.ReadTimeout,
			WriteTimeout:      httpCfg.WriteTimeout,
			IdleTimeout:       httpCfg.IdleTimeout,
			MaxHeaderBytes:    httpCfg.MaxHeaderBytes,
		},
	}
}

// Addr returns the bound address once listening, the configured one before.
func (s *HTTPServer) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.server.Addr
}

// Listen binds the configured address so bind errors surface before Serve
// runs in the background.
func (s *HTTPServer) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return nil
	}
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.server.Addr, err)
	}
	s.listener = ln
	return nil
}

// Serve accepts connections until Shutdown. It listens first if Listen was
// not called.
func (s *HTTPServer) Serve() error {
	if err := s.Listen(); err != nil {
		return err
	}
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()

	s.logger.Info("HTTP server listening",
		"addr", ln.Addr().String(),
		"read_timeout", s.server.ReadTimeout,
		"write_timeout", s.server.WriteTimeout,
	)
	if err := s.server.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve http: %w", err)
	}
	return nil
}

// Start is Listen followed by Serve.
func (s *HTTPServer) Start() error {
	return s.Serve()
}

// Shutdown stops accepting connections and waits for in-flight requests
// until ctx ends.
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	s.logger.Info("HTTP server stopped")
	return nil
}
