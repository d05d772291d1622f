// Command downstream runs the order, shipment and notification services the
// orchestrator calls. Each service listens on its own port.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/goclaw/fulfilment/config"
	"github.com/goclaw/fulfilment/pkg/logger"
	"github.com/goclaw/fulfilment/pkg/metrics"
	"github.com/goclaw/fulfilment/pkg/services"
	"github.com/goclaw/fulfilment/pkg/services/notification"
	"github.com/goclaw/fulfilment/pkg/services/order"
	"github.com/goclaw/fulfilment/pkg/services/shipment"
	"github.com/goclaw/fulfilment/pkg/telemetry/tracing"
	"github.com/goclaw/fulfilment/pkg/version"
)

const dispatchInterval = time.Second

var (
	configPath = flag.String("config", "", "Path to configuration file")
	only       = flag.String("services", "order,shipment,notification", "Comma-separated services to run")
	logLevel   = flag.String("log-level", "", "Override log level")
)

type serviceRunner struct {
	name    string
	port    int
	handler http.Handler
	server  *http.Server
}

func main() {
	flag.Parse()

	overrides := map[string]interface{}{}
	if *logLevel != "" {
		overrides["log.level"] = *logLevel
	}
	cfg, err := config.Load(*configPath, overrides)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration:\n%s\n", err)
		os.Exit(1)
	}

	log := logger.New(&logger.Config{
		Level:  logger.ParseLevel(cfg.Log.Level),
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	})
	logger.SetGlobal(log)

	if err := run(cfg, log); err != nil {
		log.Error("Downstream services stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, log logger.Logger) error {
	selected, err := parseServices(*only)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTracing, err := tracing.Init(ctx, cfg.Tracing, tracing.Service{
		Name:        cfg.App.Name + "-downstream",
		Version:     version.Version,
		Environment: cfg.App.Environment,
		Role:        strings.Join(selected, ","),
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer flushCancel()
		_ = shutdownTracing(flushCtx)
	}()

	metricsManager := metrics.NewManager(metrics.Config{
		Enabled:                 cfg.Metrics.Enabled,
		Path:                    cfg.Metrics.Path,
		SagaDurationBuckets:     metrics.DefaultConfig().SagaDurationBuckets,
		ActivityDurationBuckets: metrics.DefaultConfig().ActivityDurationBuckets,
		HTTPDurationBuckets:     metrics.DefaultConfig().HTTPDurationBuckets,
	})

	optionsFor := func(name string) []services.Option {
		opts := []services.Option{
			services.WithLogger(log.With("service", name)),
			services.WithMetrics(metricsManager),
		}
		if metricsManager.Enabled() {
			opts = append(opts, services.WithHTTPMetrics(metricsManager, metricsManager.Handler()))
		}
		return opts
	}

	var runners []*serviceRunner
	for _, name := range selected {
		switch name {
		case order.ServiceName:
			runners = append(runners, &serviceRunner{
				name:    name,
				port:    cfg.Services.Order.ListenPort,
				handler: order.New(optionsFor(name)...).Handler(),
			})
		case shipment.ServiceName:
			runners = append(runners, &serviceRunner{
				name:    name,
				port:    cfg.Services.Shipment.ListenPort,
				handler: shipment.New(optionsFor(name)...).Handler(),
			})
		case notification.ServiceName:
			svc := notification.New(optionsFor(name)...)
			go svc.RunDispatcher(ctx, dispatchInterval)
			runners = append(runners, &serviceRunner{
				name:    name,
				port:    cfg.Services.Notification.ListenPort,
				handler: svc.Handler(),
			})
		}
	}

	errCh := make(chan error, len(runners))
	for _, r := range runners {
		r.server = &http.Server{
			Addr:              net.JoinHostPort(cfg.Server.Host, strconv.Itoa(r.port)),
			Handler:           r.handler,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       cfg.Server.HTTP.ReadTimeout,
			WriteTimeout:      cfg.Server.HTTP.WriteTimeout,
			IdleTimeout:       cfg.Server.HTTP.IdleTimeout,
		}
		go func(r *serviceRunner) {
			log.Info("Starting downstream service", "service", r.name, "address", r.server.Addr)
			if err := r.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("%s service: %w", r.name, err)
			}
		}(r)
	}

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("Received shutdown signal")
	case runErr = <-errCh:
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.HTTP.ShutdownTimeout)
	defer shutdownCancel()

	var wg sync.WaitGroup
	for _, r := range runners {
		wg.Add(1)
		go func(r *serviceRunner) {
			defer wg.Done()
			if err := r.server.Shutdown(shutdownCtx); err != nil {
				log.Warn("Error shutting down downstream service", "service", r.name, "error", err)
			}
		}(r)
	}
	wg.Wait()

	log.Info("Downstream services stopped")
	return runErr
}

// parseServices validates the -services flag and drops duplicates.
func parseServices(raw string) ([]string, error) {
	known := map[string]bool{
		order.ServiceName:        true,
		shipment.ServiceName:     true,
		notification.ServiceName: true,
	}
	seen := make(map[string]bool)
	var out []string
	for _, part := range strings.Split(raw, ",") {
		name := strings.ToLower(strings.TrimSpace(part))
		if name == "" || seen[name] {
			continue
		}
		if !known[name] {
			return nil, fmt.Errorf("unknown service %q", name)
		}
		seen[name] = true
		out = append(out, name)
	}
	if len(out) == 0 {
		return nil, errors.New("no services selected")
	}
	return out, nil
}
