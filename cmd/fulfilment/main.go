package main

// @title Fulfilment Orchestrator API
// @version 1.0
// @description Order fulfilment saga orchestrator: create order, create shipment, send notification, with compensation on failure.

// @contact.name API Support
// @contact.url https://github.com/goclaw/fulfilment

// @license.name Apache 2.0
// @license.url http://www.apache.org/licenses/LICENSE-2.0.html

// @host localhost:8080
// @BasePath /
// @schemes http https

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"

	"github.com/goclaw/fulfilment/config"
	"github.com/goclaw/fulfilment/pkg/activity"
	"github.com/goclaw/fulfilment/pkg/api"
	"github.com/goclaw/fulfilment/pkg/api/events"
	"github.com/goclaw/fulfilment/pkg/api/handlers"
	"github.com/goclaw/fulfilment/pkg/eventbus"
	grpcpkg "github.com/goclaw/fulfilment/pkg/grpc"
	"github.com/goclaw/fulfilment/pkg/grpc/interceptors"
	"github.com/goclaw/fulfilment/pkg/logger"
	"github.com/goclaw/fulfilment/pkg/metrics"
	"github.com/goclaw/fulfilment/pkg/saga"
	"github.com/goclaw/fulfilment/pkg/storage"
	"github.com/goclaw/fulfilment/pkg/telemetry/tracing"
	"github.com/goclaw/fulfilment/pkg/version"
)

var (
	configPath  = flag.String("config", "", "Path to configuration file")
	versionFlag = flag.Bool("version", false, "Print version information")
	helpFlag    = flag.Bool("help", false, "Print help information")

	// CLI overrides
	serverPort  = flag.Int("port", 0, "Override HTTP API port")
	logLevel    = flag.String("log-level", "", "Override log level")
	storageType = flag.String("storage", "", "Override storage type (memory, badger)")
	debugMode   = flag.Bool("debug", false, "Enable debug mode")
)

func main() {
	flag.Parse()

	if *helpFlag {
		printHelp()
		os.Exit(0)
	}
	if *versionFlag {
		printVersion()
		os.Exit(0)
	}

	loader := config.NewLoader()
	cfg, err := loader.Load(*configPath, buildOverrides())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration:\n%s\n", err)
		os.Exit(1)
	}

	log := newLogger(cfg)
	logger.SetGlobal(log)

	if err := run(cfg, loader, log); err != nil {
		log.Error("Fulfilment orchestrator stopped with error", "error", err)
		_ = log.Close()
		os.Exit(1)
	}
	_ = log.Close()
}

func run(cfg *config.Config, loader *config.Loader, log logger.Logger) error {
	log.Info("Starting fulfilment orchestrator",
		"version", version.Version,
		"buildTime", version.BuildTime,
		"gitCommit", version.GitCommit,
		"environment", cfg.App.Environment,
	)
	log.Debug("Configuration loaded", "config", cfg.String())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	shutdownTracing, err := tracing.Init(ctx, cfg.Tracing, tracing.Service{
		Name:        cfg.App.Name,
		Version:     version.Version,
		Environment: cfg.App.Environment,
		Role:        "orchestrator",
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer flushCancel()
		if err := shutdownTracing(flushCtx); err != nil {
			log.Warn("Error flushing traces", "error", err)
		}
	}()

	metricsManager := metrics.NewManager(metrics.Config{
		Enabled:                 cfg.Metrics.Enabled,
		Port:                    cfg.Metrics.Port,
		Path:                    cfg.Metrics.Path,
		SagaDurationBuckets:     metrics.DefaultConfig().SagaDurationBuckets,
		ActivityDurationBuckets: metrics.DefaultConfig().ActivityDurationBuckets,
		HTTPDurationBuckets:     metrics.DefaultConfig().HTTPDurationBuckets,
	})
	if metricsManager.Enabled() {
		go func() {
			log.Info("Starting metrics server", "port", cfg.Metrics.Port, "path", cfg.Metrics.Path)
			if err := metricsManager.StartServer(ctx, cfg.Metrics.Port, cfg.Metrics.Path); err != nil {
				log.Error("Metrics server error", "error", err)
			}
		}()
	}

	journal, store, closeStorage, err := openStorage(ctx, cfg.Storage, log)
	if err != nil {
		return err
	}
	defer closeStorage()

	broadcaster := events.NewBroadcaster()
	defer broadcaster.Close()

	publisher, closeTransport, err := newEventPublisher(ctx, cfg, metricsManager, log)
	if err != nil {
		return err
	}
	defer closeTransport()

	invoker, err := activity.NewHTTPInvokerFromConfig(cfg.Services,
		activity.WithMetrics(metricsManager),
		activity.WithLogger(log),
	)
	if err != nil {
		return fmt.Errorf("create activity invoker: %w", err)
	}

	policies := saga.PoliciesFromConfig(cfg.Saga.Policies)
	orchestrator, err := saga.NewOrchestrator(invoker,
		saga.WithMaxConcurrentSagas(cfg.Saga.MaxConcurrent),
		saga.WithJournal(journal),
		saga.WithSagaStore(store),
		saga.WithEventSink(saga.MultiSink{broadcaster, publisher}),
		saga.WithEventTimeout(cfg.Saga.EventTimeout),
		saga.WithMetrics(metricsManager),
		saga.WithLogger(log),
		saga.WithPolicies(policies),
		saga.WithRetainJournal(cfg.Saga.RetainCompleted),
	)
	if err != nil {
		return fmt.Errorf("create orchestrator: %w", err)
	}

	if cfg.Saga.RecoverOnStart {
		recovery, err := saga.NewRecoveryManager(orchestrator, store, metricsManager, log)
		if err != nil {
			return fmt.Errorf("create recovery manager: %w", err)
		}
		recovered, err := recovery.Recover(ctx)
		if err != nil {
			log.Warn("Saga recovery incomplete", "recovered", recovered, "error", err)
		}
	}

	if cfg.Saga.Retention > 0 && cfg.Saga.CleanupInterval > 0 {
		cleanup := saga.NewCleanupManager(store, journal, nil, log)
		if err := cleanup.Start(ctx, cfg.Saga.CleanupInterval, cfg.Saga.Retention); err != nil {
			return fmt.Errorf("start saga cleanup: %w", err)
		}
	}

	healthHandler := handlers.NewHealthHandler(orchestrator)
	healthHandler.AddCheck("storage", func() error {
		_, _, err := store.List(context.Background(), saga.SagaListFilter{Limit: 1})
		return err
	})
	healthHandler.AddDetail("events", func() string {
		if publisher.Degraded() {
			return "degraded"
		}
		return "ok"
	})

	apiHandlers := &api.Handlers{
		Saga:   handlers.NewSagaHandler(orchestrator, log, cfg.Server.HTTP.WriteTimeout),
		Health: healthHandler,
	}
	if metricsManager.Enabled() {
		apiHandlers.Metrics = metricsManager
		apiHandlers.MetricsHandler = metricsManager.Handler()
	}
	if cfg.WebSocket.Enabled {
		ws := handlers.NewWebSocketHandler(log, handlers.WebSocketConfig{
			AllowedOrigins: cfg.WebSocket.AllowedOrigins,
			MaxConnections: cfg.WebSocket.MaxConnections,
			PingInterval:   cfg.WebSocket.PingInterval,
		})
		defer ws.Close()
		go ws.Forward(ctx, broadcaster.Subscribe(256))
		apiHandlers.WebSocket = ws
	}

	httpServer := api.NewHTTPServer(cfg, log, apiHandlers)
	if err := httpServer.Listen(); err != nil {
		return err
	}
	serverErrChan := make(chan error, 1)
	go func() {
		if err := httpServer.Serve(); err != nil {
			serverErrChan <- err
		}
	}()

	var grpcServer *grpcpkg.Server
	if cfg.Server.GRPC.Enabled {
		grpcCfg := cfg.Server.ToGRPCConfig()
		grpcCfg.EnableTracing = cfg.Tracing.Enabled

		opts := []grpcpkg.Option{
			grpcpkg.WithLogger(log),
			grpcpkg.WithReadinessProbe(func() bool { return !orchestrator.Closed() }),
		}
		if reg := metricsManager.Registerer(); reg != nil {
			opts = append(opts, grpcpkg.WithMetrics(interceptors.NewMetrics(reg)))
		}

		grpcServer, err = grpcpkg.New(grpcCfg, opts...)
		if err != nil {
			return fmt.Errorf("create grpc server: %w", err)
		}
		if err := grpcServer.Start(); err != nil {
			return fmt.Errorf("start grpc server: %w", err)
		}
	}

	if *configPath != "" {
		watchConfig(ctx, *configPath, loader, cfg, orchestrator, log)
	}

	log.Info("Fulfilment orchestrator is running",
		"http_port", cfg.Server.Port,
		"grpc_enabled", cfg.Server.GRPC.Enabled,
		"metrics_port", cfg.Metrics.Port,
		"storage", cfg.Storage.Type,
		"events", cfg.Events.Transport,
	)

	var runErr error
	select {
	case sig := <-sigChan:
		log.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErrChan:
		runErr = fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.HTTP.ShutdownTimeout)
	defer shutdownCancel()

	if grpcServer != nil {
		if err := grpcServer.Stop(shutdownCtx); err != nil {
			log.Error("Error stopping gRPC server", "error", err)
		}
	}

	log.Info("Shutting down HTTP server")
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("Error shutting down HTTP server", "error", err)
	}

	// Running sagas suspend at their next boundary and resume on the next start.
	log.Info("Suspending running sagas", "active", orchestrator.ActiveCount())
	if err := orchestrator.Close(shutdownCtx); err != nil {
		log.Error("Error suspending sagas", "error", err)
	}

	log.Info("Fulfilment orchestrator stopped")
	return runErr
}

func newLogger(cfg *config.Config) logger.Logger {
	logCfg := &logger.Config{
		Level:  logger.ParseLevel(cfg.Log.Level),
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	}
	if cfg.App.Debug || *debugMode {
		logCfg.Level = logger.DebugLevel
	}
	return logger.New(logCfg)
}

// openStorage returns the journal and saga store selected by cfg, and a
// function releasing them.
func openStorage(ctx context.Context, cfg config.StorageConfig, log logger.Logger) (saga.Journal, saga.SagaStore, func(), error) {
	switch cfg.Type {
	case "badger":
		return openBadgerStorage(cfg.Badger, log)
	case "postgres":
		return openPostgresStorage(ctx, cfg.Postgres, log)
	}
	journal := saga.NewMemoryJournal()
	log.Info("Initialized memory storage")
	return journal, saga.NewMemorySagaStore(), func() { _ = journal.Close() }, nil
}

func openBadgerStorage(cfg config.BadgerConfig, log logger.Logger) (saga.Journal, saga.SagaStore, func(), error) {
	db, err := storage.OpenBadger(cfg)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open badger: %w", err)
	}
	closeDB := func(db *badgerdb.DB) {
		if err := db.Close(); err != nil {
			log.Error("Error closing Badger storage", "error", err)
		}
	}

	journal, err := saga.NewBadgerJournal(db)
	if err != nil {
		closeDB(db)
		return nil, nil, nil, fmt.Errorf("create badger journal: %w", err)
	}
	store, err := saga.NewBadgerSagaStore(db)
	if err != nil {
		closeDB(db)
		return nil, nil, nil, fmt.Errorf("create badger saga store: %w", err)
	}

	log.Info("Initialized Badger storage", "path", cfg.Path)
	return journal, store, func() {
		_ = journal.Close()
		closeDB(db)
	}, nil
}

func openPostgresStorage(ctx context.Context, cfg config.PostgresConfig, log logger.Logger) (saga.Journal, saga.SagaStore, func(), error) {
	connectCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	db, err := storage.OpenPostgres(connectCtx, cfg)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open postgres: %w", err)
	}
	closeDB := func() {
		if err := db.Close(); err != nil {
			log.Error("Error closing Postgres storage", "error", err)
		}
	}

	journal, err := saga.NewPostgresJournal(db)
	if err != nil {
		closeDB()
		return nil, nil, nil, fmt.Errorf("create postgres journal: %w", err)
	}
	store, err := saga.NewPostgresSagaStore(db)
	if err != nil {
		closeDB()
		return nil, nil, nil, fmt.Errorf("create postgres saga store: %w", err)
	}

	log.Info("Initialized Postgres storage",
		"max_open_conns", cfg.MaxOpenConns,
		"max_idle_conns", cfg.MaxIdleConns,
	)
	return journal, store, func() {
		_ = journal.Close()
		closeDB()
	}, nil
}

// newEventPublisher builds the lifecycle event publisher on the configured
// transport.
func newEventPublisher(ctx context.Context, cfg *config.Config, telemetry eventbus.Telemetry, log logger.Logger) (*eventbus.Publisher, func(), error) {
	var (
		transport eventbus.Transport
		closeFn   = func() {}
	)

	switch cfg.Events.Transport {
	case "redis":
		redisTransport, err := eventbus.DialRedis(ctx, cfg.Events.Redis)
		if err != nil {
			return nil, nil, err
		}
		transport = redisTransport
		closeFn = func() {
			if err := redisTransport.Close(); err != nil {
				log.Warn("Error closing Redis transport", "error", err)
			}
		}
		log.Info("Publishing saga events to Redis", "address", cfg.Events.Redis.Address)
	default:
		transport = eventbus.NewMemoryBus()
	}

	nodeID, err := os.Hostname()
	if err != nil || nodeID == "" {
		nodeID = cfg.App.Name
	}

	retry := eventbus.DefaultRetryConfig()
	retry.MaxAttempts = cfg.Events.MaxAttempts

	publisher, err := eventbus.NewPublisher(nodeID, transport,
		eventbus.WithSubjectPrefix(cfg.Events.ChannelPrefix),
		eventbus.WithRetry(retry),
		eventbus.WithTelemetry(telemetry),
		eventbus.WithLogger(log),
	)
	if err != nil {
		closeFn()
		return nil, nil, fmt.Errorf("create event publisher: %w", err)
	}
	return publisher, closeFn, nil
}

// watchConfig applies log level and step policy changes from the config file.
func watchConfig(ctx context.Context, path string, loader *config.Loader, current *config.Config, orchestrator *saga.Orchestrator, log logger.Logger) {
	watcher, err := config.NewWatcher(path, loader, config.WithErrorHandler(func(err error) {
		log.Warn("Config reload failed", "error", err)
	}))
	if err != nil {
		log.Warn("Config hot reload disabled", "error", err)
		return
	}

	last := config.ExtractHotReloadable(current)
	watcher.OnChange(func(next *config.Config) {
		reloaded := config.ExtractHotReloadable(next)
		if !last.Changed(reloaded) {
			return
		}
		if reloaded.LogLevel != last.LogLevel {
			log.SetLevel(logger.ParseLevel(reloaded.LogLevel))
			log.Info("Log level changed", "level", reloaded.LogLevel)
		}
		if last.PoliciesChanged(reloaded) {
			if err := orchestrator.SetPolicies(saga.PoliciesFromConfig(reloaded.Policies)); err != nil {
				log.Warn("Rejected step policies from config reload", "error", err)
			} else {
				log.Info("Step policies reloaded; running sagas keep their policies")
			}
		}
		last = reloaded
	})

	go func() {
		if err := watcher.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Warn("Config watcher stopped", "error", err)
		}
	}()
}

func buildOverrides() map[string]interface{} {
	overrides := make(map[string]interface{})

	if *serverPort != 0 {
		overrides["server.port"] = *serverPort
	}
	if *logLevel != "" {
		overrides["log.level"] = *logLevel
	}
	if *storageType != "" {
		overrides["storage.type"] = *storageType
	}
	if *debugMode {
		overrides["app.debug"] = true
	}

	return overrides
}

func printVersion() {
	info := version.Info()
	fmt.Printf("Fulfilment - Order Fulfilment Saga Orchestrator\n")
	fmt.Printf("Version:    %s\n", info.Version)
	fmt.Printf("Build Time: %s\n", info.BuildTime)
	fmt.Printf("Git Commit: %s\n", info.GitCommit)
	fmt.Printf("Go Version: %s\n", info.GoVersion)
}

func printHelp() {
	fmt.Printf("Fulfilment - Order fulfilment saga orchestrator\n\n")
	fmt.Printf("Usage: fulfilment [options]\n\n")
	fmt.Printf("Options:\n")
	flag.PrintDefaults()
	fmt.Printf("\nExamples:\n")
	fmt.Printf("  fulfilment                                # Run with default config\n")
	fmt.Printf("  fulfilment -config config.yaml            # Use specific config file\n")
	fmt.Printf("  fulfilment -storage badger -debug         # Durable journal, verbose logs\n")
	fmt.Printf("  fulfilment -version                       # Print version info\n")
}
