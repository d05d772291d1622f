package config

import "time"

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Name:        "fulfilment",
			Version:     "dev",
			Environment: "development",
			Debug:       false,
		},
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
			GRPC: GRPCConfig{
				Enabled:           false,
				Port:              9090,
				MaxConnections:    1000,
				EnableReflection:  false,
				EnableHealthCheck: true,
				Keepalive: GRPCKeepaliveConfig{
					MaxIdleSeconds:      300,
					MaxAgeSeconds:       3600,
					MaxAgeGraceSeconds:  60,
					TimeSeconds:         60,
					TimeoutSeconds:      20,
					MinTimeSeconds:      30,
					PermitWithoutStream: false,
				},
			},
			HTTP: HTTPConfig{
				ReadTimeout:     30 * time.Second,
				WriteTimeout:    90 * time.Second,
				IdleTimeout:     120 * time.Second,
				ShutdownTimeout: 30 * time.Second,
				MaxHeaderBytes:  1 << 20, // 1MB
			},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Saga: SagaConfig{
			MaxConcurrent:   256,
			RecoverOnStart:  true,
			RetainCompleted: true,
			Retention:       7 * 24 * time.Hour,
			CleanupInterval: time.Hour,
			EventTimeout:    2 * time.Second,
			Policies: PoliciesConfig{
				CreateOrder:             stepPolicy(1),
				CreateShipment:          stepPolicy(3),
				SendNotification:        stepPolicy(3),
				CancelOrder:             stepPolicy(3),
				CancelShipment:          stepPolicy(3),
				SendFailureNotification: stepPolicy(1),
			},
		},
		Services: ServicesConfig{
			Order: ServiceEndpointConfig{
				URL:        "http://localhost:8000",
				ListenPort: 8000,
				RateLimit:  100,
				Burst:      20,
			},
			Shipment: ServiceEndpointConfig{
				URL:        "http://localhost:8001",
				ListenPort: 8001,
				RateLimit:  100,
				Burst:      20,
			},
			Notification: ServiceEndpointConfig{
				URL:        "http://localhost:8002",
				ListenPort: 8002,
				RateLimit:  100,
				Burst:      20,
			},
		},
		Storage: StorageConfig{
			Type: "memory",
			Badger: BadgerConfig{
				Path:              "./data/badger",
				SyncWrites:        true,
				ValueLogFileSize:  1 << 28, // 256MB
				NumVersionsToKeep: 1,
			},
			Postgres: PostgresConfig{
				MaxOpenConns:    16,
				MaxIdleConns:    4,
				ConnMaxLifetime: 30 * time.Minute,
			},
		},
		Events: EventsConfig{
			Transport:     "memory",
			ChannelPrefix: "fulfilment",
			MaxAttempts:   3,
			Redis: RedisConfig{
				Address:  "localhost:6379",
				Password: "",
				DB:       0,
			},
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
			Port:    9091,
		},
		Tracing: TracingConfig{
			Enabled:    false,
			Exporter:   "otlpgrpc",
			Endpoint:   "localhost:4317",
			Timeout:    5 * time.Second,
			Sampler:    "parentbased_traceidratio",
			SampleRate: 0.1,
		},
		WebSocket: WebSocketConfig{
			Enabled:        true,
			MaxConnections: 100,
			PingInterval:   30 * time.Second,
		},
	}
}

// stepPolicy returns the default activity policy: 1s initial backoff doubling
// per attempt, capped at 100x the initial delay, 5s per-attempt timeout.
func stepPolicy(maxAttempts int) RetryPolicyConfig {
	return RetryPolicyConfig{
		MaxAttempts:       maxAttempts,
		InitialDelay:      time.Second,
		BackoffMultiplier: 2.0,
		MaxDelay:          100 * time.Second,
		Timeout:           5 * time.Second,
	}
}
