// Package config provides configuration management for the fulfilment orchestrator.
package config

import (
	"fmt"
	"time"
)

// Config is the global configuration for the fulfilment processes.
type Config struct {
	// App is the application configuration.
	App AppConfig `mapstructure:"app" validate:"required"`

	// Server is the server configuration.
	Server ServerConfig `mapstructure:"server" validate:"required"`

	// Log is the logging configuration.
	Log LogConfig `mapstructure:"log" validate:"required"`

	// Saga is the saga execution configuration.
	Saga SagaConfig `mapstructure:"saga"`

	// Services locates the downstream order, shipment and notification services.
	Services ServicesConfig `mapstructure:"services"`

	// Storage is the persistence configuration for journals and saga instances.
	Storage StorageConfig `mapstructure:"storage"`

	// Events is the saga lifecycle event publishing configuration.
	Events EventsConfig `mapstructure:"events"`

	// Metrics is the observability configuration.
	Metrics MetricsConfig `mapstructure:"metrics"`

	// Tracing is the distributed tracing configuration.
	Tracing TracingConfig `mapstructure:"tracing"`

	// WebSocket is the live saga event stream configuration.
	WebSocket WebSocketConfig `mapstructure:"websocket"`
}

// AppConfig holds application metadata and settings.
type AppConfig struct {
	// Name is the application name.
	Name string `mapstructure:"name" validate:"required"`

	// Version is the application version.
	Version string `mapstructure:"version"`

	// Environment is the runtime environment (development, staging, production).
	Environment string `mapstructure:"environment" validate:"oneof=development staging production"`

	// Debug enables debug mode with verbose logging.
	Debug bool `mapstructure:"debug"`
}

// ServerConfig holds the HTTP/gRPC server configuration.
type ServerConfig struct {
	// Host is the bind address.
	Host string `mapstructure:"host"`

	// Port is the HTTP API port.
	Port int `mapstructure:"port" validate:"required,min=1,max=65535"`

	// GRPC is the gRPC server configuration.
	GRPC GRPCConfig `mapstructure:"grpc"`

	// HTTP is the HTTP server configuration.
	HTTP HTTPConfig `mapstructure:"http"`

	// CORS is the CORS configuration.
	CORS CORSConfig `mapstructure:"cors"`
}

// GRPCConfig holds gRPC-specific settings.
type GRPCConfig struct {
	// Enabled enables the gRPC server.
	Enabled bool `mapstructure:"enabled"`

	// Port is the gRPC server port.
	Port int `mapstructure:"port" validate:"min=1,max=65535"`

	// MaxConnections is the maximum number of concurrent connections.
	MaxConnections int `mapstructure:"max_connections" validate:"min=0"`

	// EnableReflection enables gRPC server reflection for debugging.
	EnableReflection bool `mapstructure:"enable_reflection"`

	// EnableHealthCheck enables gRPC health check service.
	EnableHealthCheck bool `mapstructure:"enable_health_check"`

	// TLS is the TLS/mTLS configuration.
	TLS GRPCTLSConfig `mapstructure:"tls"`

	// Keepalive is the keepalive configuration.
	Keepalive GRPCKeepaliveConfig `mapstructure:"keepalive"`
}

// GRPCTLSConfig holds gRPC TLS/mTLS settings.
type GRPCTLSConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	CertFile   string `mapstructure:"cert_file"`
	KeyFile    string `mapstructure:"key_file"`
	CAFile     string `mapstructure:"ca_file"`
	ClientAuth bool   `mapstructure:"client_auth"`
}

// GRPCKeepaliveConfig holds gRPC keepalive settings.
type GRPCKeepaliveConfig struct {
	MaxIdleSeconds      int  `mapstructure:"max_idle_seconds" validate:"min=0"`
	MaxAgeSeconds       int  `mapstructure:"max_age_seconds" validate:"min=0"`
	MaxAgeGraceSeconds  int  `mapstructure:"max_age_grace_seconds" validate:"min=0"`
	TimeSeconds         int  `mapstructure:"time_seconds" validate:"min=0"`
	TimeoutSeconds      int  `mapstructure:"timeout_seconds" validate:"min=0"`
	MinTimeSeconds      int  `mapstructure:"min_time_seconds" validate:"min=0"`
	PermitWithoutStream bool `mapstructure:"permit_without_stream"`
}

// HTTPConfig holds HTTP-specific settings.
type HTTPConfig struct {
	// ReadTimeout is the maximum duration for reading the entire request.
	ReadTimeout time.Duration `mapstructure:"read_timeout"`

	// WriteTimeout is the maximum duration before timing out writes.
	// Synchronous fulfilment blocks until the saga is terminal, so this must
	// cover the worst-case retry schedule.
	WriteTimeout time.Duration `mapstructure:"write_timeout"`

	// IdleTimeout is the maximum amount of time to wait for the next request.
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`

	// ShutdownTimeout is the maximum duration to wait for graceful shutdown.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	// MaxHeaderBytes limits the size of request headers.
	MaxHeaderBytes int `mapstructure:"max_header_bytes"`
}

// CORSConfig holds CORS settings.
type CORSConfig struct {
	Enabled          bool     `mapstructure:"enabled"`
	AllowedOrigins   []string `mapstructure:"allowed_origins"`
	AllowedMethods   []string `mapstructure:"allowed_methods"`
	AllowedHeaders   []string `mapstructure:"allowed_headers"`
	ExposedHeaders   []string `mapstructure:"exposed_headers"`
	AllowCredentials bool     `mapstructure:"allow_credentials"`
	MaxAge           int      `mapstructure:"max_age"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	// Level is the log level (debug, info, warn, error).
	Level string `mapstructure:"level" validate:"oneof=debug info warn error"`

	// Format is the output format (json, text).
	Format string `mapstructure:"format" validate:"oneof=json text"`

	// Output is the output destination (stdout, stderr, or file path).
	Output string `mapstructure:"output"`
}

// SagaConfig holds saga execution settings.
type SagaConfig struct {
	// MaxConcurrent bounds the number of saga instances executing at once.
	MaxConcurrent int `mapstructure:"max_concurrent" validate:"min=1"`

	// RecoverOnStart resumes non-terminal sagas found in storage at startup.
	RecoverOnStart bool `mapstructure:"recover_on_start"`

	// RetainCompleted keeps journals of terminal sagas after completion.
	RetainCompleted bool `mapstructure:"retain_completed"`

	// Retention is how long terminal sagas are kept before cleanup removes
	// them. Zero disables cleanup.
	Retention time.Duration `mapstructure:"retention" validate:"min=0"`

	// CleanupInterval is the period of the cleanup pass.
	CleanupInterval time.Duration `mapstructure:"cleanup_interval" validate:"min=0"`

	// EventTimeout bounds how long one lifecycle event may hold up a saga.
	EventTimeout time.Duration `mapstructure:"event_timeout" validate:"min=0"`

	// Policies holds the retry policy of every step.
	Policies PoliciesConfig `mapstructure:"policies"`
}

// PoliciesConfig holds one retry policy per saga step.
type PoliciesConfig struct {
	CreateOrder             RetryPolicyConfig `mapstructure:"create_order"`
	CreateShipment          RetryPolicyConfig `mapstructure:"create_shipment"`
	SendNotification        RetryPolicyConfig `mapstructure:"send_notification"`
	CancelOrder             RetryPolicyConfig `mapstructure:"cancel_order"`
	CancelShipment          RetryPolicyConfig `mapstructure:"cancel_shipment"`
	SendFailureNotification RetryPolicyConfig `mapstructure:"send_failure_notification"`
}

// RetryPolicyConfig holds the retry and timeout policy of one step.
type RetryPolicyConfig struct {
	// MaxAttempts is the total number of calls allowed, including the first.
	MaxAttempts int `mapstructure:"max_attempts" validate:"min=1"`

	// InitialDelay is the backoff before the second attempt.
	InitialDelay time.Duration `mapstructure:"initial_delay" validate:"min=0"`

	// BackoffMultiplier grows the delay between consecutive attempts.
	BackoffMultiplier float64 `mapstructure:"backoff_multiplier" validate:"min=1"`

	// MaxDelay caps the backoff delay. Zero means uncapped.
	MaxDelay time.Duration `mapstructure:"max_delay" validate:"min=0"`

	// Timeout is the per-attempt start-to-close timeout.
	Timeout time.Duration `mapstructure:"timeout" validate:"gt=0"`
}

// ServicesConfig locates the downstream services and configures calls to them.
type ServicesConfig struct {
	Order        ServiceEndpointConfig `mapstructure:"order"`
	Shipment     ServiceEndpointConfig `mapstructure:"shipment"`
	Notification ServiceEndpointConfig `mapstructure:"notification"`
}

// ServiceEndpointConfig holds the address and call limits of one downstream service.
type ServiceEndpointConfig struct {
	// URL is the base URL used by the orchestrator.
	URL string `mapstructure:"url" validate:"required,url"`

	// ListenPort is the port the service binds when run by cmd/downstream.
	ListenPort int `mapstructure:"listen_port" validate:"min=1,max=65535"`

	// RateLimit is the maximum number of calls per second. Zero disables throttling.
	RateLimit float64 `mapstructure:"rate_limit" validate:"min=0"`

	// Burst is the limiter burst size.
	Burst int `mapstructure:"burst" validate:"min=0"`
}

// StorageConfig holds persistence settings.
type StorageConfig struct {
	// Type is the storage backend (memory, badger, postgres).
	Type string `mapstructure:"type" validate:"oneof=memory badger postgres"`

	// Badger is the BadgerDB configuration.
	Badger BadgerConfig `mapstructure:"badger"`

	// Postgres is the PostgreSQL configuration.
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// PostgresConfig holds PostgreSQL connection settings.
type PostgresConfig struct {
	// DSN is a lib/pq connection string or URL.
	DSN string `mapstructure:"dsn"`

	MaxOpenConns    int           `mapstructure:"max_open_conns" validate:"min=0"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" validate:"min=0"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" validate:"min=0"`
}

// BadgerConfig holds BadgerDB-specific settings.
type BadgerConfig struct {
	// Path is the database directory path.
	Path string `mapstructure:"path"`

	// SyncWrites enables synchronous writes for durability.
	SyncWrites bool `mapstructure:"sync_writes"`

	// ValueLogFileSize is the maximum size of value log files in bytes.
	ValueLogFileSize int64 `mapstructure:"value_log_file_size"`

	// NumVersionsToKeep is the number of versions to keep per key.
	NumVersionsToKeep int `mapstructure:"num_versions_to_keep"`
}

// EventsConfig holds saga lifecycle event publishing settings.
type EventsConfig struct {
	// Transport selects where events are published (memory, redis).
	Transport string `mapstructure:"transport" validate:"oneof=memory redis"`

	// ChannelPrefix prefixes every published subject.
	ChannelPrefix string `mapstructure:"channel_prefix"`

	// MaxAttempts bounds publish retries before an event is dropped.
	MaxAttempts int `mapstructure:"max_attempts" validate:"min=1"`

	// Redis is the Redis connection used by the redis transport.
	Redis RedisConfig `mapstructure:"redis"`
}

// RedisConfig holds Redis-specific settings.
type RedisConfig struct {
	// Address is the Redis server address.
	Address string `mapstructure:"address"`

	// Password is the Redis password.
	Password string `mapstructure:"password"`

	// DB is the Redis database number.
	DB int `mapstructure:"db"`
}

// MetricsConfig holds observability settings.
type MetricsConfig struct {
	// Enabled enables metrics collection.
	Enabled bool `mapstructure:"enabled"`

	// Path is the metrics endpoint path.
	Path string `mapstructure:"path"`

	// Port is the metrics server port.
	Port int `mapstructure:"port" validate:"min=1,max=65535"`
}

// TracingConfig holds distributed tracing settings.
type TracingConfig struct {
	// Enabled enables distributed tracing.
	Enabled bool `mapstructure:"enabled"`

	// Exporter is the span exporter (otlpgrpc).
	Exporter string `mapstructure:"exporter" validate:"omitempty,oneof=otlpgrpc"`

	// Endpoint is the collector endpoint.
	Endpoint string `mapstructure:"endpoint"`

	// Timeout bounds exporter calls.
	Timeout time.Duration `mapstructure:"timeout"`

	// Headers are sent with every export request.
	Headers map[string]string `mapstructure:"headers"`

	// Sampler is the sampling strategy (always_on, always_off, traceidratio, parentbased_traceidratio).
	Sampler string `mapstructure:"sampler" validate:"omitempty,oneof=always_on always_off traceidratio parentbased_traceidratio"`

	// SampleRate is the fraction of traces to sample (0.0-1.0).
	SampleRate float64 `mapstructure:"sample_rate" validate:"min=0,max=1"`
}

// WebSocketConfig holds the live event stream settings.
type WebSocketConfig struct {
	// Enabled mounts the /ws/sagas endpoint.
	Enabled bool `mapstructure:"enabled"`

	// MaxConnections bounds concurrent subscribers.
	MaxConnections int `mapstructure:"max_connections" validate:"min=0"`

	// PingInterval is the keepalive ping period.
	PingInterval time.Duration `mapstructure:"ping_interval"`

	// AllowedOrigins restricts browser origins. Empty allows same host only.
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// Validate performs validation on the configuration.
func (c *Config) Validate() error {
	return ValidateWithDetails(c)
}

// String returns a string representation of the configuration (without sensitive data).
func (c *Config) String() string {
	return fmt.Sprintf("Config{App: %s, Server: :%d, Env: %s, Storage: %s}",
		c.App.Name, c.Server.Port, c.App.Environment, c.Storage.Type)
}
