package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.App.Name != "fulfilment" {
		t.Errorf("expected app name 'fulfilment', got %s", cfg.App.Name)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("expected server port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("expected log level 'info', got %s", cfg.Log.Level)
	}

	policies := cfg.Saga.Policies
	if policies.CreateOrder.MaxAttempts != 1 {
		t.Errorf("expected create_order max_attempts 1, got %d", policies.CreateOrder.MaxAttempts)
	}
	if policies.CreateShipment.MaxAttempts != 3 || policies.SendNotification.MaxAttempts != 3 {
		t.Errorf("expected shipment and notification max_attempts 3, got %d and %d",
			policies.CreateShipment.MaxAttempts, policies.SendNotification.MaxAttempts)
	}
	for name, p := range map[string]RetryPolicyConfig{
		"create_order":      policies.CreateOrder,
		"create_shipment":   policies.CreateShipment,
		"send_notification": policies.SendNotification,
		"cancel_order":      policies.CancelOrder,
		"cancel_shipment":   policies.CancelShipment,
	} {
		if p.Timeout != 5*time.Second {
			t.Errorf("%s: expected timeout 5s, got %v", name, p.Timeout)
		}
		if p.InitialDelay != time.Second || p.BackoffMultiplier != 2.0 {
			t.Errorf("%s: expected 1s initial delay doubling, got %v x%v", name, p.InitialDelay, p.BackoffMultiplier)
		}
	}

	if cfg.Services.Order.ListenPort != 8000 || cfg.Services.Shipment.ListenPort != 8001 ||
		cfg.Services.Notification.ListenPort != 8002 {
		t.Errorf("unexpected downstream ports: %+v", cfg.Services)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "valid config", mutate: func(*Config) {}},
		{name: "missing app name", mutate: func(c *Config) { c.App.Name = "" }, wantErr: true},
		{name: "invalid environment", mutate: func(c *Config) { c.App.Environment = "qa" }, wantErr: true},
		{name: "invalid port", mutate: func(c *Config) { c.Server.Port = 70000 }, wantErr: true},
		{name: "invalid log level", mutate: func(c *Config) { c.Log.Level = "trace" }, wantErr: true},
		{name: "invalid storage type", mutate: func(c *Config) { c.Storage.Type = "postgres" }, wantErr: true},
		{name: "invalid events transport", mutate: func(c *Config) { c.Events.Transport = "kafka" }, wantErr: true},
		{name: "zero max attempts", mutate: func(c *Config) { c.Saga.Policies.CreateShipment.MaxAttempts = 0 }, wantErr: true},
		{name: "shrinking backoff", mutate: func(c *Config) { c.Saga.Policies.SendNotification.BackoffMultiplier = 0.5 }, wantErr: true},
		{name: "zero timeout", mutate: func(c *Config) { c.Saga.Policies.CancelOrder.Timeout = 0 }, wantErr: true},
		{name: "relative service url", mutate: func(c *Config) { c.Services.Order.URL = "orders" }, wantErr: true},
		{name: "zero concurrency", mutate: func(c *Config) { c.Saga.MaxConcurrent = 0 }, wantErr: true},
		{name: "invalid sampler", mutate: func(c *Config) { c.Tracing.Sampler = "sometimes" }, wantErr: true},
		{name: "badger without path", mutate: func(c *Config) { c.Storage.Type = "badger"; c.Storage.Badger.Path = " " }, wantErr: true},
		{name: "postgres without dsn", mutate: func(c *Config) { c.Storage.Type = "postgres" }, wantErr: true},
		{name: "postgres with dsn", mutate: func(c *Config) { c.Storage.Type = "postgres"; c.Storage.Postgres.DSN = "postgres://localhost/fulfilment" }},
		{name: "unknown storage", mutate: func(c *Config) { c.Storage.Type = "sqlite" }, wantErr: true},
		{name: "redis without address", mutate: func(c *Config) { c.Events.Transport = "redis"; c.Events.Redis.Address = "" }, wantErr: true},
		{name: "memory ignores redis address", mutate: func(c *Config) { c.Events.Redis.Address = "" }},
		{name: "service port clash", mutate: func(c *Config) { c.Services.Shipment.ListenPort = c.Services.Order.ListenPort }, wantErr: true},
		{name: "grpc port clash", mutate: func(c *Config) { c.Server.GRPC.Enabled = true; c.Server.GRPC.Port = c.Server.Port }, wantErr: true},
		{name: "disabled grpc port ignored", mutate: func(c *Config) { c.Server.GRPC.Enabled = false; c.Server.GRPC.Port = c.Server.Port }},
		{name: "initial delay above cap", mutate: func(c *Config) { c.Saga.Policies.CreateOrder.MaxDelay = time.Millisecond }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateWithDetails(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Saga.Policies.CreateShipment.MaxAttempts = 0
	cfg.Log.Level = "trace"

	err := ValidateWithDetails(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	details, ok := err.(ValidationErrors)
	if !ok {
		t.Fatalf("expected ValidationErrors, got %T", err)
	}
	if len(details) != 2 {
		t.Fatalf("expected 2 errors, got %d: %v", len(details), details)
	}

	msg := details.Error()
	if !strings.Contains(msg, "MaxAttempts") || !strings.Contains(msg, "must be at least 1") {
		t.Errorf("unexpected message: %s", msg)
	}
	if !strings.Contains(msg, "must be one of [debug info warn error]") {
		t.Errorf("unexpected message: %s", msg)
	}
}

func TestValidateWithDetails_CrossField(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Storage.Type = "badger"
	cfg.Storage.Badger.Path = ""
	cfg.Services.Notification.ListenPort = cfg.Server.Port

	err := ValidateWithDetails(cfg)
	details, ok := err.(ValidationErrors)
	if !ok {
		t.Fatalf("expected ValidationErrors, got %T (%v)", err, err)
	}
	fields := make(map[string]string, len(details))
	for _, d := range details {
		fields[d.Field] = d.Message
	}
	if msg := fields["Storage.Badger.Path"]; msg != "is required when storage.type is badger" {
		t.Errorf("unexpected badger path message: %q (all: %v)", msg, details)
	}
	if msg := fields["Services.Notification.ListenPort"]; msg != "port already used by Server.Port" {
		t.Errorf("unexpected port message: %q (all: %v)", msg, details)
	}
}

func TestValidationErrors_Error(t *testing.T) {
	if got := (ValidationErrors{}).Error(); got != "no validation errors" {
		t.Errorf("unexpected empty message: %s", got)
	}

	errs := ValidationErrors{
		{Field: "server.port", Message: "must be at most 65535", Value: 99999},
	}
	if !strings.Contains(errs.Error(), "server.port: must be at most 65535 (got 99999)") {
		t.Errorf("unexpected message: %s", errs.Error())
	}
}

func TestConfig_String(t *testing.T) {
	s := DefaultConfig().String()
	if !strings.Contains(s, "fulfilment") || !strings.Contains(s, ":8080") {
		t.Errorf("unexpected string: %s", s)
	}
}

func TestLoader_Get(t *testing.T) {
	loader := NewLoader()
	if _, err := loader.Load("", nil); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if loader.GetString("app.name") != "fulfilment" {
		t.Errorf("expected 'fulfilment', got '%s'", loader.GetString("app.name"))
	}
	if loader.GetInt("server.port") != 8080 {
		t.Errorf("expected 8080, got %d", loader.GetInt("server.port"))
	}
	if !loader.GetBool("metrics.enabled") {
		t.Error("expected metrics.enabled to be true")
	}
	if loader.Get("saga.policies.create_shipment.max_attempts") == nil {
		t.Error("expected nested policy key to be present")
	}
	if loader.Print() == "" {
		t.Error("expected non-empty print output")
	}
}

func TestLoader_Set(t *testing.T) {
	loader := NewLoader()
	_, _ = loader.Load("", nil)

	if err := loader.Set("app.name", "custom-app"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if loader.GetString("app.name") != "custom-app" {
		t.Errorf("expected 'custom-app', got '%s'", loader.GetString("app.name"))
	}
}

func TestLoadOrDie_Panic(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("expected panic for missing config file")
		}
	}()

	LoadOrDie("/nonexistent/path/config.yaml", nil)
}

func TestLoader_LoadYAMLFile(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	content := `
app:
  name: yaml-test
  environment: production
server:
  port: 9999
log:
  level: debug
  format: text
saga:
  max_concurrent: 64
  policies:
    create_shipment:
      max_attempts: 5
      initial_delay: 250ms
      backoff_multiplier: 1.5
      timeout: 2s
services:
  shipment:
    url: http://shipment.internal:8001
storage:
  type: badger
  badger:
    path: /var/lib/fulfilment
`
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(configPath, nil)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.App.Name != "yaml-test" || cfg.Server.Port != 9999 {
		t.Errorf("unexpected app/server: %+v %+v", cfg.App, cfg.Server)
	}
	if cfg.Saga.MaxConcurrent != 64 {
		t.Errorf("expected max_concurrent 64, got %d", cfg.Saga.MaxConcurrent)
	}

	shipment := cfg.Saga.Policies.CreateShipment
	if shipment.MaxAttempts != 5 || shipment.InitialDelay != 250*time.Millisecond ||
		shipment.BackoffMultiplier != 1.5 || shipment.Timeout != 2*time.Second {
		t.Errorf("unexpected shipment policy: %+v", shipment)
	}
	// Keys absent from the file keep their defaults.
	if shipment.MaxDelay != 100*time.Second {
		t.Errorf("expected default max delay, got %v", shipment.MaxDelay)
	}
	if cfg.Saga.Policies.CreateOrder.MaxAttempts != 1 {
		t.Errorf("expected default create_order policy, got %+v", cfg.Saga.Policies.CreateOrder)
	}
	if cfg.Services.Shipment.URL != "http://shipment.internal:8001" {
		t.Errorf("unexpected shipment url %s", cfg.Services.Shipment.URL)
	}
	if cfg.Services.Order.URL != "http://localhost:8000" {
		t.Errorf("expected default order url, got %s", cfg.Services.Order.URL)
	}
	if cfg.Storage.Type != "badger" || cfg.Storage.Badger.Path != "/var/lib/fulfilment" {
		t.Errorf("unexpected storage: %+v", cfg.Storage)
	}
}

func TestLoader_LoadJSONFile(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.json")
	content := `{"app": {"name": "json-test"}, "log": {"level": "warn"}}`
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(configPath, nil)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.App.Name != "json-test" || cfg.Log.Level != "warn" {
		t.Errorf("unexpected config: %+v %+v", cfg.App, cfg.Log)
	}
}

func TestLoader_LoadInvalidFiles(t *testing.T) {
	dir := t.TempDir()

	unsupported := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(unsupported, []byte("x = 1"), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	if _, err := Load(unsupported, nil); err == nil {
		t.Error("expected error for unsupported format")
	}

	invalid := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(invalid, []byte("saga:\n  max_concurrent: 0\n"), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	if _, err := Load(invalid, nil); err == nil {
		t.Error("expected validation error")
	}
}

func TestLoader_Overrides(t *testing.T) {
	cfg, err := Load("", map[string]interface{}{
		"server.port": 9000,
		"log.level":   "debug",
	})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 9000 || cfg.Log.Level != "debug" {
		t.Errorf("overrides not applied: port=%d level=%s", cfg.Server.Port, cfg.Log.Level)
	}
}

func TestLoader_EnvVars(t *testing.T) {
	t.Setenv("FULFILMENT_SERVER_PORT", "7070")
	t.Setenv("FULFILMENT_SAGA_MAX_CONCURRENT", "12")
	t.Setenv("FULFILMENT_SERVICES_ORDER_URL", "http://orders:8000")

	cfg, err := Load("", nil)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 7070 {
		t.Errorf("expected port 7070, got %d", cfg.Server.Port)
	}
	if cfg.Saga.MaxConcurrent != 12 {
		t.Errorf("expected max_concurrent 12, got %d", cfg.Saga.MaxConcurrent)
	}
	if cfg.Services.Order.URL != "http://orders:8000" {
		t.Errorf("unexpected order url %s", cfg.Services.Order.URL)
	}
}

func TestEnvKey(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"SERVER_PORT", "server.port"},
		{"LOG_LEVEL", "log.level"},
		{"SAGA_MAX_CONCURRENT", "saga.max_concurrent"},
		{"SAGA_POLICIES_CREATE_SHIPMENT_MAX_ATTEMPTS", "saga.policies.create_shipment.max_attempts"},
		{"SERVER_HTTP_WRITE_TIMEOUT", "server.http.write_timeout"},
		{"UNKNOWN_THING", "unknown.thing"},
	}

	for _, tt := range tests {
		if got := envKey(tt.in); got != tt.want {
			t.Errorf("envKey(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestServerConfig_ToGRPCConfig(t *testing.T) {
	server := DefaultConfig().Server
	server.Host = "127.0.0.1"
	server.GRPC.TLS = GRPCTLSConfig{Enabled: true, CertFile: "cert.pem", KeyFile: "key.pem"}

	out := server.ToGRPCConfig()
	if out.Address != "127.0.0.1:9090" {
		t.Errorf("expected address 127.0.0.1:9090, got %s", out.Address)
	}
	if out.TLS == nil || out.TLS.CertFile != "cert.pem" {
		t.Errorf("expected TLS to be converted, got %+v", out.TLS)
	}
	if out.Keepalive == nil || out.Keepalive.Time != time.Minute || out.Keepalive.Timeout != 20*time.Second {
		t.Errorf("expected keepalive seconds to become durations, got %+v", out.Keepalive)
	}
	if err := out.Validate(); err != nil {
		t.Errorf("converted default config should validate: %v", err)
	}

	server.GRPC.TLS.Enabled = false
	if out := server.ToGRPCConfig(); out.TLS != nil {
		t.Errorf("expected no TLS when disabled, got %+v", out.TLS)
	}
}
