package grpc

import (
	"fmt"
	"time"
)

// Config holds gRPC server configuration.
type Config struct {
	// Address is the listen address, e.g. ":9090".
	Address string

	TLS       *TLSConfig
	Keepalive *KeepaliveConfig

	// MaxConnections caps concurrent streams per connection. Zero leaves the
	// gRPC default.
	MaxConnections int

	MaxRecvMsgSize int
	MaxSendMsgSize int

	EnableReflection  bool
	EnableHealthCheck bool

	// EnableTracing starts an OpenTelemetry server span per RPC.
	EnableTracing bool

	// HealthProbeInterval is how often the readiness probe refreshes the
	// health status. Zero means one second.
	HealthProbeInterval time.Duration
}

// TLSConfig enables TLS, and mutual TLS when ClientAuth is set.
type TLSConfig struct {
	Enabled    bool
	CertFile   string
	KeyFile    string
	CAFile     string
	ClientAuth bool
}

// KeepaliveConfig mirrors keepalive.ServerParameters and
// keepalive.EnforcementPolicy.
type KeepaliveConfig struct {
	MaxConnectionIdle     time.Duration
	MaxConnectionAge      time.Duration
	MaxConnectionAgeGrace time.Duration
	Time                  time.Duration
	Timeout               time.Duration

	// MinTime is the shortest client ping interval the server tolerates.
	MinTime             time.Duration
	PermitWithoutStream bool
}

const defaultMsgSize = 4 << 20

// DefaultConfig returns the configuration used when none is given: health
// checks on, reflection off, 4MB messages.
func DefaultConfig() *Config {
	return &Config{
		Address:           ":9090",
		MaxConnections:    1000,
		MaxRecvMsgSize:    defaultMsgSize,
		MaxSendMsgSize:    defaultMsgSize,
		EnableHealthCheck: true,
		Keepalive: &KeepaliveConfig{
			MaxConnectionIdle:     5 * time.Minute,
			MaxConnectionAge:      time.Hour,
			MaxConnectionAgeGrace: time.Minute,
			Time:                  time.Minute,
			Timeout:               20 * time.Second,
			MinTime:               30 * time.Second,
		},
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	switch {
	case c.Address == "":
		return fmt.Errorf("address cannot be empty")
	case c.MaxConnections < 0:
		return fmt.Errorf("max connections cannot be negative")
	case c.MaxRecvMsgSize < 0, c.MaxSendMsgSize < 0:
		return fmt.Errorf("message size limits cannot be negative")
	case c.HealthProbeInterval < 0:
		return fmt.Errorf("health probe interval cannot be negative")
	}

	if c.TLS != nil {
		if err := c.TLS.Validate(); err != nil {
			return fmt.Errorf("invalid TLS config: %w", err)
		}
	}
	if c.Keepalive != nil {
		if err := c.Keepalive.Validate(); err != nil {
			return fmt.Errorf("invalid keepalive config: %w", err)
		}
	}
	return nil
}

// Validate checks that the files TLS needs are named.
func (t *TLSConfig) Validate() error {
	if !t.Enabled {
		return nil
	}
	if t.CertFile == "" || t.KeyFile == "" {
		return fmt.Errorf("cert file and key file are required when TLS is enabled")
	}
	if t.ClientAuth && t.CAFile == "" {
		return fmt.Errorf("CA file is required when client auth is enabled")
	}
	return nil
}

// Validate checks keepalive durations.
func (k *KeepaliveConfig) Validate() error {
	for name, d := range map[string]time.Duration{
		"max connection idle":      k.MaxConnectionIdle,
		"max connection age":       k.MaxConnectionAge,
		"max connection age grace": k.MaxConnectionAgeGrace,
		"time":                     k.Time,
		"timeout":                  k.Timeout,
		"min time":                 k.MinTime,
	} {
		if d < 0 {
			return fmt.Errorf("%s cannot be negative", name)
		}
	}
	if k.Time > 0 && k.Timeout >= k.Time {
		return fmt.Errorf("timeout must be less than ping interval")
	}
	return nil
}
