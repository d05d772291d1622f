package config

import (
	"net"
	"strconv"
	"time"

	grpcpkg "github.com/goclaw/fulfilment/pkg/grpc"
)

// ToGRPCConfig converts the gRPC section into the server configuration. The
// listener binds the same host as the HTTP API.
func (s ServerConfig) ToGRPCConfig() *grpcpkg.Config {
	g := s.GRPC
	cfg := &grpcpkg.Config{
		Address:           net.JoinHostPort(s.Host, strconv.Itoa(g.Port)),
		MaxConnections:    g.MaxConnections,
		EnableReflection:  g.EnableReflection,
		EnableHealthCheck: g.EnableHealthCheck,
		Keepalive: &grpcpkg.KeepaliveConfig{
			MaxConnectionIdle:     seconds(g.Keepalive.MaxIdleSeconds),
			MaxConnectionAge:      seconds(g.Keepalive.MaxAgeSeconds),
			MaxConnectionAgeGrace: seconds(g.Keepalive.MaxAgeGraceSeconds),
			Time:                  seconds(g.Keepalive.TimeSeconds),
			Timeout:               seconds(g.Keepalive.TimeoutSeconds),
			MinTime:               seconds(g.Keepalive.MinTimeSeconds),
			PermitWithoutStream:   g.Keepalive.PermitWithoutStream,
		},
	}

	if g.TLS.Enabled {
		tls := g.TLS
		cfg.TLS = &grpcpkg.TLSConfig{
			Enabled:    true,
			CertFile:   tls.CertFile,
			KeyFile:    tls.KeyFile,
			CAFile:     tls.CAFile,
			ClientAuth: tls.ClientAuth,
		}
	}
	return cfg
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
