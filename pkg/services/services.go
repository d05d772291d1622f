// Package services holds the plumbing shared by the order, shipment and
// notification services: the router, request validation, idempotency and
// the options every service accepts.
package services

import (
	"net/http"
	"time"

	"github.com/goclaw/fulfilment/pkg/api/middleware"
	"github.com/goclaw/fulfilment/pkg/logger"
)

// HeaderIdempotencyKey is read by every create endpoint.
const HeaderIdempotencyKey = "Idempotency-Key"

// Operation results recorded by Metrics.
const (
	ResultOK       = "ok"
	ResultReplayed = "replayed"
	ResultRejected = "rejected"
	ResultNotFound = "not_found"
	ResultConflict = "conflict"
)

// Metrics records service operations and the record population per status.
type Metrics interface {
	RecordServiceOperation(service, operation, result string)
	MoveServiceRecord(service, from, to string)
}

type nopMetrics struct{}

func (nopMetrics) RecordServiceOperation(string, string, string) {}
func (nopMetrics) MoveServiceRecord(string, string, string)      {}

// Options configures a service.
type Options struct {
	Logger  logger.Logger
	Metrics Metrics
	// HTTPMetrics instruments the router when set.
	HTTPMetrics middleware.MetricsRecorder
	// MetricsHandler is mounted at /metrics when set.
	MetricsHandler http.Handler
	Now            func() time.Time
}

// Option mutates Options.
type Option func(*Options)

// WithLogger sets the service logger.
func WithLogger(l logger.Logger) Option {
	return func(o *Options) {
		if l != nil {
			o.Logger = l
		}
	}
}

// WithMetrics sets the operation recorder.
func WithMetrics(m Metrics) Option {
	return func(o *Options) {
		if m != nil {
			o.Metrics = m
		}
	}
}

// WithHTTPMetrics instruments the router and exposes handler at /metrics.
func WithHTTPMetrics(recorder middleware.MetricsRecorder, handler http.Handler) Option {
	return func(o *Options) {
		o.HTTPMetrics = recorder
		o.MetricsHandler = handler
	}
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(o *Options) {
		if now != nil {
			o.Now = now
		}
	}
}

// BuildOptions applies opts over the defaults.
func BuildOptions(opts ...Option) Options {
	o := Options{
		Logger:  logger.Discard(),
		Metrics: nopMetrics{},
		Now:     time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
