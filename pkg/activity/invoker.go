// Package activity invokes the downstream order, shipment and notification
// services over HTTP on behalf of the saga runtime.
package activity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/goclaw/fulfilment/config"
	"github.com/goclaw/fulfilment/pkg/logger"
	"github.com/goclaw/fulfilment/pkg/saga"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

const (
	// HeaderIdempotencyKey carries the stable key of one logical call.
	HeaderIdempotencyKey = "Idempotency-Key"
	// HeaderSagaID carries the id of the calling saga.
	HeaderSagaID = "X-Saga-ID"
	// HeaderAttempt carries the 1-based attempt number.
	HeaderAttempt = "X-Saga-Attempt"

	maxResponseBytes = 1 << 20
	tracerName       = "fulfilment.activity"
)

// Metrics is the metrics subset used by the invoker. *metrics.Manager
// satisfies it.
type Metrics interface {
	RecordActivityThrottle(service string, wait time.Duration)
}

type nopMetrics struct{}

func (nopMetrics) RecordActivityThrottle(string, time.Duration) {}

// Endpoint describes how to reach one downstream service.
type Endpoint struct {
	BaseURL   string
	RateLimit float64
	Burst     int
}

// Option customizes an HTTPInvoker.
type Option func(*HTTPInvoker)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(i *HTTPInvoker) {
		if client != nil {
			i.client = client
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m Metrics) Option {
	return func(i *HTTPInvoker) {
		if m != nil {
			i.metrics = m
		}
	}
}

// WithLogger sets the invoker logger.
func WithLogger(l logger.Logger) Option {
	return func(i *HTTPInvoker) {
		if l != nil {
			i.logger = l
		}
	}
}

// HTTPInvoker implements saga.Invoker with one HTTP request per call. It
// never retries; retry decisions belong to the saga's policies.
type HTTPInvoker struct {
	client    *http.Client
	endpoints map[Service]string
	limiters  map[Service]*rate.Limiter
	metrics   Metrics
	logger    logger.Logger
}

// NewHTTPInvoker creates an invoker for the given endpoints.
func NewHTTPInvoker(endpoints map[Service]Endpoint, options ...Option) (*HTTPInvoker, error) {
	invoker := &HTTPInvoker{
		client:    &http.Client{},
		endpoints: make(map[Service]string, len(endpoints)),
		limiters:  make(map[Service]*rate.Limiter, len(endpoints)),
		metrics:   nopMetrics{},
		logger:    logger.Discard(),
	}
	for _, service := range []Service{ServiceOrder, ServiceShipment, ServiceNotification} {
		endpoint, ok := endpoints[service]
		if !ok || endpoint.BaseURL == "" {
			return nil, fmt.Errorf("missing endpoint for %s service", service)
		}
		invoker.endpoints[service] = strings.TrimRight(endpoint.BaseURL, "/")
		if endpoint.RateLimit > 0 {
			burst := endpoint.Burst
			if burst < 1 {
				burst = 1
			}
			invoker.limiters[service] = rate.NewLimiter(rate.Limit(endpoint.RateLimit), burst)
		}
	}
	for _, option := range options {
		if option != nil {
			option(invoker)
		}
	}
	return invoker, nil
}

// NewHTTPInvokerFromConfig creates an invoker from the services config.
func NewHTTPInvokerFromConfig(cfg config.ServicesConfig, options ...Option) (*HTTPInvoker, error) {
	endpoint := func(c config.ServiceEndpointConfig) Endpoint {
		return Endpoint{BaseURL: c.URL, RateLimit: c.RateLimit, Burst: c.Burst}
	}
	return NewHTTPInvoker(map[Service]Endpoint{
		ServiceOrder:        endpoint(cfg.Order),
		ServiceShipment:     endpoint(cfg.Shipment),
		ServiceNotification: endpoint(cfg.Notification),
	}, options...)
}

// Invoke performs the request behind step and classifies the response.
func (i *HTTPInvoker) Invoke(ctx context.Context, step saga.StepName, request any) saga.StepResult {
	r, ok := routes[step]
	if !ok {
		return saga.Failed(step, saga.Permanent("unknown_step", fmt.Sprintf("no route for step %s", step)))
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, "activity."+string(step),
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("activity.service", string(r.service)),
			attribute.String("activity.step", string(step)),
		),
	)
	defer span.End()

	result := i.invoke(ctx, step, r, request)
	if !result.Succeeded {
		span.SetStatus(codes.Error, result.Failure.Message)
		span.SetAttributes(
			attribute.String("activity.failure_kind", string(result.Failure.Kind)),
			attribute.String("activity.failure_code", result.Failure.Code),
		)
	}
	return result
}

func (i *HTTPInvoker) invoke(ctx context.Context, step saga.StepName, r route, request any) saga.StepResult {
	if err := i.throttle(ctx, r.service); err != nil {
		return saga.Failed(step, ClassifyError(err))
	}

	path, err := r.path(request)
	if err != nil {
		return saga.Failed(step, saga.Permanent("invalid_request", err.Error()))
	}

	var body io.Reader
	if r.body {
		payload, err := json.Marshal(request)
		if err != nil {
			return saga.Failed(step, saga.Permanent("invalid_request", err.Error()))
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, r.method, i.endpoints[r.service]+path, body)
	if err != nil {
		return saga.Failed(step, saga.Permanent("invalid_request", err.Error()))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if info, ok := saga.CallInfoFromContext(ctx); ok {
		req.Header.Set(HeaderIdempotencyKey, info.IdempotencyKey)
		req.Header.Set(HeaderSagaID, info.SagaID)
		req.Header.Set(HeaderAttempt, strconv.Itoa(info.Attempt))
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := i.client.Do(req)
	if err != nil {
		i.logger.DebugContext(ctx, "activity request failed", "step", step, "error", err)
		return saga.Failed(step, ClassifyError(err))
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return saga.Failed(step, ClassifyError(err))
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if !json.Valid(payload) {
			return saga.Failed(step, saga.Permanent(saga.CodeBadPayload, "response body is not valid JSON"))
		}
		return saga.Success(step, payload)
	}

	failure := Classify(resp.StatusCode, payload)
	i.logger.DebugContext(ctx, "activity rejected",
		"step", step,
		"status", resp.StatusCode,
		"kind", failure.Kind,
		"code", failure.Code,
	)
	return saga.Failed(step, failure)
}

func (i *HTTPInvoker) throttle(ctx context.Context, service Service) error {
	limiter, ok := i.limiters[service]
	if !ok {
		return nil
	}
	reservation := limiter.Reserve()
	if !reservation.OK() {
		return fmt.Errorf("rate limiter for %s cannot grant a token", service)
	}
	wait := reservation.Delay()
	if wait <= 0 {
		return nil
	}

	i.metrics.RecordActivityThrottle(string(service), wait)
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		reservation.Cancel()
		return ctx.Err()
	}
}
