package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/goclaw/fulfilment/pkg/logger"
	"github.com/goclaw/fulfilment/pkg/saga"
)

// Transport publishes bytes to a subject.
type Transport interface {
	Publish(ctx context.Context, subject string, payload []byte) error
}

// Telemetry records publish outcomes per event type.
type Telemetry interface {
	RecordEventPublish(eventType, status string)
}

type nopTelemetry struct{}

func (nopTelemetry) RecordEventPublish(string, string) {}

// RetryConfig controls retry/backoff behavior for publish attempts.
type RetryConfig struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64
}

// DefaultRetryConfig returns default retry policy.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    4,
		InitialBackoff: 50 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
		BackoffFactor:  2,
	}
}

// Validate checks the retry bounds.
func (c RetryConfig) Validate() error {
	if c.MaxAttempts < 1 {
		return fmt.Errorf("eventbus: max attempts must be >= 1")
	}
	if c.InitialBackoff <= 0 || c.MaxBackoff <= 0 || c.BackoffFactor < 1 {
		return fmt.Errorf("eventbus: invalid retry config")
	}
	return nil
}

// PublisherOption configures a Publisher.
type PublisherOption func(*Publisher)

// WithSubjectPrefix overrides DefaultSubjectPrefix.
func WithSubjectPrefix(prefix string) PublisherOption {
	return func(p *Publisher) {
		if prefix != "" {
			p.prefix = prefix
		}
	}
}

// WithRetry overrides DefaultRetryConfig.
func WithRetry(cfg RetryConfig) PublisherOption {
	return func(p *Publisher) { p.retry = cfg }
}

// WithTelemetry records publish outcomes.
func WithTelemetry(t Telemetry) PublisherOption {
	return func(p *Publisher) {
		if t != nil {
			p.telemetry = t
		}
	}
}

// WithLogger logs outages and recoveries.
func WithLogger(l logger.Logger) PublisherOption {
	return func(p *Publisher) {
		if l != nil {
			p.logger = l
		}
	}
}

// Publisher turns saga events into envelopes and publishes them with
// retry. It implements saga.EventSink. Sequences are per saga and per
// publisher process.
type Publisher struct {
	transport Transport
	nodeID    string
	prefix    string
	retry     RetryConfig
	telemetry Telemetry
	logger    logger.Logger

	mu        sync.Mutex
	sequences map[string]int64
	degraded  bool
}

var _ saga.EventSink = (*Publisher)(nil)

// NewPublisher creates a saga event publisher.
func NewPublisher(nodeID string, transport Transport, opts ...PublisherOption) (*Publisher, error) {
	if nodeID == "" {
		return nil, fmt.Errorf("eventbus: node id cannot be empty")
	}
	if transport == nil {
		return nil, fmt.Errorf("eventbus: transport cannot be nil")
	}
	p := &Publisher{
		transport: transport,
		nodeID:    nodeID,
		prefix:    DefaultSubjectPrefix,
		retry:     DefaultRetryConfig(),
		telemetry: nopTelemetry{},
		logger:    logger.Discard(),
		sequences: make(map[string]int64),
	}
	for _, opt := range opts {
		opt(p)
	}
	if err := p.retry.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// Publish publishes one saga event. It gives up after the configured
// attempts or when ctx is done.
func (p *Publisher) Publish(ctx context.Context, event saga.Event) error {
	_, err := p.PublishEnvelope(ctx, event)
	return err
}

// PublishEnvelope publishes one saga event and returns the envelope sent.
func (p *Publisher) PublishEnvelope(ctx context.Context, event saga.Event) (Envelope, error) {
	if err := ctx.Err(); err != nil {
		return Envelope{}, err
	}
	eventType := string(event.Type)

	envelope, err := NewEnvelope(p.nodeID, p.nextSequence(event), event)
	if err != nil {
		return Envelope{}, err
	}
	body, err := json.Marshal(envelope)
	if err != nil {
		return Envelope{}, fmt.Errorf("eventbus: marshal envelope: %w", err)
	}
	subject := Subject(p.prefix, eventType)

	attempts := uint(p.retry.MaxAttempts)
	err = retry.Do(
		func() error { return p.transport.Publish(ctx, subject, body) },
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.DelayType(p.retry.delay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			p.setDegraded(ctx, true, err)
			if n+1 < attempts {
				p.telemetry.RecordEventPublish(eventType, "retry")
			}
		}),
	)
	switch {
	case err == nil:
		p.telemetry.RecordEventPublish(eventType, "success")
		p.setDegraded(ctx, false, nil)
		return envelope, nil
	case ctx.Err() != nil:
		p.telemetry.RecordEventPublish(eventType, "failed")
		return Envelope{}, ctx.Err()
	}
	p.telemetry.RecordEventPublish(eventType, "failed")
	return Envelope{}, fmt.Errorf("eventbus: publish %s: %w", subject, err)
}

// Degraded reports whether the last publish attempt failed.
func (p *Publisher) Degraded() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.degraded
}

func (p *Publisher) nextSequence(event saga.Event) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sequences[event.SagaID]++
	seq := p.sequences[event.SagaID]
	if event.Type == saga.EventSagaCompleted || event.Type == saga.EventSagaFailed {
		delete(p.sequences, event.SagaID)
	}
	return seq
}

func (p *Publisher) setDegraded(ctx context.Context, degraded bool, cause error) {
	p.mu.Lock()
	changed := p.degraded != degraded
	p.degraded = degraded
	p.mu.Unlock()

	if !changed {
		return
	}
	if degraded {
		p.logger.WarnContext(ctx, "event transport degraded", "node_id", p.nodeID, "error", cause)
		return
	}
	p.logger.InfoContext(ctx, "event transport recovered", "node_id", p.nodeID)
}

// delay is the wait after failed attempt n (0-based): InitialBackoff grown
// by BackoffFactor per attempt, capped at MaxBackoff.
func (c RetryConfig) delay(n uint, _ error, _ *retry.Config) time.Duration {
	d := float64(c.InitialBackoff) * math.Pow(c.BackoffFactor, float64(n))
	if d > float64(c.MaxBackoff) {
		return c.MaxBackoff
	}
	return time.Duration(d)
}
