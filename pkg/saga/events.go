package saga

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
)

// EventType names a saga lifecycle event.
type EventType string

const (
	EventSagaStarted         EventType = "saga.started"
	EventStepSucceeded       EventType = "saga.step.succeeded"
	EventStepFailed          EventType = "saga.step.failed"
	EventStepRetrying        EventType = "saga.step.retrying"
	EventSagaCompensating    EventType = "saga.compensating"
	EventCompensationApplied EventType = "saga.compensation.applied"
	EventCompensationFailed  EventType = "saga.compensation.failed"
	EventSagaCompleted       EventType = "saga.completed"
	EventSagaFailed          EventType = "saga.failed"
	EventSagaCancelRequested EventType = "saga.cancel_requested"
	EventSagaResumed         EventType = "saga.resumed"
)

// Event is published on every externally visible saga transition. Events are
// emitted only for fresh results, never while replaying the journal.
type Event struct {
	Type      EventType    `json:"type"`
	SagaID    string       `json:"saga_id"`
	State     SagaState    `json:"state"`
	Step      StepName     `json:"step,omitempty"`
	Attempt   int          `json:"attempt,omitempty"`
	Delay     string       `json:"delay,omitempty"`
	Failure   *FailureInfo `json:"failure,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}

// EventSink receives saga events. Publish must not block for long; slow
// subscribers are the sink's problem.
type EventSink interface {
	Publish(ctx context.Context, event Event) error
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(ctx context.Context, event Event) error

// Publish calls f.
func (f EventSinkFunc) Publish(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// DefaultEventTimeout bounds how long one event may hold up its saga.
const DefaultEventTimeout = 2 * time.Second

// publishWithin delivers event to sink, giving up once ctx ends or timeout
// passes. An abandoned delivery finishes in the background.
func publishWithin(ctx context.Context, sink EventSink, event Event, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	done := make(chan error, 1)
	go func() {
		defer cancel()
		done <- sink.Publish(ctx, event)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("publish %s: %w", event.Type, ctx.Err())
	}
}

// MultiSink fans an event out to every sink and joins their errors.
type MultiSink []EventSink

// Publish delivers event to all sinks.
func (m MultiSink) Publish(ctx context.Context, event Event) error {
	var result *multierror.Error
	for _, sink := range m {
		if sink == nil {
			continue
		}
		if err := sink.Publish(ctx, event); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

type nopEventSink struct{}

func (nopEventSink) Publish(context.Context, Event) error { return nil }
