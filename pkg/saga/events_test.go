package saga

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

type sinkFunc func(context.Context, Event) error

func (f sinkFunc) Publish(ctx context.Context, event Event) error { return f(ctx, event) }

func TestMultiSink_DeliversToEverySink(t *testing.T) {
	errA := errors.New("sink a down")
	errB := errors.New("sink b down")
	delivered := 0
	ok := sinkFunc(func(context.Context, Event) error { delivered++; return nil })

	sinks := MultiSink{
		sinkFunc(func(context.Context, Event) error { return errA }),
		nil,
		ok,
		sinkFunc(func(context.Context, Event) error { return errB }),
		ok,
	}
	err := sinks.Publish(context.Background(), Event{Type: EventSagaStarted, SagaID: "s-1"})
	if delivered != 2 {
		t.Fatalf("delivered = %d, want 2", delivered)
	}
	if !errors.Is(err, errA) || !errors.Is(err, errB) {
		t.Fatalf("error %v does not wrap both sink failures", err)
	}
	if !strings.Contains(err.Error(), "2 errors occurred") {
		t.Fatalf("unexpected message %q", err.Error())
	}

	if err := (MultiSink{ok, nil}).Publish(context.Background(), Event{}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
}

func TestPublishWithin_GivesUpOnSlowSink(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	slow := sinkFunc(func(context.Context, Event) error {
		<-release
		return nil
	})

	start := time.Now()
	err := publishWithin(context.Background(), slow, Event{Type: EventStepSucceeded}, 20*time.Millisecond)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("publish held the caller for %s", elapsed)
	}
}

func TestOrchestrator_CloseIsNotBlockedBySlowSink(t *testing.T) {
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	defer close(release)
	slow := sinkFunc(func(_ context.Context, event Event) error {
		if event.Type == EventStepSucceeded {
			select {
			case entered <- struct{}{}:
			default:
			}
			<-release
		}
		return nil
	})

	orchestrator, err := NewOrchestrator(newScriptedInvoker(),
		WithPolicies(fastPolicies()),
		WithEventSink(slow),
		WithEventTimeout(time.Minute),
	)
	if err != nil {
		t.Fatalf("NewOrchestrator() error = %v", err)
	}
	instance, err := orchestrator.Start(context.Background(), testOrder())
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("sink never received a step event")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	if err := orchestrator.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	got, err := orchestrator.Get(context.Background(), instance.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.State.IsTerminal() {
		t.Fatalf("expected a suspended saga, got %s", got.State)
	}
}
