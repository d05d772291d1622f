package events

import (
	"context"
	"testing"
	"time"

	"github.com/goclaw/fulfilment/pkg/saga"
)

var _ saga.EventSink = (*Broadcaster)(nil)

func TestBroadcaster_SubscribeBroadcastUnsubscribe(t *testing.T) {
	b := NewBroadcaster()
	ch := b.Subscribe(1)

	b.Broadcast(Event{Type: "saga.started", SagaID: "order-workflow-1"})

	select {
	case event := <-ch:
		if event.Type != "saga.started" {
			t.Fatalf("type = %q, want saga.started", event.Type)
		}
		if event.Timestamp.IsZero() {
			t.Fatal("expected timestamp to be filled")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for broadcast event")
	}

	b.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Fatal("expected channel to be closed after unsubscribe")
	}
	b.Unsubscribe(ch)
}

func TestBroadcaster_PublishSagaEvent(t *testing.T) {
	b := NewBroadcaster()
	ch := b.Subscribe(1)
	defer b.Unsubscribe(ch)

	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	err := b.Publish(context.Background(), saga.Event{
		Type:      saga.EventStepSucceeded,
		SagaID:    "order-workflow-2",
		State:     saga.StateOrderCreated,
		Step:      saga.StepCreateOrder,
		Timestamp: at,
	})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}

	event := <-ch
	if event.Type != string(saga.EventStepSucceeded) || event.SagaID != "order-workflow-2" {
		t.Fatalf("unexpected event: %+v", event)
	}
	if !event.Timestamp.Equal(at) {
		t.Fatalf("timestamp = %v, want %v", event.Timestamp, at)
	}
	payload, ok := event.Payload.(saga.Event)
	if !ok || payload.Step != saga.StepCreateOrder {
		t.Fatalf("payload = %#v", event.Payload)
	}
}

func TestBroadcaster_DropsOnFullBuffer(t *testing.T) {
	b := NewBroadcaster()
	ch := b.Subscribe(1)

	b.Broadcast(Event{Type: "first"})
	b.Broadcast(Event{Type: "second"})

	if event := <-ch; event.Type != "first" {
		t.Fatalf("type = %q, want first", event.Type)
	}
	select {
	case event := <-ch:
		t.Fatalf("unexpected event %q", event.Type)
	default:
	}
	if b.Dropped() != 1 {
		t.Fatalf("dropped = %d, want 1", b.Dropped())
	}
}

func TestBroadcaster_Close(t *testing.T) {
	b := NewBroadcaster()
	ch := b.Subscribe(1)

	b.Close()
	if _, ok := <-ch; ok {
		t.Fatal("expected subscriber channel to be closed")
	}
	if b.Count() != 0 {
		t.Fatalf("count = %d, want 0", b.Count())
	}

	late := b.Subscribe(1)
	if _, ok := <-late; ok {
		t.Fatal("expected late subscription to be closed")
	}
}
