// Package events fans saga lifecycle events out to in-process subscribers
// such as websocket clients.
package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goclaw/fulfilment/pkg/saga"
)

const defaultBuffer = 16

// Event is the envelope pushed to feed subscribers.
type Event struct {
	Type      string    `json:"type"`
	SagaID    string    `json:"saga_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
}

// FromSaga wraps a saga lifecycle event.
func FromSaga(e saga.Event) Event {
	return Event{
		Type:      string(e.Type),
		SagaID:    e.SagaID,
		Timestamp: e.Timestamp,
		Payload:   e,
	}
}

// Broadcaster is a saga.EventSink that copies every event to each
// subscriber. A subscriber whose buffer is full misses the event.
type Broadcaster struct {
	mu     sync.RWMutex
	subs   map[<-chan Event]chan Event
	closed bool

	dropped atomic.Uint64
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[<-chan Event]chan Event)}
}

// Subscribe returns a channel receiving future events. After Close it
// returns an already closed channel.
func (b *Broadcaster) Subscribe(buffer int) <-chan Event {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
	} else {
		b.subs[ch] = ch
	}
	return ch
}

// Unsubscribe closes ch. Unknown channels are ignored.
func (b *Broadcaster) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if send, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(send)
	}
}

// Broadcast delivers event without blocking. A zero timestamp is set to now.
func (b *Broadcaster) Broadcast(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, send := range b.subs {
		select {
		case send <- event:
		default:
			b.dropped.Add(1)
		}
	}
}

// Publish implements saga.EventSink.
func (b *Broadcaster) Publish(_ context.Context, event saga.Event) error {
	b.Broadcast(FromSaga(event))
	return nil
}

// Count returns the number of subscribers.
func (b *Broadcaster) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns how many deliveries were skipped on full buffers.
func (b *Broadcaster) Dropped() uint64 {
	return b.dropped.Load()
}

// Close closes every subscriber channel. Later subscriptions are closed
// immediately.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for key, send := range b.subs {
		delete(b.subs, key)
		close(send)
	}
}
