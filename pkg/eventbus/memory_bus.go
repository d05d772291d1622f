package eventbus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

const defaultSubscriptionBuffer = 32

// Message is one delivered envelope.
type Message struct {
	Subject   string
	Payload   []byte
	Timestamp time.Time
}

// Subscription delivers the messages matching one pattern until closed.
type Subscription struct {
	ch      chan Message
	once    sync.Once
	closeFn func()
}

// C returns the delivery channel. It is closed with the subscription.
func (s *Subscription) C() <-chan Message {
	return s.ch
}

// Close stops delivery. Calling it more than once is safe.
func (s *Subscription) Close() error {
	s.once.Do(s.closeFn)
	return nil
}

type memorySubscriber struct {
	pattern string
	ch      chan Message
	unwatch func() bool
}

// MemoryBus is the in-process Transport used when no broker is configured.
// Subscribers that fall behind lose messages instead of blocking publishers.
type MemoryBus struct {
	mu   sync.RWMutex
	subs map[*memorySubscriber]struct{}

	dropped atomic.Uint64
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[*memorySubscriber]struct{})}
}

// Publish copies payload to every subscriber whose pattern matches subject.
func (b *MemoryBus) Publish(ctx context.Context, subject string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if subject == "" {
		return errors.New("eventbus: subject cannot be empty")
	}

	msg := Message{Subject: subject, Payload: append([]byte(nil), payload...), Timestamp: time.Now().UTC()}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		if !subjectMatches(s.pattern, subject) {
			continue
		}
		select {
		case s.ch <- msg:
		default:
			b.dropped.Add(1)
		}
	}
	return nil
}

// Subscribe registers pattern. The subscription ends with ctx or Close.
func (b *MemoryBus) Subscribe(ctx context.Context, pattern string, buffer int) (*Subscription, error) {
	if pattern == "" {
		return nil, errors.New("eventbus: subscription pattern cannot be empty")
	}
	if buffer <= 0 {
		buffer = defaultSubscriptionBuffer
	}

	s := &memorySubscriber{pattern: pattern, ch: make(chan Message, buffer)}
	sub := &Subscription{ch: s.ch}
	sub.closeFn = func() {
		b.mu.Lock()
		delete(b.subs, s)
		unwatch := s.unwatch
		b.mu.Unlock()
		if unwatch != nil {
			unwatch()
		}
		close(s.ch)
	}

	b.mu.Lock()
	b.subs[s] = struct{}{}
	s.unwatch = context.AfterFunc(ctx, func() { _ = sub.Close() })
	b.mu.Unlock()
	return sub, nil
}

// Subscribers returns the number of open subscriptions.
func (b *MemoryBus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns how many deliveries were skipped because a subscriber's
// buffer was full.
func (b *MemoryBus) Dropped() uint64 {
	return b.dropped.Load()
}
