package eventbus

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/goclaw/fulfilment/config"
)

// RedisTransport publishes envelopes on Redis pub/sub channels named after
// the subject.
type RedisTransport struct {
	client redis.UniversalClient
}

// NewRedisTransport wraps an existing client.
func NewRedisTransport(client redis.UniversalClient) (*RedisTransport, error) {
	if client == nil {
		return nil, fmt.Errorf("eventbus: redis client cannot be nil")
	}
	return &RedisTransport{client: client}, nil
}

// DialRedis connects to the configured Redis server and verifies it answers.
func DialRedis(ctx context.Context, cfg config.RedisConfig) (*RedisTransport, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("eventbus: redis address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("eventbus: redis ping %s: %w", cfg.Address, err)
	}
	return &RedisTransport{client: client}, nil
}

// Publish publishes payload on the subject channel.
func (t *RedisTransport) Publish(ctx context.Context, subject string, payload []byte) error {
	if subject == "" {
		return fmt.Errorf("eventbus: subject cannot be empty")
	}
	if err := t.client.Publish(ctx, subject, payload).Err(); err != nil {
		return fmt.Errorf("eventbus: redis publish: %w", err)
	}
	return nil
}

// Subscribe pattern-subscribes to subjects. NATS style ".>" suffixes are
// translated to Redis globs.
func (t *RedisTransport) Subscribe(ctx context.Context, pattern string, buffer int) (*Subscription, error) {
	if pattern == "" {
		return nil, fmt.Errorf("eventbus: subscription pattern cannot be empty")
	}
	if buffer <= 0 {
		buffer = defaultSubscriptionBuffer
	}

	pubsub := t.client.PSubscribe(ctx, redisPattern(pattern))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("eventbus: redis psubscribe: %w", err)
	}

	ch := make(chan Message, buffer)
	stop := make(chan struct{})
	sub := &Subscription{ch: ch}
	sub.closeFn = func() {
		close(stop)
		_ = pubsub.Close()
	}

	go func() {
		defer close(ch)
		in := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case <-stop:
				return
			case msg, ok := <-in:
				if !ok {
					return
				}
				select {
				case ch <- Message{Subject: msg.Channel, Payload: []byte(msg.Payload), Timestamp: time.Now().UTC()}:
				default:
				}
			}
		}
	}()
	return sub, nil
}

// Close closes the underlying client.
func (t *RedisTransport) Close() error {
	return t.client.Close()
}
