package eventbus

import (
	"encoding/json"
	"fmt"
	"sync"
)

// Consumer decodes envelopes and suppresses redeliveries of the same event.
// It remembers the last window event ids.
type Consumer struct {
	window int

	mu    sync.Mutex
	seen  map[string]struct{}
	order []string
}

// NewConsumer creates a consumer remembering up to window event ids.
func NewConsumer(window int) *Consumer {
	if window <= 0 {
		window = 4096
	}
	return &Consumer{
		window: window,
		seen:   make(map[string]struct{}, window),
	}
}

// Decode parses raw bytes. duplicate is true when the event id was already
// delivered.
func (c *Consumer) Decode(raw []byte) (envelope Envelope, duplicate bool, err error) {
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return Envelope{}, false, fmt.Errorf("eventbus: invalid envelope json: %w", err)
	}
	if envelope.SchemaVersion != SchemaVersionV1 {
		return Envelope{}, false, fmt.Errorf("eventbus: unsupported schema version %q", envelope.SchemaVersion)
	}
	if envelope.EventID == "" {
		return Envelope{}, false, fmt.Errorf("eventbus: envelope without event id")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.seen[envelope.EventID]; ok {
		return envelope, true, nil
	}
	c.seen[envelope.EventID] = struct{}{}
	c.order = append(c.order, envelope.EventID)
	if len(c.order) > c.window {
		delete(c.seen, c.order[0])
		c.order = c.order[1:]
	}
	return envelope, false, nil
}
