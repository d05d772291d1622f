// Package eventbus publishes saga lifecycle events to a message transport.
// Events travel in a versioned envelope and carry a per-saga sequence so
// consumers can order them and drop redeliveries.
package eventbus

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/goclaw/fulfilment/pkg/saga"
)

// SchemaVersionV1 is the only envelope schema consumers accept.
const SchemaVersionV1 = "v1"

// Envelope wraps one published saga event.
type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	Timestamp     time.Time       `json:"timestamp"`
	SchemaVersion string          `json:"schema_version"`
	NodeID        string          `json:"node_id"`
	SagaID        string          `json:"saga_id"`
	Sequence      int64           `json:"sequence"`
	Payload       json.RawMessage `json:"payload"`
}

// NewEnvelope wraps event for publishing from nodeID. seq is the event's
// position within its saga, starting at 1.
func NewEnvelope(nodeID string, seq int64, event saga.Event) (Envelope, error) {
	env := Envelope{
		EventID:       uuid.NewString(),
		EventType:     string(event.Type),
		Timestamp:     event.Timestamp.UTC(),
		SchemaVersion: SchemaVersionV1,
		NodeID:        nodeID,
		SagaID:        event.SagaID,
		Sequence:      seq,
	}
	if env.Timestamp.IsZero() {
		env.Timestamp = time.Now().UTC()
	}
	if err := env.check(); err != nil {
		return Envelope{}, err
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return Envelope{}, fmt.Errorf("eventbus: marshal payload: %w", err)
	}
	env.Payload = payload
	return env, nil
}

func (e Envelope) check() error {
	switch {
	case e.EventType == "":
		return errors.New("eventbus: event type is required")
	case e.NodeID == "":
		return errors.New("eventbus: node id is required")
	case e.SagaID == "":
		return errors.New("eventbus: saga id is required")
	case e.Sequence <= 0:
		return errors.New("eventbus: sequence must be > 0")
	}
	return nil
}

// Event decodes the wrapped saga event.
func (e Envelope) Event() (saga.Event, error) {
	var event saga.Event
	if err := json.Unmarshal(e.Payload, &event); err != nil {
		return saga.Event{}, fmt.Errorf("eventbus: decode payload of %s: %w", e.EventID, err)
	}
	return event, nil
}
