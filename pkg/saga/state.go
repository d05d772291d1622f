package saga

import (
	"fmt"
	"strings"
	"time"
)

// SagaState is the lifecycle state of a fulfilment saga.
type SagaState int

const (
	StateStarted SagaState = iota
	StateOrderCreated
	StateShipmentCreated
	StateNotified
	StateCompensating
	StateFailed
)

var validTransitions = map[SagaState]map[SagaState]struct{}{
	StateStarted: {
		StateOrderCreated: {},
		StateFailed:       {},
	},
	StateOrderCreated: {
		StateShipmentCreated: {},
		StateCompensating:    {},
	},
	StateShipmentCreated: {
		StateNotified:     {},
		StateCompensating: {},
	},
	StateCompensating: {
		StateFailed: {},
	},
}

var stateNames = map[SagaState]string{
	StateStarted:         "STARTED",
	StateOrderCreated:    "ORDER_CREATED",
	StateShipmentCreated: "SHIPMENT_CREATED",
	StateNotified:        "NOTIFIED",
	StateCompensating:    "COMPENSATING",
	StateFailed:          "FAILED",
}

// String returns the string form of SagaState.
func (s SagaState) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "UNKNOWN"
}

// ParseState parses a state name case-insensitively.
func ParseState(raw string) (SagaState, error) {
	upper := strings.ToUpper(strings.TrimSpace(raw))
	for state, name := range stateNames {
		if name == upper {
			return state, nil
		}
	}
	return 0, fmt.Errorf("unknown saga state %q", raw)
}

// MarshalText implements encoding.TextMarshaler.
func (s SagaState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *SagaState) UnmarshalText(text []byte) error {
	parsed, err := ParseState(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// IsTerminal reports whether the state is terminal.
func (s SagaState) IsTerminal() bool {
	return s == StateNotified || s == StateFailed
}

// NextStep returns the forward step executed from this state, if any.
func (s SagaState) NextStep() (StepName, bool) {
	switch s {
	case StateStarted:
		return StepCreateOrder, true
	case StateOrderCreated:
		return StepCreateShipment, true
	case StateShipmentCreated:
		return StepSendNotification, true
	default:
		return "", false
	}
}

// CanTransitionTo checks whether a state transition is valid.
func (s SagaState) CanTransitionTo(next SagaState) bool {
	validNext, ok := validTransitions[s]
	if !ok {
		return false
	}
	_, ok = validNext[next]
	return ok
}

// ValidateTransition validates transition semantics.
func ValidateTransition(current, next SagaState) error {
	if !current.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, next)
	}
	return nil
}

// SagaInstance is the persisted projection of one saga. It is mutated only
// by the coordinator running it.
type SagaInstance struct {
	ID              string              `json:"saga_id"`
	State           SagaState           `json:"state"`
	Request         OrderRequest        `json:"request"`
	Cursor          StepName            `json:"cursor,omitempty"`
	Compensations   []CompensationEntry `json:"compensations"`
	Attempts        map[StepName]int    `json:"attempts"`
	Policies        PolicySet           `json:"policies"`
	Order           *OrderRecord        `json:"order,omitempty"`
	Shipment        *ShipmentRecord     `json:"shipment,omitempty"`
	Notification    *NotificationRecord `json:"notification,omitempty"`
	Outcome         *Outcome            `json:"outcome,omitempty"`
	CancelRequested bool                `json:"cancel_requested"`
	CreatedAt       time.Time           `json:"created_at"`
	UpdatedAt       time.Time           `json:"updated_at"`
	CompletedAt     *time.Time          `json:"completed_at,omitempty"`
}

// NewSagaInstance creates an instance in STARTED with a snapshot of policies.
func NewSagaInstance(id string, req OrderRequest, policies PolicySet, now time.Time) *SagaInstance {
	return &SagaInstance{
		ID:            id,
		State:         StateStarted,
		Request:       req,
		Cursor:        StepCreateOrder,
		Compensations: make([]CompensationEntry, 0),
		Attempts:      make(map[StepName]int),
		Policies:      policies.Clone(),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// TransitionTo applies a state transition.
func (i *SagaInstance) TransitionTo(next SagaState, now time.Time) error {
	if i == nil {
		return fmt.Errorf("saga instance cannot be nil")
	}
	if err := ValidateTransition(i.State, next); err != nil {
		return err
	}

	i.State = next
	i.Cursor, _ = next.NextStep()
	i.UpdatedAt = now
	if next.IsTerminal() {
		done := now
		i.CompletedAt = &done
	}
	return nil
}

// reset clears everything the coordinator derives from the journal, keeping
// identity, input, policies and the cancel flag.
func (i *SagaInstance) reset() {
	i.State = StateStarted
	i.Cursor = StepCreateOrder
	i.Compensations = make([]CompensationEntry, 0)
	i.Attempts = make(map[StepName]int)
	i.Order = nil
	i.Shipment = nil
	i.Notification = nil
	i.Outcome = nil
	i.CompletedAt = nil
}

func cloneInstance(instance *SagaInstance) *SagaInstance {
	if instance == nil {
		return nil
	}
	out := *instance
	out.Compensations = append([]CompensationEntry(nil), instance.Compensations...)
	out.Attempts = make(map[StepName]int, len(instance.Attempts))
	for k, v := range instance.Attempts {
		out.Attempts[k] = v
	}
	out.Policies = instance.Policies.Clone()
	if instance.Order != nil {
		order := *instance.Order
		out.Order = &order
	}
	if instance.Shipment != nil {
		shipment := *instance.Shipment
		out.Shipment = &shipment
	}
	if instance.Notification != nil {
		notification := *instance.Notification
		out.Notification = &notification
	}
	if instance.Outcome != nil {
		outcome := *instance.Outcome
		if outcome.Success != nil {
			success := *outcome.Success
			outcome.Success = &success
		}
		if outcome.Failure != nil {
			failure := *outcome.Failure
			outcome.Failure = &failure
		}
		outcome.CompensationFailures = append([]FailureInfo(nil), outcome.CompensationFailures...)
		out.Outcome = &outcome
	}
	if instance.CompletedAt != nil {
		done := *instance.CompletedAt
		out.CompletedAt = &done
	}
	return &out
}
