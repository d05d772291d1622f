package saga

import (
	"context"
	"sync"
	"testing"
	"time"
)

type recordedCall struct {
	Step    StepName
	Request any
	Info    CallInfo
}

// scriptedInvoker answers each step from a queue of handlers and falls back
// to a canned success once the queue is empty.
type scriptedInvoker struct {
	mu      sync.Mutex
	scripts map[StepName][]func(ctx context.Context) StepResult
	calls   []recordedCall
}

func newScriptedInvoker() *scriptedInvoker {
	return &scriptedInvoker{scripts: make(map[StepName][]func(ctx context.Context) StepResult)}
}

func (s *scriptedInvoker) on(step StepName, handlers ...func(ctx context.Context) StepResult) *scriptedInvoker {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripts[step] = append(s.scripts[step], handlers...)
	return s
}

func (s *scriptedInvoker) fail(step StepName, failure func() *FailureInfo, times int) *scriptedInvoker {
	for i := 0; i < times; i++ {
		s.on(step, func(context.Context) StepResult { return Failed(step, failure()) })
	}
	return s
}

func (s *scriptedInvoker) Invoke(ctx context.Context, step StepName, request any) StepResult {
	info, _ := CallInfoFromContext(ctx)

	s.mu.Lock()
	s.calls = append(s.calls, recordedCall{Step: step, Request: request, Info: info})
	var handler func(ctx context.Context) StepResult
	if queue := s.scripts[step]; len(queue) > 0 {
		handler = queue[0]
		s.scripts[step] = queue[1:]
	}
	s.mu.Unlock()

	if handler != nil {
		return handler(ctx)
	}
	return cannedSuccess(step, request)
}

func (s *scriptedInvoker) steps() []StepName {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]StepName, len(s.calls))
	for i, call := range s.calls {
		out[i] = call.Step
	}
	return out
}

func (s *scriptedInvoker) callsTo(step StepName) []recordedCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]recordedCall, 0)
	for _, call := range s.calls {
		if call.Step == step {
			out = append(out, call)
		}
	}
	return out
}

func cannedSuccess(step StepName, request any) StepResult {
	switch step {
	case StepCreateOrder:
		req := request.(CreateOrderRequest)
		return SuccessWith(step, OrderRecord{
			ID:          11,
			CustomerID:  req.CustomerID,
			ProductID:   req.ProductID,
			Quantity:    req.Quantity,
			TotalAmount: req.TotalAmount,
			Status:      "pending",
		})
	case StepCreateShipment:
		req := request.(CreateShipmentRequest)
		return SuccessWith(step, ShipmentRecord{
			ID:              22,
			OrderID:         req.OrderID,
			ShippingAddress: req.ShippingAddress,
			Carrier:         req.Carrier,
			TrackingNumber:  "SHIP000022",
			Status:          "pending",
		})
	case StepSendNotification, StepSendFailureNotification:
		req := request.(NotificationRequest)
		return SuccessWith(step, NotificationRecord{
			ID:          33,
			RecipientID: req.RecipientID,
			Type:        req.Type,
			Subject:     req.Subject,
			Status:      "sent",
		})
	default:
		req := request.(CancelRequest)
		return SuccessWith(step, map[string]any{"id": req.ID, "status": "cancelled"})
	}
}

// forbiddenInvoker fails the test on any call.
type forbiddenInvoker struct{ t *testing.T }

func (f forbiddenInvoker) Invoke(_ context.Context, step StepName, _ any) StepResult {
	f.t.Errorf("unexpected invocation of %s", step)
	return Failed(step, Permanent("unexpected", "unexpected call"))
}

type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) Publish(_ context.Context, event Event) error {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
	return nil
}

func (r *eventRecorder) types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventType, len(r.events))
	for i, event := range r.events {
		out[i] = event.Type
	}
	return out
}

func (r *eventRecorder) count(eventType EventType) int {
	n := 0
	for _, t := range r.types() {
		if t == eventType {
			n++
		}
	}
	return n
}

func testOrder() OrderRequest {
	return OrderRequest{
		CustomerID:      7,
		ProductID:       42,
		Quantity:        2,
		TotalAmount:     59.98,
		ShippingAddress: "1 Main St",
		Carrier:         "UPS",
	}
}

// fastPolicies keeps the stock attempt counts but retries without delay.
func fastPolicies() PolicySet {
	policies := DefaultPolicies()
	for step, policy := range policies {
		policy.InitialDelay = 0
		policy.Timeout = time.Second
		policies[step] = policy
	}
	return policies
}

func newTestOrchestrator(t *testing.T, invoker Invoker, options ...OrchestratorOption) *Orchestrator {
	t.Helper()
	options = append([]OrchestratorOption{WithPolicies(fastPolicies())}, options...)
	orchestrator, err := NewOrchestrator(invoker, options...)
	if err != nil {
		t.Fatalf("NewOrchestrator() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = orchestrator.Close(ctx)
	})
	return orchestrator
}

func fulfil(t *testing.T, orchestrator *Orchestrator) *SagaInstance {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	instance, err := orchestrator.Fulfil(ctx, testOrder())
	if err != nil {
		t.Fatalf("Fulfil() error = %v", err)
	}
	return instance
}

func assertSteps(t *testing.T, got []StepName, want ...StepName) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("expected calls %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected calls %v, got %v", want, got)
		}
	}
}
