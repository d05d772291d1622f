package saga

import (
	"context"
	"fmt"
	"time"

	"github.com/goclaw/fulfilment/pkg/logger"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// coordinator drives one saga instance through the state machine. It holds
// no state of its own beyond the instance: everything it learns comes back
// from the runtime, so a second coordinator over the same journal reaches the
// same state.
type coordinator struct {
	instance     *SagaInstance
	registry     *CompensationRegistry
	rt           *Runtime
	store        SagaStore
	events       EventSink
	eventTimeout time.Duration
	metrics      MetricsRecorder
	logger       logger.Logger
	cancelled    func() bool
}

// run executes the saga to a terminal state or until it is suspended.
func (c *coordinator) run(ctx context.Context) error {
	ctx, span := sagaTracer().Start(ctx, spanSagaRun, trace.WithAttributes(attrSagaID.String(c.instance.ID)))
	defer span.End()

	err := c.forward(ctx)
	span.SetAttributes(attrSagaState.String(c.instance.State.String()))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (c *coordinator) forward(ctx context.Context) error {
	for {
		step, ok := c.instance.State.NextStep()
		if !ok {
			return nil
		}

		cancelled, err := c.rt.Observe(ctx, cancelCheckKey(step), c.cancelled)
		if err != nil {
			return err
		}
		if cancelled {
			failure := Permanent(CodeCancelled, "saga cancelled before "+string(step))
			failure.Step = step
			return c.fail(ctx, failure)
		}

		request, err := c.requestFor(step)
		if err != nil {
			return err
		}

		result, _, err := c.runWithPolicy(ctx, step, string(step), c.instance.ID+"/"+string(step), request)
		if err != nil {
			return err
		}
		if result.Succeeded {
			if failure := c.apply(step, result); failure != nil {
				if step == StepCreateOrder && c.registry.Len() > 0 {
					// The order was committed even though its body was unreadable.
					if err := c.instance.TransitionTo(StateOrderCreated, c.rt.Now()); err != nil {
						return err
					}
				}
				result = Failed(step, failure)
			}
		}
		if !result.Succeeded {
			return c.fail(ctx, result.Failure)
		}
		if err := c.advance(ctx); err != nil {
			return err
		}
	}
}

func (c *coordinator) requestFor(step StepName) (any, error) {
	req := c.instance.Request
	switch step {
	case StepCreateOrder:
		return CreateOrderRequest{
			CustomerID:  req.CustomerID,
			ProductID:   req.ProductID,
			Quantity:    req.Quantity,
			TotalAmount: req.TotalAmount,
		}, nil
	case StepCreateShipment:
		return CreateShipmentRequest{
			OrderID:         c.instance.Order.ID,
			ShippingAddress: req.ShippingAddress,
			Carrier:         req.Carrier,
		}, nil
	case StepSendNotification:
		return confirmationNotification(req, *c.instance.Order, *c.instance.Shipment), nil
	default:
		return nil, fmt.Errorf("%s is not a forward step", step)
	}
}

// apply folds a successful forward result into the instance and registers
// its compensation. A payload that cannot be decoded fails the step.
func (c *coordinator) apply(step StepName, result StepResult) *FailureInfo {
	switch step {
	case StepCreateOrder:
		var order OrderRecord
		if err := result.Decode(&order); err != nil {
			return c.salvage(step, StepCancelOrder, result, err)
		}
		c.instance.Order = &order
		c.registry.Register(step, StepCancelOrder, order.ID)
	case StepCreateShipment:
		var shipment ShipmentRecord
		if err := result.Decode(&shipment); err != nil {
			return c.salvage(step, StepCancelShipment, result, err)
		}
		c.instance.Shipment = &shipment
		c.registry.Register(step, StepCancelShipment, shipment.ID)
	case StepSendNotification:
		// A sent notification cannot be recalled, so nothing is registered.
		var notification NotificationRecord
		if err := result.Decode(&notification); err != nil {
			return Permanent(CodeBadPayload, err.Error())
		}
		c.instance.Notification = &notification
	}
	c.instance.Compensations = c.registry.Entries()
	return nil
}

// salvage handles a committed record whose body did not decode. When the
// record id can still be read, its compensation is registered so the record
// is undone with the rest of the saga.
func (c *coordinator) salvage(step, action StepName, result StepResult, decodeErr error) *FailureInfo {
	var ref struct {
		ID int64 `json:"id"`
	}
	if err := result.Decode(&ref); err == nil && ref.ID > 0 {
		c.registry.Register(step, action, ref.ID)
		c.instance.Compensations = c.registry.Entries()
	}
	return Permanent(CodeBadPayload, decodeErr.Error())
}

func (c *coordinator) advance(ctx context.Context) error {
	var next SagaState
	switch c.instance.State {
	case StateStarted:
		next = StateOrderCreated
	case StateOrderCreated:
		next = StateShipmentCreated
	case StateShipmentCreated:
		next = StateNotified
	default:
		return fmt.Errorf("%w: no forward transition from %s", ErrInvalidTransition, c.instance.State)
	}
	if err := c.instance.TransitionTo(next, c.rt.Now()); err != nil {
		return err
	}

	if next == StateNotified {
		c.instance.Outcome = &Outcome{Success: &FulfilmentResult{
			Order:        *c.instance.Order,
			Shipment:     *c.instance.Shipment,
			Notification: *c.instance.Notification,
		}}
	}
	if err := c.persist(ctx); err != nil {
		return err
	}
	if next == StateNotified {
		c.terminal(ctx, EventSagaCompleted)
	}
	return nil
}

// runWithPolicy runs step until it succeeds or its policy gives up. Attempts
// and backoff timers are journaled under prefix; idempotencyKey stays the
// same across attempts so the receiver can deduplicate. replayed reports
// whether the final result came from the journal.
func (c *coordinator) runWithPolicy(ctx context.Context, step StepName, prefix, idempotencyKey string, request any) (StepResult, bool, error) {
	policy := c.instance.Policies.For(step)

	for attempt := 1; ; attempt++ {
		callCtx := WithCallInfo(ctx, CallInfo{
			SagaID:         c.instance.ID,
			IdempotencyKey: idempotencyKey,
			Attempt:        attempt,
		})
		callCtx, span := sagaTracer().Start(callCtx, spanSagaStep, trace.WithAttributes(
			attrSagaID.String(c.instance.ID),
			attrStep.String(string(step)),
			attrAttempt.Int(attempt),
		))

		started := c.rt.Now()
		result, replayed, err := c.rt.Execute(callCtx, attemptKey(prefix, attempt), step, request, policy.Timeout)
		span.SetAttributes(attrReplayed.Bool(replayed))
		if err != nil {
			span.RecordError(err)
			span.End()
			return StepResult{}, false, err
		}
		result.Attempt = attempt
		c.instance.Attempts[step]++

		if !replayed {
			outcome := "succeeded"
			if !result.Succeeded {
				outcome = string(result.Failure.Kind)
			}
			c.metrics.RecordActivityAttempt(callCtx, string(step), outcome, c.rt.Now().Sub(started))
		}
		if result.Succeeded {
			span.End()
			if !replayed {
				c.publish(ctx, Event{Type: EventStepSucceeded, Step: step, Attempt: attempt})
			}
			return result, replayed, nil
		}

		span.SetStatus(codes.Error, result.Failure.Error())
		span.End()

		decision := policy.NextAction(attempt, result.Failure)
		if decision.GiveUp {
			if !replayed {
				c.logger.WarnContext(ctx, "saga step gave up",
					"step", step,
					"attempt", attempt,
					"kind", result.Failure.Kind,
					"code", result.Failure.Code,
					"error", result.Failure.Message,
				)
				c.publish(ctx, Event{Type: EventStepFailed, Step: step, Attempt: attempt, Failure: result.Failure})
			}
			return result, replayed, nil
		}

		if !replayed {
			c.metrics.RecordActivityRetry(string(step))
			c.logger.InfoContext(ctx, "saga step retrying",
				"step", step,
				"attempt", attempt,
				"delay", decision.Delay,
				"error", result.Failure.Message,
			)
			c.publish(ctx, Event{Type: EventStepRetrying, Step: step, Attempt: attempt, Delay: decision.Delay.String(), Failure: result.Failure})
		}
		if decision.Delay > 0 {
			if err := c.rt.Sleep(ctx, backoffKey(prefix, attempt), decision.Delay); err != nil {
				return StepResult{}, false, err
			}
		}
	}
}

// fail ends the saga. Nothing to undo before the first registration means a
// direct STARTED -> FAILED; otherwise compensations run in reverse, then the
// customer is told, and the original failure is kept as the reason.
func (c *coordinator) fail(ctx context.Context, failure *FailureInfo) error {
	outcome := &Outcome{Failure: failure}

	if c.registry.Len() > 0 {
		if err := c.instance.TransitionTo(StateCompensating, c.rt.Now()); err != nil {
			return err
		}
		if err := c.persist(ctx); err != nil {
			return err
		}
		if !c.rt.Replaying() {
			c.publish(ctx, Event{Type: EventSagaCompensating, Failure: failure})
		}

		failures, err := c.compensate(ctx)
		if err != nil {
			return err
		}
		outcome.CompensationFailures = failures

		sent, err := c.notifyFailure(ctx)
		if err != nil {
			return err
		}
		outcome.FailureNotificationSent = sent
	}

	if err := c.instance.TransitionTo(StateFailed, c.rt.Now()); err != nil {
		return err
	}
	c.instance.Outcome = outcome
	if err := c.persist(ctx); err != nil {
		return err
	}
	c.terminal(ctx, EventSagaFailed)
	return nil
}

func (c *coordinator) compensate(ctx context.Context) ([]FailureInfo, error) {
	ctx, span := sagaTracer().Start(ctx, spanSagaCompensate, trace.WithAttributes(attrSagaID.String(c.instance.ID)))
	defer span.End()

	failures := make([]FailureInfo, 0)
	for _, entry := range c.registry.EntriesInReverse() {
		prefix := compensationPrefix(entry)
		result, replayed, err := c.runWithPolicy(ctx, entry.Action, prefix, c.instance.ID+"/"+prefix, CancelRequest{ID: entry.TargetID})
		if err != nil {
			return nil, err
		}
		fresh := !replayed

		if result.Succeeded {
			if fresh {
				c.metrics.RecordCompensation(string(entry.Action), "applied")
				c.publish(ctx, Event{Type: EventCompensationApplied, Step: entry.Action})
			}
			continue
		}

		failure := compensationFailure(entry.Action, result.Failure)
		failures = append(failures, failure)
		if fresh {
			c.metrics.RecordCompensation(string(entry.Action), "failed")
			c.logger.ErrorContext(ctx, "compensation failed",
				"action", entry.Action,
				"target_id", entry.TargetID,
				"code", failure.Code,
				"error", failure.Message,
			)
			c.publish(ctx, Event{Type: EventCompensationFailed, Step: entry.Action, Failure: &failure})
		}
	}
	if len(failures) > 0 {
		span.SetAttributes(attribute.Int("saga.compensation.failures", len(failures)))
	}
	return failures, nil
}

// notifyFailure tells the customer the order failed. Its failure is logged
// and otherwise ignored.
func (c *coordinator) notifyFailure(ctx context.Context) (bool, error) {
	step := StepSendFailureNotification
	result, _, err := c.runWithPolicy(ctx, step, string(step), c.instance.ID+"/"+string(step), failureNotification(c.instance.Request, c.instance.ID))
	if err != nil {
		return false, err
	}
	return result.Succeeded, nil
}

func (c *coordinator) persist(ctx context.Context) error {
	if c.cancelled() {
		c.instance.CancelRequested = true
	}
	if ctx.Err() != nil {
		ctx = context.WithoutCancel(ctx)
	}
	if err := c.store.Save(ctx, c.instance); err != nil {
		return fmt.Errorf("save saga %s: %w", c.instance.ID, err)
	}
	return nil
}

func (c *coordinator) terminal(ctx context.Context, eventType EventType) {
	if c.rt.Replaying() {
		return
	}
	failureKind := ""
	if c.instance.Outcome != nil && c.instance.Outcome.Failure != nil {
		failureKind = string(c.instance.Outcome.Failure.Kind)
	}
	state := c.instance.State.String()
	c.metrics.RecordSagaExecution(state, failureKind)
	c.metrics.RecordSagaDuration(state, c.rt.Now().Sub(c.instance.CreatedAt))

	c.logger.InfoContext(ctx, "saga finished",
		"state", state,
		"failure_kind", failureKind,
	)
	event := Event{Type: eventType}
	if c.instance.Outcome != nil {
		event.Failure = c.instance.Outcome.Failure
	}
	c.publish(ctx, event)
}

func (c *coordinator) publish(ctx context.Context, event Event) {
	event.SagaID = c.instance.ID
	event.State = c.instance.State
	event.Timestamp = c.rt.Now()
	if err := publishWithin(ctx, c.events, event, c.eventTimeout); err != nil {
		c.logger.WarnContext(ctx, "saga event publish failed",
			"event", event.Type,
			"error", err,
		)
	}
}
