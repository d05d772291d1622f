// Package saga implements the order fulfilment saga: the forward step
// sequence, per-step retry policies, the compensation registry and the
// durable runtime that journals every step result so that a restarted
// process resumes a saga instead of repeating committed side effects.
package saga

import (
	"encoding/json"
	"fmt"
)

// StepName identifies one activity the saga can invoke.
type StepName string

const (
	StepCreateOrder             StepName = "create_order"
	StepCreateShipment          StepName = "create_shipment"
	StepSendNotification        StepName = "send_notification"
	StepCancelOrder             StepName = "cancel_order"
	StepCancelShipment          StepName = "cancel_shipment"
	StepSendFailureNotification StepName = "send_failure_notification"
)

// ForwardSteps lists the forward steps in execution order.
var ForwardSteps = []StepName{StepCreateOrder, StepCreateShipment, StepSendNotification}

// AllSteps lists every step that carries a retry policy.
var AllSteps = []StepName{
	StepCreateOrder,
	StepCreateShipment,
	StepSendNotification,
	StepCancelOrder,
	StepCancelShipment,
	StepSendFailureNotification,
}

// Valid reports whether the step is known.
func (s StepName) Valid() bool {
	for _, step := range AllSteps {
		if step == s {
			return true
		}
	}
	return false
}

// OrderRequest is the immutable input of one saga instance.
type OrderRequest struct {
	CustomerID      int64   `json:"customer_id"`
	ProductID       int64   `json:"product_id"`
	Quantity        int64   `json:"quantity"`
	TotalAmount     float64 `json:"total_amount"`
	ShippingAddress string  `json:"shipping_address"`
	Carrier         string  `json:"carrier"`
}

// CreateOrderRequest is the payload of the create_order activity.
type CreateOrderRequest struct {
	CustomerID  int64   `json:"customer_id"`
	ProductID   int64   `json:"product_id"`
	Quantity    int64   `json:"quantity"`
	TotalAmount float64 `json:"total_amount"`
}

// CreateShipmentRequest is the payload of the create_shipment activity.
type CreateShipmentRequest struct {
	OrderID         int64  `json:"order_id"`
	ShippingAddress string `json:"shipping_address"`
	Carrier         string `json:"carrier"`
}

// NotificationRequest is the payload of both notification activities.
type NotificationRequest struct {
	RecipientID int64             `json:"recipient_id"`
	Type        string            `json:"type"`
	Subject     string            `json:"subject"`
	Content     string            `json:"content"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// CancelRequest is the payload of every compensating activity.
type CancelRequest struct {
	ID int64 `json:"id"`
}

// OrderRecord is the order snapshot returned by the order service.
type OrderRecord struct {
	ID          int64   `json:"id"`
	CustomerID  int64   `json:"customer_id"`
	ProductID   int64   `json:"product_id"`
	Quantity    int64   `json:"quantity"`
	TotalAmount float64 `json:"total_amount"`
	Status      string  `json:"status"`
}

// ShipmentRecord is the shipment snapshot returned by the shipment service.
type ShipmentRecord struct {
	ID              int64  `json:"id"`
	OrderID         int64  `json:"order_id"`
	ShippingAddress string `json:"shipping_address"`
	Carrier         string `json:"carrier"`
	TrackingNumber  string `json:"tracking_number"`
	Status          string `json:"status"`
}

// NotificationRecord is the notification snapshot returned by the notification service.
type NotificationRecord struct {
	ID          int64  `json:"id"`
	RecipientID int64  `json:"recipient_id"`
	Type        string `json:"type"`
	Subject     string `json:"subject"`
	Status      string `json:"status"`
}

// FulfilmentResult aggregates the records of a successful saga.
type FulfilmentResult struct {
	Order        OrderRecord        `json:"order"`
	Shipment     ShipmentRecord     `json:"shipment"`
	Notification NotificationRecord `json:"notification"`
}

// Outcome is the terminal result of a saga. Exactly one of Success and
// Failure is set.
type Outcome struct {
	Success                 *FulfilmentResult `json:"success,omitempty"`
	Failure                 *FailureInfo      `json:"failure,omitempty"`
	CompensationFailures    []FailureInfo     `json:"compensation_failures,omitempty"`
	FailureNotificationSent bool              `json:"failure_notification_sent"`
}

// Succeeded reports whether the saga completed all forward steps.
func (o *Outcome) Succeeded() bool {
	return o != nil && o.Success != nil
}

// StepResult is the outcome of one activity attempt.
type StepResult struct {
	Step      StepName        `json:"step_name"`
	Succeeded bool            `json:"succeeded"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Failure   *FailureInfo    `json:"failure,omitempty"`
	Attempt   int             `json:"attempt"`
}

// Success builds a successful StepResult.
func Success(step StepName, payload json.RawMessage) StepResult {
	return StepResult{Step: step, Succeeded: true, Payload: payload}
}

// Failed builds a failed StepResult.
func Failed(step StepName, failure *FailureInfo) StepResult {
	if failure != nil && failure.Step == "" {
		failure.Step = step
	}
	return StepResult{Step: step, Failure: failure}
}

// Decode unmarshals the payload of a successful result.
func (r StepResult) Decode(v any) error {
	if !r.Succeeded {
		return fmt.Errorf("step %s did not succeed", r.Step)
	}
	if len(r.Payload) == 0 {
		return fmt.Errorf("step %s returned an empty payload", r.Step)
	}
	if err := json.Unmarshal(r.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", r.Step, err)
	}
	return nil
}

const (
	confirmationSubject = "Order Confirmation"
	failureSubject      = "Order Processing Failed"
	failureContent      = "We're sorry, but there was an issue processing your order."
)

func confirmationNotification(req OrderRequest, order OrderRecord, shipment ShipmentRecord) NotificationRequest {
	return NotificationRequest{
		RecipientID: req.CustomerID,
		Type:        "email",
		Subject:     confirmationSubject,
		Content:     fmt.Sprintf("Your order has been confirmed and shipped. Tracking number: %s", shipment.TrackingNumber),
		Metadata: map[string]string{
			"order_id":        fmt.Sprintf("%d", order.ID),
			"tracking_number": shipment.TrackingNumber,
		},
	}
}

func failureNotification(req OrderRequest, sagaID string) NotificationRequest {
	return NotificationRequest{
		RecipientID: req.CustomerID,
		Type:        "email",
		Subject:     failureSubject,
		Content:     failureContent,
		Metadata:    map[string]string{"saga_id": sagaID},
	}
}

// SuccessWith builds a successful StepResult carrying v as JSON.
func SuccessWith(step StepName, v any) StepResult {
	payload, err := json.Marshal(v)
	if err != nil {
		return Failed(step, Permanent(CodeBadPayload, err.Error()))
	}
	return Success(step, payload)
}
