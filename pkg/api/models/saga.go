// Package models defines the request and response bodies of the orchestrator API.
package models

import (
	"time"

	"github.com/goclaw/fulfilment/pkg/saga"
)

// FulfilRequest is the body of POST /api/orders/fulfill and POST /api/v1/sagas.
// Business validation is left to the downstream services so that a bad
// request still produces a journaled saga with a typed failure.
type FulfilRequest struct {
	CustomerID      int64   `json:"customer_id"`
	ProductID       int64   `json:"product_id"`
	Quantity        int64   `json:"quantity"`
	TotalAmount     float64 `json:"total_amount"`
	ShippingAddress string  `json:"shipping_address" validate:"max=512"`
	Carrier         string  `json:"carrier,omitempty" validate:"max=64"`
}

// OrderRequest converts the body to the saga input.
func (r FulfilRequest) OrderRequest() saga.OrderRequest {
	return saga.OrderRequest{
		CustomerID:      r.CustomerID,
		ProductID:       r.ProductID,
		Quantity:        r.Quantity,
		TotalAmount:     r.TotalAmount,
		ShippingAddress: r.ShippingAddress,
		Carrier:         r.Carrier,
	}
}

// FulfilResponse is returned by the synchronous fulfil endpoint.
type FulfilResponse struct {
	WorkflowID              string                 `json:"workflow_id"`
	Status                  string                 `json:"status"`
	Result                  *saga.FulfilmentResult `json:"result,omitempty"`
	Failure                 *saga.FailureInfo      `json:"failure,omitempty"`
	CompensationFailures    []saga.FailureInfo     `json:"compensation_failures,omitempty"`
	FailureNotificationSent bool                   `json:"failure_notification_sent,omitempty"`
}

// Fulfil statuses.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// SagaAcceptedResponse is returned when a saga is started or a cancel is accepted.
type SagaAcceptedResponse struct {
	SagaID          string `json:"saga_id"`
	State           string `json:"state"`
	CancelRequested bool   `json:"cancel_requested,omitempty"`
}

// SagaStatusResponse is the detail view of one saga.
type SagaStatusResponse struct {
	SagaID          string                   `json:"saga_id"`
	State           string                   `json:"state"`
	Running         bool                     `json:"running"`
	CancelRequested bool                     `json:"cancel_requested"`
	Request         saga.OrderRequest        `json:"request"`
	NextStep        string                   `json:"next_step,omitempty"`
	Attempts        map[saga.StepName]int    `json:"attempts"`
	Compensations   []saga.CompensationEntry `json:"compensations"`
	Order           *saga.OrderRecord        `json:"order,omitempty"`
	Shipment        *saga.ShipmentRecord     `json:"shipment,omitempty"`
	Notification    *saga.NotificationRecord `json:"notification,omitempty"`
	Outcome         *saga.Outcome            `json:"outcome,omitempty"`
	CreatedAt       time.Time                `json:"created_at"`
	UpdatedAt       time.Time                `json:"updated_at"`
	CompletedAt     *time.Time               `json:"completed_at,omitempty"`
}

// NewSagaStatusResponse builds the detail view of instance.
func NewSagaStatusResponse(instance *saga.SagaInstance, running bool) SagaStatusResponse {
	return SagaStatusResponse{
		SagaID:          instance.ID,
		State:           instance.State.String(),
		Running:         running,
		CancelRequested: instance.CancelRequested,
		Request:         instance.Request,
		NextStep:        string(instance.Cursor),
		Attempts:        instance.Attempts,
		Compensations:   instance.Compensations,
		Order:           instance.Order,
		Shipment:        instance.Shipment,
		Notification:    instance.Notification,
		Outcome:         instance.Outcome,
		CreatedAt:       instance.CreatedAt,
		UpdatedAt:       instance.UpdatedAt,
		CompletedAt:     instance.CompletedAt,
	}
}

// SagaSummary is one row in list response.
type SagaSummary struct {
	SagaID      string     `json:"saga_id"`
	State       string     `json:"state"`
	CustomerID  int64      `json:"customer_id"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// SagaListResponse is paginated list of saga summaries.
type SagaListResponse struct {
	Items  []SagaSummary `json:"items"`
	Total  int           `json:"total"`
	Limit  int           `json:"limit"`
	Offset int           `json:"offset"`
}

// JournalResponse is the recorded history of one saga.
type JournalResponse struct {
	SagaID  string              `json:"saga_id"`
	Entries []saga.JournalEntry `json:"entries"`
}
