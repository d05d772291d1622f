package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/goclaw/fulfilment/pkg/api/middleware"
	"github.com/goclaw/fulfilment/pkg/api/models"
	"github.com/goclaw/fulfilment/pkg/api/response"
	"github.com/goclaw/fulfilment/pkg/saga"
)

// fakeServices answers every activity with a plausible record. A non-nil
// gate blocks create_order until it is closed.
type fakeServices struct {
	gate          chan struct{}
	failShipment  bool
	shipmentCalls atomic.Int32
}

func (f *fakeServices) Invoke(ctx context.Context, step saga.StepName, request any) saga.StepResult {
	switch step {
	case saga.StepCreateOrder:
		if f.gate != nil {
			select {
			case <-f.gate:
			case <-ctx.Done():
				return saga.Failed(step, saga.Transient(saga.CodeCancelled, ctx.Err().Error()))
			}
		}
		req := request.(saga.CreateOrderRequest)
		return saga.SuccessWith(step, saga.OrderRecord{ID: 1, CustomerID: req.CustomerID, ProductID: req.ProductID, Quantity: req.Quantity, Status: "pending"})
	case saga.StepCreateShipment:
		f.shipmentCalls.Add(1)
		if f.failShipment {
			return saga.Failed(step, saga.Permanent("invalid_input", "shipping_address is required"))
		}
		req := request.(saga.CreateShipmentRequest)
		return saga.SuccessWith(step, saga.ShipmentRecord{ID: 1, OrderID: req.OrderID, TrackingNumber: "SHIP000001", Status: "pending"})
	case saga.StepSendNotification, saga.StepSendFailureNotification:
		return saga.SuccessWith(step, saga.NotificationRecord{ID: 1, Type: "email", Status: "sent"})
	default:
		return saga.SuccessWith(step, map[string]any{"status": "cancelled"})
	}
}

func newTestSagaRouter(t *testing.T, services *fakeServices, fulfilTimeout time.Duration) (*saga.Orchestrator, http.Handler) {
	t.Helper()

	orchestrator, err := saga.NewOrchestrator(services)
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = orchestrator.Close(ctx)
	})

	handler := NewSagaHandler(orchestrator, nil, fulfilTimeout)
	r := chi.NewRouter()
	r.Use(middleware.RequestID())
	r.Post("/api/orders/fulfill", handler.Fulfil)
	r.Route("/api/v1/sagas", func(r chi.Router) {
		r.Post("/", handler.StartSaga)
		r.Get("/", handler.ListSagas)
		r.Get("/{sagaID}", handler.GetSaga)
		r.Get("/{sagaID}/journal", handler.GetJournal)
		r.Post("/{sagaID}/cancel", handler.CancelSaga)
	})
	return orchestrator, r
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func validOrder() models.FulfilRequest {
	return models.FulfilRequest{
		CustomerID:      1,
		ProductID:       2,
		Quantity:        3,
		TotalAmount:     99.5,
		ShippingAddress: "1 Main St",
		Carrier:         "UPS",
	}
}

func TestSagaHandler_FulfilCompleted(t *testing.T) {
	_, router := newTestSagaRouter(t, &fakeServices{}, 0)

	w := doJSON(t, router, http.MethodPost, "/api/orders/fulfill", validOrder())
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", w.Code, w.Body.String())
	}

	var resp models.FulfilResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != models.StatusCompleted {
		t.Fatalf("status = %q, want completed", resp.Status)
	}
	if len(resp.WorkflowID) <= len(saga.SagaIDPrefix) || resp.WorkflowID[:len(saga.SagaIDPrefix)] != saga.SagaIDPrefix {
		t.Fatalf("workflow_id = %q, want %s prefix", resp.WorkflowID, saga.SagaIDPrefix)
	}
	if resp.Result == nil || resp.Result.Shipment.TrackingNumber != "SHIP000001" || resp.Result.Notification.Status != "sent" {
		t.Fatalf("unexpected result: %+v", resp.Result)
	}
}

func TestSagaHandler_FulfilFailed(t *testing.T) {
	_, router := newTestSagaRouter(t, &fakeServices{failShipment: true}, 0)

	w := doJSON(t, router, http.MethodPost, "/api/orders/fulfill", validOrder())
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422, body=%s", w.Code, w.Body.String())
	}

	var resp models.FulfilResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != models.StatusFailed || resp.Failure == nil {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if resp.Failure.Kind != saga.FailurePermanent || resp.Failure.Step != saga.StepCreateShipment {
		t.Fatalf("failure = %+v", resp.Failure)
	}
	if len(resp.CompensationFailures) != 0 || !resp.FailureNotificationSent {
		t.Fatalf("compensation_failures = %v, notified = %v", resp.CompensationFailures, resp.FailureNotificationSent)
	}
}

func TestSagaHandler_FulfilTimeoutReportsWorkflowID(t *testing.T) {
	services := &fakeServices{gate: make(chan struct{})}
	orchestrator, router := newTestSagaRouter(t, services, 50*time.Millisecond)

	w := doJSON(t, router, http.MethodPost, "/api/orders/fulfill", validOrder())
	if w.Code != http.StatusGatewayTimeout {
		t.Fatalf("status = %d, want 504", w.Code)
	}

	var resp response.ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	sagaID, _ := resp.Error.Details["workflow_id"].(string)
	if sagaID == "" {
		t.Fatalf("expected workflow_id in details: %+v", resp.Error)
	}

	close(services.gate)
	instance, err := orchestrator.Wait(context.Background(), sagaID)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if instance.State != saga.StateNotified {
		t.Fatalf("state = %s, want NOTIFIED", instance.State)
	}
}

func TestSagaHandler_RejectsBadBodies(t *testing.T) {
	_, router := newTestSagaRouter(t, &fakeServices{}, 0)

	tests := []struct {
		name string
		body string
	}{
		{name: "malformed", body: `{"customer_id":`},
		{name: "unknown field", body: `{"customer_id":1,"coupon":"x"}`},
		{name: "carrier too long", body: `{"carrier":"` + string(bytes.Repeat([]byte("x"), 65)) + `"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/v1/sagas/", bytes.NewBufferString(tt.body))
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)
			if w.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400, body=%s", w.Code, w.Body.String())
			}
		})
	}
}

func TestSagaHandler_StartGetAndJournal(t *testing.T) {
	orchestrator, router := newTestSagaRouter(t, &fakeServices{}, 0)

	w := doJSON(t, router, http.MethodPost, "/api/v1/sagas/", validOrder())
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", w.Code)
	}
	var accepted models.SagaAcceptedResponse
	if err := json.Unmarshal(w.Body.Bytes(), &accepted); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if accepted.State != "STARTED" {
		t.Fatalf("state = %q, want STARTED", accepted.State)
	}
	if got := w.Header().Get("Location"); got != "/api/v1/sagas/"+accepted.SagaID {
		t.Fatalf("Location = %q", got)
	}

	if _, err := orchestrator.Wait(context.Background(), accepted.SagaID); err != nil {
		t.Fatalf("wait: %v", err)
	}

	w = doJSON(t, router, http.MethodGet, "/api/v1/sagas/"+accepted.SagaID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d", w.Code)
	}
	var detail models.SagaStatusResponse
	if err := json.Unmarshal(w.Body.Bytes(), &detail); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if detail.State != "NOTIFIED" || detail.Running || detail.Order == nil || detail.Outcome == nil {
		t.Fatalf("unexpected detail: %+v", detail)
	}
	if len(detail.Compensations) != 2 {
		t.Fatalf("compensations = %v, want 2 entries", detail.Compensations)
	}

	w = doJSON(t, router, http.MethodGet, "/api/v1/sagas/"+accepted.SagaID+"/journal", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("journal status = %d", w.Code)
	}
	var journal models.JournalResponse
	if err := json.Unmarshal(w.Body.Bytes(), &journal); err != nil {
		t.Fatalf("decode: %v", err)
	}
	keys := make(map[string]bool, len(journal.Entries))
	for _, entry := range journal.Entries {
		keys[entry.Key] = true
	}
	for _, key := range []string{"create_order/attempt-1", "create_shipment/attempt-1", "send_notification/attempt-1"} {
		if !keys[key] {
			t.Fatalf("journal is missing %s: %v", key, keys)
		}
	}
}

func TestSagaHandler_NotFound(t *testing.T) {
	_, router := newTestSagaRouter(t, &fakeServices{}, 0)

	for _, path := range []string{"/api/v1/sagas/missing", "/api/v1/sagas/missing/journal"} {
		if w := doJSON(t, router, http.MethodGet, path, nil); w.Code != http.StatusNotFound {
			t.Fatalf("GET %s status = %d, want 404", path, w.Code)
		}
	}
	if w := doJSON(t, router, http.MethodPost, "/api/v1/sagas/missing/cancel", nil); w.Code != http.StatusNotFound {
		t.Fatalf("cancel status = %d, want 404", w.Code)
	}
}

func TestSagaHandler_CancelRunningAndTerminal(t *testing.T) {
	services := &fakeServices{gate: make(chan struct{})}
	orchestrator, router := newTestSagaRouter(t, services, 0)

	w := doJSON(t, router, http.MethodPost, "/api/v1/sagas/", validOrder())
	var accepted models.SagaAcceptedResponse
	if err := json.Unmarshal(w.Body.Bytes(), &accepted); err != nil {
		t.Fatalf("decode: %v", err)
	}

	w = doJSON(t, router, http.MethodPost, "/api/v1/sagas/"+accepted.SagaID+"/cancel", nil)
	if w.Code != http.StatusAccepted {
		t.Fatalf("cancel status = %d, want 202, body=%s", w.Code, w.Body.String())
	}
	var cancelled models.SagaAcceptedResponse
	if err := json.Unmarshal(w.Body.Bytes(), &cancelled); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !cancelled.CancelRequested {
		t.Fatal("expected cancel_requested")
	}

	close(services.gate)
	instance, err := orchestrator.Wait(context.Background(), accepted.SagaID)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if instance.State != saga.StateFailed {
		t.Fatalf("state = %s, want FAILED", instance.State)
	}
	if services.shipmentCalls.Load() != 0 {
		t.Fatal("cancelled saga must not create a shipment")
	}

	w = doJSON(t, router, http.MethodPost, "/api/v1/sagas/"+accepted.SagaID+"/cancel", nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("second cancel status = %d, want 409", w.Code)
	}
}

func TestSagaHandler_List(t *testing.T) {
	orchestrator, router := newTestSagaRouter(t, &fakeServices{}, 0)

	for i := 0; i < 3; i++ {
		instance, err := orchestrator.Fulfil(context.Background(), validOrder().OrderRequest())
		if err != nil {
			t.Fatalf("fulfil: %v", err)
		}
		if instance.State != saga.StateNotified {
			t.Fatalf("state = %s", instance.State)
		}
	}

	w := doJSON(t, router, http.MethodGet, "/api/v1/sagas/?state=notified&limit=2", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body=%s", w.Code, w.Body.String())
	}
	var list models.SagaListResponse
	if err := json.Unmarshal(w.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if list.Total != 3 || len(list.Items) != 2 || list.Limit != 2 {
		t.Fatalf("unexpected list: %+v", list)
	}

	w = doJSON(t, router, http.MethodGet, "/api/v1/sagas/?state=FAILED", nil)
	if err := json.Unmarshal(w.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if list.Total != 0 || len(list.Items) != 0 {
		t.Fatalf("expected no failed sagas, got %+v", list)
	}

	for _, query := range []string{"state=DONE", "limit=-1", "offset=x"} {
		if w := doJSON(t, router, http.MethodGet, "/api/v1/sagas/?"+query, nil); w.Code != http.StatusBadRequest {
			t.Fatalf("%s: status = %d, want 400", query, w.Code)
		}
	}
}
