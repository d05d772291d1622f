package response

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-playground/validator/v10"

	"github.com/goclaw/fulfilment/pkg/saga"
)

func TestJSON(t *testing.T) {
	tests := []struct {
		name       string
		statusCode int
		data       any
		wantBody   string
	}{
		{name: "success with data", statusCode: http.StatusOK, data: map[string]string{"status": "completed"}, wantBody: `{"status":"completed"}`},
		{name: "accepted", statusCode: http.StatusAccepted, data: map[string]string{"saga_id": "order-workflow-1"}, wantBody: `{"saga_id":"order-workflow-1"}`},
		{name: "no content", statusCode: http.StatusNoContent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			JSON(w, tt.statusCode, tt.data)

			if w.Code != tt.statusCode {
				t.Fatalf("status = %d, want %d", w.Code, tt.statusCode)
			}
			if tt.data == nil {
				if w.Body.Len() != 0 {
					t.Fatalf("body = %q, want empty", w.Body.String())
				}
				return
			}
			if ct := w.Header().Get("Content-Type"); ct != "application/json" {
				t.Fatalf("Content-Type = %q", ct)
			}
			if got := strings.TrimSpace(w.Body.String()); got != tt.wantBody {
				t.Fatalf("body = %s, want %s", got, tt.wantBody)
			}
		})
	}
}

func TestJSON_UnencodableIsServerError(t *testing.T) {
	w := httptest.NewRecorder()
	JSON(w, http.StatusOK, map[string]any{"fn": func() {}})

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct == "application/json" {
		t.Fatal("partial JSON content type on failure")
	}
}

func TestError(t *testing.T) {
	w := httptest.NewRecorder()
	Error(w, http.StatusConflict, ErrCodeInvalidState, "order 3 is completed", "req-123")

	if w.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", w.Code)
	}
	var resp ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Error.Code != ErrCodeInvalidState || resp.Error.Message != "order 3 is completed" || resp.Error.RequestID != "req-123" {
		t.Fatalf("unexpected error body: %+v", resp.Error)
	}
}

func TestHTTPStatusFromError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "not found", err: ErrNotFound, want: http.StatusNotFound},
		{name: "saga not found", err: fmt.Errorf("get: %w", saga.ErrSagaNotFound), want: http.StatusNotFound},
		{name: "invalid input", err: ErrInvalidInput, want: http.StatusBadRequest},
		{name: "invalid state", err: ErrInvalidState, want: http.StatusConflict},
		{name: "saga terminal", err: saga.ErrSagaTerminal, want: http.StatusConflict},
		{name: "orchestrator closed", err: saga.ErrOrchestratorClosed, want: http.StatusServiceUnavailable},
		{name: "suspended", err: saga.ErrSuspended, want: http.StatusServiceUnavailable},
		{name: "timeout", err: ErrTimeout, want: http.StatusGatewayTimeout},
		{name: "unknown", err: fmt.Errorf("boom"), want: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := HTTPStatusFromError(tt.err); got != tt.want {
				t.Fatalf("HTTPStatusFromError() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestErrorCodeFromStatus(t *testing.T) {
	tests := []struct {
		status int
		want   string
	}{
		{status: http.StatusBadRequest, want: ErrCodeInvalidInput},
		{status: http.StatusNotFound, want: ErrCodeNotFound},
		{status: http.StatusConflict, want: ErrCodeInvalidState},
		{status: http.StatusServiceUnavailable, want: ErrCodeServiceUnavailable},
		{status: 999, want: ErrCodeInternalServer},
	}
	for _, tt := range tests {
		if got := ErrorCodeFromStatus(tt.status); got != tt.want {
			t.Fatalf("ErrorCodeFromStatus(%d) = %s, want %s", tt.status, got, tt.want)
		}
	}
}

func TestHandleErrorValidationDetails(t *testing.T) {
	type payload struct {
		Quantity int64 `validate:"gt=0"`
	}
	err := validator.New().Struct(payload{Quantity: 0})

	w := httptest.NewRecorder()
	HandleError(w, err, "req-1")

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	var resp ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Error.Code != ErrCodeInvalidInput {
		t.Fatalf("code = %s, want %s", resp.Error.Code, ErrCodeInvalidInput)
	}
	if resp.Error.Details["quantity"] != "gt=0" {
		t.Fatalf("details = %v", resp.Error.Details)
	}
}

func TestDecodeJSON(t *testing.T) {
	var v struct {
		ID int64 `json:"id"`
	}
	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"id":1,"extra":true}`))
	err := DecodeJSON(r, &v)
	if err == nil {
		t.Fatal("expected unknown field error")
	}
	if HTTPStatusFromError(err) != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", HTTPStatusFromError(err))
	}

	r = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"id":1} {"id":2}`))
	if err := DecodeJSON(r, &v); HTTPStatusFromError(err) != http.StatusBadRequest {
		t.Fatalf("trailing value accepted: %v", err)
	}

	r = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"id":5}`))
	if err := DecodeJSON(r, &v); err != nil || v.ID != 5 {
		t.Fatalf("DecodeJSON() = %v, id=%d", err, v.ID)
	}
}
