package order

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goclaw/fulfilment/pkg/api/response"
	"github.com/goclaw/fulfilment/pkg/services"
)

type recordingMetrics struct {
	mu    sync.Mutex
	ops   []string
	moves []string
}

func (m *recordingMetrics) RecordServiceOperation(service, operation, result string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops = append(m.ops, service+"/"+operation+"/"+result)
}

func (m *recordingMetrics) MoveServiceRecord(service, from, to string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.moves = append(m.moves, from+"->"+to)
}

func do(t *testing.T, h http.Handler, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func validRequest() CreateRequest {
	return CreateRequest{CustomerID: 1, ProductID: 1, Quantity: 2, TotalAmount: 59.98}
}

func TestCreateOrder(t *testing.T) {
	metrics := &recordingMetrics{}
	svc := New(services.WithMetrics(metrics))
	h := svc.Handler()

	w := do(t, h, http.MethodPost, "/orders/", validRequest(), nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var o Order
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &o))
	assert.Equal(t, int64(1), o.ID)
	assert.Equal(t, StatusPending, o.Status)
	assert.Equal(t, 59.98, o.TotalAmount)
	assert.False(t, o.CreatedAt.IsZero())

	w = do(t, h, http.MethodPost, "/orders/", validRequest(), nil)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &o))
	assert.Equal(t, int64(2), o.ID)

	assert.Equal(t, []string{"order/create/ok", "order/create/ok"}, metrics.ops)
	assert.Equal(t, []string{"->pending", "->pending"}, metrics.moves)
}

func TestCreateOrderIdempotencyKey(t *testing.T) {
	h := New().Handler()
	headers := map[string]string{services.HeaderIdempotencyKey: "order-workflow-1/create_order"}

	first := do(t, h, http.MethodPost, "/orders/", validRequest(), headers)
	second := do(t, h, http.MethodPost, "/orders/", validRequest(), headers)
	require.Equal(t, http.StatusOK, second.Code)
	assert.JSONEq(t, first.Body.String(), second.Body.String())

	third := do(t, h, http.MethodPost, "/orders/", validRequest(), nil)
	var o Order
	require.NoError(t, json.Unmarshal(third.Body.Bytes(), &o))
	assert.Equal(t, int64(2), o.ID, "replayed key must not consume an id")
}

func TestCreateOrderValidation(t *testing.T) {
	tests := []struct {
		name  string
		mut   func(*CreateRequest)
		field string
	}{
		{name: "negative customer", mut: func(r *CreateRequest) { r.CustomerID = -1 }, field: "customer_id"},
		{name: "zero product", mut: func(r *CreateRequest) { r.ProductID = 0 }, field: "product_id"},
		{name: "zero quantity", mut: func(r *CreateRequest) { r.Quantity = 0 }, field: "quantity"},
		{name: "negative amount", mut: func(r *CreateRequest) { r.TotalAmount = -1 }, field: "total_amount"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validRequest()
			tt.mut(&req)

			w := do(t, New().Handler(), http.MethodPost, "/orders/", req, nil)
			require.Equal(t, http.StatusBadRequest, w.Code)

			var resp response.ErrorResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, response.ErrCodeInvalidInput, resp.Error.Code)
			assert.Contains(t, resp.Error.Details, tt.field)
		})
	}
}

func TestCreateOrderMalformedBody(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/orders/", bytes.NewBufferString(`{"customer_id":`))
	w := httptest.NewRecorder()
	New().Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCancelOrder(t *testing.T) {
	svc := New()
	h := svc.Handler()
	o, _, err := svc.Create(context.Background(), validRequest(), "")
	require.NoError(t, err)

	w := do(t, h, http.MethodPut, "/orders/1/cancel", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var got Order
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, o.ID, got.ID)
	assert.Equal(t, StatusCancelled, got.Status)

	w = do(t, h, http.MethodPut, "/orders/1/cancel", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code, "repeated cancel is idempotent")

	w = do(t, h, http.MethodPut, "/orders/99/cancel", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, h, http.MethodPut, "/orders/abc/cancel", nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCancelCompletedOrder(t *testing.T) {
	svc := New()
	h := svc.Handler()
	_, _, err := svc.Create(context.Background(), validRequest(), "")
	require.NoError(t, err)

	w := do(t, h, http.MethodPut, "/orders/1/complete", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = do(t, h, http.MethodPut, "/orders/1/cancel", nil, nil)
	require.Equal(t, http.StatusConflict, w.Code)
	var resp response.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, response.ErrCodeInvalidState, resp.Error.Code)

	o, err := svc.Get(1)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, o.Status)
}

func TestCompleteCancelledOrder(t *testing.T) {
	svc := New()
	_, _, err := svc.Create(context.Background(), validRequest(), "")
	require.NoError(t, err)
	_, err = svc.Cancel(context.Background(), 1)
	require.NoError(t, err)

	_, err = svc.Complete(context.Background(), 1)
	assert.ErrorIs(t, err, response.ErrInvalidState)
}

func TestGetOrder(t *testing.T) {
	svc := New()
	h := svc.Handler()
	_, _, err := svc.Create(context.Background(), validRequest(), "")
	require.NoError(t, err)

	w := do(t, h, http.MethodGet, "/orders/1", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	w = do(t, h, http.MethodGet, "/orders/2", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestConcurrentCreatesGetDistinctIDs(t *testing.T) {
	svc := New()
	const n = 50

	ids := make(chan int64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			o, _, err := svc.Create(context.Background(), validRequest(), "")
			if err == nil {
				ids <- o.ID
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[int64]bool)
	for id := range ids {
		assert.False(t, seen[id], "duplicate id %d", id)
		seen[id] = true
	}
	assert.Len(t, seen, n)
}
