// Package order implements the order service: orders are created pending,
// may be completed, and are cancelled by the saga's compensation.
package order

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/goclaw/fulfilment/pkg/api/response"
	"github.com/goclaw/fulfilment/pkg/logger"
	"github.com/goclaw/fulfilment/pkg/services"
)

// ServiceName labels logs and metrics.
const ServiceName = "order"

// Status is the lifecycle status of an order.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// Order is one stored order.
type Order struct {
	ID          int64     `json:"id"`
	CustomerID  int64     `json:"customer_id"`
	ProductID   int64     `json:"product_id"`
	Quantity    int64     `json:"quantity"`
	TotalAmount float64   `json:"total_amount"`
	Status      Status    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// CreateRequest is the body of POST /orders/.
type CreateRequest struct {
	CustomerID  int64   `json:"customer_id" validate:"gt=0"`
	ProductID   int64   `json:"product_id" validate:"gt=0"`
	Quantity    int64   `json:"quantity" validate:"gt=0"`
	TotalAmount float64 `json:"total_amount" validate:"gte=0"`
}

// Service stores orders in memory.
type Service struct {
	opts     services.Options
	log      logger.Logger
	validate *validator.Validate
	idem     *services.IdempotencyCache

	mu     sync.Mutex
	nextID int64
	orders map[int64]*Order
}

// New creates an empty order service.
func New(opts ...services.Option) *Service {
	o := services.BuildOptions(opts...)
	return &Service{
		opts:     o,
		log:      o.Logger.With("service", ServiceName),
		validate: services.NewValidator(),
		idem:     services.NewIdempotencyCache(),
		nextID:   1,
		orders:   make(map[int64]*Order),
	}
}

// Create stores a pending order. A repeated idempotency key returns the
// order created by the first request.
func (s *Service) Create(ctx context.Context, req CreateRequest, idempotencyKey string) (Order, bool, error) {
	if err := s.validate.Struct(req); err != nil {
		s.opts.Metrics.RecordServiceOperation(ServiceName, "create", services.ResultRejected)
		return Order{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.idem.Lookup(idempotencyKey); ok {
		s.opts.Metrics.RecordServiceOperation(ServiceName, "create", services.ResultReplayed)
		return *s.orders[id], true, nil
	}

	now := s.opts.Now().UTC()
	o := &Order{
		ID:          s.nextID,
		CustomerID:  req.CustomerID,
		ProductID:   req.ProductID,
		Quantity:    req.Quantity,
		TotalAmount: req.TotalAmount,
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.nextID++
	s.orders[o.ID] = o
	s.idem.Remember(idempotencyKey, o.ID)

	s.opts.Metrics.RecordServiceOperation(ServiceName, "create", services.ResultOK)
	s.opts.Metrics.MoveServiceRecord(ServiceName, "", string(o.Status))
	s.log.InfoContext(ctx, "order created", "order_id", o.ID, "customer_id", o.CustomerID)
	return *o, false, nil
}

// Get returns an order.
func (s *Service) Get(id int64) (Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return Order{}, fmt.Errorf("%w: order %d", response.ErrNotFound, id)
	}
	return *o, nil
}

// Cancel marks an order cancelled. Cancelling a cancelled order succeeds
// without change; completed orders cannot be cancelled.
func (s *Service) Cancel(ctx context.Context, id int64) (Order, error) {
	o, err := s.transition(id, StatusCancelled, func(current Status) error {
		if current == StatusCompleted {
			return fmt.Errorf("%w: cannot cancel completed order %d", response.ErrInvalidState, id)
		}
		return nil
	})
	s.opts.Metrics.RecordServiceOperation(ServiceName, "cancel", services.ResultOf(err))
	if err != nil {
		s.log.WarnContext(ctx, "order cancellation rejected", "order_id", id, "error", err)
		return Order{}, err
	}
	s.log.InfoContext(ctx, "order cancelled", "order_id", id)
	return o, nil
}

// Complete marks a pending order completed.
func (s *Service) Complete(ctx context.Context, id int64) (Order, error) {
	o, err := s.transition(id, StatusCompleted, func(current Status) error {
		if current == StatusCancelled {
			return fmt.Errorf("%w: cannot complete cancelled order %d", response.ErrInvalidState, id)
		}
		return nil
	})
	s.opts.Metrics.RecordServiceOperation(ServiceName, "complete", services.ResultOf(err))
	if err != nil {
		return Order{}, err
	}
	s.log.InfoContext(ctx, "order completed", "order_id", id)
	return o, nil
}

func (s *Service) transition(id int64, to Status, allowed func(Status) error) (Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[id]
	if !ok {
		return Order{}, fmt.Errorf("%w: order %d", response.ErrNotFound, id)
	}
	if o.Status == to {
		return *o, nil
	}
	if err := allowed(o.Status); err != nil {
		return Order{}, err
	}

	s.opts.Metrics.MoveServiceRecord(ServiceName, string(o.Status), string(to))
	o.Status = to
	o.UpdatedAt = s.opts.Now().UTC()
	return *o, nil
}

// Handler returns the HTTP surface of the service.
func (s *Service) Handler() http.Handler {
	return services.NewRouter(ServiceName, s.opts, func(r chi.Router) {
		r.Post("/orders/", s.handleCreate)
		r.Get("/orders/{id}", s.handleGet)
		r.Put("/orders/{id}/cancel", s.handleCancel)
		r.Put("/orders/{id}/complete", s.handleComplete)
	})
}

func (s *Service) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req CreateRequest
	if err := response.DecodeJSON(r, &req); err != nil {
		services.WriteError(w, r, err)
		return
	}
	o, _, err := s.Create(r.Context(), req, r.Header.Get(services.HeaderIdempotencyKey))
	if err != nil {
		services.WriteError(w, r, err)
		return
	}
	response.JSON(w, http.StatusOK, o)
}

func (s *Service) handleGet(w http.ResponseWriter, r *http.Request) {
	s.withID(w, r, func(id int64) (Order, error) { return s.Get(id) })
}

func (s *Service) handleCancel(w http.ResponseWriter, r *http.Request) {
	s.withID(w, r, func(id int64) (Order, error) { return s.Cancel(r.Context(), id) })
}

func (s *Service) handleComplete(w http.ResponseWriter, r *http.Request) {
	s.withID(w, r, func(id int64) (Order, error) { return s.Complete(r.Context(), id) })
}

func (s *Service) withID(w http.ResponseWriter, r *http.Request, fn func(int64) (Order, error)) {
	id, err := services.IDParam(r, "id")
	if err != nil {
		services.WriteError(w, r, err)
		return
	}
	o, err := fn(id)
	if err != nil {
		services.WriteError(w, r, err)
		return
	}
	response.JSON(w, http.StatusOK, o)
}
