// Package shipment implements the shipment service. Shipments move from
// pending through in_transit to delivered and can be cancelled until they
// are delivered.
package shipment

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/goclaw/fulfilment/pkg/api/response"
	"github.com/goclaw/fulfilment/pkg/logger"
	"github.com/goclaw/fulfilment/pkg/services"
)

// ServiceName labels logs and metrics.
const ServiceName = "shipment"

// Status is the lifecycle status of a shipment.
type Status string

const (
	StatusPending   Status = "pending"
	StatusInTransit Status = "in_transit"
	StatusDelivered Status = "delivered"
	StatusCancelled Status = "cancelled"
)

// forward lists the statuses a shipment may advance to from each status.
var forward = map[Status][]Status{
	StatusPending:   {StatusInTransit, StatusDelivered},
	StatusInTransit: {StatusDelivered},
}

// Shipment is one stored shipment.
type Shipment struct {
	ID              int64     `json:"id"`
	OrderID         int64     `json:"order_id"`
	ShippingAddress string    `json:"shipping_address"`
	Carrier         string    `json:"carrier"`
	TrackingNumber  string    `json:"tracking_number"`
	Status          Status    `json:"status"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// CreateRequest is the body of POST /shipments/.
type CreateRequest struct {
	OrderID         int64  `json:"order_id" validate:"gt=0"`
	ShippingAddress string `json:"shipping_address" validate:"required"`
	Carrier         string `json:"carrier"`
}

// StatusRequest is the body of PUT /shipments/{id}/status.
type StatusRequest struct {
	Status Status `json:"status" validate:"oneof=in_transit delivered"`
}

// TrackingNumber formats the tracking number of a shipment id.
func TrackingNumber(id int64) string {
	return fmt.Sprintf("SHIP%06d", id)
}

// Service stores shipments in memory.
type Service struct {
	opts     services.Options
	log      logger.Logger
	validate *validator.Validate
	idem     *services.IdempotencyCache

	mu        sync.Mutex
	nextID    int64
	shipments map[int64]*Shipment
}

// New creates an empty shipment service.
func New(opts ...services.Option) *Service {
	o := services.BuildOptions(opts...)
	return &Service{
		opts:      o,
		log:       o.Logger.With("service", ServiceName),
		validate:  services.NewValidator(),
		idem:      services.NewIdempotencyCache(),
		nextID:    1,
		shipments: make(map[int64]*Shipment),
	}
}

// Create stores a pending shipment with a tracking number derived from its id.
func (s *Service) Create(ctx context.Context, req CreateRequest, idempotencyKey string) (Shipment, bool, error) {
	req.ShippingAddress = strings.TrimSpace(req.ShippingAddress)
	if err := s.validate.Struct(req); err != nil {
		s.opts.Metrics.RecordServiceOperation(ServiceName, "create", services.ResultRejected)
		s.log.WarnContext(ctx, "shipment rejected", "order_id", req.OrderID, "error", err)
		return Shipment{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.idem.Lookup(idempotencyKey); ok {
		s.opts.Metrics.RecordServiceOperation(ServiceName, "create", services.ResultReplayed)
		return *s.shipments[id], true, nil
	}

	now := s.opts.Now().UTC()
	sh := &Shipment{
		ID:              s.nextID,
		OrderID:         req.OrderID,
		ShippingAddress: req.ShippingAddress,
		Carrier:         req.Carrier,
		TrackingNumber:  TrackingNumber(s.nextID),
		Status:          StatusPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	s.nextID++
	s.shipments[sh.ID] = sh
	s.idem.Remember(idempotencyKey, sh.ID)

	s.opts.Metrics.RecordServiceOperation(ServiceName, "create", services.ResultOK)
	s.opts.Metrics.MoveServiceRecord(ServiceName, "", string(sh.Status))
	s.log.InfoContext(ctx, "shipment created",
		"shipment_id", sh.ID,
		"order_id", sh.OrderID,
		"tracking_number", sh.TrackingNumber,
	)
	return *sh, false, nil
}

// Get returns a shipment.
func (s *Service) Get(id int64) (Shipment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sh, ok := s.shipments[id]
	if !ok {
		return Shipment{}, fmt.Errorf("%w: shipment %d", response.ErrNotFound, id)
	}
	return *sh, nil
}

// Cancel marks a shipment cancelled. Repeating the cancel succeeds; a
// delivered shipment cannot be cancelled.
func (s *Service) Cancel(ctx context.Context, id int64) (Shipment, error) {
	sh, err := s.move(id, StatusCancelled, func(current Status) bool {
		return current != StatusDelivered
	})
	s.opts.Metrics.RecordServiceOperation(ServiceName, "cancel", services.ResultOf(err))
	if err != nil {
		s.log.WarnContext(ctx, "shipment cancellation rejected", "shipment_id", id, "error", err)
		return Shipment{}, err
	}
	s.log.InfoContext(ctx, "shipment cancelled", "shipment_id", id)
	return sh, nil
}

// UpdateStatus advances a shipment along pending, in_transit, delivered.
func (s *Service) UpdateStatus(ctx context.Context, id int64, req StatusRequest) (Shipment, error) {
	if err := s.validate.Struct(req); err != nil {
		return Shipment{}, err
	}
	sh, err := s.move(id, req.Status, func(current Status) bool {
		for _, next := range forward[current] {
			if next == req.Status {
				return true
			}
		}
		return false
	})
	s.opts.Metrics.RecordServiceOperation(ServiceName, "update_status", services.ResultOf(err))
	if err != nil {
		return Shipment{}, err
	}
	s.log.InfoContext(ctx, "shipment status updated", "shipment_id", id, "status", sh.Status)
	return sh, nil
}

func (s *Service) move(id int64, to Status, allowed func(Status) bool) (Shipment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sh, ok := s.shipments[id]
	if !ok {
		return Shipment{}, fmt.Errorf("%w: shipment %d", response.ErrNotFound, id)
	}
	if sh.Status == to {
		return *sh, nil
	}
	if !allowed(sh.Status) {
		return Shipment{}, fmt.Errorf("%w: shipment %d is %s", response.ErrInvalidState, id, sh.Status)
	}

	s.opts.Metrics.MoveServiceRecord(ServiceName, string(sh.Status), string(to))
	sh.Status = to
	sh.UpdatedAt = s.opts.Now().UTC()
	return *sh, nil
}

// Handler returns the HTTP surface of the service.
func (s *Service) Handler() http.Handler {
	return services.NewRouter(ServiceName, s.opts, func(r chi.Router) {
		r.Post("/shipments/", s.handleCreate)
		r.Route("/shipments/{id}", func(r chi.Router) {
			r.Get("/", s.handleGet)
			r.Put("/cancel", s.handleCancel)
			r.Put("/status", s.handleStatus)
		})
	})
}

func (s *Service) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req CreateRequest
	if err := response.DecodeJSON(r, &req); err != nil {
		services.WriteError(w, r, err)
		return
	}
	sh, _, err := s.Create(r.Context(), req, r.Header.Get(services.HeaderIdempotencyKey))
	if err != nil {
		services.WriteError(w, r, err)
		return
	}
	response.JSON(w, http.StatusOK, sh)
}

func (s *Service) handleGet(w http.ResponseWriter, r *http.Request) {
	s.withID(w, r, func(id int64) (Shipment, error) { return s.Get(id) })
}

func (s *Service) handleCancel(w http.ResponseWriter, r *http.Request) {
	s.withID(w, r, func(id int64) (Shipment, error) { return s.Cancel(r.Context(), id) })
}

func (s *Service) handleStatus(w http.ResponseWriter, r *http.Request) {
	var req StatusRequest
	if err := response.DecodeJSON(r, &req); err != nil {
		services.WriteError(w, r, err)
		return
	}
	s.withID(w, r, func(id int64) (Shipment, error) { return s.UpdateStatus(r.Context(), id, req) })
}

func (s *Service) withID(w http.ResponseWriter, r *http.Request, fn func(int64) (Shipment, error)) {
	id, err := services.IDParam(r, "id")
	if err != nil {
		services.WriteError(w, r, err)
		return
	}
	sh, err := fn(id)
	if err != nil {
		services.WriteError(w, r, err)
		return
	}
	response.JSON(w, http.StatusOK, sh)
}
