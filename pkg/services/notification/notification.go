// Package notification implements the notification service. Notifications
// without a future schedule are sent immediately; scheduled ones stay
// pending, can be cancelled, and are sent by DispatchDue.
package notification

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/goclaw/fulfilment/pkg/api/response"
	"github.com/goclaw/fulfilment/pkg/logger"
	"github.com/goclaw/fulfilment/pkg/services"
)

// ServiceName labels logs and metrics.
const ServiceName = "notification"

// Type is the delivery channel.
type Type string

const (
	TypeEmail Type = "email"
	TypeSMS   Type = "sms"
	TypePush  Type = "push"
)

// Status is the delivery status of a notification.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSent      Status = "sent"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Notification is one stored notification.
type Notification struct {
	ID          int64          `json:"id"`
	RecipientID int64          `json:"recipient_id"`
	Type        Type           `json:"type"`
	Subject     string         `json:"subject"`
	Content     string         `json:"content"`
	Status      Status         `json:"status"`
	ScheduledAt time.Time      `json:"scheduled_at"`
	SentAt      *time.Time     `json:"sent_at,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// SendRequest is the body of POST /notifications/ and one element of the
// bulk body.
type SendRequest struct {
	RecipientID int64          `json:"recipient_id" validate:"gte=0"`
	Type        Type           `json:"type" validate:"oneof=email sms push"`
	Subject     string         `json:"subject"`
	Content     string         `json:"content"`
	ScheduledAt *time.Time     `json:"scheduled_at,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Service stores notifications in memory.
type Service struct {
	opts     services.Options
	log      logger.Logger
	validate *validator.Validate
	idem     *services.IdempotencyCache

	mu            sync.Mutex
	nextID        int64
	notifications map[int64]*Notification
}

// New creates an empty notification service.
func New(opts ...services.Option) *Service {
	o := services.BuildOptions(opts...)
	return &Service{
		opts:          o,
		log:           o.Logger.With("service", ServiceName),
		validate:      services.NewValidator(),
		idem:          services.NewIdempotencyCache(),
		nextID:        1,
		notifications: make(map[int64]*Notification),
	}
}

// Send stores a notification. It is sent at once unless scheduled_at lies in
// the future, in which case it stays pending.
func (s *Service) Send(ctx context.Context, req SendRequest, idempotencyKey string) (Notification, bool, error) {
	if err := s.validate.Struct(req); err != nil {
		s.opts.Metrics.RecordServiceOperation(ServiceName, "send", services.ResultRejected)
		s.log.WarnContext(ctx, "notification rejected", "recipient_id", req.RecipientID, "error", err)
		return Notification{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.idem.Lookup(idempotencyKey); ok {
		s.opts.Metrics.RecordServiceOperation(ServiceName, "send", services.ResultReplayed)
		return s.snapshot(s.notifications[id]), true, nil
	}

	now := s.opts.Now().UTC()
	n := &Notification{
		ID:          s.nextID,
		RecipientID: req.RecipientID,
		Type:        req.Type,
		Subject:     req.Subject,
		Content:     req.Content,
		Status:      StatusPending,
		ScheduledAt: now,
		Metadata:    req.Metadata,
		CreatedAt:   now,
	}
	if req.ScheduledAt != nil {
		n.ScheduledAt = req.ScheduledAt.UTC()
	}
	if !n.ScheduledAt.After(now) {
		n.Status = StatusSent
		n.SentAt = &now
	}
	s.nextID++
	s.notifications[n.ID] = n
	s.idem.Remember(idempotencyKey, n.ID)

	s.opts.Metrics.RecordServiceOperation(ServiceName, "send", services.ResultOK)
	s.opts.Metrics.MoveServiceRecord(ServiceName, "", string(n.Status))
	s.log.InfoContext(ctx, "notification stored",
		"notification_id", n.ID,
		"recipient_id", n.RecipientID,
		"type", n.Type,
		"status", n.Status,
	)
	return s.snapshot(n), false, nil
}

// SendBulk sends each request in order and stops at the first failure,
// returning the notifications stored before it.
func (s *Service) SendBulk(ctx context.Context, reqs []SendRequest, idempotencyKey string) ([]Notification, error) {
	out := make([]Notification, 0, len(reqs))
	for i, req := range reqs {
		key := ""
		if idempotencyKey != "" {
			key = fmt.Sprintf("%s/%d", idempotencyKey, i)
		}
		n, _, err := s.Send(ctx, req, key)
		if err != nil {
			return out, fmt.Errorf("notification %d: %w", i, err)
		}
		out = append(out, n)
	}
	return out, nil
}

// Get returns a notification.
func (s *Service) Get(id int64) (Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.notifications[id]
	if !ok {
		return Notification{}, fmt.Errorf("%w: notification %d", response.ErrNotFound, id)
	}
	return s.snapshot(n), nil
}

// Cancel cancels a pending notification.
func (s *Service) Cancel(ctx context.Context, id int64) (Notification, error) {
	n, err := s.cancel(id)
	s.opts.Metrics.RecordServiceOperation(ServiceName, "cancel", services.ResultOf(err))
	if err != nil {
		s.log.WarnContext(ctx, "notification cancellation rejected", "notification_id", id, "error", err)
		return Notification{}, err
	}
	s.log.InfoContext(ctx, "notification cancelled", "notification_id", id)
	return n, nil
}

func (s *Service) cancel(id int64) (Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.notifications[id]
	if !ok {
		return Notification{}, fmt.Errorf("%w: notification %d", response.ErrNotFound, id)
	}
	if n.Status != StatusPending {
		return Notification{}, fmt.Errorf("%w: cannot cancel notification in %s status", response.ErrInvalidState, n.Status)
	}
	s.opts.Metrics.MoveServiceRecord(ServiceName, string(n.Status), string(StatusCancelled))
	n.Status = StatusCancelled
	return s.snapshot(n), nil
}

// DispatchDue sends every pending notification scheduled at or before now
// and returns their ids in ascending order.
func (s *Service) DispatchDue(ctx context.Context) []int64 {
	s.mu.Lock()
	now := s.opts.Now().UTC()
	var sent []int64
	for id, n := range s.notifications {
		if n.Status != StatusPending || n.ScheduledAt.After(now) {
			continue
		}
		s.opts.Metrics.MoveServiceRecord(ServiceName, string(n.Status), string(StatusSent))
		n.Status = StatusSent
		at := now
		n.SentAt = &at
		sent = append(sent, id)
	}
	s.mu.Unlock()

	sort.Slice(sent, func(i, j int) bool { return sent[i] < sent[j] })
	if len(sent) > 0 {
		s.log.InfoContext(ctx, "scheduled notifications dispatched", "count", len(sent))
	}
	return sent
}

// RunDispatcher calls DispatchDue every interval until ctx is cancelled.
func (s *Service) RunDispatcher(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.DispatchDue(ctx)
		}
	}
}

func (s *Service) snapshot(n *Notification) Notification {
	out := *n
	if n.SentAt != nil {
		at := *n.SentAt
		out.SentAt = &at
	}
	if n.Metadata != nil {
		out.Metadata = make(map[string]any, len(n.Metadata))
		for k, v := range n.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// Handler returns the HTTP surface of the service.
func (s *Service) Handler() http.Handler {
	return services.NewRouter(ServiceName, s.opts, func(r chi.Router) {
		r.Post("/notifications/", s.handleSend)
		r.Post("/notifications/bulk", s.handleBulk)
		r.Get("/notifications/{id}", s.handleGet)
		r.Put("/notifications/{id}/cancel", s.handleCancel)
	})
}

func (s *Service) handleSend(w http.ResponseWriter, r *http.Request) {
	var req SendRequest
	if err := response.DecodeJSON(r, &req); err != nil {
		services.WriteError(w, r, err)
		return
	}
	n, _, err := s.Send(r.Context(), req, r.Header.Get(services.HeaderIdempotencyKey))
	if err != nil {
		services.WriteError(w, r, err)
		return
	}
	response.JSON(w, http.StatusOK, n)
}

func (s *Service) handleBulk(w http.ResponseWriter, r *http.Request) {
	var reqs []SendRequest
	if err := response.DecodeJSON(r, &reqs); err != nil {
		services.WriteError(w, r, err)
		return
	}
	out, err := s.SendBulk(r.Context(), reqs, r.Header.Get(services.HeaderIdempotencyKey))
	if err != nil {
		services.WriteError(w, r, err)
		return
	}
	response.JSON(w, http.StatusOK, out)
}

func (s *Service) handleGet(w http.ResponseWriter, r *http.Request) {
	id, err := services.IDParam(r, "id")
	if err != nil {
		services.WriteError(w, r, err)
		return
	}
	n, err := s.Get(id)
	if err != nil {
		services.WriteError(w, r, err)
		return
	}
	response.JSON(w, http.StatusOK, n)
}

func (s *Service) handleCancel(w http.ResponseWriter, r *http.Request) {
	id, err := services.IDParam(r, "id")
	if err != nil {
		services.WriteError(w, r, err)
		return
	}
	n, err := s.Cancel(r.Context(), id)
	if err != nil {
		services.WriteError(w, r, err)
		return
	}
	response.JSON(w, http.StatusOK, n)
}
