package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/goclaw/fulfilment/pkg/api/middleware"
	"github.com/goclaw/fulfilment/pkg/api/models"
	"github.com/goclaw/fulfilment/pkg/api/response"
	"github.com/goclaw/fulfilment/pkg/logger"
	"github.com/goclaw/fulfilment/pkg/saga"
	"github.com/goclaw/fulfilment/pkg/services"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// SagaHandler serves the fulfilment endpoints.
type SagaHandler struct {
	orchestrator  *saga.Orchestrator
	logger        logger.Logger
	validator     *validator.Validate
	fulfilTimeout time.Duration
}

// NewSagaHandler creates a saga handler. fulfilTimeout bounds how long the
// synchronous endpoint waits; zero waits for as long as the request lives.
func NewSagaHandler(orchestrator *saga.Orchestrator, log logger.Logger, fulfilTimeout time.Duration) *SagaHandler {
	if log == nil {
		log = logger.Discard()
	}
	return &SagaHandler{
		orchestrator:  orchestrator,
		logger:        log,
		validator:     services.NewValidator(),
		fulfilTimeout: fulfilTimeout,
	}
}

// Fulfil handles POST /api/orders/fulfill.
//
//	@Summary	Fulfil an order synchronously
//	@Tags		orders
//	@Accept		json
//	@Produce	json
//	@Param		request	body		models.FulfilRequest	true	"Order"
//	@Success	200		{object}	models.FulfilResponse
//	@Failure	422		{object}	models.FulfilResponse
//	@Failure	504		{object}	response.ErrorResponse
//	@Router		/api/orders/fulfill [post]
func (h *SagaHandler) Fulfil(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decode(w, r)
	if !ok {
		return
	}

	instance, err := h.orchestrator.Start(r.Context(), req.OrderRequest())
	if err != nil {
		response.HandleError(w, err, middleware.GetRequestID(r.Context()))
		return
	}

	ctx := r.Context()
	if h.fulfilTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.fulfilTimeout)
		defer cancel()
	}

	final, err := h.orchestrator.Wait(ctx, instance.ID)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			h.logger.WarnContext(r.Context(), "fulfilment still running after wait", "saga_id", instance.ID)
			response.ErrorWithDetails(w, http.StatusGatewayTimeout, response.ErrCodeGatewayTimeout,
				"fulfilment did not finish in time", map[string]any{"workflow_id": instance.ID},
				middleware.GetRequestID(r.Context()))
			return
		}
		response.HandleError(w, err, middleware.GetRequestID(r.Context()))
		return
	}

	resp := models.FulfilResponse{WorkflowID: final.ID}
	if final.Outcome.Succeeded() {
		resp.Status = models.StatusCompleted
		resp.Result = final.Outcome.Success
		response.JSON(w, http.StatusOK, resp)
		return
	}

	resp.Status = models.StatusFailed
	if final.Outcome != nil {
		resp.Failure = final.Outcome.Failure
		resp.CompensationFailures = final.Outcome.CompensationFailures
		resp.FailureNotificationSent = final.Outcome.FailureNotificationSent
	}
	response.JSON(w, http.StatusUnprocessableEntity, resp)
}

// StartSaga handles POST /api/v1/sagas.
//
//	@Summary	Start a fulfilment saga
//	@Tags		sagas
//	@Accept		json
//	@Produce	json
//	@Param		request	body		models.FulfilRequest	true	"Order"
//	@Success	202		{object}	models.SagaAcceptedResponse
//	@Failure	400		{object}	response.ErrorResponse
//	@Failure	503		{object}	response.ErrorResponse
//	@Router		/api/v1/sagas [post]
func (h *SagaHandler) StartSaga(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decode(w, r)
	if !ok {
		return
	}

	instance, err := h.orchestrator.Start(r.Context(), req.OrderRequest())
	if err != nil {
		response.HandleError(w, err, middleware.GetRequestID(r.Context()))
		return
	}

	w.Header().Set("Location", "/api/v1/sagas/"+instance.ID)
	response.JSON(w, http.StatusAccepted, models.SagaAcceptedResponse{
		SagaID: instance.ID,
		State:  instance.State.String(),
	})
}

// GetSaga handles GET /api/v1/sagas/{sagaID}.
//
//	@Summary	Get a saga
//	@Tags		sagas
//	@Produce	json
//	@Param		sagaID	path		string	true	"Saga ID"
//	@Success	200		{object}	models.SagaStatusResponse
//	@Failure	404		{object}	response.ErrorResponse
//	@Router		/api/v1/sagas/{sagaID} [get]
func (h *SagaHandler) GetSaga(w http.ResponseWriter, r *http.Request) {
	sagaID := chi.URLParam(r, middleware.SagaIDParam)

	instance, err := h.orchestrator.Get(r.Context(), sagaID)
	if err != nil {
		response.HandleError(w, err, middleware.GetRequestID(r.Context()))
		return
	}
	response.JSON(w, http.StatusOK, models.NewSagaStatusResponse(instance, h.orchestrator.Running(sagaID)))
}

// ListSagas handles GET /api/v1/sagas.
//
//	@Summary	List sagas
//	@Tags		sagas
//	@Produce	json
//	@Param		state	query		string	false	"State filter"
//	@Param		limit	query		int		false	"Page size"
//	@Param		offset	query		int		false	"Page offset"
//	@Success	200		{object}	models.SagaListResponse
//	@Failure	400		{object}	response.ErrorResponse
//	@Router		/api/v1/sagas [get]
func (h *SagaHandler) ListSagas(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	limit, err := queryInt(query.Get("limit"), defaultListLimit)
	if err != nil {
		response.HandleError(w, err, middleware.GetRequestID(r.Context()))
		return
	}
	if limit == 0 || limit > maxListLimit {
		limit = maxListLimit
	}
	offset, err := queryInt(query.Get("offset"), 0)
	if err != nil {
		response.HandleError(w, err, middleware.GetRequestID(r.Context()))
		return
	}

	filter := saga.SagaListFilter{Limit: limit, Offset: offset}
	if raw := strings.TrimSpace(query.Get("state")); raw != "" {
		state, err := saga.ParseState(raw)
		if err != nil {
			response.HandleError(w, fmt.Errorf("%w: %v", response.ErrInvalidInput, err), middleware.GetRequestID(r.Context()))
			return
		}
		filter.State = state.String()
	}

	instances, total, err := h.orchestrator.List(r.Context(), filter)
	if err != nil {
		response.HandleError(w, err, middleware.GetRequestID(r.Context()))
		return
	}

	items := make([]models.SagaSummary, 0, len(instances))
	for _, instance := range instances {
		items = append(items, models.SagaSummary{
			SagaID:      instance.ID,
			State:       instance.State.String(),
			CustomerID:  instance.Request.CustomerID,
			CreatedAt:   instance.CreatedAt,
			CompletedAt: instance.CompletedAt,
		})
	}

	response.JSON(w, http.StatusOK, models.SagaListResponse{
		Items:  items,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

// GetJournal handles GET /api/v1/sagas/{sagaID}/journal.
//
//	@Summary	Get the recorded history of a saga
//	@Tags		sagas
//	@Produce	json
//	@Param		sagaID	path		string	true	"Saga ID"
//	@Success	200		{object}	models.JournalResponse
//	@Failure	404		{object}	response.ErrorResponse
//	@Router		/api/v1/sagas/{sagaID}/journal [get]
func (h *SagaHandler) GetJournal(w http.ResponseWriter, r *http.Request) {
	sagaID := chi.URLParam(r, middleware.SagaIDParam)

	entries, err := h.orchestrator.History(r.Context(), sagaID)
	if err != nil {
		response.HandleError(w, err, middleware.GetRequestID(r.Context()))
		return
	}
	if entries == nil {
		entries = []saga.JournalEntry{}
	}
	response.JSON(w, http.StatusOK, models.JournalResponse{SagaID: sagaID, Entries: entries})
}

// CancelSaga handles POST /api/v1/sagas/{sagaID}/cancel.
//
//	@Summary	Request cancellation of a saga
//	@Tags		sagas
//	@Produce	json
//	@Param		sagaID	path		string	true	"Saga ID"
//	@Success	202		{object}	models.SagaAcceptedResponse
//	@Failure	404		{object}	response.ErrorResponse
//	@Failure	409		{object}	response.ErrorResponse
//	@Router		/api/v1/sagas/{sagaID}/cancel [post]
func (h *SagaHandler) CancelSaga(w http.ResponseWriter, r *http.Request) {
	sagaID := chi.URLParam(r, middleware.SagaIDParam)

	instance, err := h.orchestrator.Cancel(r.Context(), sagaID)
	if err != nil {
		response.HandleError(w, err, middleware.GetRequestID(r.Context()))
		return
	}
	response.JSON(w, http.StatusAccepted, models.SagaAcceptedResponse{
		SagaID:          instance.ID,
		State:           instance.State.String(),
		CancelRequested: true,
	})
}

func (h *SagaHandler) decode(w http.ResponseWriter, r *http.Request) (models.FulfilRequest, bool) {
	var req models.FulfilRequest
	if err := response.DecodeJSON(r, &req); err != nil {
		response.HandleError(w, err, middleware.GetRequestID(r.Context()))
		return req, false
	}
	if err := h.validator.Struct(&req); err != nil {
		response.HandleError(w, err, middleware.GetRequestID(r.Context()))
		return req, false
	}
	return req, true
}

func queryInt(raw string, fallback int) (int, error) {
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return 0, fmt.Errorf("%w: %q is not a non-negative integer", response.ErrInvalidInput, raw)
	}
	return value, nil
}
