package response

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/goclaw/fulfilment/pkg/saga"
)

// ErrorResponse is the error body shared by the orchestrator API and the
// downstream services.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains error information.
type ErrorDetail struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id"`
}

// Error codes. The activity invoker lower-cases them into failure codes.
const (
	ErrCodeInvalidInput       = "INVALID_INPUT"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeInvalidState       = "INVALID_STATE"
	ErrCodeMethodNotAllowed   = "METHOD_NOT_ALLOWED"
	ErrCodeInternalServer     = "INTERNAL_SERVER_ERROR"
	ErrCodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	ErrCodeGatewayTimeout     = "GATEWAY_TIMEOUT"
)

var (
	ErrNotFound           = errors.New("resource not found")
	ErrInvalidInput       = errors.New("invalid input")
	ErrInvalidState       = errors.New("invalid state")
	ErrServiceUnavailable = errors.New("service unavailable")
	ErrTimeout            = errors.New("request timeout")
)

// HTTPStatusFromError maps service and saga errors to HTTP status codes.
func HTTPStatusFromError(err error) int {
	var validationErrs validator.ValidationErrors
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, saga.ErrSagaNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidInput), errors.As(err, &validationErrs):
		return http.StatusBadRequest
	case errors.Is(err, ErrInvalidState), errors.Is(err, saga.ErrSagaTerminal):
		return http.StatusConflict
	case errors.Is(err, ErrServiceUnavailable), errors.Is(err, saga.ErrOrchestratorClosed),
		errors.Is(err, saga.ErrSuspended):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// ErrorCodeFromStatus returns an error code for the given HTTP status.
func ErrorCodeFromStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return ErrCodeInvalidInput
	case http.StatusNotFound:
		return ErrCodeNotFound
	case http.StatusMethodNotAllowed:
		return ErrCodeMethodNotAllowed
	case http.StatusConflict:
		return ErrCodeInvalidState
	case http.StatusServiceUnavailable:
		return ErrCodeServiceUnavailable
	case http.StatusGatewayTimeout:
		return ErrCodeGatewayTimeout
	default:
		return ErrCodeInternalServer
	}
}

// HandleError writes the error body matching err. Validation errors carry
// the failing field tags as details.
func HandleError(w http.ResponseWriter, err error, requestID string) {
	status := HTTPStatusFromError(err)
	code := ErrorCodeFromStatus(status)

	var validationErrs validator.ValidationErrors
	if errors.As(err, &validationErrs) {
		ErrorWithDetails(w, status, code, "request validation failed", validationDetails(validationErrs), requestID)
		return
	}
	Error(w, status, code, err.Error(), requestID)
}

func validationDetails(errs validator.ValidationErrors) map[string]any {
	details := make(map[string]any, len(errs))
	for _, fe := range errs {
		rule := fe.Tag()
		if fe.Param() != "" {
			rule += "=" + fe.Param()
		}
		details[strings.ToLower(fe.Field())] = rule
	}
	return details
}
