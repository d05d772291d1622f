package activity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/goclaw/fulfilment/pkg/saga"
)

// errorBody is the error envelope every downstream service returns.
type errorBody struct {
	Error struct {
		Code      string `json:"code"`
		Message   string `json:"message"`
		RequestID string `json:"request_id,omitempty"`
	} `json:"error"`
}

// Classify maps a non-2xx response to a failure. 408 and 429 are retryable,
// 409 and 422 are guard-condition rejections, other 4xx are permanent and
// 5xx are transient.
func Classify(status int, body []byte) *saga.FailureInfo {
	code, message := decodeError(status, body)

	var failure *saga.FailureInfo
	switch {
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests:
		failure = saga.Transient(code, message)
	case status == http.StatusConflict, status == http.StatusUnprocessableEntity:
		failure = saga.BusinessRule(code, message)
	case status >= 400 && status < 500:
		failure = saga.Permanent(code, message)
	default:
		failure = saga.Transient(code, message)
	}
	failure.StatusCode = status
	return failure
}

// ClassifyError maps a transport error to a failure. Every transport error
// is transient; a deadline is reported with code "timeout".
func ClassifyError(err error) *saga.FailureInfo {
	if errors.Is(err, context.DeadlineExceeded) {
		return saga.Transient(saga.CodeTimeout, err.Error())
	}
	return saga.Transient(saga.CodeUnavailable, err.Error())
}

func decodeError(status int, body []byte) (code, message string) {
	var envelope errorBody
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Code != "" {
		return strings.ToLower(envelope.Error.Code), envelope.Error.Message
	}

	code = strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	if code == "" {
		code = fmt.Sprintf("http_%d", status)
	}
	message = strings.TrimSpace(string(body))
	if message == "" {
		message = http.StatusText(status)
	}
	return code, message
}
