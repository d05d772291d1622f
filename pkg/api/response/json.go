// Package response writes the JSON bodies and error envelopes of every HTTP
// surface in the module.
package response

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// maxBodyBytes caps request bodies accepted by DecodeJSON.
const maxBodyBytes = 1 << 20

// JSON writes data with statusCode. A nil data writes headers only. Data
// that cannot be encoded turns into a bare 500.
func JSON(w http.ResponseWriter, statusCode int, data any) {
	if data == nil {
		w.WriteHeader(statusCode)
		return
	}

	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(data); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_, _ = w.Write(buf.Bytes())
}

// Error writes the error envelope.
func Error(w http.ResponseWriter, statusCode int, code, message string, requestID string) {
	ErrorWithDetails(w, statusCode, code, message, nil, requestID)
}

// ErrorWithDetails writes the error envelope with per-field details.
func ErrorWithDetails(w http.ResponseWriter, statusCode int, code, message string, details map[string]any, requestID string) {
	JSON(w, statusCode, ErrorResponse{Error: ErrorDetail{
		Code:      code,
		Message:   message,
		Details:   details,
		RequestID: requestID,
	}})
}

// DecodeJSON decodes exactly one JSON value from the request body into v.
// Unknown fields, trailing data and oversized bodies wrap ErrInvalidInput.
func DecodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if dec.More() {
		return fmt.Errorf("%w: unexpected data after the JSON body", ErrInvalidInput)
	}
	return nil
}
