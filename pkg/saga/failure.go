package saga

import (
	"errors"
	"fmt"
)

// FailureKind classifies why an activity did not succeed.
type FailureKind string

const (
	// FailureTransient covers timeouts, connection errors and 5xx responses.
	FailureTransient FailureKind = "transient"
	// FailurePermanent covers validation errors and other non-retryable 4xx responses.
	FailurePermanent FailureKind = "permanent"
	// FailureBusinessRule covers requests rejected by a downstream guard condition.
	FailureBusinessRule FailureKind = "business_rule_violation"
	// FailureCompensation marks a compensating action that could not be applied.
	FailureCompensation FailureKind = "compensation_failure"
)

// Retryable reports whether the retry policy may schedule another attempt.
func (k FailureKind) Retryable() bool {
	return k == FailureTransient
}

// Failure codes produced by the runtime itself.
const (
	CodeTimeout     = "timeout"
	CodeCancelled   = "cancelled"
	CodeUnavailable = "unavailable"
	CodeBadPayload  = "bad_payload"
)

// FailureInfo describes a failed activity or saga.
type FailureInfo struct {
	Kind       FailureKind `json:"kind"`
	Code       string      `json:"code,omitempty"`
	Message    string      `json:"message"`
	Step       StepName    `json:"originating_step,omitempty"`
	StatusCode int         `json:"status_code,omitempty"`
}

// Error implements error.
func (f *FailureInfo) Error() string {
	if f == nil {
		return "<nil>"
	}
	if f.Code != "" {
		return fmt.Sprintf("%s: %s failure (%s): %s", f.Step, f.Kind, f.Code, f.Message)
	}
	return fmt.Sprintf("%s: %s failure: %s", f.Step, f.Kind, f.Message)
}

// Transient builds a retryable failure.
func Transient(code, message string) *FailureInfo {
	return &FailureInfo{Kind: FailureTransient, Code: code, Message: message}
}

// Permanent builds a non-retryable failure.
func Permanent(code, message string) *FailureInfo {
	return &FailureInfo{Kind: FailurePermanent, Code: code, Message: message}
}

// BusinessRule builds a non-retryable guard-condition failure.
func BusinessRule(code, message string) *FailureInfo {
	return &FailureInfo{Kind: FailureBusinessRule, Code: code, Message: message}
}

func compensationFailure(action StepName, cause *FailureInfo) FailureInfo {
	out := FailureInfo{Kind: FailureCompensation, Step: action}
	if cause != nil {
		out.Code = cause.Code
		out.Message = cause.Message
		out.StatusCode = cause.StatusCode
	}
	return out
}

var (
	// ErrSagaNotFound is returned when a saga instance cannot be located.
	ErrSagaNotFound = errors.New("saga instance not found")

	// ErrSagaTerminal is returned when an operation needs a non-terminal saga.
	ErrSagaTerminal = errors.New("saga instance is terminal")

	// ErrInvalidTransition is returned for a state change outside the transition table.
	ErrInvalidTransition = errors.New("invalid saga state transition")

	// ErrSuspended is returned when a saga stops at a suspension point because
	// the process is shutting down. The saga stays resumable.
	ErrSuspended = errors.New("saga suspended")

	// ErrJournalClosed is returned by journals after Close.
	ErrJournalClosed = errors.New("journal is closed")

	// ErrOrchestratorClosed is returned when starting sagas after shutdown began.
	ErrOrchestratorClosed = errors.New("orchestrator is closed")
)
