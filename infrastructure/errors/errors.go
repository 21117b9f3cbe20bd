// Package errors provides the substrate's error taxonomy.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode represents a unique, stable error code.
type ErrorCode string

const (
	// AdmissionDenied: Sentinel returned abort or throttle on a request
	// that cannot proceed.
	ErrCodeAdmissionAborted   ErrorCode = "ADM_1001"
	ErrCodeAdmissionThrottled ErrorCode = "ADM_1002"

	// DeadlockDetected: lock acquisition would cycle the wait-for graph.
	ErrCodeDeadlockDetected ErrorCode = "LOCK_2001"

	// BusUnavailable: publish or consume failed past the retry ceiling.
	ErrCodeBusUnavailable ErrorCode = "BUS_3001"
	ErrCodeBusTimeout     ErrorCode = "BUS_3002"

	// ContextInvalid: the Context Validator rejected a summary.
	ErrCodeContextHashMismatch   ErrorCode = "CTX_4001"
	ErrCodeContextSHADivergence  ErrorCode = "CTX_4002"
	ErrCodeContextBranchMismatch ErrorCode = "CTX_4003"
	ErrCodeContextStale          ErrorCode = "CTX_4004"
	ErrCodeContextCreditExhaust  ErrorCode = "CTX_4005"
	ErrCodeContextMissing        ErrorCode = "CTX_4006"

	// HandlerError: an agent handler raised.
	ErrCodeHandlerPanic    ErrorCode = "HDL_5001"
	ErrCodeHandlerError    ErrorCode = "HDL_5002"
	ErrCodeNoRoute         ErrorCode = "HDL_5003"
	ErrCodeCreditExceeded  ErrorCode = "HDL_5004"

	// ConfigError: malformed config or schema, fatal at startup.
	ErrCodeConfigMalformed ErrorCode = "CFG_6001"
	ErrCodeConfigMissing   ErrorCode = "CFG_6002"
)

// ServiceError is a structured error carrying a stable code, a message,
// an HTTP-equivalent status for the admin surface, and optional details.
type ServiceError struct {
	Code       ErrorCode              `json:"code"`
	Message    string                 `json:"message"`
	HTTPStatus int                    `json:"-"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Err        error                  `json:"-"`
}

func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

// WithDetails adds additional details to the error and returns it for
// chaining.
func (e *ServiceError) WithDetails(key string, value interface{}) *ServiceError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

func New(code ErrorCode, message string, httpStatus int) *ServiceError {
	return &ServiceError{Code: code, Message: message, HTTPStatus: httpStatus}
}

func Wrap(code ErrorCode, message string, httpStatus int, err error) *ServiceError {
	return &ServiceError{Code: code, Message: message, HTTPStatus: httpStatus, Err: err}
}

// --- AdmissionDenied ---

// Aborted reports that the Sentinel issued an abort verdict for agent.
func Aborted(agent, reason string) *ServiceError {
	return New(ErrCodeAdmissionAborted, "agent aborted", http.StatusForbidden).
		WithDetails("agent", agent).
		WithDetails("reason", reason)
}

// Throttled reports that the Sentinel issued a throttle verdict for agent.
func Throttled(agent string) *ServiceError {
	return New(ErrCodeAdmissionThrottled, "agent throttled", http.StatusTooManyRequests).
		WithDetails("agent", agent)
}

// --- DeadlockDetected ---

// DeadlockDetected reports that acquiring path for agent would cycle the
// wait-for graph; victim names the agent the resolution policy aborted.
func DeadlockDetected(agent, path, victim string) *ServiceError {
	return New(ErrCodeDeadlockDetected, "lock acquisition would deadlock", http.StatusConflict).
		WithDetails("agent", agent).
		WithDetails("path", path).
		WithDetails("victim", victim)
}

// --- BusUnavailable ---

func BusUnavailable(operation string, err error) *ServiceError {
	return Wrap(ErrCodeBusUnavailable, "message bus operation failed", http.StatusServiceUnavailable, err).
		WithDetails("operation", operation)
}

func BusTimeout(operation string) *ServiceError {
	return New(ErrCodeBusTimeout, "message bus operation timed out", http.StatusGatewayTimeout).
		WithDetails("operation", operation)
}

// --- ContextInvalid ---

func ContextHashMismatch() *ServiceError {
	return New(ErrCodeContextHashMismatch, "context hash does not match recomputed value", http.StatusConflict)
}

func ContextSHADivergence(want, got string) *ServiceError {
	return New(ErrCodeContextSHADivergence, "git HEAD diverges from recorded context", http.StatusConflict).
		WithDetails("recorded_sha", want).
		WithDetails("current_sha", got)
}

func ContextBranchMismatch(want, got string) *ServiceError {
	return New(ErrCodeContextBranchMismatch, "git branch diverges from recorded context", http.StatusConflict).
		WithDetails("recorded_branch", want).
		WithDetails("current_branch", got)
}

func ContextStale(ageSeconds, maxSeconds int) *ServiceError {
	return New(ErrCodeContextStale, "context exceeds maximum staleness", http.StatusConflict).
		WithDetails("age_seconds", ageSeconds).
		WithDetails("max_seconds", maxSeconds)
}

func ContextCreditExhaustion(used, cap int) *ServiceError {
	return New(ErrCodeContextCreditExhaust, "credit usage exceeds validator threshold", http.StatusConflict).
		WithDetails("used", used).
		WithDetails("cap", cap)
}

func ContextMissing(path string) *ServiceError {
	return New(ErrCodeContextMissing, "session summary not found", http.StatusNotFound).
		WithDetails("path", path)
}

// --- HandlerError ---

func HandlerPanic(agent string, recovered interface{}) *ServiceError {
	return New(ErrCodeHandlerPanic, "agent handler panicked", http.StatusInternalServerError).
		WithDetails("agent", agent).
		WithDetails("recovered", fmt.Sprintf("%v", recovered))
}

func HandlerFailed(agent, messageType string, err error) *ServiceError {
	return Wrap(ErrCodeHandlerError, "agent handler returned an error", http.StatusInternalServerError, err).
		WithDetails("agent", agent).
		WithDetails("message_type", messageType)
}

func NoRoute(agent, messageType string) *ServiceError {
	return New(ErrCodeNoRoute, "no route for message type", http.StatusNotImplemented).
		WithDetails("agent", agent).
		WithDetails("message_type", messageType)
}

func CreditLimitExceeded(agent string, used, limit int) *ServiceError {
	return New(ErrCodeCreditExceeded, "agent credit limit exceeded", http.StatusForbidden).
		WithDetails("agent", agent).
		WithDetails("used", used).
		WithDetails("limit", limit)
}

// --- ConfigError ---

func ConfigMalformed(path string, err error) *ServiceError {
	return Wrap(ErrCodeConfigMalformed, "configuration file is malformed", http.StatusInternalServerError, err).
		WithDetails("path", path)
}

func ConfigMissing(key string) *ServiceError {
	return New(ErrCodeConfigMissing, "required configuration value is missing", http.StatusInternalServerError).
		WithDetails("key", key)
}

// Helper functions

// IsServiceError reports whether err is (or wraps) a *ServiceError.
func IsServiceError(err error) bool {
	var serviceErr *ServiceError
	return errors.As(err, &serviceErr)
}

// GetServiceError extracts a *ServiceError from an error chain, or nil.
func GetServiceError(err error) *ServiceError {
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return serviceErr
	}
	return nil
}

// GetHTTPStatus returns the HTTP-equivalent status code for an error.
func GetHTTPStatus(err error) int {
	if serviceErr := GetServiceError(err); serviceErr != nil {
		return serviceErr.HTTPStatus
	}
	return http.StatusInternalServerError
}
