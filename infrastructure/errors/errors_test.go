package errors

import (
	"errors"
	"net/http"
	"testing"
)

func TestServiceError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *ServiceError
		want string
	}{
		{
			name: "error without underlying error",
			err:  New(ErrCodeConfigMissing, "test message", http.StatusInternalServerError),
			want: "[CFG_6002] test message",
		},
		{
			name: "error with underlying error",
			err:  Wrap(ErrCodeBusUnavailable, "test message", http.StatusServiceUnavailable, errors.New("underlying")),
			want: "[BUS_3001] test message: underlying",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestServiceError_Unwrap(t *testing.T) {
	underlying := errors.New("underlying error")
	err := Wrap(ErrCodeBusUnavailable, "test", http.StatusServiceUnavailable, underlying)

	if got := err.Unwrap(); got != underlying {
		t.Errorf("Unwrap() = %v, want %v", got, underlying)
	}
}

func TestServiceError_WithDetails(t *testing.T) {
	err := New(ErrCodeConfigMalformed, "test", http.StatusInternalServerError)
	err.WithDetails("field", "global_hard_cap").WithDetails("reason", "negative")

	if len(err.Details) != 2 {
		t.Errorf("Details length = %d, want 2", len(err.Details))
	}
	if err.Details["field"] != "global_hard_cap" {
		t.Errorf("Details[field] = %v, want global_hard_cap", err.Details["field"])
	}
}

func TestAborted(t *testing.T) {
	err := Aborted("test-agent", "global cap exceeded")

	if err.Code != ErrCodeAdmissionAborted {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeAdmissionAborted)
	}
	if err.Details["agent"] != "test-agent" {
		t.Errorf("Details[agent] = %v, want test-agent", err.Details["agent"])
	}
}

func TestThrottled(t *testing.T) {
	err := Throttled("test-agent")

	if err.Code != ErrCodeAdmissionThrottled {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeAdmissionThrottled)
	}
	if err.HTTPStatus != http.StatusTooManyRequests {
		t.Errorf("HTTPStatus = %d, want %d", err.HTTPStatus, http.StatusTooManyRequests)
	}
}

func TestDeadlockDetected(t *testing.T) {
	err := DeadlockDetected("agent-a", "/repo/file.go", "agent-b")

	if err.Code != ErrCodeDeadlockDetected {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeDeadlockDetected)
	}
	if err.Details["victim"] != "agent-b" {
		t.Errorf("Details[victim] = %v, want agent-b", err.Details["victim"])
	}
}

func TestBusUnavailable(t *testing.T) {
	underlying := errors.New("connection refused")
	err := BusUnavailable("publish", underlying)

	if err.Code != ErrCodeBusUnavailable {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeBusUnavailable)
	}
	if err.HTTPStatus != http.StatusServiceUnavailable {
		t.Errorf("HTTPStatus = %d, want %d", err.HTTPStatus, http.StatusServiceUnavailable)
	}
	if err.Err != underlying {
		t.Errorf("Err = %v, want %v", err.Err, underlying)
	}
}

func TestContextHashMismatch(t *testing.T) {
	err := ContextHashMismatch()
	if err.Code != ErrCodeContextHashMismatch {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeContextHashMismatch)
	}
}

func TestContextStale(t *testing.T) {
	err := ContextStale(4000, 3600)
	if err.Code != ErrCodeContextStale {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeContextStale)
	}
	if err.Details["age_seconds"] != 4000 {
		t.Errorf("Details[age_seconds] = %v, want 4000", err.Details["age_seconds"])
	}
}

func TestContextCreditExhaustion(t *testing.T) {
	err := ContextCreditExhaustion(960, 1000)
	if err.Code != ErrCodeContextCreditExhaust {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeContextCreditExhaust)
	}
}

func TestHandlerFailed(t *testing.T) {
	underlying := errors.New("boom")
	err := HandlerFailed("auditor", "audit_request", underlying)

	if err.Code != ErrCodeHandlerError {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeHandlerError)
	}
	if err.Details["message_type"] != "audit_request" {
		t.Errorf("Details[message_type] = %v, want audit_request", err.Details["message_type"])
	}
}

func TestNoRoute(t *testing.T) {
	err := NoRoute("auditor", "unknown_type")
	if err.Code != ErrCodeNoRoute {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeNoRoute)
	}
}

func TestCreditLimitExceeded(t *testing.T) {
	err := CreditLimitExceeded("auditor", 1000, 1000)
	if err.Code != ErrCodeCreditExceeded {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeCreditExceeded)
	}
}

func TestConfigMalformed(t *testing.T) {
	underlying := errors.New("yaml: line 3: bad indentation")
	err := ConfigMalformed("config.yaml", underlying)

	if err.Code != ErrCodeConfigMalformed {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeConfigMalformed)
	}
	if err.Details["path"] != "config.yaml" {
		t.Errorf("Details[path] = %v, want config.yaml", err.Details["path"])
	}
}

func TestIsServiceError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"service error", New(ErrCodeConfigMissing, "test", http.StatusInternalServerError), true},
		{"standard error", errors.New("standard error"), false},
		{"nil error", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsServiceError(tt.err); got != tt.want {
				t.Errorf("IsServiceError() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGetServiceError(t *testing.T) {
	serviceErr := New(ErrCodeConfigMissing, "test", http.StatusInternalServerError)
	standardErr := errors.New("standard error")

	tests := []struct {
		name string
		err  error
		want *ServiceError
	}{
		{"service error", serviceErr, serviceErr},
		{"standard error", standardErr, nil},
		{"nil error", nil, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := GetServiceError(tt.err)
			if got != tt.want {
				t.Errorf("GetServiceError() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGetHTTPStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"service error", Throttled("agent"), http.StatusTooManyRequests},
		{"standard error", errors.New("standard error"), http.StatusInternalServerError},
		{"nil error", nil, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := GetHTTPStatus(tt.err); got != tt.want {
				t.Errorf("GetHTTPStatus() = %v, want %v", got, tt.want)
			}
		})
	}
}
