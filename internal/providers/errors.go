package providers

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Reason categorizes why a provider request failed. It drives retry and
// escalation decisions in the router.
type Reason string

const (
	// ReasonRateLimit indicates throttling (HTTP 429).
	ReasonRateLimit Reason = "rate_limit"

	// ReasonOverloaded indicates the backend is shedding load (HTTP 529).
	ReasonOverloaded Reason = "overloaded"

	// ReasonAuth indicates authentication failure (HTTP 401, 403).
	ReasonAuth Reason = "auth"

	// ReasonTimeout indicates a request deadline was exceeded.
	ReasonTimeout Reason = "timeout"

	// ReasonConnection indicates the backend could not be reached.
	ReasonConnection Reason = "connection"

	// ReasonServerError indicates backend-side failure (HTTP 5xx).
	ReasonServerError Reason = "server_error"

	// ReasonInvalidRequest indicates a malformed request (HTTP 400).
	ReasonInvalidRequest Reason = "invalid_request"

	// ReasonUnknown indicates an unclassified error.
	ReasonUnknown Reason = "unknown"
)

// IsRetryable reports whether retrying the same backend may succeed.
func (r Reason) IsRetryable() bool {
	switch r {
	case ReasonRateLimit, ReasonOverloaded, ReasonTimeout, ReasonConnection, ReasonServerError:
		return true
	default:
		return false
	}
}

// ProviderError is a structured error from a model backend. It carries the
// context the router needs for retry and escalation plus enough detail for
// the log line to be actionable.
type ProviderError struct {
	// Reason categorizes the error for retry logic.
	Reason Reason

	// Provider is the backend key ("local" or "cloud").
	Provider string

	// Model is the model that was requested.
	Model string

	// Status is the HTTP status code, if applicable.
	Status int

	// Code is the backend-specific error code.
	Code string

	// Message is the human-readable error message.
	Message string

	// RequestID is the backend's request ID when one was returned.
	RequestID string

	// Cause is the underlying error.
	Cause error
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	var parts []string

	parts = append(parts, fmt.Sprintf("[%s]", e.Reason))

	if e.Provider != "" {
		parts = append(parts, e.Provider)
	}
	if e.Model != "" {
		parts = append(parts, fmt.Sprintf("model=%s", e.Model))
	}
	if e.Status != 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.Status))
	}
	if e.Code != "" {
		parts = append(parts, fmt.Sprintf("code=%s", e.Code))
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}

	return strings.Join(parts, " ")
}

// Unwrap returns the underlying error.
func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// NewProviderError creates a ProviderError, classifying the cause.
func NewProviderError(provider, model string, cause error) *ProviderError {
	err := &ProviderError{
		Provider: provider,
		Model:    model,
		Cause:    cause,
		Reason:   ReasonUnknown,
	}
	if cause != nil {
		err.Message = cause.Error()
		err.Reason = ClassifyError(cause)
	}
	return err
}

// WithStatus adds the HTTP status and reclassifies from it.
func (e *ProviderError) WithStatus(status int) *ProviderError {
	e.Status = status
	e.Reason = classifyStatusCode(status)
	return e
}

// WithCode adds a backend-specific error code and reclassifies when the
// code is recognized.
func (e *ProviderError) WithCode(code string) *ProviderError {
	e.Code = code
	if reason := classifyErrorCode(code); reason != ReasonUnknown {
		e.Reason = reason
	}
	return e
}

// WithRequestID adds the backend's request ID.
func (e *ProviderError) WithRequestID(id string) *ProviderError {
	e.RequestID = id
	return e
}

// WithMessage sets the error message.
func (e *ProviderError) WithMessage(msg string) *ProviderError {
	e.Message = msg
	return e
}

// ClassifyError inspects an error and returns the appropriate Reason.
func ClassifyError(err error) Reason {
	if err == nil {
		return ReasonUnknown
	}

	errStr := strings.ToLower(err.Error())

	if strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "deadline exceeded") ||
		strings.Contains(errStr, "context deadline") {
		return ReasonTimeout
	}

	if strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "no such host") ||
		strings.Contains(errStr, "broken pipe") {
		return ReasonConnection
	}

	if strings.Contains(errStr, "rate limit") ||
		strings.Contains(errStr, "rate_limit") ||
		strings.Contains(errStr, "too many requests") ||
		strings.Contains(errStr, "429") {
		return ReasonRateLimit
	}

	if strings.Contains(errStr, "overloaded") ||
		strings.Contains(errStr, "529") {
		return ReasonOverloaded
	}

	if strings.Contains(errStr, "unauthorized") ||
		strings.Contains(errStr, "invalid api key") ||
		strings.Contains(errStr, "invalid_api_key") ||
		strings.Contains(errStr, "authentication") ||
		strings.Contains(errStr, "401") ||
		strings.Contains(errStr, "403") {
		return ReasonAuth
	}

	if strings.Contains(errStr, "internal server") ||
		strings.Contains(errStr, "server error") ||
		strings.Contains(errStr, "bad gateway") ||
		strings.Contains(errStr, "service unavailable") ||
		strings.Contains(errStr, "500") ||
		strings.Contains(errStr, "502") ||
		strings.Contains(errStr, "503") ||
		strings.Contains(errStr, "504") {
		return ReasonServerError
	}

	return ReasonUnknown
}

// classifyStatusCode returns a Reason based on HTTP status code.
func classifyStatusCode(status int) Reason {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ReasonAuth
	case status == http.StatusTooManyRequests:
		return ReasonRateLimit
	case status == http.StatusBadRequest:
		return ReasonInvalidRequest
	case status == 529:
		return ReasonOverloaded
	case status >= 500:
		return ReasonServerError
	default:
		return ReasonUnknown
	}
}

// classifyErrorCode returns a Reason based on backend-specific error codes.
func classifyErrorCode(code string) Reason {
	switch strings.ToLower(code) {
	case "rate_limit_error", "rate_limit_exceeded":
		return ReasonRateLimit
	case "overloaded_error":
		return ReasonOverloaded
	case "authentication_error", "permission_error", "invalid_api_key":
		return ReasonAuth
	case "timeout_error":
		return ReasonTimeout
	case "api_error", "internal_error":
		return ReasonServerError
	case "invalid_request_error":
		return ReasonInvalidRequest
	default:
		return ReasonUnknown
	}
}

// GetProviderError extracts a ProviderError from an error chain.
func GetProviderError(err error) (*ProviderError, bool) {
	var providerErr *ProviderError
	if errors.As(err, &providerErr) {
		return providerErr, true
	}
	return nil, false
}

// IsRetryable checks if an error should be retried against the same backend.
func IsRetryable(err error) bool {
	if providerErr, ok := GetProviderError(err); ok {
		return providerErr.Reason.IsRetryable()
	}
	return ClassifyError(err).IsRetryable()
}

// SecurityError marks a refusal on security grounds, such as a missing
// credential. It is never retried and never escalated.
type SecurityError struct {
	Message string
}

func (e *SecurityError) Error() string {
	return "security: " + e.Message
}

// IsSecurityError checks if an error chain contains a SecurityError.
func IsSecurityError(err error) bool {
	var securityErr *SecurityError
	return errors.As(err, &securityErr)
}
