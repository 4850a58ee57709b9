package providers

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestReasonIsRetryable(t *testing.T) {
	tests := []struct {
		reason   Reason
		expected bool
	}{
		{ReasonRateLimit, true},
		{ReasonOverloaded, true},
		{ReasonTimeout, true},
		{ReasonConnection, true},
		{ReasonServerError, true},
		{ReasonAuth, false},
		{ReasonInvalidRequest, false},
		{ReasonUnknown, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.reason), func(t *testing.T) {
			if got := tt.reason.IsRetryable(); got != tt.expected {
				t.Errorf("Reason(%q).IsRetryable() = %v, want %v", tt.reason, got, tt.expected)
			}
		})
	}
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Reason
	}{
		{"nil", nil, ReasonUnknown},
		{"timeout", errors.New("context deadline exceeded"), ReasonTimeout},
		{"connection refused", errors.New("dial tcp 127.0.0.1:11434: connection refused"), ReasonConnection},
		{"rate limited", errors.New("429 too many requests"), ReasonRateLimit},
		{"overloaded", errors.New("anthropic: overloaded_error"), ReasonOverloaded},
		{"auth", errors.New("invalid api key"), ReasonAuth},
		{"server error", errors.New("500 internal server error"), ReasonServerError},
		{"unclassified", errors.New("something odd"), ReasonUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyError(tt.err); got != tt.want {
				t.Errorf("ClassifyError(%v) = %q, want %q", tt.err, got, tt.want)
			}
		})
	}
}

func TestProviderErrorWithStatus(t *testing.T) {
	tests := []struct {
		status int
		want   Reason
	}{
		{429, ReasonRateLimit},
		{529, ReasonOverloaded},
		{401, ReasonAuth},
		{403, ReasonAuth},
		{400, ReasonInvalidRequest},
		{500, ReasonServerError},
		{503, ReasonServerError},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("status_%d", tt.status), func(t *testing.T) {
			err := NewProviderError("cloud", "claude-sonnet-4-20250514", errors.New("boom")).WithStatus(tt.status)
			if err.Reason != tt.want {
				t.Errorf("WithStatus(%d).Reason = %q, want %q", tt.status, err.Reason, tt.want)
			}
		})
	}
}

func TestProviderErrorErrorString(t *testing.T) {
	err := NewProviderError("ollama", "llama3.1:8b", errors.New("connection refused")).WithStatus(503)
	msg := err.Error()
	if msg == "" {
		t.Fatal("Error() returned empty string")
	}
	for _, want := range []string{"[server_error]", "ollama", "model=llama3.1:8b", "status=503"} {
		if !strings.Contains(msg, want) {
			t.Errorf("Error() = %q, missing %q", msg, want)
		}
	}
}

func TestGetProviderErrorUnwrapsChain(t *testing.T) {
	inner := NewProviderError("cloud", "claude-3-5-haiku-latest", errors.New("boom"))
	wrapped := fmt.Errorf("generate: %w", inner)

	got, ok := GetProviderError(wrapped)
	if !ok {
		t.Fatal("GetProviderError did not find wrapped ProviderError")
	}
	if got.Model != "claude-3-5-haiku-latest" {
		t.Errorf("Model = %q, want claude-3-5-haiku-latest", got.Model)
	}
}

func TestSecurityErrorNeverRetryable(t *testing.T) {
	err := &SecurityError{Message: "API key not configured"}
	if IsRetryable(err) {
		t.Error("SecurityError should not be retryable")
	}
	if !IsSecurityError(fmt.Errorf("cloud: %w", err)) {
		t.Error("IsSecurityError should find a wrapped SecurityError")
	}
	if IsSecurityError(errors.New("plain")) {
		t.Error("IsSecurityError matched a plain error")
	}
}
