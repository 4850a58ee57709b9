// Package providers contains the model backend implementations.
//
// A Provider turns a normalized request into a normalized response. The
// router never sees wire formats: Ollama's NDJSON and Anthropic's SSE both
// collapse into NormalizedResponse so that retries, escalation, and cost
// accounting work the same regardless of where the tokens came from.
package providers

import (
	"context"

	"github.com/haasonsaas/valet/internal/tools"
	"github.com/haasonsaas/valet/pkg/models"
)

// Provider keys used by the registry and the audit log.
const (
	ProviderLocal = "local"
	ProviderCloud = "cloud"
)

// FinishReason is the normalized completion status.
type FinishReason string

const (
	// FinishStop means the model completed naturally.
	FinishStop FinishReason = "stop"
	// FinishToolUse means the model is requesting tool execution.
	FinishToolUse FinishReason = "tool_use"
	// FinishLength means the completion hit the output token cap.
	FinishLength FinishReason = "length"
	// FinishError means the backend reported a mid-stream failure.
	FinishError FinishReason = "error"
)

// Usage counts tokens as reported by the backend, not estimated.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// GenerateRequest is the provider-agnostic completion request. The system
// prompt is kept out of Messages; each backend places it where its wire
// format wants it.
type GenerateRequest struct {
	Messages      []*models.Message
	System        string
	Model         string
	Tools         []tools.Definition
	Temperature   float64
	MaxTokens     int
	ContextWindow int
}

// NormalizedResponse is the single response shape the rest of the runtime
// consumes.
type NormalizedResponse struct {
	Content      string
	ToolCalls    []models.ToolCall
	Model        string
	Usage        Usage
	FinishReason FinishReason
	// CostUSD is zero for local backends.
	CostUSD  float64
	Metadata map[string]any
	// EscalatedFrom names the tier a response was escalated away from.
	// Empty when the first choice answered. Set by the router, not here.
	EscalatedFrom string
}

// StreamChunk is one incremental delivery during GenerateStream. Tool calls
// arrive whole, after their argument JSON has fully accumulated.
type StreamChunk struct {
	Text     string
	ToolCall *models.ToolCall
	Done     bool
}

// Provider is a model backend. Implementations must be safe for concurrent
// use; each call is independent.
type Provider interface {
	// Generate runs a request to completion and returns the response.
	Generate(ctx context.Context, req *GenerateRequest) (*NormalizedResponse, error)

	// GenerateStream runs a request, delivering increments on chunks as
	// they arrive, and returns the same final response Generate would.
	// The provider never closes chunks; the caller owns the channel.
	GenerateStream(ctx context.Context, req *GenerateRequest, chunks chan<- StreamChunk) (*NormalizedResponse, error)

	// Available reports whether the backend can serve requests right now.
	// Must not consume tokens or incur cost.
	Available(ctx context.Context) bool

	// ModelLoaded reports whether a specific model is ready to serve.
	ModelLoaded(ctx context.Context, model string) bool
}
