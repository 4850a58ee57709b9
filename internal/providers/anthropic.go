package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/haasonsaas/valet/internal/backoff"
	"github.com/haasonsaas/valet/internal/tools"
	"github.com/haasonsaas/valet/pkg/models"
)

// AnthropicConfig holds configuration for the cloud backend. The API key
// comes from the environment only; an empty key leaves the provider
// constructed but unavailable.
type AnthropicConfig struct {
	// APIKey is the Anthropic credential. Empty means cloud is off.
	APIKey string

	// BaseURL overrides the default API base URL.
	BaseURL string

	// MaxRetries bounds retry attempts on 429/529/5xx. Default: 3.
	MaxRetries int

	// RetryDelay is the base delay before the first retry. Actual delays
	// grow exponentially with jitter. Default: 1 second.
	RetryDelay time.Duration
}

// AnthropicProvider implements Provider against the Claude Messages API.
//
// The SDK owns the wire protocol; this type owns retries, credential
// gating, and normalization. SDK-internal retries are disabled so the
// backoff policy here is the only one in play.
//
// Safe for concurrent use; each call is an independent request.
type AnthropicProvider struct {
	client     anthropic.Client
	apiKey     string
	maxRetries int
	policy     backoff.Policy
}

var _ Provider = (*AnthropicProvider)(nil)

// NewAnthropicProvider creates the cloud provider. Construction never
// fails: a missing key is reported per-call as a SecurityError so the
// daemon can boot local-only.
func NewAnthropicProvider(cfg AnthropicConfig) *AnthropicProvider {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	policy := backoff.DefaultPolicy()
	if cfg.RetryDelay > 0 {
		policy.Initial = cfg.RetryDelay
	}

	options := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		options = append(options, option.WithBaseURL(cfg.BaseURL))
	}

	return &AnthropicProvider{
		client:     anthropic.NewClient(options...),
		apiKey:     cfg.APIKey,
		maxRetries: cfg.MaxRetries,
		policy:     policy,
	}
}

// Generate runs a non-streaming Messages request with retries.
func (p *AnthropicProvider) Generate(ctx context.Context, req *GenerateRequest) (*NormalizedResponse, error) {
	if p.apiKey == "" {
		return nil, &SecurityError{Message: "API key not configured"}
	}
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}

	var msg *anthropic.Message
	for attempt := 0; ; attempt++ {
		msg, err = p.client.Messages.New(ctx, *params)
		if err == nil {
			break
		}
		wrapped := p.wrapError(err, req.Model)
		if !IsRetryable(wrapped) || attempt >= p.maxRetries {
			return nil, wrapped
		}
		if sleepErr := backoff.Sleep(ctx, p.policy, attempt+1); sleepErr != nil {
			return nil, wrapped
		}
	}

	return p.normalize(msg, req.Model), nil
}

// GenerateStream runs a streaming Messages request. Request-level failures
// (the handshake) retry; once events have flowed, a failure surfaces as a
// partial response with FinishError when any content arrived, or as an
// error otherwise.
func (p *AnthropicProvider) GenerateStream(ctx context.Context, req *GenerateRequest, chunks chan<- StreamChunk) (*NormalizedResponse, error) {
	if p.apiKey == "" {
		return nil, &SecurityError{Message: "API key not configured"}
	}
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}

	var stream *ssestream.Stream[anthropic.MessageStreamEventUnion]
	for attempt := 0; ; attempt++ {
		stream = p.client.Messages.NewStreaming(ctx, *params)
		err = stream.Err()
		if err == nil {
			break
		}
		wrapped := p.wrapError(err, req.Model)
		if !IsRetryable(wrapped) || attempt >= p.maxRetries {
			return nil, wrapped
		}
		if sleepErr := backoff.Sleep(ctx, p.policy, attempt+1); sleepErr != nil {
			return nil, wrapped
		}
	}

	return p.processStream(stream, chunks, req.Model)
}

// Available reports whether the credential is configured. No request is
// made; availability checks must not spend tokens.
func (p *AnthropicProvider) Available(_ context.Context) bool {
	return p.apiKey != ""
}

// ModelLoaded mirrors Available. Cloud models are not enumerable without
// cost, so a configured key is the best cheap signal.
func (p *AnthropicProvider) ModelLoaded(_ context.Context, model string) bool {
	return p.apiKey != "" && strings.TrimSpace(model) != ""
}

// maxEmptyStreamEvents bounds consecutive event-loop iterations that
// produce nothing before the stream is treated as malformed.
const maxEmptyStreamEvents = 300

func (p *AnthropicProvider) processStream(stream *ssestream.Stream[anthropic.MessageStreamEventUnion], chunks chan<- StreamChunk, model string) (*NormalizedResponse, error) {
	out := &NormalizedResponse{Model: model}
	var content strings.Builder
	var currentToolCall *models.ToolCall
	var currentToolInput strings.Builder
	var stopReason string
	emptyEventCount := 0

	for stream.Next() {
		event := stream.Current()
		eventProcessed := false

		switch event.Type {
		case "message_start":
			messageStart := event.AsMessageStart()
			if messageStart.Message.Usage.InputTokens > 0 {
				out.Usage.PromptTokens = int(messageStart.Message.Usage.InputTokens)
			}
			eventProcessed = true

		case "content_block_start":
			contentBlockStart := event.AsContentBlockStart()
			if contentBlockStart.ContentBlock.Type == "tool_use" {
				toolUse := contentBlockStart.ContentBlock.AsToolUse()
				currentToolCall = &models.ToolCall{
					ID:   toolUse.ID,
					Name: toolUse.Name,
				}
				currentToolInput.Reset()
			}
			eventProcessed = true

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					content.WriteString(delta.Text)
					chunks <- StreamChunk{Text: delta.Text}
					eventProcessed = true
				}
			case "input_json_delta":
				if delta.PartialJSON != "" {
					currentToolInput.WriteString(delta.PartialJSON)
					eventProcessed = true
				}
			}

		case "content_block_stop":
			if currentToolCall != nil {
				args := map[string]any{}
				if raw := currentToolInput.String(); raw != "" {
					if err := json.Unmarshal([]byte(raw), &args); err != nil {
						args = map[string]any{}
					}
				}
				currentToolCall.Arguments = args
				out.ToolCalls = append(out.ToolCalls, *currentToolCall)
				chunks <- StreamChunk{ToolCall: currentToolCall}
				currentToolCall = nil
			}
			eventProcessed = true

		case "message_delta":
			messageDelta := event.AsMessageDelta()
			if messageDelta.Usage.OutputTokens > 0 {
				out.Usage.CompletionTokens = int(messageDelta.Usage.OutputTokens)
			}
			if messageDelta.Delta.StopReason != "" {
				stopReason = string(messageDelta.Delta.StopReason)
			}
			eventProcessed = true

		case "message_stop":
			out.Content = content.String()
			out.FinishReason = anthropicFinishReason(stopReason, len(out.ToolCalls) > 0)
			out.CostUSD = CostFor(model, out.Usage)
			chunks <- StreamChunk{Done: true}
			return out, nil

		case "error":
			return p.finishBrokenStream(out, &content, model,
				p.wrapError(errors.New("anthropic stream error"), model))
		}

		if eventProcessed {
			emptyEventCount = 0
		} else {
			emptyEventCount++
			if emptyEventCount >= maxEmptyStreamEvents {
				return p.finishBrokenStream(out, &content, model, p.wrapError(
					fmt.Errorf("stream appears malformed: received %d consecutive empty events", emptyEventCount),
					model,
				))
			}
		}
	}

	if err := stream.Err(); err != nil {
		return p.finishBrokenStream(out, &content, model, p.wrapError(err, model))
	}
	return p.finishBrokenStream(out, &content, model,
		NewProviderError("anthropic", model, errors.New("stream ended without message_stop")))
}

// finishBrokenStream salvages a partially streamed response. Content that
// already reached the caller cannot be unsent, so when any exists the
// response is returned with FinishError for the quality gate to judge;
// with nothing delivered the error propagates for retry handling.
func (p *AnthropicProvider) finishBrokenStream(out *NormalizedResponse, content *strings.Builder, model string, err error) (*NormalizedResponse, error) {
	if content.Len() == 0 && len(out.ToolCalls) == 0 {
		return nil, err
	}
	out.Content = content.String()
	out.FinishReason = FinishError
	out.CostUSD = CostFor(model, out.Usage)
	return out, nil
}

func (p *AnthropicProvider) normalize(msg *anthropic.Message, model string) *NormalizedResponse {
	out := &NormalizedResponse{Model: model}
	var content strings.Builder

	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			content.WriteString(block.Text)
		case "tool_use":
			args := map[string]any{}
			if len(block.Input) > 0 {
				if err := json.Unmarshal(block.Input, &args); err != nil {
					args = map[string]any{}
				}
			}
			out.ToolCalls = append(out.ToolCalls, models.ToolCall{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: args,
			})
		}
	}

	out.Content = content.String()
	out.Usage = Usage{
		PromptTokens:     int(msg.Usage.InputTokens),
		CompletionTokens: int(msg.Usage.OutputTokens),
	}
	out.FinishReason = anthropicFinishReason(string(msg.StopReason), len(out.ToolCalls) > 0)
	out.CostUSD = CostFor(model, out.Usage)
	return out
}

func anthropicFinishReason(stopReason string, hasToolCalls bool) FinishReason {
	switch stopReason {
	case "tool_use":
		return FinishToolUse
	case "max_tokens":
		return FinishLength
	case "end_turn", "stop_sequence":
		return FinishStop
	default:
		if hasToolCalls {
			return FinishToolUse
		}
		return FinishStop
	}
}

// buildParams translates the normalized request into Messages API params.
// System-role history messages (compaction summaries) have no in-list
// role on this API, so they are folded into the system blocks after the
// request's own system prompt.
func (p *AnthropicProvider) buildParams(req *GenerateRequest) (*anthropic.MessageNewParams, error) {
	if req == nil {
		return nil, errors.New("request is nil")
	}
	model := strings.TrimSpace(req.Model)
	if model == "" {
		return nil, NewProviderError("anthropic", req.Model, errors.New("model is required"))
	}

	messages, extraSystem, err := convertAnthropicMessages(req.Messages)
	if err != nil {
		return nil, fmt.Errorf("anthropic: failed to convert messages: %w", err)
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	params := &anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}

	var system []anthropic.TextBlockParam
	if req.System != "" {
		system = append(system, anthropic.TextBlockParam{Type: "text", Text: req.System})
	}
	for _, text := range extraSystem {
		system = append(system, anthropic.TextBlockParam{Type: "text", Text: text})
	}
	if len(system) > 0 {
		params.System = system
	}

	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}

	if len(req.Tools) > 0 {
		converted, err := convertAnthropicTools(req.Tools)
		if err != nil {
			return nil, fmt.Errorf("anthropic: failed to convert tools: %w", err)
		}
		params.Tools = converted
	}

	return params, nil
}

// convertAnthropicMessages maps history to Messages API turns. Tool-role
// messages become tool_result blocks; consecutive ones batch into a
// single user message so results land directly after the assistant turn
// that requested them.
func convertAnthropicMessages(messages []*models.Message) ([]anthropic.MessageParam, []string, error) {
	var result []anthropic.MessageParam
	var extraSystem []string
	var pendingResults []anthropic.ContentBlockParamUnion

	flushResults := func() {
		if len(pendingResults) > 0 {
			result = append(result, anthropic.NewUserMessage(pendingResults...))
			pendingResults = nil
		}
	}

	for _, msg := range messages {
		if msg == nil {
			continue
		}
		switch msg.Role {
		case models.RoleSystem:
			if msg.Content != "" {
				extraSystem = append(extraSystem, msg.Content)
			}

		case models.RoleTool:
			isError := msg.Success != nil && !*msg.Success
			pendingResults = append(pendingResults, anthropic.NewToolResultBlock(
				msg.ToolCallID,
				msg.Content,
				isError,
			))

		case models.RoleAssistant:
			flushResults()
			var content []anthropic.ContentBlockParamUnion
			if msg.Content != "" {
				content = append(content, anthropic.NewTextBlock(msg.Content))
			}
			for _, toolCall := range msg.ToolCalls {
				input := toolCall.Arguments
				if input == nil {
					input = map[string]any{}
				}
				content = append(content, anthropic.NewToolUseBlock(
					toolCall.ID,
					input,
					toolCall.Name,
				))
			}
			if len(content) == 0 {
				continue
			}
			result = append(result, anthropic.NewAssistantMessage(content...))

		default:
			flushResults()
			if msg.Content == "" {
				continue
			}
			result = append(result, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		}
	}
	flushResults()

	return result, extraSystem, nil
}

// convertAnthropicTools maps tool definitions to the API tool shape.
func convertAnthropicTools(defs []tools.Definition) ([]anthropic.ToolUnionParam, error) {
	var result []anthropic.ToolUnionParam

	for _, def := range defs {
		params := def.Parameters
		if params == nil {
			params = map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			}
		}
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("invalid tool schema for %s: %w", def.Name, err)
		}

		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(raw, &schema); err != nil {
			return nil, fmt.Errorf("invalid tool schema for %s: %w", def.Name, err)
		}

		toolParam := anthropic.ToolUnionParamOfTool(schema, def.Name)
		if toolParam.OfTool == nil {
			return nil, fmt.Errorf("invalid tool schema for %s: missing tool definition", def.Name)
		}
		toolParam.OfTool.Description = anthropic.String(def.Description)

		result = append(result, toolParam)
	}

	return result, nil
}

type anthropicErrorPayload struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
	RequestID string `json:"request_id"`
}

// wrapError converts SDK errors into ProviderError, pulling the status,
// error type, and request id out of the API error payload when present.
func (p *AnthropicProvider) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if _, ok := GetProviderError(err); ok {
		return err
	}

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		providerErr := &ProviderError{
			Provider: "anthropic",
			Model:    model,
			Cause:    err,
			Reason:   ReasonUnknown,
		}
		providerErr = providerErr.WithStatus(apiErr.StatusCode)

		message := ""
		code := ""
		requestID := apiErr.RequestID

		if raw := apiErr.RawJSON(); raw != "" {
			var payload anthropicErrorPayload
			if json.Unmarshal([]byte(raw), &payload) == nil {
				if payload.Error.Message != "" {
					message = payload.Error.Message
				}
				if payload.Error.Type != "" {
					code = payload.Error.Type
				}
				if payload.RequestID != "" {
					requestID = payload.RequestID
				}
			}
		}

		if message != "" {
			providerErr = providerErr.WithMessage(message)
		} else if providerErr.Message == "" {
			providerErr.Message = "anthropic request failed"
		}
		if code != "" {
			providerErr = providerErr.WithCode(code)
		}
		if requestID != "" {
			providerErr = providerErr.WithRequestID(requestID)
		}
		return providerErr
	}

	return NewProviderError("anthropic", model, err)
}
