package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/valet/internal/tools"
	"github.com/haasonsaas/valet/pkg/models"
)

// OllamaConfig configures the local backend.
type OllamaConfig struct {
	BaseURL   string
	KeepAlive string
	Timeout   time.Duration
}

// OllamaProvider talks to a local Ollama daemon over its chat API.
// Responses are free; CostUSD is always zero.
type OllamaProvider struct {
	client    *http.Client
	baseURL   string
	keepAlive string
}

var _ Provider = (*OllamaProvider)(nil)

// NewOllamaProvider creates a new Ollama provider.
func NewOllamaProvider(cfg OllamaConfig) *OllamaProvider {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &OllamaProvider{
		client:    &http.Client{Timeout: timeout},
		baseURL:   baseURL,
		keepAlive: strings.TrimSpace(cfg.KeepAlive),
	}
}

// Generate runs a non-streaming chat request.
func (p *OllamaProvider) Generate(ctx context.Context, req *GenerateRequest) (*NormalizedResponse, error) {
	body, err := p.do(ctx, req, false)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	raw, err := io.ReadAll(io.LimitReader(body, 8<<20))
	if err != nil {
		return nil, NewProviderError("ollama", req.Model, fmt.Errorf("read response: %w", err))
	}
	var resp ollamaChatResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, NewProviderError("ollama", req.Model, fmt.Errorf("decode response: %w", err))
	}
	if resp.Error != "" {
		return nil, NewProviderError("ollama", req.Model, errors.New(resp.Error))
	}

	out := &NormalizedResponse{Model: req.Model}
	if resp.Message != nil {
		out.Content = resp.Message.Content
		out.ToolCalls = decodeOllamaToolCalls(resp.Message.ToolCalls, nil)
	}
	out.Usage = Usage{PromptTokens: resp.PromptEvalCount, CompletionTokens: resp.EvalCount}
	out.FinishReason = ollamaFinishReason(resp.DoneReason, len(out.ToolCalls) > 0)
	return out, nil
}

// GenerateStream runs a streaming chat request, forwarding increments on
// chunks as NDJSON lines decode. The accumulated result is returned once
// the daemon reports done.
func (p *OllamaProvider) GenerateStream(ctx context.Context, req *GenerateRequest, chunks chan<- StreamChunk) (*NormalizedResponse, error) {
	body, err := p.do(ctx, req, true)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	scanner := bufio.NewScanner(body)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	out := &NormalizedResponse{Model: req.Model}
	var content strings.Builder
	emitted := map[string]struct{}{}

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return nil, NewProviderError("ollama", req.Model, ctx.Err())
		default:
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var resp ollamaChatResponse
		if err := json.Unmarshal([]byte(line), &resp); err != nil {
			return nil, NewProviderError("ollama", req.Model, fmt.Errorf("decode response: %w", err))
		}
		if resp.Error != "" {
			return nil, NewProviderError("ollama", req.Model, errors.New(resp.Error))
		}

		if resp.Message != nil {
			if resp.Message.Content != "" {
				content.WriteString(resp.Message.Content)
				chunks <- StreamChunk{Text: resp.Message.Content}
			}
			for _, call := range decodeOllamaToolCalls(resp.Message.ToolCalls, emitted) {
				call := call
				out.ToolCalls = append(out.ToolCalls, call)
				chunks <- StreamChunk{ToolCall: &call}
			}
		}

		if resp.Done {
			out.Content = content.String()
			out.Usage = Usage{PromptTokens: resp.PromptEvalCount, CompletionTokens: resp.EvalCount}
			out.FinishReason = ollamaFinishReason(resp.DoneReason, len(out.ToolCalls) > 0)
			chunks <- StreamChunk{Done: true}
			return out, nil
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, NewProviderError("ollama", req.Model, err)
	}
	return nil, NewProviderError("ollama", req.Model, errors.New("stream ended without done"))
}

// Available checks daemon liveness via the tags endpoint. No tokens are
// consumed.
func (p *OllamaProvider) Available(ctx context.Context) bool {
	resp, err := p.getTags(ctx)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// ModelLoaded reports whether the named model is present in the daemon's
// local model list. "llama3.1:8b" and "llama3.1" both match a pulled
// "llama3.1:8b".
func (p *OllamaProvider) ModelLoaded(ctx context.Context, model string) bool {
	model = strings.TrimSpace(model)
	if model == "" {
		return false
	}
	resp, err := p.getTags(ctx)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false
	}

	var tags struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return false
	}
	for _, m := range tags.Models {
		if m.Name == model || strings.TrimSuffix(m.Name, ":latest") == model {
			return true
		}
		if base, _, ok := strings.Cut(m.Name, ":"); ok && base == model {
			return true
		}
	}
	return false
}

func (p *OllamaProvider) getTags(ctx context.Context) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, err
	}
	return p.client.Do(req)
}

// do issues the chat request and returns the response body for the caller
// to consume.
func (p *OllamaProvider) do(ctx context.Context, req *GenerateRequest, stream bool) (io.ReadCloser, error) {
	if req == nil {
		return nil, errors.New("request is nil")
	}
	model := strings.TrimSpace(req.Model)
	if model == "" {
		return nil, NewProviderError("ollama", req.Model, errors.New("model is required"))
	}

	payload := ollamaChatRequest{
		Model:    model,
		Stream:   stream,
		Messages: buildOllamaMessages(req),
	}
	if len(req.Tools) > 0 {
		payload.Tools = toOpenAITools(req.Tools)
	}
	if p.keepAlive != "" {
		payload.KeepAlive = p.keepAlive
	}
	options := map[string]any{}
	if req.Temperature > 0 {
		options["temperature"] = req.Temperature
	}
	if req.MaxTokens > 0 {
		options["num_predict"] = req.MaxTokens
	}
	if req.ContextWindow > 0 {
		options["num_ctx"] = req.ContextWindow
	}
	if len(options) > 0 {
		payload.Options = options
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, NewProviderError("ollama", model, fmt.Errorf("marshal request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, NewProviderError("ollama", model, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, NewProviderError("ollama", model, err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		defer resp.Body.Close()
		errBody, readErr := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
		if readErr != nil {
			return nil, NewProviderError("ollama", model, fmt.Errorf("ollama status %d (read body failed: %w)", resp.StatusCode, readErr)).WithStatus(resp.StatusCode)
		}
		return nil, NewProviderError("ollama", model, fmt.Errorf("ollama status %d: %s", resp.StatusCode, strings.TrimSpace(string(errBody)))).WithStatus(resp.StatusCode)
	}
	return resp.Body, nil
}

type ollamaChatRequest struct {
	Model     string              `json:"model"`
	Messages  []ollamaChatMessage `json:"messages"`
	Tools     []openai.Tool       `json:"tools,omitempty"`
	Stream    bool                `json:"stream"`
	Options   map[string]any      `json:"options,omitempty"`
	KeepAlive string              `json:"keep_alive,omitempty"`
}

type ollamaChatMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content,omitempty"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
	ToolName  string           `json:"tool_name,omitempty"`
}

type ollamaChatResponse struct {
	Message         *ollamaChatMessage `json:"message"`
	Done            bool               `json:"done"`
	DoneReason      string             `json:"done_reason"`
	Error           string             `json:"error"`
	EvalCount       int                `json:"eval_count"`
	PromptEvalCount int                `json:"prompt_eval_count"`
}

type ollamaToolCall struct {
	ID       string             `json:"id,omitempty"`
	Type     string             `json:"type,omitempty"`
	Function ollamaToolFunction `json:"function"`
}

type ollamaToolFunction struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// decodeOllamaToolCalls converts wire tool calls, minting ids for models
// that omit them and deduplicating against seen when the daemon repeats a
// call across stream lines.
func decodeOllamaToolCalls(calls []ollamaToolCall, seen map[string]struct{}) []models.ToolCall {
	var out []models.ToolCall
	for _, tc := range calls {
		callID := strings.TrimSpace(tc.ID)
		if callID == "" {
			callID = toolCallKey(tc)
			if callID == "" {
				callID = uuid.NewString()
			}
		}
		if seen != nil {
			if _, ok := seen[callID]; ok {
				continue
			}
			seen[callID] = struct{}{}
		}
		args := map[string]any{}
		if len(tc.Function.Arguments) > 0 {
			if err := json.Unmarshal(tc.Function.Arguments, &args); err != nil {
				args = map[string]any{}
			}
		}
		out = append(out, models.ToolCall{
			ID:        callID,
			Name:      strings.TrimSpace(tc.Function.Name),
			Arguments: args,
		})
	}
	return out
}

func ollamaFinishReason(doneReason string, hasToolCalls bool) FinishReason {
	if hasToolCalls {
		return FinishToolUse
	}
	switch doneReason {
	case "length":
		return FinishLength
	default:
		return FinishStop
	}
}

// buildOllamaMessages flattens history into the chat wire shape. The
// system prompt rides in-list; historical assistant tool calls are
// re-serialized in the OpenAI function shape Ollama expects.
func buildOllamaMessages(req *GenerateRequest) []ollamaChatMessage {
	messages := make([]ollamaChatMessage, 0, len(req.Messages)+1)
	if system := strings.TrimSpace(req.System); system != "" {
		messages = append(messages, ollamaChatMessage{Role: "system", Content: system})
	}
	for _, msg := range req.Messages {
		role := string(msg.Role)
		if role == "" {
			role = "user"
		}
		switch role {
		case "assistant":
			ollamaMsg := ollamaChatMessage{Role: role, Content: msg.Content}
			if len(msg.ToolCalls) > 0 {
				ollamaMsg.ToolCalls = make([]ollamaToolCall, len(msg.ToolCalls))
				for i, tc := range msg.ToolCalls {
					args, err := json.Marshal(tc.Arguments)
					if err != nil || len(args) == 0 || string(args) == "null" {
						args = json.RawMessage(`{}`)
					}
					ollamaMsg.ToolCalls[i] = ollamaToolCall{
						ID:   tc.ID,
						Type: "function",
						Function: ollamaToolFunction{
							Name:      tc.Name,
							Arguments: args,
						},
					}
				}
			}
			messages = append(messages, ollamaMsg)
		case "tool":
			messages = append(messages, ollamaChatMessage{
				Role:     "tool",
				Content:  msg.Content,
				ToolName: msg.ToolName,
			})
		default:
			messages = append(messages, ollamaChatMessage{Role: role, Content: msg.Content})
		}
	}
	return messages
}

func toolCallKey(tc ollamaToolCall) string {
	if strings.TrimSpace(tc.ID) != "" {
		return strings.TrimSpace(tc.ID)
	}
	name := strings.TrimSpace(tc.Function.Name)
	args := strings.TrimSpace(string(tc.Function.Arguments))
	if name == "" && args == "" {
		return ""
	}
	return name + ":" + args
}

// toOpenAITools converts tool definitions to the OpenAI function schema
// Ollama's chat API accepts.
func toOpenAITools(defs []tools.Definition) []openai.Tool {
	result := make([]openai.Tool, len(defs))
	for i, def := range defs {
		params := def.Parameters
		if params == nil {
			params = map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			}
		}
		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  params,
			},
		}
	}
	return result
}
