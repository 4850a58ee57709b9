package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/haasonsaas/valet/pkg/models"
)

func TestBuildOllamaMessages_ToolCallsAndResults(t *testing.T) {
	req := &GenerateRequest{
		System: "sys",
		Messages: []*models.Message{
			{Role: models.RoleUser, Content: "hi"},
			{
				Role: models.RoleAssistant,
				ToolCalls: []models.ToolCall{
					{ID: "call-1", Name: "lookup", Arguments: map[string]any{"q": "test"}},
				},
			},
			{Role: models.RoleTool, Content: "ok", ToolCallID: "call-1", ToolName: "lookup"},
		},
	}

	msgs := buildOllamaMessages(req)
	if len(msgs) != 4 {
		t.Fatalf("messages = %d, want 4", len(msgs))
	}
	if msgs[0].Role != "system" || msgs[0].Content != "sys" {
		t.Fatalf("system message mismatch: %+v", msgs[0])
	}
	if msgs[2].Role != "assistant" || len(msgs[2].ToolCalls) != 1 {
		t.Fatalf("assistant tool calls missing: %+v", msgs[2])
	}
	if msgs[2].ToolCalls[0].Function.Name != "lookup" {
		t.Errorf("tool name = %q, want %q", msgs[2].ToolCalls[0].Function.Name, "lookup")
	}
	if string(msgs[2].ToolCalls[0].Function.Arguments) != `{"q":"test"}` {
		t.Errorf("tool args = %s, want %s", string(msgs[2].ToolCalls[0].Function.Arguments), `{"q":"test"}`)
	}
	if msgs[3].Role != "tool" || msgs[3].ToolName != "lookup" || msgs[3].Content != "ok" {
		t.Errorf("tool result message mismatch: %+v", msgs[3])
	}
}

func TestOllamaGenerate(t *testing.T) {
	var gotReq ollamaChatRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("path = %q, want /api/chat", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		fmt.Fprint(w, `{"message":{"role":"assistant","content":"hello there"},"done":true,"done_reason":"stop","prompt_eval_count":12,"eval_count":5}`)
	}))
	defer server.Close()

	p := NewOllamaProvider(OllamaConfig{BaseURL: server.URL, KeepAlive: "5m"})
	resp, err := p.Generate(context.Background(), &GenerateRequest{
		Model:       "llama3.1:8b",
		Messages:    []*models.Message{{Role: models.RoleUser, Content: "hi"}},
		Temperature: 0.7,
		MaxTokens:   256,
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	if gotReq.Stream {
		t.Error("request stream = true, want false")
	}
	if gotReq.KeepAlive != "5m" {
		t.Errorf("keep_alive = %q, want 5m", gotReq.KeepAlive)
	}
	if gotReq.Options["num_predict"] != float64(256) {
		t.Errorf("num_predict = %v, want 256", gotReq.Options["num_predict"])
	}

	if resp.Content != "hello there" {
		t.Errorf("content = %q, want %q", resp.Content, "hello there")
	}
	if resp.FinishReason != FinishStop {
		t.Errorf("finish reason = %q, want stop", resp.FinishReason)
	}
	if resp.Usage.PromptTokens != 12 || resp.Usage.CompletionTokens != 5 {
		t.Errorf("usage = %+v, want 12/5", resp.Usage)
	}
	if resp.CostUSD != 0 {
		t.Errorf("cost = %v, want 0", resp.CostUSD)
	}
}

func TestOllamaGenerateToolCall(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"message":{"role":"assistant","content":"","tool_calls":[{"function":{"name":"current_time","arguments":{"tz":"UTC"}}}]},"done":true,"done_reason":"stop","prompt_eval_count":8,"eval_count":3}`)
	}))
	defer server.Close()

	p := NewOllamaProvider(OllamaConfig{BaseURL: server.URL})
	resp, err := p.Generate(context.Background(), &GenerateRequest{
		Model:    "llama3.1:8b",
		Messages: []*models.Message{{Role: models.RoleUser, Content: "what time is it"}},
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	if resp.FinishReason != FinishToolUse {
		t.Errorf("finish reason = %q, want tool_use", resp.FinishReason)
	}
	if len(resp.ToolCalls) != 1 {
		t.Fatalf("tool calls = %d, want 1", len(resp.ToolCalls))
	}
	call := resp.ToolCalls[0]
	if call.Name != "current_time" {
		t.Errorf("tool name = %q, want current_time", call.Name)
	}
	if call.ID == "" {
		t.Error("tool call id should be minted when the daemon omits one")
	}
	if call.Arguments["tz"] != "UTC" {
		t.Errorf("tool arguments = %v, want tz=UTC", call.Arguments)
	}
}

func TestOllamaGenerateStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ollamaChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if !req.Stream {
			t.Error("request stream = false, want true")
		}
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":"Hel"},"done":false}`)
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":"lo"},"done":false}`)
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":""},"done":true,"done_reason":"stop","prompt_eval_count":10,"eval_count":2}`)
	}))
	defer server.Close()

	p := NewOllamaProvider(OllamaConfig{BaseURL: server.URL})

	chunks := make(chan StreamChunk, 16)
	resp, err := p.GenerateStream(context.Background(), &GenerateRequest{
		Model:    "llama3.1:8b",
		Messages: []*models.Message{{Role: models.RoleUser, Content: "hi"}},
	}, chunks)
	if err != nil {
		t.Fatalf("GenerateStream: %v", err)
	}
	close(chunks)

	var text string
	var doneSeen bool
	for chunk := range chunks {
		text += chunk.Text
		if chunk.Done {
			doneSeen = true
		}
	}
	if text != "Hello" {
		t.Errorf("streamed text = %q, want Hello", text)
	}
	if !doneSeen {
		t.Error("no Done chunk delivered")
	}
	if resp.Content != "Hello" {
		t.Errorf("final content = %q, want Hello", resp.Content)
	}
	if resp.Usage.PromptTokens != 10 || resp.Usage.CompletionTokens != 2 {
		t.Errorf("usage = %+v, want 10/2", resp.Usage)
	}
}

func TestOllamaGenerateLengthCap(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"message":{"role":"assistant","content":"truncated mid"},"done":true,"done_reason":"length","prompt_eval_count":5,"eval_count":100}`)
	}))
	defer server.Close()

	p := NewOllamaProvider(OllamaConfig{BaseURL: server.URL})
	resp, err := p.Generate(context.Background(), &GenerateRequest{
		Model:    "llama3.1:8b",
		Messages: []*models.Message{{Role: models.RoleUser, Content: "go on forever"}},
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if resp.FinishReason != FinishLength {
		t.Errorf("finish reason = %q, want length", resp.FinishReason)
	}
}

func TestOllamaGenerateErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"model not found"}`, http.StatusNotFound)
	}))
	defer server.Close()

	p := NewOllamaProvider(OllamaConfig{BaseURL: server.URL})
	_, err := p.Generate(context.Background(), &GenerateRequest{
		Model:    "missing:1b",
		Messages: []*models.Message{{Role: models.RoleUser, Content: "hi"}},
	})
	if err == nil {
		t.Fatal("Generate should fail on 404")
	}
	providerErr, ok := GetProviderError(err)
	if !ok {
		t.Fatalf("error %T is not a ProviderError", err)
	}
	if providerErr.Status != http.StatusNotFound {
		t.Errorf("status = %d, want 404", providerErr.Status)
	}
}

func TestOllamaAvailable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			t.Errorf("path = %q, want /api/tags", r.URL.Path)
		}
		fmt.Fprint(w, `{"models":[]}`)
	}))
	defer server.Close()

	p := NewOllamaProvider(OllamaConfig{BaseURL: server.URL})
	if !p.Available(context.Background()) {
		t.Error("Available = false against a live daemon")
	}

	down := NewOllamaProvider(OllamaConfig{BaseURL: "http://127.0.0.1:1", Timeout: 500 * time.Millisecond})
	if down.Available(context.Background()) {
		t.Error("Available = true against a dead daemon")
	}
}

func TestOllamaModelLoaded(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"models":[{"name":"llama3.1:8b"},{"name":"qwen2.5-coder:latest"}]}`)
	}))
	defer server.Close()

	p := NewOllamaProvider(OllamaConfig{BaseURL: server.URL})

	tests := []struct {
		model string
		want  bool
	}{
		{"llama3.1:8b", true},
		{"llama3.1", true},
		{"qwen2.5-coder", true},
		{"qwen2.5-coder:latest", true},
		{"deepseek-r1:8b", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := p.ModelLoaded(context.Background(), tt.model); got != tt.want {
			t.Errorf("ModelLoaded(%q) = %v, want %v", tt.model, got, tt.want)
		}
	}
}

func TestOllamaFinishReason(t *testing.T) {
	tests := []struct {
		doneReason string
		toolCalls  bool
		want       FinishReason
	}{
		{"stop", false, FinishStop},
		{"length", false, FinishLength},
		{"stop", true, FinishToolUse},
		{"", false, FinishStop},
	}
	for _, tt := range tests {
		if got := ollamaFinishReason(tt.doneReason, tt.toolCalls); got != tt.want {
			t.Errorf("ollamaFinishReason(%q, %v) = %q, want %q", tt.doneReason, tt.toolCalls, got, tt.want)
		}
	}
}
