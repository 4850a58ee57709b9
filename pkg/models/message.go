// Package models defines the shared data structures passed between the
// runtime, providers, tools, and stores.
package models

import (
	"fmt"
	"time"
)

// Role identifies the author of a message.
type Role string

const (
	// RoleUser is a message authored by the human (or a scheduled prompt).
	RoleUser Role = "user"
	// RoleAssistant is a model-authored message.
	RoleAssistant Role = "assistant"
	// RoleSystem is runtime-injected context (summaries, compaction heads).
	RoleSystem Role = "system"
	// RoleTool is a tool execution result fed back to the model.
	RoleTool Role = "tool"
)

// Message is a single entry in a session's history. Ordering is insertion
// order and is preserved across windowing; only explicit compaction may
// substitute a system-role summary at the head of the retained suffix.
type Message struct {
	ID        string     `json:"id"`
	SessionID string     `json:"session_id,omitempty"`
	Role      Role       `json:"role"`
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	// ToolCallID links a tool-role message back to the call it answers.
	ToolCallID string `json:"tool_call_id,omitempty"`
	// ToolName is set on tool-role messages for providers that need it.
	ToolName string `json:"tool_name,omitempty"`
	// Success is set on tool-role messages; nil for other roles.
	Success   *bool          `json:"success,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// IsToolResult reports whether the message carries a tool execution result.
func (m *Message) IsToolResult() bool {
	return m != nil && m.Role == RoleTool
}

// ToolCall is a model-requested tool invocation. Arguments may arrive from
// the wire as a JSON string; the tool registry normalizes them to a map
// before execution.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ToolResult is the outcome of one tool execution: either ok(output) or
// fail(error), each with optional metadata.
type ToolResult struct {
	Output   string         `json:"output,omitempty"`
	Error    string         `json:"error,omitempty"`
	Success  bool           `json:"success"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// OK builds a successful tool result.
func OK(output string) ToolResult {
	return ToolResult{Output: output, Success: true}
}

// OKWithMetadata builds a successful tool result carrying metadata.
func OKWithMetadata(output string, meta map[string]any) ToolResult {
	return ToolResult{Output: output, Success: true, Metadata: meta}
}

// Fail builds a failed tool result.
func Fail(errMsg string) ToolResult {
	return ToolResult{Error: errMsg, Success: false}
}

// Failf builds a failed tool result from a format string.
func Failf(format string, args ...any) ToolResult {
	return ToolResult{Error: fmt.Sprintf(format, args...), Success: false}
}

// Text returns the content a tool-role message should carry: the output on
// success, the error string on failure.
func (r ToolResult) Text() string {
	if r.Success {
		return r.Output
	}
	return r.Error
}
