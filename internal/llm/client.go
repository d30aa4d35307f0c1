// Package llm defines the model backend abstraction the daemon dispatches
// conversation turns to.
package llm

import (
	"context"
)

// Role represents a message sender role.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a single conversation message sent to or received from the
// backend.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// ToolDefinition describes a structured-output tool offered to the model.
// The daemon uses one such tool to let agents emit command specifications.
type ToolDefinition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"input_schema"`
}

// ToolCall is a structured tool invocation found in a backend reply.
type ToolCall struct {
	ID    string                 `json:"id"`
	Name  string                 `json:"name"`
	Input map[string]interface{} `json:"input"`
}

// ChatRequest contains the parameters for one backend invocation.
type ChatRequest struct {
	Model       string           `json:"model"`
	System      string           `json:"system,omitempty"`
	Messages    []Message        `json:"messages"`
	Tools       []ToolDefinition `json:"tools,omitempty"`
	MaxTokens   int              `json:"max_tokens"`
	Temperature *float64         `json:"temperature,omitempty"`
}

// ChatResponse is the backend's reply: free text plus any tool calls.
type ChatResponse struct {
	Content   string     `json:"content,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

// Client is the interface to a model backend. Implementations must honor
// context cancellation; the daemon applies its own timeout per turn.
type Client interface {
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
}
