// Package llm abstracts the model providers that back council
// participants. A responder turns a deliberation transcript into one
// ChatRequest per participant; providers answer with text, token
// usage, and any tool invocations the model requested. The engine
// records tool calls as data and never executes them.
package llm

import (
	"context"
)

// Role is a message sender role in a chat exchange.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// StopReason indicates why the model stopped generating.
type StopReason string

const (
	StopEndTurn      StopReason = "end_turn"
	StopMaxTokens    StopReason = "max_tokens"
	StopToolUse      StopReason = "tool_use"
	StopStopSequence StopReason = "stop_sequence"
)

// Message is a single turn handed to a provider.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// ToolDefinition advertises a tool the model may invoke. Invocations
// come back on the response; nothing here runs them.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

// ToolCall is a tool invocation the model requested.
type ToolCall struct {
	ID    string         `json:"id"`
	Name  string         `json:"name"`
	Input map[string]any `json:"input"`
}

// TokenUsage is the token accounting for one provider call.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	CacheRead    int `json:"cache_read,omitempty"`
	CacheWrite   int `json:"cache_write,omitempty"`
}

// Total returns input plus output tokens.
func (u TokenUsage) Total() int { return u.InputTokens + u.OutputTokens }

// ChatRequest carries one complete prompt for one participant.
type ChatRequest struct {
	Model       string           `json:"model"`
	Messages    []Message        `json:"messages"`
	System      string           `json:"system,omitempty"`
	Tools       []ToolDefinition `json:"tools,omitempty"`
	MaxTokens   int              `json:"max_tokens"`
	Temperature *float64         `json:"temperature,omitempty"`
}

// ChatResponse is a provider's completed answer.
type ChatResponse struct {
	Content    string     `json:"content,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	StopReason StopReason `json:"stop_reason"`
	Usage      TokenUsage `json:"usage"`
}

// Stream event kinds.
const (
	StreamText     = "text"
	StreamToolCall = "tool_call"
	StreamDone     = "done"
	StreamError    = "error"
)

// StreamEvent is one incremental event from a streaming call. The
// channel always ends with either a done event carrying the full
// response or an error event.
type StreamEvent struct {
	Type     string        `json:"type"`
	Text     string        `json:"text,omitempty"`
	ToolCall *ToolCall     `json:"tool_call,omitempty"`
	Response *ChatResponse `json:"response,omitempty"`
	Error    error         `json:"-"`
}

// Client is implemented by each model provider.
type Client interface {
	// Chat sends a request and blocks for the complete response.
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)

	// ChatStream sends a request and returns a channel of incremental
	// events. The channel is closed after the terminal event.
	ChatStream(ctx context.Context, req ChatRequest) (<-chan StreamEvent, error)
}
