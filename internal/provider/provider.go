// Package provider defines the uniform interface lace speaks to every
// LLM backend through, so the Agent Core never branches on which
// vendor it's talking to.
package provider

import (
	"context"
	"encoding/json"
)

// Provider is implemented once per LLM backend (Anthropic, OpenAI, ...).
// Implementations must be safe for concurrent use: the Agent may hold
// many threads open against the same Provider at once.
type Provider interface {
	// CreateResponse issues a non-streaming completion request.
	CreateResponse(ctx context.Context, req Request) (Response, error)

	// CreateStreamingResponse issues a completion request and returns a
	// channel of deltas. The channel is closed when the stream ends,
	// whether by MessageEnd or by a terminal error delta.
	CreateStreamingResponse(ctx context.Context, req Request) (<-chan StreamDelta, error)

	// ModelInfo describes the named model's capabilities, or an error if
	// the model is unknown to this provider.
	ModelInfo(model string) (ModelInfo, error)

	// ProviderInfo describes this provider itself.
	ProviderInfo() Info

	// IsConfigured reports whether the provider has everything it needs
	// (API key, endpoint, ...) to make requests.
	IsConfigured() bool
}

// Info is static metadata about a provider implementation.
type Info struct {
	Name         string
	DefaultModel string
}

// ModelInfo describes a model's capacity, used by the token budget to
// derive max_tokens.
type ModelInfo struct {
	ID             string
	ContextWindow  int
	SupportsVision bool
	SupportsTools  bool
}

// Message is one turn of conversation handed to a Provider. Role is
// "user", "assistant", or "tool".
type Message struct {
	Role        string
	Content     string
	ToolCalls   []ToolCall
	ToolResults []ToolResult
}

// ToolCall is a tool invocation request from the model.
type ToolCall struct {
	CallID    string
	Name      string
	Arguments json.RawMessage
}

// ToolResult is the outcome of executing a ToolCall, fed back to the
// model on the next request.
type ToolResult struct {
	CallID  string
	Content string
	IsError bool
}

// ToolDef describes a tool the model may call.
type ToolDef struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// Request is a single completion request.
type Request struct {
	Model                string
	System               string
	Messages             []Message
	Tools                []ToolDef
	MaxTokens            int
	EnableThinking       bool
	ThinkingBudgetTokens int
}

// Response is a non-streaming completion result.
type Response struct {
	Text         string
	Thinking     string
	ToolCalls    []ToolCall
	InputTokens  int
	OutputTokens int
}

// DeltaKind is the closed set of streaming delta variants a Provider
// emits while fulfilling CreateStreamingResponse.
type DeltaKind string

const (
	DeltaMessageStart     DeltaKind = "message_start"
	DeltaContentText      DeltaKind = "content_text"
	DeltaThinkingText     DeltaKind = "thinking_text"
	DeltaToolCallStart    DeltaKind = "tool_call_start"
	DeltaToolCallInput    DeltaKind = "tool_call_input_delta"
	DeltaToolCallComplete DeltaKind = "tool_call_complete"
	DeltaMessageEnd       DeltaKind = "message_end"
)

// StreamDelta is a single increment of a streaming response.
type StreamDelta struct {
	Kind DeltaKind

	// DeltaContentText / DeltaThinkingText
	Text string

	// DeltaToolCallStart / DeltaToolCallInput / DeltaToolCallComplete
	ToolCallID    string
	ToolName      string
	ArgumentsText string // accumulated via DeltaToolCallInput, valid as JSON at DeltaToolCallComplete

	// DeltaMessageEnd
	InputTokens  int
	OutputTokens int

	// Err is set when the stream is terminated by an error; the channel
	// is closed after delivering this delta.
	Err error
}
