package llm

import (
	"context"
	"encoding/json"
)

// Role identifies the author of a conversation message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Message is one turn of a conversation.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolSchema declares a callable tool. Parameters carries a JSON Schema
// document describing the accepted arguments.
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters"`
}

// Request is a provider-agnostic chat request.
type Request struct {
	Messages    []Message      `json:"messages"`
	Tools       []ToolSchema   `json:"tools,omitempty"`
	ToolChoice  string         `json:"tool_choice,omitempty"`
	MaxTokens   int            `json:"max_tokens,omitempty"`
	Temperature float32        `json:"temperature,omitempty"`
	Options     map[string]any `json:"options,omitempty"`
}

// Clone deep-copies a request through a JSON round trip. Later mutation
// of the original never leaks into the copy.
func (r *Request) Clone() *Request {
	if r == nil {
		return nil
	}
	raw, err := json.Marshal(r)
	if err != nil {
		// Requests are plain data; marshalling only fails for exotic
		// option values, in which case a shallow copy is the best we
		// can do.
		cp := *r
		return &cp
	}
	var cp Request
	if err := json.Unmarshal(raw, &cp); err != nil {
		shallow := *r
		return &shallow
	}
	return &cp
}

// Usage reports token accounting for one completion.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens,omitempty"`
	CompletionTokens int `json:"completion_tokens,omitempty"`
	TotalTokens      int `json:"total_tokens,omitempty"`
}

// Response is a complete, non-streaming completion result.
type Response struct {
	Provider     string     `json:"provider,omitempty"`
	Model        string     `json:"model,omitempty"`
	Content      string     `json:"content,omitempty"`
	ToolCalls    []ToolCall `json:"tool_calls,omitempty"`
	FinishReason string     `json:"finish_reason,omitempty"`
	Usage        Usage      `json:"usage,omitempty"`
}

// StreamChunk is one increment of a streamed completion. The final
// chunk carries FinishReason and, when the upstream reports it, Usage.
type StreamChunk struct {
	Provider     string     `json:"provider,omitempty"`
	Delta        string     `json:"delta,omitempty"`
	ToolCalls    []ToolCall `json:"tool_calls,omitempty"`
	FinishReason string     `json:"finish_reason,omitempty"`
	Usage        *Usage     `json:"usage,omitempty"`
	Err          error      `json:"-"`
}

// Provider adapts one upstream model endpoint. Implementations must
// honor context cancellation on both entry points and close the stream
// channel when the upstream finishes or fails.
type Provider interface {
	// Completion issues a synchronous chat request.
	Completion(ctx context.Context, req *Request) (*Response, error)

	// Stream issues a streaming chat request and returns the chunk
	// channel.
	Stream(ctx context.Context, req *Request) (<-chan StreamChunk, error)

	// Name returns the provider's registry identifier.
	Name() string
}
