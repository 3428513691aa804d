package orchestrator

import (
	"context"
	"encoding/json"
)

// ToolResult is the outcome of one tool invocation. Failures travel as
// data with IsError set, so the model can react to them; only abort
// conditions surface as Go errors.
type ToolResult struct {
	// Content is the textual result handed back to the model.
	Content string

	// IsError marks the content as a failure description.
	IsError bool
}

// Tool is one capability an agent can invoke. Implementations must be
// safe for concurrent use; parallel branches may run the same tool at
// the same time.
type Tool interface {
	// Name is the registry identifier the model calls the tool by.
	Name() string

	// Description tells the model what the tool does.
	Description() string

	// Parameters is the JSON Schema of the accepted arguments.
	Parameters() json.RawMessage

	// Execute runs the tool. Returning an error aborts the agent turn;
	// expected failures belong in the result with IsError set.
	Execute(ctx context.Context, params map[string]any) (*ToolResult, error)
}

// ParallelSafeTool is an optional extension of Tool. A tool reporting
// true may have multiple calls issued by one model turn executed
// concurrently; tools without the marker run one at a time within a
// turn.
type ParallelSafeTool interface {
	Tool
	ParallelSafe() bool
}

// PermissionEvaluator gates tool execution. A non-nil error denies the
// invocation; the denial is reported to the model as an error result.
type PermissionEvaluator interface {
	Allow(ctx context.Context, agentName, toolName string, params map[string]any) error
}

// ErrorResult builds a failure result from a message.
func ErrorResult(message string) *ToolResult {
	return &ToolResult{Content: message, IsError: true}
}
