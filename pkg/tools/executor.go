package tools

import (
	"context"
	"fmt"

	"github.com/rhuss/chatgate/pkg/api"
)

// CallContext identifies who a tool call is made for.
type CallContext struct {
	TraceID   string
	SessionID string
	UserID    string
	Roles     []string
}

// Executor runs one tool.
type Executor interface {
	// Name returns the tool name the model uses to call it.
	Name() string

	// Definition returns the definition offered to the model.
	Definition() api.ToolDefinition

	// Execute runs the tool. Failures are reported in the returned
	// result, not as a Go error.
	Execute(ctx context.Context, toolCallID string, args map[string]any, cc CallContext) api.ToolResult
}

// Toolset supplies a group of executors from one backend, such as an
// MCP server.
type Toolset interface {
	Name() string
	Executors(ctx context.Context) ([]Executor, error)
	Close() error
}

// Func adapts a plain function to Executor.
type Func struct {
	Def api.ToolDefinition
	Fn  func(ctx context.Context, args map[string]any, cc CallContext) (string, error)
}

var _ Executor = Func{}

func (f Func) Name() string { return f.Def.Name }

func (f Func) Definition() api.ToolDefinition { return f.Def }

func (f Func) Execute(ctx context.Context, toolCallID string, args map[string]any, cc CallContext) api.ToolResult {
	out, err := f.Fn(ctx, args, cc)
	if err != nil {
		return Failure(toolCallID, f.Def.Name, err.Error())
	}
	return Success(toolCallID, f.Def.Name, out)
}

// Success builds a successful result.
func Success(toolCallID, toolName, output string) api.ToolResult {
	return api.ToolResult{ToolCallID: toolCallID, ToolName: toolName, Success: true, Output: output}
}

// Failure builds a failed result.
func Failure(toolCallID, toolName, msg string) api.ToolResult {
	return api.ToolResult{ToolCallID: toolCallID, ToolName: toolName, Error: msg}
}

// Failuref builds a failed result from a format string.
func Failuref(toolCallID, toolName, format string, args ...any) api.ToolResult {
	return Failure(toolCallID, toolName, fmt.Sprintf(format, args...))
}
