package api

import (
	"encoding/json"
	"slices"
)

// Role identifies the author of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is a single chat message. Assistant messages may carry the tool
// calls the model requested; tool messages carry the ToolCallID they answer.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	Name       string     `json:"name,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
}

// GenerationParams holds the sampling parameters forwarded to an engine.
// Nil pointers mean "engine default".
type GenerationParams struct {
	Temperature *float64 `json:"temperature,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
	MaxTokens   *int     `json:"max_tokens,omitempty"`
	Stop        []string `json:"stop,omitempty"`
}

// ToolDefinition describes a tool the model may call. Parameters is a
// JSON-schema object. RequiredRoles restricts who may invoke the tool;
// an empty list means anyone.
type ToolDefinition struct {
	Name          string          `json:"name"`
	Description   string          `json:"description,omitempty"`
	Parameters    json.RawMessage `json:"parameters,omitempty"`
	RequiredRoles []string        `json:"required_roles,omitempty"`
}

// ToolCall is a complete, aggregated function invocation requested by the model.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolResult is the outcome of executing one ToolCall.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	ToolName   string `json:"tool_name"`
	Success    bool   `json:"success"`
	Output     string `json:"output,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Content returns the text fed back to the model for this result.
func (r ToolResult) Content() string {
	if r.Success {
		return r.Output
	}
	return "Error: " + r.Error
}

// ABConfig selects the engines used for an A/B comparison.
type ABConfig struct {
	Primary string `json:"primary,omitempty"`
	Shadow  string `json:"shadow,omitempty"`
}

// GatewayRequest is a chat request as accepted by the gateway.
//
// A GatewayRequest is treated as immutable once it enters the pipeline.
// The tool orchestrator derives continuation requests with WithAppended,
// which copies the message list instead of modifying it.
type GatewayRequest struct {
	TraceID   string           `json:"trace_id,omitempty"`
	SessionID string           `json:"session_id,omitempty"`
	UserID    string           `json:"user_id,omitempty"`
	Engine    string           `json:"engine,omitempty"`
	Messages  []Message        `json:"messages"`
	Params    GenerationParams `json:"params,omitempty"`
	Tools     []ToolDefinition `json:"tools,omitempty"`
	AB        *ABConfig        `json:"ab,omitempty"`
}

// WithAppended returns a shallow copy of the request whose message list is
// the original messages followed by msgs. The receiver is not modified.
func (r *GatewayRequest) WithAppended(msgs ...Message) *GatewayRequest {
	next := *r
	next.Messages = make([]Message, 0, len(r.Messages)+len(msgs))
	next.Messages = append(next.Messages, r.Messages...)
	next.Messages = append(next.Messages, msgs...)
	return &next
}

// WithTools returns a shallow copy of the request carrying the given tool definitions.
func (r *GatewayRequest) WithTools(defs []ToolDefinition) *GatewayRequest {
	next := *r
	next.Tools = slices.Clone(defs)
	return &next
}
