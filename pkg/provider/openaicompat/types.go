package openaicompat

import "encoding/json"

// WorkerRequest is the body POSTed to an engine's /v1/chat/completions.
// BuildWorkerRequest creates one per engine call and nothing mutates it
// afterwards.
type WorkerRequest struct {
	Model         string         `json:"model"`
	Messages      []WireMessage  `json:"messages"`
	Tools         []WireTool     `json:"tools,omitempty"`
	Temperature   *float64       `json:"temperature,omitempty"`
	TopP          *float64       `json:"top_p,omitempty"`
	MaxTokens     *int           `json:"max_tokens,omitempty"`
	Stop          []string       `json:"stop,omitempty"`
	Stream        bool           `json:"stream"`
	StreamOptions *StreamOptions `json:"stream_options,omitempty"`
	User          string         `json:"user,omitempty"`
}

type StreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

// WireMessage is one conversation turn. Content is null on assistant
// turns that only carry tool calls.
type WireMessage struct {
	Role       string         `json:"role"`
	Content    *string        `json:"content"`
	ToolCalls  []WireToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	Name       string         `json:"name,omitempty"`
}

type WireToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type WireTool struct {
	Type     string      `json:"type"`
	Function FunctionDef `json:"function"`
}

type FunctionDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// Chunk is the payload of one "data:" line of an engine stream. Engines
// that fail mid-stream may send a chunk with only Error set.
type Chunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Model   string        `json:"model"`
	Choices []ChunkChoice `json:"choices"`
	Usage   *Usage        `json:"usage,omitempty"`
	Error   *WireError    `json:"error,omitempty"`
}

type ChunkChoice struct {
	Index        int        `json:"index"`
	Delta        ChunkDelta `json:"delta"`
	FinishReason *string    `json:"finish_reason"`
}

// ChunkDelta is the increment of one choice. ReasoningContent is sent by
// reasoning models served through vLLM and is not forwarded.
type ChunkDelta struct {
	Role             string             `json:"role,omitempty"`
	Content          *string            `json:"content,omitempty"`
	ToolCalls        []ToolCallFragment `json:"tool_calls,omitempty"`
	ReasoningContent *string            `json:"reasoning_content,omitempty"`
}

// ToolCallFragment is a piece of a streamed tool call. Fragments with the
// same Index belong to the same call; ID and Name arrive once, Arguments
// are concatenated.
type ToolCallFragment struct {
	Index    int              `json:"index"`
	ID       string           `json:"id,omitempty"`
	Type     string           `json:"type,omitempty"`
	Function FunctionFragment `json:"function"`
}

type FunctionFragment struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// WireError is an engine error. Code is a string on some servers and a
// number on others.
type WireError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    any    `json:"code"`
}

// ErrorBody wraps WireError in non-2xx responses.
type ErrorBody struct {
	Error WireError `json:"error"`
}
