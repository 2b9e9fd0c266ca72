package openaicompat

import (
	"encoding/json"

	"github.com/rhuss/chatgate/pkg/api"
)

// BuildWorkerRequest translates a GatewayRequest into the Chat Completions
// body sent to one engine. Message order and generation parameters are
// carried over unchanged; model comes from the resolved route.
func BuildWorkerRequest(req *api.GatewayRequest, model string) *WorkerRequest {
	cr := &WorkerRequest{
		Model:         model,
		Temperature:   req.Params.Temperature,
		TopP:          req.Params.TopP,
		MaxTokens:     req.Params.MaxTokens,
		Stream:        true,
		StreamOptions: &StreamOptions{IncludeUsage: true},
		User:          req.UserID,
	}
	if len(req.Params.Stop) > 0 {
		cr.Stop = append([]string(nil), req.Params.Stop...)
	}

	cr.Messages = make([]WireMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		cr.Messages = append(cr.Messages, translateMessage(m))
	}

	for _, td := range req.Tools {
		cr.Tools = append(cr.Tools, WireTool{
			Type: "function",
			Function: FunctionDef{
				Name:        td.Name,
				Description: td.Description,
				Parameters:  td.Parameters,
			},
		})
	}

	return cr
}

func translateMessage(m api.Message) WireMessage {
	cm := WireMessage{
		Role:       string(m.Role),
		ToolCallID: m.ToolCallID,
		Name:       m.Name,
	}

	// Assistant messages that only carry tool calls send null content.
	if m.Content != "" || len(m.ToolCalls) == 0 {
		content := m.Content
		cm.Content = &content
	}

	for _, tc := range m.ToolCalls {
		args := wireArguments(tc.Arguments)
		cm.ToolCalls = append(cm.ToolCalls, WireToolCall{
			ID:   tc.ID,
			Type: "function",
			Function: FunctionCall{
				Name:      tc.Name,
				Arguments: args,
			},
		})
	}
	return cm
}

// wireArguments returns raw when it is a JSON object and "{}" otherwise,
// which is what the tool was executed with.
func wireArguments(raw string) string {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &obj); err != nil || obj == nil {
		return "{}"
	}
	return raw
}
