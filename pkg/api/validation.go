package api

import (
	"fmt"
	"strings"
)

// ValidationConfig holds configurable limits for request validation.
type ValidationConfig struct {
	MaxMessages    int
	MaxContentSize int
	MaxTools       int
}

// DefaultValidationConfig returns a ValidationConfig with sensible defaults.
func DefaultValidationConfig() ValidationConfig {
	return ValidationConfig{
		MaxMessages:    1000,
		MaxContentSize: 10 * 1024 * 1024, // 10MB
		MaxTools:       128,
	}
}

// ValidateRequest checks a GatewayRequest for validity. It returns an
// *APIError describing the first validation failure, or nil if the request is valid.
func ValidateRequest(req *GatewayRequest, cfg ValidationConfig) *APIError {
	if req.TraceID != "" && !ValidateTraceID(req.TraceID) {
		return NewInvalidRequestError("trace_id", "trace_id must be 1-128 characters of [A-Za-z0-9._:-]")
	}

	if len(req.Messages) == 0 {
		return NewInvalidRequestError("messages", "messages must contain at least one message")
	}

	if cfg.MaxMessages > 0 && len(req.Messages) > cfg.MaxMessages {
		return NewInvalidRequestError("messages",
			fmt.Sprintf("messages exceeds maximum of %d", cfg.MaxMessages))
	}

	size := 0
	for i, m := range req.Messages {
		switch m.Role {
		case RoleSystem, RoleUser, RoleAssistant:
		case RoleTool:
			if m.ToolCallID == "" {
				return NewInvalidRequestError(fmt.Sprintf("messages[%d].tool_call_id", i),
					"tool messages require tool_call_id")
			}
		default:
			return NewInvalidRequestError(fmt.Sprintf("messages[%d].role", i),
				fmt.Sprintf("unsupported role %q", m.Role))
		}
		size += len(m.Content)
	}
	if cfg.MaxContentSize > 0 && size > cfg.MaxContentSize {
		return NewInvalidRequestError("messages",
			fmt.Sprintf("total content exceeds maximum of %d bytes", cfg.MaxContentSize))
	}

	if cfg.MaxTools > 0 && len(req.Tools) > cfg.MaxTools {
		return NewInvalidRequestError("tools",
			fmt.Sprintf("tools exceeds maximum of %d", cfg.MaxTools))
	}

	seen := make(map[string]bool, len(req.Tools))
	for i, td := range req.Tools {
		if strings.TrimSpace(td.Name) == "" {
			return NewInvalidRequestError(fmt.Sprintf("tools[%d].name", i), "tool name is required")
		}
		if seen[td.Name] {
			return NewInvalidRequestError(fmt.Sprintf("tools[%d].name", i),
				fmt.Sprintf("duplicate tool name %q", td.Name))
		}
		seen[td.Name] = true
	}

	return validateParams(req.Params)
}

func validateParams(p GenerationParams) *APIError {
	if p.MaxTokens != nil && *p.MaxTokens <= 0 {
		return NewInvalidRequestError("params.max_tokens", "max_tokens must be positive")
	}

	if p.Temperature != nil {
		if *p.Temperature < 0.0 || *p.Temperature > 2.0 {
			return NewInvalidRequestError("params.temperature", "temperature must be between 0.0 and 2.0")
		}
	}

	if p.TopP != nil {
		if *p.TopP < 0.0 || *p.TopP > 1.0 {
			return NewInvalidRequestError("params.top_p", "top_p must be between 0.0 and 1.0")
		}
	}

	if len(p.Stop) > 4 {
		return NewInvalidRequestError("params.stop", "at most 4 stop sequences are allowed")
	}

	return nil
}
