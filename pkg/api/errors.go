package api

import (
	"fmt"
	"net/http"
)

// ErrorType is the category of an error returned before streaming starts.
type ErrorType string

const (
	ErrorTypeInvalidRequest  ErrorType = "invalid_request"
	ErrorTypeUnauthorized    ErrorType = "unauthorized"
	ErrorTypeNotFound        ErrorType = "not_found"
	ErrorTypeConflict        ErrorType = "conflict"
	ErrorTypeTooManyRequests ErrorType = "too_many_requests"
	ErrorTypeServerError     ErrorType = "server_error"
	ErrorTypeUpstreamError   ErrorType = "upstream_error"
)

// Error codes carried by terminal error events.
const (
	CodeEngineUnavailable   = "ENGINE_UNAVAILABLE"
	CodeUpstreamTimeout     = "UPSTREAM_TIMEOUT"
	CodeUpstreamError       = "UPSTREAM_ERROR"
	CodeUpstreamRejected    = "UPSTREAM_REJECTED"
	CodeStreamProtocolError = "STREAM_PROTOCOL_ERROR"
	CodeStreamTruncated     = "STREAM_TRUNCATED"
	CodeMaxToolIterations   = "MAX_TOOL_ITERATIONS"
	CodeCancelled           = "CANCELLED"
	CodeInternalError       = "INTERNAL_ERROR"
	CodeInvalidRequest      = "INVALID_REQUEST"
)

var statusByType = map[ErrorType]int{
	ErrorTypeInvalidRequest:  http.StatusBadRequest,
	ErrorTypeUnauthorized:    http.StatusUnauthorized,
	ErrorTypeNotFound:        http.StatusNotFound,
	ErrorTypeConflict:        http.StatusConflict,
	ErrorTypeTooManyRequests: http.StatusTooManyRequests,
	ErrorTypeServerError:     http.StatusInternalServerError,
	ErrorTypeUpstreamError:   http.StatusBadGateway,
}

// APIError is the body of a JSON error response.
type APIError struct {
	Type    ErrorType `json:"type"`
	Code    string    `json:"code,omitempty"`
	Param   string    `json:"param,omitempty"`
	Message string    `json:"message"`

	// status overrides the status derived from Type.
	status int
}

func (e *APIError) Error() string {
	switch {
	case e.Param != "":
		return fmt.Sprintf("%s: %s (param: %s)", e.Type, e.Message, e.Param)
	case e.Code != "":
		return fmt.Sprintf("%s [%s]: %s", e.Type, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// HTTPStatus returns the response status for e. Unknown types map to 500.
func (e *APIError) HTTPStatus() int {
	if e.status != 0 {
		return e.status
	}
	if s, ok := statusByType[e.Type]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// WithStatus pins the response status, for the few transport failures
// (oversized body, wrong media type) whose status is not implied by Type.
func (e *APIError) WithStatus(status int) *APIError {
	e.status = status
	return e
}

// ErrorResponse is the top-level JSON error envelope.
type ErrorResponse struct {
	Error *APIError `json:"error"`
}

func NewInvalidRequestError(param, message string) *APIError {
	return &APIError{Type: ErrorTypeInvalidRequest, Code: CodeInvalidRequest, Param: param, Message: message}
}

func NewUnauthorizedError(message string) *APIError {
	return &APIError{Type: ErrorTypeUnauthorized, Message: message}
}

func NewNotFoundError(message string) *APIError {
	return &APIError{Type: ErrorTypeNotFound, Message: message}
}

// NewConflictError reports a request that clashes with live state, such as
// a trace id that is already streaming.
func NewConflictError(param, message string) *APIError {
	return &APIError{Type: ErrorTypeConflict, Param: param, Message: message}
}

func NewTooManyRequestsError(message string) *APIError {
	return &APIError{Type: ErrorTypeTooManyRequests, Message: message}
}

func NewServerError(message string) *APIError {
	return &APIError{Type: ErrorTypeServerError, Code: CodeInternalError, Message: message}
}

// NewUpstreamError reports an engine failure that happened before any
// event reached the client.
func NewUpstreamError(code, message string) *APIError {
	return &APIError{Type: ErrorTypeUpstreamError, Code: code, Message: message}
}
