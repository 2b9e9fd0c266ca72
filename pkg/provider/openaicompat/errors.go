package openaicompat

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"unicode/utf8"
)

// StatusError reports a non-2xx engine response. The resilience layer
// classifies it through StatusCode.
type StatusError struct {
	Engine  string
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("engine %s returned HTTP %d: %s", e.Engine, e.Status, e.Message)
}

func (e *StatusError) StatusCode() int { return e.Status }

// statusErrorFrom reads at most 4 KiB of the body for a message and falls
// back to the status text.
func statusErrorFrom(engine string, resp *http.Response) *StatusError {
	msg := errorMessage(resp.Body)
	if msg == "" {
		msg = strings.ToLower(http.StatusText(resp.StatusCode))
	}
	if msg == "" {
		msg = "unexpected response"
	}
	return &StatusError{Engine: engine, Status: resp.StatusCode, Message: msg}
}

// errorMessage extracts error.message from a JSON error body. A plain
// text body is returned as is, shortened for logs.
func errorMessage(body io.Reader) string {
	if body == nil {
		return ""
	}
	data, err := io.ReadAll(io.LimitReader(body, 4<<10))
	if err != nil {
		return ""
	}
	var eb ErrorBody
	if json.Unmarshal(data, &eb) == nil {
		return eb.Error.Message
	}
	return Truncate(strings.TrimSpace(string(data)), 200)
}

// Truncate shortens s to at most n bytes without splitting a rune.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
