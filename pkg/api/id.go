package api

import (
	"regexp"
	"strings"

	"github.com/google/uuid"
)

var traceIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)

// NewTraceID returns a new globally unique trace identifier.
func NewTraceID() string {
	return uuid.NewString()
}

// ValidateTraceID reports whether a caller-supplied trace id is acceptable.
func ValidateTraceID(id string) bool {
	return traceIDPattern.MatchString(id)
}

// NewToolCallID returns an identifier for a tool call whose engine did not
// supply one.
func NewToolCallID() string {
	return "call_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
}
