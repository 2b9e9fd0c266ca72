package api

import "time"

// EventType names a Standard Event. The values double as the SSE event names.
type EventType string

const (
	EventMeta  EventType = "meta"
	EventDelta EventType = "delta"
	EventDone  EventType = "done"
	EventError EventType = "error"
)

// DeltaKind classifies the payload of a delta event.
type DeltaKind string

const (
	DeltaText          DeltaKind = "TEXT"
	DeltaToolCallDelta DeltaKind = "TOOL_CALL_DELTA"
	DeltaJSON          DeltaKind = "JSON"
)

// Stream modes reported in meta events.
const (
	ModeDirect = "direct"
	ModeAB     = "ab"
)

// Finish reasons reported in done events.
const (
	FinishStop      = "stop"
	FinishLength    = "length"
	FinishToolCalls = "tool_calls"
)

// Meta is emitted once at the start of a client stream.
type Meta struct {
	TraceID   string    `json:"traceId"`
	Engine    string    `json:"engine"`
	Model     string    `json:"model"`
	Mode      string    `json:"mode"`
	Timestamp time.Time `json:"timestamp"`
}

// ToolCallFragment is a partial tool call as it arrives from the engine.
// Fragments sharing an Index belong to the same call.
type ToolCallFragment struct {
	Index     int    `json:"index"`
	ID        string `json:"id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

// Delta carries incremental content. Exactly one of Text, ToolCall or
// JSON is set, according to Kind.
type Delta struct {
	Kind     DeltaKind         `json:"kind"`
	Text     string            `json:"text,omitempty"`
	ToolCall *ToolCallFragment `json:"toolCallFragment,omitempty"`
	JSON     map[string]any    `json:"json,omitempty"`
}

// Done terminates a successful stream.
type Done struct {
	FinishReason string     `json:"finishReason"`
	ToolCalls    []ToolCall `json:"toolCalls,omitempty"`
}

// StreamError terminates a failed stream.
type StreamError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	TraceID string `json:"traceId,omitempty"`
}

// Event is one Standard Event. Type selects which payload field is set.
type Event struct {
	Type  EventType
	Meta  *Meta
	Delta *Delta
	Done  *Done
	Error *StreamError
}

// IsTerminal reports whether the event ends a stream.
func (e Event) IsTerminal() bool {
	return e.Type == EventDone || e.Type == EventError
}

// Payload returns the value serialized as the event's data.
func (e Event) Payload() any {
	switch e.Type {
	case EventMeta:
		return e.Meta
	case EventDelta:
		return e.Delta
	case EventDone:
		return e.Done
	case EventError:
		return e.Error
	}
	return nil
}

// NewMetaEvent builds a meta event stamped with the current time.
func NewMetaEvent(traceID, engine, model, mode string) Event {
	return Event{Type: EventMeta, Meta: &Meta{
		TraceID:   traceID,
		Engine:    engine,
		Model:     model,
		Mode:      mode,
		Timestamp: time.Now().UTC(),
	}}
}

func NewTextDelta(text string) Event {
	return Event{Type: EventDelta, Delta: &Delta{Kind: DeltaText, Text: text}}
}

func NewToolCallDelta(frag ToolCallFragment) Event {
	return Event{Type: EventDelta, Delta: &Delta{Kind: DeltaToolCallDelta, ToolCall: &frag}}
}

func NewJSONDelta(v map[string]any) Event {
	return Event{Type: EventDelta, Delta: &Delta{Kind: DeltaJSON, JSON: v}}
}

// NewDoneEvent builds a done event. An empty finish reason becomes "stop".
func NewDoneEvent(finishReason string, calls []ToolCall) Event {
	if finishReason == "" {
		finishReason = FinishStop
	}
	return Event{Type: EventDone, Done: &Done{FinishReason: finishReason, ToolCalls: calls}}
}

// NewErrorEvent builds an error event.
func NewErrorEvent(code, message, traceID string) Event {
	return Event{Type: EventError, Error: &StreamError{Code: code, Message: message, TraceID: traceID}}
}

// ErrorEventFrom converts an APIError into a terminal error event.
func ErrorEventFrom(err *APIError, traceID string) Event {
	return NewErrorEvent(err.Code, err.Message, traceID)
}
