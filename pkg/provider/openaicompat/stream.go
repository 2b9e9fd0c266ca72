package openaicompat

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sort"
	"strings"

	"github.com/rhuss/chatgate/pkg/api"
	"github.com/rhuss/chatgate/pkg/debug"
)

const (
	// maxLineSize bounds a single SSE line.
	maxLineSize = 1 << 20

	// maxPendingSize bounds a JSON chunk reassembled from split data events.
	maxPendingSize = 1 << 20
)

// ToolCallBuffer tracks incremental tool call argument assembly across
// multiple SSE chunks for a single tool call index.
type ToolCallBuffer struct {
	ID   string
	Name string
	Args strings.Builder
}

// Transformer turns one upstream Chat Completions SSE body into Standard
// Events. A Transformer is single-use and not safe for concurrent use.
type Transformer struct {
	engine  string
	traceID string
	emit    func(api.Event) bool

	pending      strings.Builder
	toolCalls    map[int]*ToolCallBuffer
	finishReason string
	finished     bool
}

// NewTransformer creates a Transformer. emit delivers each event and
// returns false once the consumer has gone away.
func NewTransformer(engine, traceID string, emit func(api.Event) bool) *Transformer {
	return &Transformer{
		engine:    engine,
		traceID:   traceID,
		emit:      emit,
		toolCalls: make(map[int]*ToolCallBuffer),
	}
}

// Transform reads the SSE body until a terminal event has been produced.
// It emits exactly one terminal event (done or error) unless the consumer
// disappears first.
//
// SSE format expected:
//
//	data: {"id":"...","choices":[...]}\n
//	\n
//	data: [DONE]\n
//	\n
//
// A JSON chunk split across several data events is buffered until it is
// complete. A chunk that can never become valid JSON ends the stream with
// a STREAM_PROTOCOL_ERROR.
func (t *Transformer) Transform(ctx context.Context, body io.Reader) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	var data []string
	for scanner.Scan() {
		if ctx.Err() != nil {
			t.failContext(ctx)
			return
		}

		line := scanner.Text()
		switch {
		case line == "":
			if len(data) > 0 {
				payload := strings.Join(data, "\n")
				data = data[:0]
				if !t.dispatch(payload) {
					return
				}
			}
		case strings.HasPrefix(line, ":"):
			// comment / keep-alive
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}

	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			t.failContext(ctx)
			return
		}
		if errors.Is(err, bufio.ErrTooLong) {
			t.fail(api.CodeStreamProtocolError, "upstream line exceeds maximum size")
			return
		}
		t.fail(api.CodeUpstreamError, "stream read error: "+err.Error())
		return
	}

	// The body may end without a trailing blank line.
	if len(data) > 0 && !t.dispatch(strings.Join(data, "\n")) {
		return
	}

	if t.finished {
		return
	}
	if t.pending.Len() > 0 {
		t.fail(api.CodeStreamProtocolError, "stream ended inside an incomplete JSON chunk")
		return
	}
	if t.finishReason != "" {
		t.complete()
		return
	}
	t.fail(api.CodeStreamTruncated, "engine closed the stream without a finish reason")
}

// dispatch handles one SSE data payload. It returns false when the stream
// has reached its terminal event.
func (t *Transformer) dispatch(payload string) bool {
	if t.finished {
		return false
	}

	if strings.TrimSpace(payload) == "[DONE]" && t.pending.Len() == 0 {
		t.complete()
		return false
	}

	t.pending.WriteString(payload)
	raw := t.pending.String()

	chunk, err := decodeChunk(raw)
	if errors.Is(err, io.ErrUnexpectedEOF) {
		if t.pending.Len() > maxPendingSize {
			t.fail(api.CodeStreamProtocolError, "incomplete JSON chunk exceeds maximum size")
			return false
		}
		debug.Log("transformer", "buffering partial chunk", "engine", t.engine, "bytes", t.pending.Len())
		return true
	}
	t.pending.Reset()

	if err != nil {
		slog.Warn("malformed SSE chunk",
			"engine", t.engine,
			"trace_id", t.traceID,
			"error", err.Error(),
			"data", Truncate(raw, 200),
		)
		t.fail(api.CodeStreamProtocolError, "malformed chunk from engine: "+err.Error())
		return false
	}
	if chunk == nil {
		return true
	}

	return t.handleChunk(chunk)
}

// decodeChunk parses one JSON chunk. io.ErrUnexpectedEOF signals that the
// payload is a prefix of a valid chunk. A nil chunk with nil error means
// the payload was blank.
func decodeChunk(raw string) (*Chunk, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}

	dec := json.NewDecoder(strings.NewReader(raw))
	var chunk Chunk
	if err := dec.Decode(&chunk); err != nil {
		return nil, err
	}

	// Anything after the first value makes the payload malformed.
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("unexpected data after JSON chunk")
	}
	return &chunk, nil
}

// handleChunk converts a decoded chunk into events. It returns false when
// the stream has reached its terminal event or the consumer is gone.
func (t *Transformer) handleChunk(chunk *Chunk) bool {
	if chunk.Error != nil {
		msg := chunk.Error.Message
		if msg == "" {
			msg = "engine reported an error"
		}
		t.fail(api.CodeUpstreamError, msg)
		return false
	}

	// A usage-only chunk (stream_options.include_usage) has no choices.
	if len(chunk.Choices) == 0 {
		if chunk.Usage != nil {
			return t.emit(api.NewJSONDelta(map[string]any{
				"usage": map[string]any{
					"promptTokens":     chunk.Usage.PromptTokens,
					"completionTokens": chunk.Usage.CompletionTokens,
					"totalTokens":      chunk.Usage.TotalTokens,
				},
			}))
		}
		return true
	}

	choice := chunk.Choices[0]
	delta := choice.Delta

	if delta.ReasoningContent != nil && *delta.ReasoningContent != "" {
		if !t.emit(api.NewJSONDelta(map[string]any{"reasoning": *delta.ReasoningContent})) {
			return false
		}
	}

	if delta.Content != nil && *delta.Content != "" {
		if !t.emit(api.NewTextDelta(*delta.Content)) {
			return false
		}
	}

	for _, tc := range delta.ToolCalls {
		buf, exists := t.toolCalls[tc.Index]
		if !exists {
			buf = &ToolCallBuffer{}
			t.toolCalls[tc.Index] = buf
		}
		if buf.ID == "" {
			buf.ID = tc.ID
		}
		if buf.Name == "" {
			buf.Name = tc.Function.Name
		}
		buf.Args.WriteString(tc.Function.Arguments)

		if !t.emit(api.NewToolCallDelta(api.ToolCallFragment{
			Index:     tc.Index,
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})) {
			return false
		}
	}

	// The done event is held back until [DONE] or EOF so that a trailing
	// usage chunk is still delivered before the terminal event.
	if choice.FinishReason != nil && *choice.FinishReason != "" {
		t.finishReason = *choice.FinishReason
	}
	return true
}

// complete emits the done event with any aggregated tool calls.
func (t *Transformer) complete() {
	if t.finished {
		return
	}
	t.finished = true

	calls := t.flushToolCalls()
	reason := t.finishReason
	if len(calls) > 0 {
		reason = api.FinishToolCalls
	}
	if reason == api.FinishToolCalls && len(calls) == 0 {
		slog.Warn("engine reported tool_calls without any tool call", "engine", t.engine, "trace_id", t.traceID)
		reason = api.FinishStop
	}
	t.emit(api.NewDoneEvent(reason, calls))
}

func (t *Transformer) failContext(ctx context.Context) {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		t.fail(api.CodeUpstreamTimeout, "engine stream exceeded its time budget")
		return
	}
	t.fail(api.CodeCancelled, "stream cancelled")
}

func (t *Transformer) fail(code, message string) {
	if t.finished {
		return
	}
	t.finished = true
	t.emit(api.NewErrorEvent(code, message, t.traceID))
}

// flushToolCalls returns the buffered tool calls ordered by index and
// clears the buffer.
func (t *Transformer) flushToolCalls() []api.ToolCall {
	if len(t.toolCalls) == 0 {
		return nil
	}

	indexes := make([]int, 0, len(t.toolCalls))
	for idx := range t.toolCalls {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)

	calls := make([]api.ToolCall, 0, len(indexes))
	for _, idx := range indexes {
		buf := t.toolCalls[idx]
		id := buf.ID
		if id == "" {
			id = api.NewToolCallID()
		}
		calls = append(calls, api.ToolCall{
			ID:        id,
			Name:      buf.Name,
			Arguments: buf.Args.String(),
		})
	}
	clear(t.toolCalls)
	return calls
}
