package openaicompat

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/rhuss/chatgate/pkg/api"
)

// collectEvents runs a Transformer over sseData and returns all events.
func collectEvents(t *testing.T, body io.Reader) []api.Event {
	t.Helper()
	var events []api.Event
	tr := NewTransformer("vllm", "trace-1", func(ev api.Event) bool {
		events = append(events, ev)
		return true
	})
	tr.Transform(context.Background(), body)
	return events
}

// splitReader returns at most n bytes per Read to simulate network framing.
type splitReader struct {
	data []byte
	n    int
}

func (r *splitReader) Read(p []byte) (int, error) {
	if len(r.data) == 0 {
		return 0, io.EOF
	}
	n := min(r.n, len(p), len(r.data))
	copy(p, r.data[:n])
	r.data = r.data[n:]
	return n, nil
}

// assertSingleTerminal checks that exactly one terminal event exists and it is last.
func assertSingleTerminal(t *testing.T, events []api.Event) api.Event {
	t.Helper()
	if len(events) == 0 {
		t.Fatal("no events")
	}
	for i, ev := range events[:len(events)-1] {
		if ev.IsTerminal() {
			t.Fatalf("event %d (%s) is terminal but not last", i, ev.Type)
		}
	}
	last := events[len(events)-1]
	if !last.IsTerminal() {
		t.Fatalf("last event %s is not terminal", last.Type)
	}
	return last
}

func textOf(events []api.Event) string {
	var sb strings.Builder
	for _, ev := range events {
		if ev.Type == api.EventDelta && ev.Delta.Kind == api.DeltaText {
			sb.WriteString(ev.Delta.Text)
		}
	}
	return sb.String()
}

const textStream = `data: {"id":"c1","choices":[{"index":0,"delta":{"role":"assistant"},"finish_reason":null}]}

data: {"id":"c1","choices":[{"index":0,"delta":{"content":"Hello"},"finish_reason":null}]}

data: {"id":"c1","choices":[{"index":0,"delta":{"content":" world"},"finish_reason":null}]}

data: {"id":"c1","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}

data: {"id":"c1","choices":[],"usage":{"prompt_tokens":5,"completion_tokens":2,"total_tokens":7}}

data: [DONE]

`

func TestTransform_TextDeltas(t *testing.T) {
	events := collectEvents(t, strings.NewReader(textStream))

	last := assertSingleTerminal(t, events)
	if last.Type != api.EventDone || last.Done.FinishReason != api.FinishStop {
		t.Fatalf("terminal = %+v", last)
	}
	if got := textOf(events); got != "Hello world" {
		t.Errorf("text = %q, want %q", got, "Hello world")
	}

	// Usage arrives after finish_reason but before done.
	usage := events[len(events)-2]
	if usage.Type != api.EventDelta || usage.Delta.Kind != api.DeltaJSON {
		t.Fatalf("expected JSON usage delta before done, got %+v", usage)
	}
	if _, ok := usage.Delta.JSON["usage"]; !ok {
		t.Errorf("usage delta = %v", usage.Delta.JSON)
	}
}

func TestTransform_NetworkSplits(t *testing.T) {
	for _, n := range []int{1, 7, 13, 64} {
		events := collectEvents(t, &splitReader{data: []byte(textStream), n: n})
		last := assertSingleTerminal(t, events)
		if last.Type != api.EventDone {
			t.Fatalf("split %d: terminal = %s", n, last.Type)
		}
		if got := textOf(events); got != "Hello world" {
			t.Errorf("split %d: text = %q", n, got)
		}
	}
}

func TestTransform_JSONSplitAcrossDataEvents(t *testing.T) {
	// The engine flushed one JSON chunk as two SSE events.
	sse := `data: {"id":"c1","choices":[{"index":0,"delta":{"content":"par

data: tial"},"finish_reason":null}]}

data: {"id":"c1","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}

data: [DONE]

`
	events := collectEvents(t, strings.NewReader(sse))
	last := assertSingleTerminal(t, events)
	if last.Type != api.EventDone {
		t.Fatalf("terminal = %+v", last.Error)
	}
	if got := textOf(events); got != "partial" {
		t.Errorf("text = %q, want %q", got, "partial")
	}
}

func TestTransform_MultiLineDataEvent(t *testing.T) {
	sse := "data: {\"id\":\"c1\",\ndata: \"choices\":[{\"index\":0,\"delta\":{\"content\":\"x\"},\"finish_reason\":\"stop\"}]}\n\ndata: [DONE]\n\n"
	events := collectEvents(t, strings.NewReader(sse))
	last := assertSingleTerminal(t, events)
	if last.Type != api.EventDone || textOf(events) != "x" {
		t.Fatalf("events = %+v", events)
	}
}

func TestTransform_ToolCallAggregation(t *testing.T) {
	sse := `data: {"id":"c2","choices":[{"index":0,"delta":{"role":"assistant","tool_calls":[{"index":0,"id":"call_a","type":"function","function":{"name":"project_status","arguments":""}}]},"finish_reason":null}]}

data: {"id":"c2","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"proj"}}]},"finish_reason":null}]}

data: {"id":"c2","choices":[{"index":0,"delta":{"tool_calls":[{"index":1,"id":"call_b","type":"function","function":{"name":"echo","arguments":"{}"}}]},"finish_reason":null}]}

data: {"id":"c2","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"ect\":\"apollo\"}"}}]},"finish_reason":null}]}

data: {"id":"c2","choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}

data: [DONE]

`
	events := collectEvents(t, strings.NewReader(sse))
	last := assertSingleTerminal(t, events)

	if last.Type != api.EventDone {
		t.Fatalf("terminal = %s", last.Type)
	}
	if last.Done.FinishReason != api.FinishToolCalls {
		t.Errorf("finish reason = %q", last.Done.FinishReason)
	}

	calls := last.Done.ToolCalls
	if len(calls) != 2 {
		t.Fatalf("got %d tool calls, want 2", len(calls))
	}
	if calls[0].ID != "call_a" || calls[0].Name != "project_status" || calls[0].Arguments != `{"project":"apollo"}` {
		t.Errorf("call 0 = %+v", calls[0])
	}
	if calls[1].ID != "call_b" || calls[1].Name != "echo" || calls[1].Arguments != "{}" {
		t.Errorf("call 1 = %+v", calls[1])
	}

	fragments := 0
	for _, ev := range events {
		if ev.Type == api.EventDelta && ev.Delta.Kind == api.DeltaToolCallDelta {
			fragments++
		}
	}
	if fragments != 4 {
		t.Errorf("tool call fragments = %d, want 4", fragments)
	}
}

func TestTransform_ToolCallWithoutID(t *testing.T) {
	sse := `data: {"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"name":"echo","arguments":"{}"}}]},"finish_reason":"tool_calls"}]}

data: [DONE]

`
	events := collectEvents(t, strings.NewReader(sse))
	last := assertSingleTerminal(t, events)
	if len(last.Done.ToolCalls) != 1 || !strings.HasPrefix(last.Done.ToolCalls[0].ID, "call_") {
		t.Fatalf("tool calls = %+v", last.Done.ToolCalls)
	}
}

func TestTransform_Failures(t *testing.T) {
	tests := []struct {
		name     string
		sse      string
		wantCode string
		wantText string
	}{
		{
			name: "malformed chunk",
			sse: `data: {"choices":[{"index":0,"delta":{"content":"ok"},"finish_reason":null}]}

data: {"choices": not-json}

data: {"choices":[{"index":0,"delta":{"content":"never"},"finish_reason":null}]}

`,
			wantCode: api.CodeStreamProtocolError,
			wantText: "ok",
		},
		{
			name:     "wrong shape",
			sse:      "data: {\"choices\":\"nope\"}\n\n",
			wantCode: api.CodeStreamProtocolError,
		},
		{
			name:     "trailing garbage",
			sse:      "data: {\"choices\":[]} {\"x\":1}\n\n",
			wantCode: api.CodeStreamProtocolError,
		},
		{
			name:     "incomplete chunk at EOF",
			sse:      "data: {\"choices\":[{\"index\":0\n\n",
			wantCode: api.CodeStreamProtocolError,
		},
		{
			name:     "incomplete chunk before DONE",
			sse:      "data: {\"choices\":[\n\ndata: [DONE]\n\n",
			wantCode: api.CodeStreamProtocolError,
		},
		{
			name:     "truncated stream",
			sse:      "data: {\"choices\":[{\"index\":0,\"delta\":{\"content\":\"half\"},\"finish_reason\":null}]}\n\n",
			wantCode: api.CodeStreamTruncated,
			wantText: "half",
		},
		{
			name:     "inline engine error",
			sse:      "data: {\"error\":{\"message\":\"CUDA out of memory\",\"type\":\"server_error\"}}\n\n",
			wantCode: api.CodeUpstreamError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events := collectEvents(t, strings.NewReader(tt.sse))
			last := assertSingleTerminal(t, events)
			if last.Type != api.EventError {
				t.Fatalf("terminal = %s, want error", last.Type)
			}
			if last.Error.Code != tt.wantCode {
				t.Errorf("code = %q, want %q", last.Error.Code, tt.wantCode)
			}
			if last.Error.TraceID != "trace-1" {
				t.Errorf("trace id = %q", last.Error.TraceID)
			}
			if got := textOf(events); got != tt.wantText {
				t.Errorf("text = %q, want %q", got, tt.wantText)
			}
		})
	}
}

func TestTransform_FinishWithoutDoneSentinel(t *testing.T) {
	sse := "data: {\"choices\":[{\"index\":0,\"delta\":{\"content\":\"a\"},\"finish_reason\":\"length\"}]}"
	events := collectEvents(t, strings.NewReader(sse))
	last := assertSingleTerminal(t, events)
	if last.Type != api.EventDone || last.Done.FinishReason != api.FinishLength {
		t.Fatalf("terminal = %+v", last)
	}
}

func TestTransform_CommentsIgnored(t *testing.T) {
	sse := ": keep-alive\n\nevent: message\ndata: {\"choices\":[{\"index\":0,\"delta\":{\"content\":\"a\"},\"finish_reason\":\"stop\"}]}\n\ndata: [DONE]\n\n"
	events := collectEvents(t, strings.NewReader(sse))
	if last := assertSingleTerminal(t, events); last.Type != api.EventDone {
		t.Fatalf("terminal = %s", last.Type)
	}
}

func TestTransform_ConsumerGone(t *testing.T) {
	calls := 0
	tr := NewTransformer("vllm", "t", func(api.Event) bool {
		calls++
		return false
	})
	tr.Transform(context.Background(), strings.NewReader(textStream))
	if calls != 1 {
		t.Errorf("emit called %d times after consumer left, want 1", calls)
	}
}

func TestTransform_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var events []api.Event
	tr := NewTransformer("vllm", "t", func(ev api.Event) bool {
		events = append(events, ev)
		return true
	})
	tr.Transform(ctx, strings.NewReader(textStream))

	last := assertSingleTerminal(t, events)
	if last.Error == nil || last.Error.Code != api.CodeCancelled {
		t.Fatalf("terminal = %+v", last)
	}
}
