// Package mockengine is a deterministic OpenAI-compatible Chat Completions
// server for tests and local development.
//
// The reply is selected by the last user message:
//
//	tool:NAME ARGS[;NAME ARGS...]  stream tool calls, arguments split across chunks
//	fail:5xx | fail:4xx | fail:NNN  respond with that HTTP status
//	slow:TEXT                      stream TEXT with a delay between chunks
//	malformed:TEXT                 stream one chunk, then invalid JSON
//	truncate:TEXT                  stream TEXT, finish with "length"
//	anything else                  stream "Echo: " followed by the message
//
// When the conversation ends with tool messages, the reply summarizes
// their contents instead.
package mockengine

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/rhuss/chatgate/pkg/provider/openaicompat"
)

// Options configures a mock engine.
type Options struct {
	// Name is reported in logs and prefixed to echoed text so two engines
	// can be told apart.
	Name string

	// Model is returned when the request names none.
	Model string

	// ChunkDelay is the pause between chunks of the slow scenario.
	ChunkDelay time.Duration
}

// Server serves the mock API.
type Server struct {
	opts  Options
	calls atomic.Int64
	mux   *http.ServeMux
}

// New creates a mock engine.
func New(opts Options) *Server {
	if opts.Model == "" {
		opts.Model = "mock-model"
	}
	if opts.ChunkDelay <= 0 {
		opts.ChunkDelay = 200 * time.Millisecond
	}

	s := &Server{opts: opts, mux: http.NewServeMux()}
	s.mux.HandleFunc("POST /v1/chat/completions", s.handleChatCompletions)
	s.mux.HandleFunc("GET /v1/models", s.handleModels)
	s.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("ok\n"))
	})
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.mux }

// Calls returns the number of chat completion requests served.
func (s *Server) Calls() int { return int(s.calls.Load()) }

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	s.calls.Add(1)

	var req openaicompat.WorkerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}
	if req.Model == "" {
		req.Model = s.opts.Model
	}

	sc := s.classify(&req)
	slog.Debug("mock engine request", "engine", s.opts.Name, "scenario", sc.kind, "messages", len(req.Messages))

	if sc.status != 0 {
		writeError(w, sc.status, fmt.Sprintf("mock engine failure (%d)", sc.status))
		return
	}
	if !req.Stream {
		s.writeCompletion(w, &req, sc)
		return
	}
	s.writeStream(w, r, &req, sc)
}

// scenario is the reply chosen for one request.
type scenario struct {
	kind   string
	status int
	text   string
	calls  []openaicompat.WireToolCall
	slow   bool
	broken bool
	finish string
}

func (s *Server) classify(req *openaicompat.WorkerRequest) scenario {
	if results := trailingToolResults(req.Messages); len(results) > 0 {
		return scenario{kind: "tool_result", text: s.prefix() + "Tool results: " + strings.Join(results, "; "), finish: "stop"}
	}

	msg := lastUserMessage(req.Messages)
	directive, rest, _ := strings.Cut(msg, ":")
	switch directive {
	case "tool":
		return scenario{kind: "tool", calls: parseToolCalls(rest), finish: "tool_calls"}
	case "fail":
		return scenario{kind: "fail", status: failStatus(rest)}
	case "slow":
		return scenario{kind: "slow", text: s.prefix() + rest, slow: true, finish: "stop"}
	case "malformed":
		return scenario{kind: "malformed", text: s.prefix() + rest, broken: true}
	case "truncate":
		return scenario{kind: "truncate", text: s.prefix() + rest, finish: "length"}
	}
	return scenario{kind: "echo", text: s.prefix() + "Echo: " + msg, finish: "stop"}
}

func (s *Server) prefix() string {
	if s.opts.Name == "" {
		return ""
	}
	return "[" + s.opts.Name + "] "
}

func (s *Server) writeStream(w http.ResponseWriter, r *http.Request, req *openaicompat.WorkerRequest, sc scenario) {
	rc := http.NewResponseController(w)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	id := "chatcmpl-" + uuid.NewString()
	send := func(chunk openaicompat.Chunk) {
		chunk.ID, chunk.Object, chunk.Model = id, "chat.completion.chunk", req.Model
		data, _ := json.Marshal(chunk)
		fmt.Fprintf(w, "data: %s\n\n", data)
		rc.Flush()
	}
	delta := func(d openaicompat.ChunkDelta) openaicompat.Chunk {
		return openaicompat.Chunk{Choices: []openaicompat.ChunkChoice{{Delta: d}}}
	}

	send(delta(openaicompat.ChunkDelta{Role: "assistant"}))

	tokens := splitTokens(sc.text)
	if sc.broken {
		if len(tokens) > 0 {
			send(delta(openaicompat.ChunkDelta{Content: &tokens[0]}))
		}
		fmt.Fprint(w, "data: {\"choices\":[}\n\n")
		rc.Flush()
		return
	}

	for _, tok := range tokens {
		if sc.slow {
			select {
			case <-r.Context().Done():
				return
			case <-time.After(s.opts.ChunkDelay):
			}
		}
		send(delta(openaicompat.ChunkDelta{Content: &tok}))
	}

	for i, call := range sc.calls {
		head, tail := splitHalf(call.Function.Arguments)
		send(delta(openaicompat.ChunkDelta{ToolCalls: []openaicompat.ToolCallFragment{{
			Index: i, ID: call.ID, Type: "function",
			Function: openaicompat.FunctionFragment{Name: call.Function.Name, Arguments: head},
		}}}))
		send(delta(openaicompat.ChunkDelta{ToolCalls: []openaicompat.ToolCallFragment{{
			Index:    i,
			Function: openaicompat.FunctionFragment{Arguments: tail},
		}}}))
	}

	finish := sc.finish
	send(openaicompat.Chunk{Choices: []openaicompat.ChunkChoice{{FinishReason: &finish}}})

	if req.StreamOptions != nil && req.StreamOptions.IncludeUsage {
		completion := len(tokens) + len(sc.calls)
		send(openaicompat.Chunk{
			Choices: []openaicompat.ChunkChoice{},
			Usage:   &openaicompat.Usage{PromptTokens: 10, CompletionTokens: completion, TotalTokens: 10 + completion},
		})
	}

	fmt.Fprint(w, "data: [DONE]\n\n")
	rc.Flush()
}

func (s *Server) writeCompletion(w http.ResponseWriter, req *openaicompat.WorkerRequest, sc scenario) {
	msg := openaicompat.WireMessage{Role: "assistant", ToolCalls: sc.calls}
	if len(sc.calls) == 0 {
		msg.Content = &sc.text
	}
	finish := sc.finish
	if finish == "" {
		finish = "stop"
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"id":     "chatcmpl-" + uuid.NewString(),
		"object": "chat.completion",
		"model":  req.Model,
		"choices": []map[string]any{
			{"index": 0, "message": msg, "finish_reason": finish},
		},
	})
}

func (s *Server) handleModels(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"object": "list",
		"data": []map[string]any{
			{"id": s.opts.Model, "object": "model", "owned_by": "chatgate-mock"},
		},
	})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(openaicompat.ErrorBody{
		Error: openaicompat.WireError{Message: msg, Type: "mock_error", Code: status},
	})
}

func failStatus(spec string) int {
	switch spec = strings.TrimSpace(spec); spec {
	case "5xx", "":
		return http.StatusServiceUnavailable
	case "4xx":
		return http.StatusBadRequest
	}
	if code, err := strconv.Atoi(spec); err == nil && code >= 400 && code <= 599 {
		return code
	}
	return http.StatusServiceUnavailable
}

// parseToolCalls reads "name {json}; name {json}". Missing arguments
// become "{}".
func parseToolCalls(spec string) []openaicompat.WireToolCall {
	var calls []openaicompat.WireToolCall
	for i, part := range strings.Split(spec, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, args, _ := strings.Cut(part, " ")
		args = strings.TrimSpace(args)
		if args == "" {
			args = "{}"
		}
		calls = append(calls, openaicompat.WireToolCall{
			ID:       fmt.Sprintf("call_mock_%d", i+1),
			Type:     "function",
			Function: openaicompat.FunctionCall{Name: name, Arguments: args},
		})
	}
	return calls
}

func lastUserMessage(msgs []openaicompat.WireMessage) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == "user" && msgs[i].Content != nil {
			return *msgs[i].Content
		}
	}
	return ""
}

// trailingToolResults returns the contents of the tool messages that end
// the conversation.
func trailingToolResults(msgs []openaicompat.WireMessage) []string {
	var out []string
	for i := len(msgs) - 1; i >= 0 && msgs[i].Role == "tool"; i-- {
		content := ""
		if msgs[i].Content != nil {
			content = *msgs[i].Content
		}
		out = append([]string{content}, out...)
	}
	return out
}

// splitTokens splits text into word chunks that concatenate back to text.
func splitTokens(text string) []string {
	if text == "" {
		return nil
	}
	var tokens []string
	start := 0
	for i := 1; i < len(text); i++ {
		if text[i] == ' ' {
			tokens = append(tokens, text[start:i])
			start = i
		}
	}
	return append(tokens, text[start:])
}

func splitHalf(s string) (string, string) {
	mid := len(s) / 2
	for mid > 0 && mid < len(s) && !utf8Start(s[mid]) {
		mid--
	}
	return s[:mid], s[mid:]
}

func utf8Start(b byte) bool { return b&0xC0 != 0x80 }
