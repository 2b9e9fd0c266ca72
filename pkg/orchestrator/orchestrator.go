// Package orchestrator runs the tool loop on top of an engine stream.
//
// Each iteration streams one engine call. Text is forwarded to the caller
// as it arrives; tool-call fragments are not. When the call finishes with
// tool calls, all of them run concurrently through the tool registry, one
// assistant message and one tool message per call are appended to the
// conversation, and the next iteration starts. A call finishing without
// tool calls ends the loop with a done event. The number of engine calls
// per request is capped; hitting the cap while tool calls are still
// pending ends the stream with a MAX_TOOL_ITERATIONS error.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/sourcegraph/conc/iter"

	"github.com/rhuss/chatgate/pkg/api"
	"github.com/rhuss/chatgate/pkg/debug"
	"github.com/rhuss/chatgate/pkg/gateway"
	"github.com/rhuss/chatgate/pkg/observability"
	"github.com/rhuss/chatgate/pkg/router"
	"github.com/rhuss/chatgate/pkg/tools"
)

// DefaultMaxIterations caps the engine calls of one request.
const DefaultMaxIterations = 5

// Invoker runs tool calls and lists the tools a caller may use.
// *tools.Registry implements it.
type Invoker interface {
	Invoke(ctx context.Context, call api.ToolCall, cc tools.CallContext) api.ToolResult
	Definitions(roles []string) []api.ToolDefinition
}

// Config holds orchestrator settings.
type Config struct {
	MaxIterations int
	// Concurrency bounds the tools run at once within one batch.
	// Zero runs the whole batch at once.
	Concurrency int
}

// Orchestrator drives the tool loop for one request at a time.
type Orchestrator struct {
	direct gateway.Streamer
	ab     gateway.Streamer
	tools  Invoker
	cfg    Config
}

// New creates an Orchestrator. direct serves normal requests; ab, which
// may be nil, serves the first iteration of A/B requests. Continuation
// iterations of an A/B request go to the primary engine through direct.
func New(direct, ab gateway.Streamer, invoker Invoker, cfg Config) *Orchestrator {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	return &Orchestrator{direct: direct, ab: ab, tools: invoker, cfg: cfg}
}

// Run starts the tool loop for req on engine on behalf of a caller
// holding roles. The returned channel carries at most one meta event,
// then deltas, then exactly one terminal event.
func (o *Orchestrator) Run(ctx context.Context, req *api.GatewayRequest, engine string, roles []string) <-chan api.Event {
	out := make(chan api.Event, 64)
	l := &loop{
		o:   o,
		ctx: ctx,
		out: out,
		cc: tools.CallContext{
			TraceID:   req.TraceID,
			SessionID: req.SessionID,
			UserID:    req.UserID,
			Roles:     roles,
		},
	}
	go func() {
		defer close(out)
		l.run(o.offerTools(req, roles), engine)
	}()
	return out
}

// offerTools attaches the tools the caller may use. A request naming
// tools is narrowed to those; otherwise every permitted tool is offered.
func (o *Orchestrator) offerTools(req *api.GatewayRequest, roles []string) *api.GatewayRequest {
	if o.tools == nil {
		return req
	}
	available := o.tools.Definitions(roles)
	if len(req.Tools) == 0 {
		if len(available) == 0 {
			return req
		}
		return req.WithTools(available)
	}

	byName := make(map[string]api.ToolDefinition, len(available))
	for _, d := range available {
		byName[d.Name] = d
	}
	var selected []api.ToolDefinition
	for _, d := range req.Tools {
		if def, ok := byName[d.Name]; ok {
			selected = append(selected, def)
		}
	}
	return req.WithTools(selected)
}

// loop is the state of one Run.
type loop struct {
	o        *Orchestrator
	ctx      context.Context
	out      chan<- api.Event
	cc       tools.CallContext
	terminal bool
}

// iteration is what one engine call produced.
type iteration struct {
	engine string
	text   strings.Builder
	done   *api.Done
}

func (l *loop) run(req *api.GatewayRequest, engine string) {
	streamer := l.o.direct
	if router.IsAB(engine) && l.o.ab != nil {
		streamer = l.o.ab
	}

	current := req
	for i := 0; i < l.o.cfg.MaxIterations; i++ {
		it, ok := l.stream(streamer, current, engine, i == 0)
		if !ok {
			return
		}

		calls := it.done.ToolCalls
		if len(calls) == 0 {
			reason := api.FinishStop
			if it.done.FinishReason == api.FinishLength {
				reason = api.FinishLength
			}
			l.finish(api.NewDoneEvent(reason, nil))
			return
		}

		if i+1 >= l.o.cfg.MaxIterations {
			break
		}

		debug.Log("tools", "executing tool batch",
			"trace_id", l.cc.TraceID, "iteration", i+1, "calls", len(calls))
		results := l.execute(calls)
		if l.ctx.Err() != nil {
			l.finish(api.NewErrorEvent(api.CodeCancelled, "stream cancelled", l.cc.TraceID))
			return
		}

		current = current.WithAppended(continuation(it.text.String(), calls, results)...)

		// Tool continuations of an A/B request run on the primary only.
		if streamer != l.o.direct {
			streamer = l.o.direct
			engine = it.engine
		}
	}

	observability.ToolIterationsExceededTotal.Inc()
	slog.Warn("tool loop reached its iteration cap",
		"trace_id", l.cc.TraceID,
		"max_iterations", l.o.cfg.MaxIterations,
	)
	l.finish(api.NewErrorEvent(api.CodeMaxToolIterations,
		fmt.Sprintf("tool loop stopped after %d iterations with tool calls still pending", l.o.cfg.MaxIterations),
		l.cc.TraceID))
}

// stream runs one engine call. It returns false when the request has
// already ended, either with the call's error or because the caller left.
func (l *loop) stream(s gateway.Streamer, req *api.GatewayRequest, engine string, first bool) (*iteration, bool) {
	it := &iteration{engine: engine}
	forward := true
	var failed *api.Event

	for ev := range s.Stream(l.ctx, req, engine) {
		if failed != nil || !forward {
			continue
		}
		switch ev.Type {
		case api.EventMeta:
			it.engine = ev.Meta.Engine
			if first {
				forward = l.emit(ev)
			}
		case api.EventDelta:
			switch ev.Delta.Kind {
			case api.DeltaText:
				it.text.WriteString(ev.Delta.Text)
				forward = l.emit(ev)
			case api.DeltaToolCallDelta:
				debug.Log("tools", "tool call fragment",
					"trace_id", l.cc.TraceID, "index", ev.Delta.ToolCall.Index, "name", ev.Delta.ToolCall.Name)
			default:
				forward = l.emit(ev)
			}
		case api.EventDone:
			it.done = ev.Done
		case api.EventError:
			failed = &ev
		}
	}

	switch {
	case failed != nil:
		l.finish(*failed)
		return nil, false
	case !forward:
		l.finish(api.NewErrorEvent(api.CodeCancelled, "stream cancelled", l.cc.TraceID))
		return nil, false
	case it.done == nil:
		l.finish(api.NewErrorEvent(api.CodeInternalError, "engine stream ended without a terminal event", l.cc.TraceID))
		return nil, false
	}
	return it, true
}

// execute runs a batch of tool calls concurrently. Results keep the
// order of calls.
func (l *loop) execute(calls []api.ToolCall) []api.ToolResult {
	if l.o.tools == nil {
		results := make([]api.ToolResult, len(calls))
		for i, c := range calls {
			results[i] = tools.Failure(c.ID, c.Name, "Unknown tool: "+c.Name)
		}
		return results
	}

	workers := l.o.cfg.Concurrency
	if workers <= 0 {
		workers = len(calls)
	}
	mapper := iter.Mapper[api.ToolCall, api.ToolResult]{MaxGoroutines: workers}
	return mapper.Map(calls, func(c *api.ToolCall) api.ToolResult {
		return l.o.tools.Invoke(l.ctx, *c, l.cc)
	})
}

// continuation builds the messages appended after a tool round: the
// assistant turn with its tool calls, then one tool message per result.
func continuation(text string, calls []api.ToolCall, results []api.ToolResult) []api.Message {
	msgs := make([]api.Message, 0, len(results)+1)
	msgs = append(msgs, api.Message{
		Role:      api.RoleAssistant,
		Content:   text,
		ToolCalls: calls,
	})
	for _, r := range results {
		msgs = append(msgs, api.Message{
			Role:       api.RoleTool,
			Content:    r.Content(),
			ToolCallID: r.ToolCallID,
			Name:       r.ToolName,
		})
	}
	return msgs
}

func (l *loop) emit(ev api.Event) bool {
	select {
	case l.out <- ev:
		return true
	case <-l.ctx.Done():
		return false
	}
}

// finish delivers the terminal event once.
func (l *loop) finish(ev api.Event) {
	if l.terminal {
		return
	}
	l.terminal = true
	select {
	case l.out <- ev:
	case <-l.ctx.Done():
		select {
		case l.out <- ev:
		default:
		}
	}
}
