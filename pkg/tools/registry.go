package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/sourcegraph/conc/panics"

	"github.com/rhuss/chatgate/pkg/api"
	"github.com/rhuss/chatgate/pkg/debug"
	"github.com/rhuss/chatgate/pkg/observability"
)

// DefaultTimeout bounds a single tool execution.
const DefaultTimeout = 30 * time.Second

// Registry maps tool names to executors. It is safe for concurrent use.
type Registry struct {
	timeout time.Duration

	mu        sync.RWMutex
	executors map[string]Executor
	order     []string
	toolsets  []Toolset
}

// NewRegistry creates an empty registry. A timeout of zero means
// DefaultTimeout.
func NewRegistry(timeout time.Duration) *Registry {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Registry{
		timeout:   timeout,
		executors: make(map[string]Executor),
	}
}

// Register adds executors. Names are first come, first served: a later
// executor with a name already taken is skipped with a warning.
func (r *Registry) Register(execs ...Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, e := range execs {
		name := e.Name()
		if _, ok := r.executors[name]; ok {
			slog.Warn("tool name conflict, keeping first executor", "tool", name)
			continue
		}
		r.executors[name] = e
		r.order = append(r.order, name)
	}
}

// RegisterToolset discovers the executors of ts and registers them. The
// toolset is closed together with the registry.
func (r *Registry) RegisterToolset(ctx context.Context, ts Toolset) error {
	execs, err := ts.Executors(ctx)
	if err != nil {
		return fmt.Errorf("discovering tools from %q: %w", ts.Name(), err)
	}
	r.Register(execs...)

	r.mu.Lock()
	r.toolsets = append(r.toolsets, ts)
	r.mu.Unlock()

	slog.Info("registered toolset", "toolset", ts.Name(), "tools", len(execs))
	return nil
}

// Lookup returns the executor for name.
func (r *Registry) Lookup(name string) (Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.executors[name]
	return e, ok
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.executors)
}

// Definitions returns the definitions of all tools the given roles may
// use, in registration order.
func (r *Registry) Definitions(roles []string) []api.ToolDefinition {
	r.mu.RLock()
	defs := make([]api.ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		defs = append(defs, r.executors[name].Definition())
	}
	r.mu.RUnlock()
	return FilterByRoles(defs, roles)
}

// Invoke runs one tool call under the registry timeout. It never panics
// and never returns a Go error: an unknown tool, a missing role, a
// timeout or a panic each yield a failed result for this call only.
func (r *Registry) Invoke(ctx context.Context, call api.ToolCall, cc CallContext) api.ToolResult {
	e, ok := r.Lookup(call.Name)
	if !ok {
		observability.ToolExecutionsTotal.WithLabelValues("unknown", "unknown_tool").Inc()
		slog.Warn("model called unknown tool", "tool", call.Name, "trace_id", cc.TraceID)
		return Failure(call.ID, call.Name, "Unknown tool: "+call.Name)
	}

	def := e.Definition()
	if !Permitted(def.RequiredRoles, cc.Roles) {
		observability.ToolExecutionsTotal.WithLabelValues(call.Name, "denied").Inc()
		slog.Warn("tool call denied", "tool", call.Name, "trace_id", cc.TraceID, "user", cc.UserID)
		return Failuref(call.ID, call.Name, "permission denied: tool %s requires one of roles [%s]",
			call.Name, strings.Join(def.RequiredRoles, ", "))
	}

	args := ParseArguments(call.Name, call.Arguments, cc.TraceID)

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	debug.Log("tools", "executing tool", "tool", call.Name, "call_id", call.ID, "trace_id", cc.TraceID)
	start := time.Now()

	done := make(chan api.ToolResult, 1)
	go func() {
		var res api.ToolResult
		if rec := panics.Try(func() { res = e.Execute(ctx, call.ID, args, cc) }); rec != nil {
			slog.Error("tool executor panicked", "tool", call.Name, "trace_id", cc.TraceID, "panic", rec.String())
			res = Failuref(call.ID, call.Name, "internal error: tool %s panicked", call.Name)
		}
		done <- res
	}()

	var res api.ToolResult
	select {
	case res = <-done:
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			res = Failuref(call.ID, call.Name, "tool %s timed out after %s", call.Name, r.timeout)
		} else {
			res = Failuref(call.ID, call.Name, "tool %s cancelled", call.Name)
		}
	}
	res.ToolCallID, res.ToolName = call.ID, call.Name

	status := "success"
	if !res.Success {
		status = "error"
		slog.Warn("tool call failed", "tool", call.Name, "trace_id", cc.TraceID, "error", res.Error)
	}
	observability.ToolExecutionsTotal.WithLabelValues(call.Name, status).Inc()
	observability.ToolDuration.WithLabelValues(call.Name).Observe(time.Since(start).Seconds())
	return res
}

// Close closes all registered toolsets, returning the last error.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var lastErr error
	for _, ts := range r.toolsets {
		if err := ts.Close(); err != nil {
			slog.Warn("failed to close toolset", "toolset", ts.Name(), "error", err)
			lastErr = err
		}
	}
	return lastErr
}

// ParseArguments decodes a tool call's JSON arguments. Empty or malformed
// arguments yield an empty map; malformed ones are logged.
func ParseArguments(toolName, raw, traceID string) map[string]any {
	args := map[string]any{}
	if strings.TrimSpace(raw) == "" {
		return args
	}
	if err := json.Unmarshal([]byte(raw), &args); err != nil || args == nil {
		slog.Warn("malformed tool arguments, using empty arguments",
			"tool", toolName,
			"trace_id", traceID,
			"error", err,
		)
		return map[string]any{}
	}
	return args
}
