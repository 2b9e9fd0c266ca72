package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/rhuss/chatgate/pkg/api"
	"github.com/rhuss/chatgate/pkg/tools"
)

var clientInfo = &mcp.Implementation{Name: "chatgate", Version: "1.0.0"}

// Toolset offers the tools of one MCP server. The session is opened on
// first use. When a call fails at the transport level the session is
// dropped and the next call dials again, unless the transport was
// injected by the caller.
type Toolset struct {
	cfg      ServerConfig
	injected mcp.Transport

	mu      sync.Mutex
	session *mcp.ClientSession
	defs    []api.ToolDefinition
}

var _ tools.Toolset = (*Toolset)(nil)

// NewToolset creates a toolset for cfg. A non-nil transport replaces the
// one derived from cfg.
func NewToolset(cfg ServerConfig, transport mcp.Transport) *Toolset {
	return &Toolset{cfg: cfg, injected: transport}
}

func (s *Toolset) Name() string { return s.cfg.Name }

// Executors lists the server's tools, once, and wraps each one.
func (s *Toolset) Executors(ctx context.Context) ([]tools.Executor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.defs == nil {
		sess, err := s.sessionLocked(ctx)
		if err != nil {
			return nil, err
		}
		defs := []api.ToolDefinition{}
		for t, err := range sess.Tools(ctx, nil) {
			if err != nil {
				return nil, fmt.Errorf("mcp %s: listing tools: %w", s.cfg.Name, err)
			}
			def, err := definition(t)
			if err != nil {
				return nil, fmt.Errorf("mcp %s: tool %s: %w", s.cfg.Name, t.Name, err)
			}
			def.RequiredRoles = s.cfg.RequiredRoles
			defs = append(defs, def)
		}
		s.defs = defs
		slog.Info("discovered MCP tools", "server", s.cfg.Name, "count", len(defs))
	}

	execs := make([]tools.Executor, len(s.defs))
	for i, def := range s.defs {
		execs[i] = &remoteTool{set: s, def: def}
	}
	return execs, nil
}

func (s *Toolset) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		return nil
	}
	err := s.session.Close()
	s.session = nil
	return err
}

// sessionLocked returns the open session, dialing when there is none.
func (s *Toolset) sessionLocked(ctx context.Context) (*mcp.ClientSession, error) {
	if s.session != nil {
		return s.session, nil
	}
	transport := s.injected
	if transport == nil {
		t, err := s.cfg.transport()
		if err != nil {
			return nil, fmt.Errorf("mcp %s: %w", s.cfg.Name, err)
		}
		transport = t
	}
	sess, err := mcp.NewClient(clientInfo, nil).Connect(ctx, transport, nil)
	if err != nil {
		return nil, fmt.Errorf("mcp %s: connecting: %w", s.cfg.Name, err)
	}
	s.session = sess
	return sess, nil
}

func (s *Toolset) call(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	s.mu.Lock()
	sess, err := s.sessionLocked(ctx)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	res, err := sess.CallTool(ctx, &mcp.CallToolParams{Name: name, Arguments: args})
	if err != nil && ctx.Err() == nil && s.injected == nil {
		s.mu.Lock()
		if s.session == sess {
			sess.Close()
			s.session = nil
		}
		s.mu.Unlock()
	}
	return res, err
}

// remoteTool forwards calls of one tool to the server.
type remoteTool struct {
	set *Toolset
	def api.ToolDefinition
}

func (t *remoteTool) Name() string                   { return t.def.Name }
func (t *remoteTool) Definition() api.ToolDefinition { return t.def }

func (t *remoteTool) Execute(ctx context.Context, toolCallID string, args map[string]any, _ tools.CallContext) api.ToolResult {
	res, err := t.set.call(ctx, t.def.Name, args)
	if err != nil {
		slog.Warn("MCP tool call failed", "server", t.set.cfg.Name, "tool", t.def.Name, "error", err)
		return tools.Failure(toolCallID, t.def.Name, err.Error())
	}
	out := output(res)
	if res.IsError {
		return tools.Failure(toolCallID, t.def.Name, out)
	}
	return tools.Success(toolCallID, t.def.Name, out)
}

func definition(t *mcp.Tool) (api.ToolDefinition, error) {
	def := api.ToolDefinition{Name: t.Name, Description: t.Description}
	if t.InputSchema != nil {
		schema, err := json.Marshal(t.InputSchema)
		if err != nil {
			return def, err
		}
		def.Parameters = schema
	}
	return def, nil
}

// output joins the text blocks of a result. A result without text falls
// back to its structured content as JSON.
func output(res *mcp.CallToolResult) string {
	var texts []string
	for _, c := range res.Content {
		if tc, ok := c.(*mcp.TextContent); ok {
			texts = append(texts, tc.Text)
		}
	}
	if len(texts) == 0 && res.StructuredContent != nil {
		if b, err := json.Marshal(res.StructuredContent); err == nil {
			return string(b)
		}
	}
	return strings.Join(texts, "\n")
}

// withHeaders sets static headers on every outgoing request.
type withHeaders struct {
	next    http.RoundTripper
	headers map[string]string
}

func (h withHeaders) RoundTrip(r *http.Request) (*http.Response, error) {
	r = r.Clone(r.Context())
	for k, v := range h.headers {
		r.Header.Set(k, v)
	}
	return h.next.RoundTrip(r)
}
