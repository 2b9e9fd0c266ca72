// Package websearch provides the built-in web_search tool backed by a
// SearXNG instance.
package websearch

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rhuss/chatgate/pkg/api"
	"github.com/rhuss/chatgate/pkg/observability"
	"github.com/rhuss/chatgate/pkg/tools"
)

// ToolName is the name the model uses to call the tool.
const ToolName = "web_search"

const defaultMaxResults = 5

var parameters = json.RawMessage(`{"type":"object","properties":{"query":{"type":"string","description":"Search query"}},"required":["query"]}`)

// Config configures the web_search tool.
type Config struct {
	URL           string
	MaxResults    int
	RequiredRoles []string
}

// Tool is a tools.Executor that runs web searches.
type Tool struct {
	backend    Backend
	name       string
	maxResults int
	roles      []string
}

var _ tools.Executor = (*Tool)(nil)

// New creates the tool with a SearXNG backend.
func New(cfg Config) (*Tool, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("web_search: url is required")
	}
	return NewWithBackend("searxng", NewSearXNG(cfg.URL), cfg), nil
}

// NewWithBackend creates the tool with an arbitrary backend. name labels
// the backend in metrics.
func NewWithBackend(name string, b Backend, cfg Config) *Tool {
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = defaultMaxResults
	}
	return &Tool{backend: b, name: name, maxResults: cfg.MaxResults, roles: cfg.RequiredRoles}
}

func (t *Tool) Name() string { return ToolName }

func (t *Tool) Definition() api.ToolDefinition {
	return api.ToolDefinition{
		Name:          ToolName,
		Description:   "Search the web for current information",
		Parameters:    parameters,
		RequiredRoles: t.roles,
	}
}

// Execute runs the search named by the "query" argument.
func (t *Tool) Execute(ctx context.Context, toolCallID string, args map[string]any, _ tools.CallContext) api.ToolResult {
	query, _ := args["query"].(string)
	if strings.TrimSpace(query) == "" {
		return tools.Failure(toolCallID, ToolName, "query must not be empty")
	}

	results, err := t.backend.Search(ctx, query, t.maxResults)
	if err != nil {
		return tools.Failuref(toolCallID, ToolName, "search failed: %v", err)
	}
	observability.WebSearchResults.WithLabelValues(t.name).Observe(float64(len(results)))
	return tools.Success(toolCallID, ToolName, format(query, results))
}

func format(query string, results []Result) string {
	if len(results) == 0 {
		return fmt.Sprintf("No results found for %q.", query)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Search results for %q:\n", query)
	for i, r := range results {
		fmt.Fprintf(&b, "\n%d. %s\n   URL: %s\n   %s\n", i+1, r.Title, r.URL, r.Snippet)
	}
	return b.String()
}
