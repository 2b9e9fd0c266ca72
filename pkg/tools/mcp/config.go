package mcp

import (
	"fmt"
	"net/http"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// ServerConfig describes one MCP server.
type ServerConfig struct {
	Name string

	// Transport is "streamable-http" (the default) or "sse".
	Transport string
	URL       string

	// Headers are added to every request, usually for credentials.
	Headers map[string]string

	// RequiredRoles gates every tool of the server.
	RequiredRoles []string
}

func (c ServerConfig) transport() (mcp.Transport, error) {
	var client *http.Client
	if len(c.Headers) > 0 {
		client = &http.Client{Transport: withHeaders{next: http.DefaultTransport, headers: c.Headers}}
	}
	switch c.Transport {
	case "", "streamable-http":
		return &mcp.StreamableClientTransport{Endpoint: c.URL, HTTPClient: client}, nil
	case "sse":
		return &mcp.SSEClientTransport{Endpoint: c.URL, HTTPClient: client}, nil
	}
	return nil, fmt.Errorf("unsupported transport %q", c.Transport)
}
