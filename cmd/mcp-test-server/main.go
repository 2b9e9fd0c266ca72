// Command mcp-test-server runs a small MCP server for exercising the
// gateway's tool loop. It provides the "project_status" and "echo" tools.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

type projectStatusInput struct {
	Project string `json:"project" jsonschema:"the project name"`
}

type echoInput struct {
	Message string `json:"message" jsonschema:"the message to echo back"`
}

var statuses = map[string]string{
	"chatgate": "green: all engines healthy",
	"shadow":   "yellow: gguf engine degraded",
}

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	server := mcp.NewServer(&mcp.Implementation{Name: "chatgate-test-mcp", Version: "v1.0.0"}, nil)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "project_status",
		Description: "Returns the build status of a project",
	}, func(_ context.Context, _ *mcp.CallToolRequest, in projectStatusInput) (*mcp.CallToolResult, any, error) {
		status, ok := statuses[strings.ToLower(in.Project)]
		if !ok {
			return &mcp.CallToolResult{
				IsError: true,
				Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("unknown project %q", in.Project)}},
			}, nil, nil
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: in.Project + ": " + status}},
		}, nil, nil
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "echo",
		Description: "Echoes the provided message back",
	}, func(_ context.Context, _ *mcp.CallToolRequest, in echoInput) (*mcp.CallToolResult, any, error) {
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: "Echo: " + in.Message}},
		}, nil, nil
	})

	handler := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return server }, nil)

	mux := http.NewServeMux()
	mux.Handle("/mcp", handler)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("ok\n"))
	})

	slog.Info("MCP test server starting", "port", port)
	if err := http.ListenAndServe(":"+port, mux); err != nil {
		slog.Error("MCP test server failed", "error", err)
		os.Exit(1)
	}
}
