package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/rhuss/chatgate/pkg/debug"
)

// Client opens streaming Chat Completions calls against one engine.
type Client struct {
	engine     string
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a Client for the engine reachable at baseURL.
//
// The HTTP client carries no overall timeout because a stream can
// legitimately outlive any fixed value. Lifecycle control relies on the
// request context instead.
func NewClient(engine, baseURL, apiKey string, transport http.RoundTripper) *Client {
	if transport == nil {
		transport = http.DefaultTransport
	}
	return &Client{
		engine:     engine,
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Transport: transport},
	}
}

// Engine returns the logical engine name this client talks to.
func (c *Client) Engine() string {
	return c.engine
}

// Open posts the request to {baseURL}/v1/chat/completions and returns the
// upstream event-stream body once the engine has accepted the call.
//
// Non-2xx responses are returned as *StatusError. Transport failures are
// wrapped so the cause stays inspectable with errors.Is and errors.As.
// The caller must close the returned body.
func (c *Client) Open(ctx context.Context, req *WorkerRequest) (io.ReadCloser, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshaling worker request: %w", err)
	}

	url := c.baseURL + "/v1/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	debug.Log("transformer", "opening engine stream",
		"engine", c.engine, "url", url, "model", req.Model, "messages", len(req.Messages))

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("engine %s: %w", c.engine, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, statusErrorFrom(c.engine, resp)
	}

	return resp.Body, nil
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}
