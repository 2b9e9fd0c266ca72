package integration

import (
	"net/http"
	"strings"
	"testing"
)

func TestHealthEndpoints(t *testing.T) {
	tests := []struct {
		path     string
		contains string
	}{
		{"/healthz", "ok"},
		{"/readyz", "ready"},
		{"/metrics", "chatgate_"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			// Health endpoints bypass authentication, so a bad key is ignored.
			resp := getURL(t, testEnv.BaseURL()+tt.path, "Authorization", "Bearer sk-wrong")
			body := readBody(t, resp)
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("status = %d: %s", resp.StatusCode, body)
			}
			if !strings.Contains(body, tt.contains) {
				t.Errorf("body does not contain %q", tt.contains)
			}
		})
	}
}

func TestListEngines(t *testing.T) {
	var listing struct {
		Engines []struct {
			Engine  string `json:"engine"`
			Model   string `json:"model"`
			Default bool   `json:"default"`
		} `json:"engines"`
	}
	decodeJSON(t, getURL(t, testEnv.BaseURL()+"/v1/engines"), &listing)

	if len(listing.Engines) != 3 {
		t.Fatalf("got %d engines, want 3", len(listing.Engines))
	}
	for _, e := range listing.Engines {
		if e.Model != e.Engine+"-model" {
			t.Errorf("engine %s model = %q", e.Engine, e.Model)
		}
		if e.Default != (e.Engine == "vllm") {
			t.Errorf("engine %s default = %v", e.Engine, e.Default)
		}
	}
}

func TestRequestIDEcho(t *testing.T) {
	resp := getURL(t, testEnv.BaseURL()+"/healthz", "X-Request-ID", "req-42")
	resp.Body.Close()
	if got := resp.Header.Get("X-Request-ID"); got != "req-42" {
		t.Errorf("X-Request-ID = %q", got)
	}
}
