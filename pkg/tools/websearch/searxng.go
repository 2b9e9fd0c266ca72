package websearch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
)

var htmlTag = regexp.MustCompile(`<[^>]*>`)

// Result is one search hit.
type Result struct {
	Title   string
	URL     string
	Snippet string
}

// Backend runs a search query.
type Backend interface {
	Search(ctx context.Context, query string, maxResults int) ([]Result, error)
}

// SearXNG queries a SearXNG instance through its JSON API.
type SearXNG struct {
	BaseURL string
	Client  *http.Client
}

// NewSearXNG creates a SearXNG backend.
func NewSearXNG(baseURL string) *SearXNG {
	return &SearXNG{BaseURL: strings.TrimRight(baseURL, "/"), Client: http.DefaultClient}
}

type searxngResponse struct {
	Results []searxngResult `json:"results"`
}

type searxngResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Content string `json:"content"`
}

// Search implements Backend.
func (s *SearXNG) Search(ctx context.Context, query string, maxResults int) ([]Result, error) {
	u := s.BaseURL + "/search?" + url.Values{
		"q":          {query},
		"format":     {"json"},
		"categories": {"general"},
	}.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("creating search request: %w", err)
	}
	resp, err := s.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("searching: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search backend returned status %d", resp.StatusCode)
	}

	var sr searxngResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return nil, fmt.Errorf("decoding search response: %w", err)
	}

	n := min(len(sr.Results), maxResults)
	results := make([]Result, 0, n)
	for _, r := range sr.Results[:n] {
		results = append(results, Result{
			Title:   stripHTML(r.Title),
			URL:     r.URL,
			Snippet: stripHTML(r.Content),
		})
	}
	return results, nil
}

func stripHTML(s string) string {
	return strings.TrimSpace(htmlTag.ReplaceAllString(s, ""))
}
