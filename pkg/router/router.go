// Package router maps logical engine names to backend endpoints.
package router

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
)

// Meta-selectors resolved by the caller before routing. "auto" stands for
// the default engine and "ab" for an A/B comparison run.
const (
	SelectorAuto = "auto"
	SelectorAB   = "ab"
)

// Route is the resolved endpoint of one engine.
type Route struct {
	Engine  string
	BaseURL string
	Model   string
	APIKey  string
}

// Router resolves engine names. It is immutable after New and safe for
// concurrent use.
type Router struct {
	routes        map[string]Route
	defaultEngine string
}

// New builds a Router. The default engine must be one of the routes so an
// unknown name can never resolve to an invented endpoint.
func New(routes []Route, defaultEngine string) (*Router, error) {
	if len(routes) == 0 {
		return nil, fmt.Errorf("router: at least one engine route is required")
	}

	m := make(map[string]Route, len(routes))
	for _, r := range routes {
		name := normalize(r.Engine)
		if name == "" {
			return nil, fmt.Errorf("router: engine name is required")
		}
		if name == SelectorAuto || name == SelectorAB {
			return nil, fmt.Errorf("router: %q is a reserved selector", name)
		}
		if r.BaseURL == "" {
			return nil, fmt.Errorf("router: engine %q has no base URL", name)
		}
		if _, dup := m[name]; dup {
			return nil, fmt.Errorf("router: duplicate engine %q", name)
		}
		r.Engine = name
		r.BaseURL = strings.TrimRight(r.BaseURL, "/")
		m[name] = r
	}

	def := normalize(defaultEngine)
	if _, ok := m[def]; !ok {
		return nil, fmt.Errorf("router: default engine %q is not configured", defaultEngine)
	}

	return &Router{routes: m, defaultEngine: def}, nil
}

// Resolve returns the route for name. Empty names, "auto" and unknown
// names resolve to the default engine.
func (r *Router) Resolve(name string) Route {
	n := normalize(name)
	if route, ok := r.routes[n]; ok {
		return route
	}
	if n != "" && n != SelectorAuto {
		slog.Warn("unknown engine, using default", "engine", name, "default", r.defaultEngine)
	}
	return r.routes[r.defaultEngine]
}

// Has reports whether name is a configured engine.
func (r *Router) Has(name string) bool {
	_, ok := r.routes[normalize(name)]
	return ok
}

// Default returns the default engine name.
func (r *Router) Default() string {
	return r.defaultEngine
}

// Routes returns all routes sorted by engine name.
func (r *Router) Routes() []Route {
	out := make([]Route, 0, len(r.routes))
	for _, route := range r.routes {
		out = append(out, route)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Engine < out[j].Engine })
	return out
}

// IsAB reports whether the selector requests an A/B run.
func IsAB(name string) bool {
	return normalize(name) == SelectorAB
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
