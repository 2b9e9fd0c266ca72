package observability

import (
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Route labels. Paths outside these prefixes are counted as "other" so
// trace ids in URLs never become label values.
var routes = []struct{ prefix, label string }{
	{"/v1/chat/stream", "chat_stream"},
	{"/v1/ab/results", "ab_results"},
	{"/v1/engines", "engines"},
	{"/healthz", "health"},
	{"/readyz", "health"},
	{"/metrics", "metrics"},
}

// RouteLabel maps a request path to its route label.
func RouteLabel(path string) string {
	for _, r := range routes {
		if strings.HasPrefix(path, r.prefix) {
			return r.label
		}
	}
	return "other"
}

// MetricsMiddleware records request counts and latencies per route using
// promhttp's instrumenting handlers, and tracks open chat streams.
func MetricsMiddleware(next http.Handler) http.Handler {
	byRoute := make(map[string]http.Handler)
	for _, r := range routes {
		byRoute[r.label] = instrument(r.label, next)
	}
	byRoute["other"] = instrument("other", next)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		byRoute[RouteLabel(r.URL.Path)].ServeHTTP(w, r)
	})
}

func instrument(route string, next http.Handler) http.Handler {
	labels := prometheus.Labels{"route": route}
	h := promhttp.InstrumentHandlerDuration(RequestDuration.MustCurryWith(labels), next)
	h = promhttp.InstrumentHandlerCounter(RequestsTotal.MustCurryWith(labels), h)
	if route != "chat_stream" {
		return h
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			StreamingConnections.Inc()
			defer StreamingConnections.Dec()
		}
		h.ServeHTTP(w, r)
	})
}
