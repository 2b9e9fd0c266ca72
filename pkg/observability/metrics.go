// Package observability provides Prometheus metrics and HTTP middleware
// for monitoring the chat gateway.
package observability

import "github.com/prometheus/client_golang/prometheus"

// LLMBuckets defines histogram buckets suited for LLM inference latencies,
// ranging from 50ms to 120s.
var LLMBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120}

// Breaker state values reported by BreakerState.
const (
	BreakerClosed   = 0
	BreakerOpen     = 1
	BreakerHalfOpen = 2
)

var (
	// RequestsTotal counts HTTP requests by status code, method and route.
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatgate_requests_total",
			Help: "Total requests",
		},
		[]string{"code", "method", "route"},
	)

	// RequestDuration records HTTP request duration in seconds.
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatgate_request_duration_seconds",
			Help:    "Request duration",
			Buckets: LLMBuckets,
		},
		[]string{"method", "route"},
	)

	// StreamingConnections tracks open POST /v1/chat/stream requests.
	StreamingConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatgate_streaming_connections_active",
			Help: "Active streaming connections",
		},
	)

	// EngineStreamsTotal counts engine streams by terminal outcome.
	// outcome is "done" or the error code.
	EngineStreamsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatgate_engine_streams_total",
			Help: "Engine streams by outcome",
		},
		[]string{"engine", "outcome"},
	)

	// EngineTTFT records time to first token per engine.
	EngineTTFT = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatgate_engine_ttft_seconds",
			Help:    "Time to first token",
			Buckets: LLMBuckets,
		},
		[]string{"engine"},
	)

	// BreakerState reports the circuit breaker state per engine
	// (0 closed, 1 open, 2 half-open).
	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chatgate_circuit_breaker_state",
			Help: "Circuit breaker state",
		},
		[]string{"engine"},
	)

	// BreakerTransitionsTotal counts circuit breaker state transitions.
	BreakerTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatgate_circuit_breaker_transitions_total",
			Help: "Circuit breaker transitions",
		},
		[]string{"engine", "from", "to"},
	)

	// BreakerRejectedTotal counts calls short-circuited by an open breaker.
	BreakerRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatgate_circuit_breaker_rejected_total",
			Help: "Calls rejected by the circuit breaker",
		},
		[]string{"engine"},
	)

	// RetriesTotal counts retry attempts (not counting the first attempt).
	RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatgate_retries_total",
			Help: "Retried engine calls",
		},
		[]string{"engine"},
	)

	// ABResultsTotal counts A/B comparisons by terminal status.
	ABResultsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatgate_ab_results_total",
			Help: "A/B results by status",
		},
		[]string{"status"},
	)

	// ShadowTasksActive tracks shadow streams currently running.
	ShadowTasksActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatgate_shadow_tasks_active",
			Help: "Running shadow streams",
		},
	)

	// ToolExecutionsTotal counts tool executions by name and outcome.
	ToolExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatgate_tool_executions_total",
			Help: "Tool executions",
		},
		[]string{"tool_name", "status"},
	)

	// WebSearchResults records how many results each web search returned.
	WebSearchResults = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatgate_websearch_results_returned",
			Help:    "Number of web search results returned",
			Buckets: []float64{0, 1, 2, 3, 5, 10, 20},
		},
		[]string{"backend"},
	)

	// ToolDuration records tool execution latency.
	ToolDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatgate_tool_duration_seconds",
			Help:    "Tool execution duration",
			Buckets: LLMBuckets,
		},
		[]string{"tool_name"},
	)

	// ToolIterationsExceededTotal counts tool loops stopped by the iteration cap.
	ToolIterationsExceededTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chatgate_tool_iterations_exceeded_total",
			Help: "Tool loops that hit the iteration cap",
		},
	)

	// RateLimitRejectedTotal counts requests rejected by the rate limiter.
	RateLimitRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatgate_ratelimit_rejected_total",
			Help: "Rate limit rejections",
		},
		[]string{"tier"},
	)
)

func init() {
	prometheus.MustRegister(
		RequestsTotal,
		RequestDuration,
		StreamingConnections,
		EngineStreamsTotal,
		EngineTTFT,
		BreakerState,
		BreakerTransitionsTotal,
		BreakerRejectedTotal,
		RetriesTotal,
		ABResultsTotal,
		ShadowTasksActive,
		ToolExecutionsTotal,
		ToolDuration,
		WebSearchResults,
		ToolIterationsExceededTotal,
		RateLimitRejectedTotal,
	)
}
