// Package resilience wraps every outbound engine call in a per-engine
// circuit breaker, retry with exponential backoff, and a hard time limit.
//
// Policies is the process-wide registry of that state, keyed by engine
// name. It is created once at startup and injected into every component
// that talks to an engine, so all callers of one engine share a single
// breaker.
//
// The wrapping order for one call is
//
//	Retry( CircuitBreaker( TimeLimiter( call ) ) )
//
// so every attempt is admitted and recorded by the breaker individually,
// and an open breaker ends the retry loop immediately.
package resilience
