package resilience

import (
	"context"
	"errors"
	"io"
	"net"
	"slices"
	"syscall"
)

// StatusCoder is implemented by errors that carry an upstream HTTP status.
type StatusCoder interface {
	StatusCode() int
}

// IsRetryable reports whether err belongs to the transient class:
// connection and I/O failures, timeouts, and 5xx responses other than
// the excluded codes. Client errors, caller cancellation and an open
// breaker are never retried.
func IsRetryable(err error, excludedStatus []int) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrCircuitOpen) || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, ErrTimeLimitExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var sc StatusCoder
	if errors.As(err, &sc) {
		code := sc.StatusCode()
		return code >= 500 && !slices.Contains(excludedStatus, code)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	return errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE)
}

// outcome is how the breaker treats a finished call.
type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeFailure
	outcomeIgnored
)

// classifyOutcome maps a call result to a breaker outcome. A 4xx answer
// shows a healthy engine and counts as success. Caller cancellation says
// nothing about the engine and is ignored.
func classifyOutcome(err error) outcome {
	if err == nil {
		return outcomeSuccess
	}
	if errors.Is(err, context.Canceled) && !errors.Is(err, ErrTimeLimitExceeded) {
		return outcomeIgnored
	}
	var sc StatusCoder
	if errors.As(err, &sc) && sc.StatusCode() < 500 {
		return outcomeSuccess
	}
	return outcomeFailure
}
