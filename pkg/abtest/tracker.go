package abtest

import (
	"sync"
	"time"

	"github.com/rhuss/chatgate/pkg/api"
)

type side int

const (
	sidePrimary side = iota
	sideShadow
)

func (s side) String() string {
	if s == sidePrimary {
		return "primary"
	}
	return "shadow"
}

// tracker owns one ABTestResult while both sides run. Each side reports
// once and its fields, error included, show up in snapshots right away.
// The status leaves IN_PROGRESS exactly once, when the second side has
// reported, and onTerminal then receives a copy of the final result.
type tracker struct {
	now        func() time.Time
	onTerminal func(*api.ABTestResult)

	mu       sync.Mutex
	result   *api.ABTestResult
	reported [2]bool
	failed   [2]bool
}

func newTracker(result *api.ABTestResult, now func() time.Time, onTerminal func(*api.ABTestResult)) *tracker {
	result.Status = api.ABInProgress
	return &tracker{now: now, onTerminal: onTerminal, result: result}
}

// record stores the outcome of one side. A second report for the same
// side is ignored.
func (t *tracker) record(s side, o sideOutcome) {
	t.mu.Lock()
	if t.reported[s] {
		t.mu.Unlock()
		return
	}
	t.reported[s] = true
	t.failed[s] = o.Failed

	r := t.result
	var output *string
	if !o.Failed {
		output = &o.Output
	}
	switch s {
	case sidePrimary:
		r.PrimaryOutput, r.PrimaryError = output, o.Error
		r.PrimaryTTFTMillis = o.TTFT.Milliseconds()
		r.PrimaryDurationMillis = o.Duration.Milliseconds()
		r.PrimaryTokens = o.Tokens
	case sideShadow:
		r.ShadowOutput, r.ShadowError = output, o.Error
		r.ShadowTTFTMillis = o.TTFT.Milliseconds()
		r.ShadowDurationMillis = o.Duration.Milliseconds()
		r.ShadowTokens = o.Tokens
	}

	var final *api.ABTestResult
	if t.reported[sidePrimary] && t.reported[sideShadow] && !r.Status.IsTerminal() {
		r.Status = statusFor(t.failed[sidePrimary], t.failed[sideShadow])
		completed := t.now().UTC()
		r.CompletedAt = &completed
		final = r.Clone()
	}
	t.mu.Unlock()

	if final != nil && t.onTerminal != nil {
		t.onTerminal(final)
	}
}

func (t *tracker) snapshot() *api.ABTestResult {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.result.Clone()
}

func statusFor(primaryFailed, shadowFailed bool) api.ABStatus {
	switch {
	case primaryFailed && shadowFailed:
		return api.ABBothFailed
	case primaryFailed:
		return api.ABPrimaryFailed
	case shadowFailed:
		return api.ABShadowFailed
	default:
		return api.ABCompleted
	}
}
