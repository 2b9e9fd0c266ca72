package abtest

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rhuss/chatgate/pkg/api"
)

// sideOutcome is what one side contributes to an ABTestResult.
type sideOutcome struct {
	Output   string
	Failed   bool
	Error    string
	TTFT     time.Duration
	Duration time.Duration
	Tokens   int
}

// recorder measures one side of a comparison from its event stream.
type recorder struct {
	now        func() time.Time
	start      time.Time
	firstDelta time.Time
	text       strings.Builder
	terminal   *api.Event
	failure    string
}

func newRecorder(now func() time.Time) *recorder {
	return &recorder{now: now, start: now()}
}

func (r *recorder) observe(ev api.Event) {
	switch ev.Type {
	case api.EventDelta:
		if r.firstDelta.IsZero() {
			r.firstDelta = r.now()
		}
		if ev.Delta.Kind == api.DeltaText {
			r.text.WriteString(ev.Delta.Text)
		}
	case api.EventDone, api.EventError:
		if r.terminal == nil {
			r.terminal = &ev
		}
	}
}

// fail marks the side as failed regardless of what was observed.
func (r *recorder) fail(msg string) {
	r.failure = msg
}

func (r *recorder) outcome() sideOutcome {
	o := sideOutcome{Duration: r.now().Sub(r.start)}
	if !r.firstDelta.IsZero() {
		o.TTFT = r.firstDelta.Sub(r.start)
	}

	switch {
	case r.failure != "":
		o.Failed, o.Error = true, r.failure
	case r.terminal == nil:
		o.Failed, o.Error = true, "stream ended without a terminal event"
	case r.terminal.Type == api.EventError:
		o.Failed, o.Error = true, r.terminal.Error.Code+": "+r.terminal.Error.Message
	default:
		o.Output = r.text.String()
		o.Tokens = EstimateTokens(o.Output)
	}
	return o
}

// EstimateTokens approximates a token count as ceil(characters / 4).
func EstimateTokens(s string) int {
	return (utf8.RuneCountInString(s) + 3) / 4
}
